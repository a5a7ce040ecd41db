// Package index maintains the rebuildable structured index over record
// attributes. It is a projection of the record store, never a second source
// of truth.
package index

import (
	"strconv"
	"strings"
	"time"

	"github.com/m-mizutani/goerr/v2"

	"github.com/subcog/subcog/internal/model"
)

// Term is one qualifier in a filter, e.g. ns:decisions or priority>=3.
type Term struct {
	Field string
	Op    string
	Value string
}

// Group is a conjunction of terms.
type Group struct {
	Terms []Term
}

// Filter is a disjunction of groups: terms within a group are AND-ed,
// groups are OR-ed.
type Filter struct {
	Groups []Group
}

// Empty reports whether the filter matches everything.
func (f *Filter) Empty() bool {
	return f == nil || len(f.Groups) == 0
}

var filterFields = map[string]bool{
	"ns":       true,
	"tag":      true,
	"source":   true,
	"priority": true,
	"created":  true,
	"updated":  true,
}

var rangeOps = []string{">=", "<=", ">", "<", ":"}

// ParseFilter parses the qualifier syntax used by recall and list:
//
//	ns:decisions tag:storage priority>=3 created>2026-01-01 OR ns:patterns
//
// Whitespace between terms means AND; the OR keyword starts a new group.
// ns, tag and source take equality only; priority takes comparison
// operators; created and updated take > and < with RFC3339 or YYYY-MM-DD
// values.
func ParseFilter(expr string) (*Filter, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return &Filter{}, nil
	}

	f := &Filter{}
	group := Group{}
	for _, tok := range strings.Fields(expr) {
		if strings.EqualFold(tok, "OR") {
			if len(group.Terms) == 0 {
				return nil, goerr.Wrap(model.ErrInvalidFilter, "OR with empty group")
			}
			f.Groups = append(f.Groups, group)
			group = Group{}
			continue
		}
		term, err := parseTerm(tok)
		if err != nil {
			return nil, err
		}
		group.Terms = append(group.Terms, term)
	}
	if len(group.Terms) == 0 {
		return nil, goerr.Wrap(model.ErrInvalidFilter, "trailing OR")
	}
	f.Groups = append(f.Groups, group)
	return f, nil
}

func parseTerm(tok string) (Term, error) {
	for _, op := range rangeOps {
		i := strings.Index(tok, op)
		if i <= 0 {
			continue
		}
		term := Term{
			Field: strings.ToLower(tok[:i]),
			Op:    op,
			Value: tok[i+len(op):],
		}
		return term, validateTerm(term, tok)
	}
	return Term{}, goerr.Wrap(model.ErrInvalidFilter, "not a qualifier", goerr.V("term", tok))
}

func validateTerm(t Term, raw string) error {
	if !filterFields[t.Field] {
		return goerr.Wrap(model.ErrInvalidFilter, "unknown field", goerr.V("term", raw))
	}
	if t.Value == "" {
		return goerr.Wrap(model.ErrInvalidFilter, "empty value", goerr.V("term", raw))
	}

	switch t.Field {
	case "ns":
		if t.Op != ":" {
			return goerr.Wrap(model.ErrInvalidFilter, "ns takes equality only", goerr.V("term", raw))
		}
		if !model.ValidNamespaces[t.Value] {
			return goerr.Wrap(model.ErrInvalidFilter, "unknown namespace", goerr.V("term", raw))
		}
	case "tag", "source":
		if t.Op != ":" {
			return goerr.Wrap(model.ErrInvalidFilter, t.Field+" takes equality only", goerr.V("term", raw))
		}
	case "priority":
		n, err := strconv.Atoi(t.Value)
		if err != nil || n < model.MinPriority || n > model.MaxPriority {
			return goerr.Wrap(model.ErrInvalidFilter, "priority out of range", goerr.V("term", raw))
		}
	case "created", "updated":
		if t.Op != ">" && t.Op != "<" {
			return goerr.Wrap(model.ErrInvalidFilter, t.Field+" takes > or <", goerr.V("term", raw))
		}
		if _, err := parseFilterTime(t.Value); err != nil {
			return goerr.Wrap(model.ErrInvalidFilter, "bad time value", goerr.V("term", raw))
		}
	}
	return nil
}

func parseFilterTime(v string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, v); err == nil {
		return t, nil
	}
	return time.Parse("2006-01-02", v)
}
