package index

import (
	"errors"
	"testing"

	"github.com/subcog/subcog/internal/model"
)

func TestParseFilter(t *testing.T) {
	f, err := ParseFilter("ns:decisions tag:storage priority>=3")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if len(f.Groups) != 1 {
		t.Fatalf("expected 1 group, got %d", len(f.Groups))
	}
	terms := f.Groups[0].Terms
	if len(terms) != 3 {
		t.Fatalf("expected 3 terms, got %d", len(terms))
	}
	if terms[0].Field != "ns" || terms[0].Value != "decisions" {
		t.Errorf("unexpected term %+v", terms[0])
	}
	if terms[2].Field != "priority" || terms[2].Op != ">=" || terms[2].Value != "3" {
		t.Errorf("unexpected term %+v", terms[2])
	}
}

func TestParseFilterOr(t *testing.T) {
	f, err := ParseFilter("ns:decisions OR ns:patterns tag:concurrency")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if len(f.Groups) != 2 {
		t.Fatalf("expected 2 groups, got %d", len(f.Groups))
	}
	if len(f.Groups[0].Terms) != 1 || len(f.Groups[1].Terms) != 2 {
		t.Errorf("unexpected group sizes: %+v", f.Groups)
	}
}

func TestParseFilterTime(t *testing.T) {
	if _, err := ParseFilter("created>2026-01-01"); err != nil {
		t.Errorf("date form should parse: %v", err)
	}
	if _, err := ParseFilter("updated<2026-01-02T15:04:05Z"); err != nil {
		t.Errorf("RFC3339 form should parse: %v", err)
	}
}

func TestParseFilterRejects(t *testing.T) {
	cases := []string{
		"bogus:x",          // unknown field
		"ns:nonexistent",   // unknown namespace
		"ns>=decisions",    // ns takes equality only
		"priority:9",       // out of range
		"priority:abc",     // not a number
		"created:2026",     // created takes > or <
		"created>notatime", // bad time
		"ns:decisions OR",  // trailing OR
		"OR ns:decisions",  // leading OR
		"justsomewords",    // no qualifier
		"tag:",             // empty value
	}
	for _, expr := range cases {
		if _, err := ParseFilter(expr); !errors.Is(err, model.ErrInvalidFilter) {
			t.Errorf("ParseFilter(%q): expected ErrInvalidFilter, got %v", expr, err)
		}
	}
}

func TestParseFilterEmpty(t *testing.T) {
	f, err := ParseFilter("   ")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if !f.Empty() {
		t.Error("expected empty filter")
	}
}
