package index

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"github.com/m-mizutani/goerr/v2"

	"github.com/subcog/subcog/internal/model"
)

// Index is the structured index. It lives in the same SQLite file as the
// record store but only ever holds derived rows; Rebuild reconstructs it
// from scratch with identical query results.
type Index struct {
	db *sql.DB
}

// New creates the index tables if needed.
func New(db *sql.DB) (*Index, error) {
	schema := `
	CREATE TABLE IF NOT EXISTS record_index (
		id         TEXT PRIMARY KEY,
		ns         TEXT NOT NULL,
		source     TEXT,
		priority   INTEGER NOT NULL,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_ri_ns ON record_index(ns);
	CREATE INDEX IF NOT EXISTS idx_ri_priority ON record_index(priority);
	CREATE INDEX IF NOT EXISTS idx_ri_created ON record_index(created_at DESC);

	CREATE TABLE IF NOT EXISTS record_tags (
		id  TEXT NOT NULL,
		tag TEXT NOT NULL,
		PRIMARY KEY (id, tag)
	);
	CREATE INDEX IF NOT EXISTS idx_rt_tag ON record_tags(tag);
	`
	if _, err := db.Exec(schema); err != nil {
		return nil, goerr.Wrap(err, "create index tables")
	}
	return &Index{db: db}, nil
}

// Put indexes (or re-indexes) one record.
func (ix *Index) Put(ctx context.Context, rec *model.Record) error {
	tx, err := ix.db.BeginTx(ctx, nil)
	if err != nil {
		return goerr.Wrap(err, "begin tx")
	}
	defer tx.Rollback()

	if err := putTx(ctx, tx, rec); err != nil {
		return err
	}
	return tx.Commit()
}

func putTx(ctx context.Context, tx *sql.Tx, rec *model.Record) error {
	var source *string
	if rec.Source != "" {
		source = &rec.Source
	}
	_, err := tx.ExecContext(ctx,
		`INSERT INTO record_index (id, ns, source, priority, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET ns = excluded.ns, source = excluded.source,
		   priority = excluded.priority, created_at = excluded.created_at,
		   updated_at = excluded.updated_at`,
		rec.ID, rec.Namespace, source, rec.Priority,
		rec.CreatedAt.UTC().Format(time.RFC3339Nano),
		rec.UpdatedAt.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return goerr.Wrap(err, "index record", goerr.V("id", rec.ID))
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM record_tags WHERE id = ?`, rec.ID); err != nil {
		return goerr.Wrap(err, "clear tags", goerr.V("id", rec.ID))
	}
	for _, tag := range rec.Tags {
		if _, err := tx.ExecContext(ctx,
			`INSERT OR IGNORE INTO record_tags (id, tag) VALUES (?, ?)`, rec.ID, tag); err != nil {
			return goerr.Wrap(err, "index tag", goerr.V("id", rec.ID), goerr.V("tag", tag))
		}
	}
	return nil
}

// Remove drops a record from the index.
func (ix *Index) Remove(ctx context.Context, id string) error {
	if _, err := ix.db.ExecContext(ctx, `DELETE FROM record_index WHERE id = ?`, id); err != nil {
		return goerr.Wrap(err, "remove from index", goerr.V("id", id))
	}
	if _, err := ix.db.ExecContext(ctx, `DELETE FROM record_tags WHERE id = ?`, id); err != nil {
		return goerr.Wrap(err, "remove tags", goerr.V("id", id))
	}
	return nil
}

// Has reports whether the id is present in the index. Used by repair.
func (ix *Index) Has(ctx context.Context, id string) (bool, error) {
	var one int
	err := ix.db.QueryRowContext(ctx, `SELECT 1 FROM record_index WHERE id = ?`, id).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, goerr.Wrap(err, "index lookup", goerr.V("id", id))
	}
	return true, nil
}

// Query returns ids matching the filter in structured order: created_at
// descending, id ascending as tiebreak. A nil or empty filter matches all.
func (ix *Index) Query(ctx context.Context, f *Filter) ([]string, error) {
	query := `SELECT i.id FROM record_index i`
	args := []any{}

	if !f.Empty() {
		var groups []string
		for _, g := range f.Groups {
			var conds []string
			for _, t := range g.Terms {
				cond, condArgs := termSQL(t)
				conds = append(conds, cond)
				args = append(args, condArgs...)
			}
			groups = append(groups, "("+strings.Join(conds, " AND ")+")")
		}
		query += ` WHERE ` + strings.Join(groups, " OR ")
	}
	query += ` ORDER BY i.created_at DESC, i.id ASC`

	rows, err := ix.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, goerr.Wrap(err, "query index")
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, goerr.Wrap(err, "scan id")
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func termSQL(t Term) (string, []any) {
	switch t.Field {
	case "ns":
		return "i.ns = ?", []any{t.Value}
	case "source":
		return "i.source = ?", []any{t.Value}
	case "tag":
		return "EXISTS (SELECT 1 FROM record_tags rt WHERE rt.id = i.id AND rt.tag = ?)", []any{t.Value}
	case "priority":
		op := t.Op
		if op == ":" {
			op = "="
		}
		return "i.priority " + op + " ?", []any{t.Value}
	case "created", "updated":
		col := "i.created_at"
		if t.Field == "updated" {
			col = "i.updated_at"
		}
		ts, _ := parseFilterTime(t.Value)
		return col + " " + t.Op + " ?", []any{ts.UTC().Format(time.RFC3339Nano)}
	}
	// Unreachable: ParseFilter validates fields.
	return "1=1", nil
}

// Rebuild clears the index and re-derives it from the given records.
func (ix *Index) Rebuild(ctx context.Context, records []model.Record) error {
	tx, err := ix.db.BeginTx(ctx, nil)
	if err != nil {
		return goerr.Wrap(err, "begin tx")
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM record_index`); err != nil {
		return goerr.Wrap(err, "clear index")
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM record_tags`); err != nil {
		return goerr.Wrap(err, "clear tags")
	}
	for i := range records {
		if err := putTx(ctx, tx, &records[i]); err != nil {
			return err
		}
	}
	return tx.Commit()
}
