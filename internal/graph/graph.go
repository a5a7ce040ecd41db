// Package graph is the knowledge graph layer: entities and typed
// relationships keyed by id, holding weak references to records. The graph
// never owns record lifecycle; deleting a record only removes its
// references here.
package graph

import (
	"context"
	"database/sql"
	"math/rand"
	"sort"
	"strings"
	"time"

	"github.com/m-mizutani/goerr/v2"
	"github.com/oklog/ulid/v2"

	"github.com/subcog/subcog/internal/model"
)

// Graph stores entities and relationships in the shared SQLite file.
type Graph struct {
	db      *sql.DB
	entropy *rand.Rand
}

// New creates the graph tables if needed.
func New(db *sql.DB) (*Graph, error) {
	schema := `
	CREATE TABLE IF NOT EXISTS entities (
		id         TEXT PRIMARY KEY,
		type       TEXT NOT NULL,
		name       TEXT NOT NULL,
		created_at TEXT NOT NULL,
		UNIQUE (type, name)
	);

	CREATE TABLE IF NOT EXISTS entity_records (
		entity_id TEXT NOT NULL REFERENCES entities(id),
		record_id TEXT NOT NULL,
		PRIMARY KEY (entity_id, record_id)
	);
	CREATE INDEX IF NOT EXISTS idx_er_record ON entity_records(record_id);

	CREATE TABLE IF NOT EXISTS relationships (
		id          TEXT PRIMARY KEY,
		from_entity TEXT NOT NULL REFERENCES entities(id),
		to_entity   TEXT NOT NULL REFERENCES entities(id),
		kind        TEXT NOT NULL,
		weight      REAL NOT NULL DEFAULT 1.0,
		created_at  TEXT NOT NULL,
		UNIQUE (from_entity, to_entity, kind)
	);
	CREATE INDEX IF NOT EXISTS idx_rel_from ON relationships(from_entity);
	CREATE INDEX IF NOT EXISTS idx_rel_to ON relationships(to_entity);
	`
	if _, err := db.Exec(schema); err != nil {
		return nil, goerr.Wrap(err, "create graph tables")
	}
	return &Graph{
		db:      db,
		entropy: rand.New(rand.NewSource(time.Now().UnixNano())),
	}, nil
}

func (g *Graph) newID() string {
	return ulid.MustNew(ulid.Timestamp(time.Now()), g.entropy).String()
}

// UpsertEntity returns the entity with the given type and name, creating it
// if needed. created reports whether this call minted the entity, so an
// enrichment pass can count creations rather than touches. Idempotent,
// which keeps enrichment passes re-runnable.
func (g *Graph) UpsertEntity(ctx context.Context, typ, name string) (ent *model.Entity, created bool, err error) {
	if typ == "" || name == "" {
		return nil, false, goerr.New("entity type and name required", goerr.T(model.TagValidation))
	}
	now := time.Now().UTC()
	id := g.newID()
	res, err := g.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO entities (id, type, name, created_at) VALUES (?, ?, ?, ?)`,
		id, typ, name, now.Format(time.RFC3339Nano))
	if err != nil {
		return nil, false, goerr.Wrap(err, "insert entity", goerr.V("name", name))
	}
	if n, _ := res.RowsAffected(); n > 0 {
		created = true
	}

	var e model.Entity
	var createdAt string
	err = g.db.QueryRowContext(ctx,
		`SELECT id, type, name, created_at FROM entities WHERE type = ? AND name = ?`,
		typ, name).Scan(&e.ID, &e.Type, &e.Name, &createdAt)
	if err != nil {
		return nil, false, goerr.Wrap(err, "read entity back", goerr.V("name", name))
	}
	e.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	return &e, created, nil
}

// DeleteEntity removes an entity, its record references, and every
// relationship touching it, in one transaction so no dangling relationship
// survives.
func (g *Graph) DeleteEntity(ctx context.Context, id string) error {
	tx, err := g.db.BeginTx(ctx, nil)
	if err != nil {
		return goerr.Wrap(err, "begin tx")
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM relationships WHERE from_entity = ? OR to_entity = ?`, id, id); err != nil {
		return goerr.Wrap(err, "prune relationships", goerr.V("entity", id))
	}
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM entity_records WHERE entity_id = ?`, id); err != nil {
		return goerr.Wrap(err, "prune record refs", goerr.V("entity", id))
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM entities WHERE id = ?`, id)
	if err != nil {
		return goerr.Wrap(err, "delete entity", goerr.V("entity", id))
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return goerr.Wrap(model.ErrNotFound, "delete entity", goerr.V("entity", id))
	}
	return tx.Commit()
}

// LinkRecord attaches a weak record reference to an entity.
func (g *Graph) LinkRecord(ctx context.Context, entityID, recordID string) error {
	res, err := g.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO entity_records (entity_id, record_id)
		 SELECT ?, ? WHERE EXISTS (SELECT 1 FROM entities WHERE id = ?)`,
		entityID, recordID, entityID)
	if err != nil {
		return goerr.Wrap(err, "link record", goerr.V("entity", entityID), goerr.V("record", recordID))
	}
	if n, _ := res.RowsAffected(); n == 0 {
		// Either the entity is unknown or the link already exists; only the
		// former is an error.
		var one int
		if err := g.db.QueryRowContext(ctx,
			`SELECT 1 FROM entities WHERE id = ?`, entityID).Scan(&one); err == sql.ErrNoRows {
			return goerr.Wrap(model.ErrNotFound, "link record", goerr.V("entity", entityID))
		}
	}
	return nil
}

// PruneRecordRefs removes every reference to a record. Called when GC
// physically reclaims the record; entities themselves are kept.
func (g *Graph) PruneRecordRefs(ctx context.Context, recordID string) error {
	if _, err := g.db.ExecContext(ctx,
		`DELETE FROM entity_records WHERE record_id = ?`, recordID); err != nil {
		return goerr.Wrap(err, "prune record refs", goerr.V("record", recordID))
	}
	return nil
}

// Relate creates (or re-weights) a relationship between two existing
// entities.
func (g *Graph) Relate(ctx context.Context, from, to, kind string, weight float64) (*model.Relationship, error) {
	if !model.ValidRelationKinds[kind] {
		return nil, goerr.New("invalid relation kind", goerr.T(model.TagValidation),
			goerr.V("kind", kind))
	}
	for _, id := range []string{from, to} {
		var one int
		if err := g.db.QueryRowContext(ctx,
			`SELECT 1 FROM entities WHERE id = ?`, id).Scan(&one); err == sql.ErrNoRows {
			return nil, goerr.Wrap(model.ErrNotFound, "relate", goerr.V("entity", id))
		} else if err != nil {
			return nil, goerr.Wrap(err, "check entity", goerr.V("entity", id))
		}
	}
	if weight == 0 {
		weight = 1.0
	}

	now := time.Now().UTC()
	id := g.newID()
	_, err := g.db.ExecContext(ctx,
		`INSERT INTO relationships (id, from_entity, to_entity, kind, weight, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(from_entity, to_entity, kind) DO UPDATE SET weight = excluded.weight`,
		id, from, to, kind, weight, now.Format(time.RFC3339Nano))
	if err != nil {
		return nil, goerr.Wrap(err, "insert relationship")
	}

	var rel model.Relationship
	var createdAt string
	err = g.db.QueryRowContext(ctx,
		`SELECT id, from_entity, to_entity, kind, weight, created_at
		 FROM relationships WHERE from_entity = ? AND to_entity = ? AND kind = ?`,
		from, to, kind).Scan(&rel.ID, &rel.FromEntity, &rel.ToEntity, &rel.Kind, &rel.Weight, &createdAt)
	if err != nil {
		return nil, goerr.Wrap(err, "read relationship back")
	}
	rel.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	return &rel, nil
}

// EntityFilter narrows Entities results. Zero fields match everything.
type EntityFilter struct {
	Type     string
	Name     string
	RecordID string
}

// Entities lists entities matching the filter, record references included.
func (g *Graph) Entities(ctx context.Context, f EntityFilter) ([]model.Entity, error) {
	where := []string{"1=1"}
	args := []any{}
	if f.Type != "" {
		where = append(where, "e.type = ?")
		args = append(args, f.Type)
	}
	if f.Name != "" {
		where = append(where, "e.name = ?")
		args = append(args, f.Name)
	}
	if f.RecordID != "" {
		where = append(where, "EXISTS (SELECT 1 FROM entity_records er WHERE er.entity_id = e.id AND er.record_id = ?)")
		args = append(args, f.RecordID)
	}

	rows, err := g.db.QueryContext(ctx,
		`SELECT e.id, e.type, e.name, e.created_at FROM entities e
		 WHERE `+strings.Join(where, " AND ")+` ORDER BY e.type, e.name`, args...)
	if err != nil {
		return nil, goerr.Wrap(err, "list entities")
	}
	defer rows.Close()

	var out []model.Entity
	for rows.Next() {
		var e model.Entity
		var createdAt string
		if err := rows.Scan(&e.ID, &e.Type, &e.Name, &createdAt); err != nil {
			return nil, goerr.Wrap(err, "scan entity")
		}
		e.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, goerr.Wrap(err, "entity rows")
	}

	for i := range out {
		refs, err := g.recordRefs(ctx, out[i].ID)
		if err != nil {
			return nil, err
		}
		out[i].RecordIDs = refs
	}
	return out, nil
}

func (g *Graph) recordRefs(ctx context.Context, entityID string) ([]string, error) {
	rows, err := g.db.QueryContext(ctx,
		`SELECT record_id FROM entity_records WHERE entity_id = ? ORDER BY record_id`, entityID)
	if err != nil {
		return nil, goerr.Wrap(err, "record refs", goerr.V("entity", entityID))
	}
	defer rows.Close()

	var refs []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, goerr.Wrap(err, "scan ref")
		}
		refs = append(refs, id)
	}
	return refs, rows.Err()
}

// RelationshipFilter narrows Relationships results.
type RelationshipFilter struct {
	Entity string // matches either endpoint
	Kind   string
}

// Relationships lists relationships matching the filter.
func (g *Graph) Relationships(ctx context.Context, f RelationshipFilter) ([]model.Relationship, error) {
	where := []string{"1=1"}
	args := []any{}
	if f.Entity != "" {
		where = append(where, "(from_entity = ? OR to_entity = ?)")
		args = append(args, f.Entity, f.Entity)
	}
	if f.Kind != "" {
		where = append(where, "kind = ?")
		args = append(args, f.Kind)
	}

	rows, err := g.db.QueryContext(ctx,
		`SELECT id, from_entity, to_entity, kind, weight, created_at FROM relationships
		 WHERE `+strings.Join(where, " AND ")+` ORDER BY created_at, id`, args...)
	if err != nil {
		return nil, goerr.Wrap(err, "list relationships")
	}
	defer rows.Close()

	var out []model.Relationship
	for rows.Next() {
		var r model.Relationship
		var createdAt string
		if err := rows.Scan(&r.ID, &r.FromEntity, &r.ToEntity, &r.Kind, &r.Weight, &createdAt); err != nil {
			return nil, goerr.Wrap(err, "scan relationship")
		}
		r.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
		out = append(out, r)
	}
	return out, rows.Err()
}

// Subgraph walks relationships breadth-first from root up to depth hops and
// returns the entities and relationships touched.
func (g *Graph) Subgraph(ctx context.Context, rootID string, depth int) (*model.Subgraph, error) {
	if depth <= 0 {
		depth = 1
	}
	root, err := g.Entities(ctx, EntityFilter{})
	if err != nil {
		return nil, err
	}
	byID := make(map[string]model.Entity, len(root))
	for _, e := range root {
		byID[e.ID] = e
	}
	if _, ok := byID[rootID]; !ok {
		return nil, goerr.Wrap(model.ErrNotFound, "subgraph root", goerr.V("entity", rootID))
	}

	sub := &model.Subgraph{Root: rootID, Depth: depth}
	visited := map[string]bool{rootID: true}
	relSeen := map[string]bool{}
	frontier := []string{rootID}

	for hop := 0; hop < depth && len(frontier) > 0; hop++ {
		var next []string
		for _, id := range frontier {
			rels, err := g.Relationships(ctx, RelationshipFilter{Entity: id})
			if err != nil {
				return nil, err
			}
			for _, rel := range rels {
				if !relSeen[rel.ID] {
					relSeen[rel.ID] = true
					sub.Relationships = append(sub.Relationships, rel)
				}
				for _, peer := range []string{rel.FromEntity, rel.ToEntity} {
					if !visited[peer] {
						visited[peer] = true
						next = append(next, peer)
					}
				}
			}
		}
		frontier = next
	}

	for id := range visited {
		if e, ok := byID[id]; ok {
			sub.Entities = append(sub.Entities, e)
		}
	}
	sort.Slice(sub.Entities, func(i, j int) bool { return sub.Entities[i].ID < sub.Entities[j].ID })
	return sub, nil
}
