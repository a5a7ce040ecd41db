package store

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"math/rand"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/m-mizutani/goerr/v2"
	"github.com/oklog/ulid/v2"
	_ "modernc.org/sqlite"

	"github.com/subcog/subcog/internal/model"
)

// SQLiteStore implements Store using SQLite in WAL mode. The same database
// file also hosts the structured index projection, the persisted embeddings
// and the knowledge graph tables; those packages receive the handle via DB().
type SQLiteStore struct {
	db      *sql.DB
	path    string
	entropy *rand.Rand
}

// NewSQLiteStore opens or creates a SQLite database at the given path.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, goerr.Wrap(err, "create db dir", goerr.V("dir", dir))
	}

	db, err := sql.Open("sqlite", dbPath+"?_pragma=journal_mode(wal)&_pragma=foreign_keys(on)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, goerr.Wrap(err, "open db", goerr.V("path", dbPath))
	}

	s := &SQLiteStore{
		db:      db,
		path:    dbPath,
		entropy: rand.New(rand.NewSource(time.Now().UnixNano())),
	}

	if err := s.migrate(); err != nil {
		db.Close()
		return nil, goerr.Wrap(err, "migrate")
	}

	return s, nil
}

// DB exposes the underlying handle for the index, vector and graph layers,
// which keep their rebuildable tables in the same file.
func (s *SQLiteStore) DB() *sql.DB { return s.db }

// Path returns the database file path.
func (s *SQLiteStore) Path() string { return s.path }

// NewID returns a fresh ULID. IDs are never reused.
func (s *SQLiteStore) NewID() string {
	return ulid.MustNew(ulid.Timestamp(time.Now()), s.entropy).String()
}

func (s *SQLiteStore) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS records (
		id               TEXT PRIMARY KEY,
		ns               TEXT NOT NULL,
		tags             TEXT,
		source           TEXT,
		priority         INTEGER NOT NULL DEFAULT 3,
		current_version  INTEGER NOT NULL,
		embedding_status TEXT NOT NULL DEFAULT 'pending',
		created_at       TEXT NOT NULL,
		updated_at       TEXT NOT NULL,
		tombstoned_at    TEXT
	);
	CREATE INDEX IF NOT EXISTS idx_records_ns ON records(ns);
	CREATE INDEX IF NOT EXISTS idx_records_tombstoned ON records(tombstoned_at);
	CREATE INDEX IF NOT EXISTS idx_records_embedding ON records(embedding_status);

	CREATE TABLE IF NOT EXISTS record_versions (
		record_id  TEXT NOT NULL REFERENCES records(id),
		version    INTEGER NOT NULL,
		content    TEXT NOT NULL,
		checksum   TEXT NOT NULL,
		created_at TEXT NOT NULL,
		PRIMARY KEY (record_id, version)
	);
	`
	_, err := s.db.Exec(schema)
	return err
}

func checksum(content string) string {
	sum := sha256.Sum256([]byte(content))
	return hex.EncodeToString(sum[:])
}

func (s *SQLiteStore) Put(ctx context.Context, p PutParams) (*model.Record, error) {
	now := time.Now().UTC()
	id := s.NewID()

	priority := p.Priority
	if priority == 0 {
		priority = model.DefaultPriority
	}

	var tagsJSON *string
	if len(p.Tags) > 0 {
		b, _ := json.Marshal(p.Tags)
		v := string(b)
		tagsJSON = &v
	}
	var source *string
	if p.Source != "" {
		source = &p.Source
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, goerr.Wrap(err, "begin tx")
	}
	defer tx.Rollback()

	ts := now.Format(time.RFC3339Nano)
	_, err = tx.ExecContext(ctx,
		`INSERT INTO records (id, ns, tags, source, priority, current_version, embedding_status, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, 1, ?, ?, ?)`,
		id, p.Namespace, tagsJSON, source, priority, string(model.EmbeddingPending), ts, ts)
	if err != nil {
		return nil, wrapStorage(err, "insert record", id)
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO record_versions (record_id, version, content, checksum, created_at)
		 VALUES (?, 1, ?, ?, ?)`,
		id, p.Content, checksum(p.Content), ts)
	if err != nil {
		return nil, wrapStorage(err, "insert version", id)
	}

	if err := tx.Commit(); err != nil {
		return nil, wrapStorage(err, "commit", id)
	}

	return &model.Record{
		ID:              id,
		Namespace:       p.Namespace,
		Content:         p.Content,
		Tags:            p.Tags,
		Source:          p.Source,
		Priority:        priority,
		Version:         1,
		EmbeddingStatus: model.EmbeddingPending,
		CreatedAt:       now,
		UpdatedAt:       now,
	}, nil
}

const recordColumns = `r.id, r.ns, v.content, v.checksum, r.tags, r.source, r.priority,
	r.current_version, r.embedding_status, r.created_at, r.updated_at, r.tombstoned_at`

const recordJoin = `FROM records r
	JOIN record_versions v ON v.record_id = r.id AND v.version = r.current_version`

func (s *SQLiteStore) Get(ctx context.Context, id string) (*model.Record, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+recordColumns+` `+recordJoin+` WHERE r.id = ? AND r.tombstoned_at IS NULL`, id)
	rec, err := scanRecord(row)
	if err == sql.ErrNoRows {
		return nil, goerr.Wrap(model.ErrNotFound, "get", goerr.V("id", id))
	}
	if err != nil {
		return nil, err
	}
	return rec, nil
}

// GetAny returns a record regardless of tombstone state (GC and audit
// paths). Regular reads go through Get, which hides tombstones.
func (s *SQLiteStore) GetAny(ctx context.Context, id string) (*model.Record, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+recordColumns+` `+recordJoin+` WHERE r.id = ?`, id)
	rec, err := scanRecord(row)
	if err == sql.ErrNoRows {
		return nil, goerr.Wrap(model.ErrNotFound, "get", goerr.V("id", id))
	}
	return rec, err
}

func (s *SQLiteStore) GetVersion(ctx context.Context, id string, version int) (*model.RecordVersion, error) {
	var v model.RecordVersion
	var createdAt string
	err := s.db.QueryRowContext(ctx,
		`SELECT record_id, version, content, checksum, created_at
		 FROM record_versions WHERE record_id = ? AND version = ?`, id, version).
		Scan(&v.RecordID, &v.Version, &v.Content, &v.Checksum, &createdAt)
	if err == sql.ErrNoRows {
		return nil, goerr.Wrap(model.ErrNotFound, "get version",
			goerr.V("id", id), goerr.V("version", version))
	}
	if err != nil {
		return nil, goerr.Wrap(err, "get version")
	}
	if checksum(v.Content) != v.Checksum {
		return nil, goerr.Wrap(model.ErrCorruption, "verify version",
			goerr.V("id", id), goerr.V("version", version))
	}
	v.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	return &v, nil
}

func (s *SQLiteStore) Update(ctx context.Context, p UpdateParams) (*model.Record, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, goerr.Wrap(err, "begin tx")
	}
	defer tx.Rollback()

	var cur int
	var curSum string
	var tombstoned sql.NullString
	err = tx.QueryRowContext(ctx,
		`SELECT r.current_version, v.checksum, r.tombstoned_at
		 FROM records r
		 JOIN record_versions v ON v.record_id = r.id AND v.version = r.current_version
		 WHERE r.id = ?`, p.ID).
		Scan(&cur, &curSum, &tombstoned)
	if err == sql.ErrNoRows {
		return nil, goerr.Wrap(model.ErrNotFound, "update", goerr.V("id", p.ID))
	}
	if err != nil {
		return nil, goerr.Wrap(err, "read head", goerr.V("id", p.ID))
	}
	if tombstoned.Valid {
		return nil, goerr.Wrap(model.ErrNotFound, "update tombstoned", goerr.V("id", p.ID))
	}

	now := time.Now().UTC()
	ts := now.Format(time.RFC3339Nano)
	next := cur + 1

	_, err = tx.ExecContext(ctx,
		`INSERT INTO record_versions (record_id, version, content, checksum, created_at)
		 VALUES (?, ?, ?, ?, ?)`,
		p.ID, next, p.Content, checksum(p.Content), ts)
	if err != nil {
		if isRacedWriter(err) {
			return nil, goerr.Wrap(model.ErrVersionConflict, "append version",
				goerr.V("id", p.ID), goerr.V("version", next))
		}
		return nil, wrapStorage(err, "append version", p.ID)
	}

	sets := []string{"current_version = ?", "updated_at = ?"}
	args := []any{next, ts}
	// A metadata-only version (identical content bytes) keeps its vector,
	// so the embedding status stays whatever it was.
	if checksum(p.Content) != curSum {
		sets = append(sets, "embedding_status = ?")
		args = append(args, string(model.EmbeddingPending))
	}
	if p.Tags != nil {
		b, _ := json.Marshal(p.Tags)
		sets = append(sets, "tags = ?")
		args = append(args, string(b))
	}
	if p.Source != "" {
		sets = append(sets, "source = ?")
		args = append(args, p.Source)
	}
	if p.Priority != 0 {
		sets = append(sets, "priority = ?")
		args = append(args, p.Priority)
	}
	args = append(args, p.ID, cur)

	res, err := tx.ExecContext(ctx,
		`UPDATE records SET `+strings.Join(sets, ", ")+` WHERE id = ? AND current_version = ?`,
		args...)
	if err != nil {
		if isRacedWriter(err) {
			return nil, goerr.Wrap(model.ErrVersionConflict, "repoint current",
				goerr.V("id", p.ID), goerr.V("expected_version", cur))
		}
		return nil, wrapStorage(err, "repoint current", p.ID)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, goerr.Wrap(model.ErrVersionConflict, "repoint current",
			goerr.V("id", p.ID), goerr.V("expected_version", cur))
	}

	if err := tx.Commit(); err != nil {
		if isRacedWriter(err) {
			return nil, goerr.Wrap(model.ErrVersionConflict, "commit update",
				goerr.V("id", p.ID))
		}
		return nil, wrapStorage(err, "commit", p.ID)
	}

	return s.Get(ctx, p.ID)
}

// isRacedWriter reports whether err means a concurrent writer won: either
// the version row already exists (UNIQUE) or the deferred transaction's
// read snapshot could not be upgraded to a write (SQLITE_BUSY, which
// busy_timeout does not retry under WAL). Both map to VersionConflict so
// the caller re-reads and retries.
func isRacedWriter(err error) bool {
	s := err.Error()
	return strings.Contains(s, "UNIQUE") || strings.Contains(s, "constraint") ||
		strings.Contains(s, "SQLITE_BUSY") || strings.Contains(s, "database is locked")
}

func (s *SQLiteStore) Tombstone(ctx context.Context, id string) error {
	now := time.Now().UTC().Format(time.RFC3339Nano)
	res, err := s.db.ExecContext(ctx,
		`UPDATE records SET tombstoned_at = ?, updated_at = ? WHERE id = ? AND tombstoned_at IS NULL`,
		now, now, id)
	if err != nil {
		return goerr.Wrap(err, "tombstone", goerr.V("id", id))
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return goerr.Wrap(model.ErrNotFound, "tombstone", goerr.V("id", id))
	}
	return nil
}

func (s *SQLiteStore) HardDelete(ctx context.Context, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return goerr.Wrap(err, "begin tx")
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM record_versions WHERE record_id = ?`, id); err != nil {
		return goerr.Wrap(err, "delete versions", goerr.V("id", id))
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM records WHERE id = ?`, id)
	if err != nil {
		return goerr.Wrap(err, "delete record", goerr.V("id", id))
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return goerr.Wrap(model.ErrNotFound, "hard delete", goerr.V("id", id))
	}
	return tx.Commit()
}

func (s *SQLiteStore) List(ctx context.Context, p ListParams) (*Page, error) {
	limit := p.Limit
	if limit <= 0 {
		limit = 50
	}

	where := []string{"r.tombstoned_at IS NULL"}
	args := []any{}
	if p.Namespace != "" {
		where = append(where, "r.ns = ?")
		args = append(args, p.Namespace)
	}
	if p.PageToken != "" {
		created, id, ok := strings.Cut(p.PageToken, "|")
		if !ok {
			return nil, goerr.Wrap(model.ErrInvalidFilter, "bad page token")
		}
		where = append(where, "(r.created_at < ? OR (r.created_at = ? AND r.id > ?))")
		args = append(args, created, created, id)
	}

	query := `SELECT ` + recordColumns + ` ` + recordJoin + `
		WHERE ` + strings.Join(where, " AND ") + `
		ORDER BY r.created_at DESC, r.id ASC LIMIT ?`
	args = append(args, limit+1)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, goerr.Wrap(err, "list")
	}
	defer rows.Close()

	page := &Page{}
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		page.Records = append(page.Records, *rec)
	}
	if err := rows.Err(); err != nil {
		return nil, goerr.Wrap(err, "list rows")
	}

	if len(page.Records) > limit {
		page.Records = page.Records[:limit]
		last := page.Records[limit-1]
		page.NextPageToken = last.CreatedAt.Format(time.RFC3339Nano) + "|" + last.ID
	}
	return page, nil
}

func (s *SQLiteStore) AllCurrent(ctx context.Context) ([]model.Record, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+recordColumns+` `+recordJoin+`
		 WHERE r.tombstoned_at IS NULL ORDER BY r.created_at DESC, r.id ASC`)
	if err != nil {
		return nil, goerr.Wrap(err, "all current")
	}
	defer rows.Close()
	return collectRecords(rows)
}

// AllCurrentSkipCorrupt is AllCurrent for batch passes: rows failing their
// checksum are skipped and reported by id instead of failing the listing,
// so one corrupt record cannot abort a whole maintenance run.
func (s *SQLiteStore) AllCurrentSkipCorrupt(ctx context.Context) ([]model.Record, []string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+recordColumns+` `+recordJoin+`
		 WHERE r.tombstoned_at IS NULL ORDER BY r.created_at DESC, r.id ASC`)
	if err != nil {
		return nil, nil, goerr.Wrap(err, "all current")
	}
	defer rows.Close()

	var out []model.Record
	var corrupt []string
	for rows.Next() {
		rec, ok, err := scanRecordChecked(rows)
		if err != nil {
			return nil, nil, err
		}
		if !ok {
			corrupt = append(corrupt, rec.ID)
			continue
		}
		out = append(out, *rec)
	}
	return out, corrupt, rows.Err()
}

// ListTombstoned returns records tombstoned before the given time. Rows
// failing their checksum are included with empty content: reclamation
// needs identity, not content, and corruption must not make a tombstone
// unreclaimable.
func (s *SQLiteStore) ListTombstoned(ctx context.Context, before time.Time) ([]model.Record, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+recordColumns+` `+recordJoin+`
		 WHERE r.tombstoned_at IS NOT NULL AND r.tombstoned_at < ?
		 ORDER BY r.tombstoned_at ASC`,
		before.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return nil, goerr.Wrap(err, "list tombstoned")
	}
	defer rows.Close()

	var out []model.Record
	for rows.Next() {
		rec, _, err := scanRecordChecked(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *rec)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) SetEmbeddingStatus(ctx context.Context, id string, status model.EmbeddingStatus) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE records SET embedding_status = ? WHERE id = ?`, string(status), id)
	if err != nil {
		return goerr.Wrap(err, "set embedding status", goerr.V("id", id))
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return goerr.Wrap(model.ErrNotFound, "set embedding status", goerr.V("id", id))
	}
	return nil
}

// PendingEmbeddings returns ids of non-tombstoned records whose embedding is
// not ready, oldest first. The engine's retry loop drains this.
func (s *SQLiteStore) PendingEmbeddings(ctx context.Context, limit int) ([]string, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id FROM records
		 WHERE tombstoned_at IS NULL AND embedding_status != ?
		 ORDER BY updated_at ASC LIMIT ?`,
		string(model.EmbeddingReady), limit)
	if err != nil {
		return nil, goerr.Wrap(err, "pending embeddings")
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

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

type scanner interface {
	Scan(dest ...any) error
}

func collectRecords(rows *sql.Rows) ([]model.Record, error) {
	var out []model.Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *rec)
	}
	return out, rows.Err()
}

func scanRecord(row scanner) (*model.Record, error) {
	rec, ok, err := scanRecordChecked(row)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, goerr.Wrap(model.ErrCorruption, "verify content",
			goerr.V("id", rec.ID), goerr.V("version", rec.Version))
	}
	return rec, nil
}

// scanRecordChecked scans one joined record row and verifies its checksum.
// ok is false on a mismatch; the record then carries all metadata but no
// content.
func scanRecordChecked(row scanner) (*model.Record, bool, error) {
	var r model.Record
	var content, sum, createdAt, updatedAt, status string
	var tagsJSON, source, tombstonedAt sql.NullString

	err := row.Scan(&r.ID, &r.Namespace, &content, &sum, &tagsJSON, &source,
		&r.Priority, &r.Version, &status, &createdAt, &updatedAt, &tombstonedAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, false, err
		}
		return nil, false, goerr.Wrap(err, "scan record")
	}

	r.EmbeddingStatus = model.EmbeddingStatus(status)
	r.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	r.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updatedAt)
	if tagsJSON.Valid {
		json.Unmarshal([]byte(tagsJSON.String), &r.Tags)
	}
	if source.Valid {
		r.Source = source.String
	}
	if tombstonedAt.Valid {
		t, _ := time.Parse(time.RFC3339Nano, tombstonedAt.String)
		r.TombstonedAt = &t
	}

	if checksum(content) != sum {
		return &r, false, nil
	}
	r.Content = content
	return &r, true, nil
}

// wrapStorage maps disk exhaustion onto its own tag; everything else is a
// plain wrap.
func wrapStorage(err error, msg, id string) error {
	if strings.Contains(err.Error(), "disk is full") || strings.Contains(err.Error(), "database or disk is full") {
		return goerr.Wrap(err, msg, goerr.T(model.TagExhausted), goerr.V("id", id))
	}
	return goerr.Wrap(err, msg, goerr.V("id", id))
}
