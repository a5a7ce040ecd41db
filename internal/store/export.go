package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/m-mizutani/goerr/v2"

	"github.com/subcog/subcog/internal/model"
)

// ExportAll returns every record with full version history, tombstoned
// included. This is the GDPR export path: checksums are reported as stored
// and not enforced, so a corrupt version is still exportable for audit.
func (s *SQLiteStore) ExportAll(ctx context.Context, namespace string) ([]ExportedRecord, error) {
	where := ""
	args := []any{}
	if namespace != "" {
		where = " WHERE r.ns = ?"
		args = append(args, namespace)
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT r.id, r.ns, r.tags, r.source, r.priority, r.current_version,
		        r.embedding_status, r.created_at, r.updated_at, r.tombstoned_at
		 FROM records r`+where+` ORDER BY r.ns, r.created_at, r.id`, args...)
	if err != nil {
		return nil, goerr.Wrap(err, "export heads")
	}
	defer rows.Close()

	var out []ExportedRecord
	for rows.Next() {
		var r model.Record
		var tagsJSON, source, tombstonedAt sql.NullString
		var createdAt, updatedAt, status string
		if err := rows.Scan(&r.ID, &r.Namespace, &tagsJSON, &source, &r.Priority,
			&r.Version, &status, &createdAt, &updatedAt, &tombstonedAt); err != nil {
			return nil, goerr.Wrap(err, "scan head")
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
		out = append(out, ExportedRecord{Record: r})
	}
	if err := rows.Err(); err != nil {
		return nil, goerr.Wrap(err, "export rows")
	}

	for i := range out {
		versions, err := s.allVersions(ctx, out[i].Record.ID)
		if err != nil {
			return nil, err
		}
		out[i].Versions = versions
		// Head content is the current version's content.
		for _, v := range versions {
			if v.Version == out[i].Record.Version {
				out[i].Record.Content = v.Content
			}
		}
	}
	return out, nil
}

func (s *SQLiteStore) allVersions(ctx context.Context, id string) ([]model.RecordVersion, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT record_id, version, content, checksum, created_at
		 FROM record_versions WHERE record_id = ? ORDER BY version ASC`, id)
	if err != nil {
		return nil, goerr.Wrap(err, "export versions", goerr.V("id", id))
	}
	defer rows.Close()

	var versions []model.RecordVersion
	for rows.Next() {
		var v model.RecordVersion
		var createdAt string
		if err := rows.Scan(&v.RecordID, &v.Version, &v.Content, &v.Checksum, &createdAt); err != nil {
			return nil, goerr.Wrap(err, "scan version")
		}
		v.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
		versions = append(versions, v)
	}
	return versions, rows.Err()
}
