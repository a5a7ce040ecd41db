package store

import (
	"context"
	"os"
)

// Stats holds database statistics.
type Stats struct {
	DBPath            string           `json:"db_path"`
	DBSizeBytes       int64            `json:"db_size_bytes"`
	TotalRecords      int              `json:"total_records"`
	ActiveRecords     int              `json:"active_records"`
	TombstonedRecords int              `json:"tombstoned_records"`
	TotalVersions     int              `json:"total_versions"`
	PendingEmbeddings int              `json:"pending_embeddings"`
	Namespaces        []NamespaceStats `json:"namespaces"`
}

// NamespaceStats holds per-namespace counts.
type NamespaceStats struct {
	Namespace string `json:"ns"`
	Count     int    `json:"count"`
}

// Stats returns database statistics.
func (s *SQLiteStore) Stats(ctx context.Context) (*Stats, error) {
	st := &Stats{DBPath: s.path}

	if info, err := os.Stat(s.path); err == nil {
		st.DBSizeBytes = info.Size()
	}

	s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM records`).Scan(&st.TotalRecords)
	s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM records WHERE tombstoned_at IS NULL`).Scan(&st.ActiveRecords)
	st.TombstonedRecords = st.TotalRecords - st.ActiveRecords
	s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM record_versions`).Scan(&st.TotalVersions)
	s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM records WHERE tombstoned_at IS NULL AND embedding_status != 'ready'`).
		Scan(&st.PendingEmbeddings)

	rows, err := s.db.QueryContext(ctx, `
		SELECT ns, COUNT(*) AS cnt FROM records
		WHERE tombstoned_at IS NULL
		GROUP BY ns ORDER BY cnt DESC`)
	if err != nil {
		return st, err
	}
	defer rows.Close()

	for rows.Next() {
		var ns NamespaceStats
		rows.Scan(&ns.Namespace, &ns.Count)
		st.Namespaces = append(st.Namespaces, ns)
	}
	return st, nil
}
