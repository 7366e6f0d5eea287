package store

import (
	"context"
	"fmt"
	"os"
)

// Stats holds database statistics.
type Stats struct {
	DBPath          string         `json:"db_path"`
	DBSizeBytes     int64          `json:"db_size_bytes"`
	TotalMemories   int            `json:"total_memories"`
	WithTTL         int            `json:"with_ttl"`
	ExpiredMemories int            `json:"expired_memories"`
	Summaries       int            `json:"summaries"`
	Sources         []SourceStats  `json:"sources"`
	Privacy         map[string]int `json:"privacy"`
	EmbeddingModels map[string]int `json:"embedding_models"`
}

// SourceStats holds per-source counts.
type SourceStats struct {
	Source string `json:"source"`
	Count  int    `json:"count"`
}

// Stats returns database statistics.
func (s *SQLiteStore) Stats(ctx context.Context) (*Stats, error) {
	st := &Stats{
		DBPath:          s.path,
		Privacy:         map[string]int{},
		EmbeddingModels: map[string]int{},
	}

	if info, err := os.Stat(s.path); err == nil {
		st.DBSizeBytes = info.Size()
	}

	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM memories`).Scan(&st.TotalMemories); err != nil {
		return nil, fmt.Errorf("count memories: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT source, COUNT(*) AS cnt FROM memories
		GROUP BY source ORDER BY cnt DESC, source`)
	if err != nil {
		return st, err
	}
	for rows.Next() {
		var src SourceStats
		if err := rows.Scan(&src.Source, &src.Count); err != nil {
			rows.Close()
			return st, err
		}
		if isSummary(src.Source) {
			st.Summaries += src.Count
		}
		st.Sources = append(st.Sources, src)
	}
	rows.Close()

	if err := s.countBy(ctx, "privacy_label", st.Privacy); err != nil {
		return st, err
	}
	if err := s.countBy(ctx, "COALESCE(embedding_model, '')", st.EmbeddingModels); err != nil {
		return st, err
	}

	withTTL, err := s.List(ctx, ListParams{HasTTL: true})
	if err != nil {
		return st, err
	}
	st.WithTTL = len(withTTL)
	now := s.Now()
	for i := range withTTL {
		if withTTL[i].Expired(now) {
			st.ExpiredMemories++
		}
	}

	return st, nil
}

func (s *SQLiteStore) countBy(ctx context.Context, expr string, into map[string]int) error {
	rows, err := s.db.QueryContext(ctx, `SELECT `+expr+`, COUNT(*) FROM memories GROUP BY 1`)
	if err != nil {
		return fmt.Errorf("count by %s: %w", expr, err)
	}
	defer rows.Close()
	for rows.Next() {
		var k string
		var n int
		if err := rows.Scan(&k, &n); err != nil {
			return err
		}
		into[k] = n
	}
	return rows.Err()
}
