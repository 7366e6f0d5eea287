package store

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/rcliao/brain-memory/internal/model"
)

// ExportAll returns all memories oldest first, optionally filtered by source.
func (s *SQLiteStore) ExportAll(ctx context.Context, source string) ([]model.Memory, error) {
	p := ListParams{OldestFirst: true}
	if source != "" {
		p.Sources = []string{source}
	}
	return s.List(ctx, p)
}

// Import stores memories from an export, keeping their ids and creation
// times. Records whose id already exists are skipped. Embeddings that do not
// match the active provider's dimension are recomputed.
func (s *SQLiteStore) Import(ctx context.Context, memories []model.Memory) (int, error) {
	imported := 0
	for _, m := range memories {
		if m.ID == "" || m.CreatedAt.IsZero() {
			return imported, fmt.Errorf("%w: import record needs id and created_at", ErrInvalid)
		}
		if _, err := s.Get(ctx, m.ID); err == nil {
			continue
		} else if !errors.Is(err, ErrNotFound) {
			return imported, err
		}
		if dims := s.embedder.Dims(); dims > 0 && len(m.Embedding) != dims {
			m.Embedding = nil
			m.EmbeddingModel = ""
		}
		p, err := s.prepare(ctx, InsertParams{
			Source:         m.Source,
			Modality:       m.Modality,
			Content:        m.Content,
			Metadata:       m.Metadata,
			Embedding:      m.Embedding,
			EmbeddingModel: m.EmbeddingModel,
			PrivacyLabel:   m.PrivacyLabel,
			TTLSeconds:     m.TTLSeconds,
		})
		if err != nil {
			return imported, fmt.Errorf("import %s: %w", m.ID, err)
		}

		rec := &model.Memory{
			ID:             m.ID,
			CreatedAt:      m.CreatedAt.UTC(),
			Source:         p.Source,
			Modality:       p.Modality,
			Content:        p.Content,
			Metadata:       p.Metadata,
			Embedding:      p.Embedding,
			EmbeddingModel: p.EmbeddingModel,
			PrivacyLabel:   p.PrivacyLabel,
			TTLSeconds:     p.TTLSeconds,
		}
		if err := s.write(ctx, s.db, "INSERT OR IGNORE", rec); err != nil {
			return imported, err
		}
		imported++
	}
	return imported, nil
}

func isSummary(source string) bool {
	return strings.HasSuffix(source, model.SummarySuffix)
}
