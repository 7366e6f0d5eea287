// Package store provides the memory storage interface and SQLite implementation.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/rcliao/brain-memory/internal/model"
)

var (
	// ErrNotFound is returned when no memory has the requested id.
	ErrNotFound = errors.New("memory not found")
	// ErrInvalid marks a memory that violates a data-model invariant.
	ErrInvalid = errors.New("invalid memory")
	// ErrInvalidPrivacy marks a privacy label outside the allowed set.
	ErrInvalidPrivacy = errors.New("invalid privacy label")
)

// InsertParams holds parameters for storing a memory.
type InsertParams struct {
	Source   string
	Modality string // defaults to "text"
	Content  string
	Metadata map[string]any
	// Embedding is computed from Content when nil.
	Embedding      []float32
	EmbeddingModel string
	PrivacyLabel   string // defaults to "private"
	TTLSeconds     *int64
}

// ListParams holds filters for listing memories. Zero values do not filter.
type ListParams struct {
	Sources []string
	// WithSummaries widens Sources to also match "<source>_summary".
	WithSummaries    bool
	ExcludeSources   []string
	ExcludeSummaries bool
	Privacy          []string
	// Contains matches a case-insensitive substring of content.
	Contains         string
	CreatedAfter     time.Time // inclusive
	CreatedBefore    time.Time // exclusive
	HasTTL           bool
	ExcludeExpired   bool
	OldestFirst      bool
	Limit            int // 0 means unlimited
}

// Store defines the memory storage interface.
type Store interface {
	// Insert validates and stores a memory, computing its embedding if absent.
	Insert(ctx context.Context, p InsertParams) (*model.Memory, error)

	// Get retrieves a memory by id. Returns ErrNotFound when absent.
	Get(ctx context.Context, id string) (*model.Memory, error)

	// Delete hard-deletes a memory. Reports whether a row was removed.
	Delete(ctx context.Context, id string) (bool, error)

	// DeleteMany hard-deletes memories in one transaction.
	DeleteMany(ctx context.Context, ids []string) (int, error)

	// UpdatePrivacy changes a memory's privacy label.
	UpdatePrivacy(ctx context.Context, id, label string) (bool, error)

	// UpdateEmbedding replaces a memory's vector and its producer.
	UpdateEmbedding(ctx context.Context, id string, vec []float32, embeddingModel string) error

	// Replace inserts summary and deletes ids atomically.
	Replace(ctx context.Context, summary InsertParams, ids []string) (*model.Memory, error)

	// List lists memories matching the given filters.
	List(ctx context.Context, p ListParams) ([]model.Memory, error)

	// Now returns the store's clock reading.
	Now() time.Time

	// Close closes the store.
	Close() error
}
