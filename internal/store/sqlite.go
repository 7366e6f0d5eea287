package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
	"go.uber.org/zap"
	_ "modernc.org/sqlite"

	"github.com/rcliao/brain-memory/internal/embedding"
	"github.com/rcliao/brain-memory/internal/model"
)

// timeLayout is fixed-width so lexical order in SQLite matches time order.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db       *sql.DB
	path     string
	embedder embedding.Provider
	clock    func() time.Time
	logger   *zap.Logger
}

var _ Store = (*SQLiteStore)(nil)

// Option configures a SQLiteStore.
type Option func(*SQLiteStore)

// WithClock overrides the clock used for created_at and expiry checks.
func WithClock(clock func() time.Time) Option {
	return func(s *SQLiteStore) { s.clock = clock }
}

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(s *SQLiteStore) { s.logger = logger }
}

// NewSQLiteStore opens or creates a SQLite database at the given path.
// A nil embedder uses the hash provider.
func NewSQLiteStore(dbPath string, embedder embedding.Provider, opts ...Option) (*SQLiteStore, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create db dir: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath+"?_pragma=journal_mode(wal)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(on)")
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}

	if embedder == nil {
		embedder = embedding.NewHashProvider(0)
	}
	s := &SQLiteStore{
		db:       db,
		path:     dbPath,
		embedder: embedder,
		clock:    time.Now,
		logger:   zap.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}

	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return s, nil
}

func (s *SQLiteStore) newID(now time.Time) string {
	return ulid.MustNew(ulid.Timestamp(now), ulid.DefaultEntropy()).String()
}

func (s *SQLiteStore) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS memories (
		id              TEXT PRIMARY KEY,
		created_at      TEXT NOT NULL,
		source          TEXT NOT NULL,
		modality        TEXT NOT NULL DEFAULT 'text',
		content         TEXT NOT NULL,
		metadata        TEXT,
		embedding       TEXT,
		embedding_model TEXT,
		privacy_label   TEXT NOT NULL DEFAULT 'private',
		ttl_seconds     INTEGER
	);
	CREATE INDEX IF NOT EXISTS idx_memories_source ON memories(source);
	CREATE INDEX IF NOT EXISTS idx_memories_created ON memories(created_at);
	CREATE INDEX IF NOT EXISTS idx_memories_privacy ON memories(privacy_label);
	CREATE INDEX IF NOT EXISTS idx_memories_ttl ON memories(ttl_seconds) WHERE ttl_seconds IS NOT NULL;
	`
	_, err := s.db.Exec(schema)
	return err
}

// Now returns the store's clock reading in UTC.
func (s *SQLiteStore) Now() time.Time {
	return s.clock().UTC()
}

// Embedder returns the provider used for missing embeddings.
func (s *SQLiteStore) Embedder() embedding.Provider {
	return s.embedder
}

// prepare validates p, fills defaults and computes the embedding.
func (s *SQLiteStore) prepare(ctx context.Context, p InsertParams) (InsertParams, error) {
	p.Content = strings.TrimSpace(p.Content)
	if p.Content == "" {
		return p, fmt.Errorf("%w: content is required", ErrInvalid)
	}
	if strings.TrimSpace(p.Source) == "" {
		return p, fmt.Errorf("%w: source is required", ErrInvalid)
	}
	if p.Modality == "" {
		p.Modality = "text"
	}
	if !model.ValidModalities[p.Modality] {
		return p, fmt.Errorf("%w: unknown modality %q", ErrInvalid, p.Modality)
	}
	if p.PrivacyLabel == "" {
		p.PrivacyLabel = model.PrivacyPrivate
	}
	if !model.ValidPrivacyLabels[p.PrivacyLabel] {
		return p, fmt.Errorf("%w: %q", ErrInvalidPrivacy, p.PrivacyLabel)
	}
	if p.TTLSeconds != nil && *p.TTLSeconds < 0 {
		return p, fmt.Errorf("%w: ttl_seconds must be non-negative", ErrInvalid)
	}

	if p.Embedding == nil {
		vec, producer, err := embedding.EmbedDocument(ctx, s.embedder, p.Content)
		if err != nil {
			return p, fmt.Errorf("compute embedding: %w", err)
		}
		p.Embedding = vec
		p.EmbeddingModel = producer
	}
	if dims := s.embedder.Dims(); dims > 0 && len(p.Embedding) != dims {
		return p, fmt.Errorf("%w: embedding has %d dims, provider uses %d", ErrInvalid, len(p.Embedding), dims)
	}
	if p.EmbeddingModel == "" {
		p.EmbeddingModel = s.embedder.Name()
	}
	return p, nil
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func (s *SQLiteStore) insert(ctx context.Context, db execer, p InsertParams) (*model.Memory, error) {
	now := s.Now()
	mem := &model.Memory{
		ID:             s.newID(now),
		CreatedAt:      now,
		Source:         p.Source,
		Modality:       p.Modality,
		Content:        p.Content,
		Metadata:       p.Metadata,
		Embedding:      p.Embedding,
		EmbeddingModel: p.EmbeddingModel,
		PrivacyLabel:   p.PrivacyLabel,
		TTLSeconds:     p.TTLSeconds,
	}
	if err := s.write(ctx, db, "INSERT", mem); err != nil {
		return nil, err
	}
	return mem, nil
}

// write persists m with the given verb ("INSERT" or "INSERT OR IGNORE").
func (s *SQLiteStore) write(ctx context.Context, db execer, verb string, m *model.Memory) error {
	var metaJSON *string
	if m.Metadata != nil {
		b, err := json.Marshal(m.Metadata)
		if err != nil {
			return fmt.Errorf("%w: metadata: %v", ErrInvalid, err)
		}
		str := string(b)
		metaJSON = &str
	}
	var embJSON *string
	if m.Embedding != nil {
		b, err := json.Marshal(m.Embedding)
		if err != nil {
			return fmt.Errorf("%w: embedding: %v", ErrInvalid, err)
		}
		str := string(b)
		embJSON = &str
	}

	_, err := db.ExecContext(ctx, verb+` INTO memories
		(id, created_at, source, modality, content, metadata, embedding, embedding_model, privacy_label, ttl_seconds)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		m.ID, m.CreatedAt.UTC().Format(timeLayout), m.Source, m.Modality, m.Content,
		metaJSON, embJSON, m.EmbeddingModel, m.PrivacyLabel, m.TTLSeconds)
	if err != nil {
		return fmt.Errorf("insert memory: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Insert(ctx context.Context, p InsertParams) (*model.Memory, error) {
	p, err := s.prepare(ctx, p)
	if err != nil {
		return nil, err
	}
	return s.insert(ctx, s.db, p)
}

func (s *SQLiteStore) Get(ctx context.Context, id string) (*model.Memory, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+memoryColumns+` FROM memories WHERE id = ?`, id)
	m, err := s.scanMemory(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, err
	}
	return &m, nil
}

func (s *SQLiteStore) Delete(ctx context.Context, id string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM memories WHERE id = ?`, id)
	if err != nil {
		return false, fmt.Errorf("delete memory: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

func (s *SQLiteStore) DeleteMany(ctx context.Context, ids []string) (int, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	n, err := deleteIDs(ctx, tx, ids)
	if err != nil {
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return n, nil
}

func deleteIDs(ctx context.Context, tx *sql.Tx, ids []string) (int, error) {
	deleted := 0
	for _, id := range ids {
		res, err := tx.ExecContext(ctx, `DELETE FROM memories WHERE id = ?`, id)
		if err != nil {
			return 0, fmt.Errorf("delete memory %s: %w", id, err)
		}
		n, _ := res.RowsAffected()
		deleted += int(n)
	}
	return deleted, nil
}

func (s *SQLiteStore) UpdatePrivacy(ctx context.Context, id, label string) (bool, error) {
	if !model.ValidPrivacyLabels[label] {
		return false, fmt.Errorf("%w: %q", ErrInvalidPrivacy, label)
	}
	res, err := s.db.ExecContext(ctx, `UPDATE memories SET privacy_label = ? WHERE id = ?`, label, id)
	if err != nil {
		return false, fmt.Errorf("update privacy: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

func (s *SQLiteStore) UpdateEmbedding(ctx context.Context, id string, vec []float32, embeddingModel string) error {
	b, err := json.Marshal(vec)
	if err != nil {
		return fmt.Errorf("encode embedding: %w", err)
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE memories SET embedding = ?, embedding_model = ? WHERE id = ?`,
		string(b), embeddingModel, id)
	if err != nil {
		return fmt.Errorf("update embedding: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return nil
}

func (s *SQLiteStore) Replace(ctx context.Context, summary InsertParams, ids []string) (*model.Memory, error) {
	summary, err := s.prepare(ctx, summary)
	if err != nil {
		return nil, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	mem, err := s.insert(ctx, tx, summary)
	if err != nil {
		return nil, err
	}
	if _, err := deleteIDs(ctx, tx, ids); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return mem, nil
}

func (s *SQLiteStore) List(ctx context.Context, p ListParams) ([]model.Memory, error) {
	var where []string
	var args []any

	if len(p.Sources) > 0 {
		sources := append([]string(nil), p.Sources...)
		if p.WithSummaries {
			for _, src := range p.Sources {
				sources = append(sources, model.SummarySource(src))
			}
		}
		where = append(where, "source IN ("+placeholders(len(sources))+")")
		args = appendStrings(args, sources)
	}
	if len(p.ExcludeSources) > 0 {
		where = append(where, "source NOT IN ("+placeholders(len(p.ExcludeSources))+")")
		args = appendStrings(args, p.ExcludeSources)
	}
	if p.ExcludeSummaries {
		where = append(where, `source NOT LIKE ? ESCAPE '\'`)
		args = append(args, `%\`+model.SummarySuffix)
	}
	if len(p.Privacy) > 0 {
		where = append(where, "privacy_label IN ("+placeholders(len(p.Privacy))+")")
		args = appendStrings(args, p.Privacy)
	}
	if !p.CreatedAfter.IsZero() {
		where = append(where, "created_at >= ?")
		args = append(args, p.CreatedAfter.UTC().Format(timeLayout))
	}
	if !p.CreatedBefore.IsZero() {
		where = append(where, "created_at < ?")
		args = append(args, p.CreatedBefore.UTC().Format(timeLayout))
	}
	if p.HasTTL {
		where = append(where, "ttl_seconds IS NOT NULL")
	}
	if p.Contains != "" {
		where = append(where, `content LIKE ? ESCAPE '\'`)
		args = append(args, "%"+escapeLike(p.Contains)+"%")
	}

	query := `SELECT ` + memoryColumns + ` FROM memories`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	if p.OldestFirst {
		query += " ORDER BY created_at ASC, id ASC"
	} else {
		query += " ORDER BY created_at DESC, id DESC"
	}
	// Expiry is evaluated against the injected clock, so the limit is applied
	// after filtering in that case.
	if p.Limit > 0 && !p.ExcludeExpired {
		query += " LIMIT ?"
		args = append(args, p.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list memories: %w", err)
	}
	defer rows.Close()

	now := s.Now()
	var memories []model.Memory
	for rows.Next() {
		m, err := s.scanMemory(rows)
		if err != nil {
			return nil, err
		}
		if p.ExcludeExpired && m.Expired(now) {
			continue
		}
		memories = append(memories, m)
		if p.Limit > 0 && len(memories) == p.Limit {
			break
		}
	}
	return memories, rows.Err()
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

const memoryColumns = `id, created_at, source, modality, content, metadata, embedding, embedding_model, privacy_label, ttl_seconds`

type scanner interface {
	Scan(dest ...any) error
}

// scanMemory reads one row. Corrupt metadata or embedding JSON leaves the
// field nil rather than failing, so one bad record cannot break a scan.
func (s *SQLiteStore) scanMemory(row scanner) (model.Memory, error) {
	var m model.Memory
	var createdAt string
	var meta, emb, embModel sql.NullString
	var ttl sql.NullInt64

	err := row.Scan(&m.ID, &createdAt, &m.Source, &m.Modality, &m.Content,
		&meta, &emb, &embModel, &m.PrivacyLabel, &ttl)
	if err != nil {
		return m, err
	}

	m.CreatedAt, err = time.Parse(timeLayout, createdAt)
	if err != nil {
		m.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	}
	if meta.Valid {
		if err := json.Unmarshal([]byte(meta.String), &m.Metadata); err != nil {
			m.Metadata = nil
			s.logger.Debug("skipping corrupt metadata", zap.String("id", m.ID), zap.Error(err))
		}
	}
	if emb.Valid {
		if err := json.Unmarshal([]byte(emb.String), &m.Embedding); err != nil {
			m.Embedding = nil
			s.logger.Debug("skipping corrupt embedding", zap.String("id", m.ID), zap.Error(err))
		}
	}
	m.EmbeddingModel = embModel.String
	if ttl.Valid {
		v := ttl.Int64
		m.TTLSeconds = &v
	}
	return m, nil
}

var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

// escapeLike makes s match literally inside a LIKE pattern using ESCAPE '\'.
func escapeLike(s string) string {
	return likeEscaper.Replace(s)
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

func appendStrings(args []any, ss []string) []any {
	for _, s := range ss {
		args = append(args, s)
	}
	return args
}
