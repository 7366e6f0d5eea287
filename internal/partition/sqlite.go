package partition

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"time"

	"go.uber.org/zap"
	_ "modernc.org/sqlite"

	"github.com/rcliao/brain-memory/internal/model"
)

// DefaultRetentionDays is how long time partitions are kept.
const DefaultRetentionDays = 365

// ErrNotFound is returned when a memory is not in the requested partition.
var ErrNotFound = errors.New("not in partition")

const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// Info describes one partition.
type Info struct {
	Key          string    `json:"key"`
	Exists       bool      `json:"exists"`
	Count        int       `json:"count"`
	SizeBytes    int64     `json:"size_bytes"`
	LastModified time.Time `json:"last_modified"`
}

// SQLiteStore keeps partition membership and a JSON snapshot of each member
// in its own SQLite database.
type SQLiteStore struct {
	db     *sql.DB
	clock  func() time.Time
	logger *zap.Logger
}

// Option configures a SQLiteStore.
type Option func(*SQLiteStore)

// WithClock overrides the clock used for retention and bookkeeping.
func WithClock(clock func() time.Time) Option {
	return func(s *SQLiteStore) { s.clock = clock }
}

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(s *SQLiteStore) { s.logger = logger }
}

// NewSQLiteStore opens or creates the partition database at dbPath.
func NewSQLiteStore(dbPath string, opts ...Option) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, fmt.Errorf("create partition dir: %w", err)
	}
	db, err := sql.Open("sqlite", dbPath+"?_pragma=journal_mode(wal)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open partition db: %w", err)
	}
	s := &SQLiteStore{db: db, clock: time.Now, logger: zap.NewNop()}
	for _, opt := range opts {
		opt(s)
	}
	if _, err := db.Exec(`
	CREATE TABLE IF NOT EXISTS partition_members (
		partition_key TEXT NOT NULL,
		memory_id     TEXT NOT NULL,
		payload       TEXT NOT NULL,
		stored_at     TEXT NOT NULL,
		PRIMARY KEY (partition_key, memory_id)
	);
	CREATE INDEX IF NOT EXISTS idx_partition_members_memory ON partition_members(memory_id);
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate partitions: %w", err)
	}
	return s, nil
}

// Store writes m into each of keys, deriving them with Keys when keys is
// empty. The embedding is not copied; the primary store holds it.
func (s *SQLiteStore) Store(ctx context.Context, m model.Memory, keys []string) ([]string, error) {
	if m.ID == "" {
		return nil, fmt.Errorf("partition store: memory has no id")
	}
	if len(keys) == 0 {
		keys = Keys(m)
	}
	m.Embedding = nil
	payload, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("encode memory: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	now := s.clock().UTC().Format(timeLayout)
	for _, key := range keys {
		if _, err := tx.ExecContext(ctx,
			`INSERT OR REPLACE INTO partition_members (partition_key, memory_id, payload, stored_at)
			 VALUES (?, ?, ?, ?)`, key, m.ID, string(payload), now); err != nil {
			return nil, fmt.Errorf("store in %s: %w", key, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return keys, nil
}

// Retrieve returns the snapshot of id held in partition key.
func (s *SQLiteStore) Retrieve(ctx context.Context, key, id string) (*model.Memory, error) {
	var payload string
	err := s.db.QueryRowContext(ctx,
		`SELECT payload FROM partition_members WHERE partition_key = ? AND memory_id = ?`,
		key, id).Scan(&payload)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: %s/%s", ErrNotFound, key, id)
	}
	if err != nil {
		return nil, err
	}
	var m model.Memory
	if err := json.Unmarshal([]byte(payload), &m); err != nil {
		return nil, fmt.Errorf("decode %s/%s: %w", key, id, err)
	}
	return &m, nil
}

// Search returns members of key whose fields equal every filter value.
// Filter keys name JSON fields ("source", "privacy_label"); dotted keys reach
// into nested objects ("metadata.user_id"). Unreadable snapshots are skipped.
func (s *SQLiteStore) Search(ctx context.Context, key string, filters map[string]any) ([]model.Memory, error) {
	want, err := normalize(filters)
	if err != nil {
		return nil, fmt.Errorf("filters: %w", err)
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT memory_id, payload FROM partition_members WHERE partition_key = ? ORDER BY memory_id`, key)
	if err != nil {
		return nil, fmt.Errorf("search %s: %w", key, err)
	}
	defer rows.Close()

	var out []model.Memory
	for rows.Next() {
		var id, payload string
		if err := rows.Scan(&id, &payload); err != nil {
			return nil, err
		}
		var fields map[string]any
		if err := json.Unmarshal([]byte(payload), &fields); err != nil {
			s.logger.Debug("skipping unreadable partition entry", zap.String("key", key), zap.String("id", id))
			continue
		}
		if !matches(fields, want) {
			continue
		}
		var m model.Memory
		if err := json.Unmarshal([]byte(payload), &m); err != nil {
			continue
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// Forget removes ids from every partition.
func (s *SQLiteStore) Forget(ctx context.Context, ids []string) (int, error) {
	removed := 0
	for _, id := range ids {
		res, err := s.db.ExecContext(ctx, `DELETE FROM partition_members WHERE memory_id = ?`, id)
		if err != nil {
			return removed, fmt.Errorf("forget %s: %w", id, err)
		}
		n, _ := res.RowsAffected()
		removed += int(n)
	}
	return removed, nil
}

// CleanupOldPartitions drops whole time partitions whose month began before
// the retention window. Returns the removed keys.
func (s *SQLiteStore) CleanupOldPartitions(ctx context.Context, retentionDays int) ([]string, error) {
	if retentionDays <= 0 {
		retentionDays = DefaultRetentionDays
	}
	cutoff := s.clock().UTC().AddDate(0, 0, -retentionDays)

	keys, err := s.keys(ctx, TimePrefix)
	if err != nil {
		return nil, err
	}
	var removed []string
	for _, key := range keys {
		start, ok := timeKeyStart(key)
		if !ok || !start.Before(cutoff) {
			continue
		}
		if _, err := s.db.ExecContext(ctx, `DELETE FROM partition_members WHERE partition_key = ?`, key); err != nil {
			return removed, fmt.Errorf("drop partition %s: %w", key, err)
		}
		removed = append(removed, key)
	}
	if len(removed) > 0 {
		s.logger.Info("dropped expired partitions", zap.Strings("keys", removed))
	}
	return removed, nil
}

// Info reports size and freshness of one partition.
func (s *SQLiteStore) Info(ctx context.Context, key string) (*Info, error) {
	info := &Info{Key: key}
	var last sql.NullString
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*), COALESCE(SUM(LENGTH(payload)), 0), MAX(stored_at)
		 FROM partition_members WHERE partition_key = ?`, key).Scan(&info.Count, &info.SizeBytes, &last)
	if err != nil {
		return nil, fmt.Errorf("partition info %s: %w", key, err)
	}
	info.Exists = info.Count > 0
	if last.Valid {
		info.LastModified, _ = time.Parse(timeLayout, last.String)
	}
	return info, nil
}

// Stats reports every partition, ordered by key.
func (s *SQLiteStore) Stats(ctx context.Context) ([]Info, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT partition_key, COUNT(*), COALESCE(SUM(LENGTH(payload)), 0), MAX(stored_at)
		 FROM partition_members GROUP BY partition_key ORDER BY partition_key`)
	if err != nil {
		return nil, fmt.Errorf("partition stats: %w", err)
	}
	defer rows.Close()

	var out []Info
	for rows.Next() {
		var info Info
		var last sql.NullString
		if err := rows.Scan(&info.Key, &info.Count, &info.SizeBytes, &last); err != nil {
			return nil, err
		}
		info.Exists = true
		if last.Valid {
			info.LastModified, _ = time.Parse(timeLayout, last.String)
		}
		out = append(out, info)
	}
	return out, rows.Err()
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) keys(ctx context.Context, prefix string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT DISTINCT partition_key FROM partition_members WHERE partition_key LIKE ? ORDER BY partition_key`,
		prefix+"%")
	if err != nil {
		return nil, fmt.Errorf("list partitions: %w", err)
	}
	defer rows.Close()
	var keys []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, err
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

// normalize round-trips filters through JSON so values compare with decoded
// snapshots (numbers become float64, times become strings).
func normalize(filters map[string]any) (map[string]any, error) {
	if len(filters) == 0 {
		return nil, nil
	}
	b, err := json.Marshal(filters)
	if err != nil {
		return nil, err
	}
	var out map[string]any
	if err := json.Unmarshal(b, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func matches(fields, want map[string]any) bool {
	for k, v := range want {
		got, ok := lookup(fields, k)
		if !ok || !reflect.DeepEqual(got, v) {
			return false
		}
	}
	return true
}

func lookup(fields map[string]any, path string) (any, bool) {
	var cur any = fields
	for _, part := range strings.Split(path, ".") {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		cur, ok = m[part]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}
