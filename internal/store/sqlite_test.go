package store

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rcliao/brain-memory/internal/embedding"
	"github.com/rcliao/brain-memory/internal/model"
)

type testClock struct{ now time.Time }

func newTestClock() *testClock {
	return &testClock{now: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time          { return c.now }
func (c *testClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

func int64p(v int64) *int64 { return &v }

func newTestStore(t *testing.T) *SQLiteStore {
	return newTestStoreAt(t, newTestClock())
}

func newTestStoreAt(t *testing.T, clock *testClock) *SQLiteStore {
	t.Helper()
	dir := t.TempDir()
	s, err := NewSQLiteStore(filepath.Join(dir, "test.db"), embedding.NewHashProvider(0), WithClock(clock.Now))
	if err != nil {
		t.Fatalf("create store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestInsertAndGet(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	mem, err := s.Insert(ctx, InsertParams{
		Source:   "meds",
		Content:  "  Took Aspirin 100mg  ",
		Metadata: map[string]any{"dose_mg": 100.0},
	})
	if err != nil {
		t.Fatalf("insert: %v", err)
	}
	if mem.ID == "" {
		t.Error("expected non-empty ID")
	}
	if mem.PrivacyLabel != model.PrivacyPrivate {
		t.Errorf("expected default privacy 'private', got %q", mem.PrivacyLabel)
	}
	if mem.Modality != "text" {
		t.Errorf("expected default modality 'text', got %q", mem.Modality)
	}
	if len(mem.Embedding) != embedding.DefaultHashDims {
		t.Errorf("expected %d-dim embedding, got %d", embedding.DefaultHashDims, len(mem.Embedding))
	}
	if mem.EmbeddingModel != "hash" {
		t.Errorf("expected embedding model 'hash', got %q", mem.EmbeddingModel)
	}

	got, err := s.Get(ctx, mem.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Content != "Took Aspirin 100mg" {
		t.Errorf("expected trimmed content, got %q", got.Content)
	}
	if got.Metadata["dose_mg"] != 100.0 {
		t.Errorf("metadata not round-tripped: %v", got.Metadata)
	}
	if !got.CreatedAt.Equal(mem.CreatedAt) {
		t.Errorf("created_at changed: %v vs %v", got.CreatedAt, mem.CreatedAt)
	}
}

func TestEmbeddingRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	mem, _ := s.Insert(ctx, InsertParams{Source: "note", Content: "precision check 0.1 1e-7"})
	got, err := s.Get(ctx, mem.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	for i := range mem.Embedding {
		if got.Embedding[i] != mem.Embedding[i] {
			t.Fatalf("component %d changed: %v vs %v", i, got.Embedding[i], mem.Embedding[i])
		}
	}
}

func TestInsertValidation(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	tests := []struct {
		name string
		p    InsertParams
		want error
	}{
		{"empty content", InsertParams{Source: "x", Content: "   "}, ErrInvalid},
		{"missing source", InsertParams{Content: "hello"}, ErrInvalid},
		{"bad modality", InsertParams{Source: "x", Content: "hello", Modality: "video"}, ErrInvalid},
		{"bad privacy", InsertParams{Source: "x", Content: "hello", PrivacyLabel: "secret"}, ErrInvalidPrivacy},
		{"negative ttl", InsertParams{Source: "x", Content: "hello", TTLSeconds: int64p(-1)}, ErrInvalid},
		{"wrong dims", InsertParams{Source: "x", Content: "hello", Embedding: []float32{1, 2, 3}}, ErrInvalid},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := s.Insert(ctx, tt.p)
			if !errors.Is(err, tt.want) {
				t.Errorf("expected %v, got %v", tt.want, err)
			}
		})
	}
}

func TestGetNotFound(t *testing.T) {
	s := newTestStore(t)
	_, err := s.Get(context.Background(), "missing")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestDelete(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	mem, _ := s.Insert(ctx, InsertParams{Source: "note", Content: "data"})
	ok, err := s.Delete(ctx, mem.ID)
	if err != nil || !ok {
		t.Fatalf("delete: ok=%v err=%v", ok, err)
	}
	ok, _ = s.Delete(ctx, mem.ID)
	if ok {
		t.Error("expected second delete to report false")
	}
	if _, err := s.Get(ctx, mem.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound after delete, got %v", err)
	}
}

func TestDeleteMany(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	a, _ := s.Insert(ctx, InsertParams{Source: "note", Content: "a"})
	b, _ := s.Insert(ctx, InsertParams{Source: "note", Content: "b"})
	s.Insert(ctx, InsertParams{Source: "note", Content: "c"})

	n, err := s.DeleteMany(ctx, []string{a.ID, b.ID, "missing"})
	if err != nil {
		t.Fatalf("delete many: %v", err)
	}
	if n != 2 {
		t.Errorf("expected 2 deleted, got %d", n)
	}
	all, _ := s.List(ctx, ListParams{})
	if len(all) != 1 {
		t.Errorf("expected 1 remaining, got %d", len(all))
	}
}

func TestUpdatePrivacy(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	mem, _ := s.Insert(ctx, InsertParams{Source: "note", Content: "data"})

	if _, err := s.UpdatePrivacy(ctx, mem.ID, "top-secret"); !errors.Is(err, ErrInvalidPrivacy) {
		t.Errorf("expected ErrInvalidPrivacy, got %v", err)
	}
	ok, err := s.UpdatePrivacy(ctx, mem.ID, model.PrivacyPublic)
	if err != nil || !ok {
		t.Fatalf("update privacy: ok=%v err=%v", ok, err)
	}
	got, _ := s.Get(ctx, mem.ID)
	if got.PrivacyLabel != model.PrivacyPublic {
		t.Errorf("expected public, got %q", got.PrivacyLabel)
	}
	if ok, _ := s.UpdatePrivacy(ctx, "missing", model.PrivacyPublic); ok {
		t.Error("expected false for missing id")
	}
}

func TestUpdateEmbedding(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	mem, _ := s.Insert(ctx, InsertParams{Source: "note", Content: "data"})
	vec := make([]float32, embedding.DefaultHashDims)
	vec[0] = 1
	if err := s.UpdateEmbedding(ctx, mem.ID, vec, "ollama/all-minilm"); err != nil {
		t.Fatalf("update embedding: %v", err)
	}
	got, _ := s.Get(ctx, mem.ID)
	if got.EmbeddingModel != "ollama/all-minilm" || got.Embedding[0] != 1 {
		t.Errorf("embedding not replaced: model=%q first=%v", got.EmbeddingModel, got.Embedding[0])
	}
	if err := s.UpdateEmbedding(ctx, "missing", vec, "x"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestCorruptEmbeddingStillReturned(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	mem, _ := s.Insert(ctx, InsertParams{Source: "note", Content: "data"})
	if _, err := s.db.ExecContext(ctx, `UPDATE memories SET embedding = '[1, 2, oops' WHERE id = ?`, mem.ID); err != nil {
		t.Fatal(err)
	}

	got, err := s.Get(ctx, mem.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Embedding != nil {
		t.Errorf("expected nil embedding for corrupt JSON, got %d values", len(got.Embedding))
	}
	list, err := s.List(ctx, ListParams{})
	if err != nil || len(list) != 1 {
		t.Errorf("expected list to include corrupt record: n=%d err=%v", len(list), err)
	}
}

func TestList(t *testing.T) {
	ctx := context.Background()
	clock := newTestClock()
	s := newTestStoreAt(t, clock)

	s.Insert(ctx, InsertParams{Source: "meds", Content: "aspirin", PrivacyLabel: model.PrivacyPublic})
	clock.Advance(time.Hour)
	s.Insert(ctx, InsertParams{Source: "meds_summary", Content: "summary of meds"})
	clock.Advance(time.Hour)
	s.Insert(ctx, InsertParams{Source: "receipt", Content: "milk and bread"})
	clock.Advance(time.Hour)
	s.Insert(ctx, InsertParams{Source: "conversation", Content: "hello there", TTLSeconds: int64p(60)})

	tests := []struct {
		name string
		p    ListParams
		want int
	}{
		{"all", ListParams{}, 4},
		{"by source", ListParams{Sources: []string{"meds"}}, 1},
		{"with summaries", ListParams{Sources: []string{"meds"}, WithSummaries: true}, 2},
		{"exclude summaries", ListParams{ExcludeSummaries: true}, 3},
		{"exclude source", ListParams{ExcludeSources: []string{"conversation"}}, 3},
		{"privacy", ListParams{Privacy: []string{model.PrivacyPublic}}, 1},
		{"contains", ListParams{Contains: "MILK"}, 1},
		{"has ttl", ListParams{HasTTL: true}, 1},
		{"created before", ListParams{CreatedBefore: clock.now.Add(-90 * time.Minute)}, 2},
		{"created after", ListParams{CreatedAfter: clock.now.Add(-time.Hour)}, 2},
		{"limit", ListParams{Limit: 2}, 2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := s.List(ctx, tt.p)
			if err != nil {
				t.Fatalf("list: %v", err)
			}
			if len(got) != tt.want {
				t.Errorf("expected %d, got %d", tt.want, len(got))
			}
		})
	}

	newest, _ := s.List(ctx, ListParams{Limit: 1})
	if newest[0].Source != "conversation" {
		t.Errorf("expected newest first, got %q", newest[0].Source)
	}
	oldest, _ := s.List(ctx, ListParams{Limit: 1, OldestFirst: true})
	if oldest[0].Source != "meds" {
		t.Errorf("expected oldest first, got %q", oldest[0].Source)
	}
}

func TestListContainsIsLiteral(t *testing.T) {
	ctx := context.Background()
	s := newTestStoreAt(t, newTestClock())

	for _, c := range []string{"50% off milk", "5000 off milk", "item a_b", "item axb", `path c:\tmp`} {
		if _, err := s.Insert(ctx, InsertParams{Source: "receipt", Content: c}); err != nil {
			t.Fatal(err)
		}
	}

	tests := []struct {
		contains string
		want     int
	}{
		{"50%", 1},
		{"%", 1},
		{"a_b", 1},
		{"_", 1},
		{`c:\`, 1},
		{"off", 2},
	}
	for _, tt := range tests {
		got, err := s.List(ctx, ListParams{Contains: tt.contains})
		if err != nil {
			t.Fatalf("list %q: %v", tt.contains, err)
		}
		if len(got) != tt.want {
			t.Errorf("contains %q: expected %d, got %d", tt.contains, tt.want, len(got))
		}
	}
}

func TestListExcludeExpired(t *testing.T) {
	ctx := context.Background()
	clock := newTestClock()
	s := newTestStoreAt(t, clock)

	s.Insert(ctx, InsertParams{Source: "sensor", Content: "door opened", TTLSeconds: int64p(60)})
	s.Insert(ctx, InsertParams{Source: "sensor", Content: "door closed"})

	clock.Advance(60 * time.Second)
	live, _ := s.List(ctx, ListParams{ExcludeExpired: true})
	if len(live) != 2 {
		t.Errorf("expected ttl boundary to still be live, got %d", len(live))
	}

	clock.Advance(time.Second)
	live, _ = s.List(ctx, ListParams{ExcludeExpired: true, Limit: 5})
	if len(live) != 1 || live[0].Content != "door closed" {
		t.Errorf("expected only the unexpired memory, got %v", live)
	}
}

func TestReplace(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	a, _ := s.Insert(ctx, InsertParams{Source: "habit", Content: "ran 5k"})
	b, _ := s.Insert(ctx, InsertParams{Source: "habit", Content: "ran 3k"})

	sum, err := s.Replace(ctx, InsertParams{Source: "habit_summary", Content: "ran twice"}, []string{a.ID, b.ID})
	if err != nil {
		t.Fatalf("replace: %v", err)
	}
	all, _ := s.List(ctx, ListParams{})
	if len(all) != 1 || all[0].ID != sum.ID {
		t.Fatalf("expected only the summary to remain, got %v", all)
	}
}

func TestReplaceInvalidSummaryKeepsOriginals(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	a, _ := s.Insert(ctx, InsertParams{Source: "habit", Content: "ran 5k"})
	if _, err := s.Replace(ctx, InsertParams{Source: "habit_summary", Content: ""}, []string{a.ID}); err == nil {
		t.Fatal("expected error for empty summary")
	}
	if _, err := s.Get(ctx, a.ID); err != nil {
		t.Errorf("original should survive a failed replace: %v", err)
	}
}

func TestDBPathCreation(t *testing.T) {
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "sub", "dir", "test.db")
	s, err := NewSQLiteStore(dbPath, nil)
	if err != nil {
		t.Fatalf("create store: %v", err)
	}
	s.Close()

	if _, err := os.Stat(dbPath); os.IsNotExist(err) {
		t.Error("expected db file to be created")
	}
}

func TestExportImport(t *testing.T) {
	ctx := context.Background()
	src := newTestStore(t)
	src.Insert(ctx, InsertParams{Source: "meds", Content: "aspirin"})
	src.Insert(ctx, InsertParams{Source: "receipt", Content: "coffee beans", TTLSeconds: int64p(3600)})

	exported, err := src.ExportAll(ctx, "")
	if err != nil {
		t.Fatalf("export: %v", err)
	}
	if len(exported) != 2 {
		t.Fatalf("expected 2 exported, got %d", len(exported))
	}

	dst := newTestStore(t)
	n, err := dst.Import(ctx, exported)
	if err != nil {
		t.Fatalf("import: %v", err)
	}
	if n != 2 {
		t.Errorf("expected 2 imported, got %d", n)
	}
	again, _ := dst.Import(ctx, exported)
	if again != 0 {
		t.Errorf("expected re-import to skip duplicates, got %d", again)
	}

	got, err := dst.Get(ctx, exported[1].ID)
	if err != nil {
		t.Fatalf("get imported: %v", err)
	}
	if got.TTLSeconds == nil || *got.TTLSeconds != 3600 {
		t.Errorf("ttl not preserved: %v", got.TTLSeconds)
	}
	if !got.CreatedAt.Equal(exported[1].CreatedAt) {
		t.Errorf("created_at not preserved")
	}
}

func TestStats(t *testing.T) {
	ctx := context.Background()
	clock := newTestClock()
	s := newTestStoreAt(t, clock)

	s.Insert(ctx, InsertParams{Source: "meds", Content: "aspirin", TTLSeconds: int64p(10)})
	s.Insert(ctx, InsertParams{Source: "meds", Content: "ibuprofen"})
	s.Insert(ctx, InsertParams{Source: "meds_summary", Content: "summary", PrivacyLabel: model.PrivacyPublic})
	clock.Advance(time.Minute)

	st, err := s.Stats(ctx)
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if st.TotalMemories != 3 {
		t.Errorf("expected 3 memories, got %d", st.TotalMemories)
	}
	if st.Summaries != 1 {
		t.Errorf("expected 1 summary, got %d", st.Summaries)
	}
	if st.WithTTL != 1 || st.ExpiredMemories != 1 {
		t.Errorf("expected 1 ttl / 1 expired, got %d / %d", st.WithTTL, st.ExpiredMemories)
	}
	if st.Privacy[model.PrivacyPrivate] != 2 || st.Privacy[model.PrivacyPublic] != 1 {
		t.Errorf("unexpected privacy counts: %v", st.Privacy)
	}
	if len(st.Sources) != 2 || st.Sources[0].Source != "meds" {
		t.Errorf("unexpected source stats: %v", st.Sources)
	}
	if st.EmbeddingModels["hash"] != 3 {
		t.Errorf("unexpected embedding model counts: %v", st.EmbeddingModels)
	}
}
