package brain

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/rcliao/brain-memory/internal/consolidation"
	"github.com/rcliao/brain-memory/internal/embedding"
	"github.com/rcliao/brain-memory/internal/model"
	"github.com/rcliao/brain-memory/internal/partition"
	"github.com/rcliao/brain-memory/internal/pipeline"
	"github.com/rcliao/brain-memory/internal/retrieval"
	"github.com/rcliao/brain-memory/internal/store"
)

type fixture struct {
	now        time.Time
	svc        *Service
	store      *store.SQLiteStore
	partitions *partition.SQLiteStore
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{now: time.Date(2026, 6, 1, 9, 0, 0, 0, time.UTC)}
	clock := func() time.Time { return f.now }
	dir := t.TempDir()

	hash := embedding.NewHashProvider(0)
	st, err := store.NewSQLiteStore(filepath.Join(dir, "brain.db"), hash, store.WithClock(clock))
	require.NoError(t, err)
	parts, err := partition.NewSQLiteStore(filepath.Join(dir, "partitions.db"), partition.WithClock(clock))
	require.NoError(t, err)

	svc, err := New(Deps{
		Store:      st,
		Embedder:   hash,
		Partitions: parts,
		Pipeline: pipeline.Config{
			Workers:       2,
			QueueCapacity: 50,
			SubmitTimeout: 50 * time.Millisecond,
			PollInterval:  10 * time.Millisecond,
		},
		Logger: zap.NewNop(),
	})
	require.NoError(t, err)
	svc.Start()
	t.Cleanup(func() { svc.Close() })

	f.svc, f.store, f.partitions = svc, st, parts
	return f
}

func waitCtx(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func TestStoreAndSearch(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	m, err := f.svc.StoreMemory(ctx, StoreRequest{
		Content:  "Took Aspirin 100mg",
		Source:   "meds",
		Metadata: map[string]any{"user_id": "u1"},
	})
	require.NoError(t, err)
	_, err = f.svc.StoreMemory(ctx, StoreRequest{Content: "Groceries: milk, eggs, bread", Source: "receipt"})
	require.NoError(t, err)

	hits := f.svc.SearchMemories(ctx, retrieval.SearchParams{Query: "aspirin dosage", Limit: 5})
	require.Len(t, hits, 1)
	assert.Equal(t, m.ID, hits[0].ID)
	assert.Equal(t, "meds", hits[0].Source)
	assert.Greater(t, hits[0].Similarity, 0.3)
	assert.Equal(t, "u1", hits[0].Metadata["user_id"])

	for _, key := range []string{"time_2026-06", "source_meds", "user_u1"} {
		got, err := f.partitions.Retrieve(ctx, key, m.ID)
		require.NoError(t, err, key)
		assert.Equal(t, "Took Aspirin 100mg", got.Content)
	}

	assert.Contains(t, f.svc.GetContext(ctx, "took aspirin", 3, nil), "Took Aspirin 100mg")
}

func TestStoreMemory_Validation(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.StoreMemory(context.Background(), StoreRequest{Content: "x", Source: "meds", PrivacyLabel: "secret"})
	assert.True(t, errors.Is(err, store.ErrInvalidPrivacy))
}

func TestUpdatePrivacy(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	m, err := f.svc.StoreMemory(ctx, StoreRequest{Content: "bank statement", Source: "finance"})
	require.NoError(t, err)

	require.NoError(t, f.svc.UpdatePrivacy(ctx, m.ID, model.PrivacyConfidential))
	got, err := f.svc.Get(ctx, m.ID)
	require.NoError(t, err)
	assert.Equal(t, model.PrivacyConfidential, got.PrivacyLabel)

	snap, err := f.partitions.Search(ctx, "source_finance", map[string]any{"privacy_label": model.PrivacyConfidential})
	require.NoError(t, err)
	assert.Len(t, snap, 1, "partition snapshot follows the relabel")

	assert.True(t, errors.Is(f.svc.UpdatePrivacy(ctx, m.ID, "secret"), store.ErrInvalidPrivacy))
	assert.True(t, errors.Is(f.svc.UpdatePrivacy(ctx, "missing", model.PrivacyPublic), ErrNotFound))
}

func TestDeleteMemory(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	m, err := f.svc.StoreMemory(ctx, StoreRequest{Content: "walked the dog", Source: "habit"})
	require.NoError(t, err)

	ok, err := f.svc.DeleteMemory(ctx, m.ID)
	require.NoError(t, err)
	assert.True(t, ok)

	_, err = f.partitions.Retrieve(ctx, "source_habit", m.ID)
	assert.True(t, errors.Is(err, partition.ErrNotFound))

	ok, err = f.svc.DeleteMemory(ctx, m.ID)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestReindex(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	m, err := f.store.Insert(ctx, store.InsertParams{Content: "imported note", Source: "notes"})
	require.NoError(t, err)

	_, err = f.partitions.Retrieve(ctx, "source_notes", m.ID)
	require.True(t, errors.Is(err, partition.ErrNotFound), "direct inserts skip the index")

	n, err := f.svc.Reindex(ctx, []string{m.ID, "missing"})
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	_, err = f.partitions.Retrieve(ctx, "source_notes", m.ID)
	assert.NoError(t, err)
}

func TestSubmitEmbeddingTask(t *testing.T) {
	f := newFixture(t)

	h, err := f.svc.SubmitEmbeddingTask(context.Background(), []string{"a", "b"}, pipeline.PriorityEmbedding, nil)
	require.NoError(t, err)
	v, err := h.Wait(waitCtx(t))
	require.NoError(t, err)
	vs := v.([]embedding.Vector)
	assert.Len(t, vs, 2)
	assert.Len(t, vs[0], embedding.DefaultHashDims)

	// Half the memory budget in use halves the allowed batch: 32 -> 16.
	f.svc.Resources().Update(512, 0, 0)
	texts := make([]string, 40)
	for i := range texts {
		texts[i] = "text"
	}
	h, err = f.svc.SubmitEmbeddingTask(context.Background(), texts, pipeline.PriorityEmbedding, nil)
	require.NoError(t, err)
	assert.Contains(t, h.ID(), pipeline.TypeBatchEmbedding)
	v, err = h.Wait(waitCtx(t))
	require.NoError(t, err)
	batches := v.([][]embedding.Vector)
	require.Len(t, batches, 3)
	assert.Len(t, batches[0], 16)
	assert.Len(t, batches[2], 8)
}

func TestSubmitIndexingTask(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	done := make(chan pipeline.Result, 1)
	h, err := f.svc.SubmitIndexingTask(ctx, []StoreRequest{
		{Content: "ran 5k", Source: "habit"},
		{Content: "", Source: "habit"},
	}, pipeline.PriorityIndexing, func(r pipeline.Result) { done <- r })
	require.NoError(t, err)

	v, err := h.Wait(waitCtx(t))
	require.NoError(t, err)
	res := v.(*IndexResult)
	assert.Equal(t, 1, res.IndexedCount)
	assert.Equal(t, "partial", res.Status)
	assert.Contains(t, res.Errors, 1)

	select {
	case r := <-done:
		assert.Equal(t, h.ID(), r.TaskID)
	case <-waitCtx(t).Done():
		t.Fatal("callback not invoked")
	}

	_, err = f.partitions.Retrieve(ctx, "source_habit", res.IDs[0])
	assert.NoError(t, err)
}

func TestSubmitConsolidationTask(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	old, err := f.svc.StoreMemory(ctx, StoreRequest{Content: "dose 1", Source: "meds"})
	require.NoError(t, err)
	f.now = f.now.Add(45 * 24 * time.Hour)

	h, err := f.svc.SubmitConsolidationTask(ctx, ConsolidationRequest{PartitionKey: "source_meds"}, pipeline.PriorityConsolidation, nil)
	require.NoError(t, err)
	v, err := h.Wait(waitCtx(t))
	require.NoError(t, err)
	res := v.(*ConsolidationResult)
	assert.Equal(t, "source_meds", res.PartitionKey)
	assert.Equal(t, 1, res.ConsolidatedCount)
	assert.Equal(t, "completed", res.Status)

	_, err = f.partitions.Retrieve(ctx, "source_meds", old.ID)
	assert.True(t, errors.Is(err, partition.ErrNotFound))
	summaries, err := f.partitions.Search(ctx, "source_meds_summary", nil)
	require.NoError(t, err)
	assert.Len(t, summaries, 1)
}

func TestRunMaintenance(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	ttl := int64(60)
	expiring, err := f.svc.StoreMemory(ctx, StoreRequest{Content: "motion detected", Source: "sensor", TTLSeconds: &ttl})
	require.NoError(t, err)
	old, err := f.svc.StoreMemory(ctx, StoreRequest{Content: "ran 5k", Source: "habit"})
	require.NoError(t, err)
	conv, err := f.svc.StoreMemory(ctx, StoreRequest{Content: "User: hello", Source: model.SourceConversation})
	require.NoError(t, err)
	f.now = f.now.Add(400 * 24 * time.Hour)

	report, err := f.svc.RunMaintenance(ctx, consolidation.MaintenanceOptions{})
	require.NoError(t, err)
	assert.Equal(t, 1, report.ExpiredDeleted)
	assert.Equal(t, 1, report.Consolidated)
	assert.Zero(t, report.EmbeddingsOptimized)
	assert.Empty(t, report.Errors)
	assert.Equal(t, []string{"time_2026-06"}, report.PartitionsRemoved)
	assert.Positive(t, report.PartitionEntriesForgotten)

	for _, id := range []string{expiring.ID, old.ID} {
		_, err := f.partitions.Retrieve(ctx, "source_sensor", id)
		assert.True(t, errors.Is(err, partition.ErrNotFound))
	}
	summaries, err := f.partitions.Search(ctx, "source_habit_summary", nil)
	require.NoError(t, err)
	assert.Len(t, summaries, 1)

	// Retention drops the month partition but not the memory or its source
	// partition.
	_, err = f.partitions.Retrieve(ctx, "time_2026-06", conv.ID)
	assert.True(t, errors.Is(err, partition.ErrNotFound))
	_, err = f.partitions.Retrieve(ctx, "source_conversation", conv.ID)
	assert.NoError(t, err)
	_, err = f.svc.Get(ctx, conv.ID)
	assert.NoError(t, err)

	dry, err := f.svc.RunMaintenance(ctx, consolidation.MaintenanceOptions{DryRun: true})
	require.NoError(t, err)
	assert.True(t, dry.DryRun)
	assert.Zero(t, dry.Consolidated)
}

func TestAsk_WithoutGenerator(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.svc.StoreMemory(ctx, StoreRequest{Content: "Took Aspirin 100mg", Source: "meds"})
	require.NoError(t, err)

	resp := f.svc.Ask(ctx, "aspirin dosage", true)
	assert.True(t, resp.Fallback)
	assert.Equal(t, 1, resp.ContextUsed)

	convs, err := f.store.List(ctx, store.ListParams{Sources: []string{model.SourceConversation}})
	require.NoError(t, err)
	assert.Empty(t, convs, "fallback answers are not remembered")
}

func TestPipelineStats(t *testing.T) {
	f := newFixture(t)
	h, err := f.svc.SubmitEmbeddingTask(context.Background(), []string{"a"}, pipeline.PriorityEmbedding, nil)
	require.NoError(t, err)
	_, err = h.Wait(waitCtx(t))
	require.NoError(t, err)

	require.Eventually(t, func() bool { return f.svc.PipelineStats().Processed == 1 }, time.Second, 5*time.Millisecond)
	st := f.svc.PipelineStats()
	assert.True(t, st.Running)
	assert.Equal(t, 2, st.ActiveWorkers)
	assert.False(t, st.Throttle)
}

type closingEmbedder struct {
	*embedding.HashProvider
	closed bool
}

func (c *closingEmbedder) Close() { c.closed = true }

func TestClose_ReleasesEmbedder(t *testing.T) {
	dir := t.TempDir()
	emb := &closingEmbedder{HashProvider: embedding.NewHashProvider(0)}
	st, err := store.NewSQLiteStore(filepath.Join(dir, "brain.db"), emb)
	require.NoError(t, err)
	svc, err := New(Deps{Store: st, Embedder: emb, Logger: zap.NewNop()})
	require.NoError(t, err)
	svc.Start()

	require.NoError(t, svc.Close())
	assert.True(t, emb.closed)
}
