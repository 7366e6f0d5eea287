package brain

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/rcliao/brain-memory/internal/consolidation"
	"github.com/rcliao/brain-memory/internal/embedding"
	"github.com/rcliao/brain-memory/internal/pipeline"
)

// IndexResult is the value of an indexing task.
type IndexResult struct {
	IndexedCount int            `json:"indexed_count"`
	IDs          []string       `json:"ids"`
	Errors       map[int]string `json:"errors,omitempty"`
	Status       string         `json:"status"`
}

// ConsolidationRequest is the payload of a consolidation task. PartitionKey
// labels the request; the run covers every source.
type ConsolidationRequest struct {
	PartitionKey string `json:"partition_key,omitempty"`
	DaysOld      int    `json:"days_old,omitempty"`
	BatchSize    int    `json:"batch_size,omitempty"`
}

// ConsolidationResult is the value of a consolidation task.
type ConsolidationResult struct {
	PartitionKey      string               `json:"partition_key,omitempty"`
	ConsolidatedCount int                  `json:"consolidated_count"`
	Stats             *consolidation.Stats `json:"stats"`
	Status            string               `json:"status"`
}

// PipelineStatus reports the pipeline and the resource manager's advice.
type PipelineStatus struct {
	pipeline.Stats
	Resources pipeline.ResourceUsage `json:"resources"`
	Throttle  bool                   `json:"throttle"`
}

// SubmitEmbeddingTask queues texts for embedding. Input larger than the
// batch size the resource manager currently allows is split into a
// batch_embedding task; the handle then yields [][]embedding.Vector instead
// of []embedding.Vector.
func (s *Service) SubmitEmbeddingTask(ctx context.Context, texts []string, priority int, callback func(pipeline.Result)) (*pipeline.Handle, error) {
	size := s.resources.OptimalBatchSize(s.embedBatchSize)
	if s.resources.ShouldThrottle() {
		pipeline.NewMetrics().ThrottledTotal.Inc()
		s.logger.Debug("resource pressure, shrinking embedding batches", zap.Int("batch_size", size))
	}
	if len(texts) <= size {
		return s.pipeline.Submit(ctx, pipeline.Task{
			Type:     pipeline.TypeEmbedding,
			Priority: priority,
			Payload:  texts,
			Callback: callback,
		})
	}

	var batches [][]string
	for start := 0; start < len(texts); start += size {
		batches = append(batches, texts[start:min(start+size, len(texts))])
	}
	return s.pipeline.Submit(ctx, pipeline.Task{
		Type:     pipeline.TypeBatchEmbedding,
		Priority: priority,
		Payload:  batches,
		Callback: callback,
	})
}

// SubmitIndexingTask queues memories to be stored and partitioned. The
// handle yields an *IndexResult.
func (s *Service) SubmitIndexingTask(ctx context.Context, reqs []StoreRequest, priority int, callback func(pipeline.Result)) (*pipeline.Handle, error) {
	return s.pipeline.Submit(ctx, pipeline.Task{
		Type:     pipeline.TypeIndexing,
		Priority: priority,
		Payload:  reqs,
		Callback: callback,
	})
}

// SubmitConsolidationTask queues a consolidation run. The handle yields a
// *ConsolidationResult.
func (s *Service) SubmitConsolidationTask(ctx context.Context, req ConsolidationRequest, priority int, callback func(pipeline.Result)) (*pipeline.Handle, error) {
	return s.pipeline.Submit(ctx, pipeline.Task{
		Type:     pipeline.TypeConsolidation,
		Priority: priority,
		Payload:  req,
		Callback: callback,
	})
}

// PipelineStats returns pipeline counters and resource advice.
func (s *Service) PipelineStats() PipelineStatus {
	return PipelineStatus{
		Stats:     s.pipeline.Stats(),
		Resources: s.resources.Usage(),
		Throttle:  s.resources.ShouldThrottle(),
	}
}

// Resources returns the resource manager fed by the host process.
func (s *Service) Resources() *pipeline.ResourceManager { return s.resources }

func (s *Service) handleEmbedding(ctx context.Context, payload any) (any, error) {
	texts, ok := payload.([]string)
	if !ok {
		return nil, fmt.Errorf("embedding task: unexpected payload %T", payload)
	}
	return s.embedder.EmbedBatch(ctx, texts)
}

func (s *Service) handleBatchEmbedding(ctx context.Context, payload any) (any, error) {
	batches, ok := payload.([][]string)
	if !ok {
		return nil, fmt.Errorf("batch embedding task: unexpected payload %T", payload)
	}
	out := make([][]embedding.Vector, 0, len(batches))
	for i, batch := range batches {
		vs, err := s.embedder.EmbedBatch(ctx, batch)
		if err != nil {
			return nil, fmt.Errorf("batch %d: %w", i, err)
		}
		out = append(out, vs)
	}
	return out, nil
}

func (s *Service) handleIndexing(ctx context.Context, payload any) (any, error) {
	reqs, ok := payload.([]StoreRequest)
	if !ok {
		return nil, fmt.Errorf("indexing task: unexpected payload %T", payload)
	}
	res := &IndexResult{Status: "completed"}
	for i, req := range reqs {
		m, err := s.StoreMemory(ctx, req)
		if err != nil {
			if res.Errors == nil {
				res.Errors = map[int]string{}
			}
			res.Errors[i] = err.Error()
			continue
		}
		res.IDs = append(res.IDs, m.ID)
	}
	res.IndexedCount = len(res.IDs)
	if len(reqs) > 0 && res.IndexedCount == 0 {
		return res, fmt.Errorf("indexing task: none of %d memories stored", len(reqs))
	}
	if len(res.Errors) > 0 {
		res.Status = "partial"
	}
	return res, nil
}

func (s *Service) handleConsolidation(ctx context.Context, payload any) (any, error) {
	req, ok := payload.(ConsolidationRequest)
	if !ok {
		return nil, fmt.Errorf("consolidation task: unexpected payload %T", payload)
	}
	stats, err := s.consolidation.Consolidate(ctx, consolidation.Options{
		DaysOld:   req.DaysOld,
		BatchSize: req.BatchSize,
	})
	if err != nil {
		return nil, err
	}
	s.forget(ctx, stats.DeletedIDs)
	for _, summary := range stats.Summaries {
		s.index(ctx, summary)
	}
	res := &ConsolidationResult{
		PartitionKey:      req.PartitionKey,
		ConsolidatedCount: stats.Consolidated,
		Stats:             stats,
		Status:            "completed",
	}
	if stats.Failed() {
		res.Status = "partial"
	}
	return res, nil
}
