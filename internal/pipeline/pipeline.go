// Package pipeline runs embedding, indexing and consolidation work off the
// request path on a fixed pool of workers fed by a bounded priority queue.
package pipeline

import (
	"container/heap"
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"go.uber.org/zap"
)

// Task types with built-in handlers.
const (
	TypeEmbedding      = "embedding"
	TypeBatchEmbedding = "batch_embedding"
	TypeIndexing       = "indexing"
	TypeConsolidation  = "consolidation"
)

// Default priorities per task type. Lower runs first.
const (
	PriorityEmbedding     = 1
	PriorityIndexing      = 2
	PriorityConsolidation = 3
)

var (
	// ErrQueueFull is returned when no queue slot frees up within the
	// submit timeout.
	ErrQueueFull = errors.New("task queue full")
	// ErrStopped is returned for submissions after Stop and delivered to
	// tasks abandoned in the queue.
	ErrStopped = errors.New("pipeline stopped")
	// ErrUnknownTaskType is returned when no handler is registered for a
	// task's type.
	ErrUnknownTaskType = errors.New("unknown task type")
)

// Handler executes one task payload.
type Handler func(ctx context.Context, payload any) (any, error)

// Task is a unit of work. ID is generated as "<type>_<ulid>" when empty.
type Task struct {
	ID       string
	Type     string
	Priority int
	Payload  any
	// Callback, when set, is invoked with the result after the task
	// finishes. Panics are recovered.
	Callback  func(Result)
	CreatedAt time.Time
}

// Result is the outcome of a finished or abandoned task.
type Result struct {
	TaskID   string        `json:"task_id"`
	Type     string        `json:"type"`
	Value    any           `json:"value,omitempty"`
	Err      error         `json:"-"`
	Duration time.Duration `json:"duration"`
}

// Handle lets a submitter await a task.
type Handle struct {
	id     string
	done   chan struct{}
	once   sync.Once
	result Result
}

func newHandle(id string) *Handle {
	return &Handle{id: id, done: make(chan struct{})}
}

// ID returns the task id.
func (h *Handle) ID() string { return h.id }

// Done is closed once the task reaches a terminal state.
func (h *Handle) Done() <-chan struct{} { return h.done }

// Wait blocks until the task finishes or ctx is done.
func (h *Handle) Wait(ctx context.Context) (any, error) {
	select {
	case <-h.done:
		return h.result.Value, h.result.Err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Result returns the outcome if the task has finished.
func (h *Handle) Result() (Result, bool) {
	select {
	case <-h.done:
		return h.result, true
	default:
		return Result{}, false
	}
}

func (h *Handle) complete(r Result) {
	h.once.Do(func() {
		h.result = r
		close(h.done)
	})
}

// Config configures a Pipeline.
type Config struct {
	Workers       int
	QueueCapacity int
	// SubmitTimeout bounds how long Submit waits for a free slot.
	SubmitTimeout time.Duration
	// PollInterval is how often an idle worker wakes to refresh gauges.
	PollInterval time.Duration
}

// DefaultConfig returns the default pipeline sizing.
func DefaultConfig() Config {
	return Config{
		Workers:       4,
		QueueCapacity: 1000,
		SubmitTimeout: time.Second,
		PollInterval:  time.Second,
	}
}

// Stats is a snapshot of pipeline counters.
type Stats struct {
	Processed         int64         `json:"processed"`
	Failed            int64         `json:"failed"`
	CallbackFailures  int64         `json:"callback_failures"`
	AvgProcessingTime time.Duration `json:"avg_processing_time"`
	QueueSize         int           `json:"queue_size"`
	ActiveWorkers     int           `json:"active_workers"`
	Busy              int           `json:"busy"`
	Running           bool          `json:"running"`
}

// Pipeline is a bounded priority queue drained by a fixed worker pool.
type Pipeline struct {
	cfg      Config
	handlers map[string]Handler
	logger   *zap.Logger
	metrics  *Metrics

	// slots holds one token per queued task; a full channel means a full
	// queue. items signals workers that an entry was pushed.
	slots chan struct{}
	items chan struct{}

	mu      sync.Mutex
	queue   taskHeap
	seq     uint64
	running bool
	stopped bool
	stopCh  chan struct{}
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	statsMu sync.Mutex
	stats   Stats
}

// New creates a stopped pipeline. Tasks may be submitted before Start; they
// wait in the queue.
func New(cfg Config, handlers map[string]Handler, logger *zap.Logger) *Pipeline {
	def := DefaultConfig()
	if cfg.Workers <= 0 {
		cfg.Workers = def.Workers
	}
	if cfg.QueueCapacity <= 0 {
		cfg.QueueCapacity = def.QueueCapacity
	}
	if cfg.SubmitTimeout <= 0 {
		cfg.SubmitTimeout = def.SubmitTimeout
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = def.PollInterval
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	hs := make(map[string]Handler, len(handlers))
	for k, h := range handlers {
		hs[k] = h
	}
	return &Pipeline{
		cfg:      cfg,
		handlers: hs,
		logger:   logger,
		metrics:  NewMetrics(),
		slots:    make(chan struct{}, cfg.QueueCapacity),
		items:    make(chan struct{}, cfg.QueueCapacity),
		stopCh:   make(chan struct{}),
	}
}

// Start launches the workers. It is a no-op when already running or stopped.
func (p *Pipeline) Start() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.running || p.stopped {
		return
	}
	p.running = true

	ctx, cancel := context.WithCancel(context.Background())
	p.cancel = cancel

	p.logger.Info("starting processing pipeline",
		zap.Int("workers", p.cfg.Workers),
		zap.Int("queue_capacity", p.cfg.QueueCapacity))

	for i := range p.cfg.Workers {
		p.wg.Add(1)
		go p.worker(ctx, i)
	}
	p.statsMu.Lock()
	p.stats.Running = true
	p.stats.ActiveWorkers = p.cfg.Workers
	p.statsMu.Unlock()
}

// Stop signals workers to exit, waits for in-flight tasks, and completes
// every task still queued with ErrStopped. Later submissions fail.
func (p *Pipeline) Stop() {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return
	}
	p.stopped = true
	p.running = false
	close(p.stopCh)
	p.mu.Unlock()

	p.wg.Wait()
	if p.cancel != nil {
		p.cancel()
	}

	p.mu.Lock()
	abandoned := make([]*entry, 0, p.queue.Len())
	for p.queue.Len() > 0 {
		abandoned = append(abandoned, heap.Pop(&p.queue).(*entry))
	}
	p.mu.Unlock()

	for _, e := range abandoned {
		e.handle.complete(Result{TaskID: e.task.ID, Type: e.task.Type, Err: ErrStopped})
	}

	p.statsMu.Lock()
	p.stats.Running = false
	p.stats.ActiveWorkers = 0
	p.statsMu.Unlock()
	p.metrics.QueueDepth.Set(0)

	p.logger.Info("processing pipeline stopped", zap.Int("abandoned", len(abandoned)))
}

// Submit enqueues t, waiting up to SubmitTimeout for a free slot.
func (p *Pipeline) Submit(ctx context.Context, t Task) (*Handle, error) {
	if _, ok := p.handlers[t.Type]; !ok {
		p.metrics.RejectedTotal.WithLabelValues("unknown_type").Inc()
		return nil, fmt.Errorf("%w: %q", ErrUnknownTaskType, t.Type)
	}
	if p.isStopped() {
		p.metrics.RejectedTotal.WithLabelValues("stopped").Inc()
		return nil, ErrStopped
	}
	if t.ID == "" {
		t.ID = t.Type + "_" + ulid.Make().String()
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now()
	}

	timer := time.NewTimer(p.cfg.SubmitTimeout)
	defer timer.Stop()
	select {
	case p.slots <- struct{}{}:
	case <-timer.C:
		p.metrics.RejectedTotal.WithLabelValues("queue_full").Inc()
		p.logger.Warn("task queue full", zap.String("task_id", t.ID), zap.String("type", t.Type))
		return nil, fmt.Errorf("submit %s: %w", t.ID, ErrQueueFull)
	case <-p.stopCh:
		return nil, ErrStopped
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	h := newHandle(t.ID)
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		<-p.slots
		return nil, ErrStopped
	}
	p.seq++
	heap.Push(&p.queue, &entry{task: t, handle: h, seq: p.seq})
	depth := p.queue.Len()
	p.mu.Unlock()

	p.items <- struct{}{}
	p.metrics.QueueDepth.Set(float64(depth))
	return h, nil
}

// Stats returns a snapshot of the counters.
func (p *Pipeline) Stats() Stats {
	p.statsMu.Lock()
	s := p.stats
	p.statsMu.Unlock()
	s.QueueSize = p.QueueSize()
	return s
}

// QueueSize returns the number of queued tasks.
func (p *Pipeline) QueueSize() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.queue.Len()
}

func (p *Pipeline) isStopped() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stopped
}

func (p *Pipeline) worker(ctx context.Context, n int) {
	defer p.wg.Done()
	ticker := time.NewTicker(p.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-p.stopCh:
			return
		case <-ticker.C:
			p.metrics.QueueDepth.Set(float64(p.QueueSize()))
		case <-p.items:
			select {
			case <-p.stopCh:
				return
			default:
			}
			e := p.pop()
			if e == nil {
				continue
			}
			p.run(ctx, n, e)
		}
	}
}

func (p *Pipeline) pop() *entry {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.queue.Len() == 0 {
		return nil
	}
	e := heap.Pop(&p.queue).(*entry)
	<-p.slots
	p.metrics.QueueDepth.Set(float64(p.queue.Len()))
	return e
}

func (p *Pipeline) run(ctx context.Context, worker int, e *entry) {
	p.setBusy(1)
	defer p.setBusy(-1)

	start := time.Now()
	value, err := p.execute(ctx, e.task)
	elapsed := time.Since(start)

	outcome := "completed"
	p.statsMu.Lock()
	if err != nil {
		outcome = "failed"
		p.stats.Failed++
	} else {
		p.stats.Processed++
		n := time.Duration(p.stats.Processed)
		p.stats.AvgProcessingTime += (elapsed - p.stats.AvgProcessingTime) / n
	}
	p.statsMu.Unlock()

	p.metrics.TasksTotal.WithLabelValues(e.task.Type, outcome).Inc()
	p.metrics.TaskDuration.WithLabelValues(e.task.Type).Observe(elapsed.Seconds())
	if err != nil {
		p.logger.Error("task failed",
			zap.String("task_id", e.task.ID), zap.String("type", e.task.Type),
			zap.Int("worker", worker), zap.Error(err))
	} else {
		p.logger.Debug("task completed",
			zap.String("task_id", e.task.ID), zap.String("type", e.task.Type),
			zap.Duration("elapsed", elapsed))
	}

	res := Result{TaskID: e.task.ID, Type: e.task.Type, Value: value, Err: err, Duration: elapsed}
	e.handle.complete(res)
	if e.task.Callback != nil {
		p.callback(e.task, res)
	}
}

func (p *Pipeline) execute(ctx context.Context, t Task) (value any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("task %s panicked: %v", t.ID, r)
		}
	}()
	h, ok := p.handlers[t.Type]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownTaskType, t.Type)
	}
	return h(ctx, t.Payload)
}

func (p *Pipeline) callback(t Task, res Result) {
	defer func() {
		if r := recover(); r != nil {
			p.statsMu.Lock()
			p.stats.CallbackFailures++
			p.statsMu.Unlock()
			p.logger.Error("task callback panicked", zap.String("task_id", t.ID), zap.Any("panic", r))
		}
	}()
	t.Callback(res)
}

func (p *Pipeline) setBusy(delta int) {
	p.statsMu.Lock()
	p.stats.Busy += delta
	busy := p.stats.Busy
	p.statsMu.Unlock()
	p.metrics.ActiveWorkers.Set(float64(busy))
}
