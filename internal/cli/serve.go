package cli

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/robfig/cron/v3"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/rcliao/brain-memory/internal/brain"
	"github.com/rcliao/brain-memory/internal/consolidation"
	"github.com/rcliao/brain-memory/internal/pipeline"
)

func init() {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the background pipeline and maintenance schedule",
		Long: `Start the task pipeline, run maintenance on the configured cron schedule
and expose Prometheus metrics. With --ingest, newline-delimited JSON store
requests read from stdin are queued as indexing tasks.`,
		Run: runServe,
	}

	cmd.Flags().Bool("ingest", false, "Queue store requests read from stdin (one JSON object per line)")
	cmd.Flags().String("metrics-addr", "", "Metrics listen address (default from config, empty disables)")

	RootCmd.AddCommand(cmd)
}

func runServe(cmd *cobra.Command, args []string) {
	ingest, _ := cmd.Flags().GetBool("ingest")
	ctx := cmd.Context()

	a := mustOpen(cmd)
	defer a.Close()
	logger := a.logger

	addr := a.cfg.Metrics.Addr
	if cmd.Flags().Changed("metrics-addr") {
		addr, _ = cmd.Flags().GetString("metrics-addr")
	}

	a.svc.Start()

	sched := cron.New(
		cron.WithLogger(cronLogger{logger.Sugar()}),
		cron.WithChain(cron.SkipIfStillRunning(cronLogger{logger.Sugar()})),
	)
	if spec := a.cfg.Consolidation.Schedule; spec != "" {
		if _, err := sched.AddFunc(spec, func() { maintain(ctx, a.svc, logger) }); err != nil {
			exitErr("schedule maintenance", err)
		}
		logger.Info("maintenance scheduled", zap.String("schedule", spec))
	}
	sched.Start()

	var srv *http.Server
	if addr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		srv = &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("metrics server failed", zap.Error(err))
			}
		}()
		logger.Info("metrics listening", zap.String("addr", addr))
	}

	go pipeline.NewSampler(nil).Run(ctx, a.svc.Resources(), a.cfg.Pipeline.PollInterval, func() int {
		return a.svc.PipelineStats().Busy
	})

	if ingest {
		go ingestStdin(ctx, a.svc, os.Stdin, a.cfg.Pipeline.EmbedBatchSize, logger)
	}

	<-ctx.Done()
	logger.Info("shutting down")

	<-sched.Stop().Done()
	if srv != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}
}

func maintain(ctx context.Context, svc *brain.Service, logger *zap.Logger) {
	report, err := svc.RunMaintenance(ctx, consolidation.MaintenanceOptions{})
	if err != nil {
		logger.Warn("maintenance interrupted", zap.Error(err))
		return
	}
	logger.Info("maintenance finished",
		zap.Int("expired_deleted", report.ExpiredDeleted),
		zap.Int("consolidated", report.Consolidated),
		zap.Int("embeddings_optimized", report.EmbeddingsOptimized),
		zap.Strings("partitions_removed", report.PartitionsRemoved),
		zap.Any("errors", report.Errors))
}

// ingestStdin queues store requests in batches of batchSize. A batch is also
// flushed when input pauses.
func ingestStdin(ctx context.Context, svc *brain.Service, r io.Reader, batchSize int, logger *zap.Logger) {
	if batchSize <= 0 {
		batchSize = brain.DefaultEmbedBatchSize
	}
	lines := make(chan []byte)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(r)
		sc.Buffer(make([]byte, 64*1024), 4*1024*1024)
		for sc.Scan() {
			line := append([]byte(nil), sc.Bytes()...)
			select {
			case lines <- line:
			case <-ctx.Done():
				return
			}
		}
		if err := sc.Err(); err != nil {
			logger.Warn("read stdin", zap.Error(err))
		}
	}()

	var batch []brain.StoreRequest
	flush := func() {
		if len(batch) == 0 {
			return
		}
		reqs := batch
		batch = nil
		_, err := svc.SubmitIndexingTask(ctx, reqs, pipeline.PriorityIndexing, func(res pipeline.Result) {
			if res.Err != nil {
				logger.Warn("indexing task failed", zap.String("task_id", res.TaskID), zap.Error(res.Err))
				return
			}
			if ir, ok := res.Value.(*brain.IndexResult); ok {
				logger.Info("indexed", zap.String("task_id", res.TaskID),
					zap.Int("count", ir.IndexedCount), zap.String("status", ir.Status))
			}
		})
		if err != nil {
			logger.Warn("indexing task rejected", zap.Int("requests", len(reqs)), zap.Error(err))
		}
	}

	idle := time.NewTicker(time.Second)
	defer idle.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-idle.C:
			flush()
		case line, ok := <-lines:
			if !ok {
				flush()
				logger.Info("ingest input closed")
				return
			}
			if len(line) == 0 {
				continue
			}
			var req brain.StoreRequest
			if err := json.Unmarshal(line, &req); err != nil {
				logger.Warn("skipping malformed request", zap.Error(err))
				continue
			}
			batch = append(batch, req)
			if len(batch) >= batchSize {
				flush()
			}
		}
	}
}

// cronLogger routes cron's logging through zap.
type cronLogger struct {
	s *zap.SugaredLogger
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.s.Debugw(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.s.Errorw(msg, append(keysAndValues, "error", err)...)
}
