package main

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/sethvargo/go-retry"

	"github.com/vkuzmin/newsflow/internal/cluster"
	"github.com/vkuzmin/newsflow/internal/config"
	"github.com/vkuzmin/newsflow/internal/dedupe"
	"github.com/vkuzmin/newsflow/internal/elastic"
	"github.com/vkuzmin/newsflow/internal/feed"
	"github.com/vkuzmin/newsflow/internal/ingest"
	"github.com/vkuzmin/newsflow/internal/logger"
	"github.com/vkuzmin/newsflow/internal/runlog"
)

func main() {
	log := logger.New("ingest")
	cfg, err := config.LoadIngest()
	if err != nil {
		log.Error("load config", slog.Any("err", err))
		os.Exit(1)
	}

	registry, err := cluster.NewRegistry(cfg.Clusters)
	if err != nil {
		log.Error("build cluster registry", slog.Any("err", err))
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx,
		awsconfig.WithRegion(cfg.Region),
		awsconfig.WithHTTPClient(&http.Client{Timeout: 60 * time.Second}),
	)
	if err != nil {
		log.Error("load aws config", slog.Any("err", err))
		os.Exit(1)
	}
	s3Client := s3.NewFromConfig(awsCfg)

	if err := probeClusters(ctx, registry, log); err != nil {
		log.Error("clusters unreachable after retries", slog.Any("err", err))
		os.Exit(1)
	}

	reader := feed.New(s3Client, cfg.Bucket, log)
	seen := dedupe.NewCache(cfg.DedupeCapacity, cfg.DedupeTTL)

	writer := ingest.NewWriter(ingest.WriterOptions{
		Registry: registry,
		Connect: func(cl cluster.Cluster) (ingest.Store, error) {
			return elastic.New(cl.Addr, cl.Index, log)
		},
		Seen:     seen,
		Language: cfg.Language,
		Keywords: cfg.Keywords,
		Attempts: cfg.WriteAttempts,
		Backoff:  cfg.RetryBackoff,
		Logger:   log,
	})

	progress := &ingest.Progress{}
	orchestrator := ingest.NewOrchestrator(ingest.OrchestratorOptions{
		Feed:       reader,
		Writer:     writer,
		Registry:   registry,
		Monitor:    elastic.NewMonitor(log),
		RunLog:     runlog.New(cfg.RunLogPath),
		Progress:   progress,
		BatchSize:  cfg.BatchSize,
		BatchPause: cfg.BatchPause,
		LimitMB:    cfg.StorageLimitMB,
		Attempts:   cfg.WriteAttempts,
		Backoff:    cfg.RetryBackoff,
		Logger:     log,
	})

	statusServer := newStatusServer(cfg.BindAddr, registry, progress, log)
	go func() {
		log.Info("status server starting", slog.String("addr", cfg.BindAddr))
		if err := statusServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("status server stopped", slog.Any("err", err))
		}
	}()

	log.Info("ingestion starting",
		slog.String("bucket", cfg.Bucket),
		slog.String("start", cfg.Start.Format("20060102")),
		slog.String("end", cfg.End.Format("20060102")),
		slog.Int("clusters", len(cfg.Clusters)),
	)

	result := orchestrator.Run(ctx, cfg.Start, cfg.End)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := statusServer.Shutdown(shutdownCtx); err != nil {
		log.Error("status server shutdown", slog.Any("err", err))
	}

	summary := log.With(
		slog.String("state", string(result.State)),
		slog.Int("days", result.Days),
		slog.Int("inserted", result.Inserted),
		slog.Int("duplicates", result.Duplicates),
	)

	switch result.State {
	case ingest.StateCompleted:
		summary.Info("ingestion completed")
	case ingest.StateStorageLimit:
		summary.Warn("ingestion stopped at storage ceiling, re-run from the next unprocessed day")
	case ingest.StateCanceled:
		summary.Info("ingestion canceled")
	case ingest.StateStatsFailed:
		summary.Error("ingestion stopped: storage usage could not be determined")
		os.Exit(1)
	}
}

// probeClusters pings every configured cluster before the run starts, with
// exponential backoff, so a dead endpoint is caught before a day's work.
func probeClusters(ctx context.Context, registry *cluster.Registry, log *slog.Logger) error {
	for _, cl := range registry.Clusters() {
		backoff := retry.WithMaxRetries(5, retry.NewExponential(2*time.Second))
		err := retry.Do(ctx, backoff, func(ctx context.Context) error {
			client, err := elastic.New(cl.Addr, cl.Index, log)
			if err != nil {
				return err
			}
			pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			defer cancel()
			if err := client.Ping(pingCtx); err != nil {
				log.Warn("cluster ping failed, retrying",
					slog.String("cluster", cl.Name),
					slog.Any("err", err),
				)
				return retry.RetryableError(err)
			}
			return nil
		})
		if err != nil {
			return err
		}
		log.Info("cluster reachable", slog.String("cluster", cl.Name))
	}
	return nil
}

func newStatusServer(addr string, registry *cluster.Registry, progress *ingest.Progress, log *slog.Logger) *http.Server {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/health", func(w http.ResponseWriter, req *http.Request) {
		ctx, cancel := context.WithTimeout(req.Context(), 5*time.Second)
		defer cancel()

		cl := registry.Fallback()
		client, err := elastic.New(cl.Addr, cl.Index, log)
		if err == nil {
			err = client.Ping(ctx)
		}
		if err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "degraded", "error": err.Error()})
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Get("/progress", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, progress.Snapshot())
	})

	return &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      15 * time.Second,
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
