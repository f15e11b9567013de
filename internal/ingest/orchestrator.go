package ingest

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/sethvargo/go-retry"

	"github.com/vkuzmin/newsflow/internal/cluster"
	"github.com/vkuzmin/newsflow/internal/models"
	"github.com/vkuzmin/newsflow/internal/runlog"
)

// Feed produces a day's records from object storage.
type Feed interface {
	ListPartitions(ctx context.Context, day time.Time) ([]string, error)
	ReadPartition(ctx context.Context, key string, fn func(models.RawArticle) error) error
}

// BatchWriter persists one batch and reports its accounting.
type BatchWriter interface {
	Write(ctx context.Context, batch []models.RawArticle) (inserted, duplicates int)
}

// StorageMonitor reports a cluster's current usage in megabytes.
type StorageMonitor interface {
	UsageMB(ctx context.Context, cl cluster.Cluster) (float64, error)
}

// State is the terminal state of a run.
type State string

const (
	// StateCompleted means the whole date range was processed.
	StateCompleted State = "completed"
	// StateStorageLimit means ingestion stopped early because a cluster
	// approached its capacity ceiling. Re-running from the next unprocessed
	// day resumes the range.
	StateStorageLimit State = "storage_limit"
	// StateStatsFailed means the storage check itself could not be answered
	// and the run stopped rather than risk overrunning a hard quota.
	StateStatsFailed State = "stats_failed"
	// StateCanceled means the surrounding context was canceled.
	StateCanceled State = "canceled"
)

// Result summarizes a finished run.
type Result struct {
	State      State
	Days       int
	Inserted   int
	Duplicates int
}

// Progress is the mutable view the status server reads while a run is live.
type Progress struct {
	mu         sync.Mutex
	currentDay string
	days       int
	inserted   int
	duplicates int
	state      string
}

// Snapshot is a point-in-time copy of Progress.
type Snapshot struct {
	CurrentDay string `json:"current_day"`
	Days       int    `json:"days"`
	Inserted   int    `json:"inserted"`
	Duplicates int    `json:"duplicates"`
	State      string `json:"state"`
}

// Snapshot returns a copy safe to serialize.
func (p *Progress) Snapshot() Snapshot {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Snapshot{
		CurrentDay: p.currentDay,
		Days:       p.days,
		Inserted:   p.inserted,
		Duplicates: p.duplicates,
		State:      p.state,
	}
}

func (p *Progress) startDay(day string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.currentDay = day
	p.state = "processing"
}

func (p *Progress) finishDay(inserted, duplicates int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.days++
	p.inserted += inserted
	p.duplicates += duplicates
}

func (p *Progress) setState(s State) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.state = string(s)
}

// Orchestrator drives the end-to-end loop over a date range: read a day's
// partitions, batch them, write them, log the day, check storage, and decide
// whether to continue. Processing is sequential by day and by partition.
type Orchestrator struct {
	feed     Feed
	writer   BatchWriter
	registry *cluster.Registry
	monitor  StorageMonitor
	runLog   *runlog.Log
	progress *Progress

	batchSize  int
	batchPause time.Duration
	limitMB    float64
	attempts   int
	backoff    time.Duration

	log *slog.Logger
}

// OrchestratorOptions configures an Orchestrator.
type OrchestratorOptions struct {
	Feed       Feed
	Writer     BatchWriter
	Registry   *cluster.Registry
	Monitor    StorageMonitor
	RunLog     *runlog.Log
	Progress   *Progress
	BatchSize  int
	BatchPause time.Duration
	LimitMB    float64
	Attempts   int
	Backoff    time.Duration
	Logger     *slog.Logger
}

// NewOrchestrator builds an Orchestrator.
func NewOrchestrator(opts OrchestratorOptions) *Orchestrator {
	if opts.BatchSize <= 0 {
		opts.BatchSize = 500
	}
	if opts.Attempts <= 0 {
		opts.Attempts = 3
	}
	if opts.Backoff <= 0 {
		opts.Backoff = 5 * time.Second
	}
	if opts.Progress == nil {
		opts.Progress = &Progress{}
	}
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Orchestrator{
		feed:       opts.Feed,
		writer:     opts.Writer,
		registry:   opts.Registry,
		monitor:    opts.Monitor,
		runLog:     opts.RunLog,
		progress:   opts.Progress,
		batchSize:  opts.BatchSize,
		batchPause: opts.BatchPause,
		limitMB:    opts.LimitMB,
		attempts:   opts.Attempts,
		backoff:    opts.Backoff,
		log:        opts.Logger,
	}
}

// Run processes every day in [start, end]. It stops early when a cluster
// approaches its storage ceiling or when its usage cannot be determined;
// both stops are distinct terminal states, separate from normal completion.
func (o *Orchestrator) Run(ctx context.Context, start, end time.Time) Result {
	result := Result{State: StateCompleted}

	for day := start.UTC(); !day.After(end.UTC()); day = day.AddDate(0, 0, 1) {
		if ctx.Err() != nil {
			result.State = StateCanceled
			break
		}

		dayLabel := day.Format("20060102")
		o.progress.startDay(dayLabel)
		o.log.Info("processing day", slog.String("day", dayLabel))
		dayStart := time.Now()

		inserted, duplicates, err := o.processDay(ctx, day)
		if err != nil {
			// Only cancellation propagates out of a day.
			result.State = StateCanceled
			break
		}

		minutes := time.Since(dayStart).Minutes()
		result.Days++
		result.Inserted += inserted
		result.Duplicates += duplicates
		o.progress.finishDay(inserted, duplicates)

		o.log.Info("finished day",
			slog.String("day", dayLabel),
			slog.Int("inserted", inserted),
			slog.Int("duplicates", duplicates),
			slog.Float64("minutes", minutes),
		)

		if o.runLog != nil {
			if err := o.runLog.Append(day, inserted, duplicates, minutes); err != nil {
				o.log.Warn("run log append failed", slog.Any("err", err))
			}
		}

		cl, matched := o.registry.Resolve(day)
		if !matched {
			o.log.Warn("day outside configured cluster ranges, checking fallback cluster",
				slog.String("day", dayLabel),
				slog.String("cluster", cl.Name),
			)
		}

		usageMB, err := o.checkUsage(ctx, cl)
		if err != nil {
			o.log.Error("storage check failed, stopping to protect capacity ceiling",
				slog.String("cluster", cl.Name),
				slog.Any("err", err),
			)
			result.State = StateStatsFailed
			break
		}

		o.log.Info("cluster storage usage",
			slog.String("cluster", cl.Name),
			slog.Float64("usage_mb", usageMB),
			slog.Float64("limit_mb", o.limitMB),
		)

		if usageMB > o.limitMB {
			o.log.Warn("storage ceiling reached, stopping ingestion early",
				slog.String("cluster", cl.Name),
				slog.Float64("usage_mb", usageMB),
				slog.Float64("limit_mb", o.limitMB),
			)
			result.State = StateStorageLimit
			break
		}
	}

	o.progress.setState(result.State)
	return result
}

// processDay streams one day's partitions into fixed-size batches, flushing
// full batches immediately and the trailing partial batch at day end. A
// batch never spans days, which keeps every batch on a single cluster.
func (o *Orchestrator) processDay(ctx context.Context, day time.Time) (inserted, duplicates int, err error) {
	keys, err := o.feed.ListPartitions(ctx, day)
	if err != nil {
		if ctx.Err() != nil {
			return inserted, duplicates, ctx.Err()
		}
		o.log.Warn("listing partitions failed, skipping day",
			slog.String("day", day.Format("20060102")),
			slog.Any("err", err),
		)
		return 0, 0, nil
	}

	batch := make([]models.RawArticle, 0, o.batchSize)

	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		ins, dup := o.writer.Write(ctx, batch)
		inserted += ins
		duplicates += dup
		batch = batch[:0]
		return o.pause(ctx)
	}

	for _, key := range keys {
		o.log.Debug("processing partition", slog.String("key", key))

		err := o.feed.ReadPartition(ctx, key, func(rec models.RawArticle) error {
			batch = append(batch, rec)
			if len(batch) >= o.batchSize {
				return flush()
			}
			return nil
		})
		if err != nil {
			if ctx.Err() != nil {
				return inserted, duplicates, ctx.Err()
			}
			o.log.Warn("partition read failed, continuing with next partition",
				slog.String("key", key),
				slog.Any("err", err),
			)
		}
	}

	if err := flush(); err != nil {
		return inserted, duplicates, err
	}
	return inserted, duplicates, nil
}

// pause throttles between flushes to bound write pressure on the store.
func (o *Orchestrator) pause(ctx context.Context) error {
	if o.batchPause <= 0 {
		return nil
	}
	select {
	case <-time.After(o.batchPause):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// checkUsage queries the monitor with the same bounded retry policy as
// writes, then hands the answer (or the exhausted error) to Run.
func (o *Orchestrator) checkUsage(ctx context.Context, cl cluster.Cluster) (float64, error) {
	var usage float64
	backoff := retry.WithMaxRetries(uint64(o.attempts-1), retry.NewConstant(o.backoff))
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		u, err := o.monitor.UsageMB(ctx, cl)
		if err != nil {
			return retry.RetryableError(err)
		}
		usage = u
		return nil
	})
	return usage, err
}
