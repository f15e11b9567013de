package ingest

import (
	"context"
	"io"
	"log/slog"
	"time"

	"github.com/sethvargo/go-retry"

	"github.com/vkuzmin/newsflow/internal/cluster"
	"github.com/vkuzmin/newsflow/internal/dedupe"
	"github.com/vkuzmin/newsflow/internal/elastic"
	"github.com/vkuzmin/newsflow/internal/models"
	"github.com/vkuzmin/newsflow/internal/processing"
)

// Store is the bulk-insert surface of one storage cluster.
type Store interface {
	BulkCreate(ctx context.Context, docs []models.StoredArticle) (elastic.BulkResult, error)
}

// StoreFactory opens a fresh connection to a cluster. The writer calls it
// once per write attempt so a retry never reuses a stale connection.
type StoreFactory func(cl cluster.Cluster) (Store, error)

// Writer filters, deduplicates, and persists batches of raw articles into
// the cluster resolved from each batch's first document. Batches must be
// day-homogeneous; the orchestrator enforces that at construction and the
// writer flags violations instead of rerouting.
type Writer struct {
	registry *cluster.Registry
	connect  StoreFactory
	seen     *dedupe.Cache
	language string
	keywords []string
	attempts int
	backoff  time.Duration
	log      *slog.Logger
}

// WriterOptions configures a Writer.
type WriterOptions struct {
	Registry *cluster.Registry
	Connect  StoreFactory
	Seen     *dedupe.Cache
	Language string
	Keywords []string // lowercased terms
	Attempts int
	Backoff  time.Duration
	Logger   *slog.Logger
}

// NewWriter builds a Writer.
func NewWriter(opts WriterOptions) *Writer {
	if opts.Attempts <= 0 {
		opts.Attempts = 3
	}
	if opts.Backoff <= 0 {
		opts.Backoff = 5 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Writer{
		registry: opts.Registry,
		connect:  opts.Connect,
		seen:     opts.Seen,
		language: opts.Language,
		keywords: opts.Keywords,
		attempts: opts.Attempts,
		backoff:  opts.Backoff,
		log:      opts.Logger,
	}
}

// Write filters the batch, maps survivors to their content-hash IDs, and
// persists them in one unordered bulk operation with bounded retries. It
// returns the inserted and duplicate counts; write failures never propagate
// past this layer. An exhausted retry abandons the batch with a warning.
func (w *Writer) Write(ctx context.Context, batch []models.RawArticle) (inserted, duplicates int) {
	docs := make([]models.StoredArticle, 0, len(batch))
	cacheHits := 0

	for _, rec := range batch {
		if rec.Lang != w.language {
			continue
		}
		if !processing.MatchesKeywords(rec.Title, rec.URL, w.keywords) {
			continue
		}

		doc := processing.ToStored(rec)
		if w.seen != nil && w.seen.Seen(doc.ID) {
			cacheHits++
			continue
		}
		docs = append(docs, doc)
	}

	if len(docs) == 0 {
		return 0, cacheHits
	}

	cl, matched := w.registry.ResolveDate(docs[0].Date)
	if !matched {
		w.log.Warn("date outside configured cluster ranges, routing to fallback",
			slog.String("date", docs[0].Date),
			slog.String("cluster", cl.Name),
		)
	}
	w.checkHomogeneity(docs, cl)

	var result elastic.BulkResult
	backoff := retry.WithMaxRetries(uint64(w.attempts-1), retry.NewConstant(w.backoff))
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		store, err := w.connect(cl)
		if err != nil {
			return retry.RetryableError(err)
		}
		res, err := store.BulkCreate(ctx, docs)
		if err != nil {
			w.log.Warn("bulk write failed, will retry with fresh connection",
				slog.String("cluster", cl.Name),
				slog.Any("err", err),
			)
			return retry.RetryableError(err)
		}
		result = res
		return nil
	})
	if err != nil {
		w.log.Warn("batch abandoned after exhausting retries",
			slog.String("cluster", cl.Name),
			slog.Int("size", len(docs)),
			slog.Any("err", err),
		)
		return 0, cacheHits
	}

	if w.seen != nil {
		for _, doc := range docs {
			w.seen.Add(doc.ID)
		}
	}

	return result.Inserted, result.Duplicates + cacheHits
}

// checkHomogeneity flags a batch whose documents resolve to more than one
// cluster. The whole batch still goes to the first document's cluster.
func (w *Writer) checkHomogeneity(docs []models.StoredArticle, cl cluster.Cluster) {
	for _, doc := range docs[1:] {
		other, _ := w.registry.ResolveDate(doc.Date)
		if other.Name != cl.Name {
			w.log.Warn("batch spans cluster boundaries, writing all to first cluster",
				slog.String("cluster", cl.Name),
				slog.String("stray_date", doc.Date),
				slog.String("stray_cluster", other.Name),
			)
			return
		}
	}
}
