package ingest_test

import (
	"bytes"
	"compress/gzip"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/stretchr/testify/require"

	"github.com/vkuzmin/newsflow/internal/cluster"
	"github.com/vkuzmin/newsflow/internal/feed"
	"github.com/vkuzmin/newsflow/internal/ingest"
	"github.com/vkuzmin/newsflow/internal/models"
	"github.com/vkuzmin/newsflow/internal/runlog"
)

type stubFeed struct {
	partitions map[string][]string
	records    map[string][]models.RawArticle
}

func (f *stubFeed) ListPartitions(_ context.Context, day time.Time) ([]string, error) {
	return f.partitions[day.UTC().Format("20060102")], nil
}

func (f *stubFeed) ReadPartition(_ context.Context, key string, fn func(models.RawArticle) error) error {
	for _, rec := range f.records[key] {
		if err := fn(rec); err != nil {
			return err
		}
	}
	return nil
}

type stubMonitor struct {
	usage  float64
	err    error
	checks int
}

func (m *stubMonitor) UsageMB(context.Context, cluster.Cluster) (float64, error) {
	m.checks++
	if m.err != nil {
		return 0, m.err
	}
	return m.usage, nil
}

// batchRecorder captures flush sizes without persisting anything.
type batchRecorder struct {
	sizes []int
}

func (b *batchRecorder) Write(_ context.Context, batch []models.RawArticle) (int, int) {
	b.sizes = append(b.sizes, len(batch))
	return len(batch), 0
}

func oneDayFeed(dayLabel string, records ...models.RawArticle) *stubFeed {
	key := dayLabel + "/part-001.json.gz"
	return &stubFeed{
		partitions: map[string][]string{dayLabel: {key}},
		records:    map[string][]models.RawArticle{key: records},
	}
}

func newTestOrchestrator(t *testing.T, opts ingest.OrchestratorOptions) *ingest.Orchestrator {
	t.Helper()
	if opts.Registry == nil {
		opts.Registry = testRegistry(t)
	}
	if opts.Backoff == 0 {
		opts.Backoff = time.Millisecond
	}
	opts.Logger = discard()
	return ingest.NewOrchestrator(opts)
}

func TestRunCompletesRange(t *testing.T) {
	store := newMemStore()
	w, _ := newTestWriter(t, store, nil)
	monitor := &stubMonitor{usage: 10}

	o := newTestOrchestrator(t, ingest.OrchestratorOptions{
		Feed: oneDayFeed("20240115",
			english("Tesla deliveries up", "https://example.com/tsla"),
			english("Apple event", "https://example.com/aapl"),
		),
		Writer:  w,
		Monitor: monitor,
		LimitMB: 490,
	})

	result := o.Run(context.Background(), day("2024-01-15"), day("2024-01-17"))
	require.Equal(t, ingest.StateCompleted, result.State)
	require.Equal(t, 3, result.Days)
	require.Equal(t, 2, result.Inserted)
	require.Zero(t, result.Duplicates)
	// One storage check per processed day.
	require.Equal(t, 3, monitor.checks)
}

func TestRunStopsAtStorageCeiling(t *testing.T) {
	store := newMemStore()
	w, _ := newTestWriter(t, store, nil)

	o := newTestOrchestrator(t, ingest.OrchestratorOptions{
		Feed:    oneDayFeed("20240115", english("Tesla deliveries up", "https://example.com/tsla")),
		Writer:  w,
		Monitor: &stubMonitor{usage: 495},
		LimitMB: 490,
	})

	result := o.Run(context.Background(), day("2024-01-15"), day("2024-01-20"))

	// The halt is distinguishable from completion and from a failed check.
	require.Equal(t, ingest.StateStorageLimit, result.State)
	require.Equal(t, 1, result.Days)
	require.Equal(t, 1, result.Inserted)
}

func TestRunStopsWhenStatsUnavailable(t *testing.T) {
	store := newMemStore()
	w, _ := newTestWriter(t, store, nil)
	monitor := &stubMonitor{err: fmt.Errorf("connect timeout")}

	o := newTestOrchestrator(t, ingest.OrchestratorOptions{
		Feed:     oneDayFeed("20240115", english("Tesla deliveries up", "https://example.com/tsla")),
		Writer:   w,
		Monitor:  monitor,
		LimitMB:  490,
		Attempts: 3,
	})

	result := o.Run(context.Background(), day("2024-01-15"), day("2024-01-20"))
	require.Equal(t, ingest.StateStatsFailed, result.State)
	require.Equal(t, 1, result.Days)
	// The check itself is retried before the run gives up.
	require.Equal(t, 3, monitor.checks)
}

func TestRunFlushesFixedSizeBatches(t *testing.T) {
	var records []models.RawArticle
	for i := 0; i < 5; i++ {
		records = append(records, english("Tesla update", fmt.Sprintf("https://example.com/tsla-%d", i)))
	}
	recorder := &batchRecorder{}

	o := newTestOrchestrator(t, ingest.OrchestratorOptions{
		Feed:      oneDayFeed("20240115", records...),
		Writer:    recorder,
		Monitor:   &stubMonitor{usage: 10},
		LimitMB:   490,
		BatchSize: 2,
	})

	result := o.Run(context.Background(), day("2024-01-15"), day("2024-01-15"))
	require.Equal(t, ingest.StateCompleted, result.State)
	// Full batches flush immediately, the trailing partial batch at day end.
	require.Equal(t, []int{2, 2, 1}, recorder.sizes)
}

func TestRunAppendsRunLog(t *testing.T) {
	store := newMemStore()
	w, _ := newTestWriter(t, store, nil)
	path := filepath.Join(t.TempDir(), "etl_log.txt")

	o := newTestOrchestrator(t, ingest.OrchestratorOptions{
		Feed:    oneDayFeed("20240115", english("Tesla deliveries up", "https://example.com/tsla")),
		Writer:  w,
		Monitor: &stubMonitor{usage: 10},
		LimitMB: 490,
		RunLog:  runlog.New(path),
	})

	result := o.Run(context.Background(), day("2024-01-15"), day("2024-01-16"))
	require.Equal(t, ingest.StateCompleted, result.State)

	data, err := os.ReadFile(path)
	require.NoError(t, err)

	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	require.Len(t, lines, 2)
	require.Regexp(t, `^20240115: Inserted=1, Duplicates=0, Time=\d+\.\d{2} min$`, lines[0])
	require.Regexp(t, `^20240116: Inserted=0, Duplicates=0, Time=\d+\.\d{2} min$`, lines[1])
}

func TestRunHonorsCancellation(t *testing.T) {
	store := newMemStore()
	w, _ := newTestWriter(t, store, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	o := newTestOrchestrator(t, ingest.OrchestratorOptions{
		Feed:    oneDayFeed("20240115", english("Tesla deliveries up", "https://example.com/tsla")),
		Writer:  w,
		Monitor: &stubMonitor{usage: 10},
		LimitMB: 490,
	})

	result := o.Run(ctx, day("2024-01-15"), day("2024-01-20"))
	require.Equal(t, ingest.StateCanceled, result.State)
	require.Zero(t, result.Days)
	require.Zero(t, store.calls)
}

// End-to-end over the real reader and writer: a partition holding one
// non-English record, one English record about tesla, and one malformed line
// yields exactly one insert, and a second pass over the same partitions
// yields only duplicates.
func TestRunEndToEndPartition(t *testing.T) {
	key := "20240115/part-001.json.gz"
	client := &fakeS3{objects: map[string][]byte{
		key: gzipLines(t,
			`{"date":"2024-01-15T07:00:00Z","title":"Tesla erreicht neuen Höchststand","url":"https://example.de/tsla","lang":"GERMAN"}`,
			`{"date":"2024-01-15T08:00:00Z","title":"Tesla hits new high","url":"https://example.com/tsla","lang":"ENGLISH"}`,
			`{"date": broken json`,
		),
	}}
	reader := feed.New(client, "news-events", discard())
	store := newMemStore()

	run := func() ingest.Result {
		w, _ := newTestWriter(t, store, nil)
		o := newTestOrchestrator(t, ingest.OrchestratorOptions{
			Feed:    reader,
			Writer:  w,
			Monitor: &stubMonitor{usage: 10},
			LimitMB: 490,
		})
		return o.Run(context.Background(), day("2024-01-15"), day("2024-01-15"))
	}

	first := run()
	require.Equal(t, ingest.StateCompleted, first.State)
	require.Equal(t, 1, first.Inserted)
	require.Zero(t, first.Duplicates)
	require.Len(t, store.ids, 1)

	second := run()
	require.Equal(t, ingest.StateCompleted, second.State)
	require.Zero(t, second.Inserted)
	require.Equal(t, 1, second.Duplicates)
	require.Len(t, store.ids, 1)
}

type fakeS3 struct {
	objects map[string][]byte
}

func (f *fakeS3) ListObjectsV2(_ context.Context, params *s3.ListObjectsV2Input, _ ...func(*s3.Options)) (*s3.ListObjectsV2Output, error) {
	prefix := aws.ToString(params.Prefix)
	var contents []types.Object
	for key := range f.objects {
		if strings.HasPrefix(key, prefix) {
			contents = append(contents, types.Object{Key: aws.String(key)})
		}
	}
	return &s3.ListObjectsV2Output{Contents: contents}, nil
}

func (f *fakeS3) GetObject(_ context.Context, params *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	data, ok := f.objects[aws.ToString(params.Key)]
	if !ok {
		return nil, fmt.Errorf("no such key %s", aws.ToString(params.Key))
	}
	return &s3.GetObjectOutput{Body: io.NopCloser(bytes.NewReader(data))}, nil
}

func gzipLines(t *testing.T, lines ...string) []byte {
	t.Helper()
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	_, err := gz.Write([]byte(strings.Join(lines, "\n") + "\n"))
	require.NoError(t, err)
	require.NoError(t, gz.Close())
	return buf.Bytes()
}
