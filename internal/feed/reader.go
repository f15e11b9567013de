package feed

import (
	"bufio"
	"compress/gzip"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/vkuzmin/newsflow/internal/models"
)

// S3API is the slice of the S3 client this reader uses; tests substitute a
// fake. It matches the SDK's paginator client interface for listing.
type S3API interface {
	ListObjectsV2(ctx context.Context, params *s3.ListObjectsV2Input, optFns ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

// Reader lists and stream-decompresses per-day partition files from an
// object store. Each partition is gzip-compressed, newline-delimited JSON.
type Reader struct {
	s3     S3API
	bucket string
	log    *slog.Logger
}

// New builds a Reader over the given bucket.
func New(client S3API, bucket string, logger *slog.Logger) *Reader {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Reader{s3: client, bucket: bucket, log: logger}
}

// DayPrefix is the key namespace of one day's partition files.
func DayPrefix(day time.Time) string {
	return day.UTC().Format("20060102") + "/"
}

// ListPartitions returns the day's .gz object keys, sorted lexically so
// processing order is deterministic.
func (r *Reader) ListPartitions(ctx context.Context, day time.Time) ([]string, error) {
	input := &s3.ListObjectsV2Input{
		Bucket: aws.String(r.bucket),
		Prefix: aws.String(DayPrefix(day)),
	}

	var keys []string
	paginator := s3.NewListObjectsV2Paginator(r.s3, input)
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("list partitions for %s: %w", DayPrefix(day), err)
		}
		for _, obj := range page.Contents {
			key := aws.ToString(obj.Key)
			if strings.HasSuffix(key, ".gz") {
				keys = append(keys, key)
			}
		}
	}

	sort.Strings(keys)
	return keys, nil
}

// ReadPartition decompresses one partition object and calls fn once per
// parsed record. A line that fails JSON parsing is logged with its source key
// and skipped; it never aborts the remaining lines. The object is read once,
// as a single-pass stream. An error from fn stops the read and is returned.
func (r *Reader) ReadPartition(ctx context.Context, key string, fn func(models.RawArticle) error) error {
	out, err := r.s3.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(r.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return fmt.Errorf("get object %s: %w", key, err)
	}
	defer out.Body.Close()

	gz, err := gzip.NewReader(out.Body)
	if err != nil {
		return fmt.Errorf("decompress %s: %w", key, err)
	}
	defer gz.Close()

	sc := bufio.NewScanner(gz)
	sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)

	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}

		var rec models.RawArticle
		if err := json.Unmarshal([]byte(line), &rec); err != nil {
			r.log.Warn("skipping corrupted line",
				slog.String("key", key),
				slog.String("line", truncate(line, 200)),
				slog.Any("err", err),
			)
			continue
		}
		rec.Raw = []byte(line)

		if err := fn(rec); err != nil {
			return err
		}
	}

	if err := sc.Err(); err != nil {
		return fmt.Errorf("read %s: %w", key, err)
	}
	return nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
