package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/vkuzmin/newsflow/internal/cluster"
)

// Ingest holds configuration for the S3 -> cluster ingestion binary.
type Ingest struct {
	Clusters []cluster.Cluster

	Bucket   string
	Region   string
	Start    time.Time
	End      time.Time
	Language string
	Keywords []string

	BatchSize      int
	BatchPause     time.Duration
	WriteAttempts  int
	RetryBackoff   time.Duration
	StorageLimitMB float64

	DedupeCapacity int
	DedupeTTL      time.Duration

	RunLogPath string
	BindAddr   string
}

const defaultClusters = "cluster1,http://localhost:9201,2024-01-01,2024-03-01;" +
	"cluster2,http://localhost:9202,2024-03-02,2024-04-26;" +
	"cluster3,http://localhost:9203,2024-04-27,2024-06-30"

// LoadIngest builds an Ingest config from environment variables.
func LoadIngest() (*Ingest, error) {
	index := getEnv("ELASTICSEARCH_INDEX", "articles")

	clusters, err := parseClusters(getEnv("INGEST_CLUSTERS", defaultClusters), index)
	if err != nil {
		return nil, err
	}

	start, err := parseDay(getEnv("INGEST_START", "2024-01-11"))
	if err != nil {
		return nil, fmt.Errorf("INGEST_START: %w", err)
	}
	end, err := parseDay(getEnv("INGEST_END", "2024-06-30"))
	if err != nil {
		return nil, fmt.Errorf("INGEST_END: %w", err)
	}

	c := &Ingest{
		Clusters: clusters,

		Bucket:   getEnv("INGEST_BUCKET", "news-events"),
		Region:   getEnv("AWS_REGION", "us-east-1"),
		Start:    start,
		End:      end,
		Language: getEnv("INGEST_LANGUAGE", "ENGLISH"),
		Keywords: splitAndTrim(strings.ToLower(getEnv("INGEST_KEYWORDS", "tesla,apple,google,nvidia,microsoft"))),

		BatchSize:      getInt("INGEST_BATCH_SIZE", 500),
		BatchPause:     getDuration("INGEST_BATCH_PAUSE", "1s"),
		WriteAttempts:  getInt("INGEST_WRITE_ATTEMPTS", 3),
		RetryBackoff:   getDuration("INGEST_RETRY_BACKOFF", "5s"),
		StorageLimitMB: getFloat("INGEST_STORAGE_LIMIT_MB", 490),

		DedupeCapacity: getInt("INGEST_DEDUPE_CAPACITY", 100_000),
		DedupeTTL:      getDuration("INGEST_DEDUPE_TTL", "24h"),

		RunLogPath: getEnv("INGEST_RUN_LOG", "etl_log.txt"),
		BindAddr:   getEnv("INGEST_BIND_ADDR", "0.0.0.0:8081"),
	}

	if c.Bucket == "" {
		return nil, fmt.Errorf("INGEST_BUCKET must not be empty")
	}
	if c.End.Before(c.Start) {
		return nil, fmt.Errorf("INGEST_END cannot precede INGEST_START")
	}
	if c.Language == "" {
		return nil, fmt.Errorf("INGEST_LANGUAGE must not be empty")
	}
	if len(c.Keywords) == 0 {
		return nil, fmt.Errorf("INGEST_KEYWORDS must contain at least one term")
	}
	if c.BatchSize <= 0 {
		return nil, fmt.Errorf("INGEST_BATCH_SIZE must be positive")
	}
	if c.WriteAttempts <= 0 {
		return nil, fmt.Errorf("INGEST_WRITE_ATTEMPTS must be positive")
	}
	if c.StorageLimitMB <= 0 {
		return nil, fmt.Errorf("INGEST_STORAGE_LIMIT_MB must be positive")
	}
	if c.DedupeCapacity <= 0 {
		return nil, fmt.Errorf("INGEST_DEDUPE_CAPACITY must be positive")
	}

	return c, nil
}

// parseClusters parses a semicolon-separated list of name,addr,start,end
// entries. Ranges are inclusive of the whole end day. Contiguity across
// entries is a convention, not enforced here.
func parseClusters(raw, index string) ([]cluster.Cluster, error) {
	entries := strings.Split(raw, ";")
	clusters := make([]cluster.Cluster, 0, len(entries))
	for _, entry := range entries {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		fields := strings.Split(entry, ",")
		if len(fields) != 4 {
			return nil, fmt.Errorf("INGEST_CLUSTERS entry %q: want name,addr,start,end", entry)
		}
		start, err := parseDay(strings.TrimSpace(fields[2]))
		if err != nil {
			return nil, fmt.Errorf("INGEST_CLUSTERS entry %q: %w", entry, err)
		}
		end, err := parseDay(strings.TrimSpace(fields[3]))
		if err != nil {
			return nil, fmt.Errorf("INGEST_CLUSTERS entry %q: %w", entry, err)
		}
		if end.Before(start) {
			return nil, fmt.Errorf("INGEST_CLUSTERS entry %q: end precedes start", entry)
		}
		clusters = append(clusters, cluster.Cluster{
			Name:  strings.TrimSpace(fields[0]),
			Addr:  strings.TrimSpace(fields[1]),
			Index: index,
			Start: start,
			End:   end.Add(24*time.Hour - time.Second),
		})
	}
	if len(clusters) == 0 {
		return nil, fmt.Errorf("INGEST_CLUSTERS must define at least one cluster")
	}
	return clusters, nil
}

func parseDay(raw string) (time.Time, error) {
	t, err := time.ParseInLocation("2006-01-02", raw, time.UTC)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid date %q: want YYYY-MM-DD", raw)
	}
	return t, nil
}

func getEnv(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return fallback
}

func getInt(key string, fallback int) int {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		if parsed, err := strconv.Atoi(v); err == nil {
			return parsed
		}
	}
	return fallback
}

func getFloat(key string, fallback float64) float64 {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		if parsed, err := strconv.ParseFloat(v, 64); err == nil {
			return parsed
		}
	}
	return fallback
}

func getDuration(key, fallback string) time.Duration {
	raw := getEnv(key, fallback)
	d, err := time.ParseDuration(raw)
	if err != nil {
		fd, ferr := time.ParseDuration(fallback)
		if ferr != nil {
			panic(fmt.Sprintf("invalid fallback duration %q: %v", fallback, ferr))
		}
		return fd
	}
	return d
}

func splitAndTrim(raw string) []string {
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
