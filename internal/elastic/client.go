package elastic

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/elastic/go-elasticsearch/v8"

	"github.com/vkuzmin/newsflow/internal/models"
)

// Client wraps go-elasticsearch with the two operations this pipeline needs
// from a storage cluster: bulk unordered insert with per-document ID
// uniqueness, and the store-size statistics query.
type Client struct {
	es    *elasticsearch.Client
	index string
	log   *slog.Logger
}

// BulkResult is the partial-success accounting of one bulk call.
type BulkResult struct {
	Inserted   int
	Duplicates int
}

// New instantiates a client for one cluster endpoint. Dial and response
// timeouts bound every blocking call against the cluster.
func New(addr, index string, logger *slog.Logger) (*Client, error) {
	cfg := elasticsearch.Config{
		Addresses: []string{addr},
		Transport: &http.Transport{
			DialContext:           (&net.Dialer{Timeout: 10 * time.Second}).DialContext,
			ResponseHeaderTimeout: 60 * time.Second,
		},
	}

	es, err := elasticsearch.NewClient(cfg)
	if err != nil {
		return nil, fmt.Errorf("create elasticsearch client: %w", err)
	}

	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	return &Client{es: es, index: index, log: logger}, nil
}

// Ping checks if the cluster is reachable.
func (c *Client) Ping(ctx context.Context) error {
	res, err := c.es.Ping(c.es.Ping.WithContext(ctx))
	if err != nil {
		return fmt.Errorf("ping cluster: %w", err)
	}
	defer res.Body.Close()

	if res.IsError() {
		return fmt.Errorf("cluster ping failed: %s", res.Status())
	}

	return nil
}

// BulkCreate writes documents in a single unordered bulk operation using
// create actions, so an ID conflict on one document never blocks the rest.
// Conflicts come back as per-item 409s and are counted as duplicates; any
// transport or whole-request failure is returned as an error so the caller
// can retry the batch.
func (c *Client) BulkCreate(ctx context.Context, docs []models.StoredArticle) (BulkResult, error) {
	var result BulkResult
	if len(docs) == 0 {
		return result, nil
	}

	var body bytes.Buffer
	for _, doc := range docs {
		meta := map[string]map[string]string{
			"create": {"_index": c.index, "_id": doc.ID},
		}
		if err := json.NewEncoder(&body).Encode(meta); err != nil {
			return result, fmt.Errorf("encode bulk action: %w", err)
		}
		if err := json.NewEncoder(&body).Encode(doc); err != nil {
			return result, fmt.Errorf("encode bulk doc: %w", err)
		}
	}

	res, err := c.es.Bulk(
		bytes.NewReader(body.Bytes()),
		c.es.Bulk.WithContext(ctx),
		c.es.Bulk.WithIndex(c.index),
	)
	if err != nil {
		return result, fmt.Errorf("bulk insert: %w", err)
	}
	defer res.Body.Close()

	if res.IsError() {
		data, _ := io.ReadAll(res.Body)
		return result, fmt.Errorf("bulk insert failed: %s", strings.TrimSpace(string(data)))
	}

	var parsed struct {
		Items []struct {
			Create struct {
				ID     string `json:"_id"`
				Status int    `json:"status"`
				Error  *struct {
					Type   string `json:"type"`
					Reason string `json:"reason"`
				} `json:"error"`
			} `json:"create"`
		} `json:"items"`
	}
	if err := json.NewDecoder(res.Body).Decode(&parsed); err != nil {
		return result, fmt.Errorf("decode bulk response: %w", err)
	}

	for _, item := range parsed.Items {
		switch {
		case item.Create.Status == http.StatusCreated || item.Create.Status == http.StatusOK:
			result.Inserted++
		case item.Create.Status == http.StatusConflict:
			result.Duplicates++
		default:
			reason := ""
			if item.Create.Error != nil {
				reason = item.Create.Error.Reason
			}
			c.log.Warn("bulk item rejected",
				slog.String("id", item.Create.ID),
				slog.Int("status", item.Create.Status),
				slog.String("reason", reason),
			)
		}
	}

	return result, nil
}

// StoreSize returns the primary store size of the index in bytes, from the
// indices stats API.
func (c *Client) StoreSize(ctx context.Context) (int64, error) {
	res, err := c.es.Indices.Stats(
		c.es.Indices.Stats.WithContext(ctx),
		c.es.Indices.Stats.WithIndex(c.index),
		c.es.Indices.Stats.WithMetric("store"),
	)
	if err != nil {
		return 0, fmt.Errorf("index stats: %w", err)
	}
	defer res.Body.Close()

	if res.IsError() {
		data, _ := io.ReadAll(res.Body)
		return 0, fmt.Errorf("index stats failed: %s", strings.TrimSpace(string(data)))
	}

	var parsed struct {
		All struct {
			Primaries struct {
				Store struct {
					SizeInBytes int64 `json:"size_in_bytes"`
				} `json:"store"`
			} `json:"primaries"`
		} `json:"_all"`
	}
	if err := json.NewDecoder(res.Body).Decode(&parsed); err != nil {
		return 0, fmt.Errorf("decode stats response: %w", err)
	}

	return parsed.All.Primaries.Store.SizeInBytes, nil
}
