package elastic

import (
	"context"
	"log/slog"

	"github.com/vkuzmin/newsflow/internal/cluster"
)

// Monitor answers storage-usage questions about a cluster. Each check opens
// a fresh connection and releases it when the call returns, so a check after
// a connectivity blip never inherits a dead client.
type Monitor struct {
	log *slog.Logger
}

// NewMonitor builds a Monitor.
func NewMonitor(logger *slog.Logger) *Monitor {
	return &Monitor{log: logger}
}

// UsageMB reports the cluster's current primary store size in megabytes.
// Errors are returned, never swallowed; the caller owns the continue-or-stop
// policy.
func (m *Monitor) UsageMB(ctx context.Context, cl cluster.Cluster) (float64, error) {
	client, err := New(cl.Addr, cl.Index, m.log)
	if err != nil {
		return 0, err
	}
	size, err := client.StoreSize(ctx)
	if err != nil {
		return 0, err
	}
	return float64(size) / (1024 * 1024), nil
}
