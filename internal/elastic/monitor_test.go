package elastic_test

import (
	"context"
	"io"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/vkuzmin/newsflow/internal/cluster"
	"github.com/vkuzmin/newsflow/internal/elastic"
)

func TestMonitorUsageMB(t *testing.T) {
	srv := newClusterStub(t, func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, `{"_all": {"primaries": {"store": {"size_in_bytes": 52428800}}}}`)
	})

	m := elastic.NewMonitor(discard())
	usage, err := m.UsageMB(context.Background(), cluster.Cluster{
		Name:  "c1",
		Addr:  srv.URL,
		Index: "articles",
		Start: time.Now().AddDate(0, -1, 0),
		End:   time.Now(),
	})
	require.NoError(t, err)
	require.InDelta(t, 50.0, usage, 0.001)
}

func TestMonitorSurfacesErrors(t *testing.T) {
	m := elastic.NewMonitor(discard())
	_, err := m.UsageMB(context.Background(), cluster.Cluster{
		Name:  "c1",
		Addr:  "http://127.0.0.1:1",
		Index: "articles",
	})
	require.Error(t, err)
}
