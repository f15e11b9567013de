package cluster

import (
	"fmt"
	"time"
)

// Cluster is one storage endpoint responsible for a contiguous, inclusive
// date range of ingested articles. Clusters are immutable configuration.
type Cluster struct {
	Name  string
	Addr  string
	Index string
	Start time.Time
	End   time.Time
}

// Contains reports whether t falls inside the cluster's inclusive range.
func (c Cluster) Contains(t time.Time) bool {
	return !t.Before(c.Start) && !t.After(c.End)
}

// Registry resolves calendar dates to clusters. It is a pure lookup table
// constructed once at process start; it never opens connections itself.
type Registry struct {
	clusters []Cluster
}

// NewRegistry builds a registry from the configured cluster list. The first
// cluster doubles as the fallback for dates outside every configured range.
func NewRegistry(clusters []Cluster) (*Registry, error) {
	if len(clusters) == 0 {
		return nil, fmt.Errorf("cluster registry needs at least one cluster")
	}
	out := make([]Cluster, len(clusters))
	copy(out, clusters)
	return &Registry{clusters: out}, nil
}

// Clusters returns the configured clusters in order.
func (r *Registry) Clusters() []Cluster {
	out := make([]Cluster, len(r.clusters))
	copy(out, r.clusters)
	return out
}

// Fallback returns the cluster used for dates no configured range contains.
func (r *Registry) Fallback() Cluster {
	return r.clusters[0]
}

// Resolve returns the first cluster whose range contains t. It is total:
// when no range matches it returns the fallback cluster and matched=false,
// so callers can log the misroute instead of trusting it silently.
func (r *Registry) Resolve(t time.Time) (Cluster, bool) {
	for _, c := range r.clusters {
		if c.Contains(t) {
			return c, true
		}
	}
	return r.clusters[0], false
}

// ResolveDate resolves from an article's ISO-8601 date string. An
// unparseable date routes to the fallback, matched=false.
func (r *Registry) ResolveDate(raw string) (Cluster, bool) {
	t, err := ParseArticleDate(raw)
	if err != nil {
		return r.clusters[0], false
	}
	return r.Resolve(t)
}

// ParseArticleDate parses the date string carried by source records.
func ParseArticleDate(raw string) (time.Time, error) {
	for _, layout := range []string{time.RFC3339, "2006-01-02"} {
		if t, err := time.Parse(layout, raw); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized article date %q", raw)
}
