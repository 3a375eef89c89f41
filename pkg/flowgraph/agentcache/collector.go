package agentcache

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Collector exports cache Stats as Prometheus metrics. Values are read at
// scrape time.
type Collector struct {
	cache *Cache

	hits     *prometheus.Desc
	misses   *prometheus.Desc
	created  *prometheus.Desc
	reloaded *prometheus.Desc
	evicted  *prometheus.Desc
	size     *prometheus.Desc
}

var _ prometheus.Collector = (*Collector)(nil)

// NewCollector creates a collector for cache under namespace.
func NewCollector(cache *Cache, namespace string) *Collector {
	desc := func(name, help string) *prometheus.Desc {
		return prometheus.NewDesc(prometheus.BuildFQName(namespace, "agent_cache", name), help, nil, nil)
	}
	return &Collector{
		cache:    cache,
		hits:     desc("hits_total", "Adapter lookups served from cache"),
		misses:   desc("misses_total", "Adapter lookups that required a build"),
		created:  desc("created_total", "Adapters built and cached"),
		reloaded: desc("reloaded_total", "Adapters rebuilt by forced reload"),
		evicted:  desc("evicted_total", "Entries removed by invalidation"),
		size:     desc("entries", "Entries currently cached"),
	}
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	for _, d := range []*prometheus.Desc{c.hits, c.misses, c.created, c.reloaded, c.evicted, c.size} {
		ch <- d
	}
}

// Collect implements prometheus.Collector.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	s := c.cache.Stats()
	ch <- prometheus.MustNewConstMetric(c.hits, prometheus.CounterValue, float64(s.Hits))
	ch <- prometheus.MustNewConstMetric(c.misses, prometheus.CounterValue, float64(s.Misses))
	ch <- prometheus.MustNewConstMetric(c.created, prometheus.CounterValue, float64(s.Created))
	ch <- prometheus.MustNewConstMetric(c.reloaded, prometheus.CounterValue, float64(s.Reloaded))
	ch <- prometheus.MustNewConstMetric(c.evicted, prometheus.CounterValue, float64(s.Evicted))
	ch <- prometheus.MustNewConstMetric(c.size, prometheus.GaugeValue, float64(s.Size))
}
