package proxy

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/pmkol/dnsproxy/pkg/domain_cache"
)

// MetricsRegisterer is satisfied by prometheus.Registerer.
type MetricsRegisterer = prometheus.Registerer

type metrics struct {
	query       prometheus.Counter
	hit         *prometheus.CounterVec
	miss        prometheus.Counter
	l2Hit       prometheus.Counter
	upstreamErr prometheus.Counter
	size        prometheus.GaugeFunc
	evicted     prometheus.CounterFunc
}

func newMetrics(c *domain_cache.ConcurrentStore) *metrics {
	return &metrics{
		query: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "query_total",
			Help: "The total number of processed queries",
		}),
		hit: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "cache_hit_total",
			Help: "The total number of queries answered by the cache, by entry kind",
		}, []string{"kind"}),
		miss: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "cache_miss_total",
			Help: "The total number of cacheable queries that missed the cache",
		}),
		l2Hit: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "l2_hit_total",
			Help: "The total number of misses answered by the second level store",
		}),
		upstreamErr: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "upstream_err_total",
			Help: "The total number of failed upstream rounds",
		}),
		size: prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "cache_size_current",
			Help: "Current number of cached entries",
		}, func() float64 {
			return float64(c.Len())
		}),
		evicted: prometheus.NewCounterFunc(prometheus.CounterOpts{
			Name: "cache_evicted_total",
			Help: "The total number of expired entries swept out of the cache",
		}, func() float64 {
			return float64(c.Stats().Evicted)
		}),
	}
}

func (m *metrics) register(reg prometheus.Registerer) error {
	for _, c := range [...]prometheus.Collector{m.query, m.hit, m.miss, m.l2Hit, m.upstreamErr, m.size, m.evicted} {
		if err := reg.Register(c); err != nil {
			return err
		}
	}
	return nil
}
