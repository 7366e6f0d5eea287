package embedding

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	globalMetrics *Metrics
	metricsOnce   sync.Once
)

// Metrics holds Prometheus metrics for embedding providers.
type Metrics struct {
	CacheHitsTotal   prometheus.Counter
	CacheMissesTotal prometheus.Counter
	FallbacksTotal   *prometheus.CounterVec
}

// NewMetrics returns the process-wide embedding metrics, registering them on
// first use.
//
// Metrics:
//   - brain_embedding_cache_hits_total
//   - brain_embedding_cache_misses_total
//   - brain_embedding_fallbacks_total{provider}
func NewMetrics() *Metrics {
	metricsOnce.Do(func() {
		globalMetrics = &Metrics{
			CacheHitsTotal: promauto.NewCounter(prometheus.CounterOpts{
				Name: "brain_embedding_cache_hits_total",
				Help: "Embedding lookups served from the cache",
			}),
			CacheMissesTotal: promauto.NewCounter(prometheus.CounterOpts{
				Name: "brain_embedding_cache_misses_total",
				Help: "Embedding lookups that reached the provider",
			}),
			FallbacksTotal: promauto.NewCounterVec(prometheus.CounterOpts{
				Name: "brain_embedding_fallbacks_total",
				Help: "Embedding requests answered by the hash fallback after a model failure",
			}, []string{"provider"}),
		}
	})
	return globalMetrics
}
