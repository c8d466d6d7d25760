package uploadcache

import "github.com/prometheus/client_golang/prometheus"

type metrics struct {
	hits   prometheus.Counter
	misses prometheus.Counter
	errors prometheus.Counter
}

func newMetrics(reg prometheus.Registerer) *metrics {
	m := &metrics{
		hits: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "faceflow_upload_cache_hits_total",
			Help: "Uploads answered from a still-valid cache entry.",
		}),
		misses: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "faceflow_upload_cache_misses_total",
			Help: "Uploads that went to the object store.",
		}),
		errors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "faceflow_upload_cache_errors_total",
			Help: "Uploads that failed to read, store or presign.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.hits, m.misses, m.errors)
	}
	return m
}
