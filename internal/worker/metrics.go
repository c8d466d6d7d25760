package worker

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type metrics struct {
	registry     *prometheus.Registry
	tasksTotal   *prometheus.CounterVec
	taskDuration *prometheus.HistogramVec
	activeTasks  prometheus.Gauge
}

func newMetrics(registry *prometheus.Registry) *metrics {
	if registry == nil {
		registry = prometheus.NewRegistry()
	}
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	m := &metrics{
		registry: registry,
		tasksTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "faceflow_worker_tasks_total",
			Help: "Total generate tasks handled, by resulting job status.",
		}, []string{"status"}),
		taskDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "faceflow_worker_task_duration_seconds",
			Help:    "Duration of each generate task, including polling.",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1200, 1800},
		}, []string{"status"}),
		activeTasks: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "faceflow_worker_active_tasks",
			Help: "Generate tasks currently holding a worker slot.",
		}),
	}

	registry.MustRegister(
		m.tasksTotal,
		m.taskDuration,
		m.activeTasks,
	)
	return m
}

func (m *metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
