package pipeline

import "github.com/prometheus/client_golang/prometheus"

type metrics struct {
	jobsTotal     *prometheus.CounterVec
	duration      *prometheus.HistogramVec
	active        prometheus.Gauge
	submitErrors  prometheus.Counter
	webhookErrors prometheus.Counter
}

func newMetrics(reg prometheus.Registerer) *metrics {
	m := &metrics{
		jobsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "faceflow_pipeline_jobs_total",
			Help: "Total pipelines by final job status.",
		}, []string{"status"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "faceflow_pipeline_duration_seconds",
			Help:    "Wall time from submission to terminal status.",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1200, 1800},
		}, []string{"status"}),
		active: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "faceflow_pipeline_active",
			Help: "Pipelines currently submitting or polling.",
		}),
		submitErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "faceflow_pipeline_submit_errors_total",
			Help: "Submissions rejected by the generation service or transport.",
		}),
		webhookErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "faceflow_pipeline_webhook_errors_total",
			Help: "Webhook deliveries that failed after all attempts.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.jobsTotal, m.duration, m.active, m.submitErrors, m.webhookErrors)
	}
	return m
}
