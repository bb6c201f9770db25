package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

type Metrics struct {
	HTTPRequests        *prometheus.CounterVec
	Generations         prometheus.Counter
	GenerationFailures  prometheus.Counter
	CredentialRotations prometheus.Counter
	EnqueuedJobs        prometheus.Counter
	ProcessedJobs       prometheus.Counter
	FailedJobs          prometheus.Counter
	UploadsRejected     prometheus.Counter
	ImageInferences     prometheus.Counter
	UpdatesTotal        prometheus.Counter
}

var (
	once   sync.Once
	global *Metrics
)

// Global returns the process-wide metrics, registering them on first use.
func Global() *Metrics {
	once.Do(func() {
		global = New()
		prometheus.MustRegister(
			global.HTTPRequests,
			global.Generations,
			global.GenerationFailures,
			global.CredentialRotations,
			global.EnqueuedJobs,
			global.ProcessedJobs,
			global.FailedJobs,
			global.UploadsRejected,
			global.ImageInferences,
			global.UpdatesTotal,
		)
	})
	return global
}

// New builds an unregistered set, handy for tests.
func New() *Metrics {
	return &Metrics{
		HTTPRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "chatdesk",
			Name:      "http_requests_total",
			Help:      "HTTP API requests by route and status class",
		}, []string{"route", "code"}),
		Generations: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "chatdesk",
			Name:      "generations_total",
			Help:      "Successful model generations",
		}),
		GenerationFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "chatdesk",
			Name:      "generation_failures_total",
			Help:      "Generations that failed on every credential",
		}),
		CredentialRotations: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "chatdesk",
			Name:      "credential_rotations_total",
			Help:      "Times the generation client moved on to the next credential",
		}),
		EnqueuedJobs: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "chatdesk",
			Name:      "queue_enqueued_total",
			Help:      "Project jobs enqueued to redis stream",
		}),
		ProcessedJobs: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "chatdesk",
			Name:      "queue_processed_total",
			Help:      "Project jobs successfully processed",
		}),
		FailedJobs: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "chatdesk",
			Name:      "queue_failed_total",
			Help:      "Project job attempts that failed",
		}),
		UploadsRejected: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "chatdesk",
			Name:      "uploads_rejected_total",
			Help:      "Attachments rejected by type or size validation",
		}),
		ImageInferences: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "chatdesk",
			Name:      "image_inferences_total",
			Help:      "Image generation requests completed",
		}),
		UpdatesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "chatdesk",
			Name:      "telegram_updates_total",
			Help:      "Total telegram updates received",
		}),
	}
}
