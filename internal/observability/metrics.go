package observability

import (
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "guildgate"

var (
	registerOnce sync.Once

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total HTTP requests.",
		},
		[]string{"node", "method", "path", "status"},
	)
	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"node", "method", "path", "status"},
	)
	sessionsActive = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "session",
			Name:      "connections",
			Help:      "Live client connections.",
		},
		[]string{"transport"},
	)
	sessionCloses = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "session",
			Name:      "closes_total",
			Help:      "Connections closed by the gateway, by close code.",
		},
		[]string{"code"},
	)
	sessionResumes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "session",
			Name:      "resumes_total",
			Help:      "Resume attempts by outcome.",
		},
		[]string{"outcome"},
	)
	framesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "session",
			Name:      "frames_total",
			Help:      "Gateway frames by direction and opcode.",
		},
		[]string{"direction", "op"},
	)
	dispatchTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "dispatch",
			Name:      "envelopes_total",
			Help:      "Envelopes fanned out, by event type.",
		},
		[]string{"event"},
	)
	dispatchRecipients = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "dispatch",
			Name:      "recipients",
			Help:      "Recipient streams per fanned-out envelope.",
			Buckets:   prometheus.ExponentialBuckets(1, 4, 8),
		},
		[]string{"event"},
	)
	dispatchParked = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "dispatch",
			Name:      "parked_envelopes",
			Help:      "Envelopes waiting for their shard to become ready.",
		},
		[]string{"shard"},
	)
	storeCalls = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "store",
			Name:      "call_duration_seconds",
			Help:      "Storage collaborator call duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"op", "success"},
	)
)

func RegisterMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			httpRequests, httpDuration,
			sessionsActive, sessionCloses, sessionResumes, framesTotal,
			dispatchTotal, dispatchRecipients, dispatchParked,
			storeCalls,
		)
	})
}

func RecordHTTPRequest(node, method, path string, status int, duration time.Duration) {
	RegisterMetrics()
	statusLabel := strconv.Itoa(status)
	httpRequests.WithLabelValues(node, method, path, statusLabel).Inc()
	httpDuration.WithLabelValues(node, method, path, statusLabel).Observe(duration.Seconds())
}

func RecordConnectionOpened(transport string) {
	RegisterMetrics()
	sessionsActive.WithLabelValues(transport).Inc()
}

func RecordConnectionClosed(transport string, code int) {
	RegisterMetrics()
	sessionsActive.WithLabelValues(transport).Dec()
	sessionCloses.WithLabelValues(strconv.Itoa(code)).Inc()
}

func RecordResume(outcome string) {
	RegisterMetrics()
	sessionResumes.WithLabelValues(outcome).Inc()
}

func RecordFrame(direction, op string) {
	RegisterMetrics()
	framesTotal.WithLabelValues(direction, op).Inc()
}

func RecordDispatch(event string, recipients int) {
	RegisterMetrics()
	dispatchTotal.WithLabelValues(event).Inc()
	dispatchRecipients.WithLabelValues(event).Observe(float64(recipients))
}

func RecordParked(shardID, parked int) {
	RegisterMetrics()
	dispatchParked.WithLabelValues(strconv.Itoa(shardID)).Set(float64(parked))
}

func RecordStoreCall(op string, duration time.Duration, success bool) {
	RegisterMetrics()
	storeCalls.WithLabelValues(op, strconv.FormatBool(success)).Observe(duration.Seconds())
}
