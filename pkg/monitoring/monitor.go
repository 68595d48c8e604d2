package monitoring

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	RequestCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "endpoint", "status"},
	)

	RequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "Duration of HTTP requests",
			Buckets: []float64{0.1, 0.5, 1, 2, 5},
		},
		[]string{"method", "endpoint"},
	)

	ViolationCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "proctor_violations_total",
			Help: "Integrity violations observed, by type",
		},
		[]string{"type"},
	)

	SubmissionTierCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "proctor_submission_tier_attempts_total",
			Help: "Submission pipeline attempts per tier and outcome",
		},
		[]string{"tier", "outcome"},
	)

	AnswerPushFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "proctor_answer_push_failures_total",
			Help: "Remote answer push attempts that failed",
		},
	)

	HeartbeatFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "proctor_heartbeat_failures_total",
			Help: "Platform heartbeat calls that failed",
		},
	)

	SessionRemaining = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "proctor_session_remaining_seconds",
			Help: "Remaining time of the active session",
		},
	)

	ShellConnections = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "proctor_shell_connections",
			Help: "Connected kiosk shell websocket clients",
		},
	)

	WSMessageCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "proctor_ws_messages_total",
			Help: "Websocket messages by type and direction",
		},
		[]string{"type", "direction"},
	)

	SnapshotAge = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "proctor_snapshot_age_seconds",
			Help: "Seconds between the last two local snapshot saves",
		},
	)
)

func Init() {
	prometheus.MustRegister(RequestCounter)
	prometheus.MustRegister(RequestDuration)
	prometheus.MustRegister(ViolationCounter)
	prometheus.MustRegister(SubmissionTierCounter)
	prometheus.MustRegister(AnswerPushFailures)
	prometheus.MustRegister(HeartbeatFailures)
	prometheus.MustRegister(SessionRemaining)
	prometheus.MustRegister(ShellConnections)
	prometheus.MustRegister(WSMessageCounter)
	prometheus.MustRegister(SnapshotAge)
}

func MetricsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		duration := time.Since(start).Seconds()
		status := c.Writer.Status()

		RequestCounter.WithLabelValues(
			c.Request.Method,
			c.FullPath(),
			strconv.Itoa(status),
		).Inc()

		RequestDuration.WithLabelValues(
			c.Request.Method,
			c.FullPath(),
		).Observe(duration)
	}
}

func PrometheusHandler() gin.HandlerFunc {
	h := promhttp.Handler()
	return func(c *gin.Context) {
		h.ServeHTTP(c.Writer, c.Request)
	}
}
