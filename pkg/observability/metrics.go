package observability

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics
type Metrics struct {
	// HTTP metrics
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	// Permission resolution
	PermissionChecksTotal *prometheus.CounterVec
	PermissionCacheHits   *prometheus.CounterVec
	PermissionCacheMisses *prometheus.CounterVec
	PermissionFallbacks   prometheus.Counter

	// Assignment synchronization
	AssignmentSyncsTotal   *prometheus.CounterVec
	AssignmentChangesTotal *prometheus.CounterVec
	AssignmentSyncDuration prometheus.Histogram

	// Notifications
	NotificationsCreatedTotal *prometheus.CounterVec
	NotificationsReadTotal    prometheus.Counter
	RemindersThrottledTotal   prometheus.Counter

	// Realtime gateway
	RealtimeClients         prometheus.Gauge
	RealtimeBroadcastsTotal *prometheus.CounterVec

	// Activity log
	ActivitiesRecordedTotal *prometheus.CounterVec

	// Rate limiting
	RateLimitedTotal *prometheus.CounterVec
}

// NewMetrics creates and registers all Prometheus metrics
func NewMetrics(registry *prometheus.Registry) *Metrics {
	m := &Metrics{
		HTTPRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "orderdesk_http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "path", "status"},
		),
		HTTPRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "orderdesk_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "path"},
		),

		PermissionChecksTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "orderdesk_permission_checks_total",
				Help: "Permission resolutions by deciding source and result",
			},
			[]string{"source", "result"},
		),
		PermissionCacheHits: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "orderdesk_permission_cache_hits_total",
				Help: "Permission cache hits",
			},
			[]string{"cache"},
		),
		PermissionCacheMisses: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "orderdesk_permission_cache_misses_total",
				Help: "Permission cache misses",
			},
			[]string{"cache"},
		),
		PermissionFallbacks: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "orderdesk_permission_fallbacks_total",
				Help: "Resolutions that degraded to the built-in defaults after a lookup error",
			},
		),

		AssignmentSyncsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "orderdesk_assignment_syncs_total",
				Help: "Assignment reconciliations by outcome",
			},
			[]string{"status"},
		),
		AssignmentChangesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "orderdesk_assignment_changes_total",
				Help: "Coordinator assignments added or removed",
			},
			[]string{"change"},
		),
		AssignmentSyncDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "orderdesk_assignment_sync_duration_seconds",
				Help:    "Time spent reconciling an assignment set inside its transaction",
				Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
			},
		),

		NotificationsCreatedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "orderdesk_notifications_created_total",
				Help: "Notification rows created by type",
			},
			[]string{"type"},
		),
		NotificationsReadTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "orderdesk_notifications_read_total",
				Help: "Notifications marked as read",
			},
		),
		RemindersThrottledTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "orderdesk_reminders_throttled_total",
				Help: "Reminder attempts rejected by the minimum interval",
			},
		),

		RealtimeClients: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "orderdesk_realtime_clients",
				Help: "Connected realtime clients",
			},
		),
		RealtimeBroadcastsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "orderdesk_realtime_deliveries_total",
				Help: "Realtime per-client deliveries by result",
			},
			[]string{"result"},
		),

		ActivitiesRecordedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "orderdesk_activities_recorded_total",
				Help: "Order activity rows appended by action type",
			},
			[]string{"action_type"},
		),

		RateLimitedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "orderdesk_rate_limited_total",
				Help: "Requests rejected by the rate limiter by key type",
			},
			[]string{"key_type"},
		),
	}

	registry.MustRegister(
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.PermissionChecksTotal,
		m.PermissionCacheHits,
		m.PermissionCacheMisses,
		m.PermissionFallbacks,
		m.AssignmentSyncsTotal,
		m.AssignmentChangesTotal,
		m.AssignmentSyncDuration,
		m.NotificationsCreatedTotal,
		m.NotificationsReadTotal,
		m.RemindersThrottledTotal,
		m.RealtimeClients,
		m.RealtimeBroadcastsTotal,
		m.ActivitiesRecordedTotal,
		m.RateLimitedTotal,
	)

	return m
}

// The Record helpers below are nil-safe so components can run without metrics.

func (m *Metrics) RecordPermissionCheck(source string, allowed bool) {
	if m == nil {
		return
	}
	m.PermissionChecksTotal.WithLabelValues(source, strconv.FormatBool(allowed)).Inc()
}

func (m *Metrics) RecordCacheLookup(cache string, hit bool) {
	if m == nil {
		return
	}
	if hit {
		m.PermissionCacheHits.WithLabelValues(cache).Inc()
		return
	}
	m.PermissionCacheMisses.WithLabelValues(cache).Inc()
}

func (m *Metrics) RecordPermissionFallback() {
	if m == nil {
		return
	}
	m.PermissionFallbacks.Inc()
}

func (m *Metrics) RecordAssignmentSync(status string, added, removed int, duration time.Duration) {
	if m == nil {
		return
	}
	m.AssignmentSyncsTotal.WithLabelValues(status).Inc()
	m.AssignmentChangesTotal.WithLabelValues("added").Add(float64(added))
	m.AssignmentChangesTotal.WithLabelValues("removed").Add(float64(removed))
	m.AssignmentSyncDuration.Observe(duration.Seconds())
}

func (m *Metrics) RecordNotifications(notificationType string, count int) {
	if m == nil {
		return
	}
	m.NotificationsCreatedTotal.WithLabelValues(notificationType).Add(float64(count))
}

func (m *Metrics) RecordNotificationsRead(count int64) {
	if m == nil {
		return
	}
	m.NotificationsReadTotal.Add(float64(count))
}

func (m *Metrics) RecordReminderThrottled() {
	if m == nil {
		return
	}
	m.RemindersThrottledTotal.Inc()
}

func (m *Metrics) SetRealtimeClients(n int) {
	if m == nil {
		return
	}
	m.RealtimeClients.Set(float64(n))
}

func (m *Metrics) RecordRealtimeDelivery(ok bool) {
	if m == nil {
		return
	}
	result := "delivered"
	if !ok {
		result = "dropped"
	}
	m.RealtimeBroadcastsTotal.WithLabelValues(result).Inc()
}

func (m *Metrics) RecordActivity(actionType string) {
	if m == nil {
		return
	}
	m.ActivitiesRecordedTotal.WithLabelValues(actionType).Inc()
}

func (m *Metrics) RecordRateLimited(keyType string) {
	if m == nil {
		return
	}
	m.RateLimitedTotal.WithLabelValues(keyType).Inc()
}

// responseWriter wraps http.ResponseWriter to capture the status code
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Unwrap() http.ResponseWriter {
	return rw.ResponseWriter
}

// HTTPMetricsMiddleware instruments HTTP requests. pathTemplate maps a request
// to a low-cardinality label; pass nil to use the raw path.
func HTTPMetricsMiddleware(metrics *Metrics, pathTemplate func(*http.Request) string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rw := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

			next.ServeHTTP(rw, r)

			if metrics == nil {
				return
			}
			path := r.URL.Path
			if pathTemplate != nil {
				path = pathTemplate(r)
			}
			metrics.HTTPRequestsTotal.WithLabelValues(r.Method, path, strconv.Itoa(rw.statusCode)).Inc()
			metrics.HTTPRequestDuration.WithLabelValues(r.Method, path).Observe(time.Since(start).Seconds())
		})
	}
}

// MetricsHandler serves the registry in the Prometheus exposition format
func MetricsHandler(registry *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
}
