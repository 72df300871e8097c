package telemetry

import (
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics provides Prometheus metrics for the Haven control plane.
type Metrics struct {
	config MetricsConfig

	// Module lifecycle metrics
	moduleToggles  *prometheus.CounterVec
	modulesEnabled prometheus.Gauge
	deployDuration *prometheus.HistogramVec

	// Container gateway metrics
	containerOps       *prometheus.CounterVec
	containerOpSeconds *prometheus.HistogramVec

	// Backup metrics
	backupsCreated *prometheus.CounterVec
	backupDuration prometheus.Histogram

	// Stream metrics
	activeLogStreams    prometheus.Gauge
	activeStatusStreams prometheus.Gauge

	// Error metrics
	errorsByClass *prometheus.CounterVec

	registry *prometheus.Registry
}

// NewMetrics creates a new metrics collector with the given configuration.
func NewMetrics(cfg MetricsConfig) (*Metrics, error) {
	if !cfg.Enabled {
		// Return a no-op metrics instance
		return &Metrics{config: cfg}, nil
	}

	namespace := cfg.Namespace
	registry := prometheus.NewRegistry()

	m := &Metrics{
		config:   cfg,
		registry: registry,

		moduleToggles: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "module_toggles_total",
				Help:      "Total number of module enable/disable operations",
			},
			[]string{"action", "module"},
		),
		modulesEnabled: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "modules_enabled",
				Help:      "Current number of enabled modules",
			},
		),
		deployDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "deploy_duration_seconds",
				Help:      "Duration of module deployments in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"module"},
		),

		containerOps: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "container_ops_total",
				Help:      "Total number of container operations",
			},
			[]string{"op", "status"},
		),
		containerOpSeconds: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "container_op_duration_seconds",
				Help:      "Duration of container operations in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"op"},
		),

		backupsCreated: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "backups_created_total",
				Help:      "Total number of backups created",
			},
			[]string{"encrypted"},
		),
		backupDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "backup_duration_seconds",
				Help:      "Duration of backup creation in seconds",
				Buckets:   []float64{1, 5, 10, 30, 60, 120, 300},
			},
		),

		activeLogStreams: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "active_log_streams",
				Help:      "Current number of active container log streams",
			},
		),
		activeStatusStreams: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "active_status_streams",
				Help:      "Current number of active status stream subscriptions",
			},
		),

		errorsByClass: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "errors_by_class_total",
				Help:      "Total number of errors by error class",
			},
			[]string{"class"},
		),
	}

	registry.MustRegister(
		m.moduleToggles,
		m.modulesEnabled,
		m.deployDuration,
		m.containerOps,
		m.containerOpSeconds,
		m.backupsCreated,
		m.backupDuration,
		m.activeLogStreams,
		m.activeStatusStreams,
		m.errorsByClass,
	)

	return m, nil
}

// RecordModuleToggle increments the toggle counter for a module action.
func (m *Metrics) RecordModuleToggle(action, module string) {
	if m.moduleToggles == nil {
		return
	}
	m.moduleToggles.WithLabelValues(action, module).Inc()
}

// SetModulesEnabled sets the current count of enabled modules.
func (m *Metrics) SetModulesEnabled(count int) {
	if m.modulesEnabled == nil {
		return
	}
	m.modulesEnabled.Set(float64(count))
}

// RecordDeploy records a module deployment duration.
func (m *Metrics) RecordDeploy(module string, duration time.Duration) {
	if m.deployDuration == nil {
		return
	}
	m.deployDuration.WithLabelValues(module).Observe(duration.Seconds())
}

// RecordContainerOp records a container operation with its outcome.
func (m *Metrics) RecordContainerOp(op string, duration time.Duration, err error) {
	if m.containerOps == nil {
		return
	}
	status := "ok"
	if err != nil {
		status = "error"
	}
	m.containerOps.WithLabelValues(op, status).Inc()
	m.containerOpSeconds.WithLabelValues(op).Observe(duration.Seconds())
}

// RecordBackupCreated records a created backup.
func (m *Metrics) RecordBackupCreated(encrypted bool, duration time.Duration) {
	if m.backupsCreated == nil {
		return
	}
	m.backupsCreated.WithLabelValues(fmt.Sprintf("%t", encrypted)).Inc()
	m.backupDuration.Observe(duration.Seconds())
}

// LogStreamOpened increments the active log stream gauge.
func (m *Metrics) LogStreamOpened() {
	if m.activeLogStreams == nil {
		return
	}
	m.activeLogStreams.Inc()
}

// LogStreamClosed decrements the active log stream gauge.
func (m *Metrics) LogStreamClosed() {
	if m.activeLogStreams == nil {
		return
	}
	m.activeLogStreams.Dec()
}

// StatusStreamOpened increments the active status stream gauge.
func (m *Metrics) StatusStreamOpened() {
	if m.activeStatusStreams == nil {
		return
	}
	m.activeStatusStreams.Inc()
}

// StatusStreamClosed decrements the active status stream gauge.
func (m *Metrics) StatusStreamClosed() {
	if m.activeStatusStreams == nil {
		return
	}
	m.activeStatusStreams.Dec()
}

// RecordError increments the error counter for a class.
func (m *Metrics) RecordError(class string) {
	if m.errorsByClass == nil {
		return
	}
	m.errorsByClass.WithLabelValues(class).Inc()
}

// Handler returns the HTTP handler serving the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	if m.registry == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// StartMetricsServer starts the metrics HTTP server if metrics are enabled.
// The server runs until the process exits.
func (m *Metrics) StartMetricsServer() error {
	if !m.config.Enabled {
		return nil
	}

	path := m.config.Path
	if path == "" {
		path = "/metrics"
	}

	mux := http.NewServeMux()
	mux.Handle(path, m.Handler())

	go func() {
		// Errors here are not fatal to the control plane
		_ = http.ListenAndServe(m.config.ListenAddress, mux)
	}()

	return nil
}

// Timer measures elapsed time for an operation.
type Timer struct {
	start time.Time
}

// NewTimer starts a new timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// Duration returns the elapsed time since the timer started.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
