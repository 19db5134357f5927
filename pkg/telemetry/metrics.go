package telemetry

import (
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics provides Prometheus metrics for the O-Cloud engine.
type Metrics struct {
	config MetricsConfig

	// Deployment metrics
	deployOperations *prometheus.CounterVec
	deployDuration   *prometheus.HistogramVec
	deploymentsByStatus *prometheus.GaugeVec

	// Monitoring metrics
	collectionTicks  *prometheus.CounterVec
	reportsGenerated *prometheus.CounterVec
	reportDeliveries *prometheus.CounterVec

	// Alarm metrics
	alarmsRaised  *prometheus.CounterVec
	alarmsCleared prometheus.Counter
	activeAlarms  prometheus.Gauge

	// Notification metrics
	notificationDeliveries *prometheus.CounterVec
	deliveryDuration       *prometheus.HistogramVec
	queuedNotifications    prometheus.Gauge

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
	buckets := cfg.DefaultHistogramBuckets
	if len(buckets) == 0 {
		buckets = prometheus.DefBuckets
	}

	registry := prometheus.NewRegistry()

	m := &Metrics{
		config:   cfg,
		registry: registry,

		deployOperations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "deploy_operations_total",
				Help:      "Total number of deployment operations",
			},
			[]string{"operation", "status"},
		),
		deployDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "deploy_duration_seconds",
				Help:      "Duration of deployment operations in seconds",
				Buckets:   buckets,
			},
			[]string{"operation"},
		),
		deploymentsByStatus: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "deployments",
				Help:      "Current number of deployments by status",
			},
			[]string{"status"},
		),

		collectionTicks: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "collection_ticks_total",
				Help:      "Total number of metric collection ticks",
			},
			[]string{"job_id"},
		),
		reportsGenerated: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "reports_generated_total",
				Help:      "Total number of performance reports generated",
			},
			[]string{"job_id"},
		),
		reportDeliveries: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "report_deliveries_total",
				Help:      "Total number of report delivery attempts",
			},
			[]string{"status"},
		),

		alarmsRaised: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "alarms_raised_total",
				Help:      "Total number of alarms raised",
			},
			[]string{"severity"},
		),
		alarmsCleared: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "alarms_cleared_total",
				Help:      "Total number of alarms cleared",
			},
		),
		activeAlarms: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "active_alarms",
				Help:      "Current number of uncleared alarms",
			},
		),

		notificationDeliveries: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "notification_deliveries_total",
				Help:      "Total number of subscriber notification deliveries",
			},
			[]string{"status"},
		),
		deliveryDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "notification_delivery_duration_seconds",
				Help:      "Duration of subscriber callback deliveries in seconds",
				Buckets:   buckets,
			},
			[]string{"category"},
		),
		queuedNotifications: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "queued_notifications",
				Help:      "Current number of queued subscriber notifications",
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
		m.deployOperations,
		m.deployDuration,
		m.deploymentsByStatus,
		m.collectionTicks,
		m.reportsGenerated,
		m.reportDeliveries,
		m.alarmsRaised,
		m.alarmsCleared,
		m.activeAlarms,
		m.notificationDeliveries,
		m.deliveryDuration,
		m.queuedNotifications,
		m.errorsByClass,
	)

	return m, nil
}

// RecordDeployOperation records a deployment lifecycle operation.
func (m *Metrics) RecordDeployOperation(operation, status string, duration time.Duration) {
	if m.deployOperations == nil {
		return
	}
	m.deployOperations.WithLabelValues(operation, status).Inc()
	m.deployDuration.WithLabelValues(operation).Observe(duration.Seconds())
}

// SetDeploymentCount sets the current count of deployments in one status.
func (m *Metrics) SetDeploymentCount(status string, count float64) {
	if m.deploymentsByStatus == nil {
		return
	}
	m.deploymentsByStatus.WithLabelValues(status).Set(count)
}

// RecordCollectionTick records one metric collection tick for a job.
func (m *Metrics) RecordCollectionTick(jobID string) {
	if m.collectionTicks == nil {
		return
	}
	m.collectionTicks.WithLabelValues(jobID).Inc()
}

// RecordReportGenerated records a closed reporting window.
func (m *Metrics) RecordReportGenerated(jobID string) {
	if m.reportsGenerated == nil {
		return
	}
	m.reportsGenerated.WithLabelValues(jobID).Inc()
}

// RecordReportDelivery records a report delivery attempt outcome.
func (m *Metrics) RecordReportDelivery(status string) {
	if m.reportDeliveries == nil {
		return
	}
	m.reportDeliveries.WithLabelValues(status).Inc()
}

// RecordAlarmRaised records a newly raised alarm.
func (m *Metrics) RecordAlarmRaised(severity string) {
	if m.alarmsRaised == nil {
		return
	}
	m.alarmsRaised.WithLabelValues(severity).Inc()
	m.activeAlarms.Inc()
}

// RecordAlarmCleared records a cleared alarm.
func (m *Metrics) RecordAlarmCleared() {
	if m.alarmsCleared == nil {
		return
	}
	m.alarmsCleared.Inc()
	m.activeAlarms.Dec()
}

// RecordNotificationDelivery records a subscriber delivery attempt.
func (m *Metrics) RecordNotificationDelivery(status, category string, duration time.Duration) {
	if m.notificationDeliveries == nil {
		return
	}
	m.notificationDeliveries.WithLabelValues(status).Inc()
	m.deliveryDuration.WithLabelValues(category).Observe(duration.Seconds())
}

// AddQueuedNotifications adjusts the queued notification gauge.
func (m *Metrics) AddQueuedNotifications(delta float64) {
	if m.queuedNotifications == nil {
		return
	}
	m.queuedNotifications.Add(delta)
}

// RecordError records an error by class.
func (m *Metrics) RecordError(errorClass string) {
	if m.errorsByClass == nil {
		return
	}
	m.errorsByClass.WithLabelValues(errorClass).Inc()
}

// Handler returns an HTTP handler for the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	if m.registry == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}

// StartMetricsServer starts an HTTP server to expose metrics.
func (m *Metrics) StartMetricsServer() error {
	if !m.config.Enabled {
		return nil
	}

	mux := http.NewServeMux()
	mux.Handle(m.config.Path, m.Handler())

	server := &http.Server{
		Addr:              m.config.ListenAddress,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			fmt.Printf("metrics server error: %v\n", err)
		}
	}()

	return nil
}
