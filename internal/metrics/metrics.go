// Package metrics exposes noise meter measurements to Prometheus.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/oszuidwest/zwfm-noisemeter/internal/types"
)

const namespace = "noisemeter"

// Metrics contains all Prometheus metrics for the noise meter.
type Metrics struct {
	registry *prometheus.Registry

	// Measurement metrics
	Level          *prometheus.GaugeVec
	Overruns       prometheus.Gauge
	BufferFill     prometheus.Gauge
	ResultsTotal   prometheus.Counter
	SkippedWindows prometheus.Counter
	NoiseAlert     prometheus.Gauge

	// Capture metrics
	CaptureRestarts prometheus.Counter
	CaptureRunning  prometheus.Gauge

	// Delivery metrics
	PublishErrors *prometheus.CounterVec

	// Release metrics
	BuildInfo       *prometheus.GaugeVec
	UpdateAvailable prometheus.Gauge
	ReleaseChecks   *prometheus.CounterVec

	// HTTP API metrics
	HTTPRequests        *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
}

// New creates all metrics on a dedicated registry together with the Go
// runtime and process collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,

		Level: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "level_db",
			Help:      "Sound level of the last analysis window in dBFS, by statistic",
		}, []string{"stat"}),
		Overruns: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "capture_overruns",
			Help:      "Buffer overruns reported by the capture source",
		}),
		BufferFill: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "buffer_fill_ratio",
			Help:      "Fraction of the ring buffer holding audio",
		}),
		ResultsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "results_total",
			Help:      "Total number of analysis results produced",
		}),
		SkippedWindows: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "skipped_windows_total",
			Help:      "Total number of analysis cycles without a result",
		}),
		NoiseAlert: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "noise_alert",
			Help:      "1 while a noise alert is active",
		}),
		CaptureRestarts: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "capture_restarts_total",
			Help:      "Total number of capture restarts after an unexpected exit",
		}),
		CaptureRunning: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "capture_running",
			Help:      "1 while the capture process delivers audio",
		}),
		PublishErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "publish_errors_total",
			Help:      "Total number of failed deliveries, by sink",
		}, []string{"sink"}),
		BuildInfo: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "build_info",
			Help:      "Always 1, labeled with the running version and the latest release",
		}, []string{"version", "latest"}),
		UpdateAvailable: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "update_available",
			Help:      "1 when a newer release is published",
		}),
		ReleaseChecks: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "release_checks_total",
			Help:      "Total number of release checks, by result",
		}, []string{"result"}),
		HTTPRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests",
		}, []string{"method", "endpoint", "status"}),
		HTTPRequestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "endpoint"}),
	}
}

// Registry returns the registry holding all metrics.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler returns the HTTP handler serving the registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// RecordResult updates the level gauges from an analysis result.
func (m *Metrics) RecordResult(r types.AnalysisResult) {
	m.Level.WithLabelValues("min").Set(r.MinDB)
	m.Level.WithLabelValues("max").Set(r.MaxDB)
	m.Level.WithLabelValues("avg").Set(r.AvgDB)
	m.Level.WithLabelValues("median").Set(r.MedianDB)
	m.Overruns.Set(float64(r.Overruns))
	m.ResultsTotal.Inc()
}

// SetNoiseAlert records whether a noise alert is active.
func (m *Metrics) SetNoiseAlert(active bool) {
	m.NoiseAlert.Set(boolToFloat(active))
}

// SetCaptureRunning records whether capture is delivering audio.
func (m *Metrics) SetCaptureRunning(running bool) {
	m.CaptureRunning.Set(boolToFloat(running))
}

// RecordVersion publishes the running version, the latest known release and
// whether an update is available.
func (m *Metrics) RecordVersion(info types.VersionInfo) {
	m.BuildInfo.Reset()
	m.BuildInfo.WithLabelValues(info.Current, info.Latest).Set(1)
	m.UpdateAvailable.Set(boolToFloat(info.UpdateAvail))
}

// RecordReleaseCheck counts a release check by result ("ok" or "error").
func (m *Metrics) RecordReleaseCheck(err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.ReleaseChecks.WithLabelValues(result).Inc()
}

// RecordHTTPRequest records an HTTP request.
func (m *Metrics) RecordHTTPRequest(method, endpoint string, status int, duration time.Duration) {
	m.HTTPRequests.WithLabelValues(method, endpoint, strconv.Itoa(status)).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, endpoint).Observe(duration.Seconds())
}

func boolToFloat(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
