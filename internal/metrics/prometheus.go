package metrics

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"bookscope/logger"
)

const prometheusNamespace = "bookscope"

var prometheusLabels = []string{"component", "instrument"}

// PrometheusExporter mirrors every emitted numeric metric into a Prometheus
// registry. Each metric name becomes a gauge labelled by component and
// instrument holding the last reported value.
type PrometheusExporter struct {
	registry *prometheus.Registry
	factory  promauto.Factory

	mu     sync.Mutex
	gauges map[string]*prometheus.GaugeVec

	handlerID MetricHandlerID
	log       *logger.Entry
}

// NewPrometheusExporter creates an exporter with its own registry, including
// the Go runtime and process collectors, and subscribes it to EmitMetric.
func NewPrometheusExporter() *PrometheusExporter {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	e := &PrometheusExporter{
		registry: reg,
		factory:  promauto.With(reg),
		gauges:   make(map[string]*prometheus.GaugeVec),
		log:      logger.GetLogger().WithComponent("prometheus"),
	}
	e.handlerID = RegisterMetricHandler(e.Handle)
	return e
}

// Handle records metric in the registry. Non-numeric values are ignored.
func (e *PrometheusExporter) Handle(metric Metric) {
	value, ok := toFloat64(metric.Value)
	if !ok {
		return
	}
	e.gauge(metric.Name).WithLabelValues(metric.Component, metric.Instrument()).Set(value)
}

func (e *PrometheusExporter) gauge(name string) *prometheus.GaugeVec {
	e.mu.Lock()
	defer e.mu.Unlock()

	if g, ok := e.gauges[name]; ok {
		return g
	}
	g := e.factory.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: prometheusNamespace,
		Name:      sanitizeMetricName(name),
		Help:      "Last reported value of " + name,
	}, prometheusLabels)
	e.gauges[name] = g
	return g
}

// Handler serves the registry in the Prometheus exposition format.
func (e *PrometheusExporter) Handler() http.Handler {
	return promhttp.HandlerFor(e.registry, promhttp.HandlerOpts{Registry: e.registry})
}

// Serve exposes /metrics on addr until ctx is done.
func (e *PrometheusExporter) Serve(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", e.Handler())
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	e.log.WithField("address", addr).Info("serving prometheus metrics")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Close stops receiving metrics.
func (e *PrometheusExporter) Close() {
	UnregisterMetricHandler(e.handlerID)
}

func sanitizeMetricName(name string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_':
			return r
		default:
			return '_'
		}
	}, name)
}
