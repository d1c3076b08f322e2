package metrics

import (
	"sort"
	"sync"
	"time"

	"bookscope/logger"
)

// Metric is one reported value. Dispatcher series carry the instrument in
// Fields; archive and buffer series do not.
type Metric struct {
	Timestamp time.Time
	Component string
	Name      string
	Value     interface{}
	Type      string
	Fields    logger.Fields
}

// Instrument returns the instrument the metric belongs to, or "" for
// process wide series.
func (m Metric) Instrument() string {
	inst, _ := m.Fields["instrument"].(string)
	return inst
}

// MetricHandler receives every emitted metric on the emitting goroutine. The
// Prometheus exporter and the terminal counters panel are handlers; both
// must return quickly.
type MetricHandler func(Metric)

// MetricHandlerID identifies a registration. Zero is never issued.
type MetricHandlerID uint64

var (
	metricHandlersMu    sync.RWMutex
	metricHandlers      = make(map[MetricHandlerID]MetricHandler)
	nextMetricHandlerID MetricHandlerID
)

// RegisterMetricHandler adds handler and returns its id, or zero for a nil
// handler. Handlers run in registration order.
func RegisterMetricHandler(handler MetricHandler) MetricHandlerID {
	if handler == nil {
		return 0
	}

	metricHandlersMu.Lock()
	defer metricHandlersMu.Unlock()

	nextMetricHandlerID++
	metricHandlers[nextMetricHandlerID] = handler
	return nextMetricHandlerID
}

// UnregisterMetricHandler removes a registration. The terminal calls it on
// exit and the exporter on Close.
func UnregisterMetricHandler(id MetricHandlerID) {
	if id == 0 {
		return
	}
	metricHandlersMu.Lock()
	delete(metricHandlers, id)
	metricHandlersMu.Unlock()
}

// recordMetric logs the metric at debug and fans it out. It reports false
// when the metric has no name or its feature is switched off.
func recordMetric(log *logger.Log, component, name string, value interface{}, metricType string, fields logger.Fields) (Metric, bool) {
	if name == "" || !metricEnabled(name) {
		return Metric{}, false
	}
	if metricType == "" {
		metricType = "counter"
	}
	if log == nil {
		log = logger.GetLogger()
	}

	metric := Metric{
		Timestamp: time.Now(),
		Component: component,
		Name:      name,
		Value:     value,
		Type:      metricType,
		Fields:    cloneFields(fields),
	}

	logFields := cloneFields(metric.Fields)
	logFields["metric"] = name
	logFields["metric_type"] = metricType
	logFields["value"] = value
	// reporters tick every few seconds per instrument
	log.WithComponent(component).WithFields(logFields).Debug("metric")

	for _, handler := range registeredHandlers() {
		handler(metric)
	}
	return metric, true
}

func registeredHandlers() []MetricHandler {
	metricHandlersMu.RLock()
	defer metricHandlersMu.RUnlock()
	if len(metricHandlers) == 0 {
		return nil
	}

	ids := make([]MetricHandlerID, 0, len(metricHandlers))
	for id := range metricHandlers {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	handlers := make([]MetricHandler, len(ids))
	for i, id := range ids {
		handlers[i] = metricHandlers[id]
	}
	return handlers
}

func cloneFields(fields logger.Fields) logger.Fields {
	copied := make(logger.Fields, len(fields)+3)
	for k, v := range fields {
		copied[k] = v
	}
	return copied
}
