package dashboard

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"bookscope/internal/metrics"
)

// metricStore keeps the latest value of every metric emitted for an
// instrument. It is safe for concurrent use.
type metricStore struct {
	mu     sync.RWMutex
	values map[string]map[string]interface{}
}

func newMetricStore() *metricStore {
	return &metricStore{values: make(map[string]map[string]interface{})}
}

func (s *metricStore) handle(metric metrics.Metric) {
	inst := metric.Instrument()
	if inst == "" {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	byName, ok := s.values[inst]
	if !ok {
		byName = make(map[string]interface{})
		s.values[inst] = byName
	}
	byName[metric.Name] = metric.Value
}

func (s *metricStore) snapshot(inst string) map[string]interface{} {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(map[string]interface{}, len(s.values[inst]))
	for k, v := range s.values[inst] {
		out[k] = v
	}
	return out
}

// logRecord is a captured log entry rendered in the warnings panel.
type logRecord struct {
	Timestamp time.Time
	Level     string
	Component string
	Message   string
	Fields    map[string]interface{}
}

// String renders the record on a single line with sorted fields.
func (r logRecord) String() string {
	var b strings.Builder
	b.WriteString(r.Timestamp.Format("15:04:05"))
	b.WriteByte(' ')
	b.WriteString(strings.ToUpper(r.Level))
	if r.Component != "" {
		b.WriteString(" [")
		b.WriteString(r.Component)
		b.WriteByte(']')
	}
	b.WriteByte(' ')
	b.WriteString(r.Message)

	keys := make([]string, 0, len(r.Fields))
	for k := range r.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(&b, " %s=%v", k, r.Fields[k])
	}
	return b.String()
}

// logStore retains the most recent warnings that flow through the global
// logger. It implements logrus.Hook so it can be attached to the logger.
type logStore struct {
	mu      sync.RWMutex
	items   []logRecord
	limit   int
	enabled atomic.Bool
}

func newLogStore(limit int) *logStore {
	if limit <= 0 {
		limit = 50
	}
	ls := &logStore{limit: limit}
	ls.enabled.Store(true)
	return ls
}

func (s *logStore) Levels() []logrus.Level {
	return []logrus.Level{logrus.PanicLevel, logrus.FatalLevel, logrus.ErrorLevel, logrus.WarnLevel}
}

func (s *logStore) Fire(entry *logrus.Entry) error {
	if !s.enabled.Load() {
		return nil
	}

	record := logRecord{
		Timestamp: entry.Time,
		Level:     entry.Level.String(),
		Message:   entry.Message,
	}

	if component, ok := entry.Data["component"].(string); ok {
		record.Component = component
	}

	if len(entry.Data) > 0 {
		record.Fields = make(map[string]interface{}, len(entry.Data))
		for k, v := range entry.Data {
			switch k {
			case "component", "file", "func":
				continue
			}

			switch val := v.(type) {
			case error:
				record.Fields[k] = val.Error()
			case fmt.Stringer:
				record.Fields[k] = val.String()
			default:
				record.Fields[k] = val
			}
		}
	}

	s.mu.Lock()
	s.items = append(s.items, record)
	if len(s.items) > s.limit {
		s.items = append([]logRecord(nil), s.items[len(s.items)-s.limit:]...)
	}
	s.mu.Unlock()
	return nil
}

// recent returns up to n of the newest records, oldest first.
func (s *logStore) recent(n int) []logRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if n <= 0 {
		return nil
	}
	start := len(s.items) - n
	if start < 0 {
		start = 0
	}
	out := make([]logRecord, len(s.items)-start)
	copy(out, s.items[start:])
	return out
}

func (s *logStore) close() {
	s.enabled.Store(false)
}
