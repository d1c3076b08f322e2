package logger

import (
	"context"
	"runtime"
	"sync"
	"sync/atomic"
	"time"
)

type channelStat struct {
	messages int64
	bytes    int64
}

var (
	warnCounts  sync.Map // component -> *int64
	errorCounts sync.Map // component -> *int64
	channels    sync.Map // name -> *channelStat
)

func increment(m *sync.Map, key string) {
	v, _ := m.LoadOrStore(key, new(int64))
	atomic.AddInt64(v.(*int64), 1)
}

func recordWarn(component string) {
	increment(&warnCounts, component)
}

func recordError(component string) {
	increment(&errorCounts, component)
}

// RecordChannelMessage counts one message of size bytes passing through the
// named channel or connection.
func RecordChannelMessage(name string, size int) {
	v, _ := channels.LoadOrStore(name, &channelStat{})
	cs := v.(*channelStat)
	atomic.AddInt64(&cs.messages, 1)
	atomic.AddInt64(&cs.bytes, int64(size))
}

// StartReport logs a runtime report every interval until ctx is done.
func StartReport(ctx context.Context, log *Log, interval time.Duration) {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				log.WithComponent("report").WithFields(ReportFields()).Info("runtime report")
			}
		}
	}()
}

// ReportFields collects the counters and runtime statistics of the report.
func ReportFields() Fields {
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)

	channelData := map[string]map[string]int64{}
	channels.Range(func(k, v any) bool {
		cs := v.(*channelStat)
		channelData[k.(string)] = map[string]int64{
			"messages": atomic.LoadInt64(&cs.messages),
			"bytes":    atomic.LoadInt64(&cs.bytes),
		}
		return true
	})

	return Fields{
		"warns":       countsByKey(&warnCounts),
		"errors":      countsByKey(&errorCounts),
		"channels":    channelData,
		"goroutines":  runtime.NumGoroutine(),
		"heap_mb":     int64(mem.HeapAlloc) / 1024 / 1024,
		"sys_mb":      int64(mem.Sys) / 1024 / 1024,
		"gc_cycles":   mem.NumGC,
		"uptime_secs": int64(time.Since(startedAt).Seconds()),
	}
}

var startedAt = time.Now()

func countsByKey(m *sync.Map) map[string]int64 {
	out := map[string]int64{}
	m.Range(func(k, v any) bool {
		out[k.(string)] = atomic.LoadInt64(v.(*int64))
		return true
	})
	return out
}
