package metrics

import (
	"context"
	"time"

	"bookscope/logger"
)

// Buffer describes a bounded queue whose occupancy is reported.
type Buffer struct {
	Name string
	Len  func() int
	Cap  func() int
}

// StartChannelSizeMetrics emits occupancy metrics for the given buffers every
// interval until the context is cancelled. When interval <= 0 a one-second
// cadence is used.
func StartChannelSizeMetrics(ctx context.Context, buffers []Buffer, interval time.Duration) {
	if !IsFeatureEnabled(FeatureChannelSize) {
		return
	}
	if len(buffers) == 0 {
		return
	}
	if interval <= 0 {
		interval = time.Second
	}

	log := logger.GetLogger()
	ticker := time.NewTicker(interval)

	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				reportBuffers(log, buffers)
			}
		}
	}()
}

func reportBuffers(log *logger.Log, buffers []Buffer) {
	for _, b := range buffers {
		if b.Len == nil {
			continue
		}
		fields := logger.Fields{"buffer": b.Name}
		if b.Cap != nil {
			fields["capacity"] = b.Cap()
		}
		EmitMetric(log, "channel_buffers", b.Name+"_buffer_length", b.Len(), "gauge", fields)
	}
}
