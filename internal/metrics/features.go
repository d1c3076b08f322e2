package metrics

import (
	"strings"
	"sync/atomic"

	"bookscope/config"
)

// Feature names an optional group of metrics.
type Feature string

const (
	// FeatureChannelSize covers the buffer occupancy gauges.
	FeatureChannelSize Feature = "channel_size"
)

var channelSizeEnabled atomic.Bool

func init() {
	channelSizeEnabled.Store(true)
}

// Configure applies the metrics section of the configuration.
func Configure(cfg config.MetricsConfig) {
	channelSizeEnabled.Store(cfg.ChannelSize)
}

// IsFeatureEnabled reports whether the metrics of feature are emitted.
func IsFeatureEnabled(feature Feature) bool {
	switch feature {
	case FeatureChannelSize:
		return channelSizeEnabled.Load()
	default:
		return true
	}
}

func metricEnabled(name string) bool {
	if strings.HasSuffix(name, "_buffer_length") {
		return IsFeatureEnabled(FeatureChannelSize)
	}
	return true
}
