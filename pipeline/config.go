package pipeline

import (
	"time"

	"bookscope/config"
	"bookscope/processor"
)

// Config holds the dispatcher settings.
type Config struct {
	Checksum       string
	ChecksumDepth  int
	Window         processor.WindowConfig
	LivenessWindow time.Duration
	ResyncInterval time.Duration
	CommandBuffer  int
}

// DefaultConfig mirrors the defaults of the configuration file.
func DefaultConfig() Config {
	return Config{
		Checksum:       processor.ChecksumCRC32,
		ChecksumDepth:  10,
		Window:         processor.DefaultWindowConfig(),
		LivenessWindow: 10 * time.Second,
		ResyncInterval: 2 * time.Second,
		CommandBuffer:  16,
	}
}

// NewConfig extracts the dispatcher settings from the application config.
func NewConfig(cfg *config.Config) Config {
	return Config{
		Checksum:      cfg.Book.Checksum,
		ChecksumDepth: cfg.Book.ChecksumDepth,
		Window: processor.WindowConfig{
			BucketWidth:     cfg.Window.BucketWidth,
			Capacity:        cfg.Window.Capacity,
			PriceResolution: cfg.Window.PriceResolution,
			PriceBins:       cfg.Window.PriceBins,
			DepthLevels:     cfg.Window.DepthLevels,
			Smoothing:       cfg.Window.Smoothing,
		},
		LivenessWindow: cfg.Dispatcher.LivenessWindow,
		ResyncInterval: cfg.Dispatcher.ResyncInterval,
		CommandBuffer:  cfg.Dispatcher.CommandBuffer,
	}
}
