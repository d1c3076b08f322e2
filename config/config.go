package config

import (
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Bookscope  BookscopeConfig  `yaml:"bookscope"`
	Feed       FeedConfig       `yaml:"feed"`
	Book       BookConfig       `yaml:"book"`
	Window     WindowConfig     `yaml:"window"`
	Dispatcher DispatcherConfig `yaml:"dispatcher"`
	Renderer   RendererConfig   `yaml:"renderer"`
	Metrics    MetricsConfig    `yaml:"metrics"`
	Storage    StorageConfig    `yaml:"storage"`
	Logging    LoggingConfig    `yaml:"logging"`
}

type BookscopeConfig struct {
	Name    string `yaml:"name"`
	Version string `yaml:"version"`
}

const (
	VenueFeed    = "feed"
	VenueBinance = "binance"
	VenueBybit   = "bybit"
	VenueKucoin  = "kucoin"
)

// FeedConfig selects the transport. The "feed" venue speaks the canonical
// JSON protocol over a websocket at URL. "binance", "bybit" and "kucoin"
// adapt the venues' futures order book streams; for them an empty URL or
// RestURL means the venue's public endpoint.
type FeedConfig struct {
	Venue             string        `yaml:"venue"`
	URL               string        `yaml:"url"`
	RestURL           string        `yaml:"rest_url"`
	Depth             int           `yaml:"depth"`
	Buffer            int           `yaml:"buffer"`
	DialTimeout       time.Duration `yaml:"dial_timeout"`
	ReadTimeout       time.Duration `yaml:"read_timeout"`
	ReconnectDelay    time.Duration `yaml:"reconnect_delay"`
	PingInterval      time.Duration `yaml:"ping_interval"`
	RequestsPerSecond float64       `yaml:"requests_per_second"`
	UpdateInterval    time.Duration `yaml:"update_interval"`
}

type BookConfig struct {
	Checksum      string `yaml:"checksum"`
	ChecksumDepth int    `yaml:"checksum_depth"`
}

type WindowConfig struct {
	BucketWidth     time.Duration `yaml:"bucket_width"`
	Capacity        int           `yaml:"capacity"`
	PriceResolution float64       `yaml:"price_resolution"`
	PriceBins       int           `yaml:"price_bins"`
	DepthLevels     int           `yaml:"depth_levels"`
	Smoothing       float64       `yaml:"smoothing"`
}

type DispatcherConfig struct {
	LivenessWindow time.Duration `yaml:"liveness_window"`
	ResyncInterval time.Duration `yaml:"resync_interval"`
	CommandBuffer  int           `yaml:"command_buffer"`
}

type RendererConfig struct {
	RefreshInterval time.Duration `yaml:"refresh_interval"`
	LogHistory      int           `yaml:"log_history"`
}

type MetricsConfig struct {
	ChannelSize       bool             `yaml:"channel_size"`
	Interval          time.Duration    `yaml:"interval"`
	PrometheusAddress string           `yaml:"prometheus_address"`
	CloudWatch        CloudWatchConfig `yaml:"cloudwatch"`
}

type CloudWatchConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Region    string `yaml:"region"`
	Namespace string `yaml:"namespace"`
}

type StorageConfig struct {
	S3 S3Config `yaml:"s3"`
}

type S3Config struct {
	Enabled         bool          `yaml:"enabled"`
	Bucket          string        `yaml:"bucket"`
	Region          string        `yaml:"region"`
	Endpoint        string        `yaml:"endpoint"`
	PathStyle       bool          `yaml:"path_style"`
	AccessKeyID     string        `yaml:"access_key_id"`
	SecretAccessKey string        `yaml:"secret_access_key"`
	Prefix          string        `yaml:"prefix"`
	FlushInterval   time.Duration `yaml:"flush_interval"`
	BatchSize       int           `yaml:"batch_size"`
	Buffer          int           `yaml:"buffer"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
	MaxAge int    `yaml:"max_age"`
}

// Default returns the configuration used for every key the file leaves out.
func Default() Config {
	return Config{
		Bookscope: BookscopeConfig{Name: "bookscope", Version: "dev"},
		Feed: FeedConfig{
			Venue:             VenueFeed,
			Depth:             100,
			Buffer:            1000,
			DialTimeout:       10 * time.Second,
			ReadTimeout:       200 * time.Second,
			ReconnectDelay:    5 * time.Second,
			PingInterval:      20 * time.Second,
			RequestsPerSecond: 5,
			UpdateInterval:    100 * time.Millisecond,
		},
		Book: BookConfig{Checksum: "crc32", ChecksumDepth: 10},
		Window: WindowConfig{
			BucketWidth: time.Second,
			Capacity:    180,
			PriceBins:   200,
			DepthLevels: 100,
		},
		Dispatcher: DispatcherConfig{
			LivenessWindow: 10 * time.Second,
			ResyncInterval: 2 * time.Second,
			CommandBuffer:  16,
		},
		Renderer: RendererConfig{RefreshInterval: 100 * time.Millisecond, LogHistory: 50},
		Metrics:  MetricsConfig{ChannelSize: true, Interval: 10 * time.Second, CloudWatch: CloudWatchConfig{Namespace: "Bookscope"}},
		Storage: StorageConfig{S3: S3Config{
			Prefix:        "bookscope",
			FlushInterval: time.Minute,
			BatchSize:     60,
			Buffer:        256,
		}},
		Logging: LoggingConfig{Level: "info", Format: "json", Output: "bookscope.log", MaxAge: 7},
	}
}

func LoadConfig(path string) (*Config, error) {
	path = resolveEnvSpecificPath(path, defaultConfigPath, envConfigPaths)

	// Read configuration file
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	config := Default()
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	applyEnvOverrides(&config)

	config.Storage.S3.Bucket = strings.TrimSpace(config.Storage.S3.Bucket)
	config.Feed.Venue = strings.ToLower(strings.TrimSpace(config.Feed.Venue))

	if err := validateConfig(&config); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return &config, nil
}

func applyEnvOverrides(config *Config) {
	if v := os.Getenv("BOOKSCOPE_FEED_URL"); v != "" {
		config.Feed.URL = strings.TrimSpace(v)
	}

	// Override S3 settings from environment variables if available
	if config.Storage.S3.Enabled {
		if v := os.Getenv("AWS_ACCESS_KEY_ID"); v != "" {
			config.Storage.S3.AccessKeyID = strings.TrimSpace(v)
		}
		if v := os.Getenv("AWS_SECRET_ACCESS_KEY"); v != "" {
			config.Storage.S3.SecretAccessKey = strings.TrimSpace(v)
		}
		if v := os.Getenv("AWS_REGION"); v != "" {
			config.Storage.S3.Region = strings.TrimSpace(v)
		}
		if v := os.Getenv("S3_BUCKET"); v != "" {
			config.Storage.S3.Bucket = strings.TrimSpace(v)
		}
	}
	if config.Metrics.CloudWatch.Enabled && config.Metrics.CloudWatch.Region == "" {
		config.Metrics.CloudWatch.Region = strings.TrimSpace(os.Getenv("AWS_REGION"))
	}
}

func validateConfig(cfg *Config) error {
	if cfg.Bookscope.Name == "" {
		return fmt.Errorf("bookscope.name is required")
	}

	switch cfg.Feed.Venue {
	case VenueFeed:
		if cfg.Feed.URL == "" {
			return fmt.Errorf("feed.url is required for the feed venue")
		}
	case VenueBinance, VenueBybit, VenueKucoin:
	default:
		return fmt.Errorf("feed.venue '%s' is not supported", cfg.Feed.Venue)
	}
	if cfg.Feed.Depth <= 0 {
		return fmt.Errorf("feed.depth must be greater than 0")
	}
	if cfg.Feed.Buffer <= 0 {
		return fmt.Errorf("feed.buffer must be greater than 0")
	}
	if cfg.Feed.RequestsPerSecond <= 0 {
		return fmt.Errorf("feed.requests_per_second must be greater than 0")
	}

	switch strings.ToLower(cfg.Book.Checksum) {
	case "crc32", "none":
	default:
		return fmt.Errorf("book.checksum '%s' is not supported", cfg.Book.Checksum)
	}
	if cfg.Book.ChecksumDepth <= 0 {
		return fmt.Errorf("book.checksum_depth must be greater than 0")
	}

	if cfg.Window.BucketWidth <= 0 {
		return fmt.Errorf("window.bucket_width must be greater than 0")
	}
	if cfg.Window.Capacity < 2 {
		return fmt.Errorf("window.capacity must be at least 2")
	}
	if cfg.Window.PriceBins <= 0 {
		return fmt.Errorf("window.price_bins must be greater than 0")
	}
	if cfg.Window.PriceResolution < 0 {
		return fmt.Errorf("window.price_resolution must not be negative")
	}

	if cfg.Dispatcher.LivenessWindow <= 0 {
		return fmt.Errorf("dispatcher.liveness_window must be greater than 0")
	}
	if cfg.Dispatcher.ResyncInterval <= 0 {
		return fmt.Errorf("dispatcher.resync_interval must be greater than 0")
	}

	if cfg.Renderer.RefreshInterval <= 0 {
		return fmt.Errorf("renderer.refresh_interval must be greater than 0")
	}

	if cfg.Storage.S3.Enabled {
		if cfg.Storage.S3.Bucket == "" {
			return fmt.Errorf("storage.s3.bucket is required when S3 is enabled")
		}
		if cfg.Storage.S3.Region == "" {
			return fmt.Errorf("storage.s3.region is required when S3 is enabled")
		}
		if cfg.Storage.S3.FlushInterval <= 0 {
			return fmt.Errorf("storage.s3.flush_interval must be greater than 0")
		}
		if !isValidS3Bucket(cfg.Storage.S3.Bucket) {
			return fmt.Errorf("storage.s3.bucket '%s' is invalid", cfg.Storage.S3.Bucket)
		}
	}

	return nil
}

var s3BucketRegexp = regexp.MustCompile(`^[a-z0-9][a-z0-9.-]{1,61}[a-z0-9]$`)

func isValidS3Bucket(name string) bool {
	if len(name) < 3 || len(name) > 63 {
		return false
	}
	if strings.Contains(name, "..") || strings.HasPrefix(name, ".") || strings.HasSuffix(name, ".") {
		return false
	}
	return s3BucketRegexp.MatchString(name)
}
