package metrics

import "bookscope/logger"

// DropMetric identifies the metric name emitted when messages are dropped.
type DropMetric string

const (
	// DropMetricRawFeed records feed messages dropped because the raw buffer was full.
	DropMetricRawFeed DropMetric = "raw_feed_messages_dropped"
	// DropMetricArchive records sealed buckets dropped because the archive queue was full.
	DropMetricArchive DropMetric = "archive_buckets_dropped"
)

// EmitDropMetric logs and emits a metric representing a dropped message. The
// metric value is always one so callers invoke this helper for each drop.
// Venue, instrument and stage are added to the metric fields when provided.
func EmitDropMetric(log *logger.Log, metric DropMetric, venue, instrument, stage string) {
	fields := logger.Fields{}
	if venue != "" {
		fields["venue"] = venue
	}
	if instrument != "" {
		fields["instrument"] = instrument
	}
	if stage != "" {
		fields["stage"] = stage
	}

	EmitMetric(log, "channel_drops", string(metric), 1, "counter", fields)
}
