package metrics

import (
	"context"
	"time"

	"bookscope/logger"
	"bookscope/models"
)

// StartInstrumentMetrics emits the dispatcher counters returned by source
// every interval until ctx is done.
func StartInstrumentMetrics(ctx context.Context, source func() []models.InstrumentStats, interval time.Duration) {
	if source == nil {
		return
	}
	if interval <= 0 {
		interval = 10 * time.Second
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
				for _, stats := range source() {
					ReportInstrument(log, stats)
				}
			}
		}
	}()
}

// ReportInstrument emits one instrument's counters and logs a summary.
func ReportInstrument(log *logger.Log, stats models.InstrumentStats) {
	const component = "dispatcher"
	fields := logger.Fields{"instrument": stats.Instrument.String()}

	EmitMetric(log, component, "feed_messages", stats.Messages, "counter", fields)
	EmitMetric(log, component, "parse_errors", stats.ParseErrors, "counter", fields)
	EmitMetric(log, component, "desyncs", stats.Desyncs, "counter", fields)
	EmitMetric(log, component, "resyncs", stats.Resyncs, "counter", fields)
	EmitMetric(log, component, "snapshot_requests", stats.SnapshotRequests, "counter", fields)
	EmitMetric(log, component, "updates_superseded", stats.UpdatesSuperseded, "counter", fields)
	EmitMetric(log, component, "book_synced", stats.State == models.StateSynced, "gauge", fields)
	EmitMetric(log, component, "book_stale", stats.Stale, "gauge", fields)

	entry := log.WithComponent(component).WithInstrument(stats.Instrument.String()).WithFields(logger.Fields{
		"messages":           stats.Messages,
		"parse_errors":       stats.ParseErrors,
		"ignored":            stats.Ignored,
		"desyncs":            stats.Desyncs,
		"resyncs":            stats.Resyncs,
		"snapshot_requests":  stats.SnapshotRequests,
		"updates_superseded": stats.UpdatesSuperseded,
		"state":              stats.State,
		"stale":              stats.Stale,
	})
	if stats.State != models.StateSynced || stats.Stale {
		entry.WithField("reason", stats.Reason).Warn("instrument metrics")
		return
	}
	entry.Info("instrument metrics")
}

// ArchiveStats holds counters for the bucket archiver.
type ArchiveStats struct {
	BucketsWritten int64
	FilesWritten   int64
	BytesWritten   int64
	ErrorsCount    int64
	Dropped        int64
	QueueLen       int
	QueueCap       int
}

// ReportArchive emits archiver metrics and logs a summary.
func ReportArchive(log *logger.Log, stats ArchiveStats) {
	const component = "archive"
	l := log.WithComponent(component)

	errorRate := float64(0)
	if stats.FilesWritten+stats.ErrorsCount > 0 {
		errorRate = float64(stats.ErrorsCount) / float64(stats.FilesWritten+stats.ErrorsCount)
	}

	avgBytesPerFile := float64(0)
	if stats.FilesWritten > 0 {
		avgBytesPerFile = float64(stats.BytesWritten) / float64(stats.FilesWritten)
	}

	fields := logger.Fields{}
	EmitMetric(log, component, "archive_buckets_written", stats.BucketsWritten, "counter", fields)
	EmitMetric(log, component, "archive_files_written", stats.FilesWritten, "counter", fields)
	EmitMetric(log, component, "archive_bytes_written", stats.BytesWritten, "counter", logger.Fields{"unit": "bytes"})
	EmitMetric(log, component, "archive_errors", stats.ErrorsCount, "counter", fields)
	EmitMetric(log, component, "archive_error_rate", errorRate, "gauge", logger.Fields{"unit": "percent"})
	EmitMetric(log, component, "archive_queue_buffer_length", stats.QueueLen, "gauge", logger.Fields{"capacity": stats.QueueCap})

	entry := l.WithFields(logger.Fields{
		"buckets_written":    stats.BucketsWritten,
		"files_written":      stats.FilesWritten,
		"bytes_written":      stats.BytesWritten,
		"errors_count":       stats.ErrorsCount,
		"dropped":            stats.Dropped,
		"error_rate":         errorRate,
		"avg_bytes_per_file": avgBytesPerFile,
		"queue_len":          stats.QueueLen,
		"queue_cap":          stats.QueueCap,
	})

	if stats.ErrorsCount > 0 || stats.Dropped > 0 {
		entry.Warn("archive metrics")
		return
	}
	entry.Info("archive metrics")
}
