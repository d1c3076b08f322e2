package models

// InstrumentStats counts what the dispatcher did for one instrument since it
// was added. UpdatesSuperseded counts book updates replaced before the
// aggregation goroutine picked them up.
type InstrumentStats struct {
	Instrument        Instrument   `json:"instrument"`
	Messages          int64        `json:"messages"`
	ParseErrors       int64        `json:"parse_errors"`
	Ignored           int64        `json:"ignored"`
	Desyncs           int64        `json:"desyncs"`
	Resyncs           int64        `json:"resyncs"`
	SnapshotRequests  int64        `json:"snapshot_requests"`
	UpdatesSuperseded int64        `json:"updates_superseded"`
	State             SyncState    `json:"state"`
	Reason            DesyncReason `json:"reason,omitempty"`
	Stale             bool         `json:"stale"`
}
