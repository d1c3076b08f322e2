package models

// SyncState is the consistency state of a book.
type SyncState string

const (
	StateSynced   SyncState = "synced"
	StateDesynced SyncState = "desynced"
)

// DesyncReason explains why a book left the synced state.
type DesyncReason string

const (
	ReasonNone             DesyncReason = ""
	ReasonSequenceGap      DesyncReason = "sequence-gap"
	ReasonChecksumMismatch DesyncReason = "checksum-mismatch"
	ReasonCrossedBook      DesyncReason = "crossed-book"
	ReasonAwaitingSnapshot DesyncReason = "awaiting-snapshot"
)

// BookState pairs the last known book with its sync state. When desynced,
// Book is the last book that was consistent and Reason is set.
type BookState struct {
	State  SyncState    `json:"state"`
	Reason DesyncReason `json:"reason,omitempty"`
	Book   OrderBook    `json:"book"`
}

// Synced reports whether the state is StateSynced.
func (s BookState) Synced() bool { return s.State == StateSynced }
