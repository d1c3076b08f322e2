package channel

import (
	"context"
	"sync"

	"bookscope/logger"
	"bookscope/models"
)

type RawStats struct {
	Sent    int64
	Dropped int64
}

// Raw is the bounded channel between a transport and the dispatcher. When it
// is full new messages are dropped; the resulting sequence gap is detected
// by the book store and repaired with a fresh snapshot.
type Raw struct {
	C chan models.RawFeedMessage

	stats      RawStats
	statsMutex sync.RWMutex
	log        *logger.Log
}

func NewRaw(bufferSize int) *Raw {
	if bufferSize <= 0 {
		bufferSize = 1
	}
	log := logger.GetLogger()
	r := &Raw{
		C:   make(chan models.RawFeedMessage, bufferSize),
		log: log,
	}

	log.WithComponent("raw_channel").WithFields(logger.Fields{
		"buffer_size": bufferSize,
	}).Info("raw feed channel initialized")

	return r
}

func (r *Raw) Close() {
	close(r.C)
	r.log.WithComponent("raw_channel").Info("raw feed channel closed")
}

func (r *Raw) IncrementSent() {
	r.statsMutex.Lock()
	r.stats.Sent++
	r.statsMutex.Unlock()
}

func (r *Raw) IncrementDropped() {
	r.statsMutex.Lock()
	r.stats.Dropped++
	r.statsMutex.Unlock()
}

// Send enqueues msg without blocking and reports whether it was accepted.
func (r *Raw) Send(ctx context.Context, msg models.RawFeedMessage) bool {
	select {
	case <-ctx.Done():
		return false
	default:
	}

	select {
	case r.C <- msg:
		r.IncrementSent()
		return true
	default:
		r.IncrementDropped()
		return false
	}
}

func (r *Raw) Len() int { return len(r.C) }

func (r *Raw) Cap() int { return cap(r.C) }

func (r *Raw) GetStats() RawStats {
	r.statsMutex.RLock()
	defer r.statsMutex.RUnlock()
	return r.stats
}
