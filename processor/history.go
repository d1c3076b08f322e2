package processor

import "bookscope/models"

// HistoryWindow is a fixed capacity ring of sealed buckets. Pushing onto a
// full window evicts the oldest bucket.
type HistoryWindow struct {
	buckets  []models.TimeBucket
	start    int
	size     int
	capacity int
}

// NewHistoryWindow creates a ring holding at most capacity buckets.
func NewHistoryWindow(capacity int) *HistoryWindow {
	if capacity <= 0 {
		capacity = 1
	}
	return &HistoryWindow{
		buckets:  make([]models.TimeBucket, capacity),
		capacity: capacity,
	}
}

// Push appends b as the newest bucket and reports whether a bucket was evicted.
func (w *HistoryWindow) Push(b models.TimeBucket) bool {
	if w.size < w.capacity {
		w.buckets[(w.start+w.size)%w.capacity] = b
		w.size++
		return false
	}
	w.buckets[w.start] = b
	w.start = (w.start + 1) % w.capacity
	return true
}

// Items returns the buckets from oldest to newest.
func (w *HistoryWindow) Items() []models.TimeBucket {
	out := make([]models.TimeBucket, w.size)
	for i := 0; i < w.size; i++ {
		out[i] = w.buckets[(w.start+i)%w.capacity]
	}
	return out
}

// Newest returns the most recently pushed bucket.
func (w *HistoryWindow) Newest() (models.TimeBucket, bool) {
	if w.size == 0 {
		return models.TimeBucket{}, false
	}
	return w.buckets[(w.start+w.size-1)%w.capacity], true
}

func (w *HistoryWindow) Len() int { return w.size }

func (w *HistoryWindow) Cap() int { return w.capacity }
