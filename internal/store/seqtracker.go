package store

import "sync"

// SequenceTracker remembers, per topic, the highest ledger sequence number
// already processed. It survives monitor restarts within the process; a new
// process starts from zero and relies on the ledger's idempotent reads.
type SequenceTracker struct {
	mu   sync.Mutex
	last map[string]int64
}

func NewSequenceTracker() *SequenceTracker {
	return &SequenceTracker{last: make(map[string]int64)}
}

// Get returns the highest processed sequence for a topic, zero if none.
func (t *SequenceTracker) Get(topicID string) int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.last[topicID]
}

// Record stores seq if it is higher than the current value.
func (t *SequenceTracker) Record(topicID string, seq int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if seq > t.last[topicID] {
		t.last[topicID] = seq
	}
}
