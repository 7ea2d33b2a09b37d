// Package store holds the process-local state of the messaging fabric: the
// RAM message store that correlates off-bus payloads with on-ledger anchors,
// the per-topic sequence tracker, and the anchored-hash cache.
package store

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/aexowork/fabric/internal/wire"
)

// Default retention policy. Taken from the reference deployment; policy,
// not protocol.
const (
	DefaultRetention     = time.Hour
	DefaultSweepInterval = 5 * time.Minute
)

// Stored is an off-bus message plus its arrival time.
type Stored struct {
	Msg        wire.OffBusMessage
	ReceivedAt time.Time
}

// MessageStore maps messageId to the off-bus copy awaiting verification.
// Writers: the bus subscription handler (insert) and the verification
// pipeline (delete on success). The sweeper evicts entries older than the
// retention window.
type MessageStore struct {
	mu        sync.Mutex
	entries   map[string]Stored
	retention time.Duration
	logger    zerolog.Logger
}

func NewMessageStore(retention time.Duration, logger zerolog.Logger) *MessageStore {
	if retention <= 0 {
		retention = DefaultRetention
	}
	return &MessageStore{
		entries:   make(map[string]Stored),
		retention: retention,
		logger:    logger.With().Str("component", "store").Logger(),
	}
}

// Put inserts or replaces the entry for msg.MessageID.
func (s *MessageStore) Put(msg wire.OffBusMessage) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[msg.MessageID] = Stored{Msg: msg, ReceivedAt: time.Now()}
}

// Get returns the entry without removing it.
func (s *MessageStore) Get(messageID string) (Stored, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[messageID]
	return e, ok
}

// Delete removes an entry, reporting whether one was present. A verifier
// dispatches only when its own delete removed the entry, so two racing
// verifications of the same message resolve to a single dispatch, and a
// later duplicate anchor observation finds nothing and abandons.
func (s *MessageStore) Delete(messageID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.entries[messageID]
	delete(s.entries, messageID)
	return ok
}

// Len returns the number of pending entries.
func (s *MessageStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// Sweep evicts entries older than the retention window, returning the count.
func (s *MessageStore) Sweep() int {
	cutoff := time.Now().Add(-s.retention)
	s.mu.Lock()
	defer s.mu.Unlock()
	evicted := 0
	for id, e := range s.entries {
		if e.ReceivedAt.Before(cutoff) {
			delete(s.entries, id)
			evicted++
		}
	}
	if evicted > 0 {
		s.logger.Info().
			Int("evicted", evicted).
			Int("remaining", len(s.entries)).
			Msg("Message store sweep evicted stale entries")
	}
	return evicted
}

// StartSweeper runs Sweep on the given interval until ctx is cancelled.
func (s *MessageStore) StartSweeper(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.Sweep()
			}
		}
	}()
}
