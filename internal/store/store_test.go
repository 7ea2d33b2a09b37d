package store

import (
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/aexowork/fabric/internal/wire"
)

func TestMessageStorePutGetDelete(t *testing.T) {
	s := NewMessageStore(time.Hour, zerolog.Nop())

	msg := wire.OffBusMessage{MessageID: "m1", EncryptedPayload: "data", Hash: "h"}
	s.Put(msg)
	require.Equal(t, 1, s.Len())

	got, ok := s.Get("m1")
	require.True(t, ok)
	require.Equal(t, "data", got.Msg.EncryptedPayload)
	require.False(t, got.ReceivedAt.IsZero())

	// Delete is what makes dispatch at-most-once: only the caller whose
	// delete removed the entry dispatches, and the second lookup of a
	// verified message must find nothing.
	require.True(t, s.Delete("m1"))
	require.False(t, s.Delete("m1"), "second delete must report the entry gone")
	_, ok = s.Get("m1")
	require.False(t, ok)
	require.Zero(t, s.Len())
}

func TestMessageStoreSweepEvictsStale(t *testing.T) {
	s := NewMessageStore(10*time.Millisecond, zerolog.Nop())
	s.Put(wire.OffBusMessage{MessageID: "old"})
	time.Sleep(30 * time.Millisecond)
	s.Put(wire.OffBusMessage{MessageID: "fresh"})

	evicted := s.Sweep()
	require.Equal(t, 1, evicted)
	_, ok := s.Get("old")
	require.False(t, ok)
	_, ok = s.Get("fresh")
	require.True(t, ok)
}

func TestSequenceTrackerKeepsMax(t *testing.T) {
	tr := NewSequenceTracker()
	require.Zero(t, tr.Get("0.0.5005"))

	tr.Record("0.0.5005", 3)
	tr.Record("0.0.5005", 7)
	tr.Record("0.0.5005", 5) // stale, ignored
	require.Equal(t, int64(7), tr.Get("0.0.5005"))

	// Topics are independent.
	tr.Record("0.0.6006", 1)
	require.Equal(t, int64(1), tr.Get("0.0.6006"))
	require.Equal(t, int64(7), tr.Get("0.0.5005"))
}

func TestVerifyCacheFIFOEviction(t *testing.T) {
	c := NewVerifyCache(2)
	c.Add("a")
	c.Add("b")
	require.True(t, c.Contains("a"))
	require.True(t, c.Contains("b"))

	c.Add("c")
	require.False(t, c.Contains("a"), "oldest entry must be evicted first")
	require.True(t, c.Contains("b"))
	require.True(t, c.Contains("c"))

	// Re-adding an existing hash does not grow or reorder the cache.
	c.Add("b")
	c.Add("d")
	require.False(t, c.Contains("b"))
	require.True(t, c.Contains("c"))
	require.True(t, c.Contains("d"))
}
