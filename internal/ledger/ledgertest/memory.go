// Package ledgertest provides an in-process ledger used by the fabric test
// suites. It implements both the Client facade and the Consensus transport
// with per-topic sequence numbering and an optional visibility delay that
// models mirror-node lag.
package ledgertest

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/aexowork/fabric/internal/ledger"
)

type entry struct {
	msg     ledger.Message
	visible time.Time
}

// Memory is an in-memory topic ledger. Safe for concurrent use.
type Memory struct {
	mu       sync.Mutex
	topics   map[string][]entry
	txSeq    int64
	delay    time.Duration
	submitHk func(topicID string, payload []byte)
}

func New() *Memory {
	return &Memory{topics: make(map[string][]entry)}
}

// SetVisibilityDelay makes newly submitted messages invisible to Fetch for
// d, simulating mirror-node read lag.
func (m *Memory) SetVisibilityDelay(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.delay = d
}

// OnSubmit installs a hook invoked (outside the lock) for every submission.
func (m *Memory) OnSubmit(fn func(topicID string, payload []byte)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.submitHk = fn
}

func (m *Memory) Submit(ctx context.Context, topicID string, payload []byte) (*ledger.Receipt, error) {
	txID, err := m.SubmitMessage(ctx, topicID, payload)
	if err != nil {
		return nil, err
	}
	return &ledger.Receipt{TransactionID: txID, Status: "SUCCESS"}, nil
}

func (m *Memory) SubmitMessage(_ context.Context, topicID string, payload []byte) (string, error) {
	m.mu.Lock()
	m.txSeq++
	seq := int64(len(m.topics[topicID]) + 1)
	cp := make([]byte, len(payload))
	copy(cp, payload)
	m.topics[topicID] = append(m.topics[topicID], entry{
		msg: ledger.Message{
			Sequence:           seq,
			PayerAccountID:     "0.0.999",
			ConsensusTimestamp: fmt.Sprintf("%d.%09d", time.Now().Unix(), time.Now().Nanosecond()),
			Payload:            cp,
		},
		visible: time.Now().Add(m.delay),
	})
	txID := fmt.Sprintf("0.0.999@%d", m.txSeq)
	hook := m.submitHk
	m.mu.Unlock()

	if hook != nil {
		hook(topicID, payload)
	}
	return txID, nil
}

func (m *Memory) Fetch(_ context.Context, topicID string, sinceSeq int64, limit int, ascending bool) ([]ledger.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	var out []ledger.Message
	for _, e := range m.topics[topicID] {
		if e.msg.Sequence <= sinceSeq || now.Before(e.visible) {
			continue
		}
		out = append(out, e.msg)
	}
	if !ascending {
		for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
			out[i], out[j] = out[j], out[i]
		}
	}
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *Memory) GetMessages(ctx context.Context, topicID string, sinceSeq int64, limit int) ([]ledger.Message, error) {
	return m.Fetch(ctx, topicID, sinceSeq, limit, true)
}

// Len returns the number of messages on a topic.
func (m *Memory) Len(topicID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.topics[topicID])
}
