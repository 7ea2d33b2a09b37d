// Package ledger is a thin facade over the public ordering service: append a
// message to a topic, fetch topic messages by sequence number. Reads prefer
// the mirror-node REST API and fall back to the consensus SDK transport;
// writes always go through the consensus transport.
package ledger

import (
	"context"
	"errors"
	"fmt"
)

// Message is one record read from a topic. Ordering within a topic is
// strict by Sequence.
type Message struct {
	Sequence           int64
	PayerAccountID     string
	ConsensusTimestamp string
	Payload            []byte
}

// Receipt is returned from a successful topic submission.
type Receipt struct {
	TransactionID string
	Status        string
}

// Submitter appends a payload to a topic.
type Submitter interface {
	Submit(ctx context.Context, topicID string, payload []byte) (*Receipt, error)
}

// Reader fetches messages strictly newer than sinceSeq. Reads are
// idempotent and eventually consistent: a submitted message may not be
// visible for several seconds.
type Reader interface {
	Fetch(ctx context.Context, topicID string, sinceSeq int64, limit int, ascending bool) ([]Message, error)
}

// Client is the full ledger facade.
type Client interface {
	Submitter
	Reader
}

// Consensus is the SDK-side transport bound by the host process. It covers
// both submission and the direct (non-mirror) read path.
type Consensus interface {
	SubmitMessage(ctx context.Context, topicID string, payload []byte) (string, error)
	GetMessages(ctx context.Context, topicID string, sinceSeq int64, limit int) ([]Message, error)
}

var (
	// ErrThrottled maps HTTP 429 from the mirror node. Polling loops swallow
	// it; the poll cadence itself provides the back-off.
	ErrThrottled = errors.New("ledger: throttled")
	// ErrUnavailable covers transient transport and server failures.
	ErrUnavailable = errors.New("ledger: unavailable")
)

// IsThrottled reports whether err is a rate-limit response.
func IsThrottled(err error) bool { return errors.Is(err, ErrThrottled) }

func unavailable(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrUnavailable, fmt.Sprintf(format, args...))
}
