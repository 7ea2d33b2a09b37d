package ledger

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"
)

// FallbackClient composes the two read paths and the consensus write path
// into one Client:
//
//	Fetch  → mirror REST first; on a non-throttled failure, SDK transport
//	Submit → consensus transport
//
// A throttled mirror read is NOT retried against the SDK: 429 means the
// process is polling too hard, and hammering the consensus nodes instead
// would defeat the point. The error is surfaced so the monitor can skip the
// tick quietly.
type FallbackClient struct {
	mirror *MirrorClient
	sdk    Consensus
	logger zerolog.Logger
}

func NewFallbackClient(mirror *MirrorClient, sdk Consensus, logger zerolog.Logger) *FallbackClient {
	return &FallbackClient{
		mirror: mirror,
		sdk:    sdk,
		logger: logger.With().Str("component", "ledger").Logger(),
	}
}

func (c *FallbackClient) Fetch(ctx context.Context, topicID string, sinceSeq int64, limit int, ascending bool) ([]Message, error) {
	msgs, err := c.mirror.Fetch(ctx, topicID, sinceSeq, limit, ascending)
	if err == nil || IsThrottled(err) {
		return msgs, err
	}
	if c.sdk == nil {
		return nil, err
	}
	c.logger.Debug().
		Err(err).
		Str("topic", topicID).
		Msg("Mirror read failed, falling back to SDK")
	msgs, sdkErr := c.sdk.GetMessages(ctx, topicID, sinceSeq, limit)
	if sdkErr != nil {
		return nil, unavailable("mirror: %v; sdk: %v", err, sdkErr)
	}
	return msgs, nil
}

func (c *FallbackClient) Submit(ctx context.Context, topicID string, payload []byte) (*Receipt, error) {
	if c.sdk == nil {
		return nil, fmt.Errorf("ledger: no consensus transport configured")
	}
	txID, err := c.sdk.SubmitMessage(ctx, topicID, payload)
	if err != nil {
		return nil, err
	}
	return &Receipt{TransactionID: txID, Status: "SUCCESS"}, nil
}
