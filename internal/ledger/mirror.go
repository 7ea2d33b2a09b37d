package ledger

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

// Mirror-node base URLs by network.
const (
	TestnetMirrorURL = "https://testnet.mirrornode.hedera.com"
	MainnetMirrorURL = "https://mainnet-public.mirrornode.hedera.com"

	// mirrorTimeout bounds every REST read. No caller-side retry on
	// timeout; the next poll tick retries.
	mirrorTimeout = 8 * time.Second
)

// MirrorURLForNetwork maps a configured network name to its mirror base URL.
func MirrorURLForNetwork(network string) (string, error) {
	switch network {
	case "testnet":
		return TestnetMirrorURL, nil
	case "mainnet":
		return MainnetMirrorURL, nil
	default:
		return "", fmt.Errorf("ledger: unknown network %q (want testnet or mainnet)", network)
	}
}

// MirrorClient reads topic messages from the mirror-node REST API. A shared
// rate limiter keeps the process comfortably under the public rate ceiling
// even with several topics being polled.
type MirrorClient struct {
	baseURL string
	http    *http.Client
	limiter *rate.Limiter
	logger  zerolog.Logger
}

// NewMirrorClient builds a client for a mirror base URL.
//
// The limiter allows 10 requests/second with a small burst; the monitor's
// 10s/15s poll cadence normally stays far below that, the limiter only
// matters when many topics are polled from one process.
func NewMirrorClient(baseURL string, logger zerolog.Logger) *MirrorClient {
	return &MirrorClient{
		baseURL: baseURL,
		http:    &http.Client{Timeout: mirrorTimeout},
		limiter: rate.NewLimiter(rate.Limit(10), 20),
		logger:  logger.With().Str("component", "mirror").Logger(),
	}
}

// mirrorMessage mirrors the REST response shape. The message body is base64.
type mirrorMessage struct {
	ConsensusTimestamp string `json:"consensus_timestamp"`
	Message            string `json:"message"`
	PayerAccountID     string `json:"payer_account_id"`
	SequenceNumber     int64  `json:"sequence_number"`
}

type mirrorResponse struct {
	Messages []mirrorMessage `json:"messages"`
}

// Fetch returns messages on topicID with sequence > sinceSeq.
// HTTP 429 is returned as ErrThrottled; everything else transient maps to
// ErrUnavailable so callers can fall back to the SDK read path.
func (c *MirrorClient) Fetch(ctx context.Context, topicID string, sinceSeq int64, limit int, ascending bool) ([]Message, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	order := "desc"
	if ascending {
		order = "asc"
	}
	q := url.Values{}
	q.Set("sequencenumber", fmt.Sprintf("gt:%d", sinceSeq))
	q.Set("limit", fmt.Sprintf("%d", limit))
	q.Set("order", order)
	endpoint := fmt.Sprintf("%s/api/v1/topics/%s/messages?%s", c.baseURL, url.PathEscape(topicID), q.Encode())

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, unavailable("mirror read %s: %v", topicID, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return nil, ErrThrottled
	case resp.StatusCode == http.StatusNotFound:
		// Topic exists but has no messages yet, or was just created and the
		// mirror has not caught up. Either way there is nothing to read.
		return nil, nil
	case resp.StatusCode != http.StatusOK:
		return nil, unavailable("mirror read %s: status %d", topicID, resp.StatusCode)
	}

	var body mirrorResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, unavailable("mirror read %s: decode: %v", topicID, err)
	}

	out := make([]Message, 0, len(body.Messages))
	for _, m := range body.Messages {
		payload, err := base64.StdEncoding.DecodeString(m.Message)
		if err != nil {
			c.logger.Warn().
				Str("topic", topicID).
				Int64("sequence", m.SequenceNumber).
				Msg("Mirror message body is not valid base64, skipping")
			continue
		}
		out = append(out, Message{
			Sequence:           m.SequenceNumber,
			PayerAccountID:     m.PayerAccountID,
			ConsensusTimestamp: m.ConsensusTimestamp,
			Payload:            payload,
		})
	}
	return out, nil
}
