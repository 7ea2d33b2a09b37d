package ledger

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"
)

// GatewayConsensus is a Consensus implementation that talks JSON over HTTP
// to a topic-submission gateway. Agent processes that do not link the
// vendor SDK directly submit through this; the gateway holds the operator
// key and pays the fees.
type GatewayConsensus struct {
	baseURL string
	http    *http.Client
}

func NewGatewayConsensus(baseURL string) *GatewayConsensus {
	return &GatewayConsensus{
		baseURL: baseURL,
		http:    &http.Client{Timeout: 10 * time.Second},
	}
}

type gatewaySubmitRequest struct {
	TopicID string `json:"topicId"`
	Message string `json:"message"` // base64
}

type gatewaySubmitResponse struct {
	TransactionID string `json:"transactionId"`
	Status        string `json:"status"`
}

func (g *GatewayConsensus) SubmitMessage(ctx context.Context, topicID string, payload []byte) (string, error) {
	body, err := json.Marshal(gatewaySubmitRequest{
		TopicID: topicID,
		Message: base64.StdEncoding.EncodeToString(payload),
	})
	if err != nil {
		return "", err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.baseURL+"/v1/topics/submit", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := g.http.Do(req)
	if err != nil {
		return "", unavailable("gateway submit %s: %v", topicID, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests {
		return "", ErrThrottled
	}
	if resp.StatusCode != http.StatusOK {
		return "", unavailable("gateway submit %s: status %d", topicID, resp.StatusCode)
	}
	var out gatewaySubmitResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", unavailable("gateway submit %s: decode: %v", topicID, err)
	}
	if out.TransactionID == "" {
		return "", fmt.Errorf("ledger: gateway returned no transaction id")
	}
	return out.TransactionID, nil
}

type gatewayMessagesResponse struct {
	Messages []struct {
		SequenceNumber     int64  `json:"sequenceNumber"`
		ConsensusTimestamp string `json:"consensusTimestamp"`
		PayerAccountID     string `json:"payerAccountId"`
		Message            string `json:"message"` // base64
	} `json:"messages"`
}

func (g *GatewayConsensus) GetMessages(ctx context.Context, topicID string, sinceSeq int64, limit int) ([]Message, error) {
	q := url.Values{}
	q.Set("since", fmt.Sprintf("%d", sinceSeq))
	q.Set("limit", fmt.Sprintf("%d", limit))
	endpoint := fmt.Sprintf("%s/v1/topics/%s/messages?%s", g.baseURL, url.PathEscape(topicID), q.Encode())

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}
	resp, err := g.http.Do(req)
	if err != nil {
		return nil, unavailable("gateway read %s: %v", topicID, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests {
		return nil, ErrThrottled
	}
	if resp.StatusCode != http.StatusOK {
		return nil, unavailable("gateway read %s: status %d", topicID, resp.StatusCode)
	}
	var out gatewayMessagesResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, unavailable("gateway read %s: decode: %v", topicID, err)
	}
	msgs := make([]Message, 0, len(out.Messages))
	for _, m := range out.Messages {
		payload, err := base64.StdEncoding.DecodeString(m.Message)
		if err != nil {
			continue
		}
		msgs = append(msgs, Message{
			Sequence:           m.SequenceNumber,
			ConsensusTimestamp: m.ConsensusTimestamp,
			PayerAccountID:     m.PayerAccountID,
			Payload:            payload,
		})
	}
	return msgs, nil
}
