package wire

import (
	"encoding/hex"
	"encoding/json"

	"github.com/google/uuid"
)

const (
	// AnchorType tags on-ledger anchor records.
	AnchorType = "message_anchor"
	// ProtocolVersion is stamped on every anchor.
	ProtocolVersion = "1.0"
)

// AnchorRecord is the small on-ledger proof posted to the recipient's
// inbound topic. It carries the hash of the off-bus payload, never the
// payload itself.
type AnchorRecord struct {
	Type      string  `json:"type"`
	MessageID string  `json:"messageId"`
	Hash      string  `json:"hash"`
	Timestamp int64   `json:"timestamp"`
	Signature string  `json:"signature"`
	From      string  `json:"fromAccountId"`
	To        *string `json:"toAccountId"`
	Version   string  `json:"version"`
}

// OffBusMessage is the ephemeral carrier published to offchain.<recipient>.
// Anchor and off-bus copy share messageId, hash, timestamp, and signature.
type OffBusMessage struct {
	MessageID        string `json:"messageId"`
	EncryptedPayload string `json:"encryptedPayload"`
	Hash             string `json:"hash"`
	Timestamp        int64  `json:"timestamp"`
	Signature        string `json:"signature"`
	From             string `json:"fromAccountId"`
}

// MintMessageID returns 16 random bytes hex encoded (32 hex chars).
func MintMessageID() string {
	u := uuid.New()
	return hex.EncodeToString(u[:])
}

// ParseAnchor decodes an anchor record, returning ok=false when the bytes
// are not an anchor (wrong type tag or not JSON).
func ParseAnchor(data []byte) (*AnchorRecord, bool) {
	var rec AnchorRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, false
	}
	if rec.Type != AnchorType || rec.MessageID == "" || rec.Hash == "" {
		return nil, false
	}
	return &rec, true
}

// OffBusSubject is the bus subject carrying payloads for one recipient.
func OffBusSubject(recipientAccountID string) string {
	return "offchain." + recipientAccountID
}
