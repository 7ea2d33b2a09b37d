package fabric

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/aexowork/fabric/internal/config"
	"github.com/aexowork/fabric/internal/monitoring"
	"github.com/aexowork/fabric/internal/wire"
)

// Transport methods reported in send receipts.
const (
	MethodOffChainBus = "offchain-bus"
	MethodDirect      = "direct"
)

// SendReceipt describes one per-recipient delivery.
type SendReceipt struct {
	Recipient  string
	Method     string
	MessageID  string // off-chain path only
	AnchorTxID string // off-chain path only
	TxID       string // direct path only
}

// Send delivers an envelope on a subject.
//
// Recipient resolution:
//   - envelope.To set (after trimming): exactly that peer, or
//     ErrUnknownRecipient. Never falls back to broadcast.
//   - envelope.To absent: every known peer except self. This is the only
//     path that broadcasts.
//
// Per-recipient failures during a broadcast are counted and logged but do
// not abort the remaining deliveries; a targeted failure is returned.
func (rt *Runtime) Send(ctx context.Context, subject string, env *wire.Envelope) ([]SendReceipt, error) {
	if !rt.initialized.Load() {
		return nil, ErrNotInitialized
	}
	if strings.TrimSpace(subject) == "" {
		return nil, ErrEmptySubject
	}

	env = env.Clone()
	env.Subject = subject
	env.From = rt.id.AccountID
	env.To = strings.TrimSpace(env.To)
	if env.Timestamp == 0 {
		env.Timestamp = time.Now().UnixMilli()
	}

	if env.To != "" {
		peer, ok := rt.peers.Lookup(env.To)
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrUnknownRecipient, env.To)
		}
		receipt, err := rt.sendToPeer(ctx, peer, env)
		if err != nil {
			monitoring.SendFailuresTotal.Inc()
			return nil, err
		}
		return []SendReceipt{receipt}, nil
	}

	// Broadcast: all known peers except self.
	var receipts []SendReceipt
	failures := 0
	for _, peer := range rt.peers.All() {
		if peer.AccountID == rt.id.AccountID {
			continue
		}
		receipt, err := rt.sendToPeer(ctx, peer, env)
		if err != nil {
			failures++
			monitoring.SendFailuresTotal.Inc()
			rt.logger.Warn().
				Err(err).
				Str("subject", subject).
				Str("recipient", peer.AccountID).
				Msg("Broadcast delivery failed for recipient")
			continue
		}
		receipts = append(receipts, receipt)
	}
	if failures > 0 {
		rt.logger.Warn().
			Str("subject", subject).
			Int("failed", failures).
			Int("delivered", len(receipts)).
			Msg("Broadcast completed with failures")
	}
	return receipts, nil
}

// sendToPeer delivers one envelope copy to one recipient, choosing the
// off-chain anchor protocol when the bus is up and direct-ledger otherwise.
func (rt *Runtime) sendToPeer(ctx context.Context, peer config.Peer, env *wire.Envelope) (SendReceipt, error) {
	// Per-recipient shallow copy; the envelope signature covers the
	// canonical bytes without the signature field itself.
	env = env.Clone()
	unsigned, err := env.Canonical()
	if err != nil {
		return SendReceipt{}, fmt.Errorf("fabric: serialize envelope: %w", err)
	}
	sig, err := rt.signer.Sign(unsigned)
	if err != nil {
		return SendReceipt{}, fmt.Errorf("fabric: sign envelope: %w", err)
	}
	env.Signature = sig

	payload, err := env.Canonical()
	if err != nil {
		return SendReceipt{}, fmt.Errorf("fabric: serialize envelope: %w", err)
	}

	if rt.offchainEnabled() {
		receipt, err := rt.sendAnchored(ctx, peer, env, payload)
		if err == nil {
			monitoring.SendsTotal.WithLabelValues(MethodOffChainBus).Inc()
			return receipt, nil
		}
		// Publish-time bus trouble is transient: log and fall through to
		// the direct path for this message without flipping the process
		// flag.
		rt.logger.Warn().
			Err(err).
			Str("recipient", peer.AccountID).
			Msg("Off-chain send failed, delivering direct for this message")
	}

	receipt, err := rt.sendDirect(ctx, peer, payload)
	if err != nil {
		return SendReceipt{}, err
	}
	monitoring.SendsTotal.WithLabelValues(MethodDirect).Inc()
	return receipt, nil
}

// sendAnchored runs the send side of the anchor protocol: payload over the
// bus, proof on the recipient's inbound topic.
func (rt *Runtime) sendAnchored(ctx context.Context, peer config.Peer, env *wire.Envelope, payload []byte) (SendReceipt, error) {
	encrypted, err := rt.codec.Encode(payload)
	if err != nil {
		return SendReceipt{}, fmt.Errorf("fabric: encode payload: %w", err)
	}
	hash := wire.HashHex(encrypted)
	anchorSig, err := rt.signer.Sign(wire.AnchorSigningBytes(hash, env.Timestamp))
	if err != nil {
		return SendReceipt{}, fmt.Errorf("fabric: sign anchor: %w", err)
	}
	messageID := wire.MintMessageID()

	offBus := wire.OffBusMessage{
		MessageID:        messageID,
		EncryptedPayload: string(encrypted),
		Hash:             hash,
		Timestamp:        env.Timestamp,
		Signature:        anchorSig,
		From:             rt.id.AccountID,
	}
	offBusBytes, err := json.Marshal(offBus)
	if err != nil {
		return SendReceipt{}, err
	}
	if err := rt.bus.Publish(wire.OffBusSubject(peer.AccountID), offBusBytes); err != nil {
		return SendReceipt{}, fmt.Errorf("%w: %v", ErrBusUnavailable, err)
	}

	to := peer.AccountID
	anchor := wire.AnchorRecord{
		Type:      wire.AnchorType,
		MessageID: messageID,
		Hash:      hash,
		Timestamp: env.Timestamp,
		Signature: anchorSig,
		From:      rt.id.AccountID,
		To:        &to,
		Version:   wire.ProtocolVersion,
	}
	anchorBytes, err := json.Marshal(anchor)
	if err != nil {
		return SendReceipt{}, err
	}
	receipt, err := rt.ledger.Submit(ctx, peer.InboundTopicID, anchorBytes)
	if err != nil {
		return SendReceipt{}, fmt.Errorf("fabric: submit anchor: %w", err)
	}
	monitoring.AnchorsSubmittedTotal.Inc()

	rt.logger.Debug().
		Str("recipient", peer.AccountID).
		Str("message_id", messageID).
		Str("anchor_tx", receipt.TransactionID).
		Msg("Anchored message sent off-chain")

	return SendReceipt{
		Recipient:  peer.AccountID,
		Method:     MethodOffChainBus,
		MessageID:  messageID,
		AnchorTxID: receipt.TransactionID,
	}, nil
}

// sendDirect writes the full envelope to the recipient's inbound topic.
// Fallback transport when off-chain messaging is down or disabled.
func (rt *Runtime) sendDirect(ctx context.Context, peer config.Peer, payload []byte) (SendReceipt, error) {
	receipt, err := rt.ledger.Submit(ctx, peer.InboundTopicID, payload)
	if err != nil {
		return SendReceipt{}, fmt.Errorf("fabric: direct submit: %w", err)
	}
	rt.logger.Debug().
		Str("recipient", peer.AccountID).
		Str("tx", receipt.TransactionID).
		Msg("Envelope sent direct-ledger")
	return SendReceipt{
		Recipient: peer.AccountID,
		Method:    MethodDirect,
		TxID:      receipt.TransactionID,
	}, nil
}
