package fabric

import (
	"context"
	"errors"
	"time"

	"github.com/aexowork/fabric/internal/ledger"
	"github.com/aexowork/fabric/internal/monitoring"
	"github.com/aexowork/fabric/internal/registry"
	"github.com/aexowork/fabric/internal/store"
	"github.com/aexowork/fabric/internal/wire"
)

// verifyAndDispatch runs the receive side of the anchor protocol and, on
// success, dispatches the recovered envelope. It is entered from two sides:
// the monitor when it observes an anchor on-ledger, and the bus handler when
// an off-bus payload arrives first. Failures are surfaced only through logs
// and metrics; handlers never run on a failed verification.
func (rt *Runtime) verifyAndDispatch(ctx context.Context, anchor *wire.AnchorRecord, seq int64, consensusTS string) {
	if rt.claimed.Contains(anchor.MessageID) {
		// Re-observed anchor or bus redelivery of a dispatched message.
		monitoring.VerificationsTotal.WithLabelValues("duplicate").Inc()
		return
	}
	env, observed, err := rt.verifyAnchor(ctx, anchor)
	switch {
	case err == nil:
	case errors.Is(err, errAlreadyClaimed):
		monitoring.VerificationsTotal.WithLabelValues("duplicate").Inc()
		return
	case errors.Is(err, errPayloadMissing):
		// Anchor for another process, or the bus copy is late. Remember it
		// briefly so a late off-bus arrival can still complete.
		rt.addPending(anchor, seq)
		monitoring.VerificationsTotal.WithLabelValues("abandoned").Inc()
		return
	case errors.Is(err, ErrIntegrity):
		monitoring.VerificationsTotal.WithLabelValues("integrity").Inc()
		rt.logger.Error().
			Str("message_id", anchor.MessageID).
			Str("from", anchor.From).
			Msg("Payload hash does not match anchor, discarding")
		return
	case errors.Is(err, ErrAnchorNotConfirmed):
		monitoring.VerificationsTotal.WithLabelValues("unconfirmed").Inc()
		rt.logger.Warn().
			Str("message_id", anchor.MessageID).
			Str("from", anchor.From).
			Msg("Anchor not confirmed on ledger within the confirmation budget, message retained until eviction")
		return
	default:
		monitoring.VerificationsTotal.WithLabelValues("error").Inc()
		rt.logger.Warn().
			Err(err).
			Str("message_id", anchor.MessageID).
			Msg("Verification failed")
		return
	}

	// A bus-triggered verification enters without the anchor's ledger
	// position; the confirm fetch supplies it.
	if seq == 0 && observed != nil {
		seq = observed.Sequence
		consensusTS = observed.ConsensusTimestamp
	}

	monitoring.VerificationsTotal.WithLabelValues("ok").Inc()
	monitoring.DispatchesTotal.WithLabelValues("true").Inc()
	rt.registry.Dispatch(ctx, env.Subject, env, registry.Metadata{
		From:               env.From,
		Verified:           true,
		Sequence:           seq,
		ConsensusTimestamp: consensusTS,
	})
}

// verifyAnchor correlates an anchor with its off-bus payload, checks
// integrity, confirms the anchor on-chain, and decodes the envelope. The
// returned ledger message is the anchor's on-chain record when the confirm
// step had to fetch it, nil when the verify cache short-circuited.
//
// The final store delete is a claim: the caller whose delete removed the
// entry dispatches, every other concurrent verification of the same message
// gets errAlreadyClaimed. That is what makes dispatch at-most-once.
func (rt *Runtime) verifyAnchor(ctx context.Context, anchor *wire.AnchorRecord) (*wire.Envelope, *ledger.Message, error) {
	entry, ok := rt.awaitPayload(ctx, anchor.MessageID)
	if !ok {
		return nil, nil, errPayloadMissing
	}

	encrypted := []byte(entry.Msg.EncryptedPayload)
	if wire.HashHex(encrypted) != anchor.Hash {
		return nil, nil, ErrIntegrity
	}

	observed, err := rt.confirmAnchor(ctx, anchor)
	if err != nil {
		return nil, nil, err
	}

	// Signature check over hash||timestamp. The default verifier is
	// permissive; strict verification is a drop-in swap.
	if !rt.verifier.Verify(wire.AnchorSigningBytes(anchor.Hash, anchor.Timestamp), anchor.Signature, "") {
		return nil, nil, ErrIntegrity
	}

	payload, err := rt.codec.Decode(encrypted)
	if err != nil {
		return nil, nil, ErrIntegrity
	}
	env, err := wire.ParseEnvelope(payload)
	if err != nil {
		return nil, nil, ErrIntegrity
	}

	if !rt.store.Delete(anchor.MessageID) {
		return nil, nil, errAlreadyClaimed
	}
	rt.claimed.Add(anchor.MessageID)
	monitoring.StoreEntries.Set(float64(rt.store.Len()))
	return env, observed, nil
}

// awaitPayload polls the message store in short slices for the off-bus
// copy; the bus may lag the ledger by a small margin.
func (rt *Runtime) awaitPayload(ctx context.Context, messageID string) (store.Stored, bool) {
	deadline := time.Now().Add(rt.timings.StoreWaitTotal)
	for {
		if entry, ok := rt.store.Get(messageID); ok {
			return entry, true
		}
		if time.Now().After(deadline) {
			return store.Stored{}, false
		}
		t := time.NewTimer(rt.timings.StoreWaitSlice)
		select {
		case <-ctx.Done():
			t.Stop()
			return store.Stored{}, false
		case <-t.C:
		}
	}
}

// confirmAnchor checks that the anchor is visible on this agent's inbound
// topic, retrying on the documented schedule (total budget ≤ 20 s). The
// verify cache short-circuits anchors this process already observed
// on-ledger; a fetch that had to run returns the matching ledger record.
func (rt *Runtime) confirmAnchor(ctx context.Context, anchor *wire.AnchorRecord) (*ledger.Message, error) {
	if rt.cache.Contains(anchor.Hash) {
		return nil, nil
	}
	backoff := rt.timings.ConfirmBackoff
	for attempt := 0; ; attempt++ {
		if msg, ok := rt.anchorOnLedger(ctx, anchor); ok {
			rt.cache.Add(anchor.Hash)
			return msg, nil
		}
		if attempt >= backoff.Steps() {
			return nil, ErrAnchorNotConfirmed
		}
		if err := backoff.Wait(ctx, attempt); err != nil {
			return nil, err
		}
	}
}

// anchorOnLedger scans the newest window of the inbound topic for a record
// matching the anchor, within the clock-skew tolerance.
func (rt *Runtime) anchorOnLedger(ctx context.Context, anchor *wire.AnchorRecord) (*ledger.Message, bool) {
	msgs, err := rt.ledger.Fetch(ctx, rt.id.InboundTopicID, 0, fetchLimit, false)
	if err != nil {
		return nil, false
	}
	skew := rt.timings.ClockSkewTolerance
	now := time.Now().UnixMilli()
	for _, msg := range msgs {
		candidate, ok := wire.ParseAnchor(msg.Payload)
		if !ok {
			continue
		}
		if candidate.MessageID != anchor.MessageID || candidate.Hash != anchor.Hash {
			continue
		}
		if delta := candidate.Timestamp - now; delta > skew.Milliseconds() || delta < -skew.Milliseconds() {
			continue
		}
		found := msg
		return &found, true
	}
	return nil, false
}
