package fabric_test

import (
	"context"
	"encoding/json"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/aexowork/fabric/internal/bus/bustest"
	"github.com/aexowork/fabric/internal/config"
	"github.com/aexowork/fabric/internal/fabric"
	"github.com/aexowork/fabric/internal/identity"
	"github.com/aexowork/fabric/internal/ledger"
	"github.com/aexowork/fabric/internal/ledger/ledgertest"
	"github.com/aexowork/fabric/internal/registry"
	"github.com/aexowork/fabric/internal/wire"
)

const (
	clientAccount  = "0.0.1001"
	workerAccount  = "0.0.1002"
	escrowAccount  = "0.0.1003"
	clientInbound  = "0.0.2001"
	workerInbound  = "0.0.2002"
	escrowInbound  = "0.0.2003"
	subjectJobs    = "aexowork.jobs"
	subjectOffers  = "aexowork.offers"
	deliverTimeout = 3 * time.Second
)

func testTimings() fabric.Timings {
	tt := fabric.DefaultTimings()
	tt.InboundPollInterval = 25 * time.Millisecond
	tt.ConnectionPollInterval = 50 * time.Millisecond
	tt.StoreWaitTotal = 200 * time.Millisecond
	tt.StoreWaitSlice = 10 * time.Millisecond
	tt.ConfirmBackoff = fabric.NewBackoff(20*time.Millisecond, 20*time.Millisecond)
	tt.StoreSweepInterval = time.Hour
	tt.PendingAnchorTTL = time.Minute
	return tt
}

func testPeers(t *testing.T) *config.PeerTable {
	t.Helper()
	peers, err := config.NewPeerTable([]config.Peer{
		{Name: "client", AccountID: clientAccount, InboundTopicID: clientInbound},
		{Name: "worker", AccountID: workerAccount, InboundTopicID: workerInbound},
		{Name: "escrow", AccountID: escrowAccount, InboundTopicID: escrowInbound},
	})
	require.NoError(t, err)
	return peers
}

func newRuntime(t *testing.T, account, inbound string, peers *config.PeerTable, led ledger.Client, b fabric.Bus) *fabric.Runtime {
	t.Helper()
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	id := &identity.Identity{
		AccountID:       account,
		PrivateKey:      key,
		PublicKeyHex:    wire.CompressedPubKeyHex(key),
		InboundTopicID:  inbound,
		OutboundTopicID: "0.0.3000",
	}
	tt := testTimings()
	rt, err := fabric.New(fabric.Options{
		Identity: id,
		Peers:    peers,
		Ledger:   led,
		Bus:      b,
		Timings:  &tt,
		Logger:   zerolog.Nop(),
	})
	require.NoError(t, err)
	t.Cleanup(rt.Close)
	return rt
}

type delivery struct {
	env  *wire.Envelope
	meta registry.Metadata
}

func collect(rt *fabric.Runtime, subject string) <-chan delivery {
	ch := make(chan delivery, 16)
	rt.Subscribe(subject, func(_ context.Context, env *wire.Envelope, meta registry.Metadata) error {
		ch <- delivery{env: env, meta: meta}
		return nil
	})
	return ch
}

func awaitDelivery(t *testing.T, ch <-chan delivery) delivery {
	t.Helper()
	select {
	case d := <-ch:
		return d
	case <-time.After(deliverTimeout):
		t.Fatal("timed out waiting for dispatch")
		return delivery{}
	}
}

func requireNoDelivery(t *testing.T, ch <-chan delivery, within time.Duration) {
	t.Helper()
	select {
	case d := <-ch:
		t.Fatalf("unexpected dispatch: subject=%s from=%s", d.env.Subject, d.meta.From)
	case <-time.After(within):
	}
}

func TestAnchoredDeliveryEndToEnd(t *testing.T) {
	mem := ledgertest.New()
	loop := bustest.New()
	peers := testPeers(t)

	sender := newRuntime(t, clientAccount, clientInbound, peers, mem, loop)
	receiver := newRuntime(t, workerAccount, workerInbound, peers, mem, loop)
	got := collect(receiver, subjectJobs)

	ctx := context.Background()
	require.NoError(t, sender.Init(ctx))
	require.NoError(t, receiver.Init(ctx))

	env, err := wire.NewEnvelope("job_posted", map[string]any{"jobId": "job-42", "budget": 500})
	require.NoError(t, err)
	env.To = workerAccount

	receipts, err := sender.Send(ctx, subjectJobs, env)
	require.NoError(t, err)
	require.Len(t, receipts, 1)
	require.Equal(t, fabric.MethodOffChainBus, receipts[0].Method)
	require.NotEmpty(t, receipts[0].MessageID)
	require.NotEmpty(t, receipts[0].AnchorTxID)

	d := awaitDelivery(t, got)
	require.True(t, d.meta.Verified)
	require.Equal(t, clientAccount, d.meta.From)
	require.Equal(t, subjectJobs, d.env.Subject)
	require.Equal(t, "job_posted", d.env.Type)

	var jobID string
	require.NoError(t, d.env.GetExtra("jobId", &jobID))
	require.Equal(t, "job-42", jobID)

	// The inbound topic carries only the anchor, never the payload.
	msgs, err := mem.Fetch(ctx, workerInbound, 0, 10, true)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	anchor, ok := wire.ParseAnchor(msgs[0].Payload)
	require.True(t, ok)
	require.Equal(t, receipts[0].MessageID, anchor.MessageID)
	require.Equal(t, wire.ProtocolVersion, anchor.Version)
	require.NotNil(t, anchor.To)
	require.Equal(t, workerAccount, *anchor.To)

	// Successful verification consumes the store entry.
	require.Eventually(t, func() bool { return receiver.Store().Len() == 0 },
		deliverTimeout, 10*time.Millisecond)
}

func TestDuplicateAnchorIsNotRedispatched(t *testing.T) {
	mem := ledgertest.New()
	loop := bustest.New()
	peers := testPeers(t)

	sender := newRuntime(t, clientAccount, clientInbound, peers, mem, loop)
	receiver := newRuntime(t, workerAccount, workerInbound, peers, mem, loop)
	got := collect(receiver, subjectJobs)

	ctx := context.Background()
	require.NoError(t, sender.Init(ctx))
	require.NoError(t, receiver.Init(ctx))

	env, err := wire.NewEnvelope("job_posted", map[string]any{"jobId": "dup-1"})
	require.NoError(t, err)
	env.To = workerAccount
	_, err = sender.Send(ctx, subjectJobs, env)
	require.NoError(t, err)
	awaitDelivery(t, got)

	// Replay the exact anchor bytes onto the inbound topic. The payload was
	// consumed on first verification, so the duplicate must be abandoned.
	msgs, err := mem.Fetch(ctx, workerInbound, 0, 10, true)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	_, err = mem.Submit(ctx, workerInbound, msgs[0].Payload)
	require.NoError(t, err)

	requireNoDelivery(t, got, 600*time.Millisecond)
}

func TestDirectFallbackForSingleMessage(t *testing.T) {
	mem := ledgertest.New()
	loop := bustest.New()
	peers := testPeers(t)

	sender := newRuntime(t, clientAccount, clientInbound, peers, mem, loop)
	receiver := newRuntime(t, workerAccount, workerInbound, peers, mem, loop)
	got := collect(receiver, subjectJobs)

	ctx := context.Background()
	require.NoError(t, sender.Init(ctx))
	require.NoError(t, receiver.Init(ctx))

	// Bus dies after startup: per-message fallback, no process-wide flip.
	loop.SetConnected(false)

	env, err := wire.NewEnvelope("job_posted", map[string]any{"jobId": "direct-1"})
	require.NoError(t, err)
	env.To = workerAccount

	receipts, err := sender.Send(ctx, subjectJobs, env)
	require.NoError(t, err)
	require.Len(t, receipts, 1)
	require.Equal(t, fabric.MethodDirect, receipts[0].Method)
	require.NotEmpty(t, receipts[0].TxID)

	d := awaitDelivery(t, got)
	require.False(t, d.meta.Verified, "direct-ledger envelopes dispatch unverified")
	require.Equal(t, clientAccount, d.meta.From)

	var jobID string
	require.NoError(t, d.env.GetExtra("jobId", &jobID))
	require.Equal(t, "direct-1", jobID)

	// Connectivity returns: the off-chain path resumes for later messages.
	loop.SetConnected(true)
	env2, err := wire.NewEnvelope("job_posted", map[string]any{"jobId": "direct-2"})
	require.NoError(t, err)
	env2.To = workerAccount
	receipts, err = sender.Send(ctx, subjectJobs, env2)
	require.NoError(t, err)
	require.Equal(t, fabric.MethodOffChainBus, receipts[0].Method)
	awaitDelivery(t, got)
}

func TestStartupBusFailureDegradesForLifetime(t *testing.T) {
	mem := ledgertest.New()
	loop := bustest.New()
	loop.SetConnected(false)
	peers := testPeers(t)

	sender := newRuntime(t, clientAccount, clientInbound, peers, mem, loop)
	require.NoError(t, sender.Init(context.Background()))
	require.False(t, sender.GetConnectionStatus().UseOffChainMessaging)

	// Even after the bus recovers, the process stays direct-ledger.
	loop.SetConnected(true)
	env, err := wire.NewEnvelope("job_posted", map[string]any{"jobId": "degraded"})
	require.NoError(t, err)
	env.To = workerAccount
	receipts, err := sender.Send(context.Background(), subjectJobs, env)
	require.NoError(t, err)
	require.Equal(t, fabric.MethodDirect, receipts[0].Method)
	require.Zero(t, loop.Published(wire.OffBusSubject(workerAccount)))
}

func TestSendErrors(t *testing.T) {
	mem := ledgertest.New()
	peers := testPeers(t)
	rt := newRuntime(t, clientAccount, clientInbound, peers, mem, bustest.New())

	env := &wire.Envelope{}
	_, err := rt.Send(context.Background(), subjectJobs, env)
	require.ErrorIs(t, err, fabric.ErrNotInitialized)

	require.NoError(t, rt.Init(context.Background()))

	_, err = rt.Send(context.Background(), "  ", env)
	require.ErrorIs(t, err, fabric.ErrEmptySubject)

	env.To = "0.0.9999"
	_, err = rt.Send(context.Background(), subjectJobs, env)
	require.ErrorIs(t, err, fabric.ErrUnknownRecipient)
	require.Zero(t, mem.Len(workerInbound), "failed sends must not reach the ledger")
}

func TestBroadcastReachesAllPeersExceptSelf(t *testing.T) {
	mem := ledgertest.New()
	loop := bustest.New()
	peers := testPeers(t)

	sender := newRuntime(t, clientAccount, clientInbound, peers, mem, loop)
	worker := newRuntime(t, workerAccount, workerInbound, peers, mem, loop)
	escrow := newRuntime(t, escrowAccount, escrowInbound, peers, mem, loop)
	gotWorker := collect(worker, subjectOffers)
	gotEscrow := collect(escrow, subjectOffers)
	gotSender := collect(sender, subjectOffers)

	ctx := context.Background()
	require.NoError(t, sender.Init(ctx))
	require.NoError(t, worker.Init(ctx))
	require.NoError(t, escrow.Init(ctx))

	env, err := wire.NewEnvelope("offer_created", map[string]any{"offerId": "off-1"})
	require.NoError(t, err)

	receipts, err := sender.Send(ctx, subjectOffers, env)
	require.NoError(t, err)
	require.Len(t, receipts, 2)

	awaitDelivery(t, gotWorker)
	awaitDelivery(t, gotEscrow)
	requireNoDelivery(t, gotSender, 300*time.Millisecond)
}

func TestLateBusPayloadStillVerifies(t *testing.T) {
	mem := ledgertest.New()
	loop := bustest.New()
	// Payload arrives after the anchor is observed on-ledger; the
	// correlation window bridges the gap.
	loop.SetDelay(wire.OffBusSubject(workerAccount), 80*time.Millisecond)
	peers := testPeers(t)

	sender := newRuntime(t, clientAccount, clientInbound, peers, mem, loop)
	receiver := newRuntime(t, workerAccount, workerInbound, peers, mem, loop)
	got := collect(receiver, subjectJobs)

	ctx := context.Background()
	require.NoError(t, sender.Init(ctx))
	require.NoError(t, receiver.Init(ctx))

	env, err := wire.NewEnvelope("job_posted", map[string]any{"jobId": "late-1"})
	require.NoError(t, err)
	env.To = workerAccount
	_, err = sender.Send(ctx, subjectJobs, env)
	require.NoError(t, err)

	d := awaitDelivery(t, got)
	require.True(t, d.meta.Verified)
}

func TestTamperedPayloadIsDiscarded(t *testing.T) {
	mem := ledgertest.New()
	loop := bustest.New()
	peers := testPeers(t)

	receiver := newRuntime(t, workerAccount, workerInbound, peers, mem, loop)
	got := collect(receiver, subjectJobs)
	require.NoError(t, receiver.Init(context.Background()))

	env, err := wire.NewEnvelope("job_posted", map[string]any{"jobId": "evil"})
	require.NoError(t, err)
	env.Subject = subjectJobs
	payload, err := env.Canonical()
	require.NoError(t, err)
	encrypted, err := wire.Base64Codec{}.Encode(payload)
	require.NoError(t, err)
	hash := wire.HashHex(encrypted)
	messageID := wire.MintMessageID()
	ts := time.Now().UnixMilli()

	// Off-bus copy altered in flight; the anchor hash no longer matches.
	offBus, err := wire.Base64Codec{}.Encode([]byte(`{"jobId":"tampered"}`))
	require.NoError(t, err)
	loop.Publish(wire.OffBusSubject(workerAccount), mustJSON(t, wire.OffBusMessage{
		MessageID:        messageID,
		EncryptedPayload: string(offBus),
		Hash:             hash,
		Timestamp:        ts,
		From:             clientAccount,
	}))

	to := workerAccount
	_, err = mem.Submit(context.Background(), workerInbound, mustJSON(t, wire.AnchorRecord{
		Type:      wire.AnchorType,
		MessageID: messageID,
		Hash:      hash,
		Timestamp: ts,
		From:      clientAccount,
		To:        &to,
		Version:   wire.ProtocolVersion,
	}))
	require.NoError(t, err)

	requireNoDelivery(t, got, 500*time.Millisecond)
	// The mismatched entry is retained for the sweeper, not consumed.
	require.Equal(t, 1, receiver.Store().Len())
}

func TestInboundTopicClassification(t *testing.T) {
	mem := ledgertest.New()
	peers := testPeers(t)

	receiver := newRuntime(t, workerAccount, workerInbound, peers, mem, bustest.New())
	got := collect(receiver, registry.Wildcard)
	require.NoError(t, receiver.Init(context.Background()))

	ctx := context.Background()
	// Legacy connection frames and junk share the topic with fabric records.
	_, err := mem.Submit(ctx, workerInbound, []byte(`{"p":"hcs-10","op":"connection_request","operator_id":"0.0.1@0.0.2"}`))
	require.NoError(t, err)
	_, err = mem.Submit(ctx, workerInbound, []byte(`not json at all`))
	require.NoError(t, err)
	_, err = mem.Submit(ctx, workerInbound, []byte(`{"type":"note","timestamp":1}`)) // no subject: dropped
	require.NoError(t, err)
	_, err = mem.Submit(ctx, workerInbound, []byte(`{"subject":"aexowork.jobs","type":"job_posted","timestamp":1,"jobId":"d-1"}`))
	require.NoError(t, err)

	d := awaitDelivery(t, got)
	require.Equal(t, subjectJobs, d.env.Subject)
	require.False(t, d.meta.Verified)
	require.Equal(t, "0.0.999", d.meta.From, "payer account stands in when fromAccountId is absent")
	requireNoDelivery(t, got, 300*time.Millisecond)
}

func TestDirectDispatchPreservesLedgerOrder(t *testing.T) {
	mem := ledgertest.New()
	peers := testPeers(t)

	receiver := newRuntime(t, workerAccount, workerInbound, peers, mem, bustest.New())
	got := collect(receiver, subjectJobs)

	ctx := context.Background()
	for _, id := range []string{"o-1", "o-2", "o-3"} {
		_, err := mem.Submit(ctx, workerInbound, []byte(`{"subject":"aexowork.jobs","timestamp":1,"jobId":"`+id+`"}`))
		require.NoError(t, err)
	}
	require.NoError(t, receiver.Init(ctx))

	var lastSeq int64
	for _, want := range []string{"o-1", "o-2", "o-3"} {
		d := awaitDelivery(t, got)
		var jobID string
		require.NoError(t, d.env.GetExtra("jobId", &jobID))
		require.Equal(t, want, jobID)
		require.Greater(t, d.meta.Sequence, lastSeq, "dispatch sequence must be strictly increasing")
		lastSeq = d.meta.Sequence
	}
}

func TestUnanchoredBusPayloadIsNotDispatched(t *testing.T) {
	mem := ledgertest.New()
	loop := bustest.New()
	peers := testPeers(t)

	var submits atomic.Int32
	mem.OnSubmit(func(string, []byte) { submits.Add(1) })

	receiver := newRuntime(t, workerAccount, workerInbound, peers, mem, loop)
	got := collect(receiver, subjectJobs)
	require.NoError(t, receiver.Init(context.Background()))

	env, err := wire.NewEnvelope("job_posted", map[string]any{"jobId": "orphan-1"})
	require.NoError(t, err)
	env.Subject = subjectJobs
	payload, err := env.Canonical()
	require.NoError(t, err)
	encrypted, err := wire.Base64Codec{}.Encode(payload)
	require.NoError(t, err)

	// Payload only: the anchor never reaches the ledger, so the bus-side
	// verification exhausts its confirmation schedule and gives up.
	loop.Publish(wire.OffBusSubject(workerAccount), mustJSON(t, wire.OffBusMessage{
		MessageID:        wire.MintMessageID(),
		EncryptedPayload: string(encrypted),
		Hash:             wire.HashHex(encrypted),
		Timestamp:        time.Now().UnixMilli(),
		From:             clientAccount,
	}))

	requireNoDelivery(t, got, 500*time.Millisecond)
	require.Equal(t, 1, receiver.Store().Len(), "unconfirmed payload stays until eviction")
	require.Zero(t, submits.Load(), "verification never writes to the ledger")
}

func TestAnchorVisibleDuringConfirmBackoff(t *testing.T) {
	mem := ledgertest.New()
	// The anchor lags behind the bus copy, so the recipient has to fetch
	// for it on the confirmation schedule instead of observing it first.
	mem.SetVisibilityDelay(30 * time.Millisecond)
	loop := bustest.New()
	peers := testPeers(t)

	sender := newRuntime(t, clientAccount, clientInbound, peers, mem, loop)
	receiver := newRuntime(t, workerAccount, workerInbound, peers, mem, loop)
	got := collect(receiver, subjectJobs)

	ctx := context.Background()
	require.NoError(t, sender.Init(ctx))
	require.NoError(t, receiver.Init(ctx))

	env, err := wire.NewEnvelope("job_posted", map[string]any{"jobId": "lagged-1"})
	require.NoError(t, err)
	env.To = workerAccount
	_, err = sender.Send(ctx, subjectJobs, env)
	require.NoError(t, err)

	d := awaitDelivery(t, got)
	require.True(t, d.meta.Verified)

	// The bus-side verification and the topic monitor race for the same
	// message; exactly one of them may dispatch it.
	requireNoDelivery(t, got, 300*time.Millisecond)
	require.Eventually(t, func() bool { return receiver.Store().Len() == 0 },
		deliverTimeout, 10*time.Millisecond)
}

func TestPayloadAfterStoreWaitReconciles(t *testing.T) {
	mem := ledgertest.New()
	loop := bustest.New()
	// The bus lags past the whole correlation window: the observed anchor
	// goes pending and the late payload arrival completes verification.
	loop.SetDelay(wire.OffBusSubject(workerAccount), 500*time.Millisecond)
	peers := testPeers(t)

	sender := newRuntime(t, clientAccount, clientInbound, peers, mem, loop)
	receiver := newRuntime(t, workerAccount, workerInbound, peers, mem, loop)
	got := collect(receiver, subjectJobs)

	ctx := context.Background()
	require.NoError(t, sender.Init(ctx))
	require.NoError(t, receiver.Init(ctx))

	env, err := wire.NewEnvelope("job_posted", map[string]any{"jobId": "pending-1"})
	require.NoError(t, err)
	env.To = workerAccount
	_, err = sender.Send(ctx, subjectJobs, env)
	require.NoError(t, err)

	d := awaitDelivery(t, got)
	require.True(t, d.meta.Verified)
	requireNoDelivery(t, got, 300*time.Millisecond)
	require.Eventually(t, func() bool { return receiver.Store().Len() == 0 },
		deliverTimeout, 10*time.Millisecond)
}

func TestInitTwiceReturnsError(t *testing.T) {
	rt := newRuntime(t, clientAccount, clientInbound, testPeers(t), ledgertest.New(), bustest.New())
	require.NoError(t, rt.Init(context.Background()))
	require.ErrorIs(t, rt.Init(context.Background()), fabric.ErrAlreadyInitialized)
}

func TestCloseDuringLateBusDelivery(t *testing.T) {
	mem := ledgertest.New()
	loop := bustest.New()
	loop.SetDelay(wire.OffBusSubject(workerAccount), 150*time.Millisecond)
	peers := testPeers(t)

	sender := newRuntime(t, clientAccount, clientInbound, peers, mem, loop)
	receiver := newRuntime(t, workerAccount, workerInbound, peers, mem, loop)

	ctx := context.Background()
	require.NoError(t, sender.Init(ctx))
	require.NoError(t, receiver.Init(ctx))

	env, err := wire.NewEnvelope("job_posted", map[string]any{"jobId": "shutdown-1"})
	require.NoError(t, err)
	env.To = workerAccount
	_, err = sender.Send(ctx, subjectJobs, env)
	require.NoError(t, err)

	// Close while the delayed bus copy is still in flight. Close drains the
	// loopback's delivery goroutine, so the handler is guaranteed to fire
	// against a closing runtime; it must neither panic nor store anything.
	require.NotPanics(t, receiver.Close)
	require.Zero(t, receiver.Store().Len())
	require.NotPanics(t, receiver.Close)
}

func TestConnectionStatusSnapshot(t *testing.T) {
	mem := ledgertest.New()
	peers := testPeers(t)
	rt := newRuntime(t, workerAccount, workerInbound, peers, mem, bustest.New())

	st := rt.GetConnectionStatus()
	require.False(t, st.IsInitialized)

	rt.Subscribe(subjectJobs, func(context.Context, *wire.Envelope, registry.Metadata) error { return nil })
	require.NoError(t, rt.Init(context.Background()))

	st = rt.GetConnectionStatus()
	require.True(t, st.IsInitialized)
	require.Equal(t, workerAccount, st.AgentAccountID)
	require.Equal(t, workerInbound, st.InboundTopicID)
	require.Equal(t, 3, st.ActiveConnections)
	require.Contains(t, st.Subjects, subjectJobs)
	require.True(t, st.UseOffChainMessaging)
}

func mustJSON(t *testing.T, v any) []byte {
	t.Helper()
	data, err := json.Marshal(v)
	require.NoError(t, err)
	return data
}
