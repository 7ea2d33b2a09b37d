// Package fabric is the runtime of the aexowork agent communication layer.
// It wires the bus, the ledger, the message store, and the subscription
// registry into the send, monitor, and verification pipelines described in
// the protocol: payloads travel over the low-latency bus, proofs of their
// existence are anchored on the recipient's inbound ledger topic, and a
// handler only ever fires after both sides have been matched.
package fabric

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/aexowork/fabric/internal/config"
	"github.com/aexowork/fabric/internal/identity"
	"github.com/aexowork/fabric/internal/ledger"
	"github.com/aexowork/fabric/internal/monitoring"
	"github.com/aexowork/fabric/internal/registry"
	"github.com/aexowork/fabric/internal/store"
	"github.com/aexowork/fabric/internal/wire"
)

// Bus is the off-chain transport the runtime publishes and subscribes on.
// bus.Client implements it; tests use an in-process loopback.
type Bus interface {
	Publish(subject string, data []byte) error
	Subscribe(subject string, handler func(subject string, data []byte)) error
	IsConnected() bool
	Close()
}

// Options configures a Runtime. Identity, Peers, and Ledger are required;
// everything else has a default.
type Options struct {
	Identity *identity.Identity
	Peers    *config.PeerTable
	Ledger   ledger.Client

	// Bus may be nil, which forces direct-ledger mode.
	Bus Bus

	// Codec defaults to Base64Codec. The anchor hash is computed over
	// codec output, so swapping it does not change verification.
	Codec wire.PayloadCodec

	// Verifier defaults to the permissive implementation.
	Verifier wire.Verifier

	// DirectOnly disables off-chain messaging even when a bus is present.
	DirectOnly bool

	// ConnectionTopics are additional ledger topics monitored at the
	// slower connection cadence.
	ConnectionTopics []string

	// Timings defaults to DefaultTimings.
	Timings *Timings

	Logger zerolog.Logger
}

// Runtime is the process-lifetime fabric object. Instantiated once and
// passed to agents explicitly; there is no hidden global state.
type Runtime struct {
	id       *identity.Identity
	peers    *config.PeerTable
	ledger   ledger.Client
	bus      Bus
	codec    wire.PayloadCodec
	signer   wire.Signer
	verifier wire.Verifier
	timings  Timings
	logger   zerolog.Logger

	registry *registry.Registry
	store    *store.MessageStore
	seq      *store.SequenceTracker
	cache    *store.VerifyCache

	// claimed remembers messageIds that already dispatched so re-observed
	// anchors and bus redeliveries are dropped without a store wait.
	claimed *store.VerifyCache

	connectionTopics []string

	// offchain is the one-way degradation flag: starts true when a bus is
	// configured, forced false for the process lifetime on bus failure.
	offchain    atomic.Bool
	initialized atomic.Bool

	pendingMu sync.Mutex
	pending   map[string]pendingAnchor

	runCtx context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	// closeMu orders bus-side goroutine spawns against Close: once closed
	// is set no spawn may touch the WaitGroup Close is waiting on.
	closeMu sync.Mutex
	closed  bool
}

type pendingAnchor struct {
	anchor  *wire.AnchorRecord
	seq     int64
	expires time.Time
}

// New builds a Runtime from options. Call Init to start the background
// loops.
func New(opts Options) (*Runtime, error) {
	if opts.Identity == nil {
		return nil, fmt.Errorf("fabric: identity is required")
	}
	if opts.Ledger == nil {
		return nil, fmt.Errorf("fabric: ledger client is required")
	}
	timings := DefaultTimings()
	if opts.Timings != nil {
		timings = *opts.Timings
	}
	codec := opts.Codec
	if codec == nil {
		codec = wire.Base64Codec{}
	}
	verifier := opts.Verifier
	if verifier == nil {
		verifier = wire.PermissiveVerifier{}
	}
	logger := opts.Logger.With().
		Str("component", "fabric").
		Str("account", opts.Identity.AccountID).
		Logger()

	rt := &Runtime{
		id:               opts.Identity,
		peers:            opts.Peers,
		ledger:           opts.Ledger,
		bus:              opts.Bus,
		codec:            codec,
		signer:           opts.Identity.Signer(),
		verifier:         verifier,
		timings:          timings,
		logger:           logger,
		registry:         registry.New(logger),
		store:            store.NewMessageStore(timings.StoreRetention, logger),
		seq:              store.NewSequenceTracker(),
		cache:            store.NewVerifyCache(4096),
		claimed:          store.NewVerifyCache(4096),
		connectionTopics: opts.ConnectionTopics,
		pending:          make(map[string]pendingAnchor),
	}
	rt.offchain.Store(opts.Bus != nil && !opts.DirectOnly)
	return rt, nil
}

// Init starts the background loops: the off-bus subscription for this
// agent, the inbound topic monitor, any connection topic monitors, and the
// store sweeper. A second call returns ErrAlreadyInitialized.
func (rt *Runtime) Init(ctx context.Context) error {
	if !rt.initialized.CompareAndSwap(false, true) {
		return ErrAlreadyInitialized
	}

	runCtx, cancel := context.WithCancel(context.Background())
	rt.runCtx = runCtx
	rt.cancel = cancel

	if rt.bus != nil && rt.offchain.Load() {
		if !rt.bus.IsConnected() {
			// One-way switch: the process runs direct-ledger for its
			// lifetime. Logged once here, traffic continues.
			rt.offchain.Store(false)
			monitoring.BusConnected.Set(0)
			rt.logger.Warn().Msg("Bus unreachable at startup, degrading to direct-ledger mode")
		} else {
			subject := wire.OffBusSubject(rt.id.AccountID)
			if err := rt.bus.Subscribe(subject, rt.onOffBus); err != nil {
				rt.offchain.Store(false)
				monitoring.BusConnected.Set(0)
				rt.logger.Warn().Err(err).Msg("Bus subscribe failed, degrading to direct-ledger mode")
			} else {
				monitoring.BusConnected.Set(1)
			}
		}
	}

	rt.store.StartSweeper(runCtx, rt.timings.StoreSweepInterval)

	rt.startMonitor(runCtx, rt.id.InboundTopicID, rt.timings.InboundPollInterval)
	for _, topic := range rt.connectionTopics {
		rt.startMonitor(runCtx, topic, rt.timings.ConnectionPollInterval)
	}

	rt.logger.Info().
		Str("inbound_topic", rt.id.InboundTopicID).
		Bool("offchain", rt.offchain.Load()).
		Int("peers", rt.peerCount()).
		Msg("Fabric runtime initialized")

	_ = ctx // reserved for future startup handshakes
	return nil
}

// Subscribe registers a handler for a subject. The wildcard subject
// registry.Wildcard receives every dispatched envelope.
func (rt *Runtime) Subscribe(subject string, h registry.Handler) {
	rt.registry.Subscribe(subject, h)
}

// busVerifyTimeout bounds one bus-triggered verification, comfortably above
// the store wait plus the full confirmation schedule.
const busVerifyTimeout = 30 * time.Second

// onOffBus is the bus subscription handler for offchain.<self>. It inserts
// the payload into the message store and starts a verification: against the
// pending anchor when the ledger side was observed first, otherwise against
// an anchor rebuilt from the off-bus fields, whose confirm step then waits
// for the ledger copy on the backoff schedule.
func (rt *Runtime) onOffBus(subject string, data []byte) {
	if rt.isClosed() {
		return
	}
	var msg wire.OffBusMessage
	if err := json.Unmarshal(data, &msg); err != nil || msg.MessageID == "" {
		rt.logger.Warn().Str("subject", subject).Msg("Dropping malformed off-bus message")
		return
	}
	if rt.claimed.Contains(msg.MessageID) {
		return // bus redelivery of an already dispatched message
	}
	rt.store.Put(msg)
	monitoring.StoreEntries.Set(float64(rt.store.Len()))

	if pend, ok := rt.takePending(msg.MessageID); ok {
		rt.spawnVerify(pend.anchor, pend.seq)
		return
	}
	rt.spawnVerify(&wire.AnchorRecord{
		Type:      wire.AnchorType,
		MessageID: msg.MessageID,
		Hash:      msg.Hash,
		Timestamp: msg.Timestamp,
		Signature: msg.Signature,
		From:      msg.From,
		Version:   wire.ProtocolVersion,
	}, 0)
}

// spawnVerify runs one verification on a tracked goroutine. The spawn is
// gated on the closed flag so a bus delivery landing mid-shutdown cannot
// touch the WaitGroup after Close has begun waiting on it.
func (rt *Runtime) spawnVerify(anchor *wire.AnchorRecord, seq int64) {
	rt.closeMu.Lock()
	if rt.closed {
		rt.closeMu.Unlock()
		return
	}
	rt.wg.Add(1)
	rt.closeMu.Unlock()
	go func() {
		defer rt.wg.Done()
		defer monitoring.RecoverPanic(rt.logger, "busVerify")
		ctx, cancel := context.WithTimeout(rt.runCtx, busVerifyTimeout)
		defer cancel()
		rt.verifyAndDispatch(ctx, anchor, seq, "")
	}()
}

func (rt *Runtime) isClosed() bool {
	rt.closeMu.Lock()
	defer rt.closeMu.Unlock()
	return rt.closed
}

func (rt *Runtime) addPending(anchor *wire.AnchorRecord, seq int64) {
	rt.pendingMu.Lock()
	defer rt.pendingMu.Unlock()
	now := time.Now()
	for id, p := range rt.pending {
		if now.After(p.expires) {
			delete(rt.pending, id)
		}
	}
	rt.pending[anchor.MessageID] = pendingAnchor{
		anchor:  anchor,
		seq:     seq,
		expires: now.Add(rt.timings.PendingAnchorTTL),
	}
}

func (rt *Runtime) takePending(messageID string) (pendingAnchor, bool) {
	rt.pendingMu.Lock()
	defer rt.pendingMu.Unlock()
	p, ok := rt.pending[messageID]
	if ok {
		delete(rt.pending, messageID)
		if time.Now().After(p.expires) {
			return pendingAnchor{}, false
		}
	}
	return p, ok
}

func (rt *Runtime) offchainEnabled() bool {
	return rt.offchain.Load() && rt.bus != nil && rt.bus.IsConnected()
}

func (rt *Runtime) peerCount() int {
	if rt.peers == nil {
		return 0
	}
	return rt.peers.Len()
}

// ConnectionStatus is the operational snapshot exposed through each agent's
// status endpoint.
type ConnectionStatus struct {
	IsInitialized        bool     `json:"isInitialized"`
	AgentAccountID       string   `json:"agentAccountId"`
	InboundTopicID       string   `json:"inboundTopicId"`
	OutboundTopicID      string   `json:"outboundTopicId"`
	ActiveConnections    int      `json:"activeConnections"`
	Subjects             []string `json:"subjects"`
	UseOffChainMessaging bool     `json:"useOffChainMessaging"`
	StoreEntries         int      `json:"storeEntries"`
}

// GetConnectionStatus returns the current fabric state.
func (rt *Runtime) GetConnectionStatus() ConnectionStatus {
	return ConnectionStatus{
		IsInitialized:        rt.initialized.Load(),
		AgentAccountID:       rt.id.AccountID,
		InboundTopicID:       rt.id.InboundTopicID,
		OutboundTopicID:      rt.id.OutboundTopicID,
		ActiveConnections:    rt.peerCount(),
		Subjects:             rt.registry.Subjects(),
		UseOffChainMessaging: rt.offchain.Load(),
		StoreEntries:         rt.store.Len(),
	}
}

// Identity returns the runtime's agent identity.
func (rt *Runtime) Identity() *identity.Identity { return rt.id }

// Peers returns the known-peer table.
func (rt *Runtime) Peers() *config.PeerTable { return rt.peers }

// Store exposes the message store for tests and operational tooling.
func (rt *Runtime) Store() *store.MessageStore { return rt.store }

// Close cancels all polling loops and drops pending verifications. The
// registry is cleared; the runtime cannot be restarted. Safe to call more
// than once.
func (rt *Runtime) Close() {
	rt.closeMu.Lock()
	if rt.closed {
		rt.closeMu.Unlock()
		return
	}
	rt.closed = true
	rt.closeMu.Unlock()

	if rt.cancel != nil {
		rt.cancel()
	}
	rt.wg.Wait()
	if rt.bus != nil {
		rt.bus.Close()
	}
	rt.registry.Clear()
	rt.logger.Info().Msg("Fabric runtime closed")
}
