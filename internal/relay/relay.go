// Package relay implements the optional fan-out agent. It subscribes to
// every subject, keeps a registration table of (agentAccountId, subjects),
// and forwards routable messages to registered peers whose subject list
// matches. Agents that know peer inbound topics directly do not depend on
// the relay.
package relay

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/aexowork/fabric/internal/fabric"
	"github.com/aexowork/fabric/internal/monitoring"
	"github.com/aexowork/fabric/internal/registry"
	"github.com/aexowork/fabric/internal/wire"
)

// registrationTTL prunes agents that have not re-registered. Keeps the
// table bounded; re-registration is cheap.
const registrationTTL = 24 * time.Hour

type registration struct {
	subjects map[string]struct{}
	lastSeen time.Time
}

// Relay fans subject-addressed traffic out to registered subscribers.
type Relay struct {
	rt     *fabric.Runtime
	pool   *fabric.WorkerPool
	logger zerolog.Logger

	mu    sync.Mutex
	table map[string]*registration
}

func New(rt *fabric.Runtime, logger zerolog.Logger) *Relay {
	return &Relay{
		rt:     rt,
		pool:   fabric.NewWorkerPool(4, 256, logger),
		logger: logger.With().Str("component", "relay").Logger(),
		table:  make(map[string]*registration),
	}
}

// Start wires the relay into the runtime and launches the prune loop.
func (r *Relay) Start(ctx context.Context) {
	r.pool.Start(ctx)
	r.rt.Subscribe(registry.Wildcard, r.handle)

	ticker := time.NewTicker(time.Hour)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				r.prune()
			}
		}
	}()
	r.logger.Info().Msg("Relay started")
}

func (r *Relay) handle(ctx context.Context, env *wire.Envelope, meta registry.Metadata) error {
	switch env.Subject {
	case fabric.SubjectAgentRegistered, fabric.SubjectAgentDiscovery:
		r.register(env, meta)
		return nil
	}
	if env.HasExtra("relayed") {
		// Already forwarded once; relaying again would loop.
		return nil
	}
	r.forward(env, meta)
	return nil
}

// register records or refreshes an agent's subject interests. The account
// defaults to the verified sender; an explicit accountId field wins.
func (r *Relay) register(env *wire.Envelope, meta registry.Metadata) {
	account := meta.From
	if env.HasExtra("accountId") {
		var explicit string
		if err := env.GetExtra("accountId", &explicit); err == nil && explicit != "" {
			account = explicit
		}
	}
	if account == "" {
		return
	}
	var subjects []string
	if env.HasExtra("subjects") {
		if err := env.GetExtra("subjects", &subjects); err != nil {
			r.logger.Warn().Str("account", account).Msg("Registration with malformed subjects field")
			return
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	reg, ok := r.table[account]
	if !ok {
		reg = &registration{subjects: make(map[string]struct{})}
		r.table[account] = reg
	}
	for _, s := range subjects {
		reg.subjects[s] = struct{}{}
	}
	reg.lastSeen = time.Now()
	r.logger.Info().
		Str("account", account).
		Strs("subjects", subjects).
		Msg("Agent registration updated")
}

// forward sends a tagged copy to every registered peer subscribed to the
// subject, skipping the original sender and the relay itself. Duplicates at
// agents that were also direct recipients are possible; the relayed flag
// lets them dedup client-side.
func (r *Relay) forward(env *wire.Envelope, meta registry.Metadata) {
	sender := env.From
	if sender == "" {
		sender = meta.From
	}
	self := r.rt.Identity().AccountID

	r.mu.Lock()
	var targets []string
	for account, reg := range r.table {
		if account == sender || account == self {
			continue
		}
		if _, ok := reg.subjects[env.Subject]; ok {
			targets = append(targets, account)
		}
	}
	r.mu.Unlock()

	for _, target := range targets {
		cp := env.Clone()
		cp.To = target
		if err := cp.SetExtra("relayed", true); err != nil {
			continue
		}
		_ = cp.SetExtra("originalFrom", sender)
		_ = cp.SetExtra("relayedBy", self)

		subject := env.Subject
		r.pool.Submit(func() {
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			if _, err := r.rt.Send(ctx, subject, cp); err != nil {
				r.logger.Warn().
					Err(err).
					Str("subject", subject).
					Str("target", cp.To).
					Msg("Relay forward failed")
				return
			}
			monitoring.RelayForwardsTotal.Inc()
		})
	}
	if len(targets) > 0 {
		r.logger.Debug().
			Str("subject", env.Subject).
			Int("targets", len(targets)).
			Msg("Relay fan-out queued")
	}
}

func (r *Relay) prune() {
	cutoff := time.Now().Add(-registrationTTL)
	r.mu.Lock()
	defer r.mu.Unlock()
	for account, reg := range r.table {
		if reg.lastSeen.Before(cutoff) {
			delete(r.table, account)
		}
	}
}

// Registered returns the accounts currently in the registration table.
func (r *Relay) Registered() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.table))
	for account := range r.table {
		out = append(out, account)
	}
	return out
}
