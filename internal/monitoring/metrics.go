package monitoring

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Prometheus metrics for the messaging fabric. Scraped via promhttp on the
// agent's status listener.
var (
	SendsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fabric_sends_total",
		Help: "Messages sent, by transport method (offchain-bus or direct)",
	}, []string{"method"})

	SendFailuresTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fabric_send_failures_total",
		Help: "Per-recipient send failures",
	})

	AnchorsSubmittedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fabric_anchors_submitted_total",
		Help: "Anchor records submitted to recipient inbound topics",
	})

	PollsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fabric_polls_total",
		Help: "Inbound topic poll ticks executed",
	})

	PollThrottledTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fabric_poll_throttled_total",
		Help: "Poll ticks skipped due to mirror node rate limiting (429)",
	})

	PollErrorsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fabric_poll_errors_total",
		Help: "Poll ticks that failed on both the REST and SDK read paths",
	})

	VerificationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fabric_verifications_total",
		Help: "Anchor verification outcomes (ok, integrity, unconfirmed, abandoned)",
	}, []string{"result"})

	DispatchesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fabric_dispatches_total",
		Help: "Envelopes dispatched to handlers, by verified flag",
	}, []string{"verified"})

	StoreEntries = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "fabric_store_entries",
		Help: "Off-bus messages currently held in the message store",
	})

	BusConnected = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "fabric_bus_connected",
		Help: "Bus connectivity (1=connected, 0=degraded to direct-ledger mode)",
	})

	RelayForwardsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fabric_relay_forwards_total",
		Help: "Messages forwarded by the relay agent",
	})
)
