// Package metrics registers the Prometheus series exposed by a
// fixgatewayd process: session state, heartbeat liveness, and Raft
// cluster health. Shape mirrors the teacher's escrow metrics package —
// one struct of vectors, constructed once via promauto — generalized
// from economic-trust labels to session/raft labels. There are no
// helper methods; callers update the exported vectors directly.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds every Prometheus series the gateway publishes.
type Metrics struct {
	SessionTransitions *prometheus.CounterVec
	SessionState       *prometheus.GaugeVec
	HeartbeatsSent     *prometheus.CounterVec
	TestRequestsSent   *prometheus.CounterVec
	ResendRequests     *prometheus.CounterVec
	NextSentSeq        *prometheus.GaugeVec
	ExpectedRecvSeq    *prometheus.GaugeVec

	RaftTerm         *prometheus.GaugeVec
	RaftRole         *prometheus.GaugeVec
	RaftCommitIndex  *prometheus.GaugeVec
	RaftElections    *prometheus.CounterVec
	RaftAppendErrors *prometheus.CounterVec

	RingBufferBackpressure *prometheus.CounterVec
}

// New constructs and registers all series under the given namespace
// against the default Prometheus registry.
func New(namespace string) *Metrics {
	return NewWithRegisterer(namespace, prometheus.DefaultRegisterer)
}

// NewWithRegisterer is like New but registers against the given
// registerer — tests use a fresh prometheus.NewRegistry() per case so
// repeated construction doesn't collide on the default registry.
func NewWithRegisterer(namespace string, reg prometheus.Registerer) *Metrics {
	if namespace == "" {
		namespace = "fixgateway"
	}
	factory := promauto.With(reg)
	return &Metrics{
		SessionTransitions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "session_transitions_total",
				Help:      "Count of session state-machine transitions.",
			},
			[]string{"session_id", "from", "to"},
		),
		SessionState: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "session_state",
				Help:      "Current state enum value of a session (0..6).",
			},
			[]string{"session_id"},
		),
		HeartbeatsSent: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "heartbeats_sent_total",
				Help:      "Count of heartbeats emitted by poll().",
			},
			[]string{"session_id"},
		),
		TestRequestsSent: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "test_requests_sent_total",
				Help:      "Count of test requests emitted due to liveness suspicion.",
			},
			[]string{"session_id"},
		),
		ResendRequests: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "resend_requests_total",
				Help:      "Count of ResendRequests emitted due to sequence gaps.",
			},
			[]string{"session_id"},
		),
		NextSentSeq: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "next_sent_seq",
				Help:      "Current outbound sequence number.",
			},
			[]string{"session_id"},
		),
		ExpectedRecvSeq: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "expected_received_seq",
				Help:      "Current expected inbound sequence number.",
			},
			[]string{"session_id"},
		),
		RaftTerm: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "raft_current_term",
				Help:      "Current Raft term observed by this node.",
			},
			[]string{"node_id"},
		),
		RaftRole: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "raft_role",
				Help:      "Current Raft role (0=follower, 1=candidate, 2=leader).",
			},
			[]string{"node_id"},
		),
		RaftCommitIndex: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "raft_commit_index",
				Help:      "Highest committed Raft log index.",
			},
			[]string{"node_id"},
		),
		RaftElections: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "raft_elections_started_total",
				Help:      "Count of elections this node has started as candidate.",
			},
			[]string{"node_id"},
		),
		RaftAppendErrors: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "raft_append_rejections_total",
				Help:      "Count of AppendEntries rejections this node has issued or received.",
			},
			[]string{"node_id"},
		),
		RingBufferBackpressure: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "ringbuffer_backpressure_total",
				Help:      "Count of TryClaim calls that hit back-pressure.",
			},
			[]string{"stream"},
		),
	}
}
