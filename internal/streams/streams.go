// Package streams implements spec.md §5.5's ClusterableStreams: a
// publication point that routes accepted business-message bytes
// either straight into the local ring-buffer transport (solo mode) or
// through the Raft log (clustered mode), so internal/fixsession never
// has to know which deployment it's running in.
//
// Grounded on the teacher's internal/fabric/event_bus.go +
// redis_event_bus.go pair — one interface, two backends chosen by
// config (in-memory vs Redis-backed pub/sub) — generalized here from
// bus selection to publication-routing selection.
package streams

import (
	"errors"

	"github.com/ocx/fixgateway/internal/raft"
	"github.com/ocx/fixgateway/internal/raftrpc"
	"github.com/ocx/fixgateway/internal/ringbuf"
)

// ErrNotLeader is returned by a clustered ClusterableStreams' Offer
// when this node isn't currently the Raft leader — spec.md §5.5
// expects the caller (fixsession) to retreat to a non-fatal retry
// path, not treat this as a wire-level session error.
var ErrNotLeader = errors.New("streams: this node is not the cluster leader")

// ErrClaimUnsupportedClustered is returned by GatewayPublication's
// two-phase Claim/Write path when running clustered: Raft's Propose
// needs the whole payload up front, so there's no equivalent to the
// ring buffer's reserve-then-write split.
var ErrClaimUnsupportedClustered = errors.New("streams: Claim/Write is solo-mode only")

// ClusterableStreams is the routing decision described by spec.md
// §5.5, made once at construction from Config.Cluster.Enabled.
type ClusterableStreams struct {
	solo      *ringbuf.Buffer
	cluster   *raft.Node
	sessionID uint64
	clustered bool
}

// NewSolo builds a ClusterableStreams that offers directly to buf —
// the non-clustered deployment mode.
func NewSolo(buf *ringbuf.Buffer) *ClusterableStreams {
	return &ClusterableStreams{solo: buf}
}

// NewClustered builds a ClusterableStreams that offers through node's
// Raft log, tagging every proposed entry with sessionID so subscribers
// can attribute committed entries back to the originating FIX session.
func NewClustered(node *raft.Node, sessionID uint64) *ClusterableStreams {
	return &ClusterableStreams{cluster: node, sessionID: sessionID, clustered: true}
}

// Offer accepts payload into the stream and returns its position:
// the local ring-buffer offset in solo mode, or the committed Raft
// log index in clustered mode (once Subscribe delivers it — Propose
// itself only guarantees the index is assigned, not yet committed).
func (s *ClusterableStreams) Offer(payload []byte) (position int64, err error) {
	if !s.clustered {
		return s.solo.Offer(payload)
	}
	index, _, isLeader := s.cluster.Propose(s.sessionID, payload)
	if !isLeader {
		return 0, ErrNotLeader
	}
	return int64(index), nil
}

// Subscribe exposes every committed cluster entry of the node, whatever
// session id it carries (no filtering by this stream's tag); a no-op
// (nil channel) in solo mode since there's no separate commit step to
// observe.
func (s *ClusterableStreams) Subscribe() <-chan *raftrpc.LogEntry {
	if !s.clustered {
		return nil
	}
	return s.cluster.Subscribe()
}

// Position reports this stream's current final-position candidate for
// a CompletionPosition latch (spec.md §5.7): the producer's ring
// buffer offset in solo mode, or the committed Raft log index
// (internal/raft already tracks reaching quorum) in clustered mode.
func (s *ClusterableStreams) Position() int64 {
	if !s.clustered {
		return s.solo.ProducerPosition()
	}
	return int64(s.cluster.CommitIndex())
}

// GatewayPublication is the thin wrapper internal/fixsession depends
// on via its Publisher interface (Offer only); Claim/Write are
// exposed for solo-mode callers that want the ring buffer's two-phase
// reserve-then-write path directly.
type GatewayPublication struct {
	streams *ClusterableStreams
}

// NewGatewayPublication wraps streams for use as a
// fixsession.Publisher.
func NewGatewayPublication(streams *ClusterableStreams) *GatewayPublication {
	return &GatewayPublication{streams: streams}
}

// Offer implements fixsession.Publisher.
func (p *GatewayPublication) Offer(payload []byte) (position int64, err error) {
	return p.streams.Offer(payload)
}

// Position passes through ClusterableStreams.Position for shutdown's
// CompletionPosition latch.
func (p *GatewayPublication) Position() int64 {
	return p.streams.Position()
}

// Claim reserves length bytes in the solo-mode ring buffer for a
// zero-copy write; unsupported when clustered.
func (p *GatewayPublication) Claim(length int) (position int64, err error) {
	if p.streams.clustered {
		return 0, ErrClaimUnsupportedClustered
	}
	return p.streams.solo.Claim(length)
}

// Write completes a prior Claim in solo mode.
func (p *GatewayPublication) Write(position int64, payload []byte) error {
	if p.streams.clustered {
		return ErrClaimUnsupportedClustered
	}
	p.streams.solo.Write(position, payload)
	return nil
}
