package raftrpc

import (
	"context"
	"fmt"
	"sync"
)

// GRPCTransport is the real (non-test) cluster transport: one
// raftrpc.Client per peer, dialed once at startup by cmd/fixgatewayd
// and registered here by node id.
type GRPCTransport struct {
	mu      sync.RWMutex
	clients map[uint64]*Client
}

// NewGRPCTransport builds an empty transport; callers Register each
// peer's dialed *grpc.ClientConn-backed Client before use.
func NewGRPCTransport() *GRPCTransport {
	return &GRPCTransport{clients: make(map[uint64]*Client)}
}

// Register attaches peerID's client connection.
func (t *GRPCTransport) Register(peerID uint64, client *Client) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.clients[peerID] = client
}

func (t *GRPCTransport) clientFor(peerID uint64) (*Client, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	c, ok := t.clients[peerID]
	if !ok {
		return nil, fmt.Errorf("raftrpc: no client registered for peer %d", peerID)
	}
	return c, nil
}

// SendRequestVote implements the raft.Transport surface.
func (t *GRPCTransport) SendRequestVote(ctx context.Context, peerID uint64, req *RequestVoteRequest) (*RequestVoteReply, error) {
	c, err := t.clientFor(peerID)
	if err != nil {
		return nil, err
	}
	return c.RequestVote(ctx, req)
}

// SendAppendEntries implements the raft.Transport surface.
func (t *GRPCTransport) SendAppendEntries(ctx context.Context, peerID uint64, req *AppendEntriesRequest) (*AppendEntriesReply, error) {
	c, err := t.clientFor(peerID)
	if err != nil {
		return nil, err
	}
	return c.AppendEntries(ctx, req)
}

// FakeNetwork is an in-process, fully in-memory transport connecting
// a fixed set of cluster nodes by id, used by internal/raft's tests to
// exercise the four frame-drop combinations from spec.md §4.2 without
// a real network. Drop flags are kept per node, one for outbound and
// one for inbound, so "drop inbound on node 2" and "drop outbound from
// node 1" are independently controllable. A flag applies to requests
// and to the replies that travel back the other way.
//
// Grounded on the teacher's ticket/dispatch-table test doubles
// (internal/fabric/hub.go's in-memory SpokeInfo registry): a map keyed
// by id dispatching directly to the target's handler, no real
// transport round-trip.
type FakeNetwork struct {
	mu       sync.RWMutex
	handlers map[uint64]Handler
	dropOut  map[uint64]bool            // node id -> drop everything it sends
	dropIn   map[uint64]map[uint64]bool // to -> from -> drop
}

// NewFakeNetwork builds an empty network; nodes register with
// Register before any RPC is routed to or from them.
func NewFakeNetwork() *FakeNetwork {
	return &FakeNetwork{
		handlers: make(map[uint64]Handler),
		dropOut:  make(map[uint64]bool),
		dropIn:   make(map[uint64]map[uint64]bool),
	}
}

// Register attaches a node's Handler so other nodes can reach it.
func (n *FakeNetwork) Register(nodeID uint64, h Handler) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.handlers[nodeID] = h
}

// DropOutbound makes everything nodeID sends vanish (spec.md §4.2's
// "drop only outbound on a follower").
func (n *FakeNetwork) DropOutbound(nodeID uint64, drop bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.dropOut[nodeID] = drop
}

// DropInbound makes everything sent to nodeID vanish (spec.md §4.2's
// "drop only inbound on a follower").
func (n *FakeNetwork) DropInbound(nodeID uint64, drop bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.dropIn[nodeID] == nil {
		n.dropIn[nodeID] = make(map[uint64]bool)
	}
	// A blanket inbound drop applies regardless of sender; record it
	// under the wildcard key 0 and check it first in routable.
	n.dropIn[nodeID][0] = drop
}

func (n *FakeNetwork) routable(from, to uint64) bool {
	n.mu.RLock()
	defer n.mu.RUnlock()
	if n.dropOut[from] {
		return false
	}
	if byFrom, ok := n.dropIn[to]; ok && byFrom[0] {
		return false
	}
	return true
}

func (n *FakeNetwork) handlerFor(id uint64) (Handler, error) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	h, ok := n.handlers[id]
	if !ok {
		return nil, fmt.Errorf("raftrpc: no node registered with id %d", id)
	}
	return h, nil
}

// Link is the per-source view of the network, implementing the
// Transport surface internal/raft's Node expects.
type Link struct {
	from uint64
	net  *FakeNetwork
}

// LinkFor returns a Link that sends as fromNodeID.
func (n *FakeNetwork) LinkFor(fromNodeID uint64) *Link {
	return &Link{from: fromNodeID, net: n}
}

// SendRequestVote implements the raft.Transport surface.
func (l *Link) SendRequestVote(ctx context.Context, peerID uint64, req *RequestVoteRequest) (*RequestVoteReply, error) {
	if !l.net.routable(l.from, peerID) {
		return nil, fmt.Errorf("raftrpc: frame dropped %d->%d", l.from, peerID)
	}
	h, err := l.net.handlerFor(peerID)
	if err != nil {
		return nil, err
	}
	reply, err := h.HandleRequestVote(ctx, req)
	if err != nil {
		return nil, err
	}
	if !l.net.routable(peerID, l.from) {
		return nil, fmt.Errorf("raftrpc: reply dropped %d->%d", peerID, l.from)
	}
	return reply, nil
}

// SendAppendEntries implements the raft.Transport surface.
func (l *Link) SendAppendEntries(ctx context.Context, peerID uint64, req *AppendEntriesRequest) (*AppendEntriesReply, error) {
	if !l.net.routable(l.from, peerID) {
		return nil, fmt.Errorf("raftrpc: frame dropped %d->%d", l.from, peerID)
	}
	h, err := l.net.handlerFor(peerID)
	if err != nil {
		return nil, err
	}
	reply, err := h.HandleAppendEntries(ctx, req)
	if err != nil {
		return nil, err
	}
	if !l.net.routable(peerID, l.from) {
		return nil, fmt.Errorf("raftrpc: reply dropped %d->%d", peerID, l.from)
	}
	return reply, nil
}
