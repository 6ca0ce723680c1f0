// Package raft implements the cluster replication layer described in
// spec.md §4.2: leader election with randomized timeouts, AppendEntries
// log replication, and the majority+current-term commit rule. A Node
// is driven by DoWork (spec.md §5's agent model): no call here blocks
// on the network — every RPC is dispatched from a goroutine and its
// result drained from a channel on the next DoWork pass.
//
// Grounded on the pack's reference Raft implementations
// (_examples/other_examples/xapon-raft, pingcap-incubator-tinykv,
// sunshinejiali-Raft, mauri870-raft) for the shape of the state
// (currentTerm/votedFor/log, nextIndex/matchIndex per peer, commit via
// majority match) — these are reference material, not a teacher;
// the do_work-driven, non-blocking structure follows the teacher's
// agent/hub ticker idiom instead (internal/fabric/hub.go).
package raft

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/ocx/fixgateway/internal/metrics"
	"github.com/ocx/fixgateway/internal/raftrpc"
)

// Role is one of the three Raft node roles (spec.md §4.2).
type Role int

const (
	Follower Role = iota
	Candidate
	Leader
)

func (r Role) String() string {
	switch r {
	case Follower:
		return "FOLLOWER"
	case Candidate:
		return "CANDIDATE"
	case Leader:
		return "LEADER"
	default:
		return "UNKNOWN"
	}
}

// ErrNotImplemented is returned by Compact: log compaction is out of
// scope for this exercise (spec.md's Non-goals don't name it, but it
// is deliberately deferred — see SPEC_FULL.md §5.4).
var ErrNotImplemented = errors.New("raft: not implemented")

// Transport is the narrow RPC surface a Node needs; satisfied by
// raftrpc.Link (or a custom fault-injecting double in tests).
type Transport interface {
	SendRequestVote(ctx context.Context, peerID uint64, req *raftrpc.RequestVoteRequest) (*raftrpc.RequestVoteReply, error)
	SendAppendEntries(ctx context.Context, peerID uint64, req *raftrpc.AppendEntriesRequest) (*raftrpc.AppendEntriesReply, error)
}

// PersistentState persists current_term/voted_for synchronously
// before a node grants a vote or starts an election (spec.md §6).
type PersistentState interface {
	SaveState(term, votedFor uint64) error
	LoadState() (term, votedFor uint64, ok bool, err error)
}

// Clock abstracts wall-clock reads so election timing can be driven
// deterministically in tests, mirroring internal/fixsession.Clock.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

// Config holds the per-node tunables from spec.md §4.2/§6.
type Config struct {
	NodeID              uint64
	PeerIDs             []uint64
	ElectionTimeoutMin  time.Duration
	ElectionTimeoutMax  time.Duration
	HeartbeatInterval   time.Duration
}

type voteResult struct {
	peerID  uint64
	term    uint64
	granted bool
	err     error
}

type appendResult struct {
	peerID       uint64
	prevLogIndex uint64
	numEntries   int
	reply        *raftrpc.AppendEntriesReply
	err          error
}

// Node is a single Raft participant.
type Node struct {
	mu sync.Mutex

	cfg       Config
	transport Transport
	persist   PersistentState
	clock     Clock
	rng       *rand.Rand
	metrics   *metrics.Metrics

	role            Role
	currentTerm     uint64
	votedFor        uint64
	log             []*raftrpc.LogEntry
	commitIndex     uint64
	lastApplied     uint64
	leaderID        uint64
	leaderSessionID uint64

	nextIndex  map[uint64]uint64
	matchIndex map[uint64]uint64
	votesGranted map[uint64]bool

	electionDeadline       time.Time
	lastHeartbeatBroadcast time.Time

	voteResults   chan voteResult
	appendResults chan appendResult

	subscribers []chan *raftrpc.LogEntry
}

// NewNode constructs a Node in FOLLOWER state with its election
// deadline one randomized timeout after startup (it becomes a
// candidate if it hears nothing before then).
func NewNode(cfg Config, transport Transport, persist PersistentState, m *metrics.Metrics) *Node {
	if cfg.ElectionTimeoutMin <= 0 {
		cfg.ElectionTimeoutMin = 150 * time.Millisecond
	}
	if cfg.ElectionTimeoutMax <= cfg.ElectionTimeoutMin {
		cfg.ElectionTimeoutMax = 2 * cfg.ElectionTimeoutMin
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = cfg.ElectionTimeoutMin / 3
	}

	n := &Node{
		cfg:           cfg,
		transport:     transport,
		persist:       persist,
		clock:         systemClock{},
		rng:           rand.New(rand.NewSource(time.Now().UnixNano() + int64(cfg.NodeID))),
		metrics:       m,
		role:          Follower,
		nextIndex:     make(map[uint64]uint64),
		matchIndex:    make(map[uint64]uint64),
		votesGranted:  make(map[uint64]bool),
		voteResults:   make(chan voteResult, len(cfg.PeerIDs)*4+1),
		appendResults: make(chan appendResult, len(cfg.PeerIDs)*4+1),
	}

	if term, votedFor, ok, err := persist.LoadState(); err == nil && ok {
		n.currentTerm = term
		n.votedFor = votedFor
	}
	n.electionDeadline = n.clock.Now().Add(n.electionTimeout())
	return n
}

// SetClock overrides the wall clock — test-only hook.
func (n *Node) SetClock(c Clock) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.clock = c
}

func (n *Node) electionTimeout() time.Duration {
	span := n.cfg.ElectionTimeoutMax - n.cfg.ElectionTimeoutMin
	if span <= 0 {
		return n.cfg.ElectionTimeoutMin
	}
	return n.cfg.ElectionTimeoutMin + time.Duration(n.rng.Int63n(int64(span)))
}

// Name implements internal/agent.Agent.
func (n *Node) Name() string { return fmt.Sprintf("raft-node-%d", n.cfg.NodeID) }

// DoWork implements internal/agent.Agent: drains any RPC results
// accumulated since the last call, then either broadcasts heartbeats
// (leader) or checks for an election timeout (follower/candidate).
// Never blocks.
func (n *Node) DoWork() (int, error) {
	n.mu.Lock()
	defer n.mu.Unlock()

	actions := n.drainVoteResultsLocked()
	actions += n.drainAppendResultsLocked()

	now := n.clock.Now()
	switch n.role {
	case Leader:
		if n.lastHeartbeatBroadcast.IsZero() || now.Sub(n.lastHeartbeatBroadcast) >= n.cfg.HeartbeatInterval {
			n.broadcastAppendEntriesLocked(now)
			n.lastHeartbeatBroadcast = now
			actions++
		}
	default:
		if now.After(n.electionDeadline) {
			n.startElectionLocked(now)
			actions++
		}
	}

	if n.metrics != nil {
		label := fmt.Sprint(n.cfg.NodeID)
		n.metrics.RaftTerm.WithLabelValues(label).Set(float64(n.currentTerm))
		n.metrics.RaftRole.WithLabelValues(label).Set(float64(n.role))
		n.metrics.RaftCommitIndex.WithLabelValues(label).Set(float64(n.commitIndex))
	}

	return actions, nil
}

func (n *Node) lastLogInfoLocked() (index, term uint64) {
	if len(n.log) == 0 {
		return 0, 0
	}
	last := n.log[len(n.log)-1]
	return last.Index, last.Term
}

func (n *Node) entryAtLocked(index uint64) *raftrpc.LogEntry {
	if index < 1 || index > uint64(len(n.log)) {
		return nil
	}
	return n.log[index-1]
}

func (n *Node) becomeFollowerLocked(term uint64) {
	n.role = Follower
	if term > n.currentTerm {
		n.currentTerm = term
		n.votedFor = 0
		_ = n.persist.SaveState(n.currentTerm, n.votedFor)
	}
}

func (n *Node) startElectionLocked(now time.Time) {
	n.currentTerm++
	n.role = Candidate
	n.votedFor = n.cfg.NodeID
	n.votesGranted = map[uint64]bool{n.cfg.NodeID: true}
	n.electionDeadline = now.Add(n.electionTimeout())

	if err := n.persist.SaveState(n.currentTerm, n.votedFor); err != nil {
		// A failed persisted-state write must not risk an unsafe vote;
		// step back to follower and retry on the next timeout.
		n.role = Follower
		return
	}

	if n.metrics != nil {
		n.metrics.RaftElections.WithLabelValues(fmt.Sprint(n.cfg.NodeID)).Inc()
	}

	lastIndex, lastTerm := n.lastLogInfoLocked()
	req := &raftrpc.RequestVoteRequest{
		Term:         n.currentTerm,
		CandidateID:  n.cfg.NodeID,
		LastLogIndex: lastIndex,
		LastLogTerm:  lastTerm,
	}
	for _, peer := range n.cfg.PeerIDs {
		n.sendRequestVoteAsync(peer, req)
	}

	// A lone node (no peers) wins immediately.
	if len(n.cfg.PeerIDs) == 0 {
		n.becomeLeaderLocked(now)
	}
}

func (n *Node) sendRequestVoteAsync(peerID uint64, req *raftrpc.RequestVoteRequest) {
	transport := n.transport
	results := n.voteResults
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		reply, err := transport.SendRequestVote(ctx, peerID, req)
		res := voteResult{peerID: peerID, err: err}
		if reply != nil {
			res.term = reply.Term
			res.granted = reply.VoteGranted
		}
		select {
		case results <- res:
		default:
		}
	}()
}

func (n *Node) drainVoteResultsLocked() int {
	actions := 0
	for {
		select {
		case res := <-n.voteResults:
			actions++
			n.handleVoteResultLocked(res)
		default:
			return actions
		}
	}
}

func (n *Node) handleVoteResultLocked(res voteResult) {
	if res.err != nil || n.role != Candidate {
		return
	}
	if res.term > n.currentTerm {
		n.becomeFollowerLocked(res.term)
		return
	}
	if res.term != n.currentTerm || !res.granted {
		return
	}
	n.votesGranted[res.peerID] = true
	if len(n.votesGranted) > (len(n.cfg.PeerIDs)+1)/2 {
		n.becomeLeaderLocked(n.clock.Now())
	}
}

func (n *Node) becomeLeaderLocked(now time.Time) {
	n.role = Leader
	n.leaderID = n.cfg.NodeID
	// Deterministic, cluster-wide-unique observable: a fresh term
	// always yields a fresh leader_session_id, and it's derivable by
	// any follower from the AppendEntries it carries — no extra
	// coordination with internal/sessionid is required.
	n.leaderSessionID = n.currentTerm<<20 | n.cfg.NodeID

	lastIndex, _ := n.lastLogInfoLocked()
	n.nextIndex = make(map[uint64]uint64, len(n.cfg.PeerIDs))
	n.matchIndex = make(map[uint64]uint64, len(n.cfg.PeerIDs))
	for _, peer := range n.cfg.PeerIDs {
		n.nextIndex[peer] = lastIndex + 1
		n.matchIndex[peer] = 0
	}
	n.lastHeartbeatBroadcast = time.Time{}
	n.broadcastAppendEntriesLocked(now)
	n.lastHeartbeatBroadcast = now
}

func (n *Node) broadcastAppendEntriesLocked(now time.Time) {
	for _, peer := range n.cfg.PeerIDs {
		next := n.nextIndex[peer]
		if next < 1 {
			next = 1
		}
		prevIndex := next - 1
		prevTerm := uint64(0)
		if e := n.entryAtLocked(prevIndex); e != nil {
			prevTerm = e.Term
		}
		var entries []*raftrpc.LogEntry
		if prevIndex < uint64(len(n.log)) {
			entries = n.log[prevIndex:]
		}
		req := &raftrpc.AppendEntriesRequest{
			Term:            n.currentTerm,
			LeaderID:        n.cfg.NodeID,
			PrevLogIndex:    prevIndex,
			PrevLogTerm:     prevTerm,
			Entries:         entries,
			LeaderCommit:    n.commitIndex,
			LeaderSessionID: n.leaderSessionID,
		}
		n.sendAppendEntriesAsync(peer, req)
	}
}

func (n *Node) sendAppendEntriesAsync(peerID uint64, req *raftrpc.AppendEntriesRequest) {
	transport := n.transport
	results := n.appendResults
	numEntries := len(req.Entries)
	prevLogIndex := req.PrevLogIndex
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		reply, err := transport.SendAppendEntries(ctx, peerID, req)
		res := appendResult{peerID: peerID, prevLogIndex: prevLogIndex, numEntries: numEntries, reply: reply, err: err}
		select {
		case results <- res:
		default:
		}
	}()
}

func (n *Node) drainAppendResultsLocked() int {
	actions := 0
	for {
		select {
		case res := <-n.appendResults:
			actions++
			n.handleAppendResultLocked(res)
		default:
			return actions
		}
	}
}

func (n *Node) handleAppendResultLocked(res appendResult) {
	if res.err != nil {
		if n.metrics != nil {
			n.metrics.RaftAppendErrors.WithLabelValues(fmt.Sprint(n.cfg.NodeID)).Inc()
		}
		return
	}
	if n.role != Leader || res.reply == nil {
		return
	}
	if res.reply.Term > n.currentTerm {
		n.becomeFollowerLocked(res.reply.Term)
		return
	}
	if !res.reply.Success {
		if n.nextIndex[res.peerID] > 1 {
			n.nextIndex[res.peerID]--
		}
		return
	}

	matched := res.prevLogIndex + uint64(res.numEntries)
	if matched > n.matchIndex[res.peerID] {
		n.matchIndex[res.peerID] = matched
	}
	n.nextIndex[res.peerID] = matched + 1
	n.advanceCommitIndexLocked()
}

// advanceCommitIndexLocked applies spec.md §4.2's commit rule: an
// entry is committed once stored on a majority and it belongs to the
// leader's current term.
func (n *Node) advanceCommitIndexLocked() {
	for idx := uint64(len(n.log)); idx > n.commitIndex; idx-- {
		entry := n.entryAtLocked(idx)
		if entry == nil || entry.Term != n.currentTerm {
			continue
		}
		count := 1 // the leader itself
		for _, peer := range n.cfg.PeerIDs {
			if n.matchIndex[peer] >= idx {
				count++
			}
		}
		if count > (len(n.cfg.PeerIDs)+1)/2 {
			n.deliverCommittedLocked(n.commitIndex, idx)
			n.commitIndex = idx
			return
		}
	}
}

func (n *Node) deliverCommittedLocked(from, to uint64) {
	for idx := from + 1; idx <= to; idx++ {
		entry := n.entryAtLocked(idx)
		if entry == nil {
			continue
		}
		for _, sub := range n.subscribers {
			select {
			case sub <- entry:
			default:
			}
		}
	}
}

// HandleRequestVote implements raftrpc.Handler, invoked by the
// transport when a peer solicits this node's vote.
func (n *Node) HandleRequestVote(ctx context.Context, req *raftrpc.RequestVoteRequest) (*raftrpc.RequestVoteReply, error) {
	n.mu.Lock()
	defer n.mu.Unlock()

	if req.Term < n.currentTerm {
		return &raftrpc.RequestVoteReply{Term: n.currentTerm, VoteGranted: false}, nil
	}
	if req.Term > n.currentTerm {
		n.becomeFollowerLocked(req.Term)
	}

	lastIndex, lastTerm := n.lastLogInfoLocked()
	logUpToDate := req.LastLogTerm > lastTerm ||
		(req.LastLogTerm == lastTerm && req.LastLogIndex >= lastIndex)

	grant := (n.votedFor == 0 || n.votedFor == req.CandidateID) && logUpToDate
	if grant {
		n.votedFor = req.CandidateID
		if err := n.persist.SaveState(n.currentTerm, n.votedFor); err != nil {
			return &raftrpc.RequestVoteReply{Term: n.currentTerm, VoteGranted: false}, nil
		}
		n.electionDeadline = n.clock.Now().Add(n.electionTimeout())
	}
	return &raftrpc.RequestVoteReply{Term: n.currentTerm, VoteGranted: grant}, nil
}

// HandleAppendEntries implements raftrpc.Handler.
func (n *Node) HandleAppendEntries(ctx context.Context, req *raftrpc.AppendEntriesRequest) (*raftrpc.AppendEntriesReply, error) {
	n.mu.Lock()
	defer n.mu.Unlock()

	if req.Term < n.currentTerm {
		return &raftrpc.AppendEntriesReply{Term: n.currentTerm, Success: false}, nil
	}

	n.becomeFollowerLocked(req.Term)
	n.role = Follower
	n.leaderID = req.LeaderID
	n.leaderSessionID = req.LeaderSessionID
	n.electionDeadline = n.clock.Now().Add(n.electionTimeout())

	if req.PrevLogIndex > 0 {
		entry := n.entryAtLocked(req.PrevLogIndex)
		if entry == nil || entry.Term != req.PrevLogTerm {
			conflict := uint64(len(n.log))
			return &raftrpc.AppendEntriesReply{Term: n.currentTerm, Success: false, ConflictIndex: conflict}, nil
		}
	}

	if len(req.Entries) > 0 {
		for _, entry := range req.Entries {
			if !entry.VerifyDigest() {
				return &raftrpc.AppendEntriesReply{Term: n.currentTerm, Success: false}, nil
			}
		}
		n.log = append(n.log[:req.PrevLogIndex], req.Entries...)
	}

	if req.LeaderCommit > n.commitIndex {
		newCommit := req.LeaderCommit
		if last := uint64(len(n.log)); newCommit > last {
			newCommit = last
		}
		n.deliverCommittedLocked(n.commitIndex, newCommit)
		n.commitIndex = newCommit
	}

	return &raftrpc.AppendEntriesReply{Term: n.currentTerm, Success: true}, nil
}

// Propose appends payload to the log if this node is currently leader,
// per spec.md §4.2's "leader assigns each local append the next
// (term, index)". Replication happens on the next DoWork heartbeat.
func (n *Node) Propose(sessionID uint64, payload []byte) (index, term uint64, isLeader bool) {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.role != Leader {
		return 0, 0, false
	}
	lastIndex, _ := n.lastLogInfoLocked()
	entry := raftrpc.NewLogEntry(n.currentTerm, lastIndex+1, sessionID, payload)
	n.log = append(n.log, entry)
	n.matchIndex[n.cfg.NodeID] = entry.Index
	return entry.Index, entry.Term, true
}

// Subscribe returns a channel of committed entries in increasing
// index order (spec.md §4.2's delivery guarantee).
func (n *Node) Subscribe() <-chan *raftrpc.LogEntry {
	n.mu.Lock()
	defer n.mu.Unlock()
	ch := make(chan *raftrpc.LogEntry, 1024)
	n.subscribers = append(n.subscribers, ch)
	return ch
}

// IsLeader reports whether this node currently believes itself leader.
func (n *Node) IsLeader() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.role == Leader
}

// IsFollower reports whether this node is currently a follower.
func (n *Node) IsFollower() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.role == Follower
}

// RoleState returns the node's current role.
func (n *Node) RoleState() Role {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.role
}

// CurrentTerm returns the node's current term.
func (n *Node) CurrentTerm() uint64 {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.currentTerm
}

// LeaderSessionID returns the observable spec.md §4.2 names: the
// session id under which the current leader publishes.
func (n *Node) LeaderSessionID() uint64 {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.leaderSessionID
}

// CommitIndex returns the highest committed log index.
func (n *Node) CommitIndex() uint64 {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.commitIndex
}

// Compact is explicitly out of scope for this exercise (see
// SPEC_FULL.md §5.4); it always returns ErrNotImplemented.
func (n *Node) Compact(upTo uint64) error {
	return ErrNotImplemented
}
