package raft_test

import (
	"context"
	"testing"
	"time"

	"github.com/ocx/fixgateway/internal/metrics"
	"github.com/ocx/fixgateway/internal/raft"
	"github.com/ocx/fixgateway/internal/raftrpc"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
)

// fakeClock lets tests advance time deterministically instead of
// sleeping, mirroring internal/fixsession's test clock.
type fakeClock struct {
	now time.Time
}

func (c *fakeClock) Now() time.Time { return c.now }
func (c *fakeClock) advance(d time.Duration) {
	c.now = c.now.Add(d)
}

type cluster struct {
	nodes   map[uint64]*raft.Node
	clocks  map[uint64]*fakeClock
	net     *raftrpc.FakeNetwork
	metrics *metrics.Metrics
}

func newCluster(t *testing.T, ids []uint64) *cluster {
	t.Helper()
	net := raftrpc.NewFakeNetwork()
	m := metrics.NewWithRegisterer("test", prometheus.NewRegistry())
	c := &cluster{nodes: map[uint64]*raft.Node{}, clocks: map[uint64]*fakeClock{}, net: net, metrics: m}

	start := time.Unix(0, 0)
	for _, id := range ids {
		peers := make([]uint64, 0, len(ids)-1)
		for _, other := range ids {
			if other != id {
				peers = append(peers, other)
			}
		}
		cfg := raft.Config{
			NodeID:             id,
			PeerIDs:            peers,
			ElectionTimeoutMin: 150 * time.Millisecond,
			ElectionTimeoutMax: 300 * time.Millisecond,
			HeartbeatInterval:  50 * time.Millisecond,
		}
		node := raft.NewNode(cfg, net.LinkFor(id), &raft.MemoryPersistentState{}, m)
		clk := &fakeClock{now: start}
		node.SetClock(clk)
		net.Register(id, node)
		c.nodes[id] = node
		c.clocks[id] = clk
	}
	return c
}

// tick runs one DoWork pass on every node, letting in-flight goroutine
// RPCs (which run over the in-process FakeNetwork and thus return
// near-instantly) settle before the next pass drains their results.
func (c *cluster) tick() {
	for _, n := range c.nodes {
		n.DoWork()
	}
	time.Sleep(2 * time.Millisecond)
	for _, n := range c.nodes {
		n.DoWork()
	}
}

// advanceAll moves every node's clock forward by d.
func (c *cluster) advanceAll(d time.Duration) {
	for _, clk := range c.clocks {
		clk.advance(d)
	}
}

func (c *cluster) leader() *raft.Node {
	for _, n := range c.nodes {
		if n.IsLeader() {
			return n
		}
	}
	return nil
}

func (c *cluster) electLeader(t *testing.T) *raft.Node {
	t.Helper()
	for i := 0; i < 50; i++ {
		c.advanceAll(400 * time.Millisecond)
		c.tick()
		if l := c.leader(); l != nil {
			return l
		}
	}
	t.Fatal("no leader elected within bound")
	return nil
}

func TestSingleNodeClusterBecomesLeaderImmediately(t *testing.T) {
	c := newCluster(t, []uint64{1})
	l := c.electLeader(t)
	require.Equal(t, uint64(1), l.CurrentTerm())
}

func TestThreeNodeClusterElectsExactlyOneLeader(t *testing.T) {
	c := newCluster(t, []uint64{1, 2, 3})
	c.electLeader(t)

	leaders := 0
	for _, n := range c.nodes {
		if n.IsLeader() {
			leaders++
		}
	}
	require.Equal(t, 1, leaders)
}

func TestProposedEntryCommitsAcrossMajority(t *testing.T) {
	c := newCluster(t, []uint64{1, 2, 3})
	leader := c.electLeader(t)

	index, term, isLeader := leader.Propose(42, []byte("NEW ORDER SINGLE"))
	require.True(t, isLeader)
	require.Equal(t, uint64(1), index)
	require.Equal(t, leader.CurrentTerm(), term)

	for i := 0; i < 10 && leader.CommitIndex() < index; i++ {
		c.advanceAll(60 * time.Millisecond)
		c.tick()
	}
	require.Equal(t, index, leader.CommitIndex())
}

func TestCommittedEntryDeliveredToSubscriber(t *testing.T) {
	c := newCluster(t, []uint64{1, 2, 3})
	leader := c.electLeader(t)
	sub := leader.Subscribe()

	leader.Propose(7, []byte("payload"))
	for i := 0; i < 10 && leader.CommitIndex() < 1; i++ {
		c.advanceAll(60 * time.Millisecond)
		c.tick()
	}

	select {
	case entry := <-sub:
		require.Equal(t, uint64(7), entry.SessionID)
		require.Equal(t, []byte("payload"), entry.Payload)
	default:
		t.Fatal("expected committed entry to be delivered to subscriber")
	}
}

func TestDropOutboundOnFollowerDoesNotPreventElection(t *testing.T) {
	c := newCluster(t, []uint64{1, 2, 3})
	// follower 3 can't send (its votes never arrive), but 1 and 2 form
	// a majority on their own.
	c.net.DropOutbound(3, true)
	l := c.electLeader(t)
	require.NotSame(t, c.nodes[3], l)
}

func TestDropInboundOnFollowerDoesNotPreventElection(t *testing.T) {
	c := newCluster(t, []uint64{1, 2, 3})
	// follower 3 can't receive RequestVote/AppendEntries, but 1 and 2
	// still form a majority.
	c.net.DropInbound(3, true)
	l := c.electLeader(t)
	require.NotSame(t, c.nodes[3], l)
}

func TestDropOutboundOnLeaderStillElectsNewLeader(t *testing.T) {
	c := newCluster(t, []uint64{1, 2, 3})
	leader := c.electLeader(t)

	var leaderID uint64
	for id, n := range c.nodes {
		if n == leader {
			leaderID = id
		}
	}

	// The old leader's AppendEntries/vote replies never leave it, so the
	// other two nodes (still a majority) can't hear from it and must
	// elect a new leader among themselves.
	c.net.DropOutbound(leaderID, true)

	var newLeader *raft.Node
	for i := 0; i < 50 && newLeader == nil; i++ {
		c.advanceAll(400 * time.Millisecond)
		c.tick()
		for id, n := range c.nodes {
			if id != leaderID && n.IsLeader() {
				newLeader = n
			}
		}
	}
	require.NotNil(t, newLeader, "a surviving majority must elect a new leader when the old leader's outbound is cut")
}

func TestDropInboundOnLeaderBlocksProgressWithoutElectingAnother(t *testing.T) {
	c := newCluster(t, []uint64{1, 2, 3})
	leader := c.electLeader(t)

	var leaderID uint64
	for id, n := range c.nodes {
		if n == leader {
			leaderID = id
		}
	}

	index, _, isLeader := leader.Propose(11, []byte("NEW ORDER SINGLE"))
	require.True(t, isLeader)

	// The leader can still broadcast (outbound intact), so followers keep
	// resetting their election timers and never start a new election —
	// but every AppendEntries ack sent back to the leader is dropped, so
	// the leader can never see a majority ack and commitIndex must not
	// advance past what was already committed before the partition.
	c.net.DropInbound(leaderID, true)

	for i := 0; i < 10; i++ {
		c.advanceAll(60 * time.Millisecond)
		c.tick()
	}

	require.Less(t, leader.CommitIndex(), index, "commit must not advance while the leader can't hear acks")
	require.True(t, leader.IsLeader(), "followers still receive heartbeats and must not start an election")
	for id, n := range c.nodes {
		if id != leaderID {
			require.False(t, n.IsLeader(), "no other node may become leader while the original leader is still live")
		}
	}
}

func TestPartitionHealAllowsStalledEntryToCommit(t *testing.T) {
	c := newCluster(t, []uint64{1, 2, 3})
	leader := c.electLeader(t)

	var leaderID uint64
	for id, n := range c.nodes {
		if n == leader {
			leaderID = id
		}
	}

	index, _, isLeader := leader.Propose(12, []byte("NEW ORDER SINGLE"))
	require.True(t, isLeader)

	c.net.DropInbound(leaderID, true)
	for i := 0; i < 5; i++ {
		c.advanceAll(60 * time.Millisecond)
		c.tick()
	}
	require.Less(t, leader.CommitIndex(), index, "entry must be stalled while partitioned")

	c.net.DropInbound(leaderID, false)
	for i := 0; i < 10 && leader.CommitIndex() < index; i++ {
		c.advanceAll(60 * time.Millisecond)
		c.tick()
	}
	require.Equal(t, index, leader.CommitIndex(), "entry must commit once the partition heals")
}

func TestCommittedLeaderSessionIDAgreesAcrossNodes(t *testing.T) {
	c := newCluster(t, []uint64{1, 2, 3})
	leader := c.electLeader(t)

	index, _, isLeader := leader.Propose(13, []byte("NEW ORDER SINGLE"))
	require.True(t, isLeader)
	for i := 0; i < 10 && leader.CommitIndex() < index; i++ {
		c.advanceAll(60 * time.Millisecond)
		c.tick()
	}
	require.Equal(t, index, leader.CommitIndex())

	// One more heartbeat round so every follower has observed the
	// leader's latest AppendEntries and recorded its leader_session_id.
	c.advanceAll(60 * time.Millisecond)
	c.tick()

	want := leader.LeaderSessionID()
	for id, n := range c.nodes {
		require.Equal(t, want, n.LeaderSessionID(), "node %d's observed leader_session_id must agree with the leader's", id)
	}
}

func TestLeaderStepsDownOnHigherTerm(t *testing.T) {
	c := newCluster(t, []uint64{1, 2, 3})
	leader := c.electLeader(t)
	termBefore := leader.CurrentTerm()

	reply, err := leader.HandleAppendEntries(context.Background(), &raftrpc.AppendEntriesRequest{
		Term:            termBefore + 5,
		LeaderID:        99,
		LeaderSessionID: 123,
	})
	require.NoError(t, err)
	require.True(t, reply.Success)
	require.False(t, leader.IsLeader())
	require.Equal(t, termBefore+5, leader.CurrentTerm())
}

func TestStaleRequestVoteIsRejected(t *testing.T) {
	c := newCluster(t, []uint64{1, 2})
	leader := c.electLeader(t)

	reply, err := leader.HandleRequestVote(context.Background(), &raftrpc.RequestVoteRequest{
		Term:        0,
		CandidateID: 2,
	})
	require.NoError(t, err)
	require.False(t, reply.VoteGranted)
	require.Equal(t, leader.CurrentTerm(), reply.Term)
}

func TestCompactReturnsNotImplemented(t *testing.T) {
	c := newCluster(t, []uint64{1})
	require.ErrorIs(t, c.nodes[1].Compact(10), raft.ErrNotImplemented)
}
