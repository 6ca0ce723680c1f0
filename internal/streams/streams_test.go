package streams_test

import (
	"testing"
	"time"

	"github.com/ocx/fixgateway/internal/metrics"
	"github.com/ocx/fixgateway/internal/raft"
	"github.com/ocx/fixgateway/internal/raftrpc"
	"github.com/ocx/fixgateway/internal/ringbuf"
	"github.com/ocx/fixgateway/internal/streams"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
)

func TestSoloOfferRoutesToRingBuffer(t *testing.T) {
	buf := ringbuf.New(1024)
	s := streams.NewSolo(buf)
	pub := streams.NewGatewayPublication(s)

	pos, err := pub.Offer([]byte("35=D|"))
	require.NoError(t, err)
	require.GreaterOrEqual(t, pos, int64(0))

	var got []byte
	n := buf.Poll(len("35=D|"), func(b []byte) { got = append([]byte{}, b...) })
	require.Equal(t, 1, n)
	require.Equal(t, []byte("35=D|"), got)
}

func TestSoloPositionTracksProducer(t *testing.T) {
	buf := ringbuf.New(1024)
	s := streams.NewSolo(buf)
	pub := streams.NewGatewayPublication(s)

	_, err := pub.Offer([]byte("35=D|"))
	require.NoError(t, err)
	require.Equal(t, buf.ProducerPosition(), pub.Position())
}

func TestSoloClaimWriteRoundTrip(t *testing.T) {
	buf := ringbuf.New(1024)
	s := streams.NewSolo(buf)
	pub := streams.NewGatewayPublication(s)

	pos, err := pub.Claim(4)
	require.NoError(t, err)
	require.NoError(t, pub.Write(pos, []byte("ABCD")))

	var got []byte
	buf.Poll(4, func(b []byte) { got = append([]byte{}, b...) })
	require.Equal(t, []byte("ABCD"), got)
}

func TestClusteredOfferRejectedWhenNotLeader(t *testing.T) {
	net := raftrpc.NewFakeNetwork()
	m := metrics.NewWithRegisterer("test", prometheus.NewRegistry())
	cfg := raft.Config{NodeID: 1, PeerIDs: []uint64{2}, ElectionTimeoutMin: time.Hour, ElectionTimeoutMax: 2 * time.Hour}
	node := raft.NewNode(cfg, net.LinkFor(1), &raft.MemoryPersistentState{}, m)
	net.Register(1, node)

	s := streams.NewClustered(node, 7)
	_, err := s.Offer([]byte("payload"))
	require.ErrorIs(t, err, streams.ErrNotLeader)
}

func TestClusteredClaimUnsupported(t *testing.T) {
	net := raftrpc.NewFakeNetwork()
	m := metrics.NewWithRegisterer("test", prometheus.NewRegistry())
	cfg := raft.Config{NodeID: 1}
	node := raft.NewNode(cfg, net.LinkFor(1), &raft.MemoryPersistentState{}, m)
	net.Register(1, node)

	s := streams.NewClustered(node, 7)
	pub := streams.NewGatewayPublication(s)

	_, err := pub.Claim(4)
	require.ErrorIs(t, err, streams.ErrClaimUnsupportedClustered)
	require.ErrorIs(t, pub.Write(0, nil), streams.ErrClaimUnsupportedClustered)
}
