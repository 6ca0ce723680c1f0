package main

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
)

const sampleMetrics = `# HELP fixgateway_raft_current_term Current Raft term observed by this node.
# TYPE fixgateway_raft_current_term gauge
fixgateway_raft_current_term{node_id="1"} 4
# HELP fixgateway_raft_role Current Raft role (0=follower, 1=candidate, 2=leader).
# TYPE fixgateway_raft_role gauge
fixgateway_raft_role{node_id="1"} 2
# HELP fixgateway_raft_commit_index Highest committed Raft log index.
# TYPE fixgateway_raft_commit_index gauge
fixgateway_raft_commit_index{node_id="1"} 17
`

func TestFetchRaftStatusParsesExposition(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(sampleMetrics))
	}))
	defer srv.Close()

	status, err := fetchRaftStatus(srv.Listener.Addr().String(), "fixgateway")
	require.NoError(t, err)
	require.Equal(t, "1", status.nodeID)
	require.Equal(t, 2, status.role)
	require.Equal(t, uint64(4), status.term)
	require.Equal(t, uint64(17), status.commitIndex)
}

func TestRoleName(t *testing.T) {
	require.Equal(t, "follower", roleName(0))
	require.Equal(t, "candidate", roleName(1))
	require.Equal(t, "leader", roleName(2))
	require.Equal(t, "unknown", roleName(9))
}
