package main

import (
	"bytes"
	"path/filepath"
	"testing"

	"github.com/ocx/fixgateway/internal/sessionid"
	"github.com/stretchr/testify/require"
)

func TestSessionLsListsLiveEntries(t *testing.T) {
	path := filepath.Join(t.TempDir(), "session-ids.dat")

	store, err := sessionid.OpenFileStore(path)
	require.NoError(t, err)
	_, err = store.LookupOrAllocate("A->B//")
	require.NoError(t, err)
	require.NoError(t, store.Close())

	cmd := newSessionLsCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"--registry", path})
	require.NoError(t, cmd.Execute())

	require.Contains(t, out.String(), "A->B//")
	require.Contains(t, out.String(), "1")
}
