package sessionid_test

import (
	"path/filepath"
	"testing"

	"github.com/ocx/fixgateway/internal/sessionid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFileStoreAllocatesMonotonicIDs(t *testing.T) {
	path := filepath.Join(t.TempDir(), "registry.bin")
	s, err := sessionid.OpenFileStore(path)
	require.NoError(t, err)
	defer s.Close()

	id1, err := s.LookupOrAllocate("A->B")
	require.NoError(t, err)
	id2, err := s.LookupOrAllocate("C->D")
	require.NoError(t, err)

	assert.Equal(t, id1+1, id2)
}

func TestFileStoreLookupIsIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "registry.bin")
	s, err := sessionid.OpenFileStore(path)
	require.NoError(t, err)
	defer s.Close()

	id1, err := s.LookupOrAllocate("A->B")
	require.NoError(t, err)
	id2, err := s.LookupOrAllocate("A->B")
	require.NoError(t, err)

	assert.Equal(t, id1, id2)
}

func TestFileStoreSurvivesReopenAndResumesSameID(t *testing.T) {
	path := filepath.Join(t.TempDir(), "registry.bin")
	s1, err := sessionid.OpenFileStore(path)
	require.NoError(t, err)

	id, err := s1.LookupOrAllocate("A->B")
	require.NoError(t, err)
	require.NoError(t, s1.Close())

	s2, err := sessionid.OpenFileStore(path)
	require.NoError(t, err)
	defer s2.Close()

	reopened, err := s2.LookupOrAllocate("A->B")
	require.NoError(t, err)
	assert.Equal(t, id, reopened)
}

func TestFileStoreReleasedIDNotReused(t *testing.T) {
	path := filepath.Join(t.TempDir(), "registry.bin")
	s, err := sessionid.OpenFileStore(path)
	require.NoError(t, err)
	defer s.Close()

	id1, err := s.LookupOrAllocate("A->B")
	require.NoError(t, err)
	require.NoError(t, s.Release(id1))

	id2, err := s.LookupOrAllocate("A->B")
	require.NoError(t, err)
	assert.NotEqual(t, id1, id2)
}
