package sessionid_test

import (
	"context"
	"fmt"
	"sync"
	"time"

	"testing"

	"github.com/ocx/fixgateway/internal/sessionid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeRedisClient is an in-memory stand-in for the
// github.com/redis/go-redis/v9 client, satisfying
// sessionid.RedisClient.
type fakeRedisClient struct {
	mu       sync.Mutex
	data     map[string]string
	counters map[string]int64
}

func newFakeRedisClient() *fakeRedisClient {
	return &fakeRedisClient{data: map[string]string{}, counters: map[string]int64{}}
}

func (f *fakeRedisClient) Get(ctx context.Context, key string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	v, ok := f.data[key]
	if !ok {
		return "", fmt.Errorf("not found: %s", key)
	}
	return v, nil
}

func (f *fakeRedisClient) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.data[key] = value
	return nil
}

func (f *fakeRedisClient) Del(ctx context.Context, keys ...string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, k := range keys {
		delete(f.data, k)
	}
	return nil
}

func (f *fakeRedisClient) Incr(ctx context.Context, key string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.counters[key]++
	return f.counters[key], nil
}

func TestRedisStoreAllocatesAndReuses(t *testing.T) {
	client := newFakeRedisClient()
	s := sessionid.NewRedisStore(context.Background(), client, "")

	id1, err := s.LookupOrAllocate("A->B")
	require.NoError(t, err)
	id2, err := s.LookupOrAllocate("A->B")
	require.NoError(t, err)
	assert.Equal(t, id1, id2)

	id3, err := s.LookupOrAllocate("C->D")
	require.NoError(t, err)
	assert.NotEqual(t, id1, id3)
}

func TestRedisStoreRelease(t *testing.T) {
	client := newFakeRedisClient()
	s := sessionid.NewRedisStore(context.Background(), client, "")

	id, err := s.LookupOrAllocate("A->B")
	require.NoError(t, err)
	require.NoError(t, s.Release(id))

	_, err = client.Get(context.Background(), "fixgw:sessionid:id:"+fmt.Sprint(id))
	assert.Error(t, err)
}
