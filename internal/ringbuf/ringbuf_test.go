package ringbuf_test

import (
	"testing"

	"github.com/ocx/fixgateway/internal/ringbuf"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOfferAndPollRoundTrip(t *testing.T) {
	buf := ringbuf.New(128)

	pos, err := buf.Offer([]byte("hello!!!"))
	require.NoError(t, err)
	assert.Equal(t, int64(0), pos)

	var got []byte
	n := buf.Poll(8, func(frame []byte) {
		got = append([]byte{}, frame...)
	})
	assert.Equal(t, 1, n)
	assert.Equal(t, []byte("hello!!!"), got)
}

func TestBackPressureWhenFull(t *testing.T) {
	buf := ringbuf.New(64) // rounds to 64

	_, err := buf.Offer(make([]byte, 64))
	require.NoError(t, err)

	_, err = buf.Offer([]byte{1})
	assert.ErrorIs(t, err, ringbuf.ErrBackPressure)

	buf.Poll(64, func([]byte) {})

	_, err = buf.Offer([]byte{1})
	assert.NoError(t, err)
}

func TestClaimTooLarge(t *testing.T) {
	buf := ringbuf.New(64)
	_, err := buf.Claim(65)
	assert.ErrorIs(t, err, ringbuf.ErrTooLarge)
}

func TestPollReturnsZeroOnPartialFrame(t *testing.T) {
	buf := ringbuf.New(64)
	_, err := buf.Offer([]byte{1, 2, 3})
	require.NoError(t, err)

	n := buf.Poll(8, func([]byte) {
		t.Fatal("handler should not run on a partial frame")
	})
	assert.Equal(t, 0, n)
}
