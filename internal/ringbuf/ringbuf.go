// Package ringbuf implements the lock-free single-producer/single-consumer
// byte ring buffer used as the cross-agent transport (spec.md §5,
// "Cross-agent communication"). The control-flow — a consumer loop
// claiming a region, validating it, and dispatching framed records —
// is carried over from the teacher's internal/ringbuf package, which
// wrapped an eBPF kernel ring buffer of perf events; here it is
// generalized to an in-process buffer of FIX/Raft frames, since this
// domain has no kernel tap.
package ringbuf

import (
	"errors"
	"sync/atomic"
)

// ErrBackPressure is returned by TryClaim when the buffer has no room;
// callers must retry after polling, per spec.md's tryClaim contract.
var ErrBackPressure = errors.New("ringbuf: back pressure, retry after poll")

// ErrTooLarge is returned when a single claim exceeds the buffer's
// total capacity.
var ErrTooLarge = errors.New("ringbuf: claim exceeds buffer capacity")

// Buffer is a fixed-capacity SPSC ring buffer. Capacity must be a
// power of two. One goroutine may call TryClaim/Commit; a distinct
// goroutine may call Poll; mixing roles across goroutines is not
// supported, matching the single-writer/single-reader model of
// spec.md §5.
type Buffer struct {
	data []byte
	mask int64

	head int64 // next byte to be claimed (producer-owned)
	tail int64 // next byte available to the consumer (consumer-owned)
}

// New allocates a Buffer with the given capacity, rounded up to the
// next power of two.
func New(capacity int) *Buffer {
	cap := nextPowerOfTwo(capacity)
	return &Buffer{
		data: make([]byte, cap),
		mask: int64(cap) - 1,
	}
}

func nextPowerOfTwo(n int) int {
	if n < 64 {
		n = 64
	}
	p := 1
	for p < n {
		p <<= 1
	}
	return p
}

// Claim reserves n bytes for the producer and returns the position at
// which the claim starts, or ErrBackPressure if the region is not yet
// free (the consumer has not caught up), or ErrTooLarge if n exceeds
// capacity outright.
func (b *Buffer) Claim(n int) (pos int64, err error) {
	if int64(n) > b.mask+1 {
		return 0, ErrTooLarge
	}
	head := atomic.LoadInt64(&b.head)
	tail := atomic.LoadInt64(&b.tail)
	if head+int64(n)-tail > b.mask+1 {
		return 0, ErrBackPressure
	}
	return head, nil
}

// Write copies payload into the buffer at pos (obtained from Claim)
// and advances the producer's head. pos must be the value most
// recently returned by Claim; callers must not interleave unrelated
// claims between Claim and Write.
func (b *Buffer) Write(pos int64, payload []byte) {
	for i, c := range payload {
		b.data[(pos+int64(i))&b.mask] = c
	}
	atomic.StoreInt64(&b.head, pos+int64(len(payload)))
}

// Offer is the common case of Claim+Write for callers that don't need
// to reserve space ahead of encoding into it.
func (b *Buffer) Offer(payload []byte) (pos int64, err error) {
	pos, err = b.Claim(len(payload))
	if err != nil {
		return 0, err
	}
	b.Write(pos, payload)
	return pos, nil
}

// Poll drains every complete record available to the consumer,
// invoking handler once per record of length frameLen, and returns
// the number of records handled — this is the do_work-style contract
// spec.md §5 requires: Poll never blocks and returns promptly.
func (b *Buffer) Poll(frameLen int, handler func([]byte)) int {
	count := 0
	for {
		head := atomic.LoadInt64(&b.head)
		tail := atomic.LoadInt64(&b.tail)
		if head-tail < int64(frameLen) {
			return count
		}
		frame := make([]byte, frameLen)
		for i := range frame {
			frame[i] = b.data[(tail+int64(i))&b.mask]
		}
		atomic.StoreInt64(&b.tail, tail+int64(frameLen))
		handler(frame)
		count++
	}
}

// ConsumerPosition returns the consumer's current read position.
func (b *Buffer) ConsumerPosition() int64 {
	return atomic.LoadInt64(&b.tail)
}

// ProducerPosition returns the producer's current write position.
func (b *Buffer) ProducerPosition() int64 {
	return atomic.LoadInt64(&b.head)
}
