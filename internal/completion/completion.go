// Package completion implements the CompletionPosition one-shot latch
// (spec.md §3/§5): a final stream position that a component publishes
// exactly once, which observers can block on during orderly shutdown.
// Grounded on the teacher's stopCleanup-channel shutdown idiom
// (internal/fabric/hub.go), generalized from a boolean stop signal to
// a value-carrying latch.
package completion

import (
	"context"
	"fmt"
	"sync"
)

// Position is a one-shot latch carrying a final stream position.
type Position struct {
	mu   sync.Mutex
	set  bool
	pos  int64
	done chan struct{}
}

// New returns an unset latch.
func New() *Position {
	return &Position{done: make(chan struct{})}
}

// Set publishes the final position. Calling it a second time with a
// different value is a programming error — the position is meant to
// be set exactly once — and panics so the bug surfaces immediately
// rather than silently racing two shutdown positions against each
// other. Calling it twice with the same value is a harmless no-op.
func (p *Position) Set(pos int64) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.set {
		if p.pos != pos {
			panic(fmt.Sprintf("completion: Set called twice with different positions (%d, then %d)", p.pos, pos))
		}
		return
	}
	p.pos = pos
	p.set = true
	close(p.done)
}

// Await blocks until the position is set, or ctx is done.
func (p *Position) Await(ctx context.Context) (int64, error) {
	select {
	case <-p.done:
		p.mu.Lock()
		defer p.mu.Unlock()
		return p.pos, nil
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}

// IsSet reports whether the position has been published, without
// blocking.
func (p *Position) IsSet() bool {
	select {
	case <-p.done:
		return true
	default:
		return false
	}
}
