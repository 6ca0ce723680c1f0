// Package agent implements the cooperative do_work scheduling model
// described in spec.md §5: a fixed set of single-threaded agents,
// each invoked by a host loop that backs off when no agent reports
// work. No agent's DoWork call may block or suspend.
//
// Grounded on the teacher's ticker-driven background loops
// (internal/reputation/decay_scheduler.go, internal/fabric/hub.go),
// generalized from one hardcoded ticker per component into a shared
// multi-agent cooperative scheduler.
package agent

import (
	"context"
	"log/slog"
	"time"
)

// Agent is a single cooperative task. DoWork must return promptly —
// long operations are chunked across calls by the implementation
// (e.g. a resend handler reads a bounded number of archive records
// per call).
type Agent interface {
	// Name identifies the agent in logs and metrics.
	Name() string
	// DoWork performs one unit of work and returns how much work was
	// done (0 means idle this tick).
	DoWork() (int, error)
}

// IdleStrategy controls how the Runner backs off when a full pass
// over all agents reports zero work done.
type IdleStrategy interface {
	// Idle is called once per pass with the number of consecutive
	// zero-work passes observed so far, and should block for an
	// appropriate (and bounded) duration.
	Idle(consecutiveIdlePasses int)
}

// BackoffIdleStrategy sleeps for an increasing duration, capped at
// Max, as consecutive idle passes accumulate — starting at Min (doubled
// per consecutive idle pass) while there's a chance of imminent work,
// and settling at Max once it's clear the agents are quiet. A Min of
// zero or less makes every call return without sleeping.
type BackoffIdleStrategy struct {
	Min, Max time.Duration
}

// Idle implements IdleStrategy.
func (s BackoffIdleStrategy) Idle(consecutiveIdlePasses int) {
	d := s.Min
	for i := 0; i < consecutiveIdlePasses && d < s.Max; i++ {
		d *= 2
	}
	if d > s.Max {
		d = s.Max
	}
	if d <= 0 {
		return
	}
	time.Sleep(d)
}

// DefaultIdleStrategy matches spec.md §5's "poll driven at least every
// 100ms" requirement: it never backs off past 50ms so every agent's
// poll(now) is still invoked with ample margin.
func DefaultIdleStrategy() IdleStrategy {
	return BackoffIdleStrategy{Min: time.Millisecond, Max: 50 * time.Millisecond}
}

// Runner drives a fixed set of Agents until its context is canceled.
type Runner struct {
	agents []Agent
	idle   IdleStrategy
	log    *slog.Logger
}

// New builds a Runner over the given agents.
func New(log *slog.Logger, idle IdleStrategy, agents ...Agent) *Runner {
	if idle == nil {
		idle = DefaultIdleStrategy()
	}
	if log == nil {
		log = slog.Default()
	}
	return &Runner{agents: agents, idle: idle, log: log}
}

// Run loops do_work across all agents until ctx is canceled. It never
// returns an error for an individual agent's failure — per spec.md §7
// the session/cluster layers resolve their own errors as transitions;
// Run only logs the failure so one agent backing off
// doesn't stall the others.
func (r *Runner) Run(ctx context.Context) {
	idlePasses := 0
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		totalWork := 0
		for _, a := range r.agents {
			n, err := a.DoWork()
			if err != nil {
				r.log.Error("agent do_work error", "agent", a.Name(), "error", err)
				continue
			}
			totalWork += n
		}

		if totalWork == 0 {
			idlePasses++
			r.idle.Idle(idlePasses)
		} else {
			idlePasses = 0
		}
	}
}
