package fixsession

import (
	"fmt"
)

// SessionAgent adapts a Session's Poll(now) to internal/agent.Agent so
// the process-wide Runner drives every connected session's heartbeat,
// test-request, and logout-timeout checks on the same cooperative
// loop as the cluster node (spec.md §5.6).
type SessionAgent struct {
	session *Session
	clock   Clock
}

// NewSessionAgent wraps session for use with internal/agent.Runner.
func NewSessionAgent(session *Session) *SessionAgent {
	return &SessionAgent{session: session, clock: systemClock{}}
}

// Name implements internal/agent.Agent.
func (a *SessionAgent) Name() string {
	return fmt.Sprintf("fix-session-%d", a.session.sessionID)
}

// DoWork implements internal/agent.Agent.
func (a *SessionAgent) DoWork() (int, error) {
	return a.session.Poll(a.clock.Now()), nil
}

// Session returns the wrapped session, e.g. so a connection handler
// can call OnMessage/Disconnect directly while the agent still drives
// its timers.
func (a *SessionAgent) Session() *Session { return a.session }
