package fixsession_test

import (
	"testing"
	"time"

	"github.com/ocx/fixgateway/internal/fixsession"
	"github.com/stretchr/testify/require"
)

func TestSessionAgentDoWorkSendsInitiatorLogon(t *testing.T) {
	s, out := newTestSession(fixsession.RoleInitiator)
	agent := fixsession.NewSessionAgent(s)

	n, err := agent.DoWork()
	require.NoError(t, err)
	require.Equal(t, 1, n)
	require.Len(t, out.sent, 1)
	require.Equal(t, fixsession.StateSentLogon, s.State())
	require.Contains(t, agent.Name(), "fix-session-")
}

func TestSessionAgentDoWorkIsIdleOnceActiveAndWithinHeartbeat(t *testing.T) {
	s, _ := newTestSession(fixsession.RoleAcceptor)
	clock := &fakeClock{now: time.Now()}
	s.SetClock(clock)
	_, err := s.OnLogon(30, 1, fixsession.Key{SenderCompID: "A", TargetCompID: "B"}, time.Time{})
	require.NoError(t, err)

	agent := fixsession.NewSessionAgent(s)
	n, err := agent.DoWork()
	require.NoError(t, err)
	require.Equal(t, 0, n)
}
