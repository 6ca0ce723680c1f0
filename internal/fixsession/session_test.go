package fixsession_test

import (
	"testing"
	"time"

	"github.com/ocx/fixgateway/internal/fixsession"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingOutbound struct {
	sent [][]byte
}

func (r *recordingOutbound) Send(msg []byte) error {
	r.sent = append(r.sent, msg)
	return nil
}

type noopPublisher struct{}

func (noopPublisher) Offer(payload []byte) (int64, error) { return 0, nil }

type recordingPublisher struct {
	offered [][]byte
}

func (r *recordingPublisher) Offer(payload []byte) (int64, error) {
	r.offered = append(r.offered, payload)
	return int64(len(r.offered)), nil
}

type fakeClock struct {
	now time.Time
}

func (c *fakeClock) Now() time.Time { return c.now }

func newTestSession(role fixsession.Role) (*fixsession.Session, *recordingOutbound) {
	out := &recordingOutbound{}
	cfg := fixsession.Config{
		BeginString:       "FIX.4.4",
		HeartbeatInterval: 30 * time.Second,
		SendingTimeWindow: 120 * time.Second,
		LogoutTimeout:     2 * time.Second,
	}
	s := fixsession.NewSession(1, 1, fixsession.Key{SenderCompID: "A", TargetCompID: "B"}, role, cfg, out, noopPublisher{}, nil)
	return s, out
}

func newTestSessionWithPublisher(role fixsession.Role, pub fixsession.Publisher) (*fixsession.Session, *recordingOutbound) {
	out := &recordingOutbound{}
	cfg := fixsession.Config{
		BeginString:       "FIX.4.4",
		HeartbeatInterval: 30 * time.Second,
		SendingTimeWindow: 120 * time.Second,
		LogoutTimeout:     2 * time.Second,
	}
	s := fixsession.NewSession(1, 1, fixsession.Key{SenderCompID: "A", TargetCompID: "B"}, role, cfg, out, pub, nil)
	return s, out
}

func TestAcceptorLogonThenBusinessMessageReachesActive(t *testing.T) {
	s, out := newTestSession(fixsession.RoleAcceptor)
	clock := &fakeClock{now: time.Now()}
	s.SetClock(clock)

	outcome, err := s.OnLogon(30, 1, fixsession.Key{SenderCompID: "A", TargetCompID: "B"}, time.Time{})
	require.NoError(t, err)
	assert.Equal(t, fixsession.Accept, outcome)
	assert.Equal(t, fixsession.StateActive, s.State())
	require.Len(t, out.sent, 1)

	outcome = s.OnMessage(2, time.Time{}, false, []byte("35=D|"))
	assert.Equal(t, fixsession.Accept, outcome)
	assert.Equal(t, fixsession.StateActive, s.State())
	assert.Equal(t, uint64(3), s.ExpectedReceivedSeq())
	assert.Equal(t, uint64(2), s.NextSentSeq())
}

func TestGapDetectedTriggersExactlyOneResendRequest(t *testing.T) {
	s, out := newTestSession(fixsession.RoleAcceptor)
	clock := &fakeClock{now: time.Now()}
	s.SetClock(clock)

	_, err := s.OnLogon(30, 1, fixsession.Key{SenderCompID: "A", TargetCompID: "B"}, time.Time{})
	require.NoError(t, err)
	require.Equal(t, uint64(2), s.NextSentSeq()) // consumed seq 1 for the Logon reply, next is 2

	sentBefore := len(out.sent)

	outcome := s.OnMessage(5, time.Time{}, false, []byte("35=D|"))
	assert.Equal(t, fixsession.GapDetected, outcome)
	assert.Equal(t, fixsession.StateAwaitingResend, s.State())
	assert.Len(t, out.sent, sentBefore+1, "exactly one ResendRequest must be emitted")

	// Further higher-sequence traffic while awaiting resend must not
	// emit a second ResendRequest.
	outcome = s.OnMessage(6, time.Time{}, false, []byte("35=D|"))
	assert.Equal(t, fixsession.GapDetected, outcome)
	assert.Len(t, out.sent, sentBefore+1)

	// Catching up to the original gap resolves the session, but only
	// once the index passes the seq that first revealed the gap (5).
	outcome = s.OnMessage(2, time.Time{}, false, []byte("35=D|"))
	assert.Equal(t, fixsession.Accept, outcome)
	assert.Equal(t, fixsession.StateAwaitingResend, s.State())

	outcome = s.OnMessage(3, time.Time{}, false, []byte("35=D|"))
	assert.Equal(t, fixsession.Accept, outcome)
	assert.Equal(t, fixsession.StateAwaitingResend, s.State(), "must remain awaiting resend until past the gap")

	outcome = s.OnMessage(4, time.Time{}, false, []byte("35=D|"))
	assert.Equal(t, fixsession.Accept, outcome)
	assert.Equal(t, fixsession.StateAwaitingResend, s.State())

	outcome = s.OnMessage(5, time.Time{}, false, []byte("35=D|"))
	assert.Equal(t, fixsession.Accept, outcome)
	assert.Equal(t, fixsession.StateActive, s.State())
}

func TestSendingTimeViolationForcesLogoutRegardlessOfSeq(t *testing.T) {
	s, out := newTestSession(fixsession.RoleAcceptor)
	clock := &fakeClock{now: time.Now()}
	s.SetClock(clock)

	_, err := s.OnLogon(30, 1, fixsession.Key{SenderCompID: "A", TargetCompID: "B"}, time.Time{})
	require.NoError(t, err)

	sentBefore := len(out.sent)
	staleTime := clock.now.Add(-10 * time.Minute)
	outcome := s.OnMessage(2, staleTime, false, []byte("35=D|"))

	assert.Equal(t, fixsession.Disconnect, outcome)
	assert.True(t, s.State().IsTerminal())
	assert.Greater(t, len(out.sent), sentBefore, "a Logout must have been sent")
}

func TestOutboundSeqNumbersAreStrictlyMonotonic(t *testing.T) {
	s, _ := newTestSession(fixsession.RoleAcceptor)
	clock := &fakeClock{now: time.Now()}
	s.SetClock(clock)

	before := s.NextSentSeq()
	_, err := s.OnLogon(30, 1, fixsession.Key{SenderCompID: "A", TargetCompID: "B"}, time.Time{})
	require.NoError(t, err)
	after := s.NextSentSeq()

	assert.Equal(t, before+1, after)
}

func TestLowerSeqWithoutPossDupDisconnects(t *testing.T) {
	s, _ := newTestSession(fixsession.RoleAcceptor)
	clock := &fakeClock{now: time.Now()}
	s.SetClock(clock)

	_, err := s.OnLogon(30, 1, fixsession.Key{SenderCompID: "A", TargetCompID: "B"}, time.Time{})
	require.NoError(t, err)
	_ = s.OnMessage(2, time.Time{}, false, []byte("35=D|"))

	outcome := s.OnMessage(2, time.Time{}, false, []byte("35=D|"))
	assert.Equal(t, fixsession.Disconnect, outcome)
}

func TestLowerSeqWithPossDupIsDuplicate(t *testing.T) {
	s, _ := newTestSession(fixsession.RoleAcceptor)
	clock := &fakeClock{now: time.Now()}
	s.SetClock(clock)

	_, err := s.OnLogon(30, 1, fixsession.Key{SenderCompID: "A", TargetCompID: "B"}, time.Time{})
	require.NoError(t, err)
	_ = s.OnMessage(2, time.Time{}, false, []byte("35=D|"))

	outcome := s.OnMessage(2, time.Time{}, true, []byte("35=D|"))
	assert.Equal(t, fixsession.Duplicate, outcome)
	assert.False(t, s.State().IsTerminal())
}

func TestInitiatorSendsLogonOnFirstPoll(t *testing.T) {
	s, out := newTestSession(fixsession.RoleInitiator)
	clock := &fakeClock{now: time.Now()}
	s.SetClock(clock)

	n := s.Poll(clock.now)
	assert.Equal(t, 1, n)
	assert.Equal(t, fixsession.StateSentLogon, s.State())
	require.Len(t, out.sent, 1)
}

func TestPollSendsHeartbeatAfterInterval(t *testing.T) {
	s, out := newTestSession(fixsession.RoleAcceptor)
	clock := &fakeClock{now: time.Now()}
	s.SetClock(clock)

	_, err := s.OnLogon(30, 1, fixsession.Key{SenderCompID: "A", TargetCompID: "B"}, time.Time{})
	require.NoError(t, err)
	sentBefore := len(out.sent)

	clock.now = clock.now.Add(31 * time.Second)
	n := s.Poll(clock.now)
	assert.GreaterOrEqual(t, n, 1)
	assert.Greater(t, len(out.sent), sentBefore)
}

func TestAcceptedMessagePublishesToGatewayPublication(t *testing.T) {
	pub := &recordingPublisher{}
	s, _ := newTestSessionWithPublisher(fixsession.RoleAcceptor, pub)
	clock := &fakeClock{now: time.Now()}
	s.SetClock(clock)

	_, err := s.OnLogon(30, 1, fixsession.Key{SenderCompID: "A", TargetCompID: "B"}, time.Time{})
	require.NoError(t, err)
	require.Empty(t, pub.offered, "the Logon itself must not be published")

	outcome := s.OnMessage(2, time.Time{}, false, []byte("35=D|49=A|56=B|34=2|"))
	assert.Equal(t, fixsession.Accept, outcome)
	require.Len(t, pub.offered, 1)
	assert.Equal(t, []byte("35=D|49=A|56=B|34=2|"), pub.offered[0])

	// A non-accepted message (gap) must not reach the publication.
	outcome = s.OnMessage(9, time.Time{}, false, []byte("35=D|34=9|"))
	assert.Equal(t, fixsession.GapDetected, outcome)
	require.Len(t, pub.offered, 1, "a gapped message must not be published")
}

func TestDuplicateLogonWhileActiveDisconnects(t *testing.T) {
	s, out := newTestSession(fixsession.RoleAcceptor)
	clock := &fakeClock{now: time.Now()}
	s.SetClock(clock)

	_, err := s.OnLogon(30, 1, fixsession.Key{SenderCompID: "A", TargetCompID: "B"}, time.Time{})
	require.NoError(t, err)
	require.Equal(t, fixsession.StateActive, s.State())

	sentBefore := len(out.sent)
	outcome, err := s.OnLogon(30, 2, fixsession.Key{SenderCompID: "A", TargetCompID: "B"}, time.Time{})
	assert.Equal(t, fixsession.Disconnect, outcome)
	assert.ErrorIs(t, err, fixsession.ErrInvalidState)
	assert.True(t, s.State().IsTerminal())
	assert.Greater(t, len(out.sent), sentBefore, "a Logout must have been sent before disconnecting")
}

func TestStartLogoutMovesToAwaitingLogout(t *testing.T) {
	s, _ := newTestSession(fixsession.RoleAcceptor)
	clock := &fakeClock{now: time.Now()}
	s.SetClock(clock)

	_, err := s.OnLogon(30, 1, fixsession.Key{SenderCompID: "A", TargetCompID: "B"}, time.Time{})
	require.NoError(t, err)

	err = s.StartLogout()
	require.NoError(t, err)
	assert.Equal(t, fixsession.StateAwaitingLogout, s.State())

	outcome := s.OnLogout(2)
	assert.Equal(t, fixsession.Disconnect, outcome)
	assert.True(t, s.State().IsTerminal())
}
