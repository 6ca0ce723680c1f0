// Package fixsession implements the per-connection FIX session state
// machine (spec.md §4.1): logon/logout, sequence-number discipline,
// heartbeat/test-request liveness, gap-fill/resend handling, and
// sending-time windowing. Both initiator and acceptor roles share this
// machine; only their entry transitions differ (§4.1, "Initiator-
// specific"/"Acceptor-specific").
//
// Grounded on the teacher's internal/federation/state_machine.go
// (explicit state enum, String()/IsTerminal(), Transition(from, to)
// checked against a validity table, mutex-guarded, with a state
// history) — generalized here from HandshakeState to FIX SessionState
// — and internal/protocol/session.go (mutex-guarded session struct
// with SequenceNum/AckNum counters, Touch(), IsExpired()) generalized
// from AOCS conversation sessions to FIX sessions with
// next_sent_seq/expected_received_seq.
package fixsession

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ocx/fixgateway/internal/metrics"
)

// State is one of the session lifecycle states from spec.md §4.1.
type State int

const (
	StateConnected State = iota
	StateSentLogon
	StateActive
	StateAwaitingResend
	StateAwaitingLogout
	StateDisconnected
	StateDisabled
)

// String renders the state the way FIX engines log it.
func (s State) String() string {
	switch s {
	case StateConnected:
		return "CONNECTED"
	case StateSentLogon:
		return "SENT_LOGON"
	case StateActive:
		return "ACTIVE"
	case StateAwaitingResend:
		return "AWAITING_RESEND"
	case StateAwaitingLogout:
		return "AWAITING_LOGOUT"
	case StateDisconnected:
		return "DISCONNECTED"
	case StateDisabled:
		return "DISABLED"
	default:
		return "UNKNOWN"
	}
}

// IsTerminal reports whether no further transitions are expected.
func (s State) IsTerminal() bool {
	return s == StateDisconnected || s == StateDisabled
}

// Role distinguishes the initiator's entry transition
// (CONNECTED -> SENT_LOGON on poll) from the acceptor's
// (CONNECTED -> ACTIVE on a valid inbound Logon).
type Role int

const (
	RoleInitiator Role = iota
	RoleAcceptor
)

// Outcome is the result of processing an inbound message, per
// spec.md §4.1's on_message contract.
type Outcome int

const (
	Accept Outcome = iota
	Duplicate
	GapDetected
	Reject
	Disconnect
)

func (o Outcome) String() string {
	switch o {
	case Accept:
		return "ACCEPT"
	case Duplicate:
		return "DUPLICATE"
	case GapDetected:
		return "GAP_DETECTED"
	case Reject:
		return "REJECT"
	case Disconnect:
		return "DISCONNECT"
	default:
		return "UNKNOWN"
	}
}

// Key is the composite (sender, target, optional sub/location) that
// identifies a FIX session across reconnects (spec.md §3 "SessionKey").
type Key struct {
	SenderCompID string
	TargetCompID string
	SubID        string
	LocationID   string
}

// String renders a Key as a stable lookup/log string.
func (k Key) String() string {
	return fmt.Sprintf("%s->%s/%s/%s", k.SenderCompID, k.TargetCompID, k.SubID, k.LocationID)
}

// Transition errors.
var (
	ErrAlreadyTerminal  = errors.New("fixsession: session already terminal")
	ErrInvalidState     = errors.New("fixsession: operation invalid in current state")
	ErrSequenceReset     = errors.New("fixsession: sequence reset violation")
	ErrSendingTimeWindow = errors.New("fixsession: sending time outside window")
)

// Transition records one state change, kept for diagnostics —
// mirrors the teacher's StateTransition history list.
type Transition struct {
	From, To  State
	Timestamp time.Time
	Reason    string
}

// AuthenticateFunc validates an inbound Logon's credentials for the
// acceptor role; returning an error is an AuthenticationFailure
// (spec.md §7).
type AuthenticateFunc func(key Key, heartbeatInterval int, sendingTime time.Time) error

// Outbound is anything the session can hand an encoded admin message
// to for transport — implemented by SessionProxy's caller (typically
// a TCP connection wrapper), kept as a narrow interface so the state
// machine never imports a transport package.
type Outbound interface {
	Send(msg []byte) error
}

// Publisher is the subset of GatewayPublication the session needs:
// offer an accepted inbound message to the replicated log (spec.md
// §4's GatewayPublication).
type Publisher interface {
	Offer(payload []byte) (position int64, err error)
}

// Clock abstracts wall-clock reads so tests can drive poll()
// deterministically instead of sleeping real time.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

// Config holds the per-session tunables from spec.md §3/§6.
type Config struct {
	BeginString         string
	HeartbeatInterval   time.Duration
	SendingTimeWindow   time.Duration
	LogoutTimeout       time.Duration
	ResendChunkSize     int
}

// Session is the FIX session state machine described in spec.md §4.1.
type Session struct {
	mu sync.Mutex

	connectionID uint64
	sessionID    uint64
	key          Key
	role         Role
	cfg          Config
	clock        Clock

	state State

	nextSentSeq         uint64
	expectedReceivedSeq uint64

	lastReceivedAt time.Time
	lastSentAt     time.Time

	testRequestID       string
	testRequestDeadline time.Time
	testRequestPending  bool

	// resendTarget is the seq-num of the message that first revealed a
	// gap (the one that triggered AWAITING_RESEND). The session returns
	// to ACTIVE once expectedReceivedSeq catches up past it.
	resendTarget uint64

	logoutDeadline time.Time

	authenticate AuthenticateFunc
	proxy        *SessionProxy
	out          Outbound
	pub          Publisher
	metrics      *metrics.Metrics

	history []Transition
}

// NewSession constructs a session in CONNECTED state, matching
// spec.md §3's lifecycle ("created when a transport connection is
// established, or before for initiators").
func NewSession(connectionID, sessionID uint64, key Key, role Role, cfg Config, out Outbound, pub Publisher, m *metrics.Metrics) *Session {
	if cfg.ResendChunkSize <= 0 {
		cfg.ResendChunkSize = 256
	}
	return &Session{
		connectionID: connectionID,
		sessionID:    sessionID,
		key:          key,
		role:         role,
		cfg:          cfg,
		clock:        systemClock{},
		state:        StateConnected,
		nextSentSeq:  1,
		// expectedReceivedSeq starts at 1: the first inbound message
		// must carry seq 1 unless a prior session persisted state.
		expectedReceivedSeq: 1,
		proxy:               NewSessionProxy(cfg.BeginString),
		out:                 out,
		pub:                 pub,
		metrics:             m,
	}
}

// SetClock overrides the wall clock — test-only hook.
func (s *Session) SetClock(c Clock) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.clock = c
}

// SetAuthenticate installs the acceptor-role credential check.
func (s *Session) SetAuthenticate(fn AuthenticateFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.authenticate = fn
}

// State returns the current state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// NextSentSeq returns the current outbound sequence number without
// mutating it.
func (s *Session) NextSentSeq() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.nextSentSeq
}

// ExpectedReceivedSeq returns the expected inbound sequence number.
func (s *Session) ExpectedReceivedSeq() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.expectedReceivedSeq
}

// History returns a copy of the recorded transitions, for tests and
// diagnostics.
func (s *Session) History() []Transition {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Transition, len(s.history))
	copy(out, s.history)
	return out
}

func (s *Session) transition(to State, reason string) {
	from := s.state
	s.state = to
	s.history = append(s.history, Transition{From: from, To: to, Timestamp: s.clock.Now(), Reason: reason})
	if s.metrics != nil {
		s.metrics.SessionTransitions.WithLabelValues(fmt.Sprint(s.sessionID), from.String(), to.String()).Inc()
		s.metrics.SessionState.WithLabelValues(fmt.Sprint(s.sessionID)).Set(float64(to))
	}
}

func (s *Session) sendLocked(msg []byte) error {
	if s.out == nil {
		return nil
	}
	err := s.out.Send(msg)
	s.lastSentAt = s.clock.Now()
	s.nextSentSeq++
	if s.metrics != nil {
		s.metrics.NextSentSeq.WithLabelValues(fmt.Sprint(s.sessionID)).Set(float64(s.nextSentSeq))
	}
	return err
}

// Disconnect forces the session into DISCONNECTED, the terminal state
// for all administrative and protocol errors (spec.md §7).
func (s *Session) Disconnect() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.disconnectLocked("administrative disconnect")
}

func (s *Session) disconnectLocked(reason string) {
	if s.state.IsTerminal() {
		return
	}
	s.transition(StateDisconnected, reason)
}

// StartLogout begins the logout handshake (spec.md §4.1 "Logout
// handshake"): send Logout, move to AWAITING_LOGOUT, start the
// logout timer.
func (s *Session) StartLogout() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state.IsTerminal() {
		return ErrAlreadyTerminal
	}

	msg, err := s.proxy.Logout(s.nextSentSeq, "")
	if err != nil {
		return err
	}
	if err := s.sendLocked(msg); err != nil {
		return err
	}
	s.logoutDeadline = s.clock.Now().Add(s.cfg.LogoutTimeout)
	s.transition(StateAwaitingLogout, "local start_logout")
	return nil
}

// OnLogon handles an inbound Logon, with role-specific entry
// transitions per spec.md §4.1.
func (s *Session) OnLogon(heartbeatInterval int, seqNo uint64, key Key, sendingTime time.Time) (Outcome, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.checkSendingTime(sendingTime); err != nil {
		return s.rejectForSendingTime()
	}

	switch s.state {
	case StateConnected:
		// Acceptor-specific: verify credentials, mirror heartbeat interval.
		if s.role == RoleAcceptor {
			if s.authenticate != nil {
				if err := s.authenticate(key, heartbeatInterval, sendingTime); err != nil {
					s.sendLogoutLocked(fmt.Sprintf("authentication failed: %v", err))
					s.disconnectLocked("authentication failure")
					return Disconnect, nil
				}
			}
			s.cfg.HeartbeatInterval = time.Duration(heartbeatInterval) * time.Second
			if seqNo != s.expectedReceivedSeq {
				// Fall through to ordinary sequence handling below so a
				// resend can be triggered if the peer is ahead.
				outcome := s.applyInboundSeqLocked(seqNo)
				if outcome == Disconnect {
					return Disconnect, nil
				}
			} else {
				s.expectedReceivedSeq++
				s.lastReceivedAt = s.clock.Now()
			}
			msg, err := s.proxy.Logon(s.nextSentSeq, heartbeatInterval)
			if err != nil {
				return Reject, err
			}
			if err := s.sendLocked(msg); err != nil {
				return Reject, err
			}
			s.transition(StateActive, "acceptor received valid logon")
			return Accept, nil
		}
		return Reject, ErrInvalidState

	case StateSentLogon:
		// Initiator-specific: a Logon whose seq matches expected moves
		// straight to ACTIVE. A non-matching seq is treated as ordinary
		// inbound traffic (spec.md §9's documented open question: this
		// may trigger a ResendRequest even for a legitimately higher
		// seq-num after a reconnect with persisted state — implemented
		// literally, per spec.md, not "fixed").
		if seqNo == s.expectedReceivedSeq {
			s.expectedReceivedSeq++
			s.lastReceivedAt = s.clock.Now()
			s.transition(StateActive, "initiator received matching logon")
			return Accept, nil
		}
		outcome := s.applyInboundSeqLocked(seqNo)
		return outcome, nil

	default:
		// A Logon in any other state (e.g. a duplicate Logon while
		// already ACTIVE) is a protocol violation, not a no-op: the
		// wildcard "* -> DISCONNECTED" transition (spec.md §9's state
		// diagram) applies here exactly as it does for sending-time
		// violations above.
		s.sendLogoutLocked("logon received in invalid state")
		s.disconnectLocked("logon in invalid state")
		return Disconnect, ErrInvalidState
	}
}

// OnMessage processes any decoded inbound business message after
// header validation, per spec.md §4.1's sequence-number discipline.
// rawMsg is the undecoded wire bytes; on Accept they are published to
// the GatewayPublication (spec.md §2's "Session ... publishes accepted
// inbound to GatewayPublication"), which is what feeds the Raft log in
// clustered mode.
func (s *Session) OnMessage(seqNo uint64, sendingTime time.Time, possDup bool, rawMsg []byte) Outcome {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.checkSendingTime(sendingTime); err != nil {
		outcome, _ := s.rejectForSendingTime()
		return outcome
	}

	outcome := s.applyInboundSeq(seqNo, possDup)
	if outcome == Accept && s.pub != nil {
		s.pub.Offer(rawMsg)
	}
	return outcome
}

// applyInboundSeqLocked applies sequence discipline without the
// possDup distinction, used from the logon path where a resend is the
// only recoverable outcome for a non-matching seq.
func (s *Session) applyInboundSeqLocked(seqNo uint64) Outcome {
	return s.applyInboundSeq(seqNo, false)
}

func (s *Session) applyInboundSeq(seqNo uint64, possDup bool) Outcome {
	expected := s.expectedReceivedSeq

	switch {
	case seqNo == expected:
		s.expectedReceivedSeq++
		s.lastReceivedAt = s.clock.Now()
		if s.state == StateAwaitingResend && s.expectedReceivedSeq > s.resendTarget {
			s.transition(StateActive, "gap filled")
		}
		return Accept

	case seqNo > expected:
		if s.state != StateAwaitingResend {
			s.resendTarget = seqNo
			s.transition(StateAwaitingResend, fmt.Sprintf("gap detected: expected %d, got %d", expected, seqNo))
			msg, err := s.proxy.ResendRequest(s.nextSentSeq, expected, 0)
			if err == nil {
				s.sendLocked(msg)
			}
			if s.metrics != nil {
				s.metrics.ResendRequests.WithLabelValues(fmt.Sprint(s.sessionID)).Inc()
			}
		}
		// Higher-sequence messages are dropped while awaiting resend;
		// they will be redelivered by the peer's resend reply.
		return GapDetected

	default: // seqNo < expected
		if possDup {
			return Duplicate
		}
		s.sendLogoutLocked("sequence reset violation: lower seq-num without PossDupFlag")
		s.disconnectLocked("sequence reset violation")
		return Disconnect
	}
}

func (s *Session) checkSendingTime(sendingTime time.Time) error {
	if sendingTime.IsZero() {
		return nil
	}
	skew := s.clock.Now().Sub(sendingTime)
	if skew < 0 {
		skew = -skew
	}
	if skew > s.cfg.SendingTimeWindow {
		return ErrSendingTimeWindow
	}
	return nil
}

func (s *Session) rejectForSendingTime() (Outcome, error) {
	s.sendLogoutLocked("sending time outside window")
	s.disconnectLocked("sending time outside window")
	return Disconnect, ErrSendingTimeWindow
}

func (s *Session) sendLogoutLocked(text string) {
	msg, err := s.proxy.Logout(s.nextSentSeq, text)
	if err == nil {
		s.sendLocked(msg)
	}
}

// OnLogout handles an inbound Logout per spec.md §4.1's handshake.
func (s *Session) OnLogout(seqNo uint64) Outcome {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch s.state {
	case StateAwaitingLogout:
		s.disconnectLocked("logout handshake complete")
		return Disconnect
	case StateActive:
		s.sendLogoutLocked("")
		s.disconnectLocked("peer-initiated logout")
		return Disconnect
	default:
		s.disconnectLocked("unexpected logout")
		return Disconnect
	}
}

// OnTestRequest replies with a Heartbeat quoting the test request id.
func (s *Session) OnTestRequest(id string, seqNo uint64) Outcome {
	s.mu.Lock()
	defer s.mu.Unlock()

	msg, err := s.proxy.Heartbeat(s.nextSentSeq, id)
	if err != nil {
		return Reject
	}
	if err := s.sendLocked(msg); err != nil {
		return Reject
	}
	return Accept
}

// OnHeartbeat clears any outstanding TestRequest if its id matches.
func (s *Session) OnHeartbeat(seqNo uint64, testReqID string) Outcome {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.testRequestPending && (testReqID == "" || testReqID == s.testRequestID) {
		s.testRequestPending = false
	}
	return Accept
}

// OnReject records an inbound Reject; application-level handling is
// out of scope, the session layer only tracks liveness.
func (s *Session) OnReject(seqNo uint64) Outcome {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastReceivedAt = s.clock.Now()
	return Accept
}

// OnResendRequest is the peer asking us to resend begin..end. This
// method only validates begin and clamps end to the last sent seq-num;
// it replays nothing, and the package has no resend replay of its own.
func (s *Session) OnResendRequest(begin, end uint64) (uint64, uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if begin == 0 || begin > s.nextSentSeq {
		return 0, 0, fmt.Errorf("fixsession: invalid resend range begin=%d", begin)
	}
	if end == 0 || end >= s.nextSentSeq {
		end = s.nextSentSeq - 1
	}
	return begin, end, nil
}

// OnSequenceReset applies a SequenceReset per spec.md §4.1: GapFill=N
// forcibly resets expected_received_seq; GapFill=Y requires
// new_seq_no >= expected and fills the gap.
func (s *Session) OnSequenceReset(newSeqNo uint64, gapFill bool) Outcome {
	s.mu.Lock()
	defer s.mu.Unlock()

	if gapFill {
		if newSeqNo < s.expectedReceivedSeq {
			s.sendLogoutLocked("gap fill sequence reset below expected")
			s.disconnectLocked("invalid gap fill")
			return Disconnect
		}
		s.expectedReceivedSeq = newSeqNo
		if s.state == StateAwaitingResend {
			s.transition(StateActive, "gap fill closed the gap")
		}
		return Accept
	}

	s.expectedReceivedSeq = newSeqNo
	if s.state == StateAwaitingResend {
		s.transition(StateActive, "sequence reset in reset mode")
	}
	return Accept
}

// Poll is driven at least every 100ms (spec.md §5); it emits
// heartbeats/test-requests and enforces the logout timeout, returning
// the count of actions performed for Agent-style idle strategies. No
// timeout applies while the session waits in SENT_LOGON.
func (s *Session) Poll(now time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state.IsTerminal() {
		return 0
	}

	actions := 0

	if s.state == StateConnected && s.role == RoleInitiator {
		msg, err := s.proxy.Logon(s.nextSentSeq, int(s.cfg.HeartbeatInterval/time.Second))
		if err == nil {
			s.sendLocked(msg)
			s.transition(StateSentLogon, "initiator poll sent logon")
			actions++
		}
		return actions
	}

	if s.state == StateAwaitingLogout && !s.logoutDeadline.IsZero() && now.After(s.logoutDeadline) {
		s.disconnectLocked("logout timeout")
		return 1
	}

	if s.testRequestPending && now.After(s.testRequestDeadline) {
		s.sendLogoutLocked("test request unacknowledged")
		s.disconnectLocked("heartbeat liveness failure")
		return actions + 1
	}

	if s.state == StateActive || s.state == StateAwaitingResend {
		if s.lastSentAt.IsZero() || now.Sub(s.lastSentAt) > s.cfg.HeartbeatInterval {
			msg, err := s.proxy.Heartbeat(s.nextSentSeq, "")
			if err == nil {
				s.sendLocked(msg)
				actions++
				if s.metrics != nil {
					s.metrics.HeartbeatsSent.WithLabelValues(fmt.Sprint(s.sessionID)).Inc()
				}
			}
		}

		threshold := time.Duration(float64(s.cfg.HeartbeatInterval) * 1.2)
		if !s.lastReceivedAt.IsZero() && now.Sub(s.lastReceivedAt) > threshold && !s.testRequestPending {
			id := fmt.Sprintf("TEST-%d-%d", s.sessionID, now.UnixNano())
			msg, err := s.proxy.TestRequest(s.nextSentSeq, id)
			if err == nil {
				s.sendLocked(msg)
				s.testRequestID = id
				s.testRequestPending = true
				s.testRequestDeadline = now.Add(s.cfg.HeartbeatInterval)
				actions++
				if s.metrics != nil {
					s.metrics.TestRequestsSent.WithLabelValues(fmt.Sprint(s.sessionID)).Inc()
				}
			}
		}
	}

	return actions
}
