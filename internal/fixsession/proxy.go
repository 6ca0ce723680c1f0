package fixsession

import (
	"fmt"

	"github.com/ocx/fixgateway/internal/fixwire"
)

// Administrative FIX message types used by SessionProxy, per spec.md §6.
const (
	msgTypeHeartbeat     = "0"
	msgTypeTestRequest   = "1"
	msgTypeResendRequest = "2"
	msgTypeReject        = "3"
	msgTypeSequenceReset = "4"
	msgTypeLogout        = "5"
	msgTypeLogon         = "A"
)

// SessionProxy is a pure encoder of administrative FIX messages to
// wire bytes: it never touches session state or a transport, only
// renders a typed request into the tag=value/SOH framing built by
// internal/fixwire.
//
// Grounded on the teacher's handshake message builders
// (internal/federation/handshake.go: typed struct in, wire payload
// out) generalized from JSON handshake frames to FIX tag encoding.
type SessionProxy struct {
	beginString string
}

// NewSessionProxy builds a proxy that stamps every message with the
// given BeginString (spec.md §3, e.g. "FIX.4.4").
func NewSessionProxy(beginString string) *SessionProxy {
	return &SessionProxy{beginString: beginString}
}

func (p *SessionProxy) header(msgType string, seqNo uint64) []fixwire.Field {
	return []fixwire.Field{
		{Tag: 8, Value: p.beginString},
		{Tag: 35, Value: msgType},
		{Tag: 34, Value: fmt.Sprint(seqNo)},
	}
}

// Logon encodes a Logon (MsgType=A) carrying the negotiated heartbeat
// interval (spec.md §4.1).
func (p *SessionProxy) Logon(nextSentSeq uint64, heartbeatInterval int) ([]byte, error) {
	fields := p.header(msgTypeLogon, nextSentSeq)
	fields = append(fields, fixwire.Field{Tag: 108, Value: fmt.Sprint(heartbeatInterval)})
	return fixwire.Encode(fields)
}

// Logout encodes a Logout (MsgType=5), optionally carrying free text
// explaining the reason (spec.md §4.1's logout handshake).
func (p *SessionProxy) Logout(nextSentSeq uint64, text string) ([]byte, error) {
	fields := p.header(msgTypeLogout, nextSentSeq)
	if text != "" {
		fields = append(fields, fixwire.Field{Tag: 58, Value: text})
	}
	return fixwire.Encode(fields)
}

// Heartbeat encodes a Heartbeat (MsgType=0), echoing the TestReqID tag
// when sent in response to a TestRequest.
func (p *SessionProxy) Heartbeat(nextSentSeq uint64, testReqID string) ([]byte, error) {
	fields := p.header(msgTypeHeartbeat, nextSentSeq)
	if testReqID != "" {
		fields = append(fields, fixwire.Field{Tag: 112, Value: testReqID})
	}
	return fixwire.Encode(fields)
}

// TestRequest encodes a TestRequest (MsgType=1), used to probe
// liveness when no inbound traffic has arrived within the expected
// window (spec.md §4.1).
func (p *SessionProxy) TestRequest(nextSentSeq uint64, id string) ([]byte, error) {
	fields := p.header(msgTypeTestRequest, nextSentSeq)
	fields = append(fields, fixwire.Field{Tag: 112, Value: id})
	return fixwire.Encode(fields)
}

// ResendRequest encodes a ResendRequest (MsgType=2) spanning
// begin..end; end==0 means "resend through current" and is encoded
// literally as "0" per spec.md §5.1.
func (p *SessionProxy) ResendRequest(nextSentSeq uint64, begin, end uint64) ([]byte, error) {
	fields := p.header(msgTypeResendRequest, nextSentSeq)
	fields = append(fields,
		fixwire.Field{Tag: 7, Value: fmt.Sprint(begin)},
		fixwire.Field{Tag: 16, Value: fmt.Sprint(end)},
	)
	return fixwire.Encode(fields)
}

// Reject encodes a session-level Reject (MsgType=3) for a rejected
// inbound message, naming the offending tag and reason (spec.md
// §4.1's on_message Reject outcome).
func (p *SessionProxy) Reject(nextSentSeq, refSeqNo uint64, refTagID int, text string) ([]byte, error) {
	fields := p.header(msgTypeReject, nextSentSeq)
	fields = append(fields, fixwire.Field{Tag: 45, Value: fmt.Sprint(refSeqNo)})
	if refTagID != 0 {
		fields = append(fields, fixwire.Field{Tag: 371, Value: fmt.Sprint(refTagID)})
	}
	if text != "" {
		fields = append(fields, fixwire.Field{Tag: 58, Value: text})
	}
	return fixwire.Encode(fields)
}

// SequenceReset encodes a SequenceReset (MsgType=4), either as a
// gap-fill (GapFillFlag=Y, sent in place of skipped admin messages) or
// a hard reset (spec.md §4.1's OnSequenceReset).
func (p *SessionProxy) SequenceReset(nextSentSeq, newSeqNo uint64, gapFill bool) ([]byte, error) {
	fields := p.header(msgTypeSequenceReset, nextSentSeq)
	gapFillValue := "N"
	if gapFill {
		gapFillValue = "Y"
	}
	fields = append(fields,
		fixwire.Field{Tag: 123, Value: gapFillValue},
		fixwire.Field{Tag: 36, Value: fmt.Sprint(newSeqNo)},
	)
	return fixwire.Encode(fields)
}
