// Package raftrpc defines the cluster wire frames from spec.md §6
// ("framed messages over the underlying log-buffer transport...
// RequestVote, RequestVoteReply, AppendEntries, AppendEntriesReply,
// each carrying term and role-specific fields") and the transports
// that carry them: a gRPC service for the three-node deployment
// (service.go) and an in-memory transport for tests that dispatches
// straight to the target node's handler (FakeNetwork, transport.go).
//
// No protoc run is available in this exercise, so these are
// hand-written Go structs shaped the way protoc-gen-go would emit
// them, with manual (un)marshal built on
// google.golang.org/protobuf/encoding/protowire's varint/length-delimited
// primitives — the same wire encoding protoc-gen-go code would use,
// without the generated reflection machinery.
package raftrpc

import (
	"fmt"

	"golang.org/x/crypto/blake2b"
	"google.golang.org/protobuf/encoding/protowire"
)

// Field numbers, stable across the package (protobuf convention).
const (
	fieldTerm            = 1
	fieldCandidateID     = 2
	fieldLastLogIndex    = 3
	fieldLastLogTerm     = 4
	fieldVoteGranted     = 5
	fieldLeaderID        = 2
	fieldPrevLogIndex    = 3
	fieldPrevLogTerm     = 4
	fieldEntries         = 5
	fieldLeaderCommit    = 6
	fieldLeaderSessionID = 7
	fieldSuccess         = 2
	fieldConflictIndex   = 3

	entryFieldTerm      = 1
	entryFieldIndex     = 2
	entryFieldSessionID = 3
	entryFieldPayload   = 4
	entryFieldDigest    = 5
)

// LogEntry is one replicated record: a gateway publication's payload,
// tagged with the term it was received in and its dense log index
// (spec.md §4: "term (monotonic), index (monotonic, dense), session_id
// (reserved-value filter tag), payload (opaque byte range)"). Digest
// is a blake2b-256 sum of Payload, computed once by NewLogEntry and
// carried across the wire so a follower can detect a corrupted
// Payload without re-deriving trust from the leader.
type LogEntry struct {
	Term      uint64
	Index     uint64
	SessionID uint64
	Payload   []byte
	Digest    [32]byte
}

// NewLogEntry builds a LogEntry with its digest computed from payload.
func NewLogEntry(term, index, sessionID uint64, payload []byte) *LogEntry {
	return &LogEntry{Term: term, Index: index, SessionID: sessionID, Payload: payload, Digest: blake2b.Sum256(payload)}
}

// VerifyDigest reports whether Payload still hashes to Digest.
func (e *LogEntry) VerifyDigest() bool {
	return blake2b.Sum256(e.Payload) == e.Digest
}

func (e *LogEntry) marshalAppend(b []byte) []byte {
	b = protowire.AppendTag(b, entryFieldTerm, protowire.VarintType)
	b = protowire.AppendVarint(b, e.Term)
	b = protowire.AppendTag(b, entryFieldIndex, protowire.VarintType)
	b = protowire.AppendVarint(b, e.Index)
	b = protowire.AppendTag(b, entryFieldSessionID, protowire.VarintType)
	b = protowire.AppendVarint(b, e.SessionID)
	b = protowire.AppendTag(b, entryFieldPayload, protowire.BytesType)
	b = protowire.AppendBytes(b, e.Payload)
	b = protowire.AppendTag(b, entryFieldDigest, protowire.BytesType)
	b = protowire.AppendBytes(b, e.Digest[:])
	return b
}

func unmarshalLogEntry(data []byte) (*LogEntry, error) {
	e := &LogEntry{}
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return nil, fmt.Errorf("raftrpc: malformed log entry tag")
		}
		data = data[n:]
		switch num {
		case entryFieldTerm:
			v, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return nil, fmt.Errorf("raftrpc: malformed term field")
			}
			e.Term = v
			data = data[n:]
		case entryFieldIndex:
			v, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return nil, fmt.Errorf("raftrpc: malformed index field")
			}
			e.Index = v
			data = data[n:]
		case entryFieldSessionID:
			v, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return nil, fmt.Errorf("raftrpc: malformed session_id field")
			}
			e.SessionID = v
			data = data[n:]
		case entryFieldPayload:
			v, n := protowire.ConsumeBytes(data)
			if n < 0 {
				return nil, fmt.Errorf("raftrpc: malformed payload field")
			}
			e.Payload = append([]byte(nil), v...)
			data = data[n:]
		case entryFieldDigest:
			v, n := protowire.ConsumeBytes(data)
			if n < 0 {
				return nil, fmt.Errorf("raftrpc: malformed digest field")
			}
			copy(e.Digest[:], v)
			data = data[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, data)
			if n < 0 {
				return nil, fmt.Errorf("raftrpc: malformed unknown field %d", num)
			}
			data = data[n:]
		}
	}
	return e, nil
}

// RequestVoteRequest is the candidate's solicitation for a peer's vote
// (spec.md §4.2's election).
type RequestVoteRequest struct {
	Term         uint64
	CandidateID  uint64
	LastLogIndex uint64
	LastLogTerm  uint64
}

// Marshal implements the wire encoder.
func (r *RequestVoteRequest) Marshal() ([]byte, error) {
	var b []byte
	b = protowire.AppendTag(b, fieldTerm, protowire.VarintType)
	b = protowire.AppendVarint(b, r.Term)
	b = protowire.AppendTag(b, fieldCandidateID, protowire.VarintType)
	b = protowire.AppendVarint(b, r.CandidateID)
	b = protowire.AppendTag(b, fieldLastLogIndex, protowire.VarintType)
	b = protowire.AppendVarint(b, r.LastLogIndex)
	b = protowire.AppendTag(b, fieldLastLogTerm, protowire.VarintType)
	b = protowire.AppendVarint(b, r.LastLogTerm)
	return b, nil
}

// Unmarshal implements the wire decoder.
func (r *RequestVoteRequest) Unmarshal(data []byte) error {
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return fmt.Errorf("raftrpc: malformed RequestVoteRequest tag")
		}
		data = data[n:]
		switch num {
		case fieldTerm:
			v, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return fmt.Errorf("raftrpc: malformed term")
			}
			r.Term = v
			data = data[n:]
		case fieldCandidateID:
			v, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return fmt.Errorf("raftrpc: malformed candidate_id")
			}
			r.CandidateID = v
			data = data[n:]
		case fieldLastLogIndex:
			v, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return fmt.Errorf("raftrpc: malformed last_log_index")
			}
			r.LastLogIndex = v
			data = data[n:]
		case fieldLastLogTerm:
			v, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return fmt.Errorf("raftrpc: malformed last_log_term")
			}
			r.LastLogTerm = v
			data = data[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, data)
			if n < 0 {
				return fmt.Errorf("raftrpc: malformed unknown field %d", num)
			}
			data = data[n:]
		}
	}
	return nil
}

// RequestVoteReply is a peer's response to a RequestVote.
type RequestVoteReply struct {
	Term        uint64
	VoteGranted bool
}

// Marshal implements the wire encoder.
func (r *RequestVoteReply) Marshal() ([]byte, error) {
	var b []byte
	b = protowire.AppendTag(b, fieldTerm, protowire.VarintType)
	b = protowire.AppendVarint(b, r.Term)
	b = protowire.AppendTag(b, fieldVoteGranted, protowire.VarintType)
	b = protowire.AppendVarint(b, boolToVarint(r.VoteGranted))
	return b, nil
}

// Unmarshal implements the wire decoder.
func (r *RequestVoteReply) Unmarshal(data []byte) error {
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return fmt.Errorf("raftrpc: malformed RequestVoteReply tag")
		}
		data = data[n:]
		switch num {
		case fieldTerm:
			v, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return fmt.Errorf("raftrpc: malformed term")
			}
			r.Term = v
			data = data[n:]
		case fieldVoteGranted:
			v, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return fmt.Errorf("raftrpc: malformed vote_granted")
			}
			r.VoteGranted = v != 0
			data = data[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, data)
			if n < 0 {
				return fmt.Errorf("raftrpc: malformed unknown field %d", num)
			}
			data = data[n:]
		}
	}
	return nil
}

// AppendEntriesRequest carries a heartbeat (Entries == nil) or one or
// more log entries to replicate, plus the leader's LeaderSessionID
// observable (spec.md §4.2).
type AppendEntriesRequest struct {
	Term            uint64
	LeaderID        uint64
	PrevLogIndex    uint64
	PrevLogTerm     uint64
	Entries         []*LogEntry
	LeaderCommit    uint64
	LeaderSessionID uint64
}

// Marshal implements the wire encoder.
func (a *AppendEntriesRequest) Marshal() ([]byte, error) {
	var b []byte
	b = protowire.AppendTag(b, fieldTerm, protowire.VarintType)
	b = protowire.AppendVarint(b, a.Term)
	b = protowire.AppendTag(b, fieldLeaderID, protowire.VarintType)
	b = protowire.AppendVarint(b, a.LeaderID)
	b = protowire.AppendTag(b, fieldPrevLogIndex, protowire.VarintType)
	b = protowire.AppendVarint(b, a.PrevLogIndex)
	b = protowire.AppendTag(b, fieldPrevLogTerm, protowire.VarintType)
	b = protowire.AppendVarint(b, a.PrevLogTerm)
	for _, e := range a.Entries {
		b = protowire.AppendTag(b, fieldEntries, protowire.BytesType)
		b = protowire.AppendBytes(b, e.marshalAppend(nil))
	}
	b = protowire.AppendTag(b, fieldLeaderCommit, protowire.VarintType)
	b = protowire.AppendVarint(b, a.LeaderCommit)
	b = protowire.AppendTag(b, fieldLeaderSessionID, protowire.VarintType)
	b = protowire.AppendVarint(b, a.LeaderSessionID)
	return b, nil
}

// Unmarshal implements the wire decoder.
func (a *AppendEntriesRequest) Unmarshal(data []byte) error {
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return fmt.Errorf("raftrpc: malformed AppendEntriesRequest tag")
		}
		data = data[n:]
		switch num {
		case fieldTerm:
			v, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return fmt.Errorf("raftrpc: malformed term")
			}
			a.Term = v
			data = data[n:]
		case fieldLeaderID:
			v, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return fmt.Errorf("raftrpc: malformed leader_id")
			}
			a.LeaderID = v
			data = data[n:]
		case fieldPrevLogIndex:
			v, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return fmt.Errorf("raftrpc: malformed prev_log_index")
			}
			a.PrevLogIndex = v
			data = data[n:]
		case fieldPrevLogTerm:
			v, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return fmt.Errorf("raftrpc: malformed prev_log_term")
			}
			a.PrevLogTerm = v
			data = data[n:]
		case fieldEntries:
			v, n := protowire.ConsumeBytes(data)
			if n < 0 {
				return fmt.Errorf("raftrpc: malformed entries field")
			}
			entry, err := unmarshalLogEntry(v)
			if err != nil {
				return err
			}
			a.Entries = append(a.Entries, entry)
			data = data[n:]
		case fieldLeaderCommit:
			v, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return fmt.Errorf("raftrpc: malformed leader_commit")
			}
			a.LeaderCommit = v
			data = data[n:]
		case fieldLeaderSessionID:
			v, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return fmt.Errorf("raftrpc: malformed leader_session_id")
			}
			a.LeaderSessionID = v
			data = data[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, data)
			if n < 0 {
				return fmt.Errorf("raftrpc: malformed unknown field %d", num)
			}
			data = data[n:]
		}
	}
	return nil
}

// AppendEntriesReply is a follower's response to an AppendEntries.
type AppendEntriesReply struct {
	Term          uint64
	Success       bool
	ConflictIndex uint64
}

// Marshal implements the wire encoder.
func (a *AppendEntriesReply) Marshal() ([]byte, error) {
	var b []byte
	b = protowire.AppendTag(b, fieldTerm, protowire.VarintType)
	b = protowire.AppendVarint(b, a.Term)
	b = protowire.AppendTag(b, fieldSuccess, protowire.VarintType)
	b = protowire.AppendVarint(b, boolToVarint(a.Success))
	b = protowire.AppendTag(b, fieldConflictIndex, protowire.VarintType)
	b = protowire.AppendVarint(b, a.ConflictIndex)
	return b, nil
}

// Unmarshal implements the wire decoder.
func (a *AppendEntriesReply) Unmarshal(data []byte) error {
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return fmt.Errorf("raftrpc: malformed AppendEntriesReply tag")
		}
		data = data[n:]
		switch num {
		case fieldTerm:
			v, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return fmt.Errorf("raftrpc: malformed term")
			}
			a.Term = v
			data = data[n:]
		case fieldSuccess:
			v, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return fmt.Errorf("raftrpc: malformed success")
			}
			a.Success = v != 0
			data = data[n:]
		case fieldConflictIndex:
			v, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return fmt.Errorf("raftrpc: malformed conflict_index")
			}
			a.ConflictIndex = v
			data = data[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, data)
			if n < 0 {
				return fmt.Errorf("raftrpc: malformed unknown field %d", num)
			}
			data = data[n:]
		}
	}
	return nil
}

func boolToVarint(b bool) uint64 {
	if b {
		return 1
	}
	return 0
}
