package raft

import (
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"os"
	"sync"
)

// persistRecordSize is current_term (8 bytes) + voted_for (8 bytes)
// plus a CRC32 trailer (4 bytes) over the preceding 16 bytes.
const persistRecordSize = 8 + 8 + 4

// ErrPersistCorrupt is returned by FilePersistentState.LoadState when
// the on-disk record's CRC32 trailer doesn't match its contents.
var ErrPersistCorrupt = errors.New("raft: persistent state record corrupt")

// FilePersistentState stores current_term/voted_for in a single
// fixed-width slot at offset 0, fsync'd on every write — a node must
// never grant a vote or start an election before this write lands
// (spec.md §6).
//
// Grounded on internal/fixsession.SeqIndex's single-writer fixed-slot
// file, narrowed from a session-indexed table to one record since a
// node only ever persists its own state.
type FilePersistentState struct {
	mu sync.Mutex
	f  *os.File
}

// OpenFilePersistentState opens (creating if absent) the file backing
// a node's persisted term/voted_for.
func OpenFilePersistentState(path string) (*FilePersistentState, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, fmt.Errorf("raft: open persistent state %s: %w", path, err)
	}
	return &FilePersistentState{f: f}, nil
}

// Close releases the underlying file handle.
func (s *FilePersistentState) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.f.Close()
}

// SaveState implements raft.PersistentState.
func (s *FilePersistentState) SaveState(term, votedFor uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	buf := make([]byte, persistRecordSize)
	binary.BigEndian.PutUint64(buf[0:8], term)
	binary.BigEndian.PutUint64(buf[8:16], votedFor)
	binary.BigEndian.PutUint32(buf[16:20], crc32.ChecksumIEEE(buf[:16]))

	if _, err := s.f.WriteAt(buf, 0); err != nil {
		return fmt.Errorf("raft: write persistent state: %w", err)
	}
	return s.f.Sync()
}

// LoadState implements raft.PersistentState. ok is false if the file
// has never been written (a fresh node).
func (s *FilePersistentState) LoadState() (term, votedFor uint64, ok bool, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	buf := make([]byte, persistRecordSize)
	n, readErr := s.f.ReadAt(buf, 0)
	if n < persistRecordSize {
		if readErr != nil {
			return 0, 0, false, nil
		}
		return 0, 0, false, nil
	}

	want := binary.BigEndian.Uint32(buf[16:20])
	got := crc32.ChecksumIEEE(buf[:16])
	if want != got {
		return 0, 0, false, fmt.Errorf("%w", ErrPersistCorrupt)
	}

	term = binary.BigEndian.Uint64(buf[0:8])
	votedFor = binary.BigEndian.Uint64(buf[8:16])
	return term, votedFor, true, nil
}

// MemoryPersistentState is a non-durable PersistentState for tests
// that don't exercise crash-recovery semantics.
type MemoryPersistentState struct {
	mu       sync.Mutex
	term     uint64
	votedFor uint64
	written  bool
}

// SaveState implements raft.PersistentState.
func (m *MemoryPersistentState) SaveState(term, votedFor uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.term = term
	m.votedFor = votedFor
	m.written = true
	return nil
}

// LoadState implements raft.PersistentState.
func (m *MemoryPersistentState) LoadState() (term, votedFor uint64, ok bool, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.term, m.votedFor, m.written, nil
}
