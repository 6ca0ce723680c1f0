// Sequence-number index persistence, per spec.md §6: "Sequence-number
// indices: mapped files indexed by session_id, each slot holds the
// last committed (sent_seq, received_seq)." Single-writer; readers are
// expected to open the same file read-only.
//
// Grounded on the teacher's internal/protocol/frame.go record layout
// (fixed-width binary.Write/Read fields plus a trailing checksum),
// generalized from a wire frame to an on-disk fixed-slot record.
package fixsession

import (
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"os"
	"sync"
)

// recordSize is the fixed width of one session's slot: session_id
// (8 bytes) + sent_seq (8 bytes) + received_seq (8 bytes) + a CRC32
// trailer (4 bytes) over the preceding 24 bytes.
const recordSize = 8 + 8 + 8 + 4

// ErrRecordCorrupt is returned by SeqIndex.Lookup when a slot's CRC32
// trailer doesn't match its contents.
var ErrRecordCorrupt = errors.New("fixsession: sequence index record corrupt")

// SeqIndex persists (sent_seq, received_seq) per session_id in a
// fixed-slot file, single-writer per spec.md §3's shared-resources
// note.
type SeqIndex struct {
	mu       sync.Mutex
	f        *os.File
	capacity int64
}

// OpenSeqIndex opens (creating if absent) a sequence-number index file
// sized to hold up to capacity sessions, addressed by session_id
// modulo capacity.
func OpenSeqIndex(path string, capacity int) (*SeqIndex, error) {
	if capacity <= 0 {
		return nil, fmt.Errorf("fixsession: seq index capacity must be positive, got %d", capacity)
	}
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, fmt.Errorf("fixsession: open seq index %s: %w", path, err)
	}
	return &SeqIndex{f: f, capacity: int64(capacity)}, nil
}

// Close releases the underlying file handle.
func (idx *SeqIndex) Close() error {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	return idx.f.Close()
}

func (idx *SeqIndex) slotOffset(sessionID uint64) int64 {
	return int64(sessionID%uint64(idx.capacity)) * recordSize
}

// Commit writes the latest (sentSeq, receivedSeq) for sessionID and
// fsyncs the write, matching §6's persisted-state durability
// requirement.
func (idx *SeqIndex) Commit(sessionID, sentSeq, receivedSeq uint64) error {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	buf := make([]byte, recordSize)
	binary.BigEndian.PutUint64(buf[0:8], sessionID)
	binary.BigEndian.PutUint64(buf[8:16], sentSeq)
	binary.BigEndian.PutUint64(buf[16:24], receivedSeq)
	binary.BigEndian.PutUint32(buf[24:28], crc32.ChecksumIEEE(buf[:24]))

	if _, err := idx.f.WriteAt(buf, idx.slotOffset(sessionID)); err != nil {
		return fmt.Errorf("fixsession: write seq index slot: %w", err)
	}
	return idx.f.Sync()
}

// Lookup returns the last committed (sentSeq, receivedSeq) for
// sessionID. ok is false for a slot that has never been written (past
// EOF, or all-zero with a stored id of 0); such a slot is reported as
// absent before the CRC is checked.
func (idx *SeqIndex) Lookup(sessionID uint64) (sentSeq, receivedSeq uint64, ok bool, err error) {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	buf := make([]byte, recordSize)
	n, readErr := idx.f.ReadAt(buf, idx.slotOffset(sessionID))
	if readErr != nil && n != recordSize {
		// Slot has never been written (short read past EOF).
		return 0, 0, false, nil
	}

	storedID := binary.BigEndian.Uint64(buf[0:8])
	if storedID == 0 && sessionID != 0 {
		return 0, 0, false, nil
	}

	wantCRC := binary.BigEndian.Uint32(buf[24:28])
	gotCRC := crc32.ChecksumIEEE(buf[:24])
	if gotCRC != wantCRC {
		return 0, 0, false, fmt.Errorf("%w: session %d", ErrRecordCorrupt, sessionID)
	}
	if storedID != sessionID {
		return 0, 0, false, nil
	}

	sentSeq = binary.BigEndian.Uint64(buf[8:16])
	receivedSeq = binary.BigEndian.Uint64(buf[16:24])
	return sentSeq, receivedSeq, true, nil
}
