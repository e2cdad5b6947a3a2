package ext4

import (
	"encoding/binary"
	"fmt"
	"os"
	"sync"
)

// Jbd2 is the boundary to an external journal provider. The engine brackets
// every metadata-mutating operation with TransactionStart/TransactionStop
// and mirrors metadata block writes through WriteTransaction; the
// write-ahead log format and replay into the filesystem are the provider's
// concern, not the engine's.
type Jbd2 interface {
	LoadJournal() error
	JournalStart() error
	JournalStop() error
	TransactionStart() error
	TransactionStop() error
	WriteTransaction(blockID PBlockId, data []byte) error
	Recover() error
}

// nopJournal is the default provider: no durability beyond the device.
type nopJournal struct{}

var _ Jbd2 = nopJournal{}

func (nopJournal) LoadJournal() error                      { return nil }
func (nopJournal) JournalStart() error                     { return nil }
func (nopJournal) JournalStop() error                      { return nil }
func (nopJournal) TransactionStart() error                 { return nil }
func (nopJournal) TransactionStop() error                  { return nil }
func (nopJournal) WriteTransaction(PBlockId, []byte) error { return nil }
func (nopJournal) Recover() error                          { return nil }

// writeMeta routes a metadata block through the journal provider before it
// reaches the device. Data blocks bypass this path and go straight to the
// device (ordered-mode semantics).
func (fs *Ext4) writeMeta(b *Block) error {
	if err := fs.jbd.WriteTransaction(b.ID, b.Data); err != nil {
		return fmt.Errorf("journal block %d: %w", b.ID, err)
	}
	return fs.dev.WriteBlock(b)
}

// transaction runs fn between TransactionStart and TransactionStop. The
// stop is issued even when fn fails so the provider never leaks an open
// transaction; fn's error wins over the stop error.
func (fs *Ext4) transaction(fn func() error) error {
	if err := fs.jbd.TransactionStart(); err != nil {
		return fmt.Errorf("transaction start: %w", err)
	}
	err := fn()
	if stopErr := fs.jbd.TransactionStop(); err == nil && stopErr != nil {
		err = fmt.Errorf("transaction stop: %w", stopErr)
	}
	return err
}

// ============================================================================
// File-backed WAL provider
// ============================================================================

const (
	walMagic      = 0x4A424432 // "JBD2"
	walHeaderSize = 24
	walFrameSize  = walHeaderSize + BlockSize

	walFlagCommit = 1
)

// WALFrame is one recovered journal record: a metadata block image plus the
// physical block it belongs to. Frames with the commit flag close a
// transaction.
type WALFrame struct {
	Seq     uint32
	BlockID PBlockId
	Commit  bool
	Data    []byte
}

// WALJournal is a minimal file-backed Jbd2 provider. Each WriteTransaction
// appends one frame; TransactionStop appends a commit frame and syncs.
// Recover validates checksums and returns the committed frames; replaying
// them into the filesystem is left to the caller.
type WALJournal struct {
	mu     sync.Mutex
	file   *os.File
	path   string
	seq    uint32
	frames int64
	open   bool
}

var _ Jbd2 = (*WALJournal)(nil)

// NewWALJournal opens (or creates) the journal file at path.
func NewWALJournal(path string) (*WALJournal, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, errIO("open journal", err)
	}
	return &WALJournal{file: f, path: path}, nil
}

func (w *WALJournal) LoadJournal() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	info, err := w.file.Stat()
	if err != nil {
		return errIO("load journal", err)
	}
	w.frames = info.Size() / walFrameSize
	return nil
}

func (w *WALJournal) JournalStart() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.open = true
	return nil
}

func (w *WALJournal) JournalStop() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.open = false
	if err := w.file.Sync(); err != nil {
		return errIO("stop journal", err)
	}
	return nil
}

func (w *WALJournal) TransactionStart() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.seq++
	return nil
}

func (w *WALJournal) TransactionStop() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if err := w.appendFrame(0, nil, true); err != nil {
		return err
	}
	if err := w.file.Sync(); err != nil {
		return errIO("commit transaction", err)
	}
	return nil
}

func (w *WALJournal) WriteTransaction(blockID PBlockId, data []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.appendFrame(blockID, data, false)
}

// appendFrame writes one frame at the current tail. Caller holds the lock.
func (w *WALJournal) appendFrame(blockID PBlockId, data []byte, commit bool) error {
	frame := make([]byte, walFrameSize)
	binary.LittleEndian.PutUint32(frame[0:4], walMagic)
	binary.LittleEndian.PutUint32(frame[4:8], w.seq)
	binary.LittleEndian.PutUint64(frame[8:16], blockID)
	if commit {
		binary.LittleEndian.PutUint32(frame[20:24], walFlagCommit)
	}
	copy(frame[walHeaderSize:], data)

	crc := crc32c(^uint32(0), frame[walHeaderSize:])
	binary.LittleEndian.PutUint32(frame[16:20], crc)

	if _, err := w.file.WriteAt(frame, w.frames*walFrameSize); err != nil {
		return errIO("append journal frame", err)
	}
	w.frames++
	return nil
}

// Recover scans the log from the start and returns every frame belonging to
// a committed transaction. The scan stops at the first frame with a bad
// magic or checksum (a torn tail).
func (w *WALJournal) Recover() error {
	_, err := w.RecoverFrames()
	return err
}

// RecoverFrames is Recover with the committed frames returned for an
// external replayer.
func (w *WALJournal) RecoverFrames() ([]WALFrame, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	info, err := w.file.Stat()
	if err != nil {
		return nil, errIO("recover journal", err)
	}

	var (
		committed []WALFrame
		pending   []WALFrame
	)

	n := info.Size() / walFrameSize
	for i := int64(0); i < n; i++ {
		buf := make([]byte, walFrameSize)
		if _, err := w.file.ReadAt(buf, i*walFrameSize); err != nil {
			break
		}

		if binary.LittleEndian.Uint32(buf[0:4]) != walMagic {
			break
		}
		want := binary.LittleEndian.Uint32(buf[16:20])
		if crc32c(^uint32(0), buf[walHeaderSize:]) != want {
			break
		}

		frame := WALFrame{
			Seq:     binary.LittleEndian.Uint32(buf[4:8]),
			BlockID: binary.LittleEndian.Uint64(buf[8:16]),
			Commit:  binary.LittleEndian.Uint32(buf[20:24])&walFlagCommit != 0,
			Data:    buf[walHeaderSize:],
		}

		if frame.Commit {
			committed = append(committed, pending...)
			pending = pending[:0]
			continue
		}
		pending = append(pending, frame)
	}

	return committed, nil
}

// Reset truncates the log, typically after a successful checkpoint.
func (w *WALJournal) Reset() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.frames = 0
	if err := w.file.Truncate(0); err != nil {
		return errIO("reset journal", err)
	}
	return nil
}

// Close releases the journal file.
func (w *WALJournal) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if err := w.file.Close(); err != nil {
		return errIO("close journal", err)
	}
	return nil
}
