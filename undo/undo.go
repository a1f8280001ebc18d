// Package undo implements the per-session Undo Log (C9): an
// append-only stack of reversible operations that spills to a private
// temp file under memory pressure, transparently to callers.
package undo

import (
	"encoding/binary"
	"io"
	"os"
	"sync"

	"github.com/cockroachdb/errors"
)

// Operation distinguishes the two kinds of reversible row mutation a
// record can undo.
type Operation int

const (
	OpInsert Operation = iota
	OpDelete
)

// Record is a single UndoLogRecord (spec §3): Row is opaque to this
// package, since the on-disk row format is out of scope — callers
// supply and interpret its bytes.
type Record struct {
	TableID   uint32
	Operation Operation
	Row       []byte
	// FilePos is set once a record has been spilled and cleared again
	// once it is restored to memory.
	FilePos *int64
}

func (r *Record) encode() []byte {
	buf := make([]byte, 0, 9+len(r.Row))
	var tmp [4]byte
	binary.BigEndian.PutUint32(tmp[:], r.TableID)
	buf = append(buf, tmp[:]...)
	buf = append(buf, byte(r.Operation))
	binary.BigEndian.PutUint32(tmp[:], uint32(len(r.Row)))
	buf = append(buf, tmp[:]...)
	buf = append(buf, r.Row...)
	return buf
}

func decodeRecord(buf []byte) (*Record, int, error) {
	if len(buf) < 9 {
		return nil, 0, errors.New("corrupted undo log chunk: header too short")
	}
	tableID := binary.BigEndian.Uint32(buf[0:4])
	op := Operation(buf[4])
	rowLen := binary.BigEndian.Uint32(buf[5:9])
	if len(buf) < 9+int(rowLen) {
		return nil, 0, errors.New("corrupted undo log chunk: row truncated")
	}
	row := append([]byte(nil), buf[9:9+rowLen]...)
	return &Record{TableID: tableID, Operation: op, Row: row}, 9 + int(rowLen), nil
}

// spillChunk records where one spilled batch of records lives in the
// temp file, oldest-first.
type spillChunk struct {
	offset int64
	count  int
}

// Log is a single session's undo log. The zero value is not usable;
// construct with New.
type Log struct {
	mu sync.Mutex

	// records holds the in-memory, most-recently-added tail of the
	// stack. Index 0 is the oldest resident record; the last element is
	// the top of the stack.
	records []*Record

	spillThreshold int
	chunkSize      int
	persistent     bool
	multiVersion   bool

	tempDir string
	file    *os.File
	offset  int64
	spilled []spillChunk
}

// Options configures when and how a Log spills to disk.
type Options struct {
	// SpillThreshold is the in-memory record count above which the
	// oldest resident records are spilled. Zero disables spilling.
	SpillThreshold int
	// ChunkSize is how many records are written per spill.
	ChunkSize int
	// Persistent and MultiVersion mirror the database's own mode: spill
	// only happens when Persistent is true and MultiVersion is false,
	// per spec §4.9 ("the database is persistent and not multi-version").
	Persistent   bool
	MultiVersion bool
	// TempDir is where the private temp file is created; empty uses the
	// process default (os.TempDir).
	TempDir string
}

// New creates an empty Log configured by opts.
func New(opts Options) *Log {
	return &Log{
		spillThreshold: opts.SpillThreshold,
		chunkSize:      opts.ChunkSize,
		persistent:     opts.Persistent,
		multiVersion:   opts.MultiVersion,
		tempDir:        opts.TempDir,
	}
}

func (l *Log) spillsToDisk() bool {
	return l.spillThreshold > 0 && l.chunkSize > 0 && l.persistent && !l.multiVersion
}

// Add appends a record to the top of the stack, spilling the oldest
// resident chunk to the private temp file if the in-memory count has
// exceeded the configured threshold.
func (l *Log) Add(r *Record) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.records = append(l.records, r)

	if !l.spillsToDisk() || len(l.records) <= l.spillThreshold {
		return nil
	}
	return l.spillOldestLocked()
}

func (l *Log) spillOldestLocked() error {
	n := l.chunkSize
	if n > len(l.records) {
		n = len(l.records)
	}
	victims := l.records[:n]

	if l.file == nil {
		f, err := os.CreateTemp(l.tempDir, "dbcore-undo-*")
		if err != nil {
			return errors.Wrap(err, "failed to create undo log spill file")
		}
		l.file = f
	}

	var buf []byte
	for _, rec := range victims {
		buf = append(buf, rec.encode()...)
	}
	if _, err := l.file.WriteAt(buf, l.offset); err != nil {
		return errors.Wrap(err, "failed to spill undo log chunk")
	}

	l.spilled = append(l.spilled, spillChunk{offset: l.offset, count: n})
	l.offset += int64(len(buf))
	l.records = append([]*Record(nil), l.records[n:]...)

	for i, rec := range victims {
		pos := l.spilled[len(l.spilled)-1].offset + int64(i)
		rec.FilePos = &pos
	}
	return nil
}

// GetLast returns the record at the top of the stack without removing
// it, restoring the most recently spilled chunk from disk first if the
// in-memory tail has been exhausted.
func (l *Log) GetLast() (*Record, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if len(l.records) == 0 {
		if err := l.restoreLastChunkLocked(); err != nil {
			return nil, err
		}
	}
	if len(l.records) == 0 {
		return nil, errors.New("undo log is empty")
	}
	return l.records[len(l.records)-1], nil
}

// restoreLastChunkLocked reads the most recently spilled chunk back
// into memory (spec §4.9: "read back a suffix of the file and restore
// the affected records"). Restored records have FilePos cleared since
// they are no longer spilled.
func (l *Log) restoreLastChunkLocked() error {
	if len(l.spilled) == 0 {
		return nil
	}
	chunk := l.spilled[len(l.spilled)-1]
	l.spilled = l.spilled[:len(l.spilled)-1]

	length := l.offset - chunk.offset
	buf := make([]byte, length)
	if _, err := l.file.ReadAt(buf, chunk.offset); err != nil && err != io.EOF {
		return errors.Wrap(err, "failed to restore spilled undo log chunk")
	}
	l.offset = chunk.offset

	restored := make([]*Record, 0, chunk.count)
	pos := 0
	for i := 0; i < chunk.count; i++ {
		rec, n, err := decodeRecord(buf[pos:])
		if err != nil {
			return err
		}
		pos += n
		restored = append(restored, rec)
	}
	l.records = append(restored, l.records...)
	return nil
}

// RemoveLast pops the top record off the stack. When trim is true the
// in-memory slice is reallocated to its exact remaining length,
// mirroring a trimToSize hint rather than changing any observable
// behavior.
func (l *Log) RemoveLast(trim bool) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if len(l.records) == 0 {
		if err := l.restoreLastChunkLocked(); err != nil {
			return err
		}
	}
	if len(l.records) == 0 {
		return errors.New("undo log is empty")
	}
	l.records = l.records[:len(l.records)-1]
	if trim {
		l.records = append([]*Record(nil), l.records...)
	}
	return nil
}

// Size returns the total record count, resident and spilled.
func (l *Log) Size() int {
	l.mu.Lock()
	defer l.mu.Unlock()

	total := len(l.records)
	for _, c := range l.spilled {
		total += c.count
	}
	return total
}

// Clear discards every record and removes the spill file, if any.
func (l *Log) Clear() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.records = nil
	l.spilled = nil
	l.offset = 0

	if l.file == nil {
		return nil
	}
	name := l.file.Name()
	err := l.file.Close()
	l.file = nil
	if rerr := os.Remove(name); rerr != nil && err == nil {
		err = rerr
	}
	return err
}
