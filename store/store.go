// Package store is the concrete TransactionStore collaborator that spec §1
// treats as external to the core: a page/MV store exposing begin, commit,
// rollback, savepoint, prepareCommit and a Map<String,Bytes> abstraction.
// It is the one domain dependency the core is allowed to see concretely,
// backed by github.com/cockroachdb/pebble the way the teacher's kv engine
// variants wrap a concrete kv implementation behind the same shape.
package store

import (
	"io"
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/cockroachdb/pebble"
)

var (
	// ErrKeyNotFound is returned when a Get/Delete target does not exist.
	ErrKeyNotFound = errors.New("key not found")
	// ErrSessionClosed is returned by any operation on a committed, rolled
	// back, or otherwise finished Session.
	ErrSessionClosed = errors.New("session is closed")
	// ErrReadOnlySession is returned by mutating calls on a read-only
	// Session.
	ErrReadOnlySession = errors.New("session is read-only")
	// ErrInDoubtNotFound is returned when completing a prepared
	// transaction name that isn't currently in doubt.
	ErrInDoubtNotFound = errors.New("in-doubt transaction not found")
)

const preparedPrefix = "__prepared__/"

// Engine owns the single pebble database backing every Session. It plays
// the role spec §1 calls the on-disk MV/page store.
type Engine struct {
	db *pebble.DB
}

// Open opens (creating if absent) the pebble database rooted at path.
func Open(path string, opts *pebble.Options) (*Engine, error) {
	db, err := pebble.Open(path, opts)
	if err != nil {
		return nil, errors.Wrap(err, "failed to open transaction store")
	}
	return &Engine{db: db}, nil
}

// Close closes the underlying pebble database. It is the caller's
// responsibility to ensure no Session is still in use.
func (e *Engine) Close() error {
	return e.db.Close()
}

// Begin starts a new Session. Writable sessions serialize on a pebble
// batch; read-only sessions read a consistent snapshot.
func (e *Engine) Begin(writable bool) *Session {
	s := &Session{eng: e, writable: writable}
	if writable {
		s.batch = e.db.NewIndexedBatch()
	} else {
		s.snap = e.db.NewSnapshot()
	}
	return s
}

// ListInDoubt returns the names of every transaction that completed
// PrepareCommit but was never resolved with CompleteInDoubt — used at
// open to populate INFORMATION_SCHEMA.IN_DOUBT (spec scenario 3).
func (e *Engine) ListInDoubt() ([]string, error) {
	it, err := e.db.NewIter(&pebble.IterOptions{
		LowerBound: []byte(preparedPrefix),
		UpperBound: []byte(preparedPrefix + "\xff"),
	})
	if err != nil {
		return nil, err
	}
	defer it.Close()

	var names []string
	for it.First(); it.Valid(); it.Next() {
		names = append(names, string(it.Key()[len(preparedPrefix):]))
	}
	return names, it.Error()
}

// CompleteInDoubt resolves a previously prepared transaction: if commit is
// true its batch is replayed against the live database, otherwise it is
// simply discarded. Either way the prepared marker is removed.
func (e *Engine) CompleteInDoubt(name string, commit bool) error {
	key := []byte(preparedPrefix + name)

	blob, closer, err := e.db.Get(key)
	if err != nil {
		if errors.Is(err, pebble.ErrNotFound) {
			return errors.WithStack(ErrInDoubtNotFound)
		}
		return err
	}
	repr := append([]byte(nil), blob...)
	if err := closer.Close(); err != nil {
		return err
	}

	if commit {
		b := e.db.NewBatch()
		if err := b.SetRepr(repr); err != nil {
			return errors.Wrap(err, "corrupted prepared transaction")
		}
		if err := e.db.Apply(b, pebble.Sync); err != nil {
			return err
		}
	}

	return e.db.Delete(key, pebble.Sync)
}

// Session is a single TransactionStore transaction: a writable batch or a
// read-only snapshot, plus an in-memory undo log that makes Savepoint /
// RollbackToSavepoint possible without pebble-native nested transactions.
type Session struct {
	eng      *Engine
	writable bool

	mu     sync.Mutex
	batch  *pebble.Batch
	snap   *pebble.Snapshot
	undo   []undoEntry
	done   bool
	prepName string
}

type undoEntry struct {
	key      []byte
	hadValue bool
	oldValue []byte
}

// Writable reports whether this session can mutate the store.
func (s *Session) Writable() bool { return s.writable }

// Get returns the value associated with key, or ErrKeyNotFound.
func (s *Session) Get(key []byte) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.done {
		return nil, errors.WithStack(ErrSessionClosed)
	}

	var v []byte
	var closer io.Closer
	var err error
	if s.writable {
		v, closer, err = s.batch.Get(key)
	} else {
		v, closer, err = s.snap.Get(key)
	}
	if err != nil {
		if errors.Is(err, pebble.ErrNotFound) {
			return nil, errors.WithStack(ErrKeyNotFound)
		}
		return nil, err
	}
	cp := append([]byte(nil), v...)
	if err := closer.Close(); err != nil {
		return nil, err
	}
	return cp, nil
}

// Exists reports whether key is present and visible to this session.
func (s *Session) Exists(key []byte) (bool, error) {
	_, err := s.Get(key)
	if errors.Is(err, ErrKeyNotFound) {
		return false, nil
	}
	return err == nil, err
}

// KV is a single key/value pair yielded by Iterate.
type KV struct {
	Key   []byte
	Value []byte
}

// Iterate returns every key/value pair whose key starts with prefix, in
// ascending key order, as visible to this session. It is used by the
// catalog store's scan() (spec §4.3), which relies on SYS rows being
// produced in id order because keys embed a big-endian id suffix.
func (s *Session) Iterate(prefix []byte) ([]KV, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.done {
		return nil, errors.WithStack(ErrSessionClosed)
	}

	upper := append(append([]byte(nil), prefix...), 0xff)
	opts := &pebble.IterOptions{LowerBound: prefix, UpperBound: upper}

	var it *pebble.Iterator
	var err error
	if s.writable {
		it, err = s.batch.NewIter(opts)
	} else {
		it, err = s.snap.NewIter(opts)
	}
	if err != nil {
		return nil, err
	}
	defer it.Close()

	var out []KV
	for it.First(); it.Valid(); it.Next() {
		out = append(out, KV{
			Key:   append([]byte(nil), it.Key()...),
			Value: append([]byte(nil), it.Value()...),
		})
	}
	return out, it.Error()
}

// Put stores key/value, recording the previous state so a later
// RollbackToSavepoint can undo it.
func (s *Session) Put(key, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.done {
		return errors.WithStack(ErrSessionClosed)
	}
	if !s.writable {
		return errors.WithStack(ErrReadOnlySession)
	}

	old, hadValue, err := s.currentLocked(key)
	if err != nil {
		return err
	}

	if err := s.batch.Set(key, value, nil); err != nil {
		return err
	}

	s.undo = append(s.undo, undoEntry{key: append([]byte(nil), key...), hadValue: hadValue, oldValue: old})
	return nil
}

// Delete removes key, recording the previous value for undo.
func (s *Session) Delete(key []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.done {
		return errors.WithStack(ErrSessionClosed)
	}
	if !s.writable {
		return errors.WithStack(ErrReadOnlySession)
	}

	old, hadValue, err := s.currentLocked(key)
	if err != nil {
		return err
	}
	if !hadValue {
		return errors.WithStack(ErrKeyNotFound)
	}

	if err := s.batch.Delete(key, nil); err != nil {
		return err
	}

	s.undo = append(s.undo, undoEntry{key: append([]byte(nil), key...), hadValue: true, oldValue: old})
	return nil
}

func (s *Session) currentLocked(key []byte) (value []byte, ok bool, err error) {
	v, closer, err := s.batch.Get(key)
	if err != nil {
		if errors.Is(err, pebble.ErrNotFound) {
			return nil, false, nil
		}
		return nil, false, err
	}
	cp := append([]byte(nil), v...)
	if err := closer.Close(); err != nil {
		return nil, false, err
	}
	return cp, true, nil
}

// Savepoint returns a mark that RollbackToSavepoint can later return to.
func (s *Session) Savepoint() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.undo)
}

// RollbackToSavepoint undoes every mutation recorded since mark, in
// reverse order, and discards the undo entries after mark.
func (s *Session) RollbackToSavepoint(mark int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.done {
		return errors.WithStack(ErrSessionClosed)
	}

	for i := len(s.undo) - 1; i >= mark; i-- {
		e := s.undo[i]
		var err error
		if e.hadValue {
			err = s.batch.Set(e.key, e.oldValue, nil)
		} else {
			err = s.batch.Delete(e.key, nil)
		}
		if err != nil {
			return err
		}
	}
	s.undo = s.undo[:mark]
	return nil
}

// Commit applies the session's batch atomically and releases it.
func (s *Session) Commit() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.done {
		return errors.WithStack(ErrSessionClosed)
	}
	s.done = true

	if !s.writable {
		return s.snap.Close()
	}
	return s.batch.Commit(pebble.Sync)
}

// Rollback discards the session without applying any mutation.
func (s *Session) Rollback() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.done {
		return nil
	}
	s.done = true

	if !s.writable {
		return s.snap.Close()
	}
	return s.batch.Close()
}

// PrepareCommit durably records the session's pending mutations under
// name without making them visible, implementing the first phase of the
// two-phase commit surface (spec §4.6). The session remains open; a later
// CompleteInDoubt(name, commit) on the Engine finishes the transaction,
// even across a process restart.
func (s *Session) PrepareCommit(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.done {
		return errors.WithStack(ErrSessionClosed)
	}
	if !s.writable {
		return errors.WithStack(ErrReadOnlySession)
	}

	repr := append([]byte(nil), s.batch.Repr()...)
	if err := s.eng.db.Set([]byte(preparedPrefix+name), repr, pebble.Sync); err != nil {
		return err
	}
	s.prepName = name
	return nil
}
