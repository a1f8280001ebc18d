// Package session implements the Local Session (C6): the per-client
// transactional context tying together a TransactionStore session, an
// undo log, savepoints, table locks and a prepared-statement cache.
package session

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/cockroachdb/errors"
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/kvore/dbcore/dberr"
	"github.com/kvore/dbcore/objectid"
	"github.com/kvore/dbcore/store"
	"github.com/kvore/dbcore/undo"
)

// IsolationLevel is one of the five levels spec §3 allows a session to
// run under.
type IsolationLevel int

const (
	ReadUncommitted IsolationLevel = iota
	ReadCommitted
	RepeatableRead
	Snapshot
	Serializable
)

// State is a node in the session state machine described in spec §4.6.
type State int32

const (
	StateInit State = iota
	StateSleep
	StateRunning
	StateBlocked
	StateThrottled
	StateSuspended
	StateClosed
)

// PreparedCommand is whatever the (out of scope) SQL layer hands back
// from preparing a statement. It is opaque to the session; only the
// cache key (the SQL text) and invalidation (modification_meta_id)
// belong to C6.
type PreparedCommand interface {
	// Cacheable reports whether this command may be cached: spec §4.6
	// excludes commands that bind LOBs by parameter, or that the parser
	// otherwise marks uncacheable.
	Cacheable() bool
}

// CommitHook and RollbackHook mirror the teacher's OnCommitHooks /
// OnRollbackHooks closures (spec §9's supplemented feature): a
// mutation anywhere in the session (catalog, locks, bookkeeping) can
// register exactly how to undo or finalize itself without the session
// needing to know its internals.
type CommitHook func()
type RollbackHook func()

// ModificationClock is satisfied by the catalog: Current returns the
// database's modification_meta_id, used to invalidate the per-session
// query cache (spec §4.6).
type ModificationClock interface {
	Current() uint64
}

// LockHolder is satisfied by the lock manager: sessions release every
// table lock they hold at the end of a transaction.
type LockHolder interface {
	Unlock(txid uint64, key string)
}

// SavepointMark captures a position to roll back to (spec §3).
type SavepointMark struct {
	UndoIndex     int
	TxnSavepoint  int
}

// TempTableAction is the ON COMMIT clause a local temporary table was
// declared with (spec §4.6).
type TempTableAction int

const (
	// TempTablePreserve keeps rows across commit (the default: no ON
	// COMMIT clause, or ON COMMIT PRESERVE ROWS).
	TempTablePreserve TempTableAction = iota
	// TempTableDrop removes the table itself at commit.
	TempTableDrop
	// TempTableTruncate removes the table's rows, but not the table, at
	// commit.
	TempTableTruncate
)

// TempTableHandler performs the storage-side effect of a local
// temporary table's ON COMMIT clause. It is supplied by whatever owns
// physical table storage; a session with no handler simply forgets its
// registrations at commit.
type TempTableHandler interface {
	DropTempTable(name string) error
	TruncateTempTable(name string) error
}

// LOBHandler removes temporary LOBs whose retention window has
// elapsed. It is supplied by whatever owns LOB storage.
type LOBHandler interface {
	RemoveExpiredLOBs(olderThan time.Time) error
}

// Config configures a Session at creation time. Timeouts and cache size
// ordinarily come from resolved settings.DbSettings.
type Config struct {
	ID          uint32
	TxID        uint64
	AutoCommit  bool
	Isolation   IsolationLevel
	QueryCacheSize int
	ThrottleDelay  time.Duration
	ThrottleMillis time.Duration
	LobTimeout     time.Duration
	Store       *store.Engine
	Clock       ModificationClock
	Locks       LockHolder
	IDs         *objectid.Allocator
	TempTables  TempTableHandler
	LOBs        LOBHandler
}

// Session is the Local Session (C6).
type Session struct {
	ID         uint32
	TxID       uint64
	AutoCommit bool
	Isolation  IsolationLevel

	store  *store.Engine
	tx     *store.Session
	clock  ModificationClock
	locks  LockHolder
	ids    *objectid.Allocator

	mu              sync.Mutex
	lockedTables    map[string]bool
	undoLog         *undo.Log
	savepoints      map[string]SavepointMark
	pendingIDs      objectid.PendingSet
	currentSchema   string

	cacheSize       int
	cache           *lru.Cache[string, PreparedCommand]
	cacheFilledAt   uint64

	state   atomic.Int32
	cancelAt atomic.Pointer[time.Time]

	throttleDelay  time.Duration
	throttleMillis time.Duration
	lastThrottle   time.Time

	commitHooks   []CommitHook
	rollbackHooks []RollbackHook

	tempTables         map[string]TempTableAction
	tempTableHandler   TempTableHandler
	lobHandler         LOBHandler
	lobTimeout         time.Duration
	autoCommitDeferred bool

	closed bool
}

// New creates a session bound to a fresh writable TransactionStore
// session, in the Init state.
func New(cfg Config) (*Session, error) {
	s := &Session{
		ID:               cfg.ID,
		TxID:             cfg.TxID,
		AutoCommit:       cfg.AutoCommit,
		Isolation:        cfg.Isolation,
		store:            cfg.Store,
		clock:            cfg.Clock,
		locks:            cfg.Locks,
		ids:              cfg.IDs,
		lockedTables:     make(map[string]bool),
		undoLog:          undo.New(undo.Options{}),
		savepoints:       make(map[string]SavepointMark),
		cacheSize:        cfg.QueryCacheSize,
		throttleDelay:    cfg.ThrottleDelay,
		throttleMillis:   cfg.ThrottleMillis,
		tempTables:       make(map[string]TempTableAction),
		tempTableHandler: cfg.TempTables,
		lobHandler:       cfg.LOBs,
		lobTimeout:       cfg.LobTimeout,
	}
	s.state.Store(int32(StateInit))

	if cfg.QueryCacheSize > 0 {
		c, err := lru.New[string, PreparedCommand](cfg.QueryCacheSize)
		if err != nil {
			return nil, errors.Wrap(err, "failed to create session query cache")
		}
		s.cache = c
	}

	if cfg.Store != nil {
		s.tx = cfg.Store.Begin(true)
	}
	s.state.Store(int32(StateSleep))
	return s, nil
}

// State returns the session's current state-machine node.
func (s *Session) State() State { return State(s.state.Load()) }

func (s *Session) setState(st State) { s.state.Store(int32(st)) }

// ensureOpen fails with ConnectionBroken if the session is closed. A
// session suspended by another session's exclusive-mode acquire (spec
// §4.6: "must transition to Closed at the next state check") is closed
// right here, on whichever goroutine next touches it.
func (s *Session) ensureOpen() error {
	switch s.State() {
	case StateClosed:
		return errors.WithStack(dberr.ErrConnectionBroken)
	case StateSuspended:
		s.setState(StateClosed)
		return errors.WithStack(dberr.ErrConnectionBroken)
	default:
		return nil
	}
}

// OnCommit registers a closure to run when this session's current
// transaction commits.
func (s *Session) OnCommit(h CommitHook) {
	s.mu.Lock()
	s.commitHooks = append(s.commitHooks, h)
	s.mu.Unlock()
}

// OnRollback registers a closure to run when this session's current
// transaction rolls back.
func (s *Session) OnRollback(h RollbackHook) {
	s.mu.Lock()
	s.rollbackHooks = append(s.rollbackHooks, h)
	s.mu.Unlock()
}

// LockTable records that this session holds a lock on key, so end-of-
// transaction processing knows to release it.
func (s *Session) LockTable(key string) {
	s.mu.Lock()
	s.lockedTables[key] = true
	s.mu.Unlock()
}

// RegisterTempTable records name's ON COMMIT action, applied the next
// time a non-DDL Commit runs (spec §4.6).
func (s *Session) RegisterTempTable(name string, action TempTableAction) {
	s.mu.Lock()
	s.tempTables[name] = action
	s.mu.Unlock()
}

// DeferAutoCommit turns auto-commit off for the duration of one
// transaction, to be restored by the next non-DDL Commit (spec §4.6:
// "flips auto_commit back on if deferred").
func (s *Session) DeferAutoCommit() {
	s.mu.Lock()
	if s.AutoCommit {
		s.AutoCommit = false
		s.autoCommitDeferred = true
	}
	s.mu.Unlock()
}

// PendingIDs exposes the session's object-id pending-release set, so
// the catalog can schedule ids dropped by this transaction.
func (s *Session) PendingIDs() *objectid.PendingSet { return &s.pendingIDs }

// UndoLog exposes the session's undo log for table-level rollback.
func (s *Session) UndoLog() *undo.Log { return s.undoLog }

// Tx exposes the session's live TransactionStore session.
func (s *Session) Tx() *store.Session { return s.tx }
