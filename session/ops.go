package session

import (
	"time"

	"github.com/cockroachdb/errors"

	"github.com/kvore/dbcore/dberr"
)

// Prepare consults the session-local LRU cache keyed by sql, clearing
// it first if the database's modification_meta_id has advanced since
// it was last filled (spec §4.6). Cache misses are left for the caller
// to fill via Cache.
func (s *Session) Prepare(sql string) (PreparedCommand, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cache == nil {
		return nil, false
	}
	if s.clock != nil && s.clock.Current() != s.cacheFilledAt {
		s.cache.Purge()
		s.cacheFilledAt = s.clock.Current()
	}
	cmd, ok := s.cache.Get(sql)
	return cmd, ok
}

// Cache stores a freshly prepared command, unless it is marked
// uncacheable (spec §4.6).
func (s *Session) Cache(sql string, cmd PreparedCommand) {
	if s.cache == nil || !cmd.Cacheable() {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.clock != nil {
		s.cacheFilledAt = s.clock.Current()
	}
	s.cache.Add(sql, cmd)
}

// SetCurrentCommand transitions the session to Running and, if timeout
// is positive, arms cancelAt at now+timeout (spec §4.6).
func (s *Session) SetCurrentCommand(timeout time.Duration) {
	s.setState(StateRunning)
	if timeout > 0 {
		at := time.Now().Add(timeout)
		s.cancelAt.Store(&at)
	}
}

// Cancel sets cancelAt to now; the next CheckCanceled observes it.
func (s *Session) Cancel() {
	now := time.Now()
	s.cancelAt.Store(&now)
}

// CheckCanceled raises StatementWasCanceled if cancelAt has passed.
func (s *Session) CheckCanceled() error {
	at := s.cancelAt.Load()
	if at == nil {
		return nil
	}
	if time.Now().Before(*at) {
		return nil
	}
	return errors.WithStack(dberr.ErrStatementWasCanceled)
}

// Throttle sleeps for throttleMillis if at least throttleDelay has
// passed since the last throttle, transitioning Running → Throttled →
// Running (spec §4.6). It is a no-op when unconfigured.
func (s *Session) Throttle() {
	if s.throttleMillis <= 0 {
		return
	}
	s.mu.Lock()
	elapsed := time.Since(s.lastThrottle)
	if elapsed < s.throttleDelay {
		s.mu.Unlock()
		return
	}
	s.lastThrottle = time.Now()
	s.mu.Unlock()

	s.setState(StateThrottled)
	time.Sleep(s.throttleMillis)
	s.setState(StateRunning)
}

// Suspend transitions the session to Suspended, used only when another
// session requests exclusive access with close_others (spec §4.6). The
// affected session must observe this at its next state check and
// transition to Closed.
func (s *Session) Suspend() {
	s.Cancel()
	s.setState(StateSuspended)
}

// Savepoint captures the current undo and transaction-store position
// under name (spec §4.6).
func (s *Session) Savepoint(name string) error {
	if err := s.ensureOpen(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	mark := SavepointMark{UndoIndex: s.undoLog.Size()}
	if s.tx != nil {
		mark.TxnSavepoint = s.tx.Savepoint()
	}
	s.savepoints[name] = mark
	return nil
}

// RollbackToSavepoint truncates the undo log to the captured index,
// rolls the transaction-store session back to the captured savepoint,
// and discards every savepoint captured after name (spec §4.6).
func (s *Session) RollbackToSavepoint(name string) error {
	if err := s.ensureOpen(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	mark, ok := s.savepoints[name]
	if !ok {
		return errors.Newf("savepoint %q not found", name)
	}

	for s.undoLog.Size() > mark.UndoIndex {
		if err := s.undoLog.RemoveLast(false); err != nil {
			return err
		}
	}
	if s.tx != nil {
		if err := s.tx.RollbackToSavepoint(mark.TxnSavepoint); err != nil {
			return err
		}
	}
	for other, m := range s.savepoints {
		if m.UndoIndex > mark.UndoIndex || m.TxnSavepoint > mark.TxnSavepoint {
			delete(s.savepoints, other)
		}
	}
	return nil
}

// PrepareCommit is the first phase of two-phase commit (spec §4.6):
// the session's pending mutations are durably recorded under name
// without being made visible.
func (s *Session) PrepareCommit(name string) error {
	if err := s.ensureOpen(); err != nil {
		return err
	}
	if s.tx == nil {
		return errors.Newf("session has no writable transaction to prepare")
	}
	return s.tx.PrepareCommit(name)
}

// SetPreparedTransaction reports the outcome of resolving an in-doubt
// transaction: it returns nil when resolvedByStore is true and an error
// otherwise. It does not itself look up, commit or roll back any
// transaction; completing one by name is done through
// store.Engine.CompleteInDoubt.
func (s *Session) SetPreparedTransaction(resolvedByStore bool) error {
	if resolvedByStore {
		return nil
	}
	return errors.New("prepared transaction name did not match this session")
}

// Commit implements spec §4.6's commit(ddl) contract: rejected if
// commits are disabled while locks are held, commits the underlying
// transaction, clears the undo log, unlocks every table this session
// holds, releases pending object ids, and runs every registered commit
// hook. Unless ddl, it also drops or truncates this session's ON
// COMMIT temporary tables, removes LOBs past their retention window,
// and flips auto_commit back on if DeferAutoCommit left it off.
func (s *Session) Commit(commitOrRollbackDisabled, ddl bool) error {
	if err := s.ensureOpen(); err != nil {
		return err
	}
	s.mu.Lock()
	if commitOrRollbackDisabled && len(s.lockedTables) > 0 {
		s.mu.Unlock()
		return errors.WithStack(dberr.ErrCommitRollbackNotAllowed)
	}
	s.mu.Unlock()

	if s.tx != nil {
		if err := s.tx.Commit(); err != nil {
			return err
		}
	}

	if !ddl {
		if err := s.finishNonDDLCommit(); err != nil {
			return err
		}
	}

	s.mu.Lock()
	hooks := s.commitHooks
	s.commitHooks = nil
	s.rollbackHooks = nil
	s.mu.Unlock()
	for _, h := range hooks {
		h()
	}

	s.endOfTransaction()
	s.reopenTx()
	s.setState(StateSleep)
	return nil
}

// finishNonDDLCommit runs the non-DDL tail of commit: the ON COMMIT
// action for every temporary table this session registered, expired-
// LOB cleanup, and the auto_commit flip-back (spec §4.6).
func (s *Session) finishNonDDLCommit() error {
	s.mu.Lock()
	tables := s.tempTables
	s.tempTables = make(map[string]TempTableAction)
	handler := s.tempTableHandler
	lobHandler := s.lobHandler
	lobTimeout := s.lobTimeout
	if s.autoCommitDeferred {
		s.AutoCommit = true
		s.autoCommitDeferred = false
	}
	s.mu.Unlock()

	if handler != nil {
		for name, action := range tables {
			switch action {
			case TempTableDrop:
				if err := handler.DropTempTable(name); err != nil {
					return err
				}
			case TempTableTruncate:
				if err := handler.TruncateTempTable(name); err != nil {
					return err
				}
			}
		}
	}

	if lobHandler != nil && lobTimeout > 0 {
		if err := lobHandler.RemoveExpiredLOBs(time.Now().Add(-lobTimeout)); err != nil {
			return err
		}
	}
	return nil
}

// Rollback replays undo in reverse via every registered rollback hook,
// aborts the underlying transaction, and runs the end-of-transaction
// path (spec §4.6).
func (s *Session) Rollback() error {
	if err := s.ensureOpen(); err != nil {
		return err
	}
	if err := s.rollbackLocked(); err != nil {
		return err
	}
	s.reopenTx()
	s.setState(StateSleep)
	return nil
}

// rollbackLocked runs every registered rollback hook, aborts the
// underlying transaction-store session, and runs the end-of-transaction
// path, without reopening a new transaction. Used by both Rollback and
// Close, which differ only in whether the session stays usable after.
func (s *Session) rollbackLocked() error {
	s.mu.Lock()
	hooks := s.rollbackHooks
	s.commitHooks = nil
	s.rollbackHooks = nil
	s.mu.Unlock()

	for i := len(hooks) - 1; i >= 0; i-- {
		hooks[i]()
	}

	if s.tx != nil {
		if err := s.tx.Rollback(); err != nil {
			return err
		}
	}

	s.endOfTransaction()
	return nil
}

// reopenTx starts a fresh writable transaction-store session, used
// after every commit or rollback while the session remains open.
func (s *Session) reopenTx() {
	if s.store != nil {
		s.tx = s.store.Begin(true)
	}
}

// endOfTransaction clears per-transaction bookkeeping: the undo log,
// locked-table set, savepoints, and flushes any pending object-id
// release (spec §8: ids become reusable only once this runs).
func (s *Session) endOfTransaction() {
	s.mu.Lock()
	defer s.mu.Unlock()

	_ = s.undoLog.Clear()
	for key := range s.lockedTables {
		if s.locks != nil {
			s.locks.Unlock(s.TxID, key)
		}
		delete(s.lockedTables, key)
	}
	s.savepoints = make(map[string]SavepointMark)
	if s.ids != nil {
		s.pendingIDs.Flush(s.ids)
	}
}

// Close rolls back any live transaction and transitions the session to
// the terminal Closed state. Close is idempotent.
func (s *Session) Close() error {
	if s.State() == StateClosed {
		return nil
	}
	err := s.rollbackLocked()
	s.setState(StateClosed)
	return err
}
