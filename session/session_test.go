package session

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/kvore/dbcore/dberr"
	"github.com/kvore/dbcore/objectid"
	"github.com/kvore/dbcore/store"
)

type fakeClock struct{ id uint64 }

func (c *fakeClock) Current() uint64 { return c.id }

type fakeLockHolder struct{ unlocked []string }

func (f *fakeLockHolder) Unlock(txid uint64, key string) { f.unlocked = append(f.unlocked, key) }

type fakeCommand struct{ cacheable bool }

func (c fakeCommand) Cacheable() bool { return c.cacheable }

type fakeTempTableHandler struct{ dropped, truncated []string }

func (f *fakeTempTableHandler) DropTempTable(name string) error {
	f.dropped = append(f.dropped, name)
	return nil
}

func (f *fakeTempTableHandler) TruncateTempTable(name string) error {
	f.truncated = append(f.truncated, name)
	return nil
}

type fakeLOBHandler struct{ calls int }

func (f *fakeLOBHandler) RemoveExpiredLOBs(olderThan time.Time) error {
	f.calls++
	return nil
}

func newTestSession(t *testing.T) (*Session, *store.Engine) {
	t.Helper()
	dir := t.TempDir()
	e, err := store.Open(dir, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = e.Close() })

	s, err := New(Config{
		ID:             1,
		TxID:           1,
		AutoCommit:     true,
		Store:          e,
		QueryCacheSize: 8,
		Clock:          &fakeClock{},
	})
	require.NoError(t, err)
	return s, e
}

func TestNewSessionStartsInSleep(t *testing.T) {
	s, _ := newTestSession(t)
	require.Equal(t, StateSleep, s.State())
}

func TestQueryCacheHitAndMiss(t *testing.T) {
	s, _ := newTestSession(t)

	_, ok := s.Prepare("SELECT 1")
	require.False(t, ok)

	cmd := fakeCommand{cacheable: true}
	s.Cache("SELECT 1", cmd)

	got, ok := s.Prepare("SELECT 1")
	require.True(t, ok)
	require.Equal(t, cmd, got)
}

func TestQueryCacheInvalidatedByModificationID(t *testing.T) {
	clock := &fakeClock{id: 1}
	dir := t.TempDir()
	e, err := store.Open(dir, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = e.Close() })

	s, err := New(Config{ID: 1, Store: e, QueryCacheSize: 8, Clock: clock})
	require.NoError(t, err)

	s.Cache("SELECT 1", fakeCommand{cacheable: true})
	_, ok := s.Prepare("SELECT 1")
	require.True(t, ok)

	clock.id = 2
	_, ok = s.Prepare("SELECT 1")
	require.False(t, ok, "a DDL elsewhere must invalidate this session's cache")
}

func TestUncacheableCommandNeverCached(t *testing.T) {
	s, _ := newTestSession(t)
	s.Cache("INSERT ... LOB", fakeCommand{cacheable: false})

	_, ok := s.Prepare("INSERT ... LOB")
	require.False(t, ok)
}

func TestCommitClearsUndoLogAndLocks(t *testing.T) {
	s, _ := newTestSession(t)
	locks := &fakeLockHolder{}
	s.locks = locks
	s.LockTable("T1")

	ran := false
	s.OnCommit(func() { ran = true })

	require.NoError(t, s.Commit(false, false))
	require.True(t, ran)
	require.Equal(t, 0, s.UndoLog().Size())
	require.Equal(t, []string{"T1"}, locks.unlocked)
	require.Equal(t, StateSleep, s.State())
}

func TestCommitRejectedWhenDisabledWithLocks(t *testing.T) {
	s, _ := newTestSession(t)
	s.LockTable("T1")

	err := s.Commit(true, false)
	require.ErrorIs(t, err, dberr.ErrCommitRollbackNotAllowed)
}

func TestRollbackRunsHooksInReverseOrder(t *testing.T) {
	s, _ := newTestSession(t)

	var order []int
	s.OnRollback(func() { order = append(order, 1) })
	s.OnRollback(func() { order = append(order, 2) })

	require.NoError(t, s.Rollback())
	require.Equal(t, []int{2, 1}, order)
}

func TestSavepointRollbackToSavepoint(t *testing.T) {
	s, _ := newTestSession(t)

	require.NoError(t, s.Tx().Put([]byte("a"), []byte("1")))
	require.NoError(t, s.Savepoint("s1"))
	require.NoError(t, s.Tx().Put([]byte("b"), []byte("2")))

	require.NoError(t, s.RollbackToSavepoint("s1"))

	_, err := s.Tx().Get([]byte("b"))
	require.ErrorIs(t, err, store.ErrKeyNotFound)

	v, err := s.Tx().Get([]byte("a"))
	require.NoError(t, err)
	require.Equal(t, []byte("1"), v)
}

func TestRollbackToUnknownSavepointFails(t *testing.T) {
	s, _ := newTestSession(t)
	err := s.RollbackToSavepoint("nope")
	require.Error(t, err)
}

func TestPendingIDsFlushedOnCommit(t *testing.T) {
	s, _ := newTestSession(t)
	ids := objectid.New()
	s.ids = ids
	id := ids.Allocate()
	s.PendingIDs().Schedule(id)
	require.True(t, ids.IsAllocated(id))
	require.NoError(t, s.Commit(false, false))
	require.False(t, ids.IsAllocated(id))
}

func TestCommitRunsOnCommitDropAndTruncateTempTables(t *testing.T) {
	s, _ := newTestSession(t)
	handler := &fakeTempTableHandler{}
	s.tempTableHandler = handler

	s.RegisterTempTable("SESSION_SCRATCH", TempTableDrop)
	s.RegisterTempTable("SESSION_STAGING", TempTableTruncate)
	s.RegisterTempTable("SESSION_KEEP", TempTablePreserve)

	require.NoError(t, s.Commit(false, false))
	require.Equal(t, []string{"SESSION_SCRATCH"}, handler.dropped)
	require.Equal(t, []string{"SESSION_STAGING"}, handler.truncated)
}

func TestDDLCommitSkipsTempTableCleanup(t *testing.T) {
	s, _ := newTestSession(t)
	handler := &fakeTempTableHandler{}
	s.tempTableHandler = handler
	s.RegisterTempTable("SESSION_SCRATCH", TempTableDrop)

	require.NoError(t, s.Commit(false, true))
	require.Empty(t, handler.dropped)

	// the registration survives a ddl commit, to be applied by a later
	// non-ddl commit.
	require.NoError(t, s.Commit(false, false))
	require.Equal(t, []string{"SESSION_SCRATCH"}, handler.dropped)
}

func TestCommitRemovesExpiredLOBsPastTimeout(t *testing.T) {
	s, _ := newTestSession(t)
	lobs := &fakeLOBHandler{}
	s.lobHandler = lobs
	s.lobTimeout = time.Millisecond

	require.NoError(t, s.Commit(false, false))
	require.Equal(t, 1, lobs.calls)
}

func TestDeferAutoCommitFlipsBackOnNextCommit(t *testing.T) {
	s, _ := newTestSession(t)
	require.True(t, s.AutoCommit)

	s.DeferAutoCommit()
	require.False(t, s.AutoCommit)

	require.NoError(t, s.Commit(false, false))
	require.True(t, s.AutoCommit)
}

func TestDeferAutoCommitNotRestoredByDDLCommit(t *testing.T) {
	s, _ := newTestSession(t)
	s.DeferAutoCommit()
	require.False(t, s.AutoCommit)

	require.NoError(t, s.Commit(false, true))
	require.False(t, s.AutoCommit)

	require.NoError(t, s.Commit(false, false))
	require.True(t, s.AutoCommit)
}

func TestCloseIsIdempotent(t *testing.T) {
	s, _ := newTestSession(t)
	require.NoError(t, s.Close())
	require.Equal(t, StateClosed, s.State())
	require.NoError(t, s.Close())
}

func TestOperationsRejectedAfterClose(t *testing.T) {
	s, _ := newTestSession(t)
	require.NoError(t, s.Close())

	err := s.Savepoint("s1")
	require.ErrorIs(t, err, dberr.ErrConnectionBroken)
}

func TestCancelAndCheckCanceled(t *testing.T) {
	s, _ := newTestSession(t)
	require.NoError(t, s.CheckCanceled())

	s.Cancel()
	time.Sleep(time.Millisecond)
	require.ErrorIs(t, s.CheckCanceled(), dberr.ErrStatementWasCanceled)
}

func TestSetCurrentCommandArmsTimeout(t *testing.T) {
	s, _ := newTestSession(t)
	s.SetCurrentCommand(time.Millisecond)
	require.Equal(t, StateRunning, s.State())

	time.Sleep(5 * time.Millisecond)
	require.ErrorIs(t, s.CheckCanceled(), dberr.ErrStatementWasCanceled)
}

func TestThrottleTransitionsAndReturns(t *testing.T) {
	s, _ := newTestSession(t)
	s.throttleMillis = time.Millisecond
	s.throttleDelay = 0

	s.Throttle()
	require.Equal(t, StateRunning, s.State())
}

func TestSuspendCancelsAndTransitions(t *testing.T) {
	s, _ := newTestSession(t)
	s.Suspend()
	require.Equal(t, StateSuspended, s.State())
	require.ErrorIs(t, s.CheckCanceled(), dberr.ErrStatementWasCanceled)
}
