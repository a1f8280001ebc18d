package lifecycle

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/kvore/dbcore/dberr"
	"github.com/kvore/dbcore/session"
)

func TestAcquireExclusiveRejectsSecondHolder(t *testing.T) {
	db, err := Open(tempDBPath(t), Options{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	a, err := db.NewSession(session.Config{TxID: 1, AutoCommit: true})
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.CloseSession(a) })
	b, err := db.NewSession(session.Config{TxID: 2, AutoCommit: true})
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.CloseSession(b) })

	require.NoError(t, db.AcquireExclusive(a, false))
	require.True(t, db.IsExclusive())

	err = db.AcquireExclusive(b, false)
	require.ErrorIs(t, err, dberr.ErrDatabaseIsInExclusiveMode)
}

func TestNewSessionRejectedWhileExclusiveModeHeld(t *testing.T) {
	db, err := Open(tempDBPath(t), Options{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	a, err := db.NewSession(session.Config{TxID: 1, AutoCommit: true})
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.CloseSession(a) })

	require.NoError(t, db.AcquireExclusive(a, false))

	_, err = db.NewSession(session.Config{TxID: 2, AutoCommit: true})
	require.ErrorIs(t, err, dberr.ErrDatabaseIsInExclusiveMode)

	require.NoError(t, db.ReleaseExclusive(a))

	c, err := db.NewSession(session.Config{TxID: 3, AutoCommit: true})
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.CloseSession(c) })
}

func TestAcquireExclusiveWithCloseOthersSuspendsLiveSessions(t *testing.T) {
	db, err := Open(tempDBPath(t), Options{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	a, err := db.NewSession(session.Config{TxID: 1, AutoCommit: true})
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.CloseSession(a) })
	b, err := db.NewSession(session.Config{TxID: 2, AutoCommit: true})
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.CloseSession(b) })

	require.NoError(t, db.AcquireExclusive(a, true))
	require.Equal(t, session.StateSuspended, b.State())

	err = b.Commit(false, false)
	require.Error(t, err)
	require.Equal(t, session.StateClosed, b.State())
}

func TestReleaseExclusiveRejectsNonHolder(t *testing.T) {
	db, err := Open(tempDBPath(t), Options{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	a, err := db.NewSession(session.Config{TxID: 1, AutoCommit: true})
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.CloseSession(a) })
	b, err := db.NewSession(session.Config{TxID: 2, AutoCommit: true})
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.CloseSession(b) })

	require.NoError(t, db.AcquireExclusive(a, false))
	err = db.ReleaseExclusive(b)
	require.ErrorIs(t, err, dberr.ErrDatabaseIsInExclusiveMode)
}
