package lifecycle

import (
	"github.com/cockroachdb/errors"

	"github.com/kvore/dbcore/dberr"
	"github.com/kvore/dbcore/session"
)

// AcquireExclusive switches the database into exclusive mode on behalf
// of s (spec §5: "the exclusive-session slot is an atomic reference;
// switching into exclusive mode uses compare-and-set and then suspends
// every other user session"). Every other live session is moved to
// Suspended and must close itself at its next state check; new
// sessions are rejected with ErrDatabaseIsInExclusiveMode until s
// releases the slot.
//
// closeOthers mirrors the source's close_others flag: when false, the
// slot is still acquired exclusively but other sessions are left
// running, which only makes sense for callers that coordinate
// suspension themselves.
func (db *Database) AcquireExclusive(s *session.Session, closeOthers bool) error {
	if !db.exclusiveSession.CompareAndSwap(0, s.ID) {
		return errors.WithStack(dberr.ErrDatabaseIsInExclusiveMode)
	}
	if closeOthers {
		db.mu.Lock()
		others := make([]*session.Session, 0, len(db.sessions))
		for id, other := range db.sessions {
			if id == s.ID {
				continue
			}
			others = append(others, other)
		}
		db.mu.Unlock()

		for _, other := range others {
			other.Suspend()
		}
	}
	return nil
}

// ReleaseExclusive hands the exclusive slot back, failing if s is not
// the session currently holding it.
func (db *Database) ReleaseExclusive(s *session.Session) error {
	if !db.exclusiveSession.CompareAndSwap(s.ID, 0) {
		return errors.WithStack(dberr.ErrDatabaseIsInExclusiveMode)
	}
	return nil
}

// IsExclusive reports whether any session currently holds the
// exclusive slot.
func (db *Database) IsExclusive() bool {
	return db.exclusiveSession.Load() != 0
}
