package lifecycle

import (
	"context"
	"strings"

	"github.com/kvore/dbcore/internal/lock"
	"github.com/kvore/dbcore/session"
)

// lockAdapter satisfies session.LockHolder by translating the session's
// string table keys into internal/lock.Object values, so the session
// package itself never needs to depend on the lock manager's
// multi-granularity model.
type lockAdapter struct {
	lm *lock.LockManager
}

func (a *lockAdapter) Unlock(txid uint64, key string) {
	a.lm.Unlock(txid, lock.NewTableObject(splitTableKey(key)))
}

// tableKey/splitTableKey round-trip a schema-qualified table name
// through the single string session.LockHolder deals in, so the
// session package stays ignorant of the lock manager's schema+name
// object model.
func tableKey(schemaName, name string) string {
	return schemaName + "\x00" + name
}

func splitTableKey(key string) (schemaName, name string) {
	schemaName, name, _ = strings.Cut(key, "\x00")
	return schemaName, name
}

// LockTable acquires a table-level lock on behalf of s through the
// database's shared lock manager (spec §5: "Per session: locks ...
// touched by the owning thread"), registering the key with the session
// so its end-of-transaction processing releases it. Blocks until
// granted, ctx canceled, or conflicting holders time out.
func (db *Database) LockTable(ctx context.Context, s *session.Session, schemaName, name string, mode lock.LockMode) error {
	granted, err := db.locks.Lock(ctx, s.TxID, lock.NewTableObject(schemaName, name), mode)
	if err != nil {
		return err
	}
	if granted {
		s.LockTable(tableKey(schemaName, name))
	}
	return nil
}
