// Package dbcore is the top-level façade over the embedded relational
// database core: it wires settings, the object-id allocator, the
// catalog, the transaction store and the lifecycle controller into a
// single Open/Close surface, the way a caller embedding this engine is
// expected to use it. The individual subsystems (dbcore/catalog,
// dbcore/session, dbcore/store, dbcore/lifecycle, dbcore/remote) remain
// usable on their own for callers that need finer control.
package dbcore

import (
	"github.com/kvore/dbcore/lifecycle"
	"github.com/kvore/dbcore/session"
)

// Options is lifecycle.Options, re-exported so callers need import only
// this package for the common case.
type Options = lifecycle.Options

// DB is an open database instance.
type DB struct {
	db *lifecycle.Database
}

// Open runs the full lifecycle open sequence (spec §4.8) against path.
func Open(path string, opts Options) (*DB, error) {
	ldb, err := lifecycle.Open(path, opts)
	if err != nil {
		return nil, err
	}
	return &DB{db: ldb}, nil
}

// Connect opens a new Local Session (C6) against this database.
func (d *DB) Connect(cfg session.Config) (*session.Session, error) {
	return d.db.NewSession(cfg)
}

// Disconnect closes a session previously returned by Connect and applies
// the delayed-close policy if it was the last one (spec §4.8).
func (d *DB) Disconnect(s *session.Session) error {
	return d.db.CloseSession(s)
}

// Close runs the close sequence (spec §4.8).
func (d *DB) Close() error {
	return d.db.Close()
}

// CheckPowerOff implements the power-off simulation hook (spec §4.8);
// callers that model crash scenarios call this at operation boundaries.
func (d *DB) CheckPowerOff() error {
	return d.db.CheckPowerOff()
}

// Lifecycle exposes the underlying lifecycle.Database for callers that
// need direct access to the catalog, settings, or store.
func (d *DB) Lifecycle() *lifecycle.Database {
	return d.db
}
