// Package lifecycle implements the Lifecycle Controller (C8): the
// 13-step open sequence, the close sequence, power-off simulation and
// delayed close described in spec §4.8, wiring together every other
// package in this module into one running Database.
package lifecycle

import (
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cockroachdb/errors"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/kvore/dbcore/catalog"
	"github.com/kvore/dbcore/dberr"
	"github.com/kvore/dbcore/internal/lock"
	"github.com/kvore/dbcore/objectid"
	"github.com/kvore/dbcore/session"
	"github.com/kvore/dbcore/settings"
	"github.com/kvore/dbcore/store"
)

// Options configures Open, whose path argument names the database; the
// zero value of every field picks the spec's stated defaults.
type Options struct {
	ReadOnly   bool
	Values     map[string]string // connection-URL key/values, resolved via settings.Resolve
	AutoServer bool
	AutoServerAddr string // e.g. "127.0.0.1:0"; empty picks an ephemeral port when AutoServer is set

	// CloseDelay: 0 closes immediately when the last session
	// disconnects, >0 arms a timer of that duration, <0 never closes on
	// its own (spec §4.8).
	CloseDelay time.Duration

	DeleteFilesOnDisconnect bool

	// PowerOffCount, if positive, arms the power-off simulation counter
	// described in spec §4.8.
	PowerOffCount int32

	Logger *slog.Logger

	// TraceLogFile, when set and Logger is nil, makes Open build a
	// default JSON logger backed by a size-rotated file (spec §4.8's
	// trace log) instead of slog.Default().
	TraceLogFile      string
	TraceLogMaxSizeMB int // defaults to 10 when TraceLogFile is set and this is 0
	TraceLogMaxBackups int

	// Preparer/ViewRecompiler plug in the (out of scope) SQL layer's
	// meta-record replay support; required when reopening a database
	// that already has SYS rows, which includes the rows bootstrap
	// writes on first open.
	Preparer      catalog.Preparer
	ViewRecompiler catalog.ViewRecompiler
}

// Database is one open embedded database instance: the Database monitor
// of spec §5 guarding the session set and the open/close transition.
type Database struct {
	mu sync.Mutex

	path      string
	shortName string
	readOnly  bool

	settings *settings.DbSettings
	store    *store.Engine
	ids      *objectid.Allocator
	sys      *catalog.SysStore
	catalog  *catalog.Catalog
	lockFile *LockFile
	locks    *lock.LockManager

	logger *slog.Logger

	sessions      map[uint32]*session.Session
	nextSessionID uint32

	// exclusiveSession holds the id of the session currently in
	// exclusive mode, or 0 if none (spec §5's atomic exclusive-session
	// slot). Acquired/released via compare-and-set in exclusive.go.
	exclusiveSession atomic.Uint32

	closeDelay  time.Duration
	closeTimer  *time.Timer
	deleteFilesOnDisconnect bool

	closed    bool
	closeOnce sync.Once

	// powerOff: 0 disabled, >0 counts down, -1 permanently off.
	powerOff atomic.Int32
}

var openGroup singleflight.Group

// Open runs the 13-step open sequence against path, the filesystem
// directory dbcore/store keeps the database in.
func Open(path string, opts Options) (*Database, error) {
	v, err, _ := openGroup.Do(path, func() (interface{}, error) {
		return open(path, opts)
	})
	if err != nil {
		return nil, err
	}
	return v.(*Database), nil
}

func open(path string, opts Options) (*Database, error) {
	logger := opts.Logger
	if logger == nil {
		if opts.TraceLogFile != "" {
			maxSize := opts.TraceLogMaxSizeMB
			if maxSize == 0 {
				maxSize = 10
			}
			logger = slog.New(slog.NewJSONHandler(&lumberjack.Logger{
				Filename:   opts.TraceLogFile,
				MaxSize:    maxSize,
				MaxBackups: opts.TraceLogMaxBackups,
			}, nil))
		} else {
			logger = slog.Default()
		}
	}

	// Step 1: derive short name from the file stem, apply case folding.
	shortName := strings.ToUpper(strings.TrimSuffix(filepath.Base(path), filepath.Ext(path)))

	dbSettings, err := settings.Resolve(opts.Values)
	if err != nil {
		return nil, err
	}

	db := &Database{
		path:      path,
		shortName: shortName,
		readOnly:  opts.ReadOnly,
		settings:  dbSettings,
		logger:    logger,
		sessions:  make(map[uint32]*session.Session),
		closeDelay: opts.CloseDelay,
		deleteFilesOnDisconnect: opts.DeleteFilesOnDisconnect,
	}
	if opts.PowerOffCount > 0 {
		db.powerOff.Store(opts.PowerOffCount)
	}

	lockPath := path + ".lock.db"

	// Step 2: acquire the file lock, unless read-only and no lock
	// present.
	if !opts.ReadOnly {
		lf, err := AcquireLockFile(lockPath)
		if err != nil {
			return nil, errors.Wrap(err, "acquire database lock")
		}
		db.lockFile = lf
	} else if _, statErr := os.Stat(lockPath); statErr == nil {
		lf, err := AcquireLockFile(lockPath + ".ro")
		if err == nil {
			db.lockFile = lf
		}
	}

	// Step 3: delete orphaned temp files matching the database prefix.
	if err := cleanupOrphanedTempFiles(path); err != nil {
		logger.Warn("failed to clean up orphaned temp files", "error", err)
	}

	// Step 4: open the underlying transaction store.
	eng, err := store.Open(path, nil)
	if err != nil {
		_ = db.lockFile.Release()
		return nil, errors.Wrap(err, "open transaction store")
	}
	db.store = eng

	db.ids = objectid.New()
	db.sys = catalog.NewSysStore()
	db.catalog = catalog.New(db.sys, db.ids)
	db.locks = lock.NewLockManager()

	bootstrapTx := db.store.Begin(true)

	// Step 5: create system user, main/info schema and public role,
	// against the bootstrap transaction; a fresh catalog (no SYS rows
	// yet) is the signal this is a first open and bootstrap is required.
	// No system or LOB internal session is created.
	existing, err := db.sys.Scan(bootstrapTx)
	if err != nil {
		bootstrapTx.Rollback()
		_ = eng.Close()
		_ = db.lockFile.Release()
		return nil, errors.Wrap(err, "scan SYS table")
	}

	if len(existing) == 0 {
		if err := bootstrapCatalog(db.catalog, db.ids, bootstrapTx); err != nil {
			bootstrapTx.Rollback()
			_ = eng.Close()
			_ = db.lockFile.Release()
			return nil, errors.Wrap(err, "bootstrap catalog")
		}
	} else {
		// Step 9: replay meta records (C5).
		if opts.Preparer == nil {
			bootstrapTx.Rollback()
			_ = eng.Close()
			_ = db.lockFile.Release()
			return nil, errors.New("reopening a non-empty catalog requires a catalog.Preparer")
		}
		if err := catalog.Replay(db.catalog, db.sys, bootstrapTx, db.ids, opts.Preparer, opts.ViewRecompiler); err != nil {
			bootstrapTx.Rollback()
			_ = eng.Close()
			_ = db.lockFile.Release()
			return nil, errors.Wrap(err, "replay meta records")
		}
	}

	if err := bootstrapTx.Commit(); err != nil {
		_ = eng.Close()
		_ = db.lockFile.Release()
		return nil, errors.Wrap(err, "commit bootstrap transaction")
	}

	// Step 10: list leftover in-doubt transactions. They stay prepared
	// until resolved by name through Store().CompleteInDoubt.
	inDoubt, err := eng.ListInDoubt()
	if err != nil {
		logger.Warn("failed to list in-doubt transactions", "error", err)
	}
	for _, name := range inDoubt {
		logger.Info("in-doubt transaction awaiting resolution", "name", name)
	}

	// Step 11: recompile invalid views until fixed point already ran as
	// part of Replay (or is a no-op on first open, since bootstrap
	// creates no views).

	// Step 12: initialize LOB storage — out of scope beyond the
	// reservation of the prefix; no action needed here.

	if opts.AutoServer {
		addr := opts.AutoServerAddr
		if addr == "" {
			addr = "127.0.0.1:0"
		}
		if err := db.catalog.ListenAutoServer(addr); err != nil {
			logger.Warn("failed to start auto-server listener", "error", err)
		} else if db.lockFile != nil {
			_ = db.lockFile.WriteAutoServer(db.catalog.AutoServerAddr)
		}
	}

	// Step 13: register shutdown handler.
	registerForShutdown(db)

	return db, nil
}

// bootstrapCatalog creates the system user, main schema, info schema,
// and public role a fresh database needs before any session can use it
// (spec §4.8 step 5).
func bootstrapCatalog(cat *catalog.Catalog, ids *objectid.Allocator, tx *store.Session) error {
	objs := []*catalog.Object{
		{Type: catalog.TypeUser, Name: "SYSTEM"},
		{Type: catalog.TypeSchema, Name: "MAIN"},
		{Type: catalog.TypeSchema, Name: "INFORMATION_SCHEMA"},
		{Type: catalog.TypeRole, Name: "PUBLIC"},
	}
	for _, obj := range objs {
		obj.ID = ids.Allocate()
		if err := cat.AddDatabaseObject(0, tx, obj); err != nil {
			return err
		}
	}
	return nil
}

func cleanupOrphanedTempFiles(path string) error {
	dir := filepath.Dir(path)
	prefix := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	for _, e := range entries {
		name := e.Name()
		if strings.HasPrefix(name, prefix) && strings.HasSuffix(name, ".tmp") {
			if err := os.Remove(filepath.Join(dir, name)); err != nil && !os.IsNotExist(err) {
				return err
			}
		}
	}
	return nil
}

// NewSession registers and returns a new Local Session against this
// database (spec §4.6/§5): it holds the Database monitor only for the
// registration step itself.
func (db *Database) NewSession(cfg session.Config) (*session.Session, error) {
	if err := db.CheckPowerOff(); err != nil {
		return nil, err
	}

	db.mu.Lock()
	if db.closed {
		db.mu.Unlock()
		return nil, errors.WithStack(dberr.ErrDatabaseIsClosed)
	}
	if db.exclusiveSession.Load() != 0 {
		db.mu.Unlock()
		return nil, errors.WithStack(dberr.ErrDatabaseIsInExclusiveMode)
	}
	if db.closeTimer != nil {
		db.closeTimer.Stop()
		db.closeTimer = nil
	}
	db.nextSessionID++
	id := db.nextSessionID
	db.mu.Unlock()

	cfg.ID = id
	cfg.Store = db.store
	cfg.Clock = db.catalog
	cfg.IDs = db.ids
	cfg.Locks = &lockAdapter{lm: db.locks}
	cfg.LobTimeout = db.settings.LobTimeout

	s, err := session.New(cfg)
	if err != nil {
		return nil, err
	}

	db.mu.Lock()
	db.sessions[id] = s
	db.mu.Unlock()
	return s, nil
}

// CloseSession unregisters a session and, if it was the last one, runs
// the delayed-close policy (spec §4.8).
func (db *Database) CloseSession(s *session.Session) error {
	err := s.Close()

	db.mu.Lock()
	delete(db.sessions, s.ID)
	remaining := len(db.sessions)
	db.mu.Unlock()

	if remaining == 0 {
		db.armDelayedClose()
	}
	return err
}

func (db *Database) armDelayedClose() {
	switch {
	case db.closeDelay < 0:
		return
	case db.closeDelay == 0:
		_ = db.Close()
	default:
		db.mu.Lock()
		defer db.mu.Unlock()
		if db.closed {
			return
		}
		if db.closeTimer != nil {
			db.closeTimer.Stop()
		}
		db.closeTimer = time.AfterFunc(db.closeDelay, func() { _ = db.Close() })
	}
}

// Close runs the close sequence of spec §4.8: rejects new sessions, and
// if user sessions remain, returns without closing (unless invoked from
// the process shutdown hook).
func (db *Database) Close() error {
	return db.closeInternal(false)
}

func (db *Database) closeFromShutdownHook() error {
	return db.closeInternal(true)
}

func (db *Database) closeInternal(fromShutdownHook bool) error {
	db.mu.Lock()
	if db.closed {
		db.mu.Unlock()
		return nil
	}
	if !fromShutdownHook && len(db.sessions) > 0 {
		db.mu.Unlock()
		return nil
	}
	live := make([]*session.Session, 0, len(db.sessions))
	for _, s := range db.sessions {
		live = append(live, s)
	}
	db.closed = true
	db.mu.Unlock()

	var closeErr error
	db.closeOnce.Do(func() {
		closeErr = db.runCloseSequence(live)
	})
	return closeErr
}

// runCloseSequence implements spec §4.8's close sequence body: close
// every remaining session (concurrently, since each only touches its
// own state), flush, release the file lock, and optionally delete files.
func (db *Database) runCloseSequence(live []*session.Session) error {
	var g errgroup.Group
	for _, s := range live {
		s := s
		g.Go(func() error {
			return s.Close()
		})
	}
	if err := g.Wait(); err != nil {
		db.logger.Warn("error closing session during database close", "error", err)
	}

	if db.catalog != nil {
		_ = db.catalog.CloseAutoServer()
	}

	if db.store != nil {
		if err := db.store.Close(); err != nil {
			return errors.Wrap(err, "close transaction store")
		}
	}

	if err := db.lockFile.Release(); err != nil {
		db.logger.Warn("failed to release lock file", "error", err)
	}

	unregisterForShutdown(db)

	if db.deleteFilesOnDisconnect {
		if err := os.RemoveAll(db.path); err != nil {
			db.logger.Warn("failed to delete database file on disconnect", "error", err)
		}
	}
	return nil
}

// CheckPowerOff implements spec §4.8's power-off simulation: decrements
// the counter on each call; at 1 it closes the store immediately and
// permanently fails every subsequent call with SimulatedPowerOff.
func (db *Database) CheckPowerOff() error {
	for {
		cur := db.powerOff.Load()
		switch {
		case cur == 0:
			return nil
		case cur == -1:
			return errors.WithStack(dberr.ErrSimulatedPowerOff)
		case cur == 1:
			if db.powerOff.CompareAndSwap(cur, -1) {
				_ = db.closeInternal(true)
				return errors.WithStack(dberr.ErrSimulatedPowerOff)
			}
		default:
			if db.powerOff.CompareAndSwap(cur, cur-1) {
				return nil
			}
		}
	}
}

// Settings exposes the resolved DbSettings (C1) for this database.
func (db *Database) Settings() *settings.DbSettings { return db.settings }

// Catalog exposes the Catalog Manager (C4) for this database.
func (db *Database) Catalog() *catalog.Catalog { return db.catalog }

// Store exposes the underlying TransactionStore engine.
func (db *Database) Store() *store.Engine { return db.store }

// AutoServerListener returns the auto-server TCP listener's address, if
// auto-server mode was enabled and started successfully.
func (db *Database) AutoServerListener() (net.Addr, bool) {
	if db.catalog == nil || db.catalog.AutoServerAddr == "" {
		return nil, false
	}
	addr, err := net.ResolveTCPAddr("tcp", db.catalog.AutoServerAddr)
	if err != nil {
		return nil, false
	}
	return addr, true
}

// ShortName returns the case-folded short name derived from the file
// stem (spec §4.8 step 1).
func (db *Database) ShortName() string { return db.shortName }
