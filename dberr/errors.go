// Package dberr defines the typed errors the database core returns, as
// described in spec §7. Every error is a cockroachdb/errors-compatible
// value: they can be wrapped with errors.Wrap and unwrapped with
// errors.As, the same way chaisql's internal packages chain errors.
package dberr

import (
	"github.com/cockroachdb/errors"
)

// Lifecycle errors.
var (
	ErrDatabaseAlreadyOpen      = errors.New("database is already open")
	ErrDatabaseIsClosed         = errors.New("database is closed")
	ErrDatabaseIsReadOnly       = errors.New("database is read-only")
	ErrDatabaseIsInExclusiveMode = errors.New("database is in exclusive mode")
)

// Session / transport errors.
var (
	ErrConnectionBroken = errors.New("connection is broken")
)

// Transactional errors.
var (
	ErrLockTimeout              = errors.New("lock timeout")
	ErrDeadlockDetected         = errors.New("deadlock detected")
	ErrCommitRollbackNotAllowed = errors.New("commit/rollback not allowed")
)

// Control-flow errors.
var (
	ErrStatementWasCanceled = errors.New("statement was canceled")
	ErrTransactionNotFound  = errors.New("transaction not found")
)

// Catalog / I/O errors.
var (
	ErrCannotDrop                    = errors.New("cannot drop object")
	ErrFeatureNotSupported           = errors.New("feature not supported")
	ErrInvalidValue                  = errors.New("invalid value")
	ErrUnsupportedSettingCombination = errors.New("unsupported setting combination")
	ErrFileCorrupted                 = errors.New("file corrupted")
	ErrFileVersionError              = errors.New("file version error")
	ErrUserAbort                     = errors.New("user abort")
)

// Diagnostic errors.
var (
	ErrSimulatedPowerOff = errors.New("simulated power off")
)

// ObjectKind identifies the namespace an ObjectNotFoundError /
// ObjectAlreadyExistsError refers to.
type ObjectKind string

const (
	KindSetting    ObjectKind = "setting"
	KindUser       ObjectKind = "user"
	KindRole       ObjectKind = "role"
	KindRight      ObjectKind = "right"
	KindSchema     ObjectKind = "schema"
	KindDomain     ObjectKind = "domain"
	KindSequence   ObjectKind = "sequence"
	KindConstant   ObjectKind = "constant"
	KindFunction   ObjectKind = "function"
	KindAggregate  ObjectKind = "aggregate"
	KindTable      ObjectKind = "table"
	KindIndex      ObjectKind = "index"
	KindConstraint ObjectKind = "constraint"
	KindTrigger    ObjectKind = "trigger"
	KindSynonym    ObjectKind = "synonym"
	KindComment    ObjectKind = "comment"
)

// ObjectNotFoundError is returned by every get_* catalog accessor on a miss.
type ObjectNotFoundError struct {
	Kind ObjectKind
	Name string
}

func (e *ObjectNotFoundError) Error() string {
	return string(e.Kind) + " not found: " + e.Name
}

// ObjectAlreadyExistsError reports a name that collides with an existing
// name in the same namespace. The Catalog's Add*Object methods do not
// return it: they treat a duplicate name as an internal assertion failure.
type ObjectAlreadyExistsError struct {
	Kind ObjectKind
	Name string
}

func (e *ObjectAlreadyExistsError) Error() string {
	return string(e.Kind) + " already exists: " + e.Name
}

// IsNotFound reports whether err is (or wraps) an *ObjectNotFoundError.
func IsNotFound(err error) bool {
	var e *ObjectNotFoundError
	return errors.As(err, &e)
}

// IsAlreadyExists reports whether err is (or wraps) an
// *ObjectAlreadyExistsError.
func IsAlreadyExists(err error) bool {
	var e *ObjectAlreadyExistsError
	return errors.As(err, &e)
}
