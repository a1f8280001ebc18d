// Package catalog implements the Catalog Store (C3), Catalog Manager (C4)
// and Meta-Record Executor (C5): the SYS table, the in-memory name maps
// layered over it, and the bucketed replay that rebuilds those maps at
// open. Rendering and parsing CREATE SQL is out of scope (spec §1's
// Non-goals exclude the SQL layer entirely); callers supply the rendered
// create_sql string for an object and this package only ever stores,
// compares, and replays it verbatim.
package catalog

import "github.com/kvore/dbcore/dberr"

// ObjectType enumerates every kind of persistent catalog object (spec §3).
type ObjectType int

const (
	TypeSetting ObjectType = iota
	TypeUser
	TypeRole
	TypeRight
	TypeSchema
	TypeDomain
	TypeSequence
	TypeConstant
	TypeFunction
	TypeAggregate
	TypeTable
	TypeIndex
	TypeConstraint
	TypeTrigger
	TypeSynonym
	TypeComment
)

func (t ObjectType) String() string {
	switch t {
	case TypeSetting:
		return "SETTING"
	case TypeUser:
		return "USER"
	case TypeRole:
		return "ROLE"
	case TypeRight:
		return "RIGHT"
	case TypeSchema:
		return "SCHEMA"
	case TypeDomain:
		return "DOMAIN"
	case TypeSequence:
		return "SEQUENCE"
	case TypeConstant:
		return "CONSTANT"
	case TypeFunction:
		return "FUNCTION"
	case TypeAggregate:
		return "AGGREGATE"
	case TypeTable:
		return "TABLE"
	case TypeIndex:
		return "INDEX"
	case TypeConstraint:
		return "CONSTRAINT"
	case TypeTrigger:
		return "TRIGGER"
	case TypeSynonym:
		return "SYNONYM"
	case TypeComment:
		return "COMMENT"
	default:
		return "UNKNOWN"
	}
}

// createOrder ranks each type for the stable sort used within replay
// buckets 1, 3 and 5 (spec §4.5): Setting < User < Schema < Function <
// Domain < Sequence < Constant < Table < Index < Constraint < Trigger <
// Synonym < Role < Right < Aggregate < Comment.
var createOrder = map[ObjectType]int{
	TypeSetting:    0,
	TypeUser:       1,
	TypeSchema:     2,
	TypeFunction:   3,
	TypeDomain:     4,
	TypeSequence:   5,
	TypeConstant:   6,
	TypeTable:      7,
	TypeIndex:      8,
	TypeConstraint: 9,
	TypeTrigger:    10,
	TypeSynonym:    11,
	TypeRole:       12,
	TypeRight:      13,
	TypeAggregate:  14,
	TypeComment:    15,
}

// isSchemaObject reports whether a type is scoped to a schema (namespace
// uniqueness is (type, schema, name)) rather than the whole database.
func (t ObjectType) isSchemaObject() bool {
	switch t {
	case TypeDomain, TypeSequence, TypeConstant, TypeFunction, TypeAggregate,
		TypeTable, TypeIndex, TypeConstraint, TypeTrigger, TypeSynonym:
		return true
	default:
		return false
	}
}

// kindFor maps an ObjectType onto the dberr.ObjectKind used in
// ObjectNotFoundError / ObjectAlreadyExistsError.
func kindFor(t ObjectType) dberr.ObjectKind {
	switch t {
	case TypeSetting:
		return dberr.KindSetting
	case TypeUser:
		return dberr.KindUser
	case TypeRole:
		return dberr.KindRole
	case TypeRight:
		return dberr.KindRight
	case TypeSchema:
		return dberr.KindSchema
	case TypeDomain:
		return dberr.KindDomain
	case TypeSequence:
		return dberr.KindSequence
	case TypeConstant:
		return dberr.KindConstant
	case TypeFunction:
		return dberr.KindFunction
	case TypeAggregate:
		return dberr.KindAggregate
	case TypeTable:
		return dberr.KindTable
	case TypeIndex:
		return dberr.KindIndex
	case TypeConstraint:
		return dberr.KindConstraint
	case TypeTrigger:
		return dberr.KindTrigger
	case TypeSynonym:
		return dberr.KindSynonym
	default:
		return dberr.KindComment
	}
}

// Object is a single catalog object's full metadata (spec §3's Catalog
// Object). CreateSQL is opaque to this package: it is generated and
// parsed by the (out of scope) SQL layer, and is persisted and replayed
// verbatim.
type Object struct {
	ID             uint32
	Type           ObjectType
	Name           string
	SchemaName     string
	Temporary      bool
	ModificationID uint64
	Comment        string
	CreateSQL      string

	// Dependencies lists the ids of other catalog objects this object
	// references (e.g. a table's foreign keys, a view's underlying
	// tables). get_dependent_table (C4) walks this set.
	Dependencies []uint32

	// Invalid marks a view whose underlying objects changed shape since
	// it was compiled (spec §4.5's invalid-view recompile loop).
	Invalid bool

	// IsView distinguishes a view from an ordinary table within
	// TypeTable: views are excluded from the dependency scan performed
	// by get_dependent_table (spec §4.4) since dropping an object a view
	// references only invalidates the view rather than being blocked.
	IsView bool
}

// nonRenameable reports whether objects of this type reject rename_*
// outright (spec §4.4: "enforce renameability (some types disallow
// it)"). Constraints and triggers are named as a byproduct of the
// object they belong to and are not independently renameable here.
func nonRenameable(t ObjectType) bool {
	switch t {
	case TypeConstraint, TypeTrigger:
		return true
	default:
		return false
	}
}

// bypassesDependencyCheck reports whether remove_schema_object skips
// get_dependent_table for this type (spec §4.4: "except comments,
// constraints, indexes, rights, triggers, users").
func bypassesDependencyCheck(t ObjectType) bool {
	switch t {
	case TypeComment, TypeConstraint, TypeIndex, TypeRight, TypeTrigger, TypeUser:
		return true
	default:
		return false
	}
}

// namespaceKey returns the key used for namespace-uniqueness checks: the
// type and name alone for database-scoped objects, or type+schema+name
// for schema-scoped ones.
func (o *Object) namespaceKey() string {
	if o.Type.isSchemaObject() {
		return o.SchemaName + "\x00" + o.Name
	}
	return o.Name
}
