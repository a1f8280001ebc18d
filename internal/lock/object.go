package lock

import "github.com/kvore/dbcore/catalog"

// An ObjectType defines the granularity at which the lock manager
// arbitrates access: the whole database, a single catalog table, or one
// row within a table.
type ObjectType int

const (
	Database ObjectType = iota
	Table
	Row
)

// IsCompatibleWithLock returns true if the lock mode can be held on
// this object type.
func (o ObjectType) IsCompatibleWithLock(l LockMode) bool {
	switch o {
	case Database:
		return l == X || l == S
	case Table:
		return l == X || l == S || l == IX || l == IS || l == SIX
	case Row:
		return l == X || l == S
	default:
		return false
	}
}

// An Object identifies the resource a lock request serializes access
// to, named the same way the catalog names things: a schema-qualified
// table (SchemaName + Name), optionally narrowed to one row via RowKey.
// A database-wide lock leaves SchemaName, Name and RowKey empty.
type Object struct {
	SchemaName string
	Name       string
	RowKey     string
	Type       ObjectType
}

// NewDatabaseObject returns the single Object representing the whole
// database, for operations that must exclude every other lock.
func NewDatabaseObject() *Object {
	return &Object{Type: Database}
}

// NewTableObject locks a table by its catalog identity: schema name
// plus table name, mirroring catalog.Object's own namespacing so a
// lock key can never collide with a table of the same name in a
// different schema.
func NewTableObject(schemaName, name string) *Object {
	return &Object{SchemaName: schemaName, Name: name, Type: Table}
}

// ForCatalogTable derives the lock Object for a table directly from
// its catalog record, so callers holding a *catalog.Object never have
// to re-derive the schema-qualified name by hand.
func ForCatalogTable(obj *catalog.Object) *Object {
	return &Object{SchemaName: obj.SchemaName, Name: obj.Name, Type: Table}
}

// NewRowObject locks a single row of a table, identified by its
// encoded primary key.
func NewRowObject(schemaName, tableName string, rowKey []byte) *Object {
	return &Object{SchemaName: schemaName, Name: tableName, RowKey: string(rowKey), Type: Row}
}
