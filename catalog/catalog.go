package catalog

import (
	"net"
	"sync"

	"github.com/cockroachdb/errors"

	"github.com/kvore/dbcore/dberr"
	"github.com/kvore/dbcore/objectid"
	"github.com/kvore/dbcore/store"
)

// Authorizer decides whether a session may mutate the catalog. The
// default, used when none is configured, allows every session: the
// specification describes the call site ("require write permission")
// but leaves rights evaluation itself to the (out of scope) SQL layer.
type Authorizer interface {
	CanWrite(sessionID uint32) bool
}

type allowAllAuthorizer struct{}

func (allowAllAuthorizer) CanWrite(uint32) bool { return true }

// Catalog is the Catalog Manager (C4): the in-memory name maps layered
// over the Catalog Store, kept consistent with it under the database
// monitor and the meta lock.
type Catalog struct {
	mu sync.RWMutex

	sys  *SysStore
	ids  *objectid.Allocator
	auth Authorizer

	// database-scoped: keyed by Name alone.
	dbObjects map[ObjectType]map[string]*Object
	// schema-scoped: keyed by SchemaName + "\x00" + Name.
	schemaObjects map[ObjectType]map[string]*Object

	byID map[uint32]*Object

	// ModificationMetaID advances on every catalog mutation (spec §8);
	// sessions compare against the value they captured to invalidate
	// their query cache.
	ModificationMetaID uint64

	// AutoServerAddr, when non-empty, is written into the lock file's
	// key/value area once ListenAutoServer succeeds (spec §4.4's
	// auto-server mode).
	AutoServerAddr string
	autoListener   net.Listener
}

// New creates an empty Catalog Manager backed by sys and ids.
func New(sys *SysStore, ids *objectid.Allocator) *Catalog {
	return &Catalog{
		sys:           sys,
		ids:           ids,
		auth:          allowAllAuthorizer{},
		dbObjects:     make(map[ObjectType]map[string]*Object),
		schemaObjects: make(map[ObjectType]map[string]*Object),
		byID:          make(map[uint32]*Object),
	}
}

// SetAuthorizer installs a permission check used by Add*Object. Passing
// nil restores the allow-all default.
func (c *Catalog) SetAuthorizer(a Authorizer) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if a == nil {
		a = allowAllAuthorizer{}
	}
	c.auth = a
}

func (c *Catalog) bucket(dbScoped bool, t ObjectType) map[string]*Object {
	var root map[ObjectType]map[string]*Object
	if dbScoped {
		root = c.dbObjects
	} else {
		root = c.schemaObjects
	}
	m, ok := root[t]
	if !ok {
		m = make(map[string]*Object)
		root[t] = m
	}
	return m
}

// FindDatabaseObject returns a database-scoped object by type and name,
// or nil if absent.
func (c *Catalog) FindDatabaseObject(t ObjectType, name string) *Object {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.dbObjects[t][name]
}

// GetDatabaseObject is FindDatabaseObject but fails with
// *dberr.ObjectNotFoundError on a miss.
func (c *Catalog) GetDatabaseObject(t ObjectType, name string) (*Object, error) {
	if obj := c.FindDatabaseObject(t, name); obj != nil {
		return obj, nil
	}
	return nil, &dberr.ObjectNotFoundError{Kind: kindFor(t), Name: name}
}

// FindSchemaObject returns a schema-scoped object by type, schema and
// name, or nil if absent.
func (c *Catalog) FindSchemaObject(t ObjectType, schema, name string) *Object {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.schemaObjects[t][schema+"\x00"+name]
}

// GetSchemaObject is FindSchemaObject but fails with
// *dberr.ObjectNotFoundError on a miss.
func (c *Catalog) GetSchemaObject(t ObjectType, schema, name string) (*Object, error) {
	if obj := c.FindSchemaObject(t, schema, name); obj != nil {
		return obj, nil
	}
	return nil, &dberr.ObjectNotFoundError{Kind: kindFor(t), Name: schema + "." + name}
}

// Current returns the database's modification_meta_id, satisfying
// session.ModificationClock for per-session query-cache invalidation
// (spec §4.6).
func (c *Catalog) Current() uint64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.ModificationMetaID
}

// ByID returns the object with the given catalog id, if loaded.
func (c *Catalog) ByID(id uint32) (*Object, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	obj, ok := c.byID[id]
	return obj, ok
}

// All returns every loaded catalog object, in no particular order. Used
// by the inspection CLI and by tests that need to enumerate the whole
// catalog rather than look up a single namespace entry.
func (c *Catalog) All() []*Object {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]*Object, 0, len(c.byID))
	for _, obj := range c.byID {
		out = append(out, obj)
	}
	return out
}

// AddDatabaseObject persists and registers a database-scoped object
// (spec §4.4): under the meta lock, require write permission, persist
// via C3, then insert into the name map. Duplicate names are an
// internal error — callers are expected to have already checked via
// FindDatabaseObject.
func (c *Catalog) AddDatabaseObject(sessionID uint32, tx *store.Session, obj *Object) error {
	return c.addObject(sessionID, tx, obj, true)
}

// AddSchemaObject is AddDatabaseObject for a schema-scoped object.
func (c *Catalog) AddSchemaObject(sessionID uint32, tx *store.Session, obj *Object) error {
	return c.addObject(sessionID, tx, obj, false)
}

func (c *Catalog) addObject(sessionID uint32, tx *store.Session, obj *Object, dbScoped bool) error {
	if !c.auth.CanWrite(sessionID) {
		return errors.Wrap(dberr.ErrFeatureNotSupported, "session lacks write permission")
	}

	acquired, err := c.sys.LockMeta(sessionID)
	if err != nil {
		return err
	}
	if acquired {
		defer c.sys.UnlockMeta(sessionID)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	key := obj.Name
	if !dbScoped {
		key = obj.SchemaName + "\x00" + obj.Name
	}
	bucket := c.bucket(dbScoped, obj.Type)
	if _, exists := bucket[key]; exists {
		return errors.AssertionFailedf("catalog object %s %q already present in name map", obj.Type, key)
	}

	if !obj.Temporary {
		if err := c.sys.Insert(tx, obj); err != nil {
			return err
		}
	}

	bucket[key] = obj
	c.byID[obj.ID] = obj
	c.ModificationMetaID++
	return nil
}

// RenameDatabaseObject renames a database-scoped object in place,
// re-persisting it and any first-level child whose create_sql is
// non-empty (spec §4.4).
func (c *Catalog) RenameDatabaseObject(sessionID uint32, tx *store.Session, obj *Object, newName string, children []*Object) error {
	return c.renameObject(sessionID, tx, obj, newName, children, true)
}

// RenameSchemaObject is RenameDatabaseObject for a schema-scoped object.
func (c *Catalog) RenameSchemaObject(sessionID uint32, tx *store.Session, obj *Object, newName string, children []*Object) error {
	return c.renameObject(sessionID, tx, obj, newName, children, false)
}

func (c *Catalog) renameObject(sessionID uint32, tx *store.Session, obj *Object, newName string, children []*Object, dbScoped bool) error {
	if nonRenameable(obj.Type) {
		return errors.Wrapf(dberr.ErrFeatureNotSupported, "%s objects cannot be renamed", obj.Type)
	}
	if !c.auth.CanWrite(sessionID) {
		return errors.Wrap(dberr.ErrFeatureNotSupported, "session lacks write permission")
	}

	acquired, err := c.sys.LockMeta(sessionID)
	if err != nil {
		return err
	}
	if acquired {
		defer c.sys.UnlockMeta(sessionID)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	bucket := c.bucket(dbScoped, obj.Type)
	oldKey := obj.Name
	if !dbScoped {
		oldKey = obj.SchemaName + "\x00" + obj.Name
	}
	delete(bucket, oldKey)

	obj.Name = newName
	obj.ModificationID++
	newKey := obj.Name
	if !dbScoped {
		newKey = obj.SchemaName + "\x00" + obj.Name
	}
	bucket[newKey] = obj

	if !obj.Temporary {
		if err := c.sys.Update(tx, obj); err != nil {
			return err
		}
	}
	for _, child := range children {
		if child.CreateSQL == "" {
			continue
		}
		child.ModificationID++
		if err := c.sys.Update(tx, child); err != nil {
			return err
		}
	}

	c.ModificationMetaID++
	return nil
}

// RemoveDatabaseObject drops a database-scoped object (spec §4.4):
// removes its comment, deletes the SYS row, and schedules its id for
// release at end-of-transaction via pending. Children of obj are not
// removed.
func (c *Catalog) RemoveDatabaseObject(sessionID uint32, tx *store.Session, obj *Object, pending *objectid.PendingSet) error {
	return c.removeObject(sessionID, tx, obj, pending, true)
}

// RemoveSchemaObject is RemoveDatabaseObject for a schema-scoped object,
// additionally enforcing the dependent-table check (spec §4.4).
func (c *Catalog) RemoveSchemaObject(sessionID uint32, tx *store.Session, obj *Object, pending *objectid.PendingSet) error {
	if !bypassesDependencyCheck(obj.Type) {
		if dep, found := c.GetDependentTable(obj, nil); found {
			return errors.Wrapf(dberr.ErrCannotDrop, "%s %q is referenced by table %q", obj.Type, obj.Name, dep.Name)
		}
	}
	return c.removeObject(sessionID, tx, obj, pending, false)
}

func (c *Catalog) removeObject(sessionID uint32, tx *store.Session, obj *Object, pending *objectid.PendingSet, dbScoped bool) error {
	if !c.auth.CanWrite(sessionID) {
		return errors.Wrap(dberr.ErrFeatureNotSupported, "session lacks write permission")
	}

	acquired, err := c.sys.LockMeta(sessionID)
	if err != nil {
		return err
	}
	if acquired {
		defer c.sys.UnlockMeta(sessionID)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	key := obj.Name
	if !dbScoped {
		key = obj.SchemaName + "\x00" + obj.Name
	}
	bucket := c.bucket(dbScoped, obj.Type)
	// spec §9: remove_database_object is sometimes invoked before the
	// object is registered in the map; treat that as an internal error
	// rather than silently tolerating it.
	if _, ok := bucket[key]; !ok {
		return errors.AssertionFailedf("remove of unregistered catalog object %s %q", obj.Type, key)
	}
	delete(bucket, key)
	delete(c.byID, obj.ID)

	// remove this object's comment, if one is tracked as its own
	// database-scoped Comment object (spec §3, §4.4).
	if comment, ok := c.dbObjects[TypeComment][obj.Name]; ok {
		delete(c.dbObjects[TypeComment], obj.Name)
		delete(c.byID, comment.ID)
		if !comment.Temporary {
			if err := c.sys.Remove(tx, comment.ID); err != nil {
				return err
			}
			if pending != nil {
				pending.Schedule(comment.ID)
			}
		}
	}

	if !obj.Temporary {
		if err := c.sys.Remove(tx, obj.ID); err != nil {
			return err
		}
	}
	if pending != nil {
		pending.Schedule(obj.ID)
	}

	// checkMetaFree (spec §9): always run after removal, not only under
	// a debug flag. The removed id must not still be present anywhere.
	if _, stillPresent := c.byID[obj.ID]; stillPresent {
		return errors.AssertionFailedf("catalog object id %d still present after remove", obj.ID)
	}

	c.ModificationMetaID++
	return nil
}

// UpdateMeta re-renders and overwrites obj's SYS row after a
// non-structural change (spec §4.4).
func (c *Catalog) UpdateMeta(tx *store.Session, obj *Object) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if obj.Temporary {
		return nil
	}
	if err := c.sys.Update(tx, obj); err != nil {
		return err
	}
	c.ModificationMetaID++
	return nil
}

// GetDependentTable implements get_dependent_table (spec §4.4): scans
// every non-view table and returns the first whose dependency set
// contains obj, other than except.
func (c *Catalog) GetDependentTable(obj *Object, except *Object) (*Object, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	for _, table := range c.schemaObjects[TypeTable] {
		if table.IsView || table == except {
			continue
		}
		for _, dep := range table.Dependencies {
			if dep == obj.ID {
				return table, true
			}
		}
	}
	return nil, false
}

// ListenAutoServer starts the TCP listener used by auto-server mode and
// records its address, which the lifecycle controller writes into the
// lock file's key/value area (spec §4.4).
func (c *Catalog) ListenAutoServer(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return errors.Wrap(err, "failed to start auto-server listener")
	}
	c.mu.Lock()
	c.autoListener = ln
	c.AutoServerAddr = ln.Addr().String()
	c.mu.Unlock()
	return nil
}

// CloseAutoServer stops the auto-server listener, if one was started.
func (c *Catalog) CloseAutoServer() error {
	c.mu.Lock()
	ln := c.autoListener
	c.autoListener = nil
	c.mu.Unlock()
	if ln == nil {
		return nil
	}
	return ln.Close()
}
