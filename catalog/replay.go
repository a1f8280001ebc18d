package catalog

import (
	"sort"

	"github.com/cockroachdb/errors"

	"github.com/kvore/dbcore/objectid"
	"github.com/kvore/dbcore/store"
)

// PreparedStatement is a parsed, not-yet-applied catalog object,
// produced by Preparer.Prepare. Prepare and Execute are kept as
// separate steps (spec §9) so the Domains bucket can attempt a parse,
// discover a missing dependency, and retry on a later pass without
// re-parsing from scratch or binding prematurely.
type PreparedStatement interface {
	// Execute applies the statement and returns the catalog Object it
	// produces.
	Execute() (*Object, error)
	// IsUniqueOrPrimaryKey reports whether this statement defines a
	// unique or primary-key constraint; meaningless for non-constraint
	// statements. Used only to order the Constraints bucket.
	IsUniqueOrPrimaryKey() bool
}

// Preparer is the boundary to the (out of scope) SQL layer: it turns a
// persisted MetaRecord's create_sql back into a PreparedStatement.
// Prepare returns an error when the record depends on another
// catalog object not yet loaded; the Domains bucket retries such
// records on the next fixed-point pass.
type Preparer interface {
	Prepare(rec MetaRecord) (PreparedStatement, error)
}

// ViewRecompiler recompiles a single invalid view. Recompile reports
// whether the view became valid.
type ViewRecompiler interface {
	Recompile(view *Object) (valid bool)
}

// LoadObject registers obj directly into the name maps without
// persisting it to the Catalog Store or advancing ModificationMetaID —
// used only while replaying records that are already durable in SYS.
func (c *Catalog) LoadObject(obj *Object) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var bucket map[string]*Object
	if obj.Type.isSchemaObject() {
		bucket = c.bucket(false, obj.Type)
		bucket[obj.SchemaName+"\x00"+obj.Name] = obj
	} else {
		bucket = c.bucket(true, obj.Type)
		bucket[obj.Name] = obj
	}
	c.byID[obj.ID] = obj
}

// firstBucketTypes, middleBucketTypes classify a MetaRecord's type into
// one of the five ordered buckets of spec §4.5.
func firstBucketTypes(t ObjectType) bool {
	switch t {
	case TypeSetting, TypeUser, TypeSchema, TypeFunction:
		return true
	default:
		return false
	}
}

func middleBucketTypes(t ObjectType) bool {
	switch t {
	case TypeSequence, TypeConstant, TypeTable, TypeIndex:
		return true
	default:
		return false
	}
}

func recordLess(a, b MetaRecord) bool {
	oa, ob := createOrder[a.Type], createOrder[b.Type]
	if oa != ob {
		return oa < ob
	}
	return a.ID < b.ID
}

// Replay implements the Meta-Record Executor (C5): it scans the SYS
// table and applies its records in the five ordered buckets the
// specification defines, reserving each record's id in ids as it is
// loaded so the allocator never hands out an id already on disk.
func Replay(c *Catalog, sys *SysStore, tx *store.Session, ids *objectid.Allocator, prep Preparer, views ViewRecompiler) error {
	all, err := sys.Scan(tx)
	if err != nil {
		return err
	}

	var first, domains, middle, constraints, last []MetaRecord
	for _, rec := range all {
		switch {
		case firstBucketTypes(rec.Type):
			first = append(first, rec)
		case rec.Type == TypeDomain:
			domains = append(domains, rec)
		case middleBucketTypes(rec.Type):
			middle = append(middle, rec)
		case rec.Type == TypeConstraint:
			constraints = append(constraints, rec)
		default:
			last = append(last, rec)
		}
	}

	sort.Slice(first, func(i, j int) bool { return recordLess(first[i], first[j]) })
	sort.Slice(middle, func(i, j int) bool { return recordLess(middle[i], middle[j]) })
	sort.Slice(last, func(i, j int) bool { return recordLess(last[i], last[j]) })

	if err := replayOrdered(c, ids, prep, first); err != nil {
		return err
	}
	if err := replayDomainsFixedPoint(c, ids, prep, domains); err != nil {
		return err
	}
	if err := replayOrdered(c, ids, prep, middle); err != nil {
		return err
	}
	if err := replayConstraints(c, ids, prep, constraints); err != nil {
		return err
	}
	if err := replayOrdered(c, ids, prep, last); err != nil {
		return err
	}

	if views != nil {
		recompileInvalidViews(c, views)
	}
	return nil
}

func replayOrdered(c *Catalog, ids *objectid.Allocator, prep Preparer, recs []MetaRecord) error {
	for _, rec := range recs {
		stmt, err := prep.Prepare(rec)
		if err != nil {
			return errors.Wrapf(err, "preparing catalog record %d", rec.ID)
		}
		obj, err := stmt.Execute()
		if err != nil {
			return errors.Wrapf(err, "executing catalog record %d", rec.ID)
		}
		ids.Reserve(obj.ID)
		c.LoadObject(obj)
	}
	return nil
}

// replayDomainsFixedPoint implements the Domains bucket (spec §4.5):
// each pass attempts every remaining record; any that fail because a
// dependency isn't loaded yet are retried on the next pass. The loop
// stops when a pass makes no progress, and the first captured error
// from that final pass is returned.
func replayDomainsFixedPoint(c *Catalog, ids *objectid.Allocator, prep Preparer, recs []MetaRecord) error {
	pending := append([]MetaRecord(nil), recs...)

	for len(pending) > 0 {
		var next []MetaRecord
		var firstErr error
		progressed := false

		for _, rec := range pending {
			stmt, err := prep.Prepare(rec)
			if err != nil {
				if firstErr == nil {
					firstErr = err
				}
				next = append(next, rec)
				continue
			}
			obj, err := stmt.Execute()
			if err != nil {
				if firstErr == nil {
					firstErr = err
				}
				next = append(next, rec)
				continue
			}
			ids.Reserve(obj.ID)
			c.LoadObject(obj)
			progressed = true
		}

		if !progressed {
			return errors.Wrapf(firstErr, "domain replay made no progress with %d record(s) remaining", len(next))
		}
		pending = next
	}
	return nil
}

// replayConstraints implements the Constraints bucket (spec §4.5): all
// records are prepared first, then executed in an order with
// unique/primary-key constraints first (so referencing foreign keys
// find their target indexes), then by persisted object id.
func replayConstraints(c *Catalog, ids *objectid.Allocator, prep Preparer, recs []MetaRecord) error {
	type prepared struct {
		rec  MetaRecord
		stmt PreparedStatement
	}

	all := make([]prepared, 0, len(recs))
	for _, rec := range recs {
		stmt, err := prep.Prepare(rec)
		if err != nil {
			return errors.Wrapf(err, "preparing constraint record %d", rec.ID)
		}
		all = append(all, prepared{rec: rec, stmt: stmt})
	}

	sort.SliceStable(all, func(i, j int) bool {
		pi, pj := all[i].stmt.IsUniqueOrPrimaryKey(), all[j].stmt.IsUniqueOrPrimaryKey()
		if pi != pj {
			return pi // unique/PK first
		}
		return all[i].rec.ID < all[j].rec.ID
	})

	for _, p := range all {
		obj, err := p.stmt.Execute()
		if err != nil {
			return errors.Wrapf(err, "executing constraint record %d", p.rec.ID)
		}
		ids.Reserve(obj.ID)
		c.LoadObject(obj)
	}
	return nil
}

// recompileInvalidViews implements the invalid-view recompile loop
// (spec §4.5): after the Last bucket, repeatedly recompile every
// invalid view until a pass flips none from invalid to valid. Views
// still invalid afterward are left in place for the next attempt at
// query time.
func recompileInvalidViews(c *Catalog, views ViewRecompiler) {
	for {
		flipped := false
		c.mu.RLock()
		var invalid []*Object
		for _, obj := range c.schemaObjects[TypeTable] {
			if obj.IsView && obj.Invalid {
				invalid = append(invalid, obj)
			}
		}
		c.mu.RUnlock()

		if len(invalid) == 0 {
			return
		}
		for _, view := range invalid {
			if views.Recompile(view) {
				c.mu.Lock()
				view.Invalid = false
				c.mu.Unlock()
				flipped = true
			}
		}
		if !flipped {
			return
		}
	}
}
