package catalog

import (
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/require"

	"github.com/kvore/dbcore/objectid"
)

// fakeStatement is a trivial PreparedStatement that always succeeds and
// returns a fixed Object.
type fakeStatement struct {
	obj        *Object
	uniqueOrPK bool
	executed   *[]uint32
}

func (f fakeStatement) Execute() (*Object, error) {
	*f.executed = append(*f.executed, f.obj.ID)
	return f.obj, nil
}
func (f fakeStatement) IsUniqueOrPrimaryKey() bool { return f.uniqueOrPK }

// fakePreparer compiles MetaRecords back into Objects using the SQL
// string as a tag, simulating the (out of scope) SQL layer. A domain
// record whose SQL references an as-yet-unprepared domain by name
// fails until that name has been loaded.
type fakePreparer struct {
	loaded map[string]bool
	// dependsOn maps a record's SQL tag to the tag of another domain
	// record it depends on, simulating a forward reference.
	dependsOn map[string]string
	uniquePK  map[uint32]bool
	// executed lists, in order, the ids of the statements executed.
	executed []uint32
}

func (p *fakePreparer) Prepare(rec MetaRecord) (PreparedStatement, error) {
	if dep, ok := p.dependsOn[rec.SQL]; ok && !p.loaded[dep] {
		return nil, errors.Newf("domain %q depends on undefined domain %q", rec.SQL, dep)
	}
	p.loaded[rec.SQL] = true
	return fakeStatement{
		obj: &Object{ID: rec.ID, Type: rec.Type, Name: rec.SQL, CreateSQL: rec.SQL},
		uniqueOrPK: p.uniquePK[rec.ID],
		executed:   &p.executed,
	}, nil
}

func newFakePreparer() *fakePreparer {
	return &fakePreparer{loaded: make(map[string]bool), dependsOn: make(map[string]string), uniquePK: make(map[uint32]bool)}
}

func TestReplayOrdersFirstBucketByCreateOrder(t *testing.T) {
	_, tx := openTestSession(t)
	sys := NewSysStore()
	ids := objectid.New()
	c := New(sys, ids)

	_, err := sys.LockMeta(1)
	require.NoError(t, err)
	require.NoError(t, sys.Insert(tx, &Object{ID: 5, Type: TypeUser, Name: "u", CreateSQL: "u"}))
	require.NoError(t, sys.Insert(tx, &Object{ID: 10, Type: TypeSetting, Name: "s", CreateSQL: "s"}))
	sys.UnlockMeta(1)

	prep := newFakePreparer()
	require.NoError(t, Replay(c, sys, tx, ids, prep, nil))

	// the setting sorts before the user despite its higher id
	require.Equal(t, []uint32{10, 5}, prep.executed)
	require.NotNil(t, c.FindDatabaseObject(TypeSetting, "s"))
	require.NotNil(t, c.FindDatabaseObject(TypeUser, "u"))
	require.True(t, ids.IsAllocated(10))
	require.True(t, ids.IsAllocated(5))
}

func TestReplayDomainsFixedPoint(t *testing.T) {
	_, tx := openTestSession(t)
	sys := NewSysStore()
	ids := objectid.New()
	c := New(sys, ids)

	_, err := sys.LockMeta(1)
	require.NoError(t, err)
	// domain "child" is persisted before "parent" but depends on it; the
	// fixed-point loop must still load both.
	require.NoError(t, sys.Insert(tx, &Object{ID: 20, Type: TypeDomain, Name: "child", CreateSQL: "child"}))
	require.NoError(t, sys.Insert(tx, &Object{ID: 21, Type: TypeDomain, Name: "parent", CreateSQL: "parent"}))
	sys.UnlockMeta(1)

	prep := newFakePreparer()
	prep.dependsOn["child"] = "parent"

	require.NoError(t, Replay(c, sys, tx, ids, prep, nil))
	_, ok20 := c.ByID(20)
	_, ok21 := c.ByID(21)
	require.True(t, ok20)
	require.True(t, ok21)
}

func TestReplayDomainsReturnsErrorWhenStuck(t *testing.T) {
	_, tx := openTestSession(t)
	sys := NewSysStore()
	ids := objectid.New()
	c := New(sys, ids)

	_, err := sys.LockMeta(1)
	require.NoError(t, err)
	require.NoError(t, sys.Insert(tx, &Object{ID: 30, Type: TypeDomain, Name: "orphan", CreateSQL: "orphan"}))
	sys.UnlockMeta(1)

	prep := newFakePreparer()
	prep.dependsOn["orphan"] = "nonexistent"

	err = Replay(c, sys, tx, ids, prep, nil)
	require.Error(t, err)
}

func TestReplayConstraintsUniqueFirst(t *testing.T) {
	_, tx := openTestSession(t)
	sys := NewSysStore()
	ids := objectid.New()
	c := New(sys, ids)

	_, err := sys.LockMeta(1)
	require.NoError(t, err)
	require.NoError(t, sys.Insert(tx, &Object{ID: 40, Type: TypeConstraint, Name: "fk", CreateSQL: "fk"}))
	require.NoError(t, sys.Insert(tx, &Object{ID: 41, Type: TypeConstraint, Name: "pk", CreateSQL: "pk"}))
	sys.UnlockMeta(1)

	prep := newFakePreparer()
	prep.uniquePK[41] = true

	require.NoError(t, Replay(c, sys, tx, ids, prep, nil))
	// the primary key executes before the foreign key despite its higher id
	require.Equal(t, []uint32{41, 40}, prep.executed)
	_, ok40 := c.ByID(40)
	_, ok41 := c.ByID(41)
	require.True(t, ok40)
	require.True(t, ok41)
}

// fakeRecompiler marks every view valid on its first Recompile call.
type fakeRecompiler struct{ calls int }

func (f *fakeRecompiler) Recompile(view *Object) bool {
	f.calls++
	return true
}

func TestReplayRecompilesInvalidViews(t *testing.T) {
	_, tx := openTestSession(t)
	sys := NewSysStore()
	ids := objectid.New()
	c := New(sys, ids)

	view := &Object{ID: 1, Type: TypeTable, Name: "v", SchemaName: "PUBLIC", IsView: true, Invalid: true, CreateSQL: "v"}
	require.NoError(t, c.AddSchemaObject(1, tx, view))

	recompiler := &fakeRecompiler{}
	require.NoError(t, Replay(c, sys, tx, ids, newFakePreparer(), recompiler))

	require.Equal(t, 1, recompiler.calls)
	require.False(t, view.Invalid)
}
