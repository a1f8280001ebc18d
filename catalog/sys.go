package catalog

import (
	"encoding/binary"
	"fmt"
	"runtime/debug"
	"sync"

	"github.com/cockroachdb/errors"

	"github.com/kvore/dbcore/dberr"
	"github.com/kvore/dbcore/store"
)

const sysKeyPrefix = "sys/"

// MetaRecord is the row shape persisted to the SYS table (spec §3): four
// columns, ID/HEAD/TYPE/SQL. HEAD is historical and always zero.
type MetaRecord struct {
	ID   uint32
	Head int32
	Type ObjectType
	SQL  string
}

func sysKey(id uint32) []byte {
	b := make([]byte, len(sysKeyPrefix)+4)
	copy(b, sysKeyPrefix)
	binary.BigEndian.PutUint32(b[len(sysKeyPrefix):], id)
	return b
}

func encodeMetaRecord(r MetaRecord) []byte {
	buf := make([]byte, 0, 12+len(r.SQL))
	var tmp [4]byte
	binary.BigEndian.PutUint32(tmp[:], r.ID)
	buf = append(buf, tmp[:]...)
	binary.BigEndian.PutUint32(tmp[:], uint32(r.Head))
	buf = append(buf, tmp[:]...)
	binary.BigEndian.PutUint32(tmp[:], uint32(r.Type))
	buf = append(buf, tmp[:]...)
	buf = append(buf, r.SQL...)
	return buf
}

func decodeMetaRecord(b []byte) (MetaRecord, error) {
	if len(b) < 12 {
		return MetaRecord{}, errors.New("corrupted SYS row: too short")
	}
	return MetaRecord{
		ID:   binary.BigEndian.Uint32(b[0:4]),
		Head: int32(binary.BigEndian.Uint32(b[4:8])),
		Type: ObjectType(binary.BigEndian.Uint32(b[8:12])),
		SQL:  string(b[12:]),
	}, nil
}

// metaLockOwner records who currently holds the meta lock, populated
// only when debug tracking is enabled (spec §4.3's debug invariant).
type metaLockOwner struct {
	sessionID uint32
	stack     string
}

// SysStore is the Catalog Store (C3): the SYS table plus its exclusive
// meta lock. All persistence goes through a caller-supplied
// *store.Session so SysStore participates in the caller's transaction.
type SysStore struct {
	mu sync.Mutex

	metaHeld  bool
	metaOwner *metaLockOwner
	// holdCount tracks, for a session that has acquired the meta lock more
	// than once within a compound statement, how many times it has been
	// acquired — unlock_meta only releases on the matching final call.
	holdCount map[uint32]int

	// DebugAssertions enables the acquisition-stack tracking described in
	// spec §4.3; disabled by default since it allocates a stack trace on
	// every LockMeta call.
	DebugAssertions bool
}

// NewSysStore creates an empty Catalog Store.
func NewSysStore() *SysStore {
	return &SysStore{holdCount: make(map[uint32]int)}
}

// LockMeta acquires the exclusive meta lock on behalf of sessionID,
// returning true if this call is the one that actually acquired it
// (false if the session already held it, per spec §4.3's re-entrant
// contract for nested DDL within a compound statement).
func (c *SysStore) LockMeta(sessionID uint32) (acquired bool, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.metaHeld {
		if c.metaOwner != nil && c.metaOwner.sessionID == sessionID {
			c.holdCount[sessionID]++
			return false, nil
		}
		var prior string
		if c.metaOwner != nil && c.DebugAssertions {
			prior = c.metaOwner.stack
		}
		return false, errors.Wrapf(dberr.ErrLockTimeout,
			"meta lock held by session %d%s", c.metaOwner.sessionID, prior)
	}

	c.metaHeld = true
	owner := &metaLockOwner{sessionID: sessionID}
	if c.DebugAssertions {
		owner.stack = fmt.Sprintf("\nacquired at:\n%s", debug.Stack())
	}
	c.metaOwner = owner
	c.holdCount[sessionID] = 1
	return true, nil
}

// UnlockMeta releases the meta lock acquired by sessionID. It is a
// no-op unless this call brings the session's hold count to zero,
// matching spec §4.3's "releases only if acquired by this call".
func (c *SysStore) UnlockMeta(sessionID uint32) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.metaHeld || c.metaOwner == nil || c.metaOwner.sessionID != sessionID {
		return
	}
	c.holdCount[sessionID]--
	if c.holdCount[sessionID] > 0 {
		return
	}
	delete(c.holdCount, sessionID)
	c.metaHeld = false
	c.metaOwner = nil
}

// Insert writes obj's SYS row under the meta lock. Caller must already
// hold the meta lock (via LockMeta).
func (c *SysStore) Insert(s *store.Session, obj *Object) error {
	rec := MetaRecord{ID: obj.ID, Head: 0, Type: obj.Type, SQL: obj.CreateSQL}
	return s.Put(sysKey(obj.ID), encodeMetaRecord(rec))
}

// Update replaces obj's SYS row if its rendered SQL changed.
func (c *SysStore) Update(s *store.Session, obj *Object) error {
	existing, err := s.Get(sysKey(obj.ID))
	if err == nil {
		if rec, derr := decodeMetaRecord(existing); derr == nil && rec.SQL == obj.CreateSQL {
			return nil
		}
	}
	rec := MetaRecord{ID: obj.ID, Head: 0, Type: obj.Type, SQL: obj.CreateSQL}
	return s.Put(sysKey(obj.ID), encodeMetaRecord(rec))
}

// Remove deletes id's SYS row. The caller is responsible for scheduling
// the id's release at end-of-transaction (spec §4.3).
func (c *SysStore) Remove(s *store.Session, id uint32) error {
	err := s.Delete(sysKey(id))
	if errors.Is(err, store.ErrKeyNotFound) {
		return nil
	}
	return err
}

// Scan returns every SYS row in id order, used only during open replay
// (C5).
func (c *SysStore) Scan(s *store.Session) ([]MetaRecord, error) {
	kvs, err := s.Iterate([]byte(sysKeyPrefix))
	if err != nil {
		return nil, err
	}
	recs := make([]MetaRecord, 0, len(kvs))
	for _, kv := range kvs {
		rec, err := decodeMetaRecord(kv.Value)
		if err != nil {
			return nil, err
		}
		recs = append(recs, rec)
	}
	return recs, nil
}
