package rpcserver

import (
	"reflect"
	"sync"
)

// refTable is the server-side proxy reference table (spec §3 "Proxy
// reference table (server-side)" and the lifetime-manager component C7):
// object_id -> (referent, set of outstanding ref_ids), plus the reverse
// identity -> object_id map that lets repeated get_proxy calls for the
// same referent reuse its object_id.
type refTable struct {
	mu sync.Mutex

	referents map[int64]interface{}
	refs      map[int64]map[int64]struct{}
	byIdentity map[identity]int64

	nextObjectID int64
	nextRefID    int64
}

// identity is the dedupe key used to recognize "the same referent" across
// repeated get_proxy calls. Pointers, maps, channels, funcs and slices
// carry a stable runtime pointer; anything else (plain structs, scalars)
// has no such identity in Go, so comparable values are matched by value
// equality and each registration of a non-comparable one gets its own
// object_id -- documented in DESIGN.md as the Go-specific narrowing of
// "identity-of(obj)".
type identity struct {
	kind reflect.Kind
	ptr  uintptr
	flat interface{} // used for comparable kinds without a pointer identity
}

func identityOf(v interface{}) (identity, bool) {
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Ptr, reflect.Map, reflect.Chan, reflect.Func, reflect.UnsafePointer, reflect.Slice:
		return identity{kind: rv.Kind(), ptr: rv.Pointer()}, true
	default:
		if rv.Comparable() {
			return identity{kind: rv.Kind(), flat: v}, true
		}
		return identity{}, false
	}
}

func newRefTable() *refTable {
	return &refTable{
		referents:  make(map[int64]interface{}),
		refs:       make(map[int64]map[int64]struct{}),
		byIdentity: make(map[identity]int64),
	}
}

// getProxy implements spec §4.4's get_proxy: allocate (or reuse) an
// object_id for v, allocate a fresh ref_id, and record it against that
// object_id. Returns (objectID, refID).
func (t *refTable) getProxy(v interface{}) (int64, int64) {
	t.mu.Lock()
	defer t.mu.Unlock()

	var objectID int64
	id, ok := identityOf(v)
	if ok {
		if existing, found := t.byIdentity[id]; found {
			objectID = existing
		}
	}
	if objectID == 0 {
		t.nextObjectID++
		objectID = t.nextObjectID
		t.referents[objectID] = v
		if ok {
			t.byIdentity[id] = objectID
		}
		t.refs[objectID] = make(map[int64]struct{})
	}

	t.nextRefID++
	refID := t.nextRefID
	t.refs[objectID][refID] = struct{}{}
	return objectID, refID
}

func (t *refTable) resolve(objectID int64) (interface{}, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	v, ok := t.referents[objectID]
	return v, ok
}

// deleteRef removes refID from objectID's outstanding set. When the set
// empties, both the forward and identity maps are purged (spec §3's
// reference-table invariant, tested by spec §8 property 4).
func (t *refTable) deleteRef(objectID, refID int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	set, ok := t.refs[objectID]
	if !ok {
		return
	}
	delete(set, refID)
	if len(set) == 0 {
		v := t.referents[objectID]
		delete(t.refs, objectID)
		delete(t.referents, objectID)
		if id, ok := identityOf(v); ok {
			if t.byIdentity[id] == objectID {
				delete(t.byIdentity, id)
			}
		}
	}
}

// refCount returns how many outstanding ref_ids objectID has, for tests.
func (t *refTable) refCount(objectID int64) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.refs[objectID])
}
