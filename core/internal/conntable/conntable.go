// Package conntable holds the set of live connections of a server loop.
package conntable

import (
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/apernet/quicmux/core/engine"
)

const DefaultRetiredSize = 1024

// Table is an insertion-ordered collection of connection handles indexed by
// connection ID. It also remembers recently retired IDs so that late packets
// of a freed connection are not mistaken for new ones.
//
// Table is not safe for concurrent use; it belongs to one event loop.
type Table struct {
	handles []engine.Handle
	index   map[engine.ConnectionID]engine.Handle
	retired *lru.Cache[engine.ConnectionID, struct{}]
}

// New creates a table remembering up to retiredSize retired IDs.
// A non-positive retiredSize uses DefaultRetiredSize.
func New(retiredSize int) *Table {
	if retiredSize <= 0 {
		retiredSize = DefaultRetiredSize
	}
	retired, err := lru.New[engine.ConnectionID, struct{}](retiredSize)
	if err != nil {
		// Only possible with a non-positive size
		panic(err)
	}
	return &Table{
		index:   make(map[engine.ConnectionID]engine.Handle),
		retired: retired,
	}
}

// Insert appends h. The caller must have checked that h's ID is not present.
func (t *Table) Insert(h engine.Handle) {
	id := h.ID()
	if _, ok := t.index[id]; ok {
		panic("conntable: duplicate connection id " + id.String())
	}
	t.handles = append(t.handles, h)
	t.index[id] = h
	t.retired.Remove(id)
}

// Find returns the handle with the given ID, or nil.
func (t *Table) Find(id engine.ConnectionID) engine.Handle {
	return t.index[id]
}

// Remove removes h by identity, keeping the order of the remaining handles.
// It returns false if h is not in the table.
func (t *Table) Remove(h engine.Handle) bool {
	for i, e := range t.handles {
		if e != h {
			continue
		}
		copy(t.handles[i:], t.handles[i+1:])
		t.handles[len(t.handles)-1] = nil
		t.handles = t.handles[:len(t.handles)-1]
		id := h.ID()
		if t.index[id] == h {
			delete(t.index, id)
		}
		return true
	}
	return false
}

// Retire records id as belonging to a freed connection.
func (t *Table) Retire(id engine.ConnectionID) {
	t.retired.Add(id, struct{}{})
}

// Retired reports whether id belonged to a recently freed connection.
func (t *Table) Retired(id engine.ConnectionID) bool {
	return t.retired.Contains(id)
}

func (t *Table) Len() int {
	return len(t.handles)
}

// Handles returns the live handles in insertion order.
// The slice is owned by the table and is only valid until the next mutation.
func (t *Table) Handles() []engine.Handle {
	return t.handles
}
