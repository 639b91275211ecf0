package roo

import (
	"fmt"
	"sync"
)

// callTable is the socket's table of live calls, behind
// its own RWMutex so that routing an inbound message
// only takes a read lock. It never holds a call lock.
type callTable struct {
	mut sync.RWMutex
	m   map[RooId]*RooPC
}

func newCallTable() *callTable {
	return &callTable{
		m: make(map[RooId]*RooPC),
	}
}

// get returns the call for id.
func (t *callTable) get(id RooId) (r *RooPC, ok bool) {
	t.mut.RLock()
	r, ok = t.m[id]
	t.mut.RUnlock()
	return
}

func (t *callTable) len() (n int) {
	t.mut.RLock()
	n = len(t.m)
	t.mut.RUnlock()
	return
}

func (t *callTable) add(r *RooPC) {
	t.mut.Lock()
	t.m[r.id] = r
	t.mut.Unlock()
}

// remove deletes the call for id. ok is false
// if it was not in the table.
func (t *callTable) remove(id RooId) (ok bool) {
	t.mut.Lock()
	_, ok = t.m[id]
	if ok {
		delete(t.m, id)
	}
	t.mut.Unlock()
	return
}

// removeAll empties the table, returning what was in it.
func (t *callTable) removeAll() (calls []*RooPC) {
	t.mut.Lock()
	for _, r := range t.m {
		calls = append(calls, r)
	}
	clear(t.m)
	t.mut.Unlock()
	return
}

func (t *callTable) String() string {
	t.mut.RLock()
	defer t.mut.RUnlock()
	return fmt.Sprintf("callTable of len(%v)", len(t.m))
}
