package roo

import (
	"fmt"
	"iter"

	rb "github.com/glycerine/rbtree"
)

// omap is a deterministic map. Unlike Go's
// builtin map, an omap range-iterates in key
// order, which gives reproducible ping order
// and reproducible test runs. get/set/delete
// are O(log n) per the underlying red-black tree.
//
// Keys need not be cmp.Ordered; the caller
// supplies the comparison, so the composite
// ids (BranchId, ResponseId, RooId) can be keys.
//
// Like the built-in map, omap does no
// internal locking, and is not goroutine safe.
type omap[K any, V any] struct {
	tree *rb.Tree
}

type okv[K any, V any] struct {
	key K
	val V
}

// newOmap makes a new omap ordered by compare.
func newOmap[K any, V any](compare func(a, b K) int) *omap[K, V] {
	return &omap[K, V]{
		tree: rb.NewTree(func(a, b rb.Item) int {
			return compare(a.(*okv[K, V]).key, b.(*okv[K, V]).key)
		}),
	}
}

// Len returns the number of keys stored in the omap.
func (s *omap[K, V]) Len() int {
	return s.tree.Len()
}

func (s *omap[K, V]) String() (r string) {
	r = "omap{"
	extra := ""
	for k, v := range s.all() {
		r += fmt.Sprintf("%v%v:%v", extra, k, v)
		extra = ", "
	}
	return r + "}"
}

// set is an upsert. It does an insert if the key is
// not already present returning newlyAdded true;
// otherwise it updates the current key's value in place.
func (s *omap[K, V]) set(key K, val V) (newlyAdded bool) {
	query := &okv[K, V]{key: key, val: val}
	it, found := s.tree.FindGE_isEqual(query)
	if found {
		it.Item().(*okv[K, V]).val = val
		return
	}
	s.tree.InsertGetIt(query)
	return true
}

// get2 returns the val corresponding to key.
// found will be false iff the key was not present.
func (s *omap[K, V]) get2(key K) (val V, found bool) {
	query := &okv[K, V]{key: key}
	it, found := s.tree.FindGE_isEqual(query)
	if found {
		val = it.Item().(*okv[K, V]).val
	}
	return
}

// delkey deletes a key from the omap, if present.
func (s *omap[K, V]) delkey(key K) (found bool) {
	query := &okv[K, V]{key: key}
	it, found := s.tree.FindGE_isEqual(query)
	if found {
		s.tree.DeleteWithIterator(it)
	}
	return
}

// deleteAll clears the tree in O(1) time.
func (s *omap[K, V]) deleteAll() {
	s.tree.DeleteAll()
}

// all iterates in key order. The iterator is advanced
// before yielding, so the current key may be deleted
// from inside the loop.
func (s *omap[K, V]) all() iter.Seq2[K, V] {
	return func(yield func(K, V) bool) {
		it := s.tree.Min()
		for !it.Limit() {
			kv := it.Item().(*okv[K, V])
			it = it.Next()
			if !yield(kv.key, kv.val) {
				return
			}
		}
	}
}

// vals returns the values in key order.
func (s *omap[K, V]) vals() (slc []V) {
	for _, v := range s.all() {
		slc = append(slc, v)
	}
	return
}
