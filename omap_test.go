package roo

import (
	"cmp"
	"testing"
)

func TestOmap(t *testing.T) {
	m := newOmap[int, int](cmp.Compare[int])

	for i := range 9 {
		if !m.set(8-i, 8-i) {
			t.Fatalf("expected %v to be newly added", 8-i)
		}
	}
	if m.set(4, 4) {
		t.Fatalf("second set of 4 should update, not add")
	}
	i := 0
	for k, j := range m.all() {
		if j != i {
			t.Fatalf("expected val %v, got %v for k='%v'", i, j, k)
		}
		i++
	}
	// delete odds over 2, from inside the range.
	for k := range m.all() {
		if k > 2 && k%2 == 1 {
			m.delkey(k)
		}
	}
	ne := m.Len()
	if ne != 6 {
		t.Fatalf("expected 6 now, have %v", ne)
	}

	expect := []int{0, 1, 2, 4, 6, 8} // , deleted 3,5,7
	got := m.vals()
	if len(got) != len(expect) {
		t.Fatalf("expected '%v', got '%v'", expect, got)
	}
	for i := range expect {
		if got[i] != expect[i] {
			t.Fatalf("expected val %v, got %v at %v", expect[i], got[i], i)
		}
	}
	if _, found := m.get2(3); found {
		t.Fatalf("3 should be gone")
	}
	if v, found := m.get2(6); !found || v != 6 {
		t.Fatalf("expected 6 -> 6, got %v, %v", v, found)
	}
	m.deleteAll()
	if m.Len() != 0 {
		t.Fatalf("expected empty after deleteAll, have %v", m.Len())
	}
}

func TestOmapBranchOrder(t *testing.T) {
	m := newOmap[BranchId, bool](compareBranchId)
	a := TaskId{Socket: 1, Seq: 9}
	b := TaskId{Socket: 2, Seq: 1}
	m.set(BranchId{Task: b, Index: 0}, true)
	m.set(BranchId{Task: a, Index: 3}, false)
	m.set(BranchId{Task: a, Index: 1}, true)

	want := []BranchId{{a, 1}, {a, 3}, {b, 0}}
	i := 0
	for k := range m.all() {
		if k != want[i] {
			t.Fatalf("at %v expected %v, got %v", i, want[i], k)
		}
		i++
	}
}
