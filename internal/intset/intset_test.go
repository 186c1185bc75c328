package intset

import (
	"math/rand"
	"testing"
)

func randomSet(r *rand.Rand, n int, max uint32) *IntSet {
	s := New()
	for i := 0; i < n; i++ {
		s.Add(uint32(r.Int63n(int64(max))))
	}
	return s
}

func TestAddRemoveMembership(t *testing.T) {
	s := New()
	if !s.IsEmpty() {
		t.Fatalf("expected new set to be empty")
	}

	if !s.Add(5) {
		t.Fatalf("expected first Add(5) to report insertion")
	}
	if s.Add(5) {
		t.Fatalf("expected second Add(5) to report no change")
	}
	s.Add(1 << 31)
	s.Add(0)

	if s.Size() != 3 {
		t.Fatalf("expected size 3, got %d", s.Size())
	}
	if !s.IsMember(1<<31) || !s.IsMember(0) || s.IsMember(6) {
		t.Fatalf("unexpected membership: %s", s)
	}

	if !s.Remove(5) {
		t.Fatalf("expected Remove(5) to report removal")
	}
	if s.Remove(5) {
		t.Fatalf("expected second Remove(5) to report nothing removed")
	}
	if s.Size() != 2 {
		t.Fatalf("expected size 2, got %d", s.Size())
	}
}

func TestLargestEverNeverShrinks(t *testing.T) {
	s := New()
	s.Add(100)
	before := s.LargestEver()
	if before < 100 {
		t.Fatalf("largestEver %d underestimates 100", before)
	}
	s.Remove(100)
	if s.LargestEver() != before {
		t.Fatalf("expected largestEver to stay %d after remove, got %d", before, s.LargestEver())
	}
}

func TestSparseStorage(t *testing.T) {
	s := New()
	s.Add(3)
	s.Add(4_000_000_000)
	if len(s.words) != 2 {
		t.Fatalf("expected two words for two distant members, got %d", len(s.words))
	}
	got := s.ToSlice()
	if len(got) != 2 || got[0] != 3 || got[1] != 4_000_000_000 {
		t.Fatalf("unexpected ordered members: %v", got)
	}
}

func TestOrderedIteration(t *testing.T) {
	s := FromSlice([]uint32{70, 2, 33, 31, 32, 1000, 2})
	want := []uint32{2, 31, 32, 33, 70, 1000}

	var got []uint32
	it := s.Iter()
	for it.Next() {
		got = append(got, it.Value())
	}
	if len(got) != len(want) {
		t.Fatalf("expected %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("expected %v, got %v", want, got)
		}
	}
	if s.String() != "2 31 32 33 70 1000" {
		t.Fatalf("unexpected dump %q", s.String())
	}
}

func TestFastIterationVisitsEveryMemberOnce(t *testing.T) {
	s := FromSlice([]uint32{1, 64, 65, 99999})
	seen := map[uint32]int{}
	s.ForEachFast(func(v uint32) { seen[v]++ })
	if len(seen) != 4 {
		t.Fatalf("expected 4 distinct members, got %v", seen)
	}
	for v, n := range seen {
		if n != 1 || !s.IsMember(v) {
			t.Fatalf("member %d visited %d times", v, n)
		}
	}
}

func TestAlgebraProperties(t *testing.T) {
	r := rand.New(rand.NewSource(42))
	for i := 0; i < 200; i++ {
		a := randomSet(r, r.Intn(50), 300)
		b := randomSet(r, r.Intn(50), 300)

		union := a.Union(b)
		inter := a.Intersection(b)

		if !union.Equal(b.Union(a)) {
			t.Fatalf("union not commutative: %s vs %s", a, b)
		}
		if union.Size()+inter.Size() != a.Size()+b.Size() {
			t.Fatalf("inclusion-exclusion failed for %s and %s", a, b)
		}
		for x := uint32(0); x < 300; x++ {
			if inter.IsMember(x) != (a.IsMember(x) && b.IsMember(x)) {
				t.Fatalf("intersection membership wrong for %d", x)
			}
			if a.Difference(b).IsMember(x) != (a.IsMember(x) && !b.IsMember(x)) {
				t.Fatalf("difference membership wrong for %d", x)
			}
			if a.SymmetricDifference(b).IsMember(x) != (a.IsMember(x) != b.IsMember(x)) {
				t.Fatalf("symmetric difference membership wrong for %d", x)
			}
		}
		if !FromSlice(a.ToSlice()).Equal(a) {
			t.Fatalf("round trip through slice lost members of %s", a)
		}
	}
}

func TestCopyIsIndependent(t *testing.T) {
	a := FromSlice([]uint32{1, 2, 3})
	b := a.Copy()
	b.Add(4)
	a.Remove(1)
	if a.IsMember(4) || !b.IsMember(1) {
		t.Fatalf("copy shares storage: a=%s b=%s", a, b)
	}
}

func TestNilSetPanics(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatalf("expected a panic for a nil set")
		}
	}()
	var s *IntSet
	s.Add(1)
}
