// Package intset implements a sparse set of unsigned integers.
//
// Members are stored as 32-bit words keyed by value>>5, so memory use is
// proportional to the number of distinct words touched rather than to the
// largest member. The set is not safe for concurrent mutation.
package intset

import (
	"math/bits"
	"sort"
	"strconv"
	"strings"
)

const (
	wordShift = 5
	wordBits  = 1 << wordShift
	lowMask   = wordBits - 1
)

// IntSet is a set of uint32 values.
type IntSet struct {
	words map[uint32]uint32
	// largestEver is an upper bound on every member ever inserted. Remove
	// never lowers it.
	largestEver uint32
	size        int
}

// New returns an empty set.
func New() *IntSet {
	return &IntSet{words: make(map[uint32]uint32)}
}

// NewContaining returns a set holding exactly v.
func NewContaining(v uint32) *IntSet {
	s := New()
	s.Add(v)
	return s
}

// FromSlice returns a set holding every element of values.
func FromSlice(values []uint32) *IntSet {
	s := New()
	for _, v := range values {
		s.Add(v)
	}
	return s
}

func (s *IntSet) mustBeValid(op string) {
	if s == nil || s.words == nil {
		panic("intset: " + op + " called on a nil or uninitialized IntSet")
	}
}

// Add inserts v. It reports whether v was not already present.
func (s *IntSet) Add(v uint32) bool {
	s.mustBeValid("Add")

	key := v >> wordShift
	bit := uint32(1) << (v & lowMask)
	word := s.words[key]
	if word&bit != 0 {
		return false
	}
	s.words[key] = word | bit
	s.size++

	if upper := v | lowMask; upper > s.largestEver {
		s.largestEver = upper
	}
	return true
}

// Remove deletes v and reports whether it was present.
func (s *IntSet) Remove(v uint32) bool {
	s.mustBeValid("Remove")

	key := v >> wordShift
	bit := uint32(1) << (v & lowMask)
	word, ok := s.words[key]
	if !ok || word&bit == 0 {
		return false
	}
	word &^= bit
	if word == 0 {
		delete(s.words, key)
	} else {
		s.words[key] = word
	}
	s.size--
	return true
}

// IsMember reports whether v is in the set.
func (s *IntSet) IsMember(v uint32) bool {
	s.mustBeValid("IsMember")
	return s.words[v>>wordShift]&(1<<(v&lowMask)) != 0
}

// Size returns the number of members.
func (s *IntSet) Size() int {
	s.mustBeValid("Size")
	return s.size
}

// IsEmpty reports whether the set has no members.
func (s *IntSet) IsEmpty() bool {
	s.mustBeValid("IsEmpty")
	return s.size == 0
}

// LargestEver returns the high-water mark used to bound ordered iteration.
func (s *IntSet) LargestEver() uint32 {
	s.mustBeValid("LargestEver")
	return s.largestEver
}

// Clear removes every member. The high-water mark is kept.
func (s *IntSet) Clear() {
	s.mustBeValid("Clear")
	s.words = make(map[uint32]uint32)
	s.size = 0
}

// Copy returns an independent copy of s.
func (s *IntSet) Copy() *IntSet {
	s.mustBeValid("Copy")
	c := &IntSet{
		words:       make(map[uint32]uint32, len(s.words)),
		largestEver: s.largestEver,
		size:        s.size,
	}
	for k, w := range s.words {
		c.words[k] = w
	}
	return c
}

// Equal reports whether s and other have the same members.
func (s *IntSet) Equal(other *IntSet) bool {
	s.mustBeValid("Equal")
	other.mustBeValid("Equal")

	if s.size != other.size || len(s.words) != len(other.words) {
		return false
	}
	for k, w := range s.words {
		if other.words[k] != w {
			return false
		}
	}
	return true
}

// Union returns a new set holding the members of either set.
func (s *IntSet) Union(other *IntSet) *IntSet {
	s.mustBeValid("Union")
	other.mustBeValid("Union")

	out := s.Copy()
	for k, w := range other.words {
		out.words[k] |= w
	}
	if other.largestEver > out.largestEver {
		out.largestEver = other.largestEver
	}
	out.recount()
	return out
}

// Intersection returns a new set holding the members common to both sets.
func (s *IntSet) Intersection(other *IntSet) *IntSet {
	s.mustBeValid("Intersection")
	other.mustBeValid("Intersection")

	small, large := s, other
	if len(large.words) < len(small.words) {
		small, large = large, small
	}

	out := New()
	for k, w := range small.words {
		if both := w & large.words[k]; both != 0 {
			out.words[k] = both
			out.noteWord(k)
		}
	}
	out.recount()
	return out
}

// Difference returns a new set holding the members of s not in other.
func (s *IntSet) Difference(other *IntSet) *IntSet {
	s.mustBeValid("Difference")
	other.mustBeValid("Difference")

	out := New()
	for k, w := range s.words {
		if rest := w &^ other.words[k]; rest != 0 {
			out.words[k] = rest
			out.noteWord(k)
		}
	}
	out.recount()
	return out
}

// SymmetricDifference returns a new set holding the members in exactly one
// of the two sets.
func (s *IntSet) SymmetricDifference(other *IntSet) *IntSet {
	s.mustBeValid("SymmetricDifference")
	other.mustBeValid("SymmetricDifference")

	out := New()
	for k, w := range s.words {
		if x := w ^ other.words[k]; x != 0 {
			out.words[k] = x
			out.noteWord(k)
		}
	}
	for k, w := range other.words {
		if _, seen := s.words[k]; seen {
			continue
		}
		out.words[k] = w
		out.noteWord(k)
	}
	out.recount()
	return out
}

func (s *IntSet) noteWord(key uint32) {
	if upper := key<<wordShift | lowMask; upper > s.largestEver {
		s.largestEver = upper
	}
}

func (s *IntSet) recount() {
	n := 0
	for _, w := range s.words {
		n += bits.OnesCount32(w)
	}
	s.size = n
}

// sortedKeys returns the word keys in ascending order.
func (s *IntSet) sortedKeys() []uint32 {
	keys := make([]uint32, 0, len(s.words))
	for k := range s.words {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	return keys
}

// ForEach calls fn for every member in ascending order.
func (s *IntSet) ForEach(fn func(v uint32)) {
	s.mustBeValid("ForEach")
	it := s.Iter()
	for it.Next() {
		fn(it.Value())
	}
}

// ForEachFast calls fn for every member in unspecified order. fn must not
// modify s.
func (s *IntSet) ForEachFast(fn func(v uint32)) {
	s.mustBeValid("ForEachFast")
	for k, w := range s.words {
		for w != 0 {
			low := uint32(bits.TrailingZeros32(w))
			fn(k<<wordShift | low)
			w &^= 1 << low
		}
	}
}

// ToSlice returns the members in ascending order.
func (s *IntSet) ToSlice() []uint32 {
	s.mustBeValid("ToSlice")
	out := make([]uint32, 0, s.size)
	s.ForEach(func(v uint32) { out = append(out, v) })
	return out
}

// String renders the members in ascending order, space separated.
func (s *IntSet) String() string {
	if s == nil {
		return "<nil>"
	}
	var b strings.Builder
	s.ForEach(func(v uint32) {
		if b.Len() > 0 {
			b.WriteByte(' ')
		}
		b.WriteString(strconv.FormatUint(uint64(v), 10))
	})
	return b.String()
}

// Iter walks a set in ascending order. It is invalidated by any
// modification of the set.
type Iter struct {
	set   *IntSet
	keys  []uint32
	ki    int
	word  uint32
	base  uint32
	value uint32
}

// Iter returns an ascending-order iterator positioned before the first
// member.
func (s *IntSet) Iter() *Iter {
	s.mustBeValid("Iter")
	return &Iter{set: s, keys: s.sortedKeys()}
}

// Next advances to the next member and reports whether there was one.
func (it *Iter) Next() bool {
	for it.word == 0 {
		if it.ki >= len(it.keys) {
			return false
		}
		key := it.keys[it.ki]
		it.ki++
		if key<<wordShift > it.set.largestEver {
			return false
		}
		it.word = it.set.words[key]
		it.base = key << wordShift
	}
	low := uint32(bits.TrailingZeros32(it.word))
	it.word &^= 1 << low
	it.value = it.base | low
	return true
}

// Value returns the member the iterator is positioned on.
func (it *Iter) Value() uint32 {
	return it.value
}
