package handles

import (
	"github.com/meszmate/telepathy/internal/intset"
)

// Set is a set of handles in which every member holds one reference under
// the set's owner token, keeping members valid while they are in the set.
type Set struct {
	repo  Repo
	owner Owner
	set   *intset.IntSet
}

// NewSet creates an empty set over repo.
func NewSet(repo Repo, owner Owner) *Set {
	return &Set{repo: repo, owner: owner, set: intset.New()}
}

// Repo returns the repository the set references handles in.
func (s *Set) Repo() Repo {
	return s.repo
}

// Add inserts h, taking a reference if it was not already a member.
func (s *Set) Add(h Handle) error {
	if s.set.IsMember(uint32(h)) {
		return nil
	}
	if err := s.repo.Ref(h, s.owner); err != nil {
		return err
	}
	s.set.Add(uint32(h))
	return nil
}

// Remove deletes h and releases its reference. It reports whether h was a
// member.
func (s *Set) Remove(h Handle) bool {
	if !s.set.Remove(uint32(h)) {
		return false
	}
	_ = s.repo.Unref(h, s.owner)
	return true
}

func (s *Set) IsMember(h Handle) bool {
	return s.set.IsMember(uint32(h))
}

func (s *Set) Size() int {
	return s.set.Size()
}

// Snapshot returns a copy of the members.
func (s *Set) Snapshot() *intset.IntSet {
	return s.set.Copy()
}

// Handles returns the members in ascending order.
func (s *Set) Handles() []Handle {
	return FromIntSet(s.set)
}

// Update adds every member of add and returns the handles that were not
// already present. Nothing changes if any handle in add is invalid.
func (s *Set) Update(add *intset.IntSet) (*intset.IntSet, error) {
	var invalid error
	add.ForEachFast(func(v uint32) {
		if invalid == nil && !s.set.IsMember(v) && !s.repo.IsValid(Handle(v)) {
			invalid = ValidateAll(s.repo, []Handle{Handle(v)}, false)
		}
	})
	if invalid != nil {
		return nil, invalid
	}

	added := intset.New()
	for _, v := range add.ToSlice() {
		if s.set.IsMember(v) {
			continue
		}
		if err := s.Add(Handle(v)); err != nil {
			return added, err
		}
		added.Add(v)
	}
	return added, nil
}

// DifferenceUpdate removes every member of remove and returns the handles
// that were actually present.
func (s *Set) DifferenceUpdate(remove *intset.IntSet) *intset.IntSet {
	removed := intset.New()
	remove.ForEachFast(func(v uint32) {
		if s.set.IsMember(v) {
			removed.Add(v)
		}
	})
	removed.ForEachFast(func(v uint32) {
		s.Remove(Handle(v))
	})
	return removed
}

// Clear removes every member.
func (s *Set) Clear() {
	s.DifferenceUpdate(s.set.Copy())
}

// ToIntSet converts handles to an IntSet.
func ToIntSet(hs []Handle) *intset.IntSet {
	s := intset.New()
	for _, h := range hs {
		s.Add(uint32(h))
	}
	return s
}

// FromIntSet converts an IntSet to handles in ascending order.
func FromIntSet(s *intset.IntSet) []Handle {
	values := s.ToSlice()
	out := make([]Handle, len(values))
	for i, v := range values {
		out[i] = Handle(v)
	}
	return out
}
