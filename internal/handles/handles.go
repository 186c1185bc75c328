// Package handles implements the per-connection handle repositories that
// intern protocol identifiers (contact JIDs, room names, list names) as small
// integers and track which clients hold a reference to each one.
package handles

import (
	"fmt"

	"github.com/meszmate/telepathy/internal/tperror"
)

// Type is a category of handle.
type Type uint32

const (
	TypeNone Type = iota
	TypeContact
	TypeRoom
	TypeList
	TypeGroup

	NumTypes
)

// String returns the lowercase name of the handle type.
func (t Type) String() string {
	switch t {
	case TypeNone:
		return "none"
	case TypeContact:
		return "contact"
	case TypeRoom:
		return "room"
	case TypeList:
		return "list"
	case TypeGroup:
		return "group"
	default:
		return fmt.Sprintf("type#%d", uint32(t))
	}
}

// CheckType returns an InvalidArgument error unless t is a real handle type.
func CheckType(t Type) error {
	if t == TypeNone || t >= NumTypes {
		return tperror.InvalidArgument("invalid handle type %d", uint32(t))
	}
	return nil
}

// Handle is an interned identifier. Zero is never a valid handle.
type Handle uint32

// Owner identifies who holds a reference: a bus client's unique name, or an
// internal marker such as HeldForever.
type Owner string

// HeldForever pins a handle for the lifetime of its repository unless it is
// explicitly released with Unref(h, HeldForever).
const HeldForever Owner = "<held-forever>"

// Repo is a handle repository for one handle type of one connection.
//
// A handle is valid while at least one owner holds a reference to it. All
// mutation goes through this interface; callers never touch the interning
// table directly.
type Repo interface {
	Type() Type

	// Ensure interns id (after normalization) and adds a reference for
	// owner. It fails with InvalidArgument if id cannot be normalized.
	Ensure(id string, owner Owner) (Handle, error)
	// Lookup returns the live handle for id without adding a reference.
	Lookup(id string) (Handle, error)

	Ref(h Handle, owner Owner) error
	// Unref drops one reference held by owner. The handle is destroyed
	// when its last reference goes.
	Unref(h Handle, owner Owner) error
	HoldForever(h Handle) error
	IsHeldBy(h Handle, owner Owner) bool

	IsValid(h Handle) bool
	// Inspect returns the normalized identifier of h.
	Inspect(h Handle) (string, error)
}

// Repos holds one repository per handle type. Entries may be nil for types
// a connection does not support.
type Repos [NumTypes]Repo

// Get returns the repository for t.
func (r *Repos) Get(t Type) (Repo, error) {
	if err := CheckType(t); err != nil {
		return nil, err
	}
	repo := r[t]
	if repo == nil {
		return nil, tperror.NotImplemented("unsupported handle type %s", t)
	}
	return repo, nil
}

// ValidateAll checks every handle, stopping at the first invalid one.
func ValidateAll(repo Repo, hs []Handle, allowZero bool) error {
	for _, h := range hs {
		if h == 0 && allowZero {
			continue
		}
		if !repo.IsValid(h) {
			return tperror.InvalidHandle("handle %d is not currently a valid %s handle",
				uint32(h), repo.Type())
		}
	}
	return nil
}

// InspectAll returns the identifiers of hs, or an error if any is invalid.
func InspectAll(repo Repo, hs []Handle) ([]string, error) {
	if err := ValidateAll(repo, hs, false); err != nil {
		return nil, err
	}
	ids := make([]string, len(hs))
	for i, h := range hs {
		id, err := repo.Inspect(h)
		if err != nil {
			return nil, err
		}
		ids[i] = id
	}
	return ids, nil
}

// HoldAll makes owner hold each handle in hs. Holding is idempotent per
// owner. Nothing changes if any handle is invalid.
func HoldAll(repo Repo, hs []Handle, owner Owner) error {
	if owner == "" {
		return tperror.InvalidArgument("invalid client name")
	}
	if err := ValidateAll(repo, hs, false); err != nil {
		return err
	}
	for _, h := range hs {
		if repo.IsHeldBy(h, owner) {
			continue
		}
		if err := repo.Ref(h, owner); err != nil {
			return err
		}
	}
	return nil
}

// ReleaseAll drops owner's hold on each handle in hs. Nothing changes unless
// owner holds every handle.
func ReleaseAll(repo Repo, hs []Handle, owner Owner) error {
	if owner == "" {
		return tperror.InvalidArgument("invalid client name")
	}
	if err := ValidateAll(repo, hs, false); err != nil {
		return err
	}
	for _, h := range hs {
		if !repo.IsHeldBy(h, owner) {
			return tperror.NotAvailable("client %s is not holding handle %d", owner, uint32(h))
		}
	}
	released := make(map[Handle]bool, len(hs))
	for _, h := range hs {
		if released[h] {
			continue
		}
		released[h] = true
		if err := repo.Unref(h, owner); err != nil {
			return err
		}
	}
	return nil
}
