package handles

import (
	"github.com/meszmate/telepathy/internal/tperror"
)

// StaticRepo holds a fixed list of identifiers, numbered from 1 in the order
// given. Every handle is permanently valid, so reference counting is a
// no-op.
type StaticRepo struct {
	handleType Type
	ids        []string
}

// NewStaticRepo creates a repository for t over ids.
func NewStaticRepo(t Type, ids []string) *StaticRepo {
	return &StaticRepo{handleType: t, ids: append([]string(nil), ids...)}
}

func (r *StaticRepo) Type() Type {
	return r.handleType
}

func (r *StaticRepo) lookup(id string) (Handle, bool) {
	for i, known := range r.ids {
		if known == id {
			return Handle(i + 1), true
		}
	}
	return 0, false
}

func (r *StaticRepo) Ensure(id string, owner Owner) (Handle, error) {
	h, ok := r.lookup(id)
	if !ok {
		return 0, tperror.InvalidArgument("%q is not one of the valid %s handles", id, r.handleType)
	}
	return h, nil
}

func (r *StaticRepo) Lookup(id string) (Handle, error) {
	h, ok := r.lookup(id)
	if !ok {
		return 0, tperror.NotAvailable("%q is not one of the valid %s handles", id, r.handleType)
	}
	return h, nil
}

func (r *StaticRepo) check(h Handle) error {
	if !r.IsValid(h) {
		return tperror.InvalidHandle("handle %d is not a valid %s handle", uint32(h), r.handleType)
	}
	return nil
}

func (r *StaticRepo) Ref(h Handle, owner Owner) error { return r.check(h) }
func (r *StaticRepo) Unref(h Handle, owner Owner) error { return r.check(h) }
func (r *StaticRepo) HoldForever(h Handle) error { return r.check(h) }

func (r *StaticRepo) IsHeldBy(h Handle, owner Owner) bool {
	return r.IsValid(h)
}

func (r *StaticRepo) IsValid(h Handle) bool {
	return h >= 1 && int(h) <= len(r.ids)
}

func (r *StaticRepo) Inspect(h Handle) (string, error) {
	if err := r.check(h); err != nil {
		return "", err
	}
	return r.ids[h-1], nil
}
