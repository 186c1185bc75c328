package handles

import (
	"sync"

	"github.com/meszmate/telepathy/internal/intset"
	"github.com/meszmate/telepathy/internal/tperror"
)

// Normalizer maps a protocol identifier to its canonical form, or fails if
// the identifier is malformed.
type Normalizer func(id string) (string, error)

type entry struct {
	id     string
	owners map[Owner]int
}

// DynamicRepo interns arbitrary identifiers on demand. Freed handle numbers
// are reused lowest-first.
type DynamicRepo struct {
	mu         sync.Mutex
	handleType Type
	normalize  Normalizer
	byID       map[string]Handle
	entries    map[Handle]*entry
	free       *intset.IntSet
	next       Handle
}

// NewDynamicRepo creates a repository for t. normalize may be nil, in which
// case identifiers are used verbatim but must be non-empty.
func NewDynamicRepo(t Type, normalize Normalizer) *DynamicRepo {
	return &DynamicRepo{
		handleType: t,
		normalize:  normalize,
		byID:       make(map[string]Handle),
		entries:    make(map[Handle]*entry),
		free:       intset.New(),
		next:       1,
	}
}

func (r *DynamicRepo) Type() Type {
	return r.handleType
}

func (r *DynamicRepo) normalizeID(id string) (string, error) {
	if r.normalize == nil {
		if id == "" {
			return "", tperror.InvalidArgument("empty %s identifier", r.handleType)
		}
		return id, nil
	}
	normal, err := r.normalize(id)
	if err != nil {
		return "", tperror.InvalidArgument("invalid %s identifier %q", r.handleType, id).WithCause(err)
	}
	return normal, nil
}

func (r *DynamicRepo) alloc() Handle {
	it := r.free.Iter()
	if it.Next() {
		h := it.Value()
		r.free.Remove(h)
		return Handle(h)
	}
	h := r.next
	r.next++
	return h
}

func (r *DynamicRepo) Ensure(id string, owner Owner) (Handle, error) {
	if owner == "" {
		return 0, tperror.InvalidArgument("invalid client name")
	}
	normal, err := r.normalizeID(id)
	if err != nil {
		return 0, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if h, ok := r.byID[normal]; ok {
		r.entries[h].owners[owner]++
		return h, nil
	}

	h := r.alloc()
	r.entries[h] = &entry{id: normal, owners: map[Owner]int{owner: 1}}
	r.byID[normal] = h
	return h, nil
}

// LookupExact returns the handle for id without normalizing it. It is meant
// for normalizers that need to know whether an identifier is already known.
func (r *DynamicRepo) LookupExact(id string) Handle {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.byID[id]
}

func (r *DynamicRepo) Lookup(id string) (Handle, error) {
	normal, err := r.normalizeID(id)
	if err != nil {
		return 0, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	h, ok := r.byID[normal]
	if !ok {
		return 0, tperror.NotAvailable("no %s handle currently exists for %q", r.handleType, normal)
	}
	return h, nil
}

func (r *DynamicRepo) lookupEntry(h Handle) (*entry, error) {
	e, ok := r.entries[h]
	if !ok {
		return nil, tperror.InvalidHandle("handle %d is not currently a valid %s handle",
			uint32(h), r.handleType)
	}
	return e, nil
}

func (r *DynamicRepo) Ref(h Handle, owner Owner) error {
	if owner == "" {
		return tperror.InvalidArgument("invalid client name")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	e, err := r.lookupEntry(h)
	if err != nil {
		return err
	}
	e.owners[owner]++
	return nil
}

func (r *DynamicRepo) Unref(h Handle, owner Owner) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, err := r.lookupEntry(h)
	if err != nil {
		return err
	}
	n, ok := e.owners[owner]
	if !ok {
		return tperror.NotAvailable("%s is not holding %s handle %d", owner, r.handleType, uint32(h))
	}
	if n > 1 {
		e.owners[owner] = n - 1
		return nil
	}
	delete(e.owners, owner)
	if len(e.owners) == 0 {
		delete(r.entries, h)
		delete(r.byID, e.id)
		r.free.Add(uint32(h))
	}
	return nil
}

func (r *DynamicRepo) HoldForever(h Handle) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, err := r.lookupEntry(h)
	if err != nil {
		return err
	}
	if e.owners[HeldForever] == 0 {
		e.owners[HeldForever] = 1
	}
	return nil
}

func (r *DynamicRepo) IsHeldBy(h Handle, owner Owner) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[h]
	return ok && e.owners[owner] > 0
}

func (r *DynamicRepo) IsValid(h Handle) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	_, ok := r.entries[h]
	return ok
}

func (r *DynamicRepo) Inspect(h Handle) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, err := r.lookupEntry(h)
	if err != nil {
		return "", err
	}
	return e.id, nil
}

// Len returns the number of live handles.
func (r *DynamicRepo) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}
