package connection

import (
	"github.com/meszmate/telepathy/internal/handles"
	"github.com/meszmate/telepathy/internal/tperror"
)

// HoldHandles makes client hold each handle until it releases it.
func (c *Connection) HoldHandles(client handles.Owner, t handles.Type, hs []handles.Handle) error {
	if err := c.requireConnected(); err != nil {
		return err
	}
	repo, err := c.repos.Get(t)
	if err != nil {
		return err
	}
	return handles.HoldAll(repo, hs, client)
}

// ReleaseHandles drops client's hold on each handle. Nothing is released
// unless client holds all of them.
func (c *Connection) ReleaseHandles(client handles.Owner, t handles.Type, hs []handles.Handle) error {
	if err := c.requireConnected(); err != nil {
		return err
	}
	repo, err := c.repos.Get(t)
	if err != nil {
		return err
	}
	return handles.ReleaseAll(repo, hs, client)
}

// InspectHandles returns the identifiers of hs.
func (c *Connection) InspectHandles(t handles.Type, hs []handles.Handle) ([]string, error) {
	if err := c.requireConnected(); err != nil {
		return nil, err
	}
	repo, err := c.repos.Get(t)
	if err != nil {
		return nil, err
	}
	return handles.InspectAll(repo, hs)
}

// RequestHandles interns ids and makes client hold the resulting handles.
// Nothing is held if any identifier is invalid.
func (c *Connection) RequestHandles(client handles.Owner, t handles.Type, ids []string) ([]handles.Handle, error) {
	if err := c.requireConnected(); err != nil {
		return nil, err
	}
	if client == "" {
		return nil, tperror.InvalidArgument("invalid client name")
	}
	repo, err := c.repos.Get(t)
	if err != nil {
		return nil, err
	}

	out := make([]handles.Handle, 0, len(ids))
	defer func() {
		for _, h := range out {
			_ = repo.Unref(h, requestOwner)
		}
	}()
	for _, id := range ids {
		h, err := repo.Ensure(id, requestOwner)
		if err != nil {
			return nil, err
		}
		out = append(out, h)
	}
	if err := handles.HoldAll(repo, out, client); err != nil {
		return nil, err
	}
	return append([]handles.Handle(nil), out...), nil
}

// requestOwner keeps freshly interned handles alive until the requesting
// client holds them.
const requestOwner handles.Owner = "<request-handles>"
