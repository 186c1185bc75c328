package group

import (
	"github.com/meszmate/telepathy/internal/events"
	"github.com/meszmate/telepathy/internal/handles"
	"github.com/meszmate/telepathy/internal/tperror"
)

// AddHandleOwner records that the channel-specific handle local belongs to
// the globally valid handle owner (0 if unknown).
func (s *State) AddHandleOwner(local, owner handles.Handle) error {
	return s.AddHandleOwners(map[handles.Handle]handles.Handle{local: owner})
}

// AddHandleOwners records several channel-specific handle owners and emits
// one HandleOwnersChanged.
func (s *State) AddHandleOwners(owners map[handles.Handle]handles.Handle) error {
	if len(owners) == 0 {
		return nil
	}
	for local, owner := range owners {
		if local == 0 {
			return tperror.InvalidHandle("channel-specific handle must not be 0")
		}
		if owner != 0 && !s.repo.IsValid(owner) {
			return tperror.InvalidHandle("owner handle %d is not valid", uint32(owner))
		}
	}

	added := make(map[handles.Handle]handles.Handle, len(owners))
	for local, owner := range owners {
		if owner != 0 {
			if err := s.repo.Ref(owner, s.owner); err != nil {
				return err
			}
		}
		if old, ok := s.handleOwners[local]; ok && old != 0 {
			_ = s.repo.Unref(old, s.owner)
		}
		s.handleOwners[local] = owner
		added[local] = owner
	}

	s.bus.Publish(events.Event{
		Type:   events.HandleOwnersChanged,
		Source: s.path,
		Data:   HandleOwnersChange{Added: added},
	})
	return nil
}

// HandleOwners returns the owner of each channel-specific member handle.
func (s *State) HandleOwners(hs []handles.Handle) ([]handles.Handle, error) {
	if s.flags&FlagChannelSpecificHandles == 0 {
		return nil, tperror.NotAvailable("channel doesn't have channel specific handles")
	}
	if err := handles.ValidateAll(s.repo, hs, false); err != nil {
		return nil, err
	}
	out := make([]handles.Handle, 0, len(hs))
	for _, h := range hs {
		if !s.members.IsMember(h) {
			return nil, tperror.InvalidArgument("handle %d is not a member", uint32(h))
		}
		out = append(out, s.handleOwners[h])
	}
	return out, nil
}

// dropHandleOwners forgets the owners of the given handles and returns the
// handles that had one.
func (s *State) dropHandleOwners(hs []handles.Handle) []handles.Handle {
	var dropped []handles.Handle
	for _, h := range hs {
		owner, ok := s.handleOwners[h]
		if !ok {
			continue
		}
		delete(s.handleOwners, h)
		if owner != 0 {
			_ = s.repo.Unref(owner, s.owner)
		}
		dropped = append(dropped, h)
	}
	return dropped
}
