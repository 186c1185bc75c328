package group

import (
	"github.com/meszmate/telepathy/internal/events"
	"github.com/meszmate/telepathy/internal/handles"
	"github.com/meszmate/telepathy/internal/intset"
	"github.com/meszmate/telepathy/internal/tperror"
)

func orEmpty(s *intset.IntSet) *intset.IntSet {
	if s == nil {
		return intset.New()
	}
	return s
}

func (s *State) validate(set *intset.IntSet) error {
	return handles.ValidateAll(s.repo, handles.FromIntSet(set), false)
}

// ChangeMembers applies one membership transition and emits a single
// MembersChanged covering it, annotated with message, actor and reason.
//
// Handles in add become members, handles in remove leave the group, and
// handles in localPending or remotePending move to that set, whatever set
// they were in before. A handle may appear in at most one of the four
// inputs; a handle that is already where it is asked to go produces no
// change. It reports whether anything changed.
func (s *State) ChangeMembers(message string, add, remove, localPending, remotePending *intset.IntSet,
	actor handles.Handle, reason Reason) (bool, error) {
	add = orEmpty(add)
	remove = orEmpty(remove)
	localPending = orEmpty(localPending)
	remotePending = orEmpty(remotePending)

	inputs := []struct {
		name string
		set  *intset.IntSet
	}{
		{"add", add},
		{"remove", remove},
		{"local-pending", localPending},
		{"remote-pending", remotePending},
	}
	for i := range inputs {
		for j := i + 1; j < len(inputs); j++ {
			if both := inputs[i].set.Intersection(inputs[j].set); !both.IsEmpty() {
				return false, tperror.InvalidArgument("handles %s appear in both %s and %s",
					both, inputs[i].name, inputs[j].name)
			}
		}
	}

	for _, in := range inputs {
		if in.set == remove {
			continue
		}
		if err := s.validate(in.set); err != nil {
			return false, err
		}
	}
	var staleRemoval error
	remove.ForEach(func(v uint32) {
		h := handles.Handle(v)
		if staleRemoval == nil && !s.inAnySet(h) && !s.repo.IsValid(h) {
			staleRemoval = handles.ValidateAll(s.repo, []handles.Handle{h}, false)
		}
	})
	if staleRemoval != nil {
		return false, staleRemoval
	}
	if actor != 0 {
		if err := s.actors.Add(actor); err != nil {
			return false, err
		}
	}

	// Targets take their references before any source releases one, so a
	// handle the group alone holds survives moving between sets.
	added, err := s.members.Update(add)
	if err != nil {
		return false, err
	}
	newLocal, err := s.localPending.Update(localPending)
	if err != nil {
		s.members.DifferenceUpdate(added)
		return false, err
	}
	newRemote, err := s.remotePending.Update(remotePending)
	if err != nil {
		s.members.DifferenceUpdate(added)
		s.localPending.DifferenceUpdate(newLocal)
		return false, err
	}
	newLocal.ForEachFast(func(v uint32) {
		h := handles.Handle(v)
		s.localPendingInfo[h] = LocalPendingInfo{Handle: h, Actor: actor, Reason: reason, Message: message}
	})

	removed := s.members.DifferenceUpdate(remove)
	s.members.DifferenceUpdate(localPending)
	s.members.DifferenceUpdate(remotePending)

	s.forgetLocalPending(s.localPending.DifferenceUpdate(add))
	leftLocal := s.localPending.DifferenceUpdate(remove)
	s.forgetLocalPending(leftLocal)
	removed = removed.Union(leftLocal)
	s.forgetLocalPending(s.localPending.DifferenceUpdate(remotePending))

	s.remotePending.DifferenceUpdate(add)
	removed = removed.Union(s.remotePending.DifferenceUpdate(remove))
	s.remotePending.DifferenceUpdate(localPending)

	if added.IsEmpty() && removed.IsEmpty() && newLocal.IsEmpty() && newRemote.IsEmpty() {
		s.log.Debug("not emitting members changed, nothing changed")
		return false, nil
	}

	change := MembersChange{
		Message:       message,
		Added:         handles.FromIntSet(added),
		Removed:       handles.FromIntSet(removed),
		LocalPending:  handles.FromIntSet(newLocal),
		RemotePending: handles.FromIntSet(newRemote),
		Actor:         actor,
		Reason:        reason,
	}
	ownersRemoved := s.dropHandleOwners(change.Removed)

	s.log.Debug("members changed: +%v -%v local+%v remote+%v actor %d reason %s",
		change.Added, change.Removed, change.LocalPending, change.RemotePending, uint32(actor), reason)
	s.bus.Publish(events.Event{Type: events.MembersChanged, Source: s.path, Data: change})

	if len(ownersRemoved) > 0 {
		s.bus.Publish(events.Event{
			Type:   events.HandleOwnersChanged,
			Source: s.path,
			Data:   HandleOwnersChange{Added: map[handles.Handle]handles.Handle{}, Removed: ownersRemoved},
		})
	}
	return true, nil
}

func (s *State) inAnySet(h handles.Handle) bool {
	return s.members.IsMember(h) || s.localPending.IsMember(h) || s.remotePending.IsMember(h)
}

func (s *State) forgetLocalPending(gone *intset.IntSet) {
	gone.ForEachFast(func(v uint32) {
		delete(s.localPendingInfo, handles.Handle(v))
	})
}

// AddMembers asks for hs to be added to the group, as if by user action.
// The AddMember hook runs for each handle that is not already a member; it
// is the hook's job to call ChangeMembers once the protocol agrees.
func (s *State) AddMembers(hs []handles.Handle, message string) error {
	if err := handles.ValidateAll(s.repo, hs, false); err != nil {
		return err
	}

	for _, h := range hs {
		if s.flags&FlagCanAdd == 0 && !s.members.IsMember(h) && !s.localPending.IsMember(h) {
			return tperror.PermissionDenied("handle %d cannot be added to members without CanAdd", uint32(h))
		}
	}

	for _, h := range hs {
		if s.members.IsMember(h) {
			s.log.Debug("handle %d is already a member, skipping", uint32(h))
			continue
		}
		if s.hooks.AddMember == nil {
			return tperror.NotImplemented("adding members to this group is not possible")
		}
		if err := s.hooks.AddMember(h, message); err != nil {
			return err
		}
	}
	return nil
}

// RemoveMembers asks for hs to be removed from the group.
func (s *State) RemoveMembers(hs []handles.Handle, message string) error {
	return s.RemoveMembersWithReason(hs, message, ReasonNone)
}

// RemoveMembersWithReason asks for hs to be removed from the group, giving
// reason to the protocol. Handles that are in no set are skipped.
func (s *State) RemoveMembersWithReason(hs []handles.Handle, message string, reason Reason) error {
	if err := handles.ValidateAll(s.repo, hs, false); err != nil {
		return err
	}

	for _, h := range hs {
		switch {
		case s.allowSelfRemoval && h == s.selfHandle && s.inAnySet(h):
			// leaving is always allowed
		case s.members.IsMember(h):
			if s.flags&FlagCanRemove == 0 {
				return tperror.PermissionDenied("handle %d cannot be removed from members without CanRemove", uint32(h))
			}
		case s.remotePending.IsMember(h):
			if s.flags&FlagCanRescind == 0 {
				return tperror.PermissionDenied("handle %d cannot be removed from remote pending without CanRescind", uint32(h))
			}
		case !s.localPending.IsMember(h):
			s.log.Debug("handle %d is not a current or pending member", uint32(h))
		}
	}

	for _, h := range hs {
		if !s.inAnySet(h) {
			continue
		}
		switch {
		case s.hooks.RemoveMemberWithReason != nil:
			if err := s.hooks.RemoveMemberWithReason(h, message, reason); err != nil {
				return err
			}
		case s.hooks.RemoveMember != nil:
			if err := s.hooks.RemoveMember(h, message); err != nil {
				return err
			}
		default:
			return tperror.NotImplemented("removing members from this group is not possible")
		}
	}
	return nil
}
