// Package group implements the membership state machine shared by every
// channel with group semantics (contact lists, chat rooms).
//
// A channel embeds a *State and forwards its group methods to it. Members,
// local-pending and remote-pending are kept pairwise disjoint, and every
// handle in them holds a reference in the channel's handle repository.
package group

import (
	"fmt"
	"strings"

	"github.com/meszmate/telepathy/internal/events"
	"github.com/meszmate/telepathy/internal/handles"
	"github.com/meszmate/telepathy/internal/intset"
	"github.com/meszmate/telepathy/internal/logging"
)

// Flags describe what a group allows.
type Flags uint32

const (
	FlagCanAdd Flags = 1 << iota
	FlagCanRemove
	FlagCanRescind
	FlagMessageAdd
	FlagMessageRemove
	FlagMessageAccept
	FlagMessageReject
	FlagMessageRescind
	FlagChannelSpecificHandles
	FlagOnlyOneGroup
	FlagHandleOwnersNotAvailable
	FlagProperties
	FlagMembersChangedDetailed
)

var flagNames = []struct {
	flag Flags
	name string
}{
	{FlagCanAdd, "CanAdd"},
	{FlagCanRemove, "CanRemove"},
	{FlagCanRescind, "CanRescind"},
	{FlagMessageAdd, "MessageAdd"},
	{FlagMessageRemove, "MessageRemove"},
	{FlagMessageAccept, "MessageAccept"},
	{FlagMessageReject, "MessageReject"},
	{FlagMessageRescind, "MessageRescind"},
	{FlagChannelSpecificHandles, "ChannelSpecificHandles"},
	{FlagOnlyOneGroup, "OnlyOneGroup"},
	{FlagHandleOwnersNotAvailable, "HandleOwnersNotAvailable"},
	{FlagProperties, "Properties"},
	{FlagMembersChangedDetailed, "MembersChangedDetailed"},
}

func (f Flags) String() string {
	var parts []string
	for _, fn := range flagNames {
		if f&fn.flag != 0 {
			parts = append(parts, fn.name)
			f &^= fn.flag
		}
	}
	if f != 0 {
		parts = append(parts, fmt.Sprintf("%#x", uint32(f)))
	}
	return "[" + strings.Join(parts, "|") + "]"
}

// Reason is why membership changed.
type Reason uint32

const (
	ReasonNone Reason = iota
	ReasonOffline
	ReasonKicked
	ReasonBusy
	ReasonInvited
	ReasonBanned
	ReasonError
	ReasonInvalidContact
	ReasonNoAnswer
	ReasonRenamed
	ReasonPermissionDenied
	ReasonSeparated
)

var reasonNames = [...]string{
	"none", "offline", "kicked", "busy", "invited", "banned", "error",
	"invalid-contact", "no-answer", "renamed", "permission-denied", "separated",
}

func (r Reason) String() string {
	if int(r) < len(reasonNames) {
		return reasonNames[r]
	}
	return "unknown"
}

// LocalPendingInfo records who put a handle in local-pending and why.
type LocalPendingInfo struct {
	Handle  handles.Handle
	Actor   handles.Handle
	Reason  Reason
	Message string
}

// MembersChange is the payload of an events.MembersChanged notification.
type MembersChange struct {
	Message       string
	Added         []handles.Handle
	Removed       []handles.Handle
	LocalPending  []handles.Handle
	RemotePending []handles.Handle
	Actor         handles.Handle
	Reason        Reason
}

// FlagsChange is the payload of an events.GroupFlagsChanged notification.
type FlagsChange struct {
	Added   Flags
	Removed Flags
}

// HandleOwnersChange is the payload of an events.HandleOwnersChanged
// notification.
type HandleOwnersChange struct {
	Added   map[handles.Handle]handles.Handle
	Removed []handles.Handle
}

// Hooks perform the protocol side of AddMembers and RemoveMembers. A nil
// hook makes the corresponding operation NotImplemented.
type Hooks struct {
	AddMember func(h handles.Handle, message string) error
	// RemoveMember is used when RemoveMemberWithReason is nil.
	RemoveMember           func(h handles.Handle, message string) error
	RemoveMemberWithReason func(h handles.Handle, message string, reason Reason) error
}

// Config configures a State.
type Config struct {
	// ObjectPath identifies the channel in emitted events.
	ObjectPath string
	// Repo is the repository member handles live in.
	Repo       handles.Repo
	Bus        *events.Bus
	Logger     *logging.Logger
	SelfHandle handles.Handle
	Flags      Flags
	Hooks      Hooks
	// AllowSelfRemoval lets the local user leave regardless of
	// FlagCanRemove.
	AllowSelfRemoval bool
}

// State is a channel's group membership.
type State struct {
	path  string
	repo  handles.Repo
	bus   *events.Bus
	log   *logging.Logger
	owner handles.Owner
	hooks Hooks

	allowSelfRemoval bool
	flags            Flags
	selfHandle       handles.Handle

	members       *handles.Set
	localPending  *handles.Set
	remotePending *handles.Set
	actors        *handles.Set

	localPendingInfo map[handles.Handle]LocalPendingInfo
	handleOwners     map[handles.Handle]handles.Handle
}

// New creates an empty group. The self handle, if any, is referenced for
// the lifetime of the group.
func New(cfg Config) *State {
	owner := handles.Owner("group:" + cfg.ObjectPath)
	s := &State{
		path:             cfg.ObjectPath,
		repo:             cfg.Repo,
		bus:              cfg.Bus,
		log:              cfg.Logger.Named("group"),
		owner:            owner,
		hooks:            cfg.Hooks,
		allowSelfRemoval: cfg.AllowSelfRemoval,
		flags:            cfg.Flags,
		members:          handles.NewSet(cfg.Repo, owner),
		localPending:     handles.NewSet(cfg.Repo, owner),
		remotePending:    handles.NewSet(cfg.Repo, owner),
		actors:           handles.NewSet(cfg.Repo, owner),
		localPendingInfo: make(map[handles.Handle]LocalPendingInfo),
		handleOwners:     make(map[handles.Handle]handles.Handle),
	}
	if cfg.SelfHandle != 0 {
		if err := s.repo.Ref(cfg.SelfHandle, owner); err != nil {
			s.log.Warn("self handle %d is not valid: %v", uint32(cfg.SelfHandle), err)
		} else {
			s.selfHandle = cfg.SelfHandle
		}
	}
	return s
}

// Close releases every handle reference the group holds.
func (s *State) Close() {
	s.members.Clear()
	s.localPending.Clear()
	s.remotePending.Clear()
	s.actors.Clear()
	for local, owner := range s.handleOwners {
		if owner != 0 {
			_ = s.repo.Unref(owner, s.owner)
		}
		delete(s.handleOwners, local)
	}
	s.localPendingInfo = make(map[handles.Handle]LocalPendingInfo)
	if s.selfHandle != 0 {
		_ = s.repo.Unref(s.selfHandle, s.owner)
		s.selfHandle = 0
	}
}

// Repo returns the repository member handles live in.
func (s *State) Repo() handles.Repo {
	return s.repo
}

// Members returns a snapshot of the current members.
func (s *State) Members() *intset.IntSet {
	return s.members.Snapshot()
}

// LocalPending returns a snapshot of the handles awaiting local approval.
func (s *State) LocalPending() *intset.IntSet {
	return s.localPending.Snapshot()
}

// RemotePending returns a snapshot of the handles awaiting remote approval.
func (s *State) RemotePending() *intset.IntSet {
	return s.remotePending.Snapshot()
}

// AllMembers returns the three sets as sorted handle slices.
func (s *State) AllMembers() (members, localPending, remotePending []handles.Handle) {
	return s.members.Handles(), s.localPending.Handles(), s.remotePending.Handles()
}

// LocalPendingWithInfo returns every local-pending handle with the details
// recorded when it became pending, in ascending handle order.
func (s *State) LocalPendingWithInfo() []LocalPendingInfo {
	var out []LocalPendingInfo
	for _, h := range s.localPending.Handles() {
		info, ok := s.localPendingInfo[h]
		if !ok {
			info = LocalPendingInfo{Handle: h}
		}
		out = append(out, info)
	}
	return out
}

// IsMember reports whether h is a current member.
func (s *State) IsMember(h handles.Handle) bool {
	return s.members.IsMember(h)
}

// Flags returns the current group flags.
func (s *State) Flags() Flags {
	return s.flags
}

// ChangeFlags sets add and clears remove. GroupFlagsChanged is emitted only
// if the flags actually changed. Setting and clearing the same flag in one
// call is a programming error and changes nothing.
func (s *State) ChangeFlags(add, remove Flags) {
	if add&remove != 0 {
		s.log.Error("cannot both add and remove group flags %s", add&remove)
		return
	}

	added := add &^ s.flags
	s.flags |= added
	removed := remove & s.flags
	s.flags &^= removed

	if added == 0 && removed == 0 {
		s.log.Debug("no change: %s includes all of %s and none of %s", s.flags, add, remove)
		return
	}

	s.log.Debug("flags added %s, removed %s, now %s", added, removed, s.flags)
	s.bus.Publish(events.Event{
		Type:   events.GroupFlagsChanged,
		Source: s.path,
		Data:   FlagsChange{Added: added, Removed: removed},
	})
}

// SelfHandle returns the local user's handle in this group, or 0.
func (s *State) SelfHandle() handles.Handle {
	return s.selfHandle
}

// ChangeSelfHandle replaces the local user's handle, for instance after a
// nickname change in a chat room.
func (s *State) ChangeSelfHandle(h handles.Handle) error {
	if h == s.selfHandle {
		return nil
	}
	if h != 0 {
		if err := s.repo.Ref(h, s.owner); err != nil {
			return err
		}
	}
	if s.selfHandle != 0 {
		_ = s.repo.Unref(s.selfHandle, s.owner)
	}
	s.selfHandle = h
	s.log.Debug("self handle is now %d", uint32(h))
	s.bus.Publish(events.Event{Type: events.SelfHandleChanged, Source: s.path, Data: h})
	return nil
}
