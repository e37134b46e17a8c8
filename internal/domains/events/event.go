// Package events defines the tagged union of real-time chat events and the
// router that fans them out to per-view listener registrations.
package events

import (
	"time"

	"advocate-chat/go-core/pkg/models"
)

type Kind string

const (
	KindMessageReceived      Kind = "message_received"
	KindMessageDeleted       Kind = "message_deleted"
	KindGroupUpdated         Kind = "group_updated"
	KindMemberJoined         Kind = "member_joined"
	KindMemberLeft           Kind = "member_left"
	KindOwnershipTransferred Kind = "ownership_transferred"
	KindGroupDeleted         Kind = "group_deleted"
	KindBlockChanged         Kind = "block_changed"
)

// Event is implemented only by the types in this package, so a type switch
// over the concrete types is exhaustive.
type Event interface {
	EventID() string
	Kind() Kind
	isEvent()
}

// Meta carries the fields shared by every event.
type Meta struct {
	ID         string
	OccurredAt time.Time
}

func (m Meta) EventID() string { return m.ID }

func (Meta) isEvent() {}

type MessageReceived struct {
	Meta
	Message models.Message
}

func (MessageReceived) Kind() Kind { return KindMessageReceived }

type MessageDeleted struct {
	Meta
	Conversation models.ConversationRef
	MessageID    string
}

func (MessageDeleted) Kind() Kind { return KindMessageDeleted }

// GroupUpdated carries the full group snapshot after a rename, icon change or
// member-scope change.
type GroupUpdated struct {
	Meta
	Group models.Group
}

func (GroupUpdated) Kind() Kind { return KindGroupUpdated }

type MemberJoined struct {
	Meta
	GroupID string
	Member  models.Member
}

func (MemberJoined) Kind() Kind { return KindMemberJoined }

type MemberLeft struct {
	Meta
	GroupID  string
	Identity models.Identity
	Removed  bool
}

func (MemberLeft) Kind() Kind { return KindMemberLeft }

type OwnershipTransferred struct {
	Meta
	GroupID       string
	PreviousOwner models.Identity
	NewOwner      models.Identity
}

func (OwnershipTransferred) Kind() Kind { return KindOwnershipTransferred }

type GroupDeleted struct {
	Meta
	GroupID string
}

func (GroupDeleted) Kind() Kind { return KindGroupDeleted }

// BlockChanged hints that a peer changed its block relation with the local
// user. It only triggers a reconcile; the reconcile result is authoritative.
type BlockChanged struct {
	Meta
	Peer models.Identity
}

func (BlockChanged) Kind() Kind { return KindBlockChanged }

// ConversationOf reports which conversation an event concerns, if any.
func ConversationOf(ev Event) (models.ConversationRef, bool) {
	switch e := ev.(type) {
	case MessageReceived:
		return e.Message.Conversation, true
	case MessageDeleted:
		return e.Conversation, true
	case GroupUpdated:
		return models.GroupConversation(e.Group.ID), true
	case MemberJoined:
		return models.GroupConversation(e.GroupID), true
	case MemberLeft:
		return models.GroupConversation(e.GroupID), true
	case OwnershipTransferred:
		return models.GroupConversation(e.GroupID), true
	case GroupDeleted:
		return models.GroupConversation(e.GroupID), true
	case BlockChanged:
		return models.DirectConversation(e.Peer), true
	default:
		return models.ConversationRef{}, false
	}
}

// Handlers is one listener registration. Nil callbacks are skipped.
type Handlers struct {
	OnMessageReceived      func(MessageReceived)
	OnMessageDeleted       func(MessageDeleted)
	OnGroupUpdated         func(GroupUpdated)
	OnMemberJoined         func(MemberJoined)
	OnMemberLeft           func(MemberLeft)
	OnOwnershipTransferred func(OwnershipTransferred)
	OnGroupDeleted         func(GroupDeleted)
	OnBlockChanged         func(BlockChanged)

	// Filter, when set, limits delivery to events for which it returns true.
	Filter func(Event) bool
}

// deliver invokes the matching callback and reports whether one ran.
func (h Handlers) deliver(ev Event) bool {
	if h.Filter != nil && !h.Filter(ev) {
		return false
	}
	switch e := ev.(type) {
	case MessageReceived:
		if h.OnMessageReceived != nil {
			h.OnMessageReceived(e)
			return true
		}
	case MessageDeleted:
		if h.OnMessageDeleted != nil {
			h.OnMessageDeleted(e)
			return true
		}
	case GroupUpdated:
		if h.OnGroupUpdated != nil {
			h.OnGroupUpdated(e)
			return true
		}
	case MemberJoined:
		if h.OnMemberJoined != nil {
			h.OnMemberJoined(e)
			return true
		}
	case MemberLeft:
		if h.OnMemberLeft != nil {
			h.OnMemberLeft(e)
			return true
		}
	case OwnershipTransferred:
		if h.OnOwnershipTransferred != nil {
			h.OnOwnershipTransferred(e)
			return true
		}
	case GroupDeleted:
		if h.OnGroupDeleted != nil {
			h.OnGroupDeleted(e)
			return true
		}
	case BlockChanged:
		if h.OnBlockChanged != nil {
			h.OnBlockChanged(e)
			return true
		}
	}
	return false
}

// ForConversation builds a filter that accepts events about conv only.
func ForConversation(conv models.ConversationRef) func(Event) bool {
	key := conv.Key()
	return func(ev Event) bool {
		ref, ok := ConversationOf(ev)
		return ok && ref.Key() == key
	}
}
