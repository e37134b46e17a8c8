package models

import (
	"errors"
	"strings"
)

const (
	ConversationTypeDirect = "direct"
	ConversationTypeGroup  = "group"
)

var ErrInvalidConversation = errors.New("invalid conversation reference")

// ConversationRef points at either a direct conversation with a peer or a
// group conversation.
type ConversationRef struct {
	Type    string   `json:"type"`
	Peer    Identity `json:"peer,omitempty"`
	GroupID string   `json:"group_id,omitempty"`
}

func DirectConversation(peer Identity) ConversationRef {
	return ConversationRef{Type: ConversationTypeDirect, Peer: peer}
}

func GroupConversation(groupID string) ConversationRef {
	return ConversationRef{Type: ConversationTypeGroup, GroupID: strings.TrimSpace(groupID)}
}

func (c ConversationRef) IsDirect() bool { return c.Type == ConversationTypeDirect }

func (c ConversationRef) IsGroup() bool { return c.Type == ConversationTypeGroup }

// Key is a stable map key: "direct:<peer>" or "group:<id>".
func (c ConversationRef) Key() string {
	switch c.Type {
	case ConversationTypeDirect:
		return ConversationTypeDirect + ":" + c.Peer.String()
	case ConversationTypeGroup:
		return ConversationTypeGroup + ":" + c.GroupID
	default:
		return ""
	}
}

func (c ConversationRef) String() string { return c.Key() }

func (c ConversationRef) Validate() error {
	switch c.Type {
	case ConversationTypeDirect:
		if c.Peer.IsZero() {
			return ErrInvalidConversation
		}
		return nil
	case ConversationTypeGroup:
		if strings.TrimSpace(c.GroupID) == "" {
			return ErrInvalidConversation
		}
		return nil
	default:
		return ErrInvalidConversation
	}
}

// ParseConversationKey is the inverse of Key.
func ParseConversationKey(key string) (ConversationRef, error) {
	kind, rest, ok := strings.Cut(strings.TrimSpace(key), ":")
	if !ok || rest == "" {
		return ConversationRef{}, ErrInvalidConversation
	}
	switch kind {
	case ConversationTypeDirect:
		peer, err := ParseIdentity(rest)
		if err != nil {
			return ConversationRef{}, ErrInvalidConversation
		}
		return DirectConversation(peer), nil
	case ConversationTypeGroup:
		return GroupConversation(rest), nil
	default:
		return ConversationRef{}, ErrInvalidConversation
	}
}

// Conversation is a summary row of a conversation list.
type Conversation struct {
	Ref         ConversationRef `json:"ref"`
	Title       string          `json:"title,omitempty"`
	LastMessage *Message        `json:"last_message,omitempty"`
	UnreadCount int             `json:"unread_count"`
}
