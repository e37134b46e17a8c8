package models

import (
	"strings"
	"time"
)

const (
	ContentTypeText  = "text"
	ContentTypeMedia = "media"
)

const (
	MimeClassImage = "image"
	MimeClassVideo = "video"
	MimeClassAudio = "audio"
	MimeClassFile  = "file"
)

// MediaRef is an uploaded object; the core only handles the URL and the class.
type MediaRef struct {
	URL       string `json:"url"`
	MimeClass string `json:"mime_class"`
}

type MessageBody struct {
	Type  string    `json:"type"`
	Text  string    `json:"text,omitempty"`
	Media *MediaRef `json:"media,omitempty"`
}

func TextBody(text string) MessageBody {
	return MessageBody{Type: ContentTypeText, Text: text}
}

func MediaBody(url, mimeClass string) MessageBody {
	return MessageBody{Type: ContentTypeMedia, Media: &MediaRef{URL: url, MimeClass: mimeClass}}
}

type Message struct {
	ID           string          `json:"id"`
	Conversation ConversationRef `json:"conversation"`
	SenderID     Identity        `json:"sender_id"`
	Body         MessageBody     `json:"body"`
	SentAt       time.Time       `json:"sent_at"`
	DeletedAt    *time.Time      `json:"deleted_at,omitempty"`

	// HiddenBlocked marks an inbound message from a peer that was blocked at
	// receipt time. It stays in local state and is shown again after unblock.
	HiddenBlocked bool   `json:"hidden_blocked,omitempty"`
	ArrivalSeq    uint64 `json:"-"`
}

// MimeClassOf maps a MIME type onto the coarse class carried by media messages.
func MimeClassOf(mime string) string {
	mime = strings.ToLower(strings.TrimSpace(mime))
	switch {
	case strings.HasPrefix(mime, "image/"):
		return MimeClassImage
	case strings.HasPrefix(mime, "video/"):
		return MimeClassVideo
	case strings.HasPrefix(mime, "audio/"):
		return MimeClassAudio
	default:
		return MimeClassFile
	}
}

type GroupType string

const (
	GroupTypePublic  GroupType = "public"
	GroupTypePrivate GroupType = "private"
)

func (t GroupType) Valid() bool {
	return t == GroupTypePublic || t == GroupTypePrivate
}

type GroupState string

const (
	GroupStateCreated GroupState = "created"
	GroupStateActive  GroupState = "active"
	GroupStateDeleted GroupState = "deleted"
)

type MemberScope string

const (
	ScopeParticipant MemberScope = "participant"
	ScopeAdmin       MemberScope = "admin"
	ScopeOwner       MemberScope = "owner"
)

func (s MemberScope) Valid() bool {
	switch s {
	case ScopeParticipant, ScopeAdmin, ScopeOwner:
		return true
	default:
		return false
	}
}

type Member struct {
	Identity Identity    `json:"identity"`
	Scope    MemberScope `json:"scope"`
	JoinedAt time.Time   `json:"joined_at"`
}

func (m Member) CanManageMembers() bool {
	return m.Scope == ScopeOwner || m.Scope == ScopeAdmin
}

type Group struct {
	ID        string              `json:"id"`
	Name      string              `json:"name"`
	Icon      string              `json:"icon,omitempty"`
	Type      GroupType           `json:"type"`
	OwnerID   Identity            `json:"owner_id"`
	State     GroupState          `json:"state"`
	Members   map[Identity]Member `json:"members"`
	CreatedAt time.Time           `json:"created_at"`
	UpdatedAt time.Time           `json:"updated_at"`
}

// Clone returns a copy whose member map can be mutated independently.
func (g Group) Clone() Group {
	out := g
	out.Members = make(map[Identity]Member, len(g.Members))
	for id, m := range g.Members {
		out.Members[id] = m
	}
	return out
}

// Owners lists members holding owner scope. A live group has exactly one.
func (g Group) Owners() []Identity {
	out := make([]Identity, 0, 1)
	for id, m := range g.Members {
		if m.Scope == ScopeOwner {
			out = append(out, id)
		}
	}
	return out
}

type BlockRelation struct {
	LocalUser      Identity `json:"local_user"`
	Peer           Identity `json:"peer"`
	BlockedByLocal bool     `json:"blocked_by_local"`
	BlockedByPeer  bool     `json:"blocked_by_peer"`
}

func (r BlockRelation) Blocked() bool {
	return r.BlockedByLocal || r.BlockedByPeer
}

type SessionState string

const (
	SessionLoggedOut         SessionState = "logged_out"
	SessionLoggingIn         SessionState = "logging_in"
	SessionLoggedIn          SessionState = "logged_in"
	SessionSwappingOut       SessionState = "swapping_out"
	SessionSwapped           SessionState = "swapped"
	SessionRestoringIdentity SessionState = "restoring_identity"
	SessionRestoreFailed     SessionState = "restore_failed"
)

type Session struct {
	BackendIdentity Identity     `json:"backend_identity"`
	State           SessionState `json:"state"`
}
