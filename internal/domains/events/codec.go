package events

import (
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/fxamacker/cbor/v2"

	"advocate-chat/go-core/pkg/models"
)

var (
	ErrUnknownKind = errors.New("unknown event kind")
	ErrMalformed   = errors.New("malformed event")
)

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error
	encOptions := cbor.CoreDetEncOptions()
	encOptions.TextMarshaler = cbor.TextMarshalerTextString
	encMode, err = encOptions.EncMode()
	if err != nil {
		panic("events: CBOR encoder initialization failed: " + err.Error())
	}
	decMode, err = cbor.DecOptions{TextUnmarshaler: cbor.TextUnmarshalerTextString}.DecMode()
	if err != nil {
		panic("events: CBOR decoder initialization failed: " + err.Error())
	}
}

type wireEnvelope struct {
	_          struct{} `cbor:",toarray"`
	Kind       string
	ID         string
	OccurredAt int64
	Payload    cbor.RawMessage
}

type wireConversation struct {
	Type    string          `cbor:"1,keyasint"`
	Peer    models.Identity `cbor:"2,keyasint,omitempty"`
	GroupID string          `cbor:"3,keyasint,omitempty"`
}

type wireMessage struct {
	ID           string           `cbor:"1,keyasint"`
	Conversation wireConversation `cbor:"2,keyasint"`
	Sender       models.Identity  `cbor:"3,keyasint"`
	Type         string           `cbor:"4,keyasint"`
	Text         string           `cbor:"5,keyasint,omitempty"`
	MediaURL     string           `cbor:"6,keyasint,omitempty"`
	MediaClass   string           `cbor:"7,keyasint,omitempty"`
	SentAt       int64            `cbor:"8,keyasint"`
}

type wireMember struct {
	Identity models.Identity `cbor:"1,keyasint"`
	Scope    string          `cbor:"2,keyasint"`
	JoinedAt int64           `cbor:"3,keyasint,omitempty"`
}

type wireGroup struct {
	ID        string          `cbor:"1,keyasint"`
	Name      string          `cbor:"2,keyasint"`
	Icon      string          `cbor:"3,keyasint,omitempty"`
	Type      string          `cbor:"4,keyasint"`
	Owner     models.Identity `cbor:"5,keyasint"`
	State     string          `cbor:"6,keyasint"`
	Members   []wireMember    `cbor:"7,keyasint"`
	CreatedAt int64           `cbor:"8,keyasint,omitempty"`
	UpdatedAt int64           `cbor:"9,keyasint,omitempty"`
}

type wireMessageDeleted struct {
	Conversation wireConversation `cbor:"1,keyasint"`
	MessageID    string           `cbor:"2,keyasint"`
}

type wireMemberJoined struct {
	GroupID string     `cbor:"1,keyasint"`
	Member  wireMember `cbor:"2,keyasint"`
}

type wireMemberLeft struct {
	GroupID  string          `cbor:"1,keyasint"`
	Identity models.Identity `cbor:"2,keyasint"`
	Removed  bool            `cbor:"3,keyasint,omitempty"`
}

type wireOwnership struct {
	GroupID       string          `cbor:"1,keyasint"`
	PreviousOwner models.Identity `cbor:"2,keyasint"`
	NewOwner      models.Identity `cbor:"3,keyasint"`
}

type wireGroupID struct {
	GroupID string `cbor:"1,keyasint"`
}

type wirePeer struct {
	Peer models.Identity `cbor:"1,keyasint"`
}

// Encode serializes ev for the real-time feed.
func Encode(ev Event) ([]byte, error) {
	if ev == nil {
		return nil, ErrMalformed
	}
	var payload any
	var meta Meta
	switch e := ev.(type) {
	case MessageReceived:
		meta, payload = e.Meta, toWireMessage(e.Message)
	case MessageDeleted:
		meta, payload = e.Meta, wireMessageDeleted{Conversation: toWireConversation(e.Conversation), MessageID: e.MessageID}
	case GroupUpdated:
		meta, payload = e.Meta, toWireGroup(e.Group)
	case MemberJoined:
		meta, payload = e.Meta, wireMemberJoined{GroupID: e.GroupID, Member: toWireMember(e.Member)}
	case MemberLeft:
		meta, payload = e.Meta, wireMemberLeft{GroupID: e.GroupID, Identity: e.Identity, Removed: e.Removed}
	case OwnershipTransferred:
		meta, payload = e.Meta, wireOwnership{GroupID: e.GroupID, PreviousOwner: e.PreviousOwner, NewOwner: e.NewOwner}
	case GroupDeleted:
		meta, payload = e.Meta, wireGroupID{GroupID: e.GroupID}
	case BlockChanged:
		meta, payload = e.Meta, wirePeer{Peer: e.Peer}
	default:
		return nil, ErrUnknownKind
	}
	raw, err := encMode.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return encMode.Marshal(wireEnvelope{
		Kind:       string(ev.Kind()),
		ID:         meta.ID,
		OccurredAt: unixNano(meta.OccurredAt),
		Payload:    raw,
	})
}

// Decode parses a feed payload. Payloads of kinds this build does not know
// return ErrUnknownKind so the caller can drop them.
func Decode(data []byte) (Event, error) {
	var env wireEnvelope
	if err := decMode.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	meta := Meta{ID: env.ID, OccurredAt: fromUnixNano(env.OccurredAt)}
	switch Kind(env.Kind) {
	case KindMessageReceived:
		var w wireMessage
		if err := decodePayload(env.Payload, &w); err != nil {
			return nil, err
		}
		msg, err := fromWireMessage(w)
		if err != nil {
			return nil, err
		}
		return MessageReceived{Meta: meta, Message: msg}, nil
	case KindMessageDeleted:
		var w wireMessageDeleted
		if err := decodePayload(env.Payload, &w); err != nil {
			return nil, err
		}
		conv, err := fromWireConversation(w.Conversation)
		if err != nil {
			return nil, err
		}
		return MessageDeleted{Meta: meta, Conversation: conv, MessageID: w.MessageID}, nil
	case KindGroupUpdated:
		var w wireGroup
		if err := decodePayload(env.Payload, &w); err != nil {
			return nil, err
		}
		return GroupUpdated{Meta: meta, Group: fromWireGroup(w)}, nil
	case KindMemberJoined:
		var w wireMemberJoined
		if err := decodePayload(env.Payload, &w); err != nil {
			return nil, err
		}
		return MemberJoined{Meta: meta, GroupID: w.GroupID, Member: fromWireMember(w.Member)}, nil
	case KindMemberLeft:
		var w wireMemberLeft
		if err := decodePayload(env.Payload, &w); err != nil {
			return nil, err
		}
		return MemberLeft{Meta: meta, GroupID: w.GroupID, Identity: w.Identity, Removed: w.Removed}, nil
	case KindOwnershipTransferred:
		var w wireOwnership
		if err := decodePayload(env.Payload, &w); err != nil {
			return nil, err
		}
		return OwnershipTransferred{Meta: meta, GroupID: w.GroupID, PreviousOwner: w.PreviousOwner, NewOwner: w.NewOwner}, nil
	case KindGroupDeleted:
		var w wireGroupID
		if err := decodePayload(env.Payload, &w); err != nil {
			return nil, err
		}
		return GroupDeleted{Meta: meta, GroupID: w.GroupID}, nil
	case KindBlockChanged:
		var w wirePeer
		if err := decodePayload(env.Payload, &w); err != nil {
			return nil, err
		}
		return BlockChanged{Meta: meta, Peer: w.Peer}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, env.Kind)
	}
}

func decodePayload(raw cbor.RawMessage, v any) error {
	if err := decMode.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return nil
}

func toWireConversation(c models.ConversationRef) wireConversation {
	return wireConversation{Type: c.Type, Peer: c.Peer, GroupID: c.GroupID}
}

func fromWireConversation(w wireConversation) (models.ConversationRef, error) {
	var ref models.ConversationRef
	switch w.Type {
	case models.ConversationTypeDirect:
		ref = models.DirectConversation(w.Peer)
	case models.ConversationTypeGroup:
		ref = models.GroupConversation(w.GroupID)
	}
	if err := ref.Validate(); err != nil {
		return models.ConversationRef{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return ref, nil
}

func toWireMessage(m models.Message) wireMessage {
	w := wireMessage{
		ID:           m.ID,
		Conversation: toWireConversation(m.Conversation),
		Sender:       m.SenderID,
		Type:         m.Body.Type,
		Text:         m.Body.Text,
		SentAt:       unixNano(m.SentAt),
	}
	if m.Body.Media != nil {
		w.MediaURL = m.Body.Media.URL
		w.MediaClass = m.Body.Media.MimeClass
	}
	return w
}

func fromWireMessage(w wireMessage) (models.Message, error) {
	conv, err := fromWireConversation(w.Conversation)
	if err != nil {
		return models.Message{}, err
	}
	if w.ID == "" || w.Sender.IsZero() {
		return models.Message{}, ErrMalformed
	}
	body := models.TextBody(w.Text)
	if w.Type == models.ContentTypeMedia {
		body = models.MediaBody(w.MediaURL, w.MediaClass)
	}
	return models.Message{
		ID:           w.ID,
		Conversation: conv,
		SenderID:     w.Sender,
		Body:         body,
		SentAt:       fromUnixNano(w.SentAt),
	}, nil
}

func toWireMember(m models.Member) wireMember {
	return wireMember{Identity: m.Identity, Scope: string(m.Scope), JoinedAt: unixNano(m.JoinedAt)}
}

func fromWireMember(w wireMember) models.Member {
	return models.Member{Identity: w.Identity, Scope: models.MemberScope(w.Scope), JoinedAt: fromUnixNano(w.JoinedAt)}
}

func toWireGroup(g models.Group) wireGroup {
	w := wireGroup{
		ID:        g.ID,
		Name:      g.Name,
		Icon:      g.Icon,
		Type:      string(g.Type),
		Owner:     g.OwnerID,
		State:     string(g.State),
		CreatedAt: unixNano(g.CreatedAt),
		UpdatedAt: unixNano(g.UpdatedAt),
	}
	for _, id := range sortedMemberIDs(g.Members) {
		w.Members = append(w.Members, toWireMember(g.Members[id]))
	}
	return w
}

func fromWireGroup(w wireGroup) models.Group {
	g := models.Group{
		ID:        w.ID,
		Name:      w.Name,
		Icon:      w.Icon,
		Type:      models.GroupType(w.Type),
		OwnerID:   w.Owner,
		State:     models.GroupState(w.State),
		Members:   make(map[models.Identity]models.Member, len(w.Members)),
		CreatedAt: fromUnixNano(w.CreatedAt),
		UpdatedAt: fromUnixNano(w.UpdatedAt),
	}
	for _, m := range w.Members {
		g.Members[m.Identity] = fromWireMember(m)
	}
	return g
}

func sortedMemberIDs(members map[models.Identity]models.Member) []models.Identity {
	ids := make([]models.Identity, 0, len(members))
	for id := range members {
		ids = append(ids, id)
	}
	slices.SortFunc(ids, func(a, b models.Identity) int { return strings.Compare(a.String(), b.String()) })
	return ids
}

func unixNano(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func fromUnixNano(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n).UTC()
}
