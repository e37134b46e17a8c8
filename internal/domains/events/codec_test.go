package events

import (
	"errors"
	"testing"
	"time"

	"github.com/fxamacker/cbor/v2"

	"advocate-chat/go-core/pkg/models"
)

func TestCodecMessageReceived(t *testing.T) {
	sent := time.Date(2026, 3, 1, 10, 0, 0, 123, time.UTC)
	in := MessageReceived{
		Meta: Meta{ID: "ev-1", OccurredAt: sent},
		Message: models.Message{
			ID:           "m-1",
			Conversation: models.DirectConversation(models.MustIdentity("alice")),
			SenderID:     models.MustIdentity("bob"),
			Body:         models.MediaBody("https://cdn/x.png", models.MimeClassImage),
			SentAt:       sent,
		},
	}
	raw, err := Encode(in)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	out, err := Decode(raw)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	got, ok := out.(MessageReceived)
	if !ok {
		t.Fatalf("unexpected type %T", out)
	}
	if got.EventID() != "ev-1" || got.Message.SenderID != in.Message.SenderID || !got.Message.SentAt.Equal(sent) {
		t.Fatalf("unexpected message: %+v", got)
	}
	if got.Message.Body.Media == nil || got.Message.Body.Media.URL != "https://cdn/x.png" {
		t.Fatalf("media lost: %+v", got.Message.Body)
	}
	if got.Message.Conversation.Key() != "direct:alice" {
		t.Fatalf("unexpected conversation: %s", got.Message.Conversation.Key())
	}
}

func TestCodecGroupUpdatedKeepsMembers(t *testing.T) {
	owner := models.MustIdentity("owner")
	member := models.MustIdentity("member")
	in := GroupUpdated{Meta: Meta{ID: "ev-2"}, Group: models.Group{
		ID: "g", Name: "Team", Type: models.GroupTypePrivate, OwnerID: owner, State: models.GroupStateActive,
		Members: map[models.Identity]models.Member{
			owner:  {Identity: owner, Scope: models.ScopeOwner},
			member: {Identity: member, Scope: models.ScopeParticipant},
		},
	}}
	raw, err := Encode(in)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	out, err := Decode(raw)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	g := out.(GroupUpdated).Group
	if len(g.Members) != 2 || g.Members[owner].Scope != models.ScopeOwner || g.OwnerID != owner {
		t.Fatalf("unexpected group: %+v", g)
	}
}

func TestDecodeUnknownKind(t *testing.T) {
	raw, err := cbor.Marshal(wireEnvelope{Kind: "reaction_added", ID: "x"})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if _, err := Decode(raw); !errors.Is(err, ErrUnknownKind) {
		t.Fatalf("expected ErrUnknownKind, got %v", err)
	}
	if _, err := Decode([]byte{0xff, 0x00}); !errors.Is(err, ErrMalformed) {
		t.Fatalf("expected ErrMalformed, got %v", err)
	}
}
