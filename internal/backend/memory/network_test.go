package memory

import (
	"context"
	"errors"
	"strings"
	"testing"

	"advocate-chat/go-core/internal/domains/contracts"
	"advocate-chat/go-core/internal/domains/events"
	"advocate-chat/go-core/internal/waku"
	"advocate-chat/go-core/pkg/models"
)

var (
	alice = models.MustIdentity("alice")
	bob   = models.MustIdentity("bob")
)

type recordingFeed struct {
	envelopes []waku.Envelope
}

func (f *recordingFeed) Publish(env waku.Envelope) {
	f.envelopes = append(f.envelopes, env)
}

func loggedInClient(t *testing.T, n *Network, id models.Identity) *Client {
	t.Helper()
	c := n.NewClient()
	if err := c.Login(context.Background(), id); err != nil {
		t.Fatalf("login %s: %v", id, err)
	}
	return c
}

func TestUnknownIdentityRejected(t *testing.T) {
	n := NewNetwork(Options{})
	err := n.NewClient().Login(context.Background(), alice)
	if !errors.Is(err, contracts.ErrAuthRejected) {
		t.Fatalf("expected ErrAuthRejected, got %v", err)
	}
}

func TestDirectMessageIsPublishedRelativeToRecipient(t *testing.T) {
	feed := &recordingFeed{}
	n := NewNetwork(Options{Feed: feed})
	n.Register(alice, bob)
	c := loggedInClient(t, n, alice)

	msg, err := c.SendMessage(context.Background(), models.DirectConversation(bob), models.TextBody("hi"))
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if len(feed.envelopes) != 1 || feed.envelopes[0].Recipient != "bob" {
		t.Fatalf("unexpected envelopes: %+v", feed.envelopes)
	}
	ev, err := events.Decode(feed.envelopes[0].Payload)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	got := ev.(events.MessageReceived).Message
	if got.ID != msg.ID || got.Conversation.Key() != "direct:alice" {
		t.Fatalf("recipient must see the conversation keyed by the sender: %+v", got)
	}
	thread := n.Thread(bob, models.DirectConversation(alice))
	if len(thread) != 1 || thread[0].Conversation.Peer != alice {
		t.Fatalf("unexpected thread: %+v", thread)
	}
}

func TestBlockedDirectSendForbidden(t *testing.T) {
	n := NewNetwork(Options{})
	n.Register(alice, bob)
	n.SetBlock(bob, alice, true)
	c := loggedInClient(t, n, alice)
	_, err := c.SendMessage(context.Background(), models.DirectConversation(bob), models.TextBody("hi"))
	if !errors.Is(err, contracts.ErrForbidden) {
		t.Fatalf("expected ErrForbidden, got %v", err)
	}
	blocksMe, err := c.BlocksMe(context.Background(), bob)
	if err != nil || !blocksMe {
		t.Fatalf("expected bob to block alice: %v %v", blocksMe, err)
	}
}

func TestFailureInjectionAndCallCounts(t *testing.T) {
	n := NewNetwork(Options{})
	n.Register(alice)
	c := loggedInClient(t, n, alice)
	n.FailNext(OpListGroups, contracts.ErrUnavailable, 1)

	if _, err := c.ListGroups(context.Background()); !errors.Is(err, contracts.ErrUnavailable) {
		t.Fatalf("expected injected failure, got %v", err)
	}
	if _, err := c.ListGroups(context.Background()); err != nil {
		t.Fatalf("failure must be consumed: %v", err)
	}
	if n.Calls(OpListGroups) != 2 || n.Calls(OpLogin) != 1 {
		t.Fatalf("unexpected call counts list=%d login=%d", n.Calls(OpListGroups), n.Calls(OpLogin))
	}
}

func TestTransferOwnershipSwapsScopes(t *testing.T) {
	n := NewNetwork(Options{})
	n.Register(alice, bob)
	c := loggedInClient(t, n, alice)
	g, err := c.CreateGroup(context.Background(), "Team", models.GroupTypePrivate)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := c.AddMember(context.Background(), g.ID, bob, models.ScopeParticipant); err != nil {
		t.Fatalf("add: %v", err)
	}
	if err := c.TransferOwnership(context.Background(), g.ID, bob); err != nil {
		t.Fatalf("transfer: %v", err)
	}
	got, err := c.GetGroup(context.Background(), g.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if owners := got.Owners(); len(owners) != 1 || owners[0] != bob || got.Members[alice].Scope != models.ScopeParticipant {
		t.Fatalf("unexpected members after transfer: %+v", got.Members)
	}
}

func TestUploadReturnsMemoryURL(t *testing.T) {
	n := NewNetwork(Options{})
	n.Register(alice)
	c := loggedInClient(t, n, alice)
	url, err := c.Upload(context.Background(), "cat.png", "image/png", strings.NewReader("png"))
	if err != nil {
		t.Fatalf("upload: %v", err)
	}
	if !strings.HasPrefix(url, "memory://media/") || !strings.HasSuffix(url, "class=image") {
		t.Fatalf("unexpected url %q", url)
	}
}
