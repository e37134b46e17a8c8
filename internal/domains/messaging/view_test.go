package messaging

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"advocate-chat/go-core/internal/domains/events"
	"advocate-chat/go-core/pkg/models"
)

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestBlockedNoticeOncePerView(t *testing.T) {
	f := newFixture(t, Options{})
	f.net.SetBlock(bob, me, true)

	var notices atomic.Int32
	v, err := f.pipeline.OpenDirect(context.Background(), bob, ViewCallbacks{
		OnBlockedNotice: func(rel models.BlockRelation) {
			if !rel.BlockedByPeer {
				t.Errorf("expected peer-side block, got %+v", rel)
			}
			notices.Add(1)
		},
	})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer v.Close()

	waitFor(t, "block flag", func() bool { return f.blocks.IsBlocked(bob) })
	for i := 0; i < 3; i++ {
		if _, err := v.Send(context.Background(), "hi"); !errors.Is(err, ErrBlocked) {
			t.Fatalf("expected ErrBlocked, got %v", err)
		}
	}
	time.Sleep(30 * time.Millisecond)
	if got := notices.Load(); got != 1 {
		t.Fatalf("expected exactly one notice, got %d", got)
	}
}

func TestViewCloseIsIdempotent(t *testing.T) {
	f := newFixture(t, Options{})
	before := f.router.Len()
	v, err := f.pipeline.OpenDirect(context.Background(), bob, ViewCallbacks{})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if !f.router.Registered(v.Key()) || f.router.Len() != before+1 {
		t.Fatalf("view must register one listener")
	}
	v.Close()
	v.Close()
	if f.router.Registered(v.Key()) || f.router.Len() != before {
		t.Fatalf("close must unregister the listener")
	}
	if _, err := v.Send(context.Background(), "hi"); !errors.Is(err, ErrViewClosed) {
		t.Fatalf("expected ErrViewClosed, got %v", err)
	}
}

func TestViewSeesStoredInboundMessage(t *testing.T) {
	f := newFixture(t, Options{})
	got := make(chan models.Message, 1)
	v, err := f.pipeline.OpenDirect(context.Background(), bob, ViewCallbacks{
		OnMessage: func(m models.Message) { got <- m },
	})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer v.Close()

	other, err := f.pipeline.OpenDirect(context.Background(), eve, ViewCallbacks{
		OnMessage: func(m models.Message) { t.Errorf("eve's view got %+v", m) },
	})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer other.Close()

	sent, err := f.peerClient(t, bob).SendMessage(context.Background(), models.DirectConversation(me), models.TextBody("ping"))
	if err != nil {
		t.Fatalf("bob send: %v", err)
	}
	select {
	case m := <-got:
		if m.ID != sent.ID || m.ArrivalSeq == 0 {
			t.Fatalf("view must see the stored message, got %+v", m)
		}
	case <-time.After(time.Second):
		t.Fatalf("view callback did not fire")
	}
}

func TestGroupViewForwardsGroupEvents(t *testing.T) {
	f := newFixture(t, Options{})
	var seen []events.Kind
	v, err := f.pipeline.OpenGroup(context.Background(), "g1", ViewCallbacks{
		OnGroupEvent: func(ev events.Event) { seen = append(seen, ev.Kind()) },
	})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer v.Close()
	f.router.Dispatch(events.MemberJoined{Meta: events.Meta{ID: "e1"}, GroupID: "g1", Member: models.Member{Identity: bob}})
	f.router.Dispatch(events.MemberJoined{Meta: events.Meta{ID: "e2"}, GroupID: "g2", Member: models.Member{Identity: bob}})
	if len(seen) != 1 || seen[0] != events.KindMemberJoined {
		t.Fatalf("unexpected forwarded events %v", seen)
	}
}
