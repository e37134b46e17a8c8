package proxyview

import (
	"context"
	"errors"
	"testing"
	"time"

	"advocate-chat/go-core/internal/backend/memory"
	"advocate-chat/go-core/internal/docstore"
	"advocate-chat/go-core/internal/domains/contracts"
	"advocate-chat/go-core/internal/domains/session"
	"advocate-chat/go-core/internal/domains/subscription"
	"advocate-chat/go-core/pkg/models"
)

var (
	operator  = models.MustIdentity("supporter")
	supported = models.MustIdentity("advocate")
	stranger  = models.MustIdentity("stranger")
	friend    = models.MustIdentity("friend")
)

type fixture struct {
	net     *memory.Network
	client  *memory.Client
	session *session.Manager
	viewer  *Viewer
}

func newFixture(t *testing.T) fixture {
	t.Helper()
	ctx := context.Background()
	net := memory.NewNetwork(memory.Options{})
	net.Register(operator, supported, stranger, friend)

	// the supported user has some history
	seed := net.NewClient()
	if err := seed.Login(ctx, supported); err != nil {
		t.Fatalf("seed login: %v", err)
	}
	if _, err := seed.SendMessage(ctx, models.DirectConversation(friend), models.TextBody("see you at group")); err != nil {
		t.Fatalf("seed send: %v", err)
	}

	store := docstore.NewMemory()
	store.SetTier(operator, subscription.TierSupporter1)
	ledger := subscription.NewLedger(store, subscription.Options{})
	if err := ledger.AddSupported(ctx, operator, supported); err != nil {
		t.Fatalf("add supported: %v", err)
	}

	client := net.NewClient()
	mgr := session.NewManager(client, session.Options{
		RestoreInitialInterval: time.Millisecond,
		RestoreMaxElapsed:      20 * time.Millisecond,
		RestoreRetryInterval:   5 * time.Millisecond,
	})
	t.Cleanup(mgr.Close)
	if err := mgr.Login(ctx, operator); err != nil {
		t.Fatalf("login: %v", err)
	}
	return fixture{net: net, client: client, session: mgr, viewer: NewViewer(mgr, ledger, client, nil)}
}

func (f fixture) requireOperator(t *testing.T) {
	t.Helper()
	id, state := f.session.CurrentIdentity()
	if id != operator || state != models.SessionLoggedIn {
		t.Fatalf("expected logged_in as operator, got %s %s", id, state)
	}
	if got := f.client.Authenticated(); got != operator {
		t.Fatalf("backend authenticated as %s", got)
	}
}

func TestViewAsReadsAndRestores(t *testing.T) {
	f := newFixture(t)
	var leaked *Reader
	convs, err := ViewAs(context.Background(), f.viewer, supported, func(ctx context.Context, r *Reader) ([]models.Conversation, error) {
		leaked = r
		if r.Identity() != supported {
			t.Fatalf("reader bound to %s", r.Identity())
		}
		if _, _, err := f.session.BeginWrite(); !errors.Is(err, session.ErrIdentitySwapped) {
			t.Fatalf("writes must be refused while viewing, got %v", err)
		}
		return r.Conversations(ctx)
	})
	if err != nil {
		t.Fatalf("view: %v", err)
	}
	if len(convs) != 1 || convs[0].Ref.Peer != friend {
		t.Fatalf("unexpected conversations: %+v", convs)
	}
	f.requireOperator(t)
	if _, err := leaked.Conversations(context.Background()); !errors.Is(err, ErrViewClosed) {
		t.Fatalf("reader must be unusable after the view, got %v", err)
	}
}

func TestIdentityIsPinnedWhileViewing(t *testing.T) {
	f := newFixture(t)
	_, err := ViewAs(context.Background(), f.viewer, supported, func(ctx context.Context, r *Reader) (struct{}, error) {
		if err := f.session.Login(ctx, stranger); !errors.Is(err, session.ErrIdentitySwapped) {
			t.Fatalf("login must be refused while viewing, got %v", err)
		}
		if err := f.session.Logout(ctx); !errors.Is(err, session.ErrIdentitySwapped) {
			t.Fatalf("logout must be refused while viewing, got %v", err)
		}
		if got := f.client.Authenticated(); got != supported {
			t.Fatalf("backend identity moved under the reader: %s", got)
		}
		_, err := r.Groups(ctx)
		return struct{}{}, err
	})
	if err != nil {
		t.Fatalf("view: %v", err)
	}
	f.requireOperator(t)
}

func TestViewAsRestoresOnError(t *testing.T) {
	f := newFixture(t)
	boom := errors.New("boom")
	_, err := ViewAs(context.Background(), f.viewer, supported, func(context.Context, *Reader) (int, error) {
		return 0, boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected work error, got %v", err)
	}
	f.requireOperator(t)
}

func TestViewAsRestoresOnPanic(t *testing.T) {
	f := newFixture(t)
	func() {
		defer func() {
			if r := recover(); r != "kaboom" {
				t.Fatalf("expected panic to propagate, got %v", r)
			}
		}()
		_, _ = ViewAs(context.Background(), f.viewer, supported, func(context.Context, *Reader) (int, error) {
			panic("kaboom")
		})
	}()
	f.requireOperator(t)
}

func TestViewAsRequiresSupporterRelation(t *testing.T) {
	f := newFixture(t)
	before := f.net.Calls(memory.OpLogin)
	_, err := ViewAs(context.Background(), f.viewer, stranger, func(context.Context, *Reader) (int, error) {
		t.Fatalf("work must not run")
		return 0, nil
	})
	if !errors.Is(err, ErrNotSupporter) {
		t.Fatalf("expected ErrNotSupporter, got %v", err)
	}
	if f.net.Calls(memory.OpLogin) != before {
		t.Fatalf("no swap may happen for a non-supporter")
	}
	f.requireOperator(t)
}

func TestViewAsJoinsRestoreFailure(t *testing.T) {
	f := newFixture(t)
	_, err := ViewAs(context.Background(), f.viewer, supported, func(context.Context, *Reader) (int, error) {
		f.net.FailNext(memory.OpLogin, contracts.ErrUnavailable, -1)
		return 1, nil
	})
	if !errors.Is(err, contracts.ErrUnavailable) {
		t.Fatalf("expected restore failure in error, got %v", err)
	}
	if _, state := f.session.CurrentIdentity(); state != models.SessionRestoreFailed {
		t.Fatalf("expected restore_failed, got %s", state)
	}

	f.net.Heal(memory.OpLogin)
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if _, state := f.session.CurrentIdentity(); state == models.SessionLoggedIn {
			f.requireOperator(t)
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("background restorer did not recover the operator")
}
