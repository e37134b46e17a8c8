package session

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"advocate-chat/go-core/internal/domains/contracts"
	"advocate-chat/go-core/internal/platform/metrics"
	"advocate-chat/go-core/internal/securestore"
	"advocate-chat/go-core/pkg/models"
)

var (
	alice = models.MustIdentity("alice")
	bob   = models.MustIdentity("bob")
	carol = models.MustIdentity("carol")
)

type fakeAuth struct {
	mu       sync.Mutex
	current  models.Identity
	rejectN  map[models.Identity]int
	failures map[models.Identity]error
	logins   []models.Identity
	// logoutErr fails every logout while set.
	logoutErr error
}

func newFakeAuth() *fakeAuth {
	return &fakeAuth{rejectN: map[models.Identity]int{}, failures: map[models.Identity]error{}}
}

// failLogin makes the next n logins as id fail with err; n < 0 fails forever.
func (f *fakeAuth) failLogin(id models.Identity, n int, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rejectN[id] = n
	f.failures[id] = err
}

func (f *fakeAuth) Login(_ context.Context, id models.Identity) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.logins = append(f.logins, id)
	if n := f.rejectN[id]; n != 0 {
		if n > 0 {
			f.rejectN[id] = n - 1
		}
		return f.failures[id]
	}
	f.current = id
	return nil
}

func (f *fakeAuth) Logout(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.logoutErr != nil {
		return f.logoutErr
	}
	f.current = models.Identity{}
	return nil
}

func (f *fakeAuth) authenticated() models.Identity {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.current
}

func fastOptions() Options {
	return Options{
		RestoreInitialInterval: time.Millisecond,
		RestoreMaxElapsed:      30 * time.Millisecond,
		RestoreRetryInterval:   5 * time.Millisecond,
	}
}

func loggedIn(t *testing.T, backend *fakeAuth, opts Options) *Manager {
	t.Helper()
	m := NewManager(backend, opts)
	t.Cleanup(m.Close)
	if err := m.Login(context.Background(), alice); err != nil {
		t.Fatalf("login: %v", err)
	}
	return m
}

func TestLoginIsIdempotent(t *testing.T) {
	backend := newFakeAuth()
	m := loggedIn(t, backend, fastOptions())
	if err := m.Login(context.Background(), alice); err != nil {
		t.Fatalf("second login: %v", err)
	}
	if len(backend.logins) != 1 {
		t.Fatalf("expected one backend login, got %d", len(backend.logins))
	}
	if id, state := m.CurrentIdentity(); id != alice || state != models.SessionLoggedIn {
		t.Fatalf("unexpected session %s/%s", id, state)
	}
	if m.Primary() != alice {
		t.Fatalf("expected alice as primary")
	}
}

func TestLoginRejectedLeavesLoggedOut(t *testing.T) {
	backend := newFakeAuth()
	backend.failLogin(alice, 1, contracts.ErrAuthRejected)
	m := NewManager(backend, fastOptions())
	err := m.Login(context.Background(), alice)
	if !errors.Is(err, ErrAuthFailure) || !errors.Is(err, contracts.ErrAuthRejected) {
		t.Fatalf("expected auth failure wrapping the cause, got %v", err)
	}
	if _, state := m.CurrentIdentity(); state != models.SessionLoggedOut {
		t.Fatalf("expected logged_out, got %s", state)
	}
	if _, _, err := m.BeginWrite(); !errors.Is(err, ErrNotLoggedIn) {
		t.Fatalf("expected ErrNotLoggedIn, got %v", err)
	}
}

func TestLoginAsOtherRefusedWhenLogoutFails(t *testing.T) {
	backend := newFakeAuth()
	m := loggedIn(t, backend, fastOptions())
	backend.mu.Lock()
	backend.logoutErr = contracts.ErrUnavailable
	backend.mu.Unlock()

	err := m.Login(context.Background(), bob)
	if !errors.Is(err, ErrAuthFailure) || !errors.Is(err, contracts.ErrUnavailable) {
		t.Fatalf("expected auth failure wrapping the logout error, got %v", err)
	}
	if len(backend.logins) != 1 {
		t.Fatalf("no login may be attempted before the logout succeeds, got %v", backend.logins)
	}
	if id, state := m.CurrentIdentity(); id != alice || state != models.SessionLoggedIn {
		t.Fatalf("expected session unchanged as alice, got %s/%s", id, state)
	}
}

func TestSwapAndRestore(t *testing.T) {
	backend := newFakeAuth()
	m := loggedIn(t, backend, fastOptions())
	var changes []IdentityChange
	m.OnIdentityChanged(func(c IdentityChange) { changes = append(changes, c) })

	previous, err := m.SwapIdentity(context.Background(), bob)
	if err != nil {
		t.Fatalf("swap: %v", err)
	}
	if previous != alice || backend.authenticated() != bob {
		t.Fatalf("unexpected swap result previous=%s backend=%s", previous, backend.authenticated())
	}
	if id, state := m.CurrentIdentity(); id != bob || state != models.SessionSwapped {
		t.Fatalf("unexpected session %s/%s", id, state)
	}
	if _, _, err := m.BeginWrite(); !errors.Is(err, ErrIdentitySwapped) {
		t.Fatalf("writes must be refused while swapped, got %v", err)
	}
	if err := m.Login(context.Background(), carol); !errors.Is(err, ErrIdentitySwapped) {
		t.Fatalf("login must be refused while swapped, got %v", err)
	}
	if _, err := m.SwapIdentity(context.Background(), carol); !errors.Is(err, ErrSwapInProgress) {
		t.Fatalf("expected ErrSwapInProgress, got %v", err)
	}

	if err := m.RestoreIdentity(context.Background(), previous); err != nil {
		t.Fatalf("restore: %v", err)
	}
	if id, state := m.CurrentIdentity(); id != alice || state != models.SessionLoggedIn {
		t.Fatalf("unexpected session after restore %s/%s", id, state)
	}
	id, release, err := m.BeginWrite()
	if err != nil || id != alice {
		t.Fatalf("write lease after restore: id=%s err=%v", id, err)
	}
	release()
	release()

	var states []models.SessionState
	for _, c := range changes {
		states = append(states, c.State)
	}
	want := []models.SessionState{
		models.SessionSwappingOut, models.SessionSwapped,
		models.SessionRestoringIdentity, models.SessionLoggedIn,
	}
	if len(states) != len(want) {
		t.Fatalf("unexpected transitions %v", states)
	}
	for i := range want {
		if states[i] != want[i] {
			t.Fatalf("unexpected transitions %v", states)
		}
	}
	if changes[1].Primary != alice {
		t.Fatalf("observers must see the primary identity")
	}
}

func TestRestoreMismatchAndNoSwap(t *testing.T) {
	backend := newFakeAuth()
	m := loggedIn(t, backend, fastOptions())
	if err := m.RestoreIdentity(context.Background(), alice); !errors.Is(err, ErrNoSwap) {
		t.Fatalf("expected ErrNoSwap, got %v", err)
	}
	if _, err := m.SwapIdentity(context.Background(), bob); err != nil {
		t.Fatalf("swap: %v", err)
	}
	if err := m.RestoreIdentity(context.Background(), carol); !errors.Is(err, ErrRestoreMismatch) {
		t.Fatalf("expected ErrRestoreMismatch, got %v", err)
	}
	if err := m.RestoreIdentity(context.Background(), alice); err != nil {
		t.Fatalf("restore: %v", err)
	}
}

func TestSwapToSelfRefused(t *testing.T) {
	m := loggedIn(t, newFakeAuth(), fastOptions())
	if _, err := m.SwapIdentity(context.Background(), alice); !errors.Is(err, ErrSameIdentity) {
		t.Fatalf("expected ErrSameIdentity, got %v", err)
	}
}

func TestFailedSwapLoginRestoresPrevious(t *testing.T) {
	backend := newFakeAuth()
	m := loggedIn(t, backend, fastOptions())
	backend.failLogin(bob, 1, contracts.ErrAuthRejected)

	if _, err := m.SwapIdentity(context.Background(), bob); !errors.Is(err, ErrAuthFailure) {
		t.Fatalf("expected ErrAuthFailure, got %v", err)
	}
	if id, state := m.CurrentIdentity(); id != alice || state != models.SessionLoggedIn {
		t.Fatalf("expected alice logged in after failed swap, got %s/%s", id, state)
	}
	if backend.authenticated() != alice {
		t.Fatalf("backend must be authenticated as alice again")
	}
	_, release, err := m.BeginWrite()
	if err != nil {
		t.Fatalf("writes must work after failed swap: %v", err)
	}
	release()
}

func TestSwapWaitsForInFlightWrites(t *testing.T) {
	backend := newFakeAuth()
	m := loggedIn(t, backend, fastOptions())

	_, release, err := m.BeginWrite()
	if err != nil {
		t.Fatalf("begin write: %v", err)
	}
	swapped := make(chan error, 1)
	go func() {
		_, err := m.SwapIdentity(context.Background(), bob)
		swapped <- err
	}()

	select {
	case <-swapped:
		t.Fatalf("swap must wait for the in-flight write")
	case <-time.After(50 * time.Millisecond):
	}
	if backend.authenticated() != alice {
		t.Fatalf("identity changed under an in-flight write")
	}
	release()
	if err := <-swapped; err != nil {
		t.Fatalf("swap: %v", err)
	}
	if err := m.RestoreIdentity(context.Background(), alice); err != nil {
		t.Fatalf("restore: %v", err)
	}
}

func TestRestoreRetriesTransientFailures(t *testing.T) {
	backend := newFakeAuth()
	met := metrics.New()
	opts := fastOptions()
	opts.Metrics = met
	opts.RestoreMaxElapsed = time.Second
	m := loggedIn(t, backend, opts)

	if _, err := m.SwapIdentity(context.Background(), bob); err != nil {
		t.Fatalf("swap: %v", err)
	}
	backend.failLogin(alice, 2, contracts.ErrUnavailable)
	if err := m.RestoreIdentity(context.Background(), alice); err != nil {
		t.Fatalf("restore: %v", err)
	}
	if backend.authenticated() != alice {
		t.Fatalf("expected alice after retries")
	}
	if got := testutil.ToFloat64(met.RestoreFailures); got != 2 {
		t.Fatalf("expected 2 failed attempts recorded, got %v", got)
	}
}

func TestRestoreExhaustedEscalatesAndRecoversInBackground(t *testing.T) {
	backend := newFakeAuth()
	escalated := make(chan models.Identity, 1)
	opts := fastOptions()
	opts.OnRestoreFailed = func(previous models.Identity, _ error) { escalated <- previous }
	m := loggedIn(t, backend, opts)

	if _, err := m.SwapIdentity(context.Background(), bob); err != nil {
		t.Fatalf("swap: %v", err)
	}
	backend.failLogin(alice, -1, contracts.ErrUnavailable)
	if err := m.RestoreIdentity(context.Background(), alice); !errors.Is(err, ErrRestoreFailed) {
		t.Fatalf("expected ErrRestoreFailed, got %v", err)
	}
	select {
	case got := <-escalated:
		if got != alice {
			t.Fatalf("escalated wrong identity %s", got)
		}
	default:
		t.Fatalf("escalation hook did not fire")
	}
	if _, state := m.CurrentIdentity(); state != models.SessionRestoreFailed {
		t.Fatalf("expected restore_failed, got %s", state)
	}
	if _, _, err := m.BeginWrite(); !errors.Is(err, ErrRestoreFailed) {
		t.Fatalf("writes must be refused, got %v", err)
	}
	if err := m.CheckRead(); !errors.Is(err, ErrRestoreFailed) {
		t.Fatalf("reads must be refused, got %v", err)
	}

	backend.failLogin(alice, 0, nil)
	deadline := time.Now().Add(2 * time.Second)
	for {
		if id, state := m.CurrentIdentity(); id == alice && state == models.SessionLoggedIn {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("background restorer did not recover the session")
		}
		time.Sleep(5 * time.Millisecond)
	}
	_, release, err := m.BeginWrite()
	if err != nil {
		t.Fatalf("writes after background restore: %v", err)
	}
	release()
}

func TestJournalRecoversInterruptedSwap(t *testing.T) {
	path := filepath.Join(t.TempDir(), "journal.enc")
	newJournal := func() *securestore.File {
		return securestore.NewFile(path, "secret").WithKDFParams(securestore.KDFParams{Time: 1, MemoryKB: 64, Threads: 1})
	}

	backend := newFakeAuth()
	opts := fastOptions()
	opts.Journal = newJournal()
	m := loggedIn(t, backend, opts)
	if _, err := m.SwapIdentity(context.Background(), bob); err != nil {
		t.Fatalf("swap: %v", err)
	}

	// Simulate a crash while swapped: a fresh manager over the same journal.
	restarted := NewManager(backend, Options{Journal: newJournal()})
	t.Cleanup(restarted.Close)
	recovered, err := restarted.Recover(context.Background())
	if err != nil || !recovered {
		t.Fatalf("recover: recovered=%v err=%v", recovered, err)
	}
	if id, state := restarted.CurrentIdentity(); id != alice || state != models.SessionLoggedIn {
		t.Fatalf("expected alice after recovery, got %s/%s", id, state)
	}
	if recovered, err := restarted.Recover(context.Background()); err != nil || recovered {
		t.Fatalf("journal must be cleared after recovery: recovered=%v err=%v", recovered, err)
	}
}

func TestLogoutRefusedWhileSwapped(t *testing.T) {
	m := loggedIn(t, newFakeAuth(), fastOptions())
	if _, err := m.SwapIdentity(context.Background(), bob); err != nil {
		t.Fatalf("swap: %v", err)
	}
	if err := m.Logout(context.Background()); !errors.Is(err, ErrIdentitySwapped) {
		t.Fatalf("expected ErrIdentitySwapped, got %v", err)
	}
	if err := m.RestoreIdentity(context.Background(), alice); err != nil {
		t.Fatalf("restore: %v", err)
	}
	if err := m.Logout(context.Background()); err != nil {
		t.Fatalf("logout: %v", err)
	}
	if _, state := m.CurrentIdentity(); state != models.SessionLoggedOut {
		t.Fatalf("expected logged_out, got %s", state)
	}
}
