package waku

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"advocate-chat/go-core/pkg/models"
)

func startMockNode(t *testing.T, bus *Bus) *Node {
	t.Helper()
	n := NewNode(DefaultConfig(), Options{Bus: bus})
	if err := n.Start(context.Background()); err != nil {
		t.Fatalf("start failed: %v", err)
	}
	t.Cleanup(func() { _ = n.Stop(context.Background()) })
	return n
}

func TestNodeLifecycle(t *testing.T) {
	reg := prometheus.NewRegistry()
	n := NewNode(DefaultConfig(), Options{Registerer: reg})
	if got := n.Status().State; got != StateDisconnected {
		t.Fatalf("expected disconnected initially, got %s", got)
	}
	if err := n.Start(context.Background()); err != nil {
		t.Fatalf("start failed: %v", err)
	}
	started := n.Status()
	if started.State != StateConnected || started.PeerCount <= 0 {
		t.Fatalf("unexpected status after start: %+v", started)
	}
	if err := n.Stop(context.Background()); err != nil {
		t.Fatalf("stop failed: %v", err)
	}
	if got := n.Status().State; got != StateDisconnected {
		t.Fatalf("expected disconnected after stop, got %s", got)
	}
	if got := testutil.ToFloat64(n.transitions); got != 3 {
		t.Fatalf("expected 3 state transitions, got %v", got)
	}
}

func TestSubscribeRequiresConnection(t *testing.T) {
	n := NewNode(DefaultConfig(), Options{})
	err := n.SubscribeEvents(models.MustIdentity("alice"), func(Envelope) {})
	if !errors.Is(err, ErrNotConnected) {
		t.Fatalf("expected ErrNotConnected, got %v", err)
	}
	if err := n.PublishEvent(context.Background(), Envelope{Recipient: "alice"}); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("expected ErrNotConnected, got %v", err)
	}
}

func TestGoWakuTransportUnavailableWithoutBuildTag(t *testing.T) {
	if newGoWakuBackend(nil, nil) != nil {
		t.Skip("go-waku backend is compiled in")
	}
	cfg := DefaultConfig()
	cfg.Transport = TransportGoWaku
	n := NewNode(cfg, Options{})
	if err := n.Start(context.Background()); !errors.Is(err, ErrBackendUnavailable) {
		t.Fatalf("expected ErrBackendUnavailable, got %v", err)
	}
}

func TestMailboxReplayedOnSubscribe(t *testing.T) {
	bus := NewBus()
	n := startMockNode(t, bus)
	bus.Publish(Envelope{ID: "1", Recipient: "alice"})
	bus.Publish(Envelope{ID: "2", Recipient: "alice"})

	var got []string
	if err := n.SubscribeEvents(models.MustIdentity("alice"), func(env Envelope) { got = append(got, env.ID) }); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if len(got) != 2 || got[0] != "1" || got[1] != "2" {
		t.Fatalf("unexpected replay: %v", got)
	}
	if bus.Pending("alice") != 0 {
		t.Fatalf("mailbox must be drained")
	}
}

func TestPauseHoldsEnvelopesUntilResume(t *testing.T) {
	bus := NewBus()
	n := startMockNode(t, bus)
	alice := models.MustIdentity("alice")

	var mu sync.Mutex
	var got []string
	if err := n.SubscribeEvents(alice, func(env Envelope) {
		mu.Lock()
		got = append(got, env.ID)
		mu.Unlock()
	}); err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	n.Pause()
	if n.Status().State != StatePaused {
		t.Fatalf("expected paused state, got %s", n.Status().State)
	}
	if err := n.PublishEvent(context.Background(), Envelope{ID: "while-paused", Recipient: alice.String()}); err != nil {
		t.Fatalf("publish: %v", err)
	}
	mu.Lock()
	if len(got) != 0 {
		mu.Unlock()
		t.Fatalf("nothing may be delivered while paused, got %v", got)
	}
	mu.Unlock()

	if err := n.Resume(context.Background()); err != nil {
		t.Fatalf("resume: %v", err)
	}
	mu.Lock()
	defer mu.Unlock()
	if len(got) != 1 || got[0] != "while-paused" {
		t.Fatalf("expected replay after resume, got %v", got)
	}
	if n.Status().State != StateConnected {
		t.Fatalf("expected connected after resume, got %s", n.Status().State)
	}
}

func TestRebindDropsPreviousIdentity(t *testing.T) {
	bus := NewBus()
	n := startMockNode(t, bus)
	count := 0
	if err := n.SubscribeEvents(models.MustIdentity("alice"), func(Envelope) { count++ }); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if err := n.SubscribeEvents(models.MustIdentity("bob"), func(Envelope) {}); err != nil {
		t.Fatalf("rebind: %v", err)
	}
	bus.Publish(Envelope{ID: "x", Recipient: "alice"})
	if count != 0 {
		t.Fatalf("old identity must not receive after rebind")
	}
	if bus.Pending("alice") != 1 {
		t.Fatalf("expected envelope to wait in alice's mailbox")
	}
}

func TestNodeRuntimeStateTransitionsByPeerCount(t *testing.T) {
	prevInterval := runtimeStatusPollInterval
	runtimeStatusPollInterval = 20 * time.Millisecond
	defer func() { runtimeStatusPollInterval = prevInterval }()

	backend := &fakeGoWakuBackend{peerCount: 1}
	n := NewNode(Config{Transport: TransportGoWaku}, Options{})
	n.mu.Lock()
	n.gw = backend
	n.status.State = StateConnected
	n.status.PeerCount = 1
	n.mu.Unlock()
	n.startRuntimeMonitor()
	defer n.stopRuntimeMonitor()

	waitForState(t, n, StateConnected, 300*time.Millisecond)
	backend.setPeerCount(0)
	waitForState(t, n, StateDegraded, 500*time.Millisecond)
	backend.setPeerCount(2)
	waitForState(t, n, StateConnected, 500*time.Millisecond)
}

func TestResumeReplaysStoreForRelayTransport(t *testing.T) {
	backend := &fakeGoWakuBackend{peerCount: 1, stored: []Envelope{{ID: "missed", Recipient: "alice"}}}
	n := NewNode(Config{Transport: TransportGoWaku}, Options{})
	n.mu.Lock()
	n.gw = backend
	n.status.State = StateConnected
	n.mu.Unlock()

	var got []string
	if err := n.SubscribeEvents(models.MustIdentity("alice"), func(env Envelope) { got = append(got, env.ID) }); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	n.Pause()
	if !backend.unsubscribed {
		t.Fatalf("pause must drop the relay subscription")
	}
	if err := n.Resume(context.Background()); err != nil {
		t.Fatalf("resume: %v", err)
	}
	if len(got) != 1 || got[0] != "missed" {
		t.Fatalf("expected store replay, got %v", got)
	}
}

func TestNormalizeConfigAppliesSafeDefaults(t *testing.T) {
	cfg := normalizeConfig(Config{MinPeers: -1, ReconnectBackoffMax: 10 * time.Millisecond})
	if cfg.Transport != TransportMock {
		t.Fatalf("transport must default to mock, got %q", cfg.Transport)
	}
	if cfg.MinPeers != 0 {
		t.Fatalf("expected negative minPeers to clamp to 0, got %d", cfg.MinPeers)
	}
	if cfg.StoreQueryFanout <= 0 || cfg.ReplayLimit <= 0 {
		t.Fatalf("fanout and replay limit must be positive: %+v", cfg)
	}
	if cfg.ReconnectBackoffMax < cfg.ReconnectInterval {
		t.Fatalf("backoff max below interval: max=%s interval=%s", cfg.ReconnectBackoffMax, cfg.ReconnectInterval)
	}
}

func TestStartupPeerTarget(t *testing.T) {
	if got := startupPeerTarget(Config{}); got != 1 {
		t.Fatalf("expected default startup target=1, got %d", got)
	}
	if got := startupPeerTarget(Config{MinPeers: 3, BootstrapNodes: []string{"a", "b"}}); got != 2 {
		t.Fatalf("expected target capped by bootstrap size to 2, got %d", got)
	}
	if got := startupStateFromPeerCount(0, Config{MinPeers: 2}); got != StateDegraded {
		t.Fatalf("expected degraded, got %s", got)
	}
}

func TestWaitForStartupPeerCountTimeoutReturnsDegradedCount(t *testing.T) {
	backend := &fakeGoWakuBackend{}
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	cfg := Config{MinPeers: 2, ReconnectInterval: 50 * time.Millisecond, ReconnectBackoffMax: 200 * time.Millisecond}
	got, err := waitForStartupPeerCount(ctx, backend, cfg)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != 0 {
		t.Fatalf("expected peer count=0 after timeout, got %d", got)
	}
}

func waitForState(t *testing.T, n *Node, expected string, timeout time.Duration) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for {
		if n.Status().State == expected {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for state=%s, got=%s", expected, n.Status().State)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

type fakeGoWakuBackend struct {
	mu           sync.RWMutex
	peerCount    int
	stored       []Envelope
	unsubscribed bool
}

func (f *fakeGoWakuBackend) Start(context.Context, Config) error { return nil }
func (f *fakeGoWakuBackend) Stop()                               {}
func (f *fakeGoWakuBackend) ApplyConfig(Config)                  {}
func (f *fakeGoWakuBackend) SetIdentity(string)                  {}
func (f *fakeGoWakuBackend) ListenAddresses() []string           { return nil }
func (f *fakeGoWakuBackend) Subscribe(func(Envelope)) error      { return nil }
func (f *fakeGoWakuBackend) Unsubscribe() {
	f.mu.Lock()
	f.unsubscribed = true
	f.mu.Unlock()
}
func (f *fakeGoWakuBackend) Publish(context.Context, Envelope) error { return nil }
func (f *fakeGoWakuBackend) FetchSince(_ context.Context, recipient string, _ time.Time, _ int) ([]Envelope, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	var out []Envelope
	for _, env := range f.stored {
		if env.Recipient == recipient {
			out = append(out, env)
		}
	}
	return out, nil
}
func (f *fakeGoWakuBackend) PeerCount() int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.peerCount
}
func (f *fakeGoWakuBackend) setPeerCount(v int) {
	f.mu.Lock()
	f.peerCount = v
	f.mu.Unlock()
}
