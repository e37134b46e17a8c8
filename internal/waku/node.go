// Package waku carries the real-time event feed. The default transport is an
// in-process bus; the go-waku relay is compiled in with the real_waku tag.
package waku

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"advocate-chat/go-core/internal/platform/privacylog"
	"advocate-chat/go-core/pkg/models"
)

const (
	TransportMock   = "mock"
	TransportGoWaku = "go-waku"

	StateDisconnected = "disconnected"
	StateConnecting   = "connecting"
	StateConnected    = "connected"
	StateDegraded     = "degraded"
	StatePaused       = "paused"
)

var (
	ErrNotConnected       = errors.New("feed transport is not connected")
	ErrNoRecipient        = errors.New("recipient is required")
	ErrBackendUnavailable = errors.New("go-waku backend is not available in this build")
)

var runtimeStatusPollInterval = 1 * time.Second

type Config struct {
	Transport           string        `yaml:"transport"`
	Port                int           `yaml:"port"`
	EnableRelay         bool          `yaml:"enableRelay"`
	EnableStore         bool          `yaml:"enableStore"`
	EnableFilter        bool          `yaml:"enableFilter"`
	EnableLightPush     bool          `yaml:"enableLightPush"`
	BootstrapNodes      []string      `yaml:"bootstrapNodes"`
	FailoverV1          bool          `yaml:"failoverV1"`
	MinPeers            int           `yaml:"minPeers"`
	StoreQueryFanout    int           `yaml:"storeQueryFanout"`
	ReplayLimit         int           `yaml:"replayLimit"`
	ReconnectInterval   time.Duration `yaml:"reconnectInterval"`
	ReconnectBackoffMax time.Duration `yaml:"reconnectBackoffMax"`
}

type Status struct {
	State     string
	PeerCount int
	Identity  models.Identity
	LastSync  time.Time
}

type Options struct {
	// Bus is the mock transport shared by every node of one process. A private
	// bus is created when nil.
	Bus        *Bus
	Logger     *slog.Logger
	Registerer prometheus.Registerer
}

// Node delivers feed envelopes for exactly one bound identity. While paused
// nothing is delivered; envelopes published meanwhile are replayed on resume.
type Node struct {
	mu       sync.RWMutex
	cfg      Config
	status   Status
	bus      *Bus
	identity models.Identity
	handler  func(Envelope)
	paused   bool
	pausedAt time.Time
	gw       goWakuBackend

	logger      *slog.Logger
	registerer  prometheus.Registerer
	transitions prometheus.Counter

	monitorCancel context.CancelFunc
	monitorWG     sync.WaitGroup
}

type goWakuBackend interface {
	Start(ctx context.Context, cfg Config) error
	Stop()
	PeerCount() int
	ApplyConfig(cfg Config)
	SetIdentity(identityID string)
	ListenAddresses() []string
	Subscribe(handler func(Envelope)) error
	Unsubscribe()
	Publish(ctx context.Context, env Envelope) error
	FetchSince(ctx context.Context, recipient string, since time.Time, limit int) ([]Envelope, error)
}

func DefaultConfig() Config {
	return Config{
		Transport:           TransportMock,
		Port:                60000,
		EnableRelay:         true,
		EnableStore:         true,
		EnableFilter:        true,
		EnableLightPush:     true,
		FailoverV1:          true,
		MinPeers:            2,
		StoreQueryFanout:    3,
		ReplayLimit:         500,
		ReconnectInterval:   1 * time.Second,
		ReconnectBackoffMax: 30 * time.Second,
	}
}

func NewNode(cfg Config, opts Options) *Node {
	cfg = normalizeConfig(cfg)
	bus := opts.Bus
	if bus == nil {
		bus = NewBus()
	}
	transitions := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "chatcore",
		Subsystem: "feed",
		Name:      "state_transitions_total",
		Help:      "Feed transport connection state changes.",
	})
	if opts.Registerer != nil {
		transitions = registerCounter(opts.Registerer, transitions)
	}
	return &Node{
		cfg:         cfg,
		status:      Status{State: StateDisconnected},
		bus:         bus,
		logger:      privacylog.Ensure(opts.Logger),
		registerer:  opts.Registerer,
		transitions: transitions,
	}
}

func normalizeConfig(cfg Config) Config {
	def := DefaultConfig()
	if cfg.Transport == "" {
		cfg.Transport = def.Transport
	}
	if cfg.StoreQueryFanout <= 0 {
		cfg.StoreQueryFanout = def.StoreQueryFanout
	}
	if cfg.ReplayLimit <= 0 {
		cfg.ReplayLimit = def.ReplayLimit
	}
	if cfg.ReconnectInterval <= 0 {
		cfg.ReconnectInterval = def.ReconnectInterval
	}
	if cfg.ReconnectBackoffMax <= 0 {
		cfg.ReconnectBackoffMax = def.ReconnectBackoffMax
	}
	if cfg.ReconnectBackoffMax < cfg.ReconnectInterval {
		cfg.ReconnectBackoffMax = cfg.ReconnectInterval
	}
	if cfg.MinPeers < 0 {
		cfg.MinPeers = 0
	}
	return cfg
}

func (n *Node) Start(ctx context.Context) error {
	n.mu.Lock()
	n.transitionStateLocked(StateConnecting)
	n.status.LastSync = time.Now()
	n.mu.Unlock()

	if n.cfg.Transport == TransportGoWaku {
		backend := newGoWakuBackend(n.logger, n.registerer)
		if backend == nil {
			n.setDisconnected()
			return ErrBackendUnavailable
		}
		if err := backend.Start(ctx, n.cfg); err != nil {
			n.setDisconnected()
			return err
		}
		peerCount := backend.PeerCount()
		if n.cfg.FailoverV1 {
			var err error
			peerCount, err = waitForStartupPeerCount(ctx, backend, n.cfg)
			if err != nil {
				backend.Stop()
				n.setDisconnected()
				return err
			}
		}
		n.mu.Lock()
		n.gw = backend
		n.transitionStateLocked(startupStateFromPeerCount(peerCount, n.cfg))
		n.status.PeerCount = peerCount
		n.status.LastSync = time.Now()
		n.mu.Unlock()
		n.startRuntimeMonitor()
		return nil
	}

	if err := ctx.Err(); err != nil {
		n.setDisconnected()
		return err
	}
	n.mu.Lock()
	n.transitionStateLocked(StateConnected)
	n.status.PeerCount = estimatedPeers(n.cfg)
	n.status.LastSync = time.Now()
	n.mu.Unlock()
	return nil
}

func (n *Node) Stop(_ context.Context) error {
	n.stopRuntimeMonitor()

	n.mu.Lock()
	defer n.mu.Unlock()
	if n.gw != nil {
		n.gw.Stop()
		n.gw = nil
	}
	if !n.identity.IsZero() {
		n.bus.unsubscribe(n.identity.String())
	}
	n.handler = nil
	n.transitionStateLocked(StateDisconnected)
	n.status.PeerCount = 0
	n.status.LastSync = time.Now()
	return nil
}

func (n *Node) Status() Status {
	n.mu.RLock()
	defer n.mu.RUnlock()
	s := n.status
	s.Identity = n.identity
	if n.gw != nil {
		s.PeerCount = n.gw.PeerCount()
	}
	if n.paused && s.State != StateDisconnected {
		s.State = StatePaused
	}
	return s
}

func (n *Node) ApplyConfig(cfg Config) {
	cfg = normalizeConfig(cfg)

	n.mu.Lock()
	n.cfg.BootstrapNodes = append([]string(nil), cfg.BootstrapNodes...)
	n.cfg.MinPeers = cfg.MinPeers
	n.cfg.ReconnectInterval = cfg.ReconnectInterval
	n.cfg.ReconnectBackoffMax = cfg.ReconnectBackoffMax
	gw := n.gw
	nodeCfg := n.cfg
	n.mu.Unlock()

	if gw != nil {
		gw.ApplyConfig(nodeCfg)
	}
}

// SubscribeEvents binds the node to identity and starts delivering its
// envelopes to handler. Rebinding to another identity drops the old binding.
func (n *Node) SubscribeEvents(identity models.Identity, handler func(Envelope)) error {
	if identity.IsZero() {
		return ErrNoRecipient
	}
	n.mu.Lock()
	if !n.connectedLocked() {
		n.mu.Unlock()
		return ErrNotConnected
	}
	previous := n.identity
	n.identity = identity
	n.handler = handler
	n.paused = false
	gw := n.gw
	n.mu.Unlock()

	if !previous.IsZero() && previous != identity {
		n.bus.unsubscribe(previous.String())
	}
	if gw != nil {
		gw.SetIdentity(identity.String())
		return gw.Subscribe(handler)
	}
	n.bus.subscribe(identity.String(), handler)
	n.logger.Info("feed subscribed", "component", "feed", "operation", "subscribe", "identity", identity)
	return nil
}

// Pause stops delivery without dropping the binding. It is used while the
// session is authenticated as someone else.
func (n *Node) Pause() {
	n.mu.Lock()
	if n.paused || n.identity.IsZero() {
		n.mu.Unlock()
		return
	}
	n.paused = true
	n.pausedAt = time.Now()
	identity := n.identity
	gw := n.gw
	n.mu.Unlock()

	if gw != nil {
		gw.Unsubscribe()
	} else {
		n.bus.unsubscribe(identity.String())
	}
	n.logger.Info("feed paused", "component", "feed", "operation", "pause", "identity", identity)
}

// Resume re-attaches the handler and replays what was published while paused.
func (n *Node) Resume(ctx context.Context) error {
	n.mu.Lock()
	if !n.paused {
		n.mu.Unlock()
		return nil
	}
	n.paused = false
	identity := n.identity
	handler := n.handler
	since := n.pausedAt
	gw := n.gw
	limit := n.cfg.ReplayLimit
	n.mu.Unlock()

	if handler == nil {
		return nil
	}
	n.logger.Info("feed resumed", "component", "feed", "operation", "resume", "identity", identity)
	if gw == nil {
		n.bus.subscribe(identity.String(), handler)
		return nil
	}
	if err := gw.Subscribe(handler); err != nil {
		return err
	}
	missed, err := gw.FetchSince(ctx, identity.String(), since, limit)
	if err != nil {
		return err
	}
	for _, env := range missed {
		handler(env)
	}
	return nil
}

func (n *Node) PublishEvent(ctx context.Context, env Envelope) error {
	n.mu.RLock()
	connected := n.connectedLocked()
	gw := n.gw
	n.mu.RUnlock()
	if !connected {
		return ErrNotConnected
	}
	if env.Recipient == "" {
		return ErrNoRecipient
	}
	if gw != nil {
		return gw.Publish(ctx, env)
	}
	n.bus.Publish(env)
	return nil
}

func (n *Node) ListenAddresses() []string {
	n.mu.RLock()
	defer n.mu.RUnlock()
	if n.gw == nil {
		return nil
	}
	return append([]string(nil), n.gw.ListenAddresses()...)
}

// FetchSince queries the relay store. The mock transport replays its mailbox
// on subscribe instead, so it returns nothing here.
func (n *Node) FetchSince(ctx context.Context, recipient string, since time.Time, limit int) ([]Envelope, error) {
	n.mu.RLock()
	connected := n.connectedLocked()
	gw := n.gw
	n.mu.RUnlock()
	if !connected {
		return nil, ErrNotConnected
	}
	if recipient == "" {
		return nil, ErrNoRecipient
	}
	if gw == nil {
		return nil, nil
	}
	return gw.FetchSince(ctx, recipient, since, limit)
}

func (n *Node) connectedLocked() bool {
	return n.status.State == StateConnected || n.status.State == StateDegraded
}

func (n *Node) setDisconnected() {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.transitionStateLocked(StateDisconnected)
	n.status.PeerCount = 0
	n.status.LastSync = time.Now()
}

// startRuntimeMonitor polls the relay peer count so Status reflects a
// relay that lost all peers (degraded) or regained them (connected).
func (n *Node) startRuntimeMonitor() {
	n.stopRuntimeMonitor()
	ctx, cancel := context.WithCancel(context.Background())
	n.mu.Lock()
	n.monitorCancel = cancel
	n.mu.Unlock()

	n.monitorWG.Add(1)
	go func() {
		defer n.monitorWG.Done()
		ticker := time.NewTicker(runtimeStatusPollInterval)
		defer ticker.Stop()
		for {
			n.refreshRuntimeStatus()
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
		}
	}()
}

func (n *Node) stopRuntimeMonitor() {
	n.mu.Lock()
	cancel := n.monitorCancel
	n.monitorCancel = nil
	n.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	n.monitorWG.Wait()
}

func (n *Node) refreshRuntimeStatus() {
	n.mu.RLock()
	gw := n.gw
	n.mu.RUnlock()
	if gw == nil {
		return
	}
	peers := gw.PeerCount()
	state := StateConnected
	if peers == 0 {
		state = StateDegraded
	}

	n.mu.Lock()
	defer n.mu.Unlock()
	if n.status.State == StateDisconnected || (n.status.State == state && n.status.PeerCount == peers) {
		return
	}
	n.transitionStateLocked(state)
	n.status.PeerCount = peers
	n.status.LastSync = time.Now()
}

func (n *Node) transitionStateLocked(next string) {
	if next != "" && next != n.status.State {
		n.status.State = next
		n.transitions.Inc()
	}
}

// estimatedPeers is what the mock transport reports as its peer count.
func estimatedPeers(cfg Config) int {
	return min(max(len(cfg.BootstrapNodes), 1), 12)
}

// waitForStartupPeerCount gives the relay a short handshake window to reach
// the startup target. Running out of time is not an error; the node starts
// degraded instead.
func waitForStartupPeerCount(ctx context.Context, backend goWakuBackend, cfg Config) (int, error) {
	target := startupPeerTarget(cfg)
	deadline := time.NewTimer(startupHandshakeTimeout(cfg))
	defer deadline.Stop()
	poll := time.NewTicker(200 * time.Millisecond)
	defer poll.Stop()
	for {
		if peers := backend.PeerCount(); peers >= target {
			return peers, nil
		}
		select {
		case <-ctx.Done():
			return backend.PeerCount(), ctx.Err()
		case <-deadline.C:
			return backend.PeerCount(), nil
		case <-poll.C:
		}
	}
}

func startupStateFromPeerCount(peers int, cfg Config) string {
	if peers < startupPeerTarget(cfg) {
		return StateDegraded
	}
	return StateConnected
}

func startupPeerTarget(cfg Config) int {
	target := cfg.MinPeers
	if known := len(cfg.BootstrapNodes); known > 0 {
		target = min(target, known)
	}
	return max(target, 1)
}

// startupHandshakeTimeout is five reconnect intervals, at least two seconds
// and never above the backoff ceiling.
func startupHandshakeTimeout(cfg Config) time.Duration {
	timeout := max(5*cfg.ReconnectInterval, 2*time.Second)
	if cfg.ReconnectBackoffMax > 0 {
		timeout = min(timeout, cfg.ReconnectBackoffMax)
	}
	return timeout
}

// registerCounter returns the already registered collector when c was
// registered before, so two nodes can share one registry.
func registerCounter(reg prometheus.Registerer, c prometheus.Counter) prometheus.Counter {
	if err := reg.Register(c); err != nil {
		var already prometheus.AlreadyRegisteredError
		if errors.As(err, &already) {
			if existing, ok := already.ExistingCollector.(prometheus.Counter); ok {
				return existing
			}
		}
	}
	return c
}
