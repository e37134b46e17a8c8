//go:build real_waku

package waku

import (
	"context"
	"errors"
	"log/slog"
	"maps"
	"math/rand/v2"
	"net"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/fxamacker/cbor/v2"
	ma "github.com/multiformats/go-multiaddr"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/waku-org/go-waku/waku/persistence"
	"github.com/waku-org/go-waku/waku/persistence/sqlite"
	wakuNode "github.com/waku-org/go-waku/waku/v2/node"
	"github.com/waku-org/go-waku/waku/v2/protocol"
	legacyStore "github.com/waku-org/go-waku/waku/v2/protocol/legacy_store"
	wpb "github.com/waku-org/go-waku/waku/v2/protocol/pb"
	"github.com/waku-org/go-waku/waku/v2/protocol/relay"
	"github.com/waku-org/go-waku/waku/v2/utils"
)

const (
	feedPubsubTopic  = "/waku/2/default-waku/proto"
	feedContentTopic = "/advocate-chat/1/events/cbor"
)

var errNodeStopped = errors.New("go-waku node is not running")

type relayEnvelope struct {
	ID        string `cbor:"1,keyasint"`
	Recipient string `cbor:"2,keyasint"`
	Payload   []byte `cbor:"3,keyasint"`
}

type goWakuNode struct {
	mu             sync.RWMutex
	node           *wakuNode.WakuNode
	selfID         string
	subCancel      context.CancelFunc
	cfg            Config
	bootstrapNodes []string
	maintainCancel context.CancelFunc
	maintainWG     sync.WaitGroup

	logger     *slog.Logger
	registerer prometheus.Registerer
	dials      *prometheus.CounterVec
	storeQuery *prometheus.CounterVec
}

func newGoWakuBackend(logger *slog.Logger, reg prometheus.Registerer) goWakuBackend {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	g := &goWakuNode{
		logger:     logger,
		registerer: reg,
		dials: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "chatcore",
			Subsystem: "feed",
			Name:      "dials_total",
			Help:      "Bootstrap peer redials by result.",
		}, []string{"result"}),
		storeQuery: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "chatcore",
			Subsystem: "feed",
			Name:      "store_queries_total",
			Help:      "Relay store queries by result.",
		}, []string{"result"}),
	}
	for _, c := range []prometheus.Collector{g.dials, g.storeQuery} {
		if err := reg.Register(c); err != nil {
			var already prometheus.AlreadyRegisteredError
			if !errors.As(err, &already) {
				logger.Warn("feed metric registration failed", "component", "feed", "error", err.Error())
			}
		}
	}
	return g
}

// nodeOptions maps the feed config onto go-waku protocol switches.
func (g *goWakuNode) nodeOptions(cfg Config) ([]wakuNode.WakuNodeOption, error) {
	listen, err := net.ResolveTCPAddr("tcp", net.JoinHostPort("0.0.0.0", strconv.Itoa(cfg.Port)))
	if err != nil {
		return nil, err
	}
	opts := []wakuNode.WakuNodeOption{wakuNode.WithHostAddress(listen)}
	if cfg.EnableRelay {
		opts = append(opts, wakuNode.WithWakuRelay())
	}
	if cfg.EnableStore {
		provider, err := newStoreProvider(g.registerer)
		if err != nil {
			return nil, err
		}
		opts = append(opts, wakuNode.WithMessageProvider(provider), wakuNode.WithWakuStore())
	}
	if cfg.EnableFilter {
		opts = append(opts, wakuNode.WithWakuFilterLightNode(), wakuNode.WithWakuFilterFullNode())
	}
	if cfg.EnableLightPush {
		opts = append(opts, wakuNode.WithLightPush())
	}
	return opts, nil
}

func (g *goWakuNode) Start(ctx context.Context, cfg Config) error {
	opts, err := g.nodeOptions(cfg)
	if err != nil {
		return err
	}
	node, err := wakuNode.New(opts...)
	if err != nil {
		return err
	}
	if err := node.Start(ctx); err != nil {
		return err
	}
	// Unreachable bootstrap peers are retried by peer maintenance.
	for _, addr := range cfg.BootstrapNodes {
		_ = node.DialPeer(ctx, addr)
	}

	g.mu.Lock()
	g.node, g.cfg = node, cfg
	g.bootstrapNodes = slices.Clone(cfg.BootstrapNodes)
	g.mu.Unlock()
	if cfg.FailoverV1 {
		g.startPeerMaintenance()
	}
	return nil
}

func (g *goWakuNode) Stop() {
	g.stopPeerMaintenance()
	g.Unsubscribe()

	g.mu.Lock()
	defer g.mu.Unlock()
	if g.node != nil {
		g.node.Stop()
		g.node = nil
	}
}

func (g *goWakuNode) PeerCount() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	if g.node == nil {
		return 0
	}
	return g.node.PeerCount()
}

func (g *goWakuNode) ApplyConfig(cfg Config) {
	g.mu.Lock()
	g.cfg.MinPeers = cfg.MinPeers
	g.cfg.ReconnectInterval = cfg.ReconnectInterval
	g.cfg.ReconnectBackoffMax = cfg.ReconnectBackoffMax
	g.cfg.FailoverV1 = cfg.FailoverV1
	g.bootstrapNodes = slices.Clone(cfg.BootstrapNodes)
	g.mu.Unlock()

	if cfg.FailoverV1 {
		g.startPeerMaintenance()
		return
	}
	g.stopPeerMaintenance()
}

func (g *goWakuNode) SetIdentity(identityID string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.selfID = identityID
}

func (g *goWakuNode) ListenAddresses() []string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	if g.node == nil {
		return nil
	}
	addrs := g.node.ListenAddresses()
	out := make([]string, 0, len(addrs))
	for _, addr := range addrs {
		out = append(out, addr.String())
	}
	return out
}

// Subscribe replaces any previous relay subscription with one that hands
// the bound identity's envelopes to handler.
func (g *goWakuNode) Subscribe(handler func(Envelope)) error {
	g.Unsubscribe()
	g.mu.RLock()
	node, self := g.node, g.selfID
	g.mu.RUnlock()
	if node == nil {
		return errNodeStopped
	}
	if self == "" {
		return ErrNoRecipient
	}

	ctx, cancel := context.WithCancel(context.Background())
	subs, err := node.Relay().Subscribe(ctx, protocol.NewContentFilter(feedPubsubTopic, feedContentTopic))
	if err != nil {
		cancel()
		return err
	}
	g.mu.Lock()
	g.subCancel = cancel
	g.mu.Unlock()
	for _, sub := range subs {
		go pump(ctx, sub, self, handler)
	}
	return nil
}

func pump(ctx context.Context, sub *relay.Subscription, recipient string, handler func(Envelope)) {
	defer sub.Unsubscribe()
	for {
		select {
		case <-ctx.Done():
			return
		case in, ok := <-sub.Ch:
			if !ok {
				return
			}
			if in == nil || in.Message() == nil {
				continue
			}
			if env, err := decodeRelayEnvelope(in.Message().Payload); err == nil && env.Recipient == recipient {
				handler(env)
			}
		}
	}
}

func (g *goWakuNode) Unsubscribe() {
	g.mu.Lock()
	cancel := g.subCancel
	g.subCancel = nil
	g.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

func (g *goWakuNode) Publish(ctx context.Context, env Envelope) error {
	g.mu.RLock()
	node := g.node
	g.mu.RUnlock()
	if node == nil {
		return errNodeStopped
	}

	payload, err := cbor.Marshal(relayEnvelope(env))
	if err != nil {
		return err
	}
	sentAt := time.Now().UnixNano()
	_, err = node.Relay().Publish(ctx, &wpb.WakuMessage{
		Payload:      payload,
		ContentTopic: feedContentTopic,
		Timestamp:    &sentAt,
	}, relay.WithPubSubTopic(feedPubsubTopic))
	return err
}

// FetchSince pages the relay store for envelopes addressed to recipient.
// With failover on, bootstrap store peers are tried in order before letting
// go-waku pick any connected store peer.
func (g *goWakuNode) FetchSince(ctx context.Context, recipient string, since time.Time, limit int) ([]Envelope, error) {
	g.mu.RLock()
	node := g.node
	cfg := g.cfg
	peers := append([]string(nil), g.bootstrapNodes...)
	g.mu.RUnlock()
	if node == nil {
		return nil, errNodeStopped
	}
	if recipient == "" {
		return nil, ErrNoRecipient
	}
	if limit <= 0 {
		limit = 100
	}
	start, end := since.UnixNano(), time.Now().UnixNano()
	query := legacyStore.Query{
		PubsubTopic:   feedPubsubTopic,
		ContentTopics: []string{feedContentTopic},
		StartTime:     &start,
		EndTime:       &end,
	}

	result, err := g.queryStore(ctx, node, query, storeTargets(peers, cfg), limit)
	if err != nil {
		return nil, err
	}
	collected := newReplaySet(recipient, limit)
	collected.add(result.Messages)
	for !result.IsComplete() && !collected.full() {
		if result, err = node.LegacyStore().Next(ctx, result); err != nil {
			return nil, err
		}
		collected.add(result.Messages)
	}
	return collected.envelopes(), nil
}

// storeTargets lists store peers to ask in order. An empty address means
// "any connected store peer".
func storeTargets(bootstrap []string, cfg Config) []string {
	if !cfg.FailoverV1 {
		return []string{""}
	}
	fanout := max(cfg.StoreQueryFanout, 1)
	targets := make([]string, 0, fanout+1)
	for _, addr := range bootstrap {
		addr = strings.TrimSpace(addr)
		if addr == "" || slices.Contains(targets, addr) {
			continue
		}
		if len(targets) == fanout {
			break
		}
		targets = append(targets, addr)
	}
	return append(targets, "")
}

func (g *goWakuNode) queryStore(ctx context.Context, node *wakuNode.WakuNode, query legacyStore.Query, targets []string, limit int) (*legacyStore.Result, error) {
	var lastErr error
	for i, target := range targets {
		opts := []legacyStore.HistoryRequestOption{legacyStore.WithPaging(true, uint64(limit))}
		if target != "" {
			addr, err := ma.NewMultiaddr(target)
			if err != nil {
				continue
			}
			opts = append(opts, legacyStore.WithPeerAddr(addr))
		}
		result, err := node.LegacyStore().Query(ctx, query, opts...)
		if err != nil {
			g.storeQuery.WithLabelValues("failure").Inc()
			g.logger.Warn("store query attempt failed", "component", "feed", "peer_addr", targetLabel(target), "attempt", i+1, "reason", err.Error())
			lastErr = err
			continue
		}
		if i > 0 {
			g.storeQuery.WithLabelValues("failover").Inc()
			g.logger.Info("store query recovered via failover", "component", "feed", "attempt", i+1)
		} else {
			g.storeQuery.WithLabelValues("ok").Inc()
		}
		return result, nil
	}
	if lastErr == nil {
		lastErr = errors.New("no usable store peer")
	}
	return nil, lastErr
}

func targetLabel(target string) string {
	if target == "" {
		return "auto"
	}
	return target
}

// replaySet keeps the first copy of each envelope for one recipient.
type replaySet struct {
	recipient string
	limit     int
	byID      map[string]Envelope
}

func newReplaySet(recipient string, limit int) *replaySet {
	return &replaySet{recipient: recipient, limit: limit, byID: make(map[string]Envelope, limit)}
}

func (r *replaySet) full() bool { return len(r.byID) >= r.limit }

func (r *replaySet) add(msgs []*wpb.WakuMessage) {
	for _, wm := range msgs {
		if wm == nil {
			continue
		}
		env, err := decodeRelayEnvelope(wm.Payload)
		if err != nil || env.Recipient != r.recipient {
			continue
		}
		if _, dup := r.byID[env.ID]; !dup {
			r.byID[env.ID] = env
		}
	}
}

// envelopes returns the set ordered by id; pages from several peers arrive
// interleaved.
func (r *replaySet) envelopes() []Envelope {
	ids := slices.Sorted(maps.Keys(r.byID))
	if len(ids) > r.limit {
		ids = ids[:r.limit]
	}
	out := make([]Envelope, len(ids))
	for i, id := range ids {
		out[i] = r.byID[id]
	}
	return out
}

func decodeRelayEnvelope(payload []byte) (Envelope, error) {
	var w relayEnvelope
	if err := cbor.Unmarshal(payload, &w); err != nil {
		return Envelope{}, err
	}
	return Envelope(w), nil
}

// startPeerMaintenance redials bootstrap peers whenever the peer count drops
// below the floor, backing off exponentially while redials keep failing.
func (g *goWakuNode) startPeerMaintenance() {
	g.stopPeerMaintenance()
	g.mu.Lock()
	if len(g.bootstrapNodes) == 0 || g.node == nil {
		g.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	g.maintainCancel = cancel
	g.maintainWG.Add(1)
	interval, ceiling := g.cfg.ReconnectInterval, g.cfg.ReconnectBackoffMax
	g.mu.Unlock()

	go func() {
		defer g.maintainWG.Done()
		policy := backoff.NewExponentialBackOff()
		policy.InitialInterval = interval
		policy.MaxInterval = ceiling
		policy.MaxElapsedTime = 0
		policy.RandomizationFactor = 0.25
		for {
			wait := interval
			if g.needMorePeers() {
				if g.redialBootstrapPeers(ctx) || !g.needMorePeers() {
					policy.Reset()
				} else {
					wait = policy.NextBackOff()
				}
			} else {
				policy.Reset()
			}
			select {
			case <-ctx.Done():
				return
			case <-time.After(wait):
			}
		}
	}()
}

func (g *goWakuNode) stopPeerMaintenance() {
	g.mu.Lock()
	cancel := g.maintainCancel
	g.maintainCancel = nil
	g.mu.Unlock()
	if cancel != nil {
		cancel()
		g.maintainWG.Wait()
	}
}

func (g *goWakuNode) needMorePeers() bool {
	g.mu.RLock()
	node := g.node
	known := len(g.bootstrapNodes)
	floor := g.cfg.MinPeers
	g.mu.RUnlock()
	if node == nil || known == 0 {
		return false
	}
	if floor <= 0 {
		floor = min(known, 2)
	}
	return node.PeerCount() < min(floor, known)
}

func (g *goWakuNode) redialBootstrapPeers(ctx context.Context) bool {
	g.mu.RLock()
	node := g.node
	peers := append([]string(nil), g.bootstrapNodes...)
	g.mu.RUnlock()
	if node == nil {
		return false
	}
	rand.Shuffle(len(peers), func(i, j int) { peers[i], peers[j] = peers[j], peers[i] })

	dialed := false
	for _, addr := range peers {
		addr = strings.TrimSpace(addr)
		if addr == "" {
			continue
		}
		if err := node.DialPeer(ctx, addr); err != nil {
			g.dials.WithLabelValues("failure").Inc()
			g.logger.Warn("peer redial failed", "component", "feed", "peer_addr", addr, "reason", err.Error())
			continue
		}
		g.dials.WithLabelValues("success").Inc()
		dialed = true
	}
	if dialed {
		g.logger.Info("bootstrap peers redialed", "component", "feed", "peer_count", node.PeerCount())
	}
	return dialed
}

// newStoreProvider backs the local store protocol with an in-memory sqlite
// database; nothing persists across restarts.
func newStoreProvider(reg prometheus.Registerer) (*persistence.DBStore, error) {
	db, err := sqlite.NewDB(":memory:", utils.Logger())
	if err != nil {
		return nil, err
	}
	return persistence.NewDBStore(
		reg,
		utils.Logger(),
		persistence.WithDB(db),
		persistence.WithMigrations(sqlite.Migrations),
	)
}
