// Package client assembles the session and sync core from configuration:
// feed transport, event router, session manager, block registry, supporter
// ledger, message pipeline, group lifecycle and the supporter proxy viewer.
package client

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"advocate-chat/go-core/internal/backend/memory"
	"advocate-chat/go-core/internal/config"
	"advocate-chat/go-core/internal/docstore"
	"advocate-chat/go-core/internal/domains/contracts"
	"advocate-chat/go-core/internal/domains/events"
	"advocate-chat/go-core/internal/domains/group"
	"advocate-chat/go-core/internal/domains/messaging"
	moderationpolicy "advocate-chat/go-core/internal/domains/moderation/policy"
	"advocate-chat/go-core/internal/domains/privacy"
	"advocate-chat/go-core/internal/domains/session"
	"advocate-chat/go-core/internal/domains/session/proxyview"
	"advocate-chat/go-core/internal/domains/subscription"
	"advocate-chat/go-core/internal/platform/metrics"
	"advocate-chat/go-core/internal/platform/privacylog"
	"advocate-chat/go-core/internal/platform/ratelimiter"
	"advocate-chat/go-core/internal/securestore"
	"advocate-chat/go-core/internal/waku"
	"advocate-chat/go-core/pkg/models"
)

const privacyListenerKey = "privacy/blocks"

var (
	ErrNotStarted = errors.New("client is not started")
	ErrClosed     = errors.New("client is closed")
)

// Backend is everything the core needs from the remote chat service.
type Backend interface {
	contracts.ChatBackend
	contracts.ObjectStorage
}

type Options struct {
	// Backend is the remote chat service. When nil an in-process network is
	// created on Bus and exposed through Network.
	Backend Backend
	// Bus is the in-process feed transport shared with the backend fake.
	Bus *waku.Bus
	// Documents overrides the configured document store.
	Documents contracts.DocumentStore
	// ModerationTerms extends the built-in profanity list.
	ModerationTerms []string
	Logger          *slog.Logger
	Metrics         *metrics.Metrics
}

type Client struct {
	cfg     config.Config
	logger  *slog.Logger
	metrics *metrics.Metrics

	Network   *memory.Network
	Feed      *waku.Node
	Router    *events.Router
	Session   *session.Manager
	Blocks    *privacy.Registry
	Ledger    *subscription.Ledger
	Messaging *messaging.Pipeline
	Groups    *group.Lifecycle
	Viewer    *proxyview.Viewer

	closeDocs func() error

	// ctx bounds background work; it is cancelled by Close.
	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	started bool
	closed  bool
	wg      sync.WaitGroup
}

func New(cfg config.Config, opts Options) (*Client, error) {
	logger := privacylog.Ensure(opts.Logger)
	m := opts.Metrics
	if m == nil {
		m = metrics.New()
	}
	bus := opts.Bus
	if bus == nil {
		bus = waku.NewBus()
	}

	c := &Client{cfg: cfg, logger: logger, metrics: m}
	c.ctx, c.cancel = context.WithCancel(context.Background())

	backend := opts.Backend
	if backend == nil {
		c.Network = memory.NewNetwork(memory.Options{Feed: bus, Logger: logger})
		backend = c.Network.NewClient()
	}

	docs := opts.Documents
	c.closeDocs = func() error { return nil }
	if docs == nil {
		path := cfg.Docstore.Path
		if cfg.Docstore.Driver == docstore.DriverSQLite {
			path = cfg.ResolvePath(path)
		}
		store, closeFn, err := docstore.Open(cfg.Docstore.Driver, path)
		if err != nil {
			return nil, fmt.Errorf("open document store: %w", err)
		}
		docs, c.closeDocs = store, closeFn
	}

	c.Router = events.NewRouter(events.RouterOptions{
		DedupeWindow: cfg.Events.DedupeWindow,
		Logger:       logger,
		Metrics:      m,
	})
	c.Feed = waku.NewNode(cfg.Feed, waku.Options{Bus: bus, Logger: logger, Registerer: m.Registry()})

	c.Session = session.NewManager(backend, session.Options{
		Journal:                c.stateFile(cfg.Session.JournalPath),
		RestoreInitialInterval: cfg.Session.RestoreInitialInterval,
		RestoreMaxElapsed:      cfg.Session.RestoreMaxElapsed,
		RestoreRetryInterval:   cfg.Session.RestoreRetryInterval,
		OnRestoreFailed: func(previous models.Identity, err error) {
			logger.Error("identity restore escalated", "component", "client", "operation", "restore", "previous_identity", previous, "error", err.Error())
		},
		Logger:  logger,
		Metrics: m,
	})

	c.Blocks = privacy.NewRegistry(backend, c.Session, privacy.Options{
		Store:   privacy.NewSnapshotStore(c.stateFile(cfg.Blocks.CachePath)),
		Logger:  logger,
		Metrics: m,
	})
	c.Ledger = subscription.NewLedger(docs, subscription.Options{
		TierCacheTTL: cfg.Subscription.TierCacheTTL,
		Logger:       logger,
		Metrics:      m,
	})
	c.Messaging = messaging.NewPipeline(messaging.Deps{
		Backend: backend,
		Media:   backend,
		Blocks:  c.Blocks,
		Session: c.Session,
		Router:  c.Router,
	}, messaging.Options{
		Gate:         moderationpolicy.NewGate(opts.ModerationTerms...),
		Limiter:      ratelimiter.New(cfg.Messaging.SendRateLimitRPS, cfg.Messaging.SendRateLimitBurst, 0),
		HistoryLimit: cfg.Messaging.HistoryLimit,
		PollInterval: cfg.Blocks.PollInterval,
		Logger:       logger,
		Metrics:      m,
	})
	c.Groups = group.NewLifecycle(backend, c.Session, group.Options{
		Store:   group.NewSnapshotStore(c.stateFile(cfg.Groups.CachePath)),
		Logger:  logger,
		Metrics: m,
	})
	c.Viewer = proxyview.NewViewer(c.Session, c.Ledger, backend, logger)

	c.Session.OnIdentityChanged(c.onIdentityChanged)
	return c, nil
}

func (c *Client) stateFile(path string) *securestore.File {
	return securestore.NewFile(c.cfg.ResolvePath(path), c.cfg.Storage.Secret)
}

// Start connects the feed, repairs an interrupted swap and registers the
// long-lived listeners. It must run before any other use of the client.
func (c *Client) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	if c.started {
		return nil
	}
	if err := c.Feed.Start(ctx); err != nil {
		return contracts.WrapCategorizedError(contracts.ErrorCategoryNetwork, fmt.Errorf("start feed: %w", err))
	}
	if recovered, err := c.Session.Recover(ctx); err != nil {
		_ = c.Feed.Stop(ctx)
		return err
	} else if recovered {
		c.logger.Info("interrupted swap repaired", "component", "client", "operation", "start")
	}

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.Ledger.Run(c.ctx)
	}()
	c.Router.Register(privacyListenerKey, c.Blocks.EventHandlers(c.ctx))
	c.Messaging.Start()
	c.Groups.Start(c.Router)
	c.started = true
	return nil
}

// Login authenticates the operator, seeds the local caches from disk and
// binds the feed. A failed block reconcile is logged; the cached snapshot
// stays in effect.
func (c *Client) Login(ctx context.Context, operator models.Identity) error {
	c.mu.Lock()
	started := c.started
	c.mu.Unlock()
	if !started {
		return ErrNotStarted
	}
	if err := c.Session.Login(ctx, operator); err != nil {
		return err
	}
	if err := c.Blocks.LoadSnapshot(operator); err != nil {
		c.logger.Warn("block snapshot not loaded", "component", "client", "operation", "login", "identity", operator, "error", err.Error())
	}
	if err := c.Groups.LoadSnapshot(operator); err != nil {
		c.logger.Warn("group snapshot not loaded", "component", "client", "operation", "login", "identity", operator, "error", err.Error())
	}
	if err := c.Blocks.Reconcile(ctx); err != nil {
		c.logger.Warn("block reconcile failed", "component", "client", "operation", "login", "identity", operator, "error", err.Error())
	}
	return nil
}

// Ready reports whether the session can serve reads and writes for the
// operator. It fails while logged out, swapped or in restore_failed.
func (c *Client) Ready() error {
	return c.Session.CheckRead()
}

// onIdentityChanged keeps the feed bound to the operator only. Events for a
// swapped-in identity are never delivered to the operator's listeners.
func (c *Client) onIdentityChanged(ch session.IdentityChange) {
	if ch.State == models.SessionLoggedIn && ch.Current == ch.Primary {
		c.bindFeed(ch.Current)
		return
	}
	c.Feed.Pause()
}

func (c *Client) bindFeed(operator models.Identity) {
	if c.Feed.Status().Identity == operator {
		if err := c.Feed.Resume(c.ctx); err != nil {
			c.logger.Warn("feed resume failed", "component", "client", "operation", "bind_feed", "identity", operator, "error", err.Error())
		}
		return
	}
	if err := c.Feed.SubscribeEvents(operator, c.handleEnvelope); err != nil {
		c.logger.Warn("feed subscribe failed", "component", "client", "operation", "bind_feed", "identity", operator, "error", err.Error())
	}
}

// handleEnvelope decodes one feed payload and hands it to the router.
func (c *Client) handleEnvelope(env waku.Envelope) {
	ev, err := events.Decode(env.Payload)
	if err != nil {
		reason := "malformed"
		if errors.Is(err, events.ErrUnknownKind) {
			reason = "unknown_kind"
		}
		c.metrics.EventDropped(reason)
		c.logger.Debug("feed envelope dropped", "component", "client", "operation", "feed", "event_id", env.ID, "error", err.Error())
		return
	}
	c.Router.Dispatch(ev)
}

// Close unregisters the listeners and releases the feed and the document
// store. A swap still in flight stays journaled and is repaired by the next
// process's Start.
func (c *Client) Close(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	started := c.started
	c.started, c.closed = false, true
	c.mu.Unlock()

	if started {
		c.Groups.Stop(c.Router)
		c.Messaging.Stop()
		c.Router.Unregister(privacyListenerKey)
	}
	c.cancel()
	c.wg.Wait()
	c.Session.Close()
	return errors.Join(c.Feed.Stop(ctx), c.closeDocs())
}
