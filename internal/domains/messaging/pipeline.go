// Package messaging sends, receives and orders conversation messages for the
// operator identity. Every outbound text passes the block check and the
// moderation gate before any backend call.
package messaging

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"advocate-chat/go-core/internal/domains/contracts"
	"advocate-chat/go-core/internal/domains/events"
	messagingpolicy "advocate-chat/go-core/internal/domains/messaging/policy"
	moderationpolicy "advocate-chat/go-core/internal/domains/moderation/policy"
	"advocate-chat/go-core/internal/domains/privacy"
	"advocate-chat/go-core/internal/platform/metrics"
	"advocate-chat/go-core/internal/platform/privacylog"
	"advocate-chat/go-core/internal/platform/ratelimiter"
	"advocate-chat/go-core/pkg/models"
)

const DefaultHistoryLimit = 50

// StoreListenerKey is the router key of the pipeline's own listener. View keys
// sort after it, so the store is updated before any view callback runs.
const StoreListenerKey = "messaging/store"

// Leaser pins the session identity for one backend call.
type Leaser interface {
	BeginWrite() (models.Identity, func(), error)
}

type Deps struct {
	Backend contracts.MessageBackend
	Media   contracts.ObjectStorage
	Blocks  *privacy.Registry
	Session Leaser
	Router  *events.Router
}

type Options struct {
	Gate         *moderationpolicy.Gate
	Limiter      *ratelimiter.MapLimiter
	HistoryLimit int
	PollInterval time.Duration
	Now          func() time.Time
	Logger       *slog.Logger
	Metrics      *metrics.Metrics
}

type Pipeline struct {
	deps    Deps
	gate    *moderationpolicy.Gate
	limiter *ratelimiter.MapLimiter
	store   *Store
	history int
	poll    time.Duration
	now     func() time.Time
	logger  *slog.Logger
	metrics *metrics.Metrics
}

func NewPipeline(deps Deps, opts Options) *Pipeline {
	p := &Pipeline{
		deps:    deps,
		gate:    opts.Gate,
		limiter: opts.Limiter,
		store:   NewStore(),
		history: opts.HistoryLimit,
		poll:    opts.PollInterval,
		now:     opts.Now,
		logger:  privacylog.Ensure(opts.Logger),
		metrics: opts.Metrics,
	}
	if p.gate == nil {
		p.gate = moderationpolicy.NewGate()
	}
	if p.history <= 0 {
		p.history = DefaultHistoryLimit
	}
	if p.now == nil {
		p.now = time.Now
	}
	return p
}

// Start registers the pipeline's inbound listener on the router.
func (p *Pipeline) Start() {
	p.deps.Router.Register(StoreListenerKey, events.Handlers{
		OnMessageReceived: func(ev events.MessageReceived) { p.Receive(ev.Message) },
		OnMessageDeleted:  func(ev events.MessageDeleted) { p.store.Remove(ev.Conversation, ev.MessageID) },
	})
}

func (p *Pipeline) Stop() {
	p.deps.Router.Unregister(StoreListenerKey)
}

// Send delivers text to conv as the current identity. Rejections by the block
// check, the moderation gate or the rate limit happen before any network call.
func (p *Pipeline) Send(ctx context.Context, conv models.ConversationRef, text string) (models.Message, error) {
	conv, text, err := messagingpolicy.ValidateSendInput(conv, text)
	if err != nil {
		return models.Message{}, err
	}
	if err := p.checkBlocked(conv); err != nil {
		return models.Message{}, err
	}
	if verdict := p.gate.Check(text); !verdict.Approved {
		p.metrics.ModerationRejected(string(verdict.Reason))
		p.metrics.SendFailed("rejected")
		p.logInfo("send", correlationID(conv, ""), "message rejected", "reason", string(verdict.Reason))
		return models.Message{}, verdict.Err()
	}
	if err := p.checkRate(conv); err != nil {
		return models.Message{}, err
	}
	return p.deliver(ctx, conv, models.TextBody(text))
}

// SendMedia uploads r and sends the resulting URL. Media skips the moderation
// gate but not the block check.
func (p *Pipeline) SendMedia(ctx context.Context, conv models.ConversationRef, name, mime string, r io.Reader) (models.Message, error) {
	conv, name, err := messagingpolicy.ValidateMediaInput(conv, name)
	if err != nil {
		return models.Message{}, err
	}
	if err := p.checkBlocked(conv); err != nil {
		return models.Message{}, err
	}
	if err := p.checkRate(conv); err != nil {
		return models.Message{}, err
	}
	if p.deps.Media == nil {
		return models.Message{}, fmt.Errorf("%w: object storage is not configured", ErrNetworkFailed)
	}

	_, release, err := p.deps.Session.BeginWrite()
	if err != nil {
		return models.Message{}, err
	}
	url, err := p.deps.Media.Upload(ctx, name, mime, r)
	release()
	if err != nil {
		p.metrics.SendFailed("network")
		return models.Message{}, networkFailed("upload", err)
	}
	return p.deliver(ctx, conv, models.MediaBody(url, models.MimeClassOf(mime)))
}

func (p *Pipeline) deliver(ctx context.Context, conv models.ConversationRef, body models.MessageBody) (models.Message, error) {
	_, release, err := p.deps.Session.BeginWrite()
	if err != nil {
		p.metrics.SendFailed("session")
		return models.Message{}, err
	}
	defer release()

	msg, err := p.deps.Backend.SendMessage(ctx, conv, body)
	if err != nil {
		p.metrics.SendFailed("network")
		p.logWarn("send", correlationID(conv, ""), "message send failed", "error", err.Error())
		return models.Message{}, networkFailed("send", err)
	}
	msg.Conversation = conv
	stored, _ := p.store.Insert(msg)
	p.metrics.MessageSent(conv.Type, body.Type)
	p.logInfo("send", correlationID(conv, stored.ID), "message sent", "content_type", body.Type)
	return stored, nil
}

// Delete removes a message the operator sent.
func (p *Pipeline) Delete(ctx context.Context, conv models.ConversationRef, messageID string) error {
	conv, messageID, err := messagingpolicy.ValidateMessageID(conv, messageID)
	if err != nil {
		return err
	}
	_, release, err := p.deps.Session.BeginWrite()
	if err != nil {
		return err
	}
	defer release()
	if err := p.deps.Backend.DeleteMessage(ctx, conv, messageID); err != nil {
		p.logWarn("delete", correlationID(conv, messageID), "message delete failed", "error", err.Error())
		return networkFailed("delete", err)
	}
	p.store.Remove(conv, messageID)
	return nil
}

// History fetches the latest messages of conv from the backend, merges them
// into the local store and returns the visible list.
func (p *Pipeline) History(ctx context.Context, conv models.ConversationRef, limit int) ([]models.Message, error) {
	if err := conv.Validate(); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = p.history
	}
	_, release, err := p.deps.Session.BeginWrite()
	if err != nil {
		return nil, err
	}
	fetched, err := p.deps.Backend.FetchMessages(ctx, conv, limit)
	release()
	if err != nil {
		return nil, networkFailed("history", err)
	}
	for _, msg := range fetched {
		msg.Conversation = conv
		p.Receive(msg)
	}
	return p.Messages(conv), nil
}

func (p *Pipeline) SmartReplies(ctx context.Context, conv models.ConversationRef) ([]string, error) {
	if err := conv.Validate(); err != nil {
		return nil, err
	}
	_, release, err := p.deps.Session.BeginWrite()
	if err != nil {
		return nil, err
	}
	defer release()
	replies, err := p.deps.Backend.SmartReplies(ctx, conv)
	if err != nil {
		return nil, networkFailed("smart_replies", err)
	}
	return replies, nil
}

// Receive applies an inbound message. A message from a blocked sender is
// kept but hidden until the block is lifted.
func (p *Pipeline) Receive(msg models.Message) {
	if p.deps.Blocks.IsBlocked(msg.SenderID) {
		msg.HiddenBlocked = true
	}
	if _, added := p.store.Insert(msg); !added {
		return
	}
	if msg.HiddenBlocked {
		p.metrics.MessageReceived("hidden")
		p.logInfo("receive", correlationID(msg.Conversation, msg.ID), "message hidden", "sender_id", msg.SenderID)
	} else {
		p.metrics.MessageReceived("visible")
	}
}

// Messages returns the visible, ordered messages of conv.
func (p *Pipeline) Messages(conv models.ConversationRef) []models.Message {
	return p.store.List(conv, func(m models.Message) bool {
		return messagingpolicy.Visible(m, p.deps.Blocks.IsBlocked(m.SenderID))
	})
}

func (p *Pipeline) checkBlocked(conv models.ConversationRef) error {
	if conv.IsDirect() && p.deps.Blocks.IsBlocked(conv.Peer) {
		p.metrics.SendFailed("blocked")
		return ErrBlocked
	}
	return nil
}

func (p *Pipeline) checkRate(conv models.ConversationRef) error {
	if ok, wait := p.limiter.AllowAt(conv.Key(), p.now()); !ok {
		p.metrics.SendFailed("rate_limited")
		return fmt.Errorf("%w (retry in %s)", ErrRateLimited, wait.Round(time.Millisecond))
	}
	return nil
}

func networkFailed(op string, err error) error {
	category := contracts.ErrorCategoryNetwork
	if errors.Is(err, contracts.ErrForbidden) || errors.Is(err, contracts.ErrNotFound) {
		category = contracts.ErrorCategoryAPI
	}
	return contracts.WrapCategorizedError(category, fmt.Errorf("%w: %s: %w", ErrNetworkFailed, op, err))
}
