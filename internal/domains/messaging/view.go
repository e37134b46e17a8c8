package messaging

import (
	"context"
	"errors"
	"io"
	"sync"

	"github.com/google/uuid"

	"advocate-chat/go-core/internal/domains/events"
	"advocate-chat/go-core/internal/domains/privacy"
	"advocate-chat/go-core/pkg/models"
)

// ViewCallbacks are the UI hooks of an open conversation. All are optional.
type ViewCallbacks struct {
	OnMessage func(models.Message)
	OnDeleted func(messageID string)
	// OnBlockedNotice fires at most once per view.
	OnBlockedNotice func(models.BlockRelation)
	OnGroupEvent    func(events.Event)
}

// ConversationView is the lifetime of one open conversation screen: its
// router registration and, for direct conversations, its block watcher.
type ConversationView struct {
	p     *Pipeline
	conv  models.ConversationRef
	key   string
	cb    ViewCallbacks
	watch *privacy.Watcher

	cancelChange func()

	mu      sync.Mutex
	noticed bool
	closed  bool
}

// OpenDirect opens a direct conversation with peer and starts polling the
// block relation.
func (p *Pipeline) OpenDirect(ctx context.Context, peer models.Identity, cb ViewCallbacks) (*ConversationView, error) {
	if peer.IsZero() {
		return nil, models.ErrInvalidIdentity
	}
	v := p.newView(models.DirectConversation(peer), cb)
	v.cancelChange = p.deps.Blocks.OnChange(func(changed models.Identity, blocked bool) {
		if changed == peer && blocked {
			v.notice()
		}
	})
	v.watch = p.deps.Blocks.Watch(ctx, peer, p.poll)
	if p.deps.Blocks.IsBlocked(peer) {
		v.notice()
	}
	return v, nil
}

func (p *Pipeline) OpenGroup(ctx context.Context, groupID string, cb ViewCallbacks) (*ConversationView, error) {
	conv := models.GroupConversation(groupID)
	if err := conv.Validate(); err != nil {
		return nil, err
	}
	return p.newView(conv, cb), nil
}

func (p *Pipeline) newView(conv models.ConversationRef, cb ViewCallbacks) *ConversationView {
	v := &ConversationView{
		p:    p,
		conv: conv,
		key:  "messaging/view/" + uuid.NewString(),
		cb:   cb,
	}
	p.deps.Router.Register(v.key, v.handlers())
	return v
}

func (v *ConversationView) handlers() events.Handlers {
	h := events.Handlers{Filter: events.ForConversation(v.conv)}
	h.OnMessageReceived = func(ev events.MessageReceived) {
		if v.cb.OnMessage == nil {
			return
		}
		for _, m := range v.p.Messages(v.conv) {
			if m.ID == ev.Message.ID {
				v.cb.OnMessage(m)
				return
			}
		}
	}
	h.OnMessageDeleted = func(ev events.MessageDeleted) {
		if v.cb.OnDeleted != nil {
			v.cb.OnDeleted(ev.MessageID)
		}
	}
	if v.conv.IsGroup() && v.cb.OnGroupEvent != nil {
		forward := v.cb.OnGroupEvent
		h.OnGroupUpdated = func(ev events.GroupUpdated) { forward(ev) }
		h.OnMemberJoined = func(ev events.MemberJoined) { forward(ev) }
		h.OnMemberLeft = func(ev events.MemberLeft) { forward(ev) }
		h.OnOwnershipTransferred = func(ev events.OwnershipTransferred) { forward(ev) }
		h.OnGroupDeleted = func(ev events.GroupDeleted) { forward(ev) }
	}
	return h
}

func (v *ConversationView) Conversation() models.ConversationRef { return v.conv }

func (v *ConversationView) Key() string { return v.key }

func (v *ConversationView) Messages() []models.Message {
	return v.p.Messages(v.conv)
}

func (v *ConversationView) Send(ctx context.Context, text string) (models.Message, error) {
	if err := v.checkOpen(); err != nil {
		return models.Message{}, err
	}
	msg, err := v.p.Send(ctx, v.conv, text)
	if errors.Is(err, ErrBlocked) {
		v.notice()
	}
	return msg, err
}

func (v *ConversationView) SendMedia(ctx context.Context, name, mime string, r io.Reader) (models.Message, error) {
	if err := v.checkOpen(); err != nil {
		return models.Message{}, err
	}
	msg, err := v.p.SendMedia(ctx, v.conv, name, mime, r)
	if errors.Is(err, ErrBlocked) {
		v.notice()
	}
	return msg, err
}

func (v *ConversationView) Delete(ctx context.Context, messageID string) error {
	if err := v.checkOpen(); err != nil {
		return err
	}
	return v.p.Delete(ctx, v.conv, messageID)
}

func (v *ConversationView) History(ctx context.Context, limit int) ([]models.Message, error) {
	if err := v.checkOpen(); err != nil {
		return nil, err
	}
	return v.p.History(ctx, v.conv, limit)
}

func (v *ConversationView) SmartReplies(ctx context.Context) ([]string, error) {
	if err := v.checkOpen(); err != nil {
		return nil, err
	}
	return v.p.SmartReplies(ctx, v.conv)
}

// Close unregisters the view and stops its watcher. In-flight sends still
// land in the store.
func (v *ConversationView) Close() {
	v.mu.Lock()
	if v.closed {
		v.mu.Unlock()
		return
	}
	v.closed = true
	v.mu.Unlock()

	v.p.deps.Router.Unregister(v.key)
	if v.cancelChange != nil {
		v.cancelChange()
	}
	v.watch.Stop()
}

func (v *ConversationView) checkOpen() error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.closed {
		return ErrViewClosed
	}
	return nil
}

func (v *ConversationView) notice() {
	v.mu.Lock()
	if v.noticed || v.closed {
		v.mu.Unlock()
		return
	}
	v.noticed = true
	v.mu.Unlock()
	if v.cb.OnBlockedNotice != nil {
		v.cb.OnBlockedNotice(v.p.deps.Blocks.Relation(v.conv.Peer))
	}
}
