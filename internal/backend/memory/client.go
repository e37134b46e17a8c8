package memory

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"

	"github.com/google/uuid"

	"advocate-chat/go-core/internal/domains/contracts"
	"advocate-chat/go-core/internal/domains/events"
	"advocate-chat/go-core/pkg/models"
)

// Client is one authenticated connection to the Network. It implements
// contracts.ChatBackend and contracts.ObjectStorage.
type Client struct {
	net *Network

	mu      sync.Mutex
	current models.Identity
}

var (
	_ contracts.ChatBackend   = (*Client)(nil)
	_ contracts.ObjectStorage = (*Client)(nil)
)

func (n *Network) NewClient() *Client {
	return &Client{net: n}
}

// Authenticated reports the identity the connection is logged in as.
func (c *Client) Authenticated() models.Identity {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}

func (c *Client) call(ctx context.Context, op Op) (models.Identity, error) {
	if err := ctx.Err(); err != nil {
		return models.Identity{}, err
	}
	if err := c.net.enter(op); err != nil {
		return models.Identity{}, err
	}
	me := c.Authenticated()
	if me.IsZero() {
		return models.Identity{}, fmt.Errorf("%s: not authenticated: %w", op, contracts.ErrAuthRejected)
	}
	return me, nil
}

func (c *Client) Login(ctx context.Context, id models.Identity) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := c.net.enter(OpLogin); err != nil {
		return err
	}
	c.net.mu.Lock()
	_, known := c.net.users[id]
	c.net.mu.Unlock()
	if !known {
		return fmt.Errorf("unknown identity: %w", contracts.ErrAuthRejected)
	}
	c.mu.Lock()
	c.current = id
	c.mu.Unlock()
	return nil
}

func (c *Client) Logout(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := c.net.enter(OpLogout); err != nil {
		return err
	}
	c.mu.Lock()
	c.current = models.Identity{}
	c.mu.Unlock()
	return nil
}

func (c *Client) SendMessage(ctx context.Context, conv models.ConversationRef, body models.MessageBody) (models.Message, error) {
	me, err := c.call(ctx, OpSendMessage)
	if err != nil {
		return models.Message{}, err
	}
	if err := conv.Validate(); err != nil {
		return models.Message{}, err
	}
	n := c.net
	n.mu.Lock()
	var recipients []models.Identity
	var group models.Group
	if conv.IsDirect() {
		if n.blockedLocked(me, conv.Peer) || n.blockedLocked(conv.Peer, me) {
			n.mu.Unlock()
			return models.Message{}, forbidden("conversation is blocked")
		}
		recipients = []models.Identity{conv.Peer}
	} else {
		g, ok := n.groups[conv.GroupID]
		if !ok || g.State == models.GroupStateDeleted {
			n.mu.Unlock()
			return models.Message{}, notFound("group", conv.GroupID)
		}
		if _, member := g.Members[me]; !member {
			n.mu.Unlock()
			return models.Message{}, forbidden("not a group member")
		}
		group = g.Clone()
	}
	msg := models.Message{
		ID:           uuid.NewString(),
		Conversation: conv,
		SenderID:     me,
		Body:         body,
		SentAt:       n.now(),
	}
	key := n.keyFor(me, conv)
	n.threads[key] = append(n.threads[key], msg)
	n.mu.Unlock()

	if conv.IsDirect() {
		for _, r := range recipients {
			n.publish(r, events.MessageReceived{Meta: n.meta(), Message: relativeTo(r, msg)})
		}
	} else {
		n.publishToMembers(group, me, events.MessageReceived{Meta: n.meta(), Message: msg})
	}
	return msg, nil
}

func (c *Client) FetchMessages(ctx context.Context, conv models.ConversationRef, limit int) ([]models.Message, error) {
	me, err := c.call(ctx, OpFetchMessages)
	if err != nil {
		return nil, err
	}
	n := c.net
	n.mu.Lock()
	defer n.mu.Unlock()
	if conv.IsGroup() {
		g, ok := n.groups[conv.GroupID]
		if !ok {
			return nil, notFound("group", conv.GroupID)
		}
		if _, member := g.Members[me]; !member && g.Type == models.GroupTypePrivate {
			return nil, forbidden("not a group member")
		}
	}
	msgs := n.threads[n.keyFor(me, conv)]
	if limit > 0 && len(msgs) > limit {
		msgs = msgs[len(msgs)-limit:]
	}
	return n.relativeLocked(me, msgs), nil
}

func (c *Client) DeleteMessage(ctx context.Context, conv models.ConversationRef, messageID string) error {
	me, err := c.call(ctx, OpDeleteMessage)
	if err != nil {
		return err
	}
	n := c.net
	n.mu.Lock()
	key := n.keyFor(me, conv)
	msgs := n.threads[key]
	idx := -1
	for i, m := range msgs {
		if m.ID == messageID {
			idx = i
			break
		}
	}
	if idx < 0 {
		n.mu.Unlock()
		return notFound("message", messageID)
	}
	if msgs[idx].SenderID != me {
		n.mu.Unlock()
		return forbidden("only the sender can delete a message")
	}
	n.threads[key] = append(msgs[:idx:idx], msgs[idx+1:]...)
	var group models.Group
	if conv.IsGroup() {
		if g, ok := n.groups[conv.GroupID]; ok {
			group = g.Clone()
		}
	}
	n.mu.Unlock()

	if conv.IsDirect() {
		n.publish(conv.Peer, events.MessageDeleted{Meta: n.meta(), Conversation: models.DirectConversation(me), MessageID: messageID})
	} else {
		n.publishToMembers(group, me, events.MessageDeleted{Meta: n.meta(), Conversation: conv, MessageID: messageID})
	}
	return nil
}

func (c *Client) ListConversations(ctx context.Context) ([]models.Conversation, error) {
	me, err := c.call(ctx, OpListConversations)
	if err != nil {
		return nil, err
	}
	n := c.net
	n.mu.Lock()
	defer n.mu.Unlock()
	var out []models.Conversation
	for key, msgs := range n.threads {
		if key.group != "" || len(msgs) == 0 {
			continue
		}
		var peer models.Identity
		switch me {
		case key.a:
			peer = key.b
		case key.b:
			peer = key.a
		default:
			continue
		}
		last := relativeTo(me, msgs[len(msgs)-1])
		out = append(out, models.Conversation{Ref: models.DirectConversation(peer), Title: peer.String(), LastMessage: &last})
	}
	for id, g := range n.groups {
		if _, member := g.Members[me]; !member || g.State == models.GroupStateDeleted {
			continue
		}
		conv := models.Conversation{Ref: models.GroupConversation(id), Title: g.Name}
		if msgs := n.threads[groupKey(id)]; len(msgs) > 0 {
			last := msgs[len(msgs)-1]
			conv.LastMessage = &last
		}
		out = append(out, conv)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Ref.Key() < out[j].Ref.Key() })
	return out, nil
}

func (c *Client) SmartReplies(ctx context.Context, conv models.ConversationRef) ([]string, error) {
	me, err := c.call(ctx, OpSmartReplies)
	if err != nil {
		return nil, err
	}
	n := c.net
	n.mu.Lock()
	msgs := n.threads[n.keyFor(me, conv)]
	var last models.Message
	if len(msgs) > 0 {
		last = msgs[len(msgs)-1]
	}
	n.mu.Unlock()

	if last.ID == "" || last.SenderID == me {
		return nil, nil
	}
	if strings.HasSuffix(strings.TrimSpace(last.Body.Text), "?") {
		return []string{"Yes", "No", "I'm not sure"}, nil
	}
	return []string{"Thanks!", "Sounds good", "Tell me more"}, nil
}

func (c *Client) BlockUsers(ctx context.Context, ids ...models.Identity) error {
	return c.setBlocks(ctx, OpBlockUsers, true, ids)
}

func (c *Client) UnblockUsers(ctx context.Context, ids ...models.Identity) error {
	return c.setBlocks(ctx, OpUnblockUsers, false, ids)
}

func (c *Client) setBlocks(ctx context.Context, op Op, blocked bool, ids []models.Identity) error {
	me, err := c.call(ctx, op)
	if err != nil {
		return err
	}
	n := c.net
	n.mu.Lock()
	for _, id := range ids {
		n.setBlockLocked(me, id, blocked)
	}
	n.mu.Unlock()
	for _, id := range ids {
		n.publish(id, events.BlockChanged{Meta: n.meta(), Peer: me})
	}
	return nil
}

func (c *Client) BlockedUsers(ctx context.Context) ([]models.Identity, error) {
	me, err := c.call(ctx, OpBlockedUsers)
	if err != nil {
		return nil, err
	}
	n := c.net
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]models.Identity, 0, len(n.blocks[me]))
	for id := range n.blocks[me] {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].String() < out[j].String() })
	return out, nil
}

func (c *Client) BlocksMe(ctx context.Context, peer models.Identity) (bool, error) {
	me, err := c.call(ctx, OpBlocksMe)
	if err != nil {
		return false, err
	}
	n := c.net
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.blockedLocked(peer, me), nil
}

// Upload stores media in memory and returns a memory:// URL.
func (c *Client) Upload(ctx context.Context, name, mime string, r io.Reader) (string, error) {
	if _, err := c.call(ctx, OpUpload); err != nil {
		return "", err
	}
	var buf bytes.Buffer
	if _, err := io.Copy(&buf, r); err != nil {
		return "", fmt.Errorf("read upload: %w", err)
	}
	key := uuid.NewString() + "/" + strings.TrimSpace(name)
	c.net.mu.Lock()
	c.net.media[key] = buf.Bytes()
	c.net.mu.Unlock()
	return "memory://media/" + key + "?class=" + models.MimeClassOf(mime), nil
}
