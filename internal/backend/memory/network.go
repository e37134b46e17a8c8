// Package memory is an in-process chat backend. It backs the CLI demo mode
// and the package tests: several Clients share one Network the way several
// devices share the hosted chat service.
package memory

import (
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"advocate-chat/go-core/internal/domains/contracts"
	"advocate-chat/go-core/internal/domains/events"
	"advocate-chat/go-core/internal/platform/privacylog"
	"advocate-chat/go-core/internal/waku"
	"advocate-chat/go-core/pkg/models"
)

// Op names a backend call for failure injection and call counting.
type Op string

const (
	OpLogin             Op = "login"
	OpLogout            Op = "logout"
	OpSendMessage       Op = "send_message"
	OpFetchMessages     Op = "fetch_messages"
	OpDeleteMessage     Op = "delete_message"
	OpListConversations Op = "list_conversations"
	OpSmartReplies      Op = "smart_replies"
	OpCreateGroup       Op = "create_group"
	OpGetGroup          Op = "get_group"
	OpListGroups        Op = "list_groups"
	OpGroupMembers      Op = "group_members"
	OpJoinGroup         Op = "join_group"
	OpLeaveGroup        Op = "leave_group"
	OpAddMember         Op = "add_member"
	OpRemoveMember      Op = "remove_member"
	OpTransferOwnership Op = "transfer_ownership"
	OpUpdateGroup       Op = "update_group"
	OpDeleteGroup       Op = "delete_group"
	OpBlockUsers        Op = "block_users"
	OpUnblockUsers      Op = "unblock_users"
	OpBlockedUsers      Op = "blocked_users"
	OpBlocksMe          Op = "blocks_me"
	OpUpload            Op = "upload"
)

// Publisher receives feed envelopes; *waku.Bus satisfies it.
type Publisher interface {
	Publish(env waku.Envelope)
}

type threadKey struct {
	group string
	a, b  models.Identity
}

func directKey(x, y models.Identity) threadKey {
	if y.String() < x.String() {
		x, y = y, x
	}
	return threadKey{a: x, b: y}
}

func groupKey(id string) threadKey {
	return threadKey{group: id}
}

type injectedFailure struct {
	err   error
	count int
}

type Options struct {
	Feed   Publisher
	Logger *slog.Logger
	Now    func() time.Time
}

// Network is the shared state of the fake service.
type Network struct {
	mu       sync.Mutex
	users    map[models.Identity]struct{}
	threads  map[threadKey][]models.Message
	groups   map[string]*models.Group
	blocks   map[models.Identity]map[models.Identity]struct{}
	media    map[string][]byte
	calls    map[Op]int
	failures map[Op]*injectedFailure

	feed   Publisher
	logger *slog.Logger
	now    func() time.Time
}

func NewNetwork(opts Options) *Network {
	now := opts.Now
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	return &Network{
		users:    make(map[models.Identity]struct{}),
		threads:  make(map[threadKey][]models.Message),
		groups:   make(map[string]*models.Group),
		blocks:   make(map[models.Identity]map[models.Identity]struct{}),
		media:    make(map[string][]byte),
		calls:    make(map[Op]int),
		failures: make(map[Op]*injectedFailure),
		feed:     opts.Feed,
		logger:   privacylog.Ensure(opts.Logger),
		now:      now,
	}
}

// Register creates accounts; unknown identities are rejected at login.
func (n *Network) Register(ids ...models.Identity) {
	n.mu.Lock()
	defer n.mu.Unlock()
	for _, id := range ids {
		n.users[id] = struct{}{}
	}
}

// FailNext makes the next count calls of op return err. A negative count
// fails until Heal.
func (n *Network) FailNext(op Op, err error, count int) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.failures[op] = &injectedFailure{err: err, count: count}
}

func (n *Network) Heal(op Op) {
	n.mu.Lock()
	defer n.mu.Unlock()
	delete(n.failures, op)
}

func (n *Network) Calls(op Op) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.calls[op]
}

func (n *Network) TotalCalls() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	total := 0
	for _, c := range n.calls {
		total += c
	}
	return total
}

// SetBlock records owner blocking peer directly, as another device would.
func (n *Network) SetBlock(owner, peer models.Identity, blocked bool) {
	n.mu.Lock()
	n.setBlockLocked(owner, peer, blocked)
	n.mu.Unlock()
	n.publish(peer, events.BlockChanged{Meta: n.meta(), Peer: owner})
}

// Thread returns a copy of the stored messages of a conversation as seen by
// viewer.
func (n *Network) Thread(viewer models.Identity, conv models.ConversationRef) []models.Message {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.relativeLocked(viewer, n.threads[n.keyFor(viewer, conv)])
}

func (n *Network) setBlockLocked(owner, peer models.Identity, blocked bool) {
	set := n.blocks[owner]
	if set == nil {
		set = make(map[models.Identity]struct{})
		n.blocks[owner] = set
	}
	if blocked {
		set[peer] = struct{}{}
	} else {
		delete(set, peer)
	}
}

func (n *Network) blockedLocked(owner, peer models.Identity) bool {
	_, ok := n.blocks[owner][peer]
	return ok
}

// enter counts the call and returns an injected failure, if any.
func (n *Network) enter(op Op) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.calls[op]++
	f, ok := n.failures[op]
	if !ok {
		return nil
	}
	if f.count > 0 {
		f.count--
		if f.count == 0 {
			delete(n.failures, op)
		}
	}
	return f.err
}

func (n *Network) keyFor(viewer models.Identity, conv models.ConversationRef) threadKey {
	if conv.IsGroup() {
		return groupKey(conv.GroupID)
	}
	return directKey(viewer, conv.Peer)
}

// relativeLocked rewrites direct conversation refs so Peer is the other
// participant from viewer's point of view.
func (n *Network) relativeLocked(viewer models.Identity, msgs []models.Message) []models.Message {
	out := make([]models.Message, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, relativeTo(viewer, m))
	}
	return out
}

func relativeTo(viewer models.Identity, m models.Message) models.Message {
	if !m.Conversation.IsDirect() {
		return m
	}
	if m.SenderID != viewer {
		m.Conversation = models.DirectConversation(m.SenderID)
	}
	return m
}

func (n *Network) meta() events.Meta {
	return events.Meta{ID: uuid.NewString(), OccurredAt: n.now()}
}

func (n *Network) publish(recipient models.Identity, ev events.Event) {
	if n.feed == nil || recipient.IsZero() {
		return
	}
	payload, err := events.Encode(ev)
	if err != nil {
		n.logger.Warn("event encode failed", "component", "memory_backend", "operation", "publish", "error", err.Error())
		return
	}
	n.feed.Publish(waku.Envelope{ID: ev.EventID(), Recipient: recipient.String(), Payload: payload})
}

func (n *Network) publishToMembers(g models.Group, skip models.Identity, ev events.Event) {
	ids := make([]models.Identity, 0, len(g.Members))
	for id := range g.Members {
		if id != skip {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i].String() < ids[j].String() })
	for _, id := range ids {
		n.publish(id, ev)
	}
}

func notFound(kind, id string) error {
	return fmt.Errorf("%s %q: %w", kind, id, contracts.ErrNotFound)
}

func forbidden(reason string) error {
	return fmt.Errorf("%s: %w", strings.TrimSpace(reason), contracts.ErrForbidden)
}
