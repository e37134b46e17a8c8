// Package group drives group membership and ownership transitions for the
// operator identity and keeps a local view of the groups it belongs to.
package group

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"advocate-chat/go-core/internal/domains/contracts"
	grouppolicy "advocate-chat/go-core/internal/domains/group/policy"
	"advocate-chat/go-core/internal/platform/metrics"
	"advocate-chat/go-core/internal/platform/privacylog"
	"advocate-chat/go-core/pkg/models"
)

// ListenerKey is the router key of the lifecycle's remote-update listener.
const ListenerKey = "group/lifecycle"

var (
	ErrGroupNotFound             = grouppolicy.ErrGroupNotFound
	ErrGroupDeleted              = grouppolicy.ErrGroupDeleted
	ErrPermissionDenied          = grouppolicy.ErrPermissionDenied
	ErrNotMember                 = grouppolicy.ErrNotMember
	ErrPrivateGroup              = grouppolicy.ErrPrivateGroup
	ErrOwnerMustTransferOrDelete = grouppolicy.ErrOwnerMustTransferOrDelete
	ErrRenameNotAllowed          = grouppolicy.ErrRenameNotAllowed
)

type Capabilities = grouppolicy.Capabilities

// Session is the part of session.Manager group transitions need.
type Session interface {
	BeginWrite() (models.Identity, func(), error)
	Primary() models.Identity
}

type Options struct {
	Store   *SnapshotStore
	Now     func() time.Time
	Logger  *slog.Logger
	Metrics *metrics.Metrics
}

type Lifecycle struct {
	backend contracts.GroupBackend
	session Session
	store   *SnapshotStore
	now     func() time.Time
	logger  *slog.Logger
	metrics *metrics.Metrics

	mu     sync.RWMutex
	owner  models.Identity
	groups map[string]models.Group
}

func NewLifecycle(backend contracts.GroupBackend, session Session, opts Options) *Lifecycle {
	now := opts.Now
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	return &Lifecycle{
		backend: backend,
		session: session,
		store:   opts.Store,
		now:     now,
		logger:  privacylog.Ensure(opts.Logger),
		metrics: opts.Metrics,
		groups:  make(map[string]models.Group),
	}
}

// LoadSnapshot seeds the local view from the encrypted snapshot of owner.
func (l *Lifecycle) LoadSnapshot(owner models.Identity) error {
	groups, err := l.store.Load(owner)
	if err != nil {
		return contracts.WrapCategorizedError(contracts.ErrorCategoryStorage, err)
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.owner = owner
	for id, g := range groups {
		if _, known := l.groups[id]; !known {
			l.groups[id] = g
		}
	}
	return nil
}

// Create makes a new group with the operator as its owner.
func (l *Lifecycle) Create(ctx context.Context, name string, typ models.GroupType) (g models.Group, err error) {
	defer l.track("create", &err)()
	name, err = grouppolicy.NormalizeGroupTitle(name)
	if err != nil {
		return models.Group{}, err
	}
	if !typ.Valid() {
		return models.Group{}, grouppolicy.ErrInvalidGroupType
	}
	me, release, err := l.session.BeginWrite()
	if err != nil {
		return models.Group{}, err
	}
	defer release()

	g, err = l.backend.CreateGroup(ctx, name, typ)
	if err != nil {
		return models.Group{}, backendError("create group", err)
	}
	if g.State == models.GroupStateCreated {
		g.State = models.GroupStateActive
	}
	l.put(me, g)
	l.logger.Info("group created", "component", "group", "operation", "create", "group_id", g.ID, "type", string(typ))
	return g, nil
}

// Join adds the operator to a public group. Joining a group the operator is
// already in returns it unchanged.
func (l *Lifecycle) Join(ctx context.Context, groupID string) (g models.Group, err error) {
	defer l.track("join", &err)()
	me, release, current, err := l.begin(ctx, groupID)
	if err != nil {
		return models.Group{}, err
	}
	defer release()
	if _, member := current.Members[me]; member && current.State != models.GroupStateDeleted {
		return current, nil
	}
	if err := grouppolicy.EnsureCanJoin(current, me); err != nil {
		return models.Group{}, err
	}
	g, err = l.backend.JoinGroup(ctx, current.ID)
	if err != nil {
		return models.Group{}, backendError("join group", err)
	}
	l.put(me, g)
	return g, nil
}

// Leave removes the operator from a group. The owner must transfer ownership
// or delete the group instead.
func (l *Lifecycle) Leave(ctx context.Context, groupID string) (err error) {
	defer l.track("leave", &err)()
	me, release, current, err := l.begin(ctx, groupID)
	if err != nil {
		return err
	}
	defer release()
	if err := grouppolicy.EnsureCanLeave(current, me); err != nil {
		return err
	}
	if err := l.backend.LeaveGroup(ctx, current.ID); err != nil {
		return backendError("leave group", err)
	}
	l.drop(me, current.ID)
	return nil
}

func (l *Lifecycle) AddMember(ctx context.Context, groupID string, member models.Identity, scope models.MemberScope) (err error) {
	defer l.track("add_member", &err)()
	if member.IsZero() {
		return models.ErrInvalidIdentity
	}
	me, release, current, err := l.begin(ctx, groupID)
	if err != nil {
		return err
	}
	defer release()
	if _, exists := current.Members[member]; exists {
		return nil
	}
	if err := grouppolicy.EnsureCanAdd(current, me, member, scope); err != nil {
		return err
	}
	if err := l.backend.AddMember(ctx, current.ID, member, scope); err != nil {
		return backendError("add member", err)
	}
	l.put(me, grouppolicy.WithMember(current, models.Member{Identity: member, Scope: scope, JoinedAt: l.now()}, l.now()))
	return nil
}

func (l *Lifecycle) RemoveMember(ctx context.Context, groupID string, member models.Identity) (err error) {
	defer l.track("remove_member", &err)()
	me, release, current, err := l.begin(ctx, groupID)
	if err != nil {
		return err
	}
	defer release()
	if err := grouppolicy.EnsureCanRemove(current, me, member); err != nil {
		return err
	}
	if err := l.backend.RemoveMember(ctx, current.ID, member); err != nil {
		return backendError("remove member", err)
	}
	l.put(me, grouppolicy.WithoutMember(current, member, l.now()))
	return nil
}

// TransferOwnership demotes the operator to participant and promotes
// newOwner. The local member map is replaced in one step.
func (l *Lifecycle) TransferOwnership(ctx context.Context, groupID string, newOwner models.Identity) (err error) {
	defer l.track("transfer_ownership", &err)()
	me, release, current, err := l.begin(ctx, groupID)
	if err != nil {
		return err
	}
	defer release()
	if err := grouppolicy.EnsureCanTransfer(current, me, newOwner); err != nil {
		return err
	}
	if err := l.backend.TransferOwnership(ctx, current.ID, newOwner); err != nil {
		return backendError("transfer ownership", err)
	}
	l.put(me, grouppolicy.WithOwner(current, newOwner, l.now()))
	l.logger.Info("group ownership transferred", "component", "group", "operation", "transfer_ownership", "group_id", current.ID, "owner_id", newOwner)
	return nil
}

// Delete ends the group. Deleted is terminal.
func (l *Lifecycle) Delete(ctx context.Context, groupID string) (err error) {
	defer l.track("delete", &err)()
	me, release, current, err := l.begin(ctx, groupID)
	if err != nil {
		return err
	}
	defer release()
	if err := grouppolicy.EnsureCanDelete(current, me); err != nil {
		return err
	}
	if err := l.backend.DeleteGroup(ctx, current.ID); err != nil {
		return backendError("delete group", err)
	}
	l.put(me, grouppolicy.Deleted(current, l.now()))
	return nil
}

// UpdateName renames a private group. Public group names are fixed.
func (l *Lifecycle) UpdateName(ctx context.Context, groupID, name string) (err error) {
	defer l.track("update_name", &err)()
	name, err = grouppolicy.NormalizeGroupTitle(name)
	if err != nil {
		return err
	}
	me, release, current, err := l.begin(ctx, groupID)
	if err != nil {
		return err
	}
	defer release()
	if err := grouppolicy.EnsureCanRename(current, me); err != nil {
		return err
	}
	if err := l.backend.UpdateGroup(ctx, current.ID, contracts.GroupUpdate{Name: &name}); err != nil {
		return backendError("rename group", err)
	}
	next := current.Clone()
	next.Name = name
	next.UpdatedAt = l.now()
	l.put(me, next)
	return nil
}

func (l *Lifecycle) UpdateIcon(ctx context.Context, groupID, icon string) (err error) {
	defer l.track("update_icon", &err)()
	me, release, current, err := l.begin(ctx, groupID)
	if err != nil {
		return err
	}
	defer release()
	if err := grouppolicy.EnsureCanChangeIcon(current, me); err != nil {
		return err
	}
	if err := l.backend.UpdateGroup(ctx, current.ID, contracts.GroupUpdate{Icon: &icon}); err != nil {
		return backendError("update group icon", err)
	}
	next := current.Clone()
	next.Icon = icon
	next.UpdatedAt = l.now()
	l.put(me, next)
	return nil
}

// Capabilities reports what the operator may do in g.
func (l *Lifecycle) Capabilities(g models.Group) Capabilities {
	return grouppolicy.CapabilitiesFor(g, l.session.Primary())
}

// Get fetches a group from the backend and refreshes the local view.
func (l *Lifecycle) Get(ctx context.Context, groupID string) (models.Group, error) {
	_, release, g, err := l.begin(ctx, groupID)
	if err != nil {
		return models.Group{}, err
	}
	release()
	return g, nil
}

// List syncs the operator's groups from the backend. Deleted groups stay in
// the local view as tombstones and are not listed.
func (l *Lifecycle) List(ctx context.Context) ([]models.Group, error) {
	me, release, err := l.session.BeginWrite()
	if err != nil {
		return nil, err
	}
	groups, err := l.backend.ListGroups(ctx)
	release()
	if err != nil {
		return nil, backendError("list groups", err)
	}

	l.mu.Lock()
	next := make(map[string]models.Group, len(groups))
	for id, g := range l.groups {
		if g.State == models.GroupStateDeleted {
			next[id] = g
		}
	}
	for _, g := range groups {
		if old, ok := next[g.ID]; ok && old.State == models.GroupStateDeleted {
			continue
		}
		next[g.ID] = g
	}
	l.owner = me
	l.groups = next
	l.mu.Unlock()
	l.persist()
	return l.Cached(), nil
}

// Cached returns the live groups of the local view without a backend call.
func (l *Lifecycle) Cached() []models.Group {
	l.mu.RLock()
	out := make([]models.Group, 0, len(l.groups))
	for _, g := range l.groups {
		if g.State != models.GroupStateDeleted {
			out = append(out, g.Clone())
		}
	}
	l.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (l *Lifecycle) Members(ctx context.Context, groupID string) ([]models.Member, error) {
	groupID, err := grouppolicy.NormalizeGroupID(groupID)
	if err != nil {
		return nil, err
	}
	_, release, err := l.session.BeginWrite()
	if err != nil {
		return nil, err
	}
	defer release()
	members, err := l.backend.GroupMembers(ctx, groupID)
	if err != nil {
		return nil, backendError("list members", err)
	}
	return members, nil
}

// begin takes the write lease and fetches the authoritative group state. The
// caller owns release.
func (l *Lifecycle) begin(ctx context.Context, groupID string) (models.Identity, func(), models.Group, error) {
	groupID, err := grouppolicy.NormalizeGroupID(groupID)
	if err != nil {
		return models.Identity{}, nil, models.Group{}, err
	}
	if cached, ok := l.cached(groupID); ok && cached.State == models.GroupStateDeleted {
		return models.Identity{}, nil, models.Group{}, ErrGroupDeleted
	}
	me, release, err := l.session.BeginWrite()
	if err != nil {
		return models.Identity{}, nil, models.Group{}, err
	}
	g, err := l.backend.GetGroup(ctx, groupID)
	if err != nil {
		release()
		return models.Identity{}, nil, models.Group{}, backendError("get group", err)
	}
	if _, member := g.Members[me]; member || g.State == models.GroupStateDeleted {
		l.put(me, g)
	}
	return me, release, g, nil
}

func (l *Lifecycle) cached(groupID string) (models.Group, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	g, ok := l.groups[groupID]
	return g, ok
}

func (l *Lifecycle) put(owner models.Identity, g models.Group) {
	l.mu.Lock()
	if old, ok := l.groups[g.ID]; ok && old.State == models.GroupStateDeleted {
		l.mu.Unlock()
		return
	}
	l.owner = owner
	l.groups[g.ID] = g
	l.mu.Unlock()
	l.persist()
}

func (l *Lifecycle) drop(owner models.Identity, groupID string) {
	l.mu.Lock()
	l.owner = owner
	delete(l.groups, groupID)
	l.mu.Unlock()
	l.persist()
}

func (l *Lifecycle) persist() {
	l.mu.RLock()
	owner := l.owner
	snapshot := make(map[string]models.Group, len(l.groups))
	for id, g := range l.groups {
		snapshot[id] = g
	}
	l.mu.RUnlock()
	if err := l.store.Persist(owner, snapshot); err != nil {
		l.logger.Warn("group snapshot persist failed", "component", "group", "operation", "persist", "error", err.Error())
	}
}

func (l *Lifecycle) track(operation string, errRef *error) func() {
	return func() {
		l.metrics.GroupTransition(operation, *errRef)
		if *errRef != nil {
			l.logger.Debug("group transition failed", "component", "group", "operation", operation, "error", (*errRef).Error())
		}
	}
}

func backendError(op string, err error) error {
	switch {
	case errors.Is(err, contracts.ErrNotFound):
		return fmt.Errorf("%s: %w: %w", op, ErrGroupNotFound, err)
	case errors.Is(err, contracts.ErrForbidden):
		return fmt.Errorf("%s: %w: %w", op, ErrPermissionDenied, err)
	default:
		return contracts.WrapCategorizedError(contracts.ErrorCategoryNetwork, fmt.Errorf("%s: %w", op, err))
	}
}
