// Package privacy tracks block relations between the operator and peers. The
// backend is the source of truth; Registry is a cache rebuilt on every
// reconcile.
package privacy

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"advocate-chat/go-core/internal/domains/contracts"
	"advocate-chat/go-core/internal/domains/events"
	"advocate-chat/go-core/internal/platform/metrics"
	"advocate-chat/go-core/internal/platform/privacylog"
	"advocate-chat/go-core/pkg/models"
)

// DefaultPollInterval is how often a conversation view re-checks the block
// relation with its peer.
const DefaultPollInterval = 5 * time.Second

// Leaser pins the session identity for the duration of a backend call.
type Leaser interface {
	BeginWrite() (models.Identity, func(), error)
}

// ChangeFunc observes block flips for one peer.
type ChangeFunc func(peer models.Identity, blocked bool)

type Options struct {
	Store   *SnapshotStore
	Logger  *slog.Logger
	Metrics *metrics.Metrics
}

type Registry struct {
	backend contracts.BlockBackend
	lease   Leaser
	store   *SnapshotStore
	logger  *slog.Logger
	metrics *metrics.Metrics

	// reconcileMu keeps reconcile passes from interleaving their replaces.
	reconcileMu sync.Mutex

	mu         sync.RWMutex
	localUser  models.Identity
	byLocal    map[models.Identity]struct{}
	byPeer     map[models.Identity]bool
	watched    map[models.Identity]int
	reconciled bool
	nextObs    int
	observers  map[int]ChangeFunc
}

func NewRegistry(backend contracts.BlockBackend, lease Leaser, opts Options) *Registry {
	return &Registry{
		backend:   backend,
		lease:     lease,
		store:     opts.Store,
		logger:    privacylog.Ensure(opts.Logger),
		metrics:   opts.Metrics,
		byLocal:   make(map[models.Identity]struct{}),
		byPeer:    make(map[models.Identity]bool),
		watched:   make(map[models.Identity]int),
		observers: make(map[int]ChangeFunc),
	}
}

// LoadSnapshot switches the cache to localUser and seeds it from the
// persisted block list of that user. State cached for another user is
// dropped first; for the same user a completed reconcile wins.
func (r *Registry) LoadSnapshot(localUser models.Identity) error {
	r.mu.Lock()
	r.adoptLocked(localUser)
	r.mu.Unlock()

	snap, ok, err := r.store.Load()
	if err != nil {
		return contracts.WrapCategorizedError(contracts.ErrorCategoryStorage, err)
	}
	if !ok || snap.LocalUser != localUser {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.reconciled || r.localUser != localUser {
		return nil
	}
	r.byLocal = toSet(snap.Blocked)
	return nil
}

// adoptLocked makes localUser the owner of the cache, forgetting everything
// learned for a previous owner.
func (r *Registry) adoptLocked(localUser models.Identity) {
	if r.localUser == localUser {
		return
	}
	r.localUser = localUser
	r.byLocal = make(map[models.Identity]struct{})
	r.byPeer = make(map[models.Identity]bool)
	r.reconciled = false
}

func (r *Registry) IsBlocked(peer models.Identity) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.isBlockedLocked(peer)
}

func (r *Registry) isBlockedLocked(peer models.Identity) bool {
	_, local := r.byLocal[peer]
	return local || r.byPeer[peer]
}

func (r *Registry) Relation(peer models.Identity) models.BlockRelation {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, local := r.byLocal[peer]
	return models.BlockRelation{
		LocalUser:      r.localUser,
		Peer:           peer,
		BlockedByLocal: local,
		BlockedByPeer:  r.byPeer[peer],
	}
}

// Blocked lists peers the local user blocked, sorted.
func (r *Registry) Blocked() []models.Identity {
	r.mu.RLock()
	out := make([]models.Identity, 0, len(r.byLocal))
	for id := range r.byLocal {
		out = append(out, id)
	}
	r.mu.RUnlock()
	sortIdentities(out)
	return out
}

// OnChange registers fn for block flips and returns its cancel func.
func (r *Registry) OnChange(fn ChangeFunc) func() {
	r.mu.Lock()
	id := r.nextObs
	r.nextObs++
	r.observers[id] = fn
	r.mu.Unlock()
	return func() {
		r.mu.Lock()
		delete(r.observers, id)
		r.mu.Unlock()
	}
}

// Reconcile fetches the local block list and the blocks-me flag of every
// watched peer, then replaces the cached state in one step.
func (r *Registry) Reconcile(ctx context.Context) error {
	r.reconcileMu.Lock()
	defer r.reconcileMu.Unlock()

	localUser, release, err := r.lease.BeginWrite()
	if err != nil {
		return err
	}
	defer release()

	blocked, err := r.backend.BlockedUsers(ctx)
	if err != nil {
		r.metrics.BlocksReconciled("error", 0)
		return contracts.WrapCategorizedError(contracts.ErrorCategoryNetwork, fmt.Errorf("fetch block list: %w", err))
	}
	peers := r.watchedPeers()
	byPeer := make(map[models.Identity]bool, len(peers))
	for _, peer := range peers {
		blocksMe, err := r.backend.BlocksMe(ctx, peer)
		if err != nil {
			r.metrics.BlocksReconciled("error", 0)
			return contracts.WrapCategorizedError(contracts.ErrorCategoryNetwork, fmt.Errorf("fetch block relation: %w", err))
		}
		byPeer[peer] = blocksMe
	}

	byLocal := toSet(blocked)
	r.mu.Lock()
	before := r.blockedBeforeLocked(byLocal, byPeer)
	r.adoptLocked(localUser)
	r.byLocal = byLocal
	for peer, v := range r.byPeer {
		if _, queried := byPeer[peer]; !queried && r.watched[peer] > 0 {
			byPeer[peer] = v
		}
	}
	r.byPeer = byPeer
	r.reconciled = true
	flips := r.flipsLocked(before)
	observers := r.observersLocked()
	r.mu.Unlock()

	r.metrics.BlocksReconciled("ok", len(byLocal))
	r.persist(localUser, blocked)
	r.notify(observers, flips)
	r.logger.Debug("blocks reconciled", "component", "privacy", "operation", "reconcile", "identity", localUser, "blocked", len(byLocal), "watched", len(peers))
	return nil
}

// SetBlocked blocks or unblocks peer on the backend and updates the cache.
func (r *Registry) SetBlocked(ctx context.Context, peer models.Identity, blocked bool) error {
	if peer.IsZero() {
		return models.ErrInvalidIdentity
	}
	localUser, release, err := r.lease.BeginWrite()
	if err != nil {
		return err
	}
	defer release()

	if blocked {
		err = r.backend.BlockUsers(ctx, peer)
	} else {
		err = r.backend.UnblockUsers(ctx, peer)
	}
	if err != nil {
		return contracts.WrapCategorizedError(contracts.ErrorCategoryNetwork, err)
	}

	r.mu.Lock()
	r.adoptLocked(localUser)
	was := r.isBlockedLocked(peer)
	if blocked {
		r.byLocal[peer] = struct{}{}
	} else {
		delete(r.byLocal, peer)
	}
	now := r.isBlockedLocked(peer)
	list := make([]models.Identity, 0, len(r.byLocal))
	for id := range r.byLocal {
		list = append(list, id)
	}
	observers := r.observersLocked()
	r.mu.Unlock()

	r.persist(localUser, list)
	if was != now {
		r.notify(observers, map[models.Identity]bool{peer: now})
	}
	r.logger.Info("block relation changed", "component", "privacy", "operation", "set_blocked", "peer", peer, "blocked", blocked)
	return nil
}

// EventHandlers reconciles in the background whenever the feed reports a
// block change.
func (r *Registry) EventHandlers(ctx context.Context) events.Handlers {
	return events.Handlers{
		OnBlockChanged: func(ev events.BlockChanged) {
			go func() {
				if err := r.Reconcile(ctx); err != nil {
					r.logger.Debug("event reconcile skipped", "component", "privacy", "operation", "reconcile", "peer", ev.Peer, "error", err.Error())
				}
			}()
		},
	}
}

func (r *Registry) watch(peer models.Identity) {
	r.mu.Lock()
	r.watched[peer]++
	r.mu.Unlock()
}

func (r *Registry) unwatch(peer models.Identity) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.watched[peer] <= 1 {
		delete(r.watched, peer)
		return
	}
	r.watched[peer]--
}

func (r *Registry) watchedPeers() []models.Identity {
	r.mu.RLock()
	out := make([]models.Identity, 0, len(r.watched))
	for id := range r.watched {
		out = append(out, id)
	}
	r.mu.RUnlock()
	sortIdentities(out)
	return out
}

// blockedBeforeLocked records the current flag of every peer either the old
// or the next state mentions.
func (r *Registry) blockedBeforeLocked(nextLocal map[models.Identity]struct{}, nextPeer map[models.Identity]bool) map[models.Identity]bool {
	before := make(map[models.Identity]bool)
	mark := func(id models.Identity) { before[id] = r.isBlockedLocked(id) }
	for id := range r.byLocal {
		mark(id)
	}
	for id := range r.byPeer {
		mark(id)
	}
	for id := range nextLocal {
		mark(id)
	}
	for id := range nextPeer {
		mark(id)
	}
	return before
}

func (r *Registry) flipsLocked(before map[models.Identity]bool) map[models.Identity]bool {
	flips := make(map[models.Identity]bool)
	for id, was := range before {
		if now := r.isBlockedLocked(id); now != was {
			flips[id] = now
		}
	}
	return flips
}

func (r *Registry) observersLocked() []ChangeFunc {
	out := make([]ChangeFunc, 0, len(r.observers))
	for _, fn := range r.observers {
		out = append(out, fn)
	}
	return out
}

func (r *Registry) notify(observers []ChangeFunc, flips map[models.Identity]bool) {
	for peer, blocked := range flips {
		for _, fn := range observers {
			fn(peer, blocked)
		}
	}
}

func (r *Registry) persist(localUser models.Identity, blocked []models.Identity) {
	list := append([]models.Identity(nil), blocked...)
	sortIdentities(list)
	err := r.store.Persist(Snapshot{LocalUser: localUser, Blocked: list, SavedAt: time.Now().UTC()})
	if err != nil {
		r.logger.Warn("block snapshot persist failed", "component", "privacy", "operation", "persist", "error", err.Error())
	}
}

func toSet(ids []models.Identity) map[models.Identity]struct{} {
	out := make(map[models.Identity]struct{}, len(ids))
	for _, id := range ids {
		if !id.IsZero() {
			out[id] = struct{}{}
		}
	}
	return out
}

func sortIdentities(ids []models.Identity) {
	slices.SortFunc(ids, func(a, b models.Identity) int { return strings.Compare(a.String(), b.String()) })
}
