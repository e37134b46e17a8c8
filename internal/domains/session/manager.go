// Package session owns the single backend session of the process: which
// identity the chat backend is authenticated as, and the swap/restore
// protocol used for delegated viewing.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"advocate-chat/go-core/internal/domains/contracts"
	"advocate-chat/go-core/internal/platform/metrics"
	"advocate-chat/go-core/internal/platform/privacylog"
	"advocate-chat/go-core/internal/securestore"
	"advocate-chat/go-core/pkg/models"
)

var allStates = []string{
	string(models.SessionLoggedOut),
	string(models.SessionLoggingIn),
	string(models.SessionLoggedIn),
	string(models.SessionSwappingOut),
	string(models.SessionSwapped),
	string(models.SessionRestoringIdentity),
	string(models.SessionRestoreFailed),
}

// IdentityChange is passed to observers after every session transition.
type IdentityChange struct {
	Previous models.Identity
	Current  models.Identity
	Primary  models.Identity
	State    models.SessionState
}

// EscalationFunc is called when the previous identity could not be restored
// within the retry budget. The session stays unusable until a later retry
// succeeds.
type EscalationFunc func(previous models.Identity, err error)

type Options struct {
	Journal *securestore.File

	RestoreInitialInterval time.Duration
	RestoreMaxElapsed      time.Duration
	// RestoreRetryInterval paces the background restorer in restore_failed.
	RestoreRetryInterval time.Duration

	OnRestoreFailed EscalationFunc
	Logger          *slog.Logger
	Metrics         *metrics.Metrics
}

// Manager serializes every session transition. Writers hold a lease for the
// duration of one backend mutation; a swap takes the exclusive side of the
// lease lock, waiting for in-flight writes, and keeps it until restore.
type Manager struct {
	backend contracts.AuthBackend
	opts    Options
	journal journal
	logger  *slog.Logger
	metrics *metrics.Metrics

	// transMu serializes transitions that talk to the backend.
	transMu sync.Mutex
	leases  sync.RWMutex

	mu        sync.Mutex
	state     models.SessionState
	current   models.Identity
	primary   models.Identity
	swapFrom  models.Identity
	observers []func(IdentityChange)

	retryCancel context.CancelFunc
	retryWG     sync.WaitGroup
}

func NewManager(backend contracts.AuthBackend, opts Options) *Manager {
	if opts.RestoreInitialInterval <= 0 {
		opts.RestoreInitialInterval = 200 * time.Millisecond
	}
	if opts.RestoreMaxElapsed <= 0 {
		opts.RestoreMaxElapsed = 10 * time.Second
	}
	if opts.RestoreRetryInterval <= 0 {
		opts.RestoreRetryInterval = 30 * time.Second
	}
	m := &Manager{
		backend: backend,
		opts:    opts,
		journal: journal{file: opts.Journal},
		logger:  privacylog.Ensure(opts.Logger),
		metrics: opts.Metrics,
		state:   models.SessionLoggedOut,
	}
	m.metrics.SetSessionState(string(m.state), allStates)
	return m
}

// OnIdentityChanged registers an observer. Observers run synchronously on the
// transitioning goroutine and must not call back into the Manager's
// transition methods.
func (m *Manager) OnIdentityChanged(fn func(IdentityChange)) {
	if fn == nil {
		return
	}
	m.mu.Lock()
	m.observers = append(m.observers, fn)
	m.mu.Unlock()
}

func (m *Manager) CurrentIdentity() (models.Identity, models.SessionState) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current, m.state
}

// Primary is the operator identity: the one the session returns to after a
// swap.
func (m *Manager) Primary() models.Identity {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.primary
}

func (m *Manager) Snapshot() models.Session {
	id, state := m.CurrentIdentity()
	return models.Session{BackendIdentity: id, State: state}
}

func (m *Manager) Login(ctx context.Context, id models.Identity) error {
	if id.IsZero() {
		return models.ErrInvalidIdentity
	}
	m.transMu.Lock()
	defer m.transMu.Unlock()

	m.mu.Lock()
	state, current := m.state, m.current
	m.mu.Unlock()
	if err := refuseWhileSwapped(state); err != nil {
		return err
	}
	if state == models.SessionLoggedIn && current == id {
		return nil
	}

	m.leases.Lock()
	defer m.leases.Unlock()

	// The previous identity must be fully logged out; on failure the session
	// stays as it was.
	if state == models.SessionLoggedIn {
		if err := m.backend.Logout(ctx); err != nil {
			m.logger.Warn("logout before login failed", "component", "session", "operation", "login", "identity", current, "error", err.Error())
			return fmt.Errorf("%w: logout %s: %w", ErrAuthFailure, current, err)
		}
	}
	m.setState(models.SessionLoggingIn, models.Identity{})
	if err := m.backend.Login(ctx, id); err != nil {
		m.setState(models.SessionLoggedOut, models.Identity{})
		m.logger.Warn("login rejected", "component", "session", "operation", "login", "identity", id, "error", err.Error())
		return fmt.Errorf("%w: %w", ErrAuthFailure, err)
	}
	m.mu.Lock()
	m.primary = id
	m.mu.Unlock()
	m.setState(models.SessionLoggedIn, id)
	m.logger.Info("logged in", "component", "session", "operation", "login", "identity", id)
	return nil
}

func (m *Manager) Logout(ctx context.Context) error {
	m.transMu.Lock()
	defer m.transMu.Unlock()

	m.mu.Lock()
	state, current := m.state, m.current
	m.mu.Unlock()
	if err := refuseWhileSwapped(state); err != nil {
		return err
	}
	if state == models.SessionLoggedOut {
		return nil
	}

	m.leases.Lock()
	defer m.leases.Unlock()
	if err := m.backend.Logout(ctx); err != nil {
		return fmt.Errorf("%w: %w", ErrAuthFailure, err)
	}
	m.mu.Lock()
	m.primary = models.Identity{}
	m.mu.Unlock()
	m.setState(models.SessionLoggedOut, models.Identity{})
	m.logger.Info("logged out", "component", "session", "operation", "logout", "identity", current)
	return nil
}

// BeginWrite hands out a write lease bound to the current identity. The
// returned release must be called exactly once.
func (m *Manager) BeginWrite() (models.Identity, func(), error) {
	if err := m.usable(); err != nil {
		return models.Identity{}, nil, err
	}
	if !m.leases.TryRLock() {
		return models.Identity{}, nil, ErrIdentitySwapped
	}
	m.mu.Lock()
	state, id := m.state, m.current
	m.mu.Unlock()
	if state != models.SessionLoggedIn {
		m.leases.RUnlock()
		return models.Identity{}, nil, stateError(state)
	}
	var once sync.Once
	return id, func() { once.Do(m.leases.RUnlock) }, nil
}

// CheckRead reports whether backend reads on behalf of the operator are
// currently allowed.
func (m *Manager) CheckRead() error {
	return m.usable()
}

func (m *Manager) usable() error {
	m.mu.Lock()
	state := m.state
	m.mu.Unlock()
	if state == models.SessionLoggedIn {
		return nil
	}
	return stateError(state)
}

// SwapIdentity re-authenticates the backend as target and returns the
// identity to hand back to RestoreIdentity. Writes are refused until then.
func (m *Manager) SwapIdentity(ctx context.Context, target models.Identity) (models.Identity, error) {
	if target.IsZero() {
		return models.Identity{}, models.ErrInvalidIdentity
	}
	if !m.transMu.TryLock() {
		return models.Identity{}, ErrSwapInProgress
	}
	defer m.transMu.Unlock()

	m.mu.Lock()
	state, previous := m.state, m.current
	m.mu.Unlock()
	switch state {
	case models.SessionLoggedIn:
	case models.SessionSwapped, models.SessionSwappingOut, models.SessionRestoringIdentity:
		return models.Identity{}, ErrSwapInProgress
	default:
		return models.Identity{}, stateError(state)
	}
	if previous == target {
		return models.Identity{}, ErrSameIdentity
	}

	m.leases.Lock()
	if err := m.journal.write(swapRecord{Previous: previous, Target: target, StartedAt: time.Now().UTC()}); err != nil {
		m.leases.Unlock()
		return models.Identity{}, contracts.WrapCategorizedError(contracts.ErrorCategoryStorage, fmt.Errorf("write swap journal: %w", err))
	}

	m.setState(models.SessionSwappingOut, previous)
	if err := m.backend.Logout(ctx); err != nil {
		m.setState(models.SessionLoggedIn, previous)
		_ = m.journal.clear()
		m.leases.Unlock()
		return models.Identity{}, fmt.Errorf("%w: %w", ErrAuthFailure, err)
	}
	if err := m.backend.Login(ctx, target); err != nil {
		m.logger.Warn("swap login rejected, restoring", "component", "session", "operation", "swap", "target_identity", target, "error", err.Error())
		loginErr := fmt.Errorf("%w: %w", ErrAuthFailure, err)
		if restoreErr := m.restoreLocked(ctx, previous); restoreErr != nil {
			return models.Identity{}, errors.Join(loginErr, restoreErr)
		}
		return models.Identity{}, loginErr
	}

	m.mu.Lock()
	m.swapFrom = previous
	m.mu.Unlock()
	m.setState(models.SessionSwapped, target)
	m.metrics.IdentitySwapped()
	m.logger.Info("identity swapped", "component", "session", "operation", "swap", "previous_identity", previous, "target_identity", target)
	return previous, nil
}

// RestoreIdentity ends the swap started by SwapIdentity. It retries with
// exponential backoff; when the budget runs out the session enters
// restore_failed, the escalation hook fires and a background restorer keeps
// trying.
func (m *Manager) RestoreIdentity(ctx context.Context, previous models.Identity) error {
	m.transMu.Lock()
	defer m.transMu.Unlock()

	m.mu.Lock()
	state, swapFrom := m.state, m.swapFrom
	m.mu.Unlock()
	if state == models.SessionRestoreFailed {
		if previous != swapFrom {
			return ErrRestoreMismatch
		}
		return ErrRestoreFailed
	}
	if state != models.SessionSwapped {
		return ErrNoSwap
	}
	if previous != swapFrom {
		return ErrRestoreMismatch
	}
	return m.restoreLocked(ctx, previous)
}

// restoreLocked runs with transMu and the exclusive lease held. On success
// the lease lock is released.
func (m *Manager) restoreLocked(ctx context.Context, previous models.Identity) error {
	m.mu.Lock()
	swapped := m.current
	m.swapFrom = previous
	m.mu.Unlock()
	m.setState(models.SessionRestoringIdentity, swapped)

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = m.opts.RestoreInitialInterval
	policy.MaxElapsedTime = m.opts.RestoreMaxElapsed

	attempt := 0
	err := backoff.RetryNotify(func() error {
		attempt++
		return m.reauthenticate(ctx, previous)
	}, backoff.WithContext(policy, ctx), func(err error, wait time.Duration) {
		m.metrics.RestoreAttempted(true)
		m.logger.Warn("identity restore attempt failed", "component", "session", "operation", "restore", "previous_identity", previous, "attempt", attempt, "retry_in", wait.String(), "error", err.Error())
	})
	if err != nil {
		m.metrics.RestoreAttempted(true)
		m.setState(models.SessionRestoreFailed, models.Identity{})
		m.logger.Error("identity restore failed", "component", "session", "operation", "restore", "previous_identity", previous, "attempts", attempt, "error", err.Error())
		if m.opts.OnRestoreFailed != nil {
			m.opts.OnRestoreFailed(previous, err)
		}
		m.startBackgroundRestore(previous)
		return fmt.Errorf("%w: %w", ErrRestoreFailed, err)
	}
	m.finishRestore(previous)
	return nil
}

func (m *Manager) reauthenticate(ctx context.Context, previous models.Identity) error {
	if err := m.backend.Logout(ctx); err != nil {
		m.logger.Debug("logout before restore failed", "component", "session", "operation", "restore", "error", err.Error())
	}
	if err := m.backend.Login(ctx, previous); err != nil {
		if errors.Is(err, contracts.ErrAuthRejected) {
			return backoff.Permanent(err)
		}
		return err
	}
	return nil
}

func (m *Manager) finishRestore(previous models.Identity) {
	m.metrics.RestoreAttempted(false)
	if err := m.journal.clear(); err != nil {
		m.logger.Warn("swap journal clear failed", "component", "session", "operation", "restore", "error", err.Error())
	}
	m.mu.Lock()
	m.swapFrom = models.Identity{}
	m.mu.Unlock()
	m.setState(models.SessionLoggedIn, previous)
	m.leases.Unlock()
	m.logger.Info("identity restored", "component", "session", "operation", "restore", "identity", previous)
}

func (m *Manager) startBackgroundRestore(previous models.Identity) {
	ctx, cancel := context.WithCancel(context.Background())
	m.mu.Lock()
	if m.retryCancel != nil {
		m.retryCancel()
	}
	m.retryCancel = cancel
	m.mu.Unlock()

	m.retryWG.Add(1)
	go func() {
		defer m.retryWG.Done()
		ticker := time.NewTicker(m.opts.RestoreRetryInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if m.retryRestore(ctx, previous) {
					return
				}
			}
		}
	}()
}

func (m *Manager) retryRestore(ctx context.Context, previous models.Identity) bool {
	m.transMu.Lock()
	defer m.transMu.Unlock()
	m.mu.Lock()
	state := m.state
	m.mu.Unlock()
	if state != models.SessionRestoreFailed {
		return true
	}
	if err := m.reauthenticate(ctx, previous); err != nil {
		m.metrics.RestoreAttempted(true)
		m.logger.Warn("background restore attempt failed", "component", "session", "operation", "restore", "previous_identity", previous, "error", err.Error())
		return false
	}
	m.finishRestore(previous)
	return true
}

// Recover repairs a swap interrupted by a crash: if a journal is present the
// journaled previous identity is logged back in. It must run before anything
// else uses the session.
func (m *Manager) Recover(ctx context.Context) (bool, error) {
	rec, ok, err := m.journal.read()
	if err != nil {
		return false, contracts.WrapCategorizedError(contracts.ErrorCategoryStorage, fmt.Errorf("read swap journal: %w", err))
	}
	if !ok {
		return false, nil
	}
	m.logger.Warn("recovering interrupted identity swap", "component", "session", "operation", "recover", "previous_identity", rec.Previous, "target_identity", rec.Target)
	if err := m.Login(ctx, rec.Previous); err != nil {
		return false, err
	}
	if err := m.journal.clear(); err != nil {
		return true, err
	}
	return true, nil
}

// Close stops the background restorer.
func (m *Manager) Close() {
	m.mu.Lock()
	cancel := m.retryCancel
	m.retryCancel = nil
	m.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	m.retryWG.Wait()
}

func (m *Manager) setState(state models.SessionState, current models.Identity) {
	m.mu.Lock()
	previous := m.current
	m.state = state
	m.current = current
	change := IdentityChange{Previous: previous, Current: current, Primary: m.primary, State: state}
	observers := append([]func(IdentityChange){}, m.observers...)
	m.mu.Unlock()

	m.metrics.SetSessionState(string(state), allStates)
	for _, fn := range observers {
		fn(change)
	}
}

func refuseWhileSwapped(state models.SessionState) error {
	switch state {
	case models.SessionSwappingOut, models.SessionSwapped, models.SessionRestoringIdentity:
		return ErrIdentitySwapped
	case models.SessionRestoreFailed:
		return ErrRestoreFailed
	default:
		return nil
	}
}

func stateError(state models.SessionState) error {
	switch state {
	case models.SessionLoggedIn:
		return nil
	case models.SessionRestoreFailed:
		return ErrRestoreFailed
	case models.SessionSwappingOut, models.SessionSwapped, models.SessionRestoringIdentity:
		return ErrIdentitySwapped
	default:
		return ErrNotLoggedIn
	}
}
