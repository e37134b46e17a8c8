package privacy

import (
	"context"
	"sync"
	"time"

	"advocate-chat/go-core/pkg/models"
)

// Watcher keeps one peer's relation fresh while a direct conversation view is
// open.
type Watcher struct {
	peer   models.Identity
	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
}

// Watch reconciles immediately and then every interval until Stop or ctx
// cancellation. A non-positive interval uses DefaultPollInterval.
func (r *Registry) Watch(ctx context.Context, peer models.Identity, interval time.Duration) *Watcher {
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	r.watch(peer)
	ctx, cancel := context.WithCancel(ctx)
	w := &Watcher{peer: peer, cancel: cancel, done: make(chan struct{})}

	go func() {
		defer close(w.done)
		defer r.unwatch(peer)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		r.reconcileQuietly(ctx, peer)
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				r.reconcileQuietly(ctx, peer)
			}
		}
	}()
	return w
}

func (r *Registry) reconcileQuietly(ctx context.Context, peer models.Identity) {
	if err := r.Reconcile(ctx); err != nil && ctx.Err() == nil {
		r.logger.Debug("block reconcile failed", "component", "privacy", "operation", "watch", "peer", peer, "error", err.Error())
	}
}

func (w *Watcher) Peer() models.Identity { return w.peer }

// Stop is idempotent and waits for the poll loop to exit.
func (w *Watcher) Stop() {
	if w == nil {
		return
	}
	w.once.Do(w.cancel)
	<-w.done
}
