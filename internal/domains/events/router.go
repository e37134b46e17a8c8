package events

import (
	"log/slog"
	"sort"
	"strings"
	"sync"
	"sync/atomic"

	lru "github.com/hashicorp/golang-lru/v2"

	"advocate-chat/go-core/internal/platform/metrics"
	"advocate-chat/go-core/internal/platform/privacylog"
)

const defaultDedupeWindow = 4096

type RouterOptions struct {
	// DedupeWindow is how many recent event ids are remembered to drop
	// redeliveries. Zero uses the default; negative disables de-duplication.
	DedupeWindow int
	Logger       *slog.Logger
	Metrics      *metrics.Metrics
}

type registration struct {
	key      string
	handlers Handlers
	active   atomic.Bool
}

// Router keeps at most one registration per key. Registering an existing key
// replaces the previous handlers. Once Register returns, no Dispatch that
// starts afterwards calls the replaced handlers, and a Dispatch on the same
// goroutine (a handler re-registering) skips them for the rest of the event.
// A Dispatch running on another goroutine may already have selected a
// replaced handler; that one call can still run. Register never waits for
// running handlers. Unregister is idempotent.
//
// Dispatch delivers one event at a time. Handlers may call Register and
// Unregister, including for their own key.
type Router struct {
	mu   sync.Mutex
	regs map[string]*registration

	deliverMu sync.Mutex
	seen      *lru.Cache[string, struct{}]

	logger  *slog.Logger
	metrics *metrics.Metrics
}

func NewRouter(opts RouterOptions) *Router {
	r := &Router{
		regs:    make(map[string]*registration),
		logger:  privacylog.Ensure(opts.Logger),
		metrics: opts.Metrics,
	}
	window := opts.DedupeWindow
	if window == 0 {
		window = defaultDedupeWindow
	}
	if window > 0 {
		cache, err := lru.New[string, struct{}](window)
		if err == nil {
			r.seen = cache
		}
	}
	return r
}

func (r *Router) Register(key string, handlers Handlers) {
	key = strings.TrimSpace(key)
	if key == "" {
		return
	}
	next := &registration{key: key, handlers: handlers}
	next.active.Store(true)

	r.mu.Lock()
	if old, ok := r.regs[key]; ok {
		old.active.Store(false)
	}
	r.regs[key] = next
	count := len(r.regs)
	r.mu.Unlock()

	r.metrics.ListenersActive(count)
	r.logger.Debug("listener registered", "component", "events", "operation", "register", "listener", key)
}

func (r *Router) Unregister(key string) {
	key = strings.TrimSpace(key)
	r.mu.Lock()
	old, ok := r.regs[key]
	if ok {
		old.active.Store(false)
		delete(r.regs, key)
	}
	count := len(r.regs)
	r.mu.Unlock()

	if ok {
		r.metrics.ListenersActive(count)
		r.logger.Debug("listener unregistered", "component", "events", "operation", "unregister", "listener", key)
	}
}

func (r *Router) Registered(key string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.regs[strings.TrimSpace(key)]
	return ok
}

func (r *Router) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.regs)
}

// Dispatch delivers ev to every active registration and returns the number of
// callbacks invoked. Redelivered event ids are dropped.
func (r *Router) Dispatch(ev Event) int {
	if ev == nil {
		return 0
	}
	if id := ev.EventID(); id != "" && r.seen != nil {
		if dup, _ := r.seen.ContainsOrAdd(id, struct{}{}); dup {
			r.metrics.EventDropped("duplicate")
			return 0
		}
	}

	r.deliverMu.Lock()
	defer r.deliverMu.Unlock()

	delivered := 0
	for _, reg := range r.snapshot() {
		if !reg.active.Load() {
			continue
		}
		if reg.handlers.deliver(ev) {
			delivered++
		}
	}
	r.metrics.EventDispatched(string(ev.Kind()))
	return delivered
}

func (r *Router) snapshot() []*registration {
	r.mu.Lock()
	out := make([]*registration, 0, len(r.regs))
	for _, reg := range r.regs {
		out = append(out, reg)
	}
	r.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].key < out[j].key })
	return out
}
