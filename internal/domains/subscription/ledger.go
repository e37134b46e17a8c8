// Package subscription answers who supports whom and how many users a
// supporter may take on. Tier assignment itself belongs to the billing
// collaborator; the ledger only reads it.
package subscription

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/jellydator/ttlcache/v3"

	"advocate-chat/go-core/internal/domains/contracts"
	"advocate-chat/go-core/internal/platform/metrics"
	"advocate-chat/go-core/internal/platform/privacylog"
	"advocate-chat/go-core/pkg/models"
)

const (
	TierFree        = "free"
	TierSupporter1  = "supporter1"
	TierSupporter3  = "supporter3"
	TierSupporter10 = "supporter10"
	TierUnlimited   = "unlimited"
)

// Unlimited is the capacity of tiers without a cap.
const Unlimited = -1

const DefaultTierCacheTTL = 5 * time.Minute

var (
	ErrCapacityExceeded = errors.New("supporter is at capacity")
	ErrSelfSupport      = errors.New("a user cannot support themselves")
)

var capacities = map[string]int{
	TierFree:        0,
	TierSupporter1:  1,
	TierSupporter3:  3,
	TierSupporter10: 10,
	TierUnlimited:   Unlimited,
}

// Capacity is the number of users a tier may support. Unknown tiers count as
// free.
func Capacity(tier string) int {
	if c, ok := capacities[strings.ToLower(strings.TrimSpace(tier))]; ok {
		return c
	}
	return 0
}

type Options struct {
	TierCacheTTL time.Duration
	Logger       *slog.Logger
	Metrics      *metrics.Metrics
}

type Ledger struct {
	store   contracts.DocumentStore
	tiers   *ttlcache.Cache[models.Identity, string]
	logger  *slog.Logger
	metrics *metrics.Metrics

	// addMu keeps the capacity check and the write of AddSupported together.
	addMu sync.Mutex
}

func NewLedger(store contracts.DocumentStore, opts Options) *Ledger {
	ttl := opts.TierCacheTTL
	if ttl <= 0 {
		ttl = DefaultTierCacheTTL
	}
	return &Ledger{
		store: store,
		tiers: ttlcache.New[models.Identity, string](
			ttlcache.WithTTL[models.Identity, string](ttl),
			ttlcache.WithDisableTouchOnHit[models.Identity, string](),
		),
		logger:  privacylog.Ensure(opts.Logger),
		metrics: opts.Metrics,
	}
}

// Run evicts expired tiers until ctx is done.
func (l *Ledger) Run(ctx context.Context) {
	go l.tiers.Start()
	<-ctx.Done()
	l.tiers.Stop()
}

// Tier returns the cached tier of user, reading the document store on a miss.
func (l *Ledger) Tier(ctx context.Context, user models.Identity) (string, error) {
	if item := l.tiers.Get(user); item != nil {
		return item.Value(), nil
	}
	tier, err := l.store.Tier(ctx, user)
	if err != nil {
		if !errors.Is(err, contracts.ErrNotFound) {
			return "", contracts.WrapCategorizedError(contracts.ErrorCategoryStorage, fmt.Errorf("read tier: %w", err))
		}
		tier = TierFree
	}
	tier = strings.ToLower(strings.TrimSpace(tier))
	if _, known := capacities[tier]; !known {
		tier = TierFree
	}
	l.tiers.Set(user, tier, ttlcache.DefaultTTL)
	return tier, nil
}

func (l *Ledger) CapacityFor(ctx context.Context, user models.Identity) (int, error) {
	tier, err := l.Tier(ctx, user)
	if err != nil {
		return 0, err
	}
	return Capacity(tier), nil
}

// Invalidate drops the cached tier of user.
func (l *Ledger) Invalidate(user models.Identity) {
	l.tiers.Delete(user)
}

func (l *Ledger) Supported(ctx context.Context, supporter models.Identity) ([]models.Identity, error) {
	out, err := l.store.Supported(ctx, supporter)
	if err != nil {
		return nil, contracts.WrapCategorizedError(contracts.ErrorCategoryStorage, err)
	}
	return out, nil
}

func (l *Ledger) IsSupporterOf(ctx context.Context, supporter, supported models.Identity) (bool, error) {
	list, err := l.Supported(ctx, supporter)
	if err != nil {
		return false, err
	}
	for _, id := range list {
		if id == supported {
			return true, nil
		}
	}
	return false, nil
}

// AddSupported records the relation when supporter has capacity left. An
// existing relation is not counted twice.
func (l *Ledger) AddSupported(ctx context.Context, supporter, supported models.Identity) error {
	if supporter.IsZero() || supported.IsZero() {
		return models.ErrInvalidIdentity
	}
	if supporter == supported {
		return ErrSelfSupport
	}
	l.addMu.Lock()
	defer l.addMu.Unlock()

	list, err := l.Supported(ctx, supporter)
	if err != nil {
		return err
	}
	for _, id := range list {
		if id == supported {
			return nil
		}
	}
	capacity, err := l.CapacityFor(ctx, supporter)
	if err != nil {
		return err
	}
	if capacity != Unlimited && len(list) >= capacity {
		l.metrics.CapacityRejected()
		l.logger.Info("supporter capacity exceeded", "component", "subscription", "operation", "add_supported", "supporter", supporter, "capacity", capacity)
		return ErrCapacityExceeded
	}
	if err := l.store.AddSupported(ctx, supporter, supported); err != nil {
		return contracts.WrapCategorizedError(contracts.ErrorCategoryStorage, fmt.Errorf("record supporter: %w", err))
	}
	l.logger.Info("supporter added", "component", "subscription", "operation", "add_supported", "supporter", supporter, "supported", supported)
	return nil
}
