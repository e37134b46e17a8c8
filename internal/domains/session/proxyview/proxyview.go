// Package proxyview lets a supporter read a supported user's conversations by
// temporarily authenticating as that user. The session is always handed back
// to the operator, whatever the work function does.
package proxyview

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"

	"advocate-chat/go-core/internal/domains/contracts"
	"advocate-chat/go-core/internal/platform/privacylog"
	"advocate-chat/go-core/pkg/models"
)

var (
	ErrNotSupporter = errors.New("operator is not a supporter of this user")
	ErrViewClosed   = errors.New("proxy view is closed")
)

// Swapper is the part of session.Manager the viewer drives.
type Swapper interface {
	Primary() models.Identity
	SwapIdentity(ctx context.Context, target models.Identity) (models.Identity, error)
	RestoreIdentity(ctx context.Context, previous models.Identity) error
}

type SupportChecker interface {
	IsSupporterOf(ctx context.Context, supporter, supported models.Identity) (bool, error)
}

// ReadBackend is the read-only slice of the chat backend a view may touch.
type ReadBackend interface {
	ListConversations(ctx context.Context) ([]models.Conversation, error)
	FetchMessages(ctx context.Context, conv models.ConversationRef, limit int) ([]models.Message, error)
	ListGroups(ctx context.Context) ([]models.Group, error)
	GroupMembers(ctx context.Context, groupID string) ([]models.Member, error)
}

type Viewer struct {
	session Swapper
	ledger  SupportChecker
	backend ReadBackend
	logger  *slog.Logger
}

func NewViewer(session Swapper, ledger SupportChecker, backend ReadBackend, logger *slog.Logger) *Viewer {
	return &Viewer{
		session: session,
		ledger:  ledger,
		backend: backend,
		logger:  privacylog.Ensure(logger),
	}
}

// Reader is valid only inside the work function it was passed to.
type Reader struct {
	backend ReadBackend
	as      models.Identity
	closed  atomic.Bool
}

// Identity is the supported user the reader acts as.
func (r *Reader) Identity() models.Identity { return r.as }

func (r *Reader) Conversations(ctx context.Context) ([]models.Conversation, error) {
	if r.closed.Load() {
		return nil, ErrViewClosed
	}
	return r.backend.ListConversations(ctx)
}

func (r *Reader) Messages(ctx context.Context, conv models.ConversationRef, limit int) ([]models.Message, error) {
	if r.closed.Load() {
		return nil, ErrViewClosed
	}
	return r.backend.FetchMessages(ctx, conv, limit)
}

func (r *Reader) Groups(ctx context.Context) ([]models.Group, error) {
	if r.closed.Load() {
		return nil, ErrViewClosed
	}
	return r.backend.ListGroups(ctx)
}

func (r *Reader) Members(ctx context.Context, groupID string) ([]models.Member, error) {
	if r.closed.Load() {
		return nil, ErrViewClosed
	}
	return r.backend.GroupMembers(ctx, groupID)
}

// ViewAs runs work while the backend is authenticated as supported. The
// operator identity is restored on return, on error and on panic; a restore
// failure is joined into the returned error and the panic, if any, keeps
// propagating after the restore.
func ViewAs[T any](ctx context.Context, v *Viewer, supported models.Identity, work func(context.Context, *Reader) (T, error)) (result T, err error) {
	operator := v.session.Primary()
	if operator.IsZero() {
		return result, fmt.Errorf("proxy view: %w", contracts.ErrAuthRejected)
	}
	ok, err := v.ledger.IsSupporterOf(ctx, operator, supported)
	if err != nil {
		return result, err
	}
	if !ok {
		v.logger.Info("proxy view refused", "component", "proxyview", "operation", "view_as", "supporter", operator, "supported", supported)
		return result, ErrNotSupporter
	}

	previous, err := v.session.SwapIdentity(ctx, supported)
	if err != nil {
		return result, err
	}
	reader := &Reader{backend: v.backend, as: supported}

	defer func() {
		reader.closed.Store(true)
		restoreErr := v.session.RestoreIdentity(context.WithoutCancel(ctx), previous)
		if restoreErr == nil {
			return
		}
		v.logger.Error("proxy view restore failed", "component", "proxyview", "operation", "restore", "previous_identity", previous, "error", restoreErr.Error())
		err = errors.Join(err, fmt.Errorf("restore identity: %w", restoreErr))
	}()

	v.logger.Info("proxy view opened", "component", "proxyview", "operation", "view_as", "supporter", operator, "supported", supported)
	return work(ctx, reader)
}
