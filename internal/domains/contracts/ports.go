package contracts

import (
	"context"
	"io"

	"advocate-chat/go-core/pkg/models"
)

// AuthBackend is the identity half of the remote chat service. A client
// connection is authenticated as at most one backend identity at a time.
type AuthBackend interface {
	Login(ctx context.Context, id models.Identity) error
	Logout(ctx context.Context) error
}

// MessageBackend sends and reads messages as the currently authenticated identity.
type MessageBackend interface {
	SendMessage(ctx context.Context, conv models.ConversationRef, body models.MessageBody) (models.Message, error)
	FetchMessages(ctx context.Context, conv models.ConversationRef, limit int) ([]models.Message, error)
	DeleteMessage(ctx context.Context, conv models.ConversationRef, messageID string) error
	ListConversations(ctx context.Context) ([]models.Conversation, error)
	SmartReplies(ctx context.Context, conv models.ConversationRef) ([]string, error)
}

type GroupUpdate struct {
	Name *string
	Icon *string
}

type GroupBackend interface {
	CreateGroup(ctx context.Context, name string, typ models.GroupType) (models.Group, error)
	GetGroup(ctx context.Context, groupID string) (models.Group, error)
	ListGroups(ctx context.Context) ([]models.Group, error)
	GroupMembers(ctx context.Context, groupID string) ([]models.Member, error)
	JoinGroup(ctx context.Context, groupID string) (models.Group, error)
	LeaveGroup(ctx context.Context, groupID string) error
	AddMember(ctx context.Context, groupID string, member models.Identity, scope models.MemberScope) error
	RemoveMember(ctx context.Context, groupID string, member models.Identity) error
	TransferOwnership(ctx context.Context, groupID string, newOwner models.Identity) error
	UpdateGroup(ctx context.Context, groupID string, update GroupUpdate) error
	DeleteGroup(ctx context.Context, groupID string) error
}

type BlockBackend interface {
	BlockUsers(ctx context.Context, ids ...models.Identity) error
	UnblockUsers(ctx context.Context, ids ...models.Identity) error
	BlockedUsers(ctx context.Context) ([]models.Identity, error)
	// BlocksMe reports whether peer has blocked the authenticated identity.
	BlocksMe(ctx context.Context, peer models.Identity) (bool, error)
}

// ChatBackend is the full remote chat service contract consumed by the core.
type ChatBackend interface {
	AuthBackend
	MessageBackend
	GroupBackend
	BlockBackend
}

// DocumentStore is the read side of the user-profile database. The only write
// the core performs is recording a new supporter relation.
type DocumentStore interface {
	Tier(ctx context.Context, user models.Identity) (string, error)
	Supported(ctx context.Context, supporter models.Identity) ([]models.Identity, error)
	Supporters(ctx context.Context, user models.Identity) ([]models.Identity, error)
	AddSupported(ctx context.Context, supporter, supported models.Identity) error
}

// ObjectStorage exchanges uploaded media for an opaque URL.
type ObjectStorage interface {
	Upload(ctx context.Context, name, mime string, r io.Reader) (string, error)
}
