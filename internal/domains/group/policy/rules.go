// Package policy holds the pure membership rules of group lifecycle
// transitions. The backend enforces the same rules; checking locally first
// gives callers precise errors without a round trip.
package policy

import (
	"errors"
	"strings"

	"advocate-chat/go-core/pkg/models"
)

var (
	ErrGroupNotFound             = errors.New("group not found")
	ErrInvalidGroupID            = errors.New("invalid group id")
	ErrInvalidGroupTitle         = errors.New("group title is required")
	ErrInvalidGroupType          = errors.New("invalid group type")
	ErrInvalidMemberScope        = errors.New("invalid group member scope")
	ErrGroupDeleted              = errors.New("group is deleted")
	ErrPermissionDenied          = errors.New("group permission denied")
	ErrNotMember                 = errors.New("not a group member")
	ErrPrivateGroup              = errors.New("private groups are joined by invitation")
	ErrOwnerMustTransferOrDelete = errors.New("group owner must transfer ownership or delete the group")
	ErrRenameNotAllowed          = errors.New("public groups cannot be renamed")
	ErrCannotTargetSelf          = errors.New("cannot target self")
)

const maxTitleLength = 80

func NormalizeGroupID(groupID string) (string, error) {
	groupID = strings.TrimSpace(groupID)
	if groupID == "" {
		return "", ErrInvalidGroupID
	}
	return groupID, nil
}

func NormalizeGroupTitle(title string) (string, error) {
	title = strings.TrimSpace(title)
	if title == "" || len([]rune(title)) > maxTitleLength {
		return "", ErrInvalidGroupTitle
	}
	return title, nil
}

// Capabilities is what actor may do in a group right now.
type Capabilities struct {
	CanRename         bool
	CanChangeIcon     bool
	CanManageMembers  bool
	CanTransfer       bool
	CanDelete         bool
	CanLeave          bool
	CanJoin           bool
	CanSendMessages   bool
	IsOwner           bool
	IsMember          bool
	PublicNameIsFixed bool
}

func CapabilitiesFor(g models.Group, actor models.Identity) Capabilities {
	m, member := g.Members[actor]
	live := g.State != models.GroupStateDeleted
	owner := member && m.Scope == models.ScopeOwner
	manager := member && m.CanManageMembers()
	return Capabilities{
		CanRename:         live && manager && g.Type == models.GroupTypePrivate,
		CanChangeIcon:     live && manager,
		CanManageMembers:  live && manager,
		CanTransfer:       live && owner,
		CanDelete:         live && owner,
		CanLeave:          live && member && !owner,
		CanJoin:           live && !member && g.Type == models.GroupTypePublic,
		CanSendMessages:   live && member,
		IsOwner:           owner,
		IsMember:          member,
		PublicNameIsFixed: g.Type == models.GroupTypePublic,
	}
}

func ensureLive(g models.Group) error {
	if g.State == models.GroupStateDeleted {
		return ErrGroupDeleted
	}
	return nil
}

func EnsureCanJoin(g models.Group, actor models.Identity) error {
	if err := ensureLive(g); err != nil {
		return err
	}
	if g.Type != models.GroupTypePublic {
		return ErrPrivateGroup
	}
	return nil
}

func EnsureCanLeave(g models.Group, actor models.Identity) error {
	if err := ensureLive(g); err != nil {
		return err
	}
	m, ok := g.Members[actor]
	if !ok {
		return ErrNotMember
	}
	if m.Scope == models.ScopeOwner {
		return ErrOwnerMustTransferOrDelete
	}
	return nil
}

// EnsureCanAdd allows owners and admins to add participants or admins.
// Ownership only moves through a transfer.
func EnsureCanAdd(g models.Group, actor, member models.Identity, scope models.MemberScope) error {
	if err := ensureLive(g); err != nil {
		return err
	}
	if !scope.Valid() || scope == models.ScopeOwner {
		return ErrInvalidMemberScope
	}
	if actor == member {
		return ErrCannotTargetSelf
	}
	if m, ok := g.Members[actor]; !ok || !m.CanManageMembers() {
		return ErrPermissionDenied
	}
	return nil
}

// EnsureCanRemove lets managers remove participants; only the owner removes
// admins, and nobody removes the owner.
func EnsureCanRemove(g models.Group, actor, member models.Identity) error {
	if err := ensureLive(g); err != nil {
		return err
	}
	if actor == member {
		return ErrCannotTargetSelf
	}
	a, ok := g.Members[actor]
	if !ok || !a.CanManageMembers() {
		return ErrPermissionDenied
	}
	target, ok := g.Members[member]
	if !ok {
		return ErrNotMember
	}
	switch target.Scope {
	case models.ScopeOwner:
		return ErrPermissionDenied
	case models.ScopeAdmin:
		if a.Scope != models.ScopeOwner {
			return ErrPermissionDenied
		}
	}
	return nil
}

func EnsureCanTransfer(g models.Group, actor, newOwner models.Identity) error {
	if err := ensureLive(g); err != nil {
		return err
	}
	if m, ok := g.Members[actor]; !ok || m.Scope != models.ScopeOwner {
		return ErrPermissionDenied
	}
	if actor == newOwner {
		return ErrCannotTargetSelf
	}
	if _, ok := g.Members[newOwner]; !ok {
		return ErrNotMember
	}
	return nil
}

func EnsureCanDelete(g models.Group, actor models.Identity) error {
	if err := ensureLive(g); err != nil {
		return err
	}
	if m, ok := g.Members[actor]; !ok || m.Scope != models.ScopeOwner {
		return ErrPermissionDenied
	}
	return nil
}

func EnsureCanRename(g models.Group, actor models.Identity) error {
	if err := ensureLive(g); err != nil {
		return err
	}
	if g.Type == models.GroupTypePublic {
		return ErrRenameNotAllowed
	}
	if m, ok := g.Members[actor]; !ok || !m.CanManageMembers() {
		return ErrPermissionDenied
	}
	return nil
}

func EnsureCanChangeIcon(g models.Group, actor models.Identity) error {
	if err := ensureLive(g); err != nil {
		return err
	}
	if m, ok := g.Members[actor]; !ok || !m.CanManageMembers() {
		return ErrPermissionDenied
	}
	return nil
}
