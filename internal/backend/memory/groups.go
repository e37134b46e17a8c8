package memory

import (
	"context"
	"sort"
	"strings"

	"github.com/google/uuid"

	"advocate-chat/go-core/internal/domains/contracts"
	"advocate-chat/go-core/internal/domains/events"
	"advocate-chat/go-core/pkg/models"
)

func (c *Client) CreateGroup(ctx context.Context, name string, typ models.GroupType) (models.Group, error) {
	me, err := c.call(ctx, OpCreateGroup)
	if err != nil {
		return models.Group{}, err
	}
	n := c.net
	now := n.now()
	g := &models.Group{
		ID:      uuid.NewString(),
		Name:    strings.TrimSpace(name),
		Type:    typ,
		OwnerID: me,
		State:   models.GroupStateActive,
		Members: map[models.Identity]models.Member{
			me: {Identity: me, Scope: models.ScopeOwner, JoinedAt: now},
		},
		CreatedAt: now,
		UpdatedAt: now,
	}
	n.mu.Lock()
	n.groups[g.ID] = g
	out := g.Clone()
	n.mu.Unlock()
	return out, nil
}

func (c *Client) GetGroup(ctx context.Context, groupID string) (models.Group, error) {
	if _, err := c.call(ctx, OpGetGroup); err != nil {
		return models.Group{}, err
	}
	n := c.net
	n.mu.Lock()
	defer n.mu.Unlock()
	g, ok := n.groups[groupID]
	if !ok {
		return models.Group{}, notFound("group", groupID)
	}
	return g.Clone(), nil
}

func (c *Client) ListGroups(ctx context.Context) ([]models.Group, error) {
	me, err := c.call(ctx, OpListGroups)
	if err != nil {
		return nil, err
	}
	n := c.net
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]models.Group, 0)
	for _, g := range n.groups {
		if _, member := g.Members[me]; member && g.State != models.GroupStateDeleted {
			out = append(out, g.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (c *Client) GroupMembers(ctx context.Context, groupID string) ([]models.Member, error) {
	if _, err := c.call(ctx, OpGroupMembers); err != nil {
		return nil, err
	}
	n := c.net
	n.mu.Lock()
	defer n.mu.Unlock()
	g, ok := n.groups[groupID]
	if !ok {
		return nil, notFound("group", groupID)
	}
	out := make([]models.Member, 0, len(g.Members))
	for _, m := range g.Members {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Identity.String() < out[j].Identity.String() })
	return out, nil
}

func (c *Client) JoinGroup(ctx context.Context, groupID string) (models.Group, error) {
	me, err := c.call(ctx, OpJoinGroup)
	if err != nil {
		return models.Group{}, err
	}
	n := c.net
	n.mu.Lock()
	g, err := n.liveGroupLocked(groupID)
	if err != nil {
		n.mu.Unlock()
		return models.Group{}, err
	}
	if g.Type != models.GroupTypePublic {
		n.mu.Unlock()
		return models.Group{}, forbidden("private group requires an invitation")
	}
	member, already := g.Members[me]
	if !already {
		member = models.Member{Identity: me, Scope: models.ScopeParticipant, JoinedAt: n.now()}
		g.Members[me] = member
		g.UpdatedAt = n.now()
	}
	out := g.Clone()
	n.mu.Unlock()
	if !already {
		n.publishToMembers(out, me, events.MemberJoined{Meta: n.meta(), GroupID: groupID, Member: member})
	}
	return out, nil
}

func (c *Client) LeaveGroup(ctx context.Context, groupID string) error {
	me, err := c.call(ctx, OpLeaveGroup)
	if err != nil {
		return err
	}
	return c.net.removeMember(groupID, me, me, false)
}

func (c *Client) AddMember(ctx context.Context, groupID string, member models.Identity, scope models.MemberScope) error {
	me, err := c.call(ctx, OpAddMember)
	if err != nil {
		return err
	}
	if scope == models.ScopeOwner || !scope.Valid() {
		return forbidden("invalid member scope")
	}
	n := c.net
	n.mu.Lock()
	g, err := n.liveGroupLocked(groupID)
	if err != nil {
		n.mu.Unlock()
		return err
	}
	if !g.Members[me].CanManageMembers() {
		n.mu.Unlock()
		return forbidden("only owners and admins manage members")
	}
	if _, known := n.users[member]; !known {
		n.mu.Unlock()
		return notFound("user", member.String())
	}
	added := models.Member{Identity: member, Scope: scope, JoinedAt: n.now()}
	if existing, ok := g.Members[member]; ok {
		added.JoinedAt = existing.JoinedAt
	}
	g.Members[member] = added
	g.UpdatedAt = n.now()
	out := g.Clone()
	n.mu.Unlock()
	n.publishToMembers(out, me, events.MemberJoined{Meta: n.meta(), GroupID: groupID, Member: added})
	return nil
}

func (c *Client) RemoveMember(ctx context.Context, groupID string, member models.Identity) error {
	me, err := c.call(ctx, OpRemoveMember)
	if err != nil {
		return err
	}
	return c.net.removeMember(groupID, me, member, true)
}

func (n *Network) removeMember(groupID string, actor, member models.Identity, removed bool) error {
	n.mu.Lock()
	g, err := n.liveGroupLocked(groupID)
	if err != nil {
		n.mu.Unlock()
		return err
	}
	target, ok := g.Members[member]
	if !ok {
		n.mu.Unlock()
		return notFound("member", member.String())
	}
	if target.Scope == models.ScopeOwner {
		n.mu.Unlock()
		return forbidden("the owner must transfer ownership or delete the group")
	}
	if removed && !g.Members[actor].CanManageMembers() {
		n.mu.Unlock()
		return forbidden("only owners and admins manage members")
	}
	before := g.Clone()
	delete(g.Members, member)
	g.UpdatedAt = n.now()
	n.mu.Unlock()
	n.publishToMembers(before, actor, events.MemberLeft{Meta: n.meta(), GroupID: groupID, Identity: member, Removed: removed})
	return nil
}

func (c *Client) TransferOwnership(ctx context.Context, groupID string, newOwner models.Identity) error {
	me, err := c.call(ctx, OpTransferOwnership)
	if err != nil {
		return err
	}
	n := c.net
	n.mu.Lock()
	g, err := n.liveGroupLocked(groupID)
	if err != nil {
		n.mu.Unlock()
		return err
	}
	if g.OwnerID != me {
		n.mu.Unlock()
		return forbidden("only the owner can transfer ownership")
	}
	target, ok := g.Members[newOwner]
	if !ok {
		n.mu.Unlock()
		return notFound("member", newOwner.String())
	}
	members := make(map[models.Identity]models.Member, len(g.Members))
	for id, m := range g.Members {
		members[id] = m
	}
	prev := members[me]
	prev.Scope = models.ScopeParticipant
	members[me] = prev
	target.Scope = models.ScopeOwner
	members[newOwner] = target
	g.Members = members
	g.OwnerID = newOwner
	g.UpdatedAt = n.now()
	out := g.Clone()
	n.mu.Unlock()
	n.publishToMembers(out, me, events.OwnershipTransferred{Meta: n.meta(), GroupID: groupID, PreviousOwner: me, NewOwner: newOwner})
	return nil
}

func (c *Client) UpdateGroup(ctx context.Context, groupID string, update contracts.GroupUpdate) error {
	me, err := c.call(ctx, OpUpdateGroup)
	if err != nil {
		return err
	}
	n := c.net
	n.mu.Lock()
	g, err := n.liveGroupLocked(groupID)
	if err != nil {
		n.mu.Unlock()
		return err
	}
	if !g.Members[me].CanManageMembers() {
		n.mu.Unlock()
		return forbidden("only owners and admins update the group")
	}
	if update.Name != nil {
		if g.Type == models.GroupTypePublic {
			n.mu.Unlock()
			return forbidden("public groups cannot be renamed")
		}
		g.Name = strings.TrimSpace(*update.Name)
	}
	if update.Icon != nil {
		g.Icon = strings.TrimSpace(*update.Icon)
	}
	g.UpdatedAt = n.now()
	out := g.Clone()
	n.mu.Unlock()
	n.publishToMembers(out, me, events.GroupUpdated{Meta: n.meta(), Group: out})
	return nil
}

func (c *Client) DeleteGroup(ctx context.Context, groupID string) error {
	me, err := c.call(ctx, OpDeleteGroup)
	if err != nil {
		return err
	}
	n := c.net
	n.mu.Lock()
	g, err := n.liveGroupLocked(groupID)
	if err != nil {
		n.mu.Unlock()
		return err
	}
	if g.OwnerID != me {
		n.mu.Unlock()
		return forbidden("only the owner can delete the group")
	}
	g.State = models.GroupStateDeleted
	g.UpdatedAt = n.now()
	out := g.Clone()
	n.mu.Unlock()
	n.publishToMembers(out, me, events.GroupDeleted{Meta: n.meta(), GroupID: groupID})
	return nil
}

func (n *Network) liveGroupLocked(groupID string) (*models.Group, error) {
	g, ok := n.groups[groupID]
	if !ok || g.State == models.GroupStateDeleted {
		return nil, notFound("group", groupID)
	}
	return g, nil
}
