package group

import (
	"advocate-chat/go-core/internal/domains/events"
	grouppolicy "advocate-chat/go-core/internal/domains/group/policy"
	"advocate-chat/go-core/pkg/models"
)

// Start registers the remote-update listener.
func (l *Lifecycle) Start(router *events.Router) {
	router.Register(ListenerKey, events.Handlers{
		OnGroupUpdated:         func(ev events.GroupUpdated) { l.ApplyEvent(ev) },
		OnMemberJoined:         func(ev events.MemberJoined) { l.ApplyEvent(ev) },
		OnMemberLeft:           func(ev events.MemberLeft) { l.ApplyEvent(ev) },
		OnOwnershipTransferred: func(ev events.OwnershipTransferred) { l.ApplyEvent(ev) },
		OnGroupDeleted:         func(ev events.GroupDeleted) { l.ApplyEvent(ev) },
	})
}

func (l *Lifecycle) Stop(router *events.Router) {
	router.Unregister(ListenerKey)
}

// ApplyEvent folds a remote group change into the local view and reports
// whether anything changed. Events for deleted groups are ignored.
func (l *Lifecycle) ApplyEvent(ev events.Event) bool {
	me := l.session.Primary()
	l.mu.Lock()
	changed := l.applyLocked(me, ev)
	l.mu.Unlock()
	if changed {
		l.persist()
	}
	return changed
}

func (l *Lifecycle) applyLocked(me models.Identity, ev events.Event) bool {
	ref, ok := events.ConversationOf(ev)
	if !ok || !ref.IsGroup() {
		return false
	}
	current, known := l.groups[ref.GroupID]
	if known && current.State == models.GroupStateDeleted {
		return false
	}

	switch e := ev.(type) {
	case events.GroupUpdated:
		if e.Group.State == models.GroupStateCreated {
			e.Group.State = models.GroupStateActive
		}
		l.groups[e.Group.ID] = e.Group.Clone()
	case events.MemberJoined:
		if !known {
			return false
		}
		l.groups[e.GroupID] = grouppolicy.WithMember(current, e.Member, e.OccurredAt)
	case events.MemberLeft:
		if !known {
			return false
		}
		if e.Identity == me {
			delete(l.groups, e.GroupID)
			return true
		}
		l.groups[e.GroupID] = grouppolicy.WithoutMember(current, e.Identity, e.OccurredAt)
	case events.OwnershipTransferred:
		if !known {
			return false
		}
		l.groups[e.GroupID] = grouppolicy.WithOwner(current, e.NewOwner, e.OccurredAt)
	case events.GroupDeleted:
		if !known {
			return false
		}
		l.groups[e.GroupID] = grouppolicy.Deleted(current, e.OccurredAt)
	default:
		return false
	}
	return true
}
