package policy

import (
	"time"

	"advocate-chat/go-core/pkg/models"
)

// The transitions below never mutate their input; the returned group carries
// a fresh member map.

func WithMember(g models.Group, m models.Member, now time.Time) models.Group {
	out := g.Clone()
	out.Members[m.Identity] = m
	out.UpdatedAt = now
	return out
}

func WithoutMember(g models.Group, id models.Identity, now time.Time) models.Group {
	out := g.Clone()
	delete(out.Members, id)
	out.UpdatedAt = now
	return out
}

// WithOwner demotes every current owner to participant and promotes newOwner.
func WithOwner(g models.Group, newOwner models.Identity, now time.Time) models.Group {
	out := g.Clone()
	for id, m := range out.Members {
		if m.Scope == models.ScopeOwner {
			m.Scope = models.ScopeParticipant
			out.Members[id] = m
		}
	}
	if m, ok := out.Members[newOwner]; ok {
		m.Scope = models.ScopeOwner
		out.Members[newOwner] = m
	} else {
		out.Members[newOwner] = models.Member{Identity: newOwner, Scope: models.ScopeOwner, JoinedAt: now}
	}
	out.OwnerID = newOwner
	out.UpdatedAt = now
	return out
}

func Deleted(g models.Group, now time.Time) models.Group {
	out := g.Clone()
	out.State = models.GroupStateDeleted
	out.UpdatedAt = now
	return out
}
