package memory

import (
	"context"
	"sync"

	"classboard-discussion-service/internal/domain"
)

// StaticMembership is an in-memory membership collaborator for tests and
// demos: grants are registered up front, everyone else is a stranger.
type StaticMembership struct {
	mu     sync.RWMutex
	grants map[string]domain.Membership
}

func NewStaticMembership() *StaticMembership {
	return &StaticMembership{grants: make(map[string]domain.Membership)}
}

// Grant registers a user's membership in a classroom.
func (m *StaticMembership) Grant(userID, classroomID string, membership domain.Membership) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.grants[userID+"|"+classroomID] = membership
}

func (m *StaticMembership) Membership(_ context.Context, userID, classroomID string) (domain.Membership, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.grants[userID+"|"+classroomID], nil
}

// PermissiveMembership treats every user as a classroom member (but not a
// teacher). Used in single-tenant demo mode where the identity system is
// not wired up.
type PermissiveMembership struct{}

func (PermissiveMembership) Membership(_ context.Context, _, _ string) (domain.Membership, error) {
	return domain.Membership{IsMember: true}, nil
}

// StaticProfiles serves profiles from a fixed map; unknown users are simply
// absent and degrade to placeholders upstream.
type StaticProfiles struct {
	profiles map[string]domain.UserProfile
}

func NewStaticProfiles(profiles ...domain.UserProfile) *StaticProfiles {
	m := make(map[string]domain.UserProfile, len(profiles))
	for _, p := range profiles {
		m[p.ID] = p
	}
	return &StaticProfiles{profiles: m}
}

func (p *StaticProfiles) LoadProfiles(_ context.Context, userIDs []string) (map[string]domain.UserProfile, error) {
	out := make(map[string]domain.UserProfile, len(userIDs))
	for _, id := range userIDs {
		if profile, ok := p.profiles[id]; ok {
			out[id] = profile
		}
	}
	return out, nil
}
