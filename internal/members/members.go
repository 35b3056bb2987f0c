// Package members resolves guild members to display names and roles.
package members

import (
	"context"
	"errors"
	"slices"
	"sort"

	"github.com/goodtune/voicetime/internal/config"
)

// ErrNotFound is returned when a user is not a member of the guild.
var ErrNotFound = errors.New("member not found")

// Member is a resolved guild member.
type Member struct {
	UserID      string
	DisplayName string
	Roles       []string
}

// HasRole reports whether m holds roleID. An empty roleID matches everyone.
func (m *Member) HasRole(roleID string) bool {
	return roleID == "" || slices.Contains(m.Roles, roleID)
}

// Resolver looks up guild members.
type Resolver interface {
	ResolveMember(ctx context.Context, guildID, userID string) (*Member, error)
}

// Static resolves members from a fixed list.
type Static struct {
	members map[string]Member
}

// NewStatic builds a resolver from configured members.
func NewStatic(list []config.StaticMember) *Static {
	s := &Static{members: make(map[string]Member, len(list))}
	for _, m := range list {
		name := m.DisplayName
		if name == "" {
			name = m.UserID
		}
		s.members[m.UserID] = Member{
			UserID:      m.UserID,
			DisplayName: name,
			Roles:       slices.Clone(m.Roles),
		}
	}
	return s
}

// ResolveMember implements Resolver. The guild is ignored.
func (s *Static) ResolveMember(_ context.Context, _, userID string) (*Member, error) {
	m, ok := s.members[userID]
	if !ok {
		return nil, ErrNotFound
	}
	return &m, nil
}

// Roles returns every role held by at least one member, sorted.
func (s *Static) Roles() []string {
	seen := make(map[string]struct{})
	for _, m := range s.members {
		for _, r := range m.Roles {
			seen[r] = struct{}{}
		}
	}
	roles := make([]string, 0, len(seen))
	for r := range seen {
		roles = append(roles, r)
	}
	sort.Strings(roles)
	return roles
}
