package authz

import (
	graphDomain "github.com/CyberFlameGO/envkey/internal/graph/domain"
)

// IDSet is a finite set of ids or the distinguished "all" value. "All"
// absorbs any finite set under union.
type IDSet struct {
	All bool            `json:"all,omitempty"`
	IDs map[string]bool `json:"ids,omitempty"`
}

// NewIDSet builds a finite id set.
func NewIDSet(ids ...string) IDSet {
	s := IDSet{IDs: make(map[string]bool, len(ids))}
	for _, id := range ids {
		s.IDs[id] = true
	}
	return s
}

// AllIDs returns the absorbing "all" set.
func AllIDs() IDSet {
	return IDSet{All: true}
}

// Union returns the union of two id sets.
func (s IDSet) Union(o IDSet) IDSet {
	if s.All || o.All {
		return AllIDs()
	}
	out := IDSet{IDs: make(map[string]bool, len(s.IDs)+len(o.IDs))}
	for id := range s.IDs {
		out.IDs[id] = true
	}
	for id := range o.IDs {
		out.IDs[id] = true
	}
	return out
}

// Contains reports whether the set covers the id.
func (s IDSet) Contains(id string) bool {
	return s.All || s.IDs[id]
}

// Empty reports whether the set covers nothing.
func (s IDSet) Empty() bool {
	return !s.All && len(s.IDs) == 0
}

// AccessScope identifies every encrypted blob that must be re-scoped after a
// graph change: the env-parents whose blobs are stale, the users whose device
// blobs must be re-encrypted, and the keyable parents whose credentials are
// affected.
type AccessScope struct {
	EnvParentIDs     IDSet `json:"envParentIds"`
	UserIDs          IDSet `json:"userIds"`
	KeyableParentIDs IDSet `json:"keyableParentIds"`
}

// EmptyScope returns a scope covering nothing.
func EmptyScope() AccessScope {
	return AccessScope{EnvParentIDs: NewIDSet(), UserIDs: NewIDSet(), KeyableParentIDs: NewIDSet()}
}

// MergeAccessScopes unions two scopes dimension-wise. The operation is
// commutative and associative, with "all" absorbing on each dimension.
func MergeAccessScopes(a, b AccessScope) AccessScope {
	return AccessScope{
		EnvParentIDs:     a.EnvParentIDs.Union(b.EnvParentIDs),
		UserIDs:          a.UserIDs.Union(b.UserIDs),
		KeyableParentIDs: a.KeyableParentIDs.Union(b.KeyableParentIDs),
	}
}

// MergeAccessScopesForScopes folds a list of scopes into one.
func MergeAccessScopesForScopes(scopes []AccessScope) AccessScope {
	out := EmptyScope()
	for _, s := range scopes {
		out = MergeAccessScopes(out, s)
	}
	return out
}

// UserIDsWithAccessToEnvParent returns every user who can read the
// env-parent's environments: org owners and admins, users granted a role on
// the app (directly or via groups), and for blocks the users of every
// connected app.
func UserIDsWithAccessToEnvParent(g graphDomain.Graph, envParentID string) []string {
	seen := map[string]bool{}
	add := func(userID string) { seen[userID] = true }

	for _, user := range graphDomain.NodesOfType[*graphDomain.User](g) {
		if user.OrgRole == graphDomain.OrgRoleOwner || user.OrgRole == graphDomain.OrgRoleAdmin {
			add(user.ID)
		}
	}

	appIDs := map[string]bool{}
	if n, _, err := g.EnvParent(envParentID); err == nil {
		switch n.(type) {
		case *graphDomain.App:
			appIDs[envParentID] = true
		case *graphDomain.Block:
			for _, app := range graphDomain.NodesOfType[*graphDomain.App](g) {
				for _, blockID := range g.ConnectedBlockIDs(app.ID) {
					if blockID == envParentID {
						appIDs[app.ID] = true
					}
				}
			}
		}
	}

	for appID := range appIDs {
		for _, grant := range graphDomain.NodesOfType[*graphDomain.AppUserGrant](g) {
			if grant.AppID == appID {
				add(grant.UserID)
			}
		}
		for _, grant := range graphDomain.NodesOfType[*graphDomain.AppUserGroupGrant](g) {
			if grant.AppID == appID {
				for _, userID := range g.GroupMemberIDs(grant.UserGroupID) {
					add(userID)
				}
			}
		}
	}

	out := make([]string, 0, len(seen))
	for id := range seen {
		out = append(out, id)
	}
	return out
}

// KeyableParentIDsForEnvParent returns every server and local key under the
// env-parent. For blocks these are the keyable parents of every connected
// app, since their credentials decrypt the block's environments too.
func KeyableParentIDsForEnvParent(g graphDomain.Graph, envParentID string) []string {
	appIDs := map[string]bool{}
	if n, _, err := g.EnvParent(envParentID); err == nil {
		switch n.(type) {
		case *graphDomain.App:
			appIDs[envParentID] = true
		case *graphDomain.Block:
			for _, app := range graphDomain.NodesOfType[*graphDomain.App](g) {
				for _, blockID := range g.ConnectedBlockIDs(app.ID) {
					if blockID == envParentID {
						appIDs[app.ID] = true
					}
				}
			}
		}
	}

	var out []string
	for _, srv := range graphDomain.NodesOfType[*graphDomain.Server](g) {
		if appIDs[srv.AppID] {
			out = append(out, srv.ID)
		}
	}
	for _, lk := range graphDomain.NodesOfType[*graphDomain.LocalKey](g) {
		if appIDs[lk.AppID] {
			out = append(out, lk.ID)
		}
	}
	return out
}

// ScopeForEnvParent computes the access scope invalidated by a change under
// one env-parent.
func ScopeForEnvParent(g graphDomain.Graph, envParentID string) AccessScope {
	return AccessScope{
		EnvParentIDs:     NewIDSet(envParentID),
		UserIDs:          NewIDSet(UserIDsWithAccessToEnvParent(g, envParentID)...),
		KeyableParentIDs: NewIDSet(KeyableParentIDsForEnvParent(g, envParentID)...),
	}
}

// ScopeForConnection computes the scope invalidated by connecting or
// disconnecting a block and an app: the union of both env-parents' scopes,
// since blobs scoped to either side go stale.
func ScopeForConnection(g graphDomain.Graph, appID, blockID string) AccessScope {
	return MergeAccessScopes(ScopeForEnvParent(g, appID), ScopeForEnvParent(g, blockID))
}

// OrgAccessScopeForGroupMembers computes the scope reachable through a
// group's members: for user groups, the env-parents those users reach; for
// app or block groups, the member env-parents themselves.
func OrgAccessScopeForGroupMembers(g graphDomain.Graph, groupID string) AccessScope {
	group, err := g.Group(groupID)
	if err != nil || group.Deleted() != nil {
		return EmptyScope()
	}

	memberIDs := g.GroupMemberIDs(groupID)
	switch group.ObjectType {
	case graphDomain.TypeUser:
		scope := AccessScope{
			EnvParentIDs:     NewIDSet(),
			UserIDs:          NewIDSet(memberIDs...),
			KeyableParentIDs: NewIDSet(),
		}
		for _, grant := range graphDomain.NodesOfType[*graphDomain.AppUserGroupGrant](g) {
			if grant.UserGroupID == groupID {
				scope = MergeAccessScopes(scope, ScopeForEnvParent(g, grant.AppID))
			}
		}
		return scope
	case graphDomain.TypeApp, graphDomain.TypeBlock:
		scopes := make([]AccessScope, 0, len(memberIDs))
		for _, id := range memberIDs {
			scopes = append(scopes, ScopeForEnvParent(g, id))
		}
		return MergeAccessScopesForScopes(scopes)
	default:
		return EmptyScope()
	}
}
