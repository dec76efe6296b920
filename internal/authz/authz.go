// Package authz implements the RBAC evaluator: pure functions over a graph
// snapshot that decide whether an actor may perform an operation, and compute
// the access scopes identifying which encrypted blobs a graph change touches.
// Authorization and blob re-scoping need the same traversal (which principals
// reach which resources through which roles and groups), so both live here.
package authz

import (
	graphDomain "github.com/CyberFlameGO/envkey/internal/graph/domain"
)

// ResolveActorUser resolves an actor id (org user or device-bound CLI/service
// identity) to the owning user. Returns false for ids that are neither.
func ResolveActorUser(g graphDomain.Graph, actorID string) (*graphDomain.User, bool) {
	n, ok := g.Get(actorID)
	if !ok || n.Deleted() != nil {
		return nil, false
	}
	switch actor := n.(type) {
	case *graphDomain.User:
		return actor, true
	case *graphDomain.Device:
		user, err := g.User(actor.UserID)
		if err != nil || user.Deleted() != nil {
			return nil, false
		}
		return user, true
	default:
		return nil, false
	}
}

// RoleForApp computes the strongest role a user holds on an app: org owners
// and admins hold the admin app role implicitly; otherwise direct grants and
// user-group grants are considered and the strongest wins.
func RoleForApp(g graphDomain.Graph, userID, appID string) (graphDomain.AppRole, bool) {
	user, err := g.User(userID)
	if err != nil || user.Deleted() != nil {
		return "", false
	}
	if user.OrgRole == graphDomain.OrgRoleOwner || user.OrgRole == graphDomain.OrgRoleAdmin {
		return graphDomain.AppRoleAdmin, true
	}

	var best graphDomain.AppRole
	found := false
	consider := func(role graphDomain.AppRole) {
		if !found || role.StrongerThan(best) {
			best = role
			found = true
		}
	}

	for _, grant := range graphDomain.NodesOfType[*graphDomain.AppUserGrant](g) {
		if grant.AppID == appID && grant.UserID == userID {
			consider(grant.Role)
		}
	}

	userGroupIDs := g.GroupIDsForObject(userID)
	for _, grant := range graphDomain.NodesOfType[*graphDomain.AppUserGroupGrant](g) {
		if grant.AppID == appID && userGroupIDs[grant.UserGroupID] {
			consider(grant.Role)
		}
	}

	return best, found
}

// RoleForEnvParent computes a user's strongest role on an env-parent. For
// apps this is RoleForApp; for blocks, org owners and admins hold admin, and
// other users hold the strongest role among the apps the block is connected
// to (a block is only reachable through its connected apps).
func RoleForEnvParent(g graphDomain.Graph, userID, envParentID string) (graphDomain.AppRole, bool) {
	n, _, err := g.EnvParent(envParentID)
	if err != nil {
		return "", false
	}

	if _, isApp := n.(*graphDomain.App); isApp {
		return RoleForApp(g, userID, envParentID)
	}

	user, err := g.User(userID)
	if err != nil || user.Deleted() != nil {
		return "", false
	}
	if user.OrgRole == graphDomain.OrgRoleOwner || user.OrgRole == graphDomain.OrgRoleAdmin {
		return graphDomain.AppRoleAdmin, true
	}

	var best graphDomain.AppRole
	found := false
	for _, app := range graphDomain.NodesOfType[*graphDomain.App](g) {
		for _, blockID := range g.ConnectedBlockIDs(app.ID) {
			if blockID != envParentID {
				continue
			}
			if role, ok := RoleForApp(g, userID, app.ID); ok {
				if !found || role.StrongerThan(best) {
					best = role
					found = true
				}
			}
		}
	}
	return best, found
}

// hasCapabilityOnEnvParent reports whether the actor holds the capability on
// an active, non-archived env-parent.
func hasCapabilityOnEnvParent(g graphDomain.Graph, actorID, envParentID string, cap graphDomain.Capability) bool {
	user, ok := ResolveActorUser(g, actorID)
	if !ok {
		return false
	}
	parent, archived, err := g.EnvParent(envParentID)
	if err != nil || parent.Deleted() != nil || archived {
		return false
	}
	role, ok := RoleForEnvParent(g, user.ID, envParentID)
	return ok && role.HasCapability(cap)
}

// environmentEnvParent resolves an environment to its env-parent id.
func environmentEnvParent(g graphDomain.Graph, environmentID string) (string, bool) {
	env, err := g.Environment(environmentID)
	if err != nil || env.Deleted() != nil {
		return "", false
	}
	return env.EnvParentID, true
}

// CanCreateServer reports whether the actor may create a server bound to the
// environment: the actor must hold the manage-keyable-parents capability on
// the environment's env-parent, and the env-parent must not be archived.
func CanCreateServer(g graphDomain.Graph, actorID, environmentID string) bool {
	envParentID, ok := environmentEnvParent(g, environmentID)
	if !ok {
		return false
	}
	return hasCapabilityOnEnvParent(g, actorID, envParentID, graphDomain.CapManageKeyableParents)
}

// CanCreateLocalKey reports whether the actor may create a local key bound to
// the environment. Local keys bind to the actor's own user and device, so the
// weaker manage-local-keys capability suffices.
func CanCreateLocalKey(g graphDomain.Graph, actorID, environmentID string) bool {
	envParentID, ok := environmentEnvParent(g, environmentID)
	if !ok {
		return false
	}
	return hasCapabilityOnEnvParent(g, actorID, envParentID, graphDomain.CapManageLocalKeys)
}

// canActOnKeyableParent checks the capability pair required to operate on a
// keyable parent's credential: servers need both manage-keyable-parents and
// generate-envkeys; local keys need manage-local-keys and generate-envkeys,
// and a non-admin actor may only touch local keys bound to their own user.
func canActOnKeyableParent(g graphDomain.Graph, actorID, keyableParentID string) bool {
	user, ok := ResolveActorUser(g, actorID)
	if !ok {
		return false
	}
	parent, err := g.KeyableParent(keyableParentID)
	if err != nil || parent.Deleted() != nil {
		return false
	}

	role, ok := RoleForEnvParent(g, user.ID, parent.KeyableAppID())
	if !ok || !role.HasCapability(graphDomain.CapGenerateEnvkeys) {
		return false
	}

	switch p := parent.(type) {
	case *graphDomain.Server:
		return role.HasCapability(graphDomain.CapManageKeyableParents)
	case *graphDomain.LocalKey:
		if !role.HasCapability(graphDomain.CapManageLocalKeys) {
			return false
		}
		if p.UserID != user.ID && !role.HasCapability(graphDomain.CapManageKeyableParents) {
			return false
		}
		return true
	default:
		return false
	}
}

// CanGenerateKey reports whether the actor may issue a credential for the
// keyable parent. Quota is checked separately by the pipeline against the
// pre-image graph; this function answers the pure RBAC question.
func CanGenerateKey(g graphDomain.Graph, actorID, keyableParentID string) bool {
	parent, err := g.KeyableParent(keyableParentID)
	if err != nil || parent.Deleted() != nil {
		return false
	}
	envParent, archived, err := g.EnvParent(parent.KeyableAppID())
	if err != nil || envParent.Deleted() != nil || archived {
		return false
	}
	return canActOnKeyableParent(g, actorID, keyableParentID)
}

// CanRevokeKey reports whether the actor may revoke the generated envkey.
func CanRevokeKey(g graphDomain.Graph, actorID, generatedEnvkeyID string) bool {
	key, err := g.GeneratedEnvkey(generatedEnvkeyID)
	if err != nil || key.Deleted() != nil {
		return false
	}
	return canActOnKeyableParent(g, actorID, key.KeyableParentID)
}

// CanDeleteServer reports whether the actor may delete the server.
func CanDeleteServer(g graphDomain.Graph, actorID, serverID string) bool {
	srv, err := g.Server(serverID)
	if err != nil || srv.Deleted() != nil {
		return false
	}
	user, ok := ResolveActorUser(g, actorID)
	if !ok {
		return false
	}
	role, ok := RoleForEnvParent(g, user.ID, srv.AppID)
	return ok && role.HasCapability(graphDomain.CapManageKeyableParents)
}

// CanDeleteLocalKey reports whether the actor may delete the local key. The
// owning user may always delete their own; others need manage-keyable-parents.
func CanDeleteLocalKey(g graphDomain.Graph, actorID, localKeyID string) bool {
	lk, err := g.LocalKey(localKeyID)
	if err != nil || lk.Deleted() != nil {
		return false
	}
	user, ok := ResolveActorUser(g, actorID)
	if !ok {
		return false
	}
	role, ok := RoleForEnvParent(g, user.ID, lk.AppID)
	if !ok || !role.HasCapability(graphDomain.CapManageLocalKeys) {
		return false
	}
	return lk.UserID == user.ID || role.HasCapability(graphDomain.CapManageKeyableParents)
}

// CanGrantAccess reports whether the actor may extend access to the app.
func CanGrantAccess(g graphDomain.Graph, actorID, appID string) bool {
	return hasCapabilityOnEnvParent(g, actorID, appID, graphDomain.CapGrantAccess)
}

// CanConnectBlock reports whether the actor may connect the block to the app:
// manage-environments on the app side, and the block must be active and
// unarchived.
func CanConnectBlock(g graphDomain.Graph, actorID, appID, blockID string) bool {
	block, err := g.Block(blockID)
	if err != nil || block.Deleted() != nil || block.Archived {
		return false
	}
	return hasCapabilityOnEnvParent(g, actorID, appID, graphDomain.CapManageEnvironments)
}

// AccessGrantableApps enumerates the apps the actor may extend access to.
// This set must agree exactly with CanGrantAccess on each element so the bulk
// grant path cannot escalate past the single-object authorizer: it is defined
// by filtering on it.
func AccessGrantableApps(g graphDomain.Graph, actorID string) []*graphDomain.App {
	var out []*graphDomain.App
	for _, app := range graphDomain.NodesOfType[*graphDomain.App](g) {
		if CanGrantAccess(g, actorID, app.ID) {
			out = append(out, app)
		}
	}
	return out
}

// AccessGrantableAppsForUserGroup enumerates the apps the actor may grant the
// user group access to. Identical to AccessGrantableApps today; kept separate
// because the UI enumerates per grantee.
func AccessGrantableAppsForUserGroup(g graphDomain.Graph, actorID, userGroupID string) []*graphDomain.App {
	group, err := g.Group(userGroupID)
	if err != nil || group.Deleted() != nil || group.ObjectType != graphDomain.TypeUser {
		return nil
	}
	return AccessGrantableApps(g, actorID)
}
