package action

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/CyberFlameGO/envkey/internal/authz"
	"github.com/CyberFlameGO/envkey/internal/crypto"
	"github.com/CyberFlameGO/envkey/internal/devicelock"
	"github.com/CyberFlameGO/envkey/internal/envkey"
	apperrors "github.com/CyberFlameGO/envkey/internal/errors"
	graphDomain "github.com/CyberFlameGO/envkey/internal/graph/domain"
)

// Deps carries the collaborators the builtin handlers need.
type Deps struct {
	Envkeys *envkey.Manager
	Crypto  crypto.Service
	Lock    *devicelock.Machine
}

// RegisterBuiltin installs every builtin action definition.
func RegisterBuiltin(r *Registry, deps Deps) error {
	defs := []Definition{
		createServerDefinition(),
		createLocalKeyDefinition(),
		deleteServerDefinition(deps),
		deleteLocalKeyDefinition(deps),
		generateKeyDefinition(deps),
		regenerateKeyDefinition(deps),
		revokeKeyDefinition(deps),
		grantAppAccessDefinition(),
		connectBlocksDefinition(),
		disconnectBlockDefinition(),
		lockDeviceDefinition(deps),
		unlockDeviceDefinition(deps),
		loadRecoveryKeyDefinition(deps),
	}
	for _, def := range defs {
		if err := r.Register(def); err != nil {
			return err
		}
	}
	return nil
}

func createServerDefinition() Definition {
	return Definition{
		Type:         TypeCreateServer,
		MutatesGraph: true,
		RequiresAuth: true,
		Authorize: func(g graphDomain.Graph, actx Context, raw json.RawMessage) bool {
			p, err := decodePayload[CreateServerPayload](raw)
			if err != nil {
				return false
			}
			return authz.CanCreateServer(g, actx.ActorID(), p.EnvironmentID)
		},
		Handle: func(_ context.Context, g graphDomain.Graph, actx Context, now time.Time, raw json.RawMessage) (*Proposal, error) {
			p, err := decodePayload[CreateServerPayload](raw)
			if err != nil {
				return nil, err
			}
			env, err := g.Environment(p.EnvironmentID)
			if err != nil {
				return nil, err
			}
			if _, err := g.App(env.EnvParentID); err != nil {
				return nil, apperrors.Wrap(apperrors.ErrInvalidState, "servers bind to app environments only")
			}

			srv := &graphDomain.Server{
				Meta:          graphDomain.NewMeta(graphDomain.TypeServer, uuid.Must(uuid.NewV7()).String(), now),
				AppID:         env.EnvParentID,
				EnvironmentID: env.ID,
				Name:          p.Name,
			}
			return &Proposal{
				Graph:    g.With(srv),
				Items:    TransactionItems{Upserts: []graphDomain.Node{srv}},
				Scope:    authz.ScopeForEnvParent(g, srv.AppID),
				Response: map[string]string{"serverId": srv.ID},
			}, nil
		},
	}
}

func createLocalKeyDefinition() Definition {
	return Definition{
		Type:         TypeCreateLocalKey,
		MutatesGraph: true,
		RequiresAuth: true,
		Authorize: func(g graphDomain.Graph, actx Context, raw json.RawMessage) bool {
			p, err := decodePayload[CreateLocalKeyPayload](raw)
			if err != nil {
				return false
			}
			return authz.CanCreateLocalKey(g, actx.ActorID(), p.EnvironmentID)
		},
		Handle: func(_ context.Context, g graphDomain.Graph, actx Context, now time.Time, raw json.RawMessage) (*Proposal, error) {
			p, err := decodePayload[CreateLocalKeyPayload](raw)
			if err != nil {
				return nil, err
			}
			env, err := g.Environment(p.EnvironmentID)
			if err != nil {
				return nil, err
			}
			if _, err := g.App(env.EnvParentID); err != nil {
				return nil, apperrors.Wrap(apperrors.ErrInvalidState, "local keys bind to app environments only")
			}
			user, ok := authz.ResolveActorUser(g, actx.ActorID())
			if !ok {
				return nil, apperrors.Wrap(apperrors.ErrUnauthorized, "action not permitted")
			}

			lk := &graphDomain.LocalKey{
				Meta:          graphDomain.NewMeta(graphDomain.TypeLocalKey, uuid.Must(uuid.NewV7()).String(), now),
				AppID:         env.EnvParentID,
				EnvironmentID: env.ID,
				UserID:        user.ID,
				DeviceID:      actx.DeviceID,
				Name:          p.Name,
			}
			return &Proposal{
				Graph:    g.With(lk),
				Items:    TransactionItems{Upserts: []graphDomain.Node{lk}},
				Scope:    authz.ScopeForEnvParent(g, lk.AppID),
				Response: map[string]string{"localKeyId": lk.ID},
			}, nil
		},
	}
}

func deleteServerDefinition(deps Deps) Definition {
	return Definition{
		Type:         TypeDeleteServer,
		MutatesGraph: true,
		RequiresAuth: true,
		Serial:       true,
		Authorize: func(g graphDomain.Graph, actx Context, raw json.RawMessage) bool {
			p, err := decodePayload[DeleteServerPayload](raw)
			if err != nil {
				return false
			}
			return authz.CanDeleteServer(g, actx.ActorID(), p.ServerID)
		},
		Handle: func(ctx context.Context, g graphDomain.Graph, actx Context, now time.Time, raw json.RawMessage) (*Proposal, error) {
			p, err := decodePayload[DeleteServerPayload](raw)
			if err != nil {
				return nil, err
			}
			srv, err := g.Server(p.ServerID)
			if err != nil {
				return nil, err
			}
			mut, err := deps.Envkeys.CascadeDeleteParent(ctx, g, actx.OrgID, p.ServerID, now)
			if err != nil {
				return nil, err
			}
			return proposalFromMutation(actx.OrgID, mut, now, authz.ScopeForEnvParent(g, srv.AppID), nil)
		},
	}
}

func deleteLocalKeyDefinition(deps Deps) Definition {
	return Definition{
		Type:         TypeDeleteLocalKey,
		MutatesGraph: true,
		RequiresAuth: true,
		Serial:       true,
		Authorize: func(g graphDomain.Graph, actx Context, raw json.RawMessage) bool {
			p, err := decodePayload[DeleteLocalKeyPayload](raw)
			if err != nil {
				return false
			}
			return authz.CanDeleteLocalKey(g, actx.ActorID(), p.LocalKeyID)
		},
		Handle: func(ctx context.Context, g graphDomain.Graph, actx Context, now time.Time, raw json.RawMessage) (*Proposal, error) {
			p, err := decodePayload[DeleteLocalKeyPayload](raw)
			if err != nil {
				return nil, err
			}
			lk, err := g.LocalKey(p.LocalKeyID)
			if err != nil {
				return nil, err
			}
			mut, err := deps.Envkeys.CascadeDeleteParent(ctx, g, actx.OrgID, p.LocalKeyID, now)
			if err != nil {
				return nil, err
			}
			return proposalFromMutation(actx.OrgID, mut, now, authz.ScopeForEnvParent(g, lk.AppID), nil)
		},
	}
}

func generateKeyDefinition(deps Deps) Definition {
	return Definition{
		Type:         TypeGenerateKey,
		MutatesGraph: true,
		RequiresAuth: true,
		Serial:       true,
		Authorize: func(g graphDomain.Graph, actx Context, raw json.RawMessage) bool {
			p, err := decodePayload[GenerateKeyPayload](raw)
			if err != nil {
				return false
			}
			return authz.CanGenerateKey(g, actx.ActorID(), p.KeyableParentID)
		},
		Handle: func(ctx context.Context, g graphDomain.Graph, actx Context, now time.Time, raw json.RawMessage) (*Proposal, error) {
			p, err := decodePayload[GenerateKeyPayload](raw)
			if err != nil {
				return nil, err
			}
			mut, err := deps.Envkeys.Generate(ctx, g, actx.OrgID, envkeyActor(actx), p.KeyableParentID, now)
			if err != nil {
				return nil, err
			}
			return proposalFromMutation(actx.OrgID, mut, now, keyScope(g, p.KeyableParentID), mut.Issued)
		},
	}
}

func regenerateKeyDefinition(deps Deps) Definition {
	return Definition{
		Type:         TypeRegenerateKey,
		MutatesGraph: true,
		RequiresAuth: true,
		Serial:       true,
		Authorize: func(g graphDomain.Graph, actx Context, raw json.RawMessage) bool {
			p, err := decodePayload[RegenerateKeyPayload](raw)
			if err != nil {
				return false
			}
			return authz.CanGenerateKey(g, actx.ActorID(), p.KeyableParentID)
		},
		Handle: func(ctx context.Context, g graphDomain.Graph, actx Context, now time.Time, raw json.RawMessage) (*Proposal, error) {
			p, err := decodePayload[RegenerateKeyPayload](raw)
			if err != nil {
				return nil, err
			}
			mut, err := deps.Envkeys.Regenerate(ctx, g, actx.OrgID, envkeyActor(actx), p.KeyableParentID, now)
			if err != nil {
				return nil, err
			}
			return proposalFromMutation(actx.OrgID, mut, now, keyScope(g, p.KeyableParentID), mut.Issued)
		},
	}
}

func revokeKeyDefinition(deps Deps) Definition {
	return Definition{
		Type:         TypeRevokeKey,
		MutatesGraph: true,
		RequiresAuth: true,
		Serial:       true,
		Authorize: func(g graphDomain.Graph, actx Context, raw json.RawMessage) bool {
			p, err := decodePayload[RevokeKeyPayload](raw)
			if err != nil {
				return false
			}
			return authz.CanRevokeKey(g, actx.ActorID(), p.GeneratedEnvkeyID)
		},
		Handle: func(ctx context.Context, g graphDomain.Graph, actx Context, now time.Time, raw json.RawMessage) (*Proposal, error) {
			p, err := decodePayload[RevokeKeyPayload](raw)
			if err != nil {
				return nil, err
			}
			key, err := g.GeneratedEnvkey(p.GeneratedEnvkeyID)
			if err != nil {
				return nil, err
			}
			mut, err := deps.Envkeys.Revoke(ctx, g, actx.OrgID, p.GeneratedEnvkeyID, now)
			if err != nil {
				return nil, err
			}
			return proposalFromMutation(actx.OrgID, mut, now, keyScope(g, key.KeyableParentID), nil)
		},
	}
}

func grantAppAccessDefinition() Definition {
	return Definition{
		Type:         TypeGrantAppAccess,
		MutatesGraph: true,
		RequiresAuth: true,
		Authorize: func(g graphDomain.Graph, actx Context, raw json.RawMessage) bool {
			p, err := decodePayload[GrantAppAccessPayload](raw)
			if err != nil {
				return false
			}
			return authz.CanGrantAccess(g, actx.ActorID(), p.AppID)
		},
		Handle: func(_ context.Context, g graphDomain.Graph, actx Context, now time.Time, raw json.RawMessage) (*Proposal, error) {
			p, err := decodePayload[GrantAppAccessPayload](raw)
			if err != nil {
				return nil, err
			}
			role := graphDomain.AppRole(p.Role)
			if !role.Valid() {
				return nil, apperrors.Wrapf(apperrors.ErrInvalidInput, "unknown app role %q", p.Role)
			}
			user, err := g.User(p.UserID)
			if err != nil {
				return nil, err
			}
			if user.Deleted() != nil {
				return nil, apperrors.Wrap(apperrors.ErrInvalidState, "user is deleted")
			}

			next := g
			var upserts []graphDomain.Node
			for _, grant := range graphDomain.NodesOfType[*graphDomain.AppUserGrant](g) {
				if grant.AppID == p.AppID && grant.UserID == p.UserID {
					retired := *grant
					retired.Meta = retired.Meta.Touch(now)
					retired.DeletedAt = &now
					next = next.With(&retired)
					upserts = append(upserts, &retired)
				}
			}

			grant := &graphDomain.AppUserGrant{
				Meta:   graphDomain.NewMeta(graphDomain.TypeAppUserGrant, uuid.Must(uuid.NewV7()).String(), now),
				AppID:  p.AppID,
				UserID: p.UserID,
				Role:   role,
			}
			next = next.With(grant)
			upserts = append(upserts, grant)

			return &Proposal{
				Graph:    next,
				Items:    TransactionItems{Upserts: upserts},
				Scope:    authz.ScopeForEnvParent(g, p.AppID),
				Response: map[string]string{"grantId": grant.ID},
			}, nil
		},
	}
}

func connectBlocksDefinition() Definition {
	return Definition{
		Type:         TypeConnectBlocks,
		MutatesGraph: true,
		RequiresAuth: true,
		Serial:       true,
		SerialKeys: func(_ Context, raw json.RawMessage) []string {
			p, err := decodePayload[ConnectBlocksPayload](raw)
			if err != nil {
				return nil
			}
			var keys []string
			for _, c := range p.Connections {
				t, err := resolveConnectionTarget(c)
				if err != nil {
					continue
				}
				keys = append(keys, "connect|"+t.appID, "connect|"+t.blockID)
			}
			return keys
		},
		Authorize: func(g graphDomain.Graph, actx Context, raw json.RawMessage) bool {
			p, err := decodePayload[ConnectBlocksPayload](raw)
			if err != nil {
				return false
			}
			// Bulk authorization agrees exactly with the elementary
			// authorizer: every expanded pair must pass.
			for _, c := range p.Connections {
				t, err := resolveConnectionTarget(c)
				if err != nil {
					return false
				}
				pairs, err := t.expandPairs(g)
				if err != nil || len(pairs) == 0 {
					return false
				}
				for _, pair := range pairs {
					if !authz.CanConnectBlock(g, actx.ActorID(), pair[0], pair[1]) {
						return false
					}
				}
			}
			return true
		},
		Handle: func(_ context.Context, g graphDomain.Graph, actx Context, now time.Time, raw json.RawMessage) (*Proposal, error) {
			p, err := decodePayload[ConnectBlocksPayload](raw)
			if err != nil {
				return nil, err
			}

			// Fan out into elementary connection nodes and merge into one
			// draft; any failure rejects the whole request.
			next := g
			var upserts []graphDomain.Node
			var scopes []authz.AccessScope
			connectionIDs := make([]string, 0, len(p.Connections))

			for _, c := range p.Connections {
				t, err := resolveConnectionTarget(c)
				if err != nil {
					return nil, err
				}
				node, err := buildConnectionNode(next, t, now)
				if err != nil {
					return nil, err
				}
				next = next.With(node)
				upserts = append(upserts, node)
				connectionIDs = append(connectionIDs, node.NodeID())

				pairs, err := t.expandPairs(g)
				if err != nil {
					return nil, err
				}
				for _, pair := range pairs {
					scopes = append(scopes, authz.ScopeForConnection(next, pair[0], pair[1]))
				}
			}

			return &Proposal{
				Graph:    next,
				Items:    TransactionItems{Upserts: upserts},
				Scope:    authz.MergeAccessScopesForScopes(scopes),
				Response: map[string][]string{"connectionIds": connectionIDs},
			}, nil
		},
	}
}

// buildConnectionNode creates the connection node for one resolved target,
// rejecting duplicates of an existing active connection.
func buildConnectionNode(g graphDomain.Graph, t connectionTarget, now time.Time) (graphDomain.Node, error) {
	order := t.orderIndex
	if order == 0 {
		order = nextConnectionOrderIndex(g)
	}
	id := uuid.Must(uuid.NewV7()).String()

	switch {
	case t.appSide == sideSingle && t.blockSide == sideSingle:
		for _, c := range graphDomain.NodesOfType[*graphDomain.AppBlock](g) {
			if c.AppID == t.appID && c.BlockID == t.blockID {
				return nil, apperrors.Wrap(apperrors.ErrConflict, "block is already connected to app")
			}
		}
		return &graphDomain.AppBlock{
			Meta: graphDomain.NewMeta(graphDomain.TypeAppBlock, id, now), AppID: t.appID, BlockID: t.blockID, OrderIndex: order,
		}, nil
	case t.appSide == sideGroup && t.blockSide == sideSingle:
		for _, c := range graphDomain.NodesOfType[*graphDomain.AppGroupBlock](g) {
			if c.AppGroupID == t.appID && c.BlockID == t.blockID {
				return nil, apperrors.Wrap(apperrors.ErrConflict, "block is already connected to app group")
			}
		}
		return &graphDomain.AppGroupBlock{
			Meta: graphDomain.NewMeta(graphDomain.TypeAppGroupBlock, id, now), AppGroupID: t.appID, BlockID: t.blockID, OrderIndex: order,
		}, nil
	case t.appSide == sideSingle && t.blockSide == sideGroup:
		for _, c := range graphDomain.NodesOfType[*graphDomain.AppBlockGroup](g) {
			if c.AppID == t.appID && c.BlockGroupID == t.blockID {
				return nil, apperrors.Wrap(apperrors.ErrConflict, "block group is already connected to app")
			}
		}
		return &graphDomain.AppBlockGroup{
			Meta: graphDomain.NewMeta(graphDomain.TypeAppBlockGroup, id, now), AppID: t.appID, BlockGroupID: t.blockID, OrderIndex: order,
		}, nil
	default:
		for _, c := range graphDomain.NodesOfType[*graphDomain.AppGroupBlockGroup](g) {
			if c.AppGroupID == t.appID && c.BlockGroupID == t.blockID {
				return nil, apperrors.Wrap(apperrors.ErrConflict, "block group is already connected to app group")
			}
		}
		return &graphDomain.AppGroupBlockGroup{
			Meta: graphDomain.NewMeta(graphDomain.TypeAppGroupBlockGroup, id, now), AppGroupID: t.appID, BlockGroupID: t.blockID, OrderIndex: order,
		}, nil
	}
}

// nextConnectionOrderIndex returns one past the highest order index in use.
func nextConnectionOrderIndex(g graphDomain.Graph) int {
	max := 0
	consider := func(order int) {
		if order > max {
			max = order
		}
	}
	for _, c := range graphDomain.NodesOfType[*graphDomain.AppBlock](g) {
		consider(c.OrderIndex)
	}
	for _, c := range graphDomain.NodesOfType[*graphDomain.AppGroupBlock](g) {
		consider(c.OrderIndex)
	}
	for _, c := range graphDomain.NodesOfType[*graphDomain.AppBlockGroup](g) {
		consider(c.OrderIndex)
	}
	for _, c := range graphDomain.NodesOfType[*graphDomain.AppGroupBlockGroup](g) {
		consider(c.OrderIndex)
	}
	return max + 1
}

func disconnectBlockDefinition() Definition {
	return Definition{
		Type:         TypeDisconnectBlock,
		MutatesGraph: true,
		RequiresAuth: true,
		Serial:       true,
		SerialKeys: func(_ Context, raw json.RawMessage) []string {
			p, err := decodePayload[DisconnectBlockPayload](raw)
			if err != nil {
				return nil
			}
			return []string{"connect|" + p.ConnectionID}
		},
		Authorize: func(g graphDomain.Graph, actx Context, raw json.RawMessage) bool {
			p, err := decodePayload[DisconnectBlockPayload](raw)
			if err != nil {
				return false
			}
			target, err := connectionTargetOfNode(g, p.ConnectionID)
			if err != nil {
				return false
			}
			pairs, err := target.expandPairs(g)
			if err != nil {
				return false
			}
			for _, pair := range pairs {
				if !authz.CanConnectBlock(g, actx.ActorID(), pair[0], pair[1]) {
					return false
				}
			}
			return true
		},
		Handle: func(_ context.Context, g graphDomain.Graph, actx Context, _ time.Time, raw json.RawMessage) (*Proposal, error) {
			p, err := decodePayload[DisconnectBlockPayload](raw)
			if err != nil {
				return nil, err
			}
			target, err := connectionTargetOfNode(g, p.ConnectionID)
			if err != nil {
				return nil, err
			}
			pairs, err := target.expandPairs(g)
			if err != nil {
				return nil, err
			}

			// Blobs scoped to the union of the two env-parents go stale.
			var scopes []authz.AccessScope
			for _, pair := range pairs {
				scopes = append(scopes, authz.ScopeForConnection(g, pair[0], pair[1]))
			}

			return &Proposal{
				Graph: g.Without(p.ConnectionID),
				Items: TransactionItems{Deletes: []string{p.ConnectionID}},
				Scope: authz.MergeAccessScopesForScopes(scopes),
			}, nil
		},
	}
}

// connectionTargetOfNode reconstructs the closed variant target from an
// existing connection node.
func connectionTargetOfNode(g graphDomain.Graph, connectionID string) (connectionTarget, error) {
	n, ok := g.Get(connectionID)
	if !ok {
		return connectionTarget{}, apperrors.Wrapf(apperrors.ErrNotFound, "connection %s", connectionID)
	}
	switch c := n.(type) {
	case *graphDomain.AppBlock:
		return connectionTarget{appSide: sideSingle, appID: c.AppID, blockSide: sideSingle, blockID: c.BlockID}, nil
	case *graphDomain.AppGroupBlock:
		return connectionTarget{appSide: sideGroup, appID: c.AppGroupID, blockSide: sideSingle, blockID: c.BlockID}, nil
	case *graphDomain.AppBlockGroup:
		return connectionTarget{appSide: sideSingle, appID: c.AppID, blockSide: sideGroup, blockID: c.BlockGroupID}, nil
	case *graphDomain.AppGroupBlockGroup:
		return connectionTarget{appSide: sideGroup, appID: c.AppGroupID, blockSide: sideGroup, blockID: c.BlockGroupID}, nil
	default:
		return connectionTarget{}, apperrors.Wrapf(graphDomain.ErrWrongNodeType, "%s is not a connection", connectionID)
	}
}

func lockDeviceDefinition(deps Deps) Definition {
	return Definition{
		Type:         TypeLockDevice,
		RequiresAuth: true,
		Handle: func(context.Context, graphDomain.Graph, Context, time.Time, json.RawMessage) (*Proposal, error) {
			if err := deps.Lock.Lock(); err != nil {
				return nil, err
			}
			return &Proposal{Response: map[string]bool{"locked": true}}, nil
		},
	}
}

func unlockDeviceDefinition(deps Deps) Definition {
	return Definition{
		Type:               TypeUnlockDevice,
		RequiresAuth:       true,
		AllowedWhileLocked: true,
		Handle: func(_ context.Context, _ graphDomain.Graph, _ Context, _ time.Time, raw json.RawMessage) (*Proposal, error) {
			p, err := decodePayload[UnlockDevicePayload](raw)
			if err != nil {
				return nil, err
			}
			if err := deps.Lock.Unlock(p.Passphrase); err != nil {
				return nil, err
			}
			return &Proposal{Response: map[string]bool{"locked": false}}, nil
		},
	}
}

func loadRecoveryKeyDefinition(deps Deps) Definition {
	return Definition{
		Type:               TypeLoadRecoveryKey,
		RequiresAuth:       true,
		AllowedWhileLocked: true,
		Handle: func(ctx context.Context, _ graphDomain.Graph, _ Context, _ time.Time, raw json.RawMessage) (*Proposal, error) {
			p, err := decodePayload[LoadRecoveryKeyPayload](raw)
			if err != nil {
				return nil, err
			}
			deviceKey, err := deps.Crypto.Open(ctx, p.EncryptedRecoveryKey)
			if err != nil {
				return nil, apperrors.Wrap(apperrors.ErrUnauthorized, "invalid recovery key")
			}
			deps.Lock.Recover()
			return &Proposal{Response: map[string]string{
				"deviceKey": base64.StdEncoding.EncodeToString(deviceKey),
			}}, nil
		},
	}
}

// envkeyActor maps the action context onto the lifecycle actor identity.
func envkeyActor(actx Context) envkey.Actor {
	return envkey.Actor{UserID: actx.UserID, DeviceID: actx.DeviceID}
}

// keyScope computes the access scope of a credential change on one keyable
// parent.
func keyScope(g graphDomain.Graph, keyableParentID string) authz.AccessScope {
	parent, err := g.KeyableParent(keyableParentID)
	if err != nil {
		return authz.EmptyScope()
	}
	return authz.AccessScope{
		EnvParentIDs:     authz.NewIDSet(parent.KeyableAppID()),
		UserIDs:          authz.NewIDSet(authz.UserIDsWithAccessToEnvParent(g, parent.KeyableAppID())...),
		KeyableParentIDs: authz.NewIDSet(keyableParentID),
	}
}

// proposalFromMutation folds a lifecycle mutation into a pipeline proposal.
func proposalFromMutation(orgID string, mut *envkey.Mutation, now time.Time, scope authz.AccessScope, response any) (*Proposal, error) {
	if err := mut.ApplyCounter(orgID, now); err != nil {
		return nil, err
	}

	items := TransactionItems{
		Upserts:          mut.Upserts,
		Deletes:          mut.Deletes,
		BlobUpserts:      mut.BlobUpserts,
		HardDeleteScopes: mut.HardDeleteScopes,
	}
	if mut.ServerEnvkeyDelta != 0 {
		items.CounterDeltas = map[string]int{orgID: mut.ServerEnvkeyDelta}
	}

	return &Proposal{
		Graph:                mut.Graph,
		Items:                items,
		Scope:                scope,
		InvalidatedEnvkeyIDs: mut.InvalidatedEnvkeyIDs,
		Response:             response,
	}, nil
}
