// Package action implements the transactional dispatch pipeline: every graph
// change enters as an action, is authorized against the current snapshot,
// proposed as a pure graph transformation, persisted atomically, and finally
// broadcast to connected devices. Actions reach a terminal state of committed,
// rejected, or failed; no partial graph state is ever observable.
package action

import (
	"context"
	"encoding/json"
	"time"

	"github.com/CyberFlameGO/envkey/internal/authz"
	"github.com/CyberFlameGO/envkey/internal/diff"
	graphDomain "github.com/CyberFlameGO/envkey/internal/graph/domain"
)

// Type identifies an action kind.
type Type string

// All registered action types.
const (
	TypeCreateServer    Type = "create_server"
	TypeDeleteServer    Type = "delete_server"
	TypeCreateLocalKey  Type = "create_local_key"
	TypeDeleteLocalKey  Type = "delete_local_key"
	TypeGenerateKey     Type = "generate_key"
	TypeRegenerateKey   Type = "regenerate_key"
	TypeRevokeKey       Type = "revoke_key"
	TypeGrantAppAccess  Type = "grant_app_access"
	TypeConnectBlocks   Type = "connect_blocks"
	TypeDisconnectBlock Type = "disconnect_block"
	TypeLockDevice      Type = "lock_device"
	TypeUnlockDevice    Type = "unlock_device"
	TypeLoadRecoveryKey Type = "load_recovery_key"
)

// Action is one inbound intent: a type plus its raw payload. Payload shapes
// are resolved once, at the handler boundary.
type Action struct {
	Type    Type            `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Context identifies who is acting and when.
type Context struct {
	OrgID    string
	UserID   string
	DeviceID string
}

// ActorID returns the graph node the action acts as: the device when present,
// otherwise the user.
func (c Context) ActorID() string {
	if c.DeviceID != "" {
		return c.DeviceID
	}
	return c.UserID
}

// TransactionItems are the persistence side effects of one committed action.
// Everything here is written in a single database transaction.
type TransactionItems struct {
	Upserts          []graphDomain.Node
	Deletes          []string
	BlobUpserts      map[string][]byte
	HardDeleteScopes []string
	CounterDeltas    map[string]int
}

// Empty reports whether the items would write nothing.
func (t TransactionItems) Empty() bool {
	return len(t.Upserts) == 0 && len(t.Deletes) == 0 && len(t.BlobUpserts) == 0 &&
		len(t.HardDeleteScopes) == 0 && len(t.CounterDeltas) == 0
}

// Proposal is a handler's candidate outcome: the post-state graph, the
// transaction items persisting it, the access scope identifying stale
// encrypted blobs, and the credential sockets to invalidate.
type Proposal struct {
	Graph                graphDomain.Graph
	Items                TransactionItems
	Scope                authz.AccessScope
	InvalidatedEnvkeyIDs []string
	Response             any
}

// Definition declares one action kind's pipeline contract. This is the
// extension point callers use to add operations without touching the pipeline.
type Definition struct {
	Type Type

	// MutatesGraph gates the propose/persist/broadcast steps; actions without
	// it only run their handler (device-lock transitions, recovery loads).
	MutatesGraph bool

	// RequiresAuth rejects dispatch without an acting identity (user or
	// device) in the context.
	RequiresAuth bool

	// Serial forces FIFO ordering against other actions sharing a serial key.
	Serial bool

	// AllowedWhileLocked exempts the action from the device-lock gate.
	AllowedWhileLocked bool

	// SerialKeys returns the resource keys the action must be ordered on.
	// Only consulted when Serial is set.
	SerialKeys func(actx Context, payload json.RawMessage) []string

	// Authorize decides against the pre-image graph. A nil authorizer admits
	// the action (used by lock-machine actions that hold no graph target).
	Authorize func(g graphDomain.Graph, actx Context, payload json.RawMessage) bool

	// Handle produces the proposal. Must be pure with respect to g.
	Handle func(ctx context.Context, g graphDomain.Graph, actx Context, now time.Time, payload json.RawMessage) (*Proposal, error)
}

// Result is the terminal outcome returned to the caller: a definitive
// success plus the forward patch needed to reconcile local state.
type Result struct {
	Success  bool             `json:"success"`
	Response any              `json:"response,omitempty"`
	Diffs    []diff.Operation `json:"diffs"`
}

// Repository persists committed transaction items and rehydrates graphs.
type Repository interface {
	SaveTransaction(ctx context.Context, orgID string, items TransactionItems, version time.Time) error
	LoadGraph(ctx context.Context, orgID string) (graphDomain.Graph, time.Time, error)
}

// Broadcaster delivers committed changes to connected devices and consumers.
// Delivery is at-most-once and must never fail the originating action.
type Broadcaster interface {
	PublishDiffs(orgID string, userIDs authz.IDSet, diffs []diff.Operation)
	PublishUpdate(orgID string, userIDs authz.IDSet)
	PublishEnvUpdated(envkeyIDs []string)
	InvalidateEnvkeys(envkeyIDs []string)
}

// Locker is the device-lock gate in front of the pipeline.
type Locker interface {
	Gate(allowedWhileLocked bool) error
	Touch()
}
