package action

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/CyberFlameGO/envkey/internal/database"
	"github.com/CyberFlameGO/envkey/internal/diff"
	apperrors "github.com/CyberFlameGO/envkey/internal/errors"
	"github.com/CyberFlameGO/envkey/internal/graph"
	graphDomain "github.com/CyberFlameGO/envkey/internal/graph/domain"
)

// Dispatcher runs actions through the pipeline to a terminal state.
type Dispatcher interface {
	Dispatch(ctx context.Context, actx Context, act Action) (*Result, error)
}

// dispatcher is the pipeline implementation.
type dispatcher struct {
	registry    *Registry
	store       *graph.Store
	txManager   database.TxManager
	repo        Repository
	broadcaster Broadcaster
	lock        Locker
	serializer  *keySerializer
	serialWait  time.Duration
	logger      *slog.Logger
	now         func() time.Time
}

// DispatcherOption configures a dispatcher.
type DispatcherOption func(*dispatcher)

// WithClock overrides the time source. Used in tests.
func WithClock(now func() time.Time) DispatcherOption {
	return func(d *dispatcher) {
		d.now = now
	}
}

// NewDispatcher wires the pipeline.
func NewDispatcher(
	registry *Registry,
	store *graph.Store,
	txManager database.TxManager,
	repo Repository,
	broadcaster Broadcaster,
	lock Locker,
	serialWait time.Duration,
	logger *slog.Logger,
	opts ...DispatcherOption,
) Dispatcher {
	d := &dispatcher{
		registry:    registry,
		store:       store,
		txManager:   txManager,
		repo:        repo,
		broadcaster: broadcaster,
		lock:        lock,
		serializer:  newKeySerializer(),
		serialWait:  serialWait,
		logger:      logger,
		now:         func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Dispatch runs one action: authorize, propose, persist, scope, broadcast,
// respond. On any failure no partial graph state is observable.
func (d *dispatcher) Dispatch(ctx context.Context, actx Context, act Action) (*Result, error) {
	def, ok := d.registry.Lookup(act.Type)
	if !ok {
		return nil, apperrors.Wrapf(apperrors.ErrInvalidInput, "unknown action type %q", act.Type)
	}

	if def.RequiresAuth && actx.ActorID() == "" {
		return nil, apperrors.Wrap(apperrors.ErrUnauthorized, "action not permitted")
	}

	if err := d.lock.Gate(def.AllowedWhileLocked); err != nil {
		return nil, err
	}

	if !def.MutatesGraph {
		return d.dispatchLocal(ctx, def, actx, act)
	}
	return d.dispatchMutation(ctx, def, actx, act)
}

// dispatchLocal runs actions that never touch the persisted graph, such as
// device-lock transitions. They still consult a snapshot when one is loaded.
func (d *dispatcher) dispatchLocal(ctx context.Context, def Definition, actx Context, act Action) (*Result, error) {
	g, _, err := d.store.Snapshot(actx.OrgID)
	if err != nil {
		// Lock-machine actions run before any org graph is loaded.
		g = nil
	}

	if def.Authorize != nil && !def.Authorize(g, actx, act.Payload) {
		return nil, apperrors.Wrap(apperrors.ErrUnauthorized, "action not permitted")
	}

	proposal, err := def.Handle(ctx, g, actx, d.now(), act.Payload)
	if err != nil {
		return nil, err
	}

	d.lock.Touch()
	return &Result{Success: true, Response: proposal.Response, Diffs: []diff.Operation{}}, nil
}

// dispatchMutation runs the full transactional path. Every mutation is ordered
// against other mutations of the same org; actions declaring extra serial keys
// are additionally ordered on those.
func (d *dispatcher) dispatchMutation(ctx context.Context, def Definition, actx Context, act Action) (*Result, error) {
	keys := []string{"org|" + actx.OrgID}
	if def.Serial && def.SerialKeys != nil {
		keys = append(keys, def.SerialKeys(actx, act.Payload)...)
	}
	release, err := d.serializer.acquire(ctx, keys, d.serialWait)
	if err != nil {
		return nil, err
	}
	defer release()

	pre, version, err := d.store.Snapshot(actx.OrgID)
	if err != nil {
		return nil, err
	}

	// Authorization failures are opaque so graph topology never leaks.
	if def.Authorize != nil && !def.Authorize(pre, actx, act.Payload) {
		return nil, apperrors.Wrap(apperrors.ErrUnauthorized, "action not permitted")
	}

	now := d.now()
	proposal, err := def.Handle(ctx, pre, actx, now, act.Payload)
	if err != nil {
		return nil, err
	}

	preState, err := marshalClientState(pre, version)
	if err != nil {
		return nil, apperrors.Wrap(err, "failed to serialize pre-action state")
	}

	if !proposal.Items.Empty() {
		err = d.txManager.WithTx(ctx, func(txCtx context.Context) error {
			return d.repo.SaveTransaction(txCtx, actx.OrgID, proposal.Items, now)
		})
		if err != nil {
			d.logger.Error("action transaction failed",
				slog.String("action", string(act.Type)),
				slog.String("org_id", actx.OrgID),
				slog.Any("error", err),
			)
			return nil, err
		}
	}

	post, err := d.store.Apply(actx.OrgID, now, func(graphDomain.Graph, time.Time) (graphDomain.Graph, error) {
		return proposal.Graph, nil
	})
	if err != nil {
		return nil, err
	}

	postState, err := marshalClientState(post, now)
	if err != nil {
		return nil, apperrors.Wrap(err, "failed to serialize post-action state")
	}
	ops, err := diff.Compute(preState, postState)
	if err != nil {
		return nil, apperrors.Wrap(err, "failed to compute state diff")
	}

	d.broadcast(post, actx.OrgID, proposal, ops)
	d.lock.Touch()

	return &Result{Success: true, Response: proposal.Response, Diffs: ops}, nil
}

// broadcast hands the committed change to the sync layer. Best-effort only;
// broadcast problems never fail the committed action.
func (d *dispatcher) broadcast(post graphDomain.Graph, orgID string, proposal *Proposal, ops []diff.Operation) {
	if len(ops) > 0 {
		d.broadcaster.PublishDiffs(orgID, proposal.Scope.UserIDs, ops)
	} else {
		d.broadcaster.PublishUpdate(orgID, proposal.Scope.UserIDs)
	}

	if envUpdated := d.scopedEnvkeyIDs(post, proposal); len(envUpdated) > 0 {
		d.broadcaster.PublishEnvUpdated(envUpdated)
	}
	if len(proposal.InvalidatedEnvkeyIDs) > 0 {
		d.broadcaster.InvalidateEnvkeys(proposal.InvalidatedEnvkeyIDs)
	}
}

// scopedEnvkeyIDs resolves the access scope's keyable parents to their live
// credentials, excluding ones the action just invalidated.
func (d *dispatcher) scopedEnvkeyIDs(post graphDomain.Graph, proposal *Proposal) []string {
	if proposal.Scope.KeyableParentIDs.Empty() {
		return nil
	}
	invalidated := map[string]bool{}
	for _, id := range proposal.InvalidatedEnvkeyIDs {
		invalidated[id] = true
	}

	var out []string
	for _, key := range graphDomain.NodesOfType[*graphDomain.GeneratedEnvkey](post) {
		if invalidated[key.ID] {
			continue
		}
		if proposal.Scope.KeyableParentIDs.Contains(key.KeyableParentID) {
			out = append(out, key.ID)
		}
	}
	return out
}

// marshalClientState serializes the state a client synchronizes against.
// Graph serialization sorts node ids, so equal states are byte-equal.
func marshalClientState(g graphDomain.Graph, version time.Time) ([]byte, error) {
	return json.Marshal(struct {
		Graph          graphDomain.Graph `json:"graph"`
		GraphUpdatedAt time.Time         `json:"graphUpdatedAt"`
	}{Graph: g, GraphUpdatedAt: version})
}
