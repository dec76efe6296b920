package action

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/CyberFlameGO/envkey/internal/authz"
	"github.com/CyberFlameGO/envkey/internal/crypto"
	"github.com/CyberFlameGO/envkey/internal/devicelock"
	"github.com/CyberFlameGO/envkey/internal/diff"
	"github.com/CyberFlameGO/envkey/internal/envkey"
	apperrors "github.com/CyberFlameGO/envkey/internal/errors"
	"github.com/CyberFlameGO/envkey/internal/graph"
	graphDomain "github.com/CyberFlameGO/envkey/internal/graph/domain"
)

var testNow = time.Date(2026, 3, 14, 9, 26, 53, 0, time.UTC)

// fakeCrypto seals reversibly so tests run without a keeper.
type fakeCrypto struct{}

func (fakeCrypto) GenerateKeypair() (*crypto.Keypair, error) {
	return &crypto.Keypair{
		PubkeyID: "pubkey-id",
		Pubkey:   base64.StdEncoding.EncodeToString([]byte("pubkey")),
		Privkey:  []byte("privkey-material"),
	}, nil
}

func (fakeCrypto) Seal(_ context.Context, plaintext []byte) (string, error) {
	return "sealed:" + base64.StdEncoding.EncodeToString(plaintext), nil
}

func (fakeCrypto) Open(_ context.Context, sealed string) ([]byte, error) {
	encoded, ok := strings.CutPrefix(sealed, "sealed:")
	if !ok {
		return nil, apperrors.Wrap(apperrors.ErrUnauthorized, "not sealed")
	}
	return base64.StdEncoding.DecodeString(encoded)
}

// fakeRepo records saved transactions and can inject failures.
type fakeRepo struct {
	mu    sync.Mutex
	saved []TransactionItems
	err   error
}

func (r *fakeRepo) SaveTransaction(_ context.Context, _ string, items TransactionItems, _ time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	r.saved = append(r.saved, items)
	return nil
}

func (r *fakeRepo) LoadGraph(context.Context, string) (graphDomain.Graph, time.Time, error) {
	return nil, time.Time{}, apperrors.Wrap(apperrors.ErrNotFound, "not implemented")
}

// fakeTxManager runs the function without a database.
type fakeTxManager struct{}

func (fakeTxManager) WithTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if err := fn(ctx); err != nil {
		return err
	}
	return nil
}

// fakeBroadcaster records everything published.
type fakeBroadcaster struct {
	mu          sync.Mutex
	diffs       [][]diff.Operation
	diffUsers   []authz.IDSet
	updates     int
	envUpdated  [][]string
	invalidated [][]string
}

func (b *fakeBroadcaster) PublishDiffs(_ string, userIDs authz.IDSet, ops []diff.Operation) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.diffs = append(b.diffs, ops)
	b.diffUsers = append(b.diffUsers, userIDs)
}

func (b *fakeBroadcaster) PublishUpdate(string, authz.IDSet) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.updates++
}

func (b *fakeBroadcaster) PublishEnvUpdated(ids []string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.envUpdated = append(b.envUpdated, ids)
}

func (b *fakeBroadcaster) InvalidateEnvkeys(ids []string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.invalidated = append(b.invalidated, ids)
}

func (b *fakeBroadcaster) allInvalidated() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []string
	for _, ids := range b.invalidated {
		out = append(out, ids...)
	}
	return out
}

// pipelineFixture wires a full pipeline over an in-memory store.
type pipelineFixture struct {
	dispatcher  Dispatcher
	store       *graph.Store
	repo        *fakeRepo
	broadcaster *fakeBroadcaster
	lock        *devicelock.Machine
}

func newPipelineFixture(t *testing.T, maxServerEnvkeys int) *pipelineFixture {
	t.Helper()

	meta := func(nt graphDomain.NodeType, id string) graphDomain.Meta {
		return graphDomain.NewMeta(nt, id, testNow)
	}
	g := graphDomain.NewGraph(
		&graphDomain.Org{Meta: meta(graphDomain.TypeOrg, "org-1"), Name: "acme", License: graphDomain.License{MaxServerEnvkeys: maxServerEnvkeys}},
		&graphDomain.User{Meta: meta(graphDomain.TypeUser, "owner"), OrgRole: graphDomain.OrgRoleOwner},
		&graphDomain.User{Meta: meta(graphDomain.TypeUser, "viewer"), OrgRole: graphDomain.OrgRoleBasic},
		&graphDomain.Device{Meta: meta(graphDomain.TypeDevice, "device-1"), UserID: "owner"},
		&graphDomain.App{Meta: meta(graphDomain.TypeApp, "app-1"), Name: "api"},
		&graphDomain.Block{Meta: meta(graphDomain.TypeBlock, "blk-1"), Name: "shared"},
		&graphDomain.Environment{Meta: meta(graphDomain.TypeEnvironment, "env-1"), EnvParentID: "app-1", Name: "production"},
		&graphDomain.Server{Meta: meta(graphDomain.TypeServer, "srv-1"), AppID: "app-1", EnvironmentID: "env-1", Name: "prod-1"},
		&graphDomain.Server{Meta: meta(graphDomain.TypeServer, "srv-2"), AppID: "app-1", EnvironmentID: "env-1", Name: "prod-2"},
	)

	store := graph.NewStore()
	store.Load("org-1", g, testNow)

	lock := devicelock.NewMachine(0, 0, nil)
	repo := &fakeRepo{}
	broadcaster := &fakeBroadcaster{}

	registry := NewRegistry()
	deps := Deps{
		Envkeys: envkey.NewManager(fakeCrypto{}),
		Crypto:  fakeCrypto{},
		Lock:    lock,
	}
	require.NoError(t, RegisterBuiltin(registry, deps))

	logger := slog.New(slog.NewJSONHandler(testWriter{t}, nil))
	dispatcher := NewDispatcher(registry, store, fakeTxManager{}, repo, broadcaster, lock, 100*time.Millisecond, logger)

	return &pipelineFixture{
		dispatcher:  dispatcher,
		store:       store,
		repo:        repo,
		broadcaster: broadcaster,
		lock:        lock,
	}
}

type testWriter struct{ t *testing.T }

func (w testWriter) Write(p []byte) (int, error) {
	w.t.Log(strings.TrimSpace(string(p)))
	return len(p), nil
}

func ownerContext() Context {
	return Context{OrgID: "org-1", UserID: "owner", DeviceID: "device-1"}
}

func mustPayload(t *testing.T, v any) json.RawMessage {
	t.Helper()
	raw, err := json.Marshal(v)
	require.NoError(t, err)
	return raw
}

func TestDispatchGenerateKey(t *testing.T) {
	f := newPipelineFixture(t, 3)
	ctx := context.Background()

	pre, version, err := f.store.Snapshot("org-1")
	require.NoError(t, err)
	preState, err := marshalClientState(pre, version)
	require.NoError(t, err)

	result, err := f.dispatcher.Dispatch(ctx, ownerContext(), Action{
		Type:    TypeGenerateKey,
		Payload: mustPayload(t, GenerateKeyPayload{KeyableParentID: "srv-1"}),
	})
	require.NoError(t, err)
	require.True(t, result.Success)

	issued, ok := result.Response.(*envkey.Issued)
	require.True(t, ok)
	assert.Len(t, issued.EnvkeyIDPart, 22)

	// The committed snapshot holds the credential and the moved counter.
	post, _, err := f.store.Snapshot("org-1")
	require.NoError(t, err)
	key := post.ActiveEnvkeyForParent("srv-1")
	require.NotNil(t, key)
	org, err := post.Org("org-1")
	require.NoError(t, err)
	assert.Equal(t, 1, org.ServerEnvkeyCount)

	// One transaction carried the node, the counter, and the blob.
	require.Len(t, f.repo.saved, 1)
	items := f.repo.saved[0]
	assert.Len(t, items.Upserts, 2)
	assert.Len(t, items.BlobUpserts, 1)
	assert.Equal(t, map[string]int{"org-1": 1}, items.CounterDeltas)

	// Applying the returned diffs to the pre-action state reproduces the
	// post-action state byte-for-byte.
	patched, err := diff.Apply(preState, result.Diffs)
	require.NoError(t, err)
	postState, err := marshalClientState(post, key.CreatedAt)
	require.NoError(t, err)
	canonicalPost, err := diff.Apply(postState, nil)
	require.NoError(t, err)
	assert.Equal(t, string(canonicalPost), string(patched))
}

func TestDispatchRejections(t *testing.T) {
	ctx := context.Background()

	t.Run("Error_UnknownAction", func(t *testing.T) {
		f := newPipelineFixture(t, 3)
		_, err := f.dispatcher.Dispatch(ctx, ownerContext(), Action{Type: "no_such_action"})
		assert.ErrorIs(t, err, apperrors.ErrInvalidInput)
	})

	t.Run("Error_Unauthorized", func(t *testing.T) {
		f := newPipelineFixture(t, 3)
		_, err := f.dispatcher.Dispatch(ctx, Context{OrgID: "org-1", UserID: "viewer"}, Action{
			Type:    TypeGenerateKey,
			Payload: mustPayload(t, GenerateKeyPayload{KeyableParentID: "srv-1"}),
		})
		assert.ErrorIs(t, err, apperrors.ErrUnauthorized)

		// Rejected before any mutation.
		assert.Empty(t, f.repo.saved)
		g, _, err := f.store.Snapshot("org-1")
		require.NoError(t, err)
		assert.Nil(t, g.ActiveEnvkeyForParent("srv-1"))
	})

	t.Run("Error_NoActingIdentity", func(t *testing.T) {
		f := newPipelineFixture(t, 3)
		_, err := f.dispatcher.Dispatch(ctx, Context{OrgID: "org-1"}, Action{
			Type:    TypeGenerateKey,
			Payload: mustPayload(t, GenerateKeyPayload{KeyableParentID: "srv-1"}),
		})
		assert.ErrorIs(t, err, apperrors.ErrUnauthorized)
		assert.Empty(t, f.repo.saved)
	})

	t.Run("Error_InvalidPayload", func(t *testing.T) {
		f := newPipelineFixture(t, 3)
		_, err := f.dispatcher.Dispatch(ctx, ownerContext(), Action{
			Type:    TypeCreateServer,
			Payload: mustPayload(t, CreateServerPayload{EnvironmentID: "env-1", Name: "  "}),
		})
		assert.ErrorIs(t, err, apperrors.ErrUnauthorized)
	})

	t.Run("Error_TransactionFailure", func(t *testing.T) {
		f := newPipelineFixture(t, 3)
		f.repo.err = apperrors.Wrap(apperrors.ErrTransactionFailed, "disk on fire")

		_, err := f.dispatcher.Dispatch(ctx, ownerContext(), Action{
			Type:    TypeGenerateKey,
			Payload: mustPayload(t, GenerateKeyPayload{KeyableParentID: "srv-1"}),
		})
		assert.ErrorIs(t, err, apperrors.ErrTransactionFailed)

		// Failed persistence leaves the snapshot untouched.
		g, _, err := f.store.Snapshot("org-1")
		require.NoError(t, err)
		assert.Nil(t, g.ActiveEnvkeyForParent("srv-1"))
		org, err := g.Org("org-1")
		require.NoError(t, err)
		assert.Equal(t, 0, org.ServerEnvkeyCount)
	})
}

func TestDispatchQuotaScenario(t *testing.T) {
	// maxServerEnvkeys=1: generate on S1 succeeds, S2 is rejected, revoking
	// K1 frees the slot, S2 then succeeds.
	f := newPipelineFixture(t, 1)
	ctx := context.Background()

	result, err := f.dispatcher.Dispatch(ctx, ownerContext(), Action{
		Type:    TypeGenerateKey,
		Payload: mustPayload(t, GenerateKeyPayload{KeyableParentID: "srv-1"}),
	})
	require.NoError(t, err)
	k1 := result.Response.(*envkey.Issued)

	_, err = f.dispatcher.Dispatch(ctx, ownerContext(), Action{
		Type:    TypeGenerateKey,
		Payload: mustPayload(t, GenerateKeyPayload{KeyableParentID: "srv-2"}),
	})
	assert.ErrorIs(t, err, apperrors.ErrQuotaExceeded)

	_, err = f.dispatcher.Dispatch(ctx, ownerContext(), Action{
		Type:    TypeRevokeKey,
		Payload: mustPayload(t, RevokeKeyPayload{GeneratedEnvkeyID: k1.EnvkeyID}),
	})
	require.NoError(t, err)

	_, err = f.dispatcher.Dispatch(ctx, ownerContext(), Action{
		Type:    TypeGenerateKey,
		Payload: mustPayload(t, GenerateKeyPayload{KeyableParentID: "srv-2"}),
	})
	require.NoError(t, err)

	g, _, err := f.store.Snapshot("org-1")
	require.NoError(t, err)
	assert.Equal(t, 1, g.ActiveServerEnvkeyCount())
	assert.Equal(t, []string{k1.EnvkeyID}, f.broadcaster.allInvalidated())
}

func TestDispatchConcurrentGenerateRace(t *testing.T) {
	// Two generate actions racing on a near-full license: serialization at
	// the org key means exactly one wins.
	f := newPipelineFixture(t, 1)
	ctx := context.Background()

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i, parent := range []string{"srv-1", "srv-2"} {
		wg.Add(1)
		go func(i int, parent string) {
			defer wg.Done()
			_, errs[i] = f.dispatcher.Dispatch(ctx, ownerContext(), Action{
				Type:    TypeGenerateKey,
				Payload: mustPayload(t, GenerateKeyPayload{KeyableParentID: parent}),
			})
		}(i, parent)
	}
	wg.Wait()

	failures := 0
	for _, err := range errs {
		if err != nil {
			assert.ErrorIs(t, err, apperrors.ErrQuotaExceeded)
			failures++
		}
	}
	assert.Equal(t, 1, failures)

	g, _, err := f.store.Snapshot("org-1")
	require.NoError(t, err)
	assert.Equal(t, 1, g.ActiveServerEnvkeyCount())
	org, err := g.Org("org-1")
	require.NoError(t, err)
	assert.Equal(t, 1, org.ServerEnvkeyCount)
}

func TestDispatchRegenerateScenario(t *testing.T) {
	// Regenerate yields a new identity, deletes the prior key, and emits
	// exactly one socket invalidation for it.
	f := newPipelineFixture(t, 1)
	ctx := context.Background()

	first, err := f.dispatcher.Dispatch(ctx, ownerContext(), Action{
		Type:    TypeGenerateKey,
		Payload: mustPayload(t, GenerateKeyPayload{KeyableParentID: "srv-1"}),
	})
	require.NoError(t, err)
	k1 := first.Response.(*envkey.Issued)

	second, err := f.dispatcher.Dispatch(ctx, ownerContext(), Action{
		Type:    TypeRegenerateKey,
		Payload: mustPayload(t, RegenerateKeyPayload{KeyableParentID: "srv-1"}),
	})
	require.NoError(t, err)
	k2 := second.Response.(*envkey.Issued)

	assert.NotEqual(t, k1.EnvkeyIDPart, k2.EnvkeyIDPart)
	assert.Equal(t, []string{k1.EnvkeyID}, f.broadcaster.allInvalidated())

	g, _, err := f.store.Snapshot("org-1")
	require.NoError(t, err)
	key := g.ActiveEnvkeyForParent("srv-1")
	require.NotNil(t, key)
	assert.Equal(t, k2.EnvkeyID, key.ID)
}

func TestDispatchDeleteServerCascades(t *testing.T) {
	f := newPipelineFixture(t, 3)
	ctx := context.Background()

	issued, err := f.dispatcher.Dispatch(ctx, ownerContext(), Action{
		Type:    TypeGenerateKey,
		Payload: mustPayload(t, GenerateKeyPayload{KeyableParentID: "srv-1"}),
	})
	require.NoError(t, err)
	k1 := issued.Response.(*envkey.Issued)

	_, err = f.dispatcher.Dispatch(ctx, ownerContext(), Action{
		Type:    TypeDeleteServer,
		Payload: mustPayload(t, DeleteServerPayload{ServerID: "srv-1"}),
	})
	require.NoError(t, err)

	g, _, err := f.store.Snapshot("org-1")
	require.NoError(t, err)
	srv, err := g.Server("srv-1")
	require.NoError(t, err)
	assert.NotNil(t, srv.Deleted())
	assert.Nil(t, g.ActiveEnvkeyForParent("srv-1"))
	assert.Equal(t, []string{k1.EnvkeyID}, f.broadcaster.allInvalidated())

	// The cascade's transaction carries the blob hard-delete.
	last := f.repo.saved[len(f.repo.saved)-1]
	assert.Equal(t, []string{"envkey|" + k1.EnvkeyIDPart}, last.HardDeleteScopes)
}

func TestDispatchConnectBlocks(t *testing.T) {
	ctx := context.Background()

	t.Run("Success_DirectConnection", func(t *testing.T) {
		f := newPipelineFixture(t, 3)
		result, err := f.dispatcher.Dispatch(ctx, ownerContext(), Action{
			Type: TypeConnectBlocks,
			Payload: mustPayload(t, ConnectBlocksPayload{
				Connections: []BlockConnection{{AppID: "app-1", BlockID: "blk-1"}},
			}),
		})
		require.NoError(t, err)
		require.True(t, result.Success)

		g, _, err := f.store.Snapshot("org-1")
		require.NoError(t, err)
		assert.Equal(t, []string{"blk-1"}, g.ConnectedBlockIDs("app-1"))
	})

	t.Run("Error_AmbiguousTarget", func(t *testing.T) {
		f := newPipelineFixture(t, 3)
		_, err := f.dispatcher.Dispatch(ctx, ownerContext(), Action{
			Type: TypeConnectBlocks,
			Payload: mustPayload(t, ConnectBlocksPayload{
				Connections: []BlockConnection{{AppID: "app-1", AppGroupID: "ag-1", BlockID: "blk-1"}},
			}),
		})
		assert.ErrorIs(t, err, apperrors.ErrUnauthorized)
	})

	t.Run("Error_AllOrNothing", func(t *testing.T) {
		// One bad element rejects the whole request; the good sibling is not
		// connected either.
		f := newPipelineFixture(t, 3)
		_, err := f.dispatcher.Dispatch(ctx, ownerContext(), Action{
			Type: TypeConnectBlocks,
			Payload: mustPayload(t, ConnectBlocksPayload{
				Connections: []BlockConnection{
					{AppID: "app-1", BlockID: "blk-1"},
					{AppID: "app-1", BlockID: "blk-missing"},
				},
			}),
		})
		assert.ErrorIs(t, err, apperrors.ErrUnauthorized)

		g, _, err := f.store.Snapshot("org-1")
		require.NoError(t, err)
		assert.Empty(t, g.ConnectedBlockIDs("app-1"))
	})
}

func TestDispatchLockGating(t *testing.T) {
	f := newPipelineFixture(t, 3)
	ctx := context.Background()

	require.NoError(t, f.lock.SetPassphrase("correct horse"))
	_, err := f.dispatcher.Dispatch(ctx, ownerContext(), Action{Type: TypeLockDevice})
	require.NoError(t, err)

	// Locked: every regular action is rejected and the graph stays put.
	_, err = f.dispatcher.Dispatch(ctx, ownerContext(), Action{
		Type:    TypeGenerateKey,
		Payload: mustPayload(t, GenerateKeyPayload{KeyableParentID: "srv-1"}),
	})
	assert.ErrorIs(t, err, apperrors.ErrLocked)
	g, _, err := f.store.Snapshot("org-1")
	require.NoError(t, err)
	assert.Nil(t, g.ActiveEnvkeyForParent("srv-1"))

	// Wrong passphrase keeps it locked.
	_, err = f.dispatcher.Dispatch(ctx, ownerContext(), Action{
		Type:    TypeUnlockDevice,
		Payload: mustPayload(t, UnlockDevicePayload{Passphrase: "battery staple"}),
	})
	assert.ErrorIs(t, err, apperrors.ErrUnauthorized)
	assert.True(t, f.lock.Locked())

	// Unlock passes the gate and transitions the machine.
	result, err := f.dispatcher.Dispatch(ctx, ownerContext(), Action{
		Type:    TypeUnlockDevice,
		Payload: mustPayload(t, UnlockDevicePayload{Passphrase: "correct horse"}),
	})
	require.NoError(t, err)
	assert.True(t, result.Success)
	assert.False(t, f.lock.Locked())
}

func TestDispatchLoadRecoveryKey(t *testing.T) {
	f := newPipelineFixture(t, 3)
	ctx := context.Background()

	require.NoError(t, f.lock.SetPassphrase("correct horse"))
	_, err := f.dispatcher.Dispatch(ctx, ownerContext(), Action{Type: TypeLockDevice})
	require.NoError(t, err)

	sealed, err := fakeCrypto{}.Seal(ctx, []byte("device-key-material"))
	require.NoError(t, err)

	// Accepted while locked; a valid recovery key unlocks the device.
	result, err := f.dispatcher.Dispatch(ctx, ownerContext(), Action{
		Type:    TypeLoadRecoveryKey,
		Payload: mustPayload(t, LoadRecoveryKeyPayload{EncryptedRecoveryKey: sealed}),
	})
	require.NoError(t, err)
	assert.True(t, result.Success)
	assert.False(t, f.lock.Locked())

	response := result.Response.(map[string]string)
	assert.Equal(t, base64.StdEncoding.EncodeToString([]byte("device-key-material")), response["deviceKey"])
}
