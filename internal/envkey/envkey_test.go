package envkey

import (
	"context"
	"encoding/base64"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/CyberFlameGO/envkey/internal/crypto"
	apperrors "github.com/CyberFlameGO/envkey/internal/errors"
	graphDomain "github.com/CyberFlameGO/envkey/internal/graph/domain"
)

// fakeCrypto seals by reversible encoding so tests can assert on blob keys
// without a real keeper.
type fakeCrypto struct {
	keypairs int
}

func (f *fakeCrypto) GenerateKeypair() (*crypto.Keypair, error) {
	f.keypairs++
	return &crypto.Keypair{
		PubkeyID: "pubkey-id-" + string(rune('a'+f.keypairs-1)),
		Pubkey:   base64.StdEncoding.EncodeToString([]byte("pubkey-" + string(rune('a'+f.keypairs-1)))),
		Privkey:  []byte("privkey-material"),
	}, nil
}

func (f *fakeCrypto) Seal(_ context.Context, plaintext []byte) (string, error) {
	return "sealed:" + base64.StdEncoding.EncodeToString(plaintext), nil
}

func (f *fakeCrypto) Open(_ context.Context, sealed string) ([]byte, error) {
	encoded, ok := strings.CutPrefix(sealed, "sealed:")
	if !ok {
		return nil, apperrors.Wrap(apperrors.ErrInvalidInput, "not sealed by fake")
	}
	return base64.StdEncoding.DecodeString(encoded)
}

var testNow = time.Date(2026, 3, 14, 9, 26, 53, 0, time.UTC)

// fixtureGraph builds an org with two servers, one local key, and a license
// allowing maxServerEnvkeys active server credentials.
func fixtureGraph(maxServerEnvkeys int) graphDomain.Graph {
	meta := func(t graphDomain.NodeType, id string) graphDomain.Meta {
		return graphDomain.NewMeta(t, id, testNow)
	}
	return graphDomain.NewGraph(
		&graphDomain.Org{Meta: meta(graphDomain.TypeOrg, "org-1"), Name: "acme", License: graphDomain.License{MaxServerEnvkeys: maxServerEnvkeys}},
		&graphDomain.User{Meta: meta(graphDomain.TypeUser, "user-1"), OrgRole: graphDomain.OrgRoleOwner},
		&graphDomain.Device{Meta: meta(graphDomain.TypeDevice, "device-1"), UserID: "user-1"},
		&graphDomain.App{Meta: meta(graphDomain.TypeApp, "app-1"), Name: "api"},
		&graphDomain.Environment{Meta: meta(graphDomain.TypeEnvironment, "env-1"), EnvParentID: "app-1", Name: "production"},
		&graphDomain.Server{Meta: meta(graphDomain.TypeServer, "srv-1"), AppID: "app-1", EnvironmentID: "env-1", Name: "prod-1"},
		&graphDomain.Server{Meta: meta(graphDomain.TypeServer, "srv-2"), AppID: "app-1", EnvironmentID: "env-1", Name: "prod-2"},
		&graphDomain.LocalKey{Meta: meta(graphDomain.TypeLocalKey, "lk-1"), AppID: "app-1", EnvironmentID: "env-1", UserID: "user-1", DeviceID: "device-1"},
	)
}

func testActor() Actor {
	return Actor{UserID: "user-1", DeviceID: "device-1"}
}

// commit folds a mutation's counter delta in, mimicking the pipeline.
func commit(t *testing.T, mut *Mutation) graphDomain.Graph {
	t.Helper()
	require.NoError(t, mut.ApplyCounter("org-1", testNow))
	return mut.Graph
}

func TestManagerGenerate(t *testing.T) {
	ctx := context.Background()

	t.Run("Success_ServerKey", func(t *testing.T) {
		m := NewManager(&fakeCrypto{})
		g := fixtureGraph(3)

		mut, err := m.Generate(ctx, g, "org-1", testActor(), "srv-1", testNow)
		require.NoError(t, err)
		require.NotNil(t, mut.Issued)

		assert.Len(t, mut.Issued.EnvkeyIDPart, 22)
		assert.Equal(t, mut.Issued.EnvkeyIDPart[:6], mut.Issued.EnvkeyShort)
		assert.Equal(t, 1, mut.ServerEnvkeyDelta)
		assert.Empty(t, mut.HardDeleteScopes)
		assert.Contains(t, mut.BlobUpserts, "envkey|"+mut.Issued.EnvkeyIDPart)

		post := commit(t, mut)
		key := post.ActiveEnvkeyForParent("srv-1")
		require.NotNil(t, key)
		assert.Equal(t, HashIDPart(mut.Issued.EnvkeyIDPart), key.EnvkeyIDPartHash)
		assert.Equal(t, "user-1", key.CreatorID)
		assert.Equal(t, "device-1", key.CreatorDeviceID)
		assert.Equal(t, "device-1", key.SignedByID)
		assert.NotEmpty(t, key.SignedTrustedRoot)

		org, err := post.Org("org-1")
		require.NoError(t, err)
		assert.Equal(t, 1, org.ServerEnvkeyCount)
	})

	t.Run("Success_LocalKeyIgnoresQuota", func(t *testing.T) {
		m := NewManager(&fakeCrypto{})
		g := fixtureGraph(0)

		mut, err := m.Generate(ctx, g, "org-1", testActor(), "lk-1", testNow)
		require.NoError(t, err)
		assert.Equal(t, 0, mut.ServerEnvkeyDelta)

		post := commit(t, mut)
		org, err := post.Org("org-1")
		require.NoError(t, err)
		assert.Equal(t, 0, org.ServerEnvkeyCount)
	})

	t.Run("Success_UserSignedWithoutDevice", func(t *testing.T) {
		m := NewManager(&fakeCrypto{})
		g := fixtureGraph(3)

		mut, err := m.Generate(ctx, g, "org-1", Actor{UserID: "user-1"}, "srv-1", testNow)
		require.NoError(t, err)

		key := mut.Graph.ActiveEnvkeyForParent("srv-1")
		require.NotNil(t, key)
		assert.Equal(t, "user-1", key.SignedByID)
		assert.Empty(t, key.CreatorDeviceID)
	})

	t.Run("Error_QuotaExceeded", func(t *testing.T) {
		m := NewManager(&fakeCrypto{})
		g := fixtureGraph(1)

		mut, err := m.Generate(ctx, g, "org-1", testActor(), "srv-1", testNow)
		require.NoError(t, err)
		g = commit(t, mut)

		_, err = m.Generate(ctx, g, "org-1", testActor(), "srv-2", testNow)
		assert.ErrorIs(t, err, apperrors.ErrQuotaExceeded)
	})

	t.Run("Success_QuotaFreedByRevoke", func(t *testing.T) {
		m := NewManager(&fakeCrypto{})
		g := fixtureGraph(1)

		mut, err := m.Generate(ctx, g, "org-1", testActor(), "srv-1", testNow)
		require.NoError(t, err)
		g = commit(t, mut)

		revoked, err := m.Revoke(ctx, g, "org-1", mut.Issued.EnvkeyID, testNow)
		require.NoError(t, err)
		g = commit(t, revoked)

		mut, err = m.Generate(ctx, g, "org-1", testActor(), "srv-2", testNow)
		require.NoError(t, err)
		g = commit(t, mut)
		assert.Equal(t, 1, g.ActiveServerEnvkeyCount())
	})

	t.Run("Success_UnlimitedLicense", func(t *testing.T) {
		m := NewManager(&fakeCrypto{})
		g := fixtureGraph(-1)

		for _, parent := range []string{"srv-1", "srv-2"} {
			mut, err := m.Generate(ctx, g, "org-1", testActor(), parent, testNow)
			require.NoError(t, err)
			g = commit(t, mut)
		}
		assert.Equal(t, 2, g.ActiveServerEnvkeyCount())
	})

	t.Run("Error_UnknownParent", func(t *testing.T) {
		m := NewManager(&fakeCrypto{})
		_, err := m.Generate(ctx, fixtureGraph(3), "org-1", testActor(), "srv-missing", testNow)
		assert.ErrorIs(t, err, apperrors.ErrNotFound)
	})
}

func TestManagerRegenerate(t *testing.T) {
	ctx := context.Background()

	t.Run("Success_RotationRetiresPrior", func(t *testing.T) {
		m := NewManager(&fakeCrypto{})
		g := fixtureGraph(1)

		first, err := m.Generate(ctx, g, "org-1", testActor(), "srv-1", testNow)
		require.NoError(t, err)
		g = commit(t, first)

		second, err := m.Regenerate(ctx, g, "org-1", testActor(), "srv-1", testNow)
		require.NoError(t, err)

		// New identity, prior one retired, net counter change zero.
		assert.NotEqual(t, first.Issued.EnvkeyIDPart, second.Issued.EnvkeyIDPart)
		assert.Equal(t, []string{first.Issued.EnvkeyID}, second.Deletes)
		assert.Equal(t, []string{"envkey|" + first.Issued.EnvkeyIDPart}, second.HardDeleteScopes)
		assert.Equal(t, []string{first.Issued.EnvkeyID}, second.InvalidatedEnvkeyIDs)
		assert.Equal(t, 0, second.ServerEnvkeyDelta)

		g = commit(t, second)
		assert.Equal(t, 1, g.ActiveServerEnvkeyCount())
		key := g.ActiveEnvkeyForParent("srv-1")
		require.NotNil(t, key)
		assert.Equal(t, second.Issued.EnvkeyID, key.ID)
	})

	t.Run("Success_RotationFitsFullLicense", func(t *testing.T) {
		// With maxServerEnvkeys=1 and the slot taken by the same parent,
		// rotation must still succeed because the prior key is retired in the
		// same transaction.
		m := NewManager(&fakeCrypto{})
		g := fixtureGraph(1)

		first, err := m.Generate(ctx, g, "org-1", testActor(), "srv-1", testNow)
		require.NoError(t, err)
		g = commit(t, first)

		_, err = m.Regenerate(ctx, g, "org-1", testActor(), "srv-1", testNow)
		assert.NoError(t, err)
	})

	t.Run("Error_NoActiveKey", func(t *testing.T) {
		m := NewManager(&fakeCrypto{})
		_, err := m.Regenerate(ctx, fixtureGraph(3), "org-1", testActor(), "srv-1", testNow)
		assert.ErrorIs(t, err, apperrors.ErrInvalidState)
	})
}

func TestManagerRevoke(t *testing.T) {
	ctx := context.Background()

	t.Run("Success_RemovesNodeAndBlob", func(t *testing.T) {
		m := NewManager(&fakeCrypto{})
		g := fixtureGraph(3)

		issued, err := m.Generate(ctx, g, "org-1", testActor(), "srv-1", testNow)
		require.NoError(t, err)
		g = commit(t, issued)

		mut, err := m.Revoke(ctx, g, "org-1", issued.Issued.EnvkeyID, testNow)
		require.NoError(t, err)

		assert.Equal(t, []string{issued.Issued.EnvkeyID}, mut.Deletes)
		assert.Equal(t, []string{"envkey|" + issued.Issued.EnvkeyIDPart}, mut.HardDeleteScopes)
		assert.Equal(t, []string{issued.Issued.EnvkeyID}, mut.InvalidatedEnvkeyIDs)
		assert.Equal(t, -1, mut.ServerEnvkeyDelta)

		g = commit(t, mut)
		assert.Nil(t, g.ActiveEnvkeyForParent("srv-1"))
		org, err := g.Org("org-1")
		require.NoError(t, err)
		assert.Equal(t, 0, org.ServerEnvkeyCount)
	})

	t.Run("Error_UnknownEnvkey", func(t *testing.T) {
		m := NewManager(&fakeCrypto{})
		_, err := m.Revoke(ctx, fixtureGraph(3), "org-1", "key-missing", testNow)
		assert.ErrorIs(t, err, apperrors.ErrNotFound)
	})
}

func TestManagerCascadeDeleteParent(t *testing.T) {
	ctx := context.Background()

	t.Run("Success_DeletesParentAndKey", func(t *testing.T) {
		m := NewManager(&fakeCrypto{})
		g := fixtureGraph(3)

		issued, err := m.Generate(ctx, g, "org-1", testActor(), "srv-1", testNow)
		require.NoError(t, err)
		g = commit(t, issued)

		mut, err := m.CascadeDeleteParent(ctx, g, "org-1", "srv-1", testNow)
		require.NoError(t, err)

		// Same transaction carries the parent soft-delete and the envkey
		// removal with its blob hard-delete scope.
		assert.Equal(t, []string{issued.Issued.EnvkeyID}, mut.Deletes)
		assert.Equal(t, []string{"envkey|" + issued.Issued.EnvkeyIDPart}, mut.HardDeleteScopes)
		assert.Equal(t, -1, mut.ServerEnvkeyDelta)

		g = commit(t, mut)
		srv, err := g.Server("srv-1")
		require.NoError(t, err)
		assert.NotNil(t, srv.Deleted())
		assert.Nil(t, g.ActiveEnvkeyForParent("srv-1"))
	})

	t.Run("Success_ParentWithoutKey", func(t *testing.T) {
		m := NewManager(&fakeCrypto{})
		g := fixtureGraph(3)

		mut, err := m.CascadeDeleteParent(ctx, g, "org-1", "lk-1", testNow)
		require.NoError(t, err)
		assert.Empty(t, mut.Deletes)
		assert.Empty(t, mut.HardDeleteScopes)

		g = commit(t, mut)
		lk, err := g.LocalKey("lk-1")
		require.NoError(t, err)
		assert.NotNil(t, lk.Deleted())
	})

	t.Run("Error_AlreadyDeleted", func(t *testing.T) {
		m := NewManager(&fakeCrypto{})
		g := fixtureGraph(3)

		mut, err := m.CascadeDeleteParent(ctx, g, "org-1", "srv-1", testNow)
		require.NoError(t, err)
		g = commit(t, mut)

		_, err = m.CascadeDeleteParent(ctx, g, "org-1", "srv-1", testNow)
		assert.ErrorIs(t, err, apperrors.ErrInvalidState)
	})
}

func TestSingleActiveCredentialInvariant(t *testing.T) {
	ctx := context.Background()
	m := NewManager(&fakeCrypto{})
	g := fixtureGraph(-1)

	// Any sequence of generate/regenerate leaves at most one active credential
	// per keyable parent.
	for i := 0; i < 4; i++ {
		mut, err := m.Generate(ctx, g, "org-1", testActor(), "srv-1", testNow)
		require.NoError(t, err)
		g = commit(t, mut)

		active := 0
		for _, key := range graphDomain.NodesOfType[*graphDomain.GeneratedEnvkey](g) {
			if key.KeyableParentID == "srv-1" {
				active++
			}
		}
		assert.Equal(t, 1, active)
	}
	assert.Equal(t, 1, g.ActiveServerEnvkeyCount())
}
