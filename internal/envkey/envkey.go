// Package envkey implements the generated-envkey lifecycle: issue, rotate,
// revoke, and cascading deletion from the owning keyable parent. Every
// operation is a pure proposal over a graph snapshot plus the persistence side
// effects (node upserts/deletes, blob writes and hard-deletes, counter deltas)
// the pipeline commits in one transaction.
package envkey

import (
	"context"
	crand "crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/CyberFlameGO/envkey/internal/crypto"
	apperrors "github.com/CyberFlameGO/envkey/internal/errors"
	graphDomain "github.com/CyberFlameGO/envkey/internal/graph/domain"
)

// idPartBytes sizes the random envkey identifier (22 base64url chars).
const idPartBytes = 16

// Actor identifies who is issuing or revoking a credential.
type Actor struct {
	UserID   string
	DeviceID string
}

// signerID returns the identity a credential is signed by: the acting device
// when present, otherwise the user.
func (a Actor) signerID() string {
	if a.DeviceID != "" {
		return a.DeviceID
	}
	return a.UserID
}

// Issued carries the one-time credential material returned to the caller.
// EnvkeyIDPart is never persisted in the clear.
type Issued struct {
	EnvkeyID     string `json:"envkeyId"`
	EnvkeyIDPart string `json:"envkeyIdPart"`
	EnvkeyShort  string `json:"envkeyShort"`
	Pubkey       string `json:"pubkey"`
}

// Mutation is a lifecycle proposal: the post-state graph plus the transaction
// items persisting it and the socket invalidations it requires.
type Mutation struct {
	Graph                graphDomain.Graph
	Upserts              []graphDomain.Node
	Deletes              []string
	BlobUpserts          map[string][]byte
	HardDeleteScopes     []string
	ServerEnvkeyDelta    int
	InvalidatedEnvkeyIDs []string
	Issued               *Issued
}

// blobPayload is the envkey blob store record.
type blobPayload struct {
	EnvkeyIDPartHash string `json:"envkeyIdPartHash"`
	Pubkey           string `json:"pubkey"`
	EncryptedPrivkey string `json:"encryptedPrivkey"`
	EnvironmentID    string `json:"environmentId"`
}

// Manager drives envkey lifecycle transitions. It performs no authorization:
// callers run the RBAC authorizer first. Quota is enforced here against the
// pre-image graph, which is why quota-affecting actions are serialized at the
// org level.
type Manager struct {
	crypto crypto.Service
}

// NewManager creates a lifecycle manager.
func NewManager(cryptoService crypto.Service) *Manager {
	return &Manager{crypto: cryptoService}
}

// Generate issues a fresh credential for the keyable parent. A prior active
// credential is retired in the same mutation, so at most one active credential
// ever exists per parent.
func (m *Manager) Generate(ctx context.Context, g graphDomain.Graph, orgID string, actor Actor, keyableParentID string, now time.Time) (*Mutation, error) {
	return m.issue(ctx, g, orgID, actor, keyableParentID, now)
}

// Regenerate rotates the credential of a keyable parent that already has one:
// a new identity is issued and the prior one retired atomically. Rotating a
// parent without an active credential is an invalid state transition.
func (m *Manager) Regenerate(ctx context.Context, g graphDomain.Graph, orgID string, actor Actor, keyableParentID string, now time.Time) (*Mutation, error) {
	if g.ActiveEnvkeyForParent(keyableParentID) == nil {
		return nil, apperrors.Wrap(apperrors.ErrInvalidState, "keyable parent has no active envkey to regenerate")
	}
	return m.issue(ctx, g, orgID, actor, keyableParentID, now)
}

// Revoke retires an active credential: the graph node is deleted, its blob
// hard-deleted, the quota counter decremented, and its socket invalidated.
func (m *Manager) Revoke(ctx context.Context, g graphDomain.Graph, orgID string, envkeyID string, now time.Time) (*Mutation, error) {
	key, err := g.GeneratedEnvkey(envkeyID)
	if err != nil {
		return nil, err
	}
	if key.Deleted() != nil {
		return nil, apperrors.Wrap(apperrors.ErrInvalidState, "envkey is already revoked")
	}

	mut := &Mutation{Graph: g}
	if err := m.retire(ctx, mut, key); err != nil {
		return nil, err
	}
	return mut, nil
}

// CascadeDeleteParent soft-deletes a keyable parent and retires its active
// credential through the same path as explicit revocation.
func (m *Manager) CascadeDeleteParent(ctx context.Context, g graphDomain.Graph, orgID string, keyableParentID string, now time.Time) (*Mutation, error) {
	parent, err := g.KeyableParent(keyableParentID)
	if err != nil {
		return nil, err
	}
	if parent.Deleted() != nil {
		return nil, apperrors.Wrap(apperrors.ErrInvalidState, "keyable parent is already deleted")
	}

	mut := &Mutation{Graph: g}

	if key := g.ActiveEnvkeyForParent(keyableParentID); key != nil {
		if err := m.retire(ctx, mut, key); err != nil {
			return nil, err
		}
	}

	var retired graphDomain.Node
	switch p := parent.(type) {
	case *graphDomain.Server:
		cp := *p
		cp.Meta = cp.Meta.Touch(now)
		cp.DeletedAt = &now
		retired = &cp
	case *graphDomain.LocalKey:
		cp := *p
		cp.Meta = cp.Meta.Touch(now)
		cp.DeletedAt = &now
		retired = &cp
	default:
		return nil, apperrors.Wrap(apperrors.ErrInvalidState, "node is not a keyable parent")
	}

	mut.Graph = mut.Graph.With(retired)
	mut.Upserts = append(mut.Upserts, retired)
	return mut, nil
}

// issue creates a new credential and retires any prior active one.
func (m *Manager) issue(ctx context.Context, g graphDomain.Graph, orgID string, actor Actor, keyableParentID string, now time.Time) (*Mutation, error) {
	parent, err := g.KeyableParent(keyableParentID)
	if err != nil {
		return nil, err
	}
	if parent.Deleted() != nil {
		return nil, apperrors.Wrap(apperrors.ErrInvalidState, "keyable parent is deleted")
	}

	org, err := g.Org(orgID)
	if err != nil {
		return nil, err
	}

	isServer := parent.NodeType() == graphDomain.TypeServer
	prior := g.ActiveEnvkeyForParent(keyableParentID)

	// Quota check against the pre-image count. Retiring the prior credential
	// in the same mutation frees its slot.
	if isServer && org.License.MaxServerEnvkeys >= 0 {
		effective := org.ServerEnvkeyCount
		if prior != nil {
			effective--
		}
		if effective >= org.License.MaxServerEnvkeys {
			return nil, apperrors.Wrapf(apperrors.ErrQuotaExceeded,
				"license allows %d active server envkeys", org.License.MaxServerEnvkeys)
		}
	}

	mut := &Mutation{Graph: g}
	if prior != nil {
		if err := m.retire(ctx, mut, prior); err != nil {
			return nil, err
		}
	}

	idPart, err := newIDPart()
	if err != nil {
		return nil, err
	}
	idPartHash := hashIDPart(idPart)

	sealedIDPart, err := m.crypto.Seal(ctx, []byte(idPart))
	if err != nil {
		return nil, err
	}

	keypair, err := m.crypto.GenerateKeypair()
	if err != nil {
		return nil, err
	}
	sealedPrivkey, err := m.crypto.Seal(ctx, keypair.Privkey)
	if err != nil {
		return nil, err
	}

	key := &graphDomain.GeneratedEnvkey{
		Meta:              graphDomain.NewMeta(graphDomain.TypeGeneratedEnvkey, uuid.Must(uuid.NewV7()).String(), now),
		KeyableParentID:   keyableParentID,
		KeyableParentType: parent.NodeType(),
		AppID:             parent.KeyableAppID(),
		EnvironmentID:     parent.KeyableEnvironmentID(),
		CreatorID:         actor.UserID,
		CreatorDeviceID:   actor.DeviceID,
		SignedByID:        actor.signerID(),
		EnvkeyIDPartHash:  idPartHash,
		EncryptedIDPart:   sealedIDPart,
		EnvkeyShort:       idPart[:6],
		Pubkey:            keypair.Pubkey,
		PubkeyID:          keypair.PubkeyID,
		EncryptedPrivkey:  sealedPrivkey,
		SignedTrustedRoot: trustedRootAttestation(orgID, keypair.Pubkey),
	}

	blob, err := json.Marshal(blobPayload{
		EnvkeyIDPartHash: idPartHash,
		Pubkey:           keypair.Pubkey,
		EncryptedPrivkey: sealedPrivkey,
		EnvironmentID:    key.EnvironmentID,
	})
	if err != nil {
		return nil, apperrors.Wrap(err, "failed to marshal envkey blob")
	}

	mut.Graph = mut.Graph.With(key)
	mut.Upserts = append(mut.Upserts, key)
	if mut.BlobUpserts == nil {
		mut.BlobUpserts = map[string][]byte{}
	}
	mut.BlobUpserts[graphDomain.BlobKey(idPart)] = blob
	if isServer {
		mut.ServerEnvkeyDelta++
	}
	mut.Issued = &Issued{
		EnvkeyID:     key.ID,
		EnvkeyIDPart: idPart,
		EnvkeyShort:  key.EnvkeyShort,
		Pubkey:       key.Pubkey,
	}
	return mut, nil
}

// retire removes an active credential from the graph and emits its blob
// hard-delete scope, counter decrement, and socket invalidation.
func (m *Manager) retire(ctx context.Context, mut *Mutation, key *graphDomain.GeneratedEnvkey) error {
	idPart, err := m.crypto.Open(ctx, key.EncryptedIDPart)
	if err != nil {
		return err
	}

	mut.Graph = mut.Graph.Without(key.ID)
	mut.Deletes = append(mut.Deletes, key.ID)
	mut.HardDeleteScopes = append(mut.HardDeleteScopes, graphDomain.BlobKey(string(idPart)))
	mut.InvalidatedEnvkeyIDs = append(mut.InvalidatedEnvkeyIDs, key.ID)
	if key.KeyableParentType == graphDomain.TypeServer {
		mut.ServerEnvkeyDelta--
	}
	return nil
}

// ApplyCounter returns the graph with the org's server-envkey counter moved by
// the mutation's delta. Kept separate from issue/retire so the counter changes
// exactly once per mutation.
func (mut *Mutation) ApplyCounter(orgID string, now time.Time) error {
	if mut.ServerEnvkeyDelta == 0 {
		return nil
	}
	org, err := mut.Graph.Org(orgID)
	if err != nil {
		return err
	}
	cp := *org
	cp.Meta = cp.Meta.Touch(now)
	cp.ServerEnvkeyCount += mut.ServerEnvkeyDelta
	if cp.ServerEnvkeyCount < 0 {
		return apperrors.Wrap(apperrors.ErrInvalidState, "server envkey count would go negative")
	}
	mut.Graph = mut.Graph.With(&cp)
	mut.Upserts = append(mut.Upserts, &cp)
	return nil
}

// newIDPart generates the public random identifier of a credential.
func newIDPart() (string, error) {
	raw := make([]byte, idPartBytes)
	if _, err := crand.Read(raw); err != nil {
		return "", apperrors.Wrap(err, "failed to generate envkey id part")
	}
	return base64.RawURLEncoding.EncodeToString(raw), nil
}

// hashIDPart derives the non-reversible lookup key of a credential.
func hashIDPart(idPart string) string {
	sum := sha256.Sum256([]byte(idPart))
	return hex.EncodeToString(sum[:])
}

// HashIDPart is the exported form of hashIDPart, used by lookup paths that
// receive the full identifier from a consumer.
func HashIDPart(idPart string) string { return hashIDPart(idPart) }

// trustedRootAttestation binds a credential's pubkey to its org root.
func trustedRootAttestation(orgID, pubkey string) string {
	sum := sha256.Sum256([]byte(orgID + "|" + pubkey))
	return base64.StdEncoding.EncodeToString(sum[:])
}
