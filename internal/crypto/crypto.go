// Package crypto provides the opaque cryptographic capability the core
// consumes: keypair generation for issued credentials and sealing of private
// key material through a gocloud.dev secrets keeper. The concrete algorithms
// live behind the keeper URI; the core never touches them directly.
package crypto

import (
	"context"
	crand "crypto/rand"
	"encoding/base64"

	"github.com/google/uuid"
	"gocloud.dev/secrets"
	"golang.org/x/crypto/nacl/box"

	apperrors "github.com/CyberFlameGO/envkey/internal/errors"

	// Register keeper provider drivers.
	_ "gocloud.dev/secrets/awskms"
	_ "gocloud.dev/secrets/azurekeyvault"
	_ "gocloud.dev/secrets/gcpkms"
	_ "gocloud.dev/secrets/hashivault"
	_ "gocloud.dev/secrets/localsecrets"
)

// Keeper is the sealing capability. *secrets.Keeper implements it.
type Keeper interface {
	Encrypt(ctx context.Context, plaintext []byte) ([]byte, error)
	Decrypt(ctx context.Context, ciphertext []byte) ([]byte, error)
}

// Keypair is a freshly generated asymmetric keypair for an issued credential.
type Keypair struct {
	// PubkeyID identifies the keypair independently of its material.
	PubkeyID string
	// Pubkey is the base64-encoded public key.
	Pubkey string
	// Privkey is the raw private key; callers seal it before storage.
	Privkey []byte
}

// Service is the crypto capability consumed by the envkey lifecycle.
type Service interface {
	// GenerateKeypair creates a new asymmetric keypair.
	GenerateKeypair() (*Keypair, error)
	// Seal encrypts sensitive material through the keeper and returns it
	// base64-encoded for graph storage.
	Seal(ctx context.Context, plaintext []byte) (string, error)
	// Open reverses Seal.
	Open(ctx context.Context, sealed string) ([]byte, error)
}

// OpenKeeper opens a secrets keeper for the configured URI.
// Supports: gcpkms://, awskms://, azurekeyvault://, hashivault://, base64key://.
func OpenKeeper(ctx context.Context, keeperURI string) (*secrets.Keeper, error) {
	keeper, err := secrets.OpenKeeper(ctx, keeperURI)
	if err != nil {
		return nil, apperrors.Wrap(err, "failed to open secrets keeper")
	}
	return keeper, nil
}

// keeperService implements Service over a Keeper.
type keeperService struct {
	keeper Keeper
}

// NewService creates the crypto service backed by the given keeper.
func NewService(keeper Keeper) Service {
	return &keeperService{keeper: keeper}
}

// GenerateKeypair creates a new NaCl box keypair.
func (s *keeperService) GenerateKeypair() (*Keypair, error) {
	pub, priv, err := box.GenerateKey(crand.Reader)
	if err != nil {
		return nil, apperrors.Wrap(err, "failed to generate keypair")
	}
	return &Keypair{
		PubkeyID: uuid.Must(uuid.NewV7()).String(),
		Pubkey:   base64.StdEncoding.EncodeToString(pub[:]),
		Privkey:  priv[:],
	}, nil
}

// Seal encrypts sensitive material through the keeper.
func (s *keeperService) Seal(ctx context.Context, plaintext []byte) (string, error) {
	sealed, err := s.keeper.Encrypt(ctx, plaintext)
	if err != nil {
		return "", apperrors.Wrap(err, "failed to seal material")
	}
	return base64.StdEncoding.EncodeToString(sealed), nil
}

// Open decrypts keeper-sealed material.
func (s *keeperService) Open(ctx context.Context, sealed string) ([]byte, error) {
	raw, err := base64.StdEncoding.DecodeString(sealed)
	if err != nil {
		return nil, apperrors.Wrap(err, "failed to decode sealed material")
	}
	plaintext, err := s.keeper.Decrypt(ctx, raw)
	if err != nil {
		return nil, apperrors.Wrap(err, "failed to open sealed material")
	}
	return plaintext, nil
}
