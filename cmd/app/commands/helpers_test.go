package commands

import (
	"bytes"
	"context"
	"encoding/base64"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/CyberFlameGO/envkey/internal/action"
	"github.com/CyberFlameGO/envkey/internal/crypto"
	apperrors "github.com/CyberFlameGO/envkey/internal/errors"
	graphDomain "github.com/CyberFlameGO/envkey/internal/graph/domain"
)

var testNow = time.Date(2026, 7, 10, 9, 0, 0, 0, time.UTC)

// testLogger discards log output.
func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// testIO captures command output in a buffer.
func testIO() (IOTuple, *bytes.Buffer) {
	buf := &bytes.Buffer{}
	return IOTuple{Reader: strings.NewReader(""), Writer: buf}, buf
}

// saveCall records one SaveTransaction invocation.
type saveCall struct {
	orgID   string
	items   action.TransactionItems
	version time.Time
}

// fakeGraphRepository backs commands with in-memory graphs and counters.
type fakeGraphRepository struct {
	graphs   map[string]graphDomain.Graph
	versions map[string]time.Time
	counters map[string]int
	blobs    map[string][]byte
	saved    []saveCall
	saveErr  error
}

func newFakeGraphRepository() *fakeGraphRepository {
	return &fakeGraphRepository{
		graphs:   map[string]graphDomain.Graph{},
		versions: map[string]time.Time{},
		counters: map[string]int{},
		blobs:    map[string][]byte{},
	}
}

func (f *fakeGraphRepository) SaveTransaction(_ context.Context, orgID string, items action.TransactionItems, version time.Time) error {
	if f.saveErr != nil {
		return f.saveErr
	}
	f.saved = append(f.saved, saveCall{orgID: orgID, items: items, version: version})
	return nil
}

func (f *fakeGraphRepository) LoadGraph(_ context.Context, orgID string) (graphDomain.Graph, time.Time, error) {
	g, ok := f.graphs[orgID]
	if !ok {
		return nil, time.Time{}, apperrors.Wrap(apperrors.ErrNotFound, "org graph not found")
	}
	return g, f.versions[orgID], nil
}

func (f *fakeGraphRepository) GetBlob(_ context.Context, scopeKey string) ([]byte, error) {
	blob, ok := f.blobs[scopeKey]
	if !ok {
		return nil, apperrors.Wrap(apperrors.ErrNotFound, "envkey blob not found")
	}
	return blob, nil
}

func (f *fakeGraphRepository) GetCounter(_ context.Context, orgID string) (int, error) {
	return f.counters[orgID], nil
}

func (f *fakeGraphRepository) ListOrgIDs(_ context.Context) ([]string, error) {
	out := make([]string, 0, len(f.graphs))
	for id := range f.graphs {
		out = append(out, id)
	}
	return out, nil
}

// fakeTxManager runs the function directly.
type fakeTxManager struct{}

func (fakeTxManager) WithTx(ctx context.Context, fn func(ctx context.Context) error) error {
	return fn(ctx)
}

// fakeCrypto is a reversible stand-in for the keeper-backed crypto service.
type fakeCrypto struct{}

func (fakeCrypto) GenerateKeypair() (*crypto.Keypair, error) {
	return &crypto.Keypair{PubkeyID: "pubkey-id", Pubkey: "pubkey", Privkey: []byte("privkey-material")}, nil
}

func (fakeCrypto) Seal(_ context.Context, plaintext []byte) (string, error) {
	return "sealed:" + base64.StdEncoding.EncodeToString(plaintext), nil
}

func (fakeCrypto) Open(_ context.Context, sealed string) ([]byte, error) {
	raw, ok := strings.CutPrefix(sealed, "sealed:")
	if !ok {
		return nil, apperrors.Wrap(apperrors.ErrInvalidInput, "not sealed by this service")
	}
	return base64.StdEncoding.DecodeString(raw)
}

func mustSeal(t *testing.T, plaintext string) string {
	t.Helper()
	sealed, err := fakeCrypto{}.Seal(context.Background(), []byte(plaintext))
	if err != nil {
		t.Fatalf("seal failed: %v", err)
	}
	return sealed
}
