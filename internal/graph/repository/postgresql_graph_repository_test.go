package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/CyberFlameGO/envkey/internal/action"
	apperrors "github.com/CyberFlameGO/envkey/internal/errors"
	graphDomain "github.com/CyberFlameGO/envkey/internal/graph/domain"
)

var repoNow = time.Date(2026, 5, 2, 11, 4, 0, 0, time.UTC)

func testServerNode() *graphDomain.Server {
	return &graphDomain.Server{
		Meta:          graphDomain.NewMeta(graphDomain.TypeServer, "srv-1", repoNow),
		AppID:         "app-1",
		EnvironmentID: "env-1",
		Name:          "prod-1",
	}
}

func mustMarshal(t *testing.T, node graphDomain.Node) []byte {
	t.Helper()
	data, err := json.Marshal(node)
	require.NoError(t, err)
	return data
}

func TestNewPostgreSQLGraphRepository(t *testing.T) {
	db, _, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	repo := NewPostgreSQLGraphRepository(db)
	assert.NotNil(t, repo)
	assert.IsType(t, &PostgreSQLGraphRepository{}, repo)
}

func TestPostgreSQLGraphRepository_SaveTransaction(t *testing.T) {
	ctx := context.Background()

	t.Run("Success_FullTransaction", func(t *testing.T) {
		db, mock, err := sqlmock.New()
		require.NoError(t, err)
		defer db.Close()

		srv := testServerNode()
		items := action.TransactionItems{
			Upserts:          []graphDomain.Node{srv},
			Deletes:          []string{"ek-old"},
			BlobUpserts:      map[string][]byte{"envkey|abc123": []byte(`{"pubkey":"pk"}`)},
			HardDeleteScopes: []string{"envkey|old456"},
			CounterDeltas:    map[string]int{"org-1": 1},
		}

		mock.ExpectExec("INSERT INTO graph_nodes").
			WithArgs("org-1", "srv-1", "server", mustMarshal(t, srv), repoNow).
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectExec("DELETE FROM graph_nodes").
			WithArgs("org-1", "ek-old").
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectExec("INSERT INTO envkey_blobs").
			WithArgs("envkey|abc123", "org-1", []byte(`{"pubkey":"pk"}`), repoNow).
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectExec("DELETE FROM envkey_blobs").
			WithArgs("envkey|old456").
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectExec("INSERT INTO org_counters").
			WithArgs("org-1", 1).
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectExec("INSERT INTO graph_versions").
			WithArgs("org-1", repoNow).
			WillReturnResult(sqlmock.NewResult(0, 1))

		repo := NewPostgreSQLGraphRepository(db)
		err = repo.SaveTransaction(ctx, "org-1", items, repoNow)

		assert.NoError(t, err)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("Success_EmptyItemsStillAdvanceVersion", func(t *testing.T) {
		db, mock, err := sqlmock.New()
		require.NoError(t, err)
		defer db.Close()

		mock.ExpectExec("INSERT INTO graph_versions").
			WithArgs("org-1", repoNow).
			WillReturnResult(sqlmock.NewResult(0, 1))

		repo := NewPostgreSQLGraphRepository(db)
		err = repo.SaveTransaction(ctx, "org-1", action.TransactionItems{}, repoNow)

		assert.NoError(t, err)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("Error_UpsertFailure", func(t *testing.T) {
		db, mock, err := sqlmock.New()
		require.NoError(t, err)
		defer db.Close()

		mock.ExpectExec("INSERT INTO graph_nodes").
			WillReturnError(errors.New("constraint violation"))

		repo := NewPostgreSQLGraphRepository(db)
		err = repo.SaveTransaction(ctx, "org-1", action.TransactionItems{
			Upserts: []graphDomain.Node{testServerNode()},
		}, repoNow)

		assert.Error(t, err)
		assert.Contains(t, err.Error(), "failed to upsert graph node")
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestPostgreSQLGraphRepository_LoadGraph(t *testing.T) {
	ctx := context.Background()

	t.Run("Success_RoundTrip", func(t *testing.T) {
		db, mock, err := sqlmock.New()
		require.NoError(t, err)
		defer db.Close()

		org := &graphDomain.Org{
			Meta:    graphDomain.NewMeta(graphDomain.TypeOrg, "org-1", repoNow),
			Name:    "acme",
			License: graphDomain.License{MaxServerEnvkeys: 3},
		}
		srv := testServerNode()

		mock.ExpectQuery("SELECT updated_at FROM graph_versions").
			WithArgs("org-1").
			WillReturnRows(sqlmock.NewRows([]string{"updated_at"}).AddRow(repoNow))
		mock.ExpectQuery("SELECT data FROM graph_nodes").
			WithArgs("org-1").
			WillReturnRows(sqlmock.NewRows([]string{"data"}).
				AddRow(mustMarshal(t, org)).
				AddRow(mustMarshal(t, srv)))

		repo := NewPostgreSQLGraphRepository(db)
		g, version, err := repo.LoadGraph(ctx, "org-1")

		require.NoError(t, err)
		assert.True(t, version.Equal(repoNow))

		loadedOrg, err := g.Org("org-1")
		require.NoError(t, err)
		assert.Equal(t, "acme", loadedOrg.Name)
		assert.Equal(t, 3, loadedOrg.License.MaxServerEnvkeys)

		loadedSrv, err := g.Server("srv-1")
		require.NoError(t, err)
		assert.Equal(t, "app-1", loadedSrv.AppID)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("Error_NotFound", func(t *testing.T) {
		db, mock, err := sqlmock.New()
		require.NoError(t, err)
		defer db.Close()

		mock.ExpectQuery("SELECT updated_at FROM graph_versions").
			WithArgs("org-missing").
			WillReturnError(sql.ErrNoRows)

		repo := NewPostgreSQLGraphRepository(db)
		_, _, err = repo.LoadGraph(ctx, "org-missing")

		assert.ErrorIs(t, err, apperrors.ErrNotFound)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("Error_CorruptNode", func(t *testing.T) {
		db, mock, err := sqlmock.New()
		require.NoError(t, err)
		defer db.Close()

		mock.ExpectQuery("SELECT updated_at FROM graph_versions").
			WithArgs("org-1").
			WillReturnRows(sqlmock.NewRows([]string{"updated_at"}).AddRow(repoNow))
		mock.ExpectQuery("SELECT data FROM graph_nodes").
			WithArgs("org-1").
			WillReturnRows(sqlmock.NewRows([]string{"data"}).AddRow([]byte(`{"type":"no-such-type"}`)))

		repo := NewPostgreSQLGraphRepository(db)
		_, _, err = repo.LoadGraph(ctx, "org-1")

		assert.Error(t, err)
		assert.Contains(t, err.Error(), "failed to unmarshal graph node")
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestPostgreSQLGraphRepository_GetBlob(t *testing.T) {
	ctx := context.Background()

	t.Run("Success", func(t *testing.T) {
		db, mock, err := sqlmock.New()
		require.NoError(t, err)
		defer db.Close()

		mock.ExpectQuery("SELECT data FROM envkey_blobs").
			WithArgs("envkey|abc123").
			WillReturnRows(sqlmock.NewRows([]string{"data"}).AddRow([]byte(`{"pubkey":"pk"}`)))

		repo := NewPostgreSQLGraphRepository(db)
		data, err := repo.GetBlob(ctx, "envkey|abc123")

		require.NoError(t, err)
		assert.Equal(t, []byte(`{"pubkey":"pk"}`), data)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("Error_NotFound", func(t *testing.T) {
		db, mock, err := sqlmock.New()
		require.NoError(t, err)
		defer db.Close()

		mock.ExpectQuery("SELECT data FROM envkey_blobs").
			WithArgs("envkey|missing").
			WillReturnError(sql.ErrNoRows)

		repo := NewPostgreSQLGraphRepository(db)
		_, err = repo.GetBlob(ctx, "envkey|missing")

		assert.ErrorIs(t, err, apperrors.ErrNotFound)
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestPostgreSQLGraphRepository_GetCounter(t *testing.T) {
	ctx := context.Background()

	t.Run("Success", func(t *testing.T) {
		db, mock, err := sqlmock.New()
		require.NoError(t, err)
		defer db.Close()

		mock.ExpectQuery("SELECT server_envkey_count FROM org_counters").
			WithArgs("org-1").
			WillReturnRows(sqlmock.NewRows([]string{"server_envkey_count"}).AddRow(2))

		repo := NewPostgreSQLGraphRepository(db)
		count, err := repo.GetCounter(ctx, "org-1")

		require.NoError(t, err)
		assert.Equal(t, 2, count)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("Success_MissingRowIsZero", func(t *testing.T) {
		db, mock, err := sqlmock.New()
		require.NoError(t, err)
		defer db.Close()

		mock.ExpectQuery("SELECT server_envkey_count FROM org_counters").
			WithArgs("org-new").
			WillReturnError(sql.ErrNoRows)

		repo := NewPostgreSQLGraphRepository(db)
		count, err := repo.GetCounter(ctx, "org-new")

		require.NoError(t, err)
		assert.Equal(t, 0, count)
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestPostgreSQLGraphRepository_ListOrgIDs(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectQuery("SELECT org_id FROM graph_versions").
		WillReturnRows(sqlmock.NewRows([]string{"org_id"}).AddRow("org-1").AddRow("org-2"))

	repo := NewPostgreSQLGraphRepository(db)
	orgIDs, err := repo.ListOrgIDs(context.Background())

	require.NoError(t, err)
	assert.Equal(t, []string{"org-1", "org-2"}, orgIDs)
	assert.NoError(t, mock.ExpectationsWereMet())
}
