// Package repository implements graph persistence for PostgreSQL and MySQL.
// The graph is stored as one JSON document per node; a committed action writes
// its node upserts, node deletes, envkey blob changes, and counter moves in a
// single transaction together with the org's new graph version.
package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"sort"
	"time"

	"github.com/CyberFlameGO/envkey/internal/action"
	"github.com/CyberFlameGO/envkey/internal/database"
	apperrors "github.com/CyberFlameGO/envkey/internal/errors"
	graphDomain "github.com/CyberFlameGO/envkey/internal/graph/domain"
)

// PostgreSQLGraphRepository implements graph persistence for PostgreSQL
// databases.
type PostgreSQLGraphRepository struct {
	db *sql.DB
}

// NewPostgreSQLGraphRepository creates a new PostgreSQL graph repository
// instance.
func NewPostgreSQLGraphRepository(db *sql.DB) *PostgreSQLGraphRepository {
	return &PostgreSQLGraphRepository{db: db}
}

// SaveTransaction writes every persistence side effect of one committed
// action. Callers run it inside a transaction via TxManager.
func (p *PostgreSQLGraphRepository) SaveTransaction(
	ctx context.Context,
	orgID string,
	items action.TransactionItems,
	version time.Time,
) error {
	querier := database.GetTx(ctx, p.db)

	upsertQuery := `INSERT INTO graph_nodes (org_id, node_id, node_type, data, updated_at)
					VALUES ($1, $2, $3, $4, $5)
					ON CONFLICT (org_id, node_id)
					DO UPDATE SET node_type = EXCLUDED.node_type, data = EXCLUDED.data, updated_at = EXCLUDED.updated_at`
	for _, node := range items.Upserts {
		data, err := json.Marshal(node)
		if err != nil {
			return apperrors.Wrap(err, "failed to marshal graph node")
		}
		_, err = querier.ExecContext(ctx, upsertQuery, orgID, node.NodeID(), string(node.NodeType()), data, version)
		if err != nil {
			return apperrors.Wrap(err, "failed to upsert graph node")
		}
	}

	deleteQuery := `DELETE FROM graph_nodes WHERE org_id = $1 AND node_id = $2`
	for _, nodeID := range items.Deletes {
		if _, err := querier.ExecContext(ctx, deleteQuery, orgID, nodeID); err != nil {
			return apperrors.Wrap(err, "failed to delete graph node")
		}
	}

	blobQuery := `INSERT INTO envkey_blobs (scope_key, org_id, data, updated_at)
				  VALUES ($1, $2, $3, $4)
				  ON CONFLICT (scope_key)
				  DO UPDATE SET data = EXCLUDED.data, updated_at = EXCLUDED.updated_at`
	for _, scopeKey := range sortedKeys(items.BlobUpserts) {
		_, err := querier.ExecContext(ctx, blobQuery, scopeKey, orgID, items.BlobUpserts[scopeKey], version)
		if err != nil {
			return apperrors.Wrap(err, "failed to upsert envkey blob")
		}
	}

	blobDeleteQuery := `DELETE FROM envkey_blobs WHERE scope_key = $1`
	for _, scopeKey := range items.HardDeleteScopes {
		if _, err := querier.ExecContext(ctx, blobDeleteQuery, scopeKey); err != nil {
			return apperrors.Wrap(err, "failed to hard-delete envkey blob")
		}
	}

	counterQuery := `INSERT INTO org_counters (org_id, server_envkey_count)
					 VALUES ($1, $2)
					 ON CONFLICT (org_id)
					 DO UPDATE SET server_envkey_count = org_counters.server_envkey_count + $2`
	for _, counterOrgID := range sortedCounterKeys(items.CounterDeltas) {
		_, err := querier.ExecContext(ctx, counterQuery, counterOrgID, items.CounterDeltas[counterOrgID])
		if err != nil {
			return apperrors.Wrap(err, "failed to move org counter")
		}
	}

	versionQuery := `INSERT INTO graph_versions (org_id, updated_at)
					 VALUES ($1, $2)
					 ON CONFLICT (org_id)
					 DO UPDATE SET updated_at = EXCLUDED.updated_at`
	if _, err := querier.ExecContext(ctx, versionQuery, orgID, version); err != nil {
		return apperrors.Wrap(err, "failed to advance graph version")
	}

	return nil
}

// LoadGraph rehydrates an org's graph and its version timestamp.
func (p *PostgreSQLGraphRepository) LoadGraph(
	ctx context.Context,
	orgID string,
) (graphDomain.Graph, time.Time, error) {
	querier := database.GetTx(ctx, p.db)

	var version time.Time
	versionQuery := `SELECT updated_at FROM graph_versions WHERE org_id = $1`
	err := querier.QueryRowContext(ctx, versionQuery, orgID).Scan(&version)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, time.Time{}, apperrors.ErrNotFound
		}
		return nil, time.Time{}, apperrors.Wrap(err, "failed to get graph version")
	}

	nodesQuery := `SELECT data FROM graph_nodes WHERE org_id = $1 ORDER BY node_id`
	rows, err := querier.QueryContext(ctx, nodesQuery, orgID)
	if err != nil {
		return nil, time.Time{}, apperrors.Wrap(err, "failed to query graph nodes")
	}
	defer rows.Close()

	var nodes []graphDomain.Node
	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return nil, time.Time{}, apperrors.Wrap(err, "failed to scan graph node")
		}
		node, err := graphDomain.UnmarshalNode(data)
		if err != nil {
			return nil, time.Time{}, apperrors.Wrap(err, "failed to unmarshal graph node")
		}
		nodes = append(nodes, node)
	}
	if err := rows.Err(); err != nil {
		return nil, time.Time{}, apperrors.Wrap(err, "failed to iterate graph nodes")
	}

	return graphDomain.NewGraph(nodes...), version, nil
}

// GetBlob retrieves an envkey blob by its scope key.
func (p *PostgreSQLGraphRepository) GetBlob(ctx context.Context, scopeKey string) ([]byte, error) {
	querier := database.GetTx(ctx, p.db)

	query := `SELECT data FROM envkey_blobs WHERE scope_key = $1`
	var data []byte
	err := querier.QueryRowContext(ctx, query, scopeKey).Scan(&data)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, apperrors.ErrNotFound
		}
		return nil, apperrors.Wrap(err, "failed to get envkey blob")
	}
	return data, nil
}

// GetCounter retrieves an org's persisted server-envkey counter. An org with
// no counter row has never issued a server envkey.
func (p *PostgreSQLGraphRepository) GetCounter(ctx context.Context, orgID string) (int, error) {
	querier := database.GetTx(ctx, p.db)

	query := `SELECT server_envkey_count FROM org_counters WHERE org_id = $1`
	var count int
	err := querier.QueryRowContext(ctx, query, orgID).Scan(&count)
	if err != nil {
		if err == sql.ErrNoRows {
			return 0, nil
		}
		return 0, apperrors.Wrap(err, "failed to get org counter")
	}
	return count, nil
}

// ListOrgIDs returns every org with a persisted graph.
func (p *PostgreSQLGraphRepository) ListOrgIDs(ctx context.Context) ([]string, error) {
	querier := database.GetTx(ctx, p.db)

	query := `SELECT org_id FROM graph_versions ORDER BY org_id`
	rows, err := querier.QueryContext(ctx, query)
	if err != nil {
		return nil, apperrors.Wrap(err, "failed to list org ids")
	}
	defer rows.Close()

	var orgIDs []string
	for rows.Next() {
		var orgID string
		if err := rows.Scan(&orgID); err != nil {
			return nil, apperrors.Wrap(err, "failed to scan org id")
		}
		orgIDs = append(orgIDs, orgID)
	}
	if err := rows.Err(); err != nil {
		return nil, apperrors.Wrap(err, "failed to iterate org ids")
	}
	return orgIDs, nil
}

// sortedKeys returns a map's keys in stable order so writes and tests are
// deterministic.
func sortedKeys(m map[string][]byte) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func sortedCounterKeys(m map[string]int) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
