package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/CyberFlameGO/envkey/internal/action"
	"github.com/CyberFlameGO/envkey/internal/database"
	apperrors "github.com/CyberFlameGO/envkey/internal/errors"
	graphDomain "github.com/CyberFlameGO/envkey/internal/graph/domain"
)

// MySQLGraphRepository implements graph persistence for MySQL databases.
type MySQLGraphRepository struct {
	db *sql.DB
}

// NewMySQLGraphRepository creates a new MySQL graph repository instance.
func NewMySQLGraphRepository(db *sql.DB) *MySQLGraphRepository {
	return &MySQLGraphRepository{db: db}
}

// SaveTransaction writes every persistence side effect of one committed
// action. Callers run it inside a transaction via TxManager.
func (m *MySQLGraphRepository) SaveTransaction(
	ctx context.Context,
	orgID string,
	items action.TransactionItems,
	version time.Time,
) error {
	querier := database.GetTx(ctx, m.db)

	upsertQuery := `INSERT INTO graph_nodes (org_id, node_id, node_type, data, updated_at)
					VALUES (?, ?, ?, ?, ?)
					ON DUPLICATE KEY UPDATE node_type = VALUES(node_type), data = VALUES(data), updated_at = VALUES(updated_at)`
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

	deleteQuery := `DELETE FROM graph_nodes WHERE org_id = ? AND node_id = ?`
	for _, nodeID := range items.Deletes {
		if _, err := querier.ExecContext(ctx, deleteQuery, orgID, nodeID); err != nil {
			return apperrors.Wrap(err, "failed to delete graph node")
		}
	}

	blobQuery := `INSERT INTO envkey_blobs (scope_key, org_id, data, updated_at)
				  VALUES (?, ?, ?, ?)
				  ON DUPLICATE KEY UPDATE data = VALUES(data), updated_at = VALUES(updated_at)`
	for _, scopeKey := range sortedKeys(items.BlobUpserts) {
		_, err := querier.ExecContext(ctx, blobQuery, scopeKey, orgID, items.BlobUpserts[scopeKey], version)
		if err != nil {
			return apperrors.Wrap(err, "failed to upsert envkey blob")
		}
	}

	blobDeleteQuery := `DELETE FROM envkey_blobs WHERE scope_key = ?`
	for _, scopeKey := range items.HardDeleteScopes {
		if _, err := querier.ExecContext(ctx, blobDeleteQuery, scopeKey); err != nil {
			return apperrors.Wrap(err, "failed to hard-delete envkey blob")
		}
	}

	counterQuery := `INSERT INTO org_counters (org_id, server_envkey_count)
					 VALUES (?, ?)
					 ON DUPLICATE KEY UPDATE server_envkey_count = server_envkey_count + VALUES(server_envkey_count)`
	for _, counterOrgID := range sortedCounterKeys(items.CounterDeltas) {
		_, err := querier.ExecContext(ctx, counterQuery, counterOrgID, items.CounterDeltas[counterOrgID])
		if err != nil {
			return apperrors.Wrap(err, "failed to move org counter")
		}
	}

	versionQuery := `INSERT INTO graph_versions (org_id, updated_at)
					 VALUES (?, ?)
					 ON DUPLICATE KEY UPDATE updated_at = VALUES(updated_at)`
	if _, err := querier.ExecContext(ctx, versionQuery, orgID, version); err != nil {
		return apperrors.Wrap(err, "failed to advance graph version")
	}

	return nil
}

// LoadGraph rehydrates an org's graph and its version timestamp.
func (m *MySQLGraphRepository) LoadGraph(
	ctx context.Context,
	orgID string,
) (graphDomain.Graph, time.Time, error) {
	querier := database.GetTx(ctx, m.db)

	var version time.Time
	versionQuery := `SELECT updated_at FROM graph_versions WHERE org_id = ?`
	err := querier.QueryRowContext(ctx, versionQuery, orgID).Scan(&version)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, time.Time{}, apperrors.ErrNotFound
		}
		return nil, time.Time{}, apperrors.Wrap(err, "failed to get graph version")
	}

	nodesQuery := `SELECT data FROM graph_nodes WHERE org_id = ? ORDER BY node_id`
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
func (m *MySQLGraphRepository) GetBlob(ctx context.Context, scopeKey string) ([]byte, error) {
	querier := database.GetTx(ctx, m.db)

	query := `SELECT data FROM envkey_blobs WHERE scope_key = ?`
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
func (m *MySQLGraphRepository) GetCounter(ctx context.Context, orgID string) (int, error) {
	querier := database.GetTx(ctx, m.db)

	query := `SELECT server_envkey_count FROM org_counters WHERE org_id = ?`
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
func (m *MySQLGraphRepository) ListOrgIDs(ctx context.Context) ([]string, error) {
	querier := database.GetTx(ctx, m.db)

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
