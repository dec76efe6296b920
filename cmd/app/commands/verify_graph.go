package commands

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/CyberFlameGO/envkey/internal/app"
)

// orgAuditResult is the per-org outcome of the counter audit.
type orgAuditResult struct {
	OrgID          string `json:"orgId"`
	ActiveEnvkeys  int    `json:"activeEnvkeys"`
	OrgNodeCounter int    `json:"orgNodeCounter"`
	StoredCounter  int    `json:"storedCounter"`
	Consistent     bool   `json:"consistent"`
}

// RunVerifyGraph audits every persisted org graph: the number of active
// server envkeys in the graph must match both the counter on the org node and
// the stored counter row. Returns an error when any org has drifted.
//
// Requirements: Database must be migrated and accessible.
func RunVerifyGraph(
	ctx context.Context,
	repo app.GraphRepository,
	logger *slog.Logger,
	format string,
	io IOTuple,
) error {
	orgIDs, err := repo.ListOrgIDs(ctx)
	if err != nil {
		return fmt.Errorf("failed to list org ids: %w", err)
	}

	results := make([]orgAuditResult, 0, len(orgIDs))
	drifted := 0

	for _, orgID := range orgIDs {
		g, _, err := repo.LoadGraph(ctx, orgID)
		if err != nil {
			return fmt.Errorf("failed to load graph for org %s: %w", orgID, err)
		}

		org, err := g.Org(orgID)
		if err != nil {
			return fmt.Errorf("org node missing in graph for org %s: %w", orgID, err)
		}

		storedCounter, err := repo.GetCounter(ctx, orgID)
		if err != nil {
			return fmt.Errorf("failed to read counter for org %s: %w", orgID, err)
		}

		active := g.ActiveServerEnvkeyCount()
		result := orgAuditResult{
			OrgID:          orgID,
			ActiveEnvkeys:  active,
			OrgNodeCounter: org.ServerEnvkeyCount,
			StoredCounter:  storedCounter,
			Consistent:     active == org.ServerEnvkeyCount && active == storedCounter,
		}
		if !result.Consistent {
			drifted++
			logger.Warn("server envkey counter drift",
				slog.String("org_id", orgID),
				slog.Int("active_envkeys", active),
				slog.Int("org_node_counter", org.ServerEnvkeyCount),
				slog.Int("stored_counter", storedCounter),
			)
		}
		results = append(results, result)
	}

	if format == "json" {
		outputJSON(results, io.Writer)
	} else {
		writeLine(io.Writer, "Audited %d org(s)", len(results))
		for _, r := range results {
			status := "ok"
			if !r.Consistent {
				status = "DRIFT"
			}
			writeLine(io.Writer, "  %s  active=%d org_node=%d stored=%d  %s",
				r.OrgID, r.ActiveEnvkeys, r.OrgNodeCounter, r.StoredCounter, status)
		}
	}

	if drifted > 0 {
		return fmt.Errorf("counter drift detected in %d org(s)", drifted)
	}

	logger.Info("graph audit completed", slog.Int("orgs", len(results)))
	return nil
}
