package commands

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	jellyValidation "github.com/jellydator/validation"

	"github.com/CyberFlameGO/envkey/internal/app"
	"github.com/CyberFlameGO/envkey/internal/database"
	"github.com/CyberFlameGO/envkey/internal/envkey"
	"github.com/CyberFlameGO/envkey/internal/validation"
)

// revokeEnvkeyOutput is the command result shown to the operator.
type revokeEnvkeyOutput struct {
	OrgID    string `json:"orgId"`
	EnvkeyID string `json:"envkeyId"`
	Revoked  bool   `json:"revoked"`
}

// RunRevokeEnvkey revokes an active envkey credential: the graph node is
// deleted, its blob hard-deleted, and the quota counter decremented.
//
// Requirements: Database must be migrated and accessible.
func RunRevokeEnvkey(
	ctx context.Context,
	repo app.GraphRepository,
	txManager database.TxManager,
	manager *envkey.Manager,
	logger *slog.Logger,
	orgID string,
	envkeyID string,
	format string,
	io IOTuple,
) error {
	err := jellyValidation.Errors{
		"org-id":    jellyValidation.Validate(orgID, jellyValidation.Required, validation.NotBlank),
		"envkey-id": jellyValidation.Validate(envkeyID, jellyValidation.Required, validation.NotBlank),
	}.Filter()
	if err != nil {
		return validation.WrapValidationError(err)
	}

	logger.Info("revoking envkey",
		slog.String("org_id", orgID),
		slog.String("envkey_id", envkeyID),
	)

	g, _, err := repo.LoadGraph(ctx, orgID)
	if err != nil {
		return fmt.Errorf("failed to load org graph: %w", err)
	}

	now := time.Now().UTC()
	mut, err := manager.Revoke(ctx, g, orgID, envkeyID, now)
	if err != nil {
		return fmt.Errorf("failed to revoke envkey: %w", err)
	}
	if err := mut.ApplyCounter(orgID, now); err != nil {
		return fmt.Errorf("failed to apply envkey counter: %w", err)
	}

	items := mutationItems(mut, orgID)
	err = txManager.WithTx(ctx, func(txCtx context.Context) error {
		return repo.SaveTransaction(txCtx, orgID, items, now)
	})
	if err != nil {
		return fmt.Errorf("failed to persist revocation: %w", err)
	}

	output := revokeEnvkeyOutput{OrgID: orgID, EnvkeyID: envkeyID, Revoked: true}
	if format == "json" {
		outputJSON(output, io.Writer)
	} else {
		writeLine(io.Writer, "Envkey revoked")
		writeLine(io.Writer, "  Org ID:    %s", orgID)
		writeLine(io.Writer, "  Envkey ID: %s", envkeyID)
	}

	logger.Info("envkey revoked successfully",
		slog.String("org_id", orgID),
		slog.String("envkey_id", envkeyID),
	)

	return nil
}
