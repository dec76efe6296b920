package commands

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	jellyValidation "github.com/jellydator/validation"

	"github.com/CyberFlameGO/envkey/internal/action"
	"github.com/CyberFlameGO/envkey/internal/app"
	"github.com/CyberFlameGO/envkey/internal/database"
	"github.com/CyberFlameGO/envkey/internal/envkey"
	"github.com/CyberFlameGO/envkey/internal/validation"
)

// RunGenerateEnvkey issues a new credential for a server or local key and
// persists the resulting graph mutation. The full envkey id part is printed
// exactly once; only its hash is stored.
//
// Requirements: Database must be migrated and accessible.
func RunGenerateEnvkey(
	ctx context.Context,
	repo app.GraphRepository,
	txManager database.TxManager,
	manager *envkey.Manager,
	logger *slog.Logger,
	orgID string,
	keyableParentID string,
	userID string,
	format string,
	io IOTuple,
) error {
	err := jellyValidation.Errors{
		"org-id":            jellyValidation.Validate(orgID, jellyValidation.Required, validation.NotBlank),
		"keyable-parent-id": jellyValidation.Validate(keyableParentID, jellyValidation.Required, validation.NotBlank),
		"user-id":           jellyValidation.Validate(userID, jellyValidation.Required, validation.NotBlank),
	}.Filter()
	if err != nil {
		return validation.WrapValidationError(err)
	}

	logger.Info("generating envkey",
		slog.String("org_id", orgID),
		slog.String("keyable_parent_id", keyableParentID),
	)

	g, _, err := repo.LoadGraph(ctx, orgID)
	if err != nil {
		return fmt.Errorf("failed to load org graph: %w", err)
	}

	now := time.Now().UTC()
	mut, err := manager.Generate(ctx, g, orgID, envkey.Actor{UserID: userID}, keyableParentID, now)
	if err != nil {
		return fmt.Errorf("failed to generate envkey: %w", err)
	}
	if err := mut.ApplyCounter(orgID, now); err != nil {
		return fmt.Errorf("failed to apply envkey counter: %w", err)
	}

	items := mutationItems(mut, orgID)
	err = txManager.WithTx(ctx, func(txCtx context.Context) error {
		return repo.SaveTransaction(txCtx, orgID, items, now)
	})
	if err != nil {
		return fmt.Errorf("failed to persist envkey: %w", err)
	}

	if format == "json" {
		outputJSON(mut.Issued, io.Writer)
	} else {
		writeLine(io.Writer, "Envkey generated")
		writeLine(io.Writer, "  Envkey ID: %s", mut.Issued.EnvkeyID)
		writeLine(io.Writer, "  Short:     %s", mut.Issued.EnvkeyShort)
		writeLine(io.Writer, "  Pubkey:    %s", mut.Issued.Pubkey)
		writeLine(io.Writer, "")
		writeLine(io.Writer, "  ENVKEY=%s", mut.Issued.EnvkeyIDPart)
		writeLine(io.Writer, "")
		writeLine(io.Writer, "Store the ENVKEY value now. It cannot be recovered later.")
	}

	logger.Info("envkey generated successfully",
		slog.String("org_id", orgID),
		slog.String("envkey_id", mut.Issued.EnvkeyID),
		slog.String("envkey_short", mut.Issued.EnvkeyShort),
	)

	return nil
}

// mutationItems converts a lifecycle mutation into pipeline transaction items.
func mutationItems(mut *envkey.Mutation, orgID string) action.TransactionItems {
	items := action.TransactionItems{
		Upserts:          mut.Upserts,
		Deletes:          mut.Deletes,
		BlobUpserts:      mut.BlobUpserts,
		HardDeleteScopes: mut.HardDeleteScopes,
	}
	if mut.ServerEnvkeyDelta != 0 {
		items.CounterDeltas = map[string]int{orgID: mut.ServerEnvkeyDelta}
	}
	return items
}
