package commands

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	jellyValidation "github.com/jellydator/validation"

	"github.com/CyberFlameGO/envkey/internal/action"
	"github.com/CyberFlameGO/envkey/internal/app"
	"github.com/CyberFlameGO/envkey/internal/database"
	graphDomain "github.com/CyberFlameGO/envkey/internal/graph/domain"
	"github.com/CyberFlameGO/envkey/internal/validation"
)

// createOrgOutput is the command result shown to the operator.
type createOrgOutput struct {
	OrgID       string `json:"orgId"`
	OrgName     string `json:"orgName"`
	OwnerUserID string `json:"ownerUserId"`
	OwnerEmail  string `json:"ownerEmail"`
}

// RunCreateOrg creates a new organization with its owner user and persists
// the initial graph.
//
// Requirements: Database must be migrated and accessible.
func RunCreateOrg(
	ctx context.Context,
	repo app.GraphRepository,
	txManager database.TxManager,
	logger *slog.Logger,
	name string,
	ownerEmail string,
	ownerName string,
	maxServerEnvkeys int,
	format string,
	io IOTuple,
) error {
	err := jellyValidation.Errors{
		"name":        jellyValidation.Validate(name, jellyValidation.Required, validation.NotBlank),
		"owner-email": jellyValidation.Validate(ownerEmail, jellyValidation.Required, validation.Email),
		"owner-name":  jellyValidation.Validate(ownerName, jellyValidation.Required, validation.NotBlank),
	}.Filter()
	if err != nil {
		return validation.WrapValidationError(err)
	}

	logger.Info("creating organization", slog.String("name", name))

	now := time.Now().UTC()
	org := &graphDomain.Org{
		Meta:    graphDomain.NewMeta(graphDomain.TypeOrg, uuid.Must(uuid.NewV7()).String(), now),
		Name:    name,
		License: graphDomain.License{MaxServerEnvkeys: maxServerEnvkeys},
	}
	owner := &graphDomain.User{
		Meta:    graphDomain.NewMeta(graphDomain.TypeUser, uuid.Must(uuid.NewV7()).String(), now),
		Email:   ownerEmail,
		Name:    ownerName,
		OrgRole: graphDomain.OrgRoleOwner,
	}

	items := action.TransactionItems{
		Upserts: []graphDomain.Node{org, owner},
		// Seed the counter row so audits see an explicit zero.
		CounterDeltas: map[string]int{org.ID: 0},
	}

	err = txManager.WithTx(ctx, func(txCtx context.Context) error {
		return repo.SaveTransaction(txCtx, org.ID, items, now)
	})
	if err != nil {
		return fmt.Errorf("failed to persist organization: %w", err)
	}

	output := createOrgOutput{
		OrgID:       org.ID,
		OrgName:     org.Name,
		OwnerUserID: owner.ID,
		OwnerEmail:  owner.Email,
	}

	if format == "json" {
		outputJSON(output, io.Writer)
	} else {
		writeLine(io.Writer, "Organization created")
		writeLine(io.Writer, "  Org ID:        %s", output.OrgID)
		writeLine(io.Writer, "  Org name:      %s", output.OrgName)
		writeLine(io.Writer, "  Owner user ID: %s", output.OwnerUserID)
		writeLine(io.Writer, "  Owner email:   %s", output.OwnerEmail)
	}

	logger.Info("organization created successfully",
		slog.String("org_id", org.ID),
		slog.String("owner_user_id", owner.ID),
	)

	return nil
}
