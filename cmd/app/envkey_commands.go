package main

import (
	"context"
	"fmt"

	"github.com/urfave/cli/v3"

	"github.com/CyberFlameGO/envkey/cmd/app/commands"
	"github.com/CyberFlameGO/envkey/internal/app"
	"github.com/CyberFlameGO/envkey/internal/config"
)

// withContainer builds a DI container for a one-shot command, runs fn, and
// shuts the container down afterwards.
func withContainer(ctx context.Context, fn func(ctx context.Context, container *app.Container) error) error {
	cfg := config.Load()
	container := app.NewContainer(cfg)
	defer func() {
		if err := container.Shutdown(context.Background()); err != nil {
			container.Logger().Error("failed to shutdown container", "error", err)
		}
	}()
	return fn(ctx, container)
}

func getEnvkeyCommands() []*cli.Command {
	return []*cli.Command{
		{
			Name:  "create-org",
			Usage: "Create a new organization with its owner user",
			Flags: []cli.Flag{
				&cli.StringFlag{
					Name:     "name",
					Aliases:  []string{"n"},
					Required: true,
					Usage:    "Organization name",
				},
				&cli.StringFlag{
					Name:     "owner-email",
					Aliases:  []string{"e"},
					Required: true,
					Usage:    "Email address of the owner user",
				},
				&cli.StringFlag{
					Name:     "owner-name",
					Aliases:  []string{"o"},
					Required: true,
					Usage:    "Display name of the owner user",
				},
				&cli.IntFlag{
					Name:    "max-server-envkeys",
					Aliases: []string{"m"},
					Value:   -1,
					Usage:   "License limit on active server envkeys (-1 for unlimited)",
				},
				&cli.StringFlag{
					Name:    "format",
					Aliases: []string{"f"},
					Value:   "text",
					Usage:   "Output format: 'text' or 'json'",
				},
			},
			Action: func(ctx context.Context, cmd *cli.Command) error {
				return withContainer(ctx, func(ctx context.Context, container *app.Container) error {
					repo, err := container.GraphRepository()
					if err != nil {
						return fmt.Errorf("failed to get graph repository: %w", err)
					}
					txManager, err := container.TxManager()
					if err != nil {
						return fmt.Errorf("failed to get tx manager: %w", err)
					}
					return commands.RunCreateOrg(
						ctx,
						repo,
						txManager,
						container.Logger(),
						cmd.String("name"),
						cmd.String("owner-email"),
						cmd.String("owner-name"),
						int(cmd.Int("max-server-envkeys")),
						cmd.String("format"),
						commands.DefaultIO(),
					)
				})
			},
		},
		{
			Name:  "generate-envkey",
			Usage: "Issue a new envkey credential for a server or local key",
			Flags: []cli.Flag{
				&cli.StringFlag{
					Name:     "org-id",
					Required: true,
					Usage:    "Organization ID",
				},
				&cli.StringFlag{
					Name:     "keyable-parent-id",
					Aliases:  []string{"p"},
					Required: true,
					Usage:    "Server or local key ID to issue the credential for",
				},
				&cli.StringFlag{
					Name:     "user-id",
					Aliases:  []string{"u"},
					Required: true,
					Usage:    "Acting user ID",
				},
				&cli.StringFlag{
					Name:    "format",
					Aliases: []string{"f"},
					Value:   "text",
					Usage:   "Output format: 'text' or 'json'",
				},
			},
			Action: func(ctx context.Context, cmd *cli.Command) error {
				return withContainer(ctx, func(ctx context.Context, container *app.Container) error {
					repo, err := container.GraphRepository()
					if err != nil {
						return fmt.Errorf("failed to get graph repository: %w", err)
					}
					txManager, err := container.TxManager()
					if err != nil {
						return fmt.Errorf("failed to get tx manager: %w", err)
					}
					manager, err := container.EnvkeyManager()
					if err != nil {
						return fmt.Errorf("failed to get envkey manager: %w", err)
					}
					return commands.RunGenerateEnvkey(
						ctx,
						repo,
						txManager,
						manager,
						container.Logger(),
						cmd.String("org-id"),
						cmd.String("keyable-parent-id"),
						cmd.String("user-id"),
						cmd.String("format"),
						commands.DefaultIO(),
					)
				})
			},
		},
		{
			Name:  "revoke-envkey",
			Usage: "Revoke an active envkey credential",
			Flags: []cli.Flag{
				&cli.StringFlag{
					Name:     "org-id",
					Required: true,
					Usage:    "Organization ID",
				},
				&cli.StringFlag{
					Name:     "envkey-id",
					Aliases:  []string{"k"},
					Required: true,
					Usage:    "Generated envkey ID to revoke",
				},
				&cli.StringFlag{
					Name:    "format",
					Aliases: []string{"f"},
					Value:   "text",
					Usage:   "Output format: 'text' or 'json'",
				},
			},
			Action: func(ctx context.Context, cmd *cli.Command) error {
				return withContainer(ctx, func(ctx context.Context, container *app.Container) error {
					repo, err := container.GraphRepository()
					if err != nil {
						return fmt.Errorf("failed to get graph repository: %w", err)
					}
					txManager, err := container.TxManager()
					if err != nil {
						return fmt.Errorf("failed to get tx manager: %w", err)
					}
					manager, err := container.EnvkeyManager()
					if err != nil {
						return fmt.Errorf("failed to get envkey manager: %w", err)
					}
					return commands.RunRevokeEnvkey(
						ctx,
						repo,
						txManager,
						manager,
						container.Logger(),
						cmd.String("org-id"),
						cmd.String("envkey-id"),
						cmd.String("format"),
						commands.DefaultIO(),
					)
				})
			},
		},
		{
			Name:  "verify-graph",
			Usage: "Audit persisted graphs against their server envkey counters",
			Flags: []cli.Flag{
				&cli.StringFlag{
					Name:    "format",
					Aliases: []string{"f"},
					Value:   "text",
					Usage:   "Output format: 'text' or 'json'",
				},
			},
			Action: func(ctx context.Context, cmd *cli.Command) error {
				return withContainer(ctx, func(ctx context.Context, container *app.Container) error {
					repo, err := container.GraphRepository()
					if err != nil {
						return fmt.Errorf("failed to get graph repository: %w", err)
					}
					return commands.RunVerifyGraph(
						ctx,
						repo,
						container.Logger(),
						cmd.String("format"),
						commands.DefaultIO(),
					)
				})
			},
		},
	}
}
