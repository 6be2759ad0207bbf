package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/victorchrollo14/agent0-sub000/internal/auth"
	"github.com/victorchrollo14/agent0-sub000/internal/config"
	"github.com/victorchrollo14/agent0-sub000/internal/storage"
	"github.com/victorchrollo14/agent0-sub000/internal/vault"
)

// buildServeCmd creates the "serve" command that starts the run API.
func buildServeCmd() *cobra.Command {
	var (
		configPath string
		debug      bool
	)
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the run API server",
		Long: `Start the HTTP server exposing POST /run and GET /runs/{id}.

Graceful shutdown is handled on SIGINT/SIGTERM.`,
		Example: `  agent0 serve
  agent0 serve --config /etc/agent0/production.yaml --debug`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), resolveConfigPath(configPath), debug)
		},
	}
	addConfigFlag(cmd, &configPath)
	cmd.Flags().BoolVarP(&debug, "debug", "d", false, "Enable debug logging")
	return cmd
}

func runServe(ctx context.Context, configPath string, debug bool) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if debug {
		cfg.Logging.Level = "debug"
	}

	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	a, err := newApp(ctx, cfg, nil)
	if err != nil {
		return err
	}
	defer a.close()

	a.logger.Info("starting agent0",
		"version", version,
		"commit", commit,
		"config", configPath,
		"http_port", cfg.Server.HTTPPort,
		"blob_backend", cfg.Blob.Backend,
		"database", cfg.Database.URL != "",
	)
	if err := a.server.ListenAndServe(ctx); err != nil {
		return err
	}
	a.logger.Info("agent0 stopped gracefully")
	return nil
}

// buildMigrateCmd creates the "migrate" command group.
func buildMigrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Manage database migrations",
	}

	var upConfig string
	up := &cobra.Command{
		Use:   "up",
		Short: "Apply all pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runMigrate(cmd.Context(), resolveConfigPath(upConfig), func(ctx context.Context, m *storage.Migrator) ([]string, error) {
				return m.Up(ctx)
			})
		},
	}
	addConfigFlag(up, &upConfig)

	var (
		downConfig string
		steps      int
	)
	down := &cobra.Command{
		Use:   "down",
		Short: "Roll back applied migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			if steps < 1 {
				return fmt.Errorf("--steps must be at least 1")
			}
			return runMigrate(cmd.Context(), resolveConfigPath(downConfig), func(ctx context.Context, m *storage.Migrator) ([]string, error) {
				return m.Down(ctx, steps)
			})
		},
	}
	addConfigFlag(down, &downConfig)
	down.Flags().IntVar(&steps, "steps", 1, "Number of migrations to roll back")

	cmd.AddCommand(up, down)
	return cmd
}

func runMigrate(ctx context.Context, configPath string, apply func(context.Context, *storage.Migrator) ([]string, error)) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if strings.TrimSpace(cfg.Database.URL) == "" {
		return fmt.Errorf("database.url is required")
	}
	db, err := storage.OpenDB(cfg.Database.URL, cockroachConfig(cfg.Database))
	if err != nil {
		return err
	}
	defer db.Close()

	migrator, err := storage.NewMigrator(db)
	if err != nil {
		return fmt.Errorf("failed to initialize migrator: %w", err)
	}
	ids, err := apply(ctx, migrator)
	if err != nil {
		return err
	}
	if len(ids) == 0 {
		slog.Info("no migrations to run")
		return nil
	}
	for _, id := range ids {
		slog.Info("migration processed", "id", id)
	}
	return nil
}

// buildVaultCmd creates the "vault" command group.
func buildVaultCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "vault",
		Short: "Manage credential encryption",
	}

	keygen := &cobra.Command{
		Use:   "keygen",
		Short: "Print a new base64 encryption key",
		RunE: func(cmd *cobra.Command, args []string) error {
			key, err := vault.GenerateKey()
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), key)
			return nil
		},
	}

	var configPath string
	encrypt := &cobra.Command{
		Use:     "encrypt",
		Short:   "Seal stdin with the active vault key",
		Example: `  echo -n '{"api_key":"sk-..."}' | agent0 vault encrypt`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(resolveConfigPath(configPath))
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			return runVaultEncrypt(cmd.Context(), cfg, cmd.InOrStdin(), cmd.OutOrStdout())
		},
	}
	addConfigFlag(encrypt, &configPath)

	cmd.AddCommand(keygen, encrypt)
	return cmd
}

func runVaultEncrypt(ctx context.Context, cfg *config.Config, in io.Reader, out io.Writer) error {
	if len(cfg.Vault.Keys) == 0 {
		return fmt.Errorf("vault.keys is empty; run agent0 vault keygen first")
	}
	keyring, err := vault.NewKeyring(cfg.Vault.Keys, cfg.Vault.ActiveKey)
	if err != nil {
		return err
	}
	plaintext, err := io.ReadAll(in)
	if err != nil {
		return fmt.Errorf("read stdin: %w", err)
	}
	if len(plaintext) == 0 {
		return fmt.Errorf("nothing to encrypt on stdin")
	}
	sealed, err := keyring.Encrypt(ctx, plaintext)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(out, sealed)
	return err
}

// buildTokenCmd creates the "token" command that issues editor bearer tokens.
func buildTokenCmd() *cobra.Command {
	var (
		configPath  string
		userID      string
		workspaceID string
	)
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue a bearer token signed with auth.jwt_secret",
		RunE: func(cmd *cobra.Command, args []string) error {
			if strings.TrimSpace(userID) == "" {
				return fmt.Errorf("--user is required")
			}
			cfg, err := config.Load(resolveConfigPath(configPath))
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			if cfg.Auth.JWTSecret == "" {
				return fmt.Errorf("auth.jwt_secret is not configured")
			}
			token, err := auth.NewJWTService(cfg.Auth.JWTSecret, cfg.Auth.TokenIssuer, cfg.Auth.TokenExpiry).Generate(userID, workspaceID)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}
	addConfigFlag(cmd, &configPath)
	cmd.Flags().StringVar(&userID, "user", "", "User id (token subject)")
	cmd.Flags().StringVar(&workspaceID, "workspace", "", "Workspace id claim")
	return cmd
}

// buildConfigCmd creates the "config" command group.
func buildConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect configuration",
	}

	schema := &cobra.Command{
		Use:   "schema",
		Short: "Print the configuration JSON Schema",
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := config.JSONSchema()
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), string(data))
			return err
		},
	}

	var configPath string
	validate := &cobra.Command{
		Use:   "validate",
		Short: "Load and validate a configuration file",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := resolveConfigPath(configPath)
			if _, err := config.Load(path); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s is valid\n", path)
			return nil
		},
	}
	addConfigFlag(validate, &configPath)

	cmd.AddCommand(schema, validate)
	return cmd
}
