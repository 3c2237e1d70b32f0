package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/MarcoPoloResearchLab/projectsync/internal/app"
	"github.com/MarcoPoloResearchLab/projectsync/internal/config"
	"github.com/MarcoPoloResearchLab/projectsync/internal/entities"
	"github.com/MarcoPoloResearchLab/projectsync/internal/logging"
	"github.com/MarcoPoloResearchLab/projectsync/internal/realtime"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

const shutdownTimeout = 10 * time.Second

var (
	cfgFile string
)

func main() {
	rootCmd := &cobra.Command{
		Use:           "projectsync",
		Short:         "Projects API with realtime sync",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
	}

	setupFlags(rootCmd)
	rootCmd.AddCommand(newServeCommand(), newTokenCommand(), newWatchCommand(), newCreateCommand())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func setupFlags(cmd *cobra.Command) {
	config.ApplyDefaults(viper.GetViper())
	defaults := config.NewViper()
	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Path to configuration file")
	cmd.PersistentFlags().String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().String("log-format", defaults.GetString("log.format"), "Log format (json, console)")

	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "log.format", "log-format")
}

func bindFlag(cmd *cobra.Command, key, flag string) {
	if err := viper.BindPFlag(key, cmd.PersistentFlags().Lookup(flag)); err != nil {
		panic(err)
	}
}

// bindLocalFlags binds a subcommand's flags once it is selected. Several subcommands
// expose the same key, and viper keeps only the last binding per key.
func bindLocalFlags(bindings map[string]string) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		for key, flag := range bindings {
			if err := viper.BindPFlag(key, cmd.Flags().Lookup(flag)); err != nil {
				return err
			}
		}
		return nil
	}
}

var clientFlagBindings = map[string]string{
	"client.base_url":     "base-url",
	"client.realtime_url": "realtime-url",
	"client.access_token": "access-token",
}

func initConfig() error {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	}

	if err := viper.ReadInConfig(); err != nil {
		var configNotFound viper.ConfigFileNotFoundError
		if cfgFile != "" && errors.As(err, &configNotFound) {
			return err
		}
	}

	return nil
}

func newLogger(cfg config.LogConfig) (*zap.Logger, error) {
	return logging.NewLogger(cfg.Level, cfg.Format)
}

func newServeCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the projects API and realtime feed",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context())
		},
	}

	defaults := config.NewViper()
	cmd.Flags().String("http-address", defaults.GetString("http.address"), "HTTP listen address")
	cmd.Flags().String("database-path", defaults.GetString("database.path"), "SQLite database path")
	cmd.Flags().String("signing-secret", "", "Session signing secret (overrides env)")
	cmd.Flags().String("realtime-transport", defaults.GetString("realtime.transport"), "Realtime transport (memory, redis)")
	cmd.Flags().String("redis-url", "", "Redis URL for the redis transport")
	cmd.Flags().StringSlice("allowed-origins", nil, "CORS origins allowed to call the API")

	cmd.PreRunE = bindLocalFlags(map[string]string{
		"http.address":         "http-address",
		"database.path":        "database-path",
		"auth.signing_secret":  "signing-secret",
		"realtime.transport":   "realtime-transport",
		"redis.url":            "redis-url",
		"http.allowed_origins": "allowed-origins",
	})
	return cmd
}

func newTokenCommand() *cobra.Command {
	var subject, email string
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint a session token for a principal",
		RunE: func(cmd *cobra.Command, args []string) error {
			secret, cookieName, ttl, err := config.LoadSigning(viper.GetViper())
			if err != nil {
				return err
			}
			issuer, err := app.NewIssuer(secret, cookieName, ttl)
			if err != nil {
				return err
			}
			if email == "" {
				email = subject + "@localhost"
			}
			token, expiresAt, err := issuer.Issue(cmd.Context(), subject, email)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			fmt.Fprintf(cmd.ErrOrStderr(), "expires at %s\n", expiresAt.Format(time.RFC3339))
			return nil
		},
	}
	cmd.Flags().StringVar(&subject, "subject", "", "Principal id to embed as the token subject")
	cmd.Flags().StringVar(&email, "email", "", "Principal email claim")
	cmd.Flags().String("signing-secret", "", "Session signing secret (overrides env)")
	_ = cmd.MarkFlagRequired("subject")
	cmd.PreRunE = bindLocalFlags(map[string]string{"auth.signing_secret": "signing-secret"})
	return cmd
}

func addClientFlags(cmd *cobra.Command) {
	defaults := config.NewViper()
	cmd.Flags().String("base-url", defaults.GetString("client.base_url"), "Projects API base URL")
	cmd.Flags().String("realtime-url", "", "Realtime websocket URL (derived from base-url when empty)")
	cmd.Flags().String("access-token", "", "Session token (overrides env)")
}

func newWatchCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Load projects and follow realtime changes",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWatch(cmd.Context(), cmd)
		},
	}
	addClientFlags(cmd)
	defaults := config.NewViper()
	cmd.Flags().Bool("debug", defaults.GetBool("debug.enabled"), "Serve the debug view")
	cmd.Flags().String("debug-address", defaults.GetString("debug.address"), "Debug view listen address")
	bindings := map[string]string{
		"debug.enabled": "debug",
		"debug.address": "debug-address",
	}
	for key, flag := range clientFlagBindings {
		bindings[key] = flag
	}
	cmd.PreRunE = bindLocalFlags(bindings)
	return cmd
}

func newCreateCommand() *cobra.Command {
	var name, organizationID, description string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a project through the optimistic store",
		RunE: func(cmd *cobra.Command, args []string) error {
			clientConfig, err := config.LoadClient(viper.GetViper())
			if err != nil {
				return err
			}
			logger, err := newLogger(clientConfig.Log)
			if err != nil {
				return err
			}
			defer logger.Sync() //nolint:errcheck

			syncClient, err := app.NewClient(clientConfig, logger)
			if err != nil {
				return err
			}
			defer func() {
				closeCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
				defer cancel()
				_ = syncClient.Close(closeCtx)
			}()

			outcome := syncClient.Projects.Create(cmd.Context(), entities.CreateProjectInput{
				Name:           name,
				Description:    description,
				OrganizationID: organizationID,
			})
			if !outcome.Success {
				return fmt.Errorf("create project: %s", outcome.Error)
			}
			encoder := json.NewEncoder(cmd.OutOrStdout())
			encoder.SetIndent("", "  ")
			return encoder.Encode(outcome.Entity)
		},
	}
	addClientFlags(cmd)
	cmd.Flags().StringVar(&name, "name", "", "Project name")
	cmd.Flags().StringVar(&organizationID, "organization", "", "Organization id")
	cmd.Flags().StringVar(&description, "description", "", "Project description")
	_ = cmd.MarkFlagRequired("name")
	_ = cmd.MarkFlagRequired("organization")
	cmd.PreRunE = bindLocalFlags(clientFlagBindings)
	return cmd
}

func runServer(ctx context.Context) error {
	serverConfig, err := config.LoadServer(viper.GetViper())
	if err != nil {
		return err
	}

	logger, err := newLogger(serverConfig.Log)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	backend, err := app.NewServer(serverConfig, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := backend.Close(); err != nil {
			logger.Warn("server close failed", zap.Error(err))
		}
	}()

	httpServer := &http.Server{
		Addr:    serverConfig.HTTPAddress,
		Handler: backend.Handler(),
	}

	return serveUntilSignal(ctx, logger, httpServer)
}

func runWatch(ctx context.Context, cmd *cobra.Command) error {
	clientConfig, err := config.LoadClient(viper.GetViper())
	if err != nil {
		return err
	}

	logger, err := newLogger(clientConfig.Log)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	syncClient, err := app.NewClient(clientConfig, logger)
	if err != nil {
		return err
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := syncClient.Close(closeCtx); err != nil {
			logger.Warn("client close failed", zap.Error(err))
		}
	}()

	stopConnection := syncClient.Manager.OnConnectionChange(func(status realtime.ConnectionStatus) {
		logger.Info("realtime connection changed",
			zap.String("state", string(status.State)),
			zap.Int("reconnect_attempt", status.ReconnectAttempt))
	})
	defer stopConnection()

	if err := syncClient.Start(ctx); err != nil {
		return err
	}

	encoder := json.NewEncoder(cmd.OutOrStdout())
	if err := encoder.Encode(map[string]any{"projects": syncClient.Projects.Items()}); err != nil {
		return err
	}
	changes, stopChanges, err := syncClient.ProjectChanges(ctx, 0)
	if err != nil {
		return err
	}
	defer stopChanges()
	go func() {
		for event := range changes {
			_ = encoder.Encode(map[string]any{
				"event": event.Kind,
				"table": event.Table,
				"row":   event.Row(),
			})
		}
	}()

	var debugServer *http.Server
	if handler := syncClient.DebugHandler(); handler != nil {
		debugServer = &http.Server{Addr: clientConfig.Debug.Address, Handler: handler}
	}
	return waitForSignal(ctx, logger, debugServer)
}

func serveUntilSignal(ctx context.Context, logger *zap.Logger, httpServer *http.Server) error {
	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server starting", zap.String("address", httpServer.Addr))
		err := httpServer.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-signalCtx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

// waitForSignal blocks until SIGINT or SIGTERM, serving debugServer meanwhile when set.
func waitForSignal(ctx context.Context, logger *zap.Logger, debugServer *http.Server) error {
	if debugServer != nil {
		return serveUntilSignal(ctx, logger, debugServer)
	}
	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	<-signalCtx.Done()
	return nil
}
