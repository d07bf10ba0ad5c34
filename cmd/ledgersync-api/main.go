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

	"github.com/MarcoPoloResearchLab/ledgersync/internal/auth"
	"github.com/MarcoPoloResearchLab/ledgersync/internal/config"
	"github.com/MarcoPoloResearchLab/ledgersync/internal/diagnostics"
	"github.com/MarcoPoloResearchLab/ledgersync/internal/ledger"
	"github.com/MarcoPoloResearchLab/ledgersync/internal/logging"
	"github.com/MarcoPoloResearchLab/ledgersync/internal/server"
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
		Use:   "ledgersync-api",
		Short: "Ledger-backed sync server",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context())
		},
		SilenceUsage: true,
	}

	setupFlags(rootCmd)
	rootCmd.AddCommand(replayCommand(), verifyCommand(), reindexCommand(), tokenCommand())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func setupFlags(cmd *cobra.Command) {
	config.ApplyDefaults(viper.GetViper())
	defaults := config.NewViper()
	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Path to configuration file")
	cmd.PersistentFlags().String("http-address", defaults.GetString("http.address"), "HTTP listen address")
	cmd.PersistentFlags().String("database-driver", defaults.GetString("database.driver"), "Projection database driver (sqlite, postgres)")
	cmd.PersistentFlags().String("database-dsn", defaults.GetString("database.dsn"), "Projection database DSN or SQLite path")
	cmd.PersistentFlags().String("ledger-path", defaults.GetString("ledger.path"), "Ledger file path")
	cmd.PersistentFlags().String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().String("log-format", defaults.GetString("log.format"), "Log format (json, console)")
	cmd.PersistentFlags().String("signing-secret", "", "Bearer token signing secret (overrides env)")
	cmd.PersistentFlags().Duration("diagnostics-interval", defaults.GetDuration("diagnostics.interval"), "Server consistency snapshot interval")

	bindFlag(cmd, "http.address", "http-address")
	bindFlag(cmd, "database.driver", "database-driver")
	bindFlag(cmd, "database.dsn", "database-dsn")
	bindFlag(cmd, "ledger.path", "ledger-path")
	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "log.format", "log-format")
	bindFlag(cmd, "auth.signing_secret", "signing-secret")
	bindFlag(cmd, "diagnostics.interval", "diagnostics-interval")
}

func bindFlag(cmd *cobra.Command, key, flag string) {
	if err := viper.BindPFlag(key, cmd.PersistentFlags().Lookup(flag)); err != nil {
		panic(err)
	}
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

func runServer(ctx context.Context) error {
	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	rt, err := openStack(signalCtx)
	if err != nil {
		return err
	}
	defer rt.Close()

	validator, err := auth.NewTokenValidator(auth.TokenValidatorConfig{
		SigningSecret: []byte(rt.config.AuthSigningSecret),
		Issuer:        rt.config.AuthIssuer,
	})
	if err != nil {
		return err
	}

	handler, err := server.NewHTTPHandler(server.Dependencies{
		TokenValidator: validator,
		SyncService:    rt.sync,
		Diagnostics:    rt.diagnostics,
		Ledger:         rt.ledger,
		Metrics:        rt.metrics,
		AllowedOrigins: rt.config.CORSAllowedOrigins,
		Logger:         logging.Component(rt.logger, "http"),
	})
	if err != nil {
		return err
	}

	scheduler := diagnostics.NewScheduler(rt.diagnostics, rt.config.DiagnosticsInterval, logging.Component(rt.logger, "diagnostics"))
	go scheduler.Run(signalCtx)

	httpServer := &http.Server{
		Addr:              rt.config.HTTPAddress,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		rt.logger.Info("server starting", zap.String("address", rt.config.HTTPAddress))
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
		rt.logger.Info("server shutting down")
		return httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

func replayCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "replay",
		Short: "Rebuild the projection from ledger state",
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := openStack(cmd.Context())
			if err != nil {
				return err
			}
			defer rt.Close()

			result, err := rt.sync.Replay(cmd.Context(), ledger.SystemActor("replay-cli"))
			if err != nil {
				return err
			}
			if err := printJSON(cmd, result); err != nil {
				return err
			}
			if len(result.Failed) > 0 {
				return fmt.Errorf("replay failed for %d table(s)", len(result.Failed))
			}
			return nil
		},
	}
}

func verifyCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "verify",
		Short: "Verify block hashes and transaction signatures from genesis",
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := openStack(cmd.Context())
			if err != nil {
				return err
			}
			defer rt.Close()

			report, err := rt.ledger.Verify(cmd.Context())
			if err != nil {
				return err
			}
			return printJSON(cmd, report)
		},
	}
}

func reindexCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "reindex",
		Short: "Rebuild ledger state from blocks",
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := openStack(cmd.Context())
			if err != nil {
				return err
			}
			defer rt.Close()

			stats, err := rt.ledger.Reindex(cmd.Context())
			if err != nil {
				return err
			}
			return printJSON(cmd, stats)
		},
	}
}

func tokenCommand() *cobra.Command {
	var (
		userID string
		role   string
		ttl    time.Duration
	)
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint a bearer token for an agent or operator",
		RunE: func(cmd *cobra.Command, args []string) error {
			appConfig, err := config.LoadServer(viper.GetViper())
			if err != nil {
				return err
			}
			issuer, err := auth.NewTokenIssuer(auth.TokenIssuerConfig{
				SigningSecret: []byte(appConfig.AuthSigningSecret),
				Issuer:        appConfig.AuthIssuer,
				TokenTTL:      ttl,
			})
			if err != nil {
				return err
			}
			token, expiresIn, err := issuer.IssueToken(cmd.Context(), userID, userID, role)
			if err != nil {
				return err
			}
			return printJSON(cmd, map[string]any{"token": token, "expires_in": expiresIn, "user_id": userID, "role": role})
		},
	}
	cmd.Flags().StringVar(&userID, "user", "", "User id carried by the token")
	cmd.Flags().StringVar(&role, "role", ledger.RoleUser, "Role carried by the token (user, admin)")
	cmd.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "Token lifetime")
	_ = cmd.MarkFlagRequired("user")
	return cmd
}

func printJSON(cmd *cobra.Command, value any) error {
	encoder := json.NewEncoder(cmd.OutOrStdout())
	encoder.SetIndent("", "  ")
	return encoder.Encode(value)
}
