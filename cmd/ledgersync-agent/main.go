package main

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/MarcoPoloResearchLab/ledgersync/internal/client"
	"github.com/MarcoPoloResearchLab/ledgersync/internal/config"
	"github.com/MarcoPoloResearchLab/ledgersync/internal/logging"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

var (
	cfgFile string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "ledgersync-agent",
		Short: "Client sync agent for an offline-capable node",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAgent(cmd.Context())
		},
		SilenceUsage: true,
	}

	setupFlags(rootCmd)
	rootCmd.AddCommand(&cobra.Command{
		Use:   "once",
		Short: "Run a single sync cycle and print its result",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runOnce(cmd)
		},
	})

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func setupFlags(cmd *cobra.Command) {
	config.ApplyDefaults(viper.GetViper())
	defaults := config.NewViper()
	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Path to configuration file")
	cmd.PersistentFlags().String("server-url", "", "Sync server base URL")
	cmd.PersistentFlags().String("server-token", "", "Bearer token for the sync server (overrides env)")
	cmd.PersistentFlags().String("client-id", "", "Stable identifier of this node")
	cmd.PersistentFlags().String("store-path", defaults.GetString("client.store_path"), "Local store path")
	cmd.PersistentFlags().Duration("base-interval", defaults.GetDuration("sync.base_interval"), "Delay after a cycle without activity")
	cmd.PersistentFlags().Duration("active-interval", defaults.GetDuration("sync.active_interval"), "Delay after a cycle that moved data")
	cmd.PersistentFlags().String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().String("log-format", "console", "Log format (json, console)")

	bindFlag(cmd, "server.url", "server-url")
	bindFlag(cmd, "server.token", "server-token")
	bindFlag(cmd, "client.id", "client-id")
	bindFlag(cmd, "client.store_path", "store-path")
	bindFlag(cmd, "sync.base_interval", "base-interval")
	bindFlag(cmd, "sync.active_interval", "active-interval")
	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "log.format", "log-format")
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

// endpointFromConfig re-reads the configuration file so a rotated token or a moved server is
// used from the next cycle on.
func endpointFromConfig(logger *zap.Logger) client.EndpointSource {
	return client.EndpointSourceFunc(func(context.Context) (client.Endpoint, error) {
		if viper.ConfigFileUsed() != "" {
			if err := viper.ReadInConfig(); err != nil {
				logger.Warn("config reload failed, keeping previous endpoint", zap.Error(err))
			}
		}
		agentConfig, err := config.LoadAgent(viper.GetViper())
		if err != nil {
			return client.Endpoint{}, err
		}
		return client.Endpoint{BaseURL: agentConfig.ServerURL, Token: agentConfig.ServerToken}, nil
	})
}

func newManager() (*client.Manager, *client.Store, *zap.Logger, error) {
	agentConfig, err := config.LoadAgent(viper.GetViper())
	if err != nil {
		return nil, nil, nil, err
	}

	logger, err := logging.NewLogger(agentConfig.LogLevel, agentConfig.LogFormat)
	if err != nil {
		return nil, nil, nil, err
	}

	store, err := client.OpenStore(agentConfig.StorePath, nil)
	if err != nil {
		return nil, nil, nil, err
	}

	manager, err := client.NewManager(client.ManagerConfig{
		Store:               store,
		API:                 client.NewHTTPClient(nil),
		Endpoints:           endpointFromConfig(logging.Component(logger, "config")),
		ClientID:            agentConfig.ClientID,
		Logger:              logging.Component(logger, "sync"),
		MaxPullPages:        agentConfig.SyncMaxPullPages,
		DiagnosticsInterval: agentConfig.DiagnosticsInterval,
		Schedule: client.ScheduleConfig{
			BaseInterval:   agentConfig.SyncBaseInterval,
			ActiveInterval: agentConfig.SyncActiveInterval,
			BackoffBase:    agentConfig.SyncBackoffBase,
			BackoffMax:     agentConfig.SyncBackoffMax,
		},
	})
	if err != nil {
		_ = store.Close()
		return nil, nil, nil, err
	}
	return manager, store, logger, nil
}

func runAgent(ctx context.Context) error {
	manager, store, logger, err := newManager()
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck
	defer store.Close()

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	return manager.Run(signalCtx)
}

type cycleOutput struct {
	State    string `json:"state"`
	Pushed   int    `json:"pushed"`
	Accepted int    `json:"accepted"`
	Remapped int    `json:"remapped"`
	Deferred int    `json:"deferred"`
	Rejected int    `json:"rejected"`
	Pulled   int    `json:"pulled"`
	Merged   int    `json:"merged"`
	Cursor   int64  `json:"cursor"`
	Reported bool   `json:"reported"`
	Error    string `json:"error,omitempty"`
}

func runOnce(cmd *cobra.Command) error {
	manager, store, logger, err := newManager()
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck
	defer store.Close()

	result := manager.SyncNow(cmd.Context())
	output := cycleOutput{
		State:    manager.State(),
		Pushed:   result.Pushed,
		Accepted: result.Accepted,
		Remapped: result.Remapped,
		Deferred: result.Deferred,
		Rejected: result.Rejected,
		Pulled:   result.Pulled,
		Merged:   result.Merged,
		Cursor:   result.Cursor,
		Reported: result.Reported,
	}
	if result.Err != nil {
		output.Error = result.Err.Error()
	}

	encoder := json.NewEncoder(cmd.OutOrStdout())
	encoder.SetIndent("", "  ")
	if err := encoder.Encode(output); err != nil {
		return err
	}
	return result.Err
}
