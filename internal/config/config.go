package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	envPrefix                 = "LEDGERSYNC"
	defaultHTTPAddress        = "0.0.0.0:8080"
	defaultDatabaseDriver     = "sqlite"
	defaultDatabaseDSN        = "ledgersync.db"
	defaultLedgerPath         = "ledger.bolt"
	defaultBlockMaxTxs        = 256
	defaultAuthIssuer         = "ledgersync"
	defaultLogLevel           = "info"
	defaultLogFormat          = "json"
	defaultDiagnosticsEvery   = 10 * time.Minute
	defaultQueryLimit         = 5000
	defaultQueryMaxLimit      = 20000
	defaultPullLimit          = 5000
	defaultPullMaxLimit       = 20000
	defaultClientStorePath    = "ledgersync-agent.bolt"
	defaultSyncBaseInterval   = 60 * time.Second
	defaultSyncActiveInterval = 5 * time.Second
	defaultSyncBackoffBase    = 5 * time.Second
	defaultSyncBackoffMax     = 10 * time.Minute
	defaultSyncPullPages      = 10
)

// ServerConfig captures runtime configuration for the sync server.
type ServerConfig struct {
	HTTPAddress         string
	DatabaseDriver      string
	DatabaseDSN         string
	LedgerPath          string
	LedgerDataKey       string
	LedgerBlockMaxTxs   int
	AuthSigningSecret   string
	AuthIssuer          string
	LogLevel            string
	LogFormat           string
	DiagnosticsInterval time.Duration
	QueryDefaultLimit   int
	QueryMaxLimit       int
	PullDefaultLimit    int
	PullMaxLimit        int
	CORSAllowedOrigins  []string
}

// AgentConfig captures runtime configuration for the client sync agent.
type AgentConfig struct {
	ServerURL           string
	ServerToken         string
	ClientID            string
	StorePath           string
	SyncBaseInterval    time.Duration
	SyncActiveInterval  time.Duration
	SyncBackoffBase     time.Duration
	SyncBackoffMax      time.Duration
	SyncMaxPullPages    int
	DiagnosticsInterval time.Duration
	LogLevel            string
	LogFormat           string
}

// NewViper returns a viper instance with defaults and env bindings configured.
func NewViper() *viper.Viper {
	configViper := viper.New()
	ApplyDefaults(configViper)
	return configViper
}

// ApplyDefaults configures defaults and env bindings on the provided viper instance.
func ApplyDefaults(configViper *viper.Viper) {
	configViper.SetEnvPrefix(envPrefix)
	configViper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	configViper.AutomaticEnv()

	configViper.SetDefault("http.address", defaultHTTPAddress)
	configViper.SetDefault("database.driver", defaultDatabaseDriver)
	configViper.SetDefault("database.dsn", defaultDatabaseDSN)
	configViper.SetDefault("ledger.path", defaultLedgerPath)
	configViper.SetDefault("ledger.block_max_txs", defaultBlockMaxTxs)
	configViper.SetDefault("auth.issuer", defaultAuthIssuer)
	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("log.format", defaultLogFormat)
	configViper.SetDefault("diagnostics.interval", defaultDiagnosticsEvery)
	configViper.SetDefault("query.default_limit", defaultQueryLimit)
	configViper.SetDefault("query.max_limit", defaultQueryMaxLimit)
	configViper.SetDefault("pull.default_limit", defaultPullLimit)
	configViper.SetDefault("pull.max_limit", defaultPullMaxLimit)
	configViper.SetDefault("cors.allowed_origins", []string{})

	configViper.SetDefault("client.store_path", defaultClientStorePath)
	configViper.SetDefault("sync.base_interval", defaultSyncBaseInterval)
	configViper.SetDefault("sync.active_interval", defaultSyncActiveInterval)
	configViper.SetDefault("sync.backoff_base", defaultSyncBackoffBase)
	configViper.SetDefault("sync.backoff_max", defaultSyncBackoffMax)
	configViper.SetDefault("sync.max_pull_pages", defaultSyncPullPages)
}

// LoadServer parses server configuration from viper.
func LoadServer(configViper *viper.Viper) (ServerConfig, error) {
	cfg := ServerConfig{
		HTTPAddress:         configViper.GetString("http.address"),
		DatabaseDriver:      strings.ToLower(strings.TrimSpace(configViper.GetString("database.driver"))),
		DatabaseDSN:         configViper.GetString("database.dsn"),
		LedgerPath:          configViper.GetString("ledger.path"),
		LedgerDataKey:       configViper.GetString("ledger.data_key"),
		LedgerBlockMaxTxs:   configViper.GetInt("ledger.block_max_txs"),
		AuthSigningSecret:   configViper.GetString("auth.signing_secret"),
		AuthIssuer:          configViper.GetString("auth.issuer"),
		LogLevel:            configViper.GetString("log.level"),
		LogFormat:           configViper.GetString("log.format"),
		DiagnosticsInterval: configViper.GetDuration("diagnostics.interval"),
		QueryDefaultLimit:   configViper.GetInt("query.default_limit"),
		QueryMaxLimit:       configViper.GetInt("query.max_limit"),
		PullDefaultLimit:    configViper.GetInt("pull.default_limit"),
		PullMaxLimit:        configViper.GetInt("pull.max_limit"),
		CORSAllowedOrigins:  configViper.GetStringSlice("cors.allowed_origins"),
	}

	if err := cfg.validate(); err != nil {
		return ServerConfig{}, err
	}

	return cfg, nil
}

// LoadAgent parses client agent configuration from viper.
func LoadAgent(configViper *viper.Viper) (AgentConfig, error) {
	cfg := AgentConfig{
		ServerURL:           strings.TrimRight(strings.TrimSpace(configViper.GetString("server.url")), "/"),
		ServerToken:         configViper.GetString("server.token"),
		ClientID:            configViper.GetString("client.id"),
		StorePath:           configViper.GetString("client.store_path"),
		SyncBaseInterval:    configViper.GetDuration("sync.base_interval"),
		SyncActiveInterval:  configViper.GetDuration("sync.active_interval"),
		SyncBackoffBase:     configViper.GetDuration("sync.backoff_base"),
		SyncBackoffMax:      configViper.GetDuration("sync.backoff_max"),
		SyncMaxPullPages:    configViper.GetInt("sync.max_pull_pages"),
		DiagnosticsInterval: configViper.GetDuration("diagnostics.interval"),
		LogLevel:            configViper.GetString("log.level"),
		LogFormat:           configViper.GetString("log.format"),
	}

	if err := cfg.validate(); err != nil {
		return AgentConfig{}, err
	}

	return cfg, nil
}

func (c ServerConfig) validate() error {
	if strings.TrimSpace(c.AuthSigningSecret) == "" {
		return fmt.Errorf("auth.signing_secret is required")
	}
	if strings.TrimSpace(c.AuthIssuer) == "" {
		return fmt.Errorf("auth.issuer is required")
	}
	if c.DatabaseDriver != "sqlite" && c.DatabaseDriver != "postgres" {
		return fmt.Errorf("database.driver must be sqlite or postgres, got %q", c.DatabaseDriver)
	}
	if strings.TrimSpace(c.DatabaseDSN) == "" {
		return fmt.Errorf("database.dsn is required")
	}
	if strings.TrimSpace(c.LedgerPath) == "" {
		return fmt.Errorf("ledger.path is required")
	}
	if c.DiagnosticsInterval <= 0 {
		return fmt.Errorf("diagnostics.interval must be positive")
	}
	if c.PullMaxLimit <= 0 || c.PullDefaultLimit <= 0 || c.PullDefaultLimit > c.PullMaxLimit {
		return fmt.Errorf("pull.default_limit must be positive and not exceed pull.max_limit")
	}
	if c.QueryMaxLimit <= 0 || c.QueryDefaultLimit <= 0 || c.QueryDefaultLimit > c.QueryMaxLimit {
		return fmt.Errorf("query.default_limit must be positive and not exceed query.max_limit")
	}
	return nil
}

func (c AgentConfig) validate() error {
	if c.ServerURL == "" {
		return fmt.Errorf("server.url is required")
	}
	if strings.TrimSpace(c.ServerToken) == "" {
		return fmt.Errorf("server.token is required")
	}
	if strings.TrimSpace(c.ClientID) == "" {
		return fmt.Errorf("client.id is required")
	}
	if strings.TrimSpace(c.StorePath) == "" {
		return fmt.Errorf("client.store_path is required")
	}
	if c.SyncBaseInterval <= 0 || c.SyncActiveInterval <= 0 {
		return fmt.Errorf("sync intervals must be positive")
	}
	if c.SyncBackoffBase <= 0 || c.SyncBackoffMax < c.SyncBackoffBase {
		return fmt.Errorf("sync.backoff_max must not be below sync.backoff_base")
	}
	return nil
}
