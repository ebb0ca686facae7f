package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/chainsafe/bridge-relayer/pkg/retry"
)

// Config represents the relayer configuration
type Config struct {
	Server         ServerConfig         `mapstructure:"server"`
	Database       DatabaseConfig       `mapstructure:"database"`
	Chains         []ChainConfig        `mapstructure:"chains"`
	Relayer        RelayerConfig        `mapstructure:"relayer"`
	Bridge         BridgeConfig         `mapstructure:"bridge"`
	Reconciliation ReconciliationConfig `mapstructure:"reconciliation"`
	Notifier       NotifierConfig       `mapstructure:"notifier"`
	Monitoring     MonitoringConfig     `mapstructure:"monitoring"`
	Logging        LoggingConfig        `mapstructure:"logging"`
	Shutdown       ShutdownConfig       `mapstructure:"shutdown"`
}

// ServerConfig contains HTTP server settings
type ServerConfig struct {
	Host         string        `mapstructure:"host"`
	Port         int           `mapstructure:"port"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	IdleTimeout  time.Duration `mapstructure:"idle_timeout"`
}

// DatabaseConfig contains database connection settings.
// URL takes precedence over the discrete fields when set.
type DatabaseConfig struct {
	URL      string `mapstructure:"url"`
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	Database string `mapstructure:"database"`
	SSLMode  string `mapstructure:"ssl_mode"`
}

// ChainConfig describes one EVM network the relayer talks to.
type ChainConfig struct {
	Name                string        `mapstructure:"name"`
	ChainID             int64         `mapstructure:"chain_id"`
	RPCURL              string        `mapstructure:"rpc_url"`
	WSURL               string        `mapstructure:"ws_url"`
	Confirmations       uint64        `mapstructure:"confirmations"`
	PollingInterval     time.Duration `mapstructure:"polling_interval"`
	StartBlock          uint64        `mapstructure:"start_block"`
	MaxBlockRange       uint64        `mapstructure:"max_block_range"`
	GasLimit            uint64        `mapstructure:"gas_limit"`
	MaxGasPrice         string        `mapstructure:"max_gas_price"`
	ConfirmationTimeout time.Duration `mapstructure:"confirmation_timeout"`
	ExecutionLookback   uint64        `mapstructure:"execution_lookback"`
	// LockContract emits AssetLocked/Locked on this chain when set.
	LockContract string `mapstructure:"lock_contract"`
	// BurnContract emits TokensBurned/Burned on this chain when set.
	BurnContract string `mapstructure:"burn_contract"`
}

// Watches reports whether the relayer ingests events from this chain.
func (c ChainConfig) Watches() bool {
	return c.LockContract != "" || c.BurnContract != ""
}

// RelayerConfig holds the relayer signing key. Exactly one of PrivateKey or
// EncryptedKey must be set; EncryptedKey needs MasterSecret.
type RelayerConfig struct {
	PrivateKey       string `mapstructure:"private_key"`
	EncryptedKey     string `mapstructure:"encrypted_key"`
	MasterSecret     string `mapstructure:"master_secret"`
	EthSignedMessage bool   `mapstructure:"eth_signed_message"`
}

// BridgeConfig contains transfer processing settings
type BridgeConfig struct {
	DeploymentsFile  string        `mapstructure:"deployments_file"`
	DefaultSymbol    string        `mapstructure:"default_symbol"`
	MaxRetries       int           `mapstructure:"max_retries"`
	SubmissionLease  time.Duration `mapstructure:"submission_lease"`
	Workers          int           `mapstructure:"workers"`
	QueueSize        int           `mapstructure:"queue_size"`
	RPCRetry         retry.Policy  `mapstructure:"rpc_retry"`
	Reconnect        retry.Policy  `mapstructure:"reconnect"`
	RecordVisibility retry.Policy  `mapstructure:"record_visibility"`
	// SourceConfirmation bounds how long a live event waits for its source
	// transaction to reach the confirmation depth before the reconciler takes over.
	SourceConfirmation retry.Policy `mapstructure:"source_confirmation"`
}

// ReconciliationConfig contains settings for the queue checker
type ReconciliationConfig struct {
	Enabled                 bool          `mapstructure:"enabled"`
	Interval                time.Duration `mapstructure:"interval"`
	FailedWindow            time.Duration `mapstructure:"failed_window"`
	Concurrency             int           `mapstructure:"concurrency"`
	BatchSize               int           `mapstructure:"batch_size"`
	PassTimeout             time.Duration `mapstructure:"pass_timeout"`
	InsufficientFundsPeriod time.Duration `mapstructure:"insufficient_funds_period"`
}

// NotifierConfig contains client notification settings
type NotifierConfig struct {
	Enabled       bool   `mapstructure:"enabled"`
	ListenAddr    string `mapstructure:"listen_addr"`
	Path          string `mapstructure:"path"`
	RedisURL      string `mapstructure:"redis_url"`
	ChannelPrefix string `mapstructure:"channel_prefix"`
}

// MonitoringConfig contains monitoring and metrics settings
type MonitoringConfig struct {
	Enabled bool `mapstructure:"enabled"`
}

// LoggingConfig contains logging settings
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"output_path"`
}

// ShutdownConfig contains graceful shutdown settings
type ShutdownConfig struct {
	Timeout time.Duration `mapstructure:"timeout"`
}

// Load loads configuration from file and environment variables
func Load(configPath string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(configPath)
	v.SetConfigType("yaml")
	v.SetEnvPrefix("RELAYER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := validate(&config); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &config, nil
}

func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", "15s")
	v.SetDefault("server.write_timeout", "15s")
	v.SetDefault("server.idle_timeout", "60s")

	// Database defaults
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.ssl_mode", "disable")
	v.SetDefault("database.database", "relayer")

	v.SetDefault("relayer.eth_signed_message", true)

	// Bridge defaults
	v.SetDefault("bridge.deployments_file", "deployments.yaml")
	v.SetDefault("bridge.default_symbol", "USDC")
	v.SetDefault("bridge.max_retries", 3)
	v.SetDefault("bridge.submission_lease", "10m")
	v.SetDefault("bridge.workers", 4)
	v.SetDefault("bridge.queue_size", 256)
	v.SetDefault("bridge.rpc_retry.attempts", 5)
	v.SetDefault("bridge.rpc_retry.delay", "1s")
	v.SetDefault("bridge.rpc_retry.max_delay", "30s")
	v.SetDefault("bridge.rpc_retry.max_jitter", "500ms")
	v.SetDefault("bridge.rpc_retry.backoff", true)
	v.SetDefault("bridge.reconnect.attempts", 10)
	v.SetDefault("bridge.reconnect.delay", "3s")
	v.SetDefault("bridge.reconnect.max_delay", "1m")
	v.SetDefault("bridge.reconnect.max_jitter", "1s")
	v.SetDefault("bridge.reconnect.backoff", true)
	v.SetDefault("bridge.record_visibility.attempts", 3)
	v.SetDefault("bridge.record_visibility.delay", "2s")
	v.SetDefault("bridge.source_confirmation.attempts", 60)
	v.SetDefault("bridge.source_confirmation.delay", "5s")

	// Reconciliation defaults
	v.SetDefault("reconciliation.enabled", true)
	v.SetDefault("reconciliation.interval", "30m")
	v.SetDefault("reconciliation.failed_window", "24h")
	v.SetDefault("reconciliation.concurrency", 4)
	v.SetDefault("reconciliation.batch_size", 500)
	v.SetDefault("reconciliation.pass_timeout", "20m")
	v.SetDefault("reconciliation.insufficient_funds_period", "10m")

	// Notifier defaults
	v.SetDefault("notifier.enabled", true)
	v.SetDefault("notifier.listen_addr", "0.0.0.0:8888")
	v.SetDefault("notifier.path", "/")
	v.SetDefault("notifier.channel_prefix", "bridge:notify")

	v.SetDefault("monitoring.enabled", true)

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.output_path", "stdout")

	v.SetDefault("shutdown.timeout", "30s")
}

func validate(config *Config) error {
	if config.Database.URL == "" && config.Database.Host == "" {
		return fmt.Errorf("database.url or database.host is required")
	}
	if len(config.Chains) < 2 {
		return fmt.Errorf("at least two chains are required")
	}

	names := make(map[string]bool, len(config.Chains))
	ids := make(map[int64]bool, len(config.Chains))
	watching := false
	for i := range config.Chains {
		chain := &config.Chains[i]
		applyChainDefaults(chain)

		if chain.Name == "" {
			return fmt.Errorf("chains[%d].name is required", i)
		}
		if chain.ChainID <= 0 {
			return fmt.Errorf("chains[%d].chain_id is required", i)
		}
		if chain.RPCURL == "" {
			return fmt.Errorf("chains[%d].rpc_url is required", i)
		}
		if names[chain.Name] {
			return fmt.Errorf("duplicate chain name %q", chain.Name)
		}
		if ids[chain.ChainID] {
			return fmt.Errorf("duplicate chain id %d", chain.ChainID)
		}
		names[chain.Name] = true
		ids[chain.ChainID] = true
		watching = watching || chain.Watches()
	}
	if !watching {
		return fmt.Errorf("at least one chain needs lock_contract or burn_contract")
	}

	if config.Relayer.PrivateKey == "" && config.Relayer.EncryptedKey == "" {
		return fmt.Errorf("relayer.private_key or relayer.encrypted_key is required")
	}
	if config.Relayer.PrivateKey != "" && config.Relayer.EncryptedKey != "" {
		return fmt.Errorf("relayer.private_key and relayer.encrypted_key are mutually exclusive")
	}
	if config.Relayer.EncryptedKey != "" && config.Relayer.MasterSecret == "" {
		return fmt.Errorf("relayer.master_secret is required with relayer.encrypted_key")
	}

	if config.Bridge.DeploymentsFile == "" {
		return fmt.Errorf("bridge.deployments_file is required")
	}
	if config.Bridge.MaxRetries < 0 {
		return fmt.Errorf("bridge.max_retries must not be negative")
	}
	if config.Bridge.Workers <= 0 || config.Bridge.QueueSize <= 0 {
		return fmt.Errorf("bridge.workers and bridge.queue_size must be positive")
	}
	if config.Reconciliation.Enabled && config.Reconciliation.Interval <= 0 {
		return fmt.Errorf("reconciliation.interval must be positive")
	}
	if config.Reconciliation.Concurrency <= 0 {
		config.Reconciliation.Concurrency = 1
	}
	return nil
}

func applyChainDefaults(chain *ChainConfig) {
	if chain.Confirmations == 0 {
		chain.Confirmations = 1
	}
	if chain.PollingInterval <= 0 {
		chain.PollingInterval = 10 * time.Second
	}
	if chain.MaxBlockRange == 0 {
		chain.MaxBlockRange = 2000
	}
	if chain.GasLimit == 0 {
		chain.GasLimit = 300000
	}
	if chain.ConfirmationTimeout <= 0 {
		chain.ConfirmationTimeout = 10 * time.Minute
	}
	if chain.ExecutionLookback == 0 {
		chain.ExecutionLookback = 50000
	}
}

// Chain returns the chain config with the given name.
func (c *Config) Chain(name string) (ChainConfig, bool) {
	for _, chain := range c.Chains {
		if chain.Name == name {
			return chain, true
		}
	}
	return ChainConfig{}, false
}

// GetConnectionString returns a PostgreSQL connection string
func (c *DatabaseConfig) GetConnectionString() string {
	if c.URL != "" {
		return c.URL
	}
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?sslmode=%s",
		c.User, c.Password, c.Host, c.Port, c.Database, c.SSLMode,
	)
}
