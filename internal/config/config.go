// Package config handles configuration loading and validation for the pool coordinator.
package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration for the pool coordinator.
type Config struct {
	Pool      PoolConfig      `mapstructure:"pool"`
	Node      NodeConfig      `mapstructure:"node"`
	Wallet    WalletConfig    `mapstructure:"wallet"`
	Stratum   StratumConfig   `mapstructure:"stratum"`
	Security  SecurityConfig  `mapstructure:"security"`
	Store     StoreConfig     `mapstructure:"store"`
	API       APIConfig       `mapstructure:"api"`
	Profiling ProfilingConfig `mapstructure:"profiling"`
	NewRelic  NewRelicConfig  `mapstructure:"newrelic"`
	Notify    NotifyConfig    `mapstructure:"notify"`
	Log       LogConfig       `mapstructure:"log"`
}

// PoolConfig mirrors the recognized pool options.
type PoolConfig struct {
	Name                       string        `mapstructure:"name"`
	Host                       string        `mapstructure:"host"`
	Port                       int           `mapstructure:"port"`
	Difficulty                 uint64        `mapstructure:"difficulty"`
	MaxConnectionsPerIP        int           `mapstructure:"max_connections_per_ip"` // 0 disables the cap
	Banning                    bool          `mapstructure:"banning"`
	RecentShareCutoff          time.Duration `mapstructure:"recent_share_cutoff"`
	AccountName                string        `mapstructure:"account_name"`
	PayoutPeriodDuration       time.Duration `mapstructure:"payout_period_duration"`
	BalancePercentPayout       int64         `mapstructure:"balance_percent_payout"` // legacy
	BalancePercentPayoutFlag   int           `mapstructure:"balance_percent_payout_flag"`
	TransactionExpirationDelta time.Duration `mapstructure:"transaction_expiration_delta"`
	MinClientVersion           uint32        `mapstructure:"min_client_version"`
	TLSCert                    string        `mapstructure:"tls_cert"`
	TLSKey                     string        `mapstructure:"tls_key"`
	TLSBind                    string        `mapstructure:"tls_bind"`
	Fee                        float64       `mapstructure:"fee"` // display-only pool fee percentage
}

// NodeConfig defines the upstream full-node RPC connection.
type NodeConfig struct {
	URL            string        `mapstructure:"url"`
	Timeout        time.Duration `mapstructure:"timeout"`
	ReconnectDelay time.Duration `mapstructure:"reconnect_delay"`
}

// WalletConfig defines the wallet RPC used to send payout transactions.
type WalletConfig struct {
	URL      string `mapstructure:"url"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
}

// StratumConfig configures auxiliary transports in front of the Stratum dispatch path.
type StratumConfig struct {
	WebSocketEnabled bool   `mapstructure:"websocket_enabled"`
	WebSocketBind    string `mapstructure:"websocket_bind"`
	XatumEnabled     bool   `mapstructure:"xatum_enabled"`
	XatumBind        string `mapstructure:"xatum_bind"`
	XatumCert        string `mapstructure:"xatum_cert"`
	XatumKey         string `mapstructure:"xatum_key"`
}

// SecurityConfig feeds internal/policy's peer policy defaults.
type SecurityConfig struct {
	BanDuration     time.Duration `mapstructure:"ban_duration"`
	ScoreDrainEvery time.Duration `mapstructure:"score_drain_every"`
	BanScoreLimit   int32         `mapstructure:"ban_score_limit"`
}

// StoreConfig points at the embedded relational database file.
type StoreConfig struct {
	Path string `mapstructure:"path"`
}

// APIConfig defines the read-only stats HTTP surface. internal/api reads only
// Enabled, Bind and StatsCache; the CORS and admin fields are not used by it.
type APIConfig struct {
	Enabled       bool          `mapstructure:"enabled"`
	Bind          string        `mapstructure:"bind"`
	StatsCache    time.Duration `mapstructure:"stats_cache"`
	CORSOrigins   []string      `mapstructure:"cors_origins"`
	AdminEnabled  bool          `mapstructure:"admin_enabled"`
	AdminPassword string        `mapstructure:"admin_password"`
}

// ProfilingConfig gates the ambient pprof server.
type ProfilingConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Bind    string `mapstructure:"bind"`
}

// NewRelicConfig gates the ambient APM agent.
type NewRelicConfig struct {
	Enabled    bool   `mapstructure:"enabled"`
	AppName    string `mapstructure:"app_name"`
	LicenseKey string `mapstructure:"license_key"`
}

// NotifyConfig configures outbound webhook notifications.
type NotifyConfig struct {
	DiscordWebhookURL string `mapstructure:"discord_webhook_url"`
	TelegramBotToken   string `mapstructure:"telegram_bot_token"`
	TelegramChatID     string `mapstructure:"telegram_chat_id"`
}

// LogConfig defines logging settings.
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
	File   string `mapstructure:"file"`
}

// Load reads configuration from file and environment.
func Load(configPath string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
		v.AddConfigPath("/etc/stratum-pool")
	}

	v.SetEnvPrefix("STRATUM_POOL")
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("pool.name", "stratum-pool")
	v.SetDefault("pool.host", "0.0.0.0")
	v.SetDefault("pool.port", 3333)
	v.SetDefault("pool.difficulty", 1000)
	v.SetDefault("pool.max_connections_per_ip", 10)
	v.SetDefault("pool.banning", true)
	v.SetDefault("pool.recent_share_cutoff", "10m")
	v.SetDefault("pool.payout_period_duration", "1h")
	v.SetDefault("pool.balance_percent_payout_flag", 100)
	v.SetDefault("pool.transaction_expiration_delta", "24h")
	v.SetDefault("pool.min_client_version", 1)
	v.SetDefault("pool.fee", 1.0)

	v.SetDefault("node.url", "http://127.0.0.1:8545")
	v.SetDefault("node.timeout", "10s")
	v.SetDefault("node.reconnect_delay", "5s")

	v.SetDefault("stratum.websocket_enabled", false)
	v.SetDefault("stratum.websocket_bind", "0.0.0.0:3336")
	v.SetDefault("stratum.xatum_enabled", false)
	v.SetDefault("stratum.xatum_bind", "0.0.0.0:3337")

	v.SetDefault("security.ban_duration", "15m")
	v.SetDefault("security.score_drain_every", "10s")
	v.SetDefault("security.ban_score_limit", 10)

	v.SetDefault("store.path", "pool.db")

	v.SetDefault("api.enabled", true)
	v.SetDefault("api.bind", "0.0.0.0:8080")
	v.SetDefault("api.stats_cache", "10s")
	v.SetDefault("api.cors_origins", []string{"*"})

	v.SetDefault("profiling.enabled", false)
	v.SetDefault("profiling.bind", "127.0.0.1:6060")

	v.SetDefault("newrelic.enabled", false)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "console")
}

// Validate checks configuration for errors.
func (c *Config) Validate() error {
	if c.Pool.Name == "" {
		return fmt.Errorf("pool.name is required")
	}
	if c.Pool.Port <= 0 {
		return fmt.Errorf("pool.port must be positive")
	}
	if c.Pool.MaxConnectionsPerIP < 0 {
		return fmt.Errorf("pool.max_connections_per_ip must be >= 0 (0 disables the cap)")
	}
	if c.Pool.BalancePercentPayoutFlag < 0 || c.Pool.BalancePercentPayoutFlag > 100 {
		return fmt.Errorf("pool.balance_percent_payout_flag must be between 0 and 100")
	}
	if c.Node.URL == "" {
		return fmt.Errorf("node.url is required")
	}
	if c.Store.Path == "" {
		return fmt.Errorf("store.path is required")
	}
	return nil
}
