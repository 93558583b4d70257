// Package config defines all configuration for the trading core.
// Config is loaded from a YAML file (default: configs/config.yaml) with
// the operational knobs overridable via flat environment variables
// (WS_PRIVATE_URL, EXCHANGE_SANDBOX, API_RATE_LIMIT, ...).
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/spf13/viper"
)

// Production and demo-trading endpoints. The sandbox switch picks the pair;
// an explicit ws.private_url / api.base_url always wins.
const (
	wsPrivateURL        = "wss://ws.okx.com:8443/ws/v5/private"
	wsPrivateSandboxURL = "wss://wspap.okx.com:8443/ws/v5/private?brokerId=9999"
	restBaseURL         = "https://www.okx.com"
)

// Config is the top-level configuration. Maps directly to the YAML file structure.
type Config struct {
	DryRun      bool           `mapstructure:"dry_run"`
	MetricsAddr string         `mapstructure:"metrics_addr"` // empty disables the endpoint
	Exchange    ExchangeConfig `mapstructure:"exchange"`
	WS          WSConfig       `mapstructure:"ws"`
	API         APIConfig      `mapstructure:"api"`
	Store       StoreConfig    `mapstructure:"store"`
	Logging     LoggingConfig  `mapstructure:"logging"`
}

// ExchangeConfig holds the credential triple for the private channels and
// the sandbox switch. All three credentials are required to log in.
type ExchangeConfig struct {
	APIKey     string `mapstructure:"api_key"`
	Secret     string `mapstructure:"secret"`
	Passphrase string `mapstructure:"passphrase"`
	Sandbox    bool   `mapstructure:"sandbox"`
}

// WSConfig tunes the private streaming session.
//
//   - HeartbeatInterval: silence threshold before a ping is sent (< 30 s).
//   - PingTimeout: how long to wait for pong before declaring the link dead.
//   - ReconnectInterval: fixed delay between reconnect attempts.
//   - ConnectTimeout / SubscribeTimeout: handshake and ack deadlines.
//   - Queue sizes bound the order, position-data and close-event channels.
type WSConfig struct {
	PrivateURL        string        `mapstructure:"private_url"`
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval"`
	PingTimeout       time.Duration `mapstructure:"ping_timeout"`
	ReconnectInterval time.Duration `mapstructure:"reconnect_interval"`
	ConnectTimeout    time.Duration `mapstructure:"connect_timeout"`
	SubscribeTimeout  time.Duration `mapstructure:"subscribe_timeout"`
	SSLVerify         bool          `mapstructure:"ssl_verify"`
	QueueCloseEvents  int           `mapstructure:"queue_close_events"`
	QueuePositionData int           `mapstructure:"queue_position_data"`
	QueueOrders       int           `mapstructure:"queue_orders"`
}

// APIConfig tunes the REST trading client: token-bucket rate limiting
// (RateLimit requests per RateWindow, never closer than MinInterval apart),
// request timeout and retry count.
type APIConfig struct {
	BaseURL        string        `mapstructure:"base_url"`
	RateLimit      int           `mapstructure:"rate_limit"`
	RateWindow     time.Duration `mapstructure:"rate_window"`
	MinInterval    time.Duration `mapstructure:"min_interval"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
	MaxRetries     int           `mapstructure:"max_retries"`
}

// StoreConfig sets where the SQLite database lives.
type StoreConfig struct {
	Path string `mapstructure:"path"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// Load reads config from a YAML file with env var overrides.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)

	// Env overrides are applied by applyEnv after unmarshalling. Viper's own
	// AutomaticEnv is deliberately not used: the flat names carry durations
	// as plain seconds ("15"), which viper would feed straight into the
	// time.Duration fields and fail decoding.
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok && !os.IsNotExist(err) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	applyEnv(&cfg)

	if cfg.WS.PrivateURL == "" {
		if cfg.Exchange.Sandbox {
			cfg.WS.PrivateURL = wsPrivateSandboxURL
		} else {
			cfg.WS.PrivateURL = wsPrivateURL
		}
	}
	if cfg.API.BaseURL == "" {
		cfg.API.BaseURL = restBaseURL
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("ws.heartbeat_interval", 20*time.Second)
	v.SetDefault("ws.ping_timeout", 5*time.Second)
	v.SetDefault("ws.reconnect_interval", 5*time.Second)
	v.SetDefault("ws.connect_timeout", 30*time.Second)
	v.SetDefault("ws.subscribe_timeout", 30*time.Second)
	v.SetDefault("ws.ssl_verify", true)
	v.SetDefault("ws.queue_close_events", 100)
	v.SetDefault("ws.queue_position_data", 200)
	v.SetDefault("ws.queue_orders", 500)
	v.SetDefault("api.rate_limit", 10)
	v.SetDefault("api.rate_window", 2*time.Second)
	v.SetDefault("api.min_interval", 200*time.Millisecond)
	v.SetDefault("api.request_timeout", 30*time.Second)
	v.SetDefault("api.max_retries", 3)
	v.SetDefault("store.path", "data/trader.db")
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "text")
}

// applyEnv overrides config with the flat environment names the deployment
// tooling sets. Interval values are plain seconds.
func applyEnv(cfg *Config) {
	if s := os.Getenv("EXCHANGE_API_KEY"); s != "" {
		cfg.Exchange.APIKey = s
	}
	if s := os.Getenv("EXCHANGE_SECRET"); s != "" {
		cfg.Exchange.Secret = s
	}
	if s := os.Getenv("EXCHANGE_PASSPHRASE"); s != "" {
		cfg.Exchange.Passphrase = s
	}
	if b, ok := envBool("EXCHANGE_SANDBOX"); ok {
		cfg.Exchange.Sandbox = b
	}
	if s := os.Getenv("WS_PRIVATE_URL"); s != "" {
		cfg.WS.PrivateURL = s
	}
	if d, ok := envSeconds("WS_HEARTBEAT_INTERVAL"); ok {
		cfg.WS.HeartbeatInterval = d
	}
	if d, ok := envSeconds("WS_PING_TIMEOUT"); ok {
		cfg.WS.PingTimeout = d
	}
	if d, ok := envSeconds("WS_RECONNECT_INTERVAL"); ok {
		cfg.WS.ReconnectInterval = d
	}
	if d, ok := envSeconds("WS_CONNECT_TIMEOUT"); ok {
		cfg.WS.ConnectTimeout = d
	}
	if d, ok := envSeconds("WS_SUBSCRIBE_TIMEOUT"); ok {
		cfg.WS.SubscribeTimeout = d
	}
	if b, ok := envBool("WS_SSL_VERIFY"); ok {
		cfg.WS.SSLVerify = b
	}
	if n, ok := envInt("WS_QUEUE_MAXSIZE"); ok {
		// Single knob scales the close-event queue; the position-data and
		// order queues keep their 2x / 5x proportions.
		cfg.WS.QueueCloseEvents = n
		cfg.WS.QueuePositionData = 2 * n
		cfg.WS.QueueOrders = 5 * n
	}
	if n, ok := envInt("API_RATE_LIMIT"); ok {
		cfg.API.RateLimit = n
	}
	if d, ok := envSecondsFloat("API_RATE_WINDOW"); ok {
		cfg.API.RateWindow = d
	}
	if d, ok := envSecondsFloat("API_MIN_INTERVAL"); ok {
		cfg.API.MinInterval = d
	}
	if d, ok := envSeconds("API_REQUEST_TIMEOUT"); ok {
		cfg.API.RequestTimeout = d
	}
	if n, ok := envInt("API_MAX_RETRIES"); ok {
		cfg.API.MaxRetries = n
	}
	if s := os.Getenv("STORE_PATH"); s != "" {
		cfg.Store.Path = s
	}
	if s := os.Getenv("METRICS_ADDR"); s != "" {
		cfg.MetricsAddr = s
	}
}

func envBool(key string) (bool, bool) {
	s := os.Getenv(key)
	if s == "" {
		return false, false
	}
	b, err := strconv.ParseBool(s)
	if err != nil {
		return false, false
	}
	return b, true
}

func envInt(key string) (int, bool) {
	s := os.Getenv(key)
	if s == "" {
		return 0, false
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0, false
	}
	return n, true
}

func envSeconds(key string) (time.Duration, bool) {
	n, ok := envInt(key)
	if !ok {
		return 0, false
	}
	return time.Duration(n) * time.Second, true
}

func envSecondsFloat(key string) (time.Duration, bool) {
	s := os.Getenv(key)
	if s == "" {
		return 0, false
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, false
	}
	return time.Duration(f * float64(time.Second)), true
}

// Validate checks all required fields and value ranges.
func (c *Config) Validate() error {
	if c.Exchange.APIKey == "" {
		return fmt.Errorf("exchange.api_key is required (set EXCHANGE_API_KEY)")
	}
	if c.Exchange.Secret == "" {
		return fmt.Errorf("exchange.secret is required (set EXCHANGE_SECRET)")
	}
	if c.Exchange.Passphrase == "" {
		return fmt.Errorf("exchange.passphrase is required (set EXCHANGE_PASSPHRASE)")
	}
	if c.WS.HeartbeatInterval <= 0 || c.WS.HeartbeatInterval >= 30*time.Second {
		return fmt.Errorf("ws.heartbeat_interval must be in (0s, 30s), got %s", c.WS.HeartbeatInterval)
	}
	if c.WS.PingTimeout <= 0 {
		return fmt.Errorf("ws.ping_timeout must be > 0")
	}
	if c.WS.QueueOrders <= 0 || c.WS.QueuePositionData <= 0 || c.WS.QueueCloseEvents <= 0 {
		return fmt.Errorf("ws queue sizes must be > 0")
	}
	if c.API.RateLimit <= 0 {
		return fmt.Errorf("api.rate_limit must be > 0")
	}
	return nil
}
