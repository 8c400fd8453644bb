package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	BrokerConfig   BrokerConfig   `json:"broker"`
	MarketConfig   MarketConfig   `json:"market"`
	StrategyConfig StrategyConfig `json:"strategy"`
	PositionConfig PositionConfig `json:"position"`
	RiskConfig     RiskConfig     `json:"risk"`
	ScannerConfig  ScannerConfig  `json:"scanner"`
	LoggingConfig  LoggingConfig  `json:"logging"`
	ServerConfig   ServerConfig   `json:"server"`
	DatabaseConfig DatabaseConfig `json:"database"`
	RedisConfig    RedisConfig    `json:"redis"`
	VaultConfig    VaultConfig    `json:"vault"`
}

// BrokerConfig holds brokerage API configuration
type BrokerConfig struct {
	APIKey          string `json:"api_key"`
	SecretKey       string `json:"secret_key"`
	BaseURL         string `json:"base_url"`
	DataBaseURL     string `json:"data_base_url"`
	PaperTrading    bool   `json:"paper_trading"`
	RateLimitPerMin int    `json:"rate_limit_per_min"` // Global request budget (default 200)
	CallTimeoutSecs int    `json:"call_timeout_secs"`  // Per-call deadline (default 10)
}

// MarketConfig holds market session configuration
type MarketConfig struct {
	Timezone         string `json:"timezone"`           // Market-local timezone, e.g. America/New_York
	OpenLocal        string `json:"open_local"`         // "09:30"
	TradingCutoff    string `json:"trading_cutoff"`     // Last entry admission, "14:00"
	PositionClose    string `json:"position_close"`     // Force-close sweep, "13:50"
	PostOpenDelaySec int    `json:"post_open_delay_s"`  // Entry delay after open (default 1800)
	QuoteTTLSecs     int    `json:"quote_ttl_s"`        // Last-price cache TTL (default 2)
}

// StrategyConfig holds gap-continuation strategy parameters
type StrategyConfig struct {
	MinGapPct      float64 `json:"min_gap_pct"`      // 0.75
	MaxGapPct      float64 `json:"max_gap_pct"`      // 20.0
	MinVolumeRatio float64 `json:"min_volume_ratio"` // 1.5 (mandatory)
	ATRStopMult    float64 `json:"atr_stop_mult"`    // 1.5
	MinStopDollars float64 `json:"min_stop_dollars"` // 0.30
	MinStopPct     float64 `json:"min_stop_pct"`     // 1.2
	TargetMult     float64 `json:"target_mult"`      // 2.5
	MinSignalScore int     `json:"min_signal_score"` // 6
	RiskPerTrade   float64 `json:"risk_per_trade"`   // 100 dollars
	SymbolNotionalCap float64 `json:"symbol_notional_cap"` // Max notional per symbol
}

// PositionConfig holds trailing-stop tier parameters (dollar based)
type PositionConfig struct {
	BreakevenThreshold float64 `json:"breakeven_threshold"`   // 15
	QuickProfitDollars float64 `json:"quick_profit_threshold"` // 20
	QuickProfitWindowS int     `json:"quick_profit_window_s"` // 600
	TierIncrement      float64 `json:"tier_increment"`        // 50
	TierBuffer         float64 `json:"tier_buffer"`           // 30
	ReplaceRetries     int     `json:"replace_retries"`       // 3
}

// RiskConfig holds daily risk limits
type RiskConfig struct {
	MaxConcurrent    int     `json:"max_concurrent"`      // 5
	TradeCapLosing   int     `json:"trade_cap_losing"`    // 10
	TradeCapWinning  int     `json:"trade_cap_winning"`   // 20
	DailyLossLimit   float64 `json:"daily_loss_limit"`    // 600 dollars
	StopOutCooldownS int     `json:"stop_out_cooldown_s"` // 1200
	PendingLockS     int     `json:"pending_entry_lock_s"` // 300
}

// ScannerConfig holds scan loop configuration
type ScannerConfig struct {
	ScannerPeriodS int      `json:"scanner_period_s"` // 3
	MonitorPeriodS int      `json:"monitor_period_s"` // 1
	WorkerCount    int      `json:"worker_count"`     // Bounded evaluation workers
	Watchlist      []string `json:"watchlist"`        // Ordered, highest priority first
	Blacklist      []string `json:"blacklist"`        // Never traded
}

type LoggingConfig struct {
	Level       string `json:"level"`        // DEBUG, INFO, WARN, ERROR
	Output      string `json:"output"`       // stdout, stderr, or file path
	JSONFormat  bool   `json:"json_format"`  // Output as JSON
	IncludeFile bool   `json:"include_file"` // Include file and line number
}

// ServerConfig holds HTTP control server configuration
type ServerConfig struct {
	Port            int    `json:"port"`
	Host            string `json:"host"`
	AllowedOrigins  string `json:"allowed_origins"`
	ReadTimeout     int    `json:"read_timeout"`
	WriteTimeout    int    `json:"write_timeout"`
	ShutdownTimeout int    `json:"shutdown_timeout"`
}

// DatabaseConfig holds PostgreSQL configuration for the trade event log
type DatabaseConfig struct {
	Enabled  bool   `json:"enabled"`
	Host     string `json:"host"`
	Port     int    `json:"port"`
	User     string `json:"user"`
	Password string `json:"password"`
	Database string `json:"database"`
	SSLMode  string `json:"ssl_mode"`
}

// RedisConfig holds Redis configuration for quote memoization
type RedisConfig struct {
	Enabled  bool   `json:"enabled"`
	Address  string `json:"address"`
	Password string `json:"password"`
	DB       int    `json:"db"`
	PoolSize int    `json:"pool_size"`
}

// VaultConfig holds HashiCorp Vault configuration for broker credentials
type VaultConfig struct {
	Enabled    bool   `json:"enabled"`
	Address    string `json:"address"`
	Token      string `json:"token"`
	MountPath  string `json:"mount_path"`
	SecretPath string `json:"secret_path"`
	TLSEnabled bool   `json:"tls_enabled"`
	CACert     string `json:"ca_cert"`
}

func Load() (*Config, error) {
	cfg, err := loadFromFile("config.json")
	if err != nil {
		cfg = &Config{}
	}

	applyDefaults(cfg)
	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks configuration values the engine cannot run without.
func (c *Config) Validate() error {
	if _, err := time.LoadLocation(c.MarketConfig.Timezone); err != nil {
		return fmt.Errorf("invalid market timezone %q: %w", c.MarketConfig.Timezone, err)
	}
	for _, v := range []string{c.MarketConfig.OpenLocal, c.MarketConfig.TradingCutoff, c.MarketConfig.PositionClose} {
		if _, err := ParseClock(v); err != nil {
			return fmt.Errorf("invalid market time %q: %w", v, err)
		}
	}
	if c.StrategyConfig.MinGapPct <= 0 || c.StrategyConfig.MaxGapPct <= c.StrategyConfig.MinGapPct {
		return fmt.Errorf("invalid gap band [%.2f, %.2f]", c.StrategyConfig.MinGapPct, c.StrategyConfig.MaxGapPct)
	}
	if c.RiskConfig.MaxConcurrent <= 0 {
		return fmt.Errorf("max_concurrent must be positive")
	}
	return nil
}

// Clock is a local time-of-day gate (minutes since midnight).
type Clock struct {
	Hour   int
	Minute int
}

// ParseClock parses "HH:MM".
func ParseClock(s string) (Clock, error) {
	parts := strings.SplitN(s, ":", 2)
	if len(parts) != 2 {
		return Clock{}, fmt.Errorf("expected HH:MM, got %q", s)
	}
	h, err := strconv.Atoi(parts[0])
	if err != nil || h < 0 || h > 23 {
		return Clock{}, fmt.Errorf("invalid hour in %q", s)
	}
	m, err := strconv.Atoi(parts[1])
	if err != nil || m < 0 || m > 59 {
		return Clock{}, fmt.Errorf("invalid minute in %q", s)
	}
	return Clock{Hour: h, Minute: m}, nil
}

// Minutes returns minutes since local midnight.
func (c Clock) Minutes() int { return c.Hour*60 + c.Minute }

// At returns the clock time on the given day in the given location.
func (c Clock) At(day time.Time, loc *time.Location) time.Time {
	y, mo, d := day.In(loc).Date()
	return time.Date(y, mo, d, c.Hour, c.Minute, 0, 0, loc)
}

func applyDefaults(cfg *Config) {
	if cfg.BrokerConfig.BaseURL == "" {
		cfg.BrokerConfig.BaseURL = "https://paper-api.alpaca.markets"
	}
	if cfg.BrokerConfig.DataBaseURL == "" {
		cfg.BrokerConfig.DataBaseURL = "https://data.alpaca.markets"
	}
	if cfg.BrokerConfig.RateLimitPerMin == 0 {
		cfg.BrokerConfig.RateLimitPerMin = 200
	}
	if cfg.BrokerConfig.CallTimeoutSecs == 0 {
		cfg.BrokerConfig.CallTimeoutSecs = 10
	}

	if cfg.MarketConfig.Timezone == "" {
		cfg.MarketConfig.Timezone = "America/New_York"
	}
	if cfg.MarketConfig.OpenLocal == "" {
		cfg.MarketConfig.OpenLocal = "09:30"
	}
	if cfg.MarketConfig.TradingCutoff == "" {
		cfg.MarketConfig.TradingCutoff = "14:00"
	}
	if cfg.MarketConfig.PositionClose == "" {
		cfg.MarketConfig.PositionClose = "13:50"
	}
	if cfg.MarketConfig.PostOpenDelaySec == 0 {
		cfg.MarketConfig.PostOpenDelaySec = 1800
	}
	if cfg.MarketConfig.QuoteTTLSecs == 0 {
		cfg.MarketConfig.QuoteTTLSecs = 2
	}

	if cfg.StrategyConfig.MinGapPct == 0 {
		cfg.StrategyConfig.MinGapPct = 0.75
	}
	if cfg.StrategyConfig.MaxGapPct == 0 {
		cfg.StrategyConfig.MaxGapPct = 20.0
	}
	if cfg.StrategyConfig.MinVolumeRatio == 0 {
		cfg.StrategyConfig.MinVolumeRatio = 1.5
	}
	if cfg.StrategyConfig.ATRStopMult == 0 {
		cfg.StrategyConfig.ATRStopMult = 1.5
	}
	if cfg.StrategyConfig.MinStopDollars == 0 {
		cfg.StrategyConfig.MinStopDollars = 0.30
	}
	if cfg.StrategyConfig.MinStopPct == 0 {
		cfg.StrategyConfig.MinStopPct = 1.2
	}
	if cfg.StrategyConfig.TargetMult == 0 {
		cfg.StrategyConfig.TargetMult = 2.5
	}
	if cfg.StrategyConfig.MinSignalScore == 0 {
		cfg.StrategyConfig.MinSignalScore = 6
	}
	if cfg.StrategyConfig.RiskPerTrade == 0 {
		cfg.StrategyConfig.RiskPerTrade = 100
	}
	if cfg.StrategyConfig.SymbolNotionalCap == 0 {
		cfg.StrategyConfig.SymbolNotionalCap = 10000
	}

	if cfg.PositionConfig.BreakevenThreshold == 0 {
		cfg.PositionConfig.BreakevenThreshold = 15
	}
	if cfg.PositionConfig.QuickProfitDollars == 0 {
		cfg.PositionConfig.QuickProfitDollars = 20
	}
	if cfg.PositionConfig.QuickProfitWindowS == 0 {
		cfg.PositionConfig.QuickProfitWindowS = 600
	}
	if cfg.PositionConfig.TierIncrement == 0 {
		cfg.PositionConfig.TierIncrement = 50
	}
	if cfg.PositionConfig.TierBuffer == 0 {
		cfg.PositionConfig.TierBuffer = 30
	}
	if cfg.PositionConfig.ReplaceRetries == 0 {
		cfg.PositionConfig.ReplaceRetries = 3
	}

	if cfg.RiskConfig.MaxConcurrent == 0 {
		cfg.RiskConfig.MaxConcurrent = 5
	}
	if cfg.RiskConfig.TradeCapLosing == 0 {
		cfg.RiskConfig.TradeCapLosing = 10
	}
	if cfg.RiskConfig.TradeCapWinning == 0 {
		cfg.RiskConfig.TradeCapWinning = 20
	}
	if cfg.RiskConfig.DailyLossLimit == 0 {
		cfg.RiskConfig.DailyLossLimit = 600
	}
	if cfg.RiskConfig.StopOutCooldownS == 0 {
		cfg.RiskConfig.StopOutCooldownS = 1200
	}
	if cfg.RiskConfig.PendingLockS == 0 {
		cfg.RiskConfig.PendingLockS = 300
	}

	if cfg.ScannerConfig.ScannerPeriodS == 0 {
		cfg.ScannerConfig.ScannerPeriodS = 3
	}
	if cfg.ScannerConfig.MonitorPeriodS == 0 {
		cfg.ScannerConfig.MonitorPeriodS = 1
	}
	if cfg.ScannerConfig.WorkerCount == 0 {
		cfg.ScannerConfig.WorkerCount = 8
	}

	if cfg.ServerConfig.Port == 0 {
		cfg.ServerConfig.Port = 8080
	}
	if cfg.ServerConfig.Host == "" {
		cfg.ServerConfig.Host = "0.0.0.0"
	}
	if cfg.ServerConfig.AllowedOrigins == "" {
		cfg.ServerConfig.AllowedOrigins = "*"
	}
	if cfg.ServerConfig.ReadTimeout == 0 {
		cfg.ServerConfig.ReadTimeout = 30
	}
	if cfg.ServerConfig.WriteTimeout == 0 {
		cfg.ServerConfig.WriteTimeout = 30
	}
	if cfg.ServerConfig.ShutdownTimeout == 0 {
		cfg.ServerConfig.ShutdownTimeout = 10
	}
}

// applyEnvOverrides applies environment variable overrides to the config.
// Broker credentials may come from the environment or from Vault; Vault wins
// when enabled.
func applyEnvOverrides(cfg *Config) {
	cfg.BrokerConfig.APIKey = getEnvOrDefault("BROKER_API_KEY", cfg.BrokerConfig.APIKey)
	cfg.BrokerConfig.SecretKey = getEnvOrDefault("BROKER_SECRET_KEY", cfg.BrokerConfig.SecretKey)
	cfg.BrokerConfig.BaseURL = getEnvOrDefault("BROKER_BASE_URL", cfg.BrokerConfig.BaseURL)
	cfg.BrokerConfig.DataBaseURL = getEnvOrDefault("BROKER_DATA_BASE_URL", cfg.BrokerConfig.DataBaseURL)
	cfg.BrokerConfig.PaperTrading = getEnvOrDefault("BROKER_PAPER", boolStr(cfg.BrokerConfig.PaperTrading)) == "true"
	cfg.BrokerConfig.RateLimitPerMin = getEnvIntOrDefault("BROKER_RATE_LIMIT_PER_MIN", cfg.BrokerConfig.RateLimitPerMin)

	cfg.MarketConfig.Timezone = getEnvOrDefault("MARKET_TIMEZONE", cfg.MarketConfig.Timezone)
	cfg.MarketConfig.TradingCutoff = getEnvOrDefault("MARKET_TRADING_CUTOFF", cfg.MarketConfig.TradingCutoff)
	cfg.MarketConfig.PositionClose = getEnvOrDefault("MARKET_POSITION_CLOSE", cfg.MarketConfig.PositionClose)

	cfg.LoggingConfig.Level = getEnvOrDefault("LOG_LEVEL", firstNonEmpty(cfg.LoggingConfig.Level, "INFO"))
	cfg.LoggingConfig.Output = getEnvOrDefault("LOG_OUTPUT", firstNonEmpty(cfg.LoggingConfig.Output, "stdout"))
	cfg.LoggingConfig.JSONFormat = getEnvOrDefault("LOG_JSON", boolStr(cfg.LoggingConfig.JSONFormat)) == "true"

	cfg.ServerConfig.Port = getEnvIntOrDefault("WEB_PORT", cfg.ServerConfig.Port)
	cfg.ServerConfig.Host = getEnvOrDefault("WEB_HOST", cfg.ServerConfig.Host)
	cfg.ServerConfig.AllowedOrigins = getEnvOrDefault("SERVER_ALLOWED_ORIGINS", cfg.ServerConfig.AllowedOrigins)

	cfg.DatabaseConfig.Enabled = getEnvOrDefault("DB_ENABLED", boolStr(cfg.DatabaseConfig.Enabled)) == "true"
	cfg.DatabaseConfig.Host = getEnvOrDefault("DB_HOST", firstNonEmpty(cfg.DatabaseConfig.Host, "localhost"))
	cfg.DatabaseConfig.Port = getEnvIntOrDefault("DB_PORT", nonZeroInt(cfg.DatabaseConfig.Port, 5432))
	cfg.DatabaseConfig.User = getEnvOrDefault("DB_USER", cfg.DatabaseConfig.User)
	cfg.DatabaseConfig.Password = getEnvOrDefault("DB_PASSWORD", cfg.DatabaseConfig.Password)
	cfg.DatabaseConfig.Database = getEnvOrDefault("DB_NAME", firstNonEmpty(cfg.DatabaseConfig.Database, "gap_trading"))
	cfg.DatabaseConfig.SSLMode = getEnvOrDefault("DB_SSLMODE", firstNonEmpty(cfg.DatabaseConfig.SSLMode, "disable"))

	cfg.RedisConfig.Enabled = getEnvOrDefault("REDIS_ENABLED", boolStr(cfg.RedisConfig.Enabled)) == "true"
	cfg.RedisConfig.Address = getEnvOrDefault("REDIS_ADDRESS", firstNonEmpty(cfg.RedisConfig.Address, "localhost:6379"))
	cfg.RedisConfig.Password = getEnvOrDefault("REDIS_PASSWORD", cfg.RedisConfig.Password)
	cfg.RedisConfig.DB = getEnvIntOrDefault("REDIS_DB", cfg.RedisConfig.DB)
	cfg.RedisConfig.PoolSize = getEnvIntOrDefault("REDIS_POOL_SIZE", nonZeroInt(cfg.RedisConfig.PoolSize, 10))

	cfg.VaultConfig.Enabled = getEnvOrDefault("VAULT_ENABLED", boolStr(cfg.VaultConfig.Enabled)) == "true"
	cfg.VaultConfig.Address = getEnvOrDefault("VAULT_ADDR", firstNonEmpty(cfg.VaultConfig.Address, "http://localhost:8200"))
	cfg.VaultConfig.Token = getEnvOrDefault("VAULT_TOKEN", cfg.VaultConfig.Token)
	cfg.VaultConfig.MountPath = getEnvOrDefault("VAULT_MOUNT_PATH", firstNonEmpty(cfg.VaultConfig.MountPath, "secret"))
	cfg.VaultConfig.SecretPath = getEnvOrDefault("VAULT_SECRET_PATH", firstNonEmpty(cfg.VaultConfig.SecretPath, "gap-trading-bot/broker"))
}

func loadFromFile(filename string) (*Config, error) {
	file, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("error reading config file: %w", err)
	}

	var config Config
	if err := json.Unmarshal(file, &config); err != nil {
		return nil, fmt.Errorf("error parsing config file: %w", err)
	}

	return &config, nil
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvIntOrDefault(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func boolStr(b bool) string {
	if b {
		return "true"
	}
	return "false"
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

func nonZeroInt(v, def int) int {
	if v != 0 {
		return v
	}
	return def
}

// GenerateSampleConfig creates a sample configuration file with defaults.
func GenerateSampleConfig(filename string) error {
	cfg := &Config{}
	applyDefaults(cfg)
	cfg.ScannerConfig.Watchlist = []string{"TQQQ", "SOXL", "AAPL", "NVDA", "AMD", "TSLA"}
	cfg.ScannerConfig.Blacklist = []string{"MARA", "RIOT", "CLSK"}

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}

	return os.WriteFile(filename, data, 0644)
}
