package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"equity-screener/internal/analysis"

	"github.com/creasty/defaults"
	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
)

type Config struct {
	Logging   LoggingConfig            `json:"logging"`
	Universe  UniverseConfig           `json:"universe"`
	Swing     ScreenerConfig           `json:"swing"`
	Longterm  ScreenerConfig           `json:"longterm"`
	Structure analysis.StructureConfig `json:"structure"`
	Setup     SetupConfig              `json:"setup"`
	Quality   QualityConfig            `json:"quality"`
	Plan      PlanConfig               `json:"plan"`
	AI        AIConfig                 `json:"ai"`
	Selection SelectionConfig          `json:"selection"`
	Portfolio PortfolioConfig          `json:"portfolio"`

	Database DatabaseConfig `json:"database"`
	Redis    RedisConfig    `json:"redis"`
	Kafka    KafkaConfig    `json:"kafka"`
	Vault    VaultConfig    `json:"vault"`
	Server   ServerConfig   `json:"server"`
	Metrics  MetricsConfig  `json:"metrics"`
}

type LoggingConfig struct {
	Level       string `json:"level" default:"INFO"`    // DEBUG, INFO, WARN, ERROR
	Output      string `json:"output" default:"stdout"` // stdout, stderr, or file path
	JSONFormat  bool   `json:"json_format" default:"true"`
	IncludeFile bool   `json:"include_file"`
}

// UniverseConfig is the basic eligibility filter
type UniverseConfig struct {
	Segment        string  `json:"segment" default:"EQ"`
	MinPrice       float64 `json:"min_price" default:"20" validate:"gte=0"`
	MaxPrice       float64 `json:"max_price" default:"50000" validate:"gtfield=MinPrice"`
	ExcludePenny   bool    `json:"exclude_penny" default:"true"`
	PennyThreshold float64 `json:"penny_threshold" default:"10" validate:"gte=0"`
}

// ScreenerConfig holds one screener profile. Swing and longterm differ in
// defaults, see DefaultSwing and DefaultLongterm.
type ScreenerConfig struct {
	Workers       int     `json:"workers" default:"8" validate:"gte=1,lte=256"`
	ProgressEvery int     `json:"progress_every" default:"50" validate:"gte=1"`
	MinScore      float64 `json:"min_score" default:"50" validate:"gte=0,lte=100"`
	BaseWeight    float64 `json:"base_weight" validate:"gte=0,lte=1"`
	MTFWeight     float64 `json:"mtf_weight" validate:"gte=0,lte=1"`
	MinDailyBars  int     `json:"min_daily_bars" validate:"gte=0"`
	MinWeeklyBars int     `json:"min_weekly_bars" validate:"gte=0"`
	DailyBars     int     `json:"daily_bars" default:"260" validate:"gte=1"`
	WeeklyBars    int     `json:"weekly_bars" default:"210" validate:"gte=1"`
	IntradayBars  int     `json:"intraday_bars" default:"200" validate:"gte=1"`

	// IncludeIntraday adds the 15m view to the MTF analysis
	IncludeIntraday bool    `json:"include_intraday"`
	EnsureFresh     bool    `json:"ensure_fresh" default:"true"`
	VolumeSpike     float64 `json:"volume_spike" default:"1.5" validate:"gt=0"`
	RSILow          float64 `json:"rsi_low" validate:"gte=0,lte=100"`
	RSIHigh         float64 `json:"rsi_high" validate:"gte=0,lte=100"`
}

// SetupProfile holds the distance bands of one screener type, as percentages from EMA20
type SetupProfile struct {
	PullbackAbove float64 `json:"pullback_above"`
	ZoneLow       float64 `json:"zone_low"`
	ZoneHigh      float64 `json:"zone_high"`
	ExtendedHigh  float64 `json:"extended_high"`
}

type SetupConfig struct {
	Swing             SetupProfile `json:"swing"`
	Longterm          SetupProfile `json:"longterm"`
	BreakoutProximity float64      `json:"breakout_proximity" default:"5" validate:"gt=0"`
	MinADX            float64      `json:"min_adx" default:"20"`
	StrongADX         float64      `json:"strong_adx" default:"25"`
	OverboughtRSI     float64      `json:"overbought_rsi" default:"75"`
}

type QualityConfig struct {
	TopN           int     `json:"top_n" default:"20" validate:"gte=1"`
	IdealATRLow    float64 `json:"ideal_atr_low" default:"2"`
	IdealATRHigh   float64 `json:"ideal_atr_high" default:"5"`
	ATRFloor       float64 `json:"atr_floor" default:"1"`
	ATRCeiling     float64 `json:"atr_ceiling" default:"7"`
	ExtensionLimit float64 `json:"extension_limit" default:"10"`
	RunUpLimit     float64 `json:"run_up_limit" default:"10"`
	RunUpHardLimit float64 `json:"run_up_hard_limit" default:"15"`
	MinRiskReward  float64 `json:"min_risk_reward" default:"2"`
	ATRTargetMult  float64 `json:"atr_target_mult" default:"5"`
	ATRStopMult    float64 `json:"atr_stop_mult" default:"2"`
	FreshBreakout  int     `json:"fresh_breakout_bars" default:"3"`
}

type PlanConfig struct {
	EntryBand       float64 `json:"entry_band" default:"2"`
	ATRStopMult     float64 `json:"atr_stop_mult" default:"2" validate:"gt=0"`
	TargetR         float64 `json:"target_r" default:"2.5" validate:"gt=0"`
	StructureWithin float64 `json:"structure_within" default:"1.2" validate:"gte=1"`
	MinRiskReward   float64 `json:"min_risk_reward" default:"2" validate:"gt=0"`
	TickSize        float64 `json:"tick_size" default:"0.05" validate:"gt=0"`
}

// AIConfig holds the judge configuration
type AIConfig struct {
	Enabled       bool          `json:"enabled" default:"true"`
	Provider      string        `json:"provider" default:"claude" validate:"oneof=claude openai"`
	Model         string        `json:"model"`
	ClaudeAPIKey  string        `json:"claude_api_key"`
	OpenAIAPIKey  string        `json:"openai_api_key"`
	BaseURL       string        `json:"base_url"`
	MaxTokens     int           `json:"max_tokens" default:"800"`
	Temperature   float64       `json:"temperature" default:"0.2"`
	DailyCap      int           `json:"daily_cap" default:"50" validate:"gte=0"`
	MinConfidence float64       `json:"min_confidence" default:"6.5" validate:"gte=0,lte=10"`
	Limit         int           `json:"limit" default:"10" validate:"gte=1"`
	Timeout       time.Duration `json:"timeout" default:"30s"`
	PerMinute     int           `json:"per_minute" default:"20" validate:"gte=1"`
	CacheTTL      time.Duration `json:"cache_ttl" default:"24h"`
	BreakerTrips  int           `json:"breaker_failures" default:"3" validate:"gte=1"`
	BreakerReset  time.Duration `json:"breaker_cooldown" default:"5m"`
}

type SelectionConfig struct {
	ScreenerWeight   float64 `json:"screener_weight" default:"0.3" validate:"gte=0,lte=1"`
	QualityWeight    float64 `json:"quality_weight" default:"0.4" validate:"gte=0,lte=1"`
	AIWeight         float64 `json:"ai_weight" default:"0.3" validate:"gte=0,lte=1"`
	Tier1Size        int     `json:"tier1_size" default:"5" validate:"gte=1"`
	Tier2Size        int     `json:"tier2_size" default:"5" validate:"gte=1"`
	CapitalFloor     float64 `json:"capital_floor" default:"0.5" validate:"gt=0,lte=1"`
	CorrelationLimit int     `json:"correlation_limit" default:"2" validate:"gte=1"`
}

// PortfolioConfig is the fallback risk configuration used when the
// portfolio service cannot supply one
type PortfolioConfig struct {
	MaxPositions     int     `json:"max_positions" default:"5" validate:"gte=1"`
	MaxCapitalPct    float64 `json:"max_capital_pct" default:"15" validate:"gt=0,lte=100"`
	MaxPerSector     int     `json:"max_per_sector" default:"2" validate:"gte=1"`
	DailyTradeBudget int     `json:"daily_trade_budget" default:"5" validate:"gte=0"`
	RiskPerTradePct  float64 `json:"risk_per_trade_pct" default:"1" validate:"gt=0,lte=10"`
	SwingShare       float64 `json:"swing_share" default:"0.6" validate:"gte=0,lte=1"`
	DefaultEquity    float64 `json:"default_equity" default:"1000000" validate:"gt=0"`
}

type DatabaseConfig struct {
	URL      string `json:"url"`
	MaxConns int32  `json:"max_conns" default:"25"`
	MinConns int32  `json:"min_conns" default:"5"`
}

// RedisConfig holds Redis configuration for caching and rate limiting
type RedisConfig struct {
	Enabled  bool   `json:"enabled"`
	Address  string `json:"address" default:"localhost:6379"`
	Password string `json:"password"`
	DB       int    `json:"db"`
	PoolSize int    `json:"pool_size" default:"10"`
}

type KafkaConfig struct {
	Enabled bool     `json:"enabled"`
	Brokers []string `json:"brokers"`
	Topic   string   `json:"topic" default:"screener.events"`
}

// VaultConfig holds HashiCorp Vault configuration
type VaultConfig struct {
	Enabled    bool   `json:"enabled"`
	Address    string `json:"address" default:"http://localhost:8200"`
	Token      string `json:"token"`
	MountPath  string `json:"mount_path" default:"secret"`
	SecretPath string `json:"secret_path" default:"equity-screener/llm"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Port            int    `json:"port" default:"8080" validate:"gte=1,lte=65535"`
	Host            string `json:"host" default:"0.0.0.0"`
	AllowedOrigins  string `json:"allowed_origins" default:"*"`
	ReadTimeout     int    `json:"read_timeout" default:"30"`
	WriteTimeout    int    `json:"write_timeout" default:"30"`
	ShutdownTimeout int    `json:"shutdown_timeout" default:"10"`
}

type MetricsConfig struct {
	Enabled bool   `json:"enabled" default:"true"`
	Path    string `json:"path" default:"/metrics"`
}

// DefaultSwing returns the swing screener profile
func DefaultSwing() ScreenerConfig {
	return ScreenerConfig{
		BaseWeight:      0.6,
		MTFWeight:       0.4,
		MinDailyBars:    50,
		IncludeIntraday: false,
		RSILow:          50,
		RSIHigh:         70,
	}
}

// DefaultLongterm returns the longterm screener profile
func DefaultLongterm() ScreenerConfig {
	return ScreenerConfig{
		BaseWeight:    0.5,
		MTFWeight:     0.5,
		MinDailyBars:  100,
		MinWeeklyBars: 20,
		RSILow:        45,
		RSIHigh:       70,
	}
}

// DefaultSetup returns the per-type setup bands
func DefaultSetup() SetupConfig {
	return SetupConfig{
		Swing:    SetupProfile{PullbackAbove: 12, ZoneLow: -2, ZoneHigh: 5, ExtendedHigh: 8},
		Longterm: SetupProfile{PullbackAbove: 15, ZoneLow: -5, ZoneHigh: 8, ExtendedHigh: 15},
	}
}

// Default returns a fully populated configuration
func Default() *Config {
	cfg := &Config{
		Swing:     DefaultSwing(),
		Longterm:  DefaultLongterm(),
		Setup:     DefaultSetup(),
		Structure: analysis.DefaultStructureConfig(),
	}
	if err := defaults.Set(cfg); err != nil {
		panic(fmt.Sprintf("config defaults: %v", err))
	}
	return cfg
}

// Load reads .env, the JSON config file named by CONFIG_FILE (default
// config.json), then environment overrides, and validates the result
func Load() (*Config, error) {
	_ = godotenv.Load()
	return LoadFile(getEnvOrDefault("CONFIG_FILE", "config.json"))
}

// LoadFile is Load without the .env step; a missing file is not an error
func LoadFile(filename string) (*Config, error) {
	cfg := Default()
	if err := mergeFromFile(filename, cfg); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}

	applyEnvOverrides(cfg)

	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks struct constraints
func Validate(cfg *Config) error {
	if err := validator.New().Struct(cfg); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	return nil
}

// applyEnvOverrides applies environment variable overrides to the config
func applyEnvOverrides(cfg *Config) {
	cfg.Logging.Level = getEnvOrDefault("LOG_LEVEL", cfg.Logging.Level)
	cfg.Logging.Output = getEnvOrDefault("LOG_OUTPUT", cfg.Logging.Output)
	cfg.Logging.JSONFormat = getEnvBoolOrDefault("LOG_JSON", cfg.Logging.JSONFormat)
	cfg.Logging.IncludeFile = getEnvBoolOrDefault("LOG_INCLUDE_FILE", cfg.Logging.IncludeFile)

	cfg.Universe.MinPrice = getEnvFloatOrDefault("UNIVERSE_MIN_PRICE", cfg.Universe.MinPrice)
	cfg.Universe.MaxPrice = getEnvFloatOrDefault("UNIVERSE_MAX_PRICE", cfg.Universe.MaxPrice)
	cfg.Universe.ExcludePenny = getEnvBoolOrDefault("UNIVERSE_EXCLUDE_PENNY", cfg.Universe.ExcludePenny)

	cfg.Swing.Workers = getEnvIntOrDefault("SWING_WORKERS", cfg.Swing.Workers)
	cfg.Swing.MinScore = getEnvFloatOrDefault("SWING_MIN_SCORE", cfg.Swing.MinScore)
	cfg.Swing.IncludeIntraday = getEnvBoolOrDefault("SWING_INCLUDE_INTRADAY", cfg.Swing.IncludeIntraday)
	cfg.Longterm.Workers = getEnvIntOrDefault("LONGTERM_WORKERS", cfg.Longterm.Workers)
	cfg.Longterm.MinScore = getEnvFloatOrDefault("LONGTERM_MIN_SCORE", cfg.Longterm.MinScore)

	cfg.AI.Enabled = getEnvBoolOrDefault("AI_ENABLED", cfg.AI.Enabled)
	cfg.AI.Provider = getEnvOrDefault("AI_LLM_PROVIDER", cfg.AI.Provider)
	cfg.AI.Model = getEnvOrDefault("AI_LLM_MODEL", cfg.AI.Model)
	cfg.AI.ClaudeAPIKey = getEnvOrDefault("AI_CLAUDE_API_KEY", cfg.AI.ClaudeAPIKey)
	cfg.AI.OpenAIAPIKey = getEnvOrDefault("AI_OPENAI_API_KEY", cfg.AI.OpenAIAPIKey)
	cfg.AI.DailyCap = getEnvIntOrDefault("AI_DAILY_CAP", cfg.AI.DailyCap)
	cfg.AI.MinConfidence = getEnvFloatOrDefault("AI_MIN_CONFIDENCE", cfg.AI.MinConfidence)
	cfg.AI.Timeout = getEnvDurationOrDefault("AI_TIMEOUT", cfg.AI.Timeout)

	cfg.Portfolio.MaxPositions = getEnvIntOrDefault("PORTFOLIO_MAX_POSITIONS", cfg.Portfolio.MaxPositions)
	cfg.Portfolio.MaxCapitalPct = getEnvFloatOrDefault("PORTFOLIO_MAX_CAPITAL_PCT", cfg.Portfolio.MaxCapitalPct)
	cfg.Portfolio.MaxPerSector = getEnvIntOrDefault("PORTFOLIO_MAX_PER_SECTOR", cfg.Portfolio.MaxPerSector)
	cfg.Portfolio.DailyTradeBudget = getEnvIntOrDefault("PORTFOLIO_DAILY_TRADE_BUDGET", cfg.Portfolio.DailyTradeBudget)
	cfg.Portfolio.DefaultEquity = getEnvFloatOrDefault("PORTFOLIO_DEFAULT_EQUITY", cfg.Portfolio.DefaultEquity)

	cfg.Database.URL = getEnvOrDefault("DATABASE_URL", cfg.Database.URL)

	cfg.Redis.Enabled = getEnvBoolOrDefault("REDIS_ENABLED", cfg.Redis.Enabled)
	cfg.Redis.Address = getEnvOrDefault("REDIS_ADDR", cfg.Redis.Address)
	cfg.Redis.Password = getEnvOrDefault("REDIS_PASSWORD", cfg.Redis.Password)
	cfg.Redis.DB = getEnvIntOrDefault("REDIS_DB", cfg.Redis.DB)

	cfg.Kafka.Enabled = getEnvBoolOrDefault("KAFKA_ENABLED", cfg.Kafka.Enabled)
	if brokers := os.Getenv("KAFKA_BROKERS"); brokers != "" {
		cfg.Kafka.Brokers = strings.Split(brokers, ",")
	}
	cfg.Kafka.Topic = getEnvOrDefault("KAFKA_TOPIC", cfg.Kafka.Topic)

	cfg.Vault.Enabled = getEnvBoolOrDefault("VAULT_ENABLED", cfg.Vault.Enabled)
	cfg.Vault.Address = getEnvOrDefault("VAULT_ADDR", cfg.Vault.Address)
	cfg.Vault.Token = getEnvOrDefault("VAULT_TOKEN", cfg.Vault.Token)
	cfg.Vault.MountPath = getEnvOrDefault("VAULT_MOUNT_PATH", cfg.Vault.MountPath)
	cfg.Vault.SecretPath = getEnvOrDefault("VAULT_SECRET_PATH", cfg.Vault.SecretPath)

	cfg.Server.Port = getEnvIntOrDefault("WEB_PORT", cfg.Server.Port)
	cfg.Server.Host = getEnvOrDefault("WEB_HOST", cfg.Server.Host)
	cfg.Server.AllowedOrigins = getEnvOrDefault("SERVER_ALLOWED_ORIGINS", cfg.Server.AllowedOrigins)
}

func mergeFromFile(filename string, cfg *Config) error {
	file, err := os.ReadFile(filename)
	if err != nil {
		return fmt.Errorf("error reading config file: %w", err)
	}
	if err := json.Unmarshal(file, cfg); err != nil {
		return fmt.Errorf("error parsing config file: %w", err)
	}
	return nil
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvBoolOrDefault(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
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

func getEnvFloatOrDefault(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if floatVal, err := strconv.ParseFloat(value, 64); err == nil {
			return floatVal
		}
	}
	return defaultValue
}

func getEnvDurationOrDefault(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}

// GenerateSampleConfig writes the default configuration as a starting point
func GenerateSampleConfig(filename string) error {
	data, err := json.MarshalIndent(Default(), "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(filename, data, 0644)
}
