package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"time"
)

type Config struct {
	ClassifierConfig ClassifierConfig `json:"classifier"`
	ScorerConfig     ScorerConfig     `json:"scorer"`
	PlaybookConfig   PlaybookConfig   `json:"playbook"`
	TunerConfig      TunerConfig      `json:"tuner"`
	LoggingConfig    LoggingConfig    `json:"logging"`
	ServerConfig     ServerConfig     `json:"server"`
	DatabaseConfig   DatabaseConfig   `json:"database"`
	RedisConfig      RedisConfig      `json:"redis"`
}

// ClassifierConfig holds the regime classification thresholds
type ClassifierConfig struct {
	ADXTrendThreshold  float64 `json:"adx_trend_threshold"`  // ADX above this = trending
	ADXRangeThreshold  float64 `json:"adx_range_threshold"`  // ADX below this = ranging
	TrendDirectionMin  float64 `json:"trend_direction_min"`  // Minimum |direction| for a trend call
	HighVolPercentile  float64 `json:"high_vol_percentile"`  // Volatility percentile for HIGH_VOLATILITY
	LowVolPercentile   float64 `json:"low_vol_percentile"`   // Percentile below which volatility counts as calm
	VolWindowSize      int     `json:"vol_window_size"`      // Rolling volatility window
	SmoothingAlpha     float64 `json:"smoothing_alpha"`      // EWMA weight for new observations
	TransitionMargin   float64 `json:"transition_margin"`    // Smoothed-confidence gap to switch regimes
	MinSmoothedSamples int     `json:"min_smoothed_samples"` // Ticks before transitions are allowed
}

// ScorerConfig holds the pattern scoring parameters
type ScorerConfig struct {
	BaselineWindow    int     `json:"baseline_window"`     // Records per label in the rolling baseline
	OutlierZThreshold float64 `json:"outlier_z_threshold"` // |z| at or above this flags an outlier
	ROIWeight         float64 `json:"roi_weight"`
	WinRateWeight     float64 `json:"win_rate_weight"`
	MinTradesForFull  int     `json:"min_trades_for_full"` // Trades for full sample-size credit
	MinDurationMins   int     `json:"min_duration_mins"`   // Duration for full sample-size credit
	MinBaselineCount  int     `json:"min_baseline_count"`  // Records needed before z-scores are meaningful
}

// PlaybookConfig holds playbook engine settings
type PlaybookConfig struct {
	AutoGenerate bool `json:"auto_generate"` // Generate playbooks from high performers
	SeedLimit    int  `json:"seed_limit"`    // Historical records per label loaded at startup
}

// TunerConfig holds parameter tuning bounds
type TunerConfig struct {
	MinTrades           int     `json:"min_trades"`          // Minimum trades in the lookback window
	LookbackDays        int     `json:"lookback_days"`       // Trade history window
	MinCoverage         float64 `json:"min_coverage"`        // Fraction of the lookback the trade span must cover
	SessionTTLHours     int     `json:"session_ttl_hours"`   // Pending session lifetime
	SweepIntervalMins   int     `json:"sweep_interval_mins"` // Expiry sweeper interval
}

type LoggingConfig struct {
	Level      string `json:"level"`       // DEBUG, INFO, WARN, ERROR
	Output     string `json:"output"`      // stdout, stderr, or file path
	JSONFormat bool   `json:"json_format"` // Output as JSON
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Port            int    `json:"port"`
	Host            string `json:"host"`
	AllowedOrigins  string `json:"allowed_origins"` // CORS allowed origins
	ReadTimeout     int    `json:"read_timeout"`    // Seconds
	WriteTimeout    int    `json:"write_timeout"`   // Seconds
	ShutdownTimeout int    `json:"shutdown_timeout"`
}

// DatabaseConfig holds PostgreSQL configuration
type DatabaseConfig struct {
	Host     string `json:"host"`
	Port     int    `json:"port"`
	User     string `json:"user"`
	Password string `json:"password"`
	Name     string `json:"name"`
	SSLMode  string `json:"ssl_mode"`
	MaxConns int    `json:"max_conns"`
}

// URL builds the pgx connection string
func (d DatabaseConfig) URL() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
		d.User, d.Password, d.Host, d.Port, d.Name, d.SSLMode)
}

// RedisConfig holds Redis configuration for the regime cache
type RedisConfig struct {
	Enabled  bool   `json:"enabled"`
	Address  string `json:"address"`
	Password string `json:"password"`
	DB       int    `json:"db"`
	PoolSize int    `json:"pool_size"`
	TTLSecs  int    `json:"ttl_secs"` // Default key TTL
}

func Load() (*Config, error) {
	// First try to load base config from file
	cfg, err := loadFromFile("config.json")
	if err != nil {
		// If no config file, start with empty config
		cfg = &Config{}
	}

	// Apply environment variable overrides (these take precedence)
	applyEnvOverrides(cfg)

	return cfg, nil
}

// applyEnvOverrides applies environment variable overrides to the config
func applyEnvOverrides(cfg *Config) {
	// Classifier config
	cfg.ClassifierConfig.ADXTrendThreshold = getEnvFloatOrDefault("CLASSIFIER_ADX_TREND", defaultFloat(cfg.ClassifierConfig.ADXTrendThreshold, 25.0))
	cfg.ClassifierConfig.ADXRangeThreshold = getEnvFloatOrDefault("CLASSIFIER_ADX_RANGE", defaultFloat(cfg.ClassifierConfig.ADXRangeThreshold, 20.0))
	cfg.ClassifierConfig.TrendDirectionMin = getEnvFloatOrDefault("CLASSIFIER_TREND_DIRECTION_MIN", defaultFloat(cfg.ClassifierConfig.TrendDirectionMin, 0.2))
	cfg.ClassifierConfig.HighVolPercentile = getEnvFloatOrDefault("CLASSIFIER_HIGH_VOL_PERCENTILE", defaultFloat(cfg.ClassifierConfig.HighVolPercentile, 0.90))
	cfg.ClassifierConfig.LowVolPercentile = getEnvFloatOrDefault("CLASSIFIER_LOW_VOL_PERCENTILE", defaultFloat(cfg.ClassifierConfig.LowVolPercentile, 0.40))
	cfg.ClassifierConfig.VolWindowSize = getEnvIntOrDefault("CLASSIFIER_VOL_WINDOW", defaultInt(cfg.ClassifierConfig.VolWindowSize, 200))
	cfg.ClassifierConfig.SmoothingAlpha = getEnvFloatOrDefault("CLASSIFIER_SMOOTHING_ALPHA", defaultFloat(cfg.ClassifierConfig.SmoothingAlpha, 0.3))
	cfg.ClassifierConfig.TransitionMargin = getEnvFloatOrDefault("CLASSIFIER_TRANSITION_MARGIN", defaultFloat(cfg.ClassifierConfig.TransitionMargin, 0.10))
	cfg.ClassifierConfig.MinSmoothedSamples = getEnvIntOrDefault("CLASSIFIER_MIN_SAMPLES", defaultInt(cfg.ClassifierConfig.MinSmoothedSamples, 3))

	// Scorer config
	cfg.ScorerConfig.BaselineWindow = getEnvIntOrDefault("SCORER_BASELINE_WINDOW", defaultInt(cfg.ScorerConfig.BaselineWindow, 50))
	cfg.ScorerConfig.OutlierZThreshold = getEnvFloatOrDefault("SCORER_OUTLIER_Z", defaultFloat(cfg.ScorerConfig.OutlierZThreshold, 2.0))
	cfg.ScorerConfig.ROIWeight = getEnvFloatOrDefault("SCORER_ROI_WEIGHT", defaultFloat(cfg.ScorerConfig.ROIWeight, 0.6))
	cfg.ScorerConfig.WinRateWeight = getEnvFloatOrDefault("SCORER_WIN_RATE_WEIGHT", defaultFloat(cfg.ScorerConfig.WinRateWeight, 0.4))
	cfg.ScorerConfig.MinTradesForFull = getEnvIntOrDefault("SCORER_MIN_TRADES_FULL", defaultInt(cfg.ScorerConfig.MinTradesForFull, 10))
	cfg.ScorerConfig.MinDurationMins = getEnvIntOrDefault("SCORER_MIN_DURATION_MINS", defaultInt(cfg.ScorerConfig.MinDurationMins, 30))
	cfg.ScorerConfig.MinBaselineCount = getEnvIntOrDefault("SCORER_MIN_BASELINE_COUNT", defaultInt(cfg.ScorerConfig.MinBaselineCount, 5))

	// Playbook config
	cfg.PlaybookConfig.AutoGenerate = getEnvOrDefault("PLAYBOOK_AUTO_GENERATE", "true") == "true"
	cfg.PlaybookConfig.SeedLimit = getEnvIntOrDefault("PLAYBOOK_SEED_LIMIT", defaultInt(cfg.PlaybookConfig.SeedLimit, 50))

	// Tuner config
	cfg.TunerConfig.MinTrades = getEnvIntOrDefault("TUNER_MIN_TRADES", defaultInt(cfg.TunerConfig.MinTrades, 50))
	cfg.TunerConfig.LookbackDays = getEnvIntOrDefault("TUNER_LOOKBACK_DAYS", defaultInt(cfg.TunerConfig.LookbackDays, 30))
	cfg.TunerConfig.MinCoverage = getEnvFloatOrDefault("TUNER_MIN_COVERAGE", defaultFloat(cfg.TunerConfig.MinCoverage, 0.5))
	cfg.TunerConfig.SessionTTLHours = getEnvIntOrDefault("TUNER_SESSION_TTL_HOURS", defaultInt(cfg.TunerConfig.SessionTTLHours, 48))
	cfg.TunerConfig.SweepIntervalMins = getEnvIntOrDefault("TUNER_SWEEP_INTERVAL_MINS", defaultInt(cfg.TunerConfig.SweepIntervalMins, 15))

	// Logging config
	cfg.LoggingConfig.Level = getEnvOrDefault("LOG_LEVEL", "INFO")
	cfg.LoggingConfig.Output = getEnvOrDefault("LOG_OUTPUT", "stdout")
	cfg.LoggingConfig.JSONFormat = getEnvOrDefault("LOG_JSON", "true") == "true"

	// Server config
	cfg.ServerConfig.Port = getEnvIntOrDefault("WEB_PORT", defaultInt(cfg.ServerConfig.Port, 8080))
	cfg.ServerConfig.Host = getEnvOrDefault("WEB_HOST", "0.0.0.0")
	cfg.ServerConfig.AllowedOrigins = getEnvOrDefault("SERVER_ALLOWED_ORIGINS", "*")
	cfg.ServerConfig.ReadTimeout = getEnvIntOrDefault("SERVER_READ_TIMEOUT", defaultInt(cfg.ServerConfig.ReadTimeout, 30))
	cfg.ServerConfig.WriteTimeout = getEnvIntOrDefault("SERVER_WRITE_TIMEOUT", defaultInt(cfg.ServerConfig.WriteTimeout, 30))
	cfg.ServerConfig.ShutdownTimeout = getEnvIntOrDefault("SERVER_SHUTDOWN_TIMEOUT", defaultInt(cfg.ServerConfig.ShutdownTimeout, 10))

	// Database config
	cfg.DatabaseConfig.Host = getEnvOrDefault("DB_HOST", defaultString(cfg.DatabaseConfig.Host, "localhost"))
	cfg.DatabaseConfig.Port = getEnvIntOrDefault("DB_PORT", defaultInt(cfg.DatabaseConfig.Port, 5432))
	cfg.DatabaseConfig.User = getEnvOrDefault("DB_USER", defaultString(cfg.DatabaseConfig.User, "postgres"))
	cfg.DatabaseConfig.Password = getEnvOrDefault("DB_PASSWORD", cfg.DatabaseConfig.Password)
	cfg.DatabaseConfig.Name = getEnvOrDefault("DB_NAME", defaultString(cfg.DatabaseConfig.Name, "regime_governor"))
	cfg.DatabaseConfig.SSLMode = getEnvOrDefault("DB_SSLMODE", defaultString(cfg.DatabaseConfig.SSLMode, "disable"))
	cfg.DatabaseConfig.MaxConns = getEnvIntOrDefault("DB_MAX_CONNS", defaultInt(cfg.DatabaseConfig.MaxConns, 10))

	// Redis config
	cfg.RedisConfig.Enabled = getEnvOrDefault("REDIS_ENABLED", "true") == "true"
	cfg.RedisConfig.Address = getEnvOrDefault("REDIS_ADDR", defaultString(cfg.RedisConfig.Address, "localhost:6379"))
	cfg.RedisConfig.Password = getEnvOrDefault("REDIS_PASSWORD", cfg.RedisConfig.Password)
	cfg.RedisConfig.DB = getEnvIntOrDefault("REDIS_DB", cfg.RedisConfig.DB)
	cfg.RedisConfig.PoolSize = getEnvIntOrDefault("REDIS_POOL_SIZE", defaultInt(cfg.RedisConfig.PoolSize, 10))
	cfg.RedisConfig.TTLSecs = getEnvIntOrDefault("REDIS_TTL_SECS", defaultInt(cfg.RedisConfig.TTLSecs, 60))
}

// SessionTTL returns the tuner session lifetime as a duration
func (t TunerConfig) SessionTTL() time.Duration {
	return time.Duration(t.SessionTTLHours) * time.Hour
}

// SweepInterval returns the expiry sweeper interval as a duration
func (t TunerConfig) SweepInterval() time.Duration {
	return time.Duration(t.SweepIntervalMins) * time.Minute
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

func getEnvFloatOrDefault(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if floatVal, err := strconv.ParseFloat(value, 64); err == nil {
			return floatVal
		}
	}
	return defaultValue
}

func defaultString(v, fallback string) string {
	if v == "" {
		return fallback
	}
	return v
}

func defaultInt(v, fallback int) int {
	if v == 0 {
		return fallback
	}
	return v
}

func defaultFloat(v, fallback float64) float64 {
	if v == 0 {
		return fallback
	}
	return v
}

// GenerateSampleConfig creates a sample configuration file
func GenerateSampleConfig(filename string) error {
	config := Config{}
	applyEnvOverrides(&config)
	config.DatabaseConfig.Password = "your_db_password_here"

	data, err := json.MarshalIndent(config, "", "  ")
	if err != nil {
		return err
	}

	return os.WriteFile(filename, data, 0644)
}
