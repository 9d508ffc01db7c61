// Package config provides application configuration loaded from environment variables.
// Use the package-level Get() function to obtain the singleton Config instance.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"sync"
	"time"
)

// ──────────────────────────────────────────────────────────────────────────────
// Sub-config structs
// ──────────────────────────────────────────────────────────────────────────────

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Port         string        // e.g. "8080"
	Env          string        // "development" | "production"
	ReadTimeout  time.Duration // default 10s
	WriteTimeout time.Duration // default 10s
	FrontendURL  string        // allowed WebSocket origin; "" = allow all
}

// DBConfig holds PostgreSQL connection settings.
type DBConfig struct {
	DSN             string        // full postgres DSN
	MaxOpenConns    int           // default 25
	MaxIdleConns    int           // default 10
	ConnMaxLifetime time.Duration // default 5m
}

// JWTConfig holds JWT signing settings.
type JWTConfig struct {
	AccessSecret  string        // must be set
	RefreshSecret string        // must be set
	AccessTTL     time.Duration // default 15m
	RefreshTTL    time.Duration // default 720h (30 days)
}

// QuoteConfig holds price feed settings.
type QuoteConfig struct {
	APIURL       string        // default CoinGecko simple price endpoint
	FetchTimeout time.Duration // default 5s
	CacheTTL     time.Duration // default 10s
}

// GameConfig holds round lifecycle and wagering settings.
type GameConfig struct {
	HouseEdge    float64       // crash point skew, e.g. 0.04 = 4%
	TickInterval time.Duration // multiplier broadcast cadence, default 100ms
	WaitDuration time.Duration // betting window before launch, default 5s
	PostCrash    time.Duration // crash display before next round, default 5s
	MinBetUSD    float64       // default 0.01
	MaxBetUSD    float64       // default 10000
}

// RateLimitConfig holds per-connection WebSocket throttling settings.
type RateLimitConfig struct {
	OpsPerWindow int           // default 100
	Window       time.Duration // default 60s
}

// ──────────────────────────────────────────────────────────────────────────────
// Top-level Config
// ──────────────────────────────────────────────────────────────────────────────

// Config is the root configuration object for the entire application.
type Config struct {
	Server    ServerConfig
	DB        DBConfig
	JWT       JWTConfig
	Quote     QuoteConfig
	Game      GameConfig
	RateLimit RateLimitConfig
}

// IsProd returns true when running in the production environment.
func (c *Config) IsProd() bool {
	return c.Server.Env == "production"
}

// Validate checks that all required configuration values are present and valid.
// Returns the first validation error encountered.
func (c *Config) Validate() error {
	var errs []error

	// JWT secrets are mandatory
	if c.JWT.AccessSecret == "" {
		errs = append(errs, errors.New("JWT_ACCESS_SECRET must be set"))
	}
	if c.JWT.RefreshSecret == "" {
		errs = append(errs, errors.New("JWT_REFRESH_SECRET must be set"))
	}

	// In production, DB DSN must be explicit
	if c.IsProd() && c.DB.DSN == "" {
		errs = append(errs, errors.New("DATABASE_DSN must be set in production"))
	}

	// House edge sanity check
	if c.Game.HouseEdge <= 0 || c.Game.HouseEdge >= 1 {
		errs = append(errs, fmt.Errorf(
			"HOUSE_EDGE must be between 0 and 1 (exclusive), got %.4f",
			c.Game.HouseEdge,
		))
	}

	if c.Game.MinBetUSD <= 0 || c.Game.MaxBetUSD < c.Game.MinBetUSD {
		errs = append(errs, fmt.Errorf(
			"bet limits invalid: MIN_BET_USD=%.2f MAX_BET_USD=%.2f",
			c.Game.MinBetUSD, c.Game.MaxBetUSD,
		))
	}

	if c.Game.TickInterval <= 0 {
		errs = append(errs, fmt.Errorf(
			"MULTIPLIER_TICK_MS must be positive, got %s", c.Game.TickInterval,
		))
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

// ──────────────────────────────────────────────────────────────────────────────
// Singleton
// ──────────────────────────────────────────────────────────────────────────────

var (
	instance *Config
	once     sync.Once
	loadErr  error
)

// Get returns the singleton Config, loading it once from environment variables.
// Panics if loading fails — call this early in main() to catch misconfigurations
// at startup.
func Get() *Config {
	once.Do(func() {
		instance, loadErr = load()
	})
	if loadErr != nil {
		panic(fmt.Sprintf("config: failed to load: %v", loadErr))
	}
	return instance
}

// MustLoad loads and validates configuration. Intended for use in main().
// Panics on any error so misconfiguration is caught immediately at boot.
func MustLoad() *Config {
	cfg := Get()
	if err := cfg.Validate(); err != nil {
		panic(fmt.Sprintf("config: validation failed: %v", err))
	}
	return cfg
}

// ──────────────────────────────────────────────────────────────────────────────
// Internal loader
// ──────────────────────────────────────────────────────────────────────────────

func load() (*Config, error) {
	cfg := &Config{}

	// ── Server ────────────────────────────────────────────────────────────────
	cfg.Server = ServerConfig{
		Port:         getEnv("SERVER_PORT", "8080"),
		Env:          getEnv("ENVIRONMENT", "development"),
		ReadTimeout:  getDuration("SERVER_READ_TIMEOUT", 10*time.Second),
		WriteTimeout: getDuration("SERVER_WRITE_TIMEOUT", 10*time.Second),
		FrontendURL:  getEnv("FRONTEND_URL", ""),
	}

	// ── Database ──────────────────────────────────────────────────────────────
	dsn := os.Getenv("DATABASE_DSN")
	if dsn == "" {
		// Build DSN from individual components for convenience in dev
		dsn = fmt.Sprintf(
			"host=%s port=%s user=%s password=%s dbname=%s sslmode=%s",
			getEnv("DB_HOST", "localhost"),
			getEnv("DB_PORT", "5432"),
			getEnv("DB_USER", "postgres"),
			getEnv("DB_PASSWORD", ""),
			getEnv("DB_NAME", "evetabi_crash"),
			getEnv("DB_SSLMODE", "disable"),
		)
	}

	maxOpen, err := getInt("DB_MAX_OPEN_CONNS", 25)
	if err != nil {
		return nil, fmt.Errorf("DB_MAX_OPEN_CONNS: %w", err)
	}
	maxIdle, err := getInt("DB_MAX_IDLE_CONNS", 10)
	if err != nil {
		return nil, fmt.Errorf("DB_MAX_IDLE_CONNS: %w", err)
	}

	cfg.DB = DBConfig{
		DSN:             dsn,
		MaxOpenConns:    maxOpen,
		MaxIdleConns:    maxIdle,
		ConnMaxLifetime: getDuration("DB_CONN_MAX_LIFETIME", 5*time.Minute),
	}

	// ── JWT ───────────────────────────────────────────────────────────────────
	cfg.JWT = JWTConfig{
		AccessSecret:  getEnv("JWT_ACCESS_SECRET", ""),
		RefreshSecret: getEnv("JWT_REFRESH_SECRET", ""),
		AccessTTL:     getDuration("JWT_ACCESS_TTL", 15*time.Minute),
		RefreshTTL:    getDuration("JWT_REFRESH_TTL", 30*24*time.Hour),
	}

	// ── Quote feed ────────────────────────────────────────────────────────────
	cacheMs, err := getInt("PRICE_CACHE_DURATION_MS", 10000)
	if err != nil {
		return nil, fmt.Errorf("PRICE_CACHE_DURATION_MS: %w", err)
	}

	cfg.Quote = QuoteConfig{
		APIURL:       getEnv("COINGECKO_API_URL", "https://api.coingecko.com/api/v3"),
		FetchTimeout: getDuration("QUOTE_FETCH_TIMEOUT", 5*time.Second),
		CacheTTL:     time.Duration(cacheMs) * time.Millisecond,
	}

	// ── Game ──────────────────────────────────────────────────────────────────
	edge, err := getFloat("HOUSE_EDGE", 0.04)
	if err != nil {
		return nil, fmt.Errorf("HOUSE_EDGE: %w", err)
	}
	tickMs, err := getInt("MULTIPLIER_TICK_MS", 100)
	if err != nil {
		return nil, fmt.Errorf("MULTIPLIER_TICK_MS: %w", err)
	}
	waitMs, err := getInt("WAIT_MS", 5000)
	if err != nil {
		return nil, fmt.Errorf("WAIT_MS: %w", err)
	}
	postCrashMs, err := getInt("POST_CRASH_MS", 5000)
	if err != nil {
		return nil, fmt.Errorf("POST_CRASH_MS: %w", err)
	}
	minBet, err := getFloat("MIN_BET_USD", 0.01)
	if err != nil {
		return nil, fmt.Errorf("MIN_BET_USD: %w", err)
	}
	maxBet, err := getFloat("MAX_BET_USD", 10000)
	if err != nil {
		return nil, fmt.Errorf("MAX_BET_USD: %w", err)
	}

	cfg.Game = GameConfig{
		HouseEdge:    edge,
		TickInterval: time.Duration(tickMs) * time.Millisecond,
		WaitDuration: time.Duration(waitMs) * time.Millisecond,
		PostCrash:    time.Duration(postCrashMs) * time.Millisecond,
		MinBetUSD:    minBet,
		MaxBetUSD:    maxBet,
	}

	// ── Rate limiting ─────────────────────────────────────────────────────────
	ops, err := getInt("RATE_LIMIT_PER_MIN", 100)
	if err != nil {
		return nil, fmt.Errorf("RATE_LIMIT_PER_MIN: %w", err)
	}

	cfg.RateLimit = RateLimitConfig{
		OpsPerWindow: ops,
		Window:       getDuration("RATE_LIMIT_WINDOW", time.Minute),
	}

	return cfg, nil
}

// ──────────────────────────────────────────────────────────────────────────────
// Helper functions
// ──────────────────────────────────────────────────────────────────────────────

func getEnv(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func getInt(key string, defaultVal int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("invalid integer %q", v)
	}
	return n, nil
}

func getFloat(key string, defaultVal float64) (float64, error) {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid float %q", v)
	}
	return f, nil
}

// getDuration parses an env var as a Go duration string (e.g. "15m", "2s").
// Falls back to defaultVal if the variable is unset or empty.
func getDuration(key string, defaultVal time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		// Log warning and fall back to default; do not crash on parse error
		return defaultVal
	}
	return d
}
