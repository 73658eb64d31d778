// Package config provides application configuration loaded from environment
// variables with defaults and validation. It centralizes server timeouts,
// logging, storage and change feed drivers, view tuning, rate limiting, auth,
// and observability.
//
// Sources, lowest precedence first: defaults, an optional YAML file named by
// CONFIG_FILE, a .env file in the working directory, the process environment.
// Files never override variables that are already set.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Storage and change feed drivers.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
	FeedMemory     = "memory"
	FeedPostgres   = "postgres"
)

// CORSConfig defines Cross-Origin Resource Sharing settings.
type CORSConfig struct {
	AllowedOrigins []string
}

// SecurityConfig defines security-related settings such as HSTS.
type SecurityConfig struct {
	EnableHSTS bool
	HSTSMaxAge time.Duration
}

// OTELConfig defines OpenTelemetry observability settings.
type OTELConfig struct {
	Enabled     bool    // OTEL_ENABLED
	Endpoint    string  // OTEL_EXPORTER_OTLP_ENDPOINT (e.g. "otel:4317")
	Insecure    bool    // OTEL_EXPORTER_OTLP_INSECURE (true if no TLS)
	ServiceName string  // OTEL_SERVICE_NAME (e.g. "go-realtime-coordinator")
	SampleRatio float64 // OTEL_TRACES_SAMPLER_ARG in [0..1]
}

// ViewConfig tunes server-held views.
type ViewConfig struct {
	OutboxSize    int           // VIEW_OUTBOX_SIZE, events buffered per view
	IdleTTL       time.Duration // VIEW_IDLE_TTL, 0 disables reaping
	QuietWindow   time.Duration // QUIET_WINDOW, per-chat sound cooldown
	PromptTimeout time.Duration // PERMISSION_PROMPT_TIMEOUT
}

// CheckoutConfig bounds checkout status polling.
type CheckoutConfig struct {
	PollInterval time.Duration // CHECKOUT_POLL_INTERVAL
	PollMax      time.Duration // CHECKOUT_POLL_MAX
}

// Config holds all configuration values for the application.
type Config struct {
	ConfigFile string // CONFIG_FILE, optional YAML overlay

	// Server
	Port              string        // just the number
	ReadTimeout       time.Duration // e.g. 15s
	ReadHeaderTimeout time.Duration // e.g. 10s
	WriteTimeout      time.Duration // e.g. 20s; event streams are exempt
	IdleTimeout       time.Duration // e.g. 60s
	MaxHeaderBytes    int           // bytes
	GinMode           string        // debug|release|test
	GzipEnabled       bool

	// Logging / Docs
	LogLevel       string // debug|info|warn|error|fatal|panic
	LogPretty      bool   // pretty console logs in dev
	SwaggerEnabled bool   // enable Swagger UI route
	APIBasePath    string // base path for API routes

	// Storage
	DBDriver    string // sqlite|postgres
	DBPath      string // SQLite path
	DatabaseURL string // postgres DSN

	// Change feed
	FeedDriver string // memory|postgres
	FeedBuffer int    // events buffered per subscription

	// Coordinator
	View               ViewConfig
	Checkout           CheckoutConfig
	ReactionCheckFirst bool          // look reactions up before insert
	MaxContentRunes    int           // cap for messages, comments, support messages
	SupportStaff       []string      // SUPPORT_STAFF, user ids answering support chats
	StreamHeartbeat    time.Duration // STREAM_HEARTBEAT, event stream keep-alive

	// Auth
	FirebaseCredentials string // service account JSON path; empty uses X-User-ID

	// Rate limiting
	RateRPS   float64 // tokens per second (>= 0)
	RateBurst int     // bucket size (>= 1)

	// Web protection
	CORS     CORSConfig
	Security SecurityConfig

	// Idempotency
	IdempotencyTTL time.Duration // how long a given Idempotency-Key is valid

	// Observability
	OTEL OTELConfig
}

// MustLoad loads the configuration and panics if validation fails.
func MustLoad() Config {
	cfg, err := Load()
	if err != nil {
		panic(err)
	}
	return cfg
}

// Load reads configuration from its sources, applies defaults, normalizes
// values, and validates the result.
func Load() (Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return Config{}, fmt.Errorf("load .env: %w", err)
	}
	file := getenv("CONFIG_FILE", "")
	if file != "" {
		if err := applyFile(file); err != nil {
			return Config{}, err
		}
	}

	cfg := Config{
		ConfigFile: file,

		// Server
		Port:              getenv("PORT", "8080"),
		ReadTimeout:       getdur("READ_TIMEOUT", 15*time.Second),
		ReadHeaderTimeout: getdur("READ_HEADER_TIMEOUT", 10*time.Second),
		WriteTimeout:      getdur("WRITE_TIMEOUT", 20*time.Second),
		IdleTimeout:       getdur("IDLE_TIMEOUT", 60*time.Second),
		MaxHeaderBytes:    getint("MAX_HEADER_BYTES", 1<<20),
		GinMode:           strings.ToLower(getenv("GIN_MODE", "release")),
		GzipEnabled:       getbool("GZIP_ENABLED", true),

		// Logging / Docs
		LogLevel:       strings.ToLower(getenv("LOG_LEVEL", "info")),
		LogPretty:      getbool("LOG_PRETTY", false),
		SwaggerEnabled: getbool("SWAGGER_ENABLED", false),
		APIBasePath:    normalizeBasePath(getenv("API_BASE_PATH", "/api/v1")),

		// Storage
		DBDriver:    strings.ToLower(getenv("DB_DRIVER", DriverSQLite)),
		DBPath:      getenv("DB_PATH", "app.db"),
		DatabaseURL: getenv("DATABASE_URL", ""),

		// Change feed
		FeedDriver: strings.ToLower(getenv("FEED_DRIVER", FeedMemory)),
		FeedBuffer: getint("FEED_BUFFER", 64),

		// Coordinator
		View: ViewConfig{
			OutboxSize:    getint("VIEW_OUTBOX_SIZE", 256),
			IdleTTL:       getdur("VIEW_IDLE_TTL", 10*time.Minute),
			QuietWindow:   getdur("QUIET_WINDOW", 3*time.Second),
			PromptTimeout: getdur("PERMISSION_PROMPT_TIMEOUT", 30*time.Second),
		},
		Checkout: CheckoutConfig{
			PollInterval: getdur("CHECKOUT_POLL_INTERVAL", 2*time.Second),
			PollMax:      getdur("CHECKOUT_POLL_MAX", 5*time.Minute),
		},
		ReactionCheckFirst: getbool("REACTION_CHECK_FIRST", false),
		MaxContentRunes:    getint("MAX_CONTENT_RUNES", 4000),
		SupportStaff:       splitCSV(getenv("SUPPORT_STAFF", "")),
		StreamHeartbeat:    getdur("STREAM_HEARTBEAT", 15*time.Second),

		// Auth
		FirebaseCredentials: getenv("FIREBASE_CREDENTIALS", ""),

		// Rate limiting
		RateRPS:   getfloat("RATE_RPS", 5.0),
		RateBurst: getint("RATE_BURST", 10),

		// Web protection
		CORS: CORSConfig{
			AllowedOrigins: splitCSV(getenv("CORS_ALLOWED_ORIGINS", "")),
		},
		Security: SecurityConfig{
			EnableHSTS: getbool("ENABLE_HSTS", false),
			HSTSMaxAge: getdur("HSTS_MAX_AGE", 180*24*time.Hour),
		},

		// Idempotency
		IdempotencyTTL: getdur("IDEMPOTENCY_TTL", 24*time.Hour),

		// Observability (OpenTelemetry)
		OTEL: OTELConfig{
			Enabled:     getbool("OTEL_ENABLED", false),
			Endpoint:    getenv("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4317"),
			Insecure:    getbool("OTEL_EXPORTER_OTLP_INSECURE", true),
			ServiceName: getenv("OTEL_SERVICE_NAME", "go-realtime-coordinator"),
			SampleRatio: getfloat("OTEL_TRACES_SAMPLER_ARG", 1.0),
		},
	}

	// --- normalization ---
	if cfg.LogLevel == "warning" {
		cfg.LogLevel = "warn"
	}
	switch cfg.GinMode {
	case "debug", "release", "test":
	default:
		cfg.GinMode = "release"
	}
	if cfg.DBDriver == "postgresql" {
		cfg.DBDriver = DriverPostgres
	}

	return cfg, cfg.validate()
}

func (cfg Config) validate() error {
	switch cfg.LogLevel {
	case "debug", "info", "warn", "error", "fatal", "panic":
	default:
		return errors.New("LOG_LEVEL must be one of: debug, info, warn, error, fatal, panic")
	}
	if strings.TrimSpace(cfg.Port) == "" {
		return errors.New("PORT must not be empty")
	}
	if cfg.ReadTimeout <= 0 || cfg.ReadHeaderTimeout <= 0 || cfg.WriteTimeout <= 0 || cfg.IdleTimeout <= 0 {
		return errors.New("timeouts must be positive durations")
	}
	if cfg.MaxHeaderBytes <= 0 {
		return errors.New("MAX_HEADER_BYTES must be > 0")
	}

	switch cfg.DBDriver {
	case DriverSQLite:
		if strings.TrimSpace(cfg.DBPath) == "" {
			return errors.New("DB_PATH must not be empty")
		}
	case DriverPostgres:
		if strings.TrimSpace(cfg.DatabaseURL) == "" {
			return errors.New("DATABASE_URL is required when DB_DRIVER=postgres")
		}
	default:
		return errors.New("DB_DRIVER must be one of: sqlite, postgres")
	}
	switch cfg.FeedDriver {
	case FeedMemory:
	case FeedPostgres:
		if cfg.DBDriver != DriverPostgres {
			return errors.New("FEED_DRIVER=postgres requires DB_DRIVER=postgres")
		}
	default:
		return errors.New("FEED_DRIVER must be one of: memory, postgres")
	}
	if cfg.FeedBuffer < 1 {
		return errors.New("FEED_BUFFER must be >= 1")
	}

	if cfg.View.OutboxSize < 1 {
		return errors.New("VIEW_OUTBOX_SIZE must be >= 1")
	}
	if cfg.View.IdleTTL < 0 || cfg.View.QuietWindow < 0 {
		return errors.New("VIEW_IDLE_TTL and QUIET_WINDOW must be >= 0")
	}
	if cfg.View.PromptTimeout <= 0 {
		return errors.New("PERMISSION_PROMPT_TIMEOUT must be > 0")
	}
	if cfg.Checkout.PollInterval <= 0 || cfg.Checkout.PollMax < cfg.Checkout.PollInterval {
		return errors.New("CHECKOUT_POLL_INTERVAL must be > 0 and <= CHECKOUT_POLL_MAX")
	}
	if cfg.MaxContentRunes < 0 {
		return errors.New("MAX_CONTENT_RUNES must be >= 0")
	}
	if cfg.StreamHeartbeat <= 0 {
		return errors.New("STREAM_HEARTBEAT must be > 0")
	}

	if cfg.RateRPS < 0 {
		return errors.New("RATE_RPS must be >= 0")
	}
	if cfg.RateBurst < 1 {
		return errors.New("RATE_BURST must be >= 1")
	}
	if cfg.Security.HSTSMaxAge < 0 {
		return errors.New("HSTS_MAX_AGE must be >= 0")
	}
	if cfg.IdempotencyTTL <= 0 {
		return errors.New("IDEMPOTENCY_TTL must be > 0")
	}
	if cfg.OTEL.SampleRatio < 0 || cfg.OTEL.SampleRatio > 1 {
		return errors.New("OTEL_TRACES_SAMPLER_ARG must be in [0,1]")
	}
	return nil
}

// applyFile exports the variables of a flat YAML mapping (KEY: value) that
// are not set yet.
func applyFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	var vars map[string]any
	if err := yaml.Unmarshal(data, &vars); err != nil {
		return fmt.Errorf("parse config file: %w", err)
	}
	for k, v := range vars {
		if v == nil {
			continue
		}
		k = strings.ToUpper(strings.TrimSpace(k))
		if _, set := os.LookupEnv(k); set {
			continue
		}
		var s string
		switch x := v.(type) {
		case []any:
			parts := make([]string, 0, len(x))
			for _, p := range x {
				parts = append(parts, fmt.Sprint(p))
			}
			s = strings.Join(parts, ",")
		default:
			s = fmt.Sprint(x)
		}
		if err := os.Setenv(k, s); err != nil {
			return err
		}
	}
	return nil
}

// ---- helpers ----

func getenv(k, def string) string {
	if v, ok := os.LookupEnv(k); ok && v != "" {
		return v
	}
	return def
}

func getfloat(k string, def float64) float64 {
	if v, ok := os.LookupEnv(k); ok && v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func getint(k string, def int) int {
	if v, ok := os.LookupEnv(k); ok && v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

func getbool(k string, def bool) bool {
	if v, ok := os.LookupEnv(k); ok && v != "" {
		switch strings.ToLower(strings.TrimSpace(v)) {
		case "1", "true", "yes", "y", "on":
			return true
		case "0", "false", "no", "n", "off":
			return false
		}
	}
	return def
}

func getdur(k string, def time.Duration) time.Duration {
	if v, ok := os.LookupEnv(k); ok && v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

func splitCSV(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		t := strings.TrimSpace(p)
		if t != "" {
			out = append(out, t)
		}
	}
	return out
}

// normalizeBasePath ensures leading '/' and strips trailing '/' (except root).
func normalizeBasePath(p string) string {
	p = strings.TrimSpace(p)
	if p == "" {
		return "/"
	}
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	if len(p) > 1 && strings.HasSuffix(p, "/") {
		p = strings.TrimRight(p, "/")
	}
	return p
}
