// Package config provides application configuration loaded from environment
// variables with defaults and validation. It centralizes server timeouts,
// logging, the database, admission limits, group batching, notification
// transports and observability.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Error is a configuration problem detected at startup. It is fatal: the
// process must not start serving with a half-valid configuration.
type Error struct {
	Key string
	Msg string
}

func (e *Error) Error() string { return e.Key + " " + e.Msg }

func invalid(key, msg string) error { return &Error{Key: key, Msg: msg} }

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
	ServiceName string  // OTEL_SERVICE_NAME (e.g. "intake-guard")
	SampleRatio float64 // OTEL_TRACES_SAMPLER_ARG in [0..1]
}

// AdmissionConfig carries the per-client limits.
type AdmissionConfig struct {
	HourlyLimit     int
	HourlyWindow    time.Duration
	DailyLimit      int
	DailyWindow     time.Duration
	DailyBlock      time.Duration
	DuplicateLimit  int
	DuplicateWindow time.Duration
	BurstLimit      int
	BurstWindow     time.Duration

	// FingerprintFields maps request type to the payload fields that define
	// a duplicate. Parsed from "type=f1,f2;type2=f3".
	FingerprintFields map[string][]string

	SweepInterval time.Duration // 0 disables the janitor
}

// GroupConfig controls the per-group accumulator.
type GroupConfig struct {
	Threshold  int
	Backend    string // sql|memory|redis
	AsyncBatch bool   // dispatch triggered batches in the background
}

// RedisConfig is used when GroupConfig.Backend is "redis".
type RedisConfig struct {
	Addr      string
	Password  string
	DB        int
	KeyPrefix string
}

// DispatchConfig controls batch notification.
type DispatchConfig struct {
	Transport      string // log|smtp|webhook
	MaxAttempts    int
	RetryDelay     time.Duration
	AttemptTimeout time.Duration
	BatchTimeout   time.Duration
	SendInterval   time.Duration
	Subject        string
	Body           string
	VerifyOnStart  bool
}

// SMTPConfig is used when DispatchConfig.Transport is "smtp".
type SMTPConfig struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
	StartTLS bool
	// QuitTimeout bounds the QUIT exchange when a batch session closes.
	QuitTimeout time.Duration
}

// WebhookConfig is used when DispatchConfig.Transport is "webhook".
type WebhookConfig struct {
	URL     string
	Token   string
	Timeout time.Duration
}

// Config holds all configuration values for the application.
type Config struct {
	// Server
	Port              string        // just the number
	ReadTimeout       time.Duration // e.g. 15s
	ReadHeaderTimeout time.Duration // e.g. 10s
	WriteTimeout      time.Duration // e.g. 20s
	IdleTimeout       time.Duration // e.g. 60s
	MaxHeaderBytes    int           // bytes
	MaxBodyBytes      int64         // request body cap
	GinMode           string        // debug|release|test

	// Logging / Docs
	LogLevel       string // debug|info|warn|error|fatal|panic
	LogPretty      bool   // pretty console logs in dev
	SwaggerEnabled bool   // enable Swagger UI route
	APIBasePath    string // base path for API routes

	// Storage
	DBPath string // SQLite path

	// Edge rate limiting, per remote IP
	RateRPS   float64 // tokens per second (>= 0)
	RateBurst int     // bucket size (>= 1)

	// Web protection
	CORS     CORSConfig
	Security SecurityConfig

	Admission AdmissionConfig
	Groups    GroupConfig
	Redis     RedisConfig
	Dispatch  DispatchConfig
	SMTP      SMTPConfig
	Webhook   WebhookConfig

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

// Load reads configuration from environment variables,
// applies defaults, normalizes values, and validates the result.
func Load() (Config, error) {
	cfg := Config{
		// Server
		Port:              getenv("PORT", "8080"),
		ReadTimeout:       getdur("READ_TIMEOUT", 15*time.Second),
		ReadHeaderTimeout: getdur("READ_HEADER_TIMEOUT", 10*time.Second),
		WriteTimeout:      getdur("WRITE_TIMEOUT", 20*time.Second),
		IdleTimeout:       getdur("IDLE_TIMEOUT", 60*time.Second),
		MaxHeaderBytes:    getint("MAX_HEADER_BYTES", 1<<20),
		MaxBodyBytes:      int64(getint("MAX_BODY_BYTES", 64<<10)),
		GinMode:           strings.ToLower(getenv("GIN_MODE", "release")),

		// Logging / Docs
		LogLevel:       strings.ToLower(getenv("LOG_LEVEL", "info")),
		LogPretty:      getbool("LOG_PRETTY", false),
		SwaggerEnabled: getbool("SWAGGER_ENABLED", false),
		APIBasePath:    normalizeBasePath(getenv("API_BASE_PATH", "/api/v1")),

		// Storage
		DBPath: getenv("DB_PATH", "intake.db"),

		// Edge rate limiting
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

		Admission: AdmissionConfig{
			HourlyLimit:       getint("ADMISSION_HOURLY_LIMIT", 3),
			HourlyWindow:      getdur("ADMISSION_HOURLY_WINDOW", time.Hour),
			DailyLimit:        getint("ADMISSION_DAILY_LIMIT", 15),
			DailyWindow:       getdur("ADMISSION_DAILY_WINDOW", 24*time.Hour),
			DailyBlock:        getdur("ADMISSION_DAILY_BLOCK", time.Hour),
			DuplicateLimit:    getint("ADMISSION_DUPLICATE_LIMIT", 3),
			DuplicateWindow:   getdur("ADMISSION_DUPLICATE_WINDOW", 30*time.Minute),
			BurstLimit:        getint("ADMISSION_BURST_LIMIT", 3),
			BurstWindow:       getdur("ADMISSION_BURST_WINDOW", 5*time.Minute),
			FingerprintFields: parseFieldMap(getenv("ADMISSION_FINGERPRINT_FIELDS", "")),
			SweepInterval:     getdur("ADMISSION_SWEEP_INTERVAL", 10*time.Minute),
		},

		Groups: GroupConfig{
			Threshold:  getint("GROUP_THRESHOLD", 10),
			Backend:    strings.ToLower(getenv("GROUP_BACKEND", "sql")),
			AsyncBatch: getbool("GROUP_ASYNC_BATCH", true),
		},
		Redis: RedisConfig{
			Addr:      getenv("REDIS_ADDR", ""),
			Password:  getenv("REDIS_PASSWORD", ""),
			DB:        getint("REDIS_DB", 0),
			KeyPrefix: getenv("REDIS_KEY_PREFIX", "intake:group:"),
		},

		Dispatch: DispatchConfig{
			Transport:      strings.ToLower(getenv("NOTIFY_TRANSPORT", "log")),
			MaxAttempts:    getint("NOTIFY_MAX_ATTEMPTS", 2),
			RetryDelay:     getdur("NOTIFY_RETRY_DELAY", 500*time.Millisecond),
			AttemptTimeout: getdur("NOTIFY_ATTEMPT_TIMEOUT", 10*time.Second),
			BatchTimeout:   getdur("NOTIFY_BATCH_TIMEOUT", 2*time.Minute),
			SendInterval:   getdur("NOTIFY_SEND_INTERVAL", 100*time.Millisecond),
			Subject:        getenv("NOTIFY_SUBJECT", "Your request has been scheduled"),
			Body:           getenv("NOTIFY_BODY", "Your request has been grouped with others in your area and scheduled. We will be in touch shortly."),
			VerifyOnStart:  getbool("NOTIFY_VERIFY_ON_START", true),
		},
		SMTP: SMTPConfig{
			Host:        getenv("SMTP_HOST", ""),
			Port:        getint("SMTP_PORT", 587),
			Username:    getenv("SMTP_USERNAME", ""),
			Password:    getenv("SMTP_PASSWORD", ""),
			From:        getenv("SMTP_FROM", ""),
			StartTLS:    getbool("SMTP_STARTTLS", true),
			QuitTimeout: getdur("SMTP_QUIT_TIMEOUT", 5*time.Second),
		},
		Webhook: WebhookConfig{
			URL:     getenv("WEBHOOK_URL", ""),
			Token:   getenv("WEBHOOK_TOKEN", ""),
			Timeout: getdur("WEBHOOK_TIMEOUT", 10*time.Second),
		},

		// Observability (OpenTelemetry)
		OTEL: OTELConfig{
			Enabled:     getbool("OTEL_ENABLED", false),
			Endpoint:    getenv("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4317"),
			Insecure:    getbool("OTEL_EXPORTER_OTLP_INSECURE", true),
			ServiceName: getenv("OTEL_SERVICE_NAME", "intake-guard"),
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

	// --- validation ---
	if err := cfg.validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func (cfg Config) validate() error {
	switch cfg.LogLevel {
	case "debug", "info", "warn", "error", "fatal", "panic":
	default:
		return invalid("LOG_LEVEL", "must be one of: debug, info, warn, error, fatal, panic")
	}
	if strings.TrimSpace(cfg.Port) == "" {
		return invalid("PORT", "must not be empty")
	}
	if cfg.ReadTimeout <= 0 || cfg.ReadHeaderTimeout <= 0 || cfg.WriteTimeout <= 0 || cfg.IdleTimeout <= 0 {
		return invalid("READ/WRITE/IDLE", "timeouts must be positive durations")
	}
	if cfg.MaxHeaderBytes <= 0 {
		return invalid("MAX_HEADER_BYTES", "must be > 0")
	}
	if cfg.MaxBodyBytes <= 0 {
		return invalid("MAX_BODY_BYTES", "must be > 0")
	}
	if strings.TrimSpace(cfg.DBPath) == "" {
		return invalid("DB_PATH", "must not be empty")
	}
	if cfg.RateRPS < 0 {
		return invalid("RATE_RPS", "must be >= 0")
	}
	if cfg.RateBurst < 1 {
		return invalid("RATE_BURST", "must be >= 1")
	}
	if cfg.Security.HSTSMaxAge < 0 {
		return invalid("HSTS_MAX_AGE", "must be >= 0")
	}

	a := cfg.Admission
	if a.HourlyLimit < 1 || a.DailyLimit < 1 || a.DuplicateLimit < 1 || a.BurstLimit < 1 {
		return invalid("ADMISSION_*_LIMIT", "limits must be >= 1")
	}
	if a.HourlyWindow <= 0 || a.DailyWindow <= 0 || a.DuplicateWindow <= 0 || a.BurstWindow <= 0 || a.DailyBlock <= 0 {
		return invalid("ADMISSION_*_WINDOW", "windows must be positive durations")
	}
	if a.SweepInterval < 0 {
		return invalid("ADMISSION_SWEEP_INTERVAL", "must be >= 0")
	}

	if cfg.Groups.Threshold < 1 {
		return invalid("GROUP_THRESHOLD", "must be >= 1")
	}
	switch cfg.Groups.Backend {
	case "sql", "memory":
	case "redis":
		if strings.TrimSpace(cfg.Redis.Addr) == "" {
			return invalid("REDIS_ADDR", "is required when GROUP_BACKEND=redis")
		}
	default:
		return invalid("GROUP_BACKEND", "must be one of: sql, memory, redis")
	}

	d := cfg.Dispatch
	if d.MaxAttempts < 1 {
		return invalid("NOTIFY_MAX_ATTEMPTS", "must be >= 1")
	}
	if d.AttemptTimeout <= 0 || d.BatchTimeout <= 0 {
		return invalid("NOTIFY_*_TIMEOUT", "timeouts must be positive durations")
	}
	if d.RetryDelay < 0 || d.SendInterval < 0 {
		return invalid("NOTIFY_RETRY_DELAY/NOTIFY_SEND_INTERVAL", "must be >= 0")
	}
	switch d.Transport {
	case "log":
	case "smtp":
		if strings.TrimSpace(cfg.SMTP.Host) == "" || strings.TrimSpace(cfg.SMTP.From) == "" {
			return invalid("SMTP_HOST/SMTP_FROM", "are required when NOTIFY_TRANSPORT=smtp")
		}
		if cfg.SMTP.Port <= 0 || cfg.SMTP.Port > 65535 {
			return invalid("SMTP_PORT", "must be a valid port")
		}
	case "webhook":
		if strings.TrimSpace(cfg.Webhook.URL) == "" {
			return invalid("WEBHOOK_URL", "is required when NOTIFY_TRANSPORT=webhook")
		}
	default:
		return invalid("NOTIFY_TRANSPORT", "must be one of: log, smtp, webhook")
	}

	if cfg.OTEL.SampleRatio < 0 || cfg.OTEL.SampleRatio > 1 {
		return invalid("OTEL_TRACES_SAMPLER_ARG", "must be in [0,1]")
	}
	return nil
}

// ---- helpers (no external deps) ----

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

// parseFieldMap parses "callback=slot;assessment=group_key,category" into
// a map keyed by lower-cased request type. Malformed entries are skipped.
func parseFieldMap(s string) map[string][]string {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	out := make(map[string][]string)
	for _, entry := range strings.Split(s, ";") {
		typ, fields, ok := strings.Cut(entry, "=")
		typ = strings.ToLower(strings.TrimSpace(typ))
		if !ok || typ == "" {
			continue
		}
		out[typ] = splitCSV(fields)
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
