package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/zalando/go-keyring"
)

// Environment represents the application environment.
type Environment string

const (
	EnvDevelopment Environment = "development"
	EnvStaging     Environment = "staging"
	EnvProduction  Environment = "production"
)

// KeyringService is the service name under which portal passwords live in
// the OS keyring. The user field is the portal login email.
const KeyringService = "schulsync"

// keyringGet is replaced in tests; headless machines have no keyring daemon.
var keyringGet = keyring.Get

// Config holds all application configuration.
type Config struct {
	// Application
	App AppConfig

	// Schulmanager Online portal client
	Portal PortalConfig

	// Portal accounts to synchronize
	Accounts []AccountConfig

	// PostgreSQL (refresh journal)
	Database DatabaseConfig

	// Redis (shared caches)
	Redis RedisConfig

	// HTTP read surface
	HTTP HTTPConfig

	// Scheduler
	Scheduler SchedulerConfig

	// Observability
	Observability ObservabilityConfig
}

// AppConfig holds general application settings.
type AppConfig struct {
	Name        string
	Environment Environment
	Debug       bool
	Version     string

	// Timezone for the school day and all date math (default: Europe/Berlin)
	Timezone string
	Location *time.Location

	// Language for rendered lesson lines and summaries ("de" or "en")
	Language string

	// Graceful shutdown timeout
	ShutdownTimeout time.Duration
}

// PortalConfig holds Schulmanager Online client settings.
type PortalConfig struct {
	// Base URL, empty selects the production portal
	BaseURL string

	// Browser identity sent to the portal (empty keeps the built-in one)
	UserAgent string

	RequestTimeout time.Duration

	// Rate limiting (protect from being blocked)
	RequestsPerSecond float64
	BurstSize         int
	MinInterval       time.Duration

	// Retry behavior
	MaxRetries     int
	RetryBaseDelay time.Duration
	RetryMaxDelay  time.Duration

	// Circuit breaker settings
	CircuitBreakerThreshold int           // failures before opening
	CircuitBreakerTimeout   time.Duration // time before half-open

	// SchoolIDs restricts multi-school logins to these institutions
	// (empty keeps every school the portal offers)
	SchoolIDs []int64

	// Directory for sanitized response dumps, for accounts that enable them
	DumpDir string
}

// AccountConfig holds one portal login and its sync options. Option fields
// default to the engine defaults, so only deviations need environment
// variables.
type AccountConfig struct {
	// ID names the account in logs, status output, and journal rows.
	// Empty derives a slug from the login.
	ID string

	// Login is the portal email
	Login string

	// Password, resolved from env or the OS keyring during Load
	Password string

	// Category toggles
	FetchSchedule bool
	FetchExams    bool
	FetchHomework bool
	FetchGrades   bool

	// Timetable window in weeks, starting with the current one (1-3)
	WeeksAhead int

	// Presentation
	HighlightChanges bool
	HideCancelled    bool

	// Manual refresh cooldown in minutes (5-30)
	CooldownMinutes int

	// Write sanitized portal responses to the dump directory
	WriteDebugDumps bool
}

// DatabaseConfig holds PostgreSQL settings for the refresh journal.
// The journal is optional; without a host the engine runs memory-only.
type DatabaseConfig struct {
	Host     string
	Port     int
	Name     string
	User     string
	Password string
	SSLMode  string

	// Connection pool settings
	MaxConns        int
	MinConns        int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
	ConnectTimeout  time.Duration
}

// Enabled reports whether a journal database is configured.
func (c DatabaseConfig) Enabled() bool {
	return c.Host != ""
}

// RedisConfig holds Redis settings for the shared subject catalog and
// bundle version caches. Opt-in; without Redis both fall back to
// in-process caches.
type RedisConfig struct {
	Enabled bool

	Host     string
	Port     int
	Password string
	DB       int

	// Pool settings
	PoolSize     int
	MinIdleConns int

	// Timeouts
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// HTTPConfig holds settings for the read surface.
type HTTPConfig struct {
	Enabled bool

	Host string
	Port int

	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration

	EnableCORS     bool
	AllowedOrigins []string

	// Requests per client IP per minute, 0 disables limiting
	RateLimitPerMinute int
}

// SchedulerConfig holds background job settings.
type SchedulerConfig struct {
	// Enable/disable scheduler
	Enabled bool

	// Job intervals
	RefreshInterval time.Duration // periodic portal refresh
	PruneInterval   time.Duration // journal cleanup

	// Journal retention
	JournalRetentionDays int

	// Concurrency
	RefreshConcurrency int
	JobTimeout         time.Duration
}

// ObservabilityConfig holds logging settings.
type ObservabilityConfig struct {
	LogLevel  string // debug, info, warn, error
	LogFormat string // json, text
}

// Load loads configuration from environment variables.
func Load() (*Config, error) {
	cfg := &Config{}

	// Load App config
	cfg.App = loadAppConfig()

	// Load Portal config
	cfg.Portal = loadPortalConfig()

	// Load Accounts
	var err error
	cfg.Accounts, err = loadAccountsConfig()
	if err != nil {
		return nil, fmt.Errorf("accounts config: %w", err)
	}

	// Load Database config
	cfg.Database = loadDatabaseConfig()

	// Load Redis config
	cfg.Redis = loadRedisConfig()

	// Load HTTP config
	cfg.HTTP = loadHTTPConfig()

	// Load Scheduler config
	cfg.Scheduler = loadSchedulerConfig()

	// Load Observability config
	cfg.Observability = loadObservabilityConfig(cfg.App.Environment)

	// Validate
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}

	return cfg, nil
}

func loadAppConfig() AppConfig {
	env := Environment(getEnv("APP_ENV", "development"))
	timezone := getEnv("APP_TIMEZONE", "Europe/Berlin")

	loc, err := time.LoadLocation(timezone)
	if err != nil {
		loc = time.UTC
	}

	return AppConfig{
		Name:            getEnv("APP_NAME", "schulsync"),
		Environment:     env,
		Debug:           env == EnvDevelopment || getEnvBool("APP_DEBUG", false),
		Version:         getEnv("APP_VERSION", "0.1.0"),
		Timezone:        timezone,
		Location:        loc,
		Language:        getEnv("APP_LANGUAGE", "de"),
		ShutdownTimeout: getEnvDuration("APP_SHUTDOWN_TIMEOUT", 30*time.Second),
	}
}

func loadPortalConfig() PortalConfig {
	return PortalConfig{
		BaseURL:                 getEnv("PORTAL_BASE_URL", ""),
		UserAgent:               getEnv("PORTAL_USER_AGENT", ""),
		RequestTimeout:          getEnvDuration("PORTAL_REQUEST_TIMEOUT", 30*time.Second),
		RequestsPerSecond:       getEnvFloat("PORTAL_REQUESTS_PER_SECOND", 2.0),
		BurstSize:               getEnvInt("PORTAL_BURST_SIZE", 4),
		MinInterval:             getEnvDuration("PORTAL_MIN_INTERVAL", 250*time.Millisecond),
		MaxRetries:              getEnvInt("PORTAL_MAX_RETRIES", 3),
		RetryBaseDelay:          getEnvDuration("PORTAL_RETRY_BASE_DELAY", 1*time.Second),
		RetryMaxDelay:           getEnvDuration("PORTAL_RETRY_MAX_DELAY", 30*time.Second),
		CircuitBreakerThreshold: getEnvInt("PORTAL_CB_THRESHOLD", 5),
		CircuitBreakerTimeout:   getEnvDuration("PORTAL_CB_TIMEOUT", 30*time.Second),
		SchoolIDs:               getEnvInt64Slice("PORTAL_SCHOOL_IDS", nil),
		DumpDir:                 getEnv("PORTAL_DUMP_DIR", "dumps"),
	}
}

// loadAccountsConfig reads either the indexed multi-account form
// (SCHULSYNC_ACCOUNTS=2 plus SCHULSYNC_ACCOUNT_1_LOGIN, ...) or the
// single-account shorthand with the classic SCHULMANAGER_* names.
func loadAccountsConfig() ([]AccountConfig, error) {
	count := getEnvInt("SCHULSYNC_ACCOUNTS", 0)
	if count <= 0 {
		login := getEnv("SCHULMANAGER_LOGIN", "")
		if login == "" {
			return nil, nil
		}
		acc, err := loadAccountConfig("SCHULMANAGER", login)
		if err != nil {
			return nil, err
		}
		return []AccountConfig{acc}, nil
	}

	accounts := make([]AccountConfig, 0, count)
	for n := 1; n <= count; n++ {
		prefix := fmt.Sprintf("SCHULSYNC_ACCOUNT_%d", n)
		login := getEnv(prefix+"_LOGIN", "")
		if login == "" {
			return nil, fmt.Errorf("%s_LOGIN is required (SCHULSYNC_ACCOUNTS=%d)", prefix, count)
		}
		acc, err := loadAccountConfig(prefix, login)
		if err != nil {
			return nil, err
		}
		accounts = append(accounts, acc)
	}
	return accounts, nil
}

func loadAccountConfig(prefix, login string) (AccountConfig, error) {
	acc := AccountConfig{
		ID:               getEnv(prefix+"_ID", ""),
		Login:            login,
		Password:         getEnv(prefix+"_PASSWORD", ""),
		FetchSchedule:    getEnvBool(prefix+"_FETCH_SCHEDULE", true),
		FetchExams:       getEnvBool(prefix+"_FETCH_EXAMS", true),
		FetchHomework:    getEnvBool(prefix+"_FETCH_HOMEWORK", true),
		FetchGrades:      getEnvBool(prefix+"_FETCH_GRADES", true),
		WeeksAhead:       getEnvInt(prefix+"_WEEKS_AHEAD", 2),
		HighlightChanges: getEnvBool(prefix+"_HIGHLIGHT_CHANGES", true),
		HideCancelled:    getEnvBool(prefix+"_HIDE_CANCELLED", false),
		CooldownMinutes:  getEnvInt(prefix+"_COOLDOWN_MINUTES", 5),
		WriteDebugDumps:  getEnvBool(prefix+"_WRITE_DUMPS", false),
	}

	// Password resolution: explicit env first, then the OS keyring.
	if acc.Password == "" {
		pw, err := keyringGet(KeyringService, login)
		if err != nil {
			return AccountConfig{}, fmt.Errorf(
				"no password for %q: %s_PASSWORD unset and keyring lookup failed: %w",
				login, prefix, err)
		}
		acc.Password = pw
	}

	return acc, nil
}

func loadDatabaseConfig() DatabaseConfig {
	return DatabaseConfig{
		Host:            getEnv("DB_HOST", ""),
		Port:            getEnvInt("DB_PORT", 5432),
		Name:            getEnv("DB_NAME", "schulsync"),
		User:            getEnv("DB_USER", "schulsync"),
		Password:        getEnv("DB_PASSWORD", ""),
		SSLMode:         getEnv("DB_SSLMODE", "disable"),
		MaxConns:        getEnvInt("DB_MAX_CONNS", 4),
		MinConns:        getEnvInt("DB_MIN_CONNS", 1),
		ConnMaxLifetime: getEnvDuration("DB_CONN_MAX_LIFETIME", time.Hour),
		ConnMaxIdleTime: getEnvDuration("DB_CONN_MAX_IDLE_TIME", 30*time.Minute),
		ConnectTimeout:  getEnvDuration("DB_CONNECT_TIMEOUT", 10*time.Second),
	}
}

func loadRedisConfig() RedisConfig {
	return RedisConfig{
		Enabled:      getEnvBool("REDIS_ENABLED", false),
		Host:         getEnv("REDIS_HOST", "localhost"),
		Port:         getEnvInt("REDIS_PORT", 6379),
		Password:     getEnv("REDIS_PASSWORD", ""),
		DB:           getEnvInt("REDIS_DB", 0),
		PoolSize:     getEnvInt("REDIS_POOL_SIZE", 4),
		MinIdleConns: getEnvInt("REDIS_MIN_IDLE_CONNS", 1),
		DialTimeout:  getEnvDuration("REDIS_DIAL_TIMEOUT", 5*time.Second),
		ReadTimeout:  getEnvDuration("REDIS_READ_TIMEOUT", 3*time.Second),
		WriteTimeout: getEnvDuration("REDIS_WRITE_TIMEOUT", 3*time.Second),
	}
}

func loadHTTPConfig() HTTPConfig {
	return HTTPConfig{
		Enabled:            getEnvBool("HTTP_ENABLED", true),
		Host:               getEnv("HTTP_HOST", "0.0.0.0"),
		Port:               getEnvInt("HTTP_PORT", 8080),
		ReadTimeout:        getEnvDuration("HTTP_READ_TIMEOUT", 15*time.Second),
		WriteTimeout:       getEnvDuration("HTTP_WRITE_TIMEOUT", 15*time.Second),
		IdleTimeout:        getEnvDuration("HTTP_IDLE_TIMEOUT", 60*time.Second),
		EnableCORS:         getEnvBool("HTTP_ENABLE_CORS", true),
		AllowedOrigins:     getEnvStringSlice("HTTP_ALLOWED_ORIGINS", []string{"*"}),
		RateLimitPerMinute: getEnvInt("HTTP_RATE_LIMIT", 100),
	}
}

func loadSchedulerConfig() SchedulerConfig {
	return SchedulerConfig{
		Enabled:              getEnvBool("SCHEDULER_ENABLED", true),
		RefreshInterval:      getEnvDuration("SCHEDULER_REFRESH_INTERVAL", 1*time.Hour),
		PruneInterval:        getEnvDuration("SCHEDULER_PRUNE_INTERVAL", 24*time.Hour),
		JournalRetentionDays: getEnvInt("SCHEDULER_JOURNAL_RETENTION_DAYS", 90),
		RefreshConcurrency:   getEnvInt("SCHEDULER_REFRESH_CONCURRENCY", 2),
		JobTimeout:           getEnvDuration("SCHEDULER_JOB_TIMEOUT", 15*time.Minute),
	}
}

func loadObservabilityConfig(env Environment) ObservabilityConfig {
	format := getEnv("LOG_FORMAT", "")
	if format == "" {
		// JSON in production, readable text everywhere else.
		if env == EnvProduction {
			format = "json"
		} else {
			format = "text"
		}
	}

	return ObservabilityConfig{
		LogLevel:  getEnv("LOG_LEVEL", "info"),
		LogFormat: format,
	}
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	var errs []string

	// At least one account must be configured
	if len(c.Accounts) == 0 {
		errs = append(errs, "no accounts configured: set SCHULMANAGER_LOGIN or SCHULSYNC_ACCOUNTS")
	}

	seen := make(map[string]bool)
	for i, acc := range c.Accounts {
		label := fmt.Sprintf("account %d (%s)", i+1, acc.Login)
		if seen[acc.Login] {
			errs = append(errs, label+": duplicate login")
		}
		seen[acc.Login] = true

		if acc.WeeksAhead < 1 || acc.WeeksAhead > 3 {
			errs = append(errs, label+": WEEKS_AHEAD must be 1-3")
		}
		if acc.CooldownMinutes < 5 || acc.CooldownMinutes > 30 {
			errs = append(errs, label+": COOLDOWN_MINUTES must be 5-30")
		}
		if !acc.FetchSchedule && !acc.FetchExams && !acc.FetchHomework && !acc.FetchGrades {
			errs = append(errs, label+": all categories disabled")
		}
	}

	if c.App.Language != "de" && c.App.Language != "en" {
		errs = append(errs, "APP_LANGUAGE must be de or en")
	}

	if c.HTTP.Enabled && (c.HTTP.Port < 1 || c.HTTP.Port > 65535) {
		errs = append(errs, "HTTP_PORT must be 1-65535")
	}

	if c.Scheduler.Enabled && c.Scheduler.RefreshInterval < time.Minute {
		errs = append(errs, "SCHEDULER_REFRESH_INTERVAL must be at least 1m")
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration errors:\n  - %s", strings.Join(errs, "\n  - "))
	}

	return nil
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.App.Environment == EnvDevelopment
}

// IsProduction returns true if running in production mode.
func (c *Config) IsProduction() bool {
	return c.App.Environment == EnvProduction
}

// --- Helper functions for environment variable parsing ---

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvBool(key string, defaultVal bool) bool {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal
	}
	b, err := strconv.ParseBool(val)
	if err != nil {
		return defaultVal
	}
	return b
}

func getEnvInt(key string, defaultVal int) int {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal
	}
	i, err := strconv.Atoi(val)
	if err != nil {
		return defaultVal
	}
	return i
}

func getEnvFloat(key string, defaultVal float64) float64 {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal
	}
	f, err := strconv.ParseFloat(val, 64)
	if err != nil {
		return defaultVal
	}
	return f
}

func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(val)
	if err != nil {
		return defaultVal
	}
	return d
}

func getEnvStringSlice(key string, defaultVal []string) []string {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal
	}

	parts := strings.Split(val, ",")
	result := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		result = append(result, p)
	}
	return result
}

func getEnvInt64Slice(key string, defaultVal []int64) []int64 {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal
	}

	parts := strings.Split(val, ",")
	result := make([]int64, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		i, err := strconv.ParseInt(p, 10, 64)
		if err != nil {
			continue
		}
		result = append(result, i)
	}
	return result
}
