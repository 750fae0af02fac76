package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v2"
)

// EnvPrefix namespaces every environment variable, e.g. LICENSEHUB_SERVER_PORT
const EnvPrefix = "LICENSEHUB"

// Config represents the complete application configuration
type Config struct {
	Server    ServerConfig    `yaml:"server" envconfig:"SERVER"`
	Security  SecurityConfig  `yaml:"security" envconfig:"SECURITY"`
	Logging   LoggingConfig   `yaml:"logging" envconfig:"LOGGING"`
	Token     TokenConfig     `yaml:"token" envconfig:"TOKEN"`
	Fraud     FraudConfig     `yaml:"fraud" envconfig:"FRAUD"`
	License   LicenseConfig   `yaml:"license" envconfig:"LICENSE"`
	Storage   StorageConfig   `yaml:"storage" envconfig:"STORAGE"`
	Redis     RedisConfig     `yaml:"redis" envconfig:"REDIS"`
	Telemetry TelemetryConfig `yaml:"telemetry" envconfig:"TELEMETRY"`
}

// ServerConfig contains HTTP server configuration
type ServerConfig struct {
	Host            string        `yaml:"host" envconfig:"HOST"`
	Port            int           `yaml:"port" envconfig:"PORT"`
	ReadTimeout     time.Duration `yaml:"read_timeout" envconfig:"READ_TIMEOUT"`
	WriteTimeout    time.Duration `yaml:"write_timeout" envconfig:"WRITE_TIMEOUT"`
	IdleTimeout     time.Duration `yaml:"idle_timeout" envconfig:"IDLE_TIMEOUT"`
	MaxHeaderBytes  int           `yaml:"max_header_bytes" envconfig:"MAX_HEADER_BYTES"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" envconfig:"SHUTDOWN_TIMEOUT"`
	RequestTimeout  time.Duration `yaml:"request_timeout" envconfig:"REQUEST_TIMEOUT"`
}

// Addr returns host:port
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// SecurityConfig contains security-related configuration
type SecurityConfig struct {
	AllowedOrigins []string        `yaml:"allowed_origins" envconfig:"ALLOWED_ORIGINS"`
	AdminToken     string          `yaml:"admin_token" envconfig:"ADMIN_TOKEN"`
	RateLimit      RateLimitConfig `yaml:"rate_limit" envconfig:"RATE_LIMIT"`
}

// RateLimitConfig limits requests per client on the device endpoints
type RateLimitConfig struct {
	Enabled  bool          `yaml:"enabled" envconfig:"ENABLED"`
	Requests int           `yaml:"requests" envconfig:"REQUESTS"`
	Window   time.Duration `yaml:"window" envconfig:"WINDOW"`
	Burst    int           `yaml:"burst" envconfig:"BURST"`
	// AddressFactor scales the bucket shared by all devices behind one
	// client address
	AddressFactor int `yaml:"address_factor" envconfig:"ADDRESS_FACTOR"`
}

// LoggingConfig contains logging configuration
type LoggingConfig struct {
	Level       string `yaml:"level" envconfig:"LEVEL"`
	Format      string `yaml:"format" envconfig:"FORMAT"`
	Output      string `yaml:"output" envconfig:"OUTPUT"`
	FilePath    string `yaml:"file_path" envconfig:"FILE_PATH"`
	Development bool   `yaml:"development" envconfig:"DEVELOPMENT"`
}

// TokenConfig configures activation token signing
type TokenConfig struct {
	Secret string        `yaml:"secret" envconfig:"SECRET"`
	Salt   string        `yaml:"salt" envconfig:"SALT"`
	Issuer string        `yaml:"issuer" envconfig:"ISSUER"`
	TTL    time.Duration `yaml:"ttl" envconfig:"TTL"`
}

// FraudConfig holds the fraud scoring constants
type FraudConfig struct {
	Window             time.Duration `yaml:"window" envconfig:"WINDOW"`
	HammeringThreshold int           `yaml:"hammering_threshold" envconfig:"HAMMERING_THRESHOLD"`
	HammeringWeight    int           `yaml:"hammering_weight" envconfig:"HAMMERING_WEIGHT"`
	IPChurnThreshold   int           `yaml:"ip_churn_threshold" envconfig:"IP_CHURN_THRESHOLD"`
	IPChurnWeight      int           `yaml:"ip_churn_weight" envconfig:"IP_CHURN_WEIGHT"`
	DeviceReuseWeight  int           `yaml:"device_reuse_weight" envconfig:"DEVICE_REUSE_WEIGHT"`
	FlagScore          int           `yaml:"flag_score" envconfig:"FLAG_SCORE"`
	BlockScore         int           `yaml:"block_score" envconfig:"BLOCK_SCORE"`
	LookupTimeout      time.Duration `yaml:"lookup_timeout" envconfig:"LOOKUP_TIMEOUT"`
}

// LicenseConfig holds license lifecycle settings
type LicenseConfig struct {
	GracePeriod       time.Duration `yaml:"grace_period" envconfig:"GRACE_PERIOD"`
	DefaultMaxDevices int           `yaml:"default_max_devices" envconfig:"DEFAULT_MAX_DEVICES"`
	KeyAttempts       int           `yaml:"key_attempts" envconfig:"KEY_ATTEMPTS"`
}

// StorageConfig selects the persistence backend
type StorageConfig struct {
	Driver            string        `yaml:"driver" envconfig:"DRIVER"`
	DSN               string        `yaml:"dsn" envconfig:"DSN"`
	ActivityRetention time.Duration `yaml:"activity_retention" envconfig:"ACTIVITY_RETENTION"`
	PruneInterval     time.Duration `yaml:"prune_interval" envconfig:"PRUNE_INTERVAL"`
}

// RedisConfig enables the Redis fraud history backend
type RedisConfig struct {
	Enabled   bool   `yaml:"enabled" envconfig:"ENABLED"`
	URL       string `yaml:"url" envconfig:"URL"`
	KeyPrefix string `yaml:"key_prefix" envconfig:"KEY_PREFIX"`
}

// TelemetryConfig contains OpenTelemetry settings
type TelemetryConfig struct {
	ServiceName    string  `yaml:"service_name" envconfig:"SERVICE_NAME"`
	Environment    string  `yaml:"environment" envconfig:"ENVIRONMENT"`
	TracingEnabled bool    `yaml:"tracing_enabled" envconfig:"TRACING_ENABLED"`
	MetricsEnabled bool    `yaml:"metrics_enabled" envconfig:"METRICS_ENABLED"`
	SampleRate     float64 `yaml:"sample_rate" envconfig:"SAMPLE_RATE"`
}

// Load builds the configuration from defaults, then an optional YAML file,
// then environment variables. Later sources win. An empty path falls back
// to LICENSEHUB_CONFIG_FILE and then the usual locations.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path == "" {
		path = getConfigFilePath()
	}
	if path != "" {
		if err := loadFromFile(path, cfg); err != nil {
			return nil, fmt.Errorf("failed to load config from file: %w", err)
		}
	}

	if err := envconfig.Process(EnvPrefix, cfg); err != nil {
		return nil, fmt.Errorf("failed to load config from env: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

// loadFromFile overlays a YAML file onto cfg
func loadFromFile(filePath string, cfg *Config) error {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return err
	}
	return yaml.UnmarshalStrict(data, cfg)
}

// getConfigFilePath returns the path to the config file
func getConfigFilePath() string {
	if p := os.Getenv(EnvPrefix + "_CONFIG_FILE"); p != "" {
		return p
	}

	locations := []string{
		"licensehub.yaml",
		"configs/licensehub.yaml",
	}
	for _, location := range locations {
		if _, err := os.Stat(location); err == nil {
			return location
		}
	}
	return ""
}

// validate validates the configuration
func (c *Config) validate() error {
	var errs []error

	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("invalid server port: %d", c.Server.Port))
	}
	if c.Server.ReadTimeout <= 0 || c.Server.WriteTimeout <= 0 {
		errs = append(errs, errors.New("server read and write timeouts must be positive"))
	}

	if len(c.Token.Secret) < MinTokenSecretLength {
		errs = append(errs, fmt.Errorf("token secret must be at least %d bytes", MinTokenSecretLength))
	}
	if c.Token.TTL <= 0 {
		errs = append(errs, errors.New("token ttl must be positive"))
	}

	if c.Security.RateLimit.Enabled && (c.Security.RateLimit.Requests <= 0 || c.Security.RateLimit.Window <= 0) {
		errs = append(errs, errors.New("rate limit requires positive requests and window"))
	}

	f := c.Fraud
	if f.Window <= 0 {
		errs = append(errs, errors.New("fraud window must be positive"))
	}
	if f.FlagScore <= 0 || f.BlockScore <= f.FlagScore || f.BlockScore > 100 {
		errs = append(errs, fmt.Errorf("fraud scores need 0 < flag (%d) < block (%d) <= 100", f.FlagScore, f.BlockScore))
	}
	if f.HammeringThreshold <= 0 || f.IPChurnThreshold <= 0 {
		errs = append(errs, errors.New("fraud thresholds must be positive"))
	}

	if c.License.GracePeriod < 0 {
		errs = append(errs, errors.New("grace period cannot be negative"))
	}
	if c.License.DefaultMaxDevices < 0 {
		errs = append(errs, errors.New("default max devices cannot be negative"))
	}

	switch c.Storage.Driver {
	case StorageMemory:
	case StorageSQLite:
		if c.Storage.DSN == "" {
			errs = append(errs, errors.New("sqlite storage requires a dsn"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown storage driver %q", c.Storage.Driver))
	}

	if c.Redis.Enabled && c.Redis.URL == "" {
		errs = append(errs, errors.New("redis enabled without url"))
	}

	switch c.Logging.Output {
	case "console", "file", "both":
	default:
		errs = append(errs, fmt.Errorf("unknown logging output %q", c.Logging.Output))
	}
	if c.Logging.Output != "console" && c.Logging.FilePath == "" {
		errs = append(errs, errors.New("file logging requires file_path"))
	}

	return errors.Join(errs...)
}

// Default returns default configuration. The token secret is left empty and
// must be supplied.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Port:            8080,
			ReadTimeout:     15 * time.Second,
			WriteTimeout:    15 * time.Second,
			IdleTimeout:     60 * time.Second,
			MaxHeaderBytes:  1 << 20,
			ShutdownTimeout: 30 * time.Second,
			RequestTimeout:  10 * time.Second,
		},
		Security: SecurityConfig{
			AllowedOrigins: []string{"http://localhost:8080"},
			RateLimit: RateLimitConfig{
				Enabled:  true,
				Requests: DefaultRateLimitRequests,
				Window:   time.Hour,
				Burst:    DefaultRateLimitBurst,

				AddressFactor: DefaultRateLimitAddressFactor,
			},
		},
		Logging: LoggingConfig{
			Level:    "info",
			Format:   "json",
			Output:   "console",
			FilePath: "logs/licensehub.log",
		},
		Token: TokenConfig{
			Issuer: AppName,
			TTL:    DefaultTokenTTL,
		},
		Fraud: FraudConfig{
			Window:             24 * time.Hour,
			HammeringThreshold: 5,
			HammeringWeight:    40,
			IPChurnThreshold:   3,
			IPChurnWeight:      30,
			DeviceReuseWeight:  35,
			FlagScore:          30,
			BlockScore:         70,
			LookupTimeout:      2 * time.Second,
		},
		License: LicenseConfig{
			GracePeriod:       DefaultGracePeriod,
			DefaultMaxDevices: 3,
			KeyAttempts:       10,
		},
		Storage: StorageConfig{
			Driver:            StorageMemory,
			ActivityRetention: 7 * 24 * time.Hour,
			PruneInterval:     time.Hour,
		},
		Redis: RedisConfig{
			KeyPrefix: "lh",
		},
		Telemetry: TelemetryConfig{
			ServiceName:    AppName,
			Environment:    "development",
			TracingEnabled: false,
			MetricsEnabled: true,
			SampleRate:     1.0,
		},
	}
}
