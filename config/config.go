// Package config loads the scheduler's layered configuration: a YAML
// or JSON file plus LABSCHEDULER_-prefixed environment overrides via
// github.com/spf13/viper, grounded on config/config.go's
// LoadConfig/setDefaults/validate three-step shape.
package config

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// SchedulerConfig mirrors internal/scheduler.Config's documented
// options (spec.md §6.6 "scheduler.*").
type SchedulerConfig struct {
	CheckIntervalSeconds int  `mapstructure:"check_interval_seconds"`
	MaxConcurrentJobs    int  `mapstructure:"max_concurrent_jobs"`
	StartupDelaySeconds  int  `mapstructure:"startup_delay_seconds"`
	EnableNotifications  bool `mapstructure:"enable_notifications"`
}

// ExecutorConfig mirrors internal/executor.Config's "executor.*" options.
type ExecutorConfig struct {
	VendorBinaryPath        string `mapstructure:"vendor_binary_path"`
	MethodBasePath          string `mapstructure:"method_base_path"`
	ExecutionTimeoutMinutes int    `mapstructure:"execution_timeout_minutes"`
	MaxRetryAttempts        int    `mapstructure:"max_retry_attempts"`
}

// ProcessMonitorConfig mirrors internal/processmonitor.Monitor's
// "process_monitor.*" options.
type ProcessMonitorConfig struct {
	CheckIntervalSeconds int `mapstructure:"check_interval_seconds"`
}

// StoreConfig carries the embedded store's file path ("store.path").
type StoreConfig struct {
	Path string `mapstructure:"path"`
}

// SMTPConfig mirrors internal/notify's NotificationSettings wire shape
// ("smtp.*"), with the password kept encrypted at rest.
type SMTPConfig struct {
	Host              string `mapstructure:"host"`
	Port              int    `mapstructure:"port"`
	Username          string `mapstructure:"username"`
	PasswordEncrypted string `mapstructure:"password_encrypted"`
	From              string `mapstructure:"from"`
	UseTLS            bool   `mapstructure:"use_tls"`
	UseSSL            bool   `mapstructure:"use_ssl"`
}

// InstrumentDBConfig carries the vendor database's driver/DSN
// ("instrument_db.*"); DriverName is empty when no vendor database is
// configured, in which case the scheduler runs with instrumentdb
// unavailable.
type InstrumentDBConfig struct {
	DriverName string `mapstructure:"driver"`
	DSN        string `mapstructure:"dsn"`
}

// MetricsConfig controls the /metrics, /health, /ready HTTP surface.
type MetricsConfig struct {
	Enabled bool `mapstructure:"enabled"`
	Port    int  `mapstructure:"port"`
}

// LogConfig controls the logrus-backed ambient logger.
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"` // "json" or "text"
}

// AppConfig is the fully-resolved, defaulted, validated configuration.
type AppConfig struct {
	Scheduler      SchedulerConfig      `mapstructure:"scheduler"`
	Executor       ExecutorConfig       `mapstructure:"executor"`
	ProcessMonitor ProcessMonitorConfig `mapstructure:"process_monitor"`
	Store          StoreConfig          `mapstructure:"store"`
	SMTP           SMTPConfig           `mapstructure:"smtp"`
	InstrumentDB   InstrumentDBConfig   `mapstructure:"instrument_db"`
	Metrics        MetricsConfig        `mapstructure:"metrics"`
	Log            LogConfig            `mapstructure:"log"`
}

// Load reads configFile (if non-empty) merged with
// LABSCHEDULER_-prefixed environment overrides, applies defaults, and
// validates the result. It never terminates the process; callers
// handle the returned error.
func Load(configFile string) (*AppConfig, error) {
	v := viper.New()
	v.SetEnvPrefix("LABSCHEDULER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("config: read %q: %w", configFile, err)
		}
	}

	var cfg AppConfig
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config: unmarshal: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("config: validate: %w", err)
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("scheduler.check_interval_seconds", 30)
	v.SetDefault("scheduler.max_concurrent_jobs", 1)
	v.SetDefault("scheduler.startup_delay_seconds", 10)
	v.SetDefault("scheduler.enable_notifications", true)

	v.SetDefault("executor.execution_timeout_minutes", 120)
	v.SetDefault("executor.max_retry_attempts", 5)

	v.SetDefault("process_monitor.check_interval_seconds", 5)

	v.SetDefault("store.path", "labscheduler.db")

	v.SetDefault("smtp.port", 587)
	v.SetDefault("smtp.use_tls", true)

	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.port", 8090)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
}

func (c *AppConfig) validate() error {
	if c.Scheduler.MaxConcurrentJobs < 1 {
		return fmt.Errorf("scheduler.max_concurrent_jobs must be >= 1")
	}
	if c.Executor.ExecutionTimeoutMinutes <= 0 {
		return fmt.Errorf("executor.execution_timeout_minutes must be positive")
	}
	if c.Store.Path == "" {
		return fmt.Errorf("store.path is required")
	}
	if c.SMTP.UseTLS && c.SMTP.UseSSL {
		// spec.md §4.G step 4: use_ssl wins, use_tls is cleared at send
		// time; no validation error here, notify.Dispatcher.send handles it.
		_ = struct{}{}
	}
	return nil
}

// SchedulerConfig.CheckInterval and StartupDelay, and
// ProcessMonitorConfig.CheckInterval below, convert the
// second-granularity config values to time.Duration for the
// constructors that expect one.
func (c *SchedulerConfig) CheckInterval() time.Duration {
	return time.Duration(c.CheckIntervalSeconds) * time.Second
}

func (c *SchedulerConfig) StartupDelay() time.Duration {
	return time.Duration(c.StartupDelaySeconds) * time.Second
}

func (c *ProcessMonitorConfig) CheckInterval() time.Duration {
	return time.Duration(c.CheckIntervalSeconds) * time.Second
}

// keySize is the AES-256 key length used for password-at-rest
// encryption; no example repo binds to an OS keychain, so this uses a
// machine-local key file instead (DESIGN.md justifies the stdlib-only
// choice here).
const keySize = 32

// EncryptPassword encrypts plaintext with the key at keyPath
// (generating one if it doesn't exist yet) and returns a
// base64-encoded "nonce||ciphertext" blob suitable for
// SMTPConfig.PasswordEncrypted.
func EncryptPassword(keyPath, plaintext string) (string, error) {
	key, err := loadOrCreateKey(keyPath)
	if err != nil {
		return "", err
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return "", fmt.Errorf("config: new cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", fmt.Errorf("config: new gcm: %w", err)
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("config: read nonce: %w", err)
	}
	sealed := gcm.Seal(nonce, nonce, []byte(plaintext), nil)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

// DecryptPassword reverses EncryptPassword. An empty encrypted string
// decrypts to an empty password.
func DecryptPassword(keyPath, encrypted string) (string, error) {
	if encrypted == "" {
		return "", nil
	}
	key, err := loadOrCreateKey(keyPath)
	if err != nil {
		return "", err
	}
	raw, err := base64.StdEncoding.DecodeString(encrypted)
	if err != nil {
		return "", fmt.Errorf("config: decode password: %w", err)
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return "", fmt.Errorf("config: new cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", fmt.Errorf("config: new gcm: %w", err)
	}
	if len(raw) < gcm.NonceSize() {
		return "", fmt.Errorf("config: encrypted password too short")
	}
	nonce, ciphertext := raw[:gcm.NonceSize()], raw[gcm.NonceSize():]
	plain, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return "", fmt.Errorf("config: decrypt password: %w", err)
	}
	return string(plain), nil
}

func loadOrCreateKey(keyPath string) ([]byte, error) {
	if data, err := os.ReadFile(keyPath); err == nil {
		key, decErr := base64.StdEncoding.DecodeString(strings.TrimSpace(string(data)))
		if decErr == nil && len(key) == keySize {
			return key, nil
		}
	}

	key := make([]byte, keySize)
	if _, err := io.ReadFull(rand.Reader, key); err != nil {
		return nil, fmt.Errorf("config: generate key: %w", err)
	}
	encoded := base64.StdEncoding.EncodeToString(key)
	if err := os.WriteFile(keyPath, []byte(encoded), 0600); err != nil {
		return nil, fmt.Errorf("config: write key file %q: %w", keyPath, err)
	}
	return key, nil
}
