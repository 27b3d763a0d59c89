package ledgersync

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the full service configuration. Durations are whole seconds or
// hours so the file stays readable by operators.
type Config struct {
	Addr       string `yaml:"addr"`
	AdminToken string `yaml:"admin_token"`
	InstanceID string `yaml:"instance_id"`
	LogFormat  string `yaml:"log_format"`
	LogLevel   string `yaml:"log_level"`

	Storage        StorageConfig        `yaml:"storage"`
	Provider       ProviderConfig       `yaml:"provider"`
	Webhooks       WebhookConfig        `yaml:"webhooks"`
	Reconciliation ReconciliationConfig `yaml:"reconciliation"`
	Safety         SafetyConfig         `yaml:"safety"`
	Tiers          TierConfig           `yaml:"tiers"`
	Workers        int                  `yaml:"workers"`
}

type StorageConfig struct {
	// Profile is one of memory, durable-local, production or custom.
	Profile       string `yaml:"profile"`
	DataDir       string `yaml:"data_dir"`
	LedgerDSN     string `yaml:"ledger_dsn"`
	QueueDSN      string `yaml:"queue_dsn"`
	ProductionDSN string `yaml:"production_dsn"`
	QueueSize     int    `yaml:"queue_size"`
}

type ProviderConfig struct {
	// Kind is memory or http.
	Kind                      string `yaml:"kind"`
	BaseURL                   string `yaml:"base_url"`
	APIKey                    string `yaml:"api_key"`
	WebhookSecret             string `yaml:"webhook_secret"`
	SignatureToleranceSeconds int    `yaml:"signature_tolerance_seconds"`
	MaxRetries                int    `yaml:"max_retries"`
	ExternalCallTimeoutSecs   int    `yaml:"external_call_timeout_seconds"`
}

type WebhookConfig struct {
	MaxRetries            int   `yaml:"max_retries"`
	BackoffLadderSeconds  []int `yaml:"backoff_ladder_seconds"`
	HandlerTimeoutSeconds int   `yaml:"handler_timeout_seconds"`
	MaxKnownEvents        int   `yaml:"max_known_events"`
	MaxBodyBytes          int64 `yaml:"max_body_bytes"`
}

type ReconciliationConfig struct {
	Enabled                    bool `yaml:"enabled"`
	MinIntervalSeconds         int  `yaml:"min_interval_seconds"`
	CriticalMinIntervalSeconds int  `yaml:"critical_min_interval_seconds"`
	RecentPaymentWindowHours   int  `yaml:"recent_payment_window_hours"`
	Concurrency                int  `yaml:"concurrency"`
	AutoCorrect                bool `yaml:"auto_correct"`
	ForceCritical              bool `yaml:"force_critical"`
}

type SafetyConfig struct {
	MaxConcurrentRecoveries int `yaml:"max_concurrent_recoveries"`
	MaxRecoveryAttempts     int `yaml:"max_recovery_attempts"`
	RecoveryCooldownHours   int `yaml:"recovery_cooldown_hours"`
	MaxCorrectionsPerHour   int `yaml:"max_corrections_per_hour"`
}

type TierConfig struct {
	PriceTiers      map[string]string `yaml:"price_tiers"`
	DefaultPaidTier string            `yaml:"default_paid_tier"`
	FreeTier        string            `yaml:"free_tier"`
}

func DefaultConfig() Config {
	return Config{
		Addr:       ":8080",
		InstanceID: "ledgersync",
		LogFormat:  "text",
		LogLevel:   "info",
		Storage: StorageConfig{
			Profile:   "memory",
			DataDir:   ".ledgersync",
			QueueSize: 1024,
		},
		Provider: ProviderConfig{
			Kind:                      "memory",
			SignatureToleranceSeconds: 300,
			MaxRetries:                3,
			ExternalCallTimeoutSecs:   10,
		},
		Webhooks: WebhookConfig{
			MaxRetries:            5,
			BackoffLadderSeconds:  []int{1, 2, 5, 10, 30},
			HandlerTimeoutSeconds: 30,
			MaxKnownEvents:        10000,
			MaxBodyBytes:          1 << 20,
		},
		Reconciliation: ReconciliationConfig{
			Enabled:                    true,
			MinIntervalSeconds:         3600,
			CriticalMinIntervalSeconds: 300,
			RecentPaymentWindowHours:   24,
			Concurrency:                4,
			AutoCorrect:                true,
		},
		Safety: SafetyConfig{
			MaxConcurrentRecoveries: 5,
			MaxRecoveryAttempts:     3,
			RecoveryCooldownHours:   24,
			MaxCorrectionsPerHour:   10,
		},
		Tiers: TierConfig{
			PriceTiers:      map[string]string{},
			DefaultPaidTier: "pro",
			FreeTier:        "free",
		},
		Workers: 4,
	}
}

// LoadConfig reads path over the defaults. An empty path yields the
// defaults. Environment overrides are applied separately by ApplyEnv.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	path = strings.TrimSpace(path)
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}

// ApplyEnv overlays LEDGERSYNC_* variables. Invalid values are logged and
// ignored.
func (c *Config) ApplyEnv(getenv func(string) string) {
	if getenv == nil {
		getenv = os.Getenv
	}
	env := envReader{getenv: getenv}
	c.Addr = env.stringValue("LEDGERSYNC_ADDR", c.Addr)
	c.AdminToken = env.stringValue("LEDGERSYNC_ADMIN_TOKEN", c.AdminToken)
	c.InstanceID = env.stringValue("LEDGERSYNC_INSTANCE_ID", c.InstanceID)
	c.LogFormat = env.stringValue("LEDGERSYNC_LOG_FORMAT", c.LogFormat)
	c.LogLevel = env.stringValue("LEDGERSYNC_LOG_LEVEL", c.LogLevel)
	c.Workers = env.intValue("LEDGERSYNC_WORKERS", c.Workers)

	c.Storage.Profile = env.stringValue("LEDGERSYNC_BACKEND_PROFILE", c.Storage.Profile)
	c.Storage.DataDir = env.stringValue("LEDGERSYNC_DATA_DIR", c.Storage.DataDir)
	c.Storage.LedgerDSN = env.stringValue("LEDGERSYNC_LEDGER_DSN", c.Storage.LedgerDSN)
	c.Storage.QueueDSN = env.stringValue("LEDGERSYNC_QUEUE_DSN", c.Storage.QueueDSN)
	c.Storage.ProductionDSN = env.stringValue("LEDGERSYNC_PRODUCTION_DSN", env.stringValue("LEDGERSYNC_POSTGRES_DSN", c.Storage.ProductionDSN))
	c.Storage.QueueSize = env.intValue("LEDGERSYNC_QUEUE_SIZE", c.Storage.QueueSize)

	c.Provider.Kind = env.stringValue("LEDGERSYNC_PROVIDER", c.Provider.Kind)
	c.Provider.BaseURL = env.stringValue("LEDGERSYNC_PROVIDER_BASE_URL", c.Provider.BaseURL)
	c.Provider.APIKey = env.stringValue("LEDGERSYNC_PROVIDER_API_KEY", c.Provider.APIKey)
	c.Provider.WebhookSecret = env.stringValue("LEDGERSYNC_WEBHOOK_SECRET", c.Provider.WebhookSecret)
	c.Provider.ExternalCallTimeoutSecs = env.secondsValue("LEDGERSYNC_EXTERNAL_CALL_TIMEOUT", c.Provider.ExternalCallTimeoutSecs)

	c.Webhooks.MaxRetries = env.intValue("LEDGERSYNC_MAX_RETRIES", c.Webhooks.MaxRetries)
	c.Webhooks.BackoffLadderSeconds = env.intsValue("LEDGERSYNC_BACKOFF_LADDER_SECONDS", c.Webhooks.BackoffLadderSeconds)
	c.Webhooks.MaxBodyBytes = int64(env.intValue("LEDGERSYNC_MAX_BODY_BYTES", int(c.Webhooks.MaxBodyBytes)))

	c.Reconciliation.Enabled = env.boolValue("LEDGERSYNC_RECONCILIATION_ENABLED", c.Reconciliation.Enabled)
	c.Reconciliation.MinIntervalSeconds = env.secondsValue("LEDGERSYNC_RECONCILIATION_MIN_INTERVAL", c.Reconciliation.MinIntervalSeconds)
	c.Reconciliation.CriticalMinIntervalSeconds = env.secondsValue("LEDGERSYNC_CRITICAL_RECONCILIATION_MIN_INTERVAL", c.Reconciliation.CriticalMinIntervalSeconds)
	c.Reconciliation.AutoCorrect = env.boolValue("LEDGERSYNC_AUTO_CORRECT", c.Reconciliation.AutoCorrect)

	c.Safety.MaxConcurrentRecoveries = env.intValue("LEDGERSYNC_MAX_CONCURRENT_RECOVERIES", c.Safety.MaxConcurrentRecoveries)
	c.Safety.MaxRecoveryAttempts = env.intValue("LEDGERSYNC_MAX_RECOVERY_ATTEMPTS", c.Safety.MaxRecoveryAttempts)
	c.Safety.RecoveryCooldownHours = env.intValue("LEDGERSYNC_RECOVERY_COOLDOWN_HOURS", c.Safety.RecoveryCooldownHours)
	c.Safety.MaxCorrectionsPerHour = env.intValue("LEDGERSYNC_MAX_CORRECTIONS_PER_HOUR", c.Safety.MaxCorrectionsPerHour)
}

// Validate reports every invalid field at once.
func (c Config) Validate() error {
	var errs []error
	positive := func(name string, v int) {
		if v <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive, got %d", name, v))
		}
	}
	positive("webhooks.max_retries", c.Webhooks.MaxRetries)
	positive("reconciliation.min_interval_seconds", c.Reconciliation.MinIntervalSeconds)
	positive("reconciliation.critical_min_interval_seconds", c.Reconciliation.CriticalMinIntervalSeconds)
	positive("safety.max_concurrent_recoveries", c.Safety.MaxConcurrentRecoveries)
	positive("safety.max_recovery_attempts", c.Safety.MaxRecoveryAttempts)
	positive("safety.recovery_cooldown_hours", c.Safety.RecoveryCooldownHours)
	positive("safety.max_corrections_per_hour", c.Safety.MaxCorrectionsPerHour)
	positive("workers", c.Workers)
	if len(c.Webhooks.BackoffLadderSeconds) == 0 {
		errs = append(errs, errors.New("webhooks.backoff_ladder_seconds must not be empty"))
	}
	for i, step := range c.Webhooks.BackoffLadderSeconds {
		if step <= 0 {
			errs = append(errs, fmt.Errorf("webhooks.backoff_ladder_seconds[%d] must be positive, got %d", i, step))
		}
	}
	switch strings.ToLower(c.Provider.Kind) {
	case "memory":
	case "http":
		if strings.TrimSpace(c.Provider.BaseURL) == "" {
			errs = append(errs, errors.New("provider.base_url is required for the http provider"))
		}
		if strings.TrimSpace(c.Provider.WebhookSecret) == "" {
			errs = append(errs, errors.New("provider.webhook_secret is required for the http provider"))
		}
	default:
		errs = append(errs, fmt.Errorf("unsupported provider.kind: %s", c.Provider.Kind))
	}
	switch strings.ToLower(c.LogFormat) {
	case "", "text", "json":
	default:
		errs = append(errs, fmt.Errorf("unsupported log_format: %s", c.LogFormat))
	}
	if _, _, err := c.StorageDSNs(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// StorageDSNs resolves the ledger and queue DSNs. Explicit DSNs win over
// the profile defaults.
func (c Config) StorageDSNs() (ledgerDSN, queueDSN string, err error) {
	profile := strings.ToLower(strings.TrimSpace(c.Storage.Profile))
	dataDir := strings.TrimSpace(c.Storage.DataDir)
	if dataDir == "" {
		dataDir = ".ledgersync"
	}
	switch profile {
	case "", "custom":
	case "memory", "inmemory":
		ledgerDSN, queueDSN = "memory://", "memory://"
	case "durable-local", "local-durable":
		ledgerDSN = "sqlite://" + filepath.Join(dataDir, "ledger.db")
		queueDSN = "file://" + filepath.Join(dataDir, "task-queue.json")
	case "production", "prod":
		dsn := strings.TrimSpace(c.Storage.ProductionDSN)
		if dsn == "" {
			return "", "", fmt.Errorf("storage.production_dsn (or LEDGERSYNC_PRODUCTION_DSN) is required when the backend profile is %s", profile)
		}
		ledgerDSN, queueDSN = dsn, dsn
	default:
		return "", "", fmt.Errorf("unsupported backend profile: %s", profile)
	}
	if dsn := strings.TrimSpace(c.Storage.LedgerDSN); dsn != "" {
		ledgerDSN = dsn
	}
	if dsn := strings.TrimSpace(c.Storage.QueueDSN); dsn != "" {
		queueDSN = dsn
	}
	return ledgerDSN, queueDSN, nil
}

func (c Config) SafetyLimits() SafetyLimits {
	return SafetyLimits{
		MaxConcurrentRecoveries: c.Safety.MaxConcurrentRecoveries,
		MaxRecoveryAttempts:     c.Safety.MaxRecoveryAttempts,
		RecoveryCooldown:        time.Duration(c.Safety.RecoveryCooldownHours) * time.Hour,
		MaxCorrectionsPerHour:   c.Safety.MaxCorrectionsPerHour,
		CorrectionWindow:        time.Hour,
	}.withDefaults()
}

func (c Config) BackoffLadder() []time.Duration {
	ladder := make([]time.Duration, 0, len(c.Webhooks.BackoffLadderSeconds))
	for _, step := range c.Webhooks.BackoffLadderSeconds {
		ladder = append(ladder, time.Duration(step)*time.Second)
	}
	return ladder
}

func (c Config) TierMapping() TierMapping {
	return TierMapping{
		PriceTiers:      c.Tiers.PriceTiers,
		DefaultPaidTier: c.Tiers.DefaultPaidTier,
		FreeTier:        c.Tiers.FreeTier,
	}.withDefaults()
}

func (c Config) ExternalCallTimeout() time.Duration {
	return secondsOr(c.Provider.ExternalCallTimeoutSecs, 10*time.Second)
}

// NewLogger builds the slog logger described by LogFormat and LogLevel.
func (c Config) NewLogger(out io.Writer) *slog.Logger {
	if out == nil {
		out = os.Stderr
	}
	var level slog.Level
	if err := level.UnmarshalText([]byte(strings.TrimSpace(c.LogLevel))); err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if strings.EqualFold(c.LogFormat, "json") {
		return slog.New(slog.NewJSONHandler(out, opts))
	}
	return slog.New(slog.NewTextHandler(out, opts))
}

func secondsOr(seconds int, fallback time.Duration) time.Duration {
	if seconds <= 0 {
		return fallback
	}
	return time.Duration(seconds) * time.Second
}

type envReader struct {
	getenv func(string) string
}

func (e envReader) stringValue(name, fallback string) string {
	if raw := strings.TrimSpace(e.getenv(name)); raw != "" {
		return raw
	}
	return fallback
}

func (e envReader) intValue(name string, fallback int) int {
	raw := strings.TrimSpace(e.getenv(name))
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		slog.Warn("invalid integer environment value, using fallback", "name", name, "value", raw, "fallback", fallback)
		return fallback
	}
	return value
}

func (e envReader) boolValue(name string, fallback bool) bool {
	raw := strings.TrimSpace(e.getenv(name))
	if raw == "" {
		return fallback
	}
	value, err := strconv.ParseBool(raw)
	if err != nil {
		slog.Warn("invalid boolean environment value, using fallback", "name", name, "value", raw, "fallback", fallback)
		return fallback
	}
	return value
}

// secondsValue accepts either a Go duration ("90s", "1h") or bare seconds.
func (e envReader) secondsValue(name string, fallback int) int {
	raw := strings.TrimSpace(e.getenv(name))
	if raw == "" {
		return fallback
	}
	if value, err := strconv.Atoi(raw); err == nil {
		return value
	}
	value, err := time.ParseDuration(raw)
	if err != nil {
		slog.Warn("invalid duration environment value, using fallback", "name", name, "value", raw, "fallback_seconds", fallback)
		return fallback
	}
	return int(value / time.Second)
}

func (e envReader) intsValue(name string, fallback []int) []int {
	raw := strings.TrimSpace(e.getenv(name))
	if raw == "" {
		return fallback
	}
	parts := strings.Split(raw, ",")
	values := make([]int, 0, len(parts))
	for _, part := range parts {
		value, err := strconv.Atoi(strings.TrimSpace(part))
		if err != nil {
			slog.Warn("invalid integer list environment value, using fallback", "name", name, "value", raw)
			return fallback
		}
		values = append(values, value)
	}
	return values
}
