package config

import (
	"fmt"
	"math/big"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/emperorhan/cycle-governor/internal/policy"
	"gopkg.in/yaml.v3"
)

const (
	BackendMemory   = "memory"
	BackendPostgres = "postgres"
	BackendRedis    = "redis"

	VenueModeSimulated = "simulated"
	VenueModeHTTP      = "http"
)

type Config struct {
	DB         DBConfig
	Redis      RedisConfig
	Server     ServerConfig
	Log        LogConfig
	Tracing    TracingConfig
	Governor   GovernorConfig
	Autonomous AutonomousConfig
	Venue      VenueConfig
	Execute    ExecuteConfig
	Evidence   EvidenceConfig
	Alert      AlertConfig
	Chain      ChainConfig
}

type DBConfig struct {
	URL             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	// PoolStatsIntervalMS <= 0 disables the pool stats sampler.
	PoolStatsIntervalMS int
}

type RedisConfig struct {
	URL string
}

type ServerConfig struct {
	HealthPort int
	// AdminPort 0 disables the admin API.
	AdminPort  int
	AdminToken string
}

type LogConfig struct {
	Level string
}

type TracingConfig struct {
	Enabled     bool
	Endpoint    string
	Insecure    bool
	SampleRatio float64
}

type GovernorConfig struct {
	ID                 string
	ContractAddress    string
	StateBackend       string
	MaxAmountRaw       *big.Int
	Cooldown           time.Duration
	DirectCallers      []string
	EmergencyPrincipal string
}

type AutonomousConfig struct {
	Enabled         bool
	CycleID         string
	IntervalSeconds int64
	Caller          string
	AmountRaw       *big.Int
	TokenIn         string
	TokenOut        string
	RouteData       string
}

type VenueConfig struct {
	Name            string
	Mode            string
	ExecuteURL      string
	Timeout         time.Duration
	RPS             float64
	Burst           int
	BreakerFailures int
	BreakerOpen     time.Duration
	Bindings        map[string]policy.VenueBinding
}

type ExecuteConfig struct {
	ConfirmLiteral string
}

type EvidenceConfig struct {
	Dir         string
	Suite       string
	LockBackend string
	LockTTL     time.Duration
	LockKey     string
}

type AlertConfig struct {
	SlackWebhookURL string
	WebhookURL      string
	Cooldown        time.Duration
}

type ChainConfig struct {
	RPCURL         string
	RPS            float64
	Burst          int
	PollMaxElapsed time.Duration
}

func Load() (*Config, error) {
	cfg := &Config{
		DB: DBConfig{
			URL:                 getEnv("DB_URL", ""),
			MaxOpenConns:        getEnvInt("DB_MAX_OPEN_CONNS", 10),
			MaxIdleConns:        getEnvInt("DB_MAX_IDLE_CONNS", 2),
			ConnMaxLifetime:     time.Duration(getEnvInt("DB_CONN_MAX_LIFETIME_MIN", 30)) * time.Minute,
			PoolStatsIntervalMS: getEnvInt("DB_POOL_STATS_INTERVAL_MS", 5000),
		},
		Redis: RedisConfig{
			URL: getEnv("REDIS_URL", ""),
		},
		Server: ServerConfig{
			HealthPort: getEnvInt("HEALTH_PORT", 8080),
			AdminPort:  getEnvInt("ADMIN_PORT", 0),
			AdminToken: os.Getenv("ADMIN_TOKEN"),
		},
		Log: LogConfig{
			Level: getEnv("LOG_LEVEL", "info"),
		},
		Tracing: TracingConfig{
			Enabled:     getEnvBool("TRACING_ENABLED", false),
			Endpoint:    getEnv("TRACING_ENDPOINT", "localhost:4317"),
			Insecure:    getEnvBool("TRACING_INSECURE", true),
			SampleRatio: getEnvFloat("TRACING_SAMPLE_RATIO", 1.0),
		},
		Governor: GovernorConfig{
			ID:                 getEnv("GOVERNOR_ID", "governor-local"),
			ContractAddress:    getEnv("GOVERNOR_CONTRACT_ADDRESS", ""),
			StateBackend:       strings.ToLower(getEnv("GOVERNOR_STATE_BACKEND", BackendMemory)),
			Cooldown:           time.Duration(getEnvInt("GOVERNOR_COOLDOWN_SECONDS", 60)) * time.Second,
			DirectCallers:      splitList(getEnv("GOVERNOR_DIRECT_CALLERS", "")),
			EmergencyPrincipal: getEnv("GOVERNOR_EMERGENCY_PRINCIPAL", ""),
		},
		Autonomous: AutonomousConfig{
			Enabled:         getEnvBool("AUTONOMOUS_MODE", false),
			CycleID:         getEnv("AUTONOMOUS_CYCLE_ID", ""),
			IntervalSeconds: int64(getEnvInt("AUTONOMOUS_CYCLE_INTERVAL_SECONDS", 0)),
			Caller:          getEnv("AUTONOMOUS_CALLER", ""),
			TokenIn:         getEnv("AUTONOMOUS_TOKEN_IN", ""),
			TokenOut:        getEnv("AUTONOMOUS_TOKEN_OUT", ""),
			RouteData:       getEnv("AUTONOMOUS_ROUTE_DATA", ""),
		},
		Venue: VenueConfig{
			Name:            strings.ToLower(getEnv("AUTONOMOUS_EXECUTE_VENUE", "")),
			Mode:            strings.ToLower(getEnv("VENUE_MODE", VenueModeSimulated)),
			ExecuteURL:      getEnv("VENUE_EXECUTE_URL", ""),
			Timeout:         time.Duration(getEnvInt("VENUE_TIMEOUT_SEC", 30)) * time.Second,
			RPS:             getEnvFloat("VENUE_RPS", 1),
			Burst:           getEnvInt("VENUE_BURST", 1),
			BreakerFailures: getEnvInt("VENUE_BREAKER_FAILURES", 3),
			BreakerOpen:     time.Duration(getEnvInt("VENUE_BREAKER_OPEN_SEC", 300)) * time.Second,
			Bindings:        map[string]policy.VenueBinding{},
		},
		Execute: ExecuteConfig{
			ConfirmLiteral: os.Getenv("EXECUTE_CONFIRM_LITERAL"),
		},
		Evidence: EvidenceConfig{
			Dir:         getEnv("EVIDENCE_DIR", "./evidence"),
			Suite:       getEnv("EVIDENCE_SUITE", "autonomous-cycle"),
			LockBackend: strings.ToLower(getEnv("EVIDENCE_LOCK_BACKEND", BackendMemory)),
			LockTTL:     time.Duration(getEnvInt("EVIDENCE_LOCK_TTL_SEC", 120)) * time.Second,
			LockKey:     getEnv("EVIDENCE_LOCK_KEY", "governor:cycle-lock"),
		},
		Alert: AlertConfig{
			SlackWebhookURL: getEnv("ALERT_SLACK_WEBHOOK_URL", ""),
			WebhookURL:      getEnv("ALERT_WEBHOOK_URL", ""),
			Cooldown:        time.Duration(getEnvInt("ALERT_COOLDOWN_SEC", 300)) * time.Second,
		},
		Chain: ChainConfig{
			RPCURL:         getEnv("CHAIN_RPC_URL", ""),
			RPS:            getEnvFloat("CHAIN_RPC_RPS", 10),
			Burst:          getEnvInt("CHAIN_RPC_BURST", 5),
			PollMaxElapsed: time.Duration(getEnvInt("CHAIN_RECEIPT_TIMEOUT_SEC", 120)) * time.Second,
		},
	}

	var err error
	if cfg.Governor.MaxAmountRaw, err = parseAmount("GOVERNOR_MAX_AMOUNT_RAW", getEnv("GOVERNOR_MAX_AMOUNT_RAW", "1000000000")); err != nil {
		return nil, err
	}
	if cfg.Autonomous.AmountRaw, err = parseAmount("AUTONOMOUS_AMOUNT_RAW", getEnv("AUTONOMOUS_AMOUNT_RAW", "0")); err != nil {
		return nil, err
	}

	if path := getEnv("VENUE_BINDINGS_FILE", ""); path != "" {
		if err := cfg.loadBindingsFile(path); err != nil {
			return nil, err
		}
	}
	cfg.applyBindingEnv()

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if strings.TrimSpace(c.Governor.ID) == "" {
		return fmt.Errorf("GOVERNOR_ID is required")
	}
	if strings.TrimSpace(c.Governor.EmergencyPrincipal) == "" {
		return fmt.Errorf("GOVERNOR_EMERGENCY_PRINCIPAL is required")
	}
	switch c.Governor.StateBackend {
	case BackendMemory:
	case BackendPostgres:
		if c.DB.URL == "" {
			return fmt.Errorf("DB_URL is required when GOVERNOR_STATE_BACKEND=postgres")
		}
	default:
		return fmt.Errorf("GOVERNOR_STATE_BACKEND must be memory or postgres, got %q", c.Governor.StateBackend)
	}
	if c.Governor.MaxAmountRaw.Sign() <= 0 {
		return fmt.Errorf("GOVERNOR_MAX_AMOUNT_RAW must be positive")
	}
	if c.Governor.Cooldown < 0 {
		return fmt.Errorf("GOVERNOR_COOLDOWN_SECONDS must not be negative")
	}
	switch c.Venue.Mode {
	case VenueModeSimulated:
	case VenueModeHTTP:
		if c.Venue.ExecuteURL == "" {
			return fmt.Errorf("VENUE_EXECUTE_URL is required when VENUE_MODE=http")
		}
	default:
		return fmt.Errorf("VENUE_MODE must be simulated or http, got %q", c.Venue.Mode)
	}
	switch c.Evidence.LockBackend {
	case BackendMemory:
	case BackendRedis:
		if c.Redis.URL == "" {
			return fmt.Errorf("REDIS_URL is required when EVIDENCE_LOCK_BACKEND=redis")
		}
	default:
		return fmt.Errorf("EVIDENCE_LOCK_BACKEND must be memory or redis, got %q", c.Evidence.LockBackend)
	}
	if c.Evidence.LockTTL <= 0 {
		return fmt.Errorf("EVIDENCE_LOCK_TTL_SEC must be positive")
	}
	if c.Tracing.SampleRatio < 0 || c.Tracing.SampleRatio > 1 {
		return fmt.Errorf("TRACING_SAMPLE_RATIO must be within [0, 1]")
	}
	if c.Server.AdminPort > 0 && strings.TrimSpace(c.Server.AdminToken) == "" {
		return fmt.Errorf("ADMIN_TOKEN is required when ADMIN_PORT is set")
	}
	return nil
}

// CycleInterval is the scheduler period, zero when no interval is configured.
func (c *Config) CycleInterval() time.Duration {
	if c.Autonomous.IntervalSeconds <= 0 {
		return 0
	}
	return time.Duration(c.Autonomous.IntervalSeconds) * time.Second
}

// PolicyEnv is the immutable snapshot the autonomous policy gate evaluates.
func (c *Config) PolicyEnv() policy.Env {
	env := policy.Env{
		AutonomousMode:    c.Autonomous.Enabled,
		Venue:             c.Venue.Name,
		Bindings:          make(map[string]policy.VenueBinding, len(c.Venue.Bindings)),
		MaxAmountRaw:      c.Governor.MaxAmountRaw.String(),
		CooldownSeconds:   int64(c.Governor.Cooldown / time.Second),
		ConfirmLiteralSet: c.Execute.ConfirmLiteral != "",
	}
	if c.Autonomous.CycleID != "" || c.Autonomous.IntervalSeconds != 0 {
		env.Cycle = &policy.CycleConfig{ID: c.Autonomous.CycleID, IntervalSeconds: c.Autonomous.IntervalSeconds}
	}
	for name, b := range c.Venue.Bindings {
		if b.Required != nil {
			b.Required = policy.BoolPtr(*b.Required)
		}
		env.Bindings[name] = b
	}
	return env
}

type bindingsFile struct {
	Venues map[string]struct {
		Enabled  bool  `yaml:"enabled"`
		Required *bool `yaml:"required"`
		Active   bool  `yaml:"active"`
	} `yaml:"venues"`
}

func (c *Config) loadBindingsFile(path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read VENUE_BINDINGS_FILE: %w", err)
	}
	var f bindingsFile
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return fmt.Errorf("parse VENUE_BINDINGS_FILE: %w", err)
	}
	for name, v := range f.Venues {
		c.Venue.Bindings[strings.ToLower(strings.TrimSpace(name))] = policy.VenueBinding{
			Enabled:  v.Enabled,
			Required: v.Required,
			Active:   v.Active,
		}
	}
	return nil
}

// applyBindingEnv overlays VENUE_<NAME>_EXECUTE_BINDING_{ENABLED,REQUIRED,ACTIVE}
// for every venue in VENUE_BINDINGS plus the autonomous execute venue.
func (c *Config) applyBindingEnv() {
	names := splitList(getEnv("VENUE_BINDINGS", ""))
	if c.Venue.Name != "" {
		names = append(names, c.Venue.Name)
	}
	for _, name := range names {
		name = strings.ToLower(name)
		prefix := "VENUE_" + envToken(name) + "_EXECUTE_BINDING_"
		b := c.Venue.Bindings[name]
		if v, ok := lookupBool(prefix + "ENABLED"); ok {
			b.Enabled = v
		}
		if v, ok := lookupBool(prefix + "ACTIVE"); ok {
			b.Active = v
		}
		if v, ok := lookupBool(prefix + "REQUIRED"); ok {
			b.Required = policy.BoolPtr(v)
		}
		c.Venue.Bindings[name] = b
	}
}

func envToken(name string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z':
			return r - 'a' + 'A'
		case r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			return r
		default:
			return '_'
		}
	}, name)
}

func parseAmount(key, raw string) (*big.Int, error) {
	v, ok := new(big.Int).SetString(strings.TrimSpace(raw), 10)
	if !ok || v.Sign() < 0 {
		return nil, fmt.Errorf("%s must be a non-negative integer, got %q", key, raw)
	}
	return v, nil
}

func splitList(raw string) []string {
	var out []string
	for _, item := range strings.Split(raw, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return fallback
}

func getEnvFloat(key string, fallback float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	if v, ok := lookupBool(key); ok {
		return v
	}
	return fallback
}

func lookupBool(key string) (bool, bool) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return false, false
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, false
	}
	return b, true
}
