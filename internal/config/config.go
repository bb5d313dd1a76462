package config

import (
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config top-level struct
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Postgres  PostgresConfig  `yaml:"postgres"`
	Redis     RedisConfig     `yaml:"redis"`
	Kafka     KafkaConfig     `yaml:"kafka"`
	RateLimit RateLimitConfig `yaml:"ratelimit"`
	Providers ProvidersConfig `yaml:"providers"`
	Locks     LocksConfig     `yaml:"locks"`
	Env       string          `yaml:"env"`
}

// Production reports whether the service runs against live providers.
// Retry windows widen in production to absorb provider processing lag, and
// the simulated-settlement branch only runs outside it.
func (c *Config) Production() bool { return c.Env == "production" }

type ServerConfig struct {
	Port int `yaml:"port"`
}

type PostgresConfig struct {
	DSN string `yaml:"dsn"`
}

type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

type KafkaConfig struct {
	Brokers []string `yaml:"brokers"`
	Topic   string   `yaml:"topic"`
}

type RateLimitConfig struct {
	RPS   int `yaml:"rps"`
	Burst int `yaml:"burst"`
}

// ProviderConfig holds one provider's webhook secret and API base URL.
type ProviderConfig struct {
	BaseURL       string `yaml:"base_url"`
	WebhookSecret string `yaml:"webhook_secret"`
}

type ProvidersConfig struct {
	Custody ProviderConfig `yaml:"custody"`
	Payout  ProviderConfig `yaml:"payout"`
}

// LockPolicyConfig tunes one lock tier. TTL is a deadlock-safety net, not a
// cancellation signal.
type LockPolicyConfig struct {
	TTL        time.Duration `yaml:"ttl"`
	Retries    int           `yaml:"retries"`
	RetryDelay time.Duration `yaml:"retry_delay"`
}

// UnmarshalYAML accepts durations in time.ParseDuration form ("30s",
// "200ms").
func (p *LockPolicyConfig) UnmarshalYAML(value *yaml.Node) error {
	var raw struct {
		TTL        string `yaml:"ttl"`
		Retries    int    `yaml:"retries"`
		RetryDelay string `yaml:"retry_delay"`
	}
	if err := value.Decode(&raw); err != nil {
		return err
	}
	p.Retries = raw.Retries
	if raw.TTL != "" {
		d, err := time.ParseDuration(raw.TTL)
		if err != nil {
			return err
		}
		p.TTL = d
	}
	if raw.RetryDelay != "" {
		d, err := time.ParseDuration(raw.RetryDelay)
		if err != nil {
			return err
		}
		p.RetryDelay = d
	}
	return nil
}

type LocksConfig struct {
	Wallet   LockPolicyConfig `yaml:"wallet"`
	Exchange LockPolicyConfig `yaml:"exchange"`
}

// Load reads yaml file
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}
	// override DSN password and webhook secrets from env if present
	if pw := os.Getenv("POSTGRES_PASSWORD"); pw != "" {
		cfg.Postgres.DSN = cfg.Postgres.DSN + " password=" + pw
	}
	if s := os.Getenv("CUSTODY_WEBHOOK_SECRET"); s != "" {
		cfg.Providers.Custody.WebhookSecret = s
	}
	if s := os.Getenv("PAYOUT_WEBHOOK_SECRET"); s != "" {
		cfg.Providers.Payout.WebhookSecret = s
	}
	cfg.applyLockDefaults()
	return &cfg, nil
}

func (c *Config) applyLockDefaults() {
	if c.Locks.Wallet.TTL == 0 {
		c.Locks.Wallet.TTL = 30 * time.Second
	}
	if c.Locks.Wallet.Retries == 0 {
		c.Locks.Wallet.Retries = 5
	}
	if c.Locks.Wallet.RetryDelay == 0 {
		c.Locks.Wallet.RetryDelay = 200 * time.Millisecond
	}
	if c.Locks.Exchange.TTL == 0 {
		c.Locks.Exchange.TTL = 240 * time.Second
	}
	if c.Locks.Exchange.Retries == 0 {
		c.Locks.Exchange.Retries = 20
	}
	if c.Locks.Exchange.RetryDelay == 0 {
		c.Locks.Exchange.RetryDelay = 500 * time.Millisecond
	}
}
