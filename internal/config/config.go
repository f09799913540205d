package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"

	"github.com/dkeye/classchat/internal/adapters/ws"
	"github.com/dkeye/classchat/internal/app"
)

const envPrefix = "CLASSCHAT"

type Config struct {
	Mode     string `mapstructure:"mode"`
	Port     int    `mapstructure:"port"`
	Secret   string `mapstructure:"secret"`
	LogLevel string `mapstructure:"log_level"`

	Endpoint    string `mapstructure:"endpoint"`
	Credential  string `mapstructure:"credential"`
	UserID      string `mapstructure:"user_id"`
	DisplayName string `mapstructure:"display_name"`

	HandshakeTimeout  time.Duration `mapstructure:"handshake_timeout"`
	AckTimeout        time.Duration `mapstructure:"ack_timeout"`
	BackoffBase       time.Duration `mapstructure:"backoff_base"`
	BackoffMax        time.Duration `mapstructure:"backoff_max"`
	BackoffMultiplier float64       `mapstructure:"backoff_multiplier"`
	BackoffJitter     float64       `mapstructure:"backoff_jitter"`

	OutboxCapacity   int           `mapstructure:"outbox_capacity"`
	OverflowPolicy   string        `mapstructure:"overflow_policy"`
	ResumeDelay      time.Duration `mapstructure:"resume_delay"`
	ReceiptRetention time.Duration `mapstructure:"receipt_retention"`
	ReceiptBuffer    int           `mapstructure:"receipt_buffer"`

	ReadLimit  int64         `mapstructure:"read_limit"`
	PingPeriod time.Duration `mapstructure:"ping_period"`
	SendBuffer int           `mapstructure:"send_buffer"`
	SendRate   float64       `mapstructure:"send_rate"`

	// PanelRate and PanelBurst throttle mutating panel calls per viewer.
	PanelRate  float64 `mapstructure:"panel_rate"`
	PanelBurst int     `mapstructure:"panel_burst"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("mode", "release")
	v.SetDefault("port", 8080)
	v.SetDefault("secret", "classchat-dev-secret")
	v.SetDefault("log_level", "info")

	v.SetDefault("endpoint", "ws://localhost:9000/ws")
	v.SetDefault("credential", "")
	v.SetDefault("user_id", "")
	v.SetDefault("display_name", "")

	v.SetDefault("handshake_timeout", "10s")
	v.SetDefault("ack_timeout", "10s")
	v.SetDefault("backoff_base", "500ms")
	v.SetDefault("backoff_max", "30s")
	v.SetDefault("backoff_multiplier", 2.0)
	v.SetDefault("backoff_jitter", 0.2)

	v.SetDefault("outbox_capacity", 100)
	v.SetDefault("overflow_policy", "reject_newest")
	v.SetDefault("resume_delay", "200ms")
	v.SetDefault("receipt_retention", "1m")
	v.SetDefault("receipt_buffer", 256)

	v.SetDefault("read_limit", 1<<20)
	v.SetDefault("ping_period", "54s")
	v.SetDefault("send_buffer", 64)
	v.SetDefault("send_rate", 30.0)

	v.SetDefault("panel_rate", 10.0)
	v.SetDefault("panel_burst", 20)
}

// Load reads config/config.<CONFIG_ENV>.yaml, then CLASSCHAT_* environment
// overrides. A .env file in the working directory is loaded first if present.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		log.Warn().Str("module", "config").Err(err).Msg(".env not loaded")
	}

	env := os.Getenv("CONFIG_ENV")
	if env == "" {
		env = "dev"
	}
	return load(fmt.Sprintf("config/config.%s.yaml", env))
}

func load(fileName string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	v.SetConfigFile(fileName)
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		log.Warn().Str("module", "config").Str("file", fileName).Msg("config file not found, using defaults")
	} else {
		log.Info().Str("module", "config").Str("file", fileName).Msg("loaded config")
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if _, err := app.PolicyByName(cfg.OverflowPolicy); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	log.Info().Str("module", "config").Str("mode", cfg.Mode).Int("port", cfg.Port).
		Str("endpoint", cfg.Endpoint).Msg("config ready")
	return &cfg, nil
}

func (c *Config) Manager() app.ManagerConfig {
	return app.ManagerConfig{
		Endpoint:          c.Endpoint,
		HandshakeTimeout:  c.HandshakeTimeout,
		BackoffBase:       c.BackoffBase,
		BackoffMax:        c.BackoffMax,
		BackoffMultiplier: c.BackoffMultiplier,
		BackoffJitter:     c.BackoffJitter,
	}
}

// Pipeline builds the send pipeline settings; the policy name was checked by Load.
func (c *Config) Pipeline() app.PipelineConfig {
	policy, _ := app.PolicyByName(c.OverflowPolicy)
	return app.PipelineConfig{
		AckTimeout:     c.AckTimeout,
		OutboxCapacity: c.OutboxCapacity,
		Policy:         policy,
		ResumeDelay:    c.ResumeDelay,
	}
}

func (c *Config) Router() app.RouterConfig {
	return app.RouterConfig{
		ReceiptRetention: c.ReceiptRetention,
		ReceiptBuffer:    c.ReceiptBuffer,
	}
}

func (c *Config) Transport() ws.Config {
	return ws.Config{
		HandshakeTimeout: c.HandshakeTimeout,
		ReadLimit:        c.ReadLimit,
		PingPeriod:       c.PingPeriod,
		SendBuffer:       c.SendBuffer,
		SendRate:         c.SendRate,
	}
}
