package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

type Config struct {
	Mode      string `mapstructure:"mode"`
	Port      int    `mapstructure:"port"`
	AgentID   string `mapstructure:"agent_id"`
	AgentName string `mapstructure:"agent_name"`

	HTTP       HTTPConfig       `mapstructure:"http"`
	Backend    BackendConfig    `mapstructure:"backend"`
	Call       CallConfig       `mapstructure:"call"`
	Retry      RetryConfig      `mapstructure:"retry"`
	Credential CredentialConfig `mapstructure:"credential"`
	Media      MediaConfig      `mapstructure:"media"`
	Phone      PhoneConfig      `mapstructure:"phone"`
	Log        LogConfig        `mapstructure:"log"`
}

type HTTPConfig struct {
	StaticPath string        `mapstructure:"static_path"`
	Secret     string        `mapstructure:"secret"`
	DialLimit  int           `mapstructure:"dial_limit"`
	DialWindow time.Duration `mapstructure:"dial_window"`
}

type BackendConfig struct {
	BaseURL        string        `mapstructure:"base_url"`
	TokenPath      string        `mapstructure:"token_path"`
	CallPath       string        `mapstructure:"call_path"`
	SignalURL      string        `mapstructure:"signal_url"`
	From           string        `mapstructure:"from"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
	PingPeriod     time.Duration `mapstructure:"ping_period"`
	STUN           []string      `mapstructure:"stun"`
}

type CallConfig struct {
	RingingTimeout    time.Duration `mapstructure:"ringing_timeout"`
	ConnectingTimeout time.Duration `mapstructure:"connecting_timeout"`
	LevelInterval     time.Duration `mapstructure:"level_interval"`
}

type RetryConfig struct {
	MaxAttempts int           `mapstructure:"max_attempts"`
	BaseDelay   time.Duration `mapstructure:"base_delay"`
}

type CredentialConfig struct {
	RenewLead    time.Duration `mapstructure:"renew_lead"`
	SafetyMargin time.Duration `mapstructure:"safety_margin"`
	DefaultTTL   time.Duration `mapstructure:"default_ttl"`
}

type MediaConfig struct {
	CapturePath  string `mapstructure:"capture_path"`
	PlaybackPath string `mapstructure:"playback_path"`
	Loop         bool   `mapstructure:"loop"`
	SampleRate   int    `mapstructure:"sample_rate"`
	Channels     int    `mapstructure:"channels"`
}

type PhoneConfig struct {
	DefaultRegion string `mapstructure:"default_region"`
}

type LogConfig struct {
	Level string `mapstructure:"level"`
	JSON  bool   `mapstructure:"json"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("mode", "release")
	v.SetDefault("port", 8080)
	v.SetDefault("agent_id", "agent")
	v.SetDefault("agent_name", "")

	v.SetDefault("http.static_path", "")
	v.SetDefault("http.secret", "")
	v.SetDefault("http.dial_limit", 10)
	v.SetDefault("http.dial_window", "1m")

	v.SetDefault("backend.base_url", "")
	v.SetDefault("backend.signal_url", "")
	v.SetDefault("backend.from", "")
	v.SetDefault("backend.token_path", "/token")
	v.SetDefault("backend.call_path", "/call")
	v.SetDefault("backend.request_timeout", "10s")
	v.SetDefault("backend.ping_period", "25s")
	v.SetDefault("backend.stun", []string{"stun:stun.l.google.com:19302"})

	v.SetDefault("call.ringing_timeout", "30s")
	v.SetDefault("call.connecting_timeout", "30s")
	v.SetDefault("call.level_interval", "200ms")

	v.SetDefault("retry.max_attempts", 3)
	v.SetDefault("retry.base_delay", "1s")

	v.SetDefault("credential.renew_lead", "60s")
	v.SetDefault("credential.safety_margin", "10s")
	v.SetDefault("credential.default_ttl", "1h")

	v.SetDefault("media.capture_path", "")
	v.SetDefault("media.playback_path", "")
	v.SetDefault("media.sample_rate", 8000)
	v.SetDefault("media.channels", 1)
	v.SetDefault("media.loop", true)

	v.SetDefault("phone.default_region", "")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.json", false)
}

// Load reads config/config.<CONFIG_ENV>.yaml, or the file named by --config,
// then applies CONSOLE_* environment overrides.
func Load(args []string) (*Config, error) {
	fs := pflag.NewFlagSet("console", pflag.ContinueOnError)
	file := fs.String("config", "", "path to a YAML config file")
	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	v := viper.New()
	v.SetConfigType("yaml")
	setDefaults(v)

	v.SetEnvPrefix("CONSOLE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	fileName := *file
	if fileName == "" {
		env := os.Getenv("CONFIG_ENV")
		if env == "" {
			env = "dev"
		}
		fileName = fmt.Sprintf("config/config.%s.yaml", env)
	}
	v.SetConfigFile(fileName)

	if err := v.ReadInConfig(); err != nil {
		if *file != "" || !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("read config %s: %w", fileName, err)
		}
		log.Warn().Str("module", "config").Str("file", fileName).Msg("config file not found, using defaults")
	} else {
		log.Info().Str("module", "config").Str("file", fileName).Msg("config loaded")
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	log.Info().
		Str("module", "config").
		Str("mode", cfg.Mode).
		Int("port", cfg.Port).
		Str("agent", cfg.AgentID).
		Str("backend", cfg.Backend.BaseURL).
		Msg("config ready")
	return &cfg, nil
}

// Validate rejects values no component can run with.
func (c *Config) Validate() error {
	var errs []error
	positive := []struct {
		key string
		d   time.Duration
	}{
		{"backend.request_timeout", c.Backend.RequestTimeout},
		{"backend.ping_period", c.Backend.PingPeriod},
		{"call.ringing_timeout", c.Call.RingingTimeout},
		{"call.connecting_timeout", c.Call.ConnectingTimeout},
		{"call.level_interval", c.Call.LevelInterval},
		{"retry.base_delay", c.Retry.BaseDelay},
		{"credential.renew_lead", c.Credential.RenewLead},
		{"credential.safety_margin", c.Credential.SafetyMargin},
		{"credential.default_ttl", c.Credential.DefaultTTL},
	}
	for _, p := range positive {
		if p.d <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive, got %s", p.key, p.d))
		}
	}
	if c.Retry.MaxAttempts < 1 {
		errs = append(errs, fmt.Errorf("retry.max_attempts must be at least 1, got %d", c.Retry.MaxAttempts))
	}
	if c.Port <= 0 || c.Port > 65535 {
		errs = append(errs, fmt.Errorf("port out of range: %d", c.Port))
	}
	if c.Media.SampleRate <= 0 || c.Media.Channels <= 0 {
		errs = append(errs, errors.New("media.sample_rate and media.channels must be positive"))
	}
	if c.AgentID == "" {
		errs = append(errs, errors.New("agent_id is required"))
	}
	return errors.Join(errs...)
}
