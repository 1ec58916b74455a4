package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"

	"github.com/xtding233/reindeer-gacha/internal/presence"
	"github.com/xtding233/reindeer-gacha/internal/reward"
	"github.com/xtding233/reindeer-gacha/internal/twitch"
)

// Config is every runtime setting of the server.
type Config struct {
	HTTPAddr string `env:"REINDEER_HTTP_ADDR" envDefault:":3000"`
	GRPCAddr string `env:"REINDEER_GRPC_ADDR" envDefault:":3001"`

	StoreDriver string `env:"REINDEER_STORE_DRIVER" envDefault:"sqlite"`
	StoreDSN    string `env:"REINDEER_STORE_DSN" envDefault:"./data/reindeer.db"`

	ConfigDir      string        `env:"REINDEER_CONFIG_DIR" envDefault:"./config"`
	RatesEvent     string        `env:"REINDEER_RATES_EVENT"`
	ReloadInterval time.Duration `env:"REINDEER_RELOAD_INTERVAL" envDefault:"5s"`

	PresenceInterval time.Duration `env:"REINDEER_PRESENCE_INTERVAL" envDefault:"20s"`
	GraceWindow      time.Duration `env:"REINDEER_GRACE_WINDOW" envDefault:"120s"`
	FetchTimeout     time.Duration `env:"REINDEER_FETCH_TIMEOUT" envDefault:"10s"`
	SyncStagger      time.Duration `env:"REINDEER_SYNC_STAGGER" envDefault:"200ms"`
	KeepOnDismiss    bool          `env:"REINDEER_KEEP_ON_DISMISS" envDefault:"false"`

	WriteAttempts uint          `env:"REINDEER_WRITE_ATTEMPTS" envDefault:"3"`
	RetryInterval time.Duration `env:"REINDEER_RETRY_INTERVAL" envDefault:"100ms"`
	MaxWishRunes  int           `env:"REINDEER_MAX_WISH_RUNES" envDefault:"200"`

	Twitch TwitchEnv `envPrefix:"TWITCH_"`
}

type TwitchEnv struct {
	ClientID        string `env:"CLIENT_ID"`
	UserAccessToken string `env:"USER_ACCESS_TOKEN"`
	ChannelName     string `env:"CHANNEL_NAME"`
	APIBase         string `env:"API_BASE" envDefault:"https://api.twitch.tv/helix"`
}

// Load reads Config from the process environment.
func Load() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	return cfg, cfg.validate()
}

// LoadFrom reads Config from vars instead of the process environment.
func LoadFrom(vars map[string]string) (Config, error) {
	var cfg Config
	if err := env.ParseWithOptions(&cfg, env.Options{Environment: vars}); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	return cfg, cfg.validate()
}

func (c Config) validate() error {
	switch c.StoreDriver {
	case "sqlite", "postgres", "memory":
	default:
		return fmt.Errorf("REINDEER_STORE_DRIVER must be sqlite, postgres or memory, got %q", c.StoreDriver)
	}
	if c.PresenceInterval <= 0 || c.FetchTimeout <= 0 {
		return fmt.Errorf("presence interval and fetch timeout must be positive")
	}
	if c.GraceWindow < 0 || c.SyncStagger < 0 {
		return fmt.Errorf("grace window and sync stagger must not be negative")
	}
	if c.WriteAttempts == 0 {
		return fmt.Errorf("REINDEER_WRITE_ATTEMPTS must be >= 1")
	}
	return nil
}

func (c Config) Presence() presence.Config {
	return presence.Config{
		Interval:            c.PresenceInterval,
		Grace:               c.GraceWindow,
		FetchTimeout:        c.FetchTimeout,
		Stagger:             c.SyncStagger,
		KeepEntityOnDismiss: c.KeepOnDismiss,
	}
}

func (c Config) Reward() reward.Config {
	return reward.Config{
		WriteAttempts: c.WriteAttempts,
		RetryInterval: c.RetryInterval,
		MaxWishRunes:  c.MaxWishRunes,
	}
}

func (c Config) TwitchCredentials() twitch.Credentials {
	return twitch.Credentials{
		ClientID:        c.Twitch.ClientID,
		UserAccessToken: c.Twitch.UserAccessToken,
		ChannelName:     c.Twitch.ChannelName,
		APIBase:         c.Twitch.APIBase,
	}
}
