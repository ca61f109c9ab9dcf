package config

import (
	"fmt"
	"strings"

	"github.com/caarlos0/env/v11"
)

// overrides are secrets and deployment knobs that may come from the
// environment instead of the config file.
type overrides struct {
	OneBotToken   string `env:"PEWCAST_ONEBOT_TOKEN"`
	OneBotURL     string `env:"PEWCAST_ONEBOT_URL"`
	TelegramToken string `env:"PEWCAST_TELEGRAM_TOKEN"`
	StorageURL    string `env:"PEWCAST_STORAGE_URL"`
	LogLevel      string `env:"PEWCAST_LOG_LEVEL"`
}

// ApplyEnv overwrites cfg fields with the non-empty PEWCAST_* variables.
// environ may be nil to read the process environment.
func ApplyEnv(cfg *Config, environ map[string]string) error {
	var o overrides
	var err error
	if environ == nil {
		err = env.Parse(&o)
	} else {
		err = env.ParseWithOptions(&o, env.Options{Environment: environ})
	}
	if err != nil {
		return fmt.Errorf("env: %w", err)
	}

	set := func(dst *string, v string) {
		if v = strings.TrimSpace(v); v != "" {
			*dst = v
		}
	}
	set(&cfg.Transport.OneBot.AccessToken, o.OneBotToken)
	set(&cfg.Transport.OneBot.WSURL, o.OneBotURL)
	set(&cfg.Transport.Telegram.Token, o.TelegramToken)
	set(&cfg.Storage.URL, o.StorageURL)
	set(&cfg.Logging.Level, o.LogLevel)
	return nil
}
