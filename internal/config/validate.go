package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"pewcast/internal/transport"
)

// Normalize fills derived defaults in place.
func (c *Config) Normalize() {
	c.Transport.Kind = strings.ToLower(strings.TrimSpace(c.Transport.Kind))
	if c.Transport.Kind == "" {
		c.Transport.Kind = TransportOneBot
	}
	c.Storage.Driver = strings.ToLower(strings.TrimSpace(c.Storage.Driver))
	for i := range c.Schedules {
		c.Schedules[i].Name = strings.TrimSpace(c.Schedules[i].Name)
	}
}

// Validate reports every problem found, joined. Schedule specs are checked
// by the scheduler itself.
func (c *Config) Validate() error {
	var errs []error
	add := func(err error) {
		if err != nil {
			errs = append(errs, err)
		}
	}
	dur := func(path, raw string) time.Duration {
		d, err := ParseDurationField(path, raw)
		add(err)
		return d
	}

	switch c.Transport.Kind {
	case TransportOneBot:
		if strings.TrimSpace(c.Transport.OneBot.WSURL) == "" {
			add(errors.New("transport.onebot.ws_url: required"))
		}
	case TransportTelegram:
		if strings.TrimSpace(c.Transport.Telegram.Token) == "" {
			add(errors.New("transport.telegram.token: required (or PEWCAST_TELEGRAM_TOKEN)"))
		}
		for i, ch := range c.Transport.Telegram.Chats {
			if strings.TrimSpace(ch.ID) == "" {
				add(fmt.Errorf("transport.telegram.chats[%d].id: required", i))
			}
		}
	default:
		add(fmt.Errorf("transport.kind: unknown %q (want onebot or telegram)", c.Transport.Kind))
	}
	dur("transport.onebot.reconnect_interval", c.Transport.OneBot.ReconnectInterval)
	dur("transport.onebot.request_timeout", c.Transport.OneBot.RequestTimeout)
	dur("transport.telegram.poll_timeout", c.Transport.Telegram.PollTimeout)

	pmin := dur("broadcast.pace_min", c.Broadcast.PaceMin)
	pmax := dur("broadcast.pace_max", c.Broadcast.PaceMax)
	if pmin > 0 && pmax > 0 && pmin > pmax {
		add(fmt.Errorf("broadcast: pace_min %s exceeds pace_max %s", pmin, pmax))
	}
	dur("broadcast.recall_delay", c.Broadcast.RecallDelay)
	dur("broadcast.status_ttl", c.Broadcast.StatusTTL)
	if tz := strings.TrimSpace(c.Broadcast.Timezone); tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			add(fmt.Errorf("broadcast.timezone: %w", err))
		}
	}

	switch c.Storage.Driver {
	case "", "none":
	case "file", "sqlite":
		if strings.TrimSpace(c.Storage.Path) == "" {
			add(fmt.Errorf("storage.path: required for driver %q", c.Storage.Driver))
		}
	case "redis":
		if strings.TrimSpace(c.Storage.URL) == "" {
			add(errors.New("storage.url: required for driver redis (or PEWCAST_STORAGE_URL)"))
		}
	default:
		add(fmt.Errorf("storage.driver: unknown %q", c.Storage.Driver))
	}
	dur("storage.busy_timeout", c.Storage.BusyTimeout)

	for i, key := range c.Targets.Blocked {
		if _, err := transport.ParseTarget(key); err != nil {
			add(fmt.Errorf("targets.blocked[%d]: %w", i, err))
		}
	}

	seen := map[string]bool{}
	for i, s := range c.Schedules {
		switch {
		case s.Name == "":
			add(fmt.Errorf("schedules[%d].name: required", i))
		case seen[s.Name]:
			add(fmt.Errorf("schedules[%d].name: duplicate %q", i, s.Name))
		}
		seen[s.Name] = true
		if strings.TrimSpace(s.Spec) == "" {
			add(fmt.Errorf("schedules[%d].spec: required", i))
		}
		if strings.TrimSpace(s.Text) == "" {
			add(fmt.Errorf("schedules[%d].text: required", i))
		}
	}
	return errors.Join(errs...)
}
