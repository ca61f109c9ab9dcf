package app

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"pewcast/internal/config"
	"pewcast/internal/services/broadcast"
	"pewcast/internal/services/schedule"
	"pewcast/internal/storage"
	"pewcast/internal/transport"
	"pewcast/internal/transport/onebot"
	"pewcast/internal/transport/telegram"
	logx "pewcast/pkg/logx"
)

func mapLogging(cfg *config.Config) logx.Config {
	l := cfg.Logging
	return logx.Config{
		Level:   l.Level,
		Console: l.Console,
		File: logx.FileConfig{
			Enabled: l.File.Enabled,
			Path:    l.File.Path,
		},
		Operator: logx.OperatorConfig{
			Enabled:    l.Operator.Enabled,
			MinLevel:   l.Operator.MinLevel,
			RatePerSec: l.Operator.RatePerSec,
		},
	}
}

func mapBroadcastConfig(cfg *config.Config) (broadcast.Config, error) {
	bc := cfg.Broadcast
	out := broadcast.Config{
		Enabled:   bc.IsEnabled(),
		QueueSize: bc.QueueSize,
		StatusMax: bc.StatusMax,
	}
	var err error
	if out.PaceMin, err = config.ParseDurationField("broadcast.pace_min", bc.PaceMin); err != nil {
		return broadcast.Config{}, err
	}
	if out.PaceMax, err = config.ParseDurationField("broadcast.pace_max", bc.PaceMax); err != nil {
		return broadcast.Config{}, err
	}
	if out.RecallDelay, err = config.ParseDurationOrDefault("broadcast.recall_delay", bc.RecallDelay, broadcast.DefaultRecallDelay); err != nil {
		return broadcast.Config{}, err
	}
	if out.StatusTTL, err = config.ParseDurationOrDefault("broadcast.status_ttl", bc.StatusTTL, 24*time.Hour); err != nil {
		return broadcast.Config{}, err
	}
	if out.StatusMax <= 0 {
		out.StatusMax = 200
	}
	return out, nil
}

// mapScheduleConfig enables the scheduler only when broadcasts are enabled
// and at least one schedule is defined.
func mapScheduleConfig(cfg *config.Config) schedule.Config {
	defs := make([]schedule.Def, 0, len(cfg.Schedules))
	for _, s := range cfg.Schedules {
		defs = append(defs, schedule.Def{
			Name:    s.Name,
			Spec:    s.Spec,
			Text:    s.Text,
			Exclude: strings.TrimSpace(s.Exclude),
		})
	}
	return schedule.Config{
		Enabled:  cfg.Broadcast.IsEnabled() && len(defs) > 0,
		Timezone: strings.TrimSpace(cfg.Broadcast.Timezone),
		Defs:     defs,
	}
}

func mapStorageConfig(cfg *config.Config) (storage.Config, bool, error) {
	sc := cfg.Storage
	driver := strings.ToLower(strings.TrimSpace(sc.Driver))
	if driver == "" || driver == "none" {
		return storage.Config{}, false, nil
	}
	path := strings.TrimSpace(sc.Path)

	switch driver {
	case "file":
		if path == "" {
			return storage.Config{}, false, fmt.Errorf("storage.path is required when storage.driver=file")
		}
		return storage.Config{Driver: driver, Path: path}, true, nil
	case "sqlite", "sqlite3":
		if path == "" {
			return storage.Config{}, false, fmt.Errorf("storage.path is required when storage.driver=sqlite")
		}
		busy, err := config.ParseDurationOrDefault("storage.busy_timeout", sc.BusyTimeout, time.Second)
		if err != nil {
			return storage.Config{}, false, err
		}
		return storage.Config{Driver: driver, Path: path, BusyTimeout: busy}, true, nil
	case "redis":
		url := strings.TrimSpace(sc.URL)
		if url == "" {
			return storage.Config{}, false, fmt.Errorf("storage.url is required when storage.driver=redis")
		}
		return storage.Config{Driver: driver, URL: url, KeyPrefix: sc.KeyPrefix, AuditMax: sc.AuditMax}, true, nil
	default:
		return storage.Config{}, false, fmt.Errorf("unknown storage.driver: %s", sc.Driver)
	}
}

func mapOneBotConfig(cfg *config.Config) (onebot.Config, error) {
	ob := cfg.Transport.OneBot
	reconnect, err := config.ParseDurationField("transport.onebot.reconnect_interval", ob.ReconnectInterval)
	if err != nil {
		return onebot.Config{}, err
	}
	timeout, err := config.ParseDurationField("transport.onebot.request_timeout", ob.RequestTimeout)
	if err != nil {
		return onebot.Config{}, err
	}
	return onebot.Config{
		URL:               strings.TrimSpace(ob.WSURL),
		AccessToken:       ob.AccessToken,
		ReconnectInterval: reconnect,
		RequestTimeout:    timeout,
		OperatorID:        strings.TrimSpace(ob.OperatorID),
	}, nil
}

func mapTelegramConfig(cfg *config.Config) (telegram.Config, error) {
	tg := cfg.Transport.Telegram
	poll, err := config.ParseDurationOrDefault("transport.telegram.poll_timeout", tg.PollTimeout, 10*time.Second)
	if err != nil {
		return telegram.Config{}, err
	}
	chats := make([]transport.Target, 0, len(tg.Chats))
	for i, c := range tg.Chats {
		id := strings.TrimSpace(c.ID)
		if _, err := strconv.ParseInt(id, 10, 64); err != nil {
			return telegram.Config{}, fmt.Errorf("transport.telegram.chats[%d].id: not a chat id: %q", i, c.ID)
		}
		chats = append(chats, transport.Target{GroupID: id, ChannelID: strings.TrimSpace(c.Thread), Name: c.Name})
	}
	return telegram.Config{
		Token:          tg.Token,
		APIURL:         strings.TrimSpace(tg.APIURL),
		Poll:           tg.Poll,
		PollTimeout:    poll,
		RatePerSec:     tg.RatePerSec,
		Chats:          chats,
		OperatorChatID: tg.OperatorChatID,
	}, nil
}

func staticBlocked(cfg *config.Config) map[string]bool {
	out := make(map[string]bool, len(cfg.Targets.Blocked))
	for _, key := range cfg.Targets.Blocked {
		if t, err := transport.ParseTarget(key); err == nil {
			out[t.Key()] = true
		}
	}
	return out
}
