package config

import (
	"hash/fnv"
	"reflect"
	"sort"
	"strconv"
	"strings"

	logx "pewcast/pkg/logx"
)

// SummarizeConfigChange lists the sections that differ between two configs
// and returns fields safe to log for them. Secrets are reported only as
// "set" flags.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}
	var (
		changed []string
		fields  []logx.Field
	)

	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		changed = append(changed, "logging")
		fields = append(fields,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file", newCfg.Logging.File.Enabled),
			logx.Bool("logging.operator", newCfg.Logging.Operator.Enabled),
		)
	}

	ot, nt := redactTransport(oldCfg.Transport), redactTransport(newCfg.Transport)
	if !reflect.DeepEqual(ot, nt) {
		changed = append(changed, "transport")
		fields = append(fields,
			logx.String("transport.kind", nt.Kind),
			logx.String("transport.onebot.ws_url", nt.OneBot.WSURL),
			logx.Bool("transport.onebot.token_set", nt.OneBot.AccessToken != ""),
			logx.Bool("transport.telegram.token_set", nt.Telegram.Token != ""),
			logx.Int("transport.telegram.chats", len(nt.Telegram.Chats)),
		)
	}

	if !reflect.DeepEqual(oldCfg.Broadcast, newCfg.Broadcast) {
		changed = append(changed, "broadcast")
		fields = append(fields,
			logx.Bool("broadcast.enabled", newCfg.Broadcast.IsEnabled()),
			logx.String("broadcast.pace_min", strings.TrimSpace(newCfg.Broadcast.PaceMin)),
			logx.String("broadcast.pace_max", strings.TrimSpace(newCfg.Broadcast.PaceMax)),
			logx.String("broadcast.recall_delay", strings.TrimSpace(newCfg.Broadcast.RecallDelay)),
		)
	}

	so, sn := oldCfg.Storage, newCfg.Storage
	so.URL, sn.URL = redact(so.URL), redact(sn.URL)
	if so != sn {
		changed = append(changed, "storage")
		fields = append(fields,
			logx.String("storage.driver", sn.Driver),
			logx.Bool("storage.path_set", strings.TrimSpace(sn.Path) != ""),
			logx.Bool("storage.url_set", sn.URL != ""),
		)
	}

	if !reflect.DeepEqual(oldCfg.Targets, newCfg.Targets) {
		changed = append(changed, "targets")
		fields = append(fields, logx.Int("targets.blocked", len(newCfg.Targets.Blocked)))
	}

	if !reflect.DeepEqual(oldCfg.Schedules, newCfg.Schedules) {
		changed = append(changed, "schedules")
		fields = append(fields, logx.Int("schedules.count", len(newCfg.Schedules)))
	}

	sort.Strings(changed)
	return changed, fields
}

// RestartRequired reports whether a change can only take effect on restart
// (a new transport or storage backend).
func RestartRequired(changed []string) bool {
	for _, s := range changed {
		if s == "transport" || s == "storage" {
			return true
		}
	}
	return false
}

func redactTransport(t TransportConfig) TransportConfig {
	t.OneBot.AccessToken = redact(t.OneBot.AccessToken)
	t.Telegram.Token = redact(t.Telegram.Token)
	return t
}

// redact keeps only whether a secret is set, but still lets two different
// secrets compare unequal.
func redact(s string) string {
	if strings.TrimSpace(s) == "" {
		return ""
	}
	h := fnv.New64a()
	_, _ = h.Write([]byte(s))
	return "set:" + strconv.FormatUint(h.Sum64(), 16)
}
