package config

// Config is the whole pewcast configuration. Durations are Go duration
// strings ("500ms", "3s", "1m"); an empty string means the default.
type Config struct {
	Logging   LoggingConfig    `json:"logging"`
	Transport TransportConfig  `json:"transport"`
	Broadcast BroadcastConfig  `json:"broadcast"`
	Storage   StorageConfig    `json:"storage"`
	Targets   TargetsConfig    `json:"targets"`
	Schedules []ScheduleConfig `json:"schedules,omitempty"`
}

type LoggingConfig struct {
	Level    string          `json:"level"`
	Console  bool            `json:"console"`
	File     LoggingFile     `json:"file"`
	Operator LoggingOperator `json:"operator"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// LoggingOperator relays log lines at or above MinLevel to the operator chat
// of the active transport.
type LoggingOperator struct {
	Enabled    bool   `json:"enabled"`
	MinLevel   string `json:"min_level"`
	RatePerSec int    `json:"rate_per_sec"`
}

// Transport kinds.
const (
	TransportOneBot   = "onebot"
	TransportTelegram = "telegram"
)

type TransportConfig struct {
	// Kind is "onebot" (default) or "telegram".
	Kind     string         `json:"kind"`
	OneBot   OneBotConfig   `json:"onebot"`
	Telegram TelegramConfig `json:"telegram"`
}

type OneBotConfig struct {
	WSURL             string `json:"ws_url"`
	AccessToken       string `json:"access_token,omitempty"`
	ReconnectInterval string `json:"reconnect_interval,omitempty"`
	RequestTimeout    string `json:"request_timeout,omitempty"`
	// OperatorID is the account that receives summaries and warnings.
	OperatorID string `json:"operator_id,omitempty"`
}

type TelegramConfig struct {
	Token          string       `json:"token,omitempty"`
	APIURL         string       `json:"api_url,omitempty"`
	Poll           bool         `json:"poll"`
	PollTimeout    string       `json:"poll_timeout,omitempty"`
	RatePerSec     int          `json:"rate_per_sec,omitempty"`
	Chats          []ChatConfig `json:"chats,omitempty"`
	OperatorChatID int64        `json:"operator_chat_id,omitempty"`
}

// ChatConfig is one Telegram chat offered as a broadcast target. Thread
// narrows it to a forum topic.
type ChatConfig struct {
	ID     string `json:"id"`
	Thread string `json:"thread,omitempty"`
	Name   string `json:"name,omitempty"`
}

// BroadcastConfig tunes the distribution engine.
//
// Defaults: enabled, pace 1s..3s, recall_delay 200ms, queue_size 16,
// status_ttl 24h, status_max 200.
type BroadcastConfig struct {
	Enabled     *bool  `json:"enabled,omitempty"`
	PaceMin     string `json:"pace_min,omitempty"`
	PaceMax     string `json:"pace_max,omitempty"`
	RecallDelay string `json:"recall_delay,omitempty"`
	QueueSize   int    `json:"queue_size,omitempty"`
	StatusTTL   string `json:"status_ttl,omitempty"`
	StatusMax   int    `json:"status_max,omitempty"`
	// NotifyOperator sends each broadcast and recall summary to the operator.
	NotifyOperator bool `json:"notify_operator,omitempty"`
	// Timezone for scheduled broadcasts (IANA name); empty means local.
	Timezone string `json:"timezone,omitempty"`
}

// IsEnabled reports the effective enabled flag (omitted means true).
func (b BroadcastConfig) IsEnabled() bool { return b.Enabled == nil || *b.Enabled }

// StorageConfig controls persistence of the recall ledger, block flags and
// the audit log.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./pewcast.db" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path,omitempty"`
	URL         string `json:"url,omitempty"`
	KeyPrefix   string `json:"key_prefix,omitempty"`
	BusyTimeout string `json:"busy_timeout,omitempty"`
	AuditMax    int    `json:"audit_max,omitempty"`
}

// TargetsConfig holds statically blocked target keys ("group" or
// "group:channel"). Keys blocked at runtime live in storage.
type TargetsConfig struct {
	Blocked []string `json:"blocked,omitempty"`
}

// ScheduleConfig is one recurring broadcast. Spec accepts a cron expression
// ("30 9 * * *"), a duration ("every:30m", "55m") or an HH:MM interval
// ("02:30" is every two and a half hours).
type ScheduleConfig struct {
	Name    string `json:"name"`
	Spec    string `json:"spec"`
	Text    string `json:"text"`
	Exclude string `json:"exclude,omitempty"`
}
