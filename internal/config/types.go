package config

// Config is the single on-disk configuration document (JSON or YAML).
//
// All durations are Go duration strings (e.g. "500ms", "10s", "1m").
// Zero/omitted fields fall back to the defaults documented per block.
type Config struct {
	WhatsApp  WhatsAppConfig  `json:"whatsapp"`
	Logging   LoggingConfig   `json:"logging"`
	Session   SessionConfig   `json:"session"`
	Delivery  DeliveryConfig  `json:"delivery"`
	Dispatch  DispatchConfig  `json:"dispatch"`
	AutoReply AutoReplyConfig `json:"auto_reply"`

	// BusinessHours keeps the calendar's historical camelCase key format
	// so existing calendar files keep working.
	BusinessHours BusinessHours `json:"businessHours"`

	Storage     *StorageConfig     `json:"storage,omitempty"`
	Maintenance *MaintenanceConfig `json:"maintenance,omitempty"`
}

type WhatsAppConfig struct {
	// StorePath is the sqlite file holding the transport's device/session
	// credentials (pairing state).
	StorePath  string `json:"store_path"`
	DeviceName string `json:"device_name,omitempty"`

	// AdminChat is an optional phone number that receives WARN+ log lines
	// through the bot's own channel.
	AdminChat string `json:"admin_chat,omitempty"`

	// TailSize bounds the per-conversation tail ring used by delivery
	// verification. Default 20.
	TailSize int `json:"tail_size,omitempty"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
	Chat    LoggingChat `json:"chat"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

type LoggingChat struct {
	Enabled    bool   `json:"enabled"`
	MinLevel   string `json:"min_level"`
	RatePerSec int    `json:"rate_per_sec"`
}

// SessionConfig controls the connection state machine, health probing and
// reconnection escalation.
//
// Defaults:
//   - ready_timeout: "90s"
//   - stable_settle: "5s"
//   - health.interval: "60s", health.probe_timeout: "10s"
//   - reconnect: max_attempts 5, base_delay "30s", max_delay "300s",
//     teardown_settle "3s", followup_retry "5s"
type SessionConfig struct {
	ReadyTimeout string `json:"ready_timeout,omitempty"`
	StableSettle string `json:"stable_settle,omitempty"`

	Health    HealthConfig    `json:"health"`
	Reconnect ReconnectConfig `json:"reconnect"`
}

type HealthConfig struct {
	Interval     string `json:"interval,omitempty"`
	ProbeTimeout string `json:"probe_timeout,omitempty"`
}

type ReconnectConfig struct {
	MaxAttempts    int    `json:"max_attempts,omitempty"`
	BaseDelay      string `json:"base_delay,omitempty"`
	MaxDelay       string `json:"max_delay,omitempty"`
	TeardownSettle string `json:"teardown_settle,omitempty"`
	FollowupRetry  string `json:"followup_retry,omitempty"`
}

// DeliveryConfig controls the outbound pipeline.
//
// Defaults:
//   - dispatch_delay: "6s" (minimum spacing between dispatch starts)
//   - reachability_timeout "15s", reachability_attempts 3, reachability_backoff "2s"
//   - send_settle "2s", send_timeout "20s"
//   - verify_grace "1500ms", verify_window "45s"
type DeliveryConfig struct {
	DispatchDelay string `json:"dispatch_delay,omitempty"`

	ReachabilityTimeout  string `json:"reachability_timeout,omitempty"`
	ReachabilityAttempts int    `json:"reachability_attempts,omitempty"`
	ReachabilityBackoff  string `json:"reachability_backoff,omitempty"`

	SendSettle   string `json:"send_settle,omitempty"`
	SendTimeout  string `json:"send_timeout,omitempty"`
	VerifyGrace  string `json:"verify_grace,omitempty"`
	VerifyWindow string `json:"verify_window,omitempty"`
}

// DispatchConfig controls the job spool boundary.
type DispatchConfig struct {
	Enabled    bool   `json:"enabled"`
	SpoolDir   string `json:"spool_dir,omitempty"`
	ResultsDir string `json:"results_dir,omitempty"`
	QueueSize  int    `json:"queue_size,omitempty"`
}

// AutoReplyConfig controls debounced out-of-hours replies.
//
// Defaults: reply_delay "8s", suppression_window "1h".
type AutoReplyConfig struct {
	Enabled           bool   `json:"enabled"`
	ReplyDelay        string `json:"reply_delay,omitempty"`
	SuppressionWindow string `json:"suppression_window,omitempty"`
}

// BusinessHours is the support-hours calendar.
//
// Key format (camelCase, per the calendar file format):
//
//	{
//	  "timezone": "Europe/Madrid",
//	  "regularHours": {"monday": {"start":"08:00","end":"16:00"}, ..., "sunday": null},
//	  "holidays": {"2026": [{"date":"2026-01-01","name":"Año Nuevo"}]},
//	  "exceptionalClosures": [{"date":"2026-03-02","name":"Inventario"}],
//	  "autoReplyMessages": {"holiday": "...", "weekendOrExtended": "...", "outOfHours": "..."}
//	}
//
// Templates may use the {holidayName} and {nextBusinessDay} placeholders.
type BusinessHours struct {
	Timezone            string               `json:"timezone"`
	RegularHours        map[string]*DayHours `json:"regularHours"`
	Holidays            map[string][]Closure `json:"holidays,omitempty"`
	ExceptionalClosures []Closure            `json:"exceptionalClosures,omitempty"`
	AutoReplyMessages   ReplyTemplates       `json:"autoReplyMessages"`
}

type DayHours struct {
	Start string `json:"start"`
	End   string `json:"end"`
}

type Closure struct {
	Date string `json:"date"` // YYYY-MM-DD
	Name string `json:"name"`
}

type ReplyTemplates struct {
	Holiday           string `json:"holiday"`
	WeekendOrExtended string `json:"weekendOrExtended"`
	OutOfHours        string `json:"outOfHours"`
}

// StorageConfig controls the optional delivery/auto-reply audit store.
//
// Driver values: "sqlite" or "none" (empty means none).
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"`
}

// MaintenanceConfig controls background sweeps.
//
// AuditPruneCron is a cron expression (robfig/cron syntax, "@every 24h"
// accepted). AuditKeep is the retention window for audit rows, default
// "2160h" (90 days).
type MaintenanceConfig struct {
	AuditPruneCron string `json:"audit_prune_cron,omitempty"`
	AuditKeep      string `json:"audit_keep,omitempty"`
}
