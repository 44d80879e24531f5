package config

import (
	"context"
	"fmt"
	"strings"
)

// Validate checks everything the config package owns: duration fields and
// block-level sanity. Calendar semantics are validated by the hours
// package; the app composes both into the Manager's validator hook.
func Validate(_ context.Context, cfg *Config) error {
	if cfg == nil {
		return fmt.Errorf("config is nil")
	}

	durations := []struct{ path, raw string }{
		{"session.ready_timeout", cfg.Session.ReadyTimeout},
		{"session.stable_settle", cfg.Session.StableSettle},
		{"session.health.interval", cfg.Session.Health.Interval},
		{"session.health.probe_timeout", cfg.Session.Health.ProbeTimeout},
		{"session.reconnect.base_delay", cfg.Session.Reconnect.BaseDelay},
		{"session.reconnect.max_delay", cfg.Session.Reconnect.MaxDelay},
		{"session.reconnect.teardown_settle", cfg.Session.Reconnect.TeardownSettle},
		{"session.reconnect.followup_retry", cfg.Session.Reconnect.FollowupRetry},
		{"delivery.dispatch_delay", cfg.Delivery.DispatchDelay},
		{"delivery.reachability_timeout", cfg.Delivery.ReachabilityTimeout},
		{"delivery.reachability_backoff", cfg.Delivery.ReachabilityBackoff},
		{"delivery.send_settle", cfg.Delivery.SendSettle},
		{"delivery.send_timeout", cfg.Delivery.SendTimeout},
		{"delivery.verify_grace", cfg.Delivery.VerifyGrace},
		{"delivery.verify_window", cfg.Delivery.VerifyWindow},
		{"auto_reply.reply_delay", cfg.AutoReply.ReplyDelay},
		{"auto_reply.suppression_window", cfg.AutoReply.SuppressionWindow},
	}
	if cfg.Storage != nil {
		durations = append(durations, struct{ path, raw string }{"storage.busy_timeout", cfg.Storage.BusyTimeout})
	}
	if cfg.Maintenance != nil {
		durations = append(durations, struct{ path, raw string }{"maintenance.audit_keep", cfg.Maintenance.AuditKeep})
	}
	for _, d := range durations {
		if _, err := ParseDurationField(d.path, d.raw); err != nil {
			return err
		}
	}

	if cfg.Session.Reconnect.MaxAttempts < 0 {
		return fmt.Errorf("session.reconnect.max_attempts must be >= 0")
	}
	if strings.TrimSpace(cfg.WhatsApp.StorePath) == "" {
		return fmt.Errorf("whatsapp.store_path is required")
	}
	if cfg.Dispatch.Enabled && strings.TrimSpace(cfg.Dispatch.SpoolDir) == "" {
		return fmt.Errorf("dispatch.spool_dir is required when dispatch is enabled")
	}
	if cfg.Storage != nil {
		switch strings.ToLower(strings.TrimSpace(cfg.Storage.Driver)) {
		case "", "none", "sqlite", "sqlite3":
		default:
			return fmt.Errorf("storage.driver: unknown driver %q", cfg.Storage.Driver)
		}
	}
	return nil
}
