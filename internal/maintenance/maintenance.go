// Package maintenance runs periodic housekeeping: the auto-reply
// suppression sweep and audit retention pruning.
package maintenance

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	"avisobot/internal/storage"
	logx "avisobot/pkg/logx"
)

// Sweeper is the auto-reply scheduler's housekeeping surface.
type Sweeper interface {
	Sweep() int
	SuppressionWindow() time.Duration
}

type Config struct {
	// AuditPruneCron is a standard 5-field cron spec. Default: nightly.
	AuditPruneCron string
	// AuditKeep is the retention window for audit rows. Default 90 days.
	AuditKeep time.Duration
}

func (c Config) withDefaults() Config {
	if c.AuditPruneCron == "" {
		c.AuditPruneCron = "17 3 * * *"
	}
	if c.AuditKeep <= 0 {
		c.AuditKeep = 90 * 24 * time.Hour
	}
	return c
}

type Service struct {
	cfg     Config
	log     logx.Logger
	sweeper Sweeper
	store   storage.Store // may be nil
	cron    *cron.Cron
}

func New(cfg Config, sweeper Sweeper, store storage.Store, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		cfg:     cfg.withDefaults(),
		log:     log.With(logx.String("comp", "maintenance")),
		sweeper: sweeper,
		store:   store,
	}
}

func (s *Service) Start(ctx context.Context) error {
	c := cron.New()

	if s.sweeper != nil {
		spec := fmt.Sprintf("@every %s", s.sweeper.SuppressionWindow())
		if _, err := c.AddFunc(spec, func() {
			if n := s.sweeper.Sweep(); n > 0 {
				s.log.Debug("suppression sweep", logx.Int("removed", n))
			}
		}); err != nil {
			return fmt.Errorf("suppression sweep schedule: %w", err)
		}
	}

	if s.store != nil {
		if _, err := c.AddFunc(s.cfg.AuditPruneCron, s.pruneAudit); err != nil {
			return fmt.Errorf("audit prune schedule %q: %w", s.cfg.AuditPruneCron, err)
		}
	}

	c.Start()
	s.cron = c
	s.log.Info("maintenance started", logx.String("audit_prune", s.cfg.AuditPruneCron))
	return nil
}

func (s *Service) Stop(ctx context.Context) error {
	if s.cron == nil {
		return nil
	}
	done := s.cron.Stop()
	select {
	case <-done.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Service) pruneAudit() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	cutoff := time.Now().Add(-s.cfg.AuditKeep)
	n, err := s.store.PruneBefore(ctx, cutoff)
	if err != nil {
		s.log.Warn("audit prune failed", logx.Err(err))
		return
	}
	if n > 0 {
		s.log.Info("audit pruned", logx.Int64("rows", n))
	}
}
