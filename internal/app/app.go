// Package app wires the services together: config, logging, transport
// session, delivery, dispatch, auto-reply and maintenance.
package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"avisobot/internal/autoreply"
	"avisobot/internal/config"
	"avisobot/internal/delivery"
	"avisobot/internal/dispatch"
	"avisobot/internal/eventbus"
	"avisobot/internal/hours"
	"avisobot/internal/maintenance"
	"avisobot/internal/runtime/supervisor"
	"avisobot/internal/session"
	"avisobot/internal/storage"
	"avisobot/internal/transport"
	"avisobot/internal/transport/whatsapp"
	logx "avisobot/pkg/logx"
)

type App struct {
	cfgPath string

	cfgm *config.Manager
	logs *logx.Service
	log  logx.Logger
	bus  eventbus.Bus

	sup *supervisor.Supervisor

	oracle  *hours.Oracle
	store   storage.Store
	waStore *whatsapp.Store
	sess    *session.Service
	limiter *delivery.RateLimiter
	pipe    *delivery.Pipeline
	replies *autoreply.Scheduler
	disp    *dispatch.Service
	maint   *maintenance.Service

	adminChat transport.ChatID
}

func New(cfgPath string) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	logs, log := logx.New(logxConfig(cfg.Logging))
	log = log.With(logx.String("comp", "app"))
	cfgm.SetLogger(log.With(logx.String("comp", "config")))
	cfgm.SetValidator(validate)

	oracle, err := hours.New(cfg.BusinessHours)
	if err != nil {
		logs.Close()
		return nil, fmt.Errorf("business hours: %w", err)
	}

	var store storage.Store
	if cfg.Storage != nil {
		store, err = storage.Open(storage.Config{
			Driver:      cfg.Storage.Driver,
			Path:        cfg.Storage.Path,
			BusyTimeout: config.DurationOrDefault(cfg.Storage.BusyTimeout, 10*time.Second),
		}, log)
		if err != nil {
			logs.Close()
			return nil, fmt.Errorf("storage: %w", err)
		}
	}

	return &App{
		cfgPath: cfgPath,
		cfgm:    cfgm,
		logs:    logs,
		log:     log,
		bus:     eventbus.New(),
		oracle:  oracle,
		store:   store,
	}, nil
}

// validate is the Manager's transactional reload hook: a config that
// fails here is rejected without touching the running one.
func validate(ctx context.Context, cfg *config.Config) error {
	if err := config.Validate(ctx, cfg); err != nil {
		return err
	}
	return hours.Validate(cfg.BusinessHours)
}

func (a *App) Start(ctx context.Context) error {
	cfg := a.cfgm.Get()
	a.sup = supervisor.New(ctx, supervisor.WithLogger(a.log), supervisor.WithCancelOnError(true))
	root := a.sup.Context()

	waStore, err := whatsapp.OpenStore(ctx, whatsapp.Config{
		StorePath:  cfg.WhatsApp.StorePath,
		DeviceName: cfg.WhatsApp.DeviceName,
		TailSize:   cfg.WhatsApp.TailSize,
	}, a.logs.Logger())
	if err != nil {
		return err
	}
	a.waStore = waStore

	a.sess = session.NewService(sessionConfig(cfg.Session), waStore.Factory(), a.logs.Logger(), a.bus)
	if err := a.sess.Start(root); err != nil {
		return fmt.Errorf("session: %w", err)
	}

	a.limiter = delivery.NewRateLimiter(config.DurationOrDefault(cfg.Delivery.DispatchDelay, 6*time.Second))
	a.pipe = delivery.NewPipeline(deliveryConfig(cfg.Delivery), a.sess, a.logs.Logger(), a.bus)

	a.replies = autoreply.NewScheduler(autoreply.Config{
		ReplyDelay:        config.DurationOrDefault(cfg.AutoReply.ReplyDelay, 8*time.Second),
		SuppressionWindow: config.DurationOrDefault(cfg.AutoReply.SuppressionWindow, time.Hour),
	}, a.oracle, a.pipe, a.unreader, a.logs.Logger(), a.bus)
	if cfg.AutoReply.Enabled {
		a.sup.Go0("autoreply.run", a.replies.Run)
	}

	if cfg.Dispatch.Enabled {
		disp, err := dispatch.New(dispatch.Config{
			SpoolDir:   cfg.Dispatch.SpoolDir,
			ResultsDir: cfg.Dispatch.ResultsDir,
			QueueSize:  cfg.Dispatch.QueueSize,
		}, a.limiter, a.pipe, a.store, a.logs.Logger())
		if err != nil {
			return fmt.Errorf("dispatch: %w", err)
		}
		a.disp = disp
		a.sup.GoRestart("dispatch.watch", disp.Watch,
			supervisor.WithRestartBackoff(time.Second, 30*time.Second))
		a.sup.Go0("dispatch.work", disp.Work)
	}

	var maintCfg maintenance.Config
	if cfg.Maintenance != nil {
		maintCfg = maintenance.Config{
			AuditPruneCron: cfg.Maintenance.AuditPruneCron,
			AuditKeep:      config.DurationOrDefault(cfg.Maintenance.AuditKeep, 90*24*time.Hour),
		}
	}
	a.maint = maintenance.New(maintCfg, a.replies, a.store, a.logs.Logger())
	if err := a.maint.Start(root); err != nil {
		return fmt.Errorf("maintenance: %w", err)
	}

	if cfg.Logging.Chat.Enabled {
		a.wireChatSink(cfg.WhatsApp.AdminChat)
	}

	a.sup.Go0("audit.pump", a.auditPump)
	a.sup.GoRestart("config.watch", a.cfgm.Watch,
		supervisor.WithRestartBackoff(time.Second, time.Minute))
	a.sup.Go0("config.apply", a.applyReloads)

	// Bring the channel up in the background; dispatch and auto-reply
	// each wait for Stable on their own.
	a.sup.Go0("session.warmup", func(c context.Context) {
		wctx, cancel := context.WithTimeout(c, 2*time.Minute)
		defer cancel()
		if err := a.sess.EnsureStable(wctx); err != nil {
			a.log.Warn("initial stabilization failed", logx.Err(err))
		}
	})

	a.log.Info("started")
	return nil
}

// Done is closed when the supervisor context is cancelled (fatal error
// or Stop).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Stop(ctx context.Context) error {
	a.log.Info("stopping")
	a.logs.SetChatSink(nil)

	if a.maint != nil {
		_ = a.maint.Stop(ctx)
	}
	if a.sup != nil {
		a.sup.Cancel()
	}
	if a.sess != nil {
		_ = a.sess.Stop(ctx)
	}
	var err error
	if a.sup != nil {
		err = a.sup.Wait(ctx)
	}
	if a.store != nil {
		_ = a.store.Close()
	}
	if a.waStore != nil {
		_ = a.waStore.Close()
	}
	a.logs.Close()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (a *App) unreader() autoreply.Unreader {
	c := a.sess.Client()
	if c == nil {
		return nil
	}
	return c
}

// wireChatSink forwards WARN+ log lines to the admin conversation.
// Sends go straight through the client so a pipeline failure can't
// recurse into more chat logging.
func (a *App) wireChatSink(adminPhone string) {
	phone, err := delivery.NormalizeRecipient(adminPhone)
	if err != nil {
		a.log.Warn("admin chat disabled: bad number", logx.Err(err))
		return
	}
	a.adminChat = transport.ChatID(phone + "@s.whatsapp.net")
	a.logs.SetChatSink(func(ctx context.Context, text string) error {
		if a.sess.State() != session.Stable {
			return nil
		}
		c := a.sess.Client()
		if c == nil {
			return nil
		}
		_, err := c.SendText(ctx, a.adminChat, text)
		return err
	})
}

// auditPump persists bus events the audit store cares about.
func (a *App) auditPump(ctx context.Context) {
	events, unsub := a.bus.Subscribe(64)
	defer unsub()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			if a.store == nil {
				continue
			}
			switch ev.Topic {
			case eventbus.TopicSessionState:
				sc, ok := ev.Data.(session.StateChange)
				if !ok {
					continue
				}
				actx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				_ = a.store.AppendConn(actx, storage.ConnEntry{
					At:     ev.Time,
					From:   sc.From.String(),
					To:     sc.To.String(),
					Reason: sc.Reason,
				})
				cancel()
			case eventbus.TopicAutoReplySent:
				chat, _ := ev.Data.(string)
				actx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				_ = a.store.AppendAutoReply(actx, storage.AutoReplyEntry{At: ev.Time, Chat: chat})
				cancel()
			}
		}
	}
}

// applyReloads picks up committed config changes. Only hot-applicable
// settings change at runtime; session and dispatch topology need a
// restart and are logged as such.
func (a *App) applyReloads(ctx context.Context) {
	ch := a.cfgm.Subscribe(2)
	defer a.cfgm.Unsubscribe(ch)
	for {
		select {
		case <-ctx.Done():
			return
		case cfg, ok := <-ch:
			if !ok {
				return
			}
			a.logs.Apply(logxConfig(cfg.Logging))
			a.limiter.SetDelay(config.DurationOrDefault(cfg.Delivery.DispatchDelay, 6*time.Second))
			a.replies.Reconfigure(autoreply.Config{
				ReplyDelay:        config.DurationOrDefault(cfg.AutoReply.ReplyDelay, 8*time.Second),
				SuppressionWindow: config.DurationOrDefault(cfg.AutoReply.SuppressionWindow, time.Hour),
			})
			if err := a.oracle.Reload(cfg.BusinessHours); err != nil {
				// Should not happen: the validator ran before commit.
				a.log.Error("business hours reload failed", logx.Err(err))
			}
			if cfg.Logging.Chat.Enabled && strings.TrimSpace(cfg.WhatsApp.AdminChat) != "" {
				a.wireChatSink(cfg.WhatsApp.AdminChat)
			} else {
				a.logs.SetChatSink(nil)
			}
			a.log.Info("config reload applied",
				logx.Duration("dispatch_delay", a.limiter.Delay()))
		}
	}
}

func logxConfig(lc config.LoggingConfig) logx.Config {
	return logx.Config{
		Level:   lc.Level,
		Console: lc.Console,
		File:    logx.FileConfig{Enabled: lc.File.Enabled, Path: lc.File.Path},
		Chat: logx.ChatConfig{
			Enabled:    lc.Chat.Enabled,
			MinLevel:   lc.Chat.MinLevel,
			RatePerSec: lc.Chat.RatePerSec,
		},
	}
}

func sessionConfig(sc config.SessionConfig) session.Config {
	return session.Config{
		ReadyTimeout: config.DurationOrDefault(sc.ReadyTimeout, 90*time.Second),
		StableSettle: config.DurationOrDefault(sc.StableSettle, 5*time.Second),
		ProbeTimeout: config.DurationOrDefault(sc.Health.ProbeTimeout, 10*time.Second),
		Reconnect: session.ReconnectConfig{
			MaxAttempts:    sc.Reconnect.MaxAttempts,
			BaseDelay:      config.DurationOrDefault(sc.Reconnect.BaseDelay, 30*time.Second),
			MaxDelay:       config.DurationOrDefault(sc.Reconnect.MaxDelay, 300*time.Second),
			TeardownSettle: config.DurationOrDefault(sc.Reconnect.TeardownSettle, 3*time.Second),
			FollowupRetry:  config.DurationOrDefault(sc.Reconnect.FollowupRetry, 5*time.Second),
		},
		Health: session.HealthConfig{
			Interval:     config.DurationOrDefault(sc.Health.Interval, 60*time.Second),
			ProbeTimeout: config.DurationOrDefault(sc.Health.ProbeTimeout, 10*time.Second),
		},
	}
}

func deliveryConfig(dc config.DeliveryConfig) delivery.Config {
	return delivery.Config{
		ReachabilityTimeout:  config.DurationOrDefault(dc.ReachabilityTimeout, 15*time.Second),
		ReachabilityAttempts: dc.ReachabilityAttempts,
		ReachabilityBackoff:  config.DurationOrDefault(dc.ReachabilityBackoff, 2*time.Second),
		SendSettle:           config.DurationOrDefault(dc.SendSettle, 2*time.Second),
		SendTimeout:          config.DurationOrDefault(dc.SendTimeout, 20*time.Second),
		VerifyGrace:          config.DurationOrDefault(dc.VerifyGrace, 1500*time.Millisecond),
		VerifyWindow:         config.DurationOrDefault(dc.VerifyWindow, 45*time.Second),
	}
}
