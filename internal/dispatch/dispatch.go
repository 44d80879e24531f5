// Package dispatch feeds the delivery pipeline from a filesystem spool.
// Producers drop one JSON file per job into the spool directory; the
// watcher picks them up, the worker sends them one at a time behind the
// global rate limiter, and a result file is written per job.
package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"avisobot/internal/delivery"
	"avisobot/internal/storage"
	"avisobot/internal/transport"
	logx "avisobot/pkg/logx"
)

type Config struct {
	SpoolDir   string
	ResultsDir string
	// QueueSize bounds jobs held in memory between watcher and worker.
	QueueSize int
}

func (c Config) withDefaults() Config {
	if c.QueueSize <= 0 {
		c.QueueSize = 64
	}
	return c
}

type spoolJob struct {
	job  transport.SendJob
	path string
}

type Service struct {
	cfg     Config
	log     logx.Logger
	limiter *delivery.RateLimiter
	pipe    *delivery.Pipeline
	store   storage.Store // may be nil

	jobs chan spoolJob

	mu       sync.Mutex
	inFlight map[string]struct{}
}

func New(cfg Config, limiter *delivery.RateLimiter, pipe *delivery.Pipeline, store storage.Store, log logx.Logger) (*Service, error) {
	cfg = cfg.withDefaults()
	if strings.TrimSpace(cfg.SpoolDir) == "" {
		return nil, errors.New("dispatch spool dir is empty")
	}
	if cfg.ResultsDir == "" {
		cfg.ResultsDir = filepath.Join(cfg.SpoolDir, "results")
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	for _, dir := range []string{cfg.SpoolDir, cfg.ResultsDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
	}
	return &Service{
		cfg:      cfg,
		log:      log.With(logx.String("comp", "dispatch")),
		limiter:  limiter,
		pipe:     pipe,
		store:    store,
		jobs:     make(chan spoolJob, cfg.QueueSize),
		inFlight: map[string]struct{}{},
	}, nil
}

// Watch runs the spool watcher until ctx is done. An initial scan picks
// up files that were dropped while the bot was down.
func (s *Service) Watch(ctx context.Context) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer w.Close()
	if err := w.Add(s.cfg.SpoolDir); err != nil {
		return err
	}

	s.scan(ctx)

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.Events:
			if !ok {
				return errors.New("spool watcher closed")
			}
			if !ev.Op.Has(fsnotify.Create) && !ev.Op.Has(fsnotify.Write) && !ev.Op.Has(fsnotify.Rename) {
				continue
			}
			if !isJobFile(ev.Name) {
				continue
			}
			// Writers may still be mid-write on Create; a short settle
			// keeps partial reads rare, and .bad renaming catches the rest.
			if !sleepCtx(ctx, 100*time.Millisecond) {
				return nil
			}
			s.pickup(ctx, ev.Name)
		case err, ok := <-w.Errors:
			if !ok {
				return errors.New("spool watcher closed")
			}
			s.log.Warn("spool watcher error", logx.Err(err))
		}
	}
}

// Work consumes queued jobs one at a time. Ordering and spacing are
// enforced here: one worker, one limiter wait per job.
func (s *Service) Work(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case sj := <-s.jobs:
			if err := s.limiter.WaitIfNeeded(ctx); err != nil {
				return
			}
			s.process(ctx, sj)
		}
	}
}

func (s *Service) scan(ctx context.Context) {
	entries, err := os.ReadDir(s.cfg.SpoolDir)
	if err != nil {
		s.log.Warn("spool scan failed", logx.Err(err))
		return
	}
	for _, e := range entries {
		if e.IsDir() || !isJobFile(e.Name()) {
			continue
		}
		s.pickup(ctx, filepath.Join(s.cfg.SpoolDir, e.Name()))
	}
}

func (s *Service) pickup(ctx context.Context, path string) {
	s.mu.Lock()
	if _, busy := s.inFlight[path]; busy {
		s.mu.Unlock()
		return
	}
	s.inFlight[path] = struct{}{}
	s.mu.Unlock()

	job, err := readJob(path)
	if err != nil {
		if os.IsNotExist(err) {
			s.release(path)
			return
		}
		s.log.Warn("bad spool file", logx.String("path", path), logx.Err(err))
		_ = os.Rename(path, path+".bad")
		s.release(path)
		return
	}

	select {
	case s.jobs <- spoolJob{job: job, path: path}:
	case <-ctx.Done():
		s.release(path)
	}
}

func (s *Service) release(path string) {
	s.mu.Lock()
	delete(s.inFlight, path)
	s.mu.Unlock()
}

func (s *Service) process(ctx context.Context, sj spoolJob) {
	defer s.release(sj.path)

	start := time.Now()
	res := s.pipe.Send(ctx, sj.job)
	took := time.Since(start)

	out := delivery.Outcome{JobID: sj.job.ID, Result: res, At: time.Now()}
	if err := s.writeResult(sj, out); err != nil {
		s.log.Warn("result write failed", logx.String("job", sj.job.ID), logx.Err(err))
	}
	if err := os.Remove(sj.path); err != nil && !os.IsNotExist(err) {
		s.log.Warn("spool file remove failed", logx.String("path", sj.path), logx.Err(err))
	}

	if s.store != nil {
		actx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		err := s.store.AppendDelivery(actx, storage.DeliveryEntry{
			JobID:        sj.job.ID,
			Recipient:    sj.job.Recipient,
			Formatted:    res.FormattedRecipient,
			Status:       string(res.Status),
			MessageID:    res.MessageID,
			Verification: res.VerificationMethod,
			Reason:       res.Reason,
			TookMS:       took.Milliseconds(),
		})
		cancel()
		if err != nil && !errors.Is(err, storage.ErrDisabled) {
			s.log.Warn("delivery audit failed", logx.String("job", sj.job.ID), logx.Err(err))
		}
	}

	s.log.Info("job dispatched",
		logx.String("job", sj.job.ID),
		logx.String("status", string(res.Status)),
		logx.Duration("took", took),
	)
}

func (s *Service) writeResult(sj spoolJob, out delivery.Outcome) error {
	base := strings.TrimSuffix(filepath.Base(sj.path), filepath.Ext(sj.path))
	path := filepath.Join(s.cfg.ResultsDir, base+".result.json")
	b, err := json.MarshalIndent(out, "", "  ")
	if err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, b, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

func readJob(path string) (transport.SendJob, error) {
	var job transport.SendJob
	b, err := os.ReadFile(path)
	if err != nil {
		return job, err
	}
	if err := json.Unmarshal(b, &job); err != nil {
		return job, err
	}
	if strings.TrimSpace(job.ID) == "" {
		job.ID = strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	}
	if strings.TrimSpace(job.Recipient) == "" {
		return job, errors.New("job recipient is empty")
	}
	return job, nil
}

func isJobFile(name string) bool {
	return strings.EqualFold(filepath.Ext(name), ".json") &&
		!strings.HasSuffix(name, ".result.json") &&
		!strings.HasSuffix(name, ".tmp")
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
