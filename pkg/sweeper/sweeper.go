package sweeper

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"

	"github.com/platinummonkey/rolegate/pkg/observability"
	"github.com/platinummonkey/rolegate/pkg/rbac"
)

// DefaultSchedule runs a sweep every five minutes
const DefaultSchedule = "@every 5m"

// Expirer runs one expiration pass. *rbac.Manager satisfies it.
type Expirer interface {
	ExpireDue(ctx context.Context, opts rbac.ExpireOptions) (int, error)
}

// Config controls when and how sweeps run
type Config struct {
	// Schedule is a cron spec (standard five fields or @every/@hourly descriptors)
	Schedule string
	// BatchSize bounds how many due assignments are loaded per chunk
	BatchSize int
	// Timeout caps a single scheduled run. Zero means no timeout.
	Timeout time.Duration
}

// Result describes one completed sweep
type Result struct {
	RunID    string
	Expired  int
	Started  time.Time
	Duration time.Duration
}

// Sweeper deactivates assignments whose expiry has passed, on a cron schedule
type Sweeper struct {
	expirer Expirer
	cfg     Config
	logger  *logrus.Logger
	metrics *observability.Metrics

	mu      sync.Mutex
	cron    *cron.Cron
	last    *Result
	running bool
}

// New creates a sweeper. metrics may be nil.
func New(expirer Expirer, cfg Config, logger *logrus.Logger, metrics *observability.Metrics) *Sweeper {
	if cfg.Schedule == "" {
		cfg.Schedule = DefaultSchedule
	}
	return &Sweeper{
		expirer: expirer,
		cfg:     cfg,
		logger:  observability.OrDefault(logger),
		metrics: metrics,
	}
}

// RunOnce performs a single sweep tagged with a fresh run id
func (s *Sweeper) RunOnce(ctx context.Context) (Result, error) {
	result := Result{
		RunID:   uuid.New().String(),
		Started: time.Now(),
	}
	log := s.logger.WithField("sweep_id", result.RunID)
	log.Debug("Starting expiration sweep")

	n, err := s.expirer.ExpireDue(ctx, rbac.ExpireOptions{
		BatchSize: s.cfg.BatchSize,
		RunID:     result.RunID,
	})
	result.Expired = n
	result.Duration = time.Since(result.Started)
	s.metrics.ObserveSweep(n, result.Duration, err)

	if err != nil {
		log.WithError(err).WithField("expired", n).Error("Expiration sweep failed")
		return result, fmt.Errorf("sweep %s: %w", result.RunID, err)
	}

	fields := logrus.Fields{
		"expired":     n,
		"duration_ms": result.Duration.Milliseconds(),
	}
	if n > 0 {
		log.WithFields(fields).Info("Expired role assignments")
	} else {
		log.WithFields(fields).Debug("No role assignments due")
	}

	s.mu.Lock()
	s.last = &result
	s.mu.Unlock()
	return result, nil
}

// LastResult returns the most recent successful sweep, if any
func (s *Sweeper) LastResult() (Result, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.last == nil {
		return Result{}, false
	}
	return *s.last, true
}

// Start schedules sweeps. Overlapping runs are skipped rather than queued.
func (s *Sweeper) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return errors.New("sweeper already running")
	}

	cronLogger := cron.PrintfLogger(s.logger)
	c := cron.New(cron.WithChain(
		cron.Recover(cronLogger),
		cron.SkipIfStillRunning(cronLogger),
	))
	if _, err := c.AddFunc(s.cfg.Schedule, s.scheduledRun); err != nil {
		return fmt.Errorf("invalid sweep schedule %q: %w", s.cfg.Schedule, err)
	}

	c.Start()
	s.cron = c
	s.running = true

	s.logger.WithField("schedule", s.cfg.Schedule).Info("Expiration sweeper started")
	return nil
}

// Stop halts the schedule and waits for an in-flight run, or for ctx to expire
func (s *Sweeper) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	c := s.cron
	s.cron = nil
	s.running = false
	s.mu.Unlock()

	select {
	case <-c.Stop().Done():
		s.logger.Info("Expiration sweeper stopped")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for sweep to finish: %w", ctx.Err())
	}
}

func (s *Sweeper) scheduledRun() {
	ctx := context.Background()
	if s.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.cfg.Timeout)
		defer cancel()
	}
	// RunOnce already logged and recorded the failure
	_, _ = s.RunOnce(ctx)
}

// ValidateSchedule reports whether spec parses as a cron schedule
func ValidateSchedule(spec string) error {
	if _, err := cron.ParseStandard(spec); err != nil {
		return fmt.Errorf("invalid sweep schedule %q: %w", spec, err)
	}
	return nil
}
