// Package sweeper removes expired idempotency keys and stale storage data on
// a cron schedule.
package sweeper

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"saga/event"
	"saga/lock"
	"saga/metrics"
)

// Store is the storage surface the sweeper needs.
type Store interface {
	CleanupExpiredData(ctx context.Context) (int, error)
}

// Purger deletes idempotency keys whose expiry has passed.
type Purger interface {
	PurgeExpired(ctx context.Context) (int, error)
}

// Config holds the configuration for the sweeper.
type Config struct {
	// Enabled controls whether the daemon starts the sweeper.
	Enabled bool `mapstructure:"enabled"`
	// Schedule is a standard five-field cron expression or a descriptor
	// such as "@every 1m".
	Schedule string `mapstructure:"schedule"`
	// LockTTL bounds how long one replica may hold the sweep lock.
	LockTTL time.Duration `mapstructure:"lock_ttl"`
	// LockKey is the lock every replica competes for.
	LockKey string `mapstructure:"lock_key"`
}

// DefaultConfig returns the default configuration for the sweeper.
func DefaultConfig() Config {
	return Config{
		Enabled:  true,
		Schedule: "@every 1m",
		LockTTL:  time.Minute,
		LockKey:  "sweeper",
	}
}

// ParseSchedule parses a cron expression the way the sweeper does.
func ParseSchedule(expr string) (cron.Schedule, error) {
	return cron.ParseStandard(expr)
}

// Report describes one sweep pass.
type Report struct {
	// Skipped is set when another replica held the sweep lock.
	Skipped bool
	// Idempotency is the number of expired idempotency keys purged.
	Idempotency int
	// Storage is the number of records removed by CleanupExpiredData.
	Storage  int
	Duration time.Duration
}

// Removed returns the total number of records removed.
func (r Report) Removed() int {
	return r.Idempotency + r.Storage
}

// Sweeper periodically purges expired data. Only one replica sweeps at a
// time: each pass runs under a distributed lock.
type Sweeper struct {
	store   Store
	purger  Purger
	locker  lock.Locker
	events  event.EventBus
	metrics metrics.Metrics
	config  Config
	logger  zerolog.Logger
	now     func() time.Time

	mu      sync.Mutex
	cron    *cron.Cron
	cancel  context.CancelFunc
	running bool

	statsMu sync.RWMutex
	stats   Stats
}

// Option configures the Sweeper.
type Option func(*Sweeper)

// WithPurger sets the idempotency purger. Without one only
// CleanupExpiredData runs.
func WithPurger(p Purger) Option {
	return func(s *Sweeper) {
		s.purger = p
	}
}

// WithLocker sets the locker guarding each pass.
func WithLocker(l lock.Locker) Option {
	return func(s *Sweeper) {
		s.locker = l
	}
}

// WithEventBus sets the event bus for the sweeper.
func WithEventBus(e event.EventBus) Option {
	return func(s *Sweeper) {
		s.events = e
	}
}

// WithMetrics sets the metrics collector.
func WithMetrics(m metrics.Metrics) Option {
	return func(s *Sweeper) {
		s.metrics = m
	}
}

// WithConfig sets the configuration for the sweeper.
func WithConfig(cfg Config) Option {
	return func(s *Sweeper) {
		s.config = cfg
	}
}

// WithLogger sets the logger.
func WithLogger(l zerolog.Logger) Option {
	return func(s *Sweeper) {
		s.logger = l
	}
}

// WithClock overrides the time source used for durations.
func WithClock(now func() time.Time) Option {
	return func(s *Sweeper) {
		s.now = now
	}
}

// New creates a sweeper over store. When no locker is given and store can
// hold locks, a storage-backed locker is used.
func New(store Store, opts ...Option) (*Sweeper, error) {
	if store == nil {
		return nil, errors.New("sweeper: store is required")
	}
	s := &Sweeper{
		store:   store,
		events:  event.NewNoOpEventBus(),
		metrics: &metrics.NoopMetrics{},
		config:  DefaultConfig(),
		logger:  zerolog.Nop(),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}

	if s.locker == nil {
		if b, ok := store.(lock.Backend); ok {
			s.locker = lock.NewStorageLocker(b)
		}
	}
	if s.config.LockKey == "" {
		s.config.LockKey = DefaultConfig().LockKey
	}
	if s.config.LockTTL <= 0 {
		s.config.LockTTL = DefaultConfig().LockTTL
	}
	if _, err := ParseSchedule(s.config.Schedule); err != nil {
		return nil, fmt.Errorf("sweeper: schedule %q: %w", s.config.Schedule, err)
	}
	s.logger = s.logger.With().Str("component", "sweeper").Logger()
	return s, nil
}

// Start schedules sweeps until Stop is called or ctx ends. Overlapping runs
// are skipped.
func (s *Sweeper) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return errors.New("sweeper already running")
	}

	schedule, err := ParseSchedule(s.config.Schedule)
	if err != nil {
		return fmt.Errorf("sweeper: schedule %q: %w", s.config.Schedule, err)
	}

	runCtx, cancel := context.WithCancel(ctx)
	c := cron.New(
		cron.WithLogger(cron.PrintfLogger(&s.logger)),
		cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)),
	)
	c.Schedule(schedule, cron.FuncJob(func() {
		if _, err := s.RunOnce(runCtx); err != nil {
			s.logger.Error().Err(err).Msg("sweep failed")
		}
	}))
	c.Start()

	s.cron = c
	s.cancel = cancel
	s.running = true
	s.logger.Info().Str("schedule", s.config.Schedule).Msg("started")
	return nil
}

// Stop stops scheduling and waits for a running sweep to return.
func (s *Sweeper) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	c, cancel := s.cron, s.cancel
	s.cron, s.cancel = nil, nil
	s.running = false
	s.mu.Unlock()

	cancel()
	<-c.Stop().Done()
	s.logger.Info().Msg("stopped")
}

// IsRunning returns true if sweeps are scheduled.
func (s *Sweeper) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// RunOnce performs a single sweep synchronously. If another replica holds
// the sweep lock the pass is skipped and reported as such.
func (s *Sweeper) RunOnce(ctx context.Context) (Report, error) {
	start := s.now()

	if s.locker != nil {
		h, err := s.locker.Acquire(ctx, []string{s.config.LockKey}, s.config.LockTTL)
		if errors.Is(err, lock.ErrNotAcquired) {
			s.logger.Debug().Msg("sweep lock held elsewhere, skipping")
			s.recordSkipped()
			return Report{Skipped: true}, nil
		}
		if err != nil {
			s.recordFailed()
			return Report{}, fmt.Errorf("sweeper: acquire lock: %w", err)
		}
		defer func() {
			if err := h.Release(context.WithoutCancel(ctx)); err != nil {
				s.logger.Warn().Err(err).Msg("failed to release sweep lock")
			}
		}()
	}

	var (
		report Report
		errs   []error
	)
	if s.purger != nil {
		n, err := s.purger.PurgeExpired(ctx)
		report.Idempotency = n
		if err != nil {
			errs = append(errs, fmt.Errorf("purge idempotency keys: %w", err))
		}
	}
	n, err := s.store.CleanupExpiredData(ctx)
	report.Storage = n
	if err != nil {
		errs = append(errs, fmt.Errorf("cleanup expired data: %w", err))
	}
	report.Duration = s.now().Sub(start)

	s.metrics.SweepCompleted(report.Removed())
	s.recordRun(report, len(errs) > 0)

	if err := errors.Join(errs...); err != nil {
		s.publish(ctx, event.NewEvent(event.EventAlertWarning).
			WithData("message", fmt.Sprintf("sweep failed: %v", err)).
			WithError(err))
		return report, err
	}

	s.publish(ctx, event.NewEvent(event.EventSweepCompleted).
		WithData("idempotency_removed", report.Idempotency).
		WithData("storage_removed", report.Storage))
	s.logger.Info().
		Int("idempotency_removed", report.Idempotency).
		Int("storage_removed", report.Storage).
		Dur("duration", report.Duration).
		Msg("sweep completed")
	return report, nil
}

func (s *Sweeper) publish(ctx context.Context, e event.Event) {
	if err := s.events.Publish(ctx, e); err != nil {
		s.logger.Warn().Err(err).Str("event", e.Type.String()).Msg("failed to publish event")
	}
}

// Stats holds the counters of a sweeper.
type Stats struct {
	Runs      int64
	Skipped   int64
	Failed    int64
	Removed   int64
	LastRun   time.Time
	IsRunning bool
}

// Stats returns the current counters.
func (s *Sweeper) Stats() Stats {
	s.statsMu.RLock()
	st := s.stats
	s.statsMu.RUnlock()
	st.IsRunning = s.IsRunning()
	return st
}

// ResetStats resets the counters.
func (s *Sweeper) ResetStats() {
	s.statsMu.Lock()
	defer s.statsMu.Unlock()
	s.stats = Stats{}
}

func (s *Sweeper) recordRun(r Report, failed bool) {
	s.statsMu.Lock()
	defer s.statsMu.Unlock()
	s.stats.Runs++
	s.stats.Removed += int64(r.Removed())
	s.stats.LastRun = s.now()
	if failed {
		s.stats.Failed++
	}
}

func (s *Sweeper) recordSkipped() {
	s.statsMu.Lock()
	defer s.statsMu.Unlock()
	s.stats.Skipped++
}

func (s *Sweeper) recordFailed() {
	s.statsMu.Lock()
	defer s.statsMu.Unlock()
	s.stats.Failed++
}
