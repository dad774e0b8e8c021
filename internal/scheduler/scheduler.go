// Package scheduler drives periodic alert runs with cron.
package scheduler

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/cropalert/backend/internal/service"
)

// Config holds the scheduler configuration
type Config struct {
	// Schedule is a cron expression or descriptor (e.g. "*/5 * * * *" or "@every 5m")
	Schedule string
	// Timeout is the maximum duration for a complete alert run
	Timeout time.Duration
	// Enabled determines if the scheduler should run
	Enabled bool
}

// DefaultConfig returns the default scheduler configuration
func DefaultConfig() Config {
	return Config{
		Schedule: "@every 5m",
		Timeout:  4 * time.Minute,
		Enabled:  true,
	}
}

// Runner executes one alert cycle.
type Runner interface {
	Run(ctx context.Context) (*service.RunReport, error)
}

// Scheduler manages the scheduled alert job
type Scheduler struct {
	cron    *cron.Cron
	runner  Runner
	metrics *MetricsCollector
	config  Config
	logger  *slog.Logger
	entryID cron.EntryID

	// base is cancelled by Stop so an in-flight run ends between subscriptions.
	base       context.Context
	cancelBase context.CancelFunc
}

// New creates a new Scheduler instance
func New(cfg Config, runner Runner, metrics *MetricsCollector, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	if metrics == nil {
		metrics = NewMetricsCollector()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultConfig().Timeout
	}

	cronLogger := cron.PrintfLogger(slog.NewLogLogger(logger.Handler(), slog.LevelInfo))
	base, cancelBase := context.WithCancel(context.Background())

	return &Scheduler{
		cron: cron.New(
			cron.WithSeconds(),
			cron.WithLogger(cronLogger),
			cron.WithChain(cron.Recover(cronLogger), cron.SkipIfStillRunning(cronLogger)),
		),
		runner:  runner,
		metrics: metrics,
		config:  cfg,
		logger:  logger,

		base:       base,
		cancelBase: cancelBase,
	}
}

// normalizeSchedule converts standard cron (5 fields) to cron with
// seconds (6 fields). Descriptors such as "@every 5m" pass through.
func normalizeSchedule(schedule string) string {
	schedule = strings.TrimSpace(schedule)
	if strings.HasPrefix(schedule, "@") {
		return schedule
	}
	if len(strings.Fields(schedule)) == 5 {
		return "0 " + schedule
	}
	return schedule
}

// Start begins the scheduler
func (s *Scheduler) Start() error {
	if !s.config.Enabled {
		s.logger.Info("Scheduler is disabled, skipping start")
		return nil
	}

	entryID, err := s.cron.AddFunc(normalizeSchedule(s.config.Schedule), s.runJob)
	if err != nil {
		return err
	}

	s.entryID = entryID
	s.cron.Start()

	s.logger.Info("Scheduler started",
		slog.String("schedule", s.config.Schedule),
		slog.Duration("timeout", s.config.Timeout),
	)

	return nil
}

// Stop halts scheduling and cancels any run in progress, scheduled or
// manual. The returned context is done once a running job has returned.
func (s *Scheduler) Stop() context.Context {
	s.logger.Info("Stopping scheduler...")
	done := s.cron.Stop()
	s.cancelBase()
	return done
}

// RunNow runs one cycle synchronously. It returns service.ErrRunInProgress
// when a scheduled run is still going. The run ends early if ctx is done or
// the scheduler is stopped.
func (s *Scheduler) RunNow(ctx context.Context) (*service.RunReport, error) {
	ctx, cancel := context.WithTimeout(ctx, s.config.Timeout)
	defer cancel()
	stopAfter := context.AfterFunc(s.base, cancel)
	defer stopAfter()
	return s.run(ctx)
}

func (s *Scheduler) runJob() {
	ctx, cancel := context.WithTimeout(s.base, s.config.Timeout)
	defer cancel()
	_, _ = s.run(ctx)
}

func (s *Scheduler) run(ctx context.Context) (*service.RunReport, error) {
	startTime := time.Now()
	s.logger.Info("Starting alert run", slog.Time("start_time", startTime))

	report, err := s.runner.Run(ctx)
	s.metrics.RecordRun(report, err, startTime)
	duration := time.Since(startTime)

	switch {
	case errors.Is(err, service.ErrRunInProgress):
		s.logger.Warn("Alert run skipped, previous run still in progress")
	case err != nil:
		s.logger.Error("Alert run failed",
			slog.String("error", err.Error()),
			slog.Duration("duration", duration),
		)
	default:
		s.logger.Info("Alert run completed",
			slog.String("run_id", report.RunID),
			slog.Int("subscriptions", report.Subscriptions),
			slog.Int("sent", report.Count(service.OutcomeSent)),
			slog.Duration("duration", duration),
		)
	}

	return report, err
}

// Metrics returns the collector fed by this scheduler.
func (s *Scheduler) Metrics() *MetricsCollector {
	return s.metrics
}

// Health reports run health together with the next scheduled run.
func (s *Scheduler) Health() HealthStatus {
	return s.metrics.GetHealthStatus(s.GetNextRunTime())
}

// GetNextRunTime returns the next scheduled run time
func (s *Scheduler) GetNextRunTime() time.Time {
	if s.entryID == 0 {
		return time.Time{}
	}
	entry := s.cron.Entry(s.entryID)
	return entry.Next
}

// GetLastRunTime returns the last run time
func (s *Scheduler) GetLastRunTime() time.Time {
	if s.entryID == 0 {
		return time.Time{}
	}
	entry := s.cron.Entry(s.entryID)
	return entry.Prev
}

// IsRunning returns true if the scheduler is running
func (s *Scheduler) IsRunning() bool {
	return s.cron != nil && len(s.cron.Entries()) > 0
}
