package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"pricealerts/internal/logger"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// DefaultSchedule runs the refresh once a minute.
const DefaultSchedule = "*/1 * * * *"

// ErrInvalidSchedule wraps cron expression parse failures.
var ErrInvalidSchedule = errors.New("invalid refresh schedule")

var (
	cyclesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "price_refresh_cycles_total",
			Help: "Refresh cycles by result",
		},
		[]string{"result"},
	)
	cycleDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "price_refresh_duration_seconds",
		Help:    "Duration of refresh cycles",
		Buckets: prometheus.DefBuckets,
	})
)

func init() {
	prometheus.MustRegister(cyclesTotal)
	prometheus.MustRegister(cycleDuration)
}

// Runner is one unit of scheduled work.
type Runner interface {
	Run(ctx context.Context) error
}

// ParseSchedule validates a standard five-field cron expression.
func ParseSchedule(expr string) (cron.Schedule, error) {
	sched, err := cron.ParseStandard(expr)
	if err != nil {
		return nil, fmt.Errorf("%w %q: %v", ErrInvalidSchedule, expr, err)
	}
	return sched, nil
}

// Scheduler runs a Runner on a cron cadence. Cycles never overlap: a tick
// or preload that arrives while a cycle is still running is skipped.
type Scheduler struct {
	runner Runner
	cache  PriceCache
	expr   string

	// running is held for the whole of one cycle.
	running sync.Mutex

	cron *cron.Cron
	mu   sync.Mutex
	ctx  context.Context
	stop context.CancelFunc
}

// New builds a scheduler. An invalid expression is replaced with
// DefaultSchedule and logged; it never fails.
func New(expr string, runner Runner, cache PriceCache) *Scheduler {
	valid := expr
	if _, err := ParseSchedule(expr); err != nil {
		logger.Log.Warn("Invalid cron expression, falling back to 1 minute interval",
			zap.String("cron", expr),
			zap.Error(err),
		)
		valid = DefaultSchedule
	}

	return &Scheduler{
		runner: runner,
		cache:  cache,
		expr:   valid,
	}
}

// Expr returns the cron expression actually in use.
func (s *Scheduler) Expr() string { return s.expr }

// Start registers the recurring job, then preloads: when the cache is cold
// a cycle runs synchronously before Start returns. Cancelling ctx does not
// reach a running cycle; only Stop ends the cycle context, after the cycle
// has finished.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cron != nil {
		return errors.New("scheduler already started")
	}

	s.ctx, s.stop = context.WithCancel(context.WithoutCancel(ctx))
	zl := zapCronLogger{}
	s.cron = cron.New(cron.WithChain(
		cron.Recover(zl),
	))
	if _, err := s.cron.AddFunc(s.expr, func() { s.RunOnce(s.ctx) }); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidSchedule, err)
	}
	s.cron.Start()
	logger.Log.Info("Price refresh scheduled", zap.String("cron", s.expr))

	s.preload(s.ctx)
	return nil
}

func (s *Scheduler) preload(ctx context.Context) {
	snap, err := s.cache.Get(ctx)
	if err != nil {
		logger.Log.Warn("Could not read price cache for preload", zap.Error(err))
	}
	if snap != nil {
		logger.Log.Info("Price cache warm, skipping preload")
		return
	}
	s.RunOnce(ctx)
}

// RunOnce runs a single cycle inside the catch boundary: errors and
// panics are logged, never propagated. It returns false without running
// when another cycle is in flight.
func (s *Scheduler) RunOnce(ctx context.Context) bool {
	if !s.running.TryLock() {
		cyclesTotal.WithLabelValues("skipped").Inc()
		logger.Log.Info("Price refresh still running, skipping tick")
		return false
	}
	defer s.running.Unlock()

	start := time.Now()
	defer func() {
		cycleDuration.Observe(time.Since(start).Seconds())
		if r := recover(); r != nil {
			cyclesTotal.WithLabelValues("panic").Inc()
			logger.Log.Error("Price refresh job panicked", zap.Any("panic", r))
		}
	}()

	if err := s.runner.Run(ctx); err != nil {
		cyclesTotal.WithLabelValues("error").Inc()
		logger.Log.Error("Failed to execute price refresh job", zap.Error(err))
		return true
	}
	cyclesTotal.WithLabelValues("ok").Inc()
	return true
}

// Stop halts the schedule and waits for an in-flight cycle to finish.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	c := s.cron
	s.mu.Unlock()
	if c == nil {
		return
	}

	<-c.Stop().Done()
	// Drain a cycle started outside cron, such as the preload.
	s.running.Lock()
	s.running.Unlock()
	s.stop()
	logger.Log.Info("Price refresh scheduler stopped")
}

// zapCronLogger adapts the global zap logger to cron.Logger.
type zapCronLogger struct{}

func (zapCronLogger) Info(msg string, keysAndValues ...interface{}) {
	logger.Log.Sugar().Debugw(msg, keysAndValues...)
}

func (zapCronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	logger.Log.Sugar().Errorw(msg, append(keysAndValues, "error", err)...)
}
