package metrics

import (
	"context"
	"sync"
	"time"

	"github.com/go-co-op/gocron/v2"
	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/disk"
	"github.com/shirou/gopsutil/v4/host"
	"github.com/shirou/gopsutil/v4/mem"
	"go.uber.org/zap"

	"github.com/torvus/raspictl/internal/ctlerr"
)

const (
	// MinInterval and MaxInterval bound the sampler tick, per spec.md §4.4
	// and the boundary case in §8 ("Sampling interval of 0 or > 3600 raises
	// invalid_argument").
	MinInterval = 1 * time.Second
	MaxInterval = 3600 * time.Second

	defaultInterval = 60 * time.Second
)

// Config configures a Sampler instance.
type Config struct {
	Interval         time.Duration
	MetricTypes      []MetricType // empty means the full default set
	DiskPath         string       // filesystem path sampled for disk_percent; defaults to "/"
	RetentionSeconds int64        // 0 means DefaultRetention
}

func (c Config) withDefaults() Config {
	if len(c.MetricTypes) == 0 {
		c.MetricTypes = []MetricType{MetricCPUPercent, MetricMemoryPercent, MetricDiskPercent, MetricCPUTempCelsius}
	}
	if c.DiskPath == "" {
		c.DiskPath = "/"
	}
	if c.RetentionSeconds == 0 {
		c.RetentionSeconds = DefaultRetention
	}
	return c
}

func (c Config) validate() error {
	if c.Interval < MinInterval || c.Interval > MaxInterval {
		return ctlerr.InvalidArgumentf(map[string]any{"parameter": "interval_seconds", "value": c.Interval.Seconds()},
			"metrics: sampling interval must be between %s and %s", MinInterval, MaxInterval)
	}
	return nil
}

// Sampler is the cooperative background task described in spec.md §4.4. It
// wakes on a fixed interval, samples the configured metric subset, writes a
// batch, then enforces retention. Starting twice is a no-op past the first
// start; stopping twice is a no-op past the first stop.
type Sampler struct {
	cfg    Config
	store  *Store
	logger *zap.Logger

	mu      sync.Mutex
	cron    gocron.Scheduler
	started bool
}

// NewSampler builds a Sampler writing into store. cfg is defaulted here and
// validated on Start, so construction never fails.
func NewSampler(store *Store, cfg Config, logger *zap.Logger) *Sampler {
	return &Sampler{cfg: cfg.withDefaults(), store: store, logger: logger.Named("metrics.sampler")}
}

// Start begins the periodic tick. Idempotent: a second call while already
// running returns nil without creating a second schedule.
func (s *Sampler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.started {
		return nil
	}
	if err := s.cfg.validate(); err != nil {
		return err
	}

	sch, err := gocron.NewScheduler()
	if err != nil {
		return ctlerr.Internalf(err, nil, "metrics: creating scheduler")
	}

	_, err = sch.NewJob(
		gocron.DurationJob(s.cfg.Interval),
		gocron.NewTask(func() {
			s.tick(ctx)
		}),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
	if err != nil {
		return ctlerr.Internalf(err, nil, "metrics: scheduling sampler job")
	}

	s.cron = sch
	s.cron.Start()
	s.started = true
	s.logger.Info("sampler started", zap.Duration("interval", s.cfg.Interval))
	return nil
}

// Stop drains the current tick (gocron waits for in-flight jobs on
// shutdown) before returning. Idempotent past the first call.
func (s *Sampler) Stop(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.started {
		return nil
	}

	done := make(chan error, 1)
	go func() { done <- s.cron.Shutdown() }()

	select {
	case err := <-done:
		s.started = false
		if err != nil {
			return ctlerr.Internalf(err, nil, "metrics: sampler shutdown")
		}
		s.logger.Info("sampler stopped")
		return nil
	case <-ctx.Done():
		// Escalate to cancellation: the caller's context expired while we
		// waited for the current tick to drain. The shutdown goroutine above
		// keeps running to completion in the background.
		s.started = false
		return ctlerr.Timeoutf(nil, "metrics: sampler stop timed out waiting for drain")
	}
}

// tick samples every configured metric type, writes the batch, then
// enforces retention. A failure sampling one metric type is logged and
// skipped; it never aborts the tick or terminates the task.
func (s *Sampler) tick(ctx context.Context) {
	now := float64(time.Now().Unix())
	batch := make([]Sample, 0, len(s.cfg.MetricTypes))

	for _, mt := range s.cfg.MetricTypes {
		value, err := s.sampleOne(ctx, mt)
		if err != nil {
			s.logger.Warn("sample failed, skipping", zap.String("metric_type", string(mt)), zap.Error(err))
			continue
		}
		batch = append(batch, Sample{Timestamp: now, MetricType: mt, Value: value})
	}

	if err := s.store.InsertBatch(ctx, batch); err != nil {
		s.logger.Error("writing metric batch failed", zap.Error(err))
		return
	}

	if err := s.store.EnforceRetention(ctx, now, s.cfg.RetentionSeconds); err != nil {
		s.logger.Error("retention enforcement failed", zap.Error(err))
	}
}

func (s *Sampler) sampleOne(ctx context.Context, mt MetricType) (float64, error) {
	switch mt {
	case MetricCPUPercent:
		percents, err := cpu.PercentWithContext(ctx, 0, false)
		if err != nil || len(percents) == 0 {
			return 0, ctlerr.Internalf(err, nil, "metrics: sampling cpu_percent")
		}
		return percents[0], nil

	case MetricMemoryPercent:
		vm, err := mem.VirtualMemoryWithContext(ctx)
		if err != nil {
			return 0, ctlerr.Internalf(err, nil, "metrics: sampling memory_percent")
		}
		return vm.UsedPercent, nil

	case MetricDiskPercent:
		du, err := disk.UsageWithContext(ctx, s.cfg.DiskPath)
		if err != nil {
			return 0, ctlerr.Internalf(err, nil, "metrics: sampling disk_percent")
		}
		return du.UsedPercent, nil

	case MetricCPUTempCelsius:
		temps, err := host.SensorsTemperaturesWithContext(ctx)
		if err != nil || len(temps) == 0 {
			return 0, ctlerr.Internalf(err, nil, "metrics: sampling cpu_temperature_celsius")
		}
		return temps[0].Temperature, nil

	default:
		return 0, ctlerr.InvalidArgumentf(map[string]any{"parameter": "metric_type", "value": string(mt)}, "metrics: unknown metric type %q", mt)
	}
}
