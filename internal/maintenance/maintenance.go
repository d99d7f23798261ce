// Package maintenance runs the periodic housekeeping jobs: pruning resolved
// spawns and optionally clearing the speech cache.
package maintenance

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/robfig/cron/v3"

	"mvpbot/pkg/logx"
)

// SecondOptional allows both 5-field and 6-field (with seconds) specs.
var parser = cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// ParseSchedule parses a cron spec ("0 4 * * *", "@daily", "@every 6h").
func ParseSchedule(spec string) (cron.Schedule, error) {
	s := strings.TrimSpace(spec)
	if s == "" {
		return nil, fmt.Errorf("schedule required")
	}
	return parser.Parse(s)
}

type Pruner interface {
	PruneSpawns(ctx context.Context, before time.Time) (int64, error)
}

type CacheClearer interface {
	Clear() (int, error)
}

type Config struct {
	PruneSchedule string
	Retention     time.Duration
	// CacheClearSchedule is optional; empty disables the job.
	CacheClearSchedule string
	Location           *time.Location
}

type Service struct {
	pruner Pruner
	cache  CacheClearer
	clock  clockwork.Clock
	log    logx.Logger

	mu  sync.Mutex
	cfg Config
	c   *cron.Cron
	ctx context.Context
}

func New(cfg Config, pruner Pruner, cache CacheClearer, clock clockwork.Clock, log logx.Logger) *Service {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Service{cfg: cfg, pruner: pruner, cache: cache, clock: clock, log: log.Component("maintenance")}
}

// Start registers the jobs and starts triggering. Jobs inherit ctx.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c != nil {
		return nil
	}
	s.ctx = ctx
	return s.startLocked()
}

func (s *Service) startLocked() error {
	loc := s.cfg.Location
	if loc == nil {
		loc = time.Local
	}
	c := cron.New(
		cron.WithParser(parser),
		cron.WithLocation(loc),
		cron.WithChain(cron.Recover(cronLogger{s.log}), cron.SkipIfStillRunning(cronLogger{s.log})),
	)
	if _, err := c.AddFunc(s.cfg.PruneSchedule, func() { _, _ = s.RunPrune(s.ctx) }); err != nil {
		return fmt.Errorf("prune schedule: %w", err)
	}
	if spec := strings.TrimSpace(s.cfg.CacheClearSchedule); spec != "" && s.cache != nil {
		if _, err := c.AddFunc(spec, func() { _, _ = s.RunCacheClear() }); err != nil {
			return fmt.Errorf("cache clear schedule: %w", err)
		}
	}
	c.Start()
	s.c = c
	s.log.Info("service started",
		logx.String("prune", s.cfg.PruneSchedule),
		logx.String("cache_clear", s.cfg.CacheClearSchedule),
		logx.String("tz", loc.String()),
	)
	return nil
}

// Apply swaps the config. Running cron restarts with the new schedules.
func (s *Service) Apply(cfg Config) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cfg = cfg
	if s.c == nil {
		return nil
	}
	<-s.c.Stop().Done()
	s.c = nil
	return s.startLocked()
}

// Stop stops triggering and waits for running jobs or ctx.
func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	c := s.c
	s.c = nil
	s.mu.Unlock()
	if c == nil {
		return
	}
	select {
	case <-c.Stop().Done():
	case <-ctx.Done():
	}
	s.log.Info("service stopped")
}

// RunPrune deletes spawns resolved before now minus the retention.
func (s *Service) RunPrune(ctx context.Context) (int64, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	retention := s.cfg.Retention
	s.mu.Unlock()
	if retention <= 0 {
		retention = 30 * 24 * time.Hour
	}
	cutoff := s.clock.Now().Add(-retention)
	n, err := s.pruner.PruneSpawns(ctx, cutoff)
	if err != nil {
		s.log.Warn("prune failed", logx.Err(err))
		return 0, err
	}
	s.log.Info("spawns pruned", logx.Int64("deleted", n), logx.Time("before", cutoff))
	return n, nil
}

func (s *Service) RunCacheClear() (int, error) {
	if s.cache == nil {
		return 0, nil
	}
	n, err := s.cache.Clear()
	if err != nil {
		s.log.Warn("cache clear failed", logx.Err(err))
		return n, err
	}
	s.log.Info("speech cache cleared", logx.Int("removed", n))
	return n, nil
}

// cronLogger adapts logx to cron.Logger.
type cronLogger struct{ log logx.Logger }

func (l cronLogger) Info(msg string, kv ...any) {
	l.log.Debug("cron: "+msg, kvFields(kv)...)
}

func (l cronLogger) Error(err error, msg string, kv ...any) {
	l.log.Error("cron: "+msg, append(kvFields(kv), logx.Err(err))...)
}

func kvFields(kv []any) []logx.Field {
	out := make([]logx.Field, 0, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		out = append(out, logx.Any(fmt.Sprint(kv[i]), kv[i+1]))
	}
	return out
}
