package jobs

import (
	"context"
	"fmt"
	"time"

	"dream_analyzer_go_backend/internal/metrics"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

// Task is one maintenance step; it reports how many rows it touched.
type Task func(ctx context.Context) (int64, error)

type Scheduler struct {
	cron    *cron.Cron
	log     zerolog.Logger
	timeout time.Duration
}

func NewScheduler(log zerolog.Logger) *Scheduler {
	return &Scheduler{
		cron:    cron.New(cron.WithLocation(time.UTC)),
		log:     log.With().Str("component", "jobs").Logger(),
		timeout: time.Minute,
	}
}

// Add registers task under name on a cron spec such as "@every 15m".
func (s *Scheduler) Add(name, spec string, task Task) error {
	if _, err := s.cron.AddFunc(spec, func() { s.RunNow(name, task) }); err != nil {
		return fmt.Errorf("scheduling %s: %w", name, err)
	}
	return nil
}

// RunNow executes task once, logging and counting the outcome.
func (s *Scheduler) RunNow(name string, task Task) {
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()
	ctx = s.log.WithContext(ctx)

	start := time.Now()
	n, err := task(ctx)
	metrics.RecordJob(name, err == nil)
	if err != nil {
		s.log.Error().Err(err).Str("job", name).Msg("Maintenance job failed")
		return
	}
	s.log.Info().Str("job", name).Int64("rows", n).Dur("took", time.Since(start)).Msg("Maintenance job finished")
}

func (s *Scheduler) Start() {
	s.cron.Start()
}

// Stop prevents new runs and waits for running ones, or for ctx.
func (s *Scheduler) Stop(ctx context.Context) {
	select {
	case <-s.cron.Stop().Done():
	case <-ctx.Done():
	}
}

func (s *Scheduler) Len() int {
	return len(s.cron.Entries())
}
