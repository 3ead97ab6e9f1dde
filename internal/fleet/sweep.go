package fleet

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/zulandar/mjgate/internal/jobs"
	"github.com/zulandar/mjgate/internal/models"
)

// TaskSet is the part of the task registry the sweeper needs.
type TaskSet interface {
	Find(pred func(t *models.Task) bool) []models.Task
	Fail(ctx context.Context, id, reason string) error
}

// Sweeper fails tasks that have been running longer than the timeout.
type Sweeper struct {
	tasks   TaskSet
	timeout time.Duration
	log     zerolog.Logger
	now     func() time.Time
}

// NewSweeper creates a Sweeper.
func NewSweeper(tasks TaskSet, timeout time.Duration, logger zerolog.Logger) *Sweeper {
	return &Sweeper{tasks: tasks, timeout: timeout, log: logger, now: time.Now}
}

// Sweep fails every expired task and reports how many it failed.
func (s *Sweeper) Sweep(ctx context.Context) int {
	cutoff := s.now().Add(-s.timeout)
	expired := s.tasks.Find(func(t *models.Task) bool {
		return !t.SubmitTime.IsZero() && t.SubmitTime.Before(cutoff)
	})
	failed := 0
	for _, t := range expired {
		err := s.tasks.Fail(ctx, t.ID, fmt.Sprintf("task timeout after %s", s.timeout))
		if errors.Is(err, jobs.ErrTerminal) {
			continue
		}
		if err != nil {
			s.log.Warn().Err(err).Str("task", t.ID).Msg("fail expired task")
			continue
		}
		failed++
	}
	if failed > 0 {
		s.log.Info().Int("count", failed).Msg("expired tasks failed")
	}
	return failed
}

// Schedule runs Sweep on the cron schedule until ctx is done.
func (s *Sweeper) Schedule(ctx context.Context, spec string) error {
	c := cron.New()
	if _, err := c.AddFunc(spec, func() { s.Sweep(ctx) }); err != nil {
		return fmt.Errorf("fleet: sweep schedule %q: %w", spec, err)
	}
	c.Start()
	<-ctx.Done()
	<-c.Stop().Done()
	return nil
}
