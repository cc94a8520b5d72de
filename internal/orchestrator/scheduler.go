package orchestrator

import (
	"context"

	"github.com/robfig/cron/v3"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
)

// Scheduler fires the weekly batch on a cron spec.
type Scheduler struct {
	cron *cron.Cron
	orch *Orchestrator
	spec string
}

// NewScheduler builds a Scheduler over orch. spec uses the standard
// five-field cron syntax; the default is midnight every Monday.
func NewScheduler(orch *Orchestrator, spec string) *Scheduler {
	if spec == "" {
		spec = "0 0 * * MON"
	}
	return &Scheduler{
		cron: cron.New(),
		orch: orch,
		spec: spec,
	}
}

// Start registers the batch job and begins the cron loop in its own
// goroutine.
func (s *Scheduler) Start() error {
	_, err := s.cron.AddFunc(s.spec, func() {
		// The batch outlives any single request; it runs on a background
		// context and is cut off only by process shutdown.
		if err := s.orch.RunBatch(context.Background()); err != nil {
			if eris.Is(err, ErrBatchRunning) {
				zap.L().Warn("scheduler: previous batch still running, tick skipped")
				return
			}
			zap.L().Error("scheduler: batch run failed", zap.Error(err))
		}
	})
	if err != nil {
		return eris.Wrapf(err, "scheduler: invalid cron spec %q", s.spec)
	}

	s.cron.Start()
	zap.L().Info("scheduler: started", zap.String("spec", s.spec))
	return nil
}

// Stop halts scheduling and waits for a running batch job to return.
func (s *Scheduler) Stop() {
	ctx := s.cron.Stop()
	<-ctx.Done()
	zap.L().Info("scheduler: stopped")
}
