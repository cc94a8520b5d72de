// Package orchestrator drives the weekly analysis batch: fan-out over all
// members under a bounded worker pool, per-member status lifecycle, and the
// status surface callers poll.
package orchestrator

import (
	"context"
	"sync/atomic"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/Kyeong6/EATceed-AI/internal/apperr"
	"github.com/Kyeong6/EATceed-AI/internal/evaluate"
	"github.com/Kyeong6/EATceed-AI/internal/model"
	"github.com/Kyeong6/EATceed-AI/internal/store"
)

// ErrBatchRunning is returned when a trigger lands while a batch is
// already in flight. The running batch is unaffected.
var ErrBatchRunning = eris.New("orchestrator: batch already running")

// MetricsCollector produces one member's normalized pipeline input.
// Satisfied by *nutrition.Aggregator.
type MetricsCollector interface {
	Collect(ctx context.Context, memberID int64) (*model.UserMetrics, error)
}

// AnalysisRunner executes the scored analysis flow for one member.
// Satisfied by *evaluate.Runner.
type AnalysisRunner interface {
	Execute(ctx context.Context, metrics *model.UserMetrics) (*model.AnalysisResult, evaluate.Scores, error)
}

// Orchestrator owns batch execution and status queries.
type Orchestrator struct {
	store       store.Store
	collector   MetricsCollector
	runner      AnalysisRunner
	concurrency int

	inFlight atomic.Bool
}

// New builds an Orchestrator. concurrency bounds the number of members
// processed at once; values below 1 fall back to 10.
func New(st store.Store, collector MetricsCollector, runner AnalysisRunner, concurrency int) *Orchestrator {
	if concurrency < 1 {
		concurrency = 10
	}
	return &Orchestrator{
		store:       st,
		collector:   collector,
		runner:      runner,
		concurrency: concurrency,
	}
}

// BatchActive reports whether a batch is currently in flight in this
// process.
func (o *Orchestrator) BatchActive() bool {
	return o.inFlight.Load()
}

// RunBatch processes every member once. One member's failure never aborts
// the batch; each failure is recorded on that member's status row and the
// batch moves on. A second concurrent call returns ErrBatchRunning without
// starting anything.
func (o *Orchestrator) RunBatch(ctx context.Context) error {
	if !o.inFlight.CompareAndSwap(false, true) {
		return ErrBatchRunning
	}
	defer o.inFlight.Store(false)

	return o.runBatch(ctx)
}

// StartBatch claims the single-flight slot and runs the batch in the
// background. The claim happens before return, so a nil result means this
// call really started a new batch and ErrBatchRunning means one was
// already live.
func (o *Orchestrator) StartBatch(ctx context.Context) error {
	if !o.inFlight.CompareAndSwap(false, true) {
		return ErrBatchRunning
	}
	go func() {
		defer o.inFlight.Store(false)
		if err := o.runBatch(ctx); err != nil {
			zap.L().Error("orchestrator: background batch failed", zap.Error(err))
		}
	}()
	return nil
}

func (o *Orchestrator) runBatch(ctx context.Context) error {
	memberIDs, err := o.store.ListMemberIDs(ctx)
	if err != nil {
		return eris.Wrap(err, "orchestrator: list members")
	}
	if len(memberIDs) == 0 {
		zap.L().Info("orchestrator: no members to analyze")
		return nil
	}

	zap.L().Info("orchestrator: batch starting",
		zap.Int("members", len(memberIDs)),
		zap.Int("concurrency", o.concurrency),
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(o.concurrency)

	var succeeded, failed, skipped atomic.Int64

	for _, memberID := range memberIDs {
		g.Go(func() error {
			log := zap.L().With(zap.Int64("member_id", memberID))

			pending, err := o.store.HasPendingForMember(gctx, memberID)
			if err != nil {
				failed.Add(1)
				log.Error("orchestrator: pending check failed", zap.Error(err))
				return nil
			}
			if pending {
				skipped.Add(1)
				log.Info("orchestrator: analysis already pending, skipping")
				return nil
			}

			if err := o.analyzeMember(gctx, memberID); err != nil {
				failed.Add(1)
				log.Error("orchestrator: member analysis failed", zap.Error(err))
				return nil // individual failure never aborts the batch
			}

			succeeded.Add(1)
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return eris.Wrap(err, "orchestrator: batch wait")
	}

	zap.L().Info("orchestrator: batch complete",
		zap.Int64("succeeded", succeeded.Load()),
		zap.Int64("failed", failed.Load()),
		zap.Int64("skipped", skipped.Load()),
	)
	return nil
}

// analyzeMember runs one member through the full lifecycle. Every path out
// of a PENDING row ends in exactly one COMPLETED or FAILED transition.
func (o *Orchestrator) analyzeMember(ctx context.Context, memberID int64) error {
	log := zap.L().With(zap.Int64("member_id", memberID))

	status, err := o.store.CreateAnalysisStatus(ctx, memberID)
	if err != nil {
		return eris.Wrap(err, "orchestrator: create status")
	}

	fail := func(cause error) error {
		if failErr := o.store.FailAnalysisStatus(ctx, status.ID); failErr != nil {
			log.Error("orchestrator: could not mark status failed",
				zap.String("status_id", status.ID),
				zap.Error(failErr),
			)
		}
		return cause
	}

	metrics, err := o.collector.Collect(ctx, memberID)
	if err != nil {
		if apperr.IsInputUnavailable(err) {
			// Terminal by definition: no meals this week means nothing to
			// analyze until the next scheduled run.
			log.Info("orchestrator: no qualifying meal records")
			return fail(err)
		}
		return fail(eris.Wrap(err, "orchestrator: collect metrics"))
	}

	result, scores, err := o.runner.Execute(ctx, metrics)
	if err != nil {
		if stage := apperr.FailingStage(err); stage != "" {
			log.Error("orchestrator: pipeline stage failed", zap.String("stage", stage))
		}
		return fail(err)
	}

	if _, err := o.store.CreateEatHabits(ctx, status.ID, *result); err != nil {
		// The completed analysis is lost; the member shows FAILED and the
		// next batch produces a fresh result.
		log.Error("orchestrator: analysis result lost, persistence failed",
			zap.String("status_id", status.ID),
			zap.Error(err),
		)
		return fail(&apperr.PersistenceError{Op: "create eat habits", Err: err})
	}

	if err := o.store.CompleteAnalysisStatus(ctx, status.ID); err != nil {
		return fail(&apperr.PersistenceError{Op: "complete status", Err: err})
	}

	log.Info("orchestrator: member analysis complete",
		zap.String("status_id", status.ID),
		zap.Float64("relevance", scores.Relevance),
		zap.Float64("faithfulness", scores.Faithfulness),
	)
	return nil
}

// GetStatus derives the member's lifecycle state from their latest status
// row. BatchActive is a best-effort hint that other members are still being
// processed, so a caller with no row of their own may simply be queued.
func (o *Orchestrator) GetStatus(ctx context.Context, memberID int64) (*model.MemberStatus, error) {
	latest, err := o.store.LatestAnalysisStatus(ctx, memberID)
	if err != nil {
		return nil, eris.Wrap(err, "orchestrator: latest status")
	}

	ms := &model.MemberStatus{State: latest.State(), BatchActive: o.inFlight.Load()}
	if latest != nil {
		t := latest.AnalysisDate
		ms.LastRunAt = &t
	}

	if !ms.BatchActive {
		othersPending, err := o.store.AnyOtherPending(ctx, memberID)
		if err != nil {
			zap.L().Warn("orchestrator: pending hint unavailable", zap.Error(err))
		} else {
			ms.BatchActive = othersPending
		}
	}
	return ms, nil
}

// GetLatestResult returns the member's most recent completed analysis, or
// nil when none exists yet.
func (o *Orchestrator) GetLatestResult(ctx context.Context, memberID int64) (*model.EatHabits, error) {
	latest, err := o.store.LatestCompletedStatus(ctx, memberID)
	if err != nil {
		return nil, eris.Wrap(err, "orchestrator: latest completed status")
	}
	if latest == nil {
		return nil, nil
	}

	habits, err := o.store.GetEatHabitsByStatus(ctx, latest.ID)
	if err != nil {
		return nil, eris.Wrap(err, "orchestrator: load eat habits")
	}
	return habits, nil
}
