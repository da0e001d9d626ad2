// Package scheduler runs the QC pipeline's background tasks (§4.I):
// sealing collecting batches whose batch_date has rolled over, GCing
// Assignment View rows whose Redis lease has already expired, and
// refreshing the Assignment View's size gauge. Each task runs on its
// own ticker. The daily-seal and lease-GC tasks are each wrapped in a
// circuit breaker so a sustained failure (e.g. the database is down)
// backs the task off instead of hammering a struggling dependency
// every tick; the view-refresh task has no breaker and runs every tick.
package scheduler

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/sony/gobreaker"
	"golang.org/x/sync/errgroup"

	"github.com/surveyqc/qcpipeline/pkg/domain"
	"github.com/surveyqc/qcpipeline/pkg/metrics"
)

// BatchLister finds collecting batches whose batch_date has rolled
// past the daily-seal cutoff, and qc_in_progress batches still
// awaiting a remainder decision.
type BatchLister interface {
	ListCollectingBefore(ctx context.Context, cutoff time.Time) ([]domain.Batch, error)
	ListQCInProgress(ctx context.Context) ([]domain.Batch, error)
}

// RemainderEvaluator re-runs the remainder-decision evaluation for a
// single qc_in_progress batch using its own immutable config snapshot.
type RemainderEvaluator interface {
	EvaluateRemainder(ctx context.Context, batchID uuid.UUID, stats domain.QCStats, rules []domain.ApprovalRule) error
}

// SampleOutcomeCounter tallies a batch's sample responses by decision
// state, the input RemainderEvaluator needs.
type SampleOutcomeCounter interface {
	CountSampleOutcomes(ctx context.Context, batchID uuid.UUID) (domain.QCStats, error)
}

// ConfigResolver resolves the effective QC config used to seal a
// batch.
type ConfigResolver interface {
	Resolve(ctx context.Context, tenantID, surveyID uuid.UUID) (domain.QCConfig, error)
}

// Sealer applies the seal-time sampling split to a due batch.
type Sealer interface {
	Seal(ctx context.Context, batch domain.Batch, cfg domain.QCConfig) error
}

// LeaseGC reconciles the Assignment View's assigned rows against
// Redis's own lease TTLs.
type LeaseGC interface {
	GCExpiredLeases(ctx context.Context, assignedResponseIDs []uuid.UUID) (int, error)
}

// AssignedLister lists the Assignment View's currently-assigned
// response ids, the candidate set the lease-GC task reconciles, and
// rebuilds the view from source-of-truth.
type AssignedLister interface {
	ListAssigned(ctx context.Context) ([]uuid.UUID, error)
	Count(ctx context.Context) (int, error)
	Reconcile(ctx context.Context, batchSize int) (upserted, removed int, err error)
}

// viewReconcileBatchSize caps how many rows a single refresh tick's
// upsert/delete passes touch (§5: "refresh in small batches").
const viewReconcileBatchSize = 500

// Scheduler owns the daily-seal, lease-GC, and view-size-gauge
// background tasks.
type Scheduler struct {
	batches   BatchLister
	configs   ConfigResolver
	sealer    Sealer
	dispatch  LeaseGC
	view      AssignedLister
	remainder RemainderEvaluator
	responses SampleOutcomeCounter
	location  *time.Location
	log       *logrus.Entry

	sealBreaker  *gobreaker.CircuitBreaker
	leaseBreaker *gobreaker.CircuitBreaker
}

// New builds a Scheduler. location is the timezone batch_date rollover
// is evaluated in (§6 DAILY_SEAL_TZ).
func New(batches BatchLister, configs ConfigResolver, sealer Sealer, dispatch LeaseGC, view AssignedLister, remainder RemainderEvaluator, responses SampleOutcomeCounter, location *time.Location, log *logrus.Entry) *Scheduler {
	breakerSettings := func(name string) gobreaker.Settings {
		return gobreaker.Settings{
			Name:        name,
			MaxRequests: 1,
			Interval:    time.Minute,
			Timeout:     30 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 3
			},
		}
	}
	return &Scheduler{
		batches:      batches,
		configs:      configs,
		sealer:       sealer,
		dispatch:     dispatch,
		view:         view,
		remainder:    remainder,
		responses:    responses,
		location:     location,
		log:          log,
		sealBreaker:  gobreaker.NewCircuitBreaker(breakerSettings("daily-seal")),
		leaseBreaker: gobreaker.NewCircuitBreaker(breakerSettings("lease-gc")),
	}
}

// TriggerDailySeal runs the daily-seal task (seal due collecting
// batches, then re-evaluate every qc_in_progress batch's remainder
// decision) once, outside of its regular ticker. This is the admin
// "process batches now" surface (§6 POST /batches/process); it shares
// the same circuit breaker as the ticked task, so a manual trigger
// during an open breaker fails the same way the ticked run would.
func (s *Scheduler) TriggerDailySeal(ctx context.Context) error {
	return s.runDailySeal(ctx)
}

// Run starts every background task on its own ticker and blocks until
// ctx is cancelled. A failing task run is logged and retried on the
// task's next tick; it does not stop Run.
func (s *Scheduler) Run(ctx context.Context, sealInterval, leaseGCInterval, viewRefreshInterval time.Duration) error {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error { return s.loop(ctx, sealInterval, s.runDailySeal) })
	g.Go(func() error { return s.loop(ctx, leaseGCInterval, s.runLeaseGC) })
	g.Go(func() error { return s.loop(ctx, viewRefreshInterval, s.runViewSizeRefresh) })

	return g.Wait()
}

func (s *Scheduler) loop(ctx context.Context, interval time.Duration, task func(ctx context.Context) error) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := task(ctx); err != nil {
				s.log.WithError(err).Warn("scheduled task failed, will retry next tick")
			}
		}
	}
}

// runDailySeal seals every collecting batch whose batch_date has
// rolled into the past relative to now, in s.location, then re-runs the
// remainder-decision evaluation for every batch still in qc_in_progress
// (§4.I: "For every batch in qc_in_progress, call remainder-decision
// evaluation") — a safety net for a batch whose triggering verdict
// landed in a request that died before the opportunistic evaluation at
// the end of SubmitVerdict or OnResponseSubmitted could run.
func (s *Scheduler) runDailySeal(ctx context.Context) error {
	now := time.Now().In(s.location)
	cutoff := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, s.location)
	_, err := s.sealBreaker.Execute(func() (interface{}, error) {
		due, err := s.batches.ListCollectingBefore(ctx, cutoff)
		if err != nil {
			return nil, err
		}
		for _, batch := range due {
			cfg, err := s.configs.Resolve(ctx, batch.TenantID, batch.SurveyID)
			if err != nil {
				s.log.WithError(err).WithField("batchId", batch.ID).Warn("config resolution failed, skipping seal this tick")
				continue
			}
			if err := s.sealer.Seal(ctx, batch, cfg); err != nil {
				s.log.WithError(err).WithField("batchId", batch.ID).Warn("batch seal failed, will retry next tick")
				continue
			}
		}

		inProgress, err := s.batches.ListQCInProgress(ctx)
		if err != nil {
			return nil, err
		}
		for _, batch := range inProgress {
			if batch.BatchConfig == nil || s.remainder == nil || s.responses == nil {
				continue
			}
			stats, err := s.responses.CountSampleOutcomes(ctx, batch.ID)
			if err != nil {
				s.log.WithError(err).WithField("batchId", batch.ID).Warn("sample outcome count failed, skipping remainder evaluation this tick")
				continue
			}
			if err := s.remainder.EvaluateRemainder(ctx, batch.ID, stats, batch.BatchConfig.ApprovalRules); err != nil {
				s.log.WithError(err).WithField("batchId", batch.ID).Warn("remainder evaluation failed, will retry next tick")
				continue
			}
		}
		return nil, nil
	})
	return err
}

// runLeaseGC reclaims Assignment View rows whose Redis lease has
// already expired.
func (s *Scheduler) runLeaseGC(ctx context.Context) error {
	_, err := s.leaseBreaker.Execute(func() (interface{}, error) {
		assigned, err := s.view.ListAssigned(ctx)
		if err != nil {
			return nil, err
		}
		reclaimed, err := s.dispatch.GCExpiredLeases(ctx, assigned)
		if err != nil {
			return nil, err
		}
		if reclaimed > 0 {
			s.log.WithField("reclaimed", reclaimed).Info("lease GC reclaimed expired assignments")
		}
		return nil, nil
	})
	return err
}

// runViewSizeRefresh rebuilds the Assignment View from source-of-truth
// (§4.F, §4.I "periodic assignment view refresh"): upserting newly
// qualifying responses and removing rows whose response or batch no
// longer qualifies, then refreshing the view-size gauge off the
// post-reconcile count.
func (s *Scheduler) runViewSizeRefresh(ctx context.Context) error {
	upserted, removed, err := s.view.Reconcile(ctx, viewReconcileBatchSize)
	if err != nil {
		return err
	}
	if upserted > 0 || removed > 0 {
		s.log.WithFields(logrus.Fields{"upserted": upserted, "removed": removed}).Info("assignment view reconciled")
	}

	n, err := s.view.Count(ctx)
	if err != nil {
		return err
	}
	metrics.SetAssignmentViewSize(n)
	return nil
}
