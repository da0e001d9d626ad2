// Package dispatcher implements the Leased Assignment Dispatcher
// (§4.G): it hands a verifier the next available response for their
// mode, exclusively, for a bounded lease window, using Redis as the
// lease store so lease acquisition is a single atomic conditional
// write rather than a database transaction.
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	qcerrors "github.com/surveyqc/qcpipeline/internal/errors"
	"github.com/surveyqc/qcpipeline/pkg/domain"
	"github.com/surveyqc/qcpipeline/pkg/metrics"
)

// releaseIfOwnedScript atomically deletes a lease key only if it is
// still held by the caller, preventing a verifier from releasing a
// lease that has already expired and been re-acquired by someone else.
const releaseIfOwnedScript = `
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
else
	return 0
end`

// AssignmentView is the subset of the Assignment View this dispatcher
// needs.
type AssignmentView interface {
	Next(ctx context.Context, mode domain.Mode, exclude []string) (domain.Assignment, error)
	MarkAssigned(ctx context.Context, responseID string) error
	MarkAvailable(ctx context.Context, responseID string, lastSkippedAt *time.Time) error
}

// Dispatcher is the Redis-backed Leased Assignment Dispatcher.
type Dispatcher struct {
	redis         *redis.Client
	view          AssignmentView
	leaseDuration time.Duration
	maxRetries    int
	log           *logrus.Entry
}

// New builds a Dispatcher.
func New(client *redis.Client, view AssignmentView, leaseDuration time.Duration, maxRetries int, log *logrus.Entry) *Dispatcher {
	return &Dispatcher{redis: client, view: view, leaseDuration: leaseDuration, maxRetries: maxRetries, log: log}
}

func leaseKey(responseID string) string {
	return "qc:lease:" + responseID
}

// NextAssignment returns the next available response for mode, leased
// exclusively to agentID. It retries up to maxRetries times against
// the view's next-best candidate when a lease-acquisition race is
// lost, accumulating the losing candidates into a per-call exclusion
// set so the same candidate is never offered twice within one call
// (exclusion is call-scoped, not a retry-with-delay loop). The set
// starts empty: there is no caller-supplied id to exclude, and a
// response the agent skipped earlier is only demoted through its
// lastSkippedAt ordering, not excluded.
func (d *Dispatcher) NextAssignment(ctx context.Context, mode domain.Mode, agentID string) (domain.Assignment, domain.Lease, error) {
	start := time.Now()
	var exclude []string

	for attempt := 0; attempt <= d.maxRetries; attempt++ {
		candidate, err := d.view.Next(ctx, mode, exclude)
		if err != nil {
			if qcerrors.IsType(err, qcerrors.ErrorTypeNotFound) {
				metrics.RecordDispatch(string(mode), metrics.DispatchEmpty, time.Since(start))
				return domain.Assignment{}, domain.Lease{}, err
			}
			return domain.Assignment{}, domain.Lease{}, err
		}

		lease, acquired, err := d.acquireLease(ctx, candidate.ResponseID, agentID)
		if err != nil {
			return domain.Assignment{}, domain.Lease{}, err
		}
		if !acquired {
			metrics.RecordLeaseConflict()
			exclude = append(exclude, candidate.ResponseID.String())
			continue
		}

		if err := d.view.MarkAssigned(ctx, candidate.ResponseID.String()); err != nil {
			return domain.Assignment{}, domain.Lease{}, err
		}
		metrics.RecordDispatch(string(mode), metrics.DispatchHit, time.Since(start))
		return candidate, lease, nil
	}

	metrics.RecordDispatch(string(mode), metrics.DispatchLeaseLost, time.Since(start))
	return domain.Assignment{}, domain.Lease{}, qcerrors.NewTransientError("next assignment",
		fmt.Errorf("exhausted %d lease-acquisition retries", d.maxRetries))
}

func (d *Dispatcher) acquireLease(ctx context.Context, responseID uuid.UUID, agentID string) (domain.Lease, bool, error) {
	now := time.Now().UTC()
	ok, err := d.redis.SetNX(ctx, leaseKey(responseID.String()), agentID, d.leaseDuration).Result()
	if err != nil {
		return domain.Lease{}, false, qcerrors.NewTransientError("acquire lease", err)
	}
	if !ok {
		return domain.Lease{}, false, nil
	}
	return domain.Lease{LeasedTo: agentID, LeasedAt: now, ExpiresAt: now.Add(d.leaseDuration)}, true, nil
}

// ReleaseAssignment releases agentID's lease on responseID early (the
// verifier finished before the lease expired), making the response
// immediately available again with no skip penalty.
func (d *Dispatcher) ReleaseAssignment(ctx context.Context, responseID uuid.UUID, agentID string) error {
	if err := d.releaseOwnedLease(ctx, responseID, agentID); err != nil {
		return err
	}
	return d.view.MarkAvailable(ctx, responseID.String(), nil)
}

// SkipAssignment releases agentID's lease on responseID and records a
// skip timestamp, which demotes the response to the back of its
// dispatch-priority tier (§4.G skip semantics) without retrying it
// against the same caller in this call.
func (d *Dispatcher) SkipAssignment(ctx context.Context, responseID uuid.UUID, agentID string) error {
	if err := d.releaseOwnedLease(ctx, responseID, agentID); err != nil {
		return err
	}
	now := time.Now().UTC()
	return d.view.MarkAvailable(ctx, responseID.String(), &now)
}

func (d *Dispatcher) releaseOwnedLease(ctx context.Context, responseID uuid.UUID, agentID string) error {
	res, err := d.redis.Eval(ctx, releaseIfOwnedScript, []string{leaseKey(responseID.String())}, agentID).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return qcerrors.NewTransientError("release lease", err)
	}
	if n, ok := res.(int64); ok && n == 0 {
		return qcerrors.NewForbiddenError("lease is not held by the caller, or has already expired")
	}
	return nil
}

// GCExpiredLeases is the lease-GC half of the Scheduler's lease-GC
// task (§4.I): Redis expires lease keys on its own via TTL, so this
// reconciles the Assignment View's "assigned" rows against leases that
// have disappeared from Redis, making them available again.
func (d *Dispatcher) GCExpiredLeases(ctx context.Context, assignedResponseIDs []uuid.UUID) (int, error) {
	reclaimed := 0
	for _, id := range assignedResponseIDs {
		exists, err := d.redis.Exists(ctx, leaseKey(id.String())).Result()
		if err != nil {
			return reclaimed, qcerrors.NewTransientError("check lease existence", err)
		}
		if exists == 0 {
			if err := d.view.MarkAvailable(ctx, id.String(), nil); err != nil {
				return reclaimed, err
			}
			reclaimed++
		}
	}
	return reclaimed, nil
}
