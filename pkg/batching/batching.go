// Package batching implements the Batching Engine (§4.D): the single
// entry point a response passes through on submission, which finds or
// opens the interviewer's collecting batch and appends the response to
// it, sealing the batch synchronously once it reaches capacity rather
// than leaving the caller to retry against a full batch.
package batching

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/surveyqc/qcpipeline/pkg/domain"
)

// ResponseStore is the subset of the Response Store the engine needs.
type ResponseStore interface {
	MarkSubmitted(ctx context.Context, r domain.Response) error
	AttachToBatch(ctx context.Context, responseID, batchID uuid.UUID) error
}

// BatchStore is the subset of the Batch Store the engine needs.
type BatchStore interface {
	FindOrCreateCollecting(ctx context.Context, tenantID, surveyID, interviewerID uuid.UUID, batchDate time.Time) (domain.Batch, error)
	AppendResponse(ctx context.Context, batchID, responseID uuid.UUID, expectedVersion int64) error
	GetByID(ctx context.Context, id uuid.UUID) (domain.Batch, error)
}

// ConfigResolver resolves the effective QC config for a (tenant,
// survey) pair, the source of the sample percentage a batch is sealed
// with.
type ConfigResolver interface {
	Resolve(ctx context.Context, tenantID, surveyID uuid.UUID) (domain.QCConfig, error)
}

// Sealer is the sampling Processor's seal-time sample/remainder split,
// invoked the moment a batch reaches BatchCapacity.
type Sealer interface {
	Seal(ctx context.Context, batch domain.Batch, cfg domain.QCConfig) error
}

// RemainderEvaluator re-runs the remainder-decision evaluation for
// every qc_in_progress batch belonging to an (survey, interviewer)
// pair.
type RemainderEvaluator interface {
	EvaluateAllPending(ctx context.Context, surveyID, interviewerID uuid.UUID) error
}

// Engine runs the batching algorithm.
type Engine struct {
	responses ResponseStore
	batches   BatchStore
	configs   ConfigResolver
	sealer    Sealer
	pending   RemainderEvaluator
	log       *logrus.Entry
}

// New builds a batching Engine.
func New(responses ResponseStore, batches BatchStore, configs ConfigResolver, sealer Sealer, pending RemainderEvaluator, log *logrus.Entry) *Engine {
	return &Engine{responses: responses, batches: batches, configs: configs, sealer: sealer, pending: pending, log: log}
}

// OnResponseSubmitted is §4.D's algorithm:
//  1. a Rejected or Abandoned response never enters a batch — it is
//     dropped here defensively, though the caller should not be routing
//     those statuses through this path in the first place;
//  2. persist the response as Submitted (idempotent);
//  3. find or open the interviewer's collecting batch for today and
//     append the response to it;
//  4. if the append brought the batch to BatchCapacity, seal it
//     synchronously so the next submission opens a fresh batch instead
//     of bouncing off a full one;
//  5. opportunistically re-evaluate any already-sealed sibling batches
//     for the same (survey, interviewer) whose remainder decision may
//     now be unblocked by a sample verdict recorded elsewhere.
func (e *Engine) OnResponseSubmitted(ctx context.Context, r domain.Response) error {
	if r.Status == domain.ResponseRejected || r.Status == domain.ResponseAbandoned {
		if e.log != nil {
			e.log.WithFields(logrus.Fields{"responseId": r.ID, "status": r.Status}).
				Warn("response submitted in a terminal status never enters a batch")
		}
		return nil
	}

	if err := e.responses.MarkSubmitted(ctx, r); err != nil {
		return err
	}

	batchDate := time.Now().UTC().Truncate(24 * time.Hour)
	batch, err := e.batches.FindOrCreateCollecting(ctx, r.TenantID, r.SurveyID, r.InterviewerID, batchDate)
	if err != nil {
		return err
	}

	if batch.Full() {
		if err := e.seal(ctx, batch); err != nil {
			return err
		}
		batch, err = e.batches.FindOrCreateCollecting(ctx, r.TenantID, r.SurveyID, r.InterviewerID, batchDate)
		if err != nil {
			return err
		}
	}

	if err := e.batches.AppendResponse(ctx, batch.ID, r.ID, batch.Version); err != nil {
		return err
	}
	if e.log != nil {
		e.log.WithFields(logrus.Fields{"responseId": r.ID, "batchId": batch.ID}).Debug("response appended to batch")
	}
	if err := e.responses.AttachToBatch(ctx, r.ID, batch.ID); err != nil {
		return err
	}

	if len(batch.Responses)+1 >= domain.BatchCapacity {
		full, err := e.batches.GetByID(ctx, batch.ID)
		if err != nil {
			return err
		}
		if err := e.seal(ctx, full); err != nil {
			return err
		}
	}

	if e.pending != nil {
		if err := e.pending.EvaluateAllPending(ctx, r.SurveyID, r.InterviewerID); err != nil {
			if e.log != nil {
				e.log.WithError(err).Warn("opportunistic remainder evaluation for sibling batches failed")
			}
		}
	}
	return nil
}

func (e *Engine) seal(ctx context.Context, batch domain.Batch) error {
	cfg, err := e.configs.Resolve(ctx, batch.TenantID, batch.SurveyID)
	if err != nil {
		return err
	}
	return e.sealer.Seal(ctx, batch, cfg)
}
