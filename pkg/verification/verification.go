// Package verification implements the Verification & Decision State
// Machine (§4.H): a reviewer's verdict on a single sample response,
// and the downstream work that verdict triggers — releasing the
// response's dispatch lease, auditing the decision, and, once every
// sample response in the batch has a verdict, handing the batch off
// to the Sampling & Remainder Processor for its remainder-rule
// evaluation.
package verification

import (
	"context"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	qcerrors "github.com/surveyqc/qcpipeline/internal/errors"
	"github.com/surveyqc/qcpipeline/pkg/audit"
	"github.com/surveyqc/qcpipeline/pkg/domain"
	"github.com/surveyqc/qcpipeline/pkg/metrics"
)

// ResponseStore is the subset of the Response Store this handler
// needs.
type ResponseStore interface {
	GetByID(ctx context.Context, id uuid.UUID) (domain.Response, error)
	Approve(ctx context.Context, responseID uuid.UUID, v domain.Verification) error
	Reject(ctx context.Context, responseID uuid.UUID, v domain.Verification) error
	CountSampleOutcomes(ctx context.Context, batchID uuid.UUID) (domain.QCStats, error)
}

// BatchStore is the subset of the Batch Store this handler needs: the
// sealed batch's immutable config snapshot, not a freshly resolved
// config, is what drives remainder evaluation (§4.E — the rule table
// in effect is the one captured at seal time, so a config edit after
// seal must never retroactively change a batch's decision).
type BatchStore interface {
	GetByID(ctx context.Context, id uuid.UUID) (domain.Batch, error)
}

// RemainderEvaluator is the sampling Processor's remainder-rule
// evaluation, run once a response's verdict leaves no sample response
// in the batch still pending.
type RemainderEvaluator interface {
	EvaluateRemainder(ctx context.Context, batchID uuid.UUID, stats domain.QCStats, rules []domain.ApprovalRule) error
}

// AssignmentRemover drops a decided response out of the Assignment
// View; it is no longer dispatchable once a verdict is recorded.
type AssignmentRemover interface {
	Remove(ctx context.Context, responseID string) error
}

// LeaseReleaser releases a verifier's Redis lease on a response
// without a skip penalty, used once a verdict is recorded.
type LeaseReleaser interface {
	ReleaseAssignment(ctx context.Context, responseID uuid.UUID, agentID string) error
}

// Handler implements SubmitVerdict, the single entry point for a
// reviewer's decision on a sample response.
type Handler struct {
	responses   ResponseStore
	batches     BatchStore
	remainder   RemainderEvaluator
	assignments AssignmentRemover
	dispatcher  LeaseReleaser
	auditClient *audit.Client
	log         *logrus.Entry
}

// New builds a verification Handler.
func New(responses ResponseStore, batches BatchStore, remainder RemainderEvaluator, assignments AssignmentRemover, dispatcher LeaseReleaser, auditClient *audit.Client, log *logrus.Entry) *Handler {
	return &Handler{
		responses:   responses,
		batches:     batches,
		remainder:   remainder,
		assignments: assignments,
		dispatcher:  dispatcher,
		auditClient: auditClient,
		log:         log,
	}
}

// SubmitVerdict records reviewerID's verdict on responseID (§4.H):
//   - the response must currently be Pending_Approval; whether
//     reviewerID holds the response's lease is not checked, neither
//     here nor by the HTTP handler that calls this;
//   - a repeat call against a response that already carries a decision
//     is always rejected (Forbidden), even when the verdict matches —
//     SubmitVerdict has exactly one successful mutation per response,
//     never a second one that happens to be a no-op;
//   - once recorded, the response's Assignment View row is removed and
//     its lease released, and — only when the response is a sample
//     response, since a remainder response carries no batch-remainder
//     vote — the batch's remainder is re-evaluated in case this was the
//     last pending sample verdict.
func (h *Handler) SubmitVerdict(ctx context.Context, responseID uuid.UUID, reviewerID string, verdict domain.Verdict, feedback string) error {
	existing, err := h.responses.GetByID(ctx, responseID)
	if err != nil {
		return err
	}

	if existing.Status != domain.ResponsePendingApproval {
		return qcerrors.NewForbiddenError("response already carries a verdict").WithDetailsf("responseId=%s", responseID)
	}
	if existing.BatchRef == nil {
		return qcerrors.NewInvariantError("sample response has no batch reference").WithDetailsf("responseId=%s", responseID)
	}

	v := domain.Verification{ReviewerID: reviewerID, Verdict: verdict, Feedback: feedback}
	if verdict == domain.VerdictReject {
		if err := h.responses.Reject(ctx, responseID, v); err != nil {
			return err
		}
	} else {
		if err := h.responses.Approve(ctx, responseID, v); err != nil {
			return err
		}
	}

	decided := existing
	now := decided.UpdatedAt
	v.DecidedAt = &now
	decided.Verification = &v
	outcome := metrics.OutcomeApproved
	if verdict == domain.VerdictReject {
		outcome = metrics.OutcomeRejected
	}
	metrics.RecordVerdict(outcome)
	if h.auditClient != nil {
		h.auditClient.RecordVerdict(ctx, decided)
	}

	if h.assignments != nil {
		if err := h.assignments.Remove(ctx, responseID.String()); err != nil {
			return err
		}
	}
	if h.dispatcher != nil {
		if err := h.dispatcher.ReleaseAssignment(ctx, responseID, reviewerID); err != nil && !qcerrors.IsType(err, qcerrors.ErrorTypeForbidden) {
			return err
		}
	}

	if !existing.IsSample {
		return nil
	}

	batchID := *existing.BatchRef
	stats, err := h.responses.CountSampleOutcomes(ctx, batchID)
	if err != nil {
		return err
	}
	batch, err := h.batches.GetByID(ctx, batchID)
	if err != nil {
		return err
	}
	if batch.BatchConfig == nil {
		return qcerrors.NewInvariantError("qc_in_progress batch has no sealed config snapshot").WithDetailsf("batchId=%s", batchID)
	}
	return h.remainder.EvaluateRemainder(ctx, batchID, stats, batch.BatchConfig.ApprovalRules)
}
