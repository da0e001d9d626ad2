// Package sampling implements the Sampling & Remainder Processor
// (§4.E): the seal-time split of a batch's responses into a sample
// (sent to human verification) and a remainder (resolved later by the
// approval-rule table), plus the remainder-decision evaluation that
// runs every time the sample's QC stats change.
package sampling

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	mathrand "math/rand"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	qcerrors "github.com/surveyqc/qcpipeline/internal/errors"
	"github.com/surveyqc/qcpipeline/pkg/audit"
	"github.com/surveyqc/qcpipeline/pkg/domain"
	"github.com/surveyqc/qcpipeline/pkg/metrics"
)

// BatchStore is the subset of the Batch Store this processor needs.
type BatchStore interface {
	Seal(ctx context.Context, batchID uuid.UUID, sample, remaining []uuid.UUID, cfg domain.QCConfig, expectedVersion int64) error
	UpdateStats(ctx context.Context, batchID uuid.UUID, stats domain.QCStats) error
	SetRemainderDecision(ctx context.Context, batchID uuid.UUID, decision domain.RemainderDecisionState, triggerRate float64) error
	Finalize(ctx context.Context, batchID uuid.UUID, terminal domain.BatchStatus) error
	GetByID(ctx context.Context, id uuid.UUID) (domain.Batch, error)
	ListQCInProgressFor(ctx context.Context, surveyID, interviewerID uuid.UUID) ([]domain.Batch, error)
}

// ResponseStore is the subset of the Response Store this processor
// needs.
type ResponseStore interface {
	GetByID(ctx context.Context, id uuid.UUID) (domain.Response, error)
	MarkSampleOrRemainder(ctx context.Context, responseID uuid.UUID, isSample bool) error
	RecordAutoDecision(ctx context.Context, responseIDs []uuid.UUID, verdict domain.Verdict, triggerBatchID uuid.UUID) error
	CountSampleOutcomes(ctx context.Context, batchID uuid.UUID) (domain.QCStats, error)
}

// AssignmentWriter publishes sample responses into the Assignment View
// once they are ready for dispatch.
type AssignmentWriter interface {
	Upsert(ctx context.Context, a domain.Assignment) error
}

// Processor runs the seal-time sampling split and the remainder-rule
// evaluation.
type Processor struct {
	batches     BatchStore
	responses   ResponseStore
	assignments AssignmentWriter
	auditClient *audit.Client
	log         *logrus.Entry
}

// New builds a sampling Processor.
func New(batches BatchStore, responses ResponseStore, assignments AssignmentWriter, auditClient *audit.Client, log *logrus.Entry) *Processor {
	return &Processor{batches: batches, responses: responses, assignments: assignments, auditClient: auditClient, log: log}
}

// publish fetches responseID's current mode/AC and upserts it into the
// Assignment View, so the row the Dispatcher reads carries the filter
// keys §4.G's NextAssignment matches on (mode, and — once excluded-AC
// policy exists — selectedAC). A bare ResponseID/SurveyID/
// InterviewerID row with an empty Mode would never match a
// mode-filtered dispatch query.
func (p *Processor) publish(ctx context.Context, responseID uuid.UUID) error {
	if p.assignments == nil {
		return nil
	}
	r, err := p.responses.GetByID(ctx, responseID)
	if err != nil {
		return err
	}
	return p.assignments.Upsert(ctx, domain.Assignment{
		ResponseID:    r.ID,
		SurveyID:      r.SurveyID,
		InterviewerID: r.InterviewerID,
		Mode:          r.Mode,
		SelectedAC:    r.AssemblyConstituency,
		CreatedAt:     time.Now().UTC(),
	})
}

// secureShuffle performs a Fisher-Yates shuffle seeded from a
// crypto/rand value, giving every response an unbiased chance of
// landing in the sample (§4.E step 1: "an unbiased PRNG seeded from a
// cryptographically random value").
func secureShuffle(ids []uuid.UUID) []uuid.UUID {
	out := make([]uuid.UUID, len(ids))
	copy(out, ids)

	var seedBytes [8]byte
	if _, err := rand.Read(seedBytes[:]); err != nil {
		// crypto/rand failure is exceptional; fall back to a
		// time-derived seed rather than failing the seal outright.
		binary.BigEndian.PutUint64(seedBytes[:], uint64(time.Now().UnixNano()))
	}
	seed := int64(binary.BigEndian.Uint64(seedBytes[:]))
	r := mathrand.New(mathrand.NewSource(seed))

	r.Shuffle(len(out), func(i, j int) { out[i], out[j] = out[j], out[i] })
	return out
}

// Seal applies §4.E step 1: compute the sample size via
// domain.SampleSize, shuffle, split, persist the split, and publish
// the sample responses to the Assignment View.
func (p *Processor) Seal(ctx context.Context, batch domain.Batch, cfg domain.QCConfig) error {
	k := domain.SampleSize(len(batch.Responses), cfg.SamplePercentage)
	shuffled := secureShuffle(batch.Responses)
	sample := shuffled[:k]
	remainder := shuffled[k:]

	if err := p.batches.Seal(ctx, batch.ID, sample, remainder, cfg, batch.Version); err != nil {
		return err
	}

	for _, id := range sample {
		if err := p.responses.MarkSampleOrRemainder(ctx, id, true); err != nil {
			return err
		}
		if err := p.publish(ctx, id); err != nil {
			return err
		}
	}
	for _, id := range remainder {
		if err := p.responses.MarkSampleOrRemainder(ctx, id, false); err != nil {
			return err
		}
	}

	metrics.RecordBatchSealed(k)
	if p.auditClient != nil {
		sealed := batch
		sealed.SampleResponses = sample
		sealed.RemainingResponses = remainder
		p.auditClient.RecordBatchSealed(ctx, sealed)
	}
	return nil
}

// EvaluateRemainder applies §4.E's remainder-decision algorithm: given
// the batch's recomputed QC stats and its effective rule table, find
// the first rule whose [minRate,maxRate] range contains the current
// approval rate and apply its action to every remainder response.
// Returns without error (and without a decision) while any sample
// response is still pending or if no sample verdicts have been
// recorded yet. If a decision has already been made, the Batch
// Store's SetRemainderDecision guard returns a Conflict, which is
// passed back to the caller.
func (p *Processor) EvaluateRemainder(ctx context.Context, batchID uuid.UUID, stats domain.QCStats, rules []domain.ApprovalRule) error {
	stats.Recompute()
	if err := p.batches.UpdateStats(ctx, batchID, stats); err != nil {
		return err
	}
	if stats.PendingCount > 0 {
		return nil
	}
	if stats.ApprovedCount+stats.RejectedCount == 0 {
		// Degenerate: no sample verdicts recorded yet (§4.E step 3).
		return nil
	}

	var matched *domain.ApprovalRule
	for i := range rules {
		if rules[i].Contains(stats.ApprovalRate) {
			matched = &rules[i]
			break
		}
	}
	if matched == nil {
		return qcerrors.NewInvariantError("no approval rule matched the batch's approval rate").
			WithDetailsf("approvalRate=%v", stats.ApprovalRate)
	}

	decision := ruleActionToDecision(matched.Action)
	if err := p.batches.SetRemainderDecision(ctx, batchID, decision, stats.ApprovalRate); err != nil {
		return err
	}

	batch, err := p.batches.GetByID(ctx, batchID)
	if err != nil {
		return err
	}

	if matched.Action == domain.ActionSendToQC {
		// The remainder is already Pending_Approval as of seal time
		// (§4.E step 4); what it is missing is a dispatchable row, so
		// the Dispatcher can pick it up like any other pending
		// response (§4.E step 5 "send_to_qc").
		for _, id := range batch.RemainingResponses {
			if err := p.publish(ctx, id); err != nil {
				return err
			}
		}
	} else {
		verdict := domain.VerdictApprove
		if matched.Action == domain.ActionRejectAll {
			verdict = domain.VerdictReject
		}
		if err := p.responses.RecordAutoDecision(ctx, batch.RemainingResponses, verdict, batchID); err != nil {
			return err
		}
	}

	terminal := domain.BatchQueuedForQC
	if matched.Action != domain.ActionSendToQC {
		terminal = domain.BatchAutoApproved
		if matched.Action == domain.ActionRejectAll {
			terminal = domain.BatchCompleted
		}
	}
	if err := p.batches.Finalize(ctx, batchID, terminal); err != nil {
		return err
	}

	metrics.RecordRemainderDecision(string(matched.Action))
	if p.auditClient != nil {
		batch.RemainderDecision = domain.RemainderDecision{Decision: decision, TriggerApprovalRate: stats.ApprovalRate}
		p.auditClient.RecordRemainderDecision(ctx, batch)
	}
	return nil
}

// EvaluateAllPending re-runs the remainder-decision evaluation for
// every qc_in_progress batch belonging to (surveyID, interviewerID).
// The Batching Engine calls this opportunistically after every
// submission (§4.D step 5: "Opportunistically invoke 4.E's
// EvaluateAllPending() to let any already-adjudicated sibling batches
// finalize") so a batch whose last sample verdict landed via a
// different request path still gets its remainder decided promptly
// instead of waiting for the next scheduler tick. Each batch's own
// immutable config snapshot — not a freshly resolved config — drives
// its evaluation, since the rule table in effect is the one captured
// at that batch's seal time. A lost race against a concurrent
// evaluator (Conflict, because SetRemainderDecision's guard already
// tripped) is logged and skipped rather than propagated, since this
// call is opportunistic, not the authoritative trigger.
func (p *Processor) EvaluateAllPending(ctx context.Context, surveyID, interviewerID uuid.UUID) error {
	batches, err := p.batches.ListQCInProgressFor(ctx, surveyID, interviewerID)
	if err != nil {
		return err
	}
	for _, b := range batches {
		if b.BatchConfig == nil {
			continue
		}
		stats, err := p.responses.CountSampleOutcomes(ctx, b.ID)
		if err != nil {
			return err
		}
		if err := p.EvaluateRemainder(ctx, b.ID, stats, b.BatchConfig.ApprovalRules); err != nil {
			if qcerrors.IsType(err, qcerrors.ErrorTypeConflict) {
				if p.log != nil {
					p.log.WithField("batchId", b.ID).Debug("remainder decision already recorded by a concurrent evaluator")
				}
				continue
			}
			return err
		}
	}
	return nil
}

func ruleActionToDecision(action domain.RuleAction) domain.RemainderDecisionState {
	switch action {
	case domain.ActionAutoApprove:
		return domain.RemainderAutoApproved
	case domain.ActionRejectAll:
		return domain.RemainderRejectedAll
	default:
		return domain.RemainderQueuedForQC
	}
}
