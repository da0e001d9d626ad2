// Package domain holds the core types shared by every QC pipeline
// component: responses, batches, QC config, assignment-view rows, and
// leases. Everything here is storage-agnostic; stores translate these
// types to and from their backing schema.
package domain

import (
	"encoding/json"
	"math"
	"time"

	"github.com/google/uuid"
)

// Mode is the interview channel a response was collected through.
type Mode string

const (
	ModeCAPI Mode = "capi"
	ModeCATI Mode = "cati"
)

// ResponseStatus is the canonical, capitalized lifecycle status of a
// Response, e.g. Pending_Approval (see SPEC_FULL.md §13 for the casing
// decision).
type ResponseStatus string

const (
	ResponseSubmitted       ResponseStatus = "Submitted"
	ResponsePendingApproval ResponseStatus = "Pending_Approval"
	ResponseApproved        ResponseStatus = "Approved"
	ResponseRejected        ResponseStatus = "Rejected"
	ResponseAbandoned       ResponseStatus = "Abandoned"
)

// Verdict is a reviewer's decision on a response.
type Verdict string

const (
	VerdictApprove Verdict = "approve"
	VerdictReject  Verdict = "reject"
)

// Verification records how and by whom a response was decided.
type Verification struct {
	ReviewerID    string     `json:"reviewerId,omitempty"`
	DecidedAt     *time.Time `json:"decidedAt,omitempty"`
	Verdict       Verdict    `json:"verdict,omitempty"`
	Feedback      string     `json:"feedback,omitempty"`
	AutoApproved  bool       `json:"autoApproved"`
	AutoRejected  bool       `json:"autoRejected"`
	TriggerBatchID uuid.UUID `json:"triggerBatchId,omitempty"`
}

// Lease is a time-bounded exclusive hold on a Response by one agent.
// It is stored in Redis (pkg/dispatcher), not in the Response Store,
// but travels alongside a Response in API responses.
type Lease struct {
	LeasedTo  string    `json:"leasedTo"`
	LeasedAt  time.Time `json:"leasedAt"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// Expired reports whether the lease is no longer exclusive as of now.
func (l *Lease) Expired(now time.Time) bool {
	return l == nil || !now.Before(l.ExpiresAt)
}

// Response is a single completed survey interview.
type Response struct {
	ID            uuid.UUID       `db:"id" json:"id"`
	TenantID      uuid.UUID       `db:"tenant_id" json:"tenantId"`
	SurveyID      uuid.UUID       `db:"survey_id" json:"surveyId"`
	InterviewerID uuid.UUID       `db:"interviewer_id" json:"interviewerId"`
	Mode          Mode            `db:"mode" json:"mode"`
	Status        ResponseStatus  `db:"status" json:"status"`
	IsSample      bool            `db:"is_sample_response" json:"isSampleResponse"`
	BatchRef      *uuid.UUID      `db:"batch_ref" json:"batchRef,omitempty"`
	Verification  *Verification   `db:"verification" json:"verification,omitempty"`
	Metadata      json.RawMessage `db:"metadata" json:"metadata,omitempty"`
	AssemblyConstituency string    `db:"assembly_constituency" json:"assemblyConstituency,omitempty"`
	LastSkippedAt *time.Time      `db:"last_skipped_at" json:"lastSkippedAt,omitempty"`
	CreatedAt     time.Time       `db:"created_at" json:"createdAt"`
	UpdatedAt     time.Time       `db:"updated_at" json:"updatedAt"`
}

// Abandoned and Rejected responses are never batched or enqueued.
func (r *Response) Batchable() bool {
	return r.Status == ResponseSubmitted && r.BatchRef == nil
}

// BatchStatus is the canonical lifecycle status of a Batch.
type BatchStatus string

const (
	BatchCollecting    BatchStatus = "collecting"
	BatchQCInProgress  BatchStatus = "qc_in_progress"
	BatchAutoApproved  BatchStatus = "auto_approved"
	BatchQueuedForQC   BatchStatus = "queued_for_qc"
	BatchCompleted     BatchStatus = "completed"
)

// BatchCapacity is the hard cap on responses per batch (§3).
const BatchCapacity = 100

// RuleAction is the action a rule in the approval-rule table applies to
// the remainder of a batch.
type RuleAction string

const (
	ActionAutoApprove RuleAction = "auto_approve"
	ActionSendToQC    RuleAction = "send_to_qc"
	ActionRejectAll   RuleAction = "reject_all"
)

// ApprovalRule is one row of a QC config's ordered rule table.
type ApprovalRule struct {
	MinRate     float64    `json:"minRate" yaml:"minRate"`
	MaxRate     float64    `json:"maxRate" yaml:"maxRate"`
	Action      RuleAction `json:"action" yaml:"action"`
	Description string     `json:"description" yaml:"description"`
}

// Contains reports whether rate falls within [MinRate, MaxRate],
// inclusive on both ends (§4.E tie-break rule).
func (r ApprovalRule) Contains(rate float64) bool {
	return rate >= r.MinRate && rate <= r.MaxRate
}

// QCConfig is the active sampling/rule configuration for a (tenant,
// optional survey) pair.
type QCConfig struct {
	ID               uuid.UUID      `db:"id" json:"id"`
	TenantID         uuid.UUID      `db:"tenant_id" json:"tenantId"`
	SurveyID         *uuid.UUID     `db:"survey_id" json:"surveyId,omitempty"`
	Active           bool           `db:"active" json:"active"`
	SamplePercentage float64        `db:"sample_percentage" json:"samplePercentage"`
	ApprovalRules    []ApprovalRule `db:"-" json:"approvalRules"`
	Notes            string         `db:"notes" json:"notes,omitempty"`
	CreatedAt        time.Time      `db:"created_at" json:"createdAt"`
}

// FallbackSamplePercentage is used when no config row applies at all
// (§3 resolution order, third tier).
const FallbackSamplePercentage = 40.0

// FallbackConfig is the built-in config used when neither a
// survey-specific nor a tenant-default active config exists.
func FallbackConfig() QCConfig {
	return QCConfig{
		SamplePercentage: FallbackSamplePercentage,
		ApprovalRules: []ApprovalRule{
			{MinRate: 50, MaxRate: 100, Action: ActionAutoApprove, Description: "built-in fallback: high approval rate"},
			{MinRate: 0, MaxRate: 49, Action: ActionSendToQC, Description: "built-in fallback: below threshold"},
		},
	}
}

// SampleSize returns ceil(total * samplePercentage / 100), capped at
// total (§4.E step 1).
func SampleSize(total int, samplePercentage float64) int {
	if total <= 0 {
		return 0
	}
	k := int(math.Ceil(float64(total) * samplePercentage / 100))
	if k > total {
		k = total
	}
	if k < 0 {
		k = 0
	}
	return k
}

// RemainderDecisionState is the outcome of applying the rule table to
// a batch's remainder.
type RemainderDecisionState string

const (
	RemainderPending      RemainderDecisionState = "pending"
	RemainderAutoApproved RemainderDecisionState = "auto_approved"
	RemainderQueuedForQC  RemainderDecisionState = "queued_for_qc"
	RemainderRejectedAll  RemainderDecisionState = "rejected_all"
)

// RemainderDecision records how and when a batch's remainder was
// resolved.
type RemainderDecision struct {
	Decision             RemainderDecisionState `db:"decision" json:"decision"`
	DecidedAt            *time.Time              `db:"decided_at" json:"decidedAt,omitempty"`
	TriggerApprovalRate float64                 `db:"trigger_approval_rate" json:"triggerApprovalRate"`
}

// QCStats is the running tally over a batch's sample responses.
type QCStats struct {
	ApprovedCount int     `db:"approved_count" json:"approvedCount"`
	RejectedCount int     `db:"rejected_count" json:"rejectedCount"`
	PendingCount  int     `db:"pending_count" json:"pendingCount"`
	ApprovalRate  float64 `db:"approval_rate" json:"approvalRate"`
}

// Recompute derives ApprovalRate from ApprovedCount/RejectedCount,
// returning 0 when the denominator is 0 (§4.E remainder-decision step
// 1).
func (s *QCStats) Recompute() {
	denom := s.ApprovedCount + s.RejectedCount
	if denom == 0 {
		s.ApprovalRate = 0
		return
	}
	s.ApprovalRate = float64(s.ApprovedCount) / float64(denom) * 100
}

// Batch is a per-(survey, interviewer) collection of responses,
// processed as a statistical unit.
type Batch struct {
	ID                  uuid.UUID          `db:"id" json:"id"`
	TenantID            uuid.UUID          `db:"tenant_id" json:"tenantId"`
	SurveyID            uuid.UUID          `db:"survey_id" json:"surveyId"`
	InterviewerID       uuid.UUID          `db:"interviewer_id" json:"interviewerId"`
	BatchDate           time.Time          `db:"batch_date" json:"batchDate"`
	Status              BatchStatus        `db:"status" json:"status"`
	Responses           []uuid.UUID        `db:"-" json:"responses"`
	SampleResponses     []uuid.UUID        `db:"-" json:"sampleResponses"`
	RemainingResponses  []uuid.UUID        `db:"-" json:"remainingResponses"`
	QCStats             QCStats            `db:"-" json:"qcStats"`
	RemainderDecision   RemainderDecision  `db:"-" json:"remainderDecision"`
	BatchConfig         *QCConfig          `db:"-" json:"batchConfig,omitempty"`
	ProcessingStartedAt *time.Time         `db:"processing_started_at" json:"processingStartedAt,omitempty"`
	Version             int64             `db:"version" json:"-"`
	CreatedAt           time.Time          `db:"created_at" json:"createdAt"`
	UpdatedAt           time.Time          `db:"updated_at" json:"updatedAt"`
}

// Full reports whether the batch has reached BatchCapacity.
func (b *Batch) Full() bool {
	return len(b.Responses) >= BatchCapacity
}

// ViewStatus is the dispatch-readiness state of an Assignment View row.
type ViewStatus string

const (
	ViewAvailable ViewStatus = "available"
	ViewAssigned  ViewStatus = "assigned"
	ViewExpired   ViewStatus = "expired"
)

// Assignment is one row of the materialized Assignment View (§4.F).
type Assignment struct {
	ResponseID    uuid.UUID  `db:"response_id" json:"responseId"`
	SurveyID      uuid.UUID  `db:"survey_id" json:"surveyId"`
	InterviewerID uuid.UUID  `db:"interviewer_id" json:"interviewerId"`
	Mode          Mode       `db:"mode" json:"mode"`
	SelectedAC    string     `db:"selected_ac" json:"selectedAC,omitempty"`
	Priority      int        `db:"priority" json:"priority"`
	LastSkippedAt *time.Time `db:"last_skipped_at" json:"lastSkippedAt,omitempty"`
	CreatedAt     time.Time  `db:"created_at" json:"createdAt"`
	ViewStatus    ViewStatus `db:"view_status" json:"viewStatus"`
}
