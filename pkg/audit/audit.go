// Package audit records a fire-and-forget trail of the decisions the
// QC pipeline makes: verdicts, auto-decisions, and batch seals. A
// failure to persist an audit event never fails the operation it
// describes — it is logged and dropped, following the graceful
// degradation the teacher's remediation-approval audit client
// performs around its own store.
package audit

import (
	"context"
	"time"

	"github.com/go-logr/logr"
	"github.com/google/uuid"

	"github.com/surveyqc/qcpipeline/pkg/domain"
)

// EventCategory groups audit events for downstream filtering.
type EventCategory string

const (
	CategoryVerification EventCategory = "verification"
	CategoryBatch         EventCategory = "batch"
	CategoryDispatch       EventCategory = "dispatch"
)

// Event is a single audit record. Fields mirror the shape the teacher's
// ogen-generated audit payload exposes (event type/category/action,
// actor, correlation id, resource, and a free-form data map) without
// depending on a generated client.
type Event struct {
	ID            string
	EventType     string
	EventCategory EventCategory
	EventAction   string
	ActorID       string
	CorrelationID string
	ResourceType  string
	ResourceID    string
	RecordedAt    time.Time
	Data          map[string]interface{}
}

// Store persists audit events. Implementations must not block the
// caller for long. No Store implementation ships in this module:
// cmd/qcserver builds its Client with a nil Store, so recording is a
// no-op there, and tests substitute an in-memory store.
type Store interface {
	StoreAudit(ctx context.Context, event Event) error
	Close() error
}

// Client wraps a Store with the fire-and-forget recording methods the
// rest of the pipeline calls.
type Client struct {
	store Store
	log   logr.Logger
}

// NewClient builds an audit Client. A nil store is valid and makes
// every Record* call a no-op, which keeps audit wiring optional in
// tests that don't care about the trail.
func NewClient(store Store, log logr.Logger) *Client {
	return &Client{store: store, log: log}
}

func (c *Client) record(ctx context.Context, event Event) {
	if c == nil || c.store == nil {
		return
	}
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.RecordedAt.IsZero() {
		event.RecordedAt = time.Now().UTC()
	}
	if err := c.store.StoreAudit(ctx, event); err != nil {
		c.log.Error(err, "audit event store failed", "eventType", event.EventType, "resourceId", event.ResourceID)
	}
}

// RecordVerdict records a reviewer's decision on a sample response.
func (c *Client) RecordVerdict(ctx context.Context, r domain.Response) {
	if r.Verification == nil {
		return
	}
	c.record(ctx, Event{
		EventType:     "verification.decision",
		EventCategory: CategoryVerification,
		EventAction:   "decision_made",
		ActorID:       r.Verification.ReviewerID,
		CorrelationID: batchCorrelationID(r.BatchRef),
		ResourceType:  "Response",
		ResourceID:    r.ID.String(),
		Data: map[string]interface{}{
			"verdict":  r.Verification.Verdict,
			"feedback": r.Verification.Feedback,
		},
	})
}

// RecordAutoDecision records an auto-approve/auto-reject decision made
// without a human reviewer (e.g. a remainder rule at 100% approval).
func (c *Client) RecordAutoDecision(ctx context.Context, r domain.Response) {
	if r.Verification == nil {
		return
	}
	action := "auto_approved"
	if r.Verification.AutoRejected {
		action = "auto_rejected"
	}
	c.record(ctx, Event{
		EventType:     "verification.auto_decision",
		EventCategory: CategoryVerification,
		EventAction:   action,
		ActorID:       "system",
		CorrelationID: batchCorrelationID(r.BatchRef),
		ResourceType:  "Response",
		ResourceID:    r.ID.String(),
		Data: map[string]interface{}{
			"verdict":        r.Verification.Verdict,
			"triggerBatchId": r.Verification.TriggerBatchID,
		},
	})
}

// RecordBatchSealed records a batch transitioning from collecting to
// qc_in_progress, including the sample size chosen.
func (c *Client) RecordBatchSealed(ctx context.Context, b domain.Batch) {
	c.record(ctx, Event{
		EventType:     "batch.sealed",
		EventCategory: CategoryBatch,
		EventAction:   "sealed",
		ActorID:       "system",
		CorrelationID: b.ID.String(),
		ResourceType:  "Batch",
		ResourceID:    b.ID.String(),
		Data: map[string]interface{}{
			"totalResponses":  len(b.Responses),
			"sampleResponses": len(b.SampleResponses),
		},
	})
}

// RecordRemainderDecision records the outcome of a remainder-rule
// evaluation against the batch's QC stats.
func (c *Client) RecordRemainderDecision(ctx context.Context, b domain.Batch) {
	if b.RemainderDecision.Decision == "" || b.RemainderDecision.Decision == domain.RemainderPending {
		return
	}
	c.record(ctx, Event{
		EventType:     "batch.remainder_decision",
		EventCategory: CategoryBatch,
		EventAction:   string(b.RemainderDecision.Decision),
		ActorID:       "system",
		CorrelationID: b.ID.String(),
		ResourceType:  "Batch",
		ResourceID:    b.ID.String(),
		Data: map[string]interface{}{
			"approvalRate": b.RemainderDecision.TriggerApprovalRate,
		},
	})
}

func batchCorrelationID(batchRef *uuid.UUID) string {
	if batchRef == nil {
		return ""
	}
	return batchRef.String()
}
