// Package testutil centralizes fixture construction for the QC
// pipeline's package tests, so a change to a domain type's required
// fields is fixed in one place instead of in every _test.go file that
// builds one.
package testutil

import (
	"time"

	"github.com/google/uuid"

	"github.com/surveyqc/qcpipeline/pkg/domain"
)

// Default fixture values, named instead of inlined so a test reading
// an assertion can tell at a glance which value it's asserting
// against.
const (
	DefaultSamplePercentage = 40.0
	DefaultAssemblyConstituency = "AC-101"
)

// TestDataFactory builds domain fixtures for Response/Batch/QCConfig
// tests. No test in this module imports it; each package's tests build
// their own fixtures.
type TestDataFactory struct{}

// NewTestDataFactory builds a TestDataFactory.
func NewTestDataFactory() *TestDataFactory {
	return &TestDataFactory{}
}

// CreateSubmittedResponse builds a freshly submitted, unbatched
// response for a random (tenant, survey, interviewer) triple.
func (f *TestDataFactory) CreateSubmittedResponse() domain.Response {
	now := time.Now().UTC()
	return domain.Response{
		ID:                   uuid.New(),
		TenantID:             uuid.New(),
		SurveyID:             uuid.New(),
		InterviewerID:        uuid.New(),
		Mode:                 domain.ModeCAPI,
		Status:               domain.ResponseSubmitted,
		AssemblyConstituency: DefaultAssemblyConstituency,
		CreatedAt:            now,
		UpdatedAt:            now,
	}
}

// CreatePendingApprovalResponse builds a sample response awaiting a
// reviewer's verdict, attached to batchID.
func (f *TestDataFactory) CreatePendingApprovalResponse(batchID uuid.UUID) domain.Response {
	r := f.CreateSubmittedResponse()
	r.Status = domain.ResponsePendingApproval
	r.IsSample = true
	r.BatchRef = &batchID
	return r
}

// CreateCollectingBatch builds a batch still accumulating responses,
// with n placeholder response ids already appended.
func (f *TestDataFactory) CreateCollectingBatch(n int) domain.Batch {
	ids := make([]uuid.UUID, n)
	for i := range ids {
		ids[i] = uuid.New()
	}
	now := time.Now().UTC()
	return domain.Batch{
		ID:            uuid.New(),
		TenantID:      uuid.New(),
		SurveyID:      uuid.New(),
		InterviewerID: uuid.New(),
		BatchDate:     now.Truncate(24 * time.Hour),
		Status:        domain.BatchCollecting,
		Responses:     ids,
		Version:       1,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
}

// CreateSealedBatch builds a batch that has already been split into a
// sample and a remainder, awaiting sample verdicts.
func (f *TestDataFactory) CreateSealedBatch(sampleSize, remainderSize int) domain.Batch {
	b := f.CreateCollectingBatch(0)
	b.Status = domain.BatchQCInProgress
	b.SampleResponses = make([]uuid.UUID, sampleSize)
	for i := range b.SampleResponses {
		b.SampleResponses[i] = uuid.New()
	}
	b.RemainingResponses = make([]uuid.UUID, remainderSize)
	for i := range b.RemainingResponses {
		b.RemainingResponses[i] = uuid.New()
	}
	b.Responses = append(append([]uuid.UUID{}, b.SampleResponses...), b.RemainingResponses...)
	b.QCStats = domain.QCStats{PendingCount: sampleSize}
	return b
}

// CreateDefaultConfig builds a QC config with the fallback sample
// percentage and a two-tier approval-rule table.
func (f *TestDataFactory) CreateDefaultConfig(tenantID uuid.UUID) domain.QCConfig {
	return domain.QCConfig{
		ID:               uuid.New(),
		TenantID:         tenantID,
		Active:           true,
		SamplePercentage: DefaultSamplePercentage,
		ApprovalRules: []domain.ApprovalRule{
			{MinRate: 50, MaxRate: 100, Action: domain.ActionAutoApprove, Description: "high approval rate"},
			{MinRate: 0, MaxRate: 49, Action: domain.ActionSendToQC, Description: "below threshold"},
		},
	}
}

// CreateAssignment builds an available Assignment View row for
// responseID.
func (f *TestDataFactory) CreateAssignment(responseID uuid.UUID, mode domain.Mode) domain.Assignment {
	return domain.Assignment{
		ResponseID: responseID,
		SurveyID:   uuid.New(),
		Mode:       mode,
		CreatedAt:  time.Now().UTC(),
		ViewStatus: domain.ViewAvailable,
	}
}
