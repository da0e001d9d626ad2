package verification_test

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	qcerrors "github.com/surveyqc/qcpipeline/internal/errors"
	"github.com/surveyqc/qcpipeline/pkg/domain"
	"github.com/surveyqc/qcpipeline/pkg/verification"
)

type fakeResponseStore struct {
	mock.Mock
	existing domain.Response
}

func (f *fakeResponseStore) GetByID(ctx context.Context, id uuid.UUID) (domain.Response, error) {
	args := f.Called(ctx, id)
	if args.Get(0) == nil {
		return f.existing, args.Error(1)
	}
	return args.Get(0).(domain.Response), args.Error(1)
}

func (f *fakeResponseStore) Approve(ctx context.Context, responseID uuid.UUID, v domain.Verification) error {
	return f.Called(ctx, responseID, v).Error(0)
}

func (f *fakeResponseStore) Reject(ctx context.Context, responseID uuid.UUID, v domain.Verification) error {
	return f.Called(ctx, responseID, v).Error(0)
}

func (f *fakeResponseStore) CountSampleOutcomes(ctx context.Context, batchID uuid.UUID) (domain.QCStats, error) {
	args := f.Called(ctx, batchID)
	return args.Get(0).(domain.QCStats), args.Error(1)
}

type fakeBatchStore struct {
	mock.Mock
	batch domain.Batch
}

func (f *fakeBatchStore) GetByID(ctx context.Context, id uuid.UUID) (domain.Batch, error) {
	args := f.Called(ctx, id)
	if args.Get(0) == nil {
		return f.batch, args.Error(1)
	}
	return args.Get(0).(domain.Batch), args.Error(1)
}

type fakeRemainderEvaluator struct{ mock.Mock }

func (f *fakeRemainderEvaluator) EvaluateRemainder(ctx context.Context, batchID uuid.UUID, stats domain.QCStats, rules []domain.ApprovalRule) error {
	return f.Called(ctx, batchID, stats, rules).Error(0)
}

type fakeAssignmentRemover struct{ mock.Mock }

func (f *fakeAssignmentRemover) Remove(ctx context.Context, responseID string) error {
	return f.Called(ctx, responseID).Error(0)
}

type fakeLeaseReleaser struct{ mock.Mock }

func (f *fakeLeaseReleaser) ReleaseAssignment(ctx context.Context, responseID uuid.UUID, agentID string) error {
	return f.Called(ctx, responseID, agentID).Error(0)
}

func TestSubmitVerdict_ApprovesAndEvaluatesRemainder(t *testing.T) {
	responseID, batchID, surveyID, tenantID := uuid.New(), uuid.New(), uuid.New(), uuid.New()
	existing := domain.Response{
		ID: responseID, TenantID: tenantID, SurveyID: surveyID,
		Status: domain.ResponsePendingApproval, BatchRef: &batchID, IsSample: true,
	}

	responses := &fakeResponseStore{existing: existing}
	cfg := domain.QCConfig{ApprovalRules: []domain.ApprovalRule{{MinRate: 0, MaxRate: 100, Action: domain.ActionAutoApprove}}}
	batches := &fakeBatchStore{batch: domain.Batch{ID: batchID, BatchConfig: &cfg}}
	remainder := &fakeRemainderEvaluator{}
	assignments := &fakeAssignmentRemover{}
	dispatcher := &fakeLeaseReleaser{}

	handler := verification.New(responses, batches, remainder, assignments, dispatcher, nil, nil)

	responses.On("GetByID", mock.Anything, responseID).Return(nil, nil)
	responses.On("Approve", mock.Anything, responseID, mock.Anything).Return(nil)
	assignments.On("Remove", mock.Anything, responseID.String()).Return(nil)
	dispatcher.On("ReleaseAssignment", mock.Anything, responseID, "reviewer-1").Return(nil)
	stats := domain.QCStats{ApprovedCount: 5, RejectedCount: 0, PendingCount: 0}
	responses.On("CountSampleOutcomes", mock.Anything, batchID).Return(stats, nil)
	batches.On("GetByID", mock.Anything, batchID).Return(nil, nil)
	remainder.On("EvaluateRemainder", mock.Anything, batchID, stats, cfg.ApprovalRules).Return(nil)

	err := handler.SubmitVerdict(context.Background(), responseID, "reviewer-1", domain.VerdictApprove, "looks good")
	require.NoError(t, err)
	responses.AssertExpectations(t)
	remainder.AssertExpectations(t)
}

func TestSubmitVerdict_RepeatCallAfterSuccessIsRejected(t *testing.T) {
	responseID, batchID := uuid.New(), uuid.New()
	existing := domain.Response{
		ID: responseID, Status: domain.ResponseApproved, BatchRef: &batchID,
		Verification: &domain.Verification{Verdict: domain.VerdictApprove},
	}
	responses := &fakeResponseStore{existing: existing}
	handler := verification.New(responses, &fakeBatchStore{}, &fakeRemainderEvaluator{}, &fakeAssignmentRemover{}, &fakeLeaseReleaser{}, nil, nil)

	responses.On("GetByID", mock.Anything, responseID).Return(nil, nil)

	err := handler.SubmitVerdict(context.Background(), responseID, "reviewer-1", domain.VerdictApprove, "")
	require.Error(t, err)
	require.True(t, qcerrors.IsType(err, qcerrors.ErrorTypeForbidden))
	responses.AssertNotCalled(t, "Approve", mock.Anything, mock.Anything, mock.Anything)
}

func TestSubmitVerdict_RemainderResponseDoesNotTriggerRemainderEvaluation(t *testing.T) {
	responseID, batchID, surveyID, tenantID := uuid.New(), uuid.New(), uuid.New(), uuid.New()
	existing := domain.Response{
		ID: responseID, TenantID: tenantID, SurveyID: surveyID,
		Status: domain.ResponsePendingApproval, BatchRef: &batchID, IsSample: false,
	}

	responses := &fakeResponseStore{existing: existing}
	configs := &fakeBatchStore{}
	remainder := &fakeRemainderEvaluator{}
	assignments := &fakeAssignmentRemover{}
	dispatcher := &fakeLeaseReleaser{}

	handler := verification.New(responses, configs, remainder, assignments, dispatcher, nil, nil)

	responses.On("GetByID", mock.Anything, responseID).Return(nil, nil)
	responses.On("Approve", mock.Anything, responseID, mock.Anything).Return(nil)
	assignments.On("Remove", mock.Anything, responseID.String()).Return(nil)
	dispatcher.On("ReleaseAssignment", mock.Anything, responseID, "reviewer-1").Return(nil)

	err := handler.SubmitVerdict(context.Background(), responseID, "reviewer-1", domain.VerdictApprove, "")
	require.NoError(t, err)
	responses.AssertNotCalled(t, "CountSampleOutcomes", mock.Anything, mock.Anything)
	remainder.AssertNotCalled(t, "EvaluateRemainder", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestSubmitVerdict_ConflictingVerdictOnAlreadyDecidedResponse(t *testing.T) {
	responseID, batchID := uuid.New(), uuid.New()
	existing := domain.Response{
		ID: responseID, Status: domain.ResponseApproved, BatchRef: &batchID,
		Verification: &domain.Verification{Verdict: domain.VerdictApprove},
	}
	responses := &fakeResponseStore{existing: existing}
	handler := verification.New(responses, &fakeBatchStore{}, &fakeRemainderEvaluator{}, &fakeAssignmentRemover{}, &fakeLeaseReleaser{}, nil, nil)

	responses.On("GetByID", mock.Anything, responseID).Return(nil, nil)

	err := handler.SubmitVerdict(context.Background(), responseID, "reviewer-1", domain.VerdictReject, "actually no")
	require.Error(t, err)
	require.True(t, qcerrors.IsType(err, qcerrors.ErrorTypeForbidden))
}

func TestSubmitVerdict_ResponseWithoutBatchRefIsAnInvariantViolation(t *testing.T) {
	responseID := uuid.New()
	existing := domain.Response{ID: responseID, Status: domain.ResponsePendingApproval}
	responses := &fakeResponseStore{existing: existing}
	handler := verification.New(responses, &fakeBatchStore{}, &fakeRemainderEvaluator{}, &fakeAssignmentRemover{}, &fakeLeaseReleaser{}, nil, nil)

	responses.On("GetByID", mock.Anything, responseID).Return(nil, nil)

	err := handler.SubmitVerdict(context.Background(), responseID, "reviewer-1", domain.VerdictApprove, "")
	require.Error(t, err)
	require.True(t, qcerrors.IsType(err, qcerrors.ErrorTypeInvariant))
}
