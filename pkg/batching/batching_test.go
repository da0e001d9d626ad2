package batching_test

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	qcerrors "github.com/surveyqc/qcpipeline/internal/errors"
	"github.com/surveyqc/qcpipeline/pkg/batching"
	"github.com/surveyqc/qcpipeline/pkg/domain"
)

type fakeResponseStore struct{ mock.Mock }

func (f *fakeResponseStore) MarkSubmitted(ctx context.Context, r domain.Response) error {
	return f.Called(ctx, r).Error(0)
}

func (f *fakeResponseStore) AttachToBatch(ctx context.Context, responseID, batchID uuid.UUID) error {
	return f.Called(ctx, responseID, batchID).Error(0)
}

type fakeBatchStore struct{ mock.Mock }

func (f *fakeBatchStore) FindOrCreateCollecting(ctx context.Context, tenantID, surveyID, interviewerID uuid.UUID, batchDate time.Time) (domain.Batch, error) {
	args := f.Called(ctx, tenantID, surveyID, interviewerID, batchDate)
	return args.Get(0).(domain.Batch), args.Error(1)
}

func (f *fakeBatchStore) AppendResponse(ctx context.Context, batchID, responseID uuid.UUID, expectedVersion int64) error {
	return f.Called(ctx, batchID, responseID, expectedVersion).Error(0)
}

func (f *fakeBatchStore) GetByID(ctx context.Context, id uuid.UUID) (domain.Batch, error) {
	args := f.Called(ctx, id)
	return args.Get(0).(domain.Batch), args.Error(1)
}

type fakeConfigResolver struct{ mock.Mock }

func (f *fakeConfigResolver) Resolve(ctx context.Context, tenantID, surveyID uuid.UUID) (domain.QCConfig, error) {
	args := f.Called(ctx, tenantID, surveyID)
	return args.Get(0).(domain.QCConfig), args.Error(1)
}

type fakeSealer struct{ mock.Mock }

func (f *fakeSealer) Seal(ctx context.Context, batch domain.Batch, cfg domain.QCConfig) error {
	return f.Called(ctx, batch, cfg).Error(0)
}

type fakeRemainderEvaluator struct{ mock.Mock }

func (f *fakeRemainderEvaluator) EvaluateAllPending(ctx context.Context, surveyID, interviewerID uuid.UUID) error {
	return f.Called(ctx, surveyID, interviewerID).Error(0)
}

func TestOnResponseSubmitted_HappyPath(t *testing.T) {
	responses := &fakeResponseStore{}
	batches := &fakeBatchStore{}
	configs := &fakeConfigResolver{}
	sealer := &fakeSealer{}
	pending := &fakeRemainderEvaluator{}
	engine := batching.New(responses, batches, configs, sealer, pending, nil)

	r := domain.Response{ID: uuid.New(), TenantID: uuid.New(), SurveyID: uuid.New(), InterviewerID: uuid.New(), Mode: domain.ModeCAPI, Status: domain.ResponseSubmitted}
	batch := domain.Batch{ID: uuid.New(), Version: 3, Responses: []uuid.UUID{uuid.New()}}

	responses.On("MarkSubmitted", mock.Anything, r).Return(nil)
	batches.On("FindOrCreateCollecting", mock.Anything, r.TenantID, r.SurveyID, r.InterviewerID, mock.Anything).Return(batch, nil)
	batches.On("AppendResponse", mock.Anything, batch.ID, r.ID, batch.Version).Return(nil)
	responses.On("AttachToBatch", mock.Anything, r.ID, batch.ID).Return(nil)
	pending.On("EvaluateAllPending", mock.Anything, r.SurveyID, r.InterviewerID).Return(nil)

	err := engine.OnResponseSubmitted(context.Background(), r)
	require.NoError(t, err)
	responses.AssertExpectations(t)
	batches.AssertExpectations(t)
	sealer.AssertNotCalled(t, "Seal", mock.Anything, mock.Anything, mock.Anything)
}

func TestOnResponseSubmitted_FullBatchSealsAndRetriesBeforeAppending(t *testing.T) {
	responses := &fakeResponseStore{}
	batches := &fakeBatchStore{}
	configs := &fakeConfigResolver{}
	sealer := &fakeSealer{}
	pending := &fakeRemainderEvaluator{}
	engine := batching.New(responses, batches, configs, sealer, pending, nil)

	r := domain.Response{ID: uuid.New(), TenantID: uuid.New(), SurveyID: uuid.New(), InterviewerID: uuid.New(), Status: domain.ResponseSubmitted}

	full := make([]uuid.UUID, domain.BatchCapacity)
	for i := range full {
		full[i] = uuid.New()
	}
	fullBatch := domain.Batch{ID: uuid.New(), TenantID: r.TenantID, SurveyID: r.SurveyID, Responses: full}
	freshBatch := domain.Batch{ID: uuid.New(), Version: 0}
	cfg := domain.QCConfig{SamplePercentage: 40}

	responses.On("MarkSubmitted", mock.Anything, r).Return(nil)
	batches.On("FindOrCreateCollecting", mock.Anything, r.TenantID, r.SurveyID, r.InterviewerID, mock.Anything).Return(fullBatch, nil).Once()
	configs.On("Resolve", mock.Anything, fullBatch.TenantID, fullBatch.SurveyID).Return(cfg, nil)
	sealer.On("Seal", mock.Anything, fullBatch, cfg).Return(nil)
	batches.On("FindOrCreateCollecting", mock.Anything, r.TenantID, r.SurveyID, r.InterviewerID, mock.Anything).Return(freshBatch, nil).Once()
	batches.On("AppendResponse", mock.Anything, freshBatch.ID, r.ID, freshBatch.Version).Return(nil)
	responses.On("AttachToBatch", mock.Anything, r.ID, freshBatch.ID).Return(nil)
	pending.On("EvaluateAllPending", mock.Anything, r.SurveyID, r.InterviewerID).Return(nil)

	err := engine.OnResponseSubmitted(context.Background(), r)
	require.NoError(t, err)
	batches.AssertExpectations(t)
	sealer.AssertExpectations(t)
}

func TestOnResponseSubmitted_SealsSynchronouslyOnReachingCapacity(t *testing.T) {
	responses := &fakeResponseStore{}
	batches := &fakeBatchStore{}
	configs := &fakeConfigResolver{}
	sealer := &fakeSealer{}
	pending := &fakeRemainderEvaluator{}
	engine := batching.New(responses, batches, configs, sealer, pending, nil)

	r := domain.Response{ID: uuid.New(), TenantID: uuid.New(), SurveyID: uuid.New(), InterviewerID: uuid.New(), Status: domain.ResponseSubmitted}

	almostFull := make([]uuid.UUID, domain.BatchCapacity-1)
	for i := range almostFull {
		almostFull[i] = uuid.New()
	}
	batch := domain.Batch{ID: uuid.New(), TenantID: r.TenantID, SurveyID: r.SurveyID, Responses: almostFull, Version: 7}
	sealedBatch := batch
	sealedBatch.Responses = append(append([]uuid.UUID{}, almostFull...), r.ID)
	cfg := domain.QCConfig{SamplePercentage: 40}

	responses.On("MarkSubmitted", mock.Anything, r).Return(nil)
	batches.On("FindOrCreateCollecting", mock.Anything, r.TenantID, r.SurveyID, r.InterviewerID, mock.Anything).Return(batch, nil)
	batches.On("AppendResponse", mock.Anything, batch.ID, r.ID, batch.Version).Return(nil)
	responses.On("AttachToBatch", mock.Anything, r.ID, batch.ID).Return(nil)
	batches.On("GetByID", mock.Anything, batch.ID).Return(sealedBatch, nil)
	configs.On("Resolve", mock.Anything, batch.TenantID, batch.SurveyID).Return(cfg, nil)
	sealer.On("Seal", mock.Anything, sealedBatch, cfg).Return(nil)
	pending.On("EvaluateAllPending", mock.Anything, r.SurveyID, r.InterviewerID).Return(nil)

	err := engine.OnResponseSubmitted(context.Background(), r)
	require.NoError(t, err)
	sealer.AssertExpectations(t)
}

func TestOnResponseSubmitted_PropagatesMarkSubmittedError(t *testing.T) {
	responses := &fakeResponseStore{}
	batches := &fakeBatchStore{}
	engine := batching.New(responses, batches, &fakeConfigResolver{}, &fakeSealer{}, &fakeRemainderEvaluator{}, nil)

	r := domain.Response{ID: uuid.New(), Status: domain.ResponseSubmitted}
	responses.On("MarkSubmitted", mock.Anything, r).Return(qcerrors.NewDatabaseError("insert", assertErr))

	err := engine.OnResponseSubmitted(context.Background(), r)
	require.Error(t, err)
	batches.AssertNotCalled(t, "FindOrCreateCollecting", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestOnResponseSubmitted_RejectedResponseNeverBatches(t *testing.T) {
	responses := &fakeResponseStore{}
	batches := &fakeBatchStore{}
	engine := batching.New(responses, batches, &fakeConfigResolver{}, &fakeSealer{}, &fakeRemainderEvaluator{}, nil)

	r := domain.Response{ID: uuid.New(), Status: domain.ResponseRejected}

	err := engine.OnResponseSubmitted(context.Background(), r)
	require.NoError(t, err)
	responses.AssertNotCalled(t, "MarkSubmitted", mock.Anything, mock.Anything)
	batches.AssertNotCalled(t, "FindOrCreateCollecting", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestOnResponseSubmitted_AbandonedResponseNeverBatches(t *testing.T) {
	responses := &fakeResponseStore{}
	batches := &fakeBatchStore{}
	engine := batching.New(responses, batches, &fakeConfigResolver{}, &fakeSealer{}, &fakeRemainderEvaluator{}, nil)

	r := domain.Response{ID: uuid.New(), Status: domain.ResponseAbandoned}

	err := engine.OnResponseSubmitted(context.Background(), r)
	require.NoError(t, err)
	responses.AssertNotCalled(t, "MarkSubmitted", mock.Anything, mock.Anything)
}

var assertErr = errString("boom")

type errString string

func (e errString) Error() string { return string(e) }
