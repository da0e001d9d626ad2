// Package httpapi exposes the QC pipeline's §6 HTTP surface over
// chi: response ingestion, the leased review queue (next/skip/release/
// verify), and QC config administration. Every handler renders the
// same {success, data?, message?} JSON envelope and maps internal
// errors through internal/errors so a caller never sees more than the
// error type warrants.
package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	qcerrors "github.com/surveyqc/qcpipeline/internal/errors"
	"github.com/surveyqc/qcpipeline/internal/validation"
	"github.com/surveyqc/qcpipeline/pkg/domain"
)

// BatchingEngine is the subset of pkg/batching this API needs.
type BatchingEngine interface {
	OnResponseSubmitted(ctx context.Context, r domain.Response) error
}

// Dispatcher is the subset of pkg/dispatcher this API needs.
type Dispatcher interface {
	NextAssignment(ctx context.Context, mode domain.Mode, agentID string) (domain.Assignment, domain.Lease, error)
	ReleaseAssignment(ctx context.Context, responseID uuid.UUID, agentID string) error
	SkipAssignment(ctx context.Context, responseID uuid.UUID, agentID string) error
}

// VerificationHandler is the subset of pkg/verification this API
// needs.
type VerificationHandler interface {
	SubmitVerdict(ctx context.Context, responseID uuid.UUID, reviewerID string, verdict domain.Verdict, feedback string) error
}

// ConfigStore is the subset of pkg/store/configstore this API needs.
type ConfigStore interface {
	Create(ctx context.Context, cfg domain.QCConfig) error
	Resolve(ctx context.Context, tenantID, surveyID uuid.UUID) (domain.QCConfig, error)
}

// BatchAdmin is the subset of pkg/store/batchstore the read-only admin
// surface needs.
type BatchAdmin interface {
	ListBySurvey(ctx context.Context, surveyID uuid.UUID) ([]domain.Batch, error)
	GetByID(ctx context.Context, id uuid.UUID) (domain.Batch, error)
}

// BatchSealer seals a single batch on admin demand, ahead of its
// regular daily-seal schedule.
type BatchSealer interface {
	Seal(ctx context.Context, batch domain.Batch, cfg domain.QCConfig) error
}

// SchedulerTrigger runs the scheduler's daily-seal task immediately,
// the admin "process batches now" surface.
type SchedulerTrigger interface {
	TriggerDailySeal(ctx context.Context) error
}

// API wires the stateless handler methods over its dependencies.
type API struct {
	batching     BatchingEngine
	dispatcher   Dispatcher
	verification VerificationHandler
	configs      ConfigStore
	batches      BatchAdmin
	sealer       BatchSealer
	scheduler    SchedulerTrigger
	log          *logrus.Entry
}

// New builds an API.
func New(batching BatchingEngine, dispatcher Dispatcher, verification VerificationHandler, configs ConfigStore, batches BatchAdmin, sealer BatchSealer, scheduler SchedulerTrigger, log *logrus.Entry) *API {
	return &API{
		batching:     batching,
		dispatcher:   dispatcher,
		verification: verification,
		configs:      configs,
		batches:      batches,
		sealer:       sealer,
		scheduler:    scheduler,
		log:          log,
	}
}

// Router builds the chi mux for this API.
func (a *API) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))

	r.Post("/responses", a.handleSubmitResponse)

	r.Route("/review", func(r chi.Router) {
		r.Get("/next", a.handleNextAssignment)
		r.Post("/{responseID}/skip", a.handleSkip)
		r.Post("/{responseID}/release", a.handleRelease)
		r.Post("/{responseID}/verify", a.handleVerify)
	})

	r.Route("/qc-config", func(r chi.Router) {
		r.Post("/", a.handleCreateConfig)
		r.Get("/", a.handleResolveConfig)
	})

	r.Route("/batches", func(r chi.Router) {
		r.Get("/", a.handleListBatches)
		r.Get("/{batchID}", a.handleGetBatch)
		r.Post("/{batchID}/seal", a.handleSealBatch)
		r.Post("/process", a.handleProcessBatches)
	})

	return r
}

type envelope struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Message string      `json:"message,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, body envelope) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeOK(w http.ResponseWriter, data interface{}) {
	writeJSON(w, http.StatusOK, envelope{Success: true, Data: data})
}

func (a *API) writeError(w http.ResponseWriter, err error) {
	a.log.WithFields(qcerrors.LogFields(err)).Warn("request failed")
	writeJSON(w, qcerrors.GetStatusCode(err), envelope{Success: false, Message: qcerrors.SafeErrorMessage(err)})
}

func parseUUIDParam(r *http.Request, name string) (uuid.UUID, error) {
	return uuid.Parse(chi.URLParam(r, name))
}

type submitResponseRequest struct {
	ID                   uuid.UUID       `json:"id" validate:"required"`
	TenantID             uuid.UUID       `json:"tenantId" validate:"required"`
	SurveyID             uuid.UUID       `json:"surveyId" validate:"required"`
	InterviewerID        uuid.UUID       `json:"interviewerId" validate:"required"`
	Mode                 domain.Mode     `json:"mode" validate:"required,oneof=capi cati"`
	AssemblyConstituency string          `json:"assemblyConstituency"`
	Metadata             json.RawMessage `json:"metadata"`
}

func (a *API) handleSubmitResponse(w http.ResponseWriter, r *http.Request) {
	var req submitResponseRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		a.writeError(w, qcerrors.NewValidationError("malformed request body"))
		return
	}
	resp := domain.Response{
		ID: req.ID, TenantID: req.TenantID, SurveyID: req.SurveyID, InterviewerID: req.InterviewerID,
		Mode: req.Mode, AssemblyConstituency: req.AssemblyConstituency, Metadata: req.Metadata,
	}
	if err := a.batching.OnResponseSubmitted(r.Context(), resp); err != nil {
		a.writeError(w, err)
		return
	}
	writeOK(w, map[string]string{"id": resp.ID.String()})
}

func (a *API) handleNextAssignment(w http.ResponseWriter, r *http.Request) {
	mode := domain.Mode(r.URL.Query().Get("mode"))
	agentID := r.URL.Query().Get("agentId")
	if mode != domain.ModeCAPI && mode != domain.ModeCATI {
		a.writeError(w, qcerrors.NewValidationError("mode must be capi or cati"))
		return
	}
	if agentID == "" {
		a.writeError(w, qcerrors.NewValidationError("agentId is required"))
		return
	}

	assignment, lease, err := a.dispatcher.NextAssignment(r.Context(), mode, agentID)
	if err != nil {
		a.writeError(w, err)
		return
	}
	writeOK(w, map[string]interface{}{"assignment": assignment, "lease": lease})
}

// handleSkip surfaces a Forbidden error when the lease isn't owned by
// the caller: a skip on a lease you don't hold is a caller mistake
// worth reporting, not a no-op.
func (a *API) handleSkip(w http.ResponseWriter, r *http.Request) {
	a.handleLeaseAction(w, r, a.dispatcher.SkipAssignment, false)
}

// handleRelease swallows Forbidden and NotFound: releasing a lease you
// never held (or that already expired) is externally indistinguishable
// from releasing one you did hold and should succeed either way — the
// caller's intent ("I'm done with this response") is satisfied in both
// cases.
func (a *API) handleRelease(w http.ResponseWriter, r *http.Request) {
	a.handleLeaseAction(w, r, a.dispatcher.ReleaseAssignment, true)
}

func (a *API) handleLeaseAction(w http.ResponseWriter, r *http.Request, action func(ctx context.Context, responseID uuid.UUID, agentID string) error, swallowForbidden bool) {
	responseID, err := parseUUIDParam(r, "responseID")
	if err != nil {
		a.writeError(w, qcerrors.NewValidationError("responseID must be a UUID"))
		return
	}
	agentID := r.URL.Query().Get("agentId")
	if agentID == "" {
		a.writeError(w, qcerrors.NewValidationError("agentId is required"))
		return
	}
	if err := action(r.Context(), responseID, agentID); err != nil {
		if swallowForbidden && (qcerrors.IsType(err, qcerrors.ErrorTypeForbidden) || qcerrors.IsType(err, qcerrors.ErrorTypeNotFound)) {
			writeOK(w, nil)
			return
		}
		a.writeError(w, err)
		return
	}
	writeOK(w, nil)
}

func (a *API) handleVerify(w http.ResponseWriter, r *http.Request) {
	responseID, err := parseUUIDParam(r, "responseID")
	if err != nil {
		a.writeError(w, qcerrors.NewValidationError("responseID must be a UUID"))
		return
	}
	reviewerID := r.URL.Query().Get("agentId")
	if reviewerID == "" {
		a.writeError(w, qcerrors.NewValidationError("agentId is required"))
		return
	}

	var req validation.VerdictRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		a.writeError(w, qcerrors.NewValidationError("malformed request body"))
		return
	}
	if err := validation.ValidateVerdictRequest(req); err != nil {
		a.writeError(w, err)
		return
	}

	if err := a.verification.SubmitVerdict(r.Context(), responseID, reviewerID, req.Verdict, req.Feedback); err != nil {
		a.writeError(w, err)
		return
	}
	writeOK(w, nil)
}

func (a *API) handleCreateConfig(w http.ResponseWriter, r *http.Request) {
	tenantID, err := uuid.Parse(r.URL.Query().Get("tenantId"))
	if err != nil {
		a.writeError(w, qcerrors.NewValidationError("tenantId must be a UUID"))
		return
	}

	var req validation.ConfigRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		a.writeError(w, qcerrors.NewValidationError("malformed request body"))
		return
	}
	if err := validation.ValidateConfigRequest(req); err != nil {
		a.writeError(w, err)
		return
	}

	cfg := domain.QCConfig{
		ID: uuid.New(), TenantID: tenantID, Active: true,
		SamplePercentage: req.SamplePercentage, ApprovalRules: req.ApprovalRules, Notes: req.Notes,
	}
	if req.SurveyID != "" {
		surveyID, err := uuid.Parse(req.SurveyID)
		if err != nil {
			a.writeError(w, qcerrors.NewValidationError("surveyId must be a UUID"))
			return
		}
		cfg.SurveyID = &surveyID
	}

	if err := a.configs.Create(r.Context(), cfg); err != nil {
		a.writeError(w, err)
		return
	}
	writeOK(w, map[string]string{"id": cfg.ID.String()})
}

func (a *API) handleResolveConfig(w http.ResponseWriter, r *http.Request) {
	tenantID, err := uuid.Parse(r.URL.Query().Get("tenantId"))
	if err != nil {
		a.writeError(w, qcerrors.NewValidationError("tenantId must be a UUID"))
		return
	}
	surveyID, err := uuid.Parse(r.URL.Query().Get("surveyId"))
	if err != nil {
		a.writeError(w, qcerrors.NewValidationError("surveyId must be a UUID"))
		return
	}

	cfg, err := a.configs.Resolve(r.Context(), tenantID, surveyID)
	if err != nil {
		a.writeError(w, err)
		return
	}
	writeOK(w, cfg)
}

// handleListBatches lists every batch for a survey, newest first —
// the admin "inspect batch progress" surface (§6 GET /batches).
func (a *API) handleListBatches(w http.ResponseWriter, r *http.Request) {
	surveyID, err := uuid.Parse(r.URL.Query().Get("surveyId"))
	if err != nil {
		a.writeError(w, qcerrors.NewValidationError("surveyId must be a UUID"))
		return
	}
	batches, err := a.batches.ListBySurvey(r.Context(), surveyID)
	if err != nil {
		a.writeError(w, err)
		return
	}
	writeOK(w, batches)
}

// handleGetBatch returns a single batch's current state.
func (a *API) handleGetBatch(w http.ResponseWriter, r *http.Request) {
	batchID, err := parseUUIDParam(r, "batchID")
	if err != nil {
		a.writeError(w, qcerrors.NewValidationError("batchID must be a UUID"))
		return
	}
	batch, err := a.batches.GetByID(r.Context(), batchID)
	if err != nil {
		a.writeError(w, err)
		return
	}
	writeOK(w, batch)
}

// handleSealBatch seals a single batch on admin demand (§6 POST
// /batches/:id/seal), ahead of its regular daily-seal schedule —
// useful to unblock a batch stuck collecting past its intended cutoff.
func (a *API) handleSealBatch(w http.ResponseWriter, r *http.Request) {
	batchID, err := parseUUIDParam(r, "batchID")
	if err != nil {
		a.writeError(w, qcerrors.NewValidationError("batchID must be a UUID"))
		return
	}
	batch, err := a.batches.GetByID(r.Context(), batchID)
	if err != nil {
		a.writeError(w, err)
		return
	}
	if batch.Status != domain.BatchCollecting || len(batch.Responses) == 0 {
		a.writeError(w, qcerrors.NewValidationError("manual seal requires a collecting batch with at least one response"))
		return
	}
	cfg, err := a.configs.Resolve(r.Context(), batch.TenantID, batch.SurveyID)
	if err != nil {
		a.writeError(w, err)
		return
	}
	if err := a.sealer.Seal(r.Context(), batch, cfg); err != nil {
		a.writeError(w, err)
		return
	}
	writeOK(w, nil)
}

// handleProcessBatches triggers the scheduler's daily-seal task
// immediately (§6 POST /batches/process), the operator's "don't wait
// for the next tick" escape hatch.
func (a *API) handleProcessBatches(w http.ResponseWriter, r *http.Request) {
	if err := a.scheduler.TriggerDailySeal(r.Context()); err != nil {
		a.writeError(w, err)
		return
	}
	writeOK(w, nil)
}
