// Package responsestore is the Response Store (§4.A): the single
// writer of a Response's lifecycle fields. Every mutator is a narrow,
// single-purpose SQL statement guarded by a WHERE clause on the
// response's current status, so an illegal transition affects zero
// rows instead of silently clobbering state — the same
// optimistic-guard idiom the Batch Store uses with its version column.
package responsestore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	qcerrors "github.com/surveyqc/qcpipeline/internal/errors"
	"github.com/surveyqc/qcpipeline/internal/sqlutil"
	"github.com/surveyqc/qcpipeline/pkg/domain"
)

// Store is the Postgres-backed Response Store.
type Store struct {
	db *sqlx.DB
}

// New builds a Store over an already-connected database handle.
func New(db *sqlx.DB) *Store {
	return &Store{db: db}
}

type responseRow struct {
	ID                   uuid.UUID      `db:"id"`
	TenantID             uuid.UUID      `db:"tenant_id"`
	SurveyID             uuid.UUID      `db:"survey_id"`
	InterviewerID        uuid.UUID      `db:"interviewer_id"`
	Mode                 string         `db:"mode"`
	Status               string         `db:"status"`
	IsSample             bool           `db:"is_sample_response"`
	BatchRef             sql.NullString `db:"batch_ref"`
	AssemblyConstituency sql.NullString `db:"assembly_constituency"`
	Verification         sql.NullString `db:"verification"`
	Metadata             sql.NullString `db:"metadata"`
	LastSkippedAt        sql.NullTime   `db:"last_skipped_at"`
	CreatedAt            time.Time      `db:"created_at"`
	UpdatedAt            time.Time      `db:"updated_at"`
}

func (r responseRow) toDomain() domain.Response {
	resp := domain.Response{
		ID:                   r.ID,
		TenantID:             r.TenantID,
		SurveyID:             r.SurveyID,
		InterviewerID:        r.InterviewerID,
		Mode:                 domain.Mode(r.Mode),
		Status:               domain.ResponseStatus(r.Status),
		IsSample:             r.IsSample,
		BatchRef:             sqlutil.FromNullUUID(r.BatchRef),
		AssemblyConstituency: "",
		Metadata:             sqlutil.FromNullJSON(r.Metadata),
		LastSkippedAt:        sqlutil.FromNullTime(r.LastSkippedAt),
		CreatedAt:            r.CreatedAt,
		UpdatedAt:            r.UpdatedAt,
	}
	if ac := sqlutil.FromNullString(r.AssemblyConstituency); ac != nil {
		resp.AssemblyConstituency = *ac
	}
	if v := sqlutil.FromNullJSON(r.Verification); v != nil {
		var verification domain.Verification
		if err := json.Unmarshal(v, &verification); err == nil {
			resp.Verification = &verification
		}
	}
	return resp
}

// GetByID returns a single response, or a NotFound AppError.
func (s *Store) GetByID(ctx context.Context, id uuid.UUID) (domain.Response, error) {
	var row responseRow
	err := s.db.GetContext(ctx, &row, `
		SELECT id, tenant_id, survey_id, interviewer_id, mode, status, is_sample_response,
		       batch_ref, assembly_constituency, verification, metadata, last_skipped_at,
		       created_at, updated_at
		FROM responses WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Response{}, qcerrors.NewNotFoundError("response not found").WithDetailsf("id=%s", id)
	}
	if err != nil {
		return domain.Response{}, qcerrors.NewDatabaseError("get response", err)
	}
	return row.toDomain(), nil
}

// ListWindow returns responses for (surveyID, mode, status) created in
// [since, until), ordered oldest-first. The Batching and Sampling
// engines do not call it.
func (s *Store) ListWindow(ctx context.Context, surveyID uuid.UUID, mode domain.Mode, status domain.ResponseStatus, since, until time.Time) ([]domain.Response, error) {
	var rows []responseRow
	err := s.db.SelectContext(ctx, &rows, `
		SELECT id, tenant_id, survey_id, interviewer_id, mode, status, is_sample_response,
		       batch_ref, assembly_constituency, verification, metadata, last_skipped_at,
		       created_at, updated_at
		FROM responses
		WHERE survey_id = $1 AND mode = $2 AND status = $3 AND created_at >= $4 AND created_at < $5
		ORDER BY created_at ASC`, surveyID, string(mode), string(status), since, until)
	if err != nil {
		return nil, qcerrors.NewDatabaseError("list responses by window", err)
	}
	out := make([]domain.Response, len(rows))
	for i, row := range rows {
		out[i] = row.toDomain()
	}
	return out, nil
}

// MarkSubmitted idempotently inserts a newly completed interview as
// Submitted. A second call with the same id is a no-op (ON CONFLICT DO
// NOTHING), satisfying the at-most-once ingestion requirement.
func (s *Store) MarkSubmitted(ctx context.Context, r domain.Response) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO responses (id, tenant_id, survey_id, interviewer_id, mode, status,
		                        is_sample_response, assembly_constituency, metadata, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, false, $7, $8, now(), now())
		ON CONFLICT (id) DO NOTHING`,
		r.ID, r.TenantID, r.SurveyID, r.InterviewerID, string(r.Mode), string(domain.ResponseSubmitted),
		sqlutil.ToNullStringValue(r.AssemblyConstituency), sqlutil.ToNullJSON(r.Metadata))
	if err != nil {
		return qcerrors.NewDatabaseError("mark response submitted", err)
	}
	return nil
}

// AttachToBatch links a Submitted, unbatched response to a batch. It
// affects zero rows (and returns a Conflict) if the response is
// already batched or is not in the Submitted state.
func (s *Store) AttachToBatch(ctx context.Context, responseID, batchID uuid.UUID) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE responses SET batch_ref = $1, updated_at = now()
		WHERE id = $2 AND status = $3 AND batch_ref IS NULL`,
		batchID, responseID, string(domain.ResponseSubmitted))
	if err != nil {
		return qcerrors.NewDatabaseError("attach response to batch", err)
	}
	return requireOneRow(res, "response is not eligible to attach to a batch")
}

// MarkSampleOrRemainder records the seal-time sample/remainder split
// (§4.E steps 3-4): both the sample and the remainder move to
// Pending_Approval at seal time — the remainder's eventual decision
// (RecordAutoDecision, or the Dispatcher/Verification path once its
// batch is queued_for_qc) is what carries it out of Pending_Approval,
// not the seal itself.
func (s *Store) MarkSampleOrRemainder(ctx context.Context, responseID uuid.UUID, isSample bool) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE responses SET is_sample_response = $1, status = $2, updated_at = now()
		WHERE id = $3 AND status = $4`,
		isSample, string(domain.ResponsePendingApproval), responseID, string(domain.ResponseSubmitted))
	if err != nil {
		return qcerrors.NewDatabaseError("mark sample or remainder", err)
	}
	return requireOneRow(res, "response is not in a state that can be sampled")
}

// Approve records a reviewer's approval of a sample response.
func (s *Store) Approve(ctx context.Context, responseID uuid.UUID, v domain.Verification) error {
	return s.decide(ctx, responseID, domain.ResponseApproved, v)
}

// Reject records a reviewer's rejection of a sample response.
func (s *Store) Reject(ctx context.Context, responseID uuid.UUID, v domain.Verification) error {
	return s.decide(ctx, responseID, domain.ResponseRejected, v)
}

func (s *Store) decide(ctx context.Context, responseID uuid.UUID, status domain.ResponseStatus, v domain.Verification) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return qcerrors.NewInvariantError("encode verification payload").WithDetails(err.Error())
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE responses SET status = $1, verification = $2, updated_at = now()
		WHERE id = $3 AND status = $4`,
		string(status), sqlutil.ToNullJSON(payload), responseID, string(domain.ResponsePendingApproval))
	if err != nil {
		return qcerrors.NewDatabaseError("record verdict", err)
	}
	return requireOneRow(res, "response is not pending approval")
}

// RecordAutoDecision applies a remainder-rule outcome (auto-approve or
// auto-reject) to every response named in responseIDs in one
// statement. The remainder is already Pending_Approval as of seal time
// (MarkSampleOrRemainder); this transitions it straight to its
// decided status without a reviewer.
func (s *Store) RecordAutoDecision(ctx context.Context, responseIDs []uuid.UUID, verdict domain.Verdict, triggerBatchID uuid.UUID) error {
	if len(responseIDs) == 0 {
		return nil
	}
	status := domain.ResponseApproved
	v := domain.Verification{Verdict: verdict, AutoApproved: true, TriggerBatchID: triggerBatchID}
	if verdict == domain.VerdictReject {
		status = domain.ResponseRejected
		v = domain.Verification{Verdict: verdict, AutoRejected: true, TriggerBatchID: triggerBatchID}
	}
	payload, err := json.Marshal(v)
	if err != nil {
		return qcerrors.NewInvariantError("encode auto-decision payload").WithDetails(err.Error())
	}

	query, args, err := sqlx.In(`
		UPDATE responses SET status = ?, verification = ?, updated_at = now()
		WHERE id IN (?) AND status = ?`,
		string(status), sqlutil.ToNullJSON(payload), responseIDs, string(domain.ResponsePendingApproval))
	if err != nil {
		return qcerrors.NewDatabaseError("build auto-decision query", err)
	}
	query = s.db.Rebind(query)

	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return qcerrors.NewDatabaseError("record auto decision", err)
	}
	return nil
}

// CountSampleOutcomes tallies the sample responses of a batch by their
// current decision state, the input the Sampling & Remainder Processor
// needs to evaluate the remainder-rule table (§4.E step 2).
func (s *Store) CountSampleOutcomes(ctx context.Context, batchID uuid.UUID) (domain.QCStats, error) {
	var stats domain.QCStats
	err := s.db.GetContext(ctx, &stats, `
		SELECT
			count(*) FILTER (WHERE status = $2)                              AS approved_count,
			count(*) FILTER (WHERE status = $3)                              AS rejected_count,
			count(*) FILTER (WHERE status = $4)                              AS pending_count
		FROM responses WHERE batch_ref = $1 AND is_sample_response`,
		batchID, string(domain.ResponseApproved), string(domain.ResponseRejected), string(domain.ResponsePendingApproval))
	if err != nil {
		return domain.QCStats{}, qcerrors.NewDatabaseError("count sample outcomes", err)
	}
	return stats, nil
}

func requireOneRow(res sql.Result, message string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return qcerrors.NewDatabaseError("check rows affected", err)
	}
	if n == 0 {
		return qcerrors.NewConflictError(message)
	}
	return nil
}
