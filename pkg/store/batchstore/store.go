// Package batchstore is the Batch Store (§4.B): the single writer of
// a batch's lifecycle, response membership, and QC stats. Every
// mutator is guarded by the batch's version column so a lost race
// against a concurrent writer is detected as a Conflict rather than
// silently overwritten — the same optimistic-concurrency idiom the
// teacher's datastorage repositories apply to their own versioned
// aggregates.
package batchstore

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

// Store is the Postgres-backed Batch Store.
type Store struct {
	db *sqlx.DB
}

// New builds a Store over an already-connected database handle.
func New(db *sqlx.DB) *Store {
	return &Store{db: db}
}

type batchRow struct {
	ID                  uuid.UUID      `db:"id"`
	TenantID            uuid.UUID      `db:"tenant_id"`
	SurveyID            uuid.UUID      `db:"survey_id"`
	InterviewerID       uuid.UUID      `db:"interviewer_id"`
	BatchDate           time.Time      `db:"batch_date"`
	Status              string         `db:"status"`
	Responses           sqlutil.UUIDArray `db:"responses"`
	SampleResponses     sqlutil.UUIDArray `db:"sample_responses"`
	RemainingResponses  sqlutil.UUIDArray `db:"remaining_responses"`
	ApprovedCount       int            `db:"approved_count"`
	RejectedCount       int            `db:"rejected_count"`
	PendingCount        int            `db:"pending_count"`
	ApprovalRate        float64        `db:"approval_rate"`
	RemainderDecision   string         `db:"remainder_decision"`
	RemainderDecidedAt  sql.NullTime   `db:"remainder_decided_at"`
	TriggerApprovalRate sql.NullFloat64 `db:"trigger_approval_rate"`
	BatchConfig         sql.NullString `db:"batch_config"`
	ProcessingStartedAt sql.NullTime   `db:"processing_started_at"`
	Version             int64          `db:"version"`
	CreatedAt           time.Time      `db:"created_at"`
	UpdatedAt           time.Time      `db:"updated_at"`
}

func (r batchRow) toDomain() domain.Batch {
	b := domain.Batch{
		ID:                  r.ID,
		TenantID:            r.TenantID,
		SurveyID:            r.SurveyID,
		InterviewerID:       r.InterviewerID,
		BatchDate:           r.BatchDate,
		Status:              domain.BatchStatus(r.Status),
		Responses:           []uuid.UUID(r.Responses),
		SampleResponses:     []uuid.UUID(r.SampleResponses),
		RemainingResponses:  []uuid.UUID(r.RemainingResponses),
		ProcessingStartedAt: sqlutil.FromNullTime(r.ProcessingStartedAt),
		Version:             r.Version,
		CreatedAt:           r.CreatedAt,
		UpdatedAt:           r.UpdatedAt,
	}
	b.QCStats = domain.QCStats{ApprovedCount: r.ApprovedCount, RejectedCount: r.RejectedCount, PendingCount: r.PendingCount, ApprovalRate: r.ApprovalRate}
	b.RemainderDecision = domain.RemainderDecision{
		Decision:  domain.RemainderDecisionState(r.RemainderDecision),
		DecidedAt: sqlutil.FromNullTime(r.RemainderDecidedAt),
	}
	if r.TriggerApprovalRate.Valid {
		b.RemainderDecision.TriggerApprovalRate = r.TriggerApprovalRate.Float64
	}
	if r.BatchConfig.Valid {
		var cfg domain.QCConfig
		if err := json.Unmarshal([]byte(r.BatchConfig.String), &cfg); err == nil {
			b.BatchConfig = &cfg
		}
	}
	return b
}

const batchColumns = `id, tenant_id, survey_id, interviewer_id, batch_date, status, responses, sample_responses,
	remaining_responses, approved_count, rejected_count, pending_count, approval_rate, remainder_decision,
	remainder_decided_at, trigger_approval_rate, batch_config, processing_started_at, version, created_at, updated_at`

// FindOrCreateCollecting returns the (survey, interviewer)'s current
// collecting batch, creating one if none exists. §4.B guarantees at
// most one collecting batch per (survey, interviewer) via a partial
// unique index; a race on creation is resolved by re-reading the row
// the index collision reveals.
func (s *Store) FindOrCreateCollecting(ctx context.Context, tenantID, surveyID, interviewerID uuid.UUID, batchDate time.Time) (domain.Batch, error) {
	var row batchRow
	err := s.db.GetContext(ctx, &row, `SELECT `+batchColumns+` FROM batches
		WHERE survey_id = $1 AND interviewer_id = $2 AND status = $3`,
		surveyID, interviewerID, string(domain.BatchCollecting))
	if err == nil {
		return row.toDomain(), nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return domain.Batch{}, qcerrors.NewDatabaseError("find collecting batch", err)
	}

	id := uuid.New()
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO batches (id, tenant_id, survey_id, interviewer_id, batch_date, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, now(), now())
		ON CONFLICT (survey_id, interviewer_id) WHERE status = 'collecting' DO NOTHING`,
		id, tenantID, surveyID, interviewerID, batchDate, string(domain.BatchCollecting))
	if err != nil {
		return domain.Batch{}, qcerrors.NewDatabaseError("create collecting batch", err)
	}

	err = s.db.GetContext(ctx, &row, `SELECT `+batchColumns+` FROM batches
		WHERE survey_id = $1 AND interviewer_id = $2 AND status = $3`,
		surveyID, interviewerID, string(domain.BatchCollecting))
	if err != nil {
		return domain.Batch{}, qcerrors.NewDatabaseError("read back collecting batch", err)
	}
	return row.toDomain(), nil
}

// AppendResponse adds responseID to the batch's response list if not
// already present and the batch has not reached BatchCapacity,
// guarded by optimistic version check. Returns a Conflict error
// whenever no row is updated: the version has moved (lost the race),
// the batch is no longer collecting, the response is already present,
// or the batch is full.
func (s *Store) AppendResponse(ctx context.Context, batchID, responseID uuid.UUID, expectedVersion int64) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE batches
		SET responses = array_append(responses, $1::text), updated_at = now(), version = version + 1
		WHERE id = $2 AND version = $3 AND status = $4
		  AND NOT ($1::text = ANY(responses))
		  AND array_length(responses, 1) IS DISTINCT FROM $5`,
		responseID.String(), batchID, expectedVersion, string(domain.BatchCollecting), domain.BatchCapacity)
	if err != nil {
		return qcerrors.NewDatabaseError("append response to batch", err)
	}
	return requireOneRow(res, "batch append lost the optimistic-concurrency race or batch is full")
}

// Seal transitions a collecting batch to qc_in_progress, records the
// seal-time sample/remainder split, and snapshots cfg into the batch's
// immutable batch_config column (§3: "batchConfig: immutable snapshot
// at seal time").
func (s *Store) Seal(ctx context.Context, batchID uuid.UUID, sample, remaining []uuid.UUID, cfg domain.QCConfig, expectedVersion int64) error {
	cfgJSON, err := json.Marshal(cfg)
	if err != nil {
		return qcerrors.NewInvariantError("encode batch config snapshot").WithDetails(err.Error())
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE batches SET status = $1, sample_responses = $2, remaining_responses = $3,
			batch_config = $4, processing_started_at = now(), updated_at = now(), version = version + 1
		WHERE id = $5 AND version = $6 AND status = $7`,
		string(domain.BatchQCInProgress), sqlutil.UUIDArray(sample), sqlutil.UUIDArray(remaining), cfgJSON,
		batchID, expectedVersion, string(domain.BatchCollecting))
	if err != nil {
		return qcerrors.NewDatabaseError("seal batch", err)
	}
	return requireOneRow(res, "batch seal lost the optimistic-concurrency race")
}

// UpdateStats recomputes and persists a batch's QC stats (§4.E,
// remainder-decision step 1 recomputation).
func (s *Store) UpdateStats(ctx context.Context, batchID uuid.UUID, stats domain.QCStats) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE batches SET approved_count = $1, rejected_count = $2, pending_count = $3,
			approval_rate = $4, updated_at = now()
		WHERE id = $5`,
		stats.ApprovedCount, stats.RejectedCount, stats.PendingCount, stats.ApprovalRate, batchID)
	if err != nil {
		return qcerrors.NewDatabaseError("update batch stats", err)
	}
	return nil
}

// SetRemainderDecision records the outcome of the remainder rule-table
// evaluation. Idempotent: a second call against an already-decided
// batch affects zero rows and returns a Conflict.
func (s *Store) SetRemainderDecision(ctx context.Context, batchID uuid.UUID, decision domain.RemainderDecisionState, triggerRate float64) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE batches SET remainder_decision = $1, remainder_decided_at = now(), trigger_approval_rate = $2, updated_at = now()
		WHERE id = $3 AND remainder_decision = $4`,
		string(decision), triggerRate, batchID, string(domain.RemainderPending))
	if err != nil {
		return qcerrors.NewDatabaseError("set remainder decision", err)
	}
	return requireOneRow(res, "batch remainder decision already recorded")
}

// Finalize moves a qc_in_progress or queued_for_qc batch to the status
// that closes its remainder decision: queued_for_qc right after a
// send_to_qc remainder is published, auto_approved or completed once
// the remainder has been auto-decided.
func (s *Store) Finalize(ctx context.Context, batchID uuid.UUID, terminal domain.BatchStatus) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE batches SET status = $1, updated_at = now(), version = version + 1
		WHERE id = $2 AND status IN ($3, $4)`,
		string(terminal), batchID, string(domain.BatchQCInProgress), string(domain.BatchQueuedForQC))
	if err != nil {
		return qcerrors.NewDatabaseError("finalize batch", err)
	}
	return requireOneRow(res, "batch is not in a finalizable state")
}

// GetByID returns a single batch by id.
func (s *Store) GetByID(ctx context.Context, id uuid.UUID) (domain.Batch, error) {
	var row batchRow
	err := s.db.GetContext(ctx, &row, `SELECT `+batchColumns+` FROM batches WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Batch{}, qcerrors.NewNotFoundError("batch not found").WithDetailsf("id=%s", id)
	}
	if err != nil {
		return domain.Batch{}, qcerrors.NewDatabaseError("get batch", err)
	}
	return row.toDomain(), nil
}

// ListCollectingBefore returns every batch still in collecting whose
// batch_date is strictly before cutoff, the Scheduler's daily-seal
// task's candidate set.
func (s *Store) ListCollectingBefore(ctx context.Context, cutoff time.Time) ([]domain.Batch, error) {
	var rows []batchRow
	err := s.db.SelectContext(ctx, &rows, `SELECT `+batchColumns+` FROM batches
		WHERE status = $1 AND batch_date < $2`, string(domain.BatchCollecting), cutoff)
	if err != nil {
		return nil, qcerrors.NewDatabaseError("list collecting batches due for seal", err)
	}
	out := make([]domain.Batch, len(rows))
	for i, row := range rows {
		out[i] = row.toDomain()
	}
	return out, nil
}

// ListQCInProgress returns every batch currently in qc_in_progress, the
// Scheduler daily task's candidate set for re-running the
// remainder-decision evaluation (§4.I: "For every batch in
// qc_in_progress, call remainder-decision evaluation").
func (s *Store) ListQCInProgress(ctx context.Context) ([]domain.Batch, error) {
	var rows []batchRow
	err := s.db.SelectContext(ctx, &rows, `SELECT `+batchColumns+` FROM batches WHERE status = $1`,
		string(domain.BatchQCInProgress))
	if err != nil {
		return nil, qcerrors.NewDatabaseError("list qc_in_progress batches", err)
	}
	out := make([]domain.Batch, len(rows))
	for i, row := range rows {
		out[i] = row.toDomain()
	}
	return out, nil
}

// ListQCInProgressFor returns every qc_in_progress batch for
// (surveyID, interviewerID); there can be several, one per sealed
// batch still awaiting its remainder decision — the Batching
// Engine's opportunistic "evaluate already-adjudicated sibling
// batches" step (§4.D step 5) scopes its re-evaluation to this pair.
func (s *Store) ListQCInProgressFor(ctx context.Context, surveyID, interviewerID uuid.UUID) ([]domain.Batch, error) {
	var rows []batchRow
	err := s.db.SelectContext(ctx, &rows, `SELECT `+batchColumns+` FROM batches
		WHERE survey_id = $1 AND interviewer_id = $2 AND status = $3`,
		surveyID, interviewerID, string(domain.BatchQCInProgress))
	if err != nil {
		return nil, qcerrors.NewDatabaseError("list qc_in_progress batches for interviewer", err)
	}
	out := make([]domain.Batch, len(rows))
	for i, row := range rows {
		out[i] = row.toDomain()
	}
	return out, nil
}

// ListBySurvey returns every batch for surveyID, newest first, the
// admin "list batches with live stats" surface (§6 GET /batches).
func (s *Store) ListBySurvey(ctx context.Context, surveyID uuid.UUID) ([]domain.Batch, error) {
	var rows []batchRow
	err := s.db.SelectContext(ctx, &rows, `SELECT `+batchColumns+` FROM batches
		WHERE survey_id = $1 ORDER BY created_at DESC`, surveyID)
	if err != nil {
		return nil, qcerrors.NewDatabaseError("list batches by survey", err)
	}
	out := make([]domain.Batch, len(rows))
	for i, row := range rows {
		out[i] = row.toDomain()
	}
	return out, nil
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
