// Package assignmentview maintains the materialized Assignment View
// (§4.F): a denormalized, dispatch-ordered projection of responses
// eligible for verification. The Sampling Processor writes to it
// through Upsert and the Verification handler through Remove; the
// Dispatcher reads it through Next and flips rows with
// MarkAssigned/MarkAvailable.
package assignmentview

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	qcerrors "github.com/surveyqc/qcpipeline/internal/errors"
	"github.com/surveyqc/qcpipeline/internal/sqlutil"
	"github.com/surveyqc/qcpipeline/pkg/domain"
)

// Store is the Postgres-backed Assignment View.
type Store struct {
	db *sqlx.DB
}

// New builds a Store over an already-connected database handle.
func New(db *sqlx.DB) *Store {
	return &Store{db: db}
}

type assignmentRow struct {
	ResponseID    string         `db:"response_id"`
	SurveyID      string         `db:"survey_id"`
	InterviewerID string         `db:"interviewer_id"`
	Mode          string         `db:"mode"`
	SelectedAC    sql.NullString `db:"selected_ac"`
	Priority      int            `db:"priority"`
	LastSkippedAt sql.NullTime   `db:"last_skipped_at"`
	CreatedAt     time.Time      `db:"created_at"`
	ViewStatus    string         `db:"view_status"`
}

func (r assignmentRow) toDomain() (domain.Assignment, error) {
	responseID, err := uuid.Parse(r.ResponseID)
	if err != nil {
		return domain.Assignment{}, qcerrors.NewInvariantError("invalid response_id in assignment view").WithDetails(err.Error())
	}
	surveyID, err := uuid.Parse(r.SurveyID)
	if err != nil {
		return domain.Assignment{}, qcerrors.NewInvariantError("invalid survey_id in assignment view").WithDetails(err.Error())
	}
	interviewerID, err := uuid.Parse(r.InterviewerID)
	if err != nil {
		return domain.Assignment{}, qcerrors.NewInvariantError("invalid interviewer_id in assignment view").WithDetails(err.Error())
	}
	a := domain.Assignment{
		ResponseID:    responseID,
		SurveyID:      surveyID,
		InterviewerID: interviewerID,
		Mode:          domain.Mode(r.Mode),
		Priority:      r.Priority,
		LastSkippedAt: sqlutil.FromNullTime(r.LastSkippedAt),
		CreatedAt:     r.CreatedAt,
		ViewStatus:    domain.ViewStatus(r.ViewStatus),
	}
	if ac := sqlutil.FromNullString(r.SelectedAC); ac != nil {
		a.SelectedAC = *ac
	}
	return a, nil
}

// Upsert inserts or refreshes a single dispatchable row. Called once a
// response is confirmed as a sample response awaiting verification.
func (s *Store) Upsert(ctx context.Context, a domain.Assignment) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO assignment_view (response_id, survey_id, interviewer_id, mode, selected_ac, priority, last_skipped_at, created_at, view_status)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (response_id) DO UPDATE SET
			selected_ac = EXCLUDED.selected_ac,
			priority = EXCLUDED.priority,
			last_skipped_at = EXCLUDED.last_skipped_at,
			view_status = EXCLUDED.view_status`,
		a.ResponseID, a.SurveyID, a.InterviewerID, string(a.Mode), sqlutil.ToNullStringValue(a.SelectedAC),
		a.Priority, sqlutil.ToNullTime(a.LastSkippedAt), a.CreatedAt, string(domain.ViewAvailable))
	if err != nil {
		return qcerrors.NewDatabaseError("upsert assignment view row", err)
	}
	return nil
}

// MarkAssigned flips a row to assigned, used by the Dispatcher once a
// lease is acquired so the row falls out of Next's candidate set.
func (s *Store) MarkAssigned(ctx context.Context, responseID string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE assignment_view SET view_status = $1 WHERE response_id = $2`,
		string(domain.ViewAssigned), responseID)
	if err != nil {
		return qcerrors.NewDatabaseError("mark assignment view row assigned", err)
	}
	return nil
}

// MarkAvailable flips a row back to available, used on lease release,
// lease expiry GC, and skip.
func (s *Store) MarkAvailable(ctx context.Context, responseID string, lastSkippedAt *time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE assignment_view SET view_status = $1, last_skipped_at = $2 WHERE response_id = $3`,
		string(domain.ViewAvailable), sqlutil.ToNullTime(lastSkippedAt), responseID)
	if err != nil {
		return qcerrors.NewDatabaseError("mark assignment view row available", err)
	}
	return nil
}

// Remove deletes a row once its response has left the verification
// pipeline (decided, or remainder-excluded).
func (s *Store) Remove(ctx context.Context, responseID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM assignment_view WHERE response_id = $1`, responseID)
	if err != nil {
		return qcerrors.NewDatabaseError("remove assignment view row", err)
	}
	return nil
}

// Next returns the single best candidate row for (mode), excluding any
// response ids in exclude (the dispatcher's per-call set of candidates
// whose lease race it lost), ordered by priority then oldest-skip/oldest-created —
// the same ordering the dispatch-order partial index supports.
func (s *Store) Next(ctx context.Context, mode domain.Mode, exclude []string) (domain.Assignment, error) {
	query := `
		SELECT response_id, survey_id, interviewer_id, mode, selected_ac, priority, last_skipped_at, created_at, view_status
		FROM assignment_view
		WHERE mode = ? AND view_status = ?`
	args := []interface{}{string(mode), string(domain.ViewAvailable)}
	if len(exclude) > 0 {
		query += ` AND response_id NOT IN (?)`
		args = append(args, exclude)
	} else {
		query += ` AND 1 = 1`
	}
	query += ` ORDER BY priority ASC, last_skipped_at ASC NULLS FIRST, created_at ASC LIMIT 1`

	expanded, expandedArgs, err := sqlx.In(query, args...)
	if err != nil {
		return domain.Assignment{}, qcerrors.NewDatabaseError("build next-assignment query", err)
	}
	expanded = s.db.Rebind(expanded)

	var row assignmentRow
	err = s.db.GetContext(ctx, &row, expanded, expandedArgs...)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Assignment{}, qcerrors.NewNotFoundError("no available assignment")
	}
	if err != nil {
		return domain.Assignment{}, qcerrors.NewDatabaseError("next assignment", err)
	}
	return row.toDomain()
}

// ListAssigned returns the response ids of every row currently
// assigned, the Scheduler's lease-GC task's candidate set for
// reconciling against Redis's own lease TTLs.
func (s *Store) ListAssigned(ctx context.Context) ([]uuid.UUID, error) {
	var ids []string
	err := s.db.SelectContext(ctx, &ids, `SELECT response_id FROM assignment_view WHERE view_status = $1`, string(domain.ViewAssigned))
	if err != nil {
		return nil, qcerrors.NewDatabaseError("list assigned response ids", err)
	}
	out := make([]uuid.UUID, 0, len(ids))
	for _, s := range ids {
		id, err := uuid.Parse(s)
		if err != nil {
			return nil, qcerrors.NewInvariantError("invalid response_id in assignment view").WithDetails(err.Error())
		}
		out = append(out, id)
	}
	return out, nil
}

// Count returns the current row count, used to drive the assignment
// view size gauge.
func (s *Store) Count(ctx context.Context) (int, error) {
	var n int
	if err := s.db.GetContext(ctx, &n, `SELECT count(*) FROM assignment_view`); err != nil {
		return 0, qcerrors.NewDatabaseError("count assignment view", err)
	}
	return n, nil
}

// Reconcile rebuilds the view from source-of-truth (§4.F, §4.I
// "periodic assignment view refresh"): a response qualifies once it is
// Pending_Approval and is either a sample response or belongs to a
// batch that is queued_for_qc. Newly qualifying responses not already
// present are inserted as available rows; rows whose response no
// longer qualifies (decided, or its batch went terminal) are deleted.
// Both passes are capped at batchSize rows per call so a refresh tick
// never holds a long-running lock (§5: "refresh in small batches,
// upsert-by-id").
func (s *Store) Reconcile(ctx context.Context, batchSize int) (upserted, removed int, err error) {
	insertRes, err := s.db.ExecContext(ctx, `
		INSERT INTO assignment_view (response_id, survey_id, interviewer_id, mode, selected_ac, priority, last_skipped_at, created_at, view_status)
		SELECT r.id, r.survey_id, r.interviewer_id, r.mode, r.assembly_constituency, 0, r.last_skipped_at, r.created_at, $1
		FROM responses r
		JOIN batches b ON b.id = r.batch_ref
		WHERE r.status = $2 AND (r.is_sample_response OR b.status = $3)
		  AND NOT EXISTS (SELECT 1 FROM assignment_view av WHERE av.response_id = r.id)
		LIMIT $4
		ON CONFLICT (response_id) DO NOTHING`,
		string(domain.ViewAvailable), string(domain.ResponsePendingApproval), string(domain.BatchQueuedForQC), batchSize)
	if err != nil {
		return 0, 0, qcerrors.NewDatabaseError("reconcile assignment view: upsert qualifying responses", err)
	}
	upsertedN, err := insertRes.RowsAffected()
	if err != nil {
		return 0, 0, qcerrors.NewDatabaseError("reconcile assignment view: rows affected", err)
	}

	deleteRes, err := s.db.ExecContext(ctx, `
		DELETE FROM assignment_view
		WHERE response_id IN (
			SELECT av.response_id
			FROM assignment_view av
			LEFT JOIN responses r ON r.id = av.response_id
			LEFT JOIN batches b ON b.id = r.batch_ref
			WHERE r.id IS NULL
			   OR r.status != $1
			   OR NOT (r.is_sample_response OR b.status = $2)
			LIMIT $3
		)`, string(domain.ResponsePendingApproval), string(domain.BatchQueuedForQC), batchSize)
	if err != nil {
		return int(upsertedN), 0, qcerrors.NewDatabaseError("reconcile assignment view: remove disqualified rows", err)
	}
	removedN, err := deleteRes.RowsAffected()
	if err != nil {
		return int(upsertedN), 0, qcerrors.NewDatabaseError("reconcile assignment view: rows affected", err)
	}

	return int(upsertedN), int(removedN), nil
}
