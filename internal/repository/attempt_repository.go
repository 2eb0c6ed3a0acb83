package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stemsi/exstem-examtaker/internal/model"
)

// ErrAttemptNotInProgress is returned by Complete when another writer has
// already finalized the attempt.
var ErrAttemptNotInProgress = errors.New("attempt is not in progress")

const attemptColumns = `id, exam_id, student_id, status, started_at, finished_at,
	score::float8, percentage::float8, passed, pending_review, late, expired`

// AttemptRepository handles attempt data access.
type AttemptRepository struct {
	pool *pgxpool.Pool
}

// NewAttemptRepository creates a new AttemptRepository.
func NewAttemptRepository(pool *pgxpool.Pool) *AttemptRepository {
	return &AttemptRepository{pool: pool}
}

func scanAttempt(row pgx.Row, a *model.Attempt) error {
	return row.Scan(&a.ID, &a.ExamID, &a.StudentID, &a.Status, &a.StartedAt, &a.FinishedAt,
		&a.Score, &a.Percentage, &a.Passed, &a.PendingReview, &a.Late, &a.Expired)
}

// Create inserts a new in-progress attempt. When the student already has one
// in progress for the exam, nothing is written and pgx.ErrNoRows is returned.
func (r *AttemptRepository) Create(ctx context.Context, a *model.Attempt) error {
	err := r.pool.QueryRow(ctx,
		`INSERT INTO attempts (exam_id, student_id, status)
		 VALUES ($1, $2, $3)
		 ON CONFLICT (exam_id, student_id) WHERE status = 'en_progreso' DO NOTHING
		 RETURNING id, started_at`,
		a.ExamID, a.StudentID, model.AttemptStatusInProgress,
	).Scan(&a.ID, &a.StartedAt)
	if err != nil {
		return err
	}
	a.Status = model.AttemptStatusInProgress
	return nil
}

// GetByID retrieves an attempt by its UUID.
func (r *AttemptRepository) GetByID(ctx context.Context, id uuid.UUID) (*model.Attempt, error) {
	a := &model.Attempt{}
	err := scanAttempt(r.pool.QueryRow(ctx,
		`SELECT `+attemptColumns+` FROM attempts WHERE id = $1`, id), a)
	if err != nil {
		return nil, err
	}
	return a, nil
}

// GetActive retrieves the student's in-progress attempt for an exam.
func (r *AttemptRepository) GetActive(ctx context.Context, examID uuid.UUID, studentID int) (*model.Attempt, error) {
	a := &model.Attempt{}
	err := scanAttempt(r.pool.QueryRow(ctx,
		`SELECT `+attemptColumns+`
		 FROM attempts
		 WHERE exam_id = $1 AND student_id = $2 AND status = 'en_progreso'`, examID, studentID), a)
	if err != nil {
		return nil, err
	}
	return a, nil
}

// ListByStudentExam retrieves every attempt of a student at an exam, oldest first.
func (r *AttemptRepository) ListByStudentExam(ctx context.Context, examID uuid.UUID, studentID int) ([]model.Attempt, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT `+attemptColumns+`
		 FROM attempts
		 WHERE exam_id = $1 AND student_id = $2
		 ORDER BY started_at`, examID, studentID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	attempts := []model.Attempt{}
	for rows.Next() {
		var a model.Attempt
		if err := scanAttempt(rows, &a); err != nil {
			return nil, err
		}
		attempts = append(attempts, a)
	}
	return attempts, rows.Err()
}

// CountByStudentExam counts the attempts a student has started at an exam.
func (r *AttemptRepository) CountByStudentExam(ctx context.Context, examID uuid.UUID, studentID int) (int, error) {
	var n int
	err := r.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM attempts WHERE exam_id = $1 AND student_id = $2`,
		examID, studentID,
	).Scan(&n)
	return n, err
}

// Complete finalizes an in-progress attempt and stores its graded answers
// in a single transaction. Returns ErrAttemptNotInProgress if the attempt was
// already finalized by someone else.
func (r *AttemptRepository) Complete(ctx context.Context, a *model.Attempt, answers []model.AttemptAnswer) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx,
		`UPDATE attempts
		 SET status = $1, finished_at = $2, score = $3, percentage = $4, passed = $5,
		     pending_review = $6, late = $7, expired = $8
		 WHERE id = $9 AND status = 'en_progreso'`,
		model.AttemptStatusFinished, a.FinishedAt, a.Score, a.Percentage, a.Passed,
		a.PendingReview, a.Late, a.Expired, a.ID,
	)
	if err != nil {
		return fmt.Errorf("update attempt: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrAttemptNotInProgress
	}

	if len(answers) > 0 {
		rows := make([][]any, 0, len(answers))
		for _, ans := range answers {
			rows = append(rows, []any{a.ID, ans.QuestionID, ans.Answer, ans.PointsEarned})
		}
		if _, err := tx.CopyFrom(ctx,
			pgx.Identifier{"attempt_answers"},
			[]string{"attempt_id", "question_id", "answer", "points_earned"},
			pgx.CopyFromRows(rows),
		); err != nil {
			return fmt.Errorf("copy answers: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	a.Status = model.AttemptStatusFinished
	return nil
}

// OverdueAttempt identifies an in-progress attempt whose deadline plus grace
// has passed.
type OverdueAttempt struct {
	ID        uuid.UUID
	ExamID    uuid.UUID
	StudentID int
}

// ListOverdue returns up to limit in-progress attempts whose
// started_at + duration + grace is before now.
func (r *AttemptRepository) ListOverdue(ctx context.Context, now time.Time, grace time.Duration, limit int) ([]OverdueAttempt, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT a.id, a.exam_id, a.student_id
		 FROM attempts a
		 JOIN exams e ON e.id = a.exam_id
		 WHERE a.status = 'en_progreso'
		   AND a.started_at + make_interval(mins => e.duration_minutes) + make_interval(secs => $2) < $1
		 ORDER BY a.started_at
		 LIMIT $3`,
		now, grace.Seconds(), limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []OverdueAttempt
	for rows.Next() {
		var o OverdueAttempt
		if err := rows.Scan(&o.ID, &o.ExamID, &o.StudentID); err != nil {
			return nil, err
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

// ExpireBatch finalizes the given attempts with a zero score and the expired
// flag, skipping any that were submitted in the meantime. It returns the IDs
// it actually closed.
func (r *AttemptRepository) ExpireBatch(ctx context.Context, ids []uuid.UUID, finishedAt time.Time) ([]uuid.UUID, error) {
	rows, err := r.pool.Query(ctx,
		`UPDATE attempts AS a
		 SET status = 'finalizado',
		     finished_at = $2,
		     score = 0,
		     percentage = 0,
		     passed = FALSE,
		     expired = TRUE
		 FROM UNNEST($1::uuid[]) AS t (id)
		 WHERE a.id = t.id AND a.status = 'en_progreso'
		 RETURNING a.id`,
		ids, finishedAt,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var closed []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		closed = append(closed, id)
	}
	return closed, rows.Err()
}

// ExpireOne is the single-row fallback of ExpireBatch. It reports whether the
// attempt was still in progress.
func (r *AttemptRepository) ExpireOne(ctx context.Context, id uuid.UUID, finishedAt time.Time) (bool, error) {
	tag, err := r.pool.Exec(ctx,
		`UPDATE attempts
		 SET status = 'finalizado', finished_at = $2, score = 0, percentage = 0,
		     passed = FALSE, expired = TRUE
		 WHERE id = $1 AND status = 'en_progreso'`,
		id, finishedAt,
	)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}
