package repository

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stemsi/exstem-examtaker/internal/model"
)

// ExamRepository handles exam and question data access.
type ExamRepository struct {
	pool *pgxpool.Pool
}

// NewExamRepository creates a new ExamRepository.
func NewExamRepository(pool *pgxpool.Pool) *ExamRepository {
	return &ExamRepository{pool: pool}
}

// GetDefinition loads an exam with its questions in display order.
// Correct answers are included; callers strip them before they reach a student.
func (r *ExamRepository) GetDefinition(ctx context.Context, id uuid.UUID) (*model.ExamDefinition, error) {
	e := &model.ExamDefinition{}
	err := r.pool.QueryRow(ctx,
		`SELECT id, title, duration_minutes, passing_percentage::float8, max_attempts
		 FROM exams WHERE id = $1`, id,
	).Scan(&e.ID, &e.Title, &e.DurationMinutes, &e.PassingPercentage, &e.MaxAttempts)
	if err != nil {
		return nil, err
	}

	rows, err := r.pool.Query(ctx,
		`SELECT id, question_type, question_text, points::float8, options, correct_answer, order_num
		 FROM questions
		 WHERE exam_id = $1
		 ORDER BY order_num, id`, id,
	)
	if err != nil {
		return nil, fmt.Errorf("query questions: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var q model.Question
		if err := rows.Scan(&q.ID, &q.Type, &q.Text, &q.Points, &q.Options, &q.CorrectAnswer, &q.OrderNum); err != nil {
			return nil, fmt.Errorf("scan question: %w", err)
		}
		e.TotalPoints += q.Points
		e.Questions = append(e.Questions, q)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	return e, nil
}

// Create inserts an exam and its questions in one transaction.
// IDs left as uuid.Nil are generated by the database.
func (r *ExamRepository) Create(ctx context.Context, e *model.ExamDefinition) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	err = tx.QueryRow(ctx,
		`INSERT INTO exams (id, title, duration_minutes, passing_percentage, max_attempts)
		 VALUES (COALESCE($1, gen_random_uuid()), $2, $3, $4, $5)
		 RETURNING id`,
		nullUUID(e.ID), e.Title, e.DurationMinutes, e.PassingPercentage, e.MaxAttempts,
	).Scan(&e.ID)
	if err != nil {
		return fmt.Errorf("insert exam: %w", err)
	}

	batch := &pgx.Batch{}
	for i := range e.Questions {
		q := &e.Questions[i]
		options := q.Options
		if options == nil {
			options = []model.Option{}
		}
		batch.Queue(
			`INSERT INTO questions (id, exam_id, question_type, question_text, points, options, correct_answer, order_num)
			 VALUES (COALESCE($1, gen_random_uuid()), $2, $3, $4, $5, $6, $7, $8)
			 RETURNING id`,
			nullUUID(q.ID), e.ID, q.Type, q.Text, q.Points, options, q.CorrectAnswer, q.OrderNum,
		).QueryRow(func(row pgx.Row) error {
			return row.Scan(&q.ID)
		})
	}
	if err := tx.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("insert questions: %w", err)
	}

	e.TotalPoints = 0
	for _, q := range e.Questions {
		e.TotalPoints += q.Points
	}

	return tx.Commit(ctx)
}

func nullUUID(id uuid.UUID) *uuid.UUID {
	if id == uuid.Nil {
		return nil
	}
	return &id
}
