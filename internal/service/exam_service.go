package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-examtaker/internal/model"
)

// ErrExamNotFound is returned when the exam id does not exist.
var ErrExamNotFound = errors.New("exam not found")

const definitionCacheTTL = 10 * time.Minute

type examStore interface {
	GetDefinition(ctx context.Context, id uuid.UUID) (*model.ExamDefinition, error)
}

type definitionCache interface {
	GetExamDefinition(ctx context.Context, examID uuid.UUID) (*model.ExamDefinition, bool, error)
	SetExamDefinition(ctx context.Context, def *model.ExamDefinition, ttl time.Duration) error
}

type attemptLister interface {
	ListByStudentExam(ctx context.Context, examID uuid.UUID, studentID int) ([]model.Attempt, error)
}

// ExamService serves exam definitions through a Redis cache-aside layer.
type ExamService struct {
	exams    examStore
	cache    definitionCache
	attempts attemptLister
	log      zerolog.Logger
}

// NewExamService creates a new ExamService.
func NewExamService(exams examStore, cache definitionCache, attempts attemptLister, log zerolog.Logger) *ExamService {
	return &ExamService{
		exams:    exams,
		cache:    cache,
		attempts: attempts,
		log:      log.With().Str("component", "exam_service").Logger(),
	}
}

// GetDefinition returns the full definition, answers included. A cache
// failure is logged and served from PostgreSQL.
func (s *ExamService) GetDefinition(ctx context.Context, examID uuid.UUID) (*model.ExamDefinition, error) {
	def, found, err := s.cache.GetExamDefinition(ctx, examID)
	if err != nil {
		s.log.Warn().Err(err).Str("exam_id", examID.String()).Msg("Definition cache read failed")
	}
	if found {
		return def, nil
	}

	def, err = s.exams.GetDefinition(ctx, examID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrExamNotFound
		}
		return nil, fmt.Errorf("get definition: %w", err)
	}

	if err := s.cache.SetExamDefinition(ctx, def, definitionCacheTTL); err != nil {
		s.log.Warn().Err(err).Str("exam_id", examID.String()).Msg("Definition cache write failed")
	}

	return def, nil
}

// GetDetail returns what a student sees before starting: the exam without
// correct answers plus the student's own attempt history.
func (s *ExamService) GetDetail(ctx context.Context, examID uuid.UUID, studentID int) (*model.ExamDetail, error) {
	def, err := s.GetDefinition(ctx, examID)
	if err != nil {
		return nil, err
	}

	attempts, err := s.attempts.ListByStudentExam(ctx, examID, studentID)
	if err != nil {
		return nil, fmt.Errorf("list attempts: %w", err)
	}
	if attempts == nil {
		attempts = []model.Attempt{}
	}

	return &model.ExamDetail{
		Exam:       *def.ForStudent(),
		MyAttempts: attempts,
	}, nil
}
