package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-examtaker/internal/model"
	"github.com/stemsi/exstem-examtaker/internal/repository"
	ws "github.com/stemsi/exstem-examtaker/internal/websocket"
)

// Attempt errors.
var (
	ErrAttemptsExhausted       = errors.New("no attempts left for this exam")
	ErrAttemptNotFound         = errors.New("attempt not found")
	ErrAttemptAlreadySubmitted = errors.New("attempt already submitted")
	ErrSubmitInProgress        = errors.New("submission already in progress")
)

const (
	submitLockTTL = 30 * time.Second
	// startCacheSlack keeps a start time cached a little past the point where
	// the expiry sweep would have closed the attempt.
	startCacheSlack = time.Hour
)

type definitionSource interface {
	GetDefinition(ctx context.Context, examID uuid.UUID) (*model.ExamDefinition, error)
}

type attemptStore interface {
	Create(ctx context.Context, a *model.Attempt) error
	GetByID(ctx context.Context, id uuid.UUID) (*model.Attempt, error)
	GetActive(ctx context.Context, examID uuid.UUID, studentID int) (*model.Attempt, error)
	CountByStudentExam(ctx context.Context, examID uuid.UUID, studentID int) (int, error)
	Complete(ctx context.Context, a *model.Attempt, answers []model.AttemptAnswer) error
	ExpireOne(ctx context.Context, id uuid.UUID, finishedAt time.Time) (bool, error)
}

type attemptCache interface {
	GetStartedAt(ctx context.Context, attemptID uuid.UUID) (time.Time, bool, error)
	SetStartedAt(ctx context.Context, attemptID uuid.UUID, startedAt time.Time, ttl time.Duration) error
	DeleteStartedAt(ctx context.Context, attemptIDs ...uuid.UUID) error
	AcquireSubmitLock(ctx context.Context, attemptID uuid.UUID, ttl time.Duration) (bool, error)
	ReleaseSubmitLock(ctx context.Context, attemptID uuid.UUID) error
	PublishAttemptEvent(ctx context.Context, attemptID uuid.UUID, payload []byte) error
}

// AttemptService is the server side of the attempt lifecycle: it owns the
// authoritative start time, the attempt cap and the single finalization of
// each attempt.
type AttemptService struct {
	defs        definitionSource
	attempts    attemptStore
	cache       attemptCache
	submitGrace time.Duration
	log         zerolog.Logger
	now         func() time.Time
}

// NewAttemptService creates a new AttemptService.
func NewAttemptService(defs definitionSource, attempts attemptStore, cache attemptCache, submitGrace time.Duration, log zerolog.Logger) *AttemptService {
	return &AttemptService{
		defs:        defs,
		attempts:    attempts,
		cache:       cache,
		submitGrace: submitGrace,
		log:         log.With().Str("component", "attempt_service").Logger(),
		now:         time.Now,
	}
}

// Start resumes the student's in-progress attempt or creates a new one when
// the cap allows it. An in-progress attempt already past its deadline plus
// grace is closed first and does not block a new start.
func (s *AttemptService) Start(ctx context.Context, examID uuid.UUID, studentID int) (*model.StartAttemptResponse, error) {
	def, err := s.defs.GetDefinition(ctx, examID)
	if err != nil {
		return nil, err
	}

	active, err := s.attempts.GetActive(ctx, examID, studentID)
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("get active attempt: %w", err)
	}
	if active != nil {
		if s.pastGrace(active.StartedAt, def) {
			if err := s.expire(ctx, active.ID); err != nil {
				return nil, err
			}
		} else {
			s.cacheStart(ctx, active, def)
			return startResponse(active, def, true), nil
		}
	}

	used, err := s.attempts.CountByStudentExam(ctx, examID, studentID)
	if err != nil {
		return nil, fmt.Errorf("count attempts: %w", err)
	}
	if def.MaxAttempts > 0 && used >= def.MaxAttempts {
		return nil, ErrAttemptsExhausted
	}

	attempt := &model.Attempt{ExamID: examID, StudentID: studentID}
	if err := s.attempts.Create(ctx, attempt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			// Concurrent start detected
			existing, fetchErr := s.attempts.GetActive(ctx, examID, studentID)
			if fetchErr != nil {
				return nil, fmt.Errorf("concurrent start detected, but fetch failed: %w", fetchErr)
			}
			s.cacheStart(ctx, existing, def)
			return startResponse(existing, def, true), nil
		}
		return nil, fmt.Errorf("create attempt: %w", err)
	}

	s.cacheStart(ctx, attempt, def)

	s.log.Info().
		Str("attempt_id", attempt.ID.String()).
		Str("exam_id", examID.String()).
		Int("student_id", studentID).
		Int("attempt_no", used+1).
		Msg("Attempt started")

	return startResponse(attempt, def, false), nil
}

// Submit grades and finalizes an attempt exactly once. Submissions after the
// deadline but within the grace window are graded and flagged late; later
// ones find the attempt expired.
func (s *AttemptService) Submit(ctx context.Context, examID uuid.UUID, studentID int, req *model.SubmitAttemptRequest) (*model.SubmitAttemptResponse, error) {
	attempt, err := s.attempts.GetByID(ctx, req.AttemptID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrAttemptNotFound
		}
		return nil, fmt.Errorf("get attempt: %w", err)
	}
	if attempt.StudentID != studentID || attempt.ExamID != examID {
		return nil, ErrAttemptNotFound
	}
	if attempt.Status == model.AttemptStatusFinished {
		return nil, ErrAttemptAlreadySubmitted
	}

	locked, err := s.cache.AcquireSubmitLock(ctx, attempt.ID, submitLockTTL)
	if err != nil {
		return nil, fmt.Errorf("acquire submit lock: %w", err)
	}
	if !locked {
		return nil, ErrSubmitInProgress
	}
	defer func() {
		if err := s.cache.ReleaseSubmitLock(context.Background(), attempt.ID); err != nil {
			s.log.Warn().Err(err).Str("attempt_id", attempt.ID.String()).Msg("Release submit lock failed")
		}
	}()

	def, err := s.defs.GetDefinition(ctx, examID)
	if err != nil {
		return nil, err
	}

	if s.pastGrace(attempt.StartedAt, def) {
		if err := s.expire(ctx, attempt.ID); err != nil {
			return nil, err
		}
		return nil, ErrAttemptAlreadySubmitted
	}

	graded, err := Grade(def, attempt.ID, req.Answers)
	if err != nil {
		return nil, err
	}

	now := s.now()
	late := now.After(attempt.Deadline(def.Duration()))
	attempt.FinishedAt = &now
	attempt.Score = &graded.Score
	attempt.Percentage = &graded.Percentage
	attempt.Passed = &graded.Passed
	attempt.PendingReview = graded.PendingReview
	attempt.Late = late

	if err := s.attempts.Complete(ctx, attempt, graded.Answers); err != nil {
		if errors.Is(err, repository.ErrAttemptNotInProgress) {
			return nil, ErrAttemptAlreadySubmitted
		}
		return nil, fmt.Errorf("complete attempt: %w", err)
	}

	s.publishFinished(ctx, attempt.ID, false, &graded.Score)
	if err := s.cache.DeleteStartedAt(ctx, attempt.ID); err != nil {
		s.log.Warn().Err(err).Str("attempt_id", attempt.ID.String()).Msg("Clear cached start failed")
	}

	s.log.Info().
		Str("attempt_id", attempt.ID.String()).
		Int("student_id", studentID).
		Float64("score", graded.Score).
		Bool("late", late).
		Bool("pending_review", graded.PendingReview).
		Msg("Attempt submitted")

	return &model.SubmitAttemptResponse{
		Msg:           submitMessage(graded.PendingReview, late),
		Score:         graded.Score,
		TotalPoints:   graded.TotalPoints,
		Percentage:    graded.Percentage,
		Passed:        graded.Passed,
		PendingReview: graded.PendingReview,
		Late:          late,
	}, nil
}

// AttemptClock is the server's view of an attempt's time budget.
type AttemptClock struct {
	AttemptID uuid.UUID
	Deadline  time.Time
}

// Remaining returns whole seconds left on the clock at now.
func (c *AttemptClock) Remaining(now time.Time) int {
	return model.RemainingSeconds(c.Deadline, now)
}

// ActiveClock resolves the student's in-progress attempt for an exam and its
// deadline. The start time comes from Redis when cached, otherwise from
// PostgreSQL, and the cache is healed on a miss.
func (s *AttemptService) ActiveClock(ctx context.Context, examID uuid.UUID, studentID int) (*AttemptClock, error) {
	def, err := s.defs.GetDefinition(ctx, examID)
	if err != nil {
		return nil, err
	}

	active, err := s.attempts.GetActive(ctx, examID, studentID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrAttemptNotFound
		}
		return nil, fmt.Errorf("get active attempt: %w", err)
	}

	startedAt, found, err := s.cache.GetStartedAt(ctx, active.ID)
	if err != nil {
		s.log.Warn().Err(err).Str("attempt_id", active.ID.String()).Msg("Start time cache read failed")
	}
	if !found {
		startedAt = active.StartedAt
		s.cacheStart(ctx, active, def)
	}

	return &AttemptClock{
		AttemptID: active.ID,
		Deadline:  startedAt.Add(def.Duration()),
	}, nil
}

// AnnounceExpired publishes a finished event for every attempt the expiry
// sweep closed and drops their cached start times.
func (s *AttemptService) AnnounceExpired(ctx context.Context, ids []uuid.UUID) {
	for _, id := range ids {
		s.publishFinished(ctx, id, true, nil)
	}
	if err := s.cache.DeleteStartedAt(ctx, ids...); err != nil {
		s.log.Warn().Err(err).Int("count", len(ids)).Msg("Clear cached starts failed")
	}
}

func (s *AttemptService) pastGrace(startedAt time.Time, def *model.ExamDefinition) bool {
	return s.now().After(startedAt.Add(def.Duration() + s.submitGrace))
}

func (s *AttemptService) expire(ctx context.Context, attemptID uuid.UUID) error {
	closed, err := s.attempts.ExpireOne(ctx, attemptID, s.now())
	if err != nil {
		return fmt.Errorf("expire attempt: %w", err)
	}
	if closed {
		s.log.Info().Str("attempt_id", attemptID.String()).Msg("Attempt expired")
		s.AnnounceExpired(ctx, []uuid.UUID{attemptID})
	}
	return nil
}

func (s *AttemptService) cacheStart(ctx context.Context, a *model.Attempt, def *model.ExamDefinition) {
	ttl := def.Duration() + s.submitGrace + startCacheSlack
	if err := s.cache.SetStartedAt(ctx, a.ID, a.StartedAt, ttl); err != nil {
		// The clock stream falls back to PostgreSQL on a miss.
		s.log.Warn().Err(err).Str("attempt_id", a.ID.String()).Msg("Failed to cache start time")
	}
}

func (s *AttemptService) publishFinished(ctx context.Context, attemptID uuid.UUID, expired bool, score *float64) {
	payload, _ := json.Marshal(ws.FinishedResponse{
		Event:     ws.EventFinished,
		AttemptID: attemptID.String(),
		Expired:   expired,
		Score:     score,
	})
	if err := s.cache.PublishAttemptEvent(ctx, attemptID, payload); err != nil {
		s.log.Warn().Err(err).Str("attempt_id", attemptID.String()).Msg("Publish finished event failed")
	}
}

func startResponse(a *model.Attempt, def *model.ExamDefinition, resumed bool) *model.StartAttemptResponse {
	return &model.StartAttemptResponse{
		AttemptID:       a.ID,
		DurationMinutes: def.DurationMinutes,
		StartedAt:       a.StartedAt,
		Resumed:         resumed,
	}
}

func submitMessage(pendingReview, late bool) string {
	switch {
	case pendingReview && late:
		return "Intento enviado fuera de tiempo. Algunas respuestas quedan pendientes de revisión."
	case pendingReview:
		return "Intento enviado. Algunas respuestas quedan pendientes de revisión."
	case late:
		return "Intento enviado fuera de tiempo."
	default:
		return "Intento enviado correctamente."
	}
}
