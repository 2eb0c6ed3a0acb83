package model

import (
	"time"

	"github.com/google/uuid"
)

// AttemptStatus enumerates the server-side states of an attempt.
type AttemptStatus string

const (
	AttemptStatusInProgress AttemptStatus = "en_progreso"
	AttemptStatusFinished   AttemptStatus = "finalizado"
)

// Attempt is one student's try at an exam as recorded by the Attempt Service.
type Attempt struct {
	ID            uuid.UUID     `json:"id"`
	ExamID        uuid.UUID     `json:"examenId"`
	StudentID     int           `json:"-"`
	Status        AttemptStatus `json:"estado"`
	StartedAt     time.Time     `json:"fechaInicio"`
	FinishedAt    *time.Time    `json:"fechaFin,omitempty"`
	Score         *float64      `json:"puntaje,omitempty"`
	Percentage    *float64      `json:"porcentaje,omitempty"`
	Passed        *bool         `json:"aprobado,omitempty"`
	PendingReview bool          `json:"pendienteRevision"`
	Late          bool          `json:"tardio"`
	Expired       bool          `json:"expirado"`
}

// Deadline returns StartedAt plus the exam duration.
func (a *Attempt) Deadline(duration time.Duration) time.Time {
	return a.StartedAt.Add(duration)
}

// AttemptAnswer is one persisted answer of a finalized attempt.
type AttemptAnswer struct {
	AttemptID    uuid.UUID
	QuestionID   uuid.UUID
	Answer       string
	PointsEarned float64
}

// ExamDetail is the payload of GET /examenes/:id: the exam plus the caller's
// own attempt history.
type ExamDetail struct {
	Exam       ExamDefinition `json:"examen"`
	MyAttempts []Attempt      `json:"misIntentos"`
}

// ActiveAttempt returns the caller's in-progress attempt, if any.
func (d *ExamDetail) ActiveAttempt() *Attempt {
	for i := range d.MyAttempts {
		if d.MyAttempts[i].Status == AttemptStatusInProgress {
			return &d.MyAttempts[i]
		}
	}
	return nil
}

// StartAttemptResponse is returned by POST /examenes/:id/iniciar.
type StartAttemptResponse struct {
	AttemptID       uuid.UUID `json:"intentoId"`
	DurationMinutes int       `json:"duracionMinutos"`
	StartedAt       time.Time `json:"fechaInicio"`
	Resumed         bool      `json:"reanudado"`
}

// AnswerEntry is a single answer inside a submission.
type AnswerEntry struct {
	QuestionID uuid.UUID `json:"preguntaId" binding:"required"`
	Answer     string    `json:"respuesta" binding:"max=10000"`
}

// SubmitAttemptRequest is the payload of POST /examenes/:id/enviar.
type SubmitAttemptRequest struct {
	AttemptID uuid.UUID     `json:"intentoId" binding:"required"`
	Answers   []AnswerEntry `json:"respuestas" binding:"max=500,dive"`
}

// SubmitAttemptResponse is the graded-or-pending summary of a submission.
type SubmitAttemptResponse struct {
	Msg           string  `json:"msg"`
	Score         float64 `json:"puntaje"`
	TotalPoints   float64 `json:"puntajeTotal"`
	Percentage    float64 `json:"porcentaje"`
	Passed        bool    `json:"aprobado"`
	PendingReview bool    `json:"pendienteRevision"`
	Late          bool    `json:"tardio"`
}

// RemainingSeconds returns the whole seconds left until deadline, floored and
// never negative.
func RemainingSeconds(deadline, now time.Time) int {
	ms := deadline.Sub(now).Milliseconds()
	if ms <= 0 {
		return 0
	}
	return int(ms / 1000)
}
