package model

import (
	"time"

	"github.com/google/uuid"
)

// QuestionType enumerates the kinds of question an exam may contain.
type QuestionType string

const (
	QuestionTypeMultipleChoice QuestionType = "opcion_multiple"
	QuestionTypeTrueFalse      QuestionType = "verdadero_falso"
	QuestionTypeShortAnswer    QuestionType = "respuesta_corta"
	QuestionTypeEssay          QuestionType = "ensayo"
)

// Accepted values for a true/false question.
const (
	AnswerTrue  = "verdadero"
	AnswerFalse = "falso"
)

// Option is one selectable choice of a multiple choice question.
type Option struct {
	ID   string `json:"id"`
	Text string `json:"texto"`
}

// Question is a single exam question.
// CorrectAnswer is only populated for callers allowed to see it.
type Question struct {
	ID            uuid.UUID    `json:"id"`
	Type          QuestionType `json:"tipo"`
	Text          string       `json:"texto"`
	Points        float64      `json:"puntos"`
	Options       []Option     `json:"opciones,omitempty"`
	CorrectAnswer string       `json:"respuestaCorrecta,omitempty"`
	OrderNum      int          `json:"orden"`
}

// AutoGradable reports whether the question can be scored without a human.
func (q *Question) AutoGradable() bool {
	return q.Type != QuestionTypeEssay
}

// HasOption reports whether id names one of the question's options.
func (q *Question) HasOption(id string) bool {
	for _, o := range q.Options {
		if o.ID == id {
			return true
		}
	}
	return false
}

// ExamDefinition is the read-only description of an exam: configuration plus
// its ordered questions.
type ExamDefinition struct {
	ID                uuid.UUID  `json:"id"`
	Title             string     `json:"titulo"`
	DurationMinutes   int        `json:"duracionMinutos"`
	PassingPercentage float64    `json:"porcentajeAprobacion"`
	MaxAttempts       int        `json:"intentosMaximos"`
	TotalPoints       float64    `json:"puntajeTotal"`
	Questions         []Question `json:"preguntas"`
}

// Duration returns the time budget of one attempt.
func (e *ExamDefinition) Duration() time.Duration {
	return time.Duration(e.DurationMinutes) * time.Minute
}

// Question looks up a question by id.
func (e *ExamDefinition) Question(id uuid.UUID) (*Question, bool) {
	for i := range e.Questions {
		if e.Questions[i].ID == id {
			return &e.Questions[i], true
		}
	}
	return nil, false
}

// ForStudent returns a copy of the definition with every correct answer removed.
func (e *ExamDefinition) ForStudent() *ExamDefinition {
	out := *e
	out.Questions = make([]Question, len(e.Questions))
	for i, q := range e.Questions {
		q.CorrectAnswer = ""
		out.Questions[i] = q
	}
	return &out
}
