package service

import (
	"errors"
	"math"
	"strings"

	"github.com/google/uuid"
	"github.com/stemsi/exstem-examtaker/internal/model"
)

// ErrUnknownQuestion is returned when a submission references a question
// that does not belong to the exam.
var ErrUnknownQuestion = errors.New("answer references unknown question")

// GradeResult is the outcome of grading one submission.
type GradeResult struct {
	Score         float64
	TotalPoints   float64
	Percentage    float64
	Passed        bool
	PendingReview bool
	Answers       []model.AttemptAnswer
}

// Grade scores answers against def. Multiple choice and true/false need an
// exact match; short answers compare case- and whitespace-insensitively;
// essays score zero and leave the result pending review. When the same
// question appears twice the later answer wins.
func Grade(def *model.ExamDefinition, attemptID uuid.UUID, entries []model.AnswerEntry) (*GradeResult, error) {
	latest := make(map[uuid.UUID]string, len(entries))
	for _, e := range entries {
		if _, ok := def.Question(e.QuestionID); !ok {
			return nil, ErrUnknownQuestion
		}
		latest[e.QuestionID] = e.Answer
	}

	res := &GradeResult{Answers: make([]model.AttemptAnswer, 0, len(latest))}

	for i := range def.Questions {
		q := &def.Questions[i]
		res.TotalPoints += q.Points

		if q.Type == model.QuestionTypeEssay {
			res.PendingReview = true
		}

		answer, answered := latest[q.ID]
		if !answered {
			continue
		}

		var earned float64
		if q.AutoGradable() && matches(q, answer) {
			earned = q.Points
		}
		res.Score += earned
		res.Answers = append(res.Answers, model.AttemptAnswer{
			AttemptID:    attemptID,
			QuestionID:   q.ID,
			Answer:       answer,
			PointsEarned: earned,
		})
	}

	if res.TotalPoints > 0 {
		res.Percentage = round2(res.Score / res.TotalPoints * 100)
	}
	res.Passed = !res.PendingReview && res.Percentage >= def.PassingPercentage

	return res, nil
}

func matches(q *model.Question, answer string) bool {
	switch q.Type {
	case model.QuestionTypeMultipleChoice, model.QuestionTypeTrueFalse:
		return answer != "" && answer == q.CorrectAnswer
	case model.QuestionTypeShortAnswer:
		got := normalize(answer)
		return got != "" && got == normalize(q.CorrectAnswer)
	default:
		return false
	}
}

// normalize lowercases s and collapses runs of whitespace.
func normalize(s string) string {
	return strings.ToLower(strings.Join(strings.Fields(s), " "))
}

func round2(f float64) float64 {
	return math.Round(f*100) / 100
}
