package service

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stemsi/exstem-examtaker/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGrade(t *testing.T) {
	def := sampleExam(1)
	mc, tf, short := def.Questions[0].ID, def.Questions[1].ID, def.Questions[2].ID

	tests := []struct {
		name       string
		answers    []model.AnswerEntry
		score      float64
		percentage float64
		passed     bool
	}{
		{
			name:       "all correct",
			answers:    []model.AnswerEntry{{QuestionID: mc, Answer: "a"}, {QuestionID: tf, Answer: "verdadero"}, {QuestionID: short, Answer: "ricardo palma"}},
			score:      4,
			percentage: 100,
			passed:     true,
		},
		{
			name:       "short answer ignores case and spacing",
			answers:    []model.AnswerEntry{{QuestionID: short, Answer: "  RICARDO   Palma "}},
			score:      2,
			percentage: 50,
		},
		{
			name:       "wrong option",
			answers:    []model.AnswerEntry{{QuestionID: mc, Answer: "b"}, {QuestionID: tf, Answer: "verdadero"}},
			score:      1,
			percentage: 25,
		},
		{
			name:       "above passing percentage",
			answers:    []model.AnswerEntry{{QuestionID: mc, Answer: "a"}, {QuestionID: short, Answer: "Ricardo Palma"}},
			score:      3,
			percentage: 75,
			passed:     true,
		},
		{
			name:    "nothing answered",
			answers: nil,
		},
		{
			name:       "later duplicate wins",
			answers:    []model.AnswerEntry{{QuestionID: mc, Answer: "a"}, {QuestionID: mc, Answer: "b"}},
			score:      0,
			percentage: 0,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := Grade(def, uuid.New(), tt.answers)
			require.NoError(t, err)
			assert.Equal(t, tt.score, res.Score)
			assert.Equal(t, 4.0, res.TotalPoints)
			assert.Equal(t, tt.percentage, res.Percentage)
			assert.Equal(t, tt.passed, res.Passed)
			assert.False(t, res.PendingReview)
		})
	}
}

func TestGradeStoresOnlyAnsweredQuestions(t *testing.T) {
	def := sampleExam(1)
	attemptID := uuid.New()

	res, err := Grade(def, attemptID, []model.AnswerEntry{
		{QuestionID: def.Questions[2].ID, Answer: "x"},
		{QuestionID: def.Questions[0].ID, Answer: "a"},
	})
	require.NoError(t, err)

	require.Len(t, res.Answers, 2)
	assert.Equal(t, def.Questions[0].ID, res.Answers[0].QuestionID)
	assert.Equal(t, 1.0, res.Answers[0].PointsEarned)
	assert.Equal(t, def.Questions[2].ID, res.Answers[1].QuestionID)
	assert.Equal(t, 0.0, res.Answers[1].PointsEarned)
	assert.Equal(t, attemptID, res.Answers[1].AttemptID)
}

func TestGradeEssayIsPendingReview(t *testing.T) {
	def := sampleExam(1)
	essay := model.Question{ID: uuid.New(), Type: model.QuestionTypeEssay, Text: "Opina", Points: 4, OrderNum: 4}
	def.Questions = append(def.Questions, essay)

	res, err := Grade(def, uuid.New(), []model.AnswerEntry{
		{QuestionID: def.Questions[0].ID, Answer: "a"},
		{QuestionID: def.Questions[1].ID, Answer: "verdadero"},
		{QuestionID: def.Questions[2].ID, Answer: "ricardo palma"},
		{QuestionID: essay.ID, Answer: "Una opinión larga"},
	})
	require.NoError(t, err)

	assert.True(t, res.PendingReview)
	assert.Equal(t, 4.0, res.Score)
	assert.Equal(t, 8.0, res.TotalPoints)
	assert.Equal(t, 50.0, res.Percentage)
	assert.False(t, res.Passed, "a pending result is never passed")
}

func TestGradeRejectsUnknownQuestion(t *testing.T) {
	_, err := Grade(sampleExam(1), uuid.New(), []model.AnswerEntry{{QuestionID: uuid.New(), Answer: "a"}})
	assert.ErrorIs(t, err, ErrUnknownQuestion)
}

func TestGradeEmptyAnswerNeverMatches(t *testing.T) {
	def := sampleExam(1)
	def.Questions[2].CorrectAnswer = ""

	res, err := Grade(def, uuid.New(), []model.AnswerEntry{{QuestionID: def.Questions[2].ID, Answer: "   "}})
	require.NoError(t, err)
	assert.Equal(t, 0.0, res.Score)
}
