package handler

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-examtaker/internal/middleware"
	"github.com/stemsi/exstem-examtaker/internal/model"
	"github.com/stemsi/exstem-examtaker/internal/response"
	"github.com/stemsi/exstem-examtaker/internal/service"
	"github.com/stemsi/exstem-examtaker/internal/validator"
)

// ExamReader serves the pre-start view of an exam.
type ExamReader interface {
	GetDetail(ctx context.Context, examID uuid.UUID, studentID int) (*model.ExamDetail, error)
}

// AttemptManager starts and submits attempts.
type AttemptManager interface {
	Start(ctx context.Context, examID uuid.UUID, studentID int) (*model.StartAttemptResponse, error)
	Submit(ctx context.Context, examID uuid.UUID, studentID int, req *model.SubmitAttemptRequest) (*model.SubmitAttemptResponse, error)
}

// ExamHandler handles the student-facing exam endpoints.
type ExamHandler struct {
	exams    ExamReader
	attempts AttemptManager
	log      zerolog.Logger
}

// NewExamHandler creates a new ExamHandler.
func NewExamHandler(exams ExamReader, attempts AttemptManager, log zerolog.Logger) *ExamHandler {
	return &ExamHandler{
		exams:    exams,
		attempts: attempts,
		log:      log.With().Str("component", "exam_handler").Logger(),
	}
}

// GetExam godoc
// GET /api/v1/examenes/:id
// Returns the exam without correct answers plus the caller's attempts.
func (h *ExamHandler) GetExam(c *gin.Context) {
	claims := middleware.GetClaims(c)
	examID, ok := parseExamID(c)
	if !ok {
		return
	}

	detail, err := h.exams.GetDetail(c.Request.Context(), examID, claims.UserID)
	if err != nil {
		h.fail(c, err)
		return
	}

	response.Success(c, http.StatusOK, detail)
}

// StartAttempt godoc
// POST /api/v1/examenes/:id/iniciar
// Resumes the in-progress attempt or creates a new one.
func (h *ExamHandler) StartAttempt(c *gin.Context) {
	claims := middleware.GetClaims(c)
	examID, ok := parseExamID(c)
	if !ok {
		return
	}

	res, err := h.attempts.Start(c.Request.Context(), examID, claims.UserID)
	if err != nil {
		h.fail(c, err)
		return
	}

	status := http.StatusCreated
	if res.Resumed {
		status = http.StatusOK
	}
	response.Success(c, status, res)
}

// SubmitAttempt godoc
// POST /api/v1/examenes/:id/enviar
// Grades and finalizes the attempt named in the body.
func (h *ExamHandler) SubmitAttempt(c *gin.Context) {
	claims := middleware.GetClaims(c)
	examID, ok := parseExamID(c)
	if !ok {
		return
	}

	var req model.SubmitAttemptRequest
	if fields := validator.Bind(c, &req); fields != nil {
		response.FailWithFields(c, http.StatusBadRequest, response.ErrValidation, fields)
		return
	}

	res, err := h.attempts.Submit(c.Request.Context(), examID, claims.UserID, &req)
	if err != nil {
		h.fail(c, err)
		return
	}

	response.Success(c, http.StatusOK, res)
}

// fail maps service errors onto the response envelope.
func (h *ExamHandler) fail(c *gin.Context, err error) {
	switch {
	case errors.Is(err, service.ErrExamNotFound):
		response.Fail(c, http.StatusNotFound, response.ErrNotFound)
	case errors.Is(err, service.ErrAttemptNotFound):
		response.Fail(c, http.StatusNotFound, response.ErrAttemptNotFound)
	case errors.Is(err, service.ErrAttemptsExhausted):
		response.Fail(c, http.StatusConflict, response.ErrAttemptsExhausted)
	case errors.Is(err, service.ErrAttemptAlreadySubmitted):
		response.Fail(c, http.StatusConflict, response.ErrAlreadySubmitted)
	case errors.Is(err, service.ErrSubmitInProgress):
		response.Fail(c, http.StatusConflict, response.ErrSubmitInProgress)
	case errors.Is(err, service.ErrUnknownQuestion):
		response.Fail(c, http.StatusBadRequest, response.ErrUnknownQuestion)
	default:
		h.log.Error().Err(err).Str("path", c.FullPath()).Msg("Request failed")
		response.Fail(c, http.StatusInternalServerError, response.ErrInternal)
	}
}

func parseExamID(c *gin.Context) (uuid.UUID, bool) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.Fail(c, http.StatusBadRequest, response.ErrInvalidID)
		return uuid.Nil, false
	}
	return id, true
}
