package handler

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-examtaker/internal/middleware"
	"github.com/stemsi/exstem-examtaker/internal/model"
	"github.com/stemsi/exstem-examtaker/internal/response"
	"github.com/stemsi/exstem-examtaker/internal/service"
	"github.com/stemsi/exstem-examtaker/internal/validator"
)

// Authenticator logs students in and out.
type Authenticator interface {
	Login(ctx context.Context, req *model.StudentLoginRequest) (*model.StudentLoginResponse, error)
	Logout(ctx context.Context, studentID int) error
}

// StudentGetter loads a student profile.
type StudentGetter interface {
	GetByID(ctx context.Context, id int) (*model.Student, error)
}

// AuthHandler handles authentication endpoints.
type AuthHandler struct {
	auth     Authenticator
	students StudentGetter
	log      zerolog.Logger
}

// NewAuthHandler creates a new AuthHandler.
func NewAuthHandler(auth Authenticator, students StudentGetter, log zerolog.Logger) *AuthHandler {
	return &AuthHandler{
		auth:     auth,
		students: students,
		log:      log.With().Str("component", "auth_handler").Logger(),
	}
}

// Login godoc
// POST /api/v1/auth/login
// Validates NISN + password and returns a JWT. A new login replaces any
// previous session of the same student.
func (h *AuthHandler) Login(c *gin.Context) {
	var req model.StudentLoginRequest
	if fields := validator.Bind(c, &req); fields != nil {
		response.FailWithFields(c, http.StatusBadRequest, response.ErrValidation, fields)
		return
	}

	res, err := h.auth.Login(c.Request.Context(), &req)
	if err != nil {
		if errors.Is(err, service.ErrInvalidCredentials) {
			response.Fail(c, http.StatusUnauthorized, response.ErrInvalidCredentials)
			return
		}
		h.log.Error().Err(err).Msg("Login failed")
		response.Fail(c, http.StatusInternalServerError, response.ErrInternal)
		return
	}

	response.Success(c, http.StatusOK, res)
}

// Logout godoc
// POST /api/v1/auth/logout
func (h *AuthHandler) Logout(c *gin.Context) {
	claims := middleware.GetClaims(c)
	if err := h.auth.Logout(c.Request.Context(), claims.UserID); err != nil {
		h.log.Error().Err(err).Int("student_id", claims.UserID).Msg("Logout failed")
		response.Fail(c, http.StatusInternalServerError, response.ErrInternal)
		return
	}
	response.Success(c, http.StatusOK, gin.H{})
}

// Me godoc
// GET /api/v1/auth/me
// Returns the profile of the currently authenticated student.
func (h *AuthHandler) Me(c *gin.Context) {
	claims := middleware.GetClaims(c)
	student, err := h.students.GetByID(c.Request.Context(), claims.UserID)
	if err != nil {
		response.Fail(c, http.StatusNotFound, response.ErrNotFound)
		return
	}
	response.Success(c, http.StatusOK, gin.H{"estudiante": student})
}
