package service

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/stemsi/exstem-examtaker/internal/config"
	"github.com/stemsi/exstem-examtaker/internal/model"
	"golang.org/x/crypto/bcrypt"
)

// Common auth errors.
var (
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrSessionInvalidated = errors.New("session invalidated")
)

// TokenType distinguishes the kinds of token the service issues.
type TokenType string

const (
	TokenTypeStudent TokenType = "student"
)

// Claims extends JWT standard claims with app-specific fields.
type Claims struct {
	jwt.RegisteredClaims
	TokenType TokenType `json:"token_type"`
	UserID    int       `json:"user_id"`
}

type studentStore interface {
	GetByNISN(ctx context.Context, nisn string) (*model.Student, error)
}

type sessionStore interface {
	SetStudentSession(ctx context.Context, studentID int, jti string, ttl time.Duration) error
	GetStudentSession(ctx context.Context, studentID int) (string, error)
	DeleteStudentSession(ctx context.Context, studentID int) error
}

// AuthService handles authentication, JWT, and session management.
type AuthService struct {
	cfg      *config.Config
	students studentStore
	sessions sessionStore
	now      func() time.Time
}

// NewAuthService creates a new AuthService.
func NewAuthService(cfg *config.Config, students studentStore, sessions sessionStore) *AuthService {
	return &AuthService{cfg: cfg, students: students, sessions: sessions, now: time.Now}
}

// HashPassword hashes a password with the configured bcrypt cost.
func (s *AuthService) HashPassword(password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), s.cfg.BcryptCost)
	return string(hash), err
}

// CheckPassword compares a plaintext password against a bcrypt hash.
func (s *AuthService) CheckPassword(hash, password string) error {
	if err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)); err != nil {
		return ErrInvalidCredentials
	}
	return nil
}

// Login authenticates a student by NISN and password and issues a token.
// A new login replaces the student's previous session, so resuming an
// attempt from another device keeps working.
func (s *AuthService) Login(ctx context.Context, req *model.StudentLoginRequest) (*model.StudentLoginResponse, error) {
	student, err := s.students.GetByNISN(ctx, req.NISN)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrInvalidCredentials
		}
		return nil, fmt.Errorf("get student: %w", err)
	}

	if err := s.CheckPassword(student.PasswordHash, req.Password); err != nil {
		return nil, err
	}

	token, err := s.GenerateStudentToken(ctx, student.ID)
	if err != nil {
		return nil, err
	}

	return &model.StudentLoginResponse{Token: token, Student: *student}, nil
}

// GenerateStudentToken creates a JWT for a student and registers it as the
// student's only valid session.
func (s *AuthService) GenerateStudentToken(ctx context.Context, studentID int) (string, error) {
	jti := uuid.New().String()
	now := s.now()

	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        jti,
			Subject:   strconv.Itoa(studentID),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.cfg.JWTExpiry)),
		},
		TokenType: TokenTypeStudent,
		UserID:    studentID,
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(s.cfg.JWTSecret))
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}

	if err := s.sessions.SetStudentSession(ctx, studentID, jti, s.cfg.JWTExpiry); err != nil {
		return "", fmt.Errorf("store session: %w", err)
	}

	return signed, nil
}

// ValidateToken parses and validates a JWT, returning the claims.
func (s *AuthService) ValidateToken(tokenStr string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenStr, &Claims{}, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return []byte(s.cfg.JWTSecret), nil
	}, jwt.WithTimeFunc(s.now))
	if err != nil {
		return nil, fmt.Errorf("parse token: %w", err)
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, errors.New("invalid token claims")
	}

	return claims, nil
}

// ValidateStudentSession checks that the token's JTI matches the active session.
func (s *AuthService) ValidateStudentSession(ctx context.Context, studentID int, jti string) error {
	stored, err := s.sessions.GetStudentSession(ctx, studentID)
	if err != nil {
		return fmt.Errorf("check session: %w", err)
	}
	if stored == "" || stored != jti {
		return ErrSessionInvalidated
	}
	return nil
}

// Logout removes the student's session; the token stops working immediately.
func (s *AuthService) Logout(ctx context.Context, studentID int) error {
	return s.sessions.DeleteStudentSession(ctx, studentID)
}
