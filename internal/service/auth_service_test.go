package service

import (
	"context"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/stemsi/exstem-examtaker/internal/config"
	"github.com/stemsi/exstem-examtaker/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

type memStudents map[string]*model.Student

func (m memStudents) GetByNISN(_ context.Context, nisn string) (*model.Student, error) {
	s, ok := m[nisn]
	if !ok {
		return nil, pgx.ErrNoRows
	}
	return s, nil
}

func newAuthFixture(t *testing.T) (*AuthService, *memCache) {
	t.Helper()

	hash, err := bcrypt.GenerateFromPassword([]byte("rahasia"), bcrypt.MinCost)
	require.NoError(t, err)

	cfg := &config.Config{JWTSecret: "test-secret", JWTExpiry: time.Hour, BcryptCost: bcrypt.MinCost}
	students := memStudents{"0012345678": {ID: testStudent, NISN: "0012345678", Name: "Ana", PasswordHash: string(hash)}}
	sessions := newMemCache()
	return NewAuthService(cfg, students, sessions), sessions
}

func TestLoginIssuesValidToken(t *testing.T) {
	svc, _ := newAuthFixture(t)
	ctx := context.Background()

	res, err := svc.Login(ctx, &model.StudentLoginRequest{NISN: "0012345678", Password: "rahasia"})
	require.NoError(t, err)
	assert.Equal(t, "Ana", res.Student.Name)

	claims, err := svc.ValidateToken(res.Token)
	require.NoError(t, err)
	assert.Equal(t, testStudent, claims.UserID)
	assert.Equal(t, TokenTypeStudent, claims.TokenType)
	assert.NoError(t, svc.ValidateStudentSession(ctx, claims.UserID, claims.ID))
}

func TestLoginRejectsBadCredentials(t *testing.T) {
	svc, _ := newAuthFixture(t)

	_, err := svc.Login(context.Background(), &model.StudentLoginRequest{NISN: "0012345678", Password: "salah"})
	assert.ErrorIs(t, err, ErrInvalidCredentials)

	_, err = svc.Login(context.Background(), &model.StudentLoginRequest{NISN: "9999", Password: "rahasia"})
	assert.ErrorIs(t, err, ErrInvalidCredentials)
}

func TestNewLoginReplacesPreviousSession(t *testing.T) {
	svc, _ := newAuthFixture(t)
	ctx := context.Background()
	req := &model.StudentLoginRequest{NISN: "0012345678", Password: "rahasia"}

	first, err := svc.Login(ctx, req)
	require.NoError(t, err)
	second, err := svc.Login(ctx, req)
	require.NoError(t, err)

	old, err := svc.ValidateToken(first.Token)
	require.NoError(t, err)
	assert.ErrorIs(t, svc.ValidateStudentSession(ctx, old.UserID, old.ID), ErrSessionInvalidated)

	cur, err := svc.ValidateToken(second.Token)
	require.NoError(t, err)
	assert.NoError(t, svc.ValidateStudentSession(ctx, cur.UserID, cur.ID))
}

func TestLogoutInvalidatesSession(t *testing.T) {
	svc, _ := newAuthFixture(t)
	ctx := context.Background()

	res, err := svc.Login(ctx, &model.StudentLoginRequest{NISN: "0012345678", Password: "rahasia"})
	require.NoError(t, err)
	claims, err := svc.ValidateToken(res.Token)
	require.NoError(t, err)

	require.NoError(t, svc.Logout(ctx, claims.UserID))
	assert.ErrorIs(t, svc.ValidateStudentSession(ctx, claims.UserID, claims.ID), ErrSessionInvalidated)
}

func TestValidateTokenRejectsExpiredAndForeign(t *testing.T) {
	svc, _ := newAuthFixture(t)
	ctx := context.Background()

	token, err := svc.GenerateStudentToken(ctx, testStudent)
	require.NoError(t, err)

	svc.now = func() time.Time { return time.Now().Add(2 * time.Hour) }
	_, err = svc.ValidateToken(token)
	assert.Error(t, err)

	other := NewAuthService(&config.Config{JWTSecret: "other", JWTExpiry: time.Hour}, memStudents{}, newMemCache())
	_, err = other.ValidateToken(token)
	assert.Error(t, err)
}
