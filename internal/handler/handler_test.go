package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-examtaker/internal/middleware"
	"github.com/stemsi/exstem-examtaker/internal/model"
	"github.com/stemsi/exstem-examtaker/internal/response"
	"github.com/stemsi/exstem-examtaker/internal/service"
	"github.com/stemsi/exstem-examtaker/internal/validator"
	ws "github.com/stemsi/exstem-examtaker/internal/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func init() {
	gin.SetMode(gin.TestMode)
	validator.Setup()
}

const studentID = 7

type envelope struct {
	Data  json.RawMessage     `json:"data"`
	Error *response.ErrorBody `json:"error"`
	Meta  response.Metadata   `json:"metadata"`
}

type stubExams struct {
	detail *model.ExamDetail
	err    error
}

func (s *stubExams) GetDetail(_ context.Context, _ uuid.UUID, _ int) (*model.ExamDetail, error) {
	return s.detail, s.err
}

type stubAttempts struct {
	start     *model.StartAttemptResponse
	startErr  error
	submit    *model.SubmitAttemptResponse
	submitErr error
	gotReq    *model.SubmitAttemptRequest
	gotID     int
}

func (s *stubAttempts) Start(_ context.Context, _ uuid.UUID, id int) (*model.StartAttemptResponse, error) {
	s.gotID = id
	return s.start, s.startErr
}

func (s *stubAttempts) Submit(_ context.Context, _ uuid.UUID, id int, req *model.SubmitAttemptRequest) (*model.SubmitAttemptResponse, error) {
	s.gotID = id
	s.gotReq = req
	return s.submit, s.submitErr
}

func withStudent(c *gin.Context) {
	c.Set(middleware.ContextKeyClaims, &service.Claims{TokenType: service.TokenTypeStudent, UserID: studentID})
	c.Next()
}

func newExamRouter(exams ExamReader, attempts AttemptManager) *gin.Engine {
	h := NewExamHandler(exams, attempts, zerolog.Nop())
	r := gin.New()
	r.Use(response.RequestIDMiddleware(), withStudent)
	r.GET("/examenes/:id", h.GetExam)
	r.POST("/examenes/:id/iniciar", h.StartAttempt)
	r.POST("/examenes/:id/enviar", h.SubmitAttempt)
	return r
}

func do(t *testing.T, r http.Handler, method, path, body string) (*httptest.ResponseRecorder, envelope) {
	t.Helper()
	req := httptest.NewRequest(method, path, bytes.NewReader([]byte(body)))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	var env envelope
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &env), w.Body.String())
	return w, env
}

func TestGetExam(t *testing.T) {
	examID := uuid.New()
	detail := &model.ExamDetail{
		Exam:       model.ExamDefinition{ID: examID, Title: "Historia", DurationMinutes: 30, MaxAttempts: 2},
		MyAttempts: []model.Attempt{},
	}
	r := newExamRouter(&stubExams{detail: detail}, &stubAttempts{})

	w, env := do(t, r, http.MethodGet, "/examenes/"+examID.String(), "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.NotEmpty(t, env.Meta.RequestID)

	var got map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(env.Data, &got))
	assert.Contains(t, got, "examen")
	assert.JSONEq(t, `[]`, string(got["misIntentos"]))
}

func TestGetExamErrors(t *testing.T) {
	r := newExamRouter(&stubExams{err: service.ErrExamNotFound}, &stubAttempts{})

	w, env := do(t, r, http.MethodGet, "/examenes/not-a-uuid", "")
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, response.ErrInvalidID, env.Error.Code)

	w, env = do(t, r, http.MethodGet, "/examenes/"+uuid.NewString(), "")
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, response.ErrNotFound, env.Error.Code)
}

func TestStartAttemptStatusCodes(t *testing.T) {
	started := time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC)
	attempts := &stubAttempts{start: &model.StartAttemptResponse{AttemptID: uuid.New(), DurationMinutes: 30, StartedAt: started}}
	r := newExamRouter(&stubExams{}, attempts)
	path := "/examenes/" + uuid.NewString() + "/iniciar"

	w, env := do(t, r, http.MethodPost, path, "")
	require.Equal(t, http.StatusCreated, w.Code)
	assert.Equal(t, studentID, attempts.gotID)

	var got model.StartAttemptResponse
	require.NoError(t, json.Unmarshal(env.Data, &got))
	assert.Equal(t, 30, got.DurationMinutes)
	assert.True(t, started.Equal(got.StartedAt))
	assert.False(t, got.Resumed)

	attempts.start.Resumed = true
	w, _ = do(t, r, http.MethodPost, path, "")
	assert.Equal(t, http.StatusOK, w.Code)

	attempts.startErr = service.ErrAttemptsExhausted
	w, env = do(t, r, http.MethodPost, path, "")
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, response.ErrAttemptsExhausted, env.Error.Code)
}

func TestSubmitAttempt(t *testing.T) {
	attempts := &stubAttempts{submit: &model.SubmitAttemptResponse{Msg: "ok", Score: 3, TotalPoints: 4, Percentage: 75, Passed: true}}
	r := newExamRouter(&stubExams{}, attempts)
	attemptID, qID := uuid.New(), uuid.New()

	body := `{"intentoId":"` + attemptID.String() + `","respuestas":[{"preguntaId":"` + qID.String() + `","respuesta":"a"}]}`
	w, env := do(t, r, http.MethodPost, "/examenes/"+uuid.NewString()+"/enviar", body)
	require.Equal(t, http.StatusOK, w.Code)

	require.NotNil(t, attempts.gotReq)
	assert.Equal(t, attemptID, attempts.gotReq.AttemptID)
	require.Len(t, attempts.gotReq.Answers, 1)
	assert.Equal(t, qID, attempts.gotReq.Answers[0].QuestionID)

	var got map[string]any
	require.NoError(t, json.Unmarshal(env.Data, &got))
	assert.Equal(t, "ok", got["msg"])
	assert.Equal(t, 3.0, got["puntaje"])
	assert.Equal(t, true, got["aprobado"])
}

func TestSubmitAttemptValidation(t *testing.T) {
	r := newExamRouter(&stubExams{}, &stubAttempts{})
	path := "/examenes/" + uuid.NewString() + "/enviar"

	w, env := do(t, r, http.MethodPost, path, `{"respuestas":[]}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, response.ErrValidation, env.Error.Code)
	assert.Contains(t, env.Error.Fields, "intentoId")

	w, env = do(t, r, http.MethodPost, path, `{"intentoId":"`+uuid.NewString()+`","respuestas":[{"respuesta":"a"}]}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, env.Error.Fields, "respuestas[0].preguntaId")
}

func TestSubmitAttemptErrorMapping(t *testing.T) {
	tests := []struct {
		err    error
		status int
		code   response.ErrCode
	}{
		{service.ErrAttemptNotFound, http.StatusNotFound, response.ErrAttemptNotFound},
		{service.ErrAttemptAlreadySubmitted, http.StatusConflict, response.ErrAlreadySubmitted},
		{service.ErrSubmitInProgress, http.StatusConflict, response.ErrSubmitInProgress},
		{service.ErrUnknownQuestion, http.StatusBadRequest, response.ErrUnknownQuestion},
		{context.DeadlineExceeded, http.StatusInternalServerError, response.ErrInternal},
	}

	for _, tt := range tests {
		t.Run(string(tt.code), func(t *testing.T) {
			r := newExamRouter(&stubExams{}, &stubAttempts{submitErr: tt.err})
			body := `{"intentoId":"` + uuid.NewString() + `","respuestas":[]}`
			w, env := do(t, r, http.MethodPost, "/examenes/"+uuid.NewString()+"/enviar", body)
			assert.Equal(t, tt.status, w.Code)
			assert.Equal(t, tt.code, env.Error.Code)
		})
	}
}

type stubAuth struct {
	res *model.StudentLoginResponse
	err error
}

func (s *stubAuth) Login(_ context.Context, _ *model.StudentLoginRequest) (*model.StudentLoginResponse, error) {
	return s.res, s.err
}

func (s *stubAuth) Logout(_ context.Context, _ int) error { return nil }

type stubStudents struct{}

func (stubStudents) GetByID(_ context.Context, id int) (*model.Student, error) {
	return &model.Student{ID: id, NISN: "0012345678", Name: "Ana"}, nil
}

func TestLogin(t *testing.T) {
	auth := &stubAuth{res: &model.StudentLoginResponse{Token: "tok", Student: model.Student{ID: studentID, Name: "Ana"}}}
	h := NewAuthHandler(auth, stubStudents{}, zerolog.Nop())
	r := gin.New()
	r.POST("/login", h.Login)

	w, env := do(t, r, http.MethodPost, "/login", `{"nisn":"0012345678","password":"rahasia"}`)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, string(env.Data), `"token":"tok"`)
	assert.Contains(t, string(env.Data), `"estudiante"`)

	auth.err = service.ErrInvalidCredentials
	w, env = do(t, r, http.MethodPost, "/login", `{"nisn":"0012345678","password":"salah"}`)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Equal(t, response.ErrInvalidCredentials, env.Error.Code)

	w, env = do(t, r, http.MethodPost, "/login", `{"nisn":"1"}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, env.Error.Fields, "password")
}

type stubClock struct {
	clock *service.AttemptClock
	err   error
}

func (s *stubClock) ActiveClock(_ context.Context, _ uuid.UUID, _ int) (*service.AttemptClock, error) {
	return s.clock, s.err
}

type stubEvents struct {
	ch chan []byte
}

func (s *stubEvents) WatchAttemptEvents(_ context.Context, _ uuid.UUID) (<-chan []byte, func() error) {
	return s.ch, func() error { return nil }
}

func TestClockStreamSendsRemainingThenFinished(t *testing.T) {
	now := time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC)
	attemptID := uuid.New()
	events := &stubEvents{ch: make(chan []byte, 1)}

	h := NewWSHandler(&stubClock{clock: &service.AttemptClock{AttemptID: attemptID, Deadline: now.Add(90 * time.Second)}},
		events, time.Hour, zerolog.Nop(), nil)
	h.now = func() time.Time { return now }

	r := gin.New()
	r.Use(withStudent)
	r.GET("/examenes/:id/reloj", h.ClockStream)
	srv := httptest.NewServer(r)
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/examenes/" + uuid.NewString() + "/reloj"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	var msg ws.Message
	require.NoError(t, conn.ReadJSON(&msg))
	assert.Equal(t, ws.EventClock, msg.Event)
	assert.Equal(t, attemptID.String(), msg.AttemptID)
	assert.Equal(t, 90, msg.Remaining)

	require.NoError(t, conn.WriteJSON(ws.RequestEnvelope{Action: ws.ActionPing}))
	msg = ws.Message{}
	require.NoError(t, conn.ReadJSON(&msg))
	assert.Equal(t, ws.EventPong, msg.Event)

	payload, _ := json.Marshal(ws.FinishedResponse{Event: ws.EventFinished, AttemptID: attemptID.String(), Expired: true})
	events.ch <- payload

	msg = ws.Message{}
	require.NoError(t, conn.ReadJSON(&msg))
	assert.Equal(t, ws.EventFinished, msg.Event)
	assert.True(t, msg.Expired)

	_, _, err = conn.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure), "got %v", err)
}

func TestClockStreamWithoutActiveAttempt(t *testing.T) {
	h := NewWSHandler(&stubClock{err: service.ErrAttemptNotFound}, &stubEvents{}, time.Second, zerolog.Nop(), nil)
	r := gin.New()
	r.Use(withStudent)
	r.GET("/examenes/:id/reloj", h.ClockStream)

	w, env := do(t, r, http.MethodGet, "/examenes/"+uuid.NewString()+"/reloj", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, response.ErrAttemptNotFound, env.Error.Code)
}

func TestClockStreamReportsErrors(t *testing.T) {
	now := time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC)
	events := &stubEvents{ch: make(chan []byte, 1)}
	h := NewWSHandler(&stubClock{clock: &service.AttemptClock{AttemptID: uuid.New(), Deadline: now.Add(time.Minute)}},
		events, time.Hour, zerolog.Nop(), nil)
	h.now = func() time.Time { return now }

	r := gin.New()
	r.Use(withStudent)
	r.GET("/examenes/:id/reloj", h.ClockStream)
	srv := httptest.NewServer(r)
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/examenes/" + uuid.NewString() + "/reloj"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	var msg ws.Message
	require.NoError(t, conn.ReadJSON(&msg))
	require.Equal(t, ws.EventClock, msg.Event)

	require.NoError(t, conn.WriteJSON(ws.RequestEnvelope{Action: "pausar"}))
	msg = ws.Message{}
	require.NoError(t, conn.ReadJSON(&msg))
	assert.Equal(t, ws.EventError, msg.Event)
	assert.Contains(t, msg.Error, "pausar")

	events.ch <- []byte("{no es json")
	msg = ws.Message{}
	require.NoError(t, conn.ReadJSON(&msg))
	assert.Equal(t, ws.EventError, msg.Event)
	assert.Equal(t, "evento de intento inválido", msg.Error)
}
