// Package client talks to the Attempt Service over its JSON envelope API.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/andybalholm/brotli"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-examtaker/internal/attempt"
	"github.com/stemsi/exstem-examtaker/internal/model"
	"github.com/stemsi/exstem-examtaker/internal/response"
)

const maxResponseBytes = 4 << 20

type envelope struct {
	Data     json.RawMessage     `json:"data"`
	Error    *response.ErrorBody `json:"error"`
	Metadata response.Metadata   `json:"metadata"`
}

// StatusError is a non-2xx reply that carries no known error code.
type StatusError struct {
	StatusCode int
	Body       *response.ErrorBody
}

func (e *StatusError) Error() string {
	if e.Body != nil {
		return fmt.Sprintf("status %d: %s", e.StatusCode, e.Body.Error())
	}
	return fmt.Sprintf("status %d", e.StatusCode)
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the underlying http.Client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// WithLogger sets the logger.
func WithLogger(log zerolog.Logger) Option {
	return func(c *Client) { c.log = log.With().Str("component", "attempt_client").Logger() }
}

// Client is a REST client for the Attempt Service. It satisfies attempt.Service.
type Client struct {
	baseURL string
	auth    *AuthSession
	timeout time.Duration
	http    *http.Client
	log     zerolog.Logger
}

var _ attempt.Service = (*Client)(nil)

// New creates a Client for baseURL (e.g. http://host/api/v1). Every request
// is bounded by timeout, on top of whatever deadline ctx carries.
func New(baseURL string, auth *AuthSession, timeout time.Duration, opts ...Option) *Client {
	c := &Client{
		baseURL: baseURL,
		auth:    auth,
		timeout: timeout,
		http:    &http.Client{},
		log:     zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Auth returns the session the client authenticates with.
func (c *Client) Auth() *AuthSession {
	return c.auth
}

// Login authenticates and stores the token in the client's AuthSession.
func (c *Client) Login(ctx context.Context, nisn, password string) (*model.StudentLoginResponse, error) {
	var out model.StudentLoginResponse
	req := model.StudentLoginRequest{NISN: nisn, Password: password}
	if err := c.do(ctx, http.MethodPost, "/auth/login", false, req, &out); err != nil {
		return nil, err
	}
	if err := c.auth.SetToken(out.Token); err != nil {
		return nil, err
	}
	return &out, nil
}

// GetExam fetches the exam plus the caller's attempt history.
func (c *Client) GetExam(ctx context.Context, examID uuid.UUID) (*model.ExamDetail, error) {
	var out model.ExamDetail
	if err := c.do(ctx, http.MethodGet, "/examenes/"+examID.String(), true, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Start starts or resumes an attempt.
func (c *Client) Start(ctx context.Context, examID uuid.UUID) (*model.StartAttemptResponse, error) {
	var out model.StartAttemptResponse
	if err := c.do(ctx, http.MethodPost, "/examenes/"+examID.String()+"/iniciar", true, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Submit sends the answers of an attempt.
func (c *Client) Submit(ctx context.Context, examID uuid.UUID, req *model.SubmitAttemptRequest) (*model.SubmitAttemptResponse, error) {
	var out model.SubmitAttemptResponse
	if err := c.do(ctx, http.MethodPost, "/examenes/"+examID.String()+"/enviar", true, req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) do(ctx context.Context, method, path string, authed bool, in, out any) error {
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	var body io.Reader
	if in != nil {
		raw, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		body = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Accept-Encoding", "br")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if authed {
		token := c.auth.Token()
		if token == "" {
			return ErrNoToken
		}
		req.Header.Set("Authorization", "Bearer "+token)
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	var reader io.Reader = resp.Body
	if resp.Header.Get("Content-Encoding") == "br" {
		reader = brotli.NewReader(resp.Body)
	}

	var env envelope
	if err := json.NewDecoder(io.LimitReader(reader, maxResponseBytes)).Decode(&env); err != nil {
		return fmt.Errorf("%s %s: decode response (status %d): %w", method, path, resp.StatusCode, err)
	}

	c.log.Debug().
		Str("method", method).
		Str("path", path).
		Int("status", resp.StatusCode).
		Str("request_id", env.Metadata.RequestID).
		Dur("took", time.Since(start)).
		Msg("Attempt service call")

	if resp.StatusCode >= 300 || env.Error != nil {
		return mapError(resp.StatusCode, env.Error)
	}

	if out != nil && len(env.Data) > 0 {
		if err := json.Unmarshal(env.Data, out); err != nil {
			return fmt.Errorf("%s %s: decode data: %w", method, path, err)
		}
	}
	return nil
}

// ErrUnauthorized is returned when the server rejects the token.
var ErrUnauthorized = errors.New("unauthorized")

// mapError turns a server error code into the sentinel the session logic
// branches on, keeping the server's body reachable through errors.As.
func mapError(status int, body *response.ErrorBody) error {
	statusErr := &StatusError{StatusCode: status, Body: body}
	if body == nil {
		return statusErr
	}

	var sentinel error
	switch body.Code {
	case response.ErrAttemptsExhausted:
		sentinel = attempt.ErrAttemptsExhausted
	case response.ErrAlreadySubmitted:
		sentinel = attempt.ErrAlreadySubmitted
	case response.ErrSubmitInProgress:
		sentinel = attempt.ErrSubmitInProgress
	case response.ErrUnknownQuestion:
		sentinel = attempt.ErrUnknownQuestion
	case response.ErrTokenInvalid, response.ErrTokenRequired, response.ErrSessionInvalidated, response.ErrInvalidCredentials:
		sentinel = ErrUnauthorized
	default:
		return statusErr
	}
	return fmt.Errorf("%w: %w", sentinel, statusErr)
}
