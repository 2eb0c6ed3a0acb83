// Package attempt drives one student's timed attempt at an exam: start or
// resume, buffer answers locally, count down against the deadline and submit
// exactly once, either on request or when time runs out.
//
// The Attempt Service stays the source of truth for elapsed time and attempt
// count; the local countdown is advisory and only decides when to auto-submit.
package attempt

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-examtaker/internal/model"
)

const (
	defaultTickInterval   = time.Second
	defaultBackoffInitial = 2 * time.Second
	defaultBackoffMax     = 30 * time.Second
)

// Service is the subset of the Attempt Service a Session talks to.
type Service interface {
	Start(ctx context.Context, examID uuid.UUID) (*model.StartAttemptResponse, error)
	Submit(ctx context.Context, examID uuid.UUID, req *model.SubmitAttemptRequest) (*model.SubmitAttemptResponse, error)
}

// Snapshot is a point-in-time view of a Session handed to observers.
type Snapshot struct {
	// Seq increases with every snapshot taken. Observers run outside the
	// session lock, so they may receive snapshots out of order and should
	// drop any with a Seq not above the last one seen.
	Seq            uint64
	Status         Status
	AttemptID      uuid.UUID
	Remaining      int
	Answered       int
	Total          int
	Trigger        Trigger
	SubmitFailures int
	Err            error
	Result         *model.SubmitAttemptResponse
}

// Option configures a Session.
type Option func(*Session)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *Session) { s.now = now }
}

// WithTickInterval sets how often the countdown is recomputed. Zero or a
// negative value disables the background ticker; callers then drive Tick.
func WithTickInterval(d time.Duration) Option {
	return func(s *Session) { s.interval = d }
}

// WithObserver registers fn to receive a Snapshot after every change.
// fn runs outside the session lock and may call back into the Session.
func WithObserver(fn func(Snapshot)) Option {
	return func(s *Session) { s.observe = fn }
}

// WithLogger sets the logger.
func WithLogger(log zerolog.Logger) Option {
	return func(s *Session) { s.log = log.With().Str("component", "attempt_session").Logger() }
}

// WithRetryBackoff sets the delay bounds between automatic re-submissions
// after the deadline has passed.
func WithRetryBackoff(initial, max time.Duration) Option {
	return func(s *Session) {
		s.backoffInitial = initial
		s.backoffMax = max
	}
}

// Session is one attempt's client-side state machine. It is safe for
// concurrent use; every status check and flip happens under mu, before any
// network call starts.
type Session struct {
	svc            Service
	exam           *model.ExamDefinition
	now            func() time.Time
	interval       time.Duration
	observe        func(Snapshot)
	log            zerolog.Logger
	backoffInitial time.Duration
	backoffMax     time.Duration

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu           sync.Mutex
	status       Status
	starting     bool
	closed       bool
	tickerOn     bool
	attemptsUsed int
	resumable    *model.Attempt
	attemptID    uuid.UUID
	startedAt    time.Time
	deadline     time.Time
	answers      map[uuid.UUID]string
	trigger      Trigger
	failures     int
	backoff      time.Duration
	retryAt      time.Time
	lastErr      error
	result       *model.SubmitAttemptResponse
	seq          uint64
}

// New creates a Session for the exam described by detail, as returned by
// GET /examenes/:id. The caller's attempt history decides whether a start is
// still allowed and whether an in-progress attempt should be resumed.
func New(detail *model.ExamDetail, svc Service, opts ...Option) *Session {
	exam := detail.Exam
	s := &Session{
		svc:            svc,
		exam:           &exam,
		now:            time.Now,
		interval:       defaultTickInterval,
		log:            zerolog.Nop(),
		backoffInitial: defaultBackoffInitial,
		backoffMax:     defaultBackoffMax,
		attemptsUsed:   len(detail.MyAttempts),
		answers:        make(map[uuid.UUID]string),
	}
	if active := detail.ActiveAttempt(); active != nil {
		a := *active
		s.resumable = &a
	}
	for _, opt := range opts {
		opt(s)
	}
	s.ctx, s.cancel = context.WithCancel(context.Background())
	return s
}

// Exam returns the exam definition the session was built from.
func (s *Session) Exam() *model.ExamDefinition {
	return s.exam
}

// CanStart reports whether a start (or resume) may be offered to the user.
// A MaxAttempts of zero means the exam has no attempt cap.
func (s *Session) CanStart() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status == StatusNotStarted && s.canStartLocked()
}

func (s *Session) canStartLocked() bool {
	if s.resumable != nil || s.exam.MaxAttempts <= 0 {
		return true
	}
	return s.attemptsUsed < s.exam.MaxAttempts
}

// Resumable returns the in-progress attempt found at load time, or nil.
func (s *Session) Resumable() *model.Attempt {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.resumable == nil {
		return nil
	}
	a := *s.resumable
	return &a
}

// AttemptsUsed returns how many attempts the student has started on this exam.
func (s *Session) AttemptsUsed() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.attemptsUsed
}

// Start creates or resumes the attempt. It refuses locally, without calling
// the service, once the attempt cap is reached. A failed call leaves the
// session NotStarted so the user can retry.
//
// If the resumed attempt has already run out of time, Start submits it before
// returning and reports that submission's error, if any.
func (s *Session) Start(ctx context.Context) error {
	s.mu.Lock()
	switch {
	case s.closed:
		s.mu.Unlock()
		return ErrClosed
	case s.status != StatusNotStarted:
		s.mu.Unlock()
		return ErrAlreadyStarted
	case s.starting:
		s.mu.Unlock()
		return ErrStartInFlight
	case !s.canStartLocked():
		s.mu.Unlock()
		return ErrAttemptsExhausted
	}
	s.starting = true
	s.mu.Unlock()

	res, err := s.svc.Start(ctx, s.exam.ID)

	s.mu.Lock()
	s.starting = false
	if err != nil {
		if errors.Is(err, ErrAttemptsExhausted) {
			// Whatever looked resumable was closed on the server.
			s.resumable = nil
			if s.exam.MaxAttempts > s.attemptsUsed {
				s.attemptsUsed = s.exam.MaxAttempts
			}
		}
		s.lastErr = err
		snap := s.snapshotLocked()
		s.mu.Unlock()
		s.emit(snap)
		s.log.Warn().Err(err).Str("exam_id", s.exam.ID.String()).Msg("Start failed")
		return fmt.Errorf("start attempt: %w", err)
	}

	duration := time.Duration(res.DurationMinutes) * time.Minute
	if res.DurationMinutes <= 0 {
		duration = s.exam.Duration()
	}
	s.attemptID = res.AttemptID
	s.startedAt = res.StartedAt
	if s.startedAt.IsZero() {
		s.startedAt = s.now()
	}
	s.deadline = s.startedAt.Add(duration)
	if !res.Resumed {
		s.attemptsUsed++
	}
	s.resumable = nil
	s.lastErr = nil
	s.status = StatusInProgress

	var req *model.SubmitAttemptRequest
	remaining := s.remainingLocked()
	if remaining == 0 {
		// Out of time on resume: go straight to Submitting so no answer
		// can be recorded in between.
		req = s.beginSubmitLocked(TriggerTimeout)
	}
	s.startTickerLocked()
	snap := s.snapshotLocked()
	s.mu.Unlock()
	s.emit(snap)

	s.log.Info().
		Str("attempt_id", res.AttemptID.String()).
		Bool("resumed", res.Resumed).
		Int("remaining", remaining).
		Msg("Attempt started")

	if req != nil {
		if _, err := s.finishSubmit(ctx, req); err != nil {
			return fmt.Errorf("auto-submit expired attempt: %w", err)
		}
	}
	return nil
}

// RecordAnswer stores value as the answer to questionID, replacing any
// previous value. Nothing is sent to the server until submission. An empty
// value is a valid, explicit blank answer.
func (s *Session) RecordAnswer(questionID uuid.UUID, value string) error {
	q, ok := s.exam.Question(questionID)
	if !ok {
		return ErrUnknownQuestion
	}
	if err := validateAnswer(q, value); err != nil {
		return err
	}

	s.mu.Lock()
	if s.status != StatusInProgress {
		s.mu.Unlock()
		return ErrNotInProgress
	}
	if s.remainingLocked() == 0 {
		s.mu.Unlock()
		return ErrTimeUp
	}
	s.answers[questionID] = value
	snap := s.snapshotLocked()
	s.mu.Unlock()
	s.emit(snap)
	return nil
}

func validateAnswer(q *model.Question, value string) error {
	if value == "" {
		return nil
	}
	switch q.Type {
	case model.QuestionTypeMultipleChoice:
		if !q.HasOption(value) {
			return fmt.Errorf("%w: %q is not an option", ErrInvalidAnswer, value)
		}
	case model.QuestionTypeTrueFalse:
		if value != model.AnswerTrue && value != model.AnswerFalse {
			return fmt.Errorf("%w: expected %q or %q", ErrInvalidAnswer, model.AnswerTrue, model.AnswerFalse)
		}
	}
	return nil
}

// Tick recomputes the countdown and fires the timeout submission once it
// reaches zero. The submission runs synchronously on the caller's goroutine.
// Tick returns false once the session no longer needs ticking.
func (s *Session) Tick() bool {
	s.mu.Lock()
	if s.closed || s.status == StatusSubmitted {
		s.mu.Unlock()
		return false
	}
	if s.status != StatusInProgress {
		snap := s.snapshotLocked()
		s.mu.Unlock()
		s.emit(snap)
		return true
	}

	var req *model.SubmitAttemptRequest
	if s.remainingLocked() == 0 && !s.now().Before(s.retryAt) {
		req = s.beginSubmitLocked(TriggerTimeout)
	}
	snap := s.snapshotLocked()
	s.mu.Unlock()
	s.emit(snap)

	if req != nil {
		s.log.Info().Str("attempt_id", req.AttemptID.String()).Msg("Time is up, submitting")
		_, _ = s.finishSubmit(s.ctx, req)
	}
	return true
}

// Submit sends the buffered answers. Only the call that flips the status from
// InProgress reaches the service; a call while a submission is in flight
// returns ErrSubmitInProgress and a call after success returns the stored
// result. On failure the session returns to InProgress with answers intact.
func (s *Session) Submit(ctx context.Context) (*model.SubmitAttemptResponse, error) {
	s.mu.Lock()
	switch s.status {
	case StatusNotStarted:
		s.mu.Unlock()
		return nil, ErrNotStarted
	case StatusSubmitting:
		s.mu.Unlock()
		return nil, ErrSubmitInProgress
	case StatusSubmitted:
		res := s.result
		s.mu.Unlock()
		return res, nil
	}
	req := s.beginSubmitLocked(TriggerManual)
	snap := s.snapshotLocked()
	s.mu.Unlock()
	s.emit(snap)

	return s.finishSubmit(ctx, req)
}

// beginSubmitLocked flips to Submitting and snapshots the payload.
func (s *Session) beginSubmitLocked(trigger Trigger) *model.SubmitAttemptRequest {
	s.status = StatusSubmitting
	s.trigger = trigger
	return s.payloadLocked()
}

// payloadLocked lists recorded answers in exam question order. Questions
// never answered are left out.
func (s *Session) payloadLocked() *model.SubmitAttemptRequest {
	req := &model.SubmitAttemptRequest{
		AttemptID: s.attemptID,
		Answers:   make([]model.AnswerEntry, 0, len(s.answers)),
	}
	for _, q := range s.exam.Questions {
		if v, ok := s.answers[q.ID]; ok {
			req.Answers = append(req.Answers, model.AnswerEntry{QuestionID: q.ID, Answer: v})
		}
	}
	return req
}

func (s *Session) finishSubmit(ctx context.Context, req *model.SubmitAttemptRequest) (*model.SubmitAttemptResponse, error) {
	res, err := s.svc.Submit(ctx, s.exam.ID, req)
	if errors.Is(err, ErrAlreadySubmitted) {
		// The server already holds a final record (lost ack or server-side
		// expiry); never grade twice.
		s.log.Warn().Str("attempt_id", req.AttemptID.String()).Msg("Attempt was already submitted")
		res = &model.SubmitAttemptResponse{Msg: "El intento ya había sido enviado."}
		err = nil
	}

	s.mu.Lock()
	if err != nil {
		s.status = StatusInProgress
		s.failures++
		s.lastErr = err
		if s.remainingLocked() == 0 {
			if s.backoff == 0 {
				s.backoff = s.backoffInitial
			} else {
				s.backoff *= 2
			}
			if s.backoff > s.backoffMax {
				s.backoff = s.backoffMax
			}
			s.retryAt = s.now().Add(s.backoff)
		}
		snap := s.snapshotLocked()
		s.mu.Unlock()
		s.emit(snap)
		s.log.Error().Err(err).
			Str("attempt_id", req.AttemptID.String()).
			Int("failures", snap.SubmitFailures).
			Msg("Submit failed")
		return nil, fmt.Errorf("submit attempt: %w", err)
	}

	s.status = StatusSubmitted
	s.result = res
	s.lastErr = nil
	snap := s.snapshotLocked()
	s.mu.Unlock()
	s.emit(snap)

	s.log.Info().
		Str("attempt_id", req.AttemptID.String()).
		Str("trigger", string(snap.Trigger)).
		Int("answers", len(req.Answers)).
		Msg("Attempt submitted")
	return res, nil
}

func (s *Session) startTickerLocked() {
	if s.interval <= 0 || s.tickerOn {
		return
	}
	s.tickerOn = true
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		t := time.NewTicker(s.interval)
		defer t.Stop()
		for {
			select {
			case <-s.ctx.Done():
				return
			case <-t.C:
				if !s.Tick() {
					return
				}
			}
		}
	}()
}

// Close stops the countdown and waits for it to exit. The attempt itself is
// not cancelled; it stays resumable on the server.
func (s *Session) Close() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.cancel()
	s.wg.Wait()
}

func (s *Session) remainingLocked() int {
	if s.deadline.IsZero() {
		return s.exam.DurationMinutes * 60
	}
	return model.RemainingSeconds(s.deadline, s.now())
}

func (s *Session) answeredLocked() int {
	n := 0
	for _, v := range s.answers {
		if v != "" {
			n++
		}
	}
	return n
}

func (s *Session) snapshotLocked() Snapshot {
	s.seq++
	return Snapshot{
		Seq:            s.seq,
		Status:         s.status,
		AttemptID:      s.attemptID,
		Remaining:      s.remainingLocked(),
		Answered:       s.answeredLocked(),
		Total:          len(s.exam.Questions),
		Trigger:        s.trigger,
		SubmitFailures: s.failures,
		Err:            s.lastErr,
		Result:         s.result,
	}
}

func (s *Session) emit(snap Snapshot) {
	if s.observe != nil {
		s.observe(snap)
	}
}

// Snapshot returns the current state.
func (s *Session) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

// Status returns the current lifecycle state.
func (s *Session) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// AttemptID returns the id issued by the service, or uuid.Nil before start.
func (s *Session) AttemptID() uuid.UUID {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.attemptID
}

// StartedAt returns when the attempt started; zero before start.
func (s *Session) StartedAt() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.startedAt
}

// Deadline returns StartedAt plus the exam duration; zero before start.
func (s *Session) Deadline() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.deadline
}

// Remaining returns the whole seconds left. Before start it is the full budget.
func (s *Session) Remaining() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.remainingLocked()
}

// Answer returns the recorded answer for questionID.
func (s *Session) Answer(questionID uuid.UUID) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.answers[questionID]
	return v, ok
}

// Answers returns a copy of every recorded answer.
func (s *Session) Answers() map[uuid.UUID]string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[uuid.UUID]string, len(s.answers))
	for k, v := range s.answers {
		out[k] = v
	}
	return out
}

// Progress returns how many questions have a non-empty answer, and the total.
func (s *Session) Progress() (answered, total int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.answeredLocked(), len(s.exam.Questions)
}

// Result returns the server's summary once Submitted.
func (s *Session) Result() *model.SubmitAttemptResponse {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.result
}

// Err returns the last start or submit error, cleared on the next success.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastErr
}
