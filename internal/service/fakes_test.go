package service

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/stemsi/exstem-examtaker/internal/model"
	"github.com/stemsi/exstem-examtaker/internal/repository"
)

type memExams struct {
	defs  map[uuid.UUID]*model.ExamDefinition
	reads int
}

func (m *memExams) GetDefinition(_ context.Context, id uuid.UUID) (*model.ExamDefinition, error) {
	m.reads++
	d, ok := m.defs[id]
	if !ok {
		return nil, pgx.ErrNoRows
	}
	cp := *d
	return &cp, nil
}

type memAttempts struct {
	mu       sync.Mutex
	rows     map[uuid.UUID]*model.Attempt
	answers  map[uuid.UUID][]model.AttemptAnswer
	now      func() time.Time
	creates  int
	conflict func() // runs inside Create before the uniqueness check
}

func newMemAttempts(now func() time.Time) *memAttempts {
	return &memAttempts{
		rows:    make(map[uuid.UUID]*model.Attempt),
		answers: make(map[uuid.UUID][]model.AttemptAnswer),
		now:     now,
	}
}

func (m *memAttempts) insert(a model.Attempt) *model.Attempt {
	m.mu.Lock()
	defer m.mu.Unlock()
	if a.ID == uuid.Nil {
		a.ID = uuid.New()
	}
	m.rows[a.ID] = &a
	return &a
}

func (m *memAttempts) Create(_ context.Context, a *model.Attempt) error {
	if m.conflict != nil {
		m.conflict()
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.creates++
	for _, r := range m.rows {
		if r.ExamID == a.ExamID && r.StudentID == a.StudentID && r.Status == model.AttemptStatusInProgress {
			return pgx.ErrNoRows
		}
	}
	a.ID = uuid.New()
	a.StartedAt = m.now()
	a.Status = model.AttemptStatusInProgress
	cp := *a
	m.rows[a.ID] = &cp
	return nil
}

func (m *memAttempts) GetByID(_ context.Context, id uuid.UUID) (*model.Attempt, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rows[id]
	if !ok {
		return nil, pgx.ErrNoRows
	}
	cp := *r
	return &cp, nil
}

func (m *memAttempts) GetActive(_ context.Context, examID uuid.UUID, studentID int) (*model.Attempt, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range m.rows {
		if r.ExamID == examID && r.StudentID == studentID && r.Status == model.AttemptStatusInProgress {
			cp := *r
			return &cp, nil
		}
	}
	return nil, pgx.ErrNoRows
}

func (m *memAttempts) ListByStudentExam(_ context.Context, examID uuid.UUID, studentID int) ([]model.Attempt, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []model.Attempt
	for _, r := range m.rows {
		if r.ExamID == examID && r.StudentID == studentID {
			out = append(out, *r)
		}
	}
	return out, nil
}

func (m *memAttempts) CountByStudentExam(ctx context.Context, examID uuid.UUID, studentID int) (int, error) {
	list, _ := m.ListByStudentExam(ctx, examID, studentID)
	return len(list), nil
}

func (m *memAttempts) Complete(_ context.Context, a *model.Attempt, answers []model.AttemptAnswer) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rows[a.ID]
	if !ok || r.Status != model.AttemptStatusInProgress {
		return repository.ErrAttemptNotInProgress
	}
	cp := *a
	cp.Status = model.AttemptStatusFinished
	m.rows[a.ID] = &cp
	m.answers[a.ID] = answers
	return nil
}

func (m *memAttempts) ExpireOne(_ context.Context, id uuid.UUID, finishedAt time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rows[id]
	if !ok || r.Status != model.AttemptStatusInProgress {
		return false, nil
	}
	zero := 0.0
	failed := false
	r.Status = model.AttemptStatusFinished
	r.FinishedAt = &finishedAt
	r.Score = &zero
	r.Percentage = &zero
	r.Passed = &failed
	r.Expired = true
	return true, nil
}

func (m *memAttempts) get(id uuid.UUID) model.Attempt {
	m.mu.Lock()
	defer m.mu.Unlock()
	return *m.rows[id]
}

type memCache struct {
	mu        sync.Mutex
	defs      map[uuid.UUID]*model.ExamDefinition
	starts    map[uuid.UUID]time.Time
	locks     map[uuid.UUID]bool
	sessions  map[int]string
	published map[uuid.UUID][][]byte
}

func newMemCache() *memCache {
	return &memCache{
		defs:      make(map[uuid.UUID]*model.ExamDefinition),
		starts:    make(map[uuid.UUID]time.Time),
		locks:     make(map[uuid.UUID]bool),
		sessions:  make(map[int]string),
		published: make(map[uuid.UUID][][]byte),
	}
}

func (c *memCache) GetExamDefinition(_ context.Context, id uuid.UUID) (*model.ExamDefinition, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	d, ok := c.defs[id]
	return d, ok, nil
}

func (c *memCache) SetExamDefinition(_ context.Context, def *model.ExamDefinition, _ time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.defs[def.ID] = def
	return nil
}

func (c *memCache) GetStartedAt(_ context.Context, id uuid.UUID) (time.Time, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	t, ok := c.starts[id]
	return t, ok, nil
}

func (c *memCache) SetStartedAt(_ context.Context, id uuid.UUID, t time.Time, _ time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.starts[id] = t
	return nil
}

func (c *memCache) DeleteStartedAt(_ context.Context, ids ...uuid.UUID) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, id := range ids {
		delete(c.starts, id)
	}
	return nil
}

func (c *memCache) AcquireSubmitLock(_ context.Context, id uuid.UUID, _ time.Duration) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.locks[id] {
		return false, nil
	}
	c.locks[id] = true
	return true, nil
}

func (c *memCache) ReleaseSubmitLock(_ context.Context, id uuid.UUID) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.locks, id)
	return nil
}

func (c *memCache) PublishAttemptEvent(_ context.Context, id uuid.UUID, payload []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.published[id] = append(c.published[id], payload)
	return nil
}

func (c *memCache) SetStudentSession(_ context.Context, studentID int, jti string, _ time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sessions[studentID] = jti
	return nil
}

func (c *memCache) GetStudentSession(_ context.Context, studentID int) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessions[studentID], nil
}

func (c *memCache) DeleteStudentSession(_ context.Context, studentID int) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.sessions, studentID)
	return nil
}

func (c *memCache) events(id uuid.UUID) [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.published[id]
}

// sampleExam has one question of each kind, 1 point each except the essay.
func sampleExam(maxAttempts int) *model.ExamDefinition {
	return &model.ExamDefinition{
		ID:                uuid.New(),
		Title:             "Historia",
		DurationMinutes:   10,
		PassingPercentage: 60,
		MaxAttempts:       maxAttempts,
		Questions: []model.Question{
			{ID: uuid.New(), Type: model.QuestionTypeMultipleChoice, Text: "Capital", Points: 1,
				Options: []model.Option{{ID: "a", Text: "Lima"}, {ID: "b", Text: "Quito"}}, CorrectAnswer: "a", OrderNum: 1},
			{ID: uuid.New(), Type: model.QuestionTypeTrueFalse, Text: "Agua moja", Points: 1, CorrectAnswer: model.AnswerTrue, OrderNum: 2},
			{ID: uuid.New(), Type: model.QuestionTypeShortAnswer, Text: "Autor", Points: 2, CorrectAnswer: "Ricardo Palma", OrderNum: 3},
		},
	}
}
