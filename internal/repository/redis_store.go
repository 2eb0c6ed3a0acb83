package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stemsi/exstem-examtaker/internal/config"
	"github.com/stemsi/exstem-examtaker/internal/model"
)

// RedisStore holds the hot, rebuildable state: cached exam definitions,
// attempt start times, submit locks, login sessions and attempt event fan-out.
// PostgreSQL stays authoritative for everything stored here.
type RedisStore struct {
	rdb *redis.Client
}

// NewRedisStore creates a new RedisStore.
func NewRedisStore(rdb *redis.Client) *RedisStore {
	return &RedisStore{rdb: rdb}
}

// GetExamDefinition returns the cached definition. found is false on a miss.
func (s *RedisStore) GetExamDefinition(ctx context.Context, examID uuid.UUID) (def *model.ExamDefinition, found bool, err error) {
	raw, err := s.rdb.Get(ctx, config.CacheKey.ExamDefinitionKey(examID.String())).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}

	def = &model.ExamDefinition{}
	if err := json.Unmarshal(raw, def); err != nil {
		return nil, false, fmt.Errorf("decode cached definition: %w", err)
	}
	return def, true, nil
}

// SetExamDefinition caches a definition for ttl.
func (s *RedisStore) SetExamDefinition(ctx context.Context, def *model.ExamDefinition, ttl time.Duration) error {
	raw, err := json.Marshal(def)
	if err != nil {
		return err
	}
	return s.rdb.Set(ctx, config.CacheKey.ExamDefinitionKey(def.ID.String()), raw, ttl).Err()
}

// GetStartedAt returns the cached start time of an attempt. found is false on a miss.
func (s *RedisStore) GetStartedAt(ctx context.Context, attemptID uuid.UUID) (t time.Time, found bool, err error) {
	val, err := s.rdb.Get(ctx, config.CacheKey.AttemptStartKey(attemptID.String())).Result()
	if errors.Is(err, redis.Nil) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, err
	}

	ms, err := strconv.ParseInt(val, 10, 64)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("invalid start time format in cache: %w", err)
	}
	return time.UnixMilli(ms), true, nil
}

// SetStartedAt caches an attempt's start time with millisecond precision.
func (s *RedisStore) SetStartedAt(ctx context.Context, attemptID uuid.UUID, startedAt time.Time, ttl time.Duration) error {
	return s.rdb.Set(ctx, config.CacheKey.AttemptStartKey(attemptID.String()), startedAt.UnixMilli(), ttl).Err()
}

// DeleteStartedAt drops a finished attempt's cached start time.
func (s *RedisStore) DeleteStartedAt(ctx context.Context, attemptIDs ...uuid.UUID) error {
	if len(attemptIDs) == 0 {
		return nil
	}
	pipe := s.rdb.Pipeline()
	for _, id := range attemptIDs {
		pipe.Del(ctx, config.CacheKey.AttemptStartKey(id.String()))
	}
	_, err := pipe.Exec(ctx)
	return err
}

// AcquireSubmitLock marks a submission of attemptID as in flight. It reports
// false when another submission already holds the lock.
func (s *RedisStore) AcquireSubmitLock(ctx context.Context, attemptID uuid.UUID, ttl time.Duration) (bool, error) {
	return s.rdb.SetNX(ctx, config.CacheKey.AttemptSubmitLockKey(attemptID.String()), 1, ttl).Result()
}

// ReleaseSubmitLock clears the in-flight marker.
func (s *RedisStore) ReleaseSubmitLock(ctx context.Context, attemptID uuid.UUID) error {
	return s.rdb.Del(ctx, config.CacheKey.AttemptSubmitLockKey(attemptID.String())).Err()
}

// PublishAttemptEvent fans an already encoded event out to every clock
// stream watching the attempt.
func (s *RedisStore) PublishAttemptEvent(ctx context.Context, attemptID uuid.UUID, payload []byte) error {
	return s.rdb.Publish(ctx, config.CacheKey.AttemptEventsChannel(attemptID.String()), payload).Err()
}

// WatchAttemptEvents subscribes to an attempt's event channel and delivers
// raw payloads until ctx is done or the returned stop func is called.
func (s *RedisStore) WatchAttemptEvents(ctx context.Context, attemptID uuid.UUID) (<-chan []byte, func() error) {
	ps := s.rdb.Subscribe(ctx, config.CacheKey.AttemptEventsChannel(attemptID.String()))
	in := ps.Channel()
	out := make(chan []byte, 4)

	go func() {
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-in:
				if !ok {
					return
				}
				select {
				case out <- []byte(msg.Payload):
				case <-ctx.Done():
					return
				}
			}
		}
	}()

	return out, ps.Close
}

// SetStudentSession records jti as the student's only valid token.
func (s *RedisStore) SetStudentSession(ctx context.Context, studentID int, jti string, ttl time.Duration) error {
	return s.rdb.Set(ctx, config.CacheKey.StudentSessionKey(studentID), jti, ttl).Err()
}

// GetStudentSession returns the jti of the student's current token, or ""
// when none is registered.
func (s *RedisStore) GetStudentSession(ctx context.Context, studentID int) (string, error) {
	jti, err := s.rdb.Get(ctx, config.CacheKey.StudentSessionKey(studentID)).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	return jti, err
}

// DeleteStudentSession forgets the student's current token.
func (s *RedisStore) DeleteStudentSession(ctx context.Context, studentID int) error {
	return s.rdb.Del(ctx, config.CacheKey.StudentSessionKey(studentID)).Err()
}
