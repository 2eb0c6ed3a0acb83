package config

import (
	"fmt"
)

type CacheKeyStruct struct{}

func NewCacheKeyStruct() *CacheKeyStruct {
	return &CacheKeyStruct{}
}

// StudentSessionKey returns the key holding the jti of a student's current token.
func (r *CacheKeyStruct) StudentSessionKey(studentID int) string {
	return fmt.Sprintf("student:%d:session", studentID)
}

// ExamDefinitionKey returns the cache key for an exam's full definition
// (correct answers included; stripped before it reaches a student).
func (r *CacheKeyStruct) ExamDefinitionKey(examID string) string {
	return fmt.Sprintf("exam:%s:definition", examID)
}

// AttemptStartKey returns the cache key for an attempt's start time (unix seconds).
func (r *CacheKeyStruct) AttemptStartKey(attemptID string) string {
	return fmt.Sprintf("attempt:%s:started_at", attemptID)
}

// AttemptSubmitLockKey returns the key held while a submission is being graded.
func (r *CacheKeyStruct) AttemptSubmitLockKey(attemptID string) string {
	return fmt.Sprintf("attempt:%s:submit_lock", attemptID)
}

// AttemptEventsChannel returns the Redis PubSub channel for an attempt's lifecycle events.
func (r *CacheKeyStruct) AttemptEventsChannel(attemptID string) string {
	return fmt.Sprintf("attempt:%s:events", attemptID)
}

var CacheKey = NewCacheKeyStruct()
