package main

import (
	"bytes"
	"testing"

	"github.com/google/uuid"
	"github.com/stemsi/exstem-examtaker/internal/attempt"
	"github.com/stretchr/testify/assert"
)

func TestObserveDropsStaleSnapshots(t *testing.T) {
	var out bytes.Buffer
	scr := newScreen(&out)
	id := uuid.New()

	scr.observe(attempt.Snapshot{Seq: 1, Status: attempt.StatusInProgress, AttemptID: id, Remaining: 600})
	scr.observe(attempt.Snapshot{Seq: 3, Status: attempt.StatusSubmitting, AttemptID: id, Remaining: 590, Trigger: attempt.TriggerManual})
	// A tick taken before the submit but delivered after it.
	scr.observe(attempt.Snapshot{Seq: 2, Status: attempt.StatusInProgress, AttemptID: id, Remaining: 590})

	assert.Equal(t, attempt.StatusSubmitting, scr.lastStatus)
	assert.Equal(t, uint64(3), scr.lastSeq)
	assert.Equal(t, 1, bytes.Count(out.Bytes(), []byte("Enviando...")))
}

func TestObserveRemindsOncePerThreshold(t *testing.T) {
	var out bytes.Buffer
	scr := newScreen(&out)

	scr.observe(attempt.Snapshot{Seq: 1, Status: attempt.StatusInProgress, Remaining: 59})
	scr.observe(attempt.Snapshot{Seq: 2, Status: attempt.StatusInProgress, Remaining: 58})

	assert.Equal(t, 1, bytes.Count(out.Bytes(), []byte("** Quedan 00:59 **")))
	assert.NotContains(t, out.String(), "00:58")
}
