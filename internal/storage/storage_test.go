package storage

import (
	"testing"
	"time"

	"github.com/cuongbtq/mediajobs/internal/domain"
	"github.com/stretchr/testify/assert"
)

func TestTransition_Allowed(t *testing.T) {
	claim := Transition{From: domain.ClaimableStatuses, To: domain.JobStatusProcessing}
	assert.True(t, claim.Allowed(domain.JobStatusPending, 0))
	assert.True(t, claim.Allowed(domain.JobStatusFailed, 3))
	assert.False(t, claim.Allowed(domain.JobStatusCompleted, 1))

	complete := Transition{From: []domain.Status{domain.JobStatusProcessing}, To: domain.JobStatusCompleted, Attempt: 2}
	assert.True(t, complete.Allowed(domain.JobStatusProcessing, 2))
	assert.False(t, complete.Allowed(domain.JobStatusProcessing, 3), "fenced by attempt")
	assert.False(t, complete.Allowed(domain.JobStatusPending, 2))

	// From may list a status the state machine forbids for To.
	bogus := Transition{From: []domain.Status{domain.JobStatusPending}, To: domain.JobStatusCompleted}
	assert.False(t, bogus.Allowed(domain.JobStatusPending, 0))
}

func TestTransition_StoredError(t *testing.T) {
	assert.Equal(t, "boom", Transition{To: domain.JobStatusFailed, Error: "boom"}.StoredError())
	assert.Empty(t, Transition{To: domain.JobStatusProcessing, Error: "boom"}.StoredError())
	assert.True(t, Transition{To: domain.JobStatusProcessing}.StartsAttempt())
	assert.False(t, Transition{To: domain.JobStatusPending}.StartsAttempt())
}

func TestTransition_Conflict(t *testing.T) {
	err := Transition{UserID: "u", JobID: "j", To: domain.JobStatusCompleted, Attempt: 1}.Conflict(domain.JobStatusFailed)
	assert.ErrorIs(t, err, domain.ErrStatusConflict)
	assert.Contains(t, err.Error(), "FAILED -> COMPLETED")
}

func TestJobCursor_Before(t *testing.T) {
	ts := time.Unix(1_700_000_000, 0)
	c := &JobCursor{CreatedAt: ts, JobID: "m"}

	assert.True(t, c.Before(&domain.Job{CreatedAt: ts.Add(-time.Second), JobID: "z"}))
	assert.True(t, c.Before(&domain.Job{CreatedAt: ts, JobID: "a"}))
	assert.False(t, c.Before(&domain.Job{CreatedAt: ts, JobID: "m"}))
	assert.False(t, c.Before(&domain.Job{CreatedAt: ts.Add(time.Second), JobID: "a"}))

	var none *JobCursor
	assert.True(t, none.Before(&domain.Job{}))
}

func TestNormalizePageSize(t *testing.T) {
	assert.Equal(t, DefaultPageSize, NormalizePageSize(0))
	assert.Equal(t, DefaultPageSize, NormalizePageSize(-5))
	assert.Equal(t, 7, NormalizePageSize(7))
	assert.Equal(t, MaxPageSize, NormalizePageSize(1000))
}
