package domain

import "fmt"

// Status is the lifecycle state of a Job.
type Status string

// Job status constants
const (
	JobStatusPending    Status = "PENDING"
	JobStatusProcessing Status = "PROCESSING"
	JobStatusCompleted  Status = "COMPLETED"
	JobStatusFailed     Status = "FAILED"
)

// ClaimableStatuses are the prior statuses a worker may move to PROCESSING.
// PROCESSING covers redelivery of an in-flight job whose lease expired and
// FAILED covers redelivery after a recorded failure.
var ClaimableStatuses = []Status{JobStatusPending, JobStatusProcessing, JobStatusFailed}

// FailableStatuses are the prior statuses a worker may move to FAILED.
var FailableStatuses = []Status{JobStatusPending, JobStatusProcessing}

var transitions = map[Status][]Status{
	JobStatusPending:    {JobStatusPending, JobStatusProcessing, JobStatusFailed},
	JobStatusProcessing: {JobStatusProcessing, JobStatusCompleted, JobStatusFailed},
	JobStatusFailed:     {JobStatusProcessing},
	JobStatusCompleted:  nil,
}

// ParseStatus validates a status string.
func ParseStatus(s string) (Status, error) {
	st := Status(s)
	if _, ok := transitions[st]; !ok {
		return "", fmt.Errorf("unknown job status %q", s)
	}
	return st, nil
}

// IsTerminal reports whether no worker-driven transition is expected from s.
func (s Status) IsTerminal() bool {
	return s == JobStatusCompleted || s == JobStatusFailed
}

func (s Status) String() string {
	return string(s)
}

// CanTransition reports whether the state machine allows from -> to.
func CanTransition(from, to Status) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Contains reports whether s is one of statuses.
func Contains(statuses []Status, s Status) bool {
	for _, st := range statuses {
		if st == s {
			return true
		}
	}
	return false
}
