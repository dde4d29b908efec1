package domain

import (
	"fmt"
	"strings"
	"time"
)

// UploadURLTTL is the validity window of an upload target handed to the caller.
const UploadURLTTL = 300 * time.Second

// Job is the durable record of one submission, keyed by (UserID, JobID).
type Job struct {
	UserID    string
	JobID     string
	Status    Status
	Mode      string
	ObjectKey string
	CreatedAt time.Time
	UpdatedAt time.Time
	// Attempts counts how many times the job entered PROCESSING.
	Attempts int
	// Error is set only while Status is FAILED.
	Error string
}

// IsTerminal reports whether the job reached COMPLETED or FAILED.
func (j *Job) IsTerminal() bool {
	return j.Status.IsTerminal()
}

// ObjectKey builds the object store key for an uploaded file. The user and job
// segments make ownership inferable from the key alone.
func ObjectKey(userID, jobID, filename string) string {
	return fmt.Sprintf("raw/%s/%s/%s", userID, jobID, filename)
}

// ValidateFilename rejects filenames that would not stay inside the job's key
// prefix: empty, absolute, backslashes, or "." / ".." segments.
func ValidateFilename(filename string) error {
	if filename == "" || strings.HasPrefix(filename, "/") || strings.ContainsAny(filename, "\\\x00") {
		return fmt.Errorf("%w: invalid filename %q", ErrInvalidRequest, filename)
	}
	for _, seg := range strings.Split(filename, "/") {
		if seg == "" || seg == "." || seg == ".." {
			return fmt.Errorf("%w: invalid filename %q", ErrInvalidRequest, filename)
		}
	}
	return nil
}

// KeyBelongsTo reports whether key lies under the raw/{user}/{job}/ prefix of
// the given job. User ids are opaque and may themselves contain "/".
func KeyBelongsTo(key, userID, jobID string) bool {
	if userID == "" || jobID == "" {
		return false
	}
	filename, ok := strings.CutPrefix(key, "raw/"+userID+"/"+jobID+"/")
	return ok && ValidateFilename(filename) == nil
}
