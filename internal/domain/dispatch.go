package domain

import (
	"encoding/json"
	"fmt"
)

// Dispatch is the queue body referencing a Job. Delivery metadata such as the
// lease handle is assigned by the queue and never part of the body.
type Dispatch struct {
	UserID    string `json:"user_id"`
	JobID     string `json:"job_id"`
	ObjectKey string `json:"key"`
	Mode      string `json:"mode"`
}

// DispatchFor builds the dispatch body for a job.
func DispatchFor(job *Job) Dispatch {
	return Dispatch{
		UserID:    job.UserID,
		JobID:     job.JobID,
		ObjectKey: job.ObjectKey,
		Mode:      job.Mode,
	}
}

// Encode marshals the dispatch body.
func (d Dispatch) Encode() ([]byte, error) {
	body, err := json.Marshal(d)
	if err != nil {
		return nil, fmt.Errorf("failed to encode dispatch message: %w", err)
	}
	return body, nil
}

// DecodeDispatch parses a queue body. Bodies missing the job key are rejected
// with ErrMalformedMessage.
func DecodeDispatch(body []byte) (Dispatch, error) {
	var d Dispatch
	if err := json.Unmarshal(body, &d); err != nil {
		return Dispatch{}, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}
	if d.UserID == "" || d.JobID == "" {
		return Dispatch{}, fmt.Errorf("%w: user_id and job_id are required", ErrMalformedMessage)
	}
	return d, nil
}
