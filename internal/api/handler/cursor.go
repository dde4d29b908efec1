package handler

import (
	"encoding/base64"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/cuongbtq/mediajobs/internal/storage"
)

const cursorSeparator = "|"

var errMalformedCursor = errors.New("malformed cursor")

// DecodeJobCursor parses the opaque page cursor returned by ListJobs. An empty
// string means the first page.
func DecodeJobCursor(raw string) (*storage.JobCursor, error) {
	if raw == "" {
		return nil, nil
	}

	payload, err := base64.RawURLEncoding.DecodeString(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errMalformedCursor, err)
	}

	unix, jobID, ok := strings.Cut(string(payload), cursorSeparator)
	if !ok || jobID == "" {
		return nil, errMalformedCursor
	}
	secs, err := strconv.ParseInt(unix, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("%w: bad created_at %q", errMalformedCursor, unix)
	}

	return &storage.JobCursor{CreatedAt: time.Unix(secs, 0).UTC(), JobID: jobID}, nil
}

// EncodeJobCursor returns the opaque form of cursor
func EncodeJobCursor(cursor *storage.JobCursor) string {
	payload := strconv.FormatInt(cursor.CreatedAt.Unix(), 10) + cursorSeparator + cursor.JobID
	return base64.RawURLEncoding.EncodeToString([]byte(payload))
}
