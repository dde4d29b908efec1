// Package processing holds the job transformation step invoked by workers.
package processing

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/cuongbtq/mediajobs/internal/domain"
	"github.com/cuongbtq/mediajobs/internal/objectstore"
	"github.com/gabriel-vasile/mimetype"
)

// DefaultModes are the modes accepted by the placeholder processor.
var DefaultModes = []string{"audio", "summary", "text"}

// Processor runs the substantive transformation of one job. A returned error
// is recorded on the job as its failure reason.
type Processor interface {
	Process(ctx context.Context, d domain.Dispatch) error
}

// ProcessorFunc adapts a function to Processor.
type ProcessorFunc func(ctx context.Context, d domain.Dispatch) error

// Process calls f.
func (f ProcessorFunc) Process(ctx context.Context, d domain.Dispatch) error {
	return f(ctx, d)
}

// Placeholder checks that the uploaded object exists and that the job mode is
// known, then reports success. The real transformation is out of scope.
type Placeholder struct {
	objects objectstore.ObjectStore
	modes   map[string]struct{}
	logger  *slog.Logger
}

// NewPlaceholder returns a processor accepting modes. An empty list accepts
// DefaultModes.
func NewPlaceholder(objects objectstore.ObjectStore, modes []string, logger *slog.Logger) *Placeholder {
	if len(modes) == 0 {
		modes = DefaultModes
	}
	set := make(map[string]struct{}, len(modes))
	for _, m := range modes {
		set[strings.ToLower(strings.TrimSpace(m))] = struct{}{}
	}
	return &Placeholder{
		objects: objects,
		modes:   set,
		logger:  logger,
	}
}

// Process validates the job input.
func (p *Placeholder) Process(ctx context.Context, d domain.Dispatch) error {
	if _, ok := p.modes[strings.ToLower(d.Mode)]; !ok {
		return fmt.Errorf("unsupported mode %q", d.Mode)
	}
	if !domain.KeyBelongsTo(d.ObjectKey, d.UserID, d.JobID) {
		return fmt.Errorf("object %q does not belong to job %s of user %s", d.ObjectKey, d.JobID, d.UserID)
	}

	rc, err := p.objects.Open(ctx, d.ObjectKey)
	if err != nil {
		return fmt.Errorf("failed to open input: %w", err)
	}
	defer rc.Close()

	mtype, err := mimetype.DetectReader(rc)
	if err != nil {
		return fmt.Errorf("failed to read input: %w", err)
	}
	// Drain so that streamed bodies are fully consumed before close.
	if _, err := io.Copy(io.Discard, rc); err != nil {
		return fmt.Errorf("failed to read input: %w", err)
	}

	if err := ctx.Err(); err != nil {
		return fmt.Errorf("processing canceled: %w", err)
	}

	p.logger.Info("Input processed",
		slog.String("job_id", d.JobID),
		slog.String("mode", d.Mode),
		slog.String("content_type", mtype.String()),
	)
	return nil
}
