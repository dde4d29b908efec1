package handler

import (
	"context"
	"log/slog"

	"github.com/cuongbtq/mediajobs/internal/auth"
	"github.com/cuongbtq/mediajobs/internal/objectstore/local"
	"github.com/cuongbtq/mediajobs/internal/submission"
)

// HealthCheck reports whether one dependency is reachable
type HealthCheck func(ctx context.Context) error

// Dependencies holds all dependencies needed by handlers
type Dependencies struct {
	Logger      *slog.Logger
	ServiceName string
	Submission  *submission.Service
	Verifier    *auth.Verifier
	// LocalObjects is set when the filesystem object store is in use; it
	// enables the signed /objects routes.
	LocalObjects   *local.Store
	MaxUploadBytes int64
	HealthChecks   map[string]HealthCheck
	AllowedOrigins []string
}

// JobHandler handles job-related HTTP requests
type JobHandler struct {
	logger     *slog.Logger
	submission *submission.Service
}

// NewJobHandler creates a new JobHandler instance
func NewJobHandler(deps *Dependencies) *JobHandler {
	return &JobHandler{
		logger:     deps.Logger,
		submission: deps.Submission,
	}
}
