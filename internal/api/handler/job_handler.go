package handler

import (
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/cuongbtq/mediajobs/internal/api/dto"
	"github.com/cuongbtq/mediajobs/internal/auth"
	"github.com/cuongbtq/mediajobs/internal/domain"
	"github.com/cuongbtq/mediajobs/internal/storage"
	"github.com/gin-gonic/gin"
)

// Upload handles POST /api/v1/upload
// Allocates an upload URL and queues a processing job for it
func (h *JobHandler) Upload(c *gin.Context) {
	userID := auth.UserID(c)

	var req dto.UploadRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.logger.Error("Invalid request body", slog.String("error", err.Error()))
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Invalid request body",
		})
		return
	}

	result, err := h.submission.Submit(c.Request.Context(), userID, req.Filename, req.Mode)
	if err != nil {
		if errors.Is(err, domain.ErrInvalidRequest) {
			c.JSON(http.StatusBadRequest, gin.H{
				"error": err.Error(),
			})
			return
		}

		h.logger.Error("Failed to submit job",
			slog.String("user_id", userID),
			slog.String("error", err.Error()),
		)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Failed to submit job",
		})
		return
	}

	c.JSON(http.StatusOK, dto.UploadResponse{
		UploadURL: result.UploadURL,
		JobID:     result.JobID,
	})
}

// GetJob handles GET /api/v1/jobs/:job_id
// Retrieves one of the caller's jobs
func (h *JobHandler) GetJob(c *gin.Context) {
	jobID := strings.TrimSpace(c.Param("job_id"))
	if jobID == "" {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "job_id is required",
		})
		return
	}

	job, err := h.submission.Get(c.Request.Context(), auth.UserID(c), jobID)
	if err != nil {
		if errors.Is(err, domain.ErrJobNotFound) {
			c.JSON(http.StatusNotFound, gin.H{
				"error": "Job not found",
			})
			return
		}

		h.logger.Error("Failed to get job", slog.String("job_id", jobID), slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Failed to get job",
		})
		return
	}

	c.JSON(http.StatusOK, h.toJobDTO(c, job))
}

// ListJobs handles GET /api/v1/jobs
// Lists the caller's jobs, newest first, with cursor pagination
func (h *JobHandler) ListJobs(c *gin.Context) {
	var req dto.ListJobsRequest
	if err := c.ShouldBindQuery(&req); err != nil {
		h.logger.Error("Invalid query parameters", slog.String("error", err.Error()))
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Invalid query parameters",
		})
		return
	}

	var status domain.Status
	if req.Status != "" {
		st, err := domain.ParseStatus(strings.ToUpper(req.Status))
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{
				"error": "Invalid status",
			})
			return
		}
		status = st
	}

	cursor, err := DecodeJobCursor(req.Cursor)
	if err != nil {
		h.logger.Error("Invalid cursor", slog.String("error", err.Error()))
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Invalid cursor",
		})
		return
	}

	page, err := h.submission.List(c.Request.Context(), storage.JobFilter{
		UserID:   auth.UserID(c),
		Status:   status,
		PageSize: req.PageSize,
		Cursor:   cursor,
	})
	if err != nil {
		h.logger.Error("Failed to list jobs", slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Failed to list jobs",
		})
		return
	}

	jobResponse := make([]dto.JobDTO, len(page.Jobs))
	for i, job := range page.Jobs {
		jobResponse[i] = h.toJobDTO(c, job)
	}

	var nextCursor string
	if page.Next != nil {
		nextCursor = EncodeJobCursor(page.Next)
	}

	c.JSON(http.StatusOK, dto.ListJobsResponse{
		Jobs:       jobResponse,
		NextCursor: nextCursor,
	})
}

func (h *JobHandler) toJobDTO(c *gin.Context, job *domain.Job) dto.JobDTO {
	out := dto.JobDTO{
		JobID:     job.JobID,
		UserID:    job.UserID,
		Status:    job.Status.String(),
		Mode:      job.Mode,
		ObjectKey: job.ObjectKey,
		CreatedAt: job.CreatedAt.Unix(),
		UpdatedAt: job.UpdatedAt.Unix(),
		Attempts:  job.Attempts,
		Error:     job.Error,
	}

	downloadURL, err := h.submission.DownloadURL(c.Request.Context(), job)
	if err != nil {
		h.logger.Warn("Failed to presign download",
			slog.String("job_id", job.JobID),
			slog.String("error", err.Error()),
		)
		return out
	}
	out.DownloadURL = downloadURL
	return out
}
