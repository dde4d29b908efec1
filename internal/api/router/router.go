package router

import (
	"github.com/cuongbtq/mediajobs/internal/api/handler"
	"github.com/cuongbtq/mediajobs/internal/auth"
	"github.com/gin-gonic/gin"
)

// SetupRouter configures and returns the Gin router with all routes
func SetupRouter(deps *handler.Dependencies) *gin.Engine {
	r := gin.New()

	// Middleware
	r.Use(gin.Recovery())
	r.Use(LoggerMiddleware(deps.Logger))
	r.Use(CORSMiddleware(deps.AllowedOrigins))

	// Health check endpoint
	r.GET("/health", handler.Health(deps))

	// Initialize job handler
	jobHandler := handler.NewJobHandler(deps)

	// API v1 routes
	v1 := r.Group("/api/v1")
	v1.Use(auth.Middleware(deps.Verifier))
	{
		// POST /api/v1/upload - Allocate an upload URL and queue a job
		v1.POST("/upload", jobHandler.Upload)

		jobs := v1.Group("/jobs")
		{
			// GET /api/v1/jobs - List the caller's jobs with pagination
			jobs.GET("", jobHandler.ListJobs)

			// GET /api/v1/jobs/:job_id - Get job details
			jobs.GET("/:job_id", jobHandler.GetJob)
		}
	}

	// Signed object routes, only served by the filesystem object store
	if deps.LocalObjects != nil {
		objectHandler := handler.NewObjectHandler(deps)
		r.PUT("/objects/*key", objectHandler.PutObject)
		r.GET("/objects/*key", objectHandler.GetObject)
	}

	return r
}
