package router

import (
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/softchor/jobdispatch/internal/api/handler"
)

// SetupRouter configures and returns the Gin router with all routes
func SetupRouter(deps *handler.Dependencies) *gin.Engine {
	r := gin.New()

	// Middleware
	r.Use(gin.Recovery())
	r.Use(LoggerMiddleware(deps.Logger))
	r.Use(MetricsMiddleware())
	r.Use(CORSMiddleware())

	healthHandler := handler.NewHealthHandler(deps)
	r.GET("/health", healthHandler.Health)
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	jobHandler := handler.NewJobHandler(deps)
	storageHandler := handler.NewStorageHandler(deps)

	// API v1 routes
	v1 := r.Group("/api/v1")
	{
		jobs := v1.Group("/jobs")
		{
			// POST /api/v1/jobs - Enqueue a processing task
			jobs.POST("", jobHandler.CreateJob)

			// GET /api/v1/jobs - List songs with their processing state
			jobs.GET("", jobHandler.ListJobs)

			// GET /api/v1/jobs/:job_id - Get processing state
			jobs.GET("/:job_id", jobHandler.GetJob)
		}

		// POST /api/v1/storage/keys - Generate an upload key
		v1.POST("/storage/keys", storageHandler.CreateKey)
	}

	return r
}
