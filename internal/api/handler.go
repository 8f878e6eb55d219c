package api

import (
	"net/http"
	"time"

	"adventure-server/internal/interfaces"
	"adventure-server/internal/models"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

type submitJobRequest struct {
	Theme string `json:"theme"`
}

type submitJobResponse struct {
	JobID     uuid.UUID        `json:"job_id"`
	Status    models.JobStatus `json:"status"`
	CreatedAt time.Time        `json:"created_at"`
}

type jobResponse struct {
	JobID       uuid.UUID        `json:"job_id"`
	Status      models.JobStatus `json:"status"`
	CreatedAt   time.Time        `json:"created_at"`
	StoryID     *int64           `json:"story_id,omitempty"`
	CompletedAt *time.Time       `json:"completed_at,omitempty"`
	Error       *string          `json:"error,omitempty"`
}

func toJobResponse(job *models.Job) jobResponse {
	return jobResponse{
		JobID:       job.ID,
		Status:      job.Status,
		CreatedAt:   job.CreatedAt,
		StoryID:     job.StoryID,
		CompletedAt: job.CompletedAt,
		Error:       job.Error,
	}
}

// JobHandler обслуживает HTTP API задач генерации.
type JobHandler struct {
	service interfaces.JobService
	events  *JobEventsHandler
	logger  *zap.Logger
}

// NewJobHandler создает обработчик. events может быть nil, тогда поток событий не регистрируется.
func NewJobHandler(service interfaces.JobService, events *JobEventsHandler, logger *zap.Logger) *JobHandler {
	return &JobHandler{
		service: service,
		events:  events,
		logger:  logger.Named("JobHandler"),
	}
}

func (h *JobHandler) RegisterRoutes(group *gin.RouterGroup) {
	jobs := group.Group("/jobs")
	{
		jobs.POST("", h.submit)
		jobs.GET("/:id", h.getJob)
		jobs.POST("/:id/cancel", h.cancel)
		if h.events != nil {
			jobs.GET("/:id/events", h.events.Serve)
		}
	}
	// Старый маршрут создания истории.
	group.POST("/stories/create", h.submit)
}

func (h *JobHandler) submit(c *gin.Context) {
	var req submitJobRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.logger.Warn("Invalid submit request body", zap.Error(err))
		abortWithError(c, http.StatusBadRequest, ErrCodeBadRequest, "Request body must be JSON with a theme field")
		return
	}

	job, err := h.service.Submit(c.Request.Context(), req.Theme)
	if err != nil {
		handleServiceError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusAccepted, submitJobResponse{
		JobID:     job.ID,
		Status:    job.Status,
		CreatedAt: job.CreatedAt,
	})
}

func (h *JobHandler) getJob(c *gin.Context) {
	id, ok := parseJobID(c)
	if !ok {
		return
	}
	job, err := h.service.GetStatus(c.Request.Context(), id)
	if err != nil {
		handleServiceError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, toJobResponse(job))
}

func (h *JobHandler) cancel(c *gin.Context) {
	id, ok := parseJobID(c)
	if !ok {
		return
	}
	job, err := h.service.Cancel(c.Request.Context(), id)
	if err != nil {
		handleServiceError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusAccepted, toJobResponse(job))
}

// parseJobID читает :id; при ошибке ответ уже отправлен.
func parseJobID(c *gin.Context) (uuid.UUID, bool) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		abortWithError(c, http.StatusBadRequest, ErrCodeBadRequest, "Job id must be a UUID")
		return uuid.Nil, false
	}
	return id, true
}
