package api

import (
	"errors"
	"net/http"

	"adventure-server/internal/models"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// Коды ошибок в теле ответа.
const (
	ErrCodeBadRequest     = "bad_request"
	ErrCodeValidation     = "validation_error"
	ErrCodeNotFound       = "not_found"
	ErrCodeNotCancellable = "not_cancellable"
	ErrCodeInternal       = "internal_error"
)

// ErrorResponse - тело ответа об ошибке.
type ErrorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func abortWithError(c *gin.Context, status int, code, message string) {
	c.AbortWithStatusJSON(status, ErrorResponse{Code: code, Message: message})
}

func handleServiceError(c *gin.Context, log *zap.Logger, err error) {
	switch {
	case errors.Is(err, models.ErrInvalidInput):
		var jobErr *models.JobError
		message := err.Error()
		if errors.As(err, &jobErr) && jobErr.Err != nil {
			message = jobErr.Err.Error()
		}
		abortWithError(c, http.StatusBadRequest, ErrCodeValidation, message)
	case errors.Is(err, models.ErrNotFound):
		abortWithError(c, http.StatusNotFound, ErrCodeNotFound, "Job not found")
	case errors.Is(err, models.ErrJobNotCancellable):
		abortWithError(c, http.StatusConflict, ErrCodeNotCancellable, "Job is already finished")
	default:
		log.Error("Unhandled internal error", zap.String("path", c.Request.URL.Path), zap.Error(err))
		abortWithError(c, http.StatusInternalServerError, ErrCodeInternal, "An unexpected internal error occurred")
	}
}
