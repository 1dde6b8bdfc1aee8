package api

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/sentinelops/selfheal/pkg/errors"
)

// APIResponse is the standard response envelope
type APIResponse struct {
	Success   bool        `json:"success"`
	Data      interface{} `json:"data,omitempty"`
	Error     *APIError   `json:"error,omitempty"`
	RequestID string      `json:"request_id,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
}

// APIError carries a machine-readable code alongside the message
type APIError struct {
	Code    string            `json:"code"`
	Message string            `json:"message"`
	Details map[string]string `json:"details,omitempty"`
}

func requestID(c *gin.Context) string {
	if id, exists := c.Get("request_id"); exists {
		if s, ok := id.(string); ok {
			return s
		}
	}
	return ""
}

// SuccessResponse sends a successful response
func SuccessResponse(c *gin.Context, data interface{}) {
	c.JSON(http.StatusOK, APIResponse{
		Success:   true,
		Data:      data,
		RequestID: requestID(c),
		Timestamp: time.Now(),
	})
}

// CreatedResponse sends a 201 response
func CreatedResponse(c *gin.Context, data interface{}) {
	c.JSON(http.StatusCreated, APIResponse{
		Success:   true,
		Data:      data,
		RequestID: requestID(c),
		Timestamp: time.Now(),
	})
}

// ErrorResponseFromError maps an application error to the right status code
func ErrorResponseFromError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	switch errors.GetType(err) {
	case errors.ErrorTypeValidation:
		status = http.StatusBadRequest
	case errors.ErrorTypeNotFound:
		status = http.StatusNotFound
	case errors.ErrorTypeConflict:
		status = http.StatusConflict
	case errors.ErrorTypeTimeout:
		status = http.StatusGatewayTimeout
	}

	response := APIResponse{
		Success:   false,
		RequestID: requestID(c),
		Timestamp: time.Now(),
		Error: &APIError{
			Code:    errors.GetCode(err),
			Message: err.Error(),
		},
	}

	if appErr, ok := err.(*errors.AppError); ok {
		response.Error.Message = appErr.Message
		response.Error.Details = appErr.Details
	}

	c.JSON(status, response)
}

// BadRequestResponse sends a 400 with a validation code
func BadRequestResponse(c *gin.Context, message string) {
	c.JSON(http.StatusBadRequest, APIResponse{
		Success:   false,
		RequestID: requestID(c),
		Timestamp: time.Now(),
		Error: &APIError{
			Code:    "BAD_REQUEST",
			Message: message,
		},
	})
}

// NotFoundResponse sends a 404
func NotFoundResponse(c *gin.Context, message string) {
	c.JSON(http.StatusNotFound, APIResponse{
		Success:   false,
		RequestID: requestID(c),
		Timestamp: time.Now(),
		Error: &APIError{
			Code:    "NOT_FOUND",
			Message: message,
		},
	})
}
