package utils

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"

	"vehicle-guard/internal/models"
)

// APIResponse represents a standard API response structure
type APIResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
	Error   any    `json:"error,omitempty"`
}

// SuccessResponse sends a successful response
func SuccessResponse(c *gin.Context, statusCode int, message string, data any) {
	c.JSON(statusCode, APIResponse{
		Success: true,
		Message: message,
		Data:    data,
	})
}

// ErrorResponse sends an error response
func ErrorResponse(c *gin.Context, statusCode int, message string, err error) {
	response := APIResponse{
		Success: false,
		Message: message,
	}

	if err != nil {
		response.Error = err.Error()
	}

	c.JSON(statusCode, response)
}

// DomainErrorResponse maps pipeline errors onto HTTP status codes.
func DomainErrorResponse(c *gin.Context, message string, err error) {
	ErrorResponse(c, StatusFor(err), message, err)
}

// StatusFor returns the HTTP status for err.
func StatusFor(err error) int {
	var vErr *models.ValidationError
	var validationErrs validator.ValidationErrors
	switch {
	case err == nil:
		return http.StatusOK
	case errors.As(err, &vErr), errors.As(err, &validationErrs):
		return http.StatusBadRequest
	case errors.Is(err, models.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, models.ErrStaleReading):
		return http.StatusAccepted
	case errors.Is(err, models.ErrDispatchUnreachable):
		return http.StatusBadGateway
	case models.IsRetryable(err):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// ValidationErrorResponse sends a validation error response
func ValidationErrorResponse(c *gin.Context, err error) {
	var messages []string

	var validationErrors validator.ValidationErrors
	var vErr *models.ValidationError
	switch {
	case errors.As(err, &validationErrors):
		for _, fieldError := range validationErrors {
			messages = append(messages, getValidationErrorMessage(fieldError))
		}
	case errors.As(err, &vErr):
		messages = append(messages, vErr.Field+" "+vErr.Reason)
	default:
		messages = append(messages, err.Error())
	}

	c.JSON(http.StatusBadRequest, APIResponse{
		Success: false,
		Message: "Validation failed",
		Error:   messages,
	})
}

func getValidationErrorMessage(fieldError validator.FieldError) string {
	field := fieldError.Field()
	tag := fieldError.Tag()

	switch tag {
	case "required", "required_if":
		return field + " is required"
	case "min":
		return field + " must have at least " + fieldError.Param() + " entries"
	case "max":
		return field + " must be at most " + fieldError.Param() + " characters long"
	case "gte", "lte", "lt":
		return field + " is out of range"
	case "oneof":
		return field + " must be one of: " + fieldError.Param()
	default:
		return field + " is invalid"
	}
}
