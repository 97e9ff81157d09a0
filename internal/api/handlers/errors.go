package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/rail-service/dca_service/internal/domain/entities"
	apperrors "github.com/rail-service/dca_service/internal/domain/errors"
)

// Error codes for failures raised by the handlers themselves
const (
	ErrCodeUnauthorized   = "UNAUTHORIZED"
	ErrCodeInvalidRequest = "INVALID_REQUEST"
	ErrCodeInvalidID      = "INVALID_ID"
	ErrCodeInternalError  = "INTERNAL_ERROR"
)

// Error messages as constants for consistency
const (
	MsgInvalidRequest = "Invalid request payload"
	MsgUnauthorized   = "Authentication required"
	MsgInternalError  = "Internal server error"
)

// StatusForError maps a domain error onto its HTTP status
func StatusForError(err error) int {
	switch {
	case errors.Is(err, apperrors.ErrInvalidInput):
		return http.StatusBadRequest
	case errors.Is(err, apperrors.ErrUnauthorized):
		return http.StatusUnauthorized
	case errors.Is(err, apperrors.ErrForbidden), errors.Is(err, apperrors.ErrUntrustedTarget),
		errors.Is(err, apperrors.ErrQuoteMismatch):
		return http.StatusForbidden
	case errors.Is(err, apperrors.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, apperrors.ErrConflict), errors.Is(err, apperrors.ErrAlreadyExists):
		return http.StatusConflict
	case errors.Is(err, apperrors.ErrInsufficientBalance):
		return http.StatusUnprocessableEntity
	case errors.Is(err, apperrors.ErrSettlementTimeout):
		return http.StatusGatewayTimeout
	case errors.Is(err, apperrors.ErrProviderUnavailable), errors.Is(err, apperrors.ErrSettlementRejected):
		return http.StatusBadGateway
	case errors.Is(err, apperrors.ErrServiceUnavailable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// respondError sends a standardized error response
func respondError(c *gin.Context, status int, code, message string, details map[string]interface{}) {
	c.JSON(status, entities.ErrorResponse{
		Code:    code,
		Message: message,
		Details: details,
	})
}

func respondUnauthorized(c *gin.Context) {
	respondError(c, http.StatusUnauthorized, ErrCodeUnauthorized, MsgUnauthorized, nil)
}

func respondBadRequest(c *gin.Context, code, message string) {
	respondError(c, http.StatusBadRequest, code, message, nil)
}

// respondDomainError renders err with its domain code. Internal failures never
// leak their cause to the client.
func respondDomainError(c *gin.Context, err error) {
	status := StatusForError(err)
	if status == http.StatusInternalServerError {
		respondError(c, status, ErrCodeInternalError, MsgInternalError, map[string]interface{}{
			"request_id": getRequestID(c),
		})
		return
	}

	var domainErr *apperrors.DomainError
	if errors.As(err, &domainErr) {
		respondError(c, status, domainErr.Code, domainErr.Error(), domainErr.Details)
		return
	}
	respondError(c, status, http.StatusText(status), err.Error(), nil)
}
