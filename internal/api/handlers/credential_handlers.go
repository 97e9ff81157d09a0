package handlers

import (
	"context"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/rail-service/dca_service/internal/domain/entities"
)

// CredentialRevoker ends delegated credentials on the owner's request
type CredentialRevoker interface {
	Revoke(ctx context.Context, identity, owner string) (*entities.DelegatedCredential, error)
}

// CredentialHandlers serves delegated credential endpoints
type CredentialHandlers struct {
	credentials CredentialRevoker
	logger      *zap.Logger
}

func NewCredentialHandlers(credentials CredentialRevoker, logger *zap.Logger) *CredentialHandlers {
	return &CredentialHandlers{credentials: credentials, logger: logger}
}

// RevokeCredential revokes the credential bound to an automation identity.
// Later cycles of the order fail with a permission error until it is cancelled.
// POST /api/v1/credentials/:identity/revoke
func (h *CredentialHandlers) RevokeCredential(c *gin.Context) {
	owner, ok := getCallerIdentity(c)
	if !ok {
		respondUnauthorized(c)
		return
	}
	identity := strings.TrimSpace(c.Param("identity"))
	if identity == "" {
		respondBadRequest(c, ErrCodeInvalidID, "Automation identity is required")
		return
	}

	cred, err := h.credentials.Revoke(c.Request.Context(), identity, owner)
	if err != nil {
		if StatusForError(err) >= http.StatusInternalServerError {
			h.logger.Error("Failed to revoke credential",
				zap.String("identity", identity),
				zap.String("request_id", getRequestID(c)),
				zap.Error(err))
		}
		respondDomainError(c, err)
		return
	}
	c.JSON(http.StatusOK, cred)
}
