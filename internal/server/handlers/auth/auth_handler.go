package auth

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/openmined/minisync/internal/remote/httpremote"
	"github.com/openmined/minisync/internal/server/auth"
	"github.com/openmined/minisync/internal/server/handlers/api"
)

type AuthHandler struct {
	auth *auth.AuthService
}

func New(auth *auth.AuthService) *AuthHandler {
	return &AuthHandler{
		auth: auth,
	}
}

func (h *AuthHandler) Refresh(ctx *gin.Context) {
	if !h.auth.IsEnabled() {
		api.AbortWithError(ctx, http.StatusNotFound, httpremote.CodeInvalidRequest, errors.New("auth is disabled"))
		return
	}

	var req RefreshRequest
	if err := ctx.ShouldBindJSON(&req); err != nil {
		api.AbortWithError(ctx, http.StatusBadRequest, httpremote.CodeInvalidRequest, fmt.Errorf("failed to bind json: %w", err))
		return
	}

	accessToken, refreshToken, err := h.auth.RefreshToken(ctx, req.OldRefreshToken)
	if err != nil {
		api.AbortWithError(ctx, http.StatusUnauthorized, httpremote.CodeRefreshFailed, err)
		return
	}

	ctx.PureJSON(http.StatusOK, &RefreshResponse{
		AccessToken:  accessToken,
		RefreshToken: refreshToken,
	})
}
