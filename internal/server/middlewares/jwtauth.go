package middlewares

import (
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/openmined/minisync/internal/remote/httpremote"
	"github.com/openmined/minisync/internal/server/auth"
	"github.com/openmined/minisync/internal/server/handlers/api"
)

const (
	bearerPrefix     = "Bearer "
	authHeader       = "Authorization"
	userContextKey   = "user"
	claimsContextKey = "claims"
)

// JWTAuth validates the bearer access token and stores its subject under
// "user". When the route has a :vault param the token must allow that vault.
func JWTAuth(authService *auth.AuthService) gin.HandlerFunc {
	if !authService.IsEnabled() {
		slog.Info("auth middleware disabled")
		return func(ctx *gin.Context) {
			ctx.Set(userContextKey, "anonymous")
			ctx.Next()
		}
	}
	slog.Info("auth middleware enabled")
	return func(ctx *gin.Context) {
		authHeaderValue := ctx.GetHeader(authHeader)
		if authHeaderValue == "" {
			api.AbortWithError(ctx, http.StatusUnauthorized, httpremote.CodeAuthInvalid, errors.New("authorization header is missing"))
			return
		}

		if !strings.HasPrefix(authHeaderValue, bearerPrefix) {
			api.AbortWithError(ctx, http.StatusUnauthorized, httpremote.CodeAuthInvalid, errors.New("authorization header format must be Bearer {token}"))
			return
		}

		tokenString := strings.TrimPrefix(authHeaderValue, bearerPrefix)
		claims, err := authService.ValidateAccessToken(ctx, tokenString)
		if err != nil {
			api.AbortWithError(ctx, http.StatusUnauthorized, httpremote.CodeAuthInvalid, err)
			return
		}

		if vaultID := ctx.Param("vault"); vaultID != "" && !claims.AllowsVault(vaultID) {
			api.AbortWithError(ctx, http.StatusForbidden, httpremote.CodeAccessDenied, auth.ErrVaultNotAllowed)
			return
		}

		ctx.Set(userContextKey, claims.Subject)
		ctx.Set(claimsContextKey, claims)
		ctx.Next()
	}
}
