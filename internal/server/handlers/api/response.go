package api

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/openmined/minisync/internal/remote"
	"github.com/openmined/minisync/internal/remote/httpremote"
)

func AbortWithError(ctx *gin.Context, status int, code string, err error) {
	ctx.Abort()
	ctx.Error(err)
	ctx.PureJSON(status, httpremote.APIError{
		Code:    code,
		Message: err.Error(),
	})
}

// AbortWithRemoteError maps a provider error onto the status the HTTP client
// classifies back into the same remote.Error kind.
func AbortWithRemoteError(ctx *gin.Context, err error) {
	var re *remote.Error
	if !errors.As(err, &re) {
		AbortWithError(ctx, http.StatusInternalServerError, httpremote.CodeInternalError, err)
		return
	}

	switch re.Kind {
	case remote.KindNotFound:
		AbortWithError(ctx, http.StatusNotFound, httpremote.CodeNotFound, err)
	case remote.KindInvalid:
		AbortWithError(ctx, http.StatusBadRequest, httpremote.CodeInvalidRequest, err)
	case remote.KindAuth:
		AbortWithError(ctx, http.StatusForbidden, httpremote.CodeAccessDenied, err)
	case remote.KindRateLimited:
		AbortWithError(ctx, http.StatusTooManyRequests, httpremote.CodeRateLimited, err)
	default:
		AbortWithError(ctx, http.StatusInternalServerError, httpremote.CodeInternalError, err)
	}
}
