package middlewares

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/openmined/minisync/internal/server/auth"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func newAuthRouter(t *testing.T, svc *auth.AuthService) *gin.Engine {
	t.Helper()
	r := gin.New()
	r.GET("/vaults/:vault", JWTAuth(svc), func(c *gin.Context) {
		c.String(http.StatusOK, c.GetString(userContextKey))
	})
	return r
}

func get(r http.Handler, path, token string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, path, nil)
	if token != "" {
		req.Header.Set(authHeader, bearerPrefix+token)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestJWTAuth_Disabled(t *testing.T) {
	r := newAuthRouter(t, auth.NewAuthService(&auth.Config{}))
	w := get(r, "/vaults/notes", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "anonymous", w.Body.String())
}

func TestJWTAuth_Enabled(t *testing.T) {
	svc := auth.NewAuthService(&auth.Config{
		Enabled:            true,
		TokenIssuer:        auth.DefaultTokenIssuer,
		AccessTokenSecret:  "a-secret",
		AccessTokenExpiry:  auth.DefaultAccessTokenExpiry,
		RefreshTokenSecret: "r-secret",
		RefreshTokenExpiry: auth.DefaultRefreshTokenExpiry,
	})
	r := newAuthRouter(t, svc)

	access, refresh, err := svc.IssueTokens("laptop", []string{"notes"})
	require.NoError(t, err)

	w := get(r, "/vaults/notes", access)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "laptop", w.Body.String())

	assert.Equal(t, http.StatusForbidden, get(r, "/vaults/work", access).Code)
	assert.Equal(t, http.StatusUnauthorized, get(r, "/vaults/notes", "").Code)
	assert.Equal(t, http.StatusUnauthorized, get(r, "/vaults/notes", refresh).Code, "refresh token is not an access token")

	req := httptest.NewRequest(http.MethodGet, "/vaults/notes", nil)
	req.Header.Set(authHeader, "Basic abc")
	w = httptest.NewRecorder()
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestRateLimiter(t *testing.T) {
	_, err := RateLimiter("lots")
	require.Error(t, err)

	mw, err := RateLimiter("2-M")
	require.NoError(t, err)

	r := gin.New()
	r.Use(mw)
	r.GET("/", func(c *gin.Context) { c.Status(http.StatusNoContent) })

	assert.Equal(t, http.StatusNoContent, get(r, "/", "").Code)
	assert.Equal(t, http.StatusNoContent, get(r, "/", "").Code)
	w := get(r, "/", "")
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Contains(t, w.Body.String(), "rate limit exceeded")
}
