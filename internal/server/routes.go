package server

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/openmined/minisync/internal/server/handlers/auth"
	"github.com/openmined/minisync/internal/server/handlers/vault"
	"github.com/openmined/minisync/internal/server/handlers/ws"
	"github.com/openmined/minisync/internal/server/middlewares"
	"github.com/openmined/minisync/internal/version"
)

func SetupRoutes(config *Config, svc *Services, hub *ws.WebsocketHub) (http.Handler, error) {
	r := gin.New()

	vaultH := vault.New(svc.Vaults, hub)
	authH := auth.New(svc.Auth)

	r.Use(middlewares.Logger())
	r.Use(gin.Recovery())
	r.Use(middlewares.Secure(config.HTTP.TLS()))
	r.Use(middlewares.CORS())
	r.Use(middlewares.GZIP())

	if config.HTTP.RateLimit != "" {
		limit, err := middlewares.RateLimiter(config.HTTP.RateLimit)
		if err != nil {
			return nil, err
		}
		r.Use(limit)
	}

	r.GET("/", IndexHandler)
	r.GET("/healthz", HealthHandler)
	r.POST("/auth/refresh", authH.Refresh)

	v1 := r.Group("/api/v1/vaults/:vault")
	v1.Use(middlewares.JWTAuth(svc.Auth))
	{
		v1.GET("/history", vaultH.PullHistory)
		v1.POST("/history", vaultH.PushHistory)

		v1.HEAD("/blobs/:hash", vaultH.HeadBlob)
		v1.GET("/blobs/:hash", vaultH.GetBlob)
		v1.PUT("/blobs/:hash", vaultH.PutBlob)

		v1.GET("/snapshots", vaultH.ListSnapshots)
		v1.GET("/snapshots/:id", vaultH.GetSnapshot)
		v1.PUT("/snapshots/:id", vaultH.PutSnapshot)

		v1.GET("/notify", hub.WebsocketHandler)
	}

	r.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, gin.H{
			"error": "not found",
		})
	})

	return r.Handler(), nil
}

func IndexHandler(ctx *gin.Context) {
	ctx.String(http.StatusOK, version.DetailedWithApp())
}

func HealthHandler(ctx *gin.Context) {
	ctx.PureJSON(http.StatusOK, gin.H{
		"status":  "ok",
		"version": version.Version,
	})
}

func init() {
	gin.SetMode(gin.ReleaseMode)
}
