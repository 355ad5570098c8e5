package middlewares

import (
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
)

func CORS() gin.HandlerFunc {
	return cors.New(cors.Config{
		AllowOrigins:     []string{"*"},
		AllowHeaders:     []string{"Authorization", "Content-Type", "Accept", "Accept-Encoding"},
		AllowMethods:     []string{"GET", "HEAD", "POST", "PUT", "OPTIONS"},
		AllowCredentials: false,
		AllowWebSockets:  true,
	})
}
