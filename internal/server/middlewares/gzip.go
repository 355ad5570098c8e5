package middlewares

import (
	"github.com/gin-contrib/gzip"
	"github.com/gin-gonic/gin"
)

var excludedPaths = []string{
	"/healthz",
}

// GZIP compresses JSON responses. Blob bodies are excluded by the regex,
// they are often already compressed attachments.
func GZIP() gin.HandlerFunc {
	return gzip.Gzip(
		gzip.BestSpeed,
		gzip.WithExcludedPaths(excludedPaths),
		gzip.WithExcludedPathsRegexs([]string{`/blobs/`, `/notify$`}),
	)
}
