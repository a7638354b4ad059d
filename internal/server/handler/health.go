package handler

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/aspect-build/notion-mcp/internal/version"
)

// HandleHealth handles GET /healthz.
func HandleHealth() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":  "ok",
			"time":    time.Now().UTC().Format(time.RFC3339Nano),
			"version": version.Version,
		})
	}
}

// HandleBanner handles GET /.
func HandleBanner() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.String(http.StatusOK, "Notion MCP server is running. See /healthz and POST /mcp.")
	}
}
