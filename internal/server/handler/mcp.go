package handler

import (
	"fmt"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/aspect-build/notion-mcp/internal/gateway"
	"github.com/aspect-build/notion-mcp/internal/oauth"
	"github.com/aspect-build/notion-mcp/internal/vault"
)

// SessionKey is the gin context key holding the authenticated
// *vault.TokenRecord.
const SessionKey = "notion-mcp/session"

const maxMCPBodyBytes = 1 << 20

// Challenge renders a WWW-Authenticate bearer challenge. scope is included
// when a tool call was refused for lack of it.
func Challenge(metadataURL, scope string) string {
	v := fmt.Sprintf(`Bearer realm="mcp", resource_metadata=%q`, metadataURL)
	if scope != "" {
		v += fmt.Sprintf(`, error="insufficient_scope", scope=%q`, scope)
	}
	return v
}

// Session returns the session stored by the bearer middleware.
func Session(c *gin.Context) (*vault.TokenRecord, bool) {
	v, ok := c.Get(SessionKey)
	if !ok {
		return nil, false
	}
	rec, ok := v.(*vault.TokenRecord)
	return rec, ok
}

// HandleMCP handles POST /mcp.
func HandleMCP(gw *gateway.Gateway, tokens *oauth.Manager, metadataURL string) gin.HandlerFunc {
	return func(c *gin.Context) {
		rec, ok := Session(c)
		if !ok {
			c.Header("WWW-Authenticate", Challenge(metadataURL, ""))
			c.JSON(http.StatusUnauthorized, gin.H{"error": oauth.ErrMissingBearer.Code})
			return
		}

		body, err := io.ReadAll(http.MaxBytesReader(c.Writer, c.Request.Body, maxMCPBodyBytes))
		if err != nil {
			c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "request_too_large"})
			return
		}

		resp := gw.Serve(c.Request.Context(), rec, tokens.Caller(rec), body)
		if resp.RequiredScope != "" {
			c.Header("WWW-Authenticate", Challenge(metadataURL, resp.RequiredScope))
		}
		if resp.Body == nil {
			c.Status(resp.Status)
			return
		}
		c.JSON(resp.Status, resp.Body)
	}
}

// HandleMCPMethodNotAllowed handles GET /mcp. Server-to-client streams are
// not offered.
func HandleMCPMethodNotAllowed() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Allow", "POST, OPTIONS")
		c.JSON(http.StatusMethodNotAllowed, gin.H{"error": "method_not_allowed", "detail": "Use POST /mcp"})
	}
}
