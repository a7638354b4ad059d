package server

import (
	"errors"
	"net/http"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/aspect-build/notion-mcp/internal/gateway"
	"github.com/aspect-build/notion-mcp/internal/logx"
	"github.com/aspect-build/notion-mcp/internal/oauth"
	"github.com/aspect-build/notion-mcp/internal/ratelimit"
	"github.com/aspect-build/notion-mcp/internal/server/handler"
)

const requestIDHeader = "X-Request-ID"

// RequestID tags every request with an id, reusing a well-formed incoming
// X-Request-ID.
func RequestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader(requestIDHeader)
		if _, err := uuid.Parse(id); err != nil {
			id = uuid.NewString()
		}
		c.Set(requestIDHeader, id)
		c.Header(requestIDHeader, id)
		c.Next()
		if logx.IsDebug() {
			logx.Debugf("http: %s %s %d id=%s", c.Request.Method, c.Request.URL.Path, c.Writer.Status(), id)
		}
	}
}

// RateLimit counts requests per client IP and route in fixed windows and
// rejects those over limit with 429.
func RateLimit(l *ratelimit.Limiter, limit int) gin.HandlerFunc {
	return func(c *gin.Context) {
		route := c.FullPath()
		if route == "" {
			route = c.Request.URL.Path
		}
		res := l.Take(c.ClientIP()+":"+route, limit)
		c.Header("X-RateLimit-Limit", strconv.Itoa(res.Limit))
		c.Header("X-RateLimit-Remaining", strconv.Itoa(res.Remaining))
		c.Header("X-RateLimit-Reset", strconv.FormatInt(res.ResetAt.Unix(), 10))
		if !res.Allowed {
			retry := res.RetryAfter(time.Now())
			c.Header("Retry-After", strconv.Itoa(int(retry/time.Second)))
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": "rate_limited"})
			return
		}
		c.Next()
	}
}

// OriginGuard enforces the Origin allow-list. With an empty list, or a
// request without Origin, it does nothing. Allowed origins get CORS headers
// and preflight requests are answered directly.
func OriginGuard(origins []string) gin.HandlerFunc {
	allowed := make(map[string]bool, len(origins))
	for _, o := range origins {
		allowed[strings.TrimRight(o, "/")] = true
	}

	return func(c *gin.Context) {
		origin := c.GetHeader("Origin")
		if len(allowed) == 0 || origin == "" {
			c.Next()
			return
		}
		if !allowed[strings.TrimRight(origin, "/")] {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "origin_not_allowed"})
			return
		}

		c.Header("Access-Control-Allow-Origin", origin)
		c.Header("Vary", "Origin")
		c.Header("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Authorization, Content-Type, MCP-Protocol-Version")
		c.Header("Access-Control-Expose-Headers", "WWW-Authenticate, X-RateLimit-Limit, X-RateLimit-Remaining, X-RateLimit-Reset, Retry-After")
		c.Header("Access-Control-Max-Age", "86400")

		if c.Request.Method == http.MethodOptions && c.GetHeader("Access-Control-Request-Method") != "" {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}

// ProtocolVersion rejects requests announcing an unsupported
// MCP-Protocol-Version. A missing header is accepted.
func ProtocolVersion() gin.HandlerFunc {
	return func(c *gin.Context) {
		v := c.GetHeader("MCP-Protocol-Version")
		if v == "" || gateway.SupportsProtocolVersion(v) {
			c.Next()
			return
		}
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{
			"error":     "unsupported_mcp_protocol_version",
			"supported": slices.Clone(gateway.SupportedProtocolVersions),
		})
	}
}

// BearerAuth resolves the bearer token to a session and stores it under
// handler.SessionKey. Failures get a 401 with a bearer challenge.
func BearerAuth(tokens *oauth.Manager, metadataURL string) gin.HandlerFunc {
	return func(c *gin.Context) {
		scheme, token, _ := strings.Cut(c.GetHeader("Authorization"), " ")
		if scheme != "Bearer" || token == "" {
			c.Header("WWW-Authenticate", handler.Challenge(metadataURL, ""))
			c.AbortWithStatusJSON(oauth.ErrMissingBearer.Status, gin.H{"error": oauth.ErrMissingBearer.Code})
			return
		}

		rec, err := tokens.Authenticate(c.Request.Context(), token)
		if err != nil {
			var oe *oauth.Error
			if errors.As(err, &oe) {
				c.Header("WWW-Authenticate", handler.Challenge(metadataURL, ""))
				c.AbortWithStatusJSON(oe.Status, gin.H{"error": oe.Code})
				return
			}
			logx.Errorf("auth: authenticate %s: %v", logx.Token(token), err)
			c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "server_error"})
			return
		}
		c.Set(handler.SessionKey, rec)
		c.Next()
	}
}

// NoStore marks responses as uncacheable; used on the token endpoints.
func NoStore() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Cache-Control", "no-store")
		c.Header("Pragma", "no-cache")
		c.Next()
	}
}
