package api

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/agentmux/agentmux/internal/common/logger"
	"github.com/agentmux/agentmux/internal/security"
)

// principalKey is the gin context key holding the authenticated
// principal for the request.
const principalKey = "agentmux.principal"

// RequireAuth authenticates every request with a bearer token. SSE
// clients may pass ?access_token= instead because EventSource cannot
// set headers. Validation is fail-closed: a missing or unknown token
// is a 401 unless anonymous access is configured.
func RequireAuth(auth *security.Authenticator, log *logger.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		cred := bearerToken(c.GetHeader("Authorization"))
		if cred == "" {
			cred = c.Query("access_token")
		}

		principal, err := auth.Validate(cred, c.ClientIP())
		if err != nil {
			respondError(c, log, err)
			c.Abort()
			return
		}

		c.Set(principalKey, principal)
		c.Next()
	}
}

// bearerToken extracts the credential from an Authorization header.
// The scheme comparison is case-insensitive per RFC 7235.
func bearerToken(header string) string {
	if header == "" {
		return ""
	}
	const prefix = "Bearer "
	if len(header) > len(prefix) && strings.EqualFold(header[:len(prefix)], prefix) {
		return strings.TrimSpace(header[len(prefix):])
	}
	return ""
}

// CORS allows the browser SPA and its EventSource connections from any
// origin. Auth is bearer tokens, not cookies.
func CORS() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Origin, Content-Type, Authorization, Cache-Control")

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}

// setRateHeaders exposes the admission decision on the response so
// clients can pace themselves. Sent on both admitted and rejected
// dispatches; skipped when the request never reached the governor.
func setRateHeaders(c *gin.Context, d security.Decision) {
	if d.Scope == "" {
		return
	}
	c.Header("X-RateLimit-Limit", strconv.Itoa(d.Limit))
	c.Header("X-RateLimit-Remaining", strconv.Itoa(d.Remaining))
	c.Header("X-RateLimit-Reset", strconv.Itoa(d.ResetAfter))
}
