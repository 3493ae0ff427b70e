package http

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"agentdash/internal/auth"
	"agentdash/internal/logging"
)

const claimsContextKey = "agentdash.claims"

// RequestLogger logs one line per request with its status and latency.
func RequestLogger(logger logging.Logger) gin.HandlerFunc {
	logger = logging.OrNop(logger)
	return func(c *gin.Context) {
		started := time.Now()
		c.Next()
		status := c.Writer.Status()
		if status >= http.StatusInternalServerError {
			logger.Error("%s %s -> %d (%s)", c.Request.Method, c.Request.URL.Path, status, time.Since(started))
			return
		}
		logger.Debug("%s %s -> %d (%s)", c.Request.Method, c.Request.URL.Path, status, time.Since(started))
	}
}

// RequireAuth rejects requests without a valid bearer token.
func RequireAuth(authenticator auth.Authenticator) gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.Request.Method == http.MethodOptions {
			c.Next()
			return
		}
		claims, err := authenticator.Authenticate(c.Request.Context(), requestToken(c.Request))
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": err.Error()})
			return
		}
		c.Set(claimsContextKey, claims)
		c.Next()
	}
}

// requestToken reads the Authorization bearer token, then the token query
// parameter used by browser websocket clients.
func requestToken(r *http.Request) string {
	if token := extractBearerToken(r.Header.Get("Authorization")); token != "" {
		return token
	}
	return strings.TrimSpace(r.URL.Query().Get("token"))
}

func extractBearerToken(header string) string {
	header = strings.TrimSpace(header)
	if len(header) < 7 || !strings.EqualFold(header[:7], "bearer ") {
		return ""
	}
	return strings.TrimSpace(header[7:])
}
