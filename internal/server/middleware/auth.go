// Package middleware holds the gateway's gin middleware: today, just the
// static-token bearer check the OpenAI-compatible surface sits behind.
package middleware

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

// BearerAuth rejects requests missing `Authorization: Bearer <token>` for
// one of tokens. An empty tokens list disables the check entirely (local/
// development mode), matching config.Config.APITokens's zero-value default.
func BearerAuth(tokens []string) gin.HandlerFunc {
	allowed := make(map[string]bool, len(tokens))
	for _, t := range tokens {
		if t != "" {
			allowed[t] = true
		}
	}

	return func(c *gin.Context) {
		if len(allowed) == 0 {
			c.Next()
			return
		}

		header := c.GetHeader("Authorization")
		token := strings.TrimPrefix(header, "Bearer ")
		if token == header || token == "" || !constantTimeContains(allowed, token) {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": gin.H{"type": "authentication_error", "message": "Invalid API token"},
			})
			return
		}
		c.Next()
	}
}

// constantTimeContains avoids leaking token length/prefix information via a
// short-circuiting map lookup comparison.
func constantTimeContains(allowed map[string]bool, token string) bool {
	found := false
	for candidate := range allowed {
		if subtle.ConstantTimeCompare([]byte(candidate), []byte(token)) == 1 {
			found = true
		}
	}
	return found
}
