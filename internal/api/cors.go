package api

import (
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/gin-gonic/gin"
)

// AllowedOrigins is the CORS allowlist for browser callers.
type AllowedOrigins struct {
	origins map[string]struct{}
}

// Enabled reports whether any origin was configured. Without an allowlist
// the relay sends no CORS headers and leaves enforcement to the browser's
// same-origin policy.
func (ao *AllowedOrigins) Enabled() bool {
	return ao != nil && len(ao.origins) > 0
}

// IsAllowed reports whether origin may call the relay. An empty origin
// (non-browser client) is always allowed.
func (ao *AllowedOrigins) IsAllowed(origin string) bool {
	if origin == "" || !ao.Enabled() {
		return true
	}
	_, ok := ao.origins[origin]
	return ok
}

// ParseAllowedOrigins parses a comma-separated list of origins. Each entry
// must be scheme://host[:port] with no path, query or fragment.
func ParseAllowedOrigins(originsStr string) (*AllowedOrigins, error) {
	origins := make(map[string]struct{})
	for _, origin := range strings.Split(originsStr, ",") {
		origin = strings.TrimSpace(origin)
		if origin == "" {
			continue
		}

		parsed, err := url.Parse(origin)
		if err != nil {
			return nil, fmt.Errorf("invalid origin %q: %w", origin, err)
		}
		if parsed.Scheme == "" || parsed.Host == "" {
			return nil, fmt.Errorf("invalid origin %q: must have scheme and host", origin)
		}
		if parsed.Path != "" {
			return nil, fmt.Errorf("invalid origin %q: must not have path", origin)
		}
		if parsed.RawQuery != "" {
			return nil, fmt.Errorf("invalid origin %q: must not have query", origin)
		}
		if parsed.Fragment != "" {
			return nil, fmt.Errorf("invalid origin %q: must not have fragment", origin)
		}

		origins[fmt.Sprintf("%s://%s", parsed.Scheme, parsed.Host)] = struct{}{}
	}
	return &AllowedOrigins{origins: origins}, nil
}

// CORSMiddleware rejects browser requests from unlisted origins and answers
// preflight requests for listed ones.
func CORSMiddleware(allowedOrigins *AllowedOrigins) gin.HandlerFunc {
	return func(c *gin.Context) {
		origin := c.GetHeader("Origin")
		if origin == "" || !allowedOrigins.Enabled() {
			c.Next()
			return
		}
		if !allowedOrigins.IsAllowed(origin) {
			c.AbortWithStatus(http.StatusForbidden)
			return
		}

		c.Header("Access-Control-Allow-Origin", origin)
		c.Header("Vary", "Origin")

		if c.Request.Method == http.MethodOptions {
			c.Header("Access-Control-Allow-Methods", "GET,POST,OPTIONS")
			c.Header("Access-Control-Allow-Headers", "Content-Type")
			c.Header("Access-Control-Max-Age", "600")
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}
