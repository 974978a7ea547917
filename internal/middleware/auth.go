package middleware

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/fox-gonic/fox"
	"github.com/qiniu/perfpulse/internal/pipeline/model"
)

// open paths stay reachable without a token so probes and dashboards keep
// working when auth is on.
var openPaths = map[string]bool{
	"/healthz":    true,
	"/ws":         true,
	"/prometheus": true,
}

// Authentication returns a middleware that checks a bearer token. An empty
// token allows all requests.
func Authentication(token string) func(c *fox.Context) {
	return func(c *fox.Context) {
		if token == "" || openPaths[c.Request.URL.Path] {
			c.Next()
			return
		}
		got := strings.TrimPrefix(c.GetHeader("Authorization"), "Bearer ")
		if subtle.ConstantTimeCompare([]byte(got), []byte(token)) != 1 {
			c.AbortWithStatusJSON(http.StatusUnauthorized, model.ErrorResponse{
				Error: model.ErrorDetail{Code: "UNAUTHORIZED", Message: "missing or invalid api token"},
			})
			return
		}
		c.Next()
	}
}
