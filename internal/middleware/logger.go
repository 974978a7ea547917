package middleware

import (
	"net/http"
	"time"

	"github.com/fox-gonic/fox"
	"github.com/qiniu/perfpulse/internal/pipeline/model"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// RequestLogger logs one line per request. Server errors log at error level
// and client errors at warn.
func RequestLogger(c *fox.Context) {
	start := time.Now()
	c.Next()

	status := c.Writer.Status()
	var ev *zerolog.Event
	switch {
	case status >= http.StatusInternalServerError:
		ev = log.Error()
	case status >= http.StatusBadRequest:
		ev = log.Warn()
	default:
		ev = log.Debug()
	}
	ev.Str("method", c.Request.Method).
		Str("path", c.Request.URL.Path).
		Int("status", status).
		Dur("latency", time.Since(start)).
		Str("client", c.ClientIP()).
		Msg("http request")
}

// Recovery turns a handler panic into a 500 response.
func Recovery(c *fox.Context) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().Interface("panic", r).Str("path", c.Request.URL.Path).Msg("handler panicked")
			c.AbortWithStatusJSON(http.StatusInternalServerError, model.ErrorResponse{
				Error: model.ErrorDetail{Code: "INTERNAL_ERROR", Message: "internal server error"},
			})
		}
	}()
	c.Next()
}
