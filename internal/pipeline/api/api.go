package api

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/fox-gonic/fox"
	"github.com/qiniu/perfpulse/internal/pipeline/model"
	"github.com/qiniu/perfpulse/internal/pipeline/service/aggregator"
	"github.com/qiniu/perfpulse/internal/pipeline/service/alerts"
	"github.com/qiniu/perfpulse/internal/pipeline/service/ingest"
	"github.com/qiniu/perfpulse/internal/pipeline/service/ruleset"
	"github.com/qiniu/perfpulse/internal/pipeline/service/tsdb"
	"github.com/rs/zerolog/log"
)

const maxBodyBytes = 4 << 20

// Deps are the components the HTTP surface reads from and writes to.
type Deps struct {
	Ingest     *ingest.Service
	Store      tsdb.Store
	Aggregator *aggregator.Aggregator
	Rules      *ruleset.Manager
	Alerts     *alerts.Service

	// WS serves GET /ws; Metrics serves GET /prometheus. Both optional.
	WS      http.Handler
	Metrics http.Handler
	Now     func() time.Time
}

type Api struct {
	deps Deps
}

func NewApi(router *fox.Engine, deps Deps) *Api {
	if deps.Now == nil {
		deps.Now = time.Now
	}
	api := &Api{deps: deps}
	api.setupRouters(router)
	return api
}

func (api *Api) setupRouters(router *fox.Engine) {
	api.setupMetricRouters(router)
	api.setupAlertRouters(router)
	api.setupSystemRouters(router)
}

func (api *Api) setupSystemRouters(router *fox.Engine) {
	router.GET("/healthz", func(c *fox.Context) {
		c.JSON(http.StatusOK, map[string]string{"status": "ok"})
	})
	router.GET("/system/health", api.GetSystemHealth)
	if api.deps.WS != nil {
		router.GET("/ws", func(c *fox.Context) {
			api.deps.WS.ServeHTTP(c.Writer, c.Request)
		})
	}
	if api.deps.Metrics != nil {
		router.GET("/prometheus", func(c *fox.Context) {
			api.deps.Metrics.ServeHTTP(c.Writer, c.Request)
		})
	}
}

// GetSystemHealth returns the current health snapshot (GET /system/health).
func (api *Api) GetSystemHealth(c *fox.Context) {
	c.JSON(http.StatusOK, api.deps.Aggregator.Health())
}

// ========== shared helpers ==========

// SendErrorResponse writes the standard error body.
func SendErrorResponse(c *fox.Context, statusCode int, errorCode, message string, extras map[string]string) {
	errorDetail := model.ErrorDetail{
		Code:    errorCode,
		Message: message,
	}
	if extras != nil {
		errorDetail.Parameter = extras["parameter"]
		errorDetail.Value = extras["value"]
	}
	c.JSON(statusCode, model.ErrorResponse{Error: errorDetail})
}

// handleError maps the error taxonomy onto HTTP statuses.
func (api *Api) handleError(c *fox.Context, err error, op string) {
	var ve *model.ValidationError
	var nf *model.NotFoundError

	switch {
	case errors.As(err, &ve):
		var extras map[string]string
		if ve.Field != "" {
			extras = map[string]string{"parameter": ve.Field}
		}
		SendErrorResponse(c, http.StatusBadRequest, model.ErrorCodeInvalidParameter, err.Error(), extras)

	case errors.As(err, &nf):
		SendErrorResponse(c, http.StatusNotFound, model.ErrorCodeNotFound, err.Error(), nil)

	case errors.Is(err, model.ErrOverloaded):
		log.Warn().Str("op", op).Msg("request rejected, ingestion overloaded")
		c.Header("Retry-After", "1")
		SendErrorResponse(c, http.StatusServiceUnavailable, model.ErrorCodeOverloaded, err.Error(), nil)

	default:
		log.Error().Err(err).Str("op", op).Msg("request failed")
		SendErrorResponse(c, http.StatusInternalServerError, model.ErrorCodeInternalError,
			"internal server error", nil)
	}
}

func invalidParam(c *fox.Context, param, value, message string) {
	SendErrorResponse(c, http.StatusBadRequest, model.ErrorCodeInvalidParameter, message,
		map[string]string{"parameter": param, "value": value})
}

// ParseTimeRange parses RFC3339 bounds. An empty start defaults to one hour
// before now and an empty end to now.
func ParseTimeRange(startStr, endStr string, now time.Time) (time.Time, time.Time, error) {
	var start, end time.Time
	var err error

	if startStr == "" {
		start = now.Add(-1 * time.Hour)
	} else {
		start, err = time.Parse(time.RFC3339, startStr)
		if err != nil {
			return time.Time{}, time.Time{}, &model.ValidationError{Field: "startTime", Message: fmt.Sprintf("invalid start time format: %v", err)}
		}
	}

	if endStr == "" {
		end = now
	} else {
		end, err = time.Parse(time.RFC3339, endStr)
		if err != nil {
			return time.Time{}, time.Time{}, &model.ValidationError{Field: "endTime", Message: fmt.Sprintf("invalid end time format: %v", err)}
		}
	}

	if !end.After(start) {
		return time.Time{}, time.Time{}, &model.ValidationError{Field: "endTime", Message: "end time must be after start time"}
	}
	return start.UTC(), end.UTC(), nil
}
