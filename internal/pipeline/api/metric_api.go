package api

import (
	"encoding/csv"
	"io"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/fox-gonic/fox"
	"github.com/qiniu/perfpulse/internal/pipeline/model"
	"github.com/qiniu/perfpulse/internal/pipeline/service/ingest"
	"github.com/rs/zerolog/log"
)

const (
	defaultQueryLimit = 1000
	maxQueryLimit     = 10000
)

func (api *Api) setupMetricRouters(router *fox.Engine) {
	for _, kind := range ingest.Kinds {
		router.POST("/metrics/"+kind.Path, api.ingestHandler(kind))
	}
	router.GET("/metrics", api.QueryMetrics)
	router.GET("/export", api.ExportMetrics)
	router.GET("/agents/status", api.GetAgentStatus)
}

// ingestHandler accepts one payload or a batch of the given kind
// (POST /metrics/<kind>). 202 means the samples are queued, not yet stored.
func (api *Api) ingestHandler(kind ingest.Kind) func(c *fox.Context) {
	return func(c *fox.Context) {
		body, err := io.ReadAll(http.MaxBytesReader(c.Writer, c.Request.Body, maxBodyBytes))
		if err != nil {
			SendErrorResponse(c, http.StatusBadRequest, model.ErrorCodeInvalidParameter,
				"Invalid request body: "+err.Error(), map[string]string{"parameter": "body"})
			return
		}
		n, err := api.deps.Ingest.Submit(kind, body)
		if err != nil {
			api.handleError(c, err, "ingest "+kind.Name)
			return
		}
		c.JSON(http.StatusAccepted, map[string]interface{}{
			"status":   "accepted",
			"type":     kind.Name,
			"accepted": n,
		})
	}
}

type metricsResponse struct {
	MetricType  string    `json:"metricType"`
	EntityKey   string    `json:"entityKey,omitempty"`
	StartTime   time.Time `json:"startTime"`
	EndTime     time.Time `json:"endTime"`
	Aggregation string    `json:"aggregation,omitempty"`
	*model.QueryResult
}

// QueryMetrics serves raw samples or aggregated buckets (GET /metrics).
func (api *Api) QueryMetrics(c *fox.Context) {
	q, ok := api.parseQuery(c, true)
	if !ok {
		return
	}
	res, err := api.deps.Store.Query(c.Request.Context(), q)
	if err != nil {
		api.handleError(c, err, "query metrics")
		return
	}
	if res.Samples == nil && res.Buckets == nil && q.Aggregation == 0 {
		res.Samples = []model.MetricSample{}
	}
	c.JSON(http.StatusOK, metricsResponse{
		MetricType:  q.MetricType,
		EntityKey:   q.EntityKey,
		StartTime:   q.Start,
		EndTime:     q.End,
		Aggregation: c.Query("aggregation"),
		QueryResult: res,
	})
}

func (api *Api) parseQuery(c *fox.Context, allowAggregation bool) (model.Query, bool) {
	metricType := strings.TrimSpace(c.Query("metricType"))
	if metricType == "" {
		invalidParam(c, "metricType", "", "metricType is required")
		return model.Query{}, false
	}
	start, end, err := ParseTimeRange(c.Query("startTime"), c.Query("endTime"), api.deps.Now())
	if err != nil {
		api.handleError(c, err, "parse time range")
		return model.Query{}, false
	}
	q := model.Query{
		MetricType: metricType,
		EntityKey:  strings.TrimSpace(c.Query("entityKey")),
		Start:      start,
		End:        end,
	}
	if allowAggregation {
		q.Limit = defaultQueryLimit
		if s := c.Query("limit"); s != "" {
			n, err := strconv.Atoi(s)
			if err != nil || n <= 0 || n > maxQueryLimit {
				invalidParam(c, "limit", s, "limit must be an integer between 1 and "+strconv.Itoa(maxQueryLimit))
				return model.Query{}, false
			}
			q.Limit = n
		}
		if s := c.Query("aggregation"); s != "" {
			d, err := model.ParseAggregation(s)
			if err != nil {
				invalidParam(c, "aggregation", s, err.Error())
				return model.Query{}, false
			}
			q.Aggregation = d
		}
	}
	return q, true
}

// ExportMetrics streams raw samples of a window as JSON or CSV (GET /export).
func (api *Api) ExportMetrics(c *fox.Context) {
	format := strings.ToLower(c.DefaultQuery("format", "json"))
	if format != "json" && format != "csv" {
		invalidParam(c, "format", format, "format must be json or csv")
		return
	}
	q, ok := api.parseQuery(c, false)
	if !ok {
		return
	}
	res, err := api.deps.Store.Query(c.Request.Context(), q)
	if err != nil {
		api.handleError(c, err, "export metrics")
		return
	}
	samples := res.Samples
	if samples == nil {
		samples = []model.MetricSample{}
	}

	filename := q.MetricType + "-" + q.Start.Format("20060102T150405Z") + "." + format
	c.Header("Content-Disposition", `attachment; filename="`+filename+`"`)
	if format == "json" {
		c.JSON(http.StatusOK, map[string]interface{}{
			"metricType": q.MetricType,
			"startTime":  q.Start,
			"endTime":    q.End,
			"count":      len(samples),
			"samples":    samples,
		})
		return
	}

	c.Header("Content-Type", "text/csv; charset=utf-8")
	c.Status(http.StatusOK)
	if err := writeCSV(c.Writer, samples); err != nil {
		log.Warn().Err(err).Str("metricType", q.MetricType).Msg("csv export interrupted")
	}
}

func writeCSV(w io.Writer, samples []model.MetricSample) error {
	cw := csv.NewWriter(w)
	if err := cw.Write([]string{"timestamp", "metricType", "entityKey", "value", "tags"}); err != nil {
		return err
	}
	for _, s := range samples {
		row := []string{
			s.Timestamp.UTC().Format(time.RFC3339Nano),
			s.MetricType,
			s.EntityKey,
			strconv.FormatFloat(s.Value, 'f', -1, 64),
			formatTags(s.Tags),
		}
		if err := cw.Write(row); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

// formatTags renders tags as sorted k=v pairs joined by ';'.
func formatTags(tags map[string]string) string {
	if len(tags) == 0 {
		return ""
	}
	keys := make([]string, 0, len(tags))
	for k := range tags {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, len(keys))
	for i, k := range keys {
		parts[i] = k + "=" + tags[k]
	}
	return strings.Join(parts, ";")
}

// GetAgentStatus returns the latest status of every series (GET /agents/status).
func (api *Api) GetAgentStatus(c *fox.Context) {
	agents := api.deps.Aggregator.Snapshot()
	if metricType := c.Query("metricType"); metricType != "" {
		filtered := agents[:0]
		for _, a := range agents {
			if a.MetricType == metricType {
				filtered = append(filtered, a)
			}
		}
		agents = filtered
	}
	if agents == nil {
		agents = []model.AgentStatus{}
	}
	c.JSON(http.StatusOK, map[string]interface{}{
		"agents": agents,
		"total":  len(agents),
	})
}
