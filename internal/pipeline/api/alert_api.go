package api

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/fox-gonic/fox"
	"github.com/qiniu/perfpulse/internal/pipeline/model"
	"github.com/qiniu/perfpulse/internal/pipeline/service/ruleset"
)

func (api *Api) setupAlertRouters(router *fox.Engine) {
	router.GET("/alerts/rules", api.ListRules)
	router.POST("/alerts/rules", api.CreateRule)
	router.GET("/alerts/rules/:ruleId", api.GetRule)
	router.PUT("/alerts/rules/:ruleId", api.UpdateRule)
	router.DELETE("/alerts/rules/:ruleId", api.DeleteRule)

	router.GET("/alerts/active", api.ListActiveAlerts)
	router.POST("/alerts/:alertId/acknowledge", api.AcknowledgeAlert)
	router.POST("/alerts/:alertId/resolve", api.ResolveAlert)
}

func (api *Api) ListRules(c *fox.Context) {
	rules, err := api.deps.Rules.ListRules(c.Request.Context())
	if err != nil {
		api.handleError(c, err, "list rules")
		return
	}
	if rules == nil {
		rules = []*model.AlertRule{}
	}
	c.JSON(http.StatusOK, map[string]interface{}{
		"rules": rules,
		"total": len(rules),
	})
}

func (api *Api) CreateRule(c *fox.Context) {
	var req ruleset.RuleInput
	if err := c.ShouldBindJSON(&req); err != nil {
		SendErrorResponse(c, http.StatusBadRequest, model.ErrorCodeInvalidParameter,
			"Invalid request body: "+err.Error(), map[string]string{"parameter": "body"})
		return
	}
	rule, err := api.deps.Rules.CreateRule(c.Request.Context(), req)
	if err != nil {
		api.handleError(c, err, "create rule")
		return
	}
	c.JSON(http.StatusCreated, rule)
}

func (api *Api) GetRule(c *fox.Context) {
	rule, err := api.deps.Rules.GetRule(c.Request.Context(), c.Param("ruleId"))
	if err != nil {
		api.handleError(c, err, "get rule")
		return
	}
	c.JSON(http.StatusOK, rule)
}

// UpdateRule replaces a rule definition (PUT /alerts/rules/:ruleId).
func (api *Api) UpdateRule(c *fox.Context) {
	var req ruleset.RuleInput
	if err := c.ShouldBindJSON(&req); err != nil {
		SendErrorResponse(c, http.StatusBadRequest, model.ErrorCodeInvalidParameter,
			"Invalid request body: "+err.Error(), map[string]string{"parameter": "body"})
		return
	}
	rule, err := api.deps.Rules.UpdateRule(c.Request.Context(), c.Param("ruleId"), req)
	if err != nil {
		api.handleError(c, err, "update rule")
		return
	}
	c.JSON(http.StatusOK, rule)
}

func (api *Api) DeleteRule(c *fox.Context) {
	if err := api.deps.Rules.DeleteRule(c.Request.Context(), c.Param("ruleId")); err != nil {
		api.handleError(c, err, "delete rule")
		return
	}
	c.Status(http.StatusNoContent)
}

// ListActiveAlerts lists unresolved alerts, newest first
// (GET /alerts/active?severity=&acknowledged=&limit=).
func (api *Api) ListActiveAlerts(c *fox.Context) {
	var f model.AlertFilter
	if s := strings.ToLower(strings.TrimSpace(c.Query("severity"))); s != "" {
		f.Severity = model.Severity(s)
		if !f.Severity.Valid() {
			invalidParam(c, "severity", s, "unsupported severity")
			return
		}
	}
	if s := c.Query("acknowledged"); s != "" {
		b, err := strconv.ParseBool(s)
		if err != nil {
			invalidParam(c, "acknowledged", s, "acknowledged must be true or false")
			return
		}
		f.Acknowledged = &b
	}
	if s := c.Query("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n <= 0 {
			invalidParam(c, "limit", s, "limit must be a positive integer")
			return
		}
		f.Limit = n
	}

	list, err := api.deps.Alerts.ListActive(c.Request.Context(), f)
	if err != nil {
		api.handleError(c, err, "list active alerts")
		return
	}
	if list == nil {
		list = []*model.Alert{}
	}
	c.JSON(http.StatusOK, map[string]interface{}{
		"alerts": list,
		"total":  len(list),
	})
}

func (api *Api) AcknowledgeAlert(c *fox.Context) {
	a, err := api.deps.Alerts.Acknowledge(c.Request.Context(), c.Param("alertId"))
	if err != nil {
		api.handleError(c, err, "acknowledge alert")
		return
	}
	c.JSON(http.StatusOK, a)
}

func (api *Api) ResolveAlert(c *fox.Context) {
	a, err := api.deps.Alerts.Resolve(c.Request.Context(), c.Param("alertId"))
	if err != nil {
		api.handleError(c, err, "resolve alert")
		return
	}
	c.JSON(http.StatusOK, a)
}
