package notify

import (
	"context"
	"fmt"
	"html"
	"time"

	"github.com/qiniu/perfpulse/internal/pipeline/model"
	"github.com/valyala/fasttemplate"
	"gopkg.in/gomail.v2"
)

const (
	DefaultSubjectTemplate = "[perfpulse][{{severity}}] {{ruleName}}: {{metricType}} on {{entityKey}}"
	DefaultBodyTemplate    = `<h3>{{ruleName}}</h3>
<p><b>{{metricType}}</b> on <b>{{entityKey}}</b> is {{value}} ({{condition}} {{threshold}}).</p>
<p>Severity: {{severity}}<br/>Fired at: {{firedAt}}<br/>Alert: {{alertId}}</p>`
)

// Sender is the part of gomail.Dialer used by EmailChannel.
type Sender interface {
	DialAndSend(m ...*gomail.Message) error
}

type EmailChannel struct {
	sender  Sender
	from    string
	to      []string
	subject *fasttemplate.Template
	body    *fasttemplate.Template
}

// NewEmailChannel parses the subject and body templates, which use {{tag}}
// placeholders. Empty templates fall back to the defaults.
func NewEmailChannel(sender Sender, from string, to []string, subjectTpl, bodyTpl string) (*EmailChannel, error) {
	if len(to) == 0 {
		return nil, fmt.Errorf("email channel: no recipients")
	}
	if subjectTpl == "" {
		subjectTpl = DefaultSubjectTemplate
	}
	if bodyTpl == "" {
		bodyTpl = DefaultBodyTemplate
	}
	subject, err := fasttemplate.NewTemplate(subjectTpl, "{{", "}}")
	if err != nil {
		return nil, fmt.Errorf("email subject template: %w", err)
	}
	body, err := fasttemplate.NewTemplate(bodyTpl, "{{", "}}")
	if err != nil {
		return nil, fmt.Errorf("email body template: %w", err)
	}
	return &EmailChannel{sender: sender, from: from, to: to, subject: subject, body: body}, nil
}

func NewSMTPSender(host string, port int, username, password string) Sender {
	return gomail.NewDialer(host, port, username, password)
}

func (e *EmailChannel) Send(ctx context.Context, a *model.Alert) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m := e.Render(a)
	return e.sender.DialAndSend(m)
}

// Render builds the message for a without sending it.
func (e *EmailChannel) Render(a *model.Alert) *gomail.Message {
	m := gomail.NewMessage()
	m.SetHeader("From", e.from)
	m.SetHeader("To", e.to...)
	m.SetHeader("Subject", e.subject.ExecuteString(templateVars(a)))
	m.SetBody("text/html", e.renderBody(a))
	return m
}

// renderBody fills the HTML body. Values come from producers, so every one
// is escaped.
func (e *EmailChannel) renderBody(a *model.Alert) string {
	vars := templateVars(a)
	for k, v := range vars {
		vars[k] = html.EscapeString(v.(string))
	}
	return e.body.ExecuteString(vars)
}

func templateVars(a *model.Alert) map[string]interface{} {
	return map[string]interface{}{
		"alertId":    a.ID,
		"ruleId":     a.RuleID,
		"ruleName":   a.RuleName,
		"severity":   string(a.Severity),
		"metricType": a.MetricType,
		"entityKey":  a.EntityKey,
		"condition":  string(a.Condition),
		"value":      formatValue(a.CurrentValue),
		"threshold":  formatValue(a.Threshold),
		"firedAt":    a.FiredAt.UTC().Format(time.RFC3339),
	}
}
