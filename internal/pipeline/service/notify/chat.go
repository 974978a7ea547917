package notify

import (
	"context"
	"fmt"
	"net/http"
	"strconv"

	"github.com/qiniu/perfpulse/internal/pipeline/model"
)

// SeverityColor is the attachment side-bar color for a severity.
func SeverityColor(s model.Severity) string {
	switch s {
	case model.SeverityCritical:
		return "#d00000"
	case model.SeverityHigh:
		return "#ff8c00"
	case model.SeverityMedium:
		return "#ffd700"
	case model.SeverityLow:
		return "#2eb886"
	default:
		return "#439fe0"
	}
}

type chatField struct {
	Title string `json:"title"`
	Value string `json:"value"`
	Short bool   `json:"short"`
}

type chatAttachment struct {
	Color    string      `json:"color"`
	Title    string      `json:"title"`
	Text     string      `json:"text"`
	Fields   []chatField `json:"fields"`
	Footer   string      `json:"footer"`
	Ts       int64       `json:"ts"`
	Fallback string      `json:"fallback"`
}

type chatMessage struct {
	Text        string           `json:"text"`
	Attachments []chatAttachment `json:"attachments"`
}

// ChatChannel posts a Slack-compatible incoming-webhook message.
type ChatChannel struct {
	URL    string
	Client *http.Client
}

func NewChatChannel(url string) *ChatChannel {
	return &ChatChannel{URL: url, Client: http.DefaultClient}
}

func (c *ChatChannel) Send(ctx context.Context, a *model.Alert) error {
	return postJSON(ctx, c.Client, c.URL, nil, chatPayload(a))
}

func chatPayload(a *model.Alert) chatMessage {
	title := fmt.Sprintf("[%s] %s", a.Severity, a.RuleName)
	text := fmt.Sprintf("%s on %s is %s (%s %s)",
		a.MetricType, a.EntityKey, formatValue(a.CurrentValue), a.Condition, formatValue(a.Threshold))
	return chatMessage{
		Text: title,
		Attachments: []chatAttachment{{
			Color: SeverityColor(a.Severity),
			Title: title,
			Text:  text,
			Fields: []chatField{
				{Title: "Metric", Value: a.MetricType, Short: true},
				{Title: "Entity", Value: a.EntityKey, Short: true},
				{Title: "Value", Value: formatValue(a.CurrentValue), Short: true},
				{Title: "Threshold", Value: formatValue(a.Threshold), Short: true},
			},
			Footer:   "perfpulse alert " + a.ID,
			Ts:       a.FiredAt.Unix(),
			Fallback: title + ": " + text,
		}},
	}
}

func formatValue(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
