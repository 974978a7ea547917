package hub

import (
	"encoding/json"

	"github.com/qiniu/perfpulse/internal/pipeline/model"
)

// Message type names as they appear on the wire.
const (
	TypeInitialData   = "initial_data"
	TypeSample        = "sample"
	TypeAlertCreated  = "alert_created"
	TypeAlertResolved = "alert_resolved"
	TypeHealthUpdate  = "health_update"
)

// Message is the closed set of hub messages. Only this package can add variants.
type Message interface {
	Type() string
	accept(Handler) error
}

// Handler has one method per message variant.
type Handler interface {
	InitialData(InitialData) error
	Sample(Sample) error
	AlertCreated(AlertCreated) error
	AlertResolved(AlertResolved) error
	HealthUpdate(HealthUpdate) error
}

// Dispatch routes m to the matching Handler method.
func Dispatch(m Message, h Handler) error { return m.accept(h) }

// InitialData is always the first message a subscriber receives.
type InitialData struct {
	Agents []model.AgentStatus `json:"agents"`
	Alerts []*model.Alert      `json:"alerts"`
	Health model.SystemHealth  `json:"health"`
}

type Sample struct{ model.MetricSample }

type AlertCreated struct{ Alert *model.Alert }

type AlertResolved struct{ Alert *model.Alert }

type HealthUpdate struct{ Health model.SystemHealth }

func (InitialData) Type() string   { return TypeInitialData }
func (Sample) Type() string        { return TypeSample }
func (AlertCreated) Type() string  { return TypeAlertCreated }
func (AlertResolved) Type() string { return TypeAlertResolved }
func (HealthUpdate) Type() string  { return TypeHealthUpdate }

func (m InitialData) accept(h Handler) error   { return h.InitialData(m) }
func (m Sample) accept(h Handler) error        { return h.Sample(m) }
func (m AlertCreated) accept(h Handler) error  { return h.AlertCreated(m) }
func (m AlertResolved) accept(h Handler) error { return h.AlertResolved(m) }
func (m HealthUpdate) accept(h Handler) error  { return h.HealthUpdate(m) }

// Envelope is the wire form shared by the websocket and the NATS bridge.
type Envelope struct {
	Type string `json:"type"`
	Data any    `json:"data"`
}

// envelopeBuilder turns each variant into its wire payload.
type envelopeBuilder struct{ env Envelope }

func (b *envelopeBuilder) InitialData(m InitialData) error {
	if m.Agents == nil {
		m.Agents = []model.AgentStatus{}
	}
	if m.Alerts == nil {
		m.Alerts = []*model.Alert{}
	}
	b.env = Envelope{Type: TypeInitialData, Data: m}
	return nil
}

func (b *envelopeBuilder) Sample(m Sample) error {
	b.env = Envelope{Type: TypeSample, Data: m.MetricSample}
	return nil
}

func (b *envelopeBuilder) AlertCreated(m AlertCreated) error {
	b.env = Envelope{Type: TypeAlertCreated, Data: m.Alert}
	return nil
}

func (b *envelopeBuilder) AlertResolved(m AlertResolved) error {
	b.env = Envelope{Type: TypeAlertResolved, Data: m.Alert}
	return nil
}

func (b *envelopeBuilder) HealthUpdate(m HealthUpdate) error {
	b.env = Envelope{Type: TypeHealthUpdate, Data: m.Health}
	return nil
}

// ToEnvelope wraps a message for the wire.
func ToEnvelope(m Message) Envelope {
	var b envelopeBuilder
	_ = Dispatch(m, &b)
	return b.env
}

// Encode renders a message as `{"type": ..., "data": ...}`.
func Encode(m Message) ([]byte, error) {
	return json.Marshal(ToEnvelope(m))
}
