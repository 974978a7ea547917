package bus

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/qiniu/perfpulse/internal/pipeline/service/hub"
	"github.com/rs/zerolog/log"
)

// Conn is the part of *nats.Conn the bridge publishes through.
type Conn interface {
	Publish(subject string, data []byte) error
}

// Bridge republishes hub messages on <prefix>.<type>. Observe never blocks:
// when the outbound buffer is full the message is dropped.
type Bridge struct {
	conn    Conn
	nc      *nats.Conn
	prefix  string
	queue   chan hub.Message
	dropped atomic.Int64
}

// Connect dials the NATS server at url.
func Connect(url, prefix string, bufSize int) (*Bridge, error) {
	nc, err := nats.Connect(url,
		nats.Name("perfpulse"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Warn().Err(err).Msg("nats disconnected")
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			log.Info().Str("url", c.ConnectedUrl()).Msg("nats reconnected")
		}),
	)
	if err != nil {
		return nil, err
	}
	b := NewBridge(nc, prefix, bufSize)
	b.nc = nc
	return b, nil
}

func NewBridge(conn Conn, prefix string, bufSize int) *Bridge {
	if prefix == "" {
		prefix = "perfpulse"
	}
	if bufSize <= 0 {
		bufSize = 1024
	}
	return &Bridge{conn: conn, prefix: prefix, queue: make(chan hub.Message, bufSize)}
}

// Subject returns the subject a message type is published on.
func (b *Bridge) Subject(msgType string) string {
	return b.prefix + "." + msgType
}

// Observe is meant for hub.Tap.
func (b *Bridge) Observe(m hub.Message) {
	if m.Type() == hub.TypeInitialData {
		return
	}
	select {
	case b.queue <- m:
	default:
		if b.dropped.Add(1)%100 == 1 {
			log.Warn().Int64("dropped", b.dropped.Load()).Msg("nats bridge buffer full, dropping messages")
		}
	}
}

func (b *Bridge) Dropped() int64 { return b.dropped.Load() }

// Run publishes queued messages until ctx is done, then drains what is
// already buffered.
func (b *Bridge) Run(ctx context.Context) {
	for {
		select {
		case m := <-b.queue:
			b.publish(m)
		case <-ctx.Done():
			for {
				select {
				case m := <-b.queue:
					b.publish(m)
				default:
					return
				}
			}
		}
	}
}

func (b *Bridge) publish(m hub.Message) {
	data, err := hub.Encode(m)
	if err != nil {
		log.Error().Err(err).Str("type", m.Type()).Msg("encode bus message failed")
		return
	}
	if err := b.conn.Publish(b.Subject(m.Type()), data); err != nil {
		log.Warn().Err(err).Str("subject", b.Subject(m.Type())).Msg("nats publish failed")
	}
}

// Close drains the NATS connection if Connect opened one. Call it after Run
// has returned.
func (b *Bridge) Close() {
	if b.nc != nil {
		if err := b.nc.Drain(); err != nil {
			b.nc.Close()
		}
	}
}
