package notify

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/qiniu/perfpulse/internal/config"
	"github.com/qiniu/perfpulse/internal/pipeline/model"
	"github.com/qiniu/perfpulse/internal/pipeline/telemetry"
	"github.com/rs/zerolog/log"
	"github.com/sourcegraph/conc"
)

const DefaultTimeout = 5 * time.Second

// Dispatcher fans an alert out to named channels. Each channel runs on its
// own goroutine under its own deadline; one slow channel never delays the
// others. Failed deliveries are not retried.
type Dispatcher struct {
	channels map[string]Channel
	timeout  time.Duration
	rec      *telemetry.Recorder
	now      func() time.Time
}

func NewDispatcher(timeout time.Duration, rec *telemetry.Recorder) *Dispatcher {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Dispatcher{channels: map[string]Channel{}, timeout: timeout, rec: rec, now: time.Now}
}

// FromConfig builds a Dispatcher with every configured channel registered.
func FromConfig(cfg *config.NotificationConfig, rec *telemetry.Recorder) (*Dispatcher, error) {
	timeout, err := model.ParseDuration(cfg.Timeout)
	if err != nil {
		return nil, fmt.Errorf("notification timeout %q: %w", cfg.Timeout, err)
	}
	d := NewDispatcher(timeout, rec)
	for name, cc := range cfg.Channels {
		ch, err := buildChannel(cc)
		if err != nil {
			return nil, fmt.Errorf("channel %s: %w", name, err)
		}
		d.Register(name, ch)
	}
	return d, nil
}

func buildChannel(cc config.ChannelConfig) (Channel, error) {
	switch cc.Type {
	case "email":
		if cc.SMTPHost == "" {
			return nil, fmt.Errorf("smtpHost is required")
		}
		return NewEmailChannel(NewSMTPSender(cc.SMTPHost, cc.SMTPPort, cc.Username, cc.Password), cc.From, cc.To, cc.Subject, cc.Body)
	case "chat":
		if cc.URL == "" {
			return nil, fmt.Errorf("url is required")
		}
		return NewChatChannel(cc.URL), nil
	case "webhook":
		if cc.URL == "" {
			return nil, fmt.Errorf("url is required")
		}
		return NewWebhookChannel(cc.URL, cc.Headers), nil
	default:
		return nil, fmt.Errorf("unknown channel type %q", cc.Type)
	}
}

// Register adds or replaces a channel. It is not safe to call concurrently
// with Dispatch.
func (d *Dispatcher) Register(name string, ch Channel) {
	d.channels[name] = ch
}

// Names lists the registered channels in sorted order.
func (d *Dispatcher) Names() []string {
	out := make([]string, 0, len(d.channels))
	for name := range d.channels {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Dispatch returns one status per requested channel, in request order.
func (d *Dispatcher) Dispatch(ctx context.Context, a *model.Alert, channels []string) []model.ChannelStatus {
	out := make([]model.ChannelStatus, len(channels))
	var wg conc.WaitGroup
	for i, name := range channels {
		i, name := i, name
		wg.Go(func() {
			err := d.send(ctx, name, a)
			st := model.ChannelStatus{Channel: name, Notified: err == nil, At: d.now().UTC()}
			if err != nil {
				st.Error = err.Error()
				log.Warn().Err(err).Str("alertId", a.ID).Str("channel", name).Msg("notification failed")
			} else {
				log.Debug().Str("alertId", a.ID).Str("channel", name).Msg("notification sent")
			}
			d.rec.NotificationResult(name, err == nil)
			out[i] = st
		})
	}
	wg.Wait()
	return out
}

func (d *Dispatcher) send(ctx context.Context, name string, a *model.Alert) error {
	ch, ok := d.channels[name]
	if !ok {
		return &model.NotificationError{Channel: name, Err: fmt.Errorf("unknown channel")}
	}
	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	// The deadline also bounds transports that ignore ctx, such as SMTP.
	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- fmt.Errorf("panic: %v", r)
			}
		}()
		done <- ch.Send(ctx, a)
	}()
	select {
	case err := <-done:
		if err != nil {
			return &model.NotificationError{Channel: name, Err: err}
		}
		return nil
	case <-ctx.Done():
		return &model.NotificationError{Channel: name, Err: ctx.Err()}
	}
}
