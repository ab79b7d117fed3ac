// Package push owns the long-lived server-push connection. Each message is
// a JSON array of changed node ids; the channel republishes it as one
// change event per id on the event bus.
package push

import (
	"context"
	"fmt"
	"net/url"

	"github.com/markus-barta/busdash/internal/eventbus"
	"github.com/markus-barta/busdash/internal/metrics"
	"github.com/markus-barta/busdash/internal/protocol"
	"github.com/rs/zerolog"
)

// Publisher receives the decoded events. *eventbus.Bus implements it.
type Publisher interface {
	Publish(topic string, payload any) int
}

// Channel is a push connection run as a supervised service.
// Serve blocks until ctx is cancelled or the transport gives up.
type Channel interface {
	Serve(ctx context.Context) error
	String() string
}

// New selects the transport from the URL scheme: http and https use
// server-sent events, ws and wss use a WebSocket.
func New(rawURL string, pub Publisher, log zerolog.Logger) (Channel, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("parse push url: %w", err)
	}

	d := &dispatcher{pub: pub}
	switch u.Scheme {
	case "http", "https":
		d.log = log.With().Str("component", "push").Str("transport", "sse").Logger()
		return newSSEChannel(rawURL, d), nil
	case "ws", "wss":
		d.log = log.With().Str("component", "push").Str("transport", "websocket").Logger()
		return newWebSocketChannel(rawURL, d), nil
	default:
		return nil, fmt.Errorf("unsupported push url scheme %q", u.Scheme)
	}
}

// dispatcher turns raw transport payloads into bus events.
type dispatcher struct {
	pub Publisher
	log zerolog.Logger
}

// handle decodes one batch and publishes one update per id in batch order.
// Malformed payloads are dropped.
func (d *dispatcher) handle(data []byte) {
	ids, err := protocol.DecodeBatch(data)
	if err != nil {
		metrics.PushDecodeErrors.Inc()
		d.log.Warn().Err(err).Str("data", truncate(data, 256)).Msg("dropping malformed push payload")
		return
	}

	metrics.PushBatches.Inc()
	d.log.Debug().Int("ids", len(ids)).Msg("received change batch")

	for _, id := range ids {
		d.pub.Publish(eventbus.TopicNodeUpdate, protocol.NewNodeUpdate(id))
	}
}

func (d *dispatcher) connected() {
	metrics.PushConnected.Set(1)
	d.log.Info().Msg("push stream connected")
	d.pub.Publish(eventbus.TopicPushConnected, nil)
}

func (d *dispatcher) disconnected(err error) {
	metrics.PushConnected.Set(0)
	if err != nil {
		d.log.Warn().Err(err).Msg("push stream disconnected")
	} else {
		d.log.Info().Msg("push stream disconnected")
	}
	d.pub.Publish(eventbus.TopicPushDisconnected, err)
}

func truncate(data []byte, n int) string {
	if len(data) <= n {
		return string(data)
	}
	return string(data[:n]) + "..."
}
