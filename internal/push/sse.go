package push

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/r3labs/sse/v2"
)

// sseChannel reads the backend's text/event-stream endpoint. Reconnection
// is left to the SSE client's exponential backoff; once it gives up, Serve
// returns the error and the supervisor restarts the channel.
type sseChannel struct {
	url string
	d   *dispatcher
}

func newSSEChannel(url string, d *dispatcher) *sseChannel {
	return &sseChannel{url: url, d: d}
}

func (c *sseChannel) String() string { return "push-sse" }

// Serve subscribes to the stream until ctx is cancelled.
func (c *sseChannel) Serve(ctx context.Context) error {
	client := sse.NewClient(c.url)
	client.Connection = &http.Client{} // streaming: no overall timeout
	client.Headers["Cache-Control"] = "no-cache"

	client.OnConnect(func(*sse.Client) {
		c.d.connected()
	})
	client.OnDisconnect(func(*sse.Client) {
		c.d.disconnected(nil)
	})
	client.ReconnectNotify = func(err error, next time.Duration) {
		c.d.log.Debug().Err(err).Dur("retry_in", next).Msg("reconnecting push stream")
	}

	c.d.log.Debug().Str("url", c.url).Msg("subscribing")

	err := client.SubscribeRawWithContext(ctx, func(msg *sse.Event) {
		if msg == nil || len(msg.Data) == 0 {
			return // keep-alive or comment
		}
		c.d.handle(msg.Data)
	})
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if err == nil {
		err = errors.New("push stream closed")
	}
	return err
}
