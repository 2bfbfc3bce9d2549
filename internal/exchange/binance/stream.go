package binance

import (
	"context"
	"errors"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"gridbot/internal/core"
)

// dialFunc opens and, when needed, authenticates one feed connection.
type dialFunc func(ctx context.Context) (*websocket.Conn, error)

// decodeFunc turns one frame into zero or more events.
type decodeFunc func(data []byte) []core.Event

// runFeed keeps a feed connected for the lifetime of ctx. Reconnects back off
// from reconnectMin doubling to reconnectMax; every successful reconnect
// emits EventResync before any further event. An auth failure emits
// EventFatal and ends the feed.
func (c *Client) runFeed(ctx context.Context, source string, dial dialFunc, decode decodeFunc) <-chan core.Event {
	in := make(chan core.Event, 64)
	go func() {
		defer close(in)
		emit := func(ev core.Event) bool {
			ev.Source = source
			select {
			case in <- ev:
				return true
			case <-ctx.Done():
				return false
			}
		}
		backoff := c.reconnectMin
		connected := false
		for {
			conn, err := dial(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				if errors.Is(err, core.ErrAuth) {
					c.logger.Error("stream_auth_failed", zap.String("source", source), zap.Error(err))
					emit(core.Event{Kind: core.EventFatal, Err: err})
					return
				}
				c.logger.Warn("stream_connect_failed",
					zap.String("source", source),
					zap.Duration("retry_in", backoff),
					zap.Error(err),
				)
				if !sleepCtx(ctx, backoff) {
					return
				}
				backoff = nextBackoff(backoff, c.reconnectMax)
				continue
			}
			if connected {
				c.logger.Info("stream_reconnected", zap.String("source", source))
				if !emit(core.Event{Kind: core.EventResync}) {
					_ = conn.Close()
					return
				}
			} else {
				c.logger.Info("stream_connected", zap.String("source", source))
			}
			connected = true
			backoff = c.reconnectMin

			err = c.readFeed(ctx, conn, decode, emit)
			if ctx.Err() != nil {
				return
			}
			c.logger.Warn("stream_disconnected",
				zap.String("source", source),
				zap.Duration("retry_in", backoff),
				zap.Error(err),
			)
			if !sleepCtx(ctx, backoff) {
				return
			}
			backoff = nextBackoff(backoff, c.reconnectMax)
		}
	}()
	return relay(ctx, in)
}

// readFeed reads frames until the connection fails or ctx ends. Pings every
// keepalive interval and a read deadline of three intervals detect a
// silently dead peer.
func (c *Client) readFeed(ctx context.Context, conn *websocket.Conn, decode decodeFunc, emit func(core.Event) bool) error {
	done := make(chan struct{})
	defer close(done)
	defer conn.Close()

	readTimeout := 45 * time.Second
	if c.keepalive > 0 {
		readTimeout = c.keepalive * 3
		if readTimeout < 30*time.Second {
			readTimeout = 30 * time.Second
		}
	}
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(readTimeout))
	})

	go func() {
		var tick <-chan time.Time
		if c.keepalive > 0 {
			ticker := time.NewTicker(c.keepalive)
			defer ticker.Stop()
			tick = ticker.C
		}
		for {
			select {
			case <-tick:
				if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second)); err != nil {
					_ = conn.Close()
					return
				}
			case <-done:
				return
			case <-ctx.Done():
				_ = conn.Close()
				return
			}
		}
	}()

	for {
		_ = conn.SetReadDeadline(time.Now().Add(readTimeout))
		_, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		if len(data) == 0 {
			continue
		}
		for _, ev := range decode(data) {
			if !emit(ev) {
				return ctx.Err()
			}
		}
	}
}

// relay forwards events in order through an unbounded queue so a slow
// consumer never stalls the socket reader.
func relay(ctx context.Context, in <-chan core.Event) <-chan core.Event {
	out := make(chan core.Event)
	go func() {
		defer close(out)
		var queue []core.Event
		for in != nil || len(queue) > 0 {
			var send chan<- core.Event
			var next core.Event
			if len(queue) > 0 {
				send = out
				next = queue[0]
			}
			select {
			case ev, ok := <-in:
				if !ok {
					in = nil
					continue
				}
				queue = append(queue, ev)
			case send <- next:
				queue = queue[1:]
			case <-ctx.Done():
				return
			}
		}
	}()
	return out
}

func nextBackoff(cur, max time.Duration) time.Duration {
	next := cur * 2
	if next > max {
		return max
	}
	return next
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	}
}
