// Package push maintains a websocket subscription to the tracker's
// notification stream so the scheduler can wake the instant work appears.
package push

import (
	"context"
	"log"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/cloud-shuttle/outrider/internal/events"
)

// notification is the envelope the tracker pushes down the socket.
type notification struct {
	Type   string `json:"type"`
	TaskID string `json:"task_id,omitempty"`
	Agent  string `json:"agent,omitempty"`
}

// subscribeRequest registers interest in one agent's stream.
type subscribeRequest struct {
	Action string `json:"action"`
	Agent  string `json:"agent"`
}

// Listener keeps the subscription alive and wakes the scheduler on
// assignment or message notifications. The push channel is an optimization:
// losing it degrades responsiveness to the polling interval, never
// correctness, so every failure here reconnects instead of returning.
type Listener struct {
	url     string
	token   string
	agent   string
	bus     *events.Bus
	wake    func()
	verbose bool
}

// NewListener creates a push listener for the given agent identity.
// wake is called on every relevant notification; bus may be nil.
func NewListener(url, token, agent string, bus *events.Bus, wake func()) *Listener {
	return &Listener{url: url, token: token, agent: agent, bus: bus, wake: wake}
}

// SetVerbose enables or disables verbose logging
func (l *Listener) SetVerbose(v bool) {
	l.verbose = v
}

// Run dials, subscribes and consumes notifications until ctx is cancelled,
// reconnecting with exponential backoff whenever the socket drops.
func (l *Listener) Run(ctx context.Context) {
	if l.url == "" {
		log.Printf("📡 No push endpoint configured, relying on polling only")
		return
	}

	expo := backoff.NewExponentialBackOff()
	expo.InitialInterval = time.Second
	expo.MaxInterval = time.Minute

	for {
		if err := l.consume(ctx); err != nil {
			if ctx.Err() != nil {
				return
			}
			wait := expo.NextBackOff()
			log.Printf("📡 Push connection lost (%v), reconnecting in %s", err, wait)
			select {
			case <-time.After(wait):
			case <-ctx.Done():
				return
			}
			continue
		}
		expo.Reset()
	}
}

// consume holds one connection open and dispatches its notifications.
func (l *Listener) consume(ctx context.Context) error {
	dialCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	opts := &websocket.DialOptions{}
	if l.token != "" {
		opts.HTTPHeader = http.Header{"Authorization": []string{"Bearer " + l.token}}
	}
	conn, _, err := websocket.Dial(dialCtx, l.url, opts)
	if err != nil {
		return err
	}
	defer conn.CloseNow()

	if err := wsjson.Write(ctx, conn, subscribeRequest{Action: "subscribe", Agent: l.agent}); err != nil {
		return err
	}
	if l.verbose {
		log.Printf("📡 Subscribed to push notifications for %s", l.agent)
	}

	for {
		var note notification
		if err := wsjson.Read(ctx, conn, &note); err != nil {
			return err
		}
		l.dispatch(ctx, note)
	}
}

func (l *Listener) dispatch(ctx context.Context, note notification) {
	switch note.Type {
	case "task.assigned", "message.new":
		if l.verbose {
			log.Printf("🔔 Push notification %s for task %s", note.Type, note.TaskID)
		}
		if l.bus != nil {
			_ = l.bus.Publish(ctx, events.NewEvent(events.EventWake, note.TaskID, l.agent,
				map[string]any{"reason": note.Type}))
		}
		if l.wake != nil {
			l.wake()
		}
	default:
		if l.verbose {
			log.Printf("📡 Ignoring push notification type %q", note.Type)
		}
	}
}
