// Package console is a dry-run channel: every send is logged and reported as
// delivered. It is always ready once started.
package console

import (
	"context"
	"sync"
	"sync/atomic"

	"bulkbot/internal/eventbus"
	"bulkbot/internal/transport"
	logx "bulkbot/pkg/logx"
)

// Sent records one delivery, kept for inspection.
type Sent struct {
	To       string
	Text     string
	FileName string
	MIME     string
	Size     int
}

type Channel struct {
	log   logx.Logger
	bus   eventbus.Bus
	ready atomic.Bool

	mu   sync.Mutex
	sent []Sent
}

func New(bus eventbus.Bus, log logx.Logger) *Channel {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Channel{log: log, bus: bus}
}

func (c *Channel) Start(ctx context.Context) error {
	if c.ready.Swap(true) {
		return nil
	}
	c.log.Info("console channel ready (dry run)")
	c.publish(transport.EventReady, "")
	return nil
}

func (c *Channel) Stop(ctx context.Context) error {
	if !c.ready.Swap(false) {
		return nil
	}
	c.publish(transport.EventStopped, "stopped")
	return nil
}

func (c *Channel) publish(typ, reason string) {
	if c.bus == nil {
		return
	}
	c.bus.Publish(transport.LifecycleTopic, eventbus.Event{
		Type: typ,
		Data: transport.Lifecycle{Driver: "console", Reason: reason},
	})
}

func (c *Channel) Ready() bool { return c.ready.Load() }

func (c *Channel) Info() transport.Info {
	return transport.Info{Driver: "console", Name: "dry-run"}
}

func (c *Channel) SendText(ctx context.Context, to string, text string) error {
	if !c.Ready() {
		return transport.ErrNotReady
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	c.log.Info("send text", logx.String("to", to), logx.Int("chars", len([]rune(text))))
	c.record(Sent{To: to, Text: text})
	return nil
}

func (c *Channel) SendMedia(ctx context.Context, to string, m transport.Media, caption string) error {
	if !c.Ready() {
		return transport.ErrNotReady
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	c.log.Info("send media",
		logx.String("to", to),
		logx.String("file", m.FileName),
		logx.String("mime", m.MIME),
		logx.Int("bytes", len(m.Data)),
	)
	c.record(Sent{To: to, Text: caption, FileName: m.FileName, MIME: m.MIME, Size: len(m.Data)})
	return nil
}

func (c *Channel) record(s Sent) {
	c.mu.Lock()
	c.sent = append(c.sent, s)
	c.mu.Unlock()
}

// Sent returns a copy of every delivery so far.
func (c *Channel) Sent() []Sent {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Sent(nil), c.sent...)
}
