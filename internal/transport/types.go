package transport

import (
	"context"
	"errors"
)

// ErrNotReady is returned by channels that are not connected/authenticated yet.
var ErrNotReady = errors.New("dispatch channel not ready")

// Media is fully resolved content ready to hand to a channel.
type Media struct {
	FileName string
	MIME     string
	Data     []byte
}

// Info describes the connected account, when there is one.
type Info struct {
	Driver   string `json:"driver"`
	ID       int64  `json:"id,omitempty"`
	Username string `json:"username,omitempty"`
	Name     string `json:"name,omitempty"`
}

// Lifecycle event types published on the event bus by channels.
const (
	EventReady   = "channel.ready"
	EventStopped = "channel.stopped"
)

// LifecycleTopic is the bus topic channels publish Lifecycle events on.
const LifecycleTopic = "channel"

// Lifecycle is the payload of EventReady / EventStopped.
type Lifecycle struct {
	Driver string `json:"driver"`
	Reason string `json:"reason,omitempty"`
}

// Channel is the single outbound session. Implementations are not required to
// be safe for concurrent sends; the runner serializes every call.
type Channel interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error

	// Ready reports whether the session is connected/authenticated.
	Ready() bool
	Info() Info

	SendText(ctx context.Context, to string, text string) error
	SendMedia(ctx context.Context, to string, m Media, caption string) error
}
