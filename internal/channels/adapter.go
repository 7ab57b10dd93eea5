// Package channels provides the channel abstraction layer for
// multi-platform messaging. Adapters connect external platforms (Discord,
// Telegram) to the orchestrator; the core never imports a platform SDK.
package channels

import (
	"context"

	"github.com/nextlevelbuilder/kbot/internal/bus"
)

// SendOptions carries optional outbound parameters.
type SendOptions struct {
	// ReplyTo references the inbound message being answered, where the
	// platform supports threading.
	ReplyTo string
}

// Adapter is the minimal capability surface every platform integration
// must satisfy. Adapters deliver already-normalized messages and filter
// out their own outbound traffic before it loops back in.
type Adapter interface {
	Platform() string
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	OnMessage(handler bus.MessageHandler)
	SendMessage(ctx context.Context, channel, text string, opts *SendOptions) (string, error)
}

// Editor is implemented by adapters whose platform supports editing a
// sent message in place, enabling edit-based streaming.
type Editor interface {
	EditMessage(ctx context.Context, channel, messageID, text string) (string, error)
}

// Typer is implemented by adapters that can show a typing indicator.
// Best-effort; failures are ignored.
type Typer interface {
	SendTyping(ctx context.Context, channel string) error
}

// HealthChecker lets an adapter expose a cheap liveness probe. Adapters
// without one are assumed healthy while started.
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// SupportsStreaming reports whether an adapter can stream by editing.
func SupportsStreaming(a Adapter) bool {
	_, ok := a.(Editor)
	return ok
}
