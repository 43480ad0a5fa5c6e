package multiplexer

import (
	"context"

	"github.com/illmade-knight/go-livesync/pkg/types"
)

// Handle identifies one upstream subscription on a Transport.
type Handle struct {
	Topic string
	ID    string
}

// Transport is a shared real-time connection. Implementations live in
// pkg/transport.
//
// Close tears down the current connection and every upstream subscription
// on it; Connect may be called again afterwards. Events and state changes
// are reported through the callbacks registered with OnEvent and
// OnStateChange, which are set once before Connect is first called.
type Transport interface {
	Connect(ctx context.Context) error
	Subscribe(ctx context.Context, topic string) (Handle, error)
	Unsubscribe(ctx context.Context, handle Handle) error
	Send(ctx context.Context, topic string, payload []byte) error
	OnEvent(handler func(types.Event))
	OnStateChange(handler func(types.ConnectionState))
	IsConnected() bool
	State() types.ConnectionState
	Close() error
}
