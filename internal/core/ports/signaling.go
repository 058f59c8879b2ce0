package ports

import (
	"context"

	"meshmeet/internal/core/protocol"
)

// Signaler delivers client messages to the relay.
type Signaler interface {
	Send(ctx context.Context, msg protocol.Message) error
}
