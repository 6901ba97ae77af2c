package bus

import (
	"context"

	"github.com/yungbote/contentforge-backend/internal/realtime"
)

// Bus carries job notifications between the process that runs a job and the API instances
// holding the client streams. Delivery is best effort; clients recover state by polling.
type Bus interface {
	Publish(ctx context.Context, msg realtime.SSEMessage) error
	// StartForwarder subscribes before returning and then hands every received message to
	// onMsg until ctx ends.
	StartForwarder(ctx context.Context, onMsg func(m realtime.SSEMessage)) error
	Close() error
}
