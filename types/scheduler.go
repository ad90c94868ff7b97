package types

import "context"

// Scheduler runs detached tasks. Tasks are not cancelable once submitted and
// the caller never waits for them.
type Scheduler interface {
	Go(name string, task func(ctx context.Context))
}
