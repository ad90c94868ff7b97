package worker

import (
	"context"

	"github.com/saiset-co/sai-offline/types"
)

// Inline runs every task synchronously on the caller's goroutine. Useful when
// a test needs detached work to have finished before it asserts.
type Inline struct{}

var _ types.Scheduler = Inline{}

func (Inline) Go(_ string, task func(ctx context.Context)) {
	if task != nil {
		task(context.Background())
	}
}
