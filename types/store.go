package types

import "context"

// DurableStore is a string-keyed store of string values scoped to one origin.
type DurableStore interface {
	LifecycleManager
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, value string) error
}

type DurableStoreCreator func(config interface{}) (DurableStore, error)
