package types

import (
	"context"
	"time"
)

type Tier int

const (
	TierStatic Tier = iota
	TierData
	TierSprite
)

func (t Tier) String() string {
	switch t {
	case TierStatic:
		return "static"
	case TierData:
		return "data"
	case TierSprite:
		return "sprite"
	default:
		return "unknown"
	}
}

// TierStore is one named, versioned cache bucket. Put and Match are atomic per key.
type TierStore interface {
	Put(ctx context.Context, key string, resp *Response) error
	Match(ctx context.Context, key string) (*Response, bool, error)
}

type CacheStorage interface {
	LifecycleManager
	Open(ctx context.Context, name string) (TierStore, error)
	Keys(ctx context.Context) ([]string, error)
	Delete(ctx context.Context, name string) (bool, error)
}

type CacheStorageCreator func(config interface{}) (CacheStorage, error)

type CachedEntry struct {
	Key      string            `json:"key"`
	Status   int               `json:"status"`
	Header   map[string]string `json:"header"`
	Body     []byte            `json:"body"`
	Opaque   bool              `json:"opaque"`
	StoredAt time.Time         `json:"stored_at"`
}

func NewCachedEntry(key string, resp *Response) *CachedEntry {
	clone := resp.Clone()
	return &CachedEntry{
		Key:      key,
		Status:   clone.Status,
		Header:   clone.Header,
		Body:     clone.Body,
		Opaque:   clone.Opaque,
		StoredAt: time.Now(),
	}
}

func (e *CachedEntry) Response() *Response {
	r := &Response{
		Status: e.Status,
		Header: e.Header,
		Body:   e.Body,
		Opaque: e.Opaque,
	}
	return r.Clone()
}
