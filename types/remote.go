package types

import "context"

type Row struct {
	OwnerID  string `json:"owner_id"`
	EntityID int64  `json:"entity_id"`
	Flag     bool   `json:"flag"`
}

// RemoteStore is the external entity collection. Upsert overwrites on the
// (OwnerID, EntityID) key.
type RemoteStore interface {
	Upsert(ctx context.Context, rows []Row) error
	Delete(ctx context.Context, ownerID string, entityIDs []int64) error
	Select(ctx context.Context, ownerID string) ([]Row, error)
}

// SessionBinder is implemented by remote stores that carry a per-session
// access token.
type SessionBinder interface {
	BindSession(accessToken string)
}

type RemoteStoreCreator func(config interface{}) (RemoteStore, error)
