package storage

import (
	"context"

	"github.com/ostafen/clover"
	"go.uber.org/zap"

	"github.com/saiset-co/sai-offline/types"
	"github.com/saiset-co/sai-offline/utils"
)

type CloverConfig struct {
	Collection string `json:"collection"`
}

// CloverStore keeps each key as one document {key, value} in a clover
// collection on disk.
type CloverStore struct {
	lifecycle
	db         *clover.DB
	logger     types.Logger
	path       string
	collection string
}

func NewCloverStore(logger types.Logger, config *types.StoreConfig) (*CloverStore, error) {
	cloverConfig := &CloverConfig{Collection: "durable_store"}

	if config.Config != nil {
		if err := utils.UnmarshalConfig(config.Config, cloverConfig); err != nil {
			return nil, types.WrapError(err, "failed to unmarshal clover store config")
		}
	}

	if config.Path == "" {
		return nil, types.Errorf(types.ErrInvalidParameter, "clover store requires a path")
	}

	db, err := clover.Open(config.Path)
	if err != nil {
		return nil, types.WrapError(err, "failed to open clover store")
	}

	exists, err := db.HasCollection(cloverConfig.Collection)
	if err != nil {
		_ = db.Close()
		return nil, types.WrapError(err, "failed to check collection existence")
	}

	if !exists {
		if err = db.CreateCollection(cloverConfig.Collection); err != nil {
			_ = db.Close()
			return nil, types.WrapError(err, "failed to create collection")
		}
	}

	return &CloverStore{
		lifecycle:  newLifecycle(),
		db:         db,
		logger:     logger,
		path:       config.Path,
		collection: cloverConfig.Collection,
	}, nil
}

func (c *CloverStore) Get(_ context.Context, key string) (string, bool, error) {
	if key == "" {
		return "", false, types.ErrStoreKeyEmpty
	}

	doc, err := c.db.Query(c.collection).Where(clover.Field("key").Eq(key)).FindFirst()
	if err != nil {
		return "", false, types.WrapError(err, "failed to query clover store")
	}

	if doc == nil {
		return "", false, nil
	}

	value, ok := doc.Get("value").(string)
	if !ok {
		return "", false, types.Errorf(types.ErrStoreWriteFailed, "value for %q is not a string", key)
	}

	return value, true, nil
}

func (c *CloverStore) Set(_ context.Context, key, value string) error {
	if key == "" {
		return types.ErrStoreKeyEmpty
	}

	query := c.db.Query(c.collection).Where(clover.Field("key").Eq(key))

	count, err := query.Count()
	if err != nil {
		return types.WrapError(err, "failed to count documents")
	}

	if count > 0 {
		if err = query.Update(map[string]interface{}{"value": value}); err != nil {
			return types.Errorf(types.ErrStoreWriteFailed, "update %q: %v", key, err)
		}
		return nil
	}

	doc := clover.NewDocument()
	doc.Set("key", key)
	doc.Set("value", value)

	if err = c.db.Insert(c.collection, doc); err != nil {
		return types.Errorf(types.ErrStoreWriteFailed, "insert %q: %v", key, err)
	}

	return nil
}

func (c *CloverStore) Start() error {
	if err := c.start(); err != nil {
		return err
	}

	c.logger.Info("Clover store started", zap.String("path", c.path))
	return nil
}

func (c *CloverStore) Stop() error {
	if err := c.stop(); err != nil {
		return err
	}

	if err := c.db.Close(); err != nil {
		return types.WrapError(err, "failed to close clover store")
	}

	c.logger.Info("Clover store stopped")
	return nil
}

func (c *CloverStore) IsRunning() bool {
	return c.running()
}
