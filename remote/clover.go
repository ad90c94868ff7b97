package remote

import (
	"context"
	"sort"
	"sync"

	"github.com/ostafen/clover"
	"go.uber.org/zap"

	"github.com/saiset-co/sai-offline/types"
	"github.com/saiset-co/sai-offline/utils"
)

type CloverConfig struct {
	Path       string `json:"path"`
	Collection string `json:"collection"`
}

// CloverRemote stores rows as clover documents {owner_id, entity_id, flag}.
// It lets a single node run the full flush path without an external API.
type CloverRemote struct {
	db         *clover.DB
	logger     types.Logger
	collection string
	mu         sync.Mutex
}

func NewCloverRemote(logger types.Logger, config *types.RemoteConfig) (*CloverRemote, error) {
	cloverConfig := &CloverConfig{Collection: "catches"}

	if err := utils.UnmarshalConfig(config.Config, cloverConfig); err != nil {
		return nil, types.WrapError(err, "failed to unmarshal clover remote config")
	}

	if cloverConfig.Path == "" {
		return nil, types.Errorf(types.ErrInvalidParameter, "clover remote requires a path")
	}

	db, err := clover.Open(cloverConfig.Path)
	if err != nil {
		return nil, types.WrapError(err, "failed to open clover remote")
	}

	exists, err := db.HasCollection(cloverConfig.Collection)
	if err == nil && !exists {
		err = db.CreateCollection(cloverConfig.Collection)
	}
	if err != nil {
		_ = db.Close()
		return nil, types.WrapError(err, "failed to prepare clover collection")
	}

	logger.Debug("Clover remote opened",
		zap.String("path", cloverConfig.Path),
		zap.String("collection", cloverConfig.Collection))

	return &CloverRemote{
		db:         db,
		logger:     logger,
		collection: cloverConfig.Collection,
	}, nil
}

func (c *CloverRemote) Upsert(_ context.Context, rows []types.Row) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, row := range rows {
		if row.OwnerID == "" {
			return types.ErrOwnerEmpty
		}

		query := c.db.Query(c.collection).Where(
			clover.Field("owner_id").Eq(row.OwnerID).And(clover.Field("entity_id").Eq(row.EntityID)))

		count, err := query.Count()
		if err != nil {
			return types.Errorf(types.ErrRemoteRequestFailed, "count: %v", err)
		}

		if count > 0 {
			if err = query.Update(map[string]interface{}{"flag": row.Flag}); err != nil {
				return types.Errorf(types.ErrRemoteRequestFailed, "update: %v", err)
			}
			continue
		}

		doc := clover.NewDocument()
		doc.Set("owner_id", row.OwnerID)
		doc.Set("entity_id", row.EntityID)
		doc.Set("flag", row.Flag)

		if err = c.db.Insert(c.collection, doc); err != nil {
			return types.Errorf(types.ErrRemoteRequestFailed, "insert: %v", err)
		}
	}

	return nil
}

func (c *CloverRemote) Delete(_ context.Context, ownerID string, entityIDs []int64) error {
	if ownerID == "" {
		return types.ErrOwnerEmpty
	}

	if len(entityIDs) == 0 {
		return nil
	}

	ids := make([]interface{}, len(entityIDs))
	for i, id := range entityIDs {
		ids[i] = id
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	err := c.db.Query(c.collection).Where(
		clover.Field("owner_id").Eq(ownerID).And(clover.Field("entity_id").In(ids...))).Delete()
	if err != nil {
		return types.Errorf(types.ErrRemoteRequestFailed, "delete: %v", err)
	}

	return nil
}

func (c *CloverRemote) Select(_ context.Context, ownerID string) ([]types.Row, error) {
	if ownerID == "" {
		return nil, types.ErrOwnerEmpty
	}

	docs, err := c.db.Query(c.collection).Where(clover.Field("owner_id").Eq(ownerID)).FindAll()
	if err != nil {
		return nil, types.Errorf(types.ErrRemoteRequestFailed, "select: %v", err)
	}

	rows := make([]types.Row, 0, len(docs))
	for _, doc := range docs {
		entityID, ok := toInt64(doc.Get("entity_id"))
		if !ok {
			c.logger.Warn("Skipping document with invalid entity id", zap.String("owner_id", ownerID))
			continue
		}

		flag, _ := doc.Get("flag").(bool)
		rows = append(rows, types.Row{OwnerID: ownerID, EntityID: entityID, Flag: flag})
	}

	sort.Slice(rows, func(i, j int) bool { return rows[i].EntityID < rows[j].EntityID })
	return rows, nil
}

func (c *CloverRemote) Close() error {
	if err := c.db.Close(); err != nil {
		return types.WrapError(err, "failed to close clover remote")
	}
	return nil
}
