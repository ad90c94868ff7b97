package cache

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sort"
	"sync/atomic"
	"time"

	"github.com/andybalholm/brotli"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/saiset-co/sai-offline/types"
	"github.com/saiset-co/sai-offline/utils"
)

const (
	encodingPlain  byte = 'j'
	encodingBrotli byte = 'b'
)

type RedisConfig struct {
	Host              string `json:"host"`
	Port              int    `json:"port"`
	Password          string `json:"password"`
	DB                int    `json:"db"`
	PoolSize          int    `json:"pool_size"`
	DialTimeout       string `json:"dial_timeout"`
	KeyPrefix         string `json:"key_prefix"`
	Compress          bool   `json:"compress"`
	CompressThreshold int    `json:"compress_threshold"`
	CompressLevel     int    `json:"compress_level"`
}

// RedisStorage keeps each tier in one hash and the tier names in a set, so
// that dropping a tier is a single DEL.
type RedisStorage struct {
	ctx     context.Context
	logger  types.Logger
	config  *RedisConfig
	client  *redis.Client
	started int32
}

type redisTier struct {
	storage *RedisStorage
	name    string
	hashKey string
}

func NewRedisStorage(ctx context.Context, logger types.Logger, config *types.CacheConfig) (*RedisStorage, error) {
	var redisConfig = &RedisConfig{
		Host:              "localhost",
		Port:              6379,
		PoolSize:          10,
		DialTimeout:       "5s",
		KeyPrefix:         "sai-offline",
		CompressThreshold: 1024,
		CompressLevel:     brotli.DefaultCompression,
	}

	if config != nil && config.Config != nil {
		if err := utils.UnmarshalConfig(config.Config, redisConfig); err != nil {
			return nil, types.WrapError(err, "failed to unmarshal redis cache config")
		}
	}

	dialTimeout, err := time.ParseDuration(redisConfig.DialTimeout)
	if err != nil {
		return nil, types.Errorf(types.ErrInvalidParameter, "dial_timeout: %v", err)
	}

	client := redis.NewClient(&redis.Options{
		Addr:        fmt.Sprintf("%s:%d", redisConfig.Host, redisConfig.Port),
		Password:    redisConfig.Password,
		DB:          redisConfig.DB,
		PoolSize:    redisConfig.PoolSize,
		DialTimeout: dialTimeout,
	})

	storage := &RedisStorage{
		ctx:    ctx,
		logger: logger,
		config: redisConfig,
		client: client,
	}

	if err := storage.Ping(ctx); err != nil {
		_ = client.Close()
		return nil, types.WrapError(err, "failed to connect to redis")
	}

	return storage, nil
}

func (r *RedisStorage) Open(ctx context.Context, name string) (types.TierStore, error) {
	if name == "" {
		return nil, types.ErrCacheNameEmpty
	}

	if err := r.client.SAdd(ctx, r.namesKey(), name).Err(); err != nil {
		return nil, types.WrapError(err, "failed to register tier")
	}

	return &redisTier{storage: r, name: name, hashKey: r.tierKey(name)}, nil
}

func (r *RedisStorage) Keys(ctx context.Context) ([]string, error) {
	names, err := r.client.SMembers(ctx, r.namesKey()).Result()
	if err != nil {
		return nil, types.WrapError(err, "failed to list tiers")
	}

	sort.Strings(names)
	return names, nil
}

func (r *RedisStorage) Delete(ctx context.Context, name string) (bool, error) {
	var removed *redis.IntCmd

	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, r.tierKey(name))
		removed = pipe.SRem(ctx, r.namesKey(), name)
		return nil
	})
	if err != nil {
		return false, types.WrapError(err, "failed to delete tier")
	}

	return removed.Val() > 0, nil
}

func (r *RedisStorage) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

func (r *RedisStorage) Start() error {
	if !atomic.CompareAndSwapInt32(&r.started, 0, 1) {
		return types.ErrServerAlreadyRunning
	}
	r.logger.Info("Redis cache storage started",
		zap.String("host", r.config.Host),
		zap.Int("port", r.config.Port),
		zap.Bool("compress", r.config.Compress))
	return nil
}

func (r *RedisStorage) Stop() error {
	if !atomic.CompareAndSwapInt32(&r.started, 1, 0) {
		return types.ErrServerNotRunning
	}

	if err := r.client.Close(); err != nil {
		return types.WrapError(err, "failed to close redis client")
	}

	r.logger.Info("Redis cache storage stopped")
	return nil
}

func (r *RedisStorage) IsRunning() bool {
	return atomic.LoadInt32(&r.started) == 1
}

func (r *RedisStorage) namesKey() string {
	return r.config.KeyPrefix + ":tiers"
}

func (r *RedisStorage) tierKey(name string) string {
	return r.config.KeyPrefix + ":tier:" + name
}

func (t *redisTier) Put(ctx context.Context, key string, resp *types.Response) error {
	if key == "" {
		return types.ErrCacheKeyEmpty
	}

	data, err := t.storage.encode(types.NewCachedEntry(key, resp))
	if err != nil {
		return types.WrapError(err, "failed to encode cache entry")
	}

	_, err = t.storage.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.SAdd(ctx, t.storage.namesKey(), t.name)
		pipe.HSet(ctx, t.hashKey, key, data)
		return nil
	})
	if err != nil {
		return types.WrapError(err, "failed to put cache entry")
	}

	return nil
}

func (t *redisTier) Match(ctx context.Context, key string) (*types.Response, bool, error) {
	data, err := t.storage.client.HGet(ctx, t.hashKey, key).Bytes()
	if err != nil {
		if types.IsError(err, redis.Nil) {
			return nil, false, nil
		}
		return nil, false, types.WrapError(err, "failed to match cache entry")
	}

	entry, err := t.storage.decode(data)
	if err != nil {
		t.storage.logger.Error("Dropping corrupted cache entry",
			zap.String("tier", t.name),
			zap.String("key", key),
			zap.Error(err))
		t.storage.client.HDel(ctx, t.hashKey, key)
		return nil, false, nil
	}

	return entry.Response(), true, nil
}

func (r *RedisStorage) encode(entry *types.CachedEntry) ([]byte, error) {
	payload, err := utils.Marshal(entry)
	if err != nil {
		return nil, err
	}

	if !r.config.Compress || len(payload) < r.config.CompressThreshold {
		return append([]byte{encodingPlain}, payload...), nil
	}

	var buf bytes.Buffer
	buf.WriteByte(encodingBrotli)

	writer := brotli.NewWriterLevel(&buf, r.config.CompressLevel)
	if _, err := writer.Write(payload); err != nil {
		return nil, err
	}
	if err := writer.Close(); err != nil {
		return nil, err
	}

	return buf.Bytes(), nil
}

func (r *RedisStorage) decode(data []byte) (*types.CachedEntry, error) {
	if len(data) == 0 {
		return nil, types.ErrCacheEntryCorrupted
	}

	payload := data[1:]

	switch data[0] {
	case encodingPlain:
	case encodingBrotli:
		raw, err := io.ReadAll(brotli.NewReader(bytes.NewReader(payload)))
		if err != nil {
			return nil, types.WrapError(types.ErrCacheEntryCorrupted, err.Error())
		}
		payload = raw
	default:
		return nil, types.ErrCacheEntryCorrupted
	}

	var entry types.CachedEntry
	if err := utils.Unmarshal(payload, &entry); err != nil {
		return nil, types.WrapError(types.ErrCacheEntryCorrupted, err.Error())
	}

	return &entry, nil
}
