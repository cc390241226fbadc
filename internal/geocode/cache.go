package geocode

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	gocache "github.com/patrickmn/go-cache"
	"github.com/redis/go-redis/v9"

	"github.com/mmeshcher/servicefinder/internal/model"
)

// Entry хранит закэшированный результат геокодирования, включая промахи.
type Entry struct {
	Coordinate model.Coordinate `json:"coordinate"`
	Found      bool             `json:"found"`
}

// Cache хранит результаты геокодирования по нормализованному тексту.
type Cache interface {
	Get(ctx context.Context, key string) (Entry, bool, error)
	Set(ctx context.Context, key string, e Entry) error
}

// MemoryCache хранит кэш в памяти процесса.
type MemoryCache struct {
	c *gocache.Cache
}

// NewMemoryCache создаёт кэш в памяти с указанным временем жизни записей.
func NewMemoryCache(ttl time.Duration) *MemoryCache {
	return &MemoryCache{c: gocache.New(ttl, 2*ttl)}
}

// Get возвращает запись из кэша.
func (m *MemoryCache) Get(_ context.Context, key string) (Entry, bool, error) {
	v, ok := m.c.Get(key)
	if !ok {
		return Entry{}, false, nil
	}
	e, ok := v.(Entry)
	return e, ok, nil
}

// Set сохраняет запись в кэш.
func (m *MemoryCache) Set(_ context.Context, key string, e Entry) error {
	m.c.SetDefault(key, e)
	return nil
}

const redisKeyPrefix = "geocode:"

// RedisCache хранит кэш в Redis, общий для нескольких экземпляров шлюза.
type RedisCache struct {
	client redis.Cmdable
	ttl    time.Duration
}

// NewRedisCache создаёт кэш поверх клиента Redis.
func NewRedisCache(client redis.Cmdable, ttl time.Duration) *RedisCache {
	return &RedisCache{client: client, ttl: ttl}
}

// Get возвращает запись из Redis.
func (r *RedisCache) Get(ctx context.Context, key string) (Entry, bool, error) {
	raw, err := r.client.Get(ctx, redisKeyPrefix+key).Result()
	if errors.Is(err, redis.Nil) {
		return Entry{}, false, nil
	}
	if err != nil {
		return Entry{}, false, fmt.Errorf("redis get: %w", err)
	}

	var e Entry
	if err := json.Unmarshal([]byte(raw), &e); err != nil {
		return Entry{}, false, fmt.Errorf("decode entry: %w", err)
	}
	return e, true, nil
}

// Set сохраняет запись в Redis.
func (r *RedisCache) Set(ctx context.Context, key string, e Entry) error {
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("encode entry: %w", err)
	}
	if err := r.client.Set(ctx, redisKeyPrefix+key, string(data), r.ttl).Err(); err != nil {
		return fmt.Errorf("redis set: %w", err)
	}
	return nil
}
