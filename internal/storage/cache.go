package storage

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/go-redis/redis/v8"
	"golang.org/x/sync/singleflight"

	"zonemonitor/internal/logger"
)

// CachedStorage Redis 读缓存装饰器
// 只缓存区域状态与最近一次通知，写操作先落库再失效缓存
// Redis 故障不影响正确性，只会退化为直接读库
type CachedStorage struct {
	Storage

	rdb    *redis.Client
	prefix string
	ttl    time.Duration
	ctx    context.Context
	group  *singleflight.Group
}

// NewCached 创建缓存装饰器
func NewCached(inner Storage, rdb *redis.Client, prefix string, ttl time.Duration) *CachedStorage {
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return &CachedStorage{
		Storage: inner,
		rdb:     rdb,
		prefix:  prefix,
		ttl:     ttl,
		ctx:     context.Background(),
		group:   &singleflight.Group{},
	}
}

// WithContext 返回绑定指定 context 的装饰器
func (c *CachedStorage) WithContext(ctx context.Context) Storage {
	if ctx == nil {
		return c
	}
	cp := *c
	cp.Storage = c.Storage.WithContext(ctx)
	cp.ctx = ctx
	return &cp
}

// cachedNotification 缓存条目，Found=false 表示确认不存在
type cachedNotification struct {
	Found  bool                `json:"found"`
	Record *NotificationRecord `json:"record,omitempty"`
}

func (c *CachedStorage) stateKey(zoneID string) string {
	return c.prefix + "zone:" + zoneID
}

func (c *CachedStorage) notifyKey(zoneID, accountID string) string {
	return c.prefix + "notify:" + zoneID + ":" + accountID
}

// GetZoneState 先读缓存，未命中时读库并回填
func (c *CachedStorage) GetZoneState(zoneID string) (*ZoneState, error) {
	key := c.stateKey(zoneID)
	var state ZoneState
	if c.get(key, &state) {
		return &state, nil
	}

	v, err, _ := c.group.Do(key, func() (any, error) {
		st, err := c.Storage.GetZoneState(zoneID)
		if err != nil || st == nil {
			return st, err
		}
		c.set(key, st)
		return st, nil
	})
	if err != nil {
		return nil, err
	}
	st, _ := v.(*ZoneState)
	return st.Clone(), nil
}

// PutZoneState 写库后失效缓存
func (c *CachedStorage) PutZoneState(state *ZoneState) error {
	if err := c.Storage.PutZoneState(state); err != nil {
		return err
	}
	c.invalidate(c.stateKey(state.ZoneID))
	return nil
}

// GetLastNotification 先读缓存，未命中时读库并回填（包括不存在）
func (c *CachedStorage) GetLastNotification(zoneID, accountID string) (*NotificationRecord, error) {
	key := c.notifyKey(zoneID, accountID)
	var entry cachedNotification
	if c.get(key, &entry) {
		if !entry.Found {
			return nil, nil
		}
		return entry.Record, nil
	}

	v, err, _ := c.group.Do(key, func() (any, error) {
		rec, err := c.Storage.GetLastNotification(zoneID, accountID)
		if err != nil {
			return nil, err
		}
		c.set(key, cachedNotification{Found: rec != nil, Record: rec})
		return rec, nil
	})
	if err != nil {
		return nil, err
	}
	rec, _ := v.(*NotificationRecord)
	if rec == nil {
		return nil, nil
	}
	cp := *rec
	return &cp, nil
}

// PutNotification 写库后失效缓存
func (c *CachedStorage) PutNotification(rec *NotificationRecord) error {
	if err := c.Storage.PutNotification(rec); err != nil {
		return err
	}
	c.invalidate(c.notifyKey(rec.ZoneID, rec.AccountID))
	return nil
}

func (c *CachedStorage) get(key string, dst any) bool {
	raw, err := c.rdb.Get(c.ctx, key).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			logger.Warn("cache", "读取缓存失败", "key", key, "error", err)
		}
		return false
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		logger.Warn("cache", "解析缓存失败", "key", key, "error", err)
		return false
	}
	return true
}

func (c *CachedStorage) set(key string, v any) {
	raw, err := json.Marshal(v)
	if err != nil {
		return
	}
	if err := c.rdb.Set(c.ctx, key, raw, c.ttl).Err(); err != nil {
		logger.Warn("cache", "写入缓存失败", "key", key, "error", err)
	}
}

func (c *CachedStorage) invalidate(key string) {
	if err := c.rdb.Del(c.ctx, key).Err(); err != nil {
		logger.Warn("cache", "失效缓存失败", "key", key, "error", err)
	}
}
