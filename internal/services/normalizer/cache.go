package normalizer

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/BearBump/TrackFlow/internal/cache"
	"github.com/BearBump/TrackFlow/internal/models"
)

// CachedMappings — кэширующая обёртка над справочником. Справочник
// read-only на запросном пути, поэтому кэшируем смело; best-effort,
// ошибки кэша не всплывают. Кэшируются и промахи (пустое значение).
type CachedMappings struct {
	inner MappingTable
	cache cache.BytesCache
	ttl   time.Duration
}

func NewCachedMappings(inner MappingTable, c cache.BytesCache, ttl time.Duration) *CachedMappings {
	return &CachedMappings{inner: inner, cache: c, ttl: ttl}
}

func (c *CachedMappings) LookupStatusMapping(ctx context.Context, carrierCode, statusRaw, statusCode string) (*models.StatusMapping, error) {
	if c.cache == nil || c.ttl <= 0 {
		return c.inner.LookupStatusMapping(ctx, carrierCode, statusRaw, statusCode)
	}

	key := mappingKey(carrierCode, statusRaw, statusCode)
	if b, ok, err := c.cache.Get(ctx, key); err == nil && ok {
		if len(b) == 0 {
			return nil, nil // закэшированный промах
		}
		var m models.StatusMapping
		if json.Unmarshal(b, &m) == nil {
			return &m, nil
		}
	}

	m, err := c.inner.LookupStatusMapping(ctx, carrierCode, statusRaw, statusCode)
	if err != nil {
		return nil, err
	}

	if m == nil {
		_ = c.cache.Set(ctx, key, []byte{}, c.ttl)
	} else if b, err := json.Marshal(m); err == nil {
		_ = c.cache.Set(ctx, key, b, c.ttl)
	}
	return m, nil
}

func mappingKey(carrierCode, statusRaw, statusCode string) string {
	return fmt.Sprintf("mapping:%s:%s:%s", carrierCode, statusRaw, statusCode)
}
