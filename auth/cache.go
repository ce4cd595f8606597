package auth

import (
	"context"
	"time"

	"github.com/ocpp-core/station/db"
	"github.com/ocpp-core/station/devicemodel"
)

// cacheEntryOverheadBytes approximates the fixed per-row cost (status,
// timestamps, row metadata) alongside the variable-length token hash, so
// AuthCacheStorage bounds something resembling actual storage cost.
const cacheEntryOverheadBytes = 48

// Cache is the durable, size-bounded auth cache, evicted LRU by
// last-access under a configured byte budget.
type Cache struct {
	dm  *devicemodel.Store
	dbh *db.Handler
}

func NewCache(dm *devicemodel.Store, dbh *db.Handler) *Cache {
	return &Cache{dm: dm, dbh: dbh}
}

func estimateSize(hash string, info IdTokenInfo) int {
	size := len(hash) + len(info.Status) + cacheEntryOverheadBytes
	if info.ParentIDToken != nil {
		size += len(*info.ParentIDToken)
	}
	return size
}

// Get returns a cached entry, removing and reporting a miss if it has
// expired. A hit touches last-access for LRU bookkeeping.
func (c *Cache) Get(ctx context.Context, idToken string) (IdTokenInfo, bool, error) {
	hash := HashToken(idToken)
	row, ok, err := c.dbh.GetAuthCache(ctx, hash)
	if err != nil {
		return IdTokenInfo{}, false, err
	}
	if !ok {
		return IdTokenInfo{}, false, nil
	}

	info := IdTokenInfo{Status: Status(row.Status), Expiry: row.Expiry, ParentIDToken: row.ParentIDToken}
	if info.expired(time.Now()) {
		if err := c.dbh.DeleteAuthCache(ctx, hash); err != nil {
			return IdTokenInfo{}, false, err
		}
		return IdTokenInfo{}, false, nil
	}

	row.LastAccess = time.Now()
	if err := c.dbh.PutAuthCache(ctx, row); err != nil {
		return IdTokenInfo{}, false, err
	}
	return info, true, nil
}

// Put installs or refreshes an entry, then evicts least-recently-used
// entries until the cache's total size is back under AuthCacheStorage.
func (c *Cache) Put(ctx context.Context, idToken string, info IdTokenInfo) error {
	hash := HashToken(idToken)
	row := db.AuthCacheRow{
		TokenHash:     hash,
		Status:        string(info.Status),
		Expiry:        info.Expiry,
		ParentIDToken: info.ParentIDToken,
		SizeBytes:     estimateSize(hash, info),
		LastAccess:    time.Now(),
	}
	if err := c.dbh.PutAuthCache(ctx, row); err != nil {
		return err
	}
	return c.evictOverBudget(ctx)
}

func (c *Cache) evictOverBudget(ctx context.Context) error {
	limit := c.dm.GetInt(devicemodel.KeyAuthCacheStorage)
	if limit <= 0 {
		return nil // unbounded
	}

	total, err := c.dbh.AuthCacheTotalSizeBytes(ctx)
	if err != nil {
		return err
	}
	for total > int64(limit) {
		victims, err := c.dbh.LeastRecentlyUsed(ctx, 1)
		if err != nil {
			return err
		}
		if len(victims) == 0 {
			break
		}
		row, ok, err := c.dbh.GetAuthCache(ctx, victims[0])
		if err != nil {
			return err
		}
		if !ok {
			break
		}
		if err := c.dbh.DeleteAuthCache(ctx, victims[0]); err != nil {
			return err
		}
		total -= int64(row.SizeBytes)
	}
	return nil
}

func (c *Cache) Clear(ctx context.Context) error {
	return c.dbh.ClearAuthCache(ctx)
}
