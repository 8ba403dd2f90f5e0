package services

import (
	"context"
	"time"

	"coliving_app_echo/internal/models"
)

const customerCacheTTL = 5 * time.Minute

// CachedCustomerStore caches the session → customer lookup done on every
// authenticated request. Misses and errors are never cached.
type CachedCustomerStore struct {
	CustomerStore
	cache *RedisCache
	ttl   time.Duration
}

func NewCachedCustomerStore(store CustomerStore, cache *RedisCache) *CachedCustomerStore {
	return &CachedCustomerStore{CustomerStore: store, cache: cache, ttl: customerCacheTTL}
}

func customerUIDKey(uid string) string {
	return "customer:uid:" + uid
}

func (s *CachedCustomerStore) FindByFirebaseUID(ctx context.Context, uid string) (*models.Customer, error) {
	c, err := GetOrSet(s.cache, ctx, customerUIDKey(uid), s.ttl, func() (*models.Customer, error) {
		return s.CustomerStore.FindByFirebaseUID(ctx, uid)
	})
	if err != nil {
		return nil, err
	}
	// FirebaseUID is not serialised
	c.FirebaseUID = uid
	return c, nil
}
