package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/gofiber/fiber/v2/log"
	"github.com/redis/go-redis/v9"

	"github.com/ManuelReschke/CourseFox/app/models"
)

const (
	verifyCachePrefix = "payments:verify:"
	DefaultVerifyTTL  = 10 * time.Minute
)

// VerifyCache is implemented by providers that remember verification results.
type VerifyCache interface {
	Invalidate(ctx context.Context, providerTransactionID string) error
}

// CachedProvider remembers terminal verification results so repeated client
// polls do not hit the processor. PENDING results are never cached.
type CachedProvider struct {
	Provider
	rdb redis.Cmdable
	ttl time.Duration
}

func NewCachedProvider(p Provider, rdb redis.Cmdable, ttl time.Duration) *CachedProvider {
	if ttl <= 0 {
		ttl = DefaultVerifyTTL
	}
	return &CachedProvider{Provider: p, rdb: rdb, ttl: ttl}
}

func VerifyCacheKey(kind models.PaymentProvider, providerTransactionID string) string {
	return fmt.Sprintf("%s%s:%s", verifyCachePrefix, kind, providerTransactionID)
}

// PinnedCurrency forwards to the wrapped provider.
func (c *CachedProvider) PinnedCurrency() string {
	if pinned, ok := c.Provider.(CurrencyPinned); ok {
		return pinned.PinnedCurrency()
	}
	return ""
}

func (c *CachedProvider) Verify(ctx context.Context, providerTransactionID string) (*VerifyResult, error) {
	if c.rdb == nil {
		return c.Provider.Verify(ctx, providerTransactionID)
	}
	key := VerifyCacheKey(c.Kind(), providerTransactionID)

	raw, err := c.rdb.Get(ctx, key).Bytes()
	switch {
	case err == nil:
		var cached VerifyResult
		if jerr := json.Unmarshal(raw, &cached); jerr == nil {
			return &cached, nil
		}
		log.Warnf("[VerifyCache] Dropping unreadable entry %s", key)
		c.rdb.Del(ctx, key)
	case !errors.Is(err, redis.Nil):
		log.Warnf("[VerifyCache] Read %s failed: %v", key, err)
	}

	res, err := c.Provider.Verify(ctx, providerTransactionID)
	if err != nil {
		return nil, err
	}
	if res.Status.IsTerminal() {
		if data, jerr := json.Marshal(res); jerr == nil {
			if serr := c.rdb.Set(ctx, key, data, c.ttl).Err(); serr != nil {
				log.Warnf("[VerifyCache] Write %s failed: %v", key, serr)
			}
		}
	}
	return res, nil
}

// Invalidate removes a cached result, e.g. after a refund changed the outcome.
func (c *CachedProvider) Invalidate(ctx context.Context, providerTransactionID string) error {
	if c.rdb == nil {
		return nil
	}
	return c.rdb.Del(ctx, VerifyCacheKey(c.Kind(), providerTransactionID)).Err()
}
