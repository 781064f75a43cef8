package redis

import (
	"context"
	"fmt"
	"math/big"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/alanyoungcy/routegate/internal/domain"
)

// priceTTL bounds how long a cached observation is served. Scanner candidates
// built from an evicted price simply wait for the next feed publish.
const priceTTL = 5 * time.Minute

// PriceCache implements domain.PriceCache using Redis hashes. Each feed's
// latest observation is stored at key "refprice:{feedID}" with fields "price"
// (base-10 big integer), "decimals", and "ts" (Unix nanoseconds).
type PriceCache struct {
	rdb *redis.Client
}

// NewPriceCache creates a PriceCache backed by the given Client.
func NewPriceCache(c *Client) *PriceCache {
	return &PriceCache{rdb: c.Underlying()}
}

func priceKey(feedID string) string {
	return "refprice:" + feedID
}

// SetPrice stores the latest observation for a feed and refreshes its TTL.
func (pc *PriceCache) SetPrice(ctx context.Context, feedID string, price *big.Int, decimals uint8, updatedAt time.Time) error {
	if price == nil {
		return fmt.Errorf("redis: set price %s: nil price", feedID)
	}
	key := priceKey(feedID)
	fields := map[string]interface{}{
		"price":    price.String(),
		"decimals": strconv.Itoa(int(decimals)),
		"ts":       strconv.FormatInt(updatedAt.UnixNano(), 10),
	}

	pipe := pc.rdb.TxPipeline()
	pipe.HSet(ctx, key, fields)
	pipe.Expire(ctx, key, priceTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis: set price %s: %w", feedID, err)
	}
	return nil
}

// GetPrice retrieves the latest observation for a feed. It returns
// domain.ErrNotFound when the key does not exist or has expired.
func (pc *PriceCache) GetPrice(ctx context.Context, feedID string) (domain.PricePoint, error) {
	vals, err := pc.rdb.HGetAll(ctx, priceKey(feedID)).Result()
	if err != nil {
		return domain.PricePoint{}, fmt.Errorf("redis: get price %s: %w", feedID, err)
	}
	if len(vals) == 0 {
		return domain.PricePoint{}, domain.ErrNotFound
	}

	priceStr, ok := vals["price"]
	if !ok {
		return domain.PricePoint{}, domain.ErrNotFound
	}
	price, ok := new(big.Int).SetString(priceStr, 10)
	if !ok {
		return domain.PricePoint{}, fmt.Errorf("redis: parse price %s: %q is not a base-10 integer", feedID, priceStr)
	}

	decimals, err := strconv.ParseUint(vals["decimals"], 10, 8)
	if err != nil {
		return domain.PricePoint{}, fmt.Errorf("redis: parse decimals %s: %w", feedID, err)
	}

	tsNano, err := strconv.ParseInt(vals["ts"], 10, 64)
	if err != nil {
		return domain.PricePoint{}, fmt.Errorf("redis: parse ts %s: %w", feedID, err)
	}

	return domain.PricePoint{
		Price:     price,
		Decimals:  uint8(decimals),
		UpdatedAt: time.Unix(0, tsNano),
	}, nil
}

// Compile-time interface check.
var _ domain.PriceCache = (*PriceCache)(nil)
