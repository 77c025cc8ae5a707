package oracle

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/redis/go-redis/v9"
)

// RedisFeed reads the median price a price-feeder service publishes to
// Redis. The value is a plain decimal string in 10^8 price units; the
// feeder overwrites it each aggregation round.
type RedisFeed struct {
	rdb *redis.Client
	key string
}

// NewRedisFeed creates a feed reading the given key.
func NewRedisFeed(rdb *redis.Client, key string) *RedisFeed {
	return &RedisFeed{rdb: rdb, key: key}
}

func (f *RedisFeed) BcoinMedianPrice(ctx context.Context) (uint64, error) {
	raw, err := f.rdb.Get(ctx, f.key).Result()
	if err == redis.Nil {
		return 0, fmt.Errorf("%w: key %s not set", ErrPriceUnavailable, f.key)
	}
	if err != nil {
		return 0, fmt.Errorf("read price key %s: %w", f.key, err)
	}
	return parsePrice(raw)
}

// parsePrice validates the published string form.
func parsePrice(raw string) (uint64, error) {
	price, err := strconv.ParseUint(strings.TrimSpace(raw), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %q", ErrMalformedPrice, raw)
	}
	if price == 0 {
		return 0, fmt.Errorf("%w: price is zero", ErrMalformedPrice)
	}
	return price, nil
}
