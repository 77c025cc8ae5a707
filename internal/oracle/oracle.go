// Package oracle supplies the bcoin median price consumed by the ratio
// and liquidation-threshold computations. Prices are 10^8-scaled
// integers: 100000000 means 1.0 scoin per bcoin.
package oracle

import (
	"context"
	"errors"
)

var (
	// ErrPriceUnavailable is returned when the feed has no published
	// price to serve.
	ErrPriceUnavailable = errors.New("oracle: median price unavailable")

	// ErrMalformedPrice is returned when the published value cannot be
	// parsed as a positive scaled integer.
	ErrMalformedPrice = errors.New("oracle: malformed median price")
)

// PriceFeed delivers the current bcoin median price. Implementations
// must treat a missing or unparsable price as an error, never as zero —
// a zero price would turn every position into a liquidation candidate.
type PriceFeed interface {
	BcoinMedianPrice(ctx context.Context) (uint64, error)
}

// StaticFeed serves a fixed price: development, tests, and deployments
// where the price is pinned by governance instead of a live feed.
type StaticFeed struct {
	price uint64
}

// NewStaticFeed creates a feed pinned to price.
func NewStaticFeed(price uint64) *StaticFeed {
	return &StaticFeed{price: price}
}

func (f *StaticFeed) BcoinMedianPrice(_ context.Context) (uint64, error) {
	if f.price == 0 {
		return 0, ErrPriceUnavailable
	}
	return f.price, nil
}
