package cdp

import (
	"sync"
	"time"

	"github.com/holiman/uint256"
)

// PriceQuote is one observation from an external price source. Price
// is positive and carried at FeedDecimals scale.
type PriceQuote struct {
	Price     *uint256.Int
	UpdatedAt time.Time
}

// PriceFeed is the read interface of an external price source. Every
// call re-reads the source; the engine does no caching.
type PriceFeed interface {
	LatestQuote() (PriceQuote, error)
}

// FeedAdapter wraps a PriceFeed with a staleness guard and rescales
// quotes from FeedDecimals to the engine's internal precision.
type FeedAdapter struct {
	feed PriceFeed
	now  func() time.Time
}

// NewFeedAdapter wraps feed. The adapter holds no state of its own.
func NewFeedAdapter(feed PriceFeed) *FeedAdapter {
	return &FeedAdapter{feed: feed, now: time.Now}
}

// ScaledPrice returns the latest price at Precision scale. It fails
// with ErrStalePrice when the quote is older than StalenessTimeout.
func (a *FeedAdapter) ScaledPrice() (*uint256.Int, error) {
	quote, err := a.feed.LatestQuote()
	if err != nil {
		return nil, err
	}
	if a.now().Sub(quote.UpdatedAt) > StalenessTimeout {
		return nil, ErrStalePrice
	}
	scaled, overflow := new(uint256.Int).MulOverflow(quote.Price, FeedPrecisionBoost)
	if overflow {
		return nil, ErrOverflow
	}
	return scaled, nil
}

// ManualFeed is an in-memory PriceFeed whose quote is set by the
// operator. The daemon uses it to bootstrap prices; tests use it to
// drive scenarios.
type ManualFeed struct {
	mu    sync.RWMutex
	quote PriceQuote
}

// NewManualFeed creates a feed reporting price (FeedDecimals scale)
// as of now.
func NewManualFeed(price *uint256.Int) *ManualFeed {
	return &ManualFeed{quote: PriceQuote{Price: price.Clone(), UpdatedAt: time.Now()}}
}

// Set replaces the current quote.
func (f *ManualFeed) Set(price *uint256.Int, updatedAt time.Time) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.quote = PriceQuote{Price: price.Clone(), UpdatedAt: updatedAt}
}

// LatestQuote implements PriceFeed.
func (f *ManualFeed) LatestQuote() (PriceQuote, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return PriceQuote{Price: f.quote.Price.Clone(), UpdatedAt: f.quote.UpdatedAt}, nil
}
