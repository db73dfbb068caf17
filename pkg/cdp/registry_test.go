package cdp

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testAdapters(n int) []*FeedAdapter {
	out := make([]*FeedAdapter, n)
	for i := range out {
		out[i] = NewFeedAdapter(NewManualFeed(feedPrice(1000)))
	}
	return out
}

func TestNewRegistry(t *testing.T) {
	registry, err := NewRegistry([]string{"ETH", "BTC"}, testAdapters(2))
	require.NoError(t, err)

	assert.True(t, registry.Supports("ETH"))
	assert.True(t, registry.Supports("BTC"))
	assert.False(t, registry.Supports("DOGE"))
	assert.NotNil(t, registry.Feed("ETH"))
	assert.Nil(t, registry.Feed("DOGE"))
}

func TestNewRegistryLengthMismatch(t *testing.T) {
	_, err := NewRegistry([]string{"ETH", "BTC"}, testAdapters(1))
	assert.ErrorIs(t, err, ErrFeedLengthMismatch)
}

func TestNewRegistryDuplicateAsset(t *testing.T) {
	_, err := NewRegistry([]string{"ETH", "ETH"}, testAdapters(2))
	assert.ErrorIs(t, err, ErrDuplicateAsset)
}

func TestRegistryAssetOrder(t *testing.T) {
	assets := []string{"ETH", "BTC", "SOL", "AVAX"}
	registry, err := NewRegistry(assets, testAdapters(len(assets)))
	require.NoError(t, err)

	assert.Equal(t, assets, registry.Assets())

	// The returned slice is a copy; callers cannot reorder the
	// registry.
	got := registry.Assets()
	got[0], got[1] = got[1], got[0]
	assert.Equal(t, assets, registry.Assets())
}
