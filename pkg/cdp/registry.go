package cdp

import "fmt"

// Registry is the fixed set of supported collateral assets and their
// price feed adapters. It is built once at construction and never
// mutated afterward; all operations share it read-only.
type Registry struct {
	assets []string
	feeds  map[string]*FeedAdapter
}

// NewRegistry builds a registry from parallel asset and adapter lists.
// Iteration order over assets is the order given here.
func NewRegistry(assets []string, feeds []*FeedAdapter) (*Registry, error) {
	if len(assets) != len(feeds) {
		return nil, fmt.Errorf("%w: %d assets, %d feeds", ErrFeedLengthMismatch, len(assets), len(feeds))
	}
	r := &Registry{
		assets: make([]string, 0, len(assets)),
		feeds:  make(map[string]*FeedAdapter, len(assets)),
	}
	for i, asset := range assets {
		if _, exists := r.feeds[asset]; exists {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateAsset, asset)
		}
		r.assets = append(r.assets, asset)
		r.feeds[asset] = feeds[i]
	}
	return r, nil
}

// Supports reports whether asset is registered.
func (r *Registry) Supports(asset string) bool {
	_, ok := r.feeds[asset]
	return ok
}

// Assets returns the registered assets in registration order.
func (r *Registry) Assets() []string {
	out := make([]string, len(r.assets))
	copy(out, r.assets)
	return out
}

// Feed returns the adapter for asset, or nil if unregistered.
func (r *Registry) Feed(asset string) *FeedAdapter {
	return r.feeds[asset]
}
