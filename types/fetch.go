package types

import "context"

type Fetcher interface {
	Fetch(ctx context.Context, req *Request) (*Response, error)
}

type FetcherFunc func(ctx context.Context, req *Request) (*Response, error)

func (f FetcherFunc) Fetch(ctx context.Context, req *Request) (*Response, error) {
	return f(ctx, req)
}

type StrategyName string

const (
	StrategyNetworkOnly            StrategyName = "network-only"
	StrategyNetworkOnlyWithOffline StrategyName = "network-only-with-offline-fallback"
	StrategyNetworkFirst           StrategyName = "network-first-refresh-cache"
	StrategyCacheFirst             StrategyName = "cache-first-background-refresh"
)

func (s StrategyName) Valid() bool {
	switch s {
	case StrategyNetworkOnly, StrategyNetworkOnlyWithOffline, StrategyNetworkFirst, StrategyCacheFirst:
		return true
	}
	return false
}
