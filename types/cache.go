package types

import (
	"context"
)

type CacheStorage interface {
	Open(ctx context.Context, name string) (CacheBucket, error)
	Has(ctx context.Context, name string) (bool, error)
	Delete(ctx context.Context, name string) (bool, error)
	Keys(ctx context.Context) ([]string, error)
	Match(ctx context.Context, req *Request) (*Response, bool, error)
	DeleteExcept(ctx context.Context, keep ...string) error
}

type CacheBucket interface {
	Name() string
	Match(ctx context.Context, req *Request) (*Response, bool, error)
	Put(ctx context.Context, req *Request, resp *Response) error
	Delete(ctx context.Context, req *Request) (bool, error)
	Keys(ctx context.Context) ([]string, error)
}
