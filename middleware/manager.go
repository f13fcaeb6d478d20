package middleware

import (
	"sort"

	"github.com/valyala/fasthttp"
	"go.uber.org/zap"

	"github.com/saiset-co/sai-offline/types"
)

type Middleware interface {
	Name() string
	Weight() int
	Handle(ctx *fasthttp.RequestCtx, next fasthttp.RequestHandler)
}

// Chain applies middlewares in ascending weight order; the lightest one
// is outermost.
type Chain struct {
	logger      types.Logger
	middlewares []Middleware
}

func NewChain(logger types.Logger, metrics types.MetricsManager, config *types.MiddlewaresConfig) (*Chain, error) {
	chain := &Chain{logger: logger}

	if config == nil {
		return chain, nil
	}

	if enabled(config.Recovery) {
		if err := chain.Register(NewRecoveryMiddleware(logger, metrics, config.Recovery)); err != nil {
			return nil, err
		}
	}

	if enabled(config.Logging) {
		if err := chain.Register(NewLoggingMiddleware(logger, metrics, config.Logging)); err != nil {
			return nil, err
		}
	}

	if enabled(config.Compression) {
		if err := chain.Register(NewCompressionMiddleware(logger, metrics, config.Compression)); err != nil {
			return nil, err
		}
	}

	return chain, nil
}

func (c *Chain) Register(middleware Middleware) error {
	if middleware == nil {
		return types.Errorf(types.ErrInvalidParameter, "middleware is nil")
	}

	for _, existing := range c.middlewares {
		if existing.Name() == middleware.Name() {
			return types.NewErrorf("middleware %s already registered", middleware.Name())
		}
		if existing.Weight() == middleware.Weight() {
			return types.NewErrorf("duplicate weight %d for middlewares '%s' and '%s'",
				middleware.Weight(), existing.Name(), middleware.Name())
		}
	}

	c.middlewares = append(c.middlewares, middleware)
	sort.SliceStable(c.middlewares, func(i, j int) bool {
		return c.middlewares[i].Weight() < c.middlewares[j].Weight()
	})

	c.logger.Info("Middleware registered",
		zap.String("name", middleware.Name()),
		zap.Int("weight", middleware.Weight()))

	return nil
}

func (c *Chain) Then(handler fasthttp.RequestHandler) fasthttp.RequestHandler {
	wrapped := handler
	for i := len(c.middlewares) - 1; i >= 0; i-- {
		mw, next := c.middlewares[i], wrapped
		wrapped = func(ctx *fasthttp.RequestCtx) {
			mw.Handle(ctx, next)
		}
	}
	return wrapped
}

func (c *Chain) Names() []string {
	names := make([]string, 0, len(c.middlewares))
	for _, mw := range c.middlewares {
		names = append(names, mw.Name())
	}
	return names
}

func enabled(item *types.MiddlewareItemConfig) bool {
	return item != nil && item.Enabled
}
