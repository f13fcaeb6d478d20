package middleware

import (
	"bytes"
	"compress/gzip"
	"io"
	"strings"
	"testing"

	"github.com/andybalholm/brotli"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/valyala/fasthttp"

	"github.com/saiset-co/sai-offline/logger"
	"github.com/saiset-co/sai-offline/metrics"
	"github.com/saiset-co/sai-offline/types"
)

func middlewaresConfig() *types.MiddlewaresConfig {
	return &types.MiddlewaresConfig{
		Recovery:    &types.MiddlewareItemConfig{Enabled: true, Weight: 10},
		Logging:     &types.MiddlewareItemConfig{Enabled: true, Weight: 20},
		Compression: &types.MiddlewareItemConfig{Enabled: true, Weight: 30},
	}
}

func newRequestCtx(method, path, acceptEncoding string) *fasthttp.RequestCtx {
	ctx := &fasthttp.RequestCtx{}
	ctx.Request.Header.SetMethod(method)
	ctx.Request.SetRequestURI(path)
	if acceptEncoding != "" {
		ctx.Request.Header.Set(fasthttp.HeaderAcceptEncoding, acceptEncoding)
	}
	return ctx
}

func TestChain_OrderByWeight(t *testing.T) {
	cfg := middlewaresConfig()
	cfg.Recovery.Weight = 50

	chain, err := NewChain(logger.NewNop(), metrics.NewNop(), cfg)
	require.NoError(t, err)
	assert.Equal(t, []string{"logging", "compression", "recovery"}, chain.Names())
}

func TestChain_DuplicateWeight(t *testing.T) {
	cfg := middlewaresConfig()
	cfg.Logging.Weight = 10

	_, err := NewChain(logger.NewNop(), metrics.NewNop(), cfg)
	assert.Error(t, err)
}

func TestRecovery_PanicBecomes500(t *testing.T) {
	chain, err := NewChain(logger.NewNop(), metrics.NewNop(), middlewaresConfig())
	require.NoError(t, err)

	handler := chain.Then(func(*fasthttp.RequestCtx) { panic("handler exploded") })

	ctx := newRequestCtx(fasthttp.MethodGet, "/boom", "")
	require.NotPanics(t, func() { handler(ctx) })
	assert.Equal(t, fasthttp.StatusInternalServerError, ctx.Response.StatusCode())
}

func TestLogging_KeepsIncomingRequestID(t *testing.T) {
	mw := NewLoggingMiddleware(logger.NewNop(), metrics.NewNop(), &types.MiddlewareItemConfig{Enabled: true})

	ctx := newRequestCtx(fasthttp.MethodGet, "/", "")
	ctx.Request.Header.Set(RequestIDHeader, "req-123")

	mw.Handle(ctx, func(ctx *fasthttp.RequestCtx) { ctx.SetStatusCode(fasthttp.StatusOK) })
	assert.Equal(t, "req-123", string(ctx.Response.Header.Peek(RequestIDHeader)))
}

func TestCompression(t *testing.T) {
	page := strings.Repeat("<p>offline reviews</p>", 200)

	tests := []struct {
		name           string
		acceptEncoding string
		contentType    string
		preEncoded     bool
		body           string
		want           string
	}{
		{name: "prefers brotli", acceptEncoding: "gzip, deflate, br", contentType: "text/html; charset=utf-8", body: page, want: AlgorithmBrotli},
		{name: "falls back to gzip", acceptEncoding: "gzip", contentType: "text/html", body: page, want: AlgorithmGzip},
		{name: "refused brotli", acceptEncoding: "br;q=0, gzip", contentType: "text/css", body: page, want: AlgorithmGzip},
		{name: "no accept encoding", contentType: "text/html", body: page, want: ""},
		{name: "binary type", acceptEncoding: "br", contentType: "image/png", body: page, want: ""},
		{name: "below threshold", acceptEncoding: "br", contentType: "text/html", body: "<p>hi</p>", want: ""},
		{name: "already encoded", acceptEncoding: "br", contentType: "text/html", preEncoded: true, body: page, want: "identity"},
	}

	mw := NewCompressionMiddleware(logger.NewNop(), metrics.NewNop(), &types.MiddlewareItemConfig{Enabled: true})

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := newRequestCtx(fasthttp.MethodGet, "/", tt.acceptEncoding)

			mw.Handle(ctx, func(ctx *fasthttp.RequestCtx) {
				ctx.SetContentType(tt.contentType)
				if tt.preEncoded {
					ctx.Response.Header.Set(fasthttp.HeaderContentEncoding, "identity")
				}
				ctx.SetBodyString(tt.body)
			})

			assert.Equal(t, tt.want, string(ctx.Response.Header.Peek(fasthttp.HeaderContentEncoding)))

			var reader io.Reader
			switch tt.want {
			case AlgorithmBrotli:
				reader = brotli.NewReader(bytes.NewReader(ctx.Response.Body()))
			case AlgorithmGzip:
				gz, err := gzip.NewReader(bytes.NewReader(ctx.Response.Body()))
				require.NoError(t, err)
				reader = gz
			default:
				assert.Equal(t, tt.body, string(ctx.Response.Body()))
				return
			}

			decoded, err := io.ReadAll(reader)
			require.NoError(t, err)
			assert.Equal(t, tt.body, string(decoded))
			assert.Equal(t, fasthttp.HeaderAcceptEncoding, string(ctx.Response.Header.Peek(fasthttp.HeaderVary)))
		})
	}
}
