package middleware

import (
	"bytes"
	"compress/gzip"
	"strings"
	"sync"

	"github.com/andybalholm/brotli"
	"github.com/valyala/fasthttp"
	"go.uber.org/zap"

	"github.com/saiset-co/sai-offline/types"
	"github.com/saiset-co/sai-offline/utils"
)

const (
	AlgorithmGzip       = "gzip"
	AlgorithmBrotli     = "br"
	DefaultLevel        = 6
	DefaultThreshold    = 1024
	MinCompressionRatio = 0.05
)

type CompressionMiddleware struct {
	logger            types.Logger
	metrics           types.MetricsManager
	compressionConfig *CompressionConfig
	weight            int
	bufferPool        sync.Pool
}

type CompressionConfig struct {
	Algorithms   []string `json:"algorithms"`
	Level        int      `json:"level"`
	Threshold    int      `json:"threshold"`
	AllowedTypes []string `json:"allowed_types"`
}

func defaultCompressionConfig() *CompressionConfig {
	return &CompressionConfig{
		Algorithms: []string{AlgorithmBrotli, AlgorithmGzip},
		Level:      DefaultLevel,
		Threshold:  DefaultThreshold,
		AllowedTypes: []string{
			"text/*",
			"application/json",
			"application/javascript",
			"application/manifest+json",
			"image/svg+xml",
		},
	}
}

func NewCompressionMiddleware(logger types.Logger, metrics types.MetricsManager, config *types.MiddlewareItemConfig) *CompressionMiddleware {
	compressionConfig := defaultCompressionConfig()

	if config.Params != nil {
		if err := utils.UnmarshalConfig(config.Params, compressionConfig); err != nil {
			logger.Error("Failed to unmarshal compression middleware config", zap.Error(err))
		}
	}

	if compressionConfig.Level < 1 || compressionConfig.Level > 9 {
		logger.Warn("Invalid compression level, using default", zap.Int("level", compressionConfig.Level))
		compressionConfig.Level = DefaultLevel
	}

	return &CompressionMiddleware{
		logger:            logger,
		metrics:           metrics,
		compressionConfig: compressionConfig,
		weight:            config.Weight,
		bufferPool: sync.Pool{
			New: func() interface{} {
				return new(bytes.Buffer)
			},
		},
	}
}

func (c *CompressionMiddleware) Name() string { return "compression" }
func (c *CompressionMiddleware) Weight() int  { return c.weight }

func (c *CompressionMiddleware) Handle(ctx *fasthttp.RequestCtx, next fasthttp.RequestHandler) {
	next(ctx)

	algorithm := c.negotiate(ctx.Request.Header.Peek(fasthttp.HeaderAcceptEncoding))
	if algorithm == "" {
		return
	}

	if len(ctx.Response.Header.Peek(fasthttp.HeaderContentEncoding)) > 0 {
		return
	}

	if !c.shouldCompress(ctx.Response.Header.ContentType()) {
		return
	}

	body := ctx.Response.Body()
	if len(body) < c.compressionConfig.Threshold {
		return
	}

	compressed, err := c.compress(algorithm, body)
	if err != nil {
		c.logger.Warn("Compression failed", zap.String("algorithm", algorithm), zap.Error(err))
		return
	}

	if 1.0-float64(len(compressed))/float64(len(body)) < MinCompressionRatio {
		return
	}

	ctx.Response.SetBody(compressed)
	ctx.Response.Header.Set(fasthttp.HeaderContentEncoding, algorithm)
	ctx.Response.Header.SetContentLength(len(compressed))
	addVary(ctx, fasthttp.HeaderAcceptEncoding)

	c.metrics.Counter("http_compressed_responses_total", map[string]string{"algorithm": algorithm}).Inc()
}

// negotiate picks the first configured algorithm the client accepts.
func (c *CompressionMiddleware) negotiate(acceptEncoding []byte) string {
	if len(acceptEncoding) == 0 {
		return ""
	}

	accepted := make(map[string]struct{})
	for _, part := range strings.Split(string(acceptEncoding), ",") {
		name, params, _ := strings.Cut(part, ";")
		if q := strings.TrimSpace(params); q == "q=0" || q == "q=0.0" {
			continue
		}
		accepted[strings.ToLower(strings.TrimSpace(name))] = struct{}{}
	}

	for _, algorithm := range c.compressionConfig.Algorithms {
		if _, ok := accepted[algorithm]; ok {
			return algorithm
		}
	}
	return ""
}

func (c *CompressionMiddleware) shouldCompress(contentType []byte) bool {
	if len(contentType) == 0 {
		return false
	}

	ct := string(contentType)
	if semicolon := strings.Index(ct, ";"); semicolon != -1 {
		ct = ct[:semicolon]
	}
	ct = strings.TrimSpace(strings.ToLower(ct))

	for _, allowed := range c.compressionConfig.AllowedTypes {
		if allowed == ct {
			return true
		}
		if strings.HasSuffix(allowed, "*") && strings.HasPrefix(ct, strings.TrimSuffix(allowed, "*")) {
			return true
		}
	}
	return false
}

func (c *CompressionMiddleware) compress(algorithm string, data []byte) ([]byte, error) {
	buf := c.bufferPool.Get().(*bytes.Buffer)
	buf.Reset()
	defer c.bufferPool.Put(buf)

	switch algorithm {
	case AlgorithmBrotli:
		writer := brotli.NewWriterLevel(buf, c.compressionConfig.Level)
		if _, err := writer.Write(data); err != nil {
			return nil, err
		}
		if err := writer.Close(); err != nil {
			return nil, err
		}
	case AlgorithmGzip:
		writer, err := gzip.NewWriterLevel(buf, c.compressionConfig.Level)
		if err != nil {
			return nil, err
		}
		if _, err := writer.Write(data); err != nil {
			return nil, err
		}
		if err := writer.Close(); err != nil {
			return nil, err
		}
	default:
		return nil, types.Errorf(types.ErrInvalidParameter, "unsupported algorithm %s", algorithm)
	}

	return append([]byte(nil), buf.Bytes()...), nil
}

func addVary(ctx *fasthttp.RequestCtx, value string) {
	existing := string(ctx.Response.Header.Peek(fasthttp.HeaderVary))
	if existing == "" {
		ctx.Response.Header.Set(fasthttp.HeaderVary, value)
		return
	}
	if !strings.Contains(strings.ToLower(existing), strings.ToLower(value)) {
		ctx.Response.Header.Set(fasthttp.HeaderVary, existing+", "+value)
	}
}
