package repositories

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"syncmesh/internal/core/domain"
	"syncmesh/pkg/retry"

	"go.uber.org/zap"
)

// maxOriginBody caps how much a single origin response may carry; anything
// larger would never pass cache admission anyway.
const maxOriginBody = 128 << 20

// HTTPOriginFetcher pulls content from an origin server over HTTP when the
// edge misses. Cache keys map to origin paths; transient fetch failures are
// retried with backoff.
type HTTPOriginFetcher struct {
	baseURL  string
	client   *http.Client
	retryCfg retry.Config
	logger   *zap.SugaredLogger
}

func NewHTTPOriginFetcher(baseURL string, timeout time.Duration, logger *zap.SugaredLogger) (*HTTPOriginFetcher, error) {
	parsed, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("invalid origin url %q: %w", baseURL, err)
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return nil, fmt.Errorf("origin url %q must use http or https", baseURL)
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	return &HTTPOriginFetcher{
		baseURL:  strings.TrimSuffix(baseURL, "/"),
		client:   &http.Client{Timeout: timeout},
		retryCfg: retry.DefaultConfig(),
		logger:   logger,
	}, nil
}

// Fetch retrieves the content for a cache key from the origin.
func (f *HTTPOriginFetcher) Fetch(ctx context.Context, key string) ([]byte, domain.CacheMetadata, error) {
	target := f.baseURL + "/" + strings.TrimPrefix(key, "/")

	type fetched struct {
		data        []byte
		contentType string
	}

	result, err := retry.DoWithResult(ctx, f.retryCfg, func() (fetched, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
		if err != nil {
			return fetched{}, fmt.Errorf("failed to build origin request: %w", err)
		}

		resp, err := f.client.Do(req)
		if err != nil {
			return fetched{}, fmt.Errorf("origin request failed: %w", err)
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			io.Copy(io.Discard, resp.Body)
			return fetched{}, fmt.Errorf("origin returned status %d for %s", resp.StatusCode, key)
		}

		data, err := io.ReadAll(io.LimitReader(resp.Body, maxOriginBody+1))
		if err != nil {
			return fetched{}, fmt.Errorf("failed to read origin body: %w", err)
		}
		if len(data) > maxOriginBody {
			return fetched{}, fmt.Errorf("origin body for %s exceeds %d bytes", key, maxOriginBody)
		}

		return fetched{data: data, contentType: resp.Header.Get("Content-Type")}, nil
	})
	if err != nil {
		return nil, domain.CacheMetadata{}, err
	}

	sum := sha256.Sum256(result.data)
	meta := domain.CacheMetadata{
		ContentType: result.contentType,
		Size:        len(result.data),
		Checksum:    hex.EncodeToString(sum[:]),
		Encoding:    "identity",
	}

	f.logger.Debugw("fetched from origin",
		"key", key,
		"bytes", len(result.data),
		"content_type", result.contentType,
	)
	return result.data, meta, nil
}
