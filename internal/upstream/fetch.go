package upstream

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"

	"github.com/invoicesearchjp/invoicesearch/internal/invoice"
	"github.com/invoicesearchjp/invoicesearch/internal/observability"
)

// HTTPConfig configures HTTPFetcher.
type HTTPConfig struct {
	Timeout      time.Duration // per attempt; default 120s
	Retries      int           // extra attempts after the first; default 3
	RetryWait    time.Duration // default 2s
	RetryMaxWait time.Duration // default 30s
	UserAgent    string
}

// HTTPFetcher downloads files over HTTP with retries on transport errors,
// 429 and 5xx responses.
type HTTPFetcher struct {
	client *resty.Client
	logger *observability.Logger
}

// NewHTTPFetcher creates a fetcher. logger may be nil.
func NewHTTPFetcher(cfg HTTPConfig, logger *observability.Logger) *HTTPFetcher {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 120 * time.Second
	}
	if cfg.Retries < 0 {
		cfg.Retries = 0
	}
	if cfg.RetryWait <= 0 {
		cfg.RetryWait = 2 * time.Second
	}
	if cfg.RetryMaxWait <= 0 {
		cfg.RetryMaxWait = 30 * time.Second
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = "invoicesearch"
	}
	if logger == nil {
		logger = observability.NewNop()
	}

	client := resty.New().
		SetTimeout(cfg.Timeout).
		SetRetryCount(cfg.Retries).
		SetRetryWaitTime(cfg.RetryWait).
		SetRetryMaxWaitTime(cfg.RetryMaxWait).
		SetHeader("User-Agent", cfg.UserAgent).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			if err != nil {
				return true
			}
			return r.StatusCode() == http.StatusTooManyRequests || r.StatusCode() >= 500
		})

	return &HTTPFetcher{client: client, logger: logger}
}

// Fetch implements Fetcher.
func (f *HTTPFetcher) Fetch(ctx context.Context, url string) ([]byte, error) {
	start := time.Now()
	resp, err := f.client.R().SetContext(ctx).Get(url)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			err = ctxErr
		}
		f.logger.Warn("download failed", zap.String("url", url), zap.Error(err))
		return nil, &invoice.FetchError{URL: url, Err: err}
	}
	if resp.StatusCode() != http.StatusOK {
		f.logger.Debug("download rejected",
			zap.String("url", url),
			zap.Int("status_code", resp.StatusCode()),
		)
		return nil, &invoice.FetchError{
			URL:        url,
			StatusCode: resp.StatusCode(),
			Err:        fmt.Errorf("unexpected status %s", resp.Status()),
		}
	}

	body := resp.Body()
	sum := sha256.Sum256(body)
	f.logger.Debug("downloaded",
		zap.String("url", url),
		zap.Int("bytes", len(body)),
		zap.String("sha256", hex.EncodeToString(sum[:])),
		zap.Duration("duration", time.Since(start)),
	)
	return body, nil
}

// IsNotFound reports whether err is a fetch that upstream answered with 404.
func IsNotFound(err error) bool {
	var fe *invoice.FetchError
	return errors.As(err, &fe) && fe.StatusCode == http.StatusNotFound
}
