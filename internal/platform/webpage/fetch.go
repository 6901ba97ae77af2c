package webpage

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/yungbote/contentforge-backend/internal/platform/ctxutil"
	"github.com/yungbote/contentforge-backend/internal/platform/httpx"
	"github.com/yungbote/contentforge-backend/internal/platform/logger"
)

type Config struct {
	Timeout     time.Duration `envconfig:"WEBPAGE_TIMEOUT" default:"30s"`
	MaxBytes    int64         `envconfig:"WEBPAGE_MAX_BYTES" default:"5242880"`
	MaxAttempts int           `envconfig:"WEBPAGE_MAX_ATTEMPTS" default:"3"`
	UserAgent   string        `envconfig:"WEBPAGE_USER_AGENT" default:"Mozilla/5.0 (compatible; contentforge/1.0)"`
}

// Fetcher downloads HTML pages and reduces them to their readable content.
type Fetcher interface {
	Fetch(ctx context.Context, pageURL string) (*Page, error)
}

type fetcher struct {
	log  *logger.Logger
	cfg  Config
	http *http.Client
	// sleep is swapped out by tests.
	sleep func(ctx context.Context, d time.Duration) error
}

func New(log *logger.Logger, cfg Config) Fetcher {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.MaxBytes <= 0 {
		cfg.MaxBytes = 5 << 20
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	return &fetcher{
		log:   log.With("service", "WebpageFetcher"),
		cfg:   cfg,
		http:  &http.Client{Timeout: cfg.Timeout},
		sleep: httpx.Sleep,
	}
}

type statusError struct {
	StatusCode int
}

func (e *statusError) Error() string       { return fmt.Sprintf("fetch page: http %d", e.StatusCode) }
func (e *statusError) HTTPStatusCode() int { return e.StatusCode }

func (f *fetcher) Fetch(ctx context.Context, pageURL string) (*Page, error) {
	ctx = ctxutil.Default(ctx)
	if !strings.HasPrefix(pageURL, "http://") && !strings.HasPrefix(pageURL, "https://") {
		return nil, fmt.Errorf("unsupported page url %q", pageURL)
	}

	backoff := time.Second
	for attempt := 1; ; attempt++ {
		page, err := f.fetchOnce(ctx, pageURL)
		if err == nil {
			return page, nil
		}
		if !httpx.IsRetryableError(err) || attempt >= f.cfg.MaxAttempts {
			return nil, err
		}
		f.log.Warn("page fetch retrying", "url", pageURL, "attempt", attempt, "error", err.Error())
		if serr := f.sleep(ctx, httpx.JitterSleep(backoff)); serr != nil {
			return nil, serr
		}
		backoff *= 2
	}
}

func (f *fetcher) fetchOnce(ctx context.Context, pageURL string) (*Page, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, pageURL, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", f.cfg.UserAgent)
	req.Header.Set("Accept", "text/html,application/xhtml+xml")
	resp, err := f.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, &statusError{StatusCode: resp.StatusCode}
	}
	if ct := resp.Header.Get("Content-Type"); ct != "" && !strings.Contains(strings.ToLower(ct), "html") {
		return nil, fmt.Errorf("fetch page: unsupported content type %q", ct)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, f.cfg.MaxBytes+1))
	if err != nil {
		return nil, fmt.Errorf("read page: %w", err)
	}
	if int64(len(body)) > f.cfg.MaxBytes {
		return nil, fmt.Errorf("page exceeds %d bytes", f.cfg.MaxBytes)
	}
	return Parse(bytes.NewReader(body), pageURL)
}
