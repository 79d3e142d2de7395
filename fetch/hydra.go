package fetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gocolly/colly/v2"
)

// DefaultBaseURL is the Hydra instance of the NixOS build farm.
const DefaultBaseURL = "https://hydra.nixos.org"

// Hydra implements Fetcher that scrapes Hydra build pages.
// It is safe for concurrent use.
type Hydra struct {
	baseURL   string
	userAgent string
	c         *colly.Collector
	logger    *slog.Logger

	// contexts of in-flight Fetch calls by fetch ID
	ctxs   sync.Map
	nextID atomic.Uint64
}

// Option configures Hydra during construction.
type Option func(*config) error

type config struct {
	baseURL      string
	retries      int
	retryWaitMin time.Duration
	retryWaitMax time.Duration
	timeout      time.Duration
	httpClient   *http.Client
	logger       *slog.Logger
}

// WithBaseURL overrides the Hydra instance URL.
func WithBaseURL(u string) Option {
	return func(cfg *config) error {
		if u == "" {
			return errors.New("empty base URL")
		}
		cfg.baseURL = strings.TrimSuffix(u, "/")
		return nil
	}
}

// WithRetries sets the maximum number of retries of transient errors.
func WithRetries(n int) Option {
	return func(cfg *config) error {
		if n < 0 {
			return fmt.Errorf("invalid retries: %d", n)
		}
		cfg.retries = n
		return nil
	}
}

// WithRetryWait sets the backoff bounds.
func WithRetryWait(min, max time.Duration) Option {
	return func(cfg *config) error {
		if min <= 0 || max < min {
			return fmt.Errorf("invalid retry wait: %s..%s", min, max)
		}
		cfg.retryWaitMin = min
		cfg.retryWaitMax = max
		return nil
	}
}

// WithTimeout sets the timeout of a single request attempt.
func WithTimeout(d time.Duration) Option {
	return func(cfg *config) error {
		cfg.timeout = d
		return nil
	}
}

// WithHTTPClient replaces the retrying HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(cfg *config) error {
		cfg.httpClient = c
		return nil
	}
}

// WithLogger configures structured logging.
func WithLogger(l *slog.Logger) Option {
	return func(cfg *config) error {
		cfg.logger = l
		return nil
	}
}

// request context keys
const (
	buildKey = "build"
	errKey   = "error"
)

func NewHydra(userAgent string, opts ...Option) (*Hydra, error) {
	cfg := &config{
		baseURL:      DefaultBaseURL,
		retries:      DefaultRetries,
		retryWaitMin: defaultRetryWaitMin,
		retryWaitMax: defaultRetryWaitMax,
		timeout:      defaultTimeout,
	}
	for _, opt := range opts {
		if err := opt(cfg); err != nil {
			return nil, err
		}
	}

	logger := cfg.logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	h := &Hydra{
		baseURL:   cfg.baseURL,
		userAgent: userAgent,
		logger:    logger,
	}

	c := colly.NewCollector(
		colly.UserAgent(userAgent),
		colly.AllowURLRevisit(), // the same build may be listed by several evaluations
		colly.MaxBodySize(0),
	)
	httpClient := cfg.httpClient
	if httpClient == nil {
		httpClient = newRetryClient(cfg)
	}
	c.SetClient(withFetchContext(httpClient, &h.ctxs))

	c.OnHTML("html", func(e *colly.HTMLElement) {
		// Build page, e.g. https://hydra.nixos.org/build/247000000
		// See schema.go for the expected page structure.
		b, err := ParseBuild(e.DOM, e.Request.AbsoluteURL)
		if err != nil {
			e.Request.Ctx.Put(errKey, err)
			return
		}
		e.Request.Ctx.Put(buildKey, b)
	})
	h.c = c

	return h, nil
}

// BuildURL returns the page URL of build id.
func (h *Hydra) BuildURL(id uint64) string {
	return h.baseURL + "/build/" + strconv.FormatUint(id, 10)
}

func (h *Hydra) Fetch(ctx context.Context, id uint64) (*Build, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	u := h.BuildURL(id)
	h.logger.Debug("fetching build", "build", id, "url", u)

	fid := strconv.FormatUint(h.nextID.Add(1), 10)
	h.ctxs.Store(fid, ctx)
	defer h.ctxs.Delete(fid)

	hdr := http.Header{
		"User-Agent":  []string{h.userAgent},
		fetchIDHeader: []string{fid},
	}
	rctx := colly.NewContext()
	if err := h.c.Request(http.MethodGet, u, nil, rctx, hdr); err != nil {
		if cerr := ctx.Err(); cerr != nil {
			return nil, cerr
		}
		return nil, fmt.Errorf("error fetching %s: %w", u, err)
	}
	if err, ok := rctx.GetAny(errKey).(error); ok {
		return nil, fmt.Errorf("error parsing %s: %w", u, err)
	}
	b, ok := rctx.GetAny(buildKey).(*Build)
	if !ok {
		return nil, fmt.Errorf("error parsing %s: %w: not an HTML page", u, ErrParse)
	}
	b.ID = id
	h.logger.Debug("detected architecture", "build", id, "system", b.System, "deps", len(b.Deps))

	return b, nil
}
