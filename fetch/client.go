package fetch

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/hashicorp/go-retryablehttp"
)

const (
	DefaultRetries      = 10
	defaultRetryWaitMin = 1 * time.Second
	defaultRetryWaitMax = 30 * time.Second
	defaultTimeout      = 60 * time.Second
)

// fetchIDHeader tags requests with the Fetch call they belong to. colly builds
// requests without a context, the transport looks the caller's context up by
// this tag. It is never sent.
const fetchIDHeader = "X-Fetch-Id"

// newRetryClient returns an http.Client retrying transient errors with
// exponential backoff. Transport errors and 5xx responses are retried, 4xx are not.
func newRetryClient(cfg *config) *http.Client {
	rc := retryablehttp.NewClient()
	rc.RetryMax = cfg.retries
	rc.RetryWaitMin = cfg.retryWaitMin
	rc.RetryWaitMax = cfg.retryWaitMax
	rc.Backoff = retryablehttp.DefaultBackoff
	rc.CheckRetry = checkRetry
	rc.HTTPClient.Timeout = cfg.timeout
	rc.Logger = nil
	if cfg.logger != nil {
		rc.Logger = cfg.logger
	}
	return rc.StandardClient()
}

func checkRetry(ctx context.Context, resp *http.Response, err error) (bool, error) {
	if ctx.Err() != nil {
		return false, ctx.Err()
	}
	if err != nil {
		// DefaultRetryPolicy knows which transport errors are permanent
		// (invalid URL, TLS certificate problems, too many redirects).
		return retryablehttp.DefaultRetryPolicy(ctx, resp, err)
	}
	return resp.StatusCode >= http.StatusInternalServerError, nil
}

// withFetchContext returns a copy of c whose requests carry the context of
// the Fetch call they were made by, so that cancellation stops both the
// request and the retry loop of the retrying transport.
func withFetchContext(c *http.Client, ctxs *sync.Map) *http.Client {
	next := c.Transport
	if next == nil {
		next = http.DefaultTransport
	}
	cc := *c
	cc.Transport = &contextTransport{next: next, ctxs: ctxs}
	return &cc
}

type contextTransport struct {
	next http.RoundTripper
	ctxs *sync.Map // fetch ID => context.Context
}

func (t *contextTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	id := req.Header.Get(fetchIDHeader)
	if id == "" {
		return t.next.RoundTrip(req)
	}
	ctx := req.Context()
	if v, ok := t.ctxs.Load(id); ok {
		ctx = v.(context.Context)
	}
	req = req.Clone(ctx)
	req.Header.Del(fetchIDHeader)
	return t.next.RoundTrip(req)
}
