package health

import (
	"context"
	"io"
	"net/http"
	"time"

	"github.com/cruciblehq/kiln/internal/errs"
)

// Performs a single health check.
type Checker interface {
	Check(ctx context.Context) error
}

// Checks a service over HTTP.
//
// A check succeeds on any 2xx or 3xx response. Redirects are not followed.
type HTTPChecker struct {
	url    string
	client *http.Client
}

// Creates an [HTTPChecker] issuing GET requests to url.
func NewHTTPChecker(url string) *HTTPChecker {
	return &HTTPChecker{
		url: url,
		client: &http.Client{
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
	}
}

// Issues one request. The deadline of ctx bounds the whole exchange.
func (c *HTTPChecker) Check(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url, nil)
	if err != nil {
		return errs.Wrap(ErrCheckFailed, err)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return errs.Wrap(ErrCheckFailed, err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode < 200 || resp.StatusCode >= 400 {
		return errs.Wrapf(ErrCheckFailed, "%s: %s", c.url, resp.Status)
	}
	return nil
}

// Runs checks at the probe interval until ctx is done.
//
// The first check runs immediately. Each check is bounded by the probe
// timeout. report is called for every status change. Returns nil when ctx
// is cancelled.
func Watch(ctx context.Context, c Checker, p Probe, report func(Transition)) error {
	p = p.withDefaults()
	m := NewMonitor(p, time.Now())

	ticker := time.NewTicker(p.Interval)
	defer ticker.Stop()

	for {
		checkCtx, cancel := context.WithTimeout(ctx, p.Timeout)
		err := c.Check(checkCtx)
		cancel()

		if ctx.Err() != nil {
			return nil
		}

		if t, changed := m.Record(time.Now(), err); changed && report != nil {
			report(t)
		}

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}
