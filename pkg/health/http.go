package health

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"
)

// HTTPChecker probes a cloud API URL. Cloud APIs answer anonymous requests
// with 401 or 403, so any status below MaxStatus counts as reachable.
type HTTPChecker struct {
	URL string

	// MaxStatus is the first status code treated as a failure
	// (default: 500)
	MaxStatus int

	Client *http.Client
}

// NewHTTPChecker creates a new HTTP checker
func NewHTTPChecker(url string) *HTTPChecker {
	return &HTTPChecker{
		URL:       url,
		MaxStatus: http.StatusInternalServerError,
		Client: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

// Check issues one GET request
func (h *HTTPChecker) Check(ctx context.Context) Result {
	start := time.Now()
	fail := func(format string, err error) Result {
		return Result{
			Message:   fmt.Sprintf(format, err),
			CheckedAt: start,
			Duration:  time.Since(start),
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, h.URL, nil)
	if err != nil {
		return fail("failed to create request: %v", err)
	}
	resp, err := h.Client.Do(req)
	if err != nil {
		return fail("request failed: %v", err)
	}
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
	resp.Body.Close()

	return Result{
		Healthy:   resp.StatusCode < h.MaxStatus,
		Message:   fmt.Sprintf("HTTP %d %s", resp.StatusCode, http.StatusText(resp.StatusCode)),
		CheckedAt: start,
		Duration:  time.Since(start),
	}
}

// Type returns the check type
func (h *HTTPChecker) Type() CheckType {
	return CheckTypeHTTP
}

// Target returns the probed URL
func (h *HTTPChecker) Target() string {
	return h.URL
}

// WithTimeout sets the HTTP client timeout. Zero keeps the default.
func (h *HTTPChecker) WithTimeout(timeout time.Duration) *HTTPChecker {
	if timeout > 0 {
		h.Client.Timeout = timeout
	}
	return h
}
