package venue

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"polyflow/internal/ratelimit"
	"polyflow/logger"
)

// GovernedTransport is an http.RoundTripper that charges every request to
// the governor before it leaves the process and feeds 429 responses back as
// backoff. Wrap the http.Client an implementation of Client uses and the
// governor cannot be bypassed.
type GovernedTransport struct {
	Base     http.RoundTripper
	Governor *ratelimit.Governor
	Log      *logger.Entry
}

func NewGovernedTransport(base http.RoundTripper, governor *ratelimit.Governor, log *logger.Log) *GovernedTransport {
	if base == nil {
		base = http.DefaultTransport
	}
	if log == nil {
		log = logger.GetLogger()
	}
	return &GovernedTransport{
		Base:     base,
		Governor: governor,
		Log:      log.WithComponent("venue"),
	}
}

func (t *GovernedTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	category := categorize(req)

	waited, err := t.Governor.Acquire(req.Context(), category, 1)
	if err != nil {
		return nil, err
	}
	// Order placement lives under two windows: the short burst quota and
	// the 10 minute sustained quota.
	if category == ratelimit.CategoryTradingBurst {
		sustained, err := t.Governor.Acquire(req.Context(), ratelimit.CategoryTradingSustained, 1)
		if err != nil {
			return nil, err
		}
		waited += sustained
	}
	if waited > 0 {
		t.Log.WithFields(logger.Fields{
			"category": string(category),
			"waited":   waited.String(),
			"path":     req.URL.Path,
		}).Debug("request throttled")
	}

	resp, err := t.Base.RoundTrip(req)
	if err != nil {
		return nil, err
	}

	if resp.StatusCode == http.StatusTooManyRequests {
		t.Governor.HandleRateLimitError(category, parseRetryAfter(resp.Header.Get("Retry-After")))
	}
	return resp, nil
}

// categorize maps a request to its endpoint category. Host and path prefixes
// follow the venue's API layout: the gamma host serves market discovery, the
// data host serves positions and activity, everything else is the CLOB.
func categorize(req *http.Request) ratelimit.Category {
	host := req.URL.Hostname()
	path := req.URL.Path

	switch {
	case strings.Contains(host, "gamma"):
		return ratelimit.CategoryGammaAPI
	case strings.Contains(host, "data"):
		return ratelimit.CategoryDataAPI
	}

	switch {
	case strings.HasPrefix(path, "/book") || strings.HasPrefix(path, "/price") ||
		strings.HasPrefix(path, "/books") || strings.HasPrefix(path, "/prices") ||
		strings.HasPrefix(path, "/midpoint"):
		return ratelimit.CategoryMarketData
	case strings.HasPrefix(path, "/orders") && req.Method != http.MethodGet:
		return ratelimit.CategoryBatchOps
	case strings.HasPrefix(path, "/order") && req.Method == http.MethodPost:
		return ratelimit.CategoryTradingBurst
	default:
		return ratelimit.CategoryClobGeneral
	}
}

// parseRetryAfter handles the delta-seconds form of the header; an HTTP-date
// or garbage yields zero, which falls back to exponential backoff.
func parseRetryAfter(value string) time.Duration {
	if value == "" {
		return 0
	}
	seconds, err := strconv.ParseFloat(strings.TrimSpace(value), 64)
	if err != nil || seconds <= 0 {
		return 0
	}
	return time.Duration(seconds * float64(time.Second))
}
