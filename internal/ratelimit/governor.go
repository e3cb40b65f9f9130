package ratelimit

import (
	"context"
	"sort"
	"sync"
	"time"

	"polyflow/internal/metrics"
	"polyflow/logger"
)

// Category identifies one of the venue's rate-quota classes. Every outbound
// REST call is attributed to exactly one category.
type Category string

const (
	CategoryClobGeneral      Category = "clob_general"      // general CLOB trading endpoints
	CategoryMarketData       Category = "market_data"       // /book, /price reads
	CategoryBatchOps         Category = "batch_ops"         // batch order endpoints
	CategoryTradingBurst     Category = "trading_burst"     // short-window order placement
	CategoryTradingSustained Category = "trading_sustained" // 10 minute order placement window
	CategoryGammaAPI         Category = "gamma_api"         // market discovery
	CategoryDataAPI          Category = "data_api"          // positions, balances, activity
)

// Limit configures one category's bucket.
type Limit struct {
	MaxTokens  float64
	RefillRate float64
	Window     time.Duration
}

// DefaultLimits returns the venue's published quotas.
func DefaultLimits() map[Category]Limit {
	return map[Category]Limit{
		CategoryClobGeneral:      {MaxTokens: 5000, RefillRate: 500, Window: 10 * time.Second},
		CategoryMarketData:       {MaxTokens: 200, RefillRate: 20, Window: 10 * time.Second},
		CategoryBatchOps:         {MaxTokens: 80, RefillRate: 8, Window: 10 * time.Second},
		CategoryTradingBurst:     {MaxTokens: 2400, RefillRate: 240, Window: 10 * time.Second},
		CategoryTradingSustained: {MaxTokens: 24000, RefillRate: 40, Window: 10 * time.Minute},
		CategoryGammaAPI:         {MaxTokens: 750, RefillRate: 75, Window: 10 * time.Second},
		CategoryDataAPI:          {MaxTokens: 200, RefillRate: 20, Window: 10 * time.Second},
	}
}

// CategoryStatus is a read-only snapshot of one category's budget.
type CategoryStatus struct {
	Category         Category      `json:"category"`
	AvailableTokens  float64       `json:"available_tokens"`
	MaxTokens        float64       `json:"max_tokens"`
	RefillRate       float64       `json:"refill_rate_per_sec"`
	BackoffRemaining time.Duration `json:"backoff_remaining"`
	Throttled        bool          `json:"is_throttled"`
}

// Governor is the front door for every outbound call to the venue. It owns
// one bucket per endpoint category plus the shared 429 backoff map. The
// backoff map has its own lock so that a slow bucket wait never holds up
// backoff reads on other categories.
type Governor struct {
	buckets map[Category]*Bucket

	backoffMu    sync.Mutex
	backoffUntil map[Category]time.Time
	backoffBase  time.Duration
	backoffMax   time.Duration

	log *logger.Log
}

// NewGovernor builds a governor with one bucket per configured category.
// Zero backoff durations fall back to the 1s base / 60s ceiling the venue's
// documentation suggests.
func NewGovernor(limits map[Category]Limit, backoffBase, backoffMax time.Duration, log *logger.Log) *Governor {
	if log == nil {
		log = logger.GetLogger()
	}
	if backoffBase <= 0 {
		backoffBase = time.Second
	}
	if backoffMax <= 0 {
		backoffMax = 60 * time.Second
	}
	if len(limits) == 0 {
		limits = DefaultLimits()
	}

	buckets := make(map[Category]*Bucket, len(limits))
	for category, limit := range limits {
		buckets[category] = NewBucket(limit.MaxTokens, limit.RefillRate)
	}

	return &Governor{
		buckets:      buckets,
		backoffUntil: make(map[Category]time.Time),
		backoffBase:  backoffBase,
		backoffMax:   backoffMax,
		log:          log,
	}
}

// Acquire blocks until the category's budget admits n tokens, waiting out any
// active 429 backoff first. It returns the total time spent waiting.
//
// An unknown category is a no-op: the request proceeds unthrottled with a
// logged warning. Failing open matches the venue integration this governor
// fronts; the venue transport only produces known categories, so this path is
// reachable only from direct misuse.
func (g *Governor) Acquire(ctx context.Context, category Category, n float64) (time.Duration, error) {
	bucket, ok := g.buckets[category]
	if !ok {
		g.log.WithComponent("governor").
			WithField("category", string(category)).
			Warn("unknown endpoint category, no rate limiting applied")
		return 0, nil
	}

	var total time.Duration

	remaining := g.backoffRemaining(category, time.Now())
	if remaining > 0 {
		g.log.WithComponent("governor").WithFields(logger.Fields{
			"category": string(category),
			"wait":     remaining.String(),
		}).Warn("rate limit backoff active")

		timer := time.NewTimer(remaining)
		select {
		case <-ctx.Done():
			timer.Stop()
			return total, ctx.Err()
		case <-timer.C:
			total += remaining
		}
	}

	waited, err := bucket.Acquire(ctx, n)
	total += waited
	if err != nil {
		return total, err
	}

	if total > 0 {
		logger.IncrementThrottleWait()
		metrics.AddThrottleWait(string(category), total.Seconds())
		metrics.Emit(g.log, "governor", "throttle_wait_seconds", total.Seconds(), "gauge",
			logger.Fields{"category": string(category)})
	}
	return total, nil
}

// HandleRateLimitError records a 429 response for the category. When the
// server supplied a Retry-After duration it wins; otherwise the backoff grows
// exponentially: base on the first violation, then double the remaining
// duration on each repeat, capped at the ceiling. A violation arriving after
// the previous backoff expired starts over at the base.
func (g *Governor) HandleRateLimitError(category Category, retryAfter time.Duration) {
	g.backoffMu.Lock()
	defer g.backoffMu.Unlock()

	now := time.Now()
	var backoff time.Duration

	switch {
	case retryAfter > 0:
		backoff = retryAfter
	case g.backoffUntil[category].After(now):
		backoff = 2 * g.backoffUntil[category].Sub(now)
		if backoff > g.backoffMax {
			backoff = g.backoffMax
		}
	default:
		backoff = g.backoffBase
	}

	g.backoffUntil[category] = now.Add(backoff)
	metrics.IncRateLimitError(string(category))
	metrics.Emit(g.log, "governor", "rate_limit_backoff_seconds", backoff.Seconds(), "gauge",
		logger.Fields{"category": string(category)})

	g.log.WithComponent("governor").WithFields(logger.Fields{
		"category": string(category),
		"backoff":  backoff.String(),
	}).Warn("rate limit exceeded, backing off")
}

// ResetBackoff clears the backoff state for one category.
func (g *Governor) ResetBackoff(category Category) {
	g.backoffMu.Lock()
	delete(g.backoffUntil, category)
	g.backoffMu.Unlock()
}

// ResetAllBackoffs clears every category's backoff state.
func (g *Governor) ResetAllBackoffs() {
	g.backoffMu.Lock()
	g.backoffUntil = make(map[Category]time.Time)
	g.backoffMu.Unlock()
}

func (g *Governor) backoffRemaining(category Category, now time.Time) time.Duration {
	g.backoffMu.Lock()
	defer g.backoffMu.Unlock()

	until, ok := g.backoffUntil[category]
	if !ok || !until.After(now) {
		return 0
	}
	return until.Sub(now)
}

// Status returns a snapshot of every category's budget, sorted by category
// name. Token counts come from each bucket's status snapshot, so a Status
// call never queues behind in-flight acquirers.
func (g *Governor) Status() []CategoryStatus {
	now := time.Now()
	statuses := make([]CategoryStatus, 0, len(g.buckets))

	for category, bucket := range g.buckets {
		remaining := g.backoffRemaining(category, now)
		statuses = append(statuses, CategoryStatus{
			Category:         category,
			AvailableTokens:  bucket.Available(),
			MaxTokens:        bucket.Capacity(),
			RefillRate:       bucket.RefillRate(),
			BackoffRemaining: remaining,
			Throttled:        remaining > 0,
		})
	}

	sort.Slice(statuses, func(i, j int) bool {
		return statuses[i].Category < statuses[j].Category
	})
	return statuses
}
