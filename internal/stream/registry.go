package stream

import (
	"sort"
	"sync"

	"github.com/google/uuid"
)

// Registry indexes active subscriptions by id, with secondary indexes by
// market id and token id used for status reporting and cleanup. All methods
// are safe for concurrent use.
type Registry struct {
	mu       sync.RWMutex
	subs     map[string]*Subscription
	byMarket map[string]map[string]struct{}
	byToken  map[string]map[string]struct{}
}

func NewRegistry() *Registry {
	return &Registry{
		subs:     make(map[string]*Subscription),
		byMarket: make(map[string]map[string]struct{}),
		byToken:  make(map[string]map[string]struct{}),
	}
}

// Add inserts the subscription, assigning a fresh id when it has none, and
// returns the id.
func (r *Registry) Add(sub *Subscription) string {
	r.mu.Lock()
	defer r.mu.Unlock()

	if sub.ID == "" {
		sub.ID = uuid.NewString()
	}
	r.subs[sub.ID] = sub

	for _, market := range sub.MarketIDs {
		if r.byMarket[market] == nil {
			r.byMarket[market] = make(map[string]struct{})
		}
		r.byMarket[market][sub.ID] = struct{}{}
	}
	for _, token := range sub.TokenIDs {
		if r.byToken[token] == nil {
			r.byToken[token] = make(map[string]struct{})
		}
		r.byToken[token][sub.ID] = struct{}{}
	}
	return sub.ID
}

// Remove deletes the subscription and its index entries. It reports false
// for an unknown id and never panics, so removing twice is harmless.
func (r *Registry) Remove(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	sub, ok := r.subs[id]
	if !ok {
		return false
	}
	delete(r.subs, id)

	for _, market := range sub.MarketIDs {
		delete(r.byMarket[market], id)
		if len(r.byMarket[market]) == 0 {
			delete(r.byMarket, market)
		}
	}
	for _, token := range sub.TokenIDs {
		delete(r.byToken[token], id)
		if len(r.byToken[token]) == 0 {
			delete(r.byToken, token)
		}
	}
	return true
}

// Get returns the subscription for id.
func (r *Registry) Get(id string) (*Subscription, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	sub, ok := r.subs[id]
	return sub, ok
}

// All returns every active subscription, sorted by creation time so status
// output is stable.
func (r *Registry) All() []*Subscription {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*Subscription, 0, len(r.subs))
	for _, sub := range r.subs {
		out = append(out, sub)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// Len returns the number of active subscriptions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.subs)
}

// FindMatching returns the subscriptions an event should be delivered to.
// Empty marketID/tokenID mean the event carries no such key; a subscription
// with no filter for a dimension matches regardless of that dimension.
func (r *Registry) FindMatching(eventType EventType, marketID, tokenID string) []*Subscription {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []*Subscription
	for _, sub := range r.subs {
		if sub.matches(eventType, marketID, tokenID) {
			out = append(out, sub)
		}
	}
	return out
}

// TrackedMarkets returns the distinct market ids any subscription filters on.
func (r *Registry) TrackedMarkets() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]string, 0, len(r.byMarket))
	for market := range r.byMarket {
		out = append(out, market)
	}
	sort.Strings(out)
	return out
}

// TrackedTokens returns the distinct token ids any subscription filters on.
func (r *Registry) TrackedTokens() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]string, 0, len(r.byToken))
	for token := range r.byToken {
		out = append(out, token)
	}
	sort.Strings(out)
	return out
}
