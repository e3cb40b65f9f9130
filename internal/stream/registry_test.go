package stream

import (
	"testing"
	"time"
)

func newSub(eventType EventType, markets, tokens []string) *Subscription {
	return &Subscription{
		Type:      eventType,
		Channel:   ChannelCLOBMarket,
		MarketIDs: markets,
		TokenIDs:  tokens,
		Mode:      ModeNotification,
		Sink:      &testSink{},
		CreatedAt: time.Now(),
	}
}

func TestRegistryAddAssignsID(t *testing.T) {
	r := NewRegistry()

	id := r.Add(newSub(EventPriceChange, nil, nil))
	if id == "" {
		t.Fatalf("empty subscription id")
	}
	if _, ok := r.Get(id); !ok {
		t.Fatalf("subscription %s not found after add", id)
	}
	if r.Len() != 1 {
		t.Errorf("registry length %d, expected 1", r.Len())
	}
}

func TestRegistryRemoveIdempotent(t *testing.T) {
	r := NewRegistry()
	id := r.Add(newSub(EventPriceChange, []string{"m1"}, []string{"t1"}))

	if !r.Remove(id) {
		t.Fatalf("first remove reported not found")
	}
	if r.Remove(id) {
		t.Fatalf("second remove reported found")
	}
	if r.Remove("no-such-id") {
		t.Fatalf("unknown id reported found")
	}
	if r.Len() != 0 {
		t.Errorf("registry length %d after removal", r.Len())
	}
	if got := r.TrackedMarkets(); len(got) != 0 {
		t.Errorf("market index not cleaned up: %v", got)
	}
	if got := r.TrackedTokens(); len(got) != 0 {
		t.Errorf("token index not cleaned up: %v", got)
	}
}

func TestRegistryFindMatching(t *testing.T) {
	r := NewRegistry()

	unfiltered := r.Add(newSub(EventPriceChange, nil, nil))
	marketA := r.Add(newSub(EventPriceChange, []string{"A"}, nil))
	tokenX := r.Add(newSub(EventPriceChange, nil, []string{"X"}))
	trade := r.Add(newSub(EventTrade, nil, nil))

	tests := []struct {
		name      string
		eventType EventType
		marketID  string
		tokenID   string
		want      []string
	}{
		// A filter only applies when the event carries that id, so an
		// event without a market id cannot be rejected by a market filter.
		{"market A event", EventPriceChange, "A", "", []string{unfiltered, marketA, tokenX}},
		{"market B event", EventPriceChange, "B", "", []string{unfiltered, tokenX}},
		{"token X event", EventPriceChange, "", "X", []string{unfiltered, marketA, tokenX}},
		{"token Y event", EventPriceChange, "A", "Y", []string{unfiltered, marketA}},
		{"market A token X", EventPriceChange, "A", "X", []string{unfiltered, marketA, tokenX}},
		{"no keys", EventPriceChange, "", "", []string{unfiltered, marketA, tokenX}},
		{"other type", EventTrade, "A", "X", []string{trade}},
		{"unmatched type", EventMarketResolved, "A", "", nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := r.FindMatching(tt.eventType, tt.marketID, tt.tokenID)
			gotIDs := make(map[string]bool, len(got))
			for _, sub := range got {
				gotIDs[sub.ID] = true
			}
			if len(got) != len(tt.want) {
				t.Fatalf("matched %d subscriptions, expected %d", len(got), len(tt.want))
			}
			for _, id := range tt.want {
				if !gotIDs[id] {
					t.Errorf("expected subscription %s in matches", id)
				}
			}
		})
	}
}

func TestRegistryTrackedIndexes(t *testing.T) {
	r := NewRegistry()
	r.Add(newSub(EventPriceChange, []string{"m1", "m2"}, []string{"t1"}))
	r.Add(newSub(EventTrade, []string{"m2"}, nil))

	markets := r.TrackedMarkets()
	if len(markets) != 2 || markets[0] != "m1" || markets[1] != "m2" {
		t.Errorf("tracked markets %v", markets)
	}
	tokens := r.TrackedTokens()
	if len(tokens) != 1 || tokens[0] != "t1" {
		t.Errorf("tracked tokens %v", tokens)
	}
}

func TestRegistryAllSortedByCreation(t *testing.T) {
	r := NewRegistry()

	first := newSub(EventPriceChange, nil, nil)
	first.CreatedAt = time.Now().Add(-time.Hour)
	second := newSub(EventTrade, nil, nil)

	r.Add(second)
	r.Add(first)

	all := r.All()
	if len(all) != 2 {
		t.Fatalf("got %d subscriptions", len(all))
	}
	if all[0].ID != first.ID {
		t.Errorf("oldest subscription not first in All()")
	}
}
