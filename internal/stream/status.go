package stream

import "time"

// ChannelStatus reports one websocket channel's connection state.
type ChannelStatus struct {
	Connected     bool   `json:"connected"`
	Authenticated bool   `json:"authenticated"`
	URL           string `json:"url"`
}

// SubscriptionInfo is the per-subscription detail in a status snapshot.
type SubscriptionInfo struct {
	ID             string     `json:"id"`
	Type           string     `json:"type"`
	Channel        string     `json:"channel"`
	MarketIDs      []string   `json:"market_ids,omitempty"`
	TokenIDs       []string   `json:"token_ids,omitempty"`
	Mode           string     `json:"mode"`
	CreatedAt      time.Time  `json:"created_at"`
	EventsReceived int64      `json:"events_received"`
	LastEventAt    *time.Time `json:"last_event_at,omitempty"`
}

// SubscriptionSummary aggregates the registry's contents.
type SubscriptionSummary struct {
	Total         int                `json:"total"`
	ByType        map[string]int     `json:"by_type"`
	Subscriptions []SubscriptionInfo `json:"subscriptions"`
}

// Statistics carries the stream's running counters.
type Statistics struct {
	TotalEvents      int64            `json:"total_events"`
	EventsByType     map[string]int64 `json:"events_by_type"`
	ConnectionErrors int64            `json:"connection_errors"`
	Reconnects       int64            `json:"reconnects"`
	LastReconnect    *time.Time       `json:"last_reconnect,omitempty"`
}

// Status is the full stream snapshot: connection state per channel,
// subscription summary, statistics, and the pump's running flag.
type Status struct {
	Trading       ChannelStatus       `json:"trading_channel"`
	Data          ChannelStatus       `json:"data_channel"`
	Subscriptions SubscriptionSummary `json:"subscriptions"`
	Statistics    Statistics          `json:"statistics"`
	PumpRunning   bool                `json:"pump_running"`
}

// Status assembles a read-only snapshot. It never mutates stream state.
func (p *Pump) Status() Status {
	sup := p.sup

	subs := sup.registry.All()
	summary := SubscriptionSummary{
		Total:         len(subs),
		ByType:        make(map[string]int),
		Subscriptions: make([]SubscriptionInfo, 0, len(subs)),
	}
	for _, sub := range subs {
		summary.ByType[string(sub.Type)]++

		info := SubscriptionInfo{
			ID:             sub.ID,
			Type:           string(sub.Type),
			Channel:        string(sub.Channel),
			MarketIDs:      sub.MarketIDs,
			TokenIDs:       sub.TokenIDs,
			Mode:           string(sub.Mode),
			CreatedAt:      sub.CreatedAt,
			EventsReceived: sub.EventsReceived(),
		}
		if last := sub.LastEventAt(); !last.IsZero() {
			info.LastEventAt = &last
		}
		summary.Subscriptions = append(summary.Subscriptions, info)
	}

	total, byType := p.router.Stats()
	connErrors, reconnects, lastReconnect := sup.stats()
	stats := Statistics{
		TotalEvents:      total,
		EventsByType:     byType,
		ConnectionErrors: connErrors,
		Reconnects:       reconnects,
	}
	if !lastReconnect.IsZero() {
		stats.LastReconnect = &lastReconnect
	}

	return Status{
		Trading: ChannelStatus{
			Connected:     sup.trading.isConnected(),
			Authenticated: sup.trading.isAuthenticated(),
			URL:           sup.trading.url,
		},
		Data: ChannelStatus{
			Connected: sup.data.isConnected(),
			URL:       sup.data.url,
		},
		Subscriptions: summary,
		Statistics:    stats,
		PumpRunning:   p.Running(),
	}
}
