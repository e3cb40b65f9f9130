package stream

import (
	"context"
	"errors"
	"sync/atomic"
	"time"
)

// ChannelType names one of the venue's websocket channels. User and market
// channels ride the CLOB socket; activity and crypto price feeds ride the
// public data socket.
type ChannelType string

const (
	ChannelCLOBUser     ChannelType = "user"
	ChannelCLOBMarket   ChannelType = "market"
	ChannelActivity     ChannelType = "activity"
	ChannelCryptoPrices ChannelType = "crypto_prices"
)

// EventType names a real-time event class a subscription can ask for.
type EventType string

const (
	// CLOB user events, authentication required.
	EventOrder EventType = "order"
	EventTrade EventType = "trade"

	// CLOB market events.
	EventPriceChange    EventType = "price_change"
	EventAggOrderbook   EventType = "agg_orderbook"
	EventLastTradePrice EventType = "last_trade_price"
	EventTickSizeChange EventType = "tick_size_change"
	EventMarketCreated  EventType = "market_created"
	EventMarketResolved EventType = "market_resolved"

	// Public data feed events.
	EventTrades        EventType = "trades"
	EventOrdersMatched EventType = "orders_matched"
	EventCryptoUpdate  EventType = "update"
)

// DeliveryMode selects which Sink method an event is delivered through.
// Exactly one of the two is invoked per subscription per event.
type DeliveryMode string

const (
	ModeNotification DeliveryMode = "notification"
	ModeLog          DeliveryMode = "log"
)

// Notification is the structured payload handed to a Sink for subscriptions
// in notification mode. Price and size values are shopspring decimals so the
// wire representation survives to the host untouched.
type Notification map[string]interface{}

// Sink is the host's delivery capability. A subscription cannot be created
// without one; events for it are pushed through exactly one of these methods
// depending on the subscription's delivery mode.
type Sink interface {
	DeliverNotification(ctx context.Context, n Notification) error
	DeliverLog(ctx context.Context, message string) error
}

var (
	ErrSinkRequired           = errors.New("stream: subscription requires a delivery sink")
	ErrUnknownChannel         = errors.New("stream: unknown channel type")
	ErrAuthenticationRequired = errors.New("stream: authentication required for user channel")
	ErrNotConnected           = errors.New("stream: channel not connected")
)

// Subscription is one registered interest in a class of events, optionally
// filtered by market and token ids. The registry owns it for its lifetime;
// the router only reads it and bumps its counters.
type Subscription struct {
	ID        string
	Type      EventType
	Channel   ChannelType
	MarketIDs []string
	TokenIDs  []string
	Mode      DeliveryMode
	Sink      Sink
	CreatedAt time.Time

	eventsReceived atomic.Int64
	lastEventAt    atomic.Int64 // unix nanos, 0 when no event yet
}

func (s *Subscription) recordEvent(now time.Time) {
	s.eventsReceived.Add(1)
	s.lastEventAt.Store(now.UnixNano())
}

// EventsReceived returns how many events have been delivered to this
// subscription so far.
func (s *Subscription) EventsReceived() int64 {
	return s.eventsReceived.Load()
}

// LastEventAt returns the time of the most recent delivery, or a zero time
// when nothing has been delivered yet.
func (s *Subscription) LastEventAt() time.Time {
	ns := s.lastEventAt.Load()
	if ns == 0 {
		return time.Time{}
	}
	return time.Unix(0, ns)
}

// matches reports whether an event carrying the given market and token ids
// should be delivered to this subscription. Filters are inclusive: an empty
// filter list accepts everything of the subscription's event type, and a
// filter only applies when the event carries that id at all. Orderbook
// frames, for example, identify themselves by asset id only; a market
// filter must not suppress them.
func (s *Subscription) matches(eventType EventType, marketID, tokenID string) bool {
	if s.Type != eventType {
		return false
	}
	if len(s.MarketIDs) > 0 && marketID != "" && !contains(s.MarketIDs, marketID) {
		return false
	}
	if len(s.TokenIDs) > 0 && tokenID != "" && !contains(s.TokenIDs, tokenID) {
		return false
	}
	return true
}

func contains(list []string, v string) bool {
	for _, item := range list {
		if item == v {
			return true
		}
	}
	return false
}
