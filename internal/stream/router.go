package stream

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"polyflow/internal/metrics"
	"polyflow/logger"
)

// Router turns raw inbound frames into typed events and delivers them to
// every matching subscription. It never fails the pump: malformed frames and
// sink errors are logged and dropped.
type Router struct {
	registry *Registry
	log      *logger.Entry
	baseLog  *logger.Log

	statsMu      sync.Mutex
	totalEvents  int64
	eventsByType map[string]int64
	lastEmitted  int64
}

func NewRouter(registry *Registry, log *logger.Log) *Router {
	if log == nil {
		log = logger.GetLogger()
	}
	return &Router{
		registry:     registry,
		log:          log.WithComponent("router"),
		baseLog:      log,
		eventsByType: make(map[string]int64),
	}
}

// HandleFrame processes one raw frame from the named channel. Frames from a
// single channel arrive here in strict read order; the pump guarantees a
// single caller.
func (r *Router) HandleFrame(ctx context.Context, channel string, raw []byte) {
	var probe struct {
		Type  string `json:"type"`
		Event string `json:"event"`
	}
	if err := json.Unmarshal(raw, &probe); err != nil {
		r.log.WithError(err).WithField("channel", channel).Warn("dropping unparseable frame")
		return
	}

	discriminator := probe.Type
	if discriminator == "" {
		discriminator = probe.Event
	}
	if discriminator == "" {
		r.log.WithField("channel", channel).Debug("dropping frame without event type")
		return
	}

	r.statsMu.Lock()
	r.totalEvents++
	r.eventsByType[discriminator]++
	r.statsMu.Unlock()
	metrics.IncEvent(discriminator)
	logger.IncrementEventRouted()

	switch EventType(discriminator) {
	case EventPriceChange:
		r.handlePriceChange(ctx, raw)
	case EventAggOrderbook:
		r.handleOrderbookUpdate(ctx, raw)
	case EventOrder:
		r.handleOrderUpdate(ctx, raw)
	case EventTrade:
		r.handleTradeUpdate(ctx, raw)
	case EventMarketResolved:
		r.handleMarketResolution(ctx, raw)
	default:
		r.handleGeneric(discriminator, channel, raw)
	}
}

// Stats returns the running event totals. The map is a copy.
func (r *Router) Stats() (total int64, byType map[string]int64) {
	r.statsMu.Lock()
	defer r.statsMu.Unlock()

	byType = make(map[string]int64, len(r.eventsByType))
	for k, v := range r.eventsByType {
		byType[k] = v
	}
	return r.totalEvents, byType
}

// emitStats publishes the routed-event total to the structured metric
// fan-out. The pump calls this on its poll tick, so the dashboard's live
// view follows traffic without a metric entry per frame. Quiet ticks emit
// nothing.
func (r *Router) emitStats() {
	r.statsMu.Lock()
	total := r.totalEvents
	changed := total != r.lastEmitted
	r.lastEmitted = total
	r.statsMu.Unlock()

	if !changed {
		return
	}
	metrics.Emit(r.baseLog, "router", "events_routed", total, "counter", nil)
}

func (r *Router) handlePriceChange(ctx context.Context, raw []byte) {
	var wire priceChangeWire
	if err := json.Unmarshal(raw, &wire); err != nil {
		r.log.WithError(err).Warn("dropping malformed price_change frame")
		return
	}
	event := PriceChange{
		AssetID:   wire.AssetID,
		Price:     wire.Price,
		Timestamp: parseTimestamp(wire.Timestamp),
		Market:    wire.Market,
	}

	subject := event.Market
	if subject == "" {
		subject = event.AssetID
	}
	r.deliver(ctx, EventPriceChange, event.Market, event.AssetID,
		Notification{
			"type":      "price_change",
			"asset_id":  event.AssetID,
			"price":     event.Price,
			"market":    event.Market,
			"timestamp": event.Timestamp.Format(time.RFC3339Nano),
		},
		fmt.Sprintf("Price change: %s -> %s", subject, event.Price),
	)
}

func (r *Router) handleOrderbookUpdate(ctx context.Context, raw []byte) {
	var wire orderbookWire
	if err := json.Unmarshal(raw, &wire); err != nil {
		r.log.WithError(err).Warn("dropping malformed agg_orderbook frame")
		return
	}
	event := OrderbookUpdate{
		AssetID:   wire.AssetID,
		Bids:      parseBookSide(wire.Bids),
		Asks:      parseBookSide(wire.Asks),
		Timestamp: parseTimestamp(wire.Timestamp),
	}

	n := Notification{
		"type":      "orderbook_update",
		"asset_id":  event.AssetID,
		"bid_depth": len(event.Bids),
		"ask_depth": len(event.Asks),
		"timestamp": event.Timestamp.Format(time.RFC3339Nano),
	}
	if len(event.Bids) > 0 {
		n["best_bid"] = event.Bids[0].Price
	}
	if len(event.Asks) > 0 {
		n["best_ask"] = event.Asks[0].Price
	}

	r.deliver(ctx, EventAggOrderbook, "", event.AssetID, n,
		fmt.Sprintf("Orderbook update: %s (%d bids, %d asks)", event.AssetID, len(event.Bids), len(event.Asks)),
	)
}

func (r *Router) handleOrderUpdate(ctx context.Context, raw []byte) {
	var wire orderWire
	if err := json.Unmarshal(raw, &wire); err != nil {
		r.log.WithError(err).Warn("dropping malformed order frame")
		return
	}
	event := OrderUpdate{
		OrderID:       wire.OrderID,
		Status:        wire.Status,
		FilledSize:    wire.FilledSize,
		RemainingSize: wire.RemainingSize,
		Price:         wire.Price,
		Side:          wire.Side,
		Timestamp:     parseTimestamp(wire.Timestamp),
		MarketID:      wire.MarketID,
	}

	r.deliver(ctx, EventOrder, event.MarketID, "",
		Notification{
			"type":           "order_update",
			"order_id":       event.OrderID,
			"status":         event.Status,
			"filled_size":    event.FilledSize,
			"remaining_size": event.RemainingSize,
			"price":          event.Price,
			"side":           event.Side,
			"market_id":      event.MarketID,
			"timestamp":      event.Timestamp.Format(time.RFC3339Nano),
		},
		fmt.Sprintf("Order %s: %s (filled %s, remaining %s)", event.OrderID, event.Status, event.FilledSize, event.RemainingSize),
	)
}

func (r *Router) handleTradeUpdate(ctx context.Context, raw []byte) {
	var wire tradeWire
	if err := json.Unmarshal(raw, &wire); err != nil {
		r.log.WithError(err).Warn("dropping malformed trade frame")
		return
	}
	event := TradeUpdate{
		TradeID:   wire.TradeID,
		OrderID:   wire.OrderID,
		MarketID:  wire.MarketID,
		Price:     wire.Price,
		Size:      wire.Size,
		Side:      wire.Side,
		Timestamp: parseTimestamp(wire.Timestamp),
	}

	r.deliver(ctx, EventTrade, event.MarketID, "",
		Notification{
			"type":      "trade_update",
			"trade_id":  event.TradeID,
			"order_id":  event.OrderID,
			"market_id": event.MarketID,
			"price":     event.Price,
			"size":      event.Size,
			"side":      event.Side,
			"timestamp": event.Timestamp.Format(time.RFC3339Nano),
		},
		fmt.Sprintf("Trade %s: %s %s @ %s", event.TradeID, event.Side, event.Size, event.Price),
	)
}

func (r *Router) handleMarketResolution(ctx context.Context, raw []byte) {
	var wire resolutionWire
	if err := json.Unmarshal(raw, &wire); err != nil {
		r.log.WithError(err).Warn("dropping malformed market_resolved frame")
		return
	}
	event := MarketResolution{
		MarketID:  wire.MarketID,
		Outcome:   wire.Outcome,
		Timestamp: parseTimestamp(wire.Timestamp),
	}

	r.deliver(ctx, EventMarketResolved, event.MarketID, "",
		Notification{
			"type":      "market_resolved",
			"market_id": event.MarketID,
			"outcome":   event.Outcome,
			"timestamp": event.Timestamp.Format(time.RFC3339Nano),
		},
		fmt.Sprintf("Market %s resolved: %s", event.MarketID, event.Outcome),
	)
}

// handleGeneric absorbs discriminators without a typed parser. Counted in
// the statistics above, logged, never delivered.
func (r *Router) handleGeneric(discriminator, channel string, raw []byte) {
	r.log.WithFields(logger.Fields{
		"event":   discriminator,
		"channel": channel,
		"size":    len(raw),
	}).Debug("unhandled event type")
}

// deliver updates each matching subscription's counters and invokes exactly
// one Sink method per subscription, chosen by its delivery mode. A frame
// whose matching completed before an unsubscribe may still produce one final
// delivery; removal guarantees at most one extra, never more.
func (r *Router) deliver(ctx context.Context, eventType EventType, marketID, tokenID string, n Notification, logLine string) {
	subs := r.registry.FindMatching(eventType, marketID, tokenID)
	now := time.Now()

	for _, sub := range subs {
		sub.recordEvent(now)

		payload := cloneNotification(n)
		payload["subscription_id"] = sub.ID

		var err error
		switch sub.Mode {
		case ModeLog:
			err = sub.Sink.DeliverLog(ctx, logLine)
		default:
			err = sub.Sink.DeliverNotification(ctx, payload)
		}
		if err != nil {
			r.log.WithError(err).WithFields(logger.Fields{
				"subscription": sub.ID,
				"event":        string(eventType),
			}).Warn("delivery failed")
		}
	}
}

func cloneNotification(n Notification) Notification {
	out := make(Notification, len(n)+1)
	for k, v := range n {
		out[k] = v
	}
	return out
}
