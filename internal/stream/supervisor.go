package stream

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"polyflow/config"
	"polyflow/internal/metrics"
	"polyflow/logger"
)

type subscribeFrame struct {
	Type    string   `json:"type"`
	Channel string   `json:"channel"`
	Event   string   `json:"event"`
	Markets []string `json:"markets,omitempty"`
	Assets  []string `json:"assets,omitempty"`
}

type authPayload struct {
	APIKey     string `json:"apiKey"`
	Secret     string `json:"secret"`
	Passphrase string `json:"passphrase"`
}

type authFrame struct {
	Auth authPayload `json:"auth"`
}

// SubscribeRequest describes one subscription to create. Sink is mandatory;
// subscribing without a delivery capability is a validation error rather
// than a silent no-op later.
type SubscribeRequest struct {
	Type      EventType
	Channel   ChannelType
	MarketIDs []string
	TokenIDs  []string
	Mode      DeliveryMode
	Sink      Sink
}

// Supervisor owns the two venue websocket channels (CLOB trading and public
// data), the subscription registry, and the reconnect state machine. The
// pump drives Reconnect; hosts call Subscribe/Unsubscribe/Connect/Disconnect.
type Supervisor struct {
	trading *channelConn
	data    *channelConn

	registry *Registry
	venue    config.VenueConfig
	cfg      config.StreamConfig
	log      *logger.Entry

	mu                sync.Mutex
	reconnectAttempts int
	lastReconnect     time.Time

	reconnects       atomic.Int64
	connectionErrors atomic.Int64
}

func NewSupervisor(venue config.VenueConfig, cfg config.StreamConfig, registry *Registry, log *logger.Log) *Supervisor {
	if log == nil {
		log = logger.GetLogger()
	}
	entry := log.WithComponent("supervisor")
	if registry == nil {
		registry = NewRegistry()
	}

	mk := func(role channelRole, url string) *channelConn {
		return newChannelConn(role, url,
			cfg.HandshakeTimeout, cfg.WriteTimeout, cfg.PingInterval,
			cfg.SendRatePerSecond, cfg.SendBurst, entry)
	}

	return &Supervisor{
		trading:  mk(roleTrading, venue.TradingWS),
		data:     mk(roleData, venue.DataWS),
		registry: registry,
		venue:    venue,
		cfg:      cfg,
		log:      entry,
	}
}

// Registry exposes the subscription registry for the router and for status
// reporting.
func (s *Supervisor) Registry() *Registry { return s.registry }

// Connect opens both channels. Each channel is attempted independently and
// the call fails only when both fail, since public-data subscriptions work
// without the trading channel. When credentials are configured, the trading
// channel is authenticated right after a fresh dial; auth failure is logged,
// not fatal. The handshake never runs on a channel that was already up:
// that socket may have an active reader, and gorilla allows only one.
func (s *Supervisor) Connect(ctx context.Context) error {
	tradingDialed, tradingErr := s.trading.connect(ctx)
	if tradingErr != nil {
		s.connectionErrors.Add(1)
		metrics.IncConnectionError()
		s.log.WithError(tradingErr).Warn("trading channel connect failed")
	}

	_, dataErr := s.data.connect(ctx)
	if dataErr != nil {
		s.connectionErrors.Add(1)
		metrics.IncConnectionError()
		s.log.WithError(dataErr).Warn("data channel connect failed")
	}

	if tradingErr != nil && dataErr != nil {
		return fmt.Errorf("both channels failed: trading: %v, data: %w", tradingErr, dataErr)
	}

	if tradingDialed && s.venue.HasAPICredentials() && !s.trading.isAuthenticated() {
		s.authenticate(ctx)
	}
	return nil
}

// authenticate runs the trading-channel auth handshake: send the credential
// frame, then wait up to the auth timeout for an explicit success response.
// Anything else leaves authenticated=false without failing the connect.
// Must run while no other goroutine is reading the trading socket.
func (s *Supervisor) authenticate(ctx context.Context) {
	frame := authFrame{Auth: authPayload{
		APIKey:     s.venue.APIKey,
		Secret:     s.venue.APISecret,
		Passphrase: s.venue.Passphrase,
	}}
	if err := s.trading.sendJSON(ctx, frame); err != nil {
		s.log.WithError(err).Warn("failed to send auth frame")
		return
	}

	conn := s.trading.socket()
	if conn == nil {
		return
	}

	deadline := time.Now().Add(s.cfg.AuthTimeout)
	if err := conn.SetReadDeadline(deadline); err != nil {
		s.log.WithError(err).Warn("failed to arm auth read deadline")
		return
	}

	for time.Now().Before(deadline) {
		_, payload, err := conn.ReadMessage()
		if err != nil {
			// An expired read deadline is fatal for the connection, so the
			// channel is redialed without credentials rather than left
			// poisoned.
			s.log.WithError(err).Warn("authentication handshake failed")
			s.redialTrading(ctx)
			return
		}
		var resp struct {
			Type string `json:"type"`
		}
		if err := json.Unmarshal(payload, &resp); err != nil {
			continue
		}
		if resp.Type == "authenticated" {
			s.trading.setAuthenticated(true)
			_ = conn.SetReadDeadline(time.Time{})
			s.log.Info("trading channel authenticated")
			return
		}
	}
	s.log.Warn("authentication handshake timed out")
	s.redialTrading(ctx)
}

func (s *Supervisor) redialTrading(ctx context.Context) {
	s.trading.close()
	if _, err := s.trading.connect(ctx); err != nil {
		s.log.WithError(err).Warn("trading channel redial failed")
		s.recordConnectionError()
	}
}

// Disconnect closes both channels and clears their flags. Idempotent.
func (s *Supervisor) Disconnect() {
	s.trading.close()
	s.data.close()
	s.log.Info("websocket channels disconnected")
}

// Reconnect waits out the exponential backoff for the current attempt count,
// then redials whichever channels are down. On success every registered
// subscription's wire frame is retransmitted once and the attempt counter
// resets; on failure the counter grows and the caller loops.
func (s *Supervisor) Reconnect(ctx context.Context) error {
	s.mu.Lock()
	attempts := s.reconnectAttempts
	s.mu.Unlock()

	delay := reconnectDelay(s.cfg.ReconnectInitialDelay, s.cfg.ReconnectMaxDelay, attempts)
	if delay > 0 {
		s.log.WithFields(logger.Fields{
			"attempt": attempts + 1,
			"delay":   delay.String(),
		}).Info("waiting before reconnect attempt")

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}

	if err := s.Connect(ctx); err != nil {
		s.mu.Lock()
		s.reconnectAttempts++
		s.mu.Unlock()
		return err
	}

	s.resubscribeAll(ctx)

	s.mu.Lock()
	s.reconnectAttempts = 0
	s.lastReconnect = time.Now()
	s.mu.Unlock()
	s.reconnects.Add(1)
	metrics.IncReconnect()

	s.log.WithField("subscriptions", s.registry.Len()).Info("reconnected and resubscribed")
	return nil
}

func reconnectDelay(initial, max time.Duration, attempts int) time.Duration {
	if initial <= 0 {
		initial = time.Second
	}
	if max <= 0 {
		max = 60 * time.Second
	}
	delay := initial
	for i := 0; i < attempts; i++ {
		delay *= 2
		if delay >= max {
			return max
		}
	}
	if delay > max {
		delay = max
	}
	return delay
}

// Subscribe registers a new subscription and sends its wire-level subscribe
// frame. A failed send leaves the subscription registered: the next
// reconnect's resubscribe-all retransmits it.
func (s *Supervisor) Subscribe(ctx context.Context, req SubscribeRequest) (*Subscription, error) {
	if req.Sink == nil {
		return nil, ErrSinkRequired
	}
	if _, err := s.connFor(req.Channel); err != nil {
		return nil, err
	}
	if req.Channel == ChannelCLOBUser && !s.trading.isAuthenticated() {
		return nil, ErrAuthenticationRequired
	}
	if req.Mode == "" {
		req.Mode = ModeNotification
	}

	sub := &Subscription{
		Type:      req.Type,
		Channel:   req.Channel,
		MarketIDs: append([]string(nil), req.MarketIDs...),
		TokenIDs:  append([]string(nil), req.TokenIDs...),
		Mode:      req.Mode,
		Sink:      req.Sink,
		CreatedAt: time.Now(),
	}
	s.registry.Add(sub)

	if err := s.sendSubscribe(ctx, sub); err != nil {
		s.log.WithError(err).WithFields(logger.Fields{
			"subscription": sub.ID,
			"event":        string(sub.Type),
		}).Warn("subscribe frame not sent, will retransmit on reconnect")
	}

	s.log.WithFields(logger.Fields{
		"subscription": sub.ID,
		"event":        string(sub.Type),
		"channel":      string(sub.Channel),
	}).Info("subscription created")
	return sub, nil
}

// Unsubscribe removes the subscription and sends the wire-level unsubscribe
// frame. It reports false for an unknown id.
func (s *Supervisor) Unsubscribe(ctx context.Context, id string) bool {
	sub, ok := s.registry.Get(id)
	if !ok {
		return false
	}

	conn, err := s.connFor(sub.Channel)
	if err == nil {
		frame := subscribeFrame{
			Type:    "unsubscribe",
			Channel: string(sub.Channel),
			Event:   string(sub.Type),
			Markets: sub.MarketIDs,
			Assets:  sub.TokenIDs,
		}
		if sendErr := conn.sendJSON(ctx, frame); sendErr != nil {
			s.log.WithError(sendErr).WithField("subscription", id).Warn("unsubscribe frame not sent")
		}
	}

	removed := s.registry.Remove(id)
	if removed {
		s.log.WithField("subscription", id).Info("subscription removed")
	}
	return removed
}

func (s *Supervisor) sendSubscribe(ctx context.Context, sub *Subscription) error {
	conn, err := s.connFor(sub.Channel)
	if err != nil {
		return err
	}
	frame := subscribeFrame{
		Type:    "subscribe",
		Channel: string(sub.Channel),
		Event:   string(sub.Type),
		Markets: sub.MarketIDs,
		Assets:  sub.TokenIDs,
	}
	return conn.sendJSON(ctx, frame)
}

// resubscribeAll retransmits every registered subscription's subscribe frame
// exactly once. Send failures are logged and skipped; the next reconnect
// round retries them.
func (s *Supervisor) resubscribeAll(ctx context.Context) {
	for _, sub := range s.registry.All() {
		if err := s.sendSubscribe(ctx, sub); err != nil {
			s.log.WithError(err).WithField("subscription", sub.ID).Warn("resubscribe failed")
		}
	}
}

func (s *Supervisor) connFor(channel ChannelType) (*channelConn, error) {
	switch channel {
	case ChannelCLOBUser, ChannelCLOBMarket:
		return s.trading, nil
	case ChannelActivity, ChannelCryptoPrices:
		return s.data, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownChannel, channel)
	}
}

func (s *Supervisor) recordConnectionError() {
	s.connectionErrors.Add(1)
	metrics.IncConnectionError()
}

func (s *Supervisor) stats() (connErrors, reconnects int64, lastReconnect time.Time) {
	s.mu.Lock()
	lastReconnect = s.lastReconnect
	s.mu.Unlock()
	return s.connectionErrors.Load(), s.reconnects.Load(), lastReconnect
}
