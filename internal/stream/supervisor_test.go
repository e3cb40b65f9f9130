package stream

import (
	"context"
	"testing"
	"time"

	"polyflow/config"
)

func TestSupervisorConnectBothChannels(t *testing.T) {
	trading := newWSServer(t, false)
	data := newWSServer(t, false)
	sup := NewSupervisor(testVenueConfig(trading, data), testStreamConfig(), NewRegistry(), nil)
	defer sup.Disconnect()

	if err := sup.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	if !sup.trading.isConnected() || !sup.data.isConnected() {
		t.Errorf("channels not connected after Connect")
	}
	if sup.trading.isAuthenticated() {
		t.Errorf("authenticated without credentials")
	}
}

func TestSupervisorConnectPartialFailure(t *testing.T) {
	data := newWSServer(t, false)
	venue := config.VenueConfig{
		TradingWS: "ws://127.0.0.1:1/nowhere",
		DataWS:    data.url(),
	}
	sup := NewSupervisor(venue, testStreamConfig(), NewRegistry(), nil)
	defer sup.Disconnect()

	if err := sup.Connect(context.Background()); err != nil {
		t.Fatalf("connect failed despite data channel being reachable: %v", err)
	}
	if sup.trading.isConnected() {
		t.Errorf("trading channel claims connected")
	}
	if !sup.data.isConnected() {
		t.Errorf("data channel not connected")
	}
}

func TestSupervisorConnectBothFail(t *testing.T) {
	venue := config.VenueConfig{
		TradingWS: "ws://127.0.0.1:1/nowhere",
		DataWS:    "ws://127.0.0.1:1/nowhere",
	}
	sup := NewSupervisor(venue, testStreamConfig(), NewRegistry(), nil)

	if err := sup.Connect(context.Background()); err == nil {
		t.Fatalf("connect succeeded with both endpoints unreachable")
	}
}

func TestSupervisorAuthentication(t *testing.T) {
	trading := newWSServer(t, true)
	data := newWSServer(t, false)

	venue := testVenueConfig(trading, data)
	venue.APIKey = "key"
	venue.APISecret = "secret"
	venue.Passphrase = "phrase"

	sup := NewSupervisor(venue, testStreamConfig(), NewRegistry(), nil)
	defer sup.Disconnect()

	if err := sup.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	if !sup.trading.isAuthenticated() {
		t.Fatalf("trading channel not authenticated")
	}
	waitFor(t, time.Second, func() bool {
		trading.mu.Lock()
		defer trading.mu.Unlock()
		for _, f := range trading.frames {
			if _, ok := f["auth"]; ok {
				return true
			}
		}
		return false
	}, "auth frame received by server")
}

func TestSupervisorAuthFailureNonFatal(t *testing.T) {
	// Server accepts the auth frame but never confirms; the handshake must
	// time out without failing Connect.
	trading := newWSServer(t, false)
	data := newWSServer(t, false)

	venue := testVenueConfig(trading, data)
	venue.APIKey = "key"
	venue.APISecret = "secret"
	venue.Passphrase = "phrase"

	cfg := testStreamConfig()
	cfg.AuthTimeout = 50 * time.Millisecond

	sup := NewSupervisor(venue, cfg, NewRegistry(), nil)
	defer sup.Disconnect()

	if err := sup.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	if sup.trading.isAuthenticated() {
		t.Errorf("authenticated without server confirmation")
	}
	if !sup.trading.isConnected() {
		t.Errorf("trading channel dropped after auth timeout")
	}
}

func TestSupervisorSubscribeSendsFrame(t *testing.T) {
	trading := newWSServer(t, false)
	data := newWSServer(t, false)
	sup := NewSupervisor(testVenueConfig(trading, data), testStreamConfig(), NewRegistry(), nil)
	defer sup.Disconnect()

	if err := sup.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}

	sub, err := sup.Subscribe(context.Background(), SubscribeRequest{
		Type:      EventPriceChange,
		Channel:   ChannelCLOBMarket,
		MarketIDs: []string{"m1"},
		Sink:      &testSink{},
	})
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if sub.ID == "" {
		t.Errorf("subscription has no id")
	}
	if sub.Mode != ModeNotification {
		t.Errorf("default mode %q, expected notification", sub.Mode)
	}

	waitFor(t, time.Second, func() bool {
		return trading.countFrames("subscribe") == 1
	}, "subscribe frame received")
	if data.countFrames("subscribe") != 0 {
		t.Errorf("market subscription sent on the data channel")
	}
}

func TestSupervisorSubscribeValidation(t *testing.T) {
	trading := newWSServer(t, false)
	data := newWSServer(t, false)
	sup := NewSupervisor(testVenueConfig(trading, data), testStreamConfig(), NewRegistry(), nil)
	defer sup.Disconnect()

	if err := sup.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}

	tests := []struct {
		name    string
		req     SubscribeRequest
		wantErr error
	}{
		{
			"missing sink",
			SubscribeRequest{Type: EventPriceChange, Channel: ChannelCLOBMarket},
			ErrSinkRequired,
		},
		{
			"user channel without auth",
			SubscribeRequest{Type: EventOrder, Channel: ChannelCLOBUser, Sink: &testSink{}},
			ErrAuthenticationRequired,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := sup.Subscribe(context.Background(), tt.req)
			if err == nil {
				t.Fatalf("expected error")
			}
			if tt.wantErr != nil && err != tt.wantErr {
				t.Errorf("got %v, expected %v", err, tt.wantErr)
			}
		})
	}

	_, err := sup.Subscribe(context.Background(), SubscribeRequest{
		Type: EventPriceChange, Channel: ChannelType("bogus"), Sink: &testSink{},
	})
	if err == nil {
		t.Fatalf("unknown channel accepted")
	}

	if sup.registry.Len() != 0 {
		t.Errorf("rejected subscriptions left %d registry entries", sup.registry.Len())
	}
}

func TestSupervisorUnsubscribe(t *testing.T) {
	trading := newWSServer(t, false)
	data := newWSServer(t, false)
	sup := NewSupervisor(testVenueConfig(trading, data), testStreamConfig(), NewRegistry(), nil)
	defer sup.Disconnect()

	if err := sup.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}

	sub, err := sup.Subscribe(context.Background(), SubscribeRequest{
		Type: EventPriceChange, Channel: ChannelCLOBMarket, Sink: &testSink{},
	})
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	if !sup.Unsubscribe(context.Background(), sub.ID) {
		t.Fatalf("first unsubscribe reported not found")
	}
	if sup.Unsubscribe(context.Background(), sub.ID) {
		t.Fatalf("second unsubscribe reported found")
	}

	waitFor(t, time.Second, func() bool {
		return trading.countFrames("unsubscribe") == 1
	}, "unsubscribe frame received")
}

func TestSupervisorResubscribeOnReconnect(t *testing.T) {
	trading := newWSServer(t, false)
	data := newWSServer(t, false)
	sup := NewSupervisor(testVenueConfig(trading, data), testStreamConfig(), NewRegistry(), nil)
	defer sup.Disconnect()

	ctx := context.Background()
	if err := sup.Connect(ctx); err != nil {
		t.Fatalf("connect: %v", err)
	}

	const n = 3
	for i := 0; i < n; i++ {
		if _, err := sup.Subscribe(ctx, SubscribeRequest{
			Type: EventPriceChange, Channel: ChannelCLOBMarket, Sink: &testSink{},
		}); err != nil {
			t.Fatalf("subscribe %d: %v", i, err)
		}
	}
	waitFor(t, time.Second, func() bool {
		return trading.countFrames("subscribe") == n
	}, "initial subscribe frames received")

	sup.Disconnect()
	if err := sup.Reconnect(ctx); err != nil {
		t.Fatalf("reconnect: %v", err)
	}

	if sup.registry.Len() != n {
		t.Errorf("registry lost subscriptions across reconnect: %d", sup.registry.Len())
	}
	waitFor(t, time.Second, func() bool {
		return trading.countFrames("subscribe") == 2*n
	}, "each subscription retransmitted exactly once")

	_, reconnects, last := sup.stats()
	if reconnects != 1 {
		t.Errorf("reconnect count %d, expected 1", reconnects)
	}
	if last.IsZero() {
		t.Errorf("last reconnect timestamp not set")
	}
}

func TestReconnectDelaySchedule(t *testing.T) {
	initial, max := time.Second, 60*time.Second
	tests := []struct {
		attempts int
		want     time.Duration
	}{
		{0, time.Second},
		{1, 2 * time.Second},
		{2, 4 * time.Second},
		{5, 32 * time.Second},
		{6, 60 * time.Second},
		{20, 60 * time.Second},
	}
	for _, tt := range tests {
		if got := reconnectDelay(initial, max, tt.attempts); got != tt.want {
			t.Errorf("attempts=%d delay=%v, expected %v", tt.attempts, got, tt.want)
		}
	}
}

func TestSupervisorDisconnectIdempotent(t *testing.T) {
	trading := newWSServer(t, false)
	data := newWSServer(t, false)
	sup := NewSupervisor(testVenueConfig(trading, data), testStreamConfig(), NewRegistry(), nil)

	if err := sup.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	sup.Disconnect()
	sup.Disconnect()

	if sup.trading.isConnected() || sup.data.isConnected() {
		t.Errorf("channels still connected after Disconnect")
	}
	if sup.trading.isAuthenticated() {
		t.Errorf("authenticated flag survived Disconnect")
	}
}
