package stream

import (
	"context"
	"sync/atomic"
	"time"

	"polyflow/config"
	"polyflow/logger"
)

type inboundFrame struct {
	channel channelRole
	payload []byte
}

// Pump drives the supervisor and router for the process lifetime. One reader
// goroutine per connected channel pushes raw frames into a bounded queue
// consumed by a single dispatch loop, so frames from each channel reach the
// router in strict arrival order and nothing is silently dropped by
// cancelled receives.
type Pump struct {
	sup    *Supervisor
	router *Router
	cfg    config.StreamConfig
	log    *logger.Entry

	queue   chan inboundFrame
	running atomic.Bool
	cancel  context.CancelFunc
	done    chan struct{}

	tradingReader atomic.Bool
	dataReader    atomic.Bool
}

func NewPump(sup *Supervisor, router *Router, cfg config.StreamConfig, log *logger.Log) *Pump {
	if log == nil {
		log = logger.GetLogger()
	}
	buffer := cfg.FrameBuffer
	if buffer <= 0 {
		buffer = 1000
	}
	return &Pump{
		sup:    sup,
		router: router,
		cfg:    cfg,
		log:    log.WithComponent("pump"),
		queue:  make(chan inboundFrame, buffer),
	}
}

// Start launches the dispatch loop. Calling Start on a running pump is a
// no-op.
func (p *Pump) Start(ctx context.Context) {
	if !p.running.CompareAndSwap(false, true) {
		return
	}
	runCtx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	p.done = make(chan struct{})
	go p.run(runCtx)
	p.log.Info("background pump started")
}

// Running reports whether the dispatch loop is active.
func (p *Pump) Running() bool {
	return p.running.Load()
}

// Stop flips the running flag, waits up to the stop timeout for the loop's
// natural exit, force-cancels if it does not, then disconnects both
// channels.
func (p *Pump) Stop() {
	if !p.running.CompareAndSwap(true, false) {
		return
	}

	stopTimeout := p.cfg.StopTimeout
	if stopTimeout <= 0 {
		stopTimeout = 5 * time.Second
	}

	select {
	case <-p.done:
	case <-time.After(stopTimeout):
		p.log.Warn("dispatch loop did not exit in time, cancelling")
	}
	p.cancel()
	<-p.done

	p.sup.Disconnect()
	p.log.Info("background pump stopped")
}

func (p *Pump) run(ctx context.Context) {
	defer close(p.done)

	poll := p.cfg.ReceivePoll
	if poll <= 0 {
		poll = time.Second
	}
	ticker := time.NewTicker(poll)
	defer ticker.Stop()

	for p.running.Load() && ctx.Err() == nil {
		if !p.sup.trading.isConnected() || !p.sup.data.isConnected() {
			if err := p.sup.Reconnect(ctx); err != nil {
				if ctx.Err() != nil {
					return
				}
				p.log.WithError(err).Warn("reconnect round failed")
				continue
			}
		}
		p.ensureReaders(ctx)

		// The poll tick keeps the loop re-checking the running flag and
		// connection health when there is no traffic.
		select {
		case <-ctx.Done():
			return
		case frame := <-p.queue:
			p.router.HandleFrame(ctx, string(frame.channel), frame.payload)
		case <-ticker.C:
			p.router.emitStats()
		}
	}
}

func (p *Pump) ensureReaders(ctx context.Context) {
	if p.sup.trading.isConnected() && p.tradingReader.CompareAndSwap(false, true) {
		go p.readLoop(ctx, p.sup.trading, &p.tradingReader)
	}
	if p.sup.data.isConnected() && p.dataReader.CompareAndSwap(false, true) {
		go p.readLoop(ctx, p.sup.data, &p.dataReader)
	}
}

// readLoop reads one channel until error or shutdown. A read error while the
// channel is still nominally connected counts as a connection error and
// flips the channel down so the dispatch loop runs a reconnect round.
func (p *Pump) readLoop(ctx context.Context, conn *channelConn, active *atomic.Bool) {
	defer active.Store(false)

	for ctx.Err() == nil {
		payload, err := conn.readFrame()
		if err != nil {
			if ctx.Err() == nil && conn.isConnected() {
				p.log.WithError(err).WithField("channel", string(conn.role)).Warn("websocket read failed")
				p.sup.recordConnectionError()
				conn.close()
			}
			return
		}

		switch conn.role {
		case roleTrading:
			logger.IncrementTradingFrame(len(payload))
		case roleData:
			logger.IncrementDataFrame(len(payload))
		}
		logger.RecordChannelMessage(string(conn.role), len(payload))

		select {
		case p.queue <- inboundFrame{channel: conn.role, payload: payload}:
		case <-ctx.Done():
			return
		}
	}
}
