package stream

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"math/rand"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/adred-codev/lobcap/internal/latency"
	"github.com/adred-codev/lobcap/internal/monitoring"
	"github.com/adred-codev/lobcap/internal/pipeline"
)

// State is the consumer's position in its reconnect machine.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateDraining
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateDraining:
		return "draining"
	default:
		return "disconnected"
	}
}

const handshakeTimeout = 10 * time.Second

// ConsumerConfig carries everything one consumer needs to run.
type ConsumerConfig struct {
	Endpoint string   // base endpoint, scheme://host:port
	Symbols  []string // lower-cased capture set, in registry order

	PingInterval time.Duration
	PingTimeout  time.Duration

	// Backoff between connection attempts: sleep
	// min(BaseBackoff·2^retry, MaxBackoff) plus up to one second of
	// jitter; once retry exceeds ResetCycleAfter it falls back to
	// ResetBackoffLevel so a long outage keeps probing instead of
	// pinning at the cap forever.
	BaseBackoff       time.Duration
	MaxBackoff        time.Duration
	ResetCycleAfter   int
	ResetBackoffLevel int

	SanityCheck bool // verify ladder monotonicity on accepted frames
}

// Consumer owns one upstream connection: it dials the multiplexed
// depth stream, demultiplexes frames by symbol, stamps each snapshot
// with latency-corrected receive time, and enqueues it on the symbol's
// bundle. Connection loss is handled internally with capped
// exponential backoff; the consumer only exits when stopped.
//
// Pings double as the latency prober: each ping carries its send
// instant, and the echoed pong yields an RTT whose half feeds every
// symbol's latency window.
type Consumer struct {
	cfg      ConsumerConfig
	registry *pipeline.Registry
	gate     *pipeline.Gate
	tracker  *latency.Tracker
	logger   zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	state     atomic.Int32
	startedAt time.Time

	ready     chan struct{}
	readyOnce sync.Once
	done      chan struct{}

	warnLimit *rate.Limiter

	// nowFn stands in for time.Now so tests can pin the clock that
	// event times are derived from.
	nowFn func() time.Time
}

// NewConsumer builds a consumer. Call Start to begin.
func NewConsumer(cfg ConsumerConfig, registry *pipeline.Registry, gate *pipeline.Gate, tracker *latency.Tracker, logger zerolog.Logger) *Consumer {
	return &Consumer{
		cfg:      cfg,
		registry: registry,
		gate:     gate,
		tracker:  tracker,
		logger: logger.With().
			Str("component", "consumer").
			Str("endpoint", cfg.Endpoint).
			Logger(),
		ready:     make(chan struct{}),
		done:      make(chan struct{}),
		warnLimit: rate.NewLimiter(rate.Limit(1), 5),
		nowFn:     time.Now,
	}
}

// Start launches the connect/read/reconnect loop. The context bounds
// the consumer's whole life; Stop cancels it.
func (c *Consumer) Start(ctx context.Context) {
	c.ctx, c.cancel = context.WithCancel(ctx)
	c.startedAt = time.Now()
	go c.run()
}

// Stop asks the consumer to exit. Wait on Done for completion.
func (c *Consumer) Stop() {
	c.cancel()
}

// Done is closed once the consumer has fully exited.
func (c *Consumer) Done() <-chan struct{} { return c.done }

// Ready is closed after the consumer forwards its first snapshot; the
// hot-swap coordinator treats that as "healthy".
func (c *Consumer) Ready() <-chan struct{} { return c.ready }

// StartedAt reports when Start was called. Hot-swap scheduling
// measures consumer age from here, across internal reconnects.
func (c *Consumer) StartedAt() time.Time { return c.startedAt }

// State reports the consumer's current reconnect-machine state.
func (c *Consumer) State() State { return State(c.state.Load()) }

func (c *Consumer) setState(s State) { c.state.Store(int32(s)) }

// run is the reconnect state machine: Connecting → Connected →
// Draining → Connecting, until the context ends.
func (c *Consumer) run() {
	defer close(c.done)
	defer c.setState(StateDisconnected)
	defer monitoring.RecoverPanic(c.logger, "consumer", nil)

	retry := 0
	for {
		if c.ctx.Err() != nil {
			return
		}

		c.setState(StateConnecting)
		conn, err := c.dial()
		if err != nil {
			c.setState(StateDraining)
			monitoring.RecordReconnect(c.cfg.Endpoint)
			c.logger.Warn().Err(err).Int("retry", retry).Msg("Upstream dial failed")
			if !c.backoff(&retry) {
				return
			}
			continue
		}

		retry = 0
		c.setState(StateConnected)
		c.logger.Info().Msg("Upstream connected")

		readErr := c.readLoop(conn)
		conn.Close()
		c.setState(StateDraining)
		if c.ctx.Err() != nil {
			return
		}

		monitoring.RecordReconnect(c.cfg.Endpoint)
		c.logger.Warn().Err(readErr).Msg("Upstream connection lost")
		if !c.backoff(&retry) {
			return
		}
	}
}

// backoffDelay is the deterministic part of the wait before reconnect
// attempt retry: min(BaseBackoff·2^retry, MaxBackoff).
func (c *Consumer) backoffDelay(retry int) time.Duration {
	secs := c.cfg.BaseBackoff.Seconds() * math.Exp2(float64(retry))
	if maxSecs := c.cfg.MaxBackoff.Seconds(); secs > maxSecs {
		secs = maxSecs
	}
	return time.Duration(secs * float64(time.Second))
}

// backoff increments the retry counter and sleeps backoffDelay plus
// U[0,1)s of jitter, applying the reset cycle afterwards. Returns
// false if shutdown interrupted the sleep.
func (c *Consumer) backoff(retry *int) bool {
	*retry++
	sleep := c.backoffDelay(*retry) + time.Duration(rand.Float64()*float64(time.Second))

	if *retry > c.cfg.ResetCycleAfter {
		*retry = c.cfg.ResetBackoffLevel
	}

	timer := time.NewTimer(sleep)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-c.ctx.Done():
		return false
	}
}

// dial opens the socket for the full multiplexed subscription.
func (c *Consumer) dial() (*websocket.Conn, error) {
	dialer := websocket.Dialer{
		HandshakeTimeout: handshakeTimeout,

		// TCP keep-alive prevents stale connections when an idle
		// middlebox drops the flow without a FIN.
		NetDialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
			d := &net.Dialer{
				Timeout:   handshakeTimeout,
				KeepAlive: 30 * time.Second,
			}
			conn, err := d.DialContext(ctx, network, addr)
			if err != nil {
				return nil, err
			}
			if tcpConn, ok := conn.(*net.TCPConn); ok {
				tcpConn.SetKeepAlive(true)
				tcpConn.SetKeepAlivePeriod(30 * time.Second)
			}
			return conn, nil
		},
	}

	url := c.cfg.Endpoint + streamPath(c.cfg.Symbols)
	conn, _, err := dialer.DialContext(c.ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", url, err)
	}
	return conn, nil
}

// readLoop reads frames until the socket errors or shutdown closes it.
// The read deadline spans one ping interval plus the pong grace, so a
// connection that stops answering pings is torn down within a bounded
// window.
func (c *Consumer) readLoop(conn *websocket.Conn) error {
	readTimeout := c.cfg.PingInterval + c.cfg.PingTimeout

	conn.SetReadDeadline(time.Now().Add(readTimeout))
	conn.SetPongHandler(func(appData string) error {
		conn.SetReadDeadline(time.Now().Add(readTimeout))
		c.recordPong(appData)
		return nil
	})

	// ReadMessage cannot be interrupted by a context, so a watcher
	// closes the socket when shutdown arrives.
	watcherDone := make(chan struct{})
	defer close(watcherDone)
	go func() {
		select {
		case <-c.ctx.Done():
			conn.Close()
		case <-watcherDone:
		}
	}()

	pingCtx, stopPings := context.WithCancel(c.ctx)
	defer stopPings()
	go c.pingLoop(pingCtx, conn)

	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("read frame: %w", err)
		}
		c.handleFrame(msg)
	}
}

// pingLoop sends a timestamped ping immediately and then on every
// interval. Starting at connect bounds the latency-window-empty gap to
// one round trip.
func (c *Consumer) pingLoop(ctx context.Context, conn *websocket.Conn) {
	defer monitoring.RecoverPanic(c.logger, "ping_loop", nil)

	send := func() bool {
		payload := strconv.FormatInt(c.nowFn().UnixNano(), 10)
		deadline := time.Now().Add(c.cfg.PingTimeout)
		if err := conn.WriteControl(websocket.PingMessage, []byte(payload), deadline); err != nil {
			// The read loop will observe the dead socket; nothing to do here.
			return false
		}
		return true
	}

	if !send() {
		return
	}

	ticker := time.NewTicker(c.cfg.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if !send() {
				return
			}
		case <-ctx.Done():
			return
		}
	}
}

// recordPong turns an echoed ping payload into a one-way latency
// sample for every symbol: all symbols share this transport, so one
// measurement applies to all of them.
func (c *Consumer) recordPong(appData string) {
	sentNs, err := strconv.ParseInt(appData, 10, 64)
	if err != nil {
		return
	}
	rtt := time.Duration(c.nowFn().UnixNano() - sentNs)
	if rtt <= 0 {
		return
	}

	c.tracker.RecordAll(rtt / 2)
	for _, sym := range c.cfg.Symbols {
		if med, ok := c.tracker.Median(sym); ok {
			monitoring.SetMedianLatency(sym, med.Seconds()*1000)
		}
	}
}

// handleFrame applies the per-frame contract: demultiplex by stream
// name, drop what cannot or must not be written, stamp the rest with
// corrected event time, and enqueue. Every drop is counted under its
// reason; only the missing-book-version drop is silent in the log, per
// the upstream's own contract for that case.
func (c *Consumer) handleFrame(msg []byte) {
	var f frame
	if err := json.Unmarshal(msg, &f); err != nil || f.Stream == "" {
		monitoring.RecordFrame(monitoring.FrameMalformed)
		if c.warnLimit.Allow() {
			c.logger.Warn().Err(err).Int("bytes", len(msg)).Msg("Malformed frame skipped")
		}
		return
	}

	bundle, known := c.registry.Lookup(symbolOf(f.Stream))
	if !known {
		monitoring.RecordFrame(monitoring.FrameUnknownSymbol)
		return
	}
	symbol := bundle.Symbol()

	var payload depthPayload
	if err := json.Unmarshal(f.Data, &payload); err != nil {
		monitoring.RecordFrame(monitoring.FrameMalformed)
		if c.warnLimit.Allow() {
			c.logger.Warn().Err(err).Str("symbol", symbol).Msg("Malformed depth payload skipped")
		}
		return
	}
	if payload.LastUpdateID == nil {
		monitoring.RecordFrame(monitoring.FrameNoUpdateID)
		return
	}

	if !c.gate.StreamEnabled() {
		monitoring.RecordFrame(monitoring.FrameGated)
		return
	}

	median, haveSamples := c.tracker.Median(symbol)
	if !haveSamples {
		// No latency estimate yet means no defensible eventTime.
		monitoring.RecordFrame(monitoring.FrameNoLatency)
		return
	}
	if median < 0 {
		median = 0
	}

	snap := pipeline.Snapshot{
		LastUpdateID: *payload.LastUpdateID,
		EventTime:    c.nowFn().UnixMilli() - median.Milliseconds(),
		Bids:         payload.Bids,
		Asks:         payload.Asks,
	}
	if snap.Bids == nil {
		snap.Bids = []pipeline.Level{}
	}
	if snap.Asks == nil {
		snap.Asks = []pipeline.Level{}
	}

	if c.cfg.SanityCheck {
		c.inspectLadders(symbol, &snap)
	}

	// ok is the frame-contract verdict, counted before admission so
	// every frame lands in exactly one result bucket; a full-queue
	// shed below shows up on the per-symbol drop counter instead.
	monitoring.RecordFrame(monitoring.FrameOK)
	if bundle.Enqueue(snap) {
		monitoring.RecordEnqueue(symbol)
		c.gate.MarkFirstSnapshot()
		c.readyOnce.Do(func() { close(c.ready) })
	} else {
		monitoring.RecordQueueDrop(symbol)
		if c.warnLimit.Allow() {
			c.logger.Warn().Str("symbol", symbol).Msg("Symbol queue full, snapshot dropped")
		}
	}
}

// inspectLadders records monotonicity violations without touching the
// snapshot: an upstream contract breach is archived as received.
func (c *Consumer) inspectLadders(symbol string, s *pipeline.Snapshot) {
	badBids, badAsks := ladderViolations(s)
	if badBids {
		monitoring.RecordBookViolation(symbol, monitoring.SideBids)
	}
	if badAsks {
		monitoring.RecordBookViolation(symbol, monitoring.SideAsks)
	}
	if (badBids || badAsks) && c.warnLimit.Allow() {
		c.logger.Warn().
			Str("symbol", symbol).
			Bool("bids", badBids).
			Bool("asks", badAsks).
			Msg("Ladder price order violation")
	}
}
