package stream

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	appconfig "priceflow/config"
	"priceflow/internal/models"
	"priceflow/internal/symbols"
	"priceflow/logger"
)

// UpdateHandler receives every parsed ticker frame.
type UpdateHandler func(models.PriceUpdate)

// StateHandler receives connection state transitions.
type StateHandler func(models.ConnectionState)

// Client maintains one persistent websocket connection to the exchange's
// push feed. It subscribes to the streaming-tier symbols, parses inbound
// ticker frames and forwards them to registered handlers. On read failures
// it reconnects with capped exponential backoff; after the retry budget is
// exhausted it parks in the terminal Failed state and reports, leaving the
// polling side of the system untouched.
type Client struct {
	config  *appconfig.Config
	pairs   *symbols.Map
	ctx     context.Context
	wg      *sync.WaitGroup
	mu      sync.RWMutex
	running bool
	log     *logger.Log

	connMu sync.Mutex
	conn   *websocket.Conn

	symbolsMu sync.RWMutex
	symbols   []models.Symbol

	stateMu sync.RWMutex
	state   models.ConnectionState

	latestMu sync.RWMutex
	latest   map[models.Symbol]models.PriceUpdate

	handlersMu    sync.RWMutex
	updateHandler []UpdateHandler
	stateHandler  []StateHandler
}

// NewClient creates a streaming client. Subscriptions are set with Subscribe
// before or after Start; an empty subscription set keeps the connection idle.
func NewClient(cfg *appconfig.Config, pairs *symbols.Map) *Client {
	return &Client{
		config: cfg,
		pairs:  pairs,
		wg:     &sync.WaitGroup{},
		log:    logger.GetLogger(),
		state:  models.StateDisconnected,
		latest: map[models.Symbol]models.PriceUpdate{},
	}
}

// OnUpdate registers a handler invoked once per parsed ticker frame.
func (c *Client) OnUpdate(h UpdateHandler) {
	c.handlersMu.Lock()
	c.updateHandler = append(c.updateHandler, h)
	c.handlersMu.Unlock()
}

// OnConnectionChange registers a handler invoked on every state transition.
func (c *Client) OnConnectionChange(h StateHandler) {
	c.handlersMu.Lock()
	c.stateHandler = append(c.stateHandler, h)
	c.handlersMu.Unlock()
}

// Subscribe replaces the set of streaming-tier symbols. When the connection
// is live the delta is applied in place: removed pairs are unsubscribed and
// added pairs subscribed without tearing the connection down.
func (c *Client) Subscribe(syms []models.Symbol) {
	c.symbolsMu.Lock()
	previous := c.symbols
	c.symbols = append([]models.Symbol(nil), syms...)
	c.symbolsMu.Unlock()

	if c.State() != models.StateLive {
		return
	}

	log := c.log.WithComponent("stream_client").WithFields(logger.Fields{"operation": "Subscribe"})
	removed := diffSymbols(previous, syms)
	added := diffSymbols(syms, previous)
	if len(removed) > 0 {
		if err := c.writeSubscription("unsubscribe", removed); err != nil {
			log.WithError(err).WithFields(logger.Fields{"symbols": removed}).Warn("unsubscribe write failed, connection will resubscribe on reconnect")
		}
	}
	if len(added) > 0 {
		if err := c.writeSubscription("subscribe", added); err != nil {
			log.WithError(err).WithFields(logger.Fields{"symbols": added}).Warn("subscribe write failed, connection will resubscribe on reconnect")
		}
	}
}

// Start opens the connection and begins the receive loop.
func (c *Client) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.running {
		c.mu.Unlock()
		return fmt.Errorf("streaming client already running")
	}
	c.running = true
	c.ctx = ctx
	c.mu.Unlock()

	log := c.log.WithComponent("stream_client").WithFields(logger.Fields{"operation": "Start"})
	log.WithFields(logger.Fields{"url": c.config.Source.WebsocketURL}).Info("starting streaming client")

	c.wg.Add(1)
	go c.run()

	return nil
}

// Stop closes the connection to unblock a pending read and waits for the
// receive loop to exit.
func (c *Client) Stop() {
	c.mu.Lock()
	c.running = false
	c.mu.Unlock()

	c.closeConn()
	c.log.WithComponent("stream_client").Info("stopping streaming client")
	c.wg.Wait()
	if c.State() != models.StateFailed {
		c.setState(models.StateDisconnected)
	}
	c.log.WithComponent("stream_client").Info("streaming client stopped")
}

// LatestPrices returns a copy of the most recent update per symbol seen on
// this connection.
func (c *Client) LatestPrices() map[models.Symbol]models.PriceUpdate {
	c.latestMu.RLock()
	defer c.latestMu.RUnlock()
	out := make(map[models.Symbol]models.PriceUpdate, len(c.latest))
	for sym, u := range c.latest {
		out[sym] = u
	}
	return out
}

// State reports the current connection state.
func (c *Client) State() models.ConnectionState {
	c.stateMu.RLock()
	defer c.stateMu.RUnlock()
	return c.state
}

// run is the connection lifecycle loop: dial, subscribe, receive, reconnect.
func (c *Client) run() {
	defer c.wg.Done()
	log := c.log.WithComponent("stream_client").WithFields(logger.Fields{"worker": "receive_loop"})

	rc := c.config.Source.Reconnect
	retryCount := 0

	for {
		if c.ctx.Err() != nil || !c.isRunning() {
			return
		}

		c.setState(models.StateConnecting)
		conn, _, err := websocket.DefaultDialer.Dial(c.config.Source.WebsocketURL, nil)
		if err != nil {
			retryCount++
			if retryCount > rc.MaxRetries {
				log.WithError(err).WithFields(logger.Fields{"retries": retryCount - 1}).Error("reconnect budget exhausted, entering failed state")
				c.setState(models.StateFailed)
				return
			}
			delay := backoffDelay(rc.BaseDelay, rc.MaxDelay, retryCount)
			log.WithError(err).WithFields(logger.Fields{
				"retry": retryCount,
				"delay": delay.String(),
			}).Warn("failed to connect websocket, retrying")
			select {
			case <-time.After(delay):
				continue
			case <-c.ctx.Done():
				return
			}
		}

		c.setConn(conn)
		c.setState(models.StateSubscribing)

		if err := c.subscribeAll(); err != nil {
			log.WithError(err).Warn("failed to send subscription, reconnecting")
			c.closeConn()
			retryCount++
			if retryCount > rc.MaxRetries {
				c.setState(models.StateFailed)
				return
			}
			continue
		}

		c.setState(models.StateLive)
		retryCount = 0
		log.Info("websocket live")

		degraded := c.receiveLoop(conn, log)
		c.closeConn()

		if c.ctx.Err() != nil || !c.isRunning() {
			return
		}
		if degraded {
			c.setState(models.StateDegraded)
		} else {
			c.setState(models.StateDisconnected)
		}
		retryCount++
		if retryCount > rc.MaxRetries {
			log.WithFields(logger.Fields{"retries": retryCount - 1}).Error("reconnect budget exhausted, entering failed state")
			c.setState(models.StateFailed)
			return
		}
		delay := backoffDelay(rc.BaseDelay, rc.MaxDelay, retryCount)
		log.WithFields(logger.Fields{"retry": retryCount, "delay": delay.String()}).Warn("websocket lost, reconnecting")
		select {
		case <-time.After(delay):
		case <-c.ctx.Done():
			return
		}
	}
}

// receiveLoop reads frames until the connection breaks. The read deadline is
// the heartbeat timeout: the feed heartbeats every second, so a silent
// connection past the deadline is degraded, not merely idle. Returns true
// when the exit was a heartbeat timeout.
func (c *Client) receiveLoop(conn *websocket.Conn, log *logger.Entry) bool {
	heartbeat := c.config.Source.HeartbeatTimeout
	for {
		if err := conn.SetReadDeadline(time.Now().Add(heartbeat)); err != nil {
			log.WithError(err).Warn("failed to set read deadline")
			return false
		}
		_, msg, err := conn.ReadMessage()
		if err != nil {
			if c.ctx.Err() != nil || !c.isRunning() {
				return false
			}
			if netTimeout(err) {
				log.WithFields(logger.Fields{"timeout": heartbeat.String()}).Warn("no frames within heartbeat window")
				return true
			}
			log.WithError(err).Warn("websocket read error")
			return false
		}
		c.handleMessage(msg, log)
	}
}

// handleMessage parses one frame. Control frames are consumed internally;
// ticker frames become PriceUpdates. A malformed frame is dropped and logged,
// never fatal.
func (c *Client) handleMessage(msg []byte, log *logger.Entry) {
	event, pair, payload, err := parseFrame(msg)
	if err != nil {
		log.WithError(err).Warn("dropping malformed frame")
		return
	}

	if payload == nil {
		switch event {
		case "heartbeat", "pong", "systemStatus":
			// routine control traffic
		case "subscriptionStatus":
			log.WithFields(logger.Fields{"pair": pair}).Debug("subscription acknowledged")
		default:
			log.WithFields(logger.Fields{"event": event}).Debug("ignoring control frame")
		}
		return
	}

	sym, ok := c.pairs.Normalize(pair)
	if !ok {
		log.WithFields(logger.Fields{"pair": pair}).Warn("dropping frame for unknown pair")
		return
	}

	update := payload.toUpdate(sym, time.Now().UTC())
	logger.IncrementStreamRead(len(msg))

	c.latestMu.Lock()
	c.latest[sym] = update
	c.latestMu.Unlock()

	c.handlersMu.RLock()
	handlers := c.updateHandler
	c.handlersMu.RUnlock()
	for _, h := range handlers {
		h(update)
	}
}

// subscribeAll sends one subscription request enumerating every
// streaming-tier pair, translated through the pair map's inverse.
func (c *Client) subscribeAll() error {
	c.symbolsMu.RLock()
	syms := c.symbols
	c.symbolsMu.RUnlock()
	if len(syms) == 0 {
		return nil
	}
	return c.writeSubscription("subscribe", syms)
}

func (c *Client) writeSubscription(event string, syms []models.Symbol) error {
	pairs := make([]string, 0, len(syms))
	for _, sym := range syms {
		if name, ok := c.pairs.WSName(sym); ok {
			pairs = append(pairs, name)
		} else {
			c.log.WithComponent("stream_client").WithFields(logger.Fields{"symbol": sym}).Warn("no websocket pair for symbol, skipping")
		}
	}
	if len(pairs) == 0 {
		return nil
	}

	req := subscribeRequest{
		Event:        event,
		Pair:         pairs,
		Subscription: subscription{Name: "ticker"},
	}

	c.connMu.Lock()
	defer c.connMu.Unlock()
	if c.conn == nil {
		return fmt.Errorf("not connected")
	}
	c.log.WithComponent("stream_client").WithFields(logger.Fields{
		"event": event,
		"pairs": len(pairs),
	}).Info("sending subscription request")
	return c.conn.WriteJSON(req)
}

func (c *Client) isRunning() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.running
}

func (c *Client) setConn(conn *websocket.Conn) {
	c.connMu.Lock()
	c.conn = conn
	c.connMu.Unlock()
}

func (c *Client) closeConn() {
	c.connMu.Lock()
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
	c.connMu.Unlock()
}

func (c *Client) setState(s models.ConnectionState) {
	c.stateMu.Lock()
	if c.state == s {
		c.stateMu.Unlock()
		return
	}
	c.state = s
	c.stateMu.Unlock()

	c.log.WithComponent("stream_client").WithFields(logger.Fields{"state": s.String()}).Info("connection state changed")

	c.handlersMu.RLock()
	handlers := c.stateHandler
	c.handlersMu.RUnlock()
	for _, h := range handlers {
		h(s)
	}
}

// backoffDelay computes base * 2^(retry-1) capped at max.
func backoffDelay(base, max time.Duration, retry int) time.Duration {
	if retry < 1 {
		retry = 1
	}
	delay := base
	for i := 1; i < retry; i++ {
		delay *= 2
		if delay >= max {
			return max
		}
	}
	if delay > max {
		return max
	}
	return delay
}

func diffSymbols(a, b []models.Symbol) []models.Symbol {
	inB := make(map[models.Symbol]struct{}, len(b))
	for _, sym := range b {
		inB[sym] = struct{}{}
	}
	var out []models.Symbol
	for _, sym := range a {
		if _, ok := inB[sym]; !ok {
			out = append(out, sym)
		}
	}
	return out
}

func netTimeout(err error) bool {
	var ne net.Error
	if errors.As(err, &ne) {
		return ne.Timeout()
	}
	return false
}
