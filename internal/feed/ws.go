// Package feed streams last traded prices from the broker's tick
// websocket into the tick cache.
package feed

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/mkotak/algodispatch/internal/domain"
)

const (
	// writeWait is the time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// pongWait is the time allowed to read the next pong from the peer.
	pongWait = 60 * time.Second

	// pingPeriod sends pings at this interval. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// reconnectDelay is the base delay before attempting to reconnect.
	reconnectDelay = 2 * time.Second

	// maxReconnectDelay caps the exponential backoff for reconnection.
	maxReconnectDelay = 60 * time.Second
)

// TickHandler is called for every last-traded-price tick received.
type TickHandler func(domain.Tick)

// subscribeCommand is the JSON command sent to manage subscriptions.
type subscribeCommand struct {
	Action  string   `json:"a"`
	Symbols []string `json:"v"`
}

// tickMessage is the wire form of a single tick.
type tickMessage struct {
	Symbol    string  `json:"tradingsymbol"`
	LastPrice float64 `json:"last_price"`
	Timestamp int64   `json:"exchange_timestamp"`
}

// WSClient is a websocket client for the broker's streaming tick feed. It
// manages the connection lifecycle, restores subscriptions on reconnect,
// and dispatches ticks to registered handlers.
type WSClient struct {
	wsURL string
	conn  *websocket.Conn

	mu     sync.RWMutex
	closed bool

	// pingStop ends the current connection's ping loop; closed and
	// replaced on every (re)connect so ping writers never accumulate.
	pingStop chan struct{}

	// Symbols to restore on reconnect.
	subscribed []string

	handlerMu sync.RWMutex
	handlers  []TickHandler

	// done is closed when the client is shut down.
	done chan struct{}
}

// NewWSClient creates a websocket client for the given tick feed URL.
func NewWSClient(wsURL string) *WSClient {
	return &WSClient{
		wsURL: wsURL,
		done:  make(chan struct{}),
	}
}

// Connect establishes the websocket connection and starts the read and
// ping loops. Previously subscribed symbols are re-subscribed.
func (w *WSClient) Connect(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return fmt.Errorf("feed: client closed")
	}

	dialer := websocket.Dialer{
		HandshakeTimeout: 15 * time.Second,
	}

	conn, _, err := dialer.DialContext(ctx, w.wsURL, nil)
	if err != nil {
		return fmt.Errorf("feed: connect: %w", err)
	}

	w.conn = conn

	w.conn.SetReadDeadline(time.Now().Add(pongWait))
	w.conn.SetPongHandler(func(string) error {
		w.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	// Retire the previous connection's ping loop before starting one for
	// the new connection; otherwise each reconnect leaves another writer
	// behind and two goroutines end up pinging the same conn.
	if w.pingStop != nil {
		close(w.pingStop)
	}
	w.pingStop = make(chan struct{})

	go w.readLoop()
	go w.pingLoop(conn, w.pingStop)

	if len(w.subscribed) > 0 {
		cmd := subscribeCommand{Action: "subscribe", Symbols: w.subscribed}
		if err := w.sendCommand(cmd); err != nil {
			return fmt.Errorf("feed: restore subscriptions: %w", err)
		}
	}

	return nil
}

// Subscribe subscribes to ticks for the given symbols.
func (w *WSClient) Subscribe(ctx context.Context, symbols []string) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.conn == nil {
		return fmt.Errorf("feed: not connected")
	}

	cmd := subscribeCommand{Action: "subscribe", Symbols: symbols}
	if err := w.sendCommand(cmd); err != nil {
		return fmt.Errorf("feed: subscribe: %w", err)
	}

	seen := make(map[string]struct{}, len(w.subscribed))
	for _, s := range w.subscribed {
		seen[s] = struct{}{}
	}
	for _, s := range symbols {
		if _, ok := seen[s]; !ok {
			w.subscribed = append(w.subscribed, s)
		}
	}

	return nil
}

// Unsubscribe stops ticks for the given symbols.
func (w *WSClient) Unsubscribe(ctx context.Context, symbols []string) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.conn == nil {
		return fmt.Errorf("feed: not connected")
	}

	cmd := subscribeCommand{Action: "unsubscribe", Symbols: symbols}
	if err := w.sendCommand(cmd); err != nil {
		return fmt.Errorf("feed: unsubscribe: %w", err)
	}

	drop := make(map[string]struct{}, len(symbols))
	for _, s := range symbols {
		drop[s] = struct{}{}
	}
	filtered := w.subscribed[:0]
	for _, s := range w.subscribed {
		if _, ok := drop[s]; !ok {
			filtered = append(filtered, s)
		}
	}
	w.subscribed = filtered

	return nil
}

// OnTick registers a handler that is called for every tick received.
func (w *WSClient) OnTick(handler TickHandler) {
	w.handlerMu.Lock()
	defer w.handlerMu.Unlock()
	w.handlers = append(w.handlers, handler)
}

// Close shuts down the connection and stops the read loop.
func (w *WSClient) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return nil
	}

	w.closed = true
	close(w.done)

	if w.conn != nil {
		_ = w.conn.WriteMessage(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		)
		return w.conn.Close()
	}

	return nil
}

// sendCommand sends a JSON command to the websocket. Caller must hold w.mu.
func (w *WSClient) sendCommand(cmd subscribeCommand) error {
	w.conn.SetWriteDeadline(time.Now().Add(writeWait))

	data, err := json.Marshal(cmd)
	if err != nil {
		return fmt.Errorf("marshal command: %w", err)
	}

	return w.conn.WriteMessage(websocket.TextMessage, data)
}

// readLoop reads messages and dispatches ticks to handlers. On disconnect
// it reconnects with exponential backoff.
func (w *WSClient) readLoop() {
	defer func() {
		w.mu.RLock()
		conn := w.conn
		w.mu.RUnlock()
		if conn != nil {
			conn.Close()
		}
	}()

	for {
		select {
		case <-w.done:
			return
		default:
		}

		w.mu.RLock()
		conn := w.conn
		w.mu.RUnlock()

		if conn == nil {
			return
		}

		_, message, err := conn.ReadMessage()
		if err != nil {
			select {
			case <-w.done:
				return
			default:
			}

			w.reconnect()
			return // readLoop is restarted by reconnect -> Connect
		}

		w.handleMessage(message)
	}
}

// pingLoop sends periodic pings on the given connection until the
// connection is replaced or the client shuts down.
func (w *WSClient) pingLoop(conn *websocket.Conn, stop <-chan struct{}) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-w.done:
			return
		case <-stop:
			return
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// handleMessage parses a raw message, which may carry one tick or a batch.
func (w *WSClient) handleMessage(raw []byte) {
	var batch []tickMessage
	if err := json.Unmarshal(raw, &batch); err != nil {
		var single tickMessage
		if err := json.Unmarshal(raw, &single); err != nil {
			return // drop unparseable messages
		}
		batch = []tickMessage{single}
	}

	w.handlerMu.RLock()
	handlers := w.handlers
	w.handlerMu.RUnlock()

	for _, msg := range batch {
		if msg.Symbol == "" || msg.LastPrice <= 0 {
			continue
		}
		tick := domain.Tick{
			Symbol:    msg.Symbol,
			LastPrice: msg.LastPrice,
			Timestamp: time.Unix(msg.Timestamp, 0),
		}
		if msg.Timestamp == 0 {
			tick.Timestamp = time.Now()
		}
		for _, h := range handlers {
			h(tick)
		}
	}
}

// reconnect re-establishes the connection with exponential backoff. It
// blocks until successful or the client is closed.
func (w *WSClient) reconnect() {
	delay := reconnectDelay

	for {
		select {
		case <-w.done:
			return
		default:
		}

		time.Sleep(delay)

		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		err := w.Connect(ctx)
		cancel()

		if err == nil {
			return
		}

		delay *= 2
		if delay > maxReconnectDelay {
			delay = maxReconnectDelay
		}
	}
}
