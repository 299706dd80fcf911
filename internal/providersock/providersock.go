// Package providersock is the page-facing ingress: a WebSocket endpoint
// speaking JSON-RPC 2.0, one connection per injected provider shim. Every
// request funnels into the broker, where it waits for approval; responses
// and eth_subscription notifications travel back over the same socket.
package providersock

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/mbd888/walletgate/internal/broker"
	"github.com/mbd888/walletgate/internal/logging"
	"github.com/mbd888/walletgate/internal/metrics"
	"github.com/mbd888/walletgate/internal/rpcerr"
)

// normalCloseCodes are WebSocket close codes that indicate an expected disconnect.
var normalCloseCodes = []int{
	websocket.CloseNormalClosure,
	websocket.CloseGoingAway,
	websocket.CloseNoStatusReceived,
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// Pages connect from arbitrary origins; the policy engine is the
		// gate, not the origin header.
		return true
	},
}

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingInterval   = 30 * time.Second
	maxMessageSize = 512 * 1024
	sendBuffer     = 256
)

// rpcRequest is one inbound JSON-RPC 2.0 frame.
type rpcRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Method  string          `json:"method"`
	Params  []any           `json:"params"`
}

// rpcResponse is the reply frame for a request.
type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Result  any             `json:"result,omitempty"`
	Error   *rpcerr.Error   `json:"error,omitempty"`
}

// rpcNotification carries an eth_subscription push.
type rpcNotification struct {
	JSONRPC string             `json:"jsonrpc"`
	Method  string             `json:"method"`
	Params  notificationParams `json:"params"`
}

type notificationParams struct {
	Subscription string `json:"subscription"`
	Result       any    `json:"result"`
}

// Handler upgrades provider connections and services them until close.
type Handler struct {
	broker *broker.Broker
	logger *slog.Logger
}

// NewHandler creates a provider socket handler.
func NewHandler(b *broker.Broker, logger *slog.Logger) *Handler {
	return &Handler{broker: b, logger: logger}
}

// client is one connected provider shim. It implements broker.Notifier
// so eth_subscribe events flow back over the originating socket.
type client struct {
	handler *Handler
	conn    *websocket.Conn
	send    chan []byte

	mu     sync.Mutex
	closed bool
}

var _ broker.Notifier = (*client)(nil)

// ServeHTTP upgrades the connection and runs both pumps.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("provider upgrade failed", "error", err)
		return
	}

	c := &client{
		handler: h,
		conn:    conn,
		send:    make(chan []byte, sendBuffer),
	}
	metrics.ActiveProviderConns.Inc()
	h.logger.Info("provider connected", "remote", r.RemoteAddr)

	go c.writePump()
	c.readPump(r.Context())
}

// Notify delivers a subscription event. It never blocks: a connection too
// slow to keep up is torn down, which also cancels its subscriptions.
func (c *client) Notify(subscriptionID string, result any) error {
	frame, err := json.Marshal(rpcNotification{
		JSONRPC: "2.0",
		Method:  "eth_subscription",
		Params:  notificationParams{Subscription: subscriptionID, Result: result},
	})
	if err != nil {
		return err
	}
	if !c.enqueue(frame) {
		c.close()
		return rpcerr.Disconnected("provider connection too slow")
	}
	return nil
}

// enqueue hands a frame to the write pump without ever blocking. Returns
// false when the connection is closed or its buffer is full.
func (c *client) enqueue(frame []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	select {
	case c.send <- frame:
		return true
	default:
		return false
	}
}

func (c *client) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	close(c.send)
}

func (c *client) readPump(ctx context.Context) {
	defer func() {
		dropped := c.handler.broker.Subscriptions().UnsubscribeAll(c)
		metrics.ActiveProviderConns.Dec()
		c.handler.logger.Info("provider disconnected", "subscriptions_dropped", dropped)
		c.close()
		_ = c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, normalCloseCodes...) {
				c.handler.logger.Warn("provider read error", "error", err)
			}
			return
		}

		var req rpcRequest
		if err := json.Unmarshal(message, &req); err != nil {
			c.reply(rpcResponse{
				JSONRPC: "2.0",
				Error:   rpcerr.New(-32700, "Parse error"),
			})
			continue
		}

		// Each request gets its own goroutine: submits block until a
		// controller resolves them, and the socket must stay responsive
		// for the requests behind it.
		go c.serve(ctx, req)
	}
}

func (c *client) serve(ctx context.Context, req rpcRequest) {
	ctx = logging.WithLogger(ctx, c.handler.logger)
	result, err := c.handler.broker.SubmitWithNotifier(ctx, req.Method, req.Params, c)

	resp := rpcResponse{JSONRPC: "2.0", ID: req.ID}
	if err != nil {
		resp.Error = rpcerr.From(err)
	} else {
		resp.Result = result
	}
	c.reply(resp)
}

func (c *client) reply(resp rpcResponse) {
	frame, err := json.Marshal(resp)
	if err != nil {
		c.handler.logger.Error("provider response marshal failed", "error", err)
		return
	}
	if !c.enqueue(frame) {
		c.handler.logger.Warn("provider response dropped", "reason", "connection closed or buffer full")
	}
}

func (c *client) writePump() {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				c.handler.logger.Warn("provider write error", "error", err)
				return
			}

		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.handler.logger.Debug("provider ping failed", "error", err)
				return
			}
		}
	}
}
