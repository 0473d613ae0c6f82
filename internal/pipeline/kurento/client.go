// Package kurento implements the pipeline interfaces against a Kurento
// media server using its JSON-RPC 2.0 protocol over a WebSocket.
package kurento

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/acebridge/acebridge/internal/pipeline"
)

// connectTimeout bounds the initial WebSocket dial to the media server.
const connectTimeout = 5 * time.Second

// writeTimeout bounds a single outbound frame write.
const writeTimeout = 10 * time.Second

// Client is a JSON-RPC client for one Kurento media server. It multiplexes
// concurrent requests over a single WebSocket and routes server events to
// per-object subscribers.
type Client struct {
	conn   *websocket.Conn
	logger *slog.Logger

	writeMu sync.Mutex // serializes frames on the socket

	mu        sync.Mutex
	nextID    int64
	sessionID string
	pending   map[int64]chan rpcResult
	handlers  map[handlerKey]func(json.RawMessage)
	closed    bool
}

// handlerKey identifies an event subscription: media object id + event type.
type handlerKey struct {
	object string
	event  string
}

type rpcResult struct {
	value json.RawMessage
	err   error
}

// rpcRequest is an outbound JSON-RPC request frame.
type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      int64  `json:"id"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
}

// rpcMessage is any inbound frame: a response (ID set) or an onEvent
// notification (Method set).
type rpcMessage struct {
	ID     *int64          `json:"id"`
	Method string          `json:"method"`
	Result json.RawMessage `json:"result"`
	Error  *rpcError       `json:"error"`
	Params json.RawMessage `json:"params"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *rpcError) Error() string {
	return fmt.Sprintf("kurento: rpc error %d: %s", e.Code, e.Message)
}

// Dial connects to a Kurento media server at the given WebSocket URL
// (e.g. "ws://media:8888/kurento").
func Dial(ctx context.Context, url string, logger *slog.Logger) (*Client, error) {
	dialCtx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()

	conn, _, err := websocket.DefaultDialer.DialContext(dialCtx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("dialing media server %s: %w", url, err)
	}

	c := &Client{
		conn:     conn,
		logger:   logger.With("component", "kurento"),
		pending:  make(map[int64]chan rpcResult),
		handlers: make(map[handlerKey]func(json.RawMessage)),
	}

	go c.readLoop()

	c.logger.Info("connected to media server", "url", url)
	return c, nil
}

// Close shuts down the WebSocket and fails all pending requests.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	for id, ch := range c.pending {
		ch <- rpcResult{err: errors.New("kurento: client closed")}
		delete(c.pending, id)
	}
	c.mu.Unlock()

	return c.conn.Close()
}

// CreatePipeline creates a new MediaPipeline on the server.
func (c *Client) CreatePipeline(ctx context.Context) (pipeline.Pipeline, error) {
	id, err := c.create(ctx, "MediaPipeline", nil)
	if err != nil {
		return nil, fmt.Errorf("creating media pipeline: %w", err)
	}

	// Latency stats let the server annotate per-element timing; failures
	// here are not fatal to the pipeline.
	if err := c.invoke(ctx, id, "setLatencyStats", map[string]any{"latencyStats": true}, nil); err != nil {
		c.logger.Warn("failed to enable latency stats", "pipeline", id, "error", err)
	}

	return &mediaPipeline{client: c, id: id}, nil
}

// call sends one JSON-RPC request and waits for its response.
func (c *Client) call(ctx context.Context, method string, params map[string]any, out any) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return errors.New("kurento: client closed")
	}
	c.nextID++
	id := c.nextID
	if c.sessionID != "" {
		if params == nil {
			params = map[string]any{}
		}
		params["sessionId"] = c.sessionID
	}
	ch := make(chan rpcResult, 1)
	c.pending[id] = ch
	c.mu.Unlock()

	req := rpcRequest{JSONRPC: "2.0", ID: id, Method: method, Params: params}

	c.writeMu.Lock()
	c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	err := c.conn.WriteJSON(req)
	c.writeMu.Unlock()
	if err != nil {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
		return fmt.Errorf("writing rpc request: %w", err)
	}

	select {
	case <-ctx.Done():
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
		return ctx.Err()
	case res := <-ch:
		if res.err != nil {
			return res.err
		}
		if out != nil && res.value != nil {
			if err := json.Unmarshal(res.value, out); err != nil {
				return fmt.Errorf("decoding rpc result: %w", err)
			}
		}
		return nil
	}
}

// create instantiates a media object and returns its object id.
func (c *Client) create(ctx context.Context, objType string, ctorParams map[string]any) (string, error) {
	params := map[string]any{"type": objType}
	if len(ctorParams) > 0 {
		params["constructorParams"] = ctorParams
	}
	var res struct {
		Value     string `json:"value"`
		SessionID string `json:"sessionId"`
	}
	if err := c.call(ctx, "create", params, &res); err != nil {
		return "", err
	}
	if res.SessionID != "" {
		c.mu.Lock()
		c.sessionID = res.SessionID
		c.mu.Unlock()
	}
	return res.Value, nil
}

// invoke runs an operation on a media object, decoding the result value
// into out when non-nil.
func (c *Client) invoke(ctx context.Context, object, operation string, opParams map[string]any, out any) error {
	params := map[string]any{
		"object":    object,
		"operation": operation,
	}
	if len(opParams) > 0 {
		params["operationParams"] = opParams
	}
	var res struct {
		Value json.RawMessage `json:"value"`
	}
	if err := c.call(ctx, "invoke", params, &res); err != nil {
		return err
	}
	if out != nil && res.Value != nil {
		if err := json.Unmarshal(res.Value, out); err != nil {
			return fmt.Errorf("decoding invoke result: %w", err)
		}
	}
	return nil
}

// release destroys a media object on the server.
func (c *Client) release(ctx context.Context, object string) error {
	return c.call(ctx, "release", map[string]any{"object": object}, nil)
}

// subscribe registers interest in an event type on a media object; matching
// onEvent notifications are routed to fn.
func (c *Client) subscribe(ctx context.Context, object, event string, fn func(json.RawMessage)) error {
	c.mu.Lock()
	c.handlers[handlerKey{object: object, event: event}] = fn
	c.mu.Unlock()

	params := map[string]any{"object": object, "type": event}
	if err := c.call(ctx, "subscribe", params, nil); err != nil {
		c.mu.Lock()
		delete(c.handlers, handlerKey{object: object, event: event})
		c.mu.Unlock()
		return err
	}
	return nil
}

// unsubscribeObject drops all local handlers for a released object.
func (c *Client) unsubscribeObject(object string) {
	c.mu.Lock()
	for k := range c.handlers {
		if k.object == object {
			delete(c.handlers, k)
		}
	}
	c.mu.Unlock()
}

// readLoop pumps inbound frames, resolving pending requests and dispatching
// event notifications until the socket closes.
func (c *Client) readLoop() {
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			c.mu.Lock()
			if !c.closed {
				c.logger.Error("media server connection lost", "error", err)
				c.closed = true
			}
			for id, ch := range c.pending {
				ch <- rpcResult{err: fmt.Errorf("kurento: connection closed: %w", err)}
				delete(c.pending, id)
			}
			c.mu.Unlock()
			return
		}

		var msg rpcMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			c.logger.Warn("dropping malformed frame from media server", "error", err)
			continue
		}

		switch {
		case msg.ID != nil:
			c.mu.Lock()
			ch, ok := c.pending[*msg.ID]
			if ok {
				delete(c.pending, *msg.ID)
			}
			c.mu.Unlock()
			if !ok {
				continue
			}
			if msg.Error != nil {
				ch <- rpcResult{err: msg.Error}
			} else {
				ch <- rpcResult{value: msg.Result}
			}

		case msg.Method == "onEvent":
			c.dispatchEvent(msg.Params)
		}
	}
}

// eventEnvelope is the payload of an onEvent notification.
type eventEnvelope struct {
	Value struct {
		Object string          `json:"object"`
		Type   string          `json:"type"`
		Data   json.RawMessage `json:"data"`
	} `json:"value"`
}

func (c *Client) dispatchEvent(params json.RawMessage) {
	var env eventEnvelope
	if err := json.Unmarshal(params, &env); err != nil {
		c.logger.Warn("dropping malformed event from media server", "error", err)
		return
	}

	c.mu.Lock()
	fn := c.handlers[handlerKey{object: env.Value.Object, event: env.Value.Type}]
	c.mu.Unlock()

	if fn == nil {
		return
	}
	// Handlers run on their own goroutine so a slow consumer cannot stall
	// the read loop.
	go fn(env.Value.Data)
}
