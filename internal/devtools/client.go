// Package devtools is a minimal JSON-RPC-over-websocket client for the
// browser remote-debugging protocol. One read loop dispatches responses to
// pending calls by numeric id, so many calls can be in flight on a single
// connection without assuming in-order replies.
package devtools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

// DefaultCallTimeout bounds every RPC; the protocol has no server-side
// liveness signal for individual calls.
const DefaultCallTimeout = 8 * time.Second

// ErrCallTimeout is returned when a single call gets no response in time.
// Distinct from transport failure: the connection itself may still be fine.
var ErrCallTimeout = errors.New("devtools: protocol call timed out")

// ErrClosed is returned for calls made after the connection is gone.
var ErrClosed = errors.New("devtools: connection closed")

type request struct {
	ID        int64  `json:"id"`
	Method    string `json:"method"`
	Params    any    `json:"params,omitempty"`
	SessionID string `json:"sessionId,omitempty"`
}

type response struct {
	ID     int64           `json:"id"`
	Result json.RawMessage `json:"result"`
	Error  *rpcError       `json:"error,omitempty"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *rpcError) Error() string {
	return fmt.Sprintf("devtools: remote error %d: %s", e.Code, e.Message)
}

// Client owns one websocket connection to a debug endpoint.
type Client struct {
	conn        *websocket.Conn
	callTimeout time.Duration

	writeMu sync.Mutex
	nextID  atomic.Int64

	mu      sync.Mutex
	pending map[int64]chan response
	closed  bool
	readErr error
}

// Dial connects to a remote-debug websocket URL and starts the dispatch loop.
func Dial(ctx context.Context, debugURL string) (*Client, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, debugURL, nil)
	if err != nil {
		return nil, fmt.Errorf("devtools: dial %s: %w", debugURL, err)
	}

	c := &Client{
		conn:        conn,
		callTimeout: DefaultCallTimeout,
		pending:     make(map[int64]chan response),
	}
	go c.readLoop()
	return c, nil
}

// SetCallTimeout overrides the per-call timeout. Zero restores the default.
func (c *Client) SetCallTimeout(d time.Duration) {
	if d <= 0 {
		d = DefaultCallTimeout
	}
	c.callTimeout = d
}

// Call sends {id, method, params} and waits for the response with the same id.
func (c *Client) Call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	return c.call(ctx, method, "", params)
}

// CallSession is Call with an attached-target session id forwarded on the
// envelope, as required for target-scoped methods.
func (c *Client) CallSession(ctx context.Context, method, sessionID string, params any) (json.RawMessage, error) {
	return c.call(ctx, method, sessionID, params)
}

func (c *Client) call(ctx context.Context, method, sessionID string, params any) (json.RawMessage, error) {
	id := c.nextID.Add(1)
	ch := make(chan response, 1)

	c.mu.Lock()
	if c.closed {
		err := c.readErr
		c.mu.Unlock()
		if err == nil {
			err = ErrClosed
		}
		return nil, err
	}
	c.pending[id] = ch
	c.mu.Unlock()

	// The pending entry must be removed on every exit path, or abandoned
	// channels pile up call after call.
	defer func() {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
	}()

	req := request{ID: id, Method: method, Params: params, SessionID: sessionID}
	c.writeMu.Lock()
	err := c.conn.WriteJSON(req)
	c.writeMu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("devtools: send %s: %w", method, err)
	}

	timer := time.NewTimer(c.callTimeout)
	defer timer.Stop()

	select {
	case resp, ok := <-ch:
		if !ok {
			c.mu.Lock()
			err := c.readErr
			c.mu.Unlock()
			if err == nil {
				err = ErrClosed
			}
			return nil, err
		}
		if resp.Error != nil {
			return nil, resp.Error
		}
		return resp.Result, nil
	case <-timer.C:
		return nil, fmt.Errorf("%w: %s after %s", ErrCallTimeout, method, c.callTimeout)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *Client) readLoop() {
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			c.fail(err)
			return
		}

		var resp response
		if err := json.Unmarshal(data, &resp); err != nil || resp.ID == 0 {
			// Protocol events carry no id; this client only correlates
			// request/response pairs.
			continue
		}

		// Send under the lock: the channel is buffered and each id gets one
		// response, so this never blocks, and it cannot race a concurrent
		// close from fail or Close.
		c.mu.Lock()
		if ch, ok := c.pending[resp.ID]; ok {
			ch <- resp
			delete(c.pending, resp.ID)
		}
		c.mu.Unlock()
	}
}

func (c *Client) fail(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	c.readErr = fmt.Errorf("devtools: connection lost: %w", err)
	for id, ch := range c.pending {
		close(ch)
		delete(c.pending, id)
	}
}

// Close tears down the websocket. In-flight calls fail with ErrClosed.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.readErr = ErrClosed
	for id, ch := range c.pending {
		close(ch)
		delete(c.pending, id)
	}
	c.mu.Unlock()
	return c.conn.Close()
}
