// Package browser proxies browser_* commands to the sibling headless-browser
// helper over a websocket, JSON-RPC style: requests carry a numeric id, the
// helper answers with the same id.
package browser

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/fueldev/fuel/internal/common/config"
	"github.com/fueldev/fuel/internal/common/logger"
)

// ErrDisabled reports that no helper endpoint is configured.
var ErrDisabled = errors.New("browser helper is not configured")

type request struct {
	ID     int64           `json:"id"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params,omitempty"`
}

type response struct {
	ID     int64           `json:"id"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  string          `json:"error,omitempty"`
}

// Client is a lazy websocket client: the connection is dialed on the first
// call and re-dialed after any transport error.
type Client struct {
	cfg config.BrowserConfig
	log *logger.Logger

	mu      sync.Mutex
	conn    *websocket.Conn
	nextID  int64
	pending map[int64]chan response
}

// NewClient creates an undialed client.
func NewClient(cfg config.BrowserConfig, log *logger.Logger) *Client {
	return &Client{cfg: cfg, log: log, pending: make(map[int64]chan response)}
}

// Enabled reports whether a helper endpoint is configured.
func (c *Client) Enabled() bool {
	return c.cfg.Endpoint != ""
}

// Call sends one method to the helper and waits for the correlated reply,
// bounded by the configured call timeout.
func (c *Client) Call(ctx context.Context, method string, params json.RawMessage) (json.RawMessage, error) {
	if !c.Enabled() {
		return nil, ErrDisabled
	}

	ctx, cancel := context.WithTimeout(ctx, c.cfg.CallTimeout())
	defer cancel()

	c.mu.Lock()
	if c.conn == nil {
		if err := c.dialLocked(ctx); err != nil {
			c.mu.Unlock()
			return nil, err
		}
	}
	c.nextID++
	id := c.nextID
	ch := make(chan response, 1)
	c.pending[id] = ch
	conn := c.conn
	err := conn.WriteJSON(request{ID: id, Method: method, Params: params})
	c.mu.Unlock()

	if err != nil {
		c.dropConn(conn, err)
		c.forget(id)
		return nil, fmt.Errorf("browser: send %s: %w", method, err)
	}

	select {
	case <-ctx.Done():
		c.forget(id)
		return nil, fmt.Errorf("browser: %s: %w", method, ctx.Err())
	case resp, ok := <-ch:
		if !ok {
			return nil, fmt.Errorf("browser: %s: connection lost", method)
		}
		if resp.Error != "" {
			return nil, fmt.Errorf("browser: %s: %s", method, resp.Error)
		}
		return resp.Result, nil
	}
}

func (c *Client) dialLocked(ctx context.Context) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, c.cfg.Endpoint, nil)
	if err != nil {
		return fmt.Errorf("browser: dial %s: %w", c.cfg.Endpoint, err)
	}
	c.conn = conn
	go c.readLoop(conn)
	c.log.Info("browser helper connected", zap.String("endpoint", c.cfg.Endpoint))
	return nil
}

func (c *Client) readLoop(conn *websocket.Conn) {
	for {
		var resp response
		if err := conn.ReadJSON(&resp); err != nil {
			c.dropConn(conn, err)
			return
		}
		c.mu.Lock()
		ch := c.pending[resp.ID]
		delete(c.pending, resp.ID)
		c.mu.Unlock()
		if ch != nil {
			ch <- resp
		}
	}
}

// dropConn discards the broken connection and fails every pending call; the
// next Call re-dials.
func (c *Client) dropConn(conn *websocket.Conn, cause error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn != conn {
		return
	}
	c.log.Warn("browser helper connection lost", zap.Error(cause))
	c.conn.Close()
	c.conn = nil
	for id, ch := range c.pending {
		close(ch)
		delete(c.pending, id)
	}
}

func (c *Client) forget(id int64) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}

// Close tears down the connection.
func (c *Client) Close() {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn != nil {
		c.dropConn(conn, errors.New("client closed"))
	}
}
