package browser

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/rohanthewiz/logger"
	"github.com/rohanthewiz/serr"
)

// cdpConn is a minimal Chrome DevTools Protocol client: id-sequenced
// JSON commands over one websocket, with a read loop routing responses
// back to their callers. Events we do not subscribe to are dropped.
type cdpConn struct {
	ws *websocket.Conn

	writeMu sync.Mutex

	mu      sync.Mutex
	nextID  int64
	pending map[int64]chan cdpMessage
	closed  bool
}

type cdpMessage struct {
	ID     int64           `json:"id,omitempty"`
	Method string          `json:"method,omitempty"`
	Params json.RawMessage `json:"params,omitempty"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  *cdpError       `json:"error,omitempty"`
}

type cdpError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func dialCDP(ctx context.Context, wsURL string) (*cdpConn, error) {
	ws, _, err := websocket.DefaultDialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		return nil, serr.Wrap(err, "failed to connect to browser devtools socket")
	}
	c := &cdpConn{
		ws:      ws,
		pending: make(map[int64]chan cdpMessage),
	}
	go c.readLoop()
	return c, nil
}

func (c *cdpConn) readLoop() {
	for {
		var msg cdpMessage
		if err := c.ws.ReadJSON(&msg); err != nil {
			c.mu.Lock()
			c.closed = true
			for id, ch := range c.pending {
				close(ch)
				delete(c.pending, id)
			}
			c.mu.Unlock()
			return
		}
		if msg.ID == 0 {
			continue // unsolicited event
		}
		c.mu.Lock()
		ch, ok := c.pending[msg.ID]
		if ok {
			delete(c.pending, msg.ID)
		}
		c.mu.Unlock()
		if ok {
			ch <- msg
		}
	}
}

// call sends one command and waits for its response, decoding the
// result into out when out is non-nil.
func (c *cdpConn) call(ctx context.Context, method string, params any, out any) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return serr.New("browser connection is closed")
	}
	c.nextID++
	id := c.nextID
	ch := make(chan cdpMessage, 1)
	c.pending[id] = ch
	c.mu.Unlock()

	cmd := struct {
		ID     int64  `json:"id"`
		Method string `json:"method"`
		Params any    `json:"params,omitempty"`
	}{ID: id, Method: method, Params: params}

	c.writeMu.Lock()
	err := c.ws.WriteJSON(cmd)
	c.writeMu.Unlock()
	if err != nil {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
		return serr.Wrap(err, "failed to send devtools command: "+method)
	}

	select {
	case msg, ok := <-ch:
		if !ok {
			return serr.F("browser connection closed during %s", method)
		}
		if msg.Error != nil {
			return serr.F("devtools command %s failed: %s", method, msg.Error.Message)
		}
		if out != nil && msg.Result != nil {
			if err := json.Unmarshal(msg.Result, out); err != nil {
				return serr.Wrap(err, "failed to decode devtools result for "+method)
			}
		}
		return nil
	case <-ctx.Done():
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
		return serr.Wrap(ctx.Err(), "devtools command timed out: "+method)
	}
}

func (c *cdpConn) close() {
	c.mu.Lock()
	alreadyClosed := c.closed
	c.closed = true
	c.mu.Unlock()
	if !alreadyClosed {
		if err := c.ws.Close(); err != nil {
			logger.Debug("Devtools socket close error", "error", err.Error())
		}
	}
}
