package relay

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/Trustflow-Network-Labs/relay-dm-node/internal/utils"
)

const (
	// Time allowed to write a frame to the relay
	writeWait = 10 * time.Second

	// Time allowed to read the next pong from the relay
	pongWait = 60 * time.Second

	// Send pings with this period (must be less than pongWait)
	pingPeriod = (pongWait * 9) / 10

	// Maximum frame size accepted from a relay
	maxFrameSize = 1 << 20
)

var errNotConnected = errors.New("relay not connected")

type relayConn struct {
	pool *Pool
	cfg  utils.RelayConfig

	mu          sync.RWMutex
	conn        *websocket.Conn
	status      ConnectionStatus
	lastErr     string
	connectedAt time.Time

	writeMu sync.Mutex
}

func newRelayConn(pool *Pool, cfg utils.RelayConfig) *relayConn {
	return &relayConn{
		pool:   pool,
		cfg:    cfg,
		status: StatusClosed,
	}
}

func (c *relayConn) snapshot() Connection {
	c.mu.RLock()
	defer c.mu.RUnlock()

	conn := Connection{
		URL:       c.cfg.URL,
		Status:    c.status,
		Read:      c.cfg.Read,
		Write:     c.cfg.Write,
		LastError: c.lastErr,
	}
	if c.status == StatusOpen {
		at := c.connectedAt
		conn.ConnectedAt = &at
	}
	return conn
}

func (c *relayConn) isOpen() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.status == StatusOpen && c.conn != nil
}

func (c *relayConn) setStatus(status ConnectionStatus, err error) {
	c.mu.Lock()
	changed := c.status != status
	c.status = status
	if err != nil {
		c.lastErr = err.Error()
	} else if status == StatusOpen {
		c.lastErr = ""
		c.connectedAt = time.Now()
	}
	c.mu.Unlock()

	if changed {
		c.pool.notifyStatus(c.snapshot())
	}
}

// run dials the relay and reconnects with exponential backoff until ctx ends
func (c *relayConn) run(ctx context.Context) {
	delay := c.pool.opts.ReconnectDelay

	for {
		if ctx.Err() != nil {
			c.setStatus(StatusClosed, nil)
			return
		}

		c.setStatus(StatusConnecting, nil)
		if err := c.connect(ctx); err != nil {
			c.pool.logger.Warn(fmt.Sprintf("Failed to connect to relay %s: %v", c.cfg.URL, err), "relay")
			c.setStatus(StatusError, err)
		} else {
			delay = c.pool.opts.ReconnectDelay
			err := c.serve(ctx)
			if ctx.Err() != nil {
				c.setStatus(StatusClosed, nil)
				return
			}
			c.pool.logger.Warn(fmt.Sprintf("Relay %s disconnected: %v", c.cfg.URL, err), "relay")
			c.setStatus(StatusError, err)
		}

		select {
		case <-ctx.Done():
			c.setStatus(StatusClosed, nil)
			return
		case <-time.After(delay):
		}

		delay *= 2
		if delay > c.pool.opts.MaxReconnectDelay {
			delay = c.pool.opts.MaxReconnectDelay
		}
	}
}

func (c *relayConn) connect(ctx context.Context) error {
	dialCtx, cancel := context.WithTimeout(ctx, c.pool.opts.DialTimeout)
	defer cancel()

	conn, _, err := websocket.DefaultDialer.DialContext(dialCtx, c.cfg.URL, nil)
	if err != nil {
		return err
	}

	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()

	c.setStatus(StatusOpen, nil)
	c.pool.logger.Info(fmt.Sprintf("Connected to relay %s", c.cfg.URL), "relay")

	if c.cfg.Read {
		c.replaySubscriptions()
	}
	return nil
}

func (c *relayConn) replaySubscriptions() {
	for subID, filters := range c.pool.activeSubscriptions() {
		frame, err := EncodeReq(subID, filters)
		if err != nil {
			continue
		}
		if err := c.write(frame); err != nil {
			c.pool.logger.Warn(fmt.Sprintf("Failed to replay subscription %s on %s: %v", subID, c.cfg.URL, err), "relay")
		}
	}
}

// serve pumps frames from the relay until the connection fails
func (c *relayConn) serve(ctx context.Context) error {
	c.mu.RLock()
	conn := c.conn
	c.mu.RUnlock()

	done := make(chan struct{})
	defer close(done)
	go c.pingLoop(done)

	// unblock the read when the pool shuts down
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-done:
		}
	}()

	conn.SetReadLimit(maxFrameSize)
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	defer func() {
		c.mu.Lock()
		if c.conn == conn {
			c.conn = nil
		}
		c.mu.Unlock()
		conn.Close()
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		conn.SetReadDeadline(time.Now().Add(pongWait))

		frame, err := DecodeFrame(c.cfg.URL, data)
		if err != nil {
			c.pool.logger.Debug(fmt.Sprintf("Ignoring frame from %s: %v", c.cfg.URL, err), "relay")
			continue
		}
		if notice, ok := frame.(*Notice); ok {
			c.pool.logger.Info(fmt.Sprintf("Notice from %s: %s", c.cfg.URL, notice.Message), "relay")
		}
		c.pool.dispatch(frame)
	}
}

func (c *relayConn) pingLoop(done <-chan struct{}) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			c.mu.RLock()
			conn := c.conn
			c.mu.RUnlock()
			if conn == nil {
				return
			}
			c.writeMu.Lock()
			err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
			c.writeMu.Unlock()
			if err != nil {
				return
			}
		}
	}
}

func (c *relayConn) write(frame []byte) error {
	c.mu.RLock()
	conn := c.conn
	c.mu.RUnlock()
	if conn == nil {
		return errNotConnected
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteMessage(websocket.TextMessage, frame)
}

func (c *relayConn) close() {
	c.mu.RLock()
	conn := c.conn
	c.mu.RUnlock()
	if conn == nil {
		return
	}

	c.writeMu.Lock()
	conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
	c.writeMu.Unlock()
	conn.Close()
}
