package signal

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"meshmeet/internal/core/ports"
	"meshmeet/internal/core/protocol"
	"meshmeet/pkg/retry"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

var ErrClientClosed = errors.New("signaling client closed")

type ClientConfig struct {
	URL            string
	Header         http.Header
	WriteWait      time.Duration
	PongWait       time.Duration
	MaxMessageSize int64
	SendBufferSize int
	Retry          retry.Config
}

func DefaultClientConfig(url string) ClientConfig {
	return ClientConfig{
		URL:            url,
		WriteWait:      10 * time.Second,
		PongWait:       60 * time.Second,
		MaxMessageSize: 64 * 1024,
		SendBufferSize: 64,
		Retry:          retry.DefaultConfig(),
	}
}

// Client is one participant's connection to the relay.
type Client struct {
	conn     *websocket.Conn
	cfg      ClientConfig
	send     chan []byte
	incoming chan protocol.Message
	done     chan struct{}
	logger   *zap.SugaredLogger

	closeOnce sync.Once
}

var _ ports.Signaler = (*Client)(nil)

// Dial connects to the relay, retrying the transport handshake with
// backoff. A rejected upgrade (4xx) is not retried.
func Dial(ctx context.Context, cfg ClientConfig, logger *zap.SugaredLogger) (*Client, error) {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	defaults := DefaultClientConfig(cfg.URL)
	if cfg.WriteWait <= 0 {
		cfg.WriteWait = defaults.WriteWait
	}
	if cfg.PongWait <= 0 {
		cfg.PongWait = defaults.PongWait
	}
	if cfg.MaxMessageSize <= 0 {
		cfg.MaxMessageSize = defaults.MaxMessageSize
	}
	if cfg.SendBufferSize <= 0 {
		cfg.SendBufferSize = defaults.SendBufferSize
	}

	conn, err := retry.Do(ctx, cfg.Retry, func(attempt int) (*websocket.Conn, error) {
		conn, resp, err := websocket.DefaultDialer.DialContext(ctx, cfg.URL, cfg.Header)
		if err != nil {
			if resp != nil && resp.StatusCode >= 400 && resp.StatusCode < 500 {
				return nil, retry.Permanent(fmt.Errorf("relay rejected upgrade: %s", resp.Status))
			}
			logger.Debugw("relay dial failed", "url", cfg.URL, "attempt", attempt, "error", err)
			return nil, err
		}
		return conn, nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to dial relay %s: %w", cfg.URL, err)
	}

	c := &Client{
		conn:     conn,
		cfg:      cfg,
		send:     make(chan []byte, cfg.SendBufferSize),
		incoming: make(chan protocol.Message, cfg.SendBufferSize),
		done:     make(chan struct{}),
		logger:   logger,
	}
	go c.readPump()
	go c.writePump()

	logger.Infow("connected to relay", "url", cfg.URL)
	return c, nil
}

// Incoming yields decoded relay messages and is closed when the connection
// ends.
func (c *Client) Incoming() <-chan protocol.Message {
	return c.incoming
}

func (c *Client) Send(ctx context.Context, msg protocol.Message) error {
	data, err := protocol.Encode(msg)
	if err != nil {
		return err
	}
	select {
	case <-c.done:
		return ErrClientClosed
	default:
	}
	select {
	case c.send <- data:
		return nil
	case <-c.done:
		return ErrClientClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Client) Close() error {
	c.shutdown()
	return nil
}

func (c *Client) shutdown() {
	c.closeOnce.Do(func() { close(c.done) })
}

func (c *Client) readPump() {
	defer func() {
		c.shutdown()
		close(c.incoming)
	}()

	c.conn.SetReadLimit(c.cfg.MaxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(c.cfg.PongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(c.cfg.PongWait))
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.logger.Warnw("relay connection lost", "error", err)
			}
			return
		}

		msg, err := protocol.Decode(data)
		if err != nil {
			c.logger.Warnw("dropping undecodable relay message", "error", err)
			continue
		}

		select {
		case c.incoming <- msg:
		case <-c.done:
			return
		}
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(c.cfg.PongWait * 9 / 10)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case data := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				c.logger.Warnw("relay write failed", "error", err)
				c.shutdown()
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.shutdown()
				return
			}
		case <-c.done:
			c.conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteWait))
			c.conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}
