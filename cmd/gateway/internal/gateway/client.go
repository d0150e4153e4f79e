package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"go.uber.org/zap"

	"github.com/shubham-shewale/stock-alerts/cmd/gateway/internal/hub"
	"github.com/shubham-shewale/stock-alerts/cmd/gateway/internal/protocol"
	"github.com/shubham-shewale/stock-alerts/cmd/gateway/internal/tracker"
	"github.com/shubham-shewale/stock-alerts/pkg/models"
)

const (
	maxMessageSize = 512 * 1024
)

// ErrClosed is returned by Deliver once the session has shut down.
var ErrClosed = errors.New("session closed")

var (
	_ tracker.Conn        = (*ClientAdapter)(nil)
	_ hub.ClientInterface = (*ClientAdapter)(nil)
)

type Options struct {
	SendBuffer       int
	HandshakeTimeout time.Duration
	WriteWait        time.Duration
	PongWait         time.Duration
	PingPeriod       time.Duration
}

// DefaultOptions mirror the liveness settings of a typical browser client.
var DefaultOptions = Options{
	SendBuffer:       256,
	HandshakeTimeout: 5 * time.Second,
	WriteWait:        5 * time.Second,
	PongWait:         60 * time.Second,
	PingPeriod:       50 * time.Second,
}

// ClientAdapter is one websocket session of a user.
type ClientAdapter struct {
	id      string
	userID  string
	conn    net.Conn
	hub     *hub.Hub
	tracker *tracker.Tracker
	send    chan []byte
	done    chan struct{}
	once    sync.Once
	logger  *zap.Logger
	opts    Options
}

func NewClient(sessionID, userID string, h *hub.Hub, tr *tracker.Tracker, logger *zap.Logger, opts Options) *ClientAdapter {
	if opts.SendBuffer < 1 {
		opts.SendBuffer = DefaultOptions.SendBuffer
	}
	return &ClientAdapter{
		id:      sessionID,
		userID:  userID,
		hub:     h,
		tracker: tr,
		send:    make(chan []byte, opts.SendBuffer),
		done:    make(chan struct{}),
		logger:  logger.With(zap.String("session_id", sessionID), zap.String("user_id", userID)),
		opts:    opts,
	}
}

// Serve upgrades the request as the connect handshake and starts the pumps.
// Status frames queued while connecting are flushed once the socket is up.
func (c *ClientAdapter) Serve(ctx context.Context, w http.ResponseWriter, r *http.Request) error {
	handshake := func(ctx context.Context) error {
		conn, _, _, err := ws.UpgradeHTTP(r, w)
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			conn.Close()
			return err
		}
		c.conn = conn
		return nil
	}

	hctx, cancel := context.WithTimeout(ctx, c.opts.HandshakeTimeout)
	defer cancel()
	if err := c.tracker.OnConnect(hctx, c.id, c.userID, c, handshake); err != nil {
		if c.conn != nil {
			c.conn.Close()
		}
		c.logger.Warn("Handshake failed", zap.Error(err))
		return err
	}

	go c.writePump()
	go c.readPump()
	return nil
}

func (c *ClientAdapter) ID() string     { return c.id }
func (c *ClientAdapter) UserID() string { return c.userID }

// Close stops the write pump, which closes the socket.
func (c *ClientAdapter) Close() {
	c.once.Do(func() { close(c.done) })
}

func (c *ClientAdapter) SendJSON(v interface{}) {
	b, err := json.Marshal(v)
	if err != nil {
		c.logger.Error("Encode failed", zap.Error(err))
		return
	}
	c.SendBytes(b)
}

func (c *ClientAdapter) SendBytes(b []byte) {
	select {
	case c.send <- b:
	case <-c.done:
	default:
		// Drop message if buffer full (Backpressure)
		c.logger.Debug("Send buffer full, dropping frame")
	}
}

// Deliver waits for buffer space until ctx expires, so a stuck reader shows up
// as a failed delivery instead of silently losing notifications.
func (c *ClientAdapter) Deliver(ctx context.Context, msg models.NotificationMessage) error {
	b, err := json.Marshal(protocol.WSResponse{Type: protocol.TypeNotification, Data: msg})
	if err != nil {
		return err
	}
	select {
	case c.send <- b:
		return nil
	case <-c.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *ClientAdapter) Status(state models.SessionState) {
	c.SendJSON(protocol.WSResponse{Type: protocol.TypeStatus, Status: string(state)})
}

func (c *ClientAdapter) readPump() {
	defer func() {
		c.tracker.Release(c.id, c)
		c.Close()
	}()

	ctx := context.Background()
	c.conn.SetReadDeadline(time.Now().Add(c.opts.PongWait))

	for {
		header, err := ws.ReadHeader(c.conn)
		if err != nil {
			break
		}

		if header.Length > int64(maxMessageSize) {
			c.logger.Warn("Msg too big", zap.Int64("size", header.Length))
			break
		}

		if !header.Fin {
			c.logger.Warn("Client sent fragmented message (not supported)")
			break
		}

		payload := make([]byte, header.Length)
		if _, err := io.ReadFull(c.conn, payload); err != nil {
			break
		}

		if header.Masked {
			ws.Cipher(payload, header.Mask, 0)
		}

		// any frame, pongs included, proves liveness
		c.conn.SetReadDeadline(time.Now().Add(c.opts.PongWait))
		c.tracker.Touch(c.id)

		switch header.OpCode {
		case ws.OpClose:
			return
		case ws.OpText:
			var req protocol.WSRequest
			if err := json.Unmarshal(payload, &req); err != nil {
				c.SendJSON(protocol.WSResponse{Type: protocol.TypeError, Status: "error", Message: "Invalid JSON"})
				continue
			}
			c.hub.HandleCommand(ctx, c, req)
		}
	}
}

func (c *ClientAdapter) writePump() {
	ticker := time.NewTicker(c.opts.PingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case msg := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(c.opts.WriteWait))
			if err := wsutil.WriteServerText(c.conn, msg); err != nil {
				c.Close()
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(c.opts.WriteWait))
			if err := wsutil.WriteServerMessage(c.conn, ws.OpPing, nil); err != nil {
				c.Close()
				return
			}

		case <-c.done:
			c.conn.SetWriteDeadline(time.Now().Add(c.opts.WriteWait))
			c.conn.Write(ws.CompiledClose)
			return
		}
	}
}
