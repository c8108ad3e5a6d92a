package live

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"bus-tracker/internal/tracking"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = pongWait * 9 / 10
	maxMessageSize = 4096
)

type WSOptions struct {
	// SendBuffer is the outbound queue length per connection.
	SendBuffer int
	// FixRate limits inbound position fixes per second per connection; 0 is unlimited.
	FixRate float64
}

type wsConn struct {
	id      string
	ws      *websocket.Conn
	send    chan []byte
	done    chan struct{}
	once    sync.Once
	limiter *rate.Limiter
}

func (c *wsConn) ID() string { return c.id }

func (c *wsConn) Send(data []byte) error {
	select {
	case <-c.done:
		return ErrClosed
	default:
	}
	select {
	case c.send <- data:
		return nil
	case <-c.done:
		return ErrClosed
	default:
		return ErrSlowConsumer
	}
}

func (c *wsConn) close() {
	c.once.Do(func() {
		close(c.done)
		c.ws.Close()
	})
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// browser dashboards are served from other origins
	CheckOrigin: func(*http.Request) bool { return true },
}

// ServeWS upgrades each request to a websocket and attaches it to the hub
// until the client goes away.
func (h *Hub) ServeWS(opts WSOptions) http.Handler {
	if opts.SendBuffer <= 0 {
		opts.SendBuffer = 64
	}
	limit := rate.Inf
	burst := 1
	if opts.FixRate > 0 {
		limit = rate.Limit(opts.FixRate)
		burst = max(1, int(opts.FixRate))
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			h.logger.Warn("websocket upgrade failed", zap.Error(err))
			return
		}
		c := &wsConn{
			id:      uuid.NewString(),
			ws:      ws,
			send:    make(chan []byte, opts.SendBuffer),
			done:    make(chan struct{}),
			limiter: rate.NewLimiter(limit, burst),
		}
		h.Register(c)
		h.logger.Debug("connection opened", zap.String("conn_id", c.id), zap.String("remote", r.RemoteAddr))

		go h.writePump(c)
		h.readPump(r.Context(), c)

		h.Disconnect(c)
		c.close()
	})
}

func (h *Hub) readPump(ctx context.Context, c *wsConn) {
	c.ws.SetReadLimit(maxMessageSize)
	_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.logger.Debug("websocket read", zap.String("conn_id", c.id), zap.Error(err))
			}
			return
		}
		if err := h.handleMessage(ctx, c, data); err != nil {
			if sendErr := c.Send(EncodeError(err.Error())); sendErr != nil {
				h.logger.Warn("cannot report error to client", zap.String("conn_id", c.id), zap.Error(sendErr))
			}
		}
	}
}

func (h *Hub) handleMessage(ctx context.Context, c *wsConn, data []byte) error {
	cmd, err := DecodeCommand(data)
	if err != nil {
		return err
	}
	switch cmd.Type {
	case TypeSubscribe:
		return h.Subscribe(c, cmd.Key)
	case TypeUnsubscribe:
		h.Unsubscribe(c, cmd.Key)
		return nil
	case TypePositionFix:
		if !c.limiter.Allow() {
			return errors.New("position fix rate exceeded")
		}
		_, err := h.Ingest(ctx, c, cmd.Fix)
		if errors.Is(err, tracking.ErrInvalidFix) {
			return err
		}
		if err != nil {
			h.logger.Error("ingest fix", zap.String("conn_id", c.id), zap.Error(err))
			return errors.New("fix not processed")
		}
	}
	return nil
}

func (h *Hub) writePump(c *wsConn) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.close()
	}()
	for {
		select {
		case <-c.done:
			return
		case data := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
				h.logger.Debug("websocket write", zap.String("conn_id", c.id), zap.Error(err))
				return
			}
		case <-ticker.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
