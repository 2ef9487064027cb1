package adaptor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/ponyo877/chatrelay/server/domain"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = 54 * time.Second
	clientSendSize = 256
)

// wsClient is one WebSocket connection. readPump feeds the relay; writePump
// is the only writer on the socket.
type wsClient struct {
	id   domain.ConnectionID
	conn *websocket.Conn
	addr string
	send chan []byte
	done chan struct{}
	once sync.Once
	log  *slog.Logger
}

func newWSClient(conn *websocket.Conn, addr string, maxMessageSize int64, log *slog.Logger) *wsClient {
	conn.SetReadLimit(maxMessageSize)
	id := domain.NewConnectionID()
	return &wsClient{
		id:   id,
		conn: conn,
		addr: addr,
		send: make(chan []byte, clientSendSize),
		done: make(chan struct{}),
		log:  log.With("conn", id, "remote", addr),
	}
}

// Send queues one frame. A client whose buffer is full is too slow to keep
// and gets disconnected.
func (c *wsClient) Send(event domain.EventName, data []byte) error {
	frame, err := json.Marshal(Envelope{Event: event, Data: data})
	if err != nil {
		return err
	}
	select {
	case <-c.done:
		return fmt.Errorf("%w: connection closed", domain.ErrStaleRecipient)
	default:
	}
	select {
	case c.send <- frame:
		return nil
	default:
		c.log.Warn("send buffer full, closing slow client")
		c.close()
		return fmt.Errorf("%w: send buffer full", domain.ErrStaleRecipient)
	}
}

func (c *wsClient) close() {
	c.once.Do(func() { close(c.done) })
}

func (c *wsClient) readPump(r *relay) {
	defer func() {
		r.close(context.Background(), c.id)
		c.close()
		if err := c.conn.Close(); err != nil && !isExpectedCloseError(err) {
			c.log.Debug("error closing connection in readPump", "error", err)
		}
	}()

	c.setupReadConnection()
	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			c.logReadError(err)
			return
		}

		var env Envelope
		if err := json.Unmarshal(raw, &env); err != nil {
			c.log.Warn("invalid frame", "error", err)
			continue
		}
		if !r.handle(context.Background(), c.id, env) {
			return
		}
	}
}

func (c *wsClient) setupReadConnection() {
	if err := c.conn.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
		c.log.Debug("error setting initial read deadline", "error", err)
	}
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
}

func (c *wsClient) logReadError(err error) {
	switch {
	case errors.Is(err, websocket.ErrReadLimit):
		c.log.Warn("message exceeded maximum size")
	case websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway),
		errors.Is(err, io.EOF), isExpectedCloseError(err):
		c.log.Debug("client disconnected", "error", err)
	default:
		c.log.Info("websocket read error", "error", err)
	}
}

func (c *wsClient) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.close()
		if err := c.conn.Close(); err != nil && !isExpectedCloseError(err) {
			c.log.Debug("error closing connection in writePump", "error", err)
		}
	}()

	for {
		select {
		case frame := <-c.send:
			if !c.write(websocket.TextMessage, frame) {
				return
			}
		case <-ticker.C:
			if !c.write(websocket.PingMessage, nil) {
				return
			}
		case <-c.done:
			c.write(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}

func (c *wsClient) write(messageType int, data []byte) bool {
	if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		c.log.Debug("error setting write deadline", "error", err)
		return false
	}
	if err := c.conn.WriteMessage(messageType, data); err != nil {
		if !isExpectedCloseError(err) {
			c.log.Info("error writing message", "error", err)
		}
		return false
	}
	return true
}

func isExpectedCloseError(err error) bool {
	if err == nil {
		return true
	}
	if errors.Is(err, websocket.ErrCloseSent) {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "use of closed network connection") ||
		strings.Contains(msg, "broken pipe")
}
