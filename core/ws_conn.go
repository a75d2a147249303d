package core

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

var (
	// ErrConnClosed is returned when sending to a closed connection.
	ErrConnClosed = errors.New("connection closed")
	// ErrBackpressure is returned when the write stream of a connection is
	// full. The event is dropped and the connection is closed.
	ErrBackpressure = errors.New("write stream full")
)

// Conn is a websocket Session.
type Conn struct {
	conn        *websocket.Conn
	context     context.Context
	id          string
	userID      int64
	writeStream chan *Event
	done        chan struct{}
	closeOnce   sync.Once
	ticker      *time.Ticker
	logger      *slog.Logger

	onEvent          func(context.Context, *Conn, *Event)
	notifyDisconnect func()
}

func (c *Conn) ID() string {
	return c.id
}

func (c *Conn) UserID() int64 {
	return c.userID
}

// Send queues the event on the write stream without blocking. A peer that
// cannot keep up with its queue is disconnected.
func (c *Conn) Send(e *Event) error {
	select {
	case <-c.done:
		return ErrConnClosed
	default:
	}
	select {
	case c.writeStream <- e:
		return nil
	case <-c.done:
		return ErrConnClosed
	default:
		c.logger.Warn(fmt.Sprintf("dropping %s: write stream full, closing", e.Type))
		c.Close()
		return ErrBackpressure
	}
}

// Close asks the write loop to send a close frame and shut the connection down.
func (c *Conn) Close() {
	c.closeOnce.Do(func() {
		close(c.done)
	})
}

func (c *Conn) readLoop(maxMessageSize int64) {
	c.logger.Debug("read loop started")
	defer func() {
		c.Close()
		c.notifyDisconnect()
		c.conn.Close()
		c.logger.Debug("read loop stopped")
	}()

	if maxMessageSize > 0 {
		c.conn.SetReadLimit(maxMessageSize)
	}
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})
	for {
		format, r, err := c.conn.NextReader()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.logger.Info(fmt.Sprintf("expected close: %v", err))
				return
			}
			if websocket.IsUnexpectedCloseError(err) {
				c.logger.Error(fmt.Sprintf("unexpected close: %v", err))
				return
			}
			c.logger.Debug(fmt.Sprintf("NextReader: %v", err))
			return
		}

		if format != websocket.TextMessage {
			c.logger.Error(fmt.Sprintf("unexpected message format: %v", format))
			continue
		}

		var event Event
		if err := DecodeEvent(r, &event); err != nil {
			c.logger.Error(err.Error())
			continue
		}
		c.logger.Debug(event.String())

		// handled inline so the events of one connection keep their order
		c.onEvent(c.context, c, &event)
	}
}

func (c *Conn) writeLoop() {
	c.logger.Debug("write loop started")
	defer func() {
		c.ticker.Stop()
		c.conn.Close()
		c.logger.Debug("write loop stopped")
	}()

	for {
		select {
		case e := <-c.writeStream:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			w, err := c.conn.NextWriter(websocket.TextMessage)
			if err != nil {
				c.logger.Error(fmt.Sprintf("getting next writer: %v", err))
				c.Close()
				return
			}
			if err := EncodeEvent(w, e); err != nil {
				c.logger.Error(err.Error())
			}
			if err := w.Close(); err != nil {
				c.logger.Error(fmt.Sprintf("closing writer: %v", err))
				c.Close()
				return
			}
		case <-c.done:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			c.conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		case <-c.context.Done():
			c.Close()
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			c.conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"))
			return
		case <-c.ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.logger.Error(fmt.Sprintf("writing ping: %v", err))
				c.Close()
				return
			}
		}
	}
}
