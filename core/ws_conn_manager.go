package core

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	defaultMaxMessageSize  = 64 << 10
	defaultWriteStreamSize = 256
)

// ErrManagerClosed is returned by Connect once the manager is closed.
var ErrManagerClosed = errors.New("connection manager closed")

// ConnIDGenerator generates process-unique connection ids.
type ConnIDGenerator interface {
	Generate(r *http.Request) string
}

type AutoIncrementConnIDGenerator struct {
	counter atomic.Int64
}

func (g *AutoIncrementConnIDGenerator) Generate(_ *http.Request) string {
	return strconv.FormatInt(g.counter.Add(1), 10)
}

// ConnManager upgrades requests to websocket connections and tracks them
// until they close.
type ConnManager struct {
	conns   *SyncMap[string, *Conn]
	connWg  sync.WaitGroup
	mu      sync.Mutex
	closed  bool
	context context.Context
	logger  *slog.Logger

	idGenerator ConnIDGenerator
	upgrader    websocket.Upgrader

	onConnectionOpened func(context.Context, *Conn) error
	onConnectionClosed func(context.Context, *Conn)
	onEvent            func(context.Context, *Conn, *Event)

	WriteStreamSize int
	MaxMessageSize  int64
}

var defaultUpgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

type ManagerOption func(*ConnManager)

func WithCheckOrigin(f func(r *http.Request) bool) ManagerOption {
	return func(m *ConnManager) {
		m.upgrader.CheckOrigin = f
	}
}

func WithLogger(l *slog.Logger) ManagerOption {
	return func(m *ConnManager) {
		m.logger = l
	}
}

func WithWriteStreamSize(n int) ManagerOption {
	return func(m *ConnManager) {
		if n > 0 {
			m.WriteStreamSize = n
		}
	}
}

func WithMaxMessageSize(n int64) ManagerOption {
	return func(m *ConnManager) {
		if n > 0 {
			m.MaxMessageSize = n
		}
	}
}

func WithConnIDGenerator(g ConnIDGenerator) ManagerOption {
	return func(m *ConnManager) {
		m.idGenerator = g
	}
}

// NewConnManager creates a manager whose connections live until ctx is done.
func NewConnManager(ctx context.Context, logger *slog.Logger, opts ...ManagerOption) *ConnManager {
	m := &ConnManager{
		conns:              NewSyncMap[string, *Conn](),
		logger:             logger,
		context:            ctx,
		upgrader:           defaultUpgrader,
		idGenerator:        &AutoIncrementConnIDGenerator{},
		WriteStreamSize:    defaultWriteStreamSize,
		MaxMessageSize:     defaultMaxMessageSize,
		onConnectionOpened: func(context.Context, *Conn) error { return nil },
		onConnectionClosed: func(context.Context, *Conn) {},
		onEvent:            func(context.Context, *Conn, *Event) {},
	}

	for _, opt := range opts {
		opt(m)
	}
	return m
}

// OnConnectionOpened registers the hook run after the upgrade and before
// the first inbound event is read. If it fails the connection is closed.
func (m *ConnManager) OnConnectionOpened(f func(context.Context, *Conn) error) {
	m.onConnectionOpened = f
}

// OnConnectionClosed registers the hook run once per connection after it closes.
func (m *ConnManager) OnConnectionClosed(f func(context.Context, *Conn)) {
	m.onConnectionClosed = f
}

// OnEvent registers the hook run for every inbound event.
func (m *ConnManager) OnEvent(f func(context.Context, *Conn, *Event)) {
	m.onEvent = f
}

// Connect upgrades the request to a websocket connection serving userID.
func (m *ConnManager) Connect(userID int64, w http.ResponseWriter, r *http.Request) (*Conn, error) {
	wsConn, err := m.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// the upgrader has already replied to the client
		return nil, fmt.Errorf("upgrade: %w", err)
	}

	// registration and Close are serialized so Wait never races an Add
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		wsConn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"),
			time.Now().Add(writeWait))
		wsConn.Close()
		return nil, ErrManagerClosed
	}

	id := m.idGenerator.Generate(r)
	conn := &Conn{
		conn:        wsConn,
		context:     m.context,
		id:          id,
		userID:      userID,
		writeStream: make(chan *Event, m.WriteStreamSize),
		done:        make(chan struct{}),
		ticker:      time.NewTicker(pingPeriod),
		logger:      m.logger.With(slog.String("connection", fmt.Sprintf("%d:%s", userID, id))),
		onEvent:     m.onEvent,
	}
	conn.notifyDisconnect = func() {
		m.disconnect(conn)
	}
	m.conns.Store(id, conn)
	m.connWg.Add(2)
	m.mu.Unlock()

	go func() {
		defer m.connWg.Done()
		conn.writeLoop()
	}()

	if err := m.onConnectionOpened(m.context, conn); err != nil {
		m.conns.LoadAndDelete(id)
		conn.Close()
		// the read loop never starts
		m.connWg.Done()
		return nil, fmt.Errorf("onConnectionOpened: %w", err)
	}

	go func() {
		defer m.connWg.Done()
		conn.readLoop(m.MaxMessageSize)
	}()

	conn.logger.Info("connection opened")
	return conn, nil
}

func (m *ConnManager) disconnect(conn *Conn) {
	if _, ok := m.conns.LoadAndDelete(conn.id); !ok {
		return
	}
	// the closed hook must still reach the stores during shutdown
	m.onConnectionClosed(context.WithoutCancel(m.context), conn)
	conn.logger.Info("connection closed")
}

// Get returns the open connection with the id.
func (m *ConnManager) Get(id string) (*Conn, bool) {
	return m.conns.Load(id)
}

// Len returns the number of open connections.
func (m *ConnManager) Len() int {
	return m.conns.Len()
}

// Close closes every connection and waits for their loops to exit.
// Connections upgraded afterwards are refused.
func (m *ConnManager) Close() {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()

	for _, c := range m.conns.Values() {
		c.Close()
	}
	m.connWg.Wait()
}
