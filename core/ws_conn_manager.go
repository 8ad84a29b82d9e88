package core

import (
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/net/context"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer.
	maxMessageSize = 4096
)

// ConnManager owns the raw websocket connections, keyed by connection id.
// It knows nothing about users or rooms beyond stamping inbound events; the
// Registry is the index that maps connections to users and rooms.
type ConnManager struct {
	conns   map[string]*Conn
	mu      sync.RWMutex
	connWg  *sync.WaitGroup
	context context.Context
	logger  *slog.Logger

	onConnectionOpened func(userID, connID string)
	onConnectionClosed func(userID, connID string)

	receivedEvent chan *Event

	upgrader        websocket.Upgrader
	ReadStreamSize  int
	WriteStreamSize int
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

func WithManagerLogger(l *slog.Logger) ManagerOption {
	return func(m *ConnManager) {
		m.logger = l
	}
}

func NewConnManager(context context.Context, wg *sync.WaitGroup, logger *slog.Logger, opts ...ManagerOption) *ConnManager {
	m := &ConnManager{
		connWg:             wg,
		conns:              make(map[string]*Conn),
		logger:             logger,
		context:            context,
		upgrader:           defaultUpgrader,
		ReadStreamSize:     100,
		WriteStreamSize:    100,
		onConnectionOpened: func(string, string) {},
		onConnectionClosed: func(string, string) {},
	}

	for _, opt := range opts {
		opt(m)
	}

	m.receivedEvent = make(chan *Event, m.ReadStreamSize)

	return m
}

func (m *ConnManager) Receive() <-chan *Event {
	return m.receivedEvent
}

func (m *ConnManager) OnConnectionOpened(f func(userID, connID string)) {
	m.onConnectionOpened = f
}

func (m *ConnManager) OnConnectionClosed(f func(userID, connID string)) {
	m.onConnectionClosed = f
}

// Connect upgrades the request to a websocket connection owned by userID and
// starts its read and write loops. The assigned connection id is returned.
func (m *ConnManager) Connect(userID string, w http.ResponseWriter, r *http.Request) (string, error) {
	conn, err := m.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return "", err
	}

	id := uuid.New().String()
	wsConn := &Conn{
		userID:      userID,
		id:          id,
		conn:        conn,
		context:     m.context,
		writeStream: make(chan *Event, m.WriteStreamSize),
		readStream:  m.receivedEvent,
		ticker:      time.NewTicker(pingPeriod),
		logger:      m.logger.With(slog.String("connection", fmt.Sprintf("%s:%s", userID, id))),
		notifyDisconnect: func() {
			m.Disconnect(id)
		},
	}

	m.mu.Lock()
	m.conns[id] = wsConn
	m.mu.Unlock()

	m.connWg.Add(1)
	go func() {
		defer m.connWg.Done()
		wsConn.readLoop()
	}()
	m.connWg.Add(1)
	go func() {
		defer m.connWg.Done()
		wsConn.writeLoop()
	}()

	m.onConnectionOpened(userID, id)

	return id, nil
}

// Disconnect closes the connection and removes it from the manager. Unknown
// connection ids are ignored: the read loop and an explicit disconnect may
// race, and the second caller must be a no-op.
func (m *ConnManager) Disconnect(connID string) {
	m.mu.Lock()
	conn, ok := m.conns[connID]
	if !ok {
		m.mu.Unlock()
		return
	}
	delete(m.conns, connID)
	m.mu.Unlock()

	conn.close()
	m.onConnectionClosed(conn.userID, conn.id)
}

// DisconnectAll closes every connection. Used during shutdown.
func (m *ConnManager) DisconnectAll() {
	m.mu.RLock()
	ids := make([]string, 0, len(m.conns))
	for id := range m.conns {
		ids = append(ids, id)
	}
	m.mu.RUnlock()
	for _, id := range ids {
		m.Disconnect(id)
	}
}

// SendToConns enqueues the event on each connection's write stream without
// blocking. Events to connections with a full write buffer are dropped and
// logged; a stalled client must never stall a coordinator.
func (m *ConnManager) SendToConns(e *Event, connIDs ...string) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, id := range connIDs {
		conn, ok := m.conns[id]
		if !ok {
			continue
		}
		select {
		case conn.writeStream <- e:
		default:
			m.logger.Warn(fmt.Sprintf("write buffer full, dropping %s event", e.Type),
				slog.String("connection", conn.id))
		}
	}
}
