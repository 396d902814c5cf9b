package websocket

import (
	"context"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/gorilla/websocket"

	"printhub/internal/api"
	"printhub/internal/auth"
	"printhub/internal/config"
	"printhub/internal/errors"
	"printhub/internal/metrics"
	"printhub/internal/rpc"
)

// Manager owns every websocket connection and acts as the websocket
// transport for the API registry: registered definitions become
// JSON-RPC methods on its dispatcher, and registry removals unbind
// them. It also resolves connection ids for HTTP requests that
// correlate themselves with a socket via connection_id.
type Manager struct {
	cfg        config.WebSocketConfig
	authz      auth.Capability
	dispatcher *rpc.Dispatcher
	collector  *metrics.Collector
	logger     *slog.Logger
	upgrader   websocket.Upgrader

	mu     sync.RWMutex
	conns  map[uint64]*Client
	nextID atomic.Uint64

	register   chan *Client
	unregister chan *Client
	quit       chan struct{}

	runMu   sync.Mutex
	running bool
}

// NewManager creates a websocket manager. Remote endpoint calls are
// forwarded through executor; collector may be nil.
func NewManager(cfg config.WebSocketConfig, authz auth.Capability, executor api.RemoteExecutor, collector *metrics.Collector, logger *slog.Logger) *Manager {
	m := &Manager{
		cfg:        cfg,
		authz:      authz,
		dispatcher: rpc.NewDispatcher(executor, logger),
		collector:  collector,
		logger:     logger.With(slog.String("component", "websocket")),
		conns:      make(map[uint64]*Client),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		quit:       make(chan struct{}),
	}
	m.upgrader = websocket.Upgrader{
		ReadBufferSize:  cfg.ReadBufferSize,
		WriteBufferSize: cfg.WriteBufferSize,
		CheckOrigin:     m.checkOrigin,
	}
	m.dispatcher.RegisterMethod("server.websocket.id", func(_ context.Context, _ map[string]any, src rpc.Source) (any, error) {
		if src.Conn == nil {
			return nil, errors.New("not a websocket connection")
		}
		return map[string]any{"websocket_id": src.Conn.ID()}, nil
	})
	return m
}

// Start launches the connection bookkeeping loop.
func (m *Manager) Start() {
	m.runMu.Lock()
	defer m.runMu.Unlock()
	if m.running {
		return
	}
	m.running = true
	go m.run()
}

// Stop shuts the manager down and closes every open connection.
func (m *Manager) Stop() {
	m.runMu.Lock()
	if !m.running {
		m.runMu.Unlock()
		return
	}
	m.running = false
	m.runMu.Unlock()

	close(m.quit)
	m.mu.Lock()
	for id, c := range m.conns {
		c.close()
		delete(m.conns, id)
	}
	m.mu.Unlock()
	m.logger.Info("websocket manager stopped")
}

func (m *Manager) run() {
	for {
		select {
		case c := <-m.register:
			m.mu.Lock()
			m.conns[c.id] = c
			total := len(m.conns)
			m.mu.Unlock()
			if m.collector != nil {
				m.collector.ConnectionOpened()
			}
			m.logger.Info("websocket connected",
				slog.Uint64("connection_id", c.id),
				slog.String("remote_addr", c.remoteAddr),
				slog.Int("total", total))

		case c := <-m.unregister:
			m.mu.Lock()
			_, ok := m.conns[c.id]
			if ok {
				delete(m.conns, c.id)
			}
			total := len(m.conns)
			m.mu.Unlock()
			if ok {
				if m.collector != nil {
					m.collector.ConnectionClosed()
				}
				m.logger.Info("websocket disconnected",
					slog.Uint64("connection_id", c.id),
					slog.Int("total", total))
			}

		case <-m.quit:
			return
		}
	}
}

// HandleUpgrade authenticates the request and promotes it to a
// websocket connection. Credentials are checked before the upgrade so
// rejected clients get a proper HTTP error envelope.
func (m *Manager) HandleUpgrade(w http.ResponseWriter, r *http.Request) {
	ident, err := m.authz.CheckAuthorized(r)
	if err != nil {
		errors.WriteError(w, r, err, false)
		return
	}

	conn, err := m.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written its own failure response.
		m.logger.Debug("websocket upgrade failed", slog.String("error", err.Error()))
		return
	}

	client := newClient(m, NewConnWrapper(conn), m.nextID.Add(1), ident)
	m.addClient(client)
	go client.WritePump()
	go client.ReadPump()
}

func (m *Manager) addClient(c *Client) {
	select {
	case m.register <- c:
	case <-m.quit:
		c.close()
	}
}

func (m *Manager) dropClient(c *Client) {
	select {
	case m.unregister <- c:
	case <-m.quit:
	}
}

// GetConnection implements api.ConnectionLookup.
func (m *Manager) GetConnection(id uint64) (api.Connection, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.conns[id]
	if !ok {
		return nil, false
	}
	return c, true
}

// ConnectionCount returns the number of open connections.
func (m *Manager) ConnectionCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.conns)
}

// RegisterAPI implements api.Transport.
func (m *Manager) RegisterAPI(def *api.Definition) {
	m.dispatcher.RegisterAPI(def)
}

// RemoveAPI implements api.Transport.
func (m *Manager) RemoveAPI(def *api.Definition) {
	m.dispatcher.RemoveAPI(def)
}

// Broadcast pushes a notification to every connected client. The
// payload is encoded once and shared.
func (m *Manager) Broadcast(method string, params any) {
	data, err := rpc.MarshalNotification(method, params)
	if err != nil {
		m.logger.Error("failed to encode notification",
			slog.String("method", method), slog.String("error", err.Error()))
		return
	}
	m.mu.RLock()
	clients := make([]*Client, 0, len(m.conns))
	for _, c := range m.conns {
		clients = append(clients, c)
	}
	m.mu.RUnlock()
	for _, c := range clients {
		c.enqueueNotification(method, data)
	}
}

func (m *Manager) dispatch(ctx context.Context, data []byte, c *Client) []byte {
	if m.collector != nil {
		m.collector.RecordWSMessage("in")
		m.collector.RecordRPCCall("websocket")
	}
	return m.dispatcher.Dispatch(ctx, data, rpc.Source{
		Conn:     c,
		PeerAddr: c.remoteAddr,
		User:     c.identity,
	})
}

func (m *Manager) recordOutbound() {
	if m.collector != nil {
		m.collector.RecordWSMessage("out")
	}
}

// checkOrigin mirrors the browser same-origin default: requests without
// an Origin header (non-browser clients) and same-host origins are
// allowed, anything else must match a trusted origin.
func (m *Manager) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	u, err := url.Parse(origin)
	if err != nil {
		return false
	}
	if strings.EqualFold(u.Host, r.Host) {
		return true
	}
	return m.authz.CheckCORS(origin)
}
