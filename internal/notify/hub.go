package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/coder/websocket"
)

// Hub is a loopback WebSocket relay for engine instances running in
// separate processes. Every message a client publishes is rebroadcast to
// all other connected clients; the hub itself never originates messages.
type Hub struct {
	addr     string
	listener net.Listener
	server   *http.Server

	clients   map[*websocket.Conn]bool
	clientsMu sync.RWMutex

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	logger *log.Logger
}

// HubConfig holds relay hub configuration.
type HubConfig struct {
	// Addr to listen on (default: 127.0.0.1:7341).
	Addr string

	// Logger for hub activity (default: stderr logger).
	Logger *log.Logger
}

// DefaultHubConfig returns sensible defaults.
func DefaultHubConfig() *HubConfig {
	return &HubConfig{
		Addr:   "127.0.0.1:7341",
		Logger: log.New(os.Stderr, "[relay] ", log.LstdFlags),
	}
}

// NewHub creates a relay hub.
func NewHub(config *HubConfig) *Hub {
	if config == nil {
		config = DefaultHubConfig()
	}
	addr := config.Addr
	if addr == "" {
		addr = DefaultHubConfig().Addr
	}
	logger := config.Logger
	if logger == nil {
		logger = log.Default()
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Hub{
		addr:    addr,
		clients: make(map[*websocket.Conn]bool),
		ctx:     ctx,
		cancel:  cancel,
		logger:  logger,
	}
}

// Start begins listening and relaying.
func (h *Hub) Start() error {
	ln, err := net.Listen("tcp", h.addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", h.addr, err)
	}
	h.listener = ln

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", h.handleWebSocket)
	mux.HandleFunc("/health", h.handleHealth)

	h.server = &http.Server{
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		h.logger.Printf("Relay hub listening on %s", h.addr)
		if err := h.server.Serve(ln); err != nil && err != http.ErrServerClosed {
			h.logger.Printf("Server error: %v", err)
		}
	}()
	return nil
}

// Stop gracefully shuts down the hub.
func (h *Hub) Stop() error {
	h.logger.Println("Stopping relay hub")
	h.cancel()

	h.clientsMu.Lock()
	for conn := range h.clients {
		_ = conn.Close(websocket.StatusGoingAway, "hub shutting down")
		delete(h.clients, conn)
	}
	h.clientsMu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := h.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("hub shutdown error: %w", err)
	}

	h.wg.Wait()
	return nil
}

// Addr returns the hub's listening address.
func (h *Hub) Addr() string {
	if h.listener != nil {
		return h.listener.Addr().String()
	}
	return h.addr
}

// ClientCount returns the current number of connected clients.
func (h *Hub) ClientCount() int {
	h.clientsMu.RLock()
	defer h.clientsMu.RUnlock()
	return len(h.clients)
}

// handleWebSocket upgrades connections and relays their messages.
func (h *Hub) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		h.logger.Printf("WebSocket upgrade failed: %v", err)
		return
	}

	h.clientsMu.Lock()
	h.clients[conn] = true
	clientCount := len(h.clients)
	h.clientsMu.Unlock()

	h.logger.Printf("Client connected (total: %d)", clientCount)

	h.wg.Add(1)
	go h.relayLoop(conn)
}

// relayLoop reads messages from one client and rebroadcasts them to all
// others.
func (h *Hub) relayLoop(conn *websocket.Conn) {
	defer h.wg.Done()
	defer h.removeClient(conn)

	for {
		msgType, data, err := conn.Read(h.ctx)
		if err != nil {
			return
		}
		if msgType != websocket.MessageText {
			continue
		}

		// Validate the payload so a broken client cannot poison siblings.
		var msg Message
		if err := json.Unmarshal(data, &msg); err != nil {
			h.logger.Printf("Dropping malformed relay message: %v", err)
			continue
		}

		h.clientsMu.RLock()
		peers := make([]*websocket.Conn, 0, len(h.clients))
		for peer := range h.clients {
			if peer != conn {
				peers = append(peers, peer)
			}
		}
		h.clientsMu.RUnlock()

		for _, peer := range peers {
			ctx, cancel := context.WithTimeout(h.ctx, 5*time.Second)
			err := peer.Write(ctx, websocket.MessageText, data)
			cancel()
			if err != nil {
				h.logger.Printf("Failed to relay to client: %v", err)
				h.removeClient(peer)
			}
		}
	}
}

// removeClient safely removes a client connection.
func (h *Hub) removeClient(conn *websocket.Conn) {
	h.clientsMu.Lock()
	if _, exists := h.clients[conn]; exists {
		delete(h.clients, conn)
		clientCount := len(h.clients)
		h.clientsMu.Unlock()

		_ = conn.Close(websocket.StatusNormalClosure, "")
		h.logger.Printf("Client disconnected (total: %d)", clientCount)
	} else {
		h.clientsMu.Unlock()
	}
}

// handleHealth returns hub health status.
func (h *Hub) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"status":  "ok",
		"clients": h.ClientCount(),
	})
}

// HubClient is a Notifier backed by a connection to a relay Hub.
type HubClient struct {
	conn   *websocket.Conn
	bus    *Bus
	logger *log.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// DialHub connects to a relay hub at the given ws:// URL.
func DialHub(ctx context.Context, url string, logger *log.Logger) (*HubClient, error) {
	if logger == nil {
		logger = log.New(os.Stderr, "[relay] ", log.LstdFlags)
	}

	conn, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to dial relay hub %s: %w", url, err)
	}

	clientCtx, cancel := context.WithCancel(context.Background())
	c := &HubClient{
		conn:   conn,
		bus:    NewBus(),
		logger: logger,
		ctx:    clientCtx,
		cancel: cancel,
	}

	c.wg.Add(1)
	go c.readLoop()
	return c, nil
}

// readLoop feeds relayed messages into the local bus.
func (c *HubClient) readLoop() {
	defer c.wg.Done()

	for {
		msgType, data, err := c.conn.Read(c.ctx)
		if err != nil {
			return
		}
		if msgType != websocket.MessageText {
			continue
		}
		var msg Message
		if err := json.Unmarshal(data, &msg); err != nil {
			c.logger.Printf("Dropping malformed relay message: %v", err)
			continue
		}
		c.bus.Publish(msg)
	}
}

// Publish implements Notifier.
func (c *HubClient) Publish(msg Message) {
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now()
	}
	data, err := json.Marshal(msg)
	if err != nil {
		c.logger.Printf("Failed to marshal relay message: %v", err)
		return
	}
	ctx, cancel := context.WithTimeout(c.ctx, 5*time.Second)
	defer cancel()
	if err := c.conn.Write(ctx, websocket.MessageText, data); err != nil {
		c.logger.Printf("Failed to publish to relay hub: %v", err)
	}
}

// Subscribe implements Notifier.
func (c *HubClient) Subscribe() (<-chan Message, func()) {
	return c.bus.Subscribe()
}

// Close implements Notifier.
func (c *HubClient) Close() error {
	c.cancel()
	err := c.conn.Close(websocket.StatusNormalClosure, "")
	c.wg.Wait()
	if busErr := c.bus.Close(); err == nil {
		err = busErr
	}
	return err
}
