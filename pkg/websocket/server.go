// Package websocket streams committed vault events and pool state to
// subscribed clients.
package websocket

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/luxfi/log"
	"github.com/shopspring/decimal"

	"github.com/plpfi/vault/pkg/vault"
)

// Message is the wire envelope for everything the server sends.
type Message struct {
	Type      string      `json:"type"`
	Channel   string      `json:"channel,omitempty"`
	Data      interface{} `json:"data,omitempty"`
	Timestamp int64       `json:"timestamp"`
}

// clientRequest is what clients send: subscribe/unsubscribe/ping.
type clientRequest struct {
	Type     string   `json:"type"`
	Channels []string `json:"channels,omitempty"`
}

// PoolSnapshot is the per-asset state sent on pool channel subscription
// and on the periodic pool push.
type PoolSnapshot struct {
	Asset          string `json:"asset"`
	PoolAmount     string `json:"poolAmount"`
	ReservedAmount string `json:"reservedAmount"`
	FeeReserve     string `json:"feeReserve"`
	UsdpDebt       string `json:"usdpDebt"`
	Timestamp      int64  `json:"timestamp"`
}

// Config holds WebSocket server configuration
type Config struct {
	ReadBufferSize  int
	WriteBufferSize int
	MaxMessageSize  int64
	WriteTimeout    time.Duration
	PongTimeout     time.Duration
	PingPeriod      time.Duration
	PoolPushPeriod  time.Duration
}

// DefaultConfig returns default WebSocket configuration
func DefaultConfig() Config {
	return Config{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		MaxMessageSize:  512 * 1024,
		WriteTimeout:    10 * time.Second,
		PongTimeout:     60 * time.Second,
		PingPeriod:      54 * time.Second, // must be less than PongTimeout
		PoolPushPeriod:  5 * time.Second,
	}
}

// Server fans committed vault events out to WebSocket subscribers. It
// implements vault.Publisher, so it can be attached with SetPublisher or
// sit in a publisher chain.
type Server struct {
	vault  *vault.Vault
	logger log.Logger
	config Config

	upgrader websocket.Upgrader

	// channel -> subscribed clients; clients are also tracked flat for
	// lifecycle handling.
	mu      sync.RWMutex
	clients map[*client]struct{}
	subs    map[string]map[*client]struct{}

	broadcast chan Message

	nextID      uint64
	messagesOut uint64

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

type client struct {
	id       string
	conn     *websocket.Conn
	server   *Server
	send     chan []byte
	done     chan struct{}
	closed   sync.Once
	channels map[string]struct{}
	mu       sync.Mutex
}

// NewServer creates a WebSocket server bound to a vault.
func NewServer(v *vault.Vault, logger log.Logger, config Config) *Server {
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		vault:  v,
		logger: logger,
		config: config,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  config.ReadBufferSize,
			WriteBufferSize: config.WriteBufferSize,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		clients:   make(map[*client]struct{}),
		subs:      make(map[string]map[*client]struct{}),
		broadcast: make(chan Message, 1000),
		ctx:       ctx,
		cancel:    cancel,
	}
}

// Publish implements vault.Publisher. Events fan out on their own topic
// channel plus the firehose channel. Must not block: a full broadcast
// queue drops the event.
func (s *Server) Publish(e vault.Event) {
	msg := Message{
		Type:      "event",
		Channel:   "events:" + e.Topic(),
		Data:      e,
		Timestamp: time.Now().Unix(),
	}
	select {
	case s.broadcast <- msg:
	default:
	}

	all := msg
	all.Channel = "events:all"
	select {
	case s.broadcast <- all:
	default:
	}
}

// Start runs the fan-out loop and serves /ws and /health until the
// context is cancelled. Blocks.
func (s *Server) Start(port int) error {
	s.wg.Add(1)
	go s.run()

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWebSocket)
	mux.HandleFunc("/health", s.handleHealth)

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", port),
		Handler:      mux,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		<-s.ctx.Done()
		server.Shutdown(context.Background())
	}()

	s.logger.Info("WebSocket server starting", "port", port)
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("WebSocket server error: %w", err)
	}
	return nil
}

// Stop shuts the server down and disconnects every client.
func (s *Server) Stop() {
	s.logger.Info("Stopping WebSocket server")
	s.cancel()
	s.wg.Wait()

	s.mu.Lock()
	for c := range s.clients {
		c.close()
	}
	s.clients = make(map[*client]struct{})
	s.subs = make(map[string]map[*client]struct{})
	s.mu.Unlock()
}

// run drains the broadcast queue and periodically pushes pool state to
// pool channel subscribers.
func (s *Server) run() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.config.PoolPushPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case msg := <-s.broadcast:
			s.fanout(msg)
		case <-ticker.C:
			s.pushPools()
		}
	}
}

// fanout delivers a message to every subscriber of its channel. Slow
// clients that cannot keep up are disconnected.
func (s *Server) fanout(msg Message) {
	s.mu.RLock()
	subscribers := make([]*client, 0, len(s.subs[msg.Channel]))
	for c := range s.subs[msg.Channel] {
		subscribers = append(subscribers, c)
	}
	s.mu.RUnlock()

	if len(subscribers) == 0 {
		return
	}

	data, err := json.Marshal(msg)
	if err != nil {
		s.logger.Error("Failed to marshal broadcast message", "error", err)
		return
	}

	for _, c := range subscribers {
		if !c.enqueue(data) {
			s.drop(c)
		}
	}
}

// pushPools broadcasts a snapshot on every pool channel with subscribers.
func (s *Server) pushPools() {
	s.mu.RLock()
	assets := make([]string, 0)
	for channel, clients := range s.subs {
		if len(clients) > 0 && len(channel) > 5 && channel[:5] == "pool:" {
			assets = append(assets, channel[5:])
		}
	}
	s.mu.RUnlock()

	for _, asset := range assets {
		if msg, ok := s.poolMessage(asset); ok {
			s.fanout(msg)
		}
	}
}

func (s *Server) poolMessage(asset string) (Message, bool) {
	cfg, ok := s.vault.AssetConfigFor(asset)
	if !ok {
		return Message{}, false
	}
	l, _ := s.vault.Ledger(asset)

	snapshot := PoolSnapshot{
		Asset:          asset,
		PoolAmount:     decimal.NewFromBigInt(l.PoolAmount, -int32(cfg.Decimals)).String(),
		ReservedAmount: decimal.NewFromBigInt(l.ReservedAmount, -int32(cfg.Decimals)).String(),
		FeeReserve:     decimal.NewFromBigInt(l.FeeReserve, -int32(cfg.Decimals)).String(),
		UsdpDebt:       decimal.NewFromBigInt(l.Debt, -vault.USDPDecimals).String(),
		Timestamp:      time.Now().Unix(),
	}
	return Message{
		Type:      "pool",
		Channel:   "pool:" + asset,
		Data:      snapshot,
		Timestamp: time.Now().Unix(),
	}, true
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error("WebSocket upgrade failed", "error", err)
		return
	}

	c := &client{
		id:       fmt.Sprintf("client-%d", atomic.AddUint64(&s.nextID, 1)),
		conn:     conn,
		server:   s,
		send:     make(chan []byte, 256),
		done:     make(chan struct{}),
		channels: make(map[string]struct{}),
	}

	s.mu.Lock()
	s.clients[c] = struct{}{}
	total := len(s.clients)
	s.mu.Unlock()
	s.logger.Debug("Client connected", "id", c.id, "total", total)

	go c.writePump()
	go c.readPump()

	c.sendEnvelope(Message{
		Type:      "welcome",
		Data:      map[string]interface{}{"id": c.id},
		Timestamp: time.Now().Unix(),
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(s.GetStats())
}

// drop removes a client from the registry and every subscription.
func (s *Server) drop(c *client) {
	c.mu.Lock()
	channels := make([]string, 0, len(c.channels))
	for channel := range c.channels {
		channels = append(channels, channel)
	}
	c.channels = make(map[string]struct{})
	c.mu.Unlock()

	s.mu.Lock()
	if _, ok := s.clients[c]; ok {
		delete(s.clients, c)
		for _, channel := range channels {
			if clients, ok := s.subs[channel]; ok {
				delete(clients, c)
				if len(clients) == 0 {
					delete(s.subs, channel)
				}
			}
		}
	}
	total := len(s.clients)
	s.mu.Unlock()

	c.close()
	s.logger.Debug("Client disconnected", "id", c.id, "total", total)
}

func (s *Server) subscribe(c *client, channel string) {
	s.mu.Lock()
	if s.subs[channel] == nil {
		s.subs[channel] = make(map[*client]struct{})
	}
	s.subs[channel][c] = struct{}{}
	s.mu.Unlock()
}

func (s *Server) unsubscribe(c *client, channel string) {
	s.mu.Lock()
	if clients, ok := s.subs[channel]; ok {
		delete(clients, c)
		if len(clients) == 0 {
			delete(s.subs, channel)
		}
	}
	s.mu.Unlock()
}

// GetStats returns server statistics
func (s *Server) GetStats() map[string]interface{} {
	s.mu.RLock()
	clients := len(s.clients)
	channels := len(s.subs)
	s.mu.RUnlock()

	return map[string]interface{}{
		"clients":       clients,
		"channels":      channels,
		"messages_sent": atomic.LoadUint64(&s.messagesOut),
	}
}

func (c *client) readPump() {
	defer func() {
		c.server.drop(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(c.server.config.MaxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(c.server.config.PongTimeout))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(c.server.config.PongTimeout))
		return nil
	})

	for {
		var req clientRequest
		if err := c.conn.ReadJSON(&req); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.server.logger.Error("WebSocket read error", "error", err)
			}
			return
		}
		c.handleRequest(req)
	}
}

func (c *client) writePump() {
	ticker := time.NewTicker(c.server.config.PingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case <-c.done:
			c.conn.SetWriteDeadline(time.Now().Add(c.server.config.WriteTimeout))
			c.conn.WriteMessage(websocket.CloseMessage, []byte{})
			return

		case data := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(c.server.config.WriteTimeout))
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
			atomic.AddUint64(&c.server.messagesOut, 1)

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(c.server.config.WriteTimeout))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *client) handleRequest(req clientRequest) {
	switch req.Type {
	case "subscribe":
		for _, channel := range req.Channels {
			c.mu.Lock()
			c.channels[channel] = struct{}{}
			c.mu.Unlock()
			c.server.subscribe(c, channel)

			// Pool channels get an immediate snapshot.
			if len(channel) > 5 && channel[:5] == "pool:" {
				if msg, ok := c.server.poolMessage(channel[5:]); ok {
					c.sendEnvelope(msg)
				} else {
					c.sendError(fmt.Sprintf("Unknown asset: %s", channel[5:]))
				}
			}
		}
		c.sendEnvelope(Message{
			Type:      "subscribed",
			Data:      map[string]interface{}{"channels": req.Channels},
			Timestamp: time.Now().Unix(),
		})

	case "unsubscribe":
		for _, channel := range req.Channels {
			c.mu.Lock()
			delete(c.channels, channel)
			c.mu.Unlock()
			c.server.unsubscribe(c, channel)
		}
		c.sendEnvelope(Message{
			Type:      "unsubscribed",
			Data:      map[string]interface{}{"channels": req.Channels},
			Timestamp: time.Now().Unix(),
		})

	case "ping":
		c.sendEnvelope(Message{Type: "pong", Timestamp: time.Now().Unix()})

	default:
		c.sendError(fmt.Sprintf("Unknown message type: %s", req.Type))
	}
}

// enqueue queues data for delivery. Returns false when the client's
// buffer is full.
func (c *client) enqueue(data []byte) bool {
	select {
	case c.send <- data:
		return true
	default:
		return false
	}
}

func (c *client) sendEnvelope(msg Message) {
	data, err := json.Marshal(msg)
	if err != nil {
		c.server.logger.Error("Failed to marshal message", "error", err)
		return
	}
	if !c.enqueue(data) {
		c.server.drop(c)
	}
}

func (c *client) sendError(message string) {
	c.sendEnvelope(Message{
		Type:      "error",
		Data:      map[string]interface{}{"message": message},
		Timestamp: time.Now().Unix(),
	})
}

// close signals writePump to send a close frame and shut the connection
// down. The send channel is never closed, so a concurrent enqueue from
// the fan-out loop is harmless.
func (c *client) close() {
	c.closed.Do(func() {
		close(c.done)
	})
}
