// ABOUTME: WebSocket feed of registry changes
// ABOUTME: Pushes a snapshot on connect, then service updates and expiries as JSON frames
package feed

import (
	"encoding/json"
	"iter"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/wsdiscovery/wsdiscovery-go/pkg/discovery"
	"go.uber.org/zap"
)

// Frame types
const (
	TypeSnapshot       = "services/snapshot"
	TypeServiceUpdated = "service/updated"
	TypeServiceExpired = "service/expired"
)

const (
	writeDeadline = 10 * time.Second
	pingInterval  = 30 * time.Second
)

// Message is the wrapper for every frame sent to subscribers
type Message struct {
	Type    string      `json:"type"`
	Payload interface{} `json:"payload"`
}

// ServicePayload describes one target service
type ServicePayload struct {
	EndpointReference string    `json:"endpoint_reference"`
	Types             []string  `json:"types,omitempty"`
	Scopes            []string  `json:"scopes,omitempty"`
	XAddrs            []string  `json:"xaddrs,omitempty"`
	LastSeen          time.Time `json:"last_seen"`
	Source            string    `json:"source,omitempty"`
	Created           bool      `json:"created,omitempty"`
}

// NewServicePayload converts a target service for the wire
func NewServicePayload(svc discovery.TargetService) ServicePayload {
	p := ServicePayload{
		EndpointReference: svc.EndpointReference(),
		LastSeen:          svc.LastSeen,
	}
	for _, t := range svc.Types {
		p.Types = append(p.Types, t.String())
	}
	for _, s := range svc.Scopes {
		p.Scopes = append(p.Scopes, s.String())
	}
	for _, x := range svc.XAddrs {
		p.XAddrs = append(p.XAddrs, x.String())
	}
	if svc.Source.IsValid() {
		p.Source = svc.Source.String()
	}
	return p
}

// Config holds hub configuration
type Config struct {
	// Snapshot lists the registry for newly connected subscribers
	Snapshot func() iter.Seq[discovery.TargetService]

	// QueueSize bounds frames buffered per subscriber (default 64)
	QueueSize int

	Logger *zap.Logger
}

// Hub fans registry changes out to websocket subscribers
type Hub struct {
	config   Config
	logger   *zap.Logger
	upgrader websocket.Upgrader

	mu      sync.Mutex
	clients map[*subscriber]struct{}
	closed  bool
}

type subscriber struct {
	conn *websocket.Conn
	send chan Message
}

// NewHub creates a hub
func NewHub(config Config) *Hub {
	if config.Logger == nil {
		config.Logger = zap.NewNop()
	}
	if config.QueueSize <= 0 {
		config.QueueSize = 64
	}

	return &Hub{
		config: config,
		logger: config.Logger,
		upgrader: websocket.Upgrader{
			// Read-only feed for trusted local networks
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		clients: make(map[*subscriber]struct{}),
	}
}

// ServeHTTP upgrades the request and streams frames until the peer leaves
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mu.Lock()
	closed := h.closed
	h.mu.Unlock()
	if closed {
		http.Error(w, "feed closed", http.StatusServiceUnavailable)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("WebSocket upgrade error", zap.Error(err))
		return
	}

	sub := &subscriber{
		conn: conn,
		send: make(chan Message, h.config.QueueSize+1),
	}
	if !h.register(sub) {
		conn.Close()
		return
	}

	h.logger.Debug("Feed subscriber connected", zap.String("remote", r.RemoteAddr))

	go h.writeLoop(sub)
	h.readLoop(sub)
}

// register queues the snapshot and adds the subscriber in one step so no
// update can be ordered before it
func (h *Hub) register(sub *subscriber) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return false
	}

	services := []ServicePayload{}
	if h.config.Snapshot != nil {
		for svc := range h.config.Snapshot() {
			services = append(services, NewServicePayload(svc))
		}
	}
	sub.send <- Message{Type: TypeSnapshot, Payload: services}

	h.clients[sub] = struct{}{}
	return true
}

// unregister removes the subscriber and closes its queue once
func (h *Hub) unregister(sub *subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.removeLocked(sub)
}

func (h *Hub) removeLocked(sub *subscriber) {
	if _, ok := h.clients[sub]; !ok {
		return
	}
	delete(h.clients, sub)
	close(sub.send)
}

// readLoop discards inbound frames and detects disconnects
func (h *Hub) readLoop(sub *subscriber) {
	defer h.unregister(sub)

	for {
		if _, _, err := sub.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.logger.Debug("Feed subscriber read error", zap.Error(err))
			}
			return
		}
	}
}

func (h *Hub) writeLoop(sub *subscriber) {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		sub.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-sub.send:
			if !ok {
				sub.conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
					time.Now().Add(writeDeadline))
				return
			}

			data, err := json.Marshal(msg)
			if err != nil {
				h.logger.Error("Error marshaling feed frame", zap.String("type", msg.Type), zap.Error(err))
				continue
			}
			sub.conn.SetWriteDeadline(time.Now().Add(writeDeadline))
			if err := sub.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				h.logger.Debug("Error writing feed frame", zap.Error(err))
				return
			}

		case <-ticker.C:
			if err := sub.conn.WriteControl(websocket.PingMessage, []byte{}, time.Now().Add(writeDeadline)); err != nil {
				return
			}
		}
	}
}

// ServiceUpdated publishes a sighting; its signature matches AggregatorConfig.OnUpdate
func (h *Hub) ServiceUpdated(svc discovery.TargetService, created bool) {
	p := NewServicePayload(svc)
	p.Created = created
	h.broadcast(Message{Type: TypeServiceUpdated, Payload: p})
}

// ServiceExpired publishes an expiry; its signature matches AggregatorConfig.OnExpire
func (h *Hub) ServiceExpired(svc discovery.TargetService) {
	h.broadcast(Message{Type: TypeServiceExpired, Payload: NewServicePayload(svc)})
}

// broadcast never blocks; subscribers with a full queue are dropped
func (h *Hub) broadcast(msg Message) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for sub := range h.clients {
		select {
		case sub.send <- msg:
		default:
			h.logger.Warn("Dropping slow feed subscriber")
			h.removeLocked(sub)
		}
	}
}

// Subscribers returns the number of connected subscribers
func (h *Hub) Subscribers() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// Close disconnects every subscriber and refuses new ones
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.closed = true
	for sub := range h.clients {
		h.removeLocked(sub)
	}
}
