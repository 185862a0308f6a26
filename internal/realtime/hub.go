package realtime

import (
	"encoding/json"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
)

const (
	defaultSendBuffer      = 32
	defaultPingInterval    = 25 * time.Second
	defaultPongTimeout     = 60 * time.Second
	defaultWriteTimeout    = 10 * time.Second
	defaultMaxMessageBytes = 1 << 20
)

var errMissingIDProvider = errors.New("realtime: id provider is required")

// HubConfig tunes connection buffering and the keepalive heartbeat.
type HubConfig struct {
	IDProvider      IDProvider
	Logger          *zap.Logger
	SendBuffer      int
	PingInterval    time.Duration
	PongTimeout     time.Duration
	WriteTimeout    time.Duration
	MaxMessageBytes int64
}

// Hub owns live connections and the broadcast groups they joined.
type Hub struct {
	mu      sync.RWMutex
	clients map[string]*client
	groups  map[string]map[string]*client
	ids     IDProvider
	logger  *zap.Logger
	config  HubConfig
}

type client struct {
	id     string
	stream chan []byte
	done   chan struct{}
	once   sync.Once
}

func newClient(id string, bufferSize int) *client {
	return &client{
		id:     id,
		stream: make(chan []byte, bufferSize),
		done:   make(chan struct{}),
	}
}

func (c *client) close() {
	c.once.Do(func() {
		close(c.done)
	})
}

type envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

type outboundEnvelope struct {
	Event string `json:"event"`
	Data  any    `json:"data"`
}

func NewHub(cfg HubConfig) (*Hub, error) {
	if cfg.IDProvider == nil {
		return nil, errMissingIDProvider
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.SendBuffer <= 0 {
		cfg.SendBuffer = defaultSendBuffer
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = defaultPingInterval
	}
	if cfg.PongTimeout <= cfg.PingInterval {
		cfg.PongTimeout = max(defaultPongTimeout, 2*cfg.PingInterval)
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = defaultWriteTimeout
	}
	if cfg.MaxMessageBytes <= 0 {
		cfg.MaxMessageBytes = defaultMaxMessageBytes
	}
	return &Hub{
		clients: make(map[string]*client),
		groups:  make(map[string]map[string]*client),
		ids:     cfg.IDProvider,
		logger:  logger,
		config:  cfg,
	}, nil
}

// Join adds a registered connection to a broadcast group. Unknown connections are ignored.
func (h *Hub) Join(roomKey, connectionID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	subscriber, ok := h.clients[connectionID]
	if !ok {
		return
	}
	if _, ok := h.groups[roomKey]; !ok {
		h.groups[roomKey] = make(map[string]*client)
	}
	h.groups[roomKey][connectionID] = subscriber
}

// Leave removes a connection from one broadcast group.
func (h *Hub) Leave(roomKey, connectionID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	subscribers, ok := h.groups[roomKey]
	if !ok {
		return
	}
	delete(subscribers, connectionID)
	if len(subscribers) == 0 {
		delete(h.groups, roomKey)
	}
}

// Broadcast encodes the event once and queues it for every connection in the
// group. A connection whose buffer is full is removed and closed.
func (h *Hub) Broadcast(roomKey, event string, payload any) {
	frame, err := encodeFrame(event, payload)
	if err != nil {
		h.logger.Error("realtime frame encoding failed", zap.String("event", event), zap.Error(err))
		return
	}
	h.mu.RLock()
	subscribers := h.groups[roomKey]
	if len(subscribers) == 0 {
		h.mu.RUnlock()
		return
	}
	copies := make([]*client, 0, len(subscribers))
	for _, subscriber := range subscribers {
		copies = append(copies, subscriber)
	}
	h.mu.RUnlock()
	for _, subscriber := range copies {
		h.deliver(subscriber, event, frame)
	}
}

// Send queues an event for a single connection.
func (h *Hub) Send(connectionID, event string, payload any) {
	frame, err := encodeFrame(event, payload)
	if err != nil {
		h.logger.Error("realtime frame encoding failed", zap.String("event", event), zap.Error(err))
		return
	}
	h.mu.RLock()
	subscriber, ok := h.clients[connectionID]
	h.mu.RUnlock()
	if !ok {
		return
	}
	h.deliver(subscriber, event, frame)
}

// Remove forgets a connection and drops it from every group.
func (h *Hub) Remove(connectionID string) {
	h.mu.Lock()
	subscriber, ok := h.clients[connectionID]
	delete(h.clients, connectionID)
	for roomKey, subscribers := range h.groups {
		delete(subscribers, connectionID)
		if len(subscribers) == 0 {
			delete(h.groups, roomKey)
		}
	}
	h.mu.Unlock()
	if ok {
		subscriber.close()
	}
}

// Close disconnects every live connection.
func (h *Hub) Close() {
	h.mu.RLock()
	subscribers := make([]*client, 0, len(h.clients))
	for _, subscriber := range h.clients {
		subscribers = append(subscribers, subscriber)
	}
	h.mu.RUnlock()
	for _, subscriber := range subscribers {
		subscriber.close()
	}
}

// GroupSize reports how many connections are joined to roomKey.
func (h *Hub) GroupSize(roomKey string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.groups[roomKey])
}

func (h *Hub) register() (*client, error) {
	connectionID, err := h.ids.NewID()
	if err != nil {
		return nil, err
	}
	subscriber := newClient(connectionID, h.config.SendBuffer)
	h.mu.Lock()
	h.clients[connectionID] = subscriber
	h.mu.Unlock()
	return subscriber, nil
}

func (h *Hub) deliver(subscriber *client, event string, frame []byte) {
	select {
	case <-subscriber.done:
	case subscriber.stream <- frame:
	default:
		// A dropped frame may carry committed content, so the connection is
		// closed and its client has to enter the note again.
		h.logger.Warn("realtime connection closed for falling behind",
			zap.String("connection_id", subscriber.id),
			zap.String("event", event))
		h.Remove(subscriber.id)
	}
}

func encodeFrame(event string, payload any) ([]byte, error) {
	return json.Marshal(outboundEnvelope{Event: event, Data: payload})
}
