package signal

import (
	"encoding/json"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"voxsynq/pkg/logger"
	"voxsynq/pkg/models"
	"voxsynq/pkg/telemetry"
)

// Frame is the websocket wire format: a signaling envelope or a pushed
// chat message.
type Frame struct {
	Kind     string           `json:"kind"` // "signal" | "message"
	Envelope *models.Envelope `json:"envelope,omitempty"`
	Message  *models.Message  `json:"message,omitempty"`
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true // deployments front this with a gateway
	},
}

// Client is one connected websocket.
type Client struct {
	UserID  string
	Conn    *websocket.Conn
	Send    chan []byte
	limiter *rate.Limiter
	hub     *Hub
}

type routedFrame struct {
	UserID string
	Data   []byte
	// Env is set for signal frames so a transmit failure can be reported
	// through the channel's async error handler.
	Env *models.Envelope
}

// Hub maintains the set of connected clients and routes frames between
// them. It implements Channel: envelopes received on any connection are
// handed to the registered handlers, and Send routes an envelope to the
// target user's connection.
//
// Per-callId ordering holds because each party's envelopes arrive on a
// single connection and are dispatched inline by that connection's read
// goroutine; routing to the recipient goes through the hub's single Run
// loop and the recipient's single write pump.
type Hub struct {
	clients    map[string]*Client
	register   chan *Client
	unregister chan *Client
	route      chan routedFrame

	mu sync.RWMutex

	hMu      sync.RWMutex
	handlers []Handler
	errH     ErrorHandler

	rps   float64
	burst int
}

// NewHub builds a hub with per-connection rate limiting. rps <= 0
// disables the limiter.
func NewHub(rps float64, burst int) *Hub {
	return &Hub{
		clients:    make(map[string]*Client),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		route:      make(chan routedFrame, 256),
		rps:        rps,
		burst:      burst,
	}
}

// Run owns the client table until stop is closed.
func (h *Hub) Run(stop <-chan struct{}) {
	for {
		select {
		case c := <-h.register:
			h.mu.Lock()
			if old, ok := h.clients[c.UserID]; ok {
				close(old.Send)
			}
			h.clients[c.UserID] = c
			h.mu.Unlock()
			logger.Info("client_connected", "user", c.UserID)

		case c := <-h.unregister:
			h.mu.Lock()
			if cur, ok := h.clients[c.UserID]; ok && cur == c {
				delete(h.clients, c.UserID)
				close(c.Send)
			}
			h.mu.Unlock()
			logger.Info("client_disconnected", "user", c.UserID)

		case rf := <-h.route:
			h.mu.RLock()
			c, ok := h.clients[rf.UserID]
			h.mu.RUnlock()
			if !ok {
				h.deliveryFailed(rf, ErrRecipientOffline)
				continue
			}
			select {
			case c.Send <- rf.Data:
			default:
				h.deliveryFailed(rf, ErrTransportBusy)
			}

		case <-stop:
			return
		}
	}
}

func (h *Hub) deliveryFailed(rf routedFrame, err error) {
	if rf.Env == nil {
		logger.Debug("push_dropped", "user", rf.UserID, "error", err)
		return
	}
	telemetry.EnvelopesTotal.WithLabelValues(string(rf.Env.Type), "dropped").Inc()
	h.hMu.RLock()
	eh := h.errH
	h.hMu.RUnlock()
	if eh == nil {
		logger.Warn("signal_send_failed", "type", string(rf.Env.Type), "to", rf.Env.To, "error", err)
		return
	}
	env := *rf.Env
	go eh(env, err)
}

// IsOnline reports whether a user currently holds a connection.
func (h *Hub) IsOnline(userID string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	_, ok := h.clients[userID]
	return ok
}

// Send routes a signaling envelope to its To party. Fire-and-forget:
// failures surface via the error handler.
func (h *Hub) Send(env models.Envelope) {
	e := env
	data, err := json.Marshal(Frame{Kind: "signal", Envelope: &e})
	if err != nil {
		logger.Error("envelope_marshal_failed", "type", string(env.Type), "error", err)
		return
	}
	telemetry.EnvelopesTotal.WithLabelValues(string(env.Type), "routed").Inc()
	h.route <- routedFrame{UserID: env.To, Data: data, Env: &e}
}

// SendReceipt satisfies the pipeline's ReceiptSender.
func (h *Hub) SendReceipt(env models.Envelope) { h.Send(env) }

// PushMessage pushes a chat message frame to a user's connection. Offline
// users simply miss the push and catch up from the durable log.
func (h *Hub) PushMessage(userID string, m models.Message) {
	msg := m
	data, err := json.Marshal(Frame{Kind: "message", Message: &msg})
	if err != nil {
		return
	}
	h.route <- routedFrame{UserID: userID, Data: data}
}

// OnEnvelope registers a receive handler for inbound signal frames.
func (h *Hub) OnEnvelope(fn Handler) {
	h.hMu.Lock()
	h.handlers = append(h.handlers, fn)
	h.hMu.Unlock()
}

// OnSendError registers the async transmit failure handler.
func (h *Hub) OnSendError(fn ErrorHandler) {
	h.hMu.Lock()
	h.errH = fn
	h.hMu.Unlock()
}

// ServeWS upgrades the request and attaches the connection to the hub.
// The caller has already resolved and trusts userID.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request, userID string) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Warn("websocket_upgrade_failed", "user", userID, "error", err)
		return
	}
	var lim *rate.Limiter
	if h.rps > 0 {
		burst := h.burst
		if burst <= 0 {
			burst = 10
		}
		lim = rate.NewLimiter(rate.Limit(h.rps), burst)
	}
	c := &Client{UserID: userID, Conn: conn, Send: make(chan []byte, 256), limiter: lim, hub: h}
	h.register <- c
	go c.writePump()
	go c.readPump()
}

func (c *Client) readPump() {
	defer func() {
		c.hub.unregister <- c
		_ = c.Conn.Close()
	}()
	for {
		_, data, err := c.Conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				logger.Warn("websocket_read_error", "user", c.UserID, "error", err)
			}
			return
		}
		if c.limiter != nil && !c.limiter.Allow() {
			logger.Warn("client_rate_limited", "user", c.UserID)
			continue
		}
		var f Frame
		if err := json.Unmarshal(data, &f); err != nil || f.Kind != "signal" || f.Envelope == nil {
			continue
		}
		env := *f.Envelope
		// the connection identity is authoritative, not the frame
		env.From = c.UserID
		c.hub.hMu.RLock()
		hs := append([]Handler(nil), c.hub.handlers...)
		c.hub.hMu.RUnlock()
		for _, fn := range hs {
			fn(env)
		}
	}
}

func (c *Client) writePump() {
	defer c.Conn.Close()
	for data := range c.Send {
		if err := c.Conn.WriteMessage(websocket.TextMessage, data); err != nil {
			return
		}
	}
}
