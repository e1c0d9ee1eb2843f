// Package wire implements the WebSocket sidecar protocol (spec.md §6): the
// frames a remote agent process exchanges with the hub over one persistent
// bidirectional socket per agent.
//
// Grounded on gorilla/websocket and the teacher's internal/websocket
// hub.go/client.go pair — Client owns the conn plus a buffered outbound
// channel, readPump/writePump run as a goroutine pair, and the Hub keeps a
// registry keyed here by agent_id rather than the teacher's room/user_id
// scheme. Inbound lifecycle frames are routed into agentfsm.Registry
// (generation-gated) rather than broadcast to a room.
package wire

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"agentcom/internal/agentfsm"
	"agentcom/internal/auth"
	"agentcom/internal/eventbus"
	"agentcom/internal/logging"
	"agentcom/internal/ratelimiter"
	"agentcom/internal/taskqueue"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 1 << 16
	sendBuffer     = 256
)

// Frame types, per spec.md §6.
const (
	FrameIdentify         = "identify"
	FramePing             = "ping"
	FramePong             = "pong"
	FrameTaskAccepted     = "task_accepted"
	FrameTaskProgress     = "task_progress"
	FrameTaskComplete     = "task_complete"
	FrameTaskFailed       = "task_failed"
	FrameStateReport      = "state_report"
	FrameTaskAssign       = "task_assign"
	FrameTaskCancel       = "task_cancel"
	FrameRateLimitWarning = "rate_limit_warning"
	FrameRateLimited      = "rate_limited"
	FrameIdentified       = "identified"
	FrameError            = "error"
)

// Error detail codes carried in an "error" frame's Detail field.
const (
	ErrInvalidToken       = "invalid_token"
	ErrTokenAgentMismatch = "token_agent_mismatch"
)

// Frame is the wire envelope for every message exchanged on the socket.
type Frame struct {
	Type         string          `json:"type"`
	AgentID      string          `json:"agent_id,omitempty"`
	Token        string          `json:"token,omitempty"`
	Name         string          `json:"name,omitempty"`
	Capabilities []string        `json:"capabilities,omitempty"`
	TaskID       string          `json:"task_id,omitempty"`
	Generation   int64           `json:"generation,omitempty"`
	Detail       string          `json:"detail,omitempty"`
	Error        string          `json:"error,omitempty"`
	Payload      json.RawMessage `json:"payload,omitempty"`
	RetryAfterMS int64           `json:"retry_after_ms,omitempty"`
	Timestamp    int64           `json:"timestamp,omitempty"`
}

// tierFor maps an inbound frame type to its rate-limit action tier, per
// spec.md §4.6's default table.
func tierFor(frameType string) ratelimiter.Tier {
	switch frameType {
	case FrameIdentify:
		return ratelimiter.TierHeavy
	case FramePing, FrameStateReport:
		return ratelimiter.TierLight
	default:
		return ratelimiter.TierNormal
	}
}

// Client is one connected agent's socket.
type Client struct {
	conn *websocket.Conn
	hub  *Hub

	mu       sync.RWMutex
	agentID  string
	send     chan []byte
	lastSeen time.Time
}

func (c *Client) setAgentID(id string) {
	c.mu.Lock()
	c.agentID = id
	c.mu.Unlock()
}

// AgentID returns the identified agent, or "" before identify arrives.
func (c *Client) AgentID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.agentID
}

func (c *Client) touch() {
	c.mu.Lock()
	c.lastSeen = time.Now()
	c.mu.Unlock()
}

// enqueue pushes a frame onto the client's outbound buffer, dropping it if
// the buffer is full rather than blocking the caller — the same
// non-blocking-fanout discipline as eventbus.
func (c *Client) enqueue(f Frame) bool {
	data, err := json.Marshal(f)
	if err != nil {
		logging.L().Warn("wire: failed to marshal outbound frame", zap.Error(err))
		return false
	}
	select {
	case c.send <- data:
		return true
	default:
		logging.L().Warn("wire: outbound buffer full, dropping frame", zap.String("agent_id", c.AgentID()), zap.String("type", f.Type))
		return false
	}
}

func (c *Client) readPump() {
	defer func() {
		c.hub.unregister(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		c.touch()
		return nil
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				logging.L().Info("wire: unexpected close", zap.String("agent_id", c.AgentID()), zap.Error(err))
			}
			return
		}
		c.touch()

		var f Frame
		if err := json.Unmarshal(data, &f); err != nil {
			logging.L().Warn("wire: malformed frame", zap.Error(err))
			continue
		}
		c.hub.dispatch(c, f)
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case data, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// Hub owns every connected agent socket and routes inbound frames into the
// core components; it subscribes to the eventbus to push outbound frames
// (assignment, cancellation, rate-limit notices) without the scheduler or
// taskqueue needing any knowledge of the transport.
type Hub struct {
	mu      sync.RWMutex
	clients map[string]*Client // agent_id -> client

	registry *agentfsm.Registry
	queue    *taskqueue.Queue
	limiter  *ratelimiter.Limiter
	bus      *eventbus.Bus
	tokens   *auth.Registry

	stop chan struct{}
	done chan struct{}
}

// NewHub constructs a Hub wired to the core components.
func NewHub(registry *agentfsm.Registry, queue *taskqueue.Queue, limiter *ratelimiter.Limiter, bus *eventbus.Bus, tokens *auth.Registry) *Hub {
	return &Hub{
		clients:  make(map[string]*Client),
		registry: registry,
		queue:    queue,
		limiter:  limiter,
		bus:      bus,
		tokens:   tokens,
	}
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     checkOrigin,
}

// checkOrigin enforces the same allow-list idiom as the teacher's hub —
// origin must match an entry in CORS_ALLOWED_ORIGINS, or be empty outside
// production (sidecar processes with no browser origin).
func checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	allowedEnv := os.Getenv("CORS_ALLOWED_ORIGINS")
	if allowedEnv == "" {
		return origin == "" && os.Getenv("ENVIRONMENT") != "production"
	}
	for _, allowed := range strings.Split(allowedEnv, ",") {
		if strings.TrimSpace(allowed) == origin {
			return true
		}
	}
	return origin == "" && os.Getenv("ENVIRONMENT") != "production"
}

// ServeHTTP upgrades the connection and starts the client's pump pair. The
// caller (internal/httpapi) is expected to have already authenticated the
// bearer token before routing here.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) error {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return fmt.Errorf("wire: upgrade failed: %w", err)
	}

	c := &Client{conn: conn, hub: h, send: make(chan []byte, sendBuffer), lastSeen: time.Now()}
	go c.writePump()
	go c.readPump()
	return nil
}

func (h *Hub) register(c *Client, agentID string) {
	h.mu.Lock()
	h.clients[agentID] = c
	h.mu.Unlock()
}

func (h *Hub) unregister(c *Client) {
	agentID := c.AgentID()
	if agentID == "" {
		return
	}
	h.mu.Lock()
	delete(h.clients, agentID)
	h.mu.Unlock()

	if h.registry != nil {
		h.registry.Disconnect(agentID, "socket closed")
	}
}

// syncRateLimitFlag mirrors the limiter's violation-streak state onto the
// agent's "rate_limited" flag, which agentfsm.Registry.IdleAgents checks
// to exclude a backed-off agent from scheduling (spec.md §4.3 step 2).
func (h *Hub) syncRateLimitFlag(agentID string) {
	if h.registry == nil {
		return
	}
	a, ok := h.registry.Get(agentID)
	if !ok {
		return
	}
	a.SetFlag("rate_limited", h.limiter.RateLimited(agentID))
}

// dispatch applies rate-limiting then routes one inbound frame.
func (h *Hub) dispatch(c *Client, f Frame) {
	agentID := c.AgentID()

	if f.Type == FrameIdentify {
		h.handleIdentify(c, f)
		return
	}
	if agentID == "" {
		logging.L().Warn("wire: frame before identify, dropping", zap.String("type", f.Type))
		return
	}

	if h.limiter != nil {
		decision := h.limiter.Check(agentID, ratelimiter.ChannelWS, tierFor(f.Type))
		switch decision.Outcome {
		case ratelimiter.OutcomeDeny:
			retryMs := h.limiter.RecordViolation(agentID)
			h.syncRateLimitFlag(agentID)
			c.enqueue(Frame{Type: FrameRateLimited, RetryAfterMS: retryMs, Timestamp: nowMs()})
			return
		case ratelimiter.OutcomeWarn:
			h.syncRateLimitFlag(agentID)
			c.enqueue(Frame{Type: FrameRateLimitWarning, Timestamp: nowMs()})
		default:
			h.syncRateLimitFlag(agentID)
		}
	}

	switch f.Type {
	case FramePing:
		c.enqueue(Frame{Type: FramePong, Timestamp: nowMs()})
	case FrameTaskAccepted:
		h.registry.HandleFrame(agentID, f.TaskID, f.Generation, "accept", f.Detail)
	case FrameTaskProgress:
		h.registry.HandleFrame(agentID, f.TaskID, f.Generation, "progress", f.Detail)
	case FrameTaskComplete:
		h.registry.HandleFrame(agentID, f.TaskID, f.Generation, "complete", f.Detail)
	case FrameTaskFailed:
		h.registry.HandleFrame(agentID, f.TaskID, f.Generation, "fail", f.Detail)
	case FrameStateReport:
		// heartbeat-only frame; c.touch() in readPump already recorded it.
	default:
		logging.L().Warn("wire: unknown frame type", zap.String("agent_id", agentID), zap.String("type", f.Type))
	}
}

func (h *Hub) handleIdentify(c *Client, f Frame) {
	if f.AgentID == "" {
		logging.L().Warn("wire: identify frame missing agent_id")
		return
	}
	if h.limiter != nil {
		decision := h.limiter.Check(f.AgentID, ratelimiter.ChannelWS, ratelimiter.TierHeavy)
		if decision.Outcome == ratelimiter.OutcomeDeny {
			retryMs := h.limiter.RecordViolation(f.AgentID)
			h.syncRateLimitFlag(f.AgentID)
			c.enqueue(Frame{Type: FrameRateLimited, RetryAfterMS: retryMs, Timestamp: nowMs()})
			return
		}
	}

	if h.tokens != nil {
		if err := h.tokens.Verify(f.Token, f.AgentID); err != nil {
			code := ErrInvalidToken
			if errors.Is(err, auth.ErrAgentMismatch) {
				code = ErrTokenAgentMismatch
			}
			c.enqueue(Frame{Type: FrameError, Error: code, Timestamp: nowMs()})
			logging.L().Warn("wire: identify rejected", zap.String("agent_id", f.AgentID), zap.String("reason", code))
			return
		}
	}

	c.setAgentID(f.AgentID)
	h.register(c, f.AgentID)
	if h.registry != nil {
		h.registry.Identify(f.AgentID, f.Name, f.Capabilities)
	}
	c.enqueue(Frame{Type: FrameIdentified, AgentID: f.AgentID, Timestamp: nowMs()})
	logging.L().Info("wire: agent identified", zap.String("agent_id", f.AgentID))
}

// SendAssign pushes a task_assign frame to a connected agent. Returns false
// if the agent is not currently connected — the caller (scheduler's
// eventbus subscriber) should treat that as a reclaim candidate, not retry
// inline.
func (h *Hub) SendAssign(agentID, taskID string, generation int64, payload []byte) bool {
	return h.sendTo(agentID, Frame{Type: FrameTaskAssign, TaskID: taskID, Generation: generation, Payload: payload, Timestamp: nowMs()})
}

// SendCancel pushes a task_cancel frame to a connected agent.
func (h *Hub) SendCancel(agentID, taskID string) bool {
	return h.sendTo(agentID, Frame{Type: FrameTaskCancel, TaskID: taskID, Timestamp: nowMs()})
}

func (h *Hub) sendTo(agentID string, f Frame) bool {
	h.mu.RLock()
	c, ok := h.clients[agentID]
	h.mu.RUnlock()
	if !ok {
		return false
	}
	return c.enqueue(f)
}

// ConnectedAgents reports every currently-connected agent_id.
func (h *Hub) ConnectedAgents() []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]string, 0, len(h.clients))
	for id := range h.clients {
		out = append(out, id)
	}
	return out
}

// Run subscribes to TopicTasks and pushes task_assign frames out as the
// scheduler assigns work — decoupling the scheduler from the transport
// entirely; it only ever talks to taskqueue.Queue and agentfsm.Registry.
func (h *Hub) Run() {
	h.stop = make(chan struct{})
	h.done = make(chan struct{})
	defer close(h.done)

	events, unsub := h.bus.Subscribe(eventbus.TopicTasks, 256)
	defer unsub()

	for {
		select {
		case <-h.stop:
			return
		case evt := <-events:
			if evt.Type != "task_assigned" {
				continue
			}
			task, ok := evt.Payload.(*taskqueue.Task)
			if !ok || task.AssignedTo == "" {
				continue
			}
			payload, err := json.Marshal(task)
			if err != nil {
				logging.L().Warn("wire: failed to marshal task payload", zap.Error(err))
				continue
			}
			if !h.SendAssign(task.AssignedTo, task.ID, task.Generation, payload) {
				logging.L().Warn("wire: assigned agent not connected", zap.String("agent_id", task.AssignedTo), zap.String("task_id", task.ID))
			}
		}
	}
}

// Stop halts Run's goroutine.
func (h *Hub) Stop() {
	if h.stop == nil {
		return
	}
	close(h.stop)
	<-h.done
}

func nowMs() int64 { return time.Now().UnixMilli() }
