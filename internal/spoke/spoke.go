// Package spoke implements C4 Spoke Channel: the per-device bidirectional
// WebSocket connection to a Spoke, its AUTHENTICATING -> OPEN -> DRAINING ->
// CLOSED state machine, correlation-keyed tool forwarding, and presence
// tracking.
//
// The connection handling shape (upgrader config, read/write pumps, pong
// deadline, serialized writes through a buffered send channel) is grounded
// on the teacher's internal/gateway/ws_control_plane.go. The PendingCall
// bookkeeping (correlation registry, timeout-with-best-effort-cancel,
// resolve-exactly-once, supersede-fails-pending) is grounded on the
// teacher's internal/edge/manager.go PendingTool/ExecuteTool machinery,
// adapted from a gRPC edge-daemon model to a WebSocket Spoke model.
package spoke

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/haasonsaas/hub/internal/observability"
	"github.com/haasonsaas/hub/internal/registry"
	"github.com/haasonsaas/hub/pkg/hub"
)

const (
	maxPayloadBytes = 1 << 20
	writeWait       = 10 * time.Second
	registerCoalesceWindow = 500 * time.Millisecond
)

// FrameType enumerates the Hub<->Spoke wire envelope's "type" field
// (spec.md §4.4).
type FrameType string

const (
	FrameRegister           FrameType = "register"
	FrameHeartbeat          FrameType = "heartbeat"
	FrameSkillCallRequest   FrameType = "skill_call_request"
	FrameSkillCallResponse  FrameType = "skill_call_response"
	FrameSkillCallCancel    FrameType = "skill_call_cancel"
	FrameError              FrameType = "error"
)

// Frame is the wire envelope: {type, correlation_id?, payload}.
type Frame struct {
	Type          FrameType       `json:"type"`
	CorrelationID string          `json:"correlation_id,omitempty"`
	Payload       json.RawMessage `json:"payload,omitempty"`
}

type registerPayload struct {
	Skills []hub.Skill `json:"skills"`
}

type skillCallRequestPayload struct {
	ToolName string `json:"tool_name"`
	Code     string `json:"code"`
}

type skillCallResponsePayload struct {
	Success bool   `json:"success"`
	Result  string `json:"result,omitempty"`
	Error   string `json:"error,omitempty"`
}

// State is a connection's position in the AUTHENTICATING -> OPEN ->
// DRAINING -> CLOSED state machine.
type State int32

const (
	StateAuthenticating State = iota
	StateOpen
	StateDraining
	StateClosed
)

// Registerer is the subset of the skill registry a channel needs to honor
// inbound register/heartbeat frames. *registry.Registry satisfies this;
// the interface exists so this package doesn't need every registry method.
type Registerer interface {
	Register(ctx context.Context, deviceID string, skills []hub.Skill) (registry.Registered, error)
	Heartbeat(ctx context.Context, deviceID string) (int, error)
}

// PendingCall is an in-flight forwarded tool request awaiting resolution
// (spec.md §3). Resolved exactly once: matching response, timeout, or
// channel closure.
type PendingCall struct {
	CorrelationID string
	DeviceID      string
	ToolName      string
	Deadline      time.Time
	result        chan Result
	resolved      atomic.Bool
}

// Result is what a forwarded tool call eventually resolves to.
type Result struct {
	Success bool
	Output  string
	Err     string // "" on success; otherwise "tool_timeout", "cancelled", "device_offline", "device_backpressure", "shutting_down", "internal", or the error text the Spoke sent back
}

func (p *PendingCall) resolve(r Result) {
	if !p.resolved.CompareAndSwap(false, true) {
		return
	}
	select {
	case p.result <- r:
	default:
	}
}

// Channel is one Device's persistent duplex connection.
type Channel struct {
	deviceID string
	conn     *websocket.Conn
	send     chan []byte
	ctx      context.Context
	cancel   context.CancelFunc
	state    atomic.Int32

	manager *Manager

	mu           sync.Mutex
	pending      map[string]*PendingCall
	lastRegister time.Time
}

func (c *Channel) State() State { return State(c.state.Load()) }

func (c *Channel) setState(s State) { c.state.Store(int32(s)) }

// Manager owns the process-wide map of open Spoke channels, keyed by
// device_id (spec.md §5: "a process-wide map ... reads frequent, writes
// rare ... must be serialized"). It implements registry.Presence.
type Manager struct {
	mu       sync.RWMutex
	channels map[string]*Channel

	registry          Registerer
	logger            *observability.Logger
	metrics           *observability.Metrics
	heartbeatInterval time.Duration
	outboundQueueSize int

	events chan PresenceEvent
}

// PresenceEvent is emitted on every online/offline transition; C3 and
// observers may consume it (spec.md §4.4).
type PresenceEvent struct {
	DeviceID string
	Online   bool
	At       time.Time
}

func NewManager(registry Registerer, heartbeatInterval time.Duration, outboundQueueSize int, logger *observability.Logger, metrics *observability.Metrics) *Manager {
	return &Manager{
		channels:          make(map[string]*Channel),
		registry:          registry,
		logger:            logger,
		metrics:           metrics,
		heartbeatInterval: heartbeatInterval,
		outboundQueueSize: outboundQueueSize,
		events:            make(chan PresenceEvent, 256),
	}
}

// SetRegistry plugs in the Registerer once it exists. Manager and Registry
// are each other's constructor dependency (Manager implements
// registry.Presence; Registry implements spoke.Registerer), so cmd/hub
// constructs the Manager with a nil Registerer first and wires it in here
// once the Registry is built. Frames are only processed by channels that
// Accept creates, and cmd/hub calls SetRegistry before the HTTP server
// starts accepting connections, so there is no race on the field.
func (m *Manager) SetRegistry(registry Registerer) {
	m.registry = registry
}

// IsOnline satisfies registry.Presence.
func (m *Manager) IsOnline(deviceID string) bool {
	m.mu.RLock()
	ch, ok := m.channels[deviceID]
	m.mu.RUnlock()
	return ok && ch.State() == StateOpen
}

// Events exposes presence transitions for observers.
func (m *Manager) Events() <-chan PresenceEvent { return m.events }

func (m *Manager) emit(deviceID string, online bool) {
	select {
	case m.events <- PresenceEvent{DeviceID: deviceID, Online: online, At: time.Now()}:
	default:
	}
	if m.metrics != nil {
		if online {
			m.metrics.SpokesConnected.Inc()
		} else {
			m.metrics.SpokesConnected.Dec()
		}
	}
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  8192,
	WriteBufferSize: 8192,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// Accept upgrades an authenticated request to a WebSocket and runs the
// channel's lifecycle until it closes. deviceID has already been
// authenticated by the caller (at upgrade time, per spec.md §4.4, since the
// HTTP handshake carries the bearer token).
func (m *Manager) Accept(w http.ResponseWriter, r *http.Request, deviceID string) error {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(observability.AddDeviceID(context.Background(), deviceID))
	ch := &Channel{
		deviceID: deviceID,
		conn:     conn,
		send:     make(chan []byte, queueSizeOrDefault(m.outboundQueueSize)),
		ctx:      ctx,
		cancel:   cancel,
		manager:  m,
		pending:  make(map[string]*PendingCall),
	}
	ch.setState(StateOpen)

	m.supersede(deviceID, ch)
	m.emit(deviceID, true)

	go ch.writePump()
	ch.readPump()
	return nil
}

func queueSizeOrDefault(n int) int {
	if n <= 0 {
		return 256
	}
	return n
}

// supersede installs ch as the device's channel, draining and closing any
// previous connection (spec.md §4.4 "Superseding connections").
func (m *Manager) supersede(deviceID string, ch *Channel) {
	m.mu.Lock()
	old, existed := m.channels[deviceID]
	m.channels[deviceID] = ch
	m.mu.Unlock()

	if existed {
		old.drainAndClose(Result{Success: false, Err: "device_offline"})
	}
}

func (m *Manager) remove(deviceID string, ch *Channel) {
	m.mu.Lock()
	current, ok := m.channels[deviceID]
	if ok && current == ch {
		delete(m.channels, deviceID)
	}
	m.mu.Unlock()
	if ok && current == ch {
		m.emit(deviceID, false)
	}
}

func (c *Channel) drainAndClose(failWith Result) {
	c.setState(StateDraining)

	c.mu.Lock()
	pending := make([]*PendingCall, 0, len(c.pending))
	for _, p := range c.pending {
		pending = append(pending, p)
	}
	c.pending = make(map[string]*PendingCall)
	c.mu.Unlock()

	for _, p := range pending {
		p.resolve(failWith)
	}

	c.setState(StateClosed)
	c.cancel()
	_ = c.conn.Close()
}

func (c *Channel) readPump() {
	defer func() {
		c.drainAndClose(Result{Success: false, Err: "device_offline"})
		c.manager.remove(c.deviceID, c)
		close(c.send)
	}()

	c.conn.SetReadLimit(maxPayloadBytes)
	pongWait := c.manager.heartbeatInterval + c.manager.heartbeatInterval/2
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		messageType, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		if messageType != websocket.TextMessage {
			continue
		}
		c.handleFrame(data)
	}
}

func (c *Channel) writePump() {
	ticker := time.NewTicker(c.manager.heartbeatInterval / 2)
	defer ticker.Stop()
	for {
		select {
		case <-c.ctx.Done():
			return
		case msg, ok := <-c.send:
			if !ok {
				return
			}
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *Channel) handleFrame(raw []byte) {
	var frame Frame
	if err := json.Unmarshal(raw, &frame); err != nil {
		return
	}

	if c.State() != StateOpen {
		return
	}

	switch frame.Type {
	case FrameRegister:
		c.handleRegister(frame)
	case FrameHeartbeat:
		c.handleHeartbeat()
	case FrameSkillCallResponse:
		c.handleHeartbeat()
		c.handleSkillCallResponse(frame)
	default:
		c.handleHeartbeat()
		if c.manager.logger != nil {
			c.manager.logger.Warn(c.ctx, "unknown frame type ignored", "type", string(frame.Type))
		}
	}
}

func (c *Channel) handleRegister(frame Frame) {
	c.mu.Lock()
	since := time.Since(c.lastRegister)
	if since < registerCoalesceWindow {
		c.mu.Unlock()
		return
	}
	c.lastRegister = time.Now()
	c.mu.Unlock()

	var payload registerPayload
	if err := json.Unmarshal(frame.Payload, &payload); err != nil {
		return
	}
	if c.manager.registry == nil {
		return
	}
	_, _ = c.manager.registry.Register(c.ctx, c.deviceID, payload.Skills)
}

func (c *Channel) handleHeartbeat() {
	if c.manager.registry == nil {
		return
	}
	_, _ = c.manager.registry.Heartbeat(context.Background(), c.deviceID)
}

func (c *Channel) handleSkillCallResponse(frame Frame) {
	c.mu.Lock()
	p, ok := c.pending[frame.CorrelationID]
	if ok {
		delete(c.pending, frame.CorrelationID)
	}
	c.mu.Unlock()
	if !ok {
		return
	}

	var payload skillCallResponsePayload
	if err := json.Unmarshal(frame.Payload, &payload); err != nil {
		p.resolve(Result{Success: false, Err: "internal"})
		return
	}
	p.resolve(Result{Success: payload.Success, Output: payload.Result, Err: payload.Error})
}

// ForwardToolCall blocks the caller on a completion slot keyed by a fresh
// correlation_id, per spec.md §4.4. Resolution races a matching response
// against the deadline; on timeout a best-effort skill_call_cancel is sent.
func (m *Manager) ForwardToolCall(ctx context.Context, deviceID, toolName, code string, deadline time.Duration) Result {
	m.mu.RLock()
	ch, ok := m.channels[deviceID]
	m.mu.RUnlock()
	if !ok || ch.State() != StateOpen {
		return Result{Success: false, Err: "device_offline"}
	}

	correlationID, err := newCorrelationID()
	if err != nil {
		return Result{Success: false, Err: "internal"}
	}

	p := &PendingCall{
		CorrelationID: correlationID,
		DeviceID:      deviceID,
		ToolName:      toolName,
		Deadline:      time.Now().Add(deadline),
		result:        make(chan Result, 1),
	}

	ch.mu.Lock()
	ch.pending[correlationID] = p
	ch.mu.Unlock()

	payload, _ := json.Marshal(skillCallRequestPayload{ToolName: toolName, Code: code})
	frame, _ := json.Marshal(Frame{Type: FrameSkillCallRequest, CorrelationID: correlationID, Payload: payload})

	select {
	case ch.send <- frame:
	default:
		ch.mu.Lock()
		delete(ch.pending, correlationID)
		ch.mu.Unlock()
		return Result{Success: false, Err: "device_backpressure"}
	}

	timer := time.NewTimer(deadline)
	defer timer.Stop()

	select {
	case r := <-p.result:
		return r
	case <-timer.C:
		ch.mu.Lock()
		delete(ch.pending, correlationID)
		ch.mu.Unlock()
		m.sendCancelBestEffort(ch, correlationID, "timeout")
		return Result{Success: false, Err: string(hub.KindToolTimeout)}
	case <-ctx.Done():
		ch.mu.Lock()
		delete(ch.pending, correlationID)
		ch.mu.Unlock()
		m.sendCancelBestEffort(ch, correlationID, "cancelled")
		return Result{Success: false, Err: "cancelled"}
	}
}

func (m *Manager) sendCancelBestEffort(ch *Channel, correlationID, reason string) {
	payload, _ := json.Marshal(map[string]string{"reason": reason})
	frame, _ := json.Marshal(Frame{Type: FrameSkillCallCancel, CorrelationID: correlationID, Payload: payload})
	select {
	case ch.send <- frame:
	default:
	}
}

// FailAllPending resolves every PendingCall on every channel with
// shutting_down, used during graceful shutdown (spec.md §5).
func (m *Manager) FailAllPending() {
	m.mu.RLock()
	channels := make([]*Channel, 0, len(m.channels))
	for _, ch := range m.channels {
		channels = append(channels, ch)
	}
	m.mu.RUnlock()

	for _, ch := range channels {
		ch.mu.Lock()
		pending := make([]*PendingCall, 0, len(ch.pending))
		for _, p := range ch.pending {
			pending = append(pending, p)
		}
		ch.mu.Unlock()
		for _, p := range pending {
			p.resolve(Result{Success: false, Err: "shutting_down"})
		}
	}
}

func newCorrelationID() (string, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}
