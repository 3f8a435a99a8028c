// Package server owns the websocket surface of the relay: connection
// lifecycle, the authentication state machine, and the wiring between
// legs, sessions, streams, and the command path.
package server

import (
	"encoding/json"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog/log"

	"github.com/arcs-remote/arcs-server/internal/audit"
	"github.com/arcs-remote/arcs-server/internal/command"
	"github.com/arcs-remote/arcs-server/internal/config"
	"github.com/arcs-remote/arcs-server/internal/metrics"
	"github.com/arcs-remote/arcs-server/internal/protocol"
	"github.com/arcs-remote/arcs-server/internal/ratelimit"
	"github.com/arcs-remote/arcs-server/internal/registry"
	"github.com/arcs-remote/arcs-server/internal/session"
	"github.com/arcs-remote/arcs-server/internal/stream"
	"github.com/arcs-remote/arcs-server/internal/token"
)

// Subprotocol negotiated on every websocket leg.
const Subprotocol = "arcs-v1"

// Handler is the websocket hub. It owns the connection table; per-leg
// state lives on the conn.
type Handler struct {
	cfg      *config.Config
	sessions *session.Manager
	tokens   *token.Service
	devices  *registry.Registry
	streams  *stream.Router
	commands *command.Router
	limiter  *ratelimit.Limiter
	audit    *audit.Logger

	upgrader websocket.Upgrader

	mu          sync.Mutex
	conns       map[string]*conn
	deviceLegs  map[string]*conn            // session id → device leg
	controllers map[string]map[string]*conn // session id → conn id → leg
}

// NewHandler wires the hub to its collaborators.
func NewHandler(cfg *config.Config, sessions *session.Manager, tokens *token.Service,
	devices *registry.Registry, streams *stream.Router, commands *command.Router,
	limiter *ratelimit.Limiter, auditLog *audit.Logger) *Handler {
	return &Handler{
		cfg:      cfg,
		sessions: sessions,
		tokens:   tokens,
		devices:  devices,
		streams:  streams,
		commands: commands,
		limiter:  limiter,
		audit:    auditLog,
		upgrader: websocket.Upgrader{
			HandshakeTimeout: handshakeTimeout,
			ReadBufferSize:   4096,
			WriteBufferSize:  4096,
			Subprotocols:     []string{Subprotocol},
			CheckOrigin:      func(*http.Request) bool { return true },
		},
		conns:       make(map[string]*conn),
		deviceLegs:  make(map[string]*conn),
		controllers: make(map[string]map[string]*conn),
	}
}

// ServeWS upgrades the request and runs the connection pumps.
func (h *Handler) ServeWS(w http.ResponseWriter, r *http.Request) {
	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn().Err(err).Str("remote", r.RemoteAddr).Msg("Upgrade failed")
		return
	}

	c := newConn(ulid.Make().String(), ws)
	h.mu.Lock()
	h.conns[c.id] = c
	h.mu.Unlock()
	metrics.OpenConnections.Inc()

	log.Info().Str("conn", c.id).Str("remote", r.RemoteAddr).Msg("Connection opened")

	go c.writePump()
	go c.readPump(h)
}

// handleText dispatches one JSON control-plane message.
func (h *Handler) handleText(c *conn, data []byte) {
	msg, kind, err := protocol.DecodeMessage(data)
	if err != nil {
		log.Debug().Err(err).Str("conn", c.id).Msg("Unparseable message")
		c.enqueueText(protocol.NewError(protocol.ErrCodeInvalidCommand, "malformed message"))
		return
	}

	if kind == protocol.MsgPing {
		// A ping is activity: a device idling between frames must not be
		// swept while it keeps the link alive.
		if _, _, sid := c.identity(); sid != "" {
			h.sessions.Touch(sid)
		}
		c.enqueueText(protocol.NewPong())
		return
	}

	r, _, sessionID := c.identity()
	switch r {
	case roleNone:
		switch kind {
		case protocol.MsgAuthRequest:
			h.handleAuth(c, msg, false)
		case protocol.MsgDeviceHello:
			h.handleAuth(c, msg, true)
		case protocol.MsgJoinSession:
			h.handleJoin(c, msg)
		default:
			c.enqueueText(protocol.NewError(protocol.ErrCodeUnauthorized, "authenticate first"))
			c.closeAfterGrace()
		}
	case roleDevice:
		// Device-originated control traffic fans out to the session's
		// controllers unmodified.
		h.sessions.Touch(sessionID)
		h.broadcastToControllers(sessionID, h.commands.RouteToController(sessionID, data), "")
	case roleController:
		h.handleControllerCommand(c, sessionID, data)
	}
}

// handleAuth runs both authentication paths. The permissive path
// (device_hello) skips the registry check but stays behind the auth
// rate limit, so an unregistered device cannot hammer the endpoint.
func (h *Handler) handleAuth(c *conn, msg protocol.Message, permissive bool) {
	if r, _, _ := c.identity(); r != roleNone {
		c.enqueueText(protocol.NewError(protocol.ErrCodeInvalidCommand, "already authenticated"))
		return
	}
	kind := protocol.MsgAuthRequest
	if permissive {
		kind = protocol.MsgDeviceHello
	}
	if err := protocol.Validate(msg, kind); err != nil {
		c.enqueueText(protocol.NewError(protocol.ErrCodeInvalidCommand, err.Error()))
		return
	}
	deviceID, _ := msg["device_id"].(string)

	// A rate-limited attempt keeps the leg open; the client may retry
	// once its budget refills.
	if !h.limiter.Allow(deviceID, ratelimit.OpAuth) {
		h.audit.Log(audit.RateLimitExceeded, audit.SeverityWarning, deviceID,
			"auth rate limit exceeded", nil)
		c.enqueueText(protocol.NewError(protocol.ErrCodeRateLimit, "too many authentication attempts"))
		return
	}

	if !permissive {
		secret, _ := msg["secret"].(string)
		if !h.devices.Authenticate(deviceID, secret) {
			metrics.AuthFailures.Inc()
			h.audit.LogAuth(false, deviceID, "bad credentials")
			c.enqueueText(protocol.NewError(protocol.ErrCodeAuthFailed, "authentication failed"))
			c.shutdown()
			return
		}
	}

	info := decodeDeviceInfo(msg["device_info"])
	sess, err := h.sessions.Create(deviceID, info)
	if err != nil {
		log.Warn().Err(err).Str("device", deviceID).Msg("Session creation failed")
		c.enqueueText(protocol.NewError(protocol.ErrCodeInternal, "cannot create session"))
		c.shutdown()
		return
	}

	signed, expiresAt, err := h.tokens.Issue(deviceID, sess.ID, nil)
	if err != nil {
		log.Error().Err(err).Str("device", deviceID).Msg("Token issue failed")
		c.enqueueText(protocol.NewError(protocol.ErrCodeInternal, "cannot issue token"))
		c.shutdown()
		return
	}

	h.streams.RegisterDevice(sess.ID, deviceID)
	h.adoptDeviceLeg(sess.ID, c)
	c.setIdentity(roleDevice, deviceID, sess.ID)
	metrics.ActiveSessions.Set(float64(h.sessions.ActiveCount()))

	h.audit.LogAuth(true, deviceID, "")
	h.audit.LogSessionStart(sess.ID, deviceID)

	if permissive {
		c.enqueueText(protocol.NewSessionCreated(sess.ID, signed, expiresAt))
	} else {
		c.enqueueText(protocol.NewAuthResponse(sess.ID, signed, expiresAt))
	}
	log.Info().Str("session", sess.ID).Str("device", deviceID).Str("conn", c.id).Msg("Device-leg authenticated")
}

// adoptDeviceLeg installs c as the session's device leg, displacing a
// stale leg left over from an adopted session.
func (h *Handler) adoptDeviceLeg(sessionID string, c *conn) {
	h.mu.Lock()
	old := h.deviceLegs[sessionID]
	h.deviceLegs[sessionID] = c
	h.mu.Unlock()

	if old != nil && old != c {
		log.Info().Str("session", sessionID).Str("conn", old.id).Msg("Displacing stale device-leg")
		old.setIdentity(roleNone, "", "")
		old.shutdown()
	}
}

// handleJoin attaches a controller-leg after validating its token.
func (h *Handler) handleJoin(c *conn, msg protocol.Message) {
	if err := protocol.Validate(msg, protocol.MsgJoinSession); err != nil {
		c.enqueueText(protocol.NewError(protocol.ErrCodeInvalidCommand, err.Error()))
		return
	}
	sessionID, _ := msg["session_id"].(string)
	raw, _ := msg["jwt_token"].(string)

	claims, err := h.tokens.Validate(raw)
	if err != nil {
		metrics.AuthFailures.Inc()
		h.audit.Log(audit.AuthFailure, audit.SeverityWarning, sessionID, "join with invalid token", nil)
		c.enqueueText(protocol.NewError(protocol.ErrCodeInvalidToken, "token rejected"))
		c.shutdown()
		return
	}
	if claims.SessionID != sessionID {
		h.audit.Log(audit.SuspiciousActivity, audit.SeverityWarning, sessionID,
			"token presented for a different session", nil)
		c.enqueueText(protocol.NewError(protocol.ErrCodeUnauthorized, "token does not grant this session"))
		c.shutdown()
		return
	}

	sess, ok := h.sessions.Get(sessionID)
	if !ok || !sess.Active {
		c.enqueueText(protocol.NewError(protocol.ErrCodeSessionNotFound, "no such session"))
		c.closeAfterGrace()
		return
	}
	if err := h.sessions.Join(sessionID, c.id); err != nil {
		c.enqueueText(protocol.NewError(protocol.ErrCodeSessionNotFound, "no such session"))
		c.closeAfterGrace()
		return
	}

	q := h.streams.RegisterController(sessionID, c.id)
	if q == nil {
		h.sessions.Leave(sessionID, c.id)
		c.enqueueText(protocol.NewError(protocol.ErrCodeSessionNotFound, "session has no stream"))
		c.closeAfterGrace()
		return
	}

	h.mu.Lock()
	if h.controllers[sessionID] == nil {
		h.controllers[sessionID] = make(map[string]*conn)
	}
	h.controllers[sessionID][c.id] = c
	h.mu.Unlock()
	c.setIdentity(roleController, claims.DeviceID, sessionID)

	// Drain the controller's frame queue into the socket. The queue
	// drops oldest on overflow, so a slow reader never backs up into
	// the device-leg.
	go func() {
		for {
			pkt, ok := q.Pop()
			if !ok {
				return
			}
			if !c.enqueueBinary(pkt) {
				return
			}
		}
	}()

	c.enqueueText(protocol.NewJoinResponse(sess.Info, videoConfigFor(sess.Info)))
	h.notifyPeers(sessionID, protocol.MsgControllerConnected, c.id)

	log.Info().Str("session", sessionID).Str("conn", c.id).Msg("Controller-leg joined")
}

// handleControllerCommand runs a controller's message through the
// command path and forwards accepted commands to the device-leg.
func (h *Handler) handleControllerCommand(c *conn, sessionID string, data []byte) {
	forward, reply := h.commands.RouteToDevice(sessionID, data)
	if reply != nil {
		c.enqueueText(reply)
		return
	}

	h.sessions.Touch(sessionID)

	h.mu.Lock()
	device := h.deviceLegs[sessionID]
	h.mu.Unlock()
	if device == nil {
		c.enqueueText(protocol.NewError(protocol.ErrCodeDeviceBusy, "device not connected"))
		return
	}
	device.enqueueText(forward)
}

// handleBinary routes one video packet from a device-leg.
func (h *Handler) handleBinary(c *conn, data []byte) {
	r, _, sessionID := c.identity()
	if r != roleDevice {
		metrics.InvalidPackets.Inc()
		log.Debug().Str("conn", c.id).Str("role", r.String()).Msg("Binary frame on non-device leg")
		return
	}

	pkt, err := protocol.DecodePacket(data)
	if err != nil {
		metrics.InvalidPackets.Inc()
		log.Debug().Err(err).Str("session", sessionID).Msg("Invalid video packet")
		return
	}

	// Forwarding is packet-granular; controllers reassemble fragment
	// groups on their side.
	h.sessions.Touch(sessionID)
	h.streams.RouteFrame(sessionID, data, pkt.StartsFrame())
}

// notifyPeers sends a peer event to every leg of the session except the
// one identified by excludeConnID.
func (h *Handler) notifyPeers(sessionID, eventKind, excludeConnID string) {
	event := protocol.NewPeerEvent(eventKind, sessionID)

	h.mu.Lock()
	device := h.deviceLegs[sessionID]
	legs := make([]*conn, 0, len(h.controllers[sessionID]))
	for _, leg := range h.controllers[sessionID] {
		legs = append(legs, leg)
	}
	h.mu.Unlock()

	if device != nil && device.id != excludeConnID {
		device.enqueueText(event)
	}
	for _, leg := range legs {
		if leg.id != excludeConnID {
			leg.enqueueText(event)
		}
	}
}

// broadcastToControllers fans a device message out to the session's
// controller-legs.
func (h *Handler) broadcastToControllers(sessionID string, data []byte, excludeConnID string) {
	h.mu.Lock()
	legs := make([]*conn, 0, len(h.controllers[sessionID]))
	for _, leg := range h.controllers[sessionID] {
		legs = append(legs, leg)
	}
	h.mu.Unlock()

	for _, leg := range legs {
		if leg.id != excludeConnID {
			leg.enqueueText(data)
		}
	}
}

// disconnect tears one leg down and cleans up whatever it owned.
// Called exactly once per connection, from the read pump's exit path.
func (h *Handler) disconnect(c *conn) {
	c.shutdown()

	h.mu.Lock()
	delete(h.conns, c.id)
	h.mu.Unlock()
	metrics.OpenConnections.Dec()

	r, deviceID, sessionID := c.identity()
	switch r {
	case roleDevice:
		h.mu.Lock()
		if h.deviceLegs[sessionID] == c {
			delete(h.deviceLegs, sessionID)
		} else {
			// A displaced stale leg; the session lives on under the new leg.
			h.mu.Unlock()
			log.Debug().Str("conn", c.id).Msg("Stale device-leg closed")
			return
		}
		h.mu.Unlock()
		h.endSession(sessionID, deviceID, "device_disconnected")
	case roleController:
		h.sessions.Leave(sessionID, c.id)
		h.streams.UnregisterController(sessionID, c.id)
		h.mu.Lock()
		delete(h.controllers[sessionID], c.id)
		h.mu.Unlock()
		h.notifyPeers(sessionID, protocol.MsgControllerDisconnected, c.id)
	}

	log.Info().Str("conn", c.id).Str("role", r.String()).Msg("Connection closed")
}

// endSession closes a session and everything hanging off it: the stream
// endpoint, the command-rate buckets, and every controller-leg, which
// each receive a device_disconnected notice first.
func (h *Handler) endSession(sessionID, deviceID, reason string) {
	if !h.sessions.Close(sessionID) {
		return
	}

	h.notifyPeers(sessionID, protocol.MsgDeviceDisconnected, "")

	h.mu.Lock()
	legs := h.controllers[sessionID]
	delete(h.controllers, sessionID)
	h.mu.Unlock()
	for _, leg := range legs {
		leg.shutdown()
	}

	h.streams.UnregisterDevice(sessionID)
	h.limiter.Reset(sessionID)
	metrics.ActiveSessions.Set(float64(h.sessions.ActiveCount()))
	h.audit.LogSessionEnd(sessionID, deviceID, reason)
}

// ExpireSession is the sweeper callback: an idle session's legs are
// closed and the teardown audited.
func (h *Handler) ExpireSession(s session.Session) {
	h.mu.Lock()
	device := h.deviceLegs[s.ID]
	delete(h.deviceLegs, s.ID)
	legs := h.controllers[s.ID]
	delete(h.controllers, s.ID)
	h.mu.Unlock()

	if device != nil {
		device.shutdown()
	}
	for _, leg := range legs {
		leg.shutdown()
	}

	h.streams.UnregisterDevice(s.ID)
	h.limiter.Reset(s.ID)
	metrics.ActiveSessions.Set(float64(h.sessions.ActiveCount()))
	h.audit.LogSessionEnd(s.ID, s.DeviceID, "idle_timeout")
}

// CloseAll shuts every connection down. Used at server shutdown.
func (h *Handler) CloseAll() {
	h.mu.Lock()
	conns := make([]*conn, 0, len(h.conns))
	for _, c := range h.conns {
		conns = append(conns, c)
	}
	h.mu.Unlock()

	for _, c := range conns {
		c.shutdown()
	}
}

// videoConfigFor derives the stream parameters reported to controllers
// from the device's reported geometry.
func videoConfigFor(info protocol.DeviceInfo) protocol.VideoConfig {
	cfg := protocol.VideoConfig{Width: info.ScreenWidth, Height: info.ScreenHeight, Codec: "h264"}
	if cfg.Width == 0 || cfg.Height == 0 {
		cfg.Width, cfg.Height = 1080, 1920
	}
	return cfg
}

// decodeDeviceInfo converts the loose device_info object from an auth
// message into its typed form. Absent or malformed info yields zeroes.
func decodeDeviceInfo(v any) protocol.DeviceInfo {
	var info protocol.DeviceInfo
	obj, ok := v.(map[string]any)
	if !ok {
		return info
	}
	b, err := json.Marshal(obj)
	if err != nil {
		return info
	}
	_ = json.Unmarshal(b, &info)
	return info
}
