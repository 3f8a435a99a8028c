// Package command validates, rate-limits, and audits control commands
// on their way from controller-legs to a session's device-leg.
package command

import (
	"encoding/json"

	"github.com/rs/zerolog/log"

	"github.com/arcs-remote/arcs-server/internal/audit"
	"github.com/arcs-remote/arcs-server/internal/metrics"
	"github.com/arcs-remote/arcs-server/internal/protocol"
	"github.com/arcs-remote/arcs-server/internal/ratelimit"
)

// Router gates the controller→device command path. Device→controller
// traffic passes through untouched.
type Router struct {
	limiter *ratelimit.Limiter
	audit   *audit.Logger
}

// NewRouter wires the command router to its limiter and audit trail.
func NewRouter(limiter *ratelimit.Limiter, auditLog *audit.Logger) *Router {
	return &Router{limiter: limiter, audit: auditLog}
}

// RouteToDevice runs a controller command through validation and rate
// limiting. On acceptance it returns the original bytes to forward to
// the device-leg and a nil reply; on rejection it returns nil and an
// error envelope to send back to the controller.
func (r *Router) RouteToDevice(sessionID string, raw []byte) (forward, reply []byte) {
	msg, kind, err := protocol.DecodeMessage(raw)
	if err != nil {
		log.Warn().Err(err).Str("session", sessionID).Msg("Malformed command")
		return nil, protocol.NewError(protocol.ErrCodeInvalidCommand, "malformed command")
	}
	if err := protocol.Validate(msg, kind); err != nil {
		log.Warn().Err(err).Str("session", sessionID).Str("kind", kind).Msg("Invalid command")
		return nil, protocol.NewError(protocol.ErrCodeInvalidCommand, err.Error())
	}

	if op, limited := rateOp(msg, kind); limited && !r.limiter.Allow(sessionID, op) {
		metrics.CommandsRateLimited.Inc()
		log.Info().Str("session", sessionID).Str("kind", kind).Msg("Command rate limited")
		r.audit.Log(audit.RateLimitExceeded, audit.SeverityWarning, sessionID,
			"command rate limit exceeded", map[string]string{"kind": kind})
		return nil, protocol.NewError(protocol.ErrCodeRateLimit, "too many requests, slow down")
	}

	r.logAccepted(sessionID, kind, msg)
	metrics.CommandsForwarded.Inc()
	return raw, nil
}

// RouteToController forwards a device message (command_result, status,
// pong) to the session's controllers with no validation beyond a
// debug log.
func (r *Router) RouteToController(sessionID string, raw []byte) []byte {
	log.Debug().Str("session", sessionID).Int("bytes", len(raw)).Msg("Routing to controllers")
	return raw
}

// rateOp maps a command to its limiter operation. Key presses and
// combinations are deliberately unmetered, as are unknown kinds; the
// device rejects anything it does not understand.
func rateOp(msg protocol.Message, kind string) (ratelimit.Op, bool) {
	switch kind {
	case protocol.MsgTouch:
		return ratelimit.OpTouch, true
	case protocol.MsgKey:
		if msg["action"] == "text" {
			return ratelimit.OpText, true
		}
	case protocol.MsgMacro:
		return ratelimit.OpMacro, true
	case protocol.MsgAI:
		if a, _ := msg["action"].(string); a == "ocr" || a == "detect_ui" {
			return ratelimit.OpAI, true
		}
	}
	return "", false
}

// logAccepted writes the sanitized command to the audit trail. The
// original bytes, which may carry credentials, never reach the log.
func (r *Router) logAccepted(sessionID, kind string, msg protocol.Message) {
	sanitized, err := json.Marshal(protocol.Sanitize(msg))
	if err != nil {
		sanitized = []byte(`{}`)
	}
	r.audit.Log(audit.CommandReceived, audit.SeverityInfo, sessionID, "command accepted", map[string]string{
		"kind":    kind,
		"command": string(sanitized),
	})
}
