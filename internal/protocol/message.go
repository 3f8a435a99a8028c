package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Control-plane message kinds. Every JSON message on the wire carries a
// "type" field holding one of these strings; anything else is unknown
// and is relayed only on authenticated legs.
const (
	MsgAuthRequest            = "auth_request"
	MsgAuthResponse           = "auth_response"
	MsgDeviceHello            = "device_hello"
	MsgSessionCreated         = "session_created"
	MsgSessionJoined          = "session_joined"
	MsgJoinSession            = "join_session"
	MsgJoinResponse           = "join_response"
	MsgControllerConnected    = "controller_connected"
	MsgControllerDisconnected = "controller_disconnected"
	MsgDeviceDisconnected     = "device_disconnected"
	MsgTouch                  = "touch"
	MsgKey                    = "key"
	MsgSystem                 = "system"
	MsgAppControl             = "app_control"
	MsgMacro                  = "macro"
	MsgAI                     = "ai"
	MsgCommandResult          = "command_result"
	MsgPing                   = "ping"
	MsgPong                   = "pong"
	MsgStatus                 = "status"
	MsgError                  = "error"
)

// Error codes carried in error messages. Codes are opaque strings;
// clients must not parse them.
const (
	ErrCodeAuthFailed       = "ERR_AUTH_FAILED"
	ErrCodePermissionDenied = "ERR_PERMISSION_DENIED"
	ErrCodeDeviceBusy       = "ERR_DEVICE_BUSY"
	ErrCodeUnsupportedOp    = "ERR_UNSUPPORTED_OPERATION"
	ErrCodeInvalidCommand   = "ERR_INVALID_COMMAND"
	ErrCodeRateLimit        = "ERR_RATE_LIMIT"
	ErrCodeInternal         = "ERR_INTERNAL"
	ErrCodeSessionNotFound  = "SESSION_NOT_FOUND"
	ErrCodeInvalidToken     = "INVALID_TOKEN"
	ErrCodeUnauthorized     = "UNAUTHORIZED"
)

var (
	ErrNotJSON      = errors.New("message is not a JSON object")
	ErrMissingType  = errors.New("message has no type field")
	ErrMissingField = errors.New("message missing required field")
)

// Message is a loosely decoded control-plane message. Validation is
// structural; the relay never interprets command semantics beyond the
// fields listed in requiredFields.
type Message map[string]any

// DecodeMessage parses raw bytes into a Message and extracts the kind.
func DecodeMessage(raw []byte) (Message, string, error) {
	var m Message
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, "", fmt.Errorf("%w: %v", ErrNotJSON, err)
	}
	kind, ok := m["type"].(string)
	if !ok || kind == "" {
		return nil, "", ErrMissingType
	}
	return m, kind, nil
}

// requiredFields lists the per-kind structural requirements. Kinds not
// listed here need only the type field.
var requiredFields = map[string][]string{
	MsgAuthRequest: {"device_id", "secret"},
	MsgDeviceHello: {"device_id"},
	MsgJoinSession: {"session_id", "jwt_token"},
	MsgTouch:       {"action"},
	MsgKey:         {"action"},
	MsgSystem:      {"action"},
	MsgError:       {"code"},
}

// Validate checks the structural requirements for the message kind.
// Touch and key commands get coordinate and field checks matching what
// the device side expects; geometric clamping is the device's job.
func Validate(m Message, kind string) error {
	for _, f := range requiredFields[kind] {
		if _, ok := m[f]; !ok {
			return fmt.Errorf("%w: %s", ErrMissingField, f)
		}
	}
	switch kind {
	case MsgTouch:
		switch m["action"] {
		case "tap", "long_press":
			return needFields(m, "x", "y")
		case "swipe":
			return needFields(m, "start_x", "start_y", "end_x", "end_y")
		}
	case MsgKey:
		switch m["action"] {
		case "text":
			return needFields(m, "text")
		case "press":
			return needFields(m, "keycode")
		}
	}
	return nil
}

func needFields(m Message, fields ...string) error {
	for _, f := range fields {
		if _, ok := m[f]; !ok {
			return fmt.Errorf("%w: %s", ErrMissingField, f)
		}
	}
	return nil
}

// redactedFields never reach logs or the audit trail in the clear.
var redactedFields = map[string]bool{
	"jwt_token": true,
	"secret":    true,
	"password":  true,
}

// Sanitize returns a deep copy of the message with credential-bearing
// fields replaced by "***", including inside nested objects.
func Sanitize(m Message) Message {
	out := make(Message, len(m))
	for k, v := range m {
		if redactedFields[k] {
			out[k] = "***"
			continue
		}
		switch vv := v.(type) {
		case map[string]any:
			out[k] = map[string]any(Sanitize(vv))
		default:
			out[k] = v
		}
	}
	return out
}

// --- Server-emitted messages ---

// DeviceInfo mirrors the device_info object devices report at auth time
// and controllers receive on join.
type DeviceInfo struct {
	Model          string `json:"model"`
	AndroidVersion string `json:"android_version"`
	ScreenWidth    int    `json:"screen_width"`
	ScreenHeight   int    `json:"screen_height"`
	DPI            int    `json:"dpi"`
}

// VideoConfig is reported to controllers in join_response.
type VideoConfig struct {
	Width  int    `json:"width"`
	Height int    `json:"height"`
	Codec  string `json:"codec"`
}

type authResponse struct {
	Type       string `json:"type"`
	Success    bool   `json:"success"`
	SessionID  string `json:"session_id"`
	JWTToken   string `json:"jwt_token"`
	ExpiresAt  int64  `json:"expires_at"`
	ServerTime int64  `json:"server_time"`
}

type joinResponse struct {
	Type        string      `json:"type"`
	Success     bool        `json:"success"`
	DeviceInfo  DeviceInfo  `json:"device_info"`
	VideoConfig VideoConfig `json:"video_config"`
}

type errorMessage struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
	Details string `json:"details,omitempty"`
}

type peerEvent struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id"`
	Timestamp int64  `json:"timestamp"`
}

type pongMessage struct {
	Type      string `json:"type"`
	Timestamp int64  `json:"timestamp"`
}

// NewAuthResponse builds a successful auth_response for a device-leg.
func NewAuthResponse(sessionID, token string, expiresAt time.Time) []byte {
	return mustMarshal(authResponse{
		Type:       MsgAuthResponse,
		Success:    true,
		SessionID:  sessionID,
		JWTToken:   token,
		ExpiresAt:  expiresAt.UnixMilli(),
		ServerTime: time.Now().UnixMilli(),
	})
}

// NewSessionCreated builds the permissive-path reply to device_hello.
func NewSessionCreated(sessionID, token string, expiresAt time.Time) []byte {
	return mustMarshal(authResponse{
		Type:       MsgSessionCreated,
		Success:    true,
		SessionID:  sessionID,
		JWTToken:   token,
		ExpiresAt:  expiresAt.UnixMilli(),
		ServerTime: time.Now().UnixMilli(),
	})
}

// NewJoinResponse builds a successful join_response for a controller-leg.
func NewJoinResponse(info DeviceInfo, video VideoConfig) []byte {
	return mustMarshal(joinResponse{
		Type:        MsgJoinResponse,
		Success:     true,
		DeviceInfo:  info,
		VideoConfig: video,
	})
}

// NewError builds an error message with the given opaque code.
func NewError(code, message string) []byte {
	return mustMarshal(errorMessage{Type: MsgError, Code: code, Message: message})
}

// NewPeerEvent builds controller_connected / controller_disconnected /
// device_disconnected notifications.
func NewPeerEvent(kind, sessionID string) []byte {
	return mustMarshal(peerEvent{Type: kind, SessionID: sessionID, Timestamp: time.Now().UnixMilli()})
}

// NewPong builds a pong reply.
func NewPong() []byte {
	return mustMarshal(pongMessage{Type: MsgPong, Timestamp: time.Now().UnixMilli()})
}

func mustMarshal(v any) []byte {
	b, err := json.Marshal(v)
	if err != nil {
		// All inputs are server-built structs; marshal cannot fail.
		panic(err)
	}
	return b
}
