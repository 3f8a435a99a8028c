package server

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arcs-remote/arcs-server/internal/config"
	"github.com/arcs-remote/arcs-server/internal/protocol"
)

func newTestServer(t *testing.T) (*Server, *httptest.Server) {
	t.Helper()
	dir := t.TempDir()
	cfg := &config.Config{
		ListenAddr:       ":0",
		TokenSecret:      "server-test-secret",
		TokenExpiryHours: 1,
		MaxSessions:      10,
		RegistryPath:     filepath.Join(dir, "devices.db"),
		AuditLogPath:     filepath.Join(dir, "audit.log"),
		LogLevel:         "error",
		LogFormat:        "json",
		IdleTimeout:      300 * time.Second,
	}
	require.NoError(t, cfg.Validate())

	srv, err := New(cfg)
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = srv.audit.Close()
		_ = srv.devices.Close()
	})

	ts := httptest.NewServer(srv.handler.Routes())
	t.Cleanup(ts.Close)
	return srv, ts
}

func dialWS(t *testing.T, ts *httptest.Server) *websocket.Conn {
	t.Helper()
	d := websocket.Dialer{
		Subprotocols:     []string{Subprotocol},
		HandshakeTimeout: 5 * time.Second,
	}
	ws, _, err := d.Dial("ws"+strings.TrimPrefix(ts.URL, "http")+"/ws", nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = ws.Close() })
	return ws
}

func writeJSONMsg(t *testing.T, ws *websocket.Conn, v any) {
	t.Helper()
	data, err := json.Marshal(v)
	require.NoError(t, err)
	require.NoError(t, ws.WriteMessage(websocket.TextMessage, data))
}

func readJSONMsg(t *testing.T, ws *websocket.Conn) map[string]any {
	t.Helper()
	require.NoError(t, ws.SetReadDeadline(time.Now().Add(3*time.Second)))
	mt, data, err := ws.ReadMessage()
	require.NoError(t, err)
	require.Equal(t, websocket.TextMessage, mt)
	var m map[string]any
	require.NoError(t, json.Unmarshal(data, &m))
	return m
}

// readUntilType skips interleaved notifications until a message of the
// wanted type arrives.
func readUntilType(t *testing.T, ws *websocket.Conn, want string) map[string]any {
	t.Helper()
	for i := 0; i < 10; i++ {
		m := readJSONMsg(t, ws)
		if m["type"] == want {
			return m
		}
	}
	t.Fatalf("never received a %q message", want)
	return nil
}

// authDevice registers a device and runs the auth_request handshake,
// returning the device leg plus the session id and token.
func authDevice(t *testing.T, srv *Server, ts *httptest.Server, deviceID string) (*websocket.Conn, string, string) {
	t.Helper()
	require.NoError(t, srv.devices.Register(deviceID, "s3cret-"+deviceID, "Pixel 8"))

	ws := dialWS(t, ts)
	writeJSONMsg(t, ws, map[string]any{
		"type":      "auth_request",
		"device_id": deviceID,
		"secret":    "s3cret-" + deviceID,
		"device_info": map[string]any{
			"model":          "Pixel 8",
			"screen_width":   1080,
			"screen_height":  2400,
			"dpi":            420,
		},
	})

	resp := readJSONMsg(t, ws)
	require.Equal(t, "auth_response", resp["type"])
	require.Equal(t, true, resp["success"])

	sessionID, _ := resp["session_id"].(string)
	tok, _ := resp["jwt_token"].(string)
	require.Len(t, sessionID, 8)
	require.NotEmpty(t, tok)
	return ws, sessionID, tok
}

func joinSession(t *testing.T, ts *httptest.Server, sessionID, tok string) *websocket.Conn {
	t.Helper()
	ws := dialWS(t, ts)
	writeJSONMsg(t, ws, map[string]any{
		"type":       "join_session",
		"session_id": sessionID,
		"jwt_token":  tok,
	})
	resp := readJSONMsg(t, ws)
	require.Equal(t, "join_response", resp["type"])
	require.Equal(t, true, resp["success"])
	return ws
}

func TestDeviceAuthAndControllerJoin(t *testing.T) {
	srv, ts := newTestServer(t)

	device, sessionID, tok := authDevice(t, srv, ts, "dev-1")
	controller := joinSession(t, ts, sessionID, tok)

	// The device hears about the new controller.
	ev := readUntilType(t, device, "controller_connected")
	assert.Equal(t, sessionID, ev["session_id"])

	_ = controller
}

func TestFrameRelayedToController(t *testing.T) {
	srv, ts := newTestServer(t)

	device, sessionID, tok := authDevice(t, srv, ts, "dev-1")
	controller := joinSession(t, ts, sessionID, tok)

	payload := bytes.Repeat([]byte{0xAB}, 512)
	packets, err := protocol.EncodeFrame(protocol.Frame{
		FrameNo:   7,
		Timestamp: 1234567,
		Keyframe:  true,
		Payload:   payload,
	}, 0)
	require.NoError(t, err)
	require.Len(t, packets, 1)

	require.NoError(t, device.WriteMessage(websocket.BinaryMessage, packets[0]))

	require.NoError(t, controller.SetReadDeadline(time.Now().Add(3*time.Second)))
	mt, data, err := controller.ReadMessage()
	require.NoError(t, err)
	require.Equal(t, websocket.BinaryMessage, mt)
	assert.Equal(t, packets[0], data, "packet bytes pass through unmodified")

	pkt, err := protocol.DecodePacket(data)
	require.NoError(t, err)
	assert.Equal(t, uint32(7), pkt.FrameNo)
	assert.True(t, pkt.Keyframe)
	assert.Equal(t, payload, pkt.Payload)
}

func TestCommandForwardedToDevice(t *testing.T) {
	srv, ts := newTestServer(t)

	device, sessionID, tok := authDevice(t, srv, ts, "dev-1")
	controller := joinSession(t, ts, sessionID, tok)

	writeJSONMsg(t, controller, map[string]any{
		"type": "touch", "action": "tap", "x": 540, "y": 1200,
	})

	got := readUntilType(t, device, "touch")
	assert.Equal(t, "tap", got["action"])
	assert.Equal(t, float64(540), got["x"])
	assert.Equal(t, float64(1200), got["y"])
}

func TestCommandResultFansOutToControllers(t *testing.T) {
	srv, ts := newTestServer(t)

	device, sessionID, tok := authDevice(t, srv, ts, "dev-1")
	controllerA := joinSession(t, ts, sessionID, tok)
	controllerB := joinSession(t, ts, sessionID, tok)

	writeJSONMsg(t, device, map[string]any{
		"type": "command_result", "original_type": "touch", "success": true,
	})

	for _, c := range []*websocket.Conn{controllerA, controllerB} {
		got := readUntilType(t, c, "command_result")
		assert.Equal(t, true, got["success"])
	}
}

func TestDeviceHelloPermissivePath(t *testing.T) {
	_, ts := newTestServer(t)

	ws := dialWS(t, ts)
	writeJSONMsg(t, ws, map[string]any{
		"type": "device_hello", "device_id": "unregistered-dev",
	})

	resp := readJSONMsg(t, ws)
	assert.Equal(t, "session_created", resp["type"])
	assert.Equal(t, true, resp["success"])
	assert.Len(t, resp["session_id"], 8)
	assert.NotEmpty(t, resp["jwt_token"])
}

func TestAuthWrongSecretRejected(t *testing.T) {
	srv, ts := newTestServer(t)
	require.NoError(t, srv.devices.Register("dev-1", "right", "Pixel"))

	ws := dialWS(t, ts)
	writeJSONMsg(t, ws, map[string]any{
		"type": "auth_request", "device_id": "dev-1", "secret": "wrong",
	})

	resp := readJSONMsg(t, ws)
	assert.Equal(t, "error", resp["type"])
	assert.Equal(t, protocol.ErrCodeAuthFailed, resp["code"])

	// The leg is closed after the rejection.
	require.NoError(t, ws.SetReadDeadline(time.Now().Add(3*time.Second)))
	_, _, err := ws.ReadMessage()
	assert.Error(t, err)
}

func TestJoinWithForgedTokenRejected(t *testing.T) {
	srv, ts := newTestServer(t)
	_, sessionID, _ := authDevice(t, srv, ts, "dev-1")

	ws := dialWS(t, ts)
	writeJSONMsg(t, ws, map[string]any{
		"type": "join_session", "session_id": sessionID, "jwt_token": "not.a.token",
	})

	resp := readJSONMsg(t, ws)
	assert.Equal(t, "error", resp["type"])
	assert.Equal(t, protocol.ErrCodeInvalidToken, resp["code"])
}

func TestJoinWrongSessionForToken(t *testing.T) {
	srv, ts := newTestServer(t)
	_, _, tokA := authDevice(t, srv, ts, "dev-a")
	_, sessionB, _ := authDevice(t, srv, ts, "dev-b")

	ws := dialWS(t, ts)
	writeJSONMsg(t, ws, map[string]any{
		"type": "join_session", "session_id": sessionB, "jwt_token": tokA,
	})

	resp := readJSONMsg(t, ws)
	assert.Equal(t, "error", resp["type"])
	assert.Equal(t, protocol.ErrCodeUnauthorized, resp["code"])
}

func TestUnauthenticatedCommandRejected(t *testing.T) {
	_, ts := newTestServer(t)

	ws := dialWS(t, ts)
	writeJSONMsg(t, ws, map[string]any{
		"type": "touch", "action": "tap", "x": 1, "y": 2,
	})

	resp := readJSONMsg(t, ws)
	assert.Equal(t, "error", resp["type"])
	assert.Equal(t, protocol.ErrCodeUnauthorized, resp["code"])
}

func TestPingBeforeAuth(t *testing.T) {
	_, ts := newTestServer(t)

	ws := dialWS(t, ts)
	writeJSONMsg(t, ws, map[string]any{"type": "ping"})
	resp := readJSONMsg(t, ws)
	assert.Equal(t, "pong", resp["type"])
}

func TestInvalidBinaryPacketDoesNotKillLeg(t *testing.T) {
	srv, ts := newTestServer(t)
	device, _, _ := authDevice(t, srv, ts, "dev-1")

	require.NoError(t, device.WriteMessage(websocket.BinaryMessage, []byte("garbage")))

	// The leg is still serviceable.
	writeJSONMsg(t, device, map[string]any{"type": "ping"})
	resp := readJSONMsg(t, device)
	assert.Equal(t, "pong", resp["type"])
}

func TestDeviceDisconnectNotifiesControllers(t *testing.T) {
	srv, ts := newTestServer(t)

	device, sessionID, tok := authDevice(t, srv, ts, "dev-1")
	controller := joinSession(t, ts, sessionID, tok)

	require.NoError(t, device.Close())

	ev := readUntilType(t, controller, "device_disconnected")
	assert.Equal(t, sessionID, ev["session_id"])

	// Session is gone.
	require.Eventually(t, func() bool {
		_, ok := srv.sessions.Get(sessionID)
		return !ok
	}, 2*time.Second, 20*time.Millisecond)
}

func TestDeviceReconnectAdoptsSession(t *testing.T) {
	srv, ts := newTestServer(t)

	_, sessionID, _ := authDevice(t, srv, ts, "dev-1")

	// Same device authenticates again on a fresh connection.
	ws := dialWS(t, ts)
	writeJSONMsg(t, ws, map[string]any{
		"type": "auth_request", "device_id": "dev-1", "secret": "s3cret-dev-1",
	})
	resp := readJSONMsg(t, ws)
	require.Equal(t, "auth_response", resp["type"])
	assert.Equal(t, sessionID, resp["session_id"], "repeat auth resumes the existing session")
	assert.Equal(t, 1, srv.sessions.ActiveCount())
}

func TestIdleExpiryClosesLegs(t *testing.T) {
	srv, ts := newTestServer(t)

	device, sessionID, tok := authDevice(t, srv, ts, "dev-1")
	controller := joinSession(t, ts, sessionID, tok)

	snap, ok := srv.sessions.Get(sessionID)
	require.True(t, ok)
	require.True(t, srv.sessions.Close(sessionID))
	srv.handler.ExpireSession(snap)

	for _, ws := range []*websocket.Conn{device, controller} {
		require.NoError(t, ws.SetReadDeadline(time.Now().Add(3*time.Second)))
		var err error
		for err == nil {
			_, _, err = ws.ReadMessage()
		}
		assert.Error(t, err)
	}

	data, err := os.ReadFile(srv.cfg.AuditLogPath)
	require.NoError(t, err)
	assert.Contains(t, string(data), "idle_timeout")
}

func TestHealthEndpointShape(t *testing.T) {
	srv, ts := newTestServer(t)
	authDevice(t, srv, ts, "dev-1")

	resp, err := http.Get(ts.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, float64(1), body["sessions"])
	ts0, ok := body["timestamp"].(float64)
	require.True(t, ok, "timestamp must be present")
	assert.InDelta(t, float64(time.Now().UnixMilli()), ts0, float64(time.Minute.Milliseconds()))
}

func TestRegistrationAPI(t *testing.T) {
	srv, ts := newTestServer(t)

	body := strings.NewReader(`{"device_id":"dev-api","device_secret":"s3cret","device_model":"Pixel"}`)
	resp, err := http.Post(ts.URL+"/api/devices/register", "application/json", body)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var out map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	assert.Equal(t, true, out["success"])
	assert.Equal(t, "dev-api", out["deviceId"])
	assert.NotEmpty(t, out["token"])

	assert.True(t, srv.devices.Authenticate("dev-api", "s3cret"))

	// Duplicate registration conflicts.
	body2 := strings.NewReader(`{"device_id":"dev-api","device_secret":"other","device_model":"Pixel"}`)
	resp2, err := http.Post(ts.URL+"/api/devices/register", "application/json", body2)
	require.NoError(t, err)
	defer resp2.Body.Close()
	assert.Equal(t, http.StatusConflict, resp2.StatusCode)
}

func TestRegistrationGeneratesSecret(t *testing.T) {
	srv, ts := newTestServer(t)

	body := strings.NewReader(`{"device_id":"dev-gen","device_model":"Pixel"}`)
	resp, err := http.Post(ts.URL+"/api/devices/register", "application/json", body)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var out map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	secret, ok := out["secret"].(string)
	require.True(t, ok)
	require.NotEmpty(t, secret)
	require.NotEmpty(t, out["token"])

	assert.True(t, srv.devices.Authenticate("dev-gen", secret))
}

func shortenCloseGrace(t *testing.T) {
	t.Helper()
	old := closeGraceDelay
	closeGraceDelay = 100 * time.Millisecond
	t.Cleanup(func() { closeGraceDelay = old })
}

// expectClosed reads until the peer closes the leg or the deadline
// expires.
func expectClosed(t *testing.T, ws *websocket.Conn) {
	t.Helper()
	require.NoError(t, ws.SetReadDeadline(time.Now().Add(3*time.Second)))
	var err error
	for err == nil {
		_, _, err = ws.ReadMessage()
	}
	require.Error(t, err)
	assert.False(t, strings.Contains(err.Error(), "timeout"), "leg was never closed: %v", err)
}

func TestRateLimitedAuthKeepsConnectionOpen(t *testing.T) {
	_, ts := newTestServer(t)

	// The auth budget is 5 attempts; burn it across separate legs.
	for i := 0; i < 5; i++ {
		ws := dialWS(t, ts)
		writeJSONMsg(t, ws, map[string]any{"type": "device_hello", "device_id": "flood-dev"})
		resp := readJSONMsg(t, ws)
		require.Equal(t, "session_created", resp["type"])
	}

	ws := dialWS(t, ts)
	writeJSONMsg(t, ws, map[string]any{"type": "device_hello", "device_id": "flood-dev"})
	resp := readJSONMsg(t, ws)
	require.Equal(t, "error", resp["type"])
	require.Equal(t, protocol.ErrCodeRateLimit, resp["code"])

	// The leg stays serviceable for a later retry.
	writeJSONMsg(t, ws, map[string]any{"type": "ping"})
	pong := readJSONMsg(t, ws)
	assert.Equal(t, "pong", pong["type"])
}

func TestUnauthenticatedLegClosedAfterGrace(t *testing.T) {
	_, ts := newTestServer(t)
	shortenCloseGrace(t)

	ws := dialWS(t, ts)
	writeJSONMsg(t, ws, map[string]any{"type": "touch", "action": "tap", "x": 1, "y": 2})

	resp := readJSONMsg(t, ws)
	require.Equal(t, "error", resp["type"])
	require.Equal(t, protocol.ErrCodeUnauthorized, resp["code"])

	expectClosed(t, ws)
}

func TestJoinUnknownSessionClosesLeg(t *testing.T) {
	srv, ts := newTestServer(t)
	shortenCloseGrace(t)

	_, sessionID, tok := authDevice(t, srv, ts, "dev-1")
	require.True(t, srv.sessions.Close(sessionID))

	ws := dialWS(t, ts)
	writeJSONMsg(t, ws, map[string]any{
		"type": "join_session", "session_id": sessionID, "jwt_token": tok,
	})
	resp := readJSONMsg(t, ws)
	require.Equal(t, "error", resp["type"])
	require.Equal(t, protocol.ErrCodeSessionNotFound, resp["code"])

	expectClosed(t, ws)
}

func TestFragmentedFrameRelayedPacketForPacket(t *testing.T) {
	srv, ts := newTestServer(t)

	device, sessionID, tok := authDevice(t, srv, ts, "dev-1")
	controller := joinSession(t, ts, sessionID, tok)

	payload := bytes.Repeat([]byte{0xCD}, 300)
	packets, err := protocol.EncodeFrame(protocol.Frame{
		FrameNo: 3, Timestamp: 99, Keyframe: true, Payload: payload,
	}, 150)
	require.NoError(t, err)
	require.Greater(t, len(packets), 1)

	for _, pkt := range packets {
		require.NoError(t, device.WriteMessage(websocket.BinaryMessage, pkt))
	}

	for i, want := range packets {
		require.NoError(t, controller.SetReadDeadline(time.Now().Add(3*time.Second)))
		mt, data, err := controller.ReadMessage()
		require.NoError(t, err)
		require.Equal(t, websocket.BinaryMessage, mt)
		assert.Equal(t, want, data, "fragment %d relayed unmodified", i)
	}

	require.Eventually(t, func() bool {
		stats, ok := srv.handler.streams.Stats(sessionID)
		return ok && stats.FramesIn == 1
	}, 2*time.Second, 20*time.Millisecond, "a fragment group counts as one frame")
}

func TestBinaryHandoffHasNoSlack(t *testing.T) {
	c := newConn("c1", nil)

	result := make(chan bool, 1)
	go func() { result <- c.enqueueBinary([]byte("pkt")) }()

	// With no write pump the handoff must block rather than buffer.
	select {
	case <-result:
		t.Fatal("binary handoff buffered a packet")
	case <-time.After(50 * time.Millisecond):
	}

	c.shutdown()
	select {
	case ok := <-result:
		assert.False(t, ok)
	case <-time.After(time.Second):
		t.Fatal("handoff not released by shutdown")
	}
}

func TestPingCountsAsSessionActivity(t *testing.T) {
	srv, ts := newTestServer(t)
	device, sessionID, _ := authDevice(t, srv, ts, "dev-1")

	before, ok := srv.sessions.Get(sessionID)
	require.True(t, ok)
	time.Sleep(20 * time.Millisecond)

	writeJSONMsg(t, device, map[string]any{"type": "ping"})
	resp := readJSONMsg(t, device)
	require.Equal(t, "pong", resp["type"])

	after, ok := srv.sessions.Get(sessionID)
	require.True(t, ok)
	assert.True(t, after.LastActivity.After(before.LastActivity),
		"ping must refresh the idle clock")
}

func TestSessionStatsEndpoint(t *testing.T) {
	srv, ts := newTestServer(t)
	device, sessionID, tok := authDevice(t, srv, ts, "dev-1")
	controller := joinSession(t, ts, sessionID, tok)

	packets, err := protocol.EncodeFrame(protocol.Frame{FrameNo: 1, Payload: []byte("abc")}, 0)
	require.NoError(t, err)
	require.NoError(t, device.WriteMessage(websocket.BinaryMessage, packets[0]))

	// Wait for the frame to traverse the relay.
	require.NoError(t, controller.SetReadDeadline(time.Now().Add(3*time.Second)))
	_, _, err = controller.ReadMessage()
	require.NoError(t, err)

	resp, err := http.Get(fmt.Sprintf("%s/api/sessions/%s/stats", ts.URL, sessionID))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var stats map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&stats))
	assert.Equal(t, float64(1), stats["frames_in"])
	assert.Equal(t, float64(1), stats["controllers"])
}
