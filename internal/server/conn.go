package server

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/arcs-remote/arcs-server/internal/metrics"
)

const (
	// handshakeTimeout bounds the websocket upgrade.
	handshakeTimeout = 10 * time.Second

	// writeWait bounds a single websocket write.
	writeWait = 10 * time.Second

	// pongWait is how long a peer may stay silent before the read side
	// gives up; pings go out at a third of that.
	pongWait   = 90 * time.Second
	pingPeriod = 30 * time.Second

	// maxMessageSize bounds inbound messages. Large enough for a video
	// packet at the biggest fragment size plus headroom.
	maxMessageSize = 1 << 20

	// sendBuffer is the per-connection outbound queue for control-plane
	// messages only. Video takes the unbuffered handoff channel, so the
	// bounded frame queue stays the single point of slack.
	sendBuffer = 64
)

// closeGraceDelay is how long an error reply may sit with the peer
// before a misbehaving leg is closed. Package variable so tests can
// shorten it.
var closeGraceDelay = 5 * time.Second

type role int

const (
	roleNone role = iota
	roleDevice
	roleController
)

func (r role) String() string {
	switch r {
	case roleDevice:
		return "device"
	case roleController:
		return "controller"
	default:
		return "unauthenticated"
	}
}

// outbound is one queued websocket write.
type outbound struct {
	msgType int // websocket.TextMessage or websocket.BinaryMessage
	data    []byte
}

// conn is one websocket leg. Role starts as roleNone and is fixed by the
// first accepted auth or join message. Fields below mu are mutated only
// by the read pump and the teardown path.
type conn struct {
	id string
	ws *websocket.Conn

	send chan outbound
	// sendBin is deliberately unbuffered: at most one video packet sits
	// between the frame queue and the socket, keeping the queue's
	// drop-oldest bound the effective recency limit.
	sendBin chan []byte
	done    chan struct{}

	mu        sync.Mutex
	role      role
	deviceID  string
	sessionID string
	closeOnce sync.Once
}

func newConn(id string, ws *websocket.Conn) *conn {
	return &conn{
		id:      id,
		ws:      ws,
		send:    make(chan outbound, sendBuffer),
		sendBin: make(chan []byte),
		done:    make(chan struct{}),
	}
}

func (c *conn) setIdentity(r role, deviceID, sessionID string) {
	c.mu.Lock()
	c.role = r
	c.deviceID = deviceID
	c.sessionID = sessionID
	c.mu.Unlock()
}

func (c *conn) identity() (role, string, string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.role, c.deviceID, c.sessionID
}

// enqueueText queues a control-plane message. A full buffer means the
// peer has stopped reading; the message is dropped and the connection
// will be torn down by the ping machinery shortly.
func (c *conn) enqueueText(data []byte) {
	select {
	case c.send <- outbound{websocket.TextMessage, data}:
	case <-c.done:
	default:
		log.Warn().Str("conn", c.id).Msg("Send buffer full, dropping control message")
	}
}

// enqueueBinary hands a video packet to the write pump, blocking until
// it is taken or the connection is gone. Called only from the drain
// goroutine; the upstream frame queue keeps dropping oldest while this
// blocks.
func (c *conn) enqueueBinary(data []byte) bool {
	select {
	case c.sendBin <- data:
		return true
	case <-c.done:
		return false
	}
}

// closeAfterGrace schedules a shutdown, leaving the peer time to read
// the error reply that precedes it.
func (c *conn) closeAfterGrace() {
	time.AfterFunc(closeGraceDelay, c.shutdown)
}

// shutdown signals both pumps to exit. Safe to call more than once.
func (c *conn) shutdown() {
	c.closeOnce.Do(func() {
		close(c.done)
	})
}

// writePump drains the send channel to the socket and keeps the
// connection alive with periodic pings. One per connection.
func (c *conn) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		if r := recover(); r != nil {
			log.Error().Interface("panic", r).Str("conn", c.id).Msg("Write pump panic")
		}
		ticker.Stop()
		_ = c.ws.Close()
	}()

	for {
		select {
		case out := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(out.msgType, out.data); err != nil {
				log.Debug().Err(err).Str("conn", c.id).Msg("Write failed")
				return
			}
		case pkt := <-c.sendBin:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.BinaryMessage, pkt); err != nil {
				log.Debug().Err(err).Str("conn", c.id).Msg("Write failed")
				return
			}
		case <-ticker.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.done:
			// Flush messages queued just before shutdown (final error
			// replies in particular), then send a best-effort close
			// frame so well-behaved peers see a clean shutdown.
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			for {
				select {
				case out := <-c.send:
					if err := c.ws.WriteMessage(out.msgType, out.data); err != nil {
						return
					}
					continue
				default:
				}
				break
			}
			_ = c.ws.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "server closing"))
			return
		}
	}
}

// readPump reads messages and hands them to the handler until the
// socket errors or the connection is shut down.
func (c *conn) readPump(h *Handler) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().Interface("panic", r).Str("conn", c.id).Msg("Read pump panic")
		}
		h.disconnect(c)
	}()

	c.ws.SetReadLimit(maxMessageSize)
	_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		msgType, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Debug().Err(err).Str("conn", c.id).Msg("Unexpected close")
			}
			return
		}
		_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))

		switch msgType {
		case websocket.TextMessage:
			h.handleText(c, data)
		case websocket.BinaryMessage:
			h.handleBinary(c, data)
		default:
			metrics.InvalidPackets.Inc()
		}
	}
}
