// Package stream fans encoded video packets out from a session's
// device-leg to every attached controller-leg. Each controller owns an
// independent bounded queue, so a slow controller drops its own frames
// without stalling the device or its peers.
package stream

import (
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/arcs-remote/arcs-server/internal/metrics"
)

// Stats is a snapshot of one session's stream counters.
type Stats struct {
	FramesIn      uint64
	BytesIn       uint64
	FramesDropped uint64
	AvgFrameSize  float64
}

// endpoint is the per-session fan-out state. Its own mutex keeps frame
// routing for one session from blocking another; the router mutex only
// guards the endpoint table.
type endpoint struct {
	mu          sync.Mutex
	sessionID   string
	deviceID    string
	order       []string // controller registration order
	queues      map[string]*Queue
	framesIn    uint64
	bytesIn     uint64
	dropped     uint64
}

// Router owns the endpoint table. Lock order is router → endpoint;
// never the reverse.
type Router struct {
	mu        sync.Mutex
	endpoints map[string]*endpoint
}

// NewRouter creates an empty stream router.
func NewRouter() *Router {
	return &Router{endpoints: make(map[string]*endpoint)}
}

// RegisterDevice creates the endpoint for a session. Idempotent.
func (r *Router) RegisterDevice(sessionID, deviceID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.endpoints[sessionID]; ok {
		return
	}
	r.endpoints[sessionID] = &endpoint{
		sessionID: sessionID,
		deviceID:  deviceID,
		queues:    make(map[string]*Queue),
	}
	log.Debug().Str("session", sessionID).Str("device", deviceID).Msg("Stream endpoint created")
}

// RegisterController attaches a controller queue to the session and
// returns it; the caller starts a drain goroutine on it. Returns nil
// if the session has no endpoint.
func (r *Router) RegisterController(sessionID, controllerID string) *Queue {
	r.mu.Lock()
	ep, ok := r.endpoints[sessionID]
	r.mu.Unlock()
	if !ok {
		return nil
	}

	ep.mu.Lock()
	defer ep.mu.Unlock()

	if q, ok := ep.queues[controllerID]; ok {
		return q
	}
	q := NewQueue(MaxQueue)
	ep.queues[controllerID] = q
	ep.order = append(ep.order, controllerID)
	return q
}

// UnregisterController removes one controller queue and wakes its
// drain goroutine.
func (r *Router) UnregisterController(sessionID, controllerID string) {
	r.mu.Lock()
	ep, ok := r.endpoints[sessionID]
	r.mu.Unlock()
	if !ok {
		return
	}

	ep.mu.Lock()
	defer ep.mu.Unlock()

	q, ok := ep.queues[controllerID]
	if !ok {
		return
	}
	q.Close()
	delete(ep.queues, controllerID)
	for i, id := range ep.order {
		if id == controllerID {
			ep.order = append(ep.order[:i], ep.order[i+1:]...)
			break
		}
	}
}

// UnregisterDevice tears the whole endpoint down, closing every
// controller queue.
func (r *Router) UnregisterDevice(sessionID string) {
	r.mu.Lock()
	ep, ok := r.endpoints[sessionID]
	if ok {
		delete(r.endpoints, sessionID)
	}
	r.mu.Unlock()
	if !ok {
		return
	}

	ep.mu.Lock()
	defer ep.mu.Unlock()
	for _, q := range ep.queues {
		q.Close()
	}
	ep.queues = make(map[string]*Queue)
	ep.order = nil
}

// RouteFrame enqueues one wire packet into every controller queue.
// startsFrame marks the packet that begins a new frame (unfragmented,
// or fragment 0) so fragmented frames count once in the stats. The
// packet bytes were copied once by the reader and are shared read-only
// across queues.
func (r *Router) RouteFrame(sessionID string, pkt []byte, startsFrame bool) {
	r.mu.Lock()
	ep, ok := r.endpoints[sessionID]
	r.mu.Unlock()
	if !ok {
		return
	}

	ep.mu.Lock()
	defer ep.mu.Unlock()

	if startsFrame {
		ep.framesIn++
	}
	ep.bytesIn += uint64(len(pkt))
	metrics.BytesRouted.Add(float64(len(pkt)))

	for _, id := range ep.order {
		if ep.queues[id].Push(pkt) {
			ep.dropped++
			metrics.FramesDropped.Inc()
		}
		metrics.FramesRouted.Inc()
	}
}

// GetFrame dequeues the next packet for a controller without blocking.
func (r *Router) GetFrame(sessionID, controllerID string) ([]byte, bool) {
	r.mu.Lock()
	ep, ok := r.endpoints[sessionID]
	r.mu.Unlock()
	if !ok {
		return nil, false
	}

	ep.mu.Lock()
	q, ok := ep.queues[controllerID]
	ep.mu.Unlock()
	if !ok {
		return nil, false
	}
	return q.TryPop()
}

// Stats returns a snapshot of the session's stream counters.
func (r *Router) Stats(sessionID string) (Stats, bool) {
	r.mu.Lock()
	ep, ok := r.endpoints[sessionID]
	r.mu.Unlock()
	if !ok {
		return Stats{}, false
	}

	ep.mu.Lock()
	defer ep.mu.Unlock()

	s := Stats{
		FramesIn:      ep.framesIn,
		BytesIn:       ep.bytesIn,
		FramesDropped: ep.dropped,
	}
	if ep.framesIn > 0 {
		s.AvgFrameSize = float64(ep.bytesIn) / float64(ep.framesIn)
	}
	return s, true
}

// ControllerDropped reports the drop counter of one controller queue.
func (r *Router) ControllerDropped(sessionID, controllerID string) uint64 {
	r.mu.Lock()
	ep, ok := r.endpoints[sessionID]
	r.mu.Unlock()
	if !ok {
		return 0
	}

	ep.mu.Lock()
	defer ep.mu.Unlock()
	if q, ok := ep.queues[controllerID]; ok {
		return q.Dropped()
	}
	return 0
}
