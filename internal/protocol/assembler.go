package protocol

import (
	"bytes"
	"time"
)

// AssemblerTimeout is how long an incomplete fragment group may sit in
// the assembler before it is eligible for discard.
const AssemblerTimeout = time.Second

// Assembler reassembles fragmented frames. Packets for distinct frame
// numbers may interleave freely; within a group the payload is
// concatenated in index order. Incomplete groups are discarded once a
// newer group completes, or after AssemblerTimeout, so memory stays
// bounded even when fragments are lost.
//
// Assembler is not safe for concurrent use; each receiving endpoint
// owns one.
type Assembler struct {
	groups  map[uint32]*fragmentGroup
	now     func() time.Time
	dropped uint64
}

type fragmentGroup struct {
	total     uint16
	received  uint16
	parts     [][]byte
	keyframe  bool
	encrypted bool
	timestamp uint64
	started   time.Time
}

// NewAssembler returns an empty assembler.
func NewAssembler() *Assembler {
	return &Assembler{
		groups: make(map[uint32]*fragmentGroup),
		now:    time.Now,
	}
}

// Dropped returns the number of fragment groups discarded incomplete.
func (a *Assembler) Dropped() uint64 { return a.dropped }

// Add feeds one decoded packet in. It returns the completed frame and
// true once a whole frame is available, which for an unfragmented
// packet is immediately.
func (a *Assembler) Add(p Packet) (Frame, bool) {
	if !p.Fragmented {
		return Frame{
			FrameNo:   p.FrameNo,
			Timestamp: p.Timestamp,
			Keyframe:  p.Keyframe,
			Encrypted: p.Encrypted,
			Payload:   p.Payload,
		}, true
	}

	g, ok := a.groups[p.FrameNo]
	if !ok {
		g = &fragmentGroup{
			total:     p.FragmentTotal,
			parts:     make([][]byte, p.FragmentTotal),
			encrypted: p.Encrypted,
			timestamp: p.Timestamp,
			started:   a.now(),
		}
		a.groups[p.FrameNo] = g
	}
	if p.FragmentTotal != g.total || int(p.FragmentIndex) >= len(g.parts) {
		// Inconsistent group; throw the whole thing away.
		delete(a.groups, p.FrameNo)
		a.dropped++
		return Frame{}, false
	}
	if g.parts[p.FragmentIndex] == nil {
		g.parts[p.FragmentIndex] = p.Payload
		g.received++
	}
	if p.FragmentIndex == 0 {
		g.keyframe = p.Keyframe
	}

	if g.received < g.total {
		a.expire()
		return Frame{}, false
	}

	delete(a.groups, p.FrameNo)
	f := Frame{
		FrameNo:   p.FrameNo,
		Timestamp: g.timestamp,
		Keyframe:  g.keyframe,
		Encrypted: g.encrypted,
		Payload:   bytes.Join(g.parts, nil),
	}
	// A completed frame obsoletes any still-pending older groups.
	for no := range a.groups {
		if no < p.FrameNo {
			delete(a.groups, no)
			a.dropped++
		}
	}
	return f, true
}

func (a *Assembler) expire() {
	cutoff := a.now().Add(-AssemblerTimeout)
	for no, g := range a.groups {
		if g.started.Before(cutoff) {
			delete(a.groups, no)
			a.dropped++
		}
	}
}
