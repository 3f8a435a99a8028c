// Package protocol implements the ARCS wire protocol: the binary
// video-packet framing used on device-legs and the JSON control-plane
// messages exchanged by every peer.
//
// The binary layout is fixed and big-endian throughout. Both sides of the
// wire (device and controller) carry an independent implementation, so the
// encoder and decoder here must stay bit-for-bit compatible.
package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
)

// Protocol version.
const FrameVersion = 0x01

// Packet types. Only video frames are defined today; the remaining
// values are reserved.
const (
	PacketTypeVideo = 0x02
)

// Flag bits.
const (
	FlagKeyframe  = 1 << 0
	FlagEncrypted = 1 << 1
	FlagFragment  = 1 << 2
)

const (
	// fixedHeaderSize covers magic(4) + version(1) + type(1) + frame_no(4) +
	// timestamp(8) + flags(1) + payload_len(4).
	fixedHeaderSize = 23

	// fragmentExtSize covers fragment_index(2) + fragment_total(2).
	fragmentExtSize = 4

	crcSize = 4

	// MinPacketSize is the smallest well-formed packet: fixed header,
	// empty payload, trailing CRC.
	MinPacketSize = fixedHeaderSize + crcSize

	// MaxFragments bounds fragment_total; a frame that would need more
	// fragments than this cannot be encoded at the requested packet size.
	MaxFragments = 65535
)

// FrameMagic is the literal "ARCS" prefix of every binary packet.
var FrameMagic = [4]byte{0x41, 0x52, 0x43, 0x53}

var (
	ErrPacketTooShort    = errors.New("packet too short")
	ErrBadMagic          = errors.New("bad packet magic")
	ErrBadVersion        = errors.New("unsupported frame version")
	ErrBadPacketType     = errors.New("unknown packet type")
	ErrLengthMismatch    = errors.New("declared payload length inconsistent with packet size")
	ErrChecksum          = errors.New("crc mismatch")
	ErrPacketSizeTooSmall = errors.New("max packet size cannot hold a single payload byte")
	ErrTooManyFragments   = errors.New("payload requires too many fragments")
	ErrBadFragment        = errors.New("fragment index outside fragment total")
)

// Frame is one encoded video frame before packetization.
type Frame struct {
	FrameNo   uint32
	Timestamp uint64 // presentation time, microseconds
	Keyframe  bool
	Encrypted bool
	Payload   []byte
}

// Packet is one decoded wire packet: either a whole frame or one
// fragment of one.
type Packet struct {
	FrameNo       uint32
	Timestamp     uint64
	Keyframe      bool
	Encrypted     bool
	Fragmented    bool
	FragmentIndex uint16
	FragmentTotal uint16
	Payload       []byte
}

// StartsFrame reports whether this packet begins a new frame: either it
// is unfragmented or it is fragment 0 of its group. Stream accounting
// counts whole frames, not packets.
func (p Packet) StartsFrame() bool {
	return !p.Fragmented || p.FragmentIndex == 0
}

// EncodeFrame serializes a frame into one or more wire packets.
// maxPacketSize bounds the size of each encoded packet including header
// and CRC; pass 0 for no limit. Fragmentation happens only when the
// single-packet encoding would exceed the bound.
func EncodeFrame(f Frame, maxPacketSize int) ([][]byte, error) {
	whole := fixedHeaderSize + len(f.Payload) + crcSize
	if maxPacketSize <= 0 || whole <= maxPacketSize {
		return [][]byte{encodeOne(f.FrameNo, f.Timestamp, f.Keyframe, f.Encrypted, false, 0, 0, f.Payload)}, nil
	}

	chunk := maxPacketSize - fixedHeaderSize - fragmentExtSize - crcSize
	if chunk < 1 {
		return nil, ErrPacketSizeTooSmall
	}
	total := (len(f.Payload) + chunk - 1) / chunk
	if total > MaxFragments {
		return nil, ErrTooManyFragments
	}

	packets := make([][]byte, 0, total)
	for i := 0; i < total; i++ {
		lo := i * chunk
		hi := lo + chunk
		if hi > len(f.Payload) {
			hi = len(f.Payload)
		}
		// The keyframe bit travels on the first fragment only.
		key := f.Keyframe && i == 0
		packets = append(packets, encodeOne(
			f.FrameNo, f.Timestamp, key, f.Encrypted,
			true, uint16(i), uint16(total), f.Payload[lo:hi],
		))
	}
	return packets, nil
}

func encodeOne(frameNo uint32, ts uint64, keyframe, encrypted, fragment bool, idx, total uint16, payload []byte) []byte {
	size := fixedHeaderSize + len(payload) + crcSize
	if fragment {
		size += fragmentExtSize
	}
	buf := make([]byte, size)

	copy(buf[0:4], FrameMagic[:])
	buf[4] = FrameVersion
	buf[5] = PacketTypeVideo
	binary.BigEndian.PutUint32(buf[6:10], frameNo)
	binary.BigEndian.PutUint64(buf[10:18], ts)

	var flags byte
	if keyframe {
		flags |= FlagKeyframe
	}
	if encrypted {
		flags |= FlagEncrypted
	}
	if fragment {
		flags |= FlagFragment
	}
	buf[18] = flags
	binary.BigEndian.PutUint32(buf[19:23], uint32(len(payload)))

	off := fixedHeaderSize
	if fragment {
		binary.BigEndian.PutUint16(buf[off:off+2], idx)
		binary.BigEndian.PutUint16(buf[off+2:off+4], total)
		off += fragmentExtSize
	}
	copy(buf[off:], payload)
	off += len(payload)

	crc := crc32.ChecksumIEEE(buf[:off])
	binary.BigEndian.PutUint32(buf[off:], crc)
	return buf
}

// DecodePacket parses and validates one wire packet. Any structural
// inconsistency (magic, version, type, declared length, CRC) yields an
// error; callers drop the packet and count the reject.
func DecodePacket(data []byte) (Packet, error) {
	if len(data) < MinPacketSize {
		return Packet{}, ErrPacketTooShort
	}
	if data[0] != FrameMagic[0] || data[1] != FrameMagic[1] || data[2] != FrameMagic[2] || data[3] != FrameMagic[3] {
		return Packet{}, ErrBadMagic
	}
	if data[4] != FrameVersion {
		return Packet{}, fmt.Errorf("%w: 0x%02X", ErrBadVersion, data[4])
	}
	if data[5] != PacketTypeVideo {
		return Packet{}, fmt.Errorf("%w: 0x%02X", ErrBadPacketType, data[5])
	}

	flags := data[18]
	fragmented := flags&FlagFragment != 0
	headerSize := fixedHeaderSize
	if fragmented {
		headerSize += fragmentExtSize
	}
	payloadLen := binary.BigEndian.Uint32(data[19:23])
	want := headerSize + int(payloadLen) + crcSize
	if len(data) != want {
		return Packet{}, fmt.Errorf("%w: declared %d, packet %d", ErrLengthMismatch, want, len(data))
	}

	body := data[:len(data)-crcSize]
	sum := binary.BigEndian.Uint32(data[len(data)-crcSize:])
	if crc32.ChecksumIEEE(body) != sum {
		return Packet{}, ErrChecksum
	}

	p := Packet{
		FrameNo:    binary.BigEndian.Uint32(data[6:10]),
		Timestamp:  binary.BigEndian.Uint64(data[10:18]),
		Keyframe:   flags&FlagKeyframe != 0,
		Encrypted:  flags&FlagEncrypted != 0,
		Fragmented: fragmented,
	}
	off := fixedHeaderSize
	if fragmented {
		p.FragmentIndex = binary.BigEndian.Uint16(data[off : off+2])
		p.FragmentTotal = binary.BigEndian.Uint16(data[off+2 : off+4])
		off += fragmentExtSize
		if p.FragmentTotal == 0 || p.FragmentIndex >= p.FragmentTotal {
			return Packet{}, ErrBadFragment
		}
	}
	p.Payload = data[off : off+int(payloadLen)]
	return p, nil
}
