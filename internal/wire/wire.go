// Package wire implements the 12-byte packet header and the chunk hashing
// primitive shared by every other package. Nothing in here touches the
// network, a file, or a clock.
package wire

import (
	"crypto/sha1"
	"encoding/binary"
	"fmt"
)

// Type identifies the six packet kinds carried over the datagram substrate.
type Type uint8

const (
	WHOHAS Type = 0
	IHAVE  Type = 1
	GET    Type = 2
	DATA   Type = 3
	ACK    Type = 4
	DENIED Type = 5
)

func (t Type) String() string {
	switch t {
	case WHOHAS:
		return "WHOHAS"
	case IHAVE:
		return "IHAVE"
	case GET:
		return "GET"
	case DATA:
		return "DATA"
	case ACK:
		return "ACK"
	case DENIED:
		return "DENIED"
	default:
		return fmt.Sprintf("TYPE(%d)", uint8(t))
	}
}

const (
	// HeaderLen is the fixed header size in bytes: type, header length,
	// total length, sequence number, ack number.
	HeaderLen = 12
	// MaxDatagram is the largest packet this protocol ever puts on the wire.
	MaxDatagram = 1400
	// MaxPayload is the largest DATA payload a single packet may carry.
	MaxPayload = MaxDatagram - HeaderLen
	// ChunkSize is the fixed size of every chunk in the system.
	ChunkSize = 524288
	// HashLen is the length of a chunk's SHA-1 identifier.
	HashLen = 20
)

// Hash identifies a chunk by the SHA-1 of its bytes.
type Hash [HashLen]byte

func (h Hash) String() string {
	const hextable = "0123456789abcdef"
	buf := make([]byte, HashLen*2)
	for i, b := range h {
		buf[i*2] = hextable[b>>4]
		buf[i*2+1] = hextable[b&0x0f]
	}
	return string(buf)
}

// HashChunk returns the SHA-1 identifier of b.
func HashChunk(b []byte) Hash {
	return Hash(sha1.Sum(b))
}

// NumPackets returns the number of MSS-sized DATA packets a full chunk
// splits into: ceil(ChunkSize / MSS).
func NumPackets(mss int) uint32 {
	return uint32((ChunkSize + mss - 1) / mss)
}

// Header is the fixed 12-byte packet header, decoded into fields.
type Header struct {
	Type     Type
	HdrLen   uint8
	TotalLen uint16
	Seq      uint32
	Ack      uint32
}

// Packet is a decoded header plus its payload slice (aliasing the input
// buffer — callers that retain a Packet past the lifetime of the buffer it
// was decoded from must copy Payload themselves).
type Packet struct {
	Header
	Payload []byte
}

// Encode serializes p into a freshly allocated buffer.
func Encode(p Packet) []byte {
	total := HeaderLen + len(p.Payload)
	buf := make([]byte, total)
	buf[0] = byte(p.Type)
	buf[1] = HeaderLen
	binary.BigEndian.PutUint16(buf[2:4], uint16(total))
	binary.BigEndian.PutUint32(buf[4:8], p.Seq)
	binary.BigEndian.PutUint32(buf[8:12], p.Ack)
	copy(buf[HeaderLen:], p.Payload)
	return buf
}

// Decode validates and parses a raw datagram. It rejects (with an error,
// never a panic) packets whose declared length disagrees with len(b),
// whose header length isn't 12, whose type is unknown, or whose payload
// violates the per-type shape in §4.1.
func Decode(b []byte) (Packet, error) {
	if len(b) < HeaderLen {
		return Packet{}, fmt.Errorf("wire: datagram too short: %d bytes", len(b))
	}
	hdrLen := b[1]
	if hdrLen != HeaderLen {
		return Packet{}, fmt.Errorf("wire: bad header length %d", hdrLen)
	}
	total := binary.BigEndian.Uint16(b[2:4])
	if int(total) != len(b) {
		return Packet{}, fmt.Errorf("wire: declared length %d != datagram length %d", total, len(b))
	}
	typ := Type(b[0])
	payload := b[HeaderLen:]
	if err := validatePayload(typ, payload); err != nil {
		return Packet{}, err
	}
	return Packet{
		Header: Header{
			Type:     typ,
			HdrLen:   hdrLen,
			TotalLen: total,
			Seq:      binary.BigEndian.Uint32(b[4:8]),
			Ack:      binary.BigEndian.Uint32(b[8:12]),
		},
		Payload: payload,
	}, nil
}

func validatePayload(t Type, payload []byte) error {
	switch t {
	case WHOHAS, IHAVE:
		if len(payload) < 4 {
			return fmt.Errorf("wire: %s payload too short for count", t)
		}
		count := binary.BigEndian.Uint32(payload[0:4])
		want := 4 + int(count)*HashLen
		if len(payload) != want {
			return fmt.Errorf("wire: %s declares %d hashes but payload is %d bytes", t, count, len(payload))
		}
		return nil
	case GET:
		if len(payload) != HashLen {
			return fmt.Errorf("wire: GET payload must be %d bytes, got %d", HashLen, len(payload))
		}
		return nil
	case DATA:
		if len(payload) > MaxPayload {
			return fmt.Errorf("wire: DATA payload %d exceeds max %d", len(payload), MaxPayload)
		}
		return nil
	case ACK, DENIED:
		return nil
	default:
		return fmt.Errorf("wire: unknown packet type %d", uint8(t))
	}
}

// EncodeHashes builds a WHOHAS/IHAVE/DENIED-style payload: a 4-byte count
// followed by the concatenated hashes.
func EncodeHashes(hashes []Hash) []byte {
	buf := make([]byte, 4+len(hashes)*HashLen)
	binary.BigEndian.PutUint32(buf[0:4], uint32(len(hashes)))
	for i, h := range hashes {
		copy(buf[4+i*HashLen:], h[:])
	}
	return buf
}

// DecodeHashes parses a WHOHAS/IHAVE/DENIED-style payload. Decode
// validates the count/length relationship for WHOHAS and IHAVE only, so
// for other payloads (DENIED) the count is capped to the whole hashes
// actually present; this never fails on input that passed Decode.
func DecodeHashes(payload []byte) []Hash {
	if len(payload) < 4 {
		return nil
	}
	count := binary.BigEndian.Uint32(payload[0:4])
	if present := uint32((len(payload) - 4) / HashLen); count > present {
		count = present
	}
	hashes := make([]Hash, 0, count)
	for i := uint32(0); i < count; i++ {
		var h Hash
		copy(h[:], payload[4+i*HashLen:4+(i+1)*HashLen])
		hashes = append(hashes, h)
	}
	return hashes
}

// MaxHashesPerPacket returns how many hashes fit in one WHOHAS/IHAVE
// payload without exceeding MaxPayload.
func MaxHashesPerPacket() int {
	return (MaxPayload - 4) / HashLen
}
