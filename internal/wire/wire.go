// Package wire implements the TropX binary wire formats: the host-side
// packets pushed to clients (orientation, status, battery) and the
// device-native GATT frames received from the sensors themselves.
package wire

import (
	"encoding/binary"
	"fmt"
	"math"
)

// Host packet layout: 8-byte header followed by the payload.
//
//	[0]   version
//	[1]   type
//	[2:4] payload length, little-endian
//	[4:8] timestamp, little-endian, low 32 bits of a millisecond epoch
const (
	Version    = 0x01
	HeaderSize = 8

	TypeOrientation = 0x30
	TypeStatus      = 0x31
	TypeBattery     = 0x32
)

const (
	orientationPayloadSize = 16
	// OrientationPacketSize is the total size of an encoded orientation packet.
	OrientationPacketSize = HeaderSize + orientationPayloadSize
)

// DecodeError describes why a buffer was rejected. Decoding never panics and
// never returns a partial packet alongside a non-nil error.
type DecodeError struct {
	Field string // "size", "version", "type", "length"
	Got   int
	Want  int
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("wire: bad %s: got 0x%02x, want 0x%02x", e.Field, e.Got, e.Want)
}

// Is allows errors.Is comparison by rejected field.
func (e *DecodeError) Is(target error) bool {
	t, ok := target.(*DecodeError)
	if !ok {
		return false
	}
	return e.Field == t.Field
}

// OrientationPacket is a single quaternion sample with its host timestamp.
type OrientationPacket struct {
	Timestamp  uint32 // low 32 bits of the ms epoch
	W, X, Y, Z float32
}

// EncodeOrientation encodes p into the 24-byte orientation wire format.
func EncodeOrientation(p OrientationPacket) []byte {
	buf := make([]byte, OrientationPacketSize)
	putHeader(buf, TypeOrientation, orientationPayloadSize, p.Timestamp)
	binary.LittleEndian.PutUint32(buf[8:12], math.Float32bits(p.W))
	binary.LittleEndian.PutUint32(buf[12:16], math.Float32bits(p.X))
	binary.LittleEndian.PutUint32(buf[16:20], math.Float32bits(p.Y))
	binary.LittleEndian.PutUint32(buf[20:24], math.Float32bits(p.Z))
	return buf
}

// DecodeOrientation decodes a 24-byte orientation packet.
func DecodeOrientation(data []byte) (OrientationPacket, error) {
	var p OrientationPacket

	ts, err := checkHeader(data, TypeOrientation, orientationPayloadSize)
	if err != nil {
		return p, err
	}

	p.Timestamp = ts
	p.W = math.Float32frombits(binary.LittleEndian.Uint32(data[8:12]))
	p.X = math.Float32frombits(binary.LittleEndian.Uint32(data[12:16]))
	p.Y = math.Float32frombits(binary.LittleEndian.Uint32(data[16:20]))
	p.Z = math.Float32frombits(binary.LittleEndian.Uint32(data[20:24]))
	return p, nil
}

// EncodePayload encodes a status or battery packet: the common header with
// typ and a UTF-8 structured payload.
func EncodePayload(typ byte, timestamp uint32, payload []byte) ([]byte, error) {
	if typ != TypeStatus && typ != TypeBattery {
		return nil, &DecodeError{Field: "type", Got: int(typ), Want: TypeStatus}
	}
	if len(payload) > math.MaxUint16 {
		return nil, fmt.Errorf("wire: payload too large: %d bytes", len(payload))
	}

	buf := make([]byte, HeaderSize+len(payload))
	putHeader(buf, typ, uint16(len(payload)), timestamp)
	copy(buf[HeaderSize:], payload)
	return buf, nil
}

// DecodePayload validates the header against typ and returns the payload
// bytes and the header timestamp.
func DecodePayload(typ byte, data []byte) ([]byte, uint32, error) {
	if len(data) < HeaderSize {
		return nil, 0, &DecodeError{Field: "size", Got: len(data), Want: HeaderSize}
	}

	ts, err := checkHeader(data, typ, uint16(len(data)-HeaderSize))
	if err != nil {
		return nil, 0, err
	}
	return data[HeaderSize:], ts, nil
}

func putHeader(buf []byte, typ byte, payloadLen uint16, timestamp uint32) {
	buf[0] = Version
	buf[1] = typ
	binary.LittleEndian.PutUint16(buf[2:4], payloadLen)
	binary.LittleEndian.PutUint32(buf[4:8], timestamp)
}

// checkHeader validates version, type, the length field and the total size,
// in that order, and returns the header timestamp.
func checkHeader(data []byte, typ byte, payloadLen uint16) (uint32, error) {
	if len(data) < HeaderSize {
		return 0, &DecodeError{Field: "size", Got: len(data), Want: HeaderSize}
	}
	if data[0] != Version {
		return 0, &DecodeError{Field: "version", Got: int(data[0]), Want: Version}
	}
	if data[1] != typ {
		return 0, &DecodeError{Field: "type", Got: int(data[1]), Want: int(typ)}
	}
	if got := binary.LittleEndian.Uint16(data[2:4]); got != payloadLen {
		return 0, &DecodeError{Field: "length", Got: int(got), Want: int(payloadLen)}
	}
	if len(data) != HeaderSize+int(payloadLen) {
		return 0, &DecodeError{Field: "size", Got: len(data), Want: HeaderSize + int(payloadLen)}
	}
	return binary.LittleEndian.Uint32(data[4:8]), nil
}
