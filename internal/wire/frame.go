package wire

import (
	"encoding/binary"
	"fmt"
)

// Device-native GATT frame layout, as emitted by the sensor firmware on the
// data characteristic:
//
//	[0]   opcode
//	[1]   firmware operating state
//	[2]   data mode (block selection bits)
//	[3]   reserved
//	[4:8] sequence, little-endian
//
// followed by one 6-byte block per bit set in the data mode, in bit order.
const FrameHeaderSize = 8

const frameBlockSize = 6

// QuatScale converts the int16 quaternion components to unit range.
const QuatScale = 1.0 / 32767.0

// Data-mode bits. The host configures the active set with CmdSetMode.
const (
	ModeQuaternion byte = 1 << 0
	ModeAccel      byte = 1 << 1
	ModeTimestamp  byte = 1 << 2
)

// Firmware operating states reported in the frame header and by CmdQueryState.
const (
	OpStateIdle      byte = 0x00
	OpStateStreaming byte = 0x01
	OpStateCharging  byte = 0x02
	OpStateError     byte = 0xFF
)

// Command opcodes written to the command characteristic.
const (
	CmdSetMode     byte = 0x01
	CmdStartStream byte = 0x02
	CmdStopStream  byte = 0x03
	CmdReset       byte = 0x04
	CmdQueryState  byte = 0x05
	CmdLocate      byte = 0x06
)

// OpStateName returns a readable name for a firmware operating state byte.
func OpStateName(s byte) string {
	switch s {
	case OpStateIdle:
		return "idle"
	case OpStateStreaming:
		return "streaming"
	case OpStateCharging:
		return "charging"
	case OpStateError:
		return "error"
	default:
		return fmt.Sprintf("unknown(0x%02x)", s)
	}
}

// SensorFrame is a decoded device-native frame. Block pointers are nil when
// the corresponding mode bit was not set.
type SensorFrame struct {
	Opcode   byte
	OpState  byte
	DataMode byte
	Sequence uint32

	// Quaternion vector components scaled by QuatScale.
	Quat *[3]float32
	// Raw accelerometer samples.
	Accel *[3]int16
	// 48-bit device-clock timestamp.
	DeviceTimestamp uint64
	HasTimestamp    bool
}

// DecodeSensorFrame decodes a device-native frame. The expected total size is
// derived from the data-mode byte in the header; a mismatch is rejected.
func DecodeSensorFrame(data []byte) (SensorFrame, error) {
	var f SensorFrame

	if len(data) < FrameHeaderSize {
		return f, &DecodeError{Field: "size", Got: len(data), Want: FrameHeaderSize}
	}

	f.Opcode = data[0]
	f.OpState = data[1]
	f.DataMode = data[2]
	f.Sequence = binary.LittleEndian.Uint32(data[4:8])

	want := FrameHeaderSize + blockCount(f.DataMode)*frameBlockSize
	if len(data) != want {
		return SensorFrame{}, &DecodeError{Field: "size", Got: len(data), Want: want}
	}

	off := FrameHeaderSize
	if f.DataMode&ModeQuaternion != 0 {
		q := [3]float32{}
		for i := 0; i < 3; i++ {
			raw := int16(binary.LittleEndian.Uint16(data[off+2*i : off+2*i+2]))
			q[i] = float32(raw) * QuatScale
		}
		f.Quat = &q
		off += frameBlockSize
	}
	if f.DataMode&ModeAccel != 0 {
		a := [3]int16{}
		for i := 0; i < 3; i++ {
			a[i] = int16(binary.LittleEndian.Uint16(data[off+2*i : off+2*i+2]))
		}
		f.Accel = &a
		off += frameBlockSize
	}
	if f.DataMode&ModeTimestamp != 0 {
		f.DeviceTimestamp = uint64(data[off]) |
			uint64(data[off+1])<<8 |
			uint64(data[off+2])<<16 |
			uint64(data[off+3])<<24 |
			uint64(data[off+4])<<32 |
			uint64(data[off+5])<<40
		f.HasTimestamp = true
	}

	return f, nil
}

// EncodeSensorFrame is the inverse of DecodeSensorFrame. Used by the fake
// transport and firmware simulators; the real sensors produce these frames.
func EncodeSensorFrame(f SensorFrame) []byte {
	mode := byte(0)
	if f.Quat != nil {
		mode |= ModeQuaternion
	}
	if f.Accel != nil {
		mode |= ModeAccel
	}
	if f.HasTimestamp {
		mode |= ModeTimestamp
	}

	buf := make([]byte, FrameHeaderSize+blockCount(mode)*frameBlockSize)
	buf[0] = f.Opcode
	buf[1] = f.OpState
	buf[2] = mode
	binary.LittleEndian.PutUint32(buf[4:8], f.Sequence)

	off := FrameHeaderSize
	if f.Quat != nil {
		for i := 0; i < 3; i++ {
			raw := int16(f.Quat[i] / QuatScale)
			binary.LittleEndian.PutUint16(buf[off+2*i:off+2*i+2], uint16(raw))
		}
		off += frameBlockSize
	}
	if f.Accel != nil {
		for i := 0; i < 3; i++ {
			binary.LittleEndian.PutUint16(buf[off+2*i:off+2*i+2], uint16(f.Accel[i]))
		}
		off += frameBlockSize
	}
	if f.HasTimestamp {
		for i := 0; i < 6; i++ {
			buf[off+i] = byte(f.DeviceTimestamp >> (8 * i))
		}
	}

	return buf
}

// EncodeCommand builds a host-to-device command write. Args are appended
// verbatim after the opcode; CmdSetMode takes the data-mode byte as its
// single argument.
func EncodeCommand(op byte, args ...byte) []byte {
	buf := make([]byte, 1+len(args))
	buf[0] = op
	copy(buf[1:], args)
	return buf
}

func blockCount(mode byte) int {
	n := 0
	for _, bit := range []byte{ModeQuaternion, ModeAccel, ModeTimestamp} {
		if mode&bit != 0 {
			n++
		}
	}
	return n
}
