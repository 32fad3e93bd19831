// Package dynamixel provides a Go library for controlling Robotis Dynamixel
// servo motors over a shared half-duplex serial bus (protocol 1.0).
package dynamixel

import (
	"fmt"
)

// Instruction codes per the Dynamixel protocol 1.0 specification.
const (
	InstPing      byte = 0x01
	InstReadData  byte = 0x02
	InstWriteData byte = 0x03
	InstRegWrite  byte = 0x04
	InstAction    byte = 0x05
	InstReset     byte = 0x06
	InstSyncWrite byte = 0x83
	InstSyncRead  byte = 0x84 // USB2AX adapter extension
)

// Special ID values.
const (
	BroadcastID = 0xFE
	MaxMotorID  = 0xFD
)

// Packet header bytes.
const (
	headerByte1 = 0xFF
	headerByte2 = 0xFF
	headerSize  = 4 // 0xFF 0xFF id length
)

// StatusError holds the alarm flags of a status packet's error byte.
type StatusError byte

const (
	AlarmInputVoltage StatusError = 1 << 0
	AlarmAngleLimit   StatusError = 1 << 1
	AlarmOverheating  StatusError = 1 << 2
	AlarmRange        StatusError = 1 << 3
	AlarmChecksum     StatusError = 1 << 4
	AlarmOverload     StatusError = 1 << 5
	AlarmInstruction  StatusError = 1 << 6
)

var alarmNames = []struct {
	flag StatusError
	name string
}{
	{AlarmInputVoltage, "input voltage"},
	{AlarmAngleLimit, "angle limit"},
	{AlarmOverheating, "overheating"},
	{AlarmRange, "range"},
	{AlarmChecksum, "checksum"},
	{AlarmOverload, "overload"},
	{AlarmInstruction, "instruction"},
}

// Names returns the names of all alarms set in e, lowest bit first.
func (e StatusError) Names() []string {
	var names []string
	for _, a := range alarmNames {
		if e&a.flag != 0 {
			names = append(names, a.name)
		}
	}
	return names
}

// AlarmsFromNames builds a StatusError from alarm names as returned by Names.
// Unknown names are ignored.
func AlarmsFromNames(names []string) StatusError {
	var e StatusError
	for _, n := range names {
		for _, a := range alarmNames {
			if a.name == n {
				e |= a.flag
			}
		}
	}
	return e
}

func (e StatusError) Error() string {
	if e == 0 {
		return "no alarm"
	}
	return fmt.Sprintf("motor alarms: %v", e.Names())
}

// HasError returns true if any alarm flag is set.
func (e StatusError) HasError() bool {
	return e != 0
}

// InstructionPacket is a packet sent from the controller to one or all motors.
type InstructionPacket struct {
	ID          byte
	Instruction byte
	Params      []byte
}

// StatusPacket is a packet returned by a motor.
type StatusPacket struct {
	ID     byte
	Error  StatusError
	Params []byte
}

// PacketError reports a malformed wire packet.
type PacketError struct {
	Reason string
	Raw    []byte
}

func (e *PacketError) Error() string {
	return fmt.Sprintf("invalid packet: %s (data: % X)", e.Reason, e.Raw)
}

func checksum(data []byte) byte {
	var sum byte
	for _, b := range data {
		sum += b
	}
	return ^sum // equals 255 - sum%256
}

// Bytes encodes the packet in wire format:
// header(2) + id(1) + length(1) + instruction(1) + params(n) + checksum(1).
func (p InstructionPacket) Bytes() []byte {
	length := byte(len(p.Params) + 2) // instruction + checksum

	buf := make([]byte, 0, 6+len(p.Params))
	buf = append(buf, headerByte1, headerByte2)
	buf = append(buf, p.ID)
	buf = append(buf, length)
	buf = append(buf, p.Instruction)
	buf = append(buf, p.Params...)
	buf = append(buf, checksum(buf[2:])) // from ID onwards

	return buf
}

// CheckHeader validates the four header bytes of an incoming status packet.
// A broadcast-addressed exchange (sync read) accepts any responder ID.
func CheckHeader(id byte, header []byte) error {
	if len(header) < headerSize {
		return &PacketError{Reason: "incomplete header", Raw: header}
	}
	if header[0] != headerByte1 || header[1] != headerByte2 {
		return &PacketError{Reason: "bad header marker", Raw: header}
	}
	if id != BroadcastID && header[2] != id {
		return &PacketError{Reason: fmt.Sprintf("unexpected responder id %d, want %d", header[2], id), Raw: header}
	}
	if header[3] < 2 {
		return &PacketError{Reason: "length byte too small", Raw: header}
	}
	return nil
}

// DecodeStatus parses a complete wire-format status packet:
// header(2) + id(1) + length(1) + error(1) + params(n) + checksum(1).
func DecodeStatus(data []byte) (StatusPacket, error) {
	if len(data) < 6 {
		return StatusPacket{}, &PacketError{Reason: "packet too short", Raw: data}
	}
	if data[0] != headerByte1 || data[1] != headerByte2 {
		return StatusPacket{}, &PacketError{Reason: "bad header marker", Raw: data}
	}

	length := int(data[3])
	if length+4 != len(data) {
		return StatusPacket{}, &PacketError{
			Reason: fmt.Sprintf("length byte %d does not match %d data bytes", length, len(data)),
			Raw:    data,
		}
	}
	if got, want := data[len(data)-1], checksum(data[2:len(data)-1]); got != want {
		return StatusPacket{}, &PacketError{
			Reason: fmt.Sprintf("checksum mismatch: expected 0x%02X, got 0x%02X", want, got),
			Raw:    data,
		}
	}

	pkt := StatusPacket{
		ID:    data[2],
		Error: StatusError(data[4]),
	}
	if n := length - 2; n > 0 {
		pkt.Params = make([]byte, n)
		copy(pkt.Params, data[5:5+n])
	}
	return pkt, nil
}

// Instruction packet builders.

func pingPacket(id byte) InstructionPacket {
	return InstructionPacket{ID: id, Instruction: InstPing}
}

func readPacket(id, addr, size byte) InstructionPacket {
	return InstructionPacket{
		ID:          id,
		Instruction: InstReadData,
		Params:      []byte{addr, size},
	}
}

func writePacket(id, addr byte, data []byte) InstructionPacket {
	params := make([]byte, 0, 1+len(data))
	params = append(params, addr)
	params = append(params, data...)
	return InstructionPacket{
		ID:          id,
		Instruction: InstWriteData,
		Params:      params,
	}
}

// syncWritePacket addresses several motors in one broadcast. Every row in
// data must have the same width, given by size.
func syncWritePacket(addr, size byte, ids []byte, data [][]byte) InstructionPacket {
	params := make([]byte, 0, 2+len(ids)*(1+int(size)))
	params = append(params, addr, size)
	for i, id := range ids {
		params = append(params, id)
		params = append(params, data[i]...)
	}
	return InstructionPacket{
		ID:          BroadcastID,
		Instruction: InstSyncWrite,
		Params:      params,
	}
}

func syncReadPacket(addr, size byte, ids []byte) InstructionPacket {
	params := make([]byte, 0, 2+len(ids))
	params = append(params, addr, size)
	params = append(params, ids...)
	return InstructionPacket{
		ID:          BroadcastID,
		Instruction: InstSyncRead,
		Params:      params,
	}
}
