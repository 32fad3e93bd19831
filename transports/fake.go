package transports

import (
	"sort"
	"sync"
	"time"
)

// fakeMemSize covers the EEPROM and RAM areas plus the MX extension.
const fakeMemSize = 74

// FakeMotor is one simulated motor's register file. Two-byte registers are
// stored little-endian across two cells, exactly as on the wire.
type FakeMotor struct {
	Regs [fakeMemSize]byte

	// Alarm is reported in the error byte of every status packet the
	// motor sends.
	Alarm byte

	// Silent suppresses all replies, simulating a dead or disconnected
	// motor that still has a register file.
	Silent bool
}

// Word returns the two-byte register starting at addr.
func (m *FakeMotor) Word(addr int) int {
	return int(m.Regs[addr]) | int(m.Regs[addr+1])<<8
}

// SetWord stores a two-byte register starting at addr.
func (m *FakeMotor) SetWord(addr, value int) {
	m.Regs[addr] = byte(value)
	m.Regs[addr+1] = byte(value >> 8)
}

func (m *FakeMotor) statusReturnLevel() byte {
	return m.Regs[16]
}

// FakeBus simulates a servo bus with a configurable set of motors. It
// implements Transport at the byte level: written instruction packets are
// parsed, registers updated, and status packets queued for reading. Motors
// answer in id order, respect their status return level, and move
// instantly to any written goal position.
type FakeBus struct {
	mu       sync.Mutex
	motors   map[byte]*FakeMotor
	rx       []byte
	syncRead bool
	closed   bool
}

// NewFakeBus creates an empty simulated bus. syncRead enables the
// SYNC_READ adapter extension.
func NewFakeBus(syncRead bool) *FakeBus {
	return &FakeBus{
		motors:   make(map[byte]*FakeMotor),
		syncRead: syncRead,
	}
}

// AddMotor plugs a new motor with sensible register defaults into the bus
// and returns its register file for further tweaking.
func (b *FakeBus) AddMotor(id byte, model int) *FakeMotor {
	m := &FakeMotor{}
	m.SetWord(0, model) // MODEL_NUMBER
	m.Regs[2] = 29      // FIRMWARE
	m.Regs[3] = id      // ID
	m.Regs[4] = 1       // BAUDRATE, 1Mbps
	m.Regs[5] = 250     // RETURN_DELAY_TIME

	posRange := 1023
	if model == 29 || model == 54 || model == 320 || model == 360 || model == 107 {
		posRange = 4095
	}
	m.SetWord(6, 0)         // CW_ANGLE_LIMIT
	m.SetWord(8, posRange)  // CCW_ANGLE_LIMIT, joint mode
	m.Regs[11] = 70         // HIGHEST_LIMIT_TEMPERATURE
	m.Regs[12] = 60         // LOWEST_LIMIT_VOLTAGE
	m.Regs[13] = 140        // HIGHEST_LIMIT_VOLTAGE
	m.SetWord(14, 1023)     // MAX_TORQUE
	m.Regs[16] = 2          // STATUS_RETURN_LEVEL, answer everything
	m.Regs[17] = 36         // ALARM_LED
	m.Regs[18] = 36         // ALARM_SHUTDOWN
	m.SetWord(30, posRange/2)
	m.SetWord(34, 1023) // TORQUE_LIMIT
	m.SetWord(36, posRange/2)
	m.Regs[42] = 120 // PRESENT_VOLTAGE
	m.Regs[43] = 34  // PRESENT_TEMPERATURE

	b.mu.Lock()
	defer b.mu.Unlock()
	b.motors[id] = m
	return m
}

// Motor returns the register file of the motor with the given id.
func (b *FakeBus) Motor(id byte) (*FakeMotor, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	m, ok := b.motors[id]
	return m, ok
}

func (b *FakeBus) Read(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := copy(p, b.rx)
	b.rx = b.rx[n:]
	return n, nil
}

// Write accepts whole instruction packets. Unparsable trailing bytes are
// dropped silently, like on a real one-way bus.
func (b *FakeBus) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	rest := p
	for len(rest) >= 6 {
		consumed := b.handlePacket(rest)
		if consumed == 0 {
			break
		}
		rest = rest[consumed:]
	}
	return len(p), nil
}

func (b *FakeBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	return nil
}

func (b *FakeBus) SetReadTimeout(timeout time.Duration) error {
	return nil
}

func (b *FakeBus) Flush() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.rx = nil
	return nil
}

func (b *FakeBus) SupportsSyncRead() bool {
	return b.syncRead
}

// handlePacket parses one instruction packet at the front of p and reacts
// to it. It returns the number of bytes consumed, zero when no complete
// valid packet starts at p.
func (b *FakeBus) handlePacket(p []byte) int {
	if p[0] != 0xFF || p[1] != 0xFF {
		return 0
	}
	length := int(p[3])
	total := 4 + length
	if length < 2 || len(p) < total {
		return 0
	}
	if fakeChecksum(p[2:total-1]) != p[total-1] {
		return total
	}

	id := p[2]
	instr := p[4]
	params := p[5 : total-1]

	switch instr {
	case 0x01: // PING
		for _, mid := range b.targets(id) {
			m := b.motors[mid]
			if !m.Silent {
				b.reply(mid, m.Alarm, nil)
			}
		}
	case 0x02: // READ_DATA
		if len(params) != 2 {
			break
		}
		for _, mid := range b.targets(id) {
			m := b.motors[mid]
			if m.Silent || m.statusReturnLevel() < 1 {
				continue
			}
			addr, size := int(params[0]), int(params[1])
			if addr+size <= fakeMemSize {
				b.reply(mid, m.Alarm, m.Regs[addr:addr+size])
			}
		}
	case 0x03: // WRITE_DATA
		if len(params) < 2 {
			break
		}
		for _, mid := range b.targets(id) {
			m := b.motors[mid]
			b.applyWrite(mid, m, int(params[0]), params[1:])
			// The acknowledgment carries the id the packet addressed,
			// even when the write just changed the id register.
			if id != 0xFE && !m.Silent && m.statusReturnLevel() == 2 {
				b.reply(mid, m.Alarm, nil)
			}
		}
	case 0x83: // SYNC_WRITE
		if len(params) < 2 {
			break
		}
		addr, size := int(params[0]), int(params[1])
		rows := params[2:]
		for len(rows) >= 1+size {
			mid := rows[0]
			if m, ok := b.motors[mid]; ok {
				b.applyWrite(mid, m, addr, rows[1:1+size])
			}
			rows = rows[1+size:]
		}
	case 0x84: // SYNC_READ
		if !b.syncRead || len(params) < 2 {
			break
		}
		addr, size := int(params[0]), int(params[1])
		if addr+size > fakeMemSize {
			break
		}
		var data []byte
		for _, mid := range params[2:] {
			m, ok := b.motors[mid]
			if !ok || m.Silent {
				return total // one missing motor stalls the adapter
			}
			data = append(data, m.Regs[addr:addr+size]...)
		}
		b.reply(0xFD, 0, data) // the adapter answers, not a motor
	}
	return total
}

// applyWrite stores data at addr and simulates motor behavior: the motor
// re-keys on an id change and snaps instantly to a written goal position.
func (b *FakeBus) applyWrite(mid byte, m *FakeMotor, addr int, data []byte) {
	if addr+len(data) > fakeMemSize {
		return
	}
	copy(m.Regs[addr:], data)

	if addr <= 3 && addr+len(data) > 3 && m.Regs[3] != mid {
		delete(b.motors, mid)
		b.motors[m.Regs[3]] = m
	}
	if addr <= 31 && addr+len(data) > 30 {
		m.SetWord(36, m.Word(30)) // goal reached instantly
	}
}

// targets resolves an instruction packet's id to the answering motors, in
// id order for broadcasts.
func (b *FakeBus) targets(id byte) []byte {
	if id != 0xFE {
		if _, ok := b.motors[id]; ok {
			return []byte{id}
		}
		return nil
	}
	ids := make([]byte, 0, len(b.motors))
	for mid := range b.motors {
		ids = append(ids, mid)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

func (b *FakeBus) reply(id, alarm byte, params []byte) {
	length := byte(len(params) + 2)
	pkt := make([]byte, 0, 6+len(params))
	pkt = append(pkt, 0xFF, 0xFF, id, length, alarm)
	pkt = append(pkt, params...)
	pkt = append(pkt, fakeChecksum(pkt[2:]))
	b.rx = append(b.rx, pkt...)
}

func fakeChecksum(data []byte) byte {
	var sum byte
	for _, c := range data {
		sum += c
	}
	return ^sum
}
