package dynamixel

import (
	"fmt"
	"sync"
)

// memorySize covers addresses 0-73: the EEPROM and RAM areas plus the MX
// extension region.
const memorySize = 74

// Mode is the operating mode of a motor.
type Mode int

const (
	ModeJoint Mode = iota
	ModeWheel
)

func (m Mode) String() string {
	if m == ModeWheel {
		return "wheel"
	}
	return "joint"
}

// Memory is the local cache of one motor's register values. Values reflect
// the last successful exchange with the motor, not necessarily its present
// state. A two-byte register occupies the slot of its first byte address;
// the second slot stays unknown.
//
// Memory is written by the communication channel after each successful
// exchange and read concurrently by callers, so all access goes through
// the mutex.
type Memory struct {
	mu   sync.RWMutex
	data [memorySize]int // -1 marks a cell never read from the motor

	// Derived values, recomputed by update() on every write.
	id                int
	model             string
	family            string
	mode              Mode
	statusReturnLevel int
	locked            bool
}

// NewMemory returns an empty memory for the given motor id. The status
// return level defaults to 1 (answer reads only) until the EEPROM area is
// loaded, so that initial reads are possible.
func NewMemory(id int) *Memory {
	m := &Memory{id: id, statusReturnLevel: 1}
	for i := range m.data {
		m.data[i] = -1
	}
	return m
}

// Value returns the cached value at addr, with ok false when the cell has
// never been read.
func (m *Memory) Value(addr int) (int, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if addr < 0 || addr >= memorySize || m.data[addr] < 0 {
		return 0, false
	}
	return m.data[addr], true
}

// ControlValue returns the cached value of a single-register control.
func (m *Memory) ControlValue(c *Control) (int, bool) {
	return m.Value(int(c.Addr))
}

// ControlValues returns the cached values of every register a control
// covers, in address order. ok is false if any cell is unknown.
func (m *Memory) ControlValues(c *Control) ([]int, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	values := make([]int, 0, len(c.Sizes))
	offset := 0
	ok := true
	for _, size := range c.Sizes {
		v := m.data[int(c.Addr)+offset]
		if v < 0 {
			ok = false
		}
		values = append(values, v)
		offset += size
	}
	return values, ok
}

// Set stores one value at addr and refreshes the derived values.
func (m *Memory) Set(addr, value int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.set(addr, value); err != nil {
		return err
	}
	return m.update()
}

// SetControl stores the values of a control, stepping through its register
// sizes, and refreshes the derived values.
func (m *Memory) SetControl(c *Control, values []int) error {
	if len(values) != len(c.Sizes) {
		return fmt.Errorf("control %s expects %d values, got %d", c.Name, len(c.Sizes), len(values))
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	offset := 0
	for i, size := range c.Sizes {
		if err := m.set(int(c.Addr)+offset, values[i]); err != nil {
			return err
		}
		offset += size
	}
	return m.update()
}

// SetSeq stores consecutive values starting at addr. The address advances
// by two when the following cell is unknown, so two-byte registers written
// in sequence keep their second slot unknown.
func (m *Memory) SetSeq(addr int, values []int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, v := range values {
		if err := m.set(addr, v); err != nil {
			return err
		}
		if addr+1 < memorySize && m.data[addr+1] < 0 {
			addr += 2
		} else {
			addr++
		}
	}
	return m.update()
}

func (m *Memory) set(addr, value int) error {
	if addr < 0 || addr >= memorySize {
		return fmt.Errorf("memory address %d out of range", addr)
	}
	if value < 0 {
		return fmt.Errorf("%w: raw register values are unsigned, got %d", ErrValueRange, value)
	}
	m.data[addr] = value
	return nil
}

// update recomputes the derived values. Callers hold the write lock.
func (m *Memory) update() error {
	if v := m.data[RegID.Addr]; v >= 0 {
		m.id = v
	}
	if v := m.data[RegModelNumber.Addr]; v >= 0 {
		name, ok := ModelName(v)
		if !ok {
			return &UnsupportedModelError{ID: m.id, Number: v}
		}
		m.model = name
		m.family = name[:2]
	}
	if v := m.data[RegStatusReturnLevel.Addr]; v >= 0 {
		m.statusReturnLevel = v
	}
	cw, ccw := m.data[RegCWAngleLimit.Addr], m.data[RegCCWAngleLimit.Addr]
	if cw >= 0 && ccw >= 0 {
		if cw == 0 && ccw == 0 {
			m.mode = ModeWheel
		} else {
			m.mode = ModeJoint
		}
	}
	if v := m.data[RegLock.Addr]; v >= 0 {
		m.locked = v != 0
	}
	return nil
}

// ID returns the motor id, tracked from the ID register.
func (m *Memory) ID() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.id
}

func (m *Memory) setID(id int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[RegID.Addr] = id
	m.id = id
}

// ModelNumber returns the raw model number register, with ok false until
// the EEPROM area has been loaded.
func (m *Memory) ModelNumber() (int, bool) {
	return m.Value(int(RegModelNumber.Addr))
}

// Model returns the model name, e.g. "AX-12". Empty until the EEPROM area
// has been loaded.
func (m *Memory) Model() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.model
}

// Family returns the two-letter model family tag: AX, RX, EX, MX or VX.
func (m *Memory) Family() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.family
}

// Mode returns joint or wheel mode. Wheel mode holds exactly when both
// angle limits are zero.
func (m *Memory) Mode() Mode {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.mode
}

// StatusReturnLevel returns 0 (never answer), 1 (answer reads only) or
// 2 (answer everything).
func (m *Memory) StatusReturnLevel() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.statusReturnLevel
}

// Locked reports whether the EEPROM lock register is set.
func (m *Memory) Locked() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.locked
}

// ExtraControl returns the block control for the model-specific extension
// region, if the model has one.
func (m *Memory) ExtraControl() (*Control, bool) {
	switch m.Family() {
	case "MX":
		return RegExtraMX, true
	case "EX":
		return RegExtraEX, true
	}
	return nil, false
}

// PositionRange returns the highest raw position value for this motor.
func (m *Memory) PositionRange() int {
	return PositionRange(m.Family())
}
