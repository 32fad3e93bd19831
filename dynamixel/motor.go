package dynamixel

import (
	"fmt"
	"sync"
)

// Motor is the user-facing facade over one motor's cached memory. Reads
// return the last refreshed value immediately; writes are queued and
// serviced by the controller on its next tick. Motor never touches the
// serial bus itself.
type Motor struct {
	mem *Memory

	mu      sync.Mutex // guards the queues and the fields below
	writes  *requestQueue
	reads   *requestQueue
	modeReq *Mode

	// Last known joint-mode angle limits, restored on a wheel to joint
	// mode change.
	jointLimits [2]int

	fault error
}

// NewMotor wraps a loaded memory. The joint angle limits are captured from
// the memory so a later wheel to joint switch can restore them.
func NewMotor(mem *Memory) *Motor {
	m := &Motor{
		mem:    mem,
		writes: newRequestQueue(),
		reads:  newRequestQueue(),
	}
	if limits, ok := mem.ControlValues(RegAngleLimits); ok && !(limits[0] == 0 && limits[1] == 0) {
		m.jointLimits = [2]int{limits[0], limits[1]}
	} else {
		m.jointLimits = [2]int{0, mem.PositionRange()}
	}
	return m
}

// Memory exposes the underlying register cache.
func (m *Motor) Memory() *Memory { return m.mem }

func (m *Motor) ID() int        { return m.mem.ID() }
func (m *Motor) Model() string  { return m.mem.Model() }
func (m *Motor) Family() string { return m.mem.Family() }
func (m *Motor) Mode() Mode     { return m.mem.Mode() }

// Compliant reports whether torque is disabled, so the motor can be moved
// by hand and goal writes would be rejected by the motor.
func (m *Motor) Compliant() bool {
	v, ok := m.mem.ControlValue(RegTorqueEnable)
	return ok && v == 0
}

// Cached register accessors. ok is false until the register has been read
// at least once.

func (m *Motor) Position() (int, bool)     { return m.mem.ControlValue(RegPresentPosition) }
func (m *Motor) Speed() (int, bool)        { return m.mem.ControlValue(RegPresentSpeed) }
func (m *Motor) Load() (int, bool)         { return m.mem.ControlValue(RegPresentLoad) }
func (m *Motor) Voltage() (int, bool)      { return m.mem.ControlValue(RegPresentVoltage) }
func (m *Motor) Temperature() (int, bool)  { return m.mem.ControlValue(RegPresentTemp) }
func (m *Motor) Moving() bool              { v, _ := m.mem.ControlValue(RegMoving); return v != 0 }
func (m *Motor) GoalPosition() (int, bool) { return m.mem.ControlValue(RegGoalPosition) }
func (m *Motor) MovingSpeed() (int, bool)  { return m.mem.ControlValue(RegMovingSpeed) }
func (m *Motor) TorqueLimit() (int, bool)  { return m.mem.ControlValue(RegTorqueLimit) }

// Value returns the cached value of a named single register.
func (m *Motor) Value(name string) (int, error) {
	c, err := m.lookupSupported(name)
	if err != nil {
		return 0, err
	}
	v, ok := m.mem.ControlValue(c)
	if !ok {
		return 0, fmt.Errorf("motor %d: %s has not been read yet", m.ID(), c.Name)
	}
	return v, nil
}

// RequestRead queues a refresh of the named control for the next tick.
func (m *Motor) RequestRead(name string) error {
	c, err := m.lookupSupported(name)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reads.put(c, nil)
	return nil
}

// RequestWrite queues a write of the named control for the next tick. The
// value count must match the control's register count; values are raw ints
// checked against each register's capacity and, for position registers,
// against the model's position range.
func (m *Motor) RequestWrite(name string, values ...int) error {
	c, err := m.lookupSupported(name)
	if err != nil {
		return err
	}
	if len(values) != len(c.Sizes) {
		return fmt.Errorf("control %s expects %d values, got %d", c.Name, len(c.Sizes), len(values))
	}
	if err := m.checkBounds(c, values); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.cacheJointLimits(c, values)
	m.writes.put(c, values)
	return nil
}

// RequestedWrite returns the queued but not yet transmitted values for a
// control, if any.
func (m *Motor) RequestedWrite(name string) ([]int, bool) {
	c, err := Lookup(name)
	if err != nil {
		return nil, false
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.writes.get(c)
	return v, ok
}

// SetMode queues an operating mode change. Switching to wheel mode writes
// zero angle limits; switching back to joint mode restores the limits the
// motor had before.
func (m *Motor) SetMode(mode Mode) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.modeReq = &mode
}

// SetID queues a bus id change, serviced exclusively on a tick.
func (m *Motor) SetID(newID int) error {
	if newID < 0 || newID > int(MaxMotorID) {
		return fmt.Errorf("%w: %d", ErrInvalidID, newID)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.writes.put(RegID, []int{newID})
	return nil
}

// Fault returns the last communication or alarm error recorded for this
// motor by the control loop, if any.
func (m *Motor) Fault() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.fault
}

// ClearFault resets the recorded fault.
func (m *Motor) ClearFault() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fault = nil
}

func (m *Motor) setFault(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fault = err
}

func (m *Motor) lookupSupported(name string) (*Control, error) {
	c, err := Lookup(name)
	if err != nil {
		return nil, err
	}
	if num, ok := m.mem.ModelNumber(); ok && !c.Models.Contains(num) {
		return nil, fmt.Errorf("control %s is not available on %s motors", c.Name, m.Model())
	}
	return c, nil
}

func (m *Motor) checkBounds(c *Control, values []int) error {
	posRange := m.mem.PositionRange()
	offset := 0
	for i, size := range c.Sizes {
		max := 0xFF
		if size == 2 {
			max = 0xFFFF
		}
		addr := int(c.Addr) + offset
		if addr == int(RegGoalPosition.Addr) && c.RAM ||
			addr == int(RegCWAngleLimit.Addr) || addr == int(RegCCWAngleLimit.Addr) {
			max = posRange
		}
		if values[i] < 0 || values[i] > max {
			return fmt.Errorf("%w: %s value %d not in [0, %d]", ErrValueRange, c.Name, values[i], max)
		}
		offset += size
	}
	return nil
}

// cacheJointLimits remembers nonzero angle limits so that a wheel to joint
// mode switch can restore them. Callers hold m.mu.
func (m *Motor) cacheJointLimits(c *Control, values []int) {
	switch c {
	case RegAngleLimits:
		if !(values[0] == 0 && values[1] == 0) {
			m.jointLimits = [2]int{values[0], values[1]}
		}
	case RegCWAngleLimit:
		m.jointLimits[0] = values[0]
	case RegCCWAngleLimit:
		m.jointLimits[1] = values[0]
	}
}

// pendingRequests is one tick's worth of work for a single motor.
type pendingRequests struct {
	// When eepromCtrl is set, this tick services only that one write for
	// the motor; everything else stays queued.
	eepromCtrl   *Control
	eepromValues []int

	writes      []*Control
	writeValues map[*Control][]int
	reads       []*Control
	mode        *Mode
	jointLimits [2]int
}

// drainRequests pops the work for one tick. An EEPROM write is serviced
// alone: writing EEPROM puts the motor in a busy state, so nothing else is
// sent to it on the same tick. A mode change rewrites the angle limits,
// which live in EEPROM, so it is serviced alone too.
func (m *Motor) drainRequests() pendingRequests {
	m.mu.Lock()
	defer m.mu.Unlock()

	if c, ok := m.writes.firstEEPROM(); ok {
		v, _ := m.writes.take(c)
		return pendingRequests{eepromCtrl: c, eepromValues: v, jointLimits: m.jointLimits}
	}
	if m.modeReq != nil {
		mode := m.modeReq
		m.modeReq = nil
		return pendingRequests{mode: mode, jointLimits: m.jointLimits}
	}

	writes, values := m.writes.drain()
	reads, _ := m.reads.drain()
	return pendingRequests{
		writes:      writes,
		writeValues: values,
		reads:       reads,
		jointLimits: m.jointLimits,
	}
}

// hasPending reports whether any request is queued.
func (m *Motor) hasPending() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.writes.len() > 0 || m.reads.len() > 0 || m.modeReq != nil
}
