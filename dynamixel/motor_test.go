package dynamixel

import (
	"errors"
	"testing"
)

func testMotor(t *testing.T, id, model int) *Motor {
	t.Helper()
	mem := loadedMemory(t, id, model)
	mem.SetControl(RegAngleLimits, []int{0, 1023})
	mem.SetControl(RegStatusReturnLevel, []int{2})
	mem.SetControl(RegTorqueEnable, []int{1})
	mem.SetControl(RegGoalPosition, []int{512})
	mem.SetControl(RegMovingSpeed, []int{0})
	mem.SetControl(RegTorqueLimit, []int{1023})
	return NewMotor(mem)
}

func TestMotorRequestWrite(t *testing.T) {
	m := testMotor(t, 1, 12)

	if err := m.RequestWrite("goal_position", 300); err != nil {
		t.Fatalf("RequestWrite failed: %v", err)
	}
	v, ok := m.RequestedWrite("GOAL_POSITION")
	if !ok || v[0] != 300 {
		t.Errorf("RequestedWrite: got %v (%v)", v, ok)
	}

	// Nothing reaches the memory before a tick services the queue.
	if goal, _ := m.GoalPosition(); goal != 512 {
		t.Errorf("cached goal changed before tick: %d", goal)
	}
}

func TestMotorWriteBounds(t *testing.T) {
	ax := testMotor(t, 1, 12) // position range 1023
	if err := ax.RequestWrite("GOAL_POSITION", 1500); !errors.Is(err, ErrValueRange) {
		t.Errorf("AX goal 1500: got %v, want ErrValueRange", err)
	}

	mx := testMotor(t, 2, 29) // position range 4095
	if err := mx.RequestWrite("GOAL_POSITION", 1500); err != nil {
		t.Errorf("MX goal 1500 rejected: %v", err)
	}

	if err := ax.RequestWrite("LED", 300); !errors.Is(err, ErrValueRange) {
		t.Errorf("one-byte register accepting 300: %v", err)
	}
	if err := ax.RequestWrite("GOAL_POSITION", -1); !errors.Is(err, ErrValueRange) {
		t.Errorf("negative value accepted: %v", err)
	}
}

func TestMotorUnsupportedControl(t *testing.T) {
	ax := testMotor(t, 1, 12)
	if err := ax.RequestWrite("P_GAIN", 32); err == nil {
		t.Error("P_GAIN write accepted on AX-12")
	}
	if err := ax.RequestRead("GAINS"); err == nil {
		t.Error("GAINS read accepted on AX-12")
	}

	mx := testMotor(t, 2, 29)
	if err := mx.RequestWrite("P_GAIN", 32); err != nil {
		t.Errorf("P_GAIN write rejected on MX-28: %v", err)
	}
}

func TestMotorValueCount(t *testing.T) {
	m := testMotor(t, 1, 12)
	if err := m.RequestWrite("ANGLE_LIMITS", 100); err == nil {
		t.Error("two-register control accepted one value")
	}
	if err := m.RequestWrite("ANGLE_LIMITS", 100, 900); err != nil {
		t.Errorf("ANGLE_LIMITS write rejected: %v", err)
	}
}

func TestMotorDrainEEPROMExclusive(t *testing.T) {
	m := testMotor(t, 1, 12)
	m.RequestWrite("LED", 1)
	m.RequestWrite("ALARM_LED", 36) // EEPROM
	m.RequestWrite("MOVING_SPEED", 100)

	pending := m.drainRequests()
	if pending.eepromCtrl != RegAlarmLED {
		t.Fatalf("expected exclusive ALARM_LED write, got %v", pending.eepromCtrl)
	}
	if len(pending.writes) != 0 {
		t.Errorf("other writes drained alongside an EEPROM write: %v", pending.writes)
	}
	if !m.hasPending() {
		t.Error("RAM writes should stay queued behind the EEPROM write")
	}

	// Next drain gets the RAM writes.
	pending = m.drainRequests()
	if pending.eepromCtrl != nil {
		t.Fatalf("unexpected second EEPROM write: %v", pending.eepromCtrl)
	}
	if len(pending.writes) != 2 {
		t.Errorf("drained %d writes, want 2", len(pending.writes))
	}
}

func TestMotorDrainModeAndReads(t *testing.T) {
	m := testMotor(t, 1, 12)
	m.SetMode(ModeWheel)
	m.RequestRead("PRESENT_VOLTAGE")

	pending := m.drainRequests()
	if pending.mode == nil || *pending.mode != ModeWheel {
		t.Fatalf("mode not drained: %v", pending.mode)
	}
	if len(pending.reads) != 1 || pending.reads[0] != RegPresentVoltage {
		t.Errorf("reads: got %v", pending.reads)
	}
	if m.hasPending() {
		t.Error("queues should be empty after drain")
	}
}

func TestMotorJointLimitsCache(t *testing.T) {
	m := testMotor(t, 1, 12)
	m.RequestWrite("ANGLE_LIMITS", 100, 900)

	pending := m.drainRequests()
	if pending.eepromCtrl != RegAngleLimits {
		t.Fatalf("expected exclusive angle limits write, got %v", pending.eepromCtrl)
	}
	if pending.jointLimits != [2]int{100, 900} {
		t.Errorf("joint limits cache: got %v", pending.jointLimits)
	}

	// A wheel-mode write (both zero) must not clobber the cache.
	m.RequestWrite("ANGLE_LIMITS", 0, 0)
	pending = m.drainRequests()
	if pending.jointLimits != [2]int{100, 900} {
		t.Errorf("joint limits cache after zero write: got %v", pending.jointLimits)
	}
}

func TestMotorCompliant(t *testing.T) {
	m := testMotor(t, 1, 12)
	if m.Compliant() {
		t.Error("torque enabled motor reported compliant")
	}
	m.mem.SetControl(RegTorqueEnable, []int{0})
	if !m.Compliant() {
		t.Error("torque disabled motor not reported compliant")
	}
}
