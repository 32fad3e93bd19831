package dynamixel

import (
	"errors"
	"testing"
)

func TestLookup(t *testing.T) {
	c, err := Lookup("goal_position")
	if err != nil {
		t.Fatalf("Lookup failed: %v", err)
	}
	if c != RegGoalPosition {
		t.Errorf("Lookup returned %v, want GOAL_POSITION", c)
	}

	if _, err := Lookup("NOT_A_CONTROL"); !errors.Is(err, ErrUnknownControl) {
		t.Errorf("expected ErrUnknownControl, got %v", err)
	}
}

func TestControlWidths(t *testing.T) {
	cases := []struct {
		ctrl  *Control
		addr  byte
		width int
	}{
		{RegModelNumber, 0, 2},
		{RegID, 3, 1},
		{RegGoalPosition, 30, 2},
		{RegAngleLimits, 6, 4},
		{RegGoalPosSpeedTorque, 30, 6},
		{RegSpeedTorque, 32, 4},
		{RegPresentPosSpeedLoad, 36, 6},
		{RegEEPROM, 0, 24},
		{RegRAM, 24, 26},
		{RegExtraMX, 68, 6},
		{RegExtraEX, 56, 2},
	}

	for _, tc := range cases {
		if tc.ctrl.Addr != tc.addr {
			t.Errorf("%s addr: got %d, want %d", tc.ctrl.Name, tc.ctrl.Addr, tc.addr)
		}
		if tc.ctrl.Width() != tc.width {
			t.Errorf("%s width: got %d, want %d", tc.ctrl.Name, tc.ctrl.Width(), tc.width)
		}
	}
}

func TestCompoundContiguity(t *testing.T) {
	// Every compound's parts must cover its span without gaps.
	for _, c := range []*Control{
		RegVoltageLimits, RegAngleLimits, RegGains,
		RegComplianceMargins, RegComplianceSlopes,
		RegGoalPosSpeedTorque, RegSpeedTorque, RegPresentPosSpeedLoad,
	} {
		total := 0
		for _, p := range c.Parts {
			total += p.Width()
		}
		if total != c.Width() {
			t.Errorf("%s: parts cover %d bytes, control is %d wide", c.Name, total, c.Width())
		}
		last := c.Parts[len(c.Parts)-1]
		if int(c.Addr)+c.Width() != int(last.Addr)+last.Width() {
			t.Errorf("%s: span end mismatch", c.Name)
		}
	}
}

func TestChunkRAMFlag(t *testing.T) {
	if RegEEPROM.RAM {
		t.Error("EEPROM chunk marked as RAM")
	}
	if !RegRAM.RAM {
		t.Error("RAM chunk not marked as RAM")
	}
	if RegAngleLimits.RAM {
		t.Error("angle limits live in EEPROM")
	}
	if !RegGoalPosSpeedTorque.RAM {
		t.Error("goal/speed/torque live in RAM")
	}
}

func TestModelAvailability(t *testing.T) {
	if !RegGains.Models.Contains(29) { // MX-28
		t.Error("GAINS should be available on MX-28")
	}
	if RegGains.Models.Contains(12) { // AX-12
		t.Error("GAINS should not be available on AX-12")
	}
	if !RegComplianceSlopes.Models.Contains(12) {
		t.Error("COMPLIANCE_SLOPES should be available on AX-12")
	}
	if RegComplianceSlopes.Models.Contains(54) { // MX-64
		t.Error("COMPLIANCE_SLOPES should not be available on MX-64")
	}
	if !RegSensedCurrent.Models.Contains(107) { // EX-106+
		t.Error("SENSED_CURRENT should be available on EX-106+")
	}
}

func TestModelNames(t *testing.T) {
	cases := map[int]string{
		12:    "AX-12",
		29:    "MX-28",
		107:   "EX-106+",
		10064: "VX-64",
	}
	for number, want := range cases {
		got, ok := ModelName(number)
		if !ok || got != want {
			t.Errorf("ModelName(%d): got %q (%v), want %q", number, got, ok, want)
		}
	}
	if _, ok := ModelName(9999); ok {
		t.Error("ModelName(9999) should not resolve")
	}
}

func TestPositionRange(t *testing.T) {
	if PositionRange("MX") != 4095 {
		t.Errorf("MX range: got %d", PositionRange("MX"))
	}
	if PositionRange("AX") != 1023 {
		t.Errorf("AX range: got %d", PositionRange("AX"))
	}
}
