package dynamixel

import (
	"fmt"
	"sort"
	"strings"
)

// Model numbers, as reported in the MODEL_NUMBER register.
var modelNames = map[int]string{
	12:    "AX-12",
	18:    "AX-18",
	44:    "AX-12W",
	10:    "RX-10",
	24:    "RX-24F",
	28:    "RX-28",
	64:    "RX-64",
	360:   "MX-12",
	29:    "MX-28",
	54:    "MX-64",
	320:   "MX-106",
	107:   "EX-106+",
	10028: "VX-28",
	10064: "VX-64",
}

// positionRanges maps a model family to the highest raw position value.
var positionRanges = map[string]int{
	"EX": 4095,
	"MX": 4095,
	"AX": 1023,
	"RX": 1023,
	"VX": 1023,
}

// ModelSet is the set of model numbers a control is defined for.
type ModelSet map[int]bool

func (s ModelSet) Contains(model int) bool { return s[model] }

func modelSet(numbers ...int) ModelSet {
	s := make(ModelSet, len(numbers))
	for _, n := range numbers {
		s[n] = true
	}
	return s
}

var (
	allModels   = modelSet(12, 18, 44, 10, 24, 28, 64, 360, 29, 54, 320, 107, 10028, 10064)
	mxModels    = modelSet(360, 29, 54, 320)
	butMxModels = modelSet(12, 18, 44, 10, 24, 28, 64, 107, 10028, 10064)
	exModels    = modelSet(107)
)

// Control describes a named register or a group of consecutive registers in
// a motor's control table. Addresses and sizes are in bytes; a control
// spanning several registers lists one size per register, in address order.
type Control struct {
	Name   string
	Addr   byte
	Sizes  []int
	RAM    bool // false for EEPROM registers
	Models ModelSet
	Parts  []*Control // non-nil for compound controls
}

// Width returns the total byte width of the control.
func (c *Control) Width() int {
	w := 0
	for _, s := range c.Sizes {
		w += s
	}
	return w
}

func (c *Control) String() string {
	return c.Name
}

// Single-register controls.
var (
	// EEPROM
	RegModelNumber       = &Control{Name: "MODEL_NUMBER", Addr: 0, Sizes: []int{2}, Models: allModels}
	RegFirmware          = &Control{Name: "FIRMWARE", Addr: 2, Sizes: []int{1}, Models: allModels}
	RegID                = &Control{Name: "ID", Addr: 3, Sizes: []int{1}, Models: allModels}
	RegBaudrate          = &Control{Name: "BAUDRATE", Addr: 4, Sizes: []int{1}, Models: allModels}
	RegReturnDelayTime   = &Control{Name: "RETURN_DELAY_TIME", Addr: 5, Sizes: []int{1}, Models: allModels}
	RegCWAngleLimit      = &Control{Name: "CW_ANGLE_LIMIT", Addr: 6, Sizes: []int{2}, Models: allModels}
	RegCCWAngleLimit     = &Control{Name: "CCW_ANGLE_LIMIT", Addr: 8, Sizes: []int{2}, Models: allModels}
	RegHighestLimitTemp  = &Control{Name: "HIGHEST_LIMIT_TEMPERATURE", Addr: 11, Sizes: []int{1}, Models: allModels}
	RegLowestLimitVolt   = &Control{Name: "LOWEST_LIMIT_VOLTAGE", Addr: 12, Sizes: []int{1}, Models: allModels}
	RegHighestLimitVolt  = &Control{Name: "HIGHEST_LIMIT_VOLTAGE", Addr: 13, Sizes: []int{1}, Models: allModels}
	RegMaxTorque         = &Control{Name: "MAX_TORQUE", Addr: 14, Sizes: []int{2}, Models: allModels}
	RegStatusReturnLevel = &Control{Name: "STATUS_RETURN_LEVEL", Addr: 16, Sizes: []int{1}, Models: allModels}
	RegAlarmLED          = &Control{Name: "ALARM_LED", Addr: 17, Sizes: []int{1}, Models: allModels}
	RegAlarmShutdown     = &Control{Name: "ALARM_SHUTDOWN", Addr: 18, Sizes: []int{1}, Models: allModels}

	// RAM
	RegTorqueEnable        = &Control{Name: "TORQUE_ENABLE", Addr: 24, Sizes: []int{1}, RAM: true, Models: allModels}
	RegLED                 = &Control{Name: "LED", Addr: 25, Sizes: []int{1}, RAM: true, Models: allModels}
	RegDGain               = &Control{Name: "D_GAIN", Addr: 26, Sizes: []int{1}, RAM: true, Models: mxModels}
	RegIGain               = &Control{Name: "I_GAIN", Addr: 27, Sizes: []int{1}, RAM: true, Models: mxModels}
	RegPGain               = &Control{Name: "P_GAIN", Addr: 28, Sizes: []int{1}, RAM: true, Models: mxModels}
	RegCWComplianceMargin  = &Control{Name: "CW_COMPLIANCE_MARGIN", Addr: 26, Sizes: []int{1}, RAM: true, Models: butMxModels}
	RegCCWComplianceMargin = &Control{Name: "CCW_COMPLIANCE_MARGIN", Addr: 27, Sizes: []int{1}, RAM: true, Models: butMxModels}
	RegCWComplianceSlope   = &Control{Name: "CW_COMPLIANCE_SLOPE", Addr: 28, Sizes: []int{1}, RAM: true, Models: butMxModels}
	RegCCWComplianceSlope  = &Control{Name: "CCW_COMPLIANCE_SLOPE", Addr: 29, Sizes: []int{1}, RAM: true, Models: butMxModels}
	RegGoalPosition        = &Control{Name: "GOAL_POSITION", Addr: 30, Sizes: []int{2}, RAM: true, Models: allModels}
	RegMovingSpeed         = &Control{Name: "MOVING_SPEED", Addr: 32, Sizes: []int{2}, RAM: true, Models: allModels}
	RegTorqueLimit         = &Control{Name: "TORQUE_LIMIT", Addr: 34, Sizes: []int{2}, RAM: true, Models: allModels}
	RegPresentPosition     = &Control{Name: "PRESENT_POSITION", Addr: 36, Sizes: []int{2}, RAM: true, Models: allModels}
	RegPresentSpeed        = &Control{Name: "PRESENT_SPEED", Addr: 38, Sizes: []int{2}, RAM: true, Models: allModels}
	RegPresentLoad         = &Control{Name: "PRESENT_LOAD", Addr: 40, Sizes: []int{2}, RAM: true, Models: allModels}
	RegPresentVoltage      = &Control{Name: "PRESENT_VOLTAGE", Addr: 42, Sizes: []int{1}, RAM: true, Models: allModels}
	RegPresentTemp         = &Control{Name: "PRESENT_TEMPERATURE", Addr: 43, Sizes: []int{1}, RAM: true, Models: allModels}
	RegRegistered          = &Control{Name: "REGISTERED", Addr: 44, Sizes: []int{1}, RAM: true, Models: allModels}
	RegMoving              = &Control{Name: "MOVING", Addr: 46, Sizes: []int{1}, RAM: true, Models: allModels}
	RegLock                = &Control{Name: "LOCK", Addr: 47, Sizes: []int{1}, RAM: true, Models: allModels}
	RegPunch               = &Control{Name: "PUNCH", Addr: 48, Sizes: []int{2}, RAM: true, Models: allModels}

	// Model extensions
	RegSensedCurrent         = &Control{Name: "SENSED_CURRENT", Addr: 56, Sizes: []int{2}, RAM: true, Models: exModels}
	RegCurrent               = &Control{Name: "CURRENT", Addr: 68, Sizes: []int{2}, RAM: true, Models: mxModels}
	RegTorqueCtrlModeEnable  = &Control{Name: "TORQUE_CONTROL_MODE_ENABLE", Addr: 70, Sizes: []int{1}, RAM: true, Models: mxModels}
	RegGoalTorque            = &Control{Name: "GOAL_TORQUE", Addr: 71, Sizes: []int{2}, RAM: true, Models: mxModels}
	RegGoalAcceleration      = &Control{Name: "GOAL_ACCELERATION", Addr: 73, Sizes: []int{1}, RAM: true, Models: mxModels}
)

var singleControls = []*Control{
	RegModelNumber, RegFirmware, RegID, RegBaudrate, RegReturnDelayTime,
	RegCWAngleLimit, RegCCWAngleLimit, RegHighestLimitTemp,
	RegLowestLimitVolt, RegHighestLimitVolt, RegMaxTorque,
	RegStatusReturnLevel, RegAlarmLED, RegAlarmShutdown,
	RegTorqueEnable, RegLED,
	RegDGain, RegIGain, RegPGain,
	RegCWComplianceMargin, RegCCWComplianceMargin,
	RegCWComplianceSlope, RegCCWComplianceSlope,
	RegGoalPosition, RegMovingSpeed, RegTorqueLimit,
	RegPresentPosition, RegPresentSpeed, RegPresentLoad,
	RegPresentVoltage, RegPresentTemp, RegRegistered, RegMoving,
	RegLock, RegPunch,
	RegSensedCurrent, RegCurrent, RegTorqueCtrlModeEnable,
	RegGoalTorque, RegGoalAcceleration,
}

// Compound controls. Parts must be consecutive in memory; mustCompound
// panics at package initialization otherwise.
var (
	RegVoltageLimits       = mustCompound("VOLTAGE_LIMITS", allModels, RegLowestLimitVolt, RegHighestLimitVolt)
	RegAngleLimits         = mustCompound("ANGLE_LIMITS", allModels, RegCWAngleLimit, RegCCWAngleLimit)
	RegGains               = mustCompound("GAINS", mxModels, RegDGain, RegIGain, RegPGain)
	RegComplianceMargins   = mustCompound("COMPLIANCE_MARGINS", butMxModels, RegCWComplianceMargin, RegCCWComplianceMargin)
	RegComplianceSlopes    = mustCompound("COMPLIANCE_SLOPES", butMxModels, RegCWComplianceSlope, RegCCWComplianceSlope)
	RegGoalPosSpeedTorque  = mustCompound("GOAL_POS_SPEED_TORQUE", allModels, RegGoalPosition, RegMovingSpeed, RegTorqueLimit)
	RegSpeedTorque         = mustCompound("SPEED_TORQUE", allModels, RegMovingSpeed, RegTorqueLimit)
	RegPresentPosSpeedLoad = mustCompound("PRESENT_POS_SPEED_LOAD", allModels, RegPresentPosition, RegPresentSpeed, RegPresentLoad)
)

// Block controls covering whole memory areas, for bulk refresh.
var (
	RegEEPROM  = memoryChunk("EEPROM", allModels, 0, 24)
	RegRAM     = memoryChunk("RAM", allModels, 24, 50)
	RegExtraMX = memoryChunk("EXTRA_MX", mxModels, 68, 74)
	RegExtraEX = memoryChunk("EXTRA_EX", exModels, 56, 58)
)

func mustCompound(name string, models ModelSet, parts ...*Control) *Control {
	sizes := []int{}
	ram := true
	for i, p := range parts {
		if i > 0 {
			prev := parts[i-1]
			if int(prev.Addr)+prev.Width() != int(p.Addr) {
				panic(fmt.Sprintf("control %s: %s and %s are not consecutive", name, prev.Name, p.Name))
			}
		}
		sizes = append(sizes, p.Sizes...)
		ram = ram && p.RAM
	}
	return &Control{
		Name:   name,
		Addr:   parts[0].Addr,
		Sizes:  sizes,
		RAM:    ram,
		Models: models,
		Parts:  parts,
	}
}

// memoryChunk builds a control covering [start, end), deriving register
// widths from the single-register controls in that span. Addresses not
// covered by any register become one-byte cells.
func memoryChunk(name string, models ModelSet, start, end int) *Control {
	widths := map[int]int{}
	ram := true
	for _, c := range singleControls {
		if start <= int(c.Addr) && int(c.Addr)+c.Sizes[0] <= end {
			if w, ok := widths[int(c.Addr)]; ok && w != c.Sizes[0] {
				panic(fmt.Sprintf("chunk %s: conflicting widths at address %d", name, c.Addr))
			}
			widths[int(c.Addr)] = c.Sizes[0]
			ram = ram && c.RAM
		}
	}

	var sizes []int
	for cursor := start; cursor < end; {
		w, ok := widths[cursor]
		if !ok {
			w = 1
		}
		sizes = append(sizes, w)
		cursor += w
	}
	return &Control{
		Name:   name,
		Addr:   byte(start),
		Sizes:  sizes,
		RAM:    ram,
		Models: models,
	}
}

var controlsByName = map[string]*Control{}

func init() {
	all := append([]*Control{}, singleControls...)
	all = append(all,
		RegVoltageLimits, RegAngleLimits, RegGains,
		RegComplianceMargins, RegComplianceSlopes,
		RegGoalPosSpeedTorque, RegSpeedTorque, RegPresentPosSpeedLoad,
		RegEEPROM, RegRAM, RegExtraMX, RegExtraEX,
	)
	for _, c := range all {
		controlsByName[c.Name] = c
	}
}

// Lookup returns the control with the given name. Lookup is
// case-insensitive: "goal_position" and "GOAL_POSITION" both match.
func Lookup(name string) (*Control, error) {
	c, ok := controlsByName[strings.ToUpper(name)]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownControl, name)
	}
	return c, nil
}

// ControlNames returns the names of all defined controls, sorted.
func ControlNames() []string {
	names := make([]string, 0, len(controlsByName))
	for n := range controlsByName {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// ModelName returns the name for a model number, or false if the model is
// not supported.
func ModelName(number int) (string, bool) {
	name, ok := modelNames[number]
	return name, ok
}

// PositionRange returns the highest raw position value for a model family.
func PositionRange(family string) int {
	if r, ok := positionRanges[family]; ok {
		return r
	}
	return 1023
}
