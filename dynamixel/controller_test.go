package dynamixel

import (
	"context"
	"testing"
	"time"

	"github.com/protolab/dynamixel-servo/transports"
)

func testController(t *testing.T, fake *transports.FakeBus) *Controller {
	t.Helper()
	ctrl, err := NewController(ControllerConfig{
		Channel: testChannel(t, fake),
		Freq:    100,
	})
	if err != nil {
		t.Fatalf("NewController failed: %v", err)
	}
	return ctrl
}

func TestControllerDiscover(t *testing.T) {
	fake := transports.NewFakeBus(false)
	fake.AddMotor(3, 12)
	fake.AddMotor(9, 12) // outside the candidate range
	ctrl := testController(t, fake)

	ids := []int{0, 1, 2, 3, 4, 5}
	found, err := ctrl.DiscoverMotors(context.Background(), ids)
	if err != nil {
		t.Fatalf("DiscoverMotors failed: %v", err)
	}
	if len(found) != 1 || found[0] != 3 {
		t.Errorf("DiscoverMotors: got %v, want [3]", found)
	}
}

func TestControllerDiscoverSweepFallback(t *testing.T) {
	fake := transports.NewFakeBus(false)
	fake.AddMotor(3, 12)
	ctrl, err := NewController(ControllerConfig{
		Channel:              testChannel(t, fake),
		DisableBroadcastPing: true,
	})
	if err != nil {
		t.Fatalf("NewController failed: %v", err)
	}

	found, err := ctrl.DiscoverMotors(context.Background(), []int{2, 3, 4})
	if err != nil {
		t.Fatalf("DiscoverMotors failed: %v", err)
	}
	if len(found) != 1 || found[0] != 3 {
		t.Errorf("sweep: got %v, want [3]", found)
	}
}

func TestControllerLoadMotorsDedup(t *testing.T) {
	fake := transports.NewFakeBus(false)
	fake.AddMotor(3, 12)
	ctrl := testController(t, fake)

	motors, err := ctrl.LoadMotors(context.Background(), []int{3, 3, 3})
	if err != nil {
		t.Fatalf("LoadMotors failed: %v", err)
	}
	if len(motors) != 1 {
		t.Errorf("loaded %d motors, want 1", len(motors))
	}
	if m, ok := ctrl.Motor(3); !ok || m.Model() != "AX-12" {
		t.Errorf("Motor(3): got %v (%v)", m, ok)
	}
}

func TestControllerTickServicesWrites(t *testing.T) {
	fake := transports.NewFakeBus(false)
	fake.AddMotor(1, 12).Regs[24] = 1 // torque on
	ctrl := testController(t, fake)
	ctx := context.Background()

	motors, err := ctrl.LoadMotors(ctx, []int{1})
	if err != nil {
		t.Fatalf("LoadMotors failed: %v", err)
	}
	m := motors[0]

	if err := m.RequestWrite("GOAL_POSITION", 600); err != nil {
		t.Fatalf("RequestWrite failed: %v", err)
	}
	if err := ctrl.tickOnce(ctx); err != nil {
		t.Fatalf("tickOnce failed: %v", err)
	}

	wire, _ := fake.Motor(1)
	if wire.Word(30) != 600 {
		t.Errorf("goal on wire: got %d, want 600", wire.Word(30))
	}
	// The fake moves instantly; the next tick's refresh sees it.
	if err := ctrl.tickOnce(ctx); err != nil {
		t.Fatalf("tickOnce failed: %v", err)
	}
	if pos, _ := m.Position(); pos != 600 {
		t.Errorf("refreshed position: got %d, want 600", pos)
	}
}

func TestControllerCompliantSplit(t *testing.T) {
	fake := transports.NewFakeBus(false)
	fake.AddMotor(1, 12).Regs[24] = 1 // torque on
	fake.AddMotor(2, 12)              // torque off, compliant
	ctrl := testController(t, fake)
	ctx := context.Background()

	if _, err := ctrl.LoadMotors(ctx, []int{1, 2}); err != nil {
		t.Fatalf("LoadMotors failed: %v", err)
	}
	m1, _ := ctrl.Motor(1)
	m2, _ := ctrl.Motor(2)

	m1.RequestWrite("GOAL_POSITION", 600)
	m1.RequestWrite("MOVING_SPEED", 100)
	m2.RequestWrite("GOAL_POSITION", 600)
	m2.RequestWrite("MOVING_SPEED", 100)

	if err := ctrl.tickOnce(ctx); err != nil {
		t.Fatalf("tickOnce failed: %v", err)
	}

	wire1, _ := fake.Motor(1)
	wire2, _ := fake.Motor(2)
	if wire1.Word(30) != 600 || wire1.Word(32) != 100 {
		t.Errorf("motor 1: goal %d speed %d, want 600/100", wire1.Word(30), wire1.Word(32))
	}
	// The compliant motor gets its speed but never the goal.
	if wire2.Word(30) == 600 {
		t.Error("goal position written to a compliant motor")
	}
	if wire2.Word(32) != 100 {
		t.Errorf("motor 2 speed: got %d, want 100", wire2.Word(32))
	}
}

func TestControllerEEPROMBlackout(t *testing.T) {
	fake := transports.NewFakeBus(false)
	fake.AddMotor(1, 12)
	ctrl := testController(t, fake)
	ctx := context.Background()

	clock := time.Now()
	ctrl.now = func() time.Time { return clock }
	ctrl.sleep = func(time.Duration) {}

	motors, err := ctrl.LoadMotors(ctx, []int{1})
	if err != nil {
		t.Fatalf("LoadMotors failed: %v", err)
	}
	m := motors[0]

	// An EEPROM write opens a 20ms-per-register blackout window.
	m.RequestWrite("ANGLE_LIMITS", 10, 900)
	if err := ctrl.tickOnce(ctx); err != nil {
		t.Fatalf("tickOnce failed: %v", err)
	}
	wire, _ := fake.Motor(1)
	if wire.Word(6) != 10 || wire.Word(8) != 900 {
		t.Fatalf("angle limits on wire: got %d/%d", wire.Word(6), wire.Word(8))
	}

	// 10ms in, the motor is still unreachable: the queued LED write waits.
	m.RequestWrite("LED", 1)
	clock = clock.Add(10 * time.Millisecond)
	if err := ctrl.tickOnce(ctx); err != nil {
		t.Fatalf("tickOnce failed: %v", err)
	}
	if wire.Regs[25] != 0 {
		t.Error("write serviced during blackout window")
	}

	// Past the 40ms window (two registers), the motor is back.
	clock = clock.Add(40 * time.Millisecond)
	if err := ctrl.tickOnce(ctx); err != nil {
		t.Fatalf("tickOnce failed: %v", err)
	}
	if wire.Regs[25] != 1 {
		t.Error("write not serviced after blackout window")
	}
}

func TestControllerEEPROMWriteIsExclusive(t *testing.T) {
	fake := transports.NewFakeBus(false)
	fake.AddMotor(1, 12)
	ctrl := testController(t, fake)
	ctx := context.Background()

	clock := time.Now()
	ctrl.now = func() time.Time { return clock }
	ctrl.sleep = func(time.Duration) {}

	motors, _ := ctrl.LoadMotors(ctx, []int{1})
	m := motors[0]

	m.RequestWrite("LED", 1)
	m.RequestWrite("ALARM_SHUTDOWN", 4)

	// The EEPROM write goes out alone, even though the LED request came
	// first.
	if err := ctrl.tickOnce(ctx); err != nil {
		t.Fatalf("tickOnce failed: %v", err)
	}
	wire, _ := fake.Motor(1)
	if wire.Regs[18] != 4 {
		t.Error("EEPROM write not serviced")
	}
	if wire.Regs[25] != 0 {
		t.Error("RAM write serviced in the same tick as an EEPROM write")
	}

	clock = clock.Add(30 * time.Millisecond)
	if err := ctrl.tickOnce(ctx); err != nil {
		t.Fatalf("tickOnce failed: %v", err)
	}
	if wire.Regs[25] != 1 {
		t.Error("RAM write lost after the blackout")
	}
}

func TestControllerModeChange(t *testing.T) {
	fake := transports.NewFakeBus(false)
	fake.AddMotor(1, 12)
	ctrl := testController(t, fake)
	ctx := context.Background()

	clock := time.Now()
	ctrl.now = func() time.Time { return clock }
	ctrl.sleep = func(time.Duration) {}

	motors, _ := ctrl.LoadMotors(ctx, []int{1})
	m := motors[0]

	m.SetMode(ModeWheel)
	if err := ctrl.tickOnce(ctx); err != nil {
		t.Fatalf("tickOnce failed: %v", err)
	}
	wire, _ := fake.Motor(1)
	if wire.Word(6) != 0 || wire.Word(8) != 0 {
		t.Errorf("wheel mode limits: got %d/%d, want 0/0", wire.Word(6), wire.Word(8))
	}
	if m.Mode() != ModeWheel {
		t.Errorf("cached mode: got %v, want wheel", m.Mode())
	}

	// Switching back restores the joint limits from before.
	clock = clock.Add(50 * time.Millisecond)
	m.SetMode(ModeJoint)
	if err := ctrl.tickOnce(ctx); err != nil {
		t.Fatalf("tickOnce failed: %v", err)
	}
	if wire.Word(6) != 0 || wire.Word(8) != 1023 {
		t.Errorf("restored limits: got %d/%d, want 0/1023", wire.Word(6), wire.Word(8))
	}
	if m.Mode() != ModeJoint {
		t.Errorf("cached mode: got %v, want joint", m.Mode())
	}
}

func TestControllerModeChangeIsExclusive(t *testing.T) {
	fake := transports.NewFakeBus(false)
	fake.AddMotor(1, 12)
	ctrl := testController(t, fake)
	ctx := context.Background()

	clock := time.Now()
	ctrl.now = func() time.Time { return clock }
	ctrl.sleep = func(time.Duration) {}

	motors, _ := ctrl.LoadMotors(ctx, []int{1})
	m := motors[0]

	m.SetMode(ModeWheel)
	m.RequestWrite("LED", 1)
	if err := ctrl.tickOnce(ctx); err != nil {
		t.Fatalf("tickOnce failed: %v", err)
	}
	wire, _ := fake.Motor(1)
	if wire.Word(6) != 0 || wire.Word(8) != 0 {
		t.Fatalf("wheel mode limits: got %d/%d, want 0/0", wire.Word(6), wire.Word(8))
	}
	// The mode change rewrites EEPROM angle limits, so nothing else may
	// reach the motor on the same tick.
	if wire.Regs[25] != 0 {
		t.Error("RAM write serviced in the same tick as a mode change")
	}

	// The LED write waits out the blackout window and then goes through.
	clock = clock.Add(10 * time.Millisecond)
	if err := ctrl.tickOnce(ctx); err != nil {
		t.Fatalf("tickOnce failed: %v", err)
	}
	if wire.Regs[25] != 0 {
		t.Error("write serviced during the mode change blackout")
	}
	clock = clock.Add(40 * time.Millisecond)
	if err := ctrl.tickOnce(ctx); err != nil {
		t.Fatalf("tickOnce failed: %v", err)
	}
	if wire.Regs[25] != 1 {
		t.Error("RAM write lost after the mode change blackout")
	}
}

func TestControllerReadsAfterMergedWrites(t *testing.T) {
	fake := transports.NewFakeBus(false)
	fake.AddMotor(1, 12).Regs[24] = 1 // torque on
	ctrl := testController(t, fake)
	ctx := context.Background()

	motors, _ := ctrl.LoadMotors(ctx, []int{1})
	m := motors[0]

	m.RequestWrite("GOAL_POSITION", 600)
	m.RequestRead("PRESENT_POSITION")
	if err := ctrl.tickOnce(ctx); err != nil {
		t.Fatalf("tickOnce failed: %v", err)
	}

	// The pending read goes out after the merged goal write, so on a bus
	// where motors move instantly it already sees the new position.
	if pos, _ := m.Position(); pos != 600 {
		t.Errorf("position after tick: got %d, want 600", pos)
	}
}

func TestControllerChangeIDThroughQueue(t *testing.T) {
	fake := transports.NewFakeBus(false)
	fake.AddMotor(1, 12)
	ctrl := testController(t, fake)
	ctx := context.Background()

	motors, _ := ctrl.LoadMotors(ctx, []int{1})
	m := motors[0]

	if err := m.SetID(5); err != nil {
		t.Fatalf("SetID failed: %v", err)
	}
	if err := ctrl.tickOnce(ctx); err != nil {
		t.Fatalf("tickOnce failed: %v", err)
	}

	if m.ID() != 5 {
		t.Errorf("motor id after tick: got %d, want 5", m.ID())
	}
	if _, ok := ctrl.Channel().Memory(5); !ok {
		t.Error("channel does not track the new id")
	}
	if _, ok := fake.Motor(5); !ok {
		t.Error("fake motor did not take the new id")
	}
}

func TestControllerLifecycle(t *testing.T) {
	fake := transports.NewFakeBus(false)
	fake.AddMotor(1, 12)
	ctrl := testController(t, fake)
	ctx := context.Background()

	if _, err := ctrl.LoadMotors(ctx, []int{1}); err != nil {
		t.Fatalf("LoadMotors failed: %v", err)
	}

	if err := ctrl.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if err := ctrl.Start(); err == nil {
		t.Error("second Start accepted while running")
	}
	if ctrl.State() != StateRunning {
		t.Errorf("state: got %v, want running", ctrl.State())
	}

	// Wait returns once the loop has gone around.
	ctrl.Wait(2)
	if ctrl.frames.Load() < 2 {
		t.Errorf("frames after Wait(2): got %d", ctrl.frames.Load())
	}

	ctrl.Stop()
	deadline := time.Now().Add(time.Second)
	for ctrl.State() != StateIdle && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if ctrl.State() != StateIdle {
		t.Fatalf("state after Stop: got %v, want idle", ctrl.State())
	}

	// A stopped controller can be restarted.
	if err := ctrl.Start(); err != nil {
		t.Fatalf("restart failed: %v", err)
	}
	ctrl.Wait(1)

	if err := ctrl.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if ctrl.State() != StateClosed {
		t.Errorf("state after Close: got %v, want closed", ctrl.State())
	}
	if err := ctrl.Start(); err == nil {
		t.Error("Start accepted after Close")
	}
}

func TestControllerFPS(t *testing.T) {
	fake := transports.NewFakeBus(false)
	fake.AddMotor(1, 12)
	ctrl := testController(t, fake)

	if ctrl.FPS() != 0 {
		t.Errorf("FPS before any tick: got %v, want 0", ctrl.FPS())
	}

	if _, err := ctrl.LoadMotors(context.Background(), []int{1}); err != nil {
		t.Fatalf("LoadMotors failed: %v", err)
	}
	if err := ctrl.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer ctrl.Close()

	ctrl.Wait(5)
	if fps := ctrl.FPS(); fps <= 0 {
		t.Errorf("FPS after 5 ticks: got %v, want > 0", fps)
	}
}

func TestControllerTickErrorDoesNotStopLoop(t *testing.T) {
	fake := transports.NewFakeBus(false)
	motor := fake.AddMotor(1, 12)
	ctrl := testController(t, fake)
	ctx := context.Background()

	motors, err := ctrl.LoadMotors(ctx, []int{1})
	if err != nil {
		t.Fatalf("LoadMotors failed: %v", err)
	}

	motor.Alarm = byte(AlarmOverheating)
	if err := ctrl.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer ctrl.Close()

	ctrl.Wait(3)
	if ctrl.State() != StateRunning {
		t.Errorf("loop stopped on tick error: state %v", ctrl.State())
	}
	if motors[0].Fault() == nil {
		t.Error("alarm not recorded on the motor")
	}
}
