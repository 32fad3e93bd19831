package dynamixel

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/edaniels/golog"
)

// State is the lifecycle state of a controller.
type State int32

const (
	StateIdle State = iota
	StateRunning
	StateStopping
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	case StateClosed:
		return "closed"
	}
	return fmt.Sprintf("state(%d)", int32(s))
}

// A motor stays unreachable for 20ms per written register after an EEPROM
// write.
const eepromBlackoutPerRegister = 20 * time.Millisecond

// ControllerConfig holds configuration for creating a controller.
type ControllerConfig struct {
	Channel *Channel // required

	// Freq is the tick frequency in Hz (default 60).
	Freq float64

	// DisableBroadcastPing makes DiscoverMotors skip the broadcast attempt
	// and go straight to the per-id sweep.
	DisableBroadcastPing bool

	Logger golog.Logger
}

// Controller runs the fixed-frequency control loop over one channel. Each
// tick refreshes position, speed and load of every reachable motor, then
// services the requests queued on the Motor facades.
type Controller struct {
	com           *Channel
	log           golog.Logger
	freq          float64
	period        time.Duration
	broadcastPing bool

	stateMu sync.Mutex
	state   State
	done    chan struct{}
	stopped atomic.Bool

	// pingMu keeps discovery and the tick loop off the bus at the same
	// time; tickMu additionally covers the blackout table.
	pingMu sync.Mutex
	tickMu sync.Mutex

	motorMu sync.RWMutex
	motors  []*Motor

	// blackouts maps motor ids to the time their EEPROM busy window ends.
	// Accessed under tickMu.
	blackouts map[int]time.Time

	frames atomic.Uint64

	fpsMu    sync.Mutex
	fpsTimes []time.Time

	// Clock hooks, swappable in tests.
	now   func() time.Time
	sleep func(time.Duration)
}

// NewController creates a controller. It does not start the loop.
func NewController(cfg ControllerConfig) (*Controller, error) {
	if cfg.Channel == nil {
		return nil, fmt.Errorf("controller: channel is required")
	}
	if cfg.Freq == 0 {
		cfg.Freq = 60
	}
	if cfg.Freq < 0 {
		return nil, fmt.Errorf("controller: invalid frequency %v", cfg.Freq)
	}
	if cfg.Logger == nil {
		cfg.Logger = golog.NewLogger("dynamixel.controller")
	}

	return &Controller{
		com:           cfg.Channel,
		log:           cfg.Logger,
		freq:          cfg.Freq,
		period:        time.Duration(float64(time.Second) / cfg.Freq),
		broadcastPing: !cfg.DisableBroadcastPing,
		state:         StateIdle,
		blackouts:     make(map[int]time.Time),
		now:           time.Now,
		sleep:         time.Sleep,
	}, nil
}

// State returns the controller's lifecycle state.
func (c *Controller) State() State {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	return c.state
}

// Freq returns the configured tick frequency in Hz.
func (c *Controller) Freq() float64 { return c.freq }

// Channel returns the underlying communication channel.
func (c *Controller) Channel() *Channel { return c.com }

// Motors returns the loaded motors, in id order.
func (c *Controller) Motors() []*Motor {
	c.motorMu.RLock()
	defer c.motorMu.RUnlock()
	out := make([]*Motor, len(c.motors))
	copy(out, c.motors)
	return out
}

// Motor returns the loaded motor with the given id.
func (c *Controller) Motor(id int) (*Motor, bool) {
	c.motorMu.RLock()
	defer c.motorMu.RUnlock()
	for _, m := range c.motors {
		if m.ID() == id {
			return m, true
		}
	}
	return nil, false
}

// Start launches the control loop.
func (c *Controller) Start() error {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	if c.state != StateIdle {
		return fmt.Errorf("controller: cannot start from state %v", c.state)
	}
	c.state = StateRunning
	c.stopped.Store(false)
	c.done = make(chan struct{})
	go c.run()
	return nil
}

// Stop asks the control loop to exit. The loop finishes its current tick;
// the controller is idle again once the loop has exited and can be
// restarted.
func (c *Controller) Stop() {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	if c.state != StateRunning {
		return
	}
	c.state = StateStopping
	c.stopped.Store(true)
}

// Close stops the loop, waits for it to exit and releases the transport.
func (c *Controller) Close() error {
	c.Stop()

	c.stateMu.Lock()
	done := c.done
	c.stateMu.Unlock()
	if done != nil {
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			c.log.Warn("control loop did not exit in time")
		}
	}

	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	if c.state == StateClosed {
		return nil
	}
	c.state = StateClosed
	return c.com.Close()
}

// Wait blocks until the control loop has completed n further ticks, so a
// caller can be sure queued requests have reached the motors. It returns
// early if the loop stops.
func (c *Controller) Wait(n uint64) {
	target := c.frames.Load() + n
	for c.State() == StateRunning && c.frames.Load() < target {
		c.sleep(time.Millisecond)
	}
}

// FPS returns the measured loop frequency over the recent past, computed
// from a rolling window of tick end times.
func (c *Controller) FPS() float64 {
	c.fpsMu.Lock()
	defer c.fpsMu.Unlock()
	n := len(c.fpsTimes)
	if n < 2 {
		return 0
	}
	span := c.fpsTimes[n-1].Sub(c.fpsTimes[1]).Seconds()
	if span <= 0 {
		return 0
	}
	return float64(n) / span
}

// DiscoverMotors finds the motors answering on the bus, restricted to the
// given candidate ids. A broadcast ping is attempted first (unless
// disabled); on any broadcast failure or empty result the ids are swept one
// by one. Discovery excludes the tick loop from the bus while it runs.
func (c *Controller) DiscoverMotors(ctx context.Context, ids []int) ([]int, error) {
	c.pingMu.Lock()
	c.tickMu.Lock()
	defer c.tickMu.Unlock()
	defer c.pingMu.Unlock()

	candidates := make(map[int]bool, len(ids))
	for _, id := range ids {
		candidates[id] = true
	}

	var found []int
	if c.broadcastPing {
		broadcast, err := c.com.RobustPingBroadcast(ctx)
		if err != nil {
			c.log.Debugw("broadcast ping failed, falling back to sweep", "error", err)
		} else {
			found = broadcast
		}
	}

	if len(found) == 0 {
		for _, id := range ids {
			ok, err := c.com.Ping(ctx, id)
			if err != nil {
				return nil, err
			}
			if ok {
				found = append(found, id)
			}
		}
	}

	result := found[:0]
	for _, id := range found {
		if candidates[id] {
			result = append(result, id)
		}
	}
	sort.Ints(result)
	return result, nil
}

// LoadMotors loads the memories of the given ids and wraps them in Motor
// facades. Duplicate ids are loaded once.
func (c *Controller) LoadMotors(ctx context.Context, ids []int) ([]*Motor, error) {
	seen := make(map[int]bool, len(ids))
	unique := make([]int, 0, len(ids))
	for _, id := range ids {
		if !seen[id] {
			seen[id] = true
			unique = append(unique, id)
		}
	}
	sort.Ints(unique)

	c.pingMu.Lock()
	c.tickMu.Lock()
	defer c.tickMu.Unlock()
	defer c.pingMu.Unlock()

	mems, err := c.com.Create(ctx, unique)
	if err != nil {
		return nil, err
	}

	motors := make([]*Motor, 0, len(mems))
	for _, mem := range mems {
		motors = append(motors, NewMotor(mem))
	}

	c.motorMu.Lock()
	c.motors = append(c.motors, motors...)
	sort.Slice(c.motors, func(i, j int) bool { return c.motors[i].ID() < c.motors[j].ID() })
	c.motorMu.Unlock()
	return motors, nil
}

func (c *Controller) run() {
	defer close(c.done)

	ctx := context.Background()
	for !c.stopped.Load() {
		start := c.now()

		// The ping lock lets discovery preempt the loop between ticks.
		c.pingMu.Lock()
		c.tickMu.Lock()
		c.pingMu.Unlock()
		err := c.tickOnce(ctx)
		c.tickMu.Unlock()

		if err != nil {
			c.recordFault(err)
			c.log.Warnw("tick failed", "error", err)
		}

		c.frames.Add(1)
		end := c.now()
		c.recordTickEnd(end)

		if dt := c.period - end.Sub(start); dt > 0 {
			c.sleep(dt)
		}
	}

	c.stateMu.Lock()
	if c.state == StateStopping {
		c.state = StateIdle
	}
	c.stateMu.Unlock()
}

// tickOnce performs one control loop iteration: refresh the present
// position, speed and load of every motor out of its EEPROM blackout
// window, then service the queued requests. Callers hold tickMu.
func (c *Controller) tickOnce(ctx context.Context) error {
	now := c.now()
	motors := c.Motors()

	active := make([]*Motor, 0, len(motors))
	activeIDs := make([]int, 0, len(motors))
	for _, m := range motors {
		if deadline, ok := c.blackouts[m.ID()]; ok {
			if now.Before(deadline) {
				continue
			}
			delete(c.blackouts, m.ID())
		}
		active = append(active, m)
		activeIDs = append(activeIDs, m.ID())
	}

	if len(activeIDs) > 0 {
		if err := c.com.Get(ctx, RegPresentPosSpeedLoad, activeIDs); err != nil {
			if IsTimeout(err) {
				c.com.Purge()
			}
			return err
		}
	}

	// Position, speed and torque limit writes from different motors merge
	// into one sync write per tick. Pending reads go out last, after the
	// merged writes.
	var pstIDs []int
	var pstRows [][]int
	var stIDs []int
	var stRows [][]int
	var readIDs []int
	var readCtrls []*Control

	for _, m := range active {
		pending := m.drainRequests()

		if pending.eepromCtrl != nil {
			if err := c.writeEEPROM(ctx, m, pending); err != nil {
				return err
			}
			continue
		}

		// A mode change is an EEPROM write in disguise; it opens a
		// blackout window, so nothing else reaches the motor this tick.
		if pending.mode != nil {
			if err := c.applyMode(ctx, m, *pending.mode, pending.jointLimits); err != nil {
				return err
			}
			continue
		}

		pst := make(map[*Control][]int)
		for _, ctrl := range pending.writes {
			values := pending.writeValues[ctrl]
			switch ctrl {
			case RegGoalPosition, RegMovingSpeed, RegTorqueLimit:
				pst[ctrl] = values
			default:
				if err := c.com.Set(ctx, ctrl, []int{m.ID()}, [][]int{values}); err != nil {
					return err
				}
			}
		}

		if len(pst) > 0 {
			goal, speed, torque := c.mergePST(m, pst)
			if m.Compliant() {
				// Goal writes to a torque-disabled motor are dropped:
				// the motor would latch them for when torque comes back.
				_, hasSpeed := pst[RegMovingSpeed]
				_, hasTorque := pst[RegTorqueLimit]
				if hasSpeed || hasTorque {
					stIDs = append(stIDs, m.ID())
					stRows = append(stRows, []int{speed, torque})
				}
			} else {
				pstIDs = append(pstIDs, m.ID())
				pstRows = append(pstRows, []int{goal, speed, torque})
			}
		}

		for _, ctrl := range pending.reads {
			readIDs = append(readIDs, m.ID())
			readCtrls = append(readCtrls, ctrl)
		}
	}

	if len(pstIDs) > 0 {
		if err := c.com.Set(ctx, RegGoalPosSpeedTorque, pstIDs, pstRows); err != nil {
			return err
		}
	}
	if len(stIDs) > 0 {
		if err := c.com.Set(ctx, RegSpeedTorque, stIDs, stRows); err != nil {
			return err
		}
	}

	for i, ctrl := range readCtrls {
		if err := c.com.Get(ctx, ctrl, []int{readIDs[i]}); err != nil {
			return err
		}
	}
	return nil
}

// mergePST combines requested goal, speed and torque values with the cached
// ones so a partial request still produces a full sync write row.
func (c *Controller) mergePST(m *Motor, pst map[*Control][]int) (goal, speed, torque int) {
	if v, ok := pst[RegGoalPosition]; ok {
		goal = v[0]
	} else if v, ok := m.GoalPosition(); ok {
		goal = v
	}
	if v, ok := pst[RegMovingSpeed]; ok {
		speed = v[0]
	} else if v, ok := m.MovingSpeed(); ok {
		speed = v
	}
	if v, ok := pst[RegTorqueLimit]; ok {
		torque = v[0]
	} else if v, ok := m.TorqueLimit(); ok {
		torque = v
	}
	return goal, speed, torque
}

// writeEEPROM services one exclusive EEPROM write and opens the motor's
// blackout window: 20ms per written register, stacked on any window still
// open.
func (c *Controller) writeEEPROM(ctx context.Context, m *Motor, pending pendingRequests) error {
	ctrl, values := pending.eepromCtrl, pending.eepromValues

	var err error
	if ctrl == RegID {
		err = c.com.ChangeID(ctx, m.ID(), values[0])
	} else {
		err = c.com.Set(ctx, ctrl, []int{m.ID()}, [][]int{values})
	}
	if err != nil {
		return err
	}

	c.extendBlackout(m.ID(), len(ctrl.Sizes))
	return nil
}

// applyMode switches a motor between wheel and joint mode by rewriting its
// angle limits: zeroes for wheel mode, the last known joint limits
// otherwise. Angle limits live in EEPROM, so the write opens a blackout
// window too.
func (c *Controller) applyMode(ctx context.Context, m *Motor, mode Mode, jointLimits [2]int) error {
	limits := []int{0, 0}
	if mode == ModeJoint {
		limits = []int{jointLimits[0], jointLimits[1]}
	}
	if err := c.com.Set(ctx, RegAngleLimits, []int{m.ID()}, [][]int{limits}); err != nil {
		return err
	}
	c.extendBlackout(m.ID(), len(RegAngleLimits.Sizes))
	return nil
}

func (c *Controller) extendBlackout(id, registers int) {
	now := c.now()
	deadline := c.blackouts[id]
	if deadline.Before(now) {
		deadline = now
	}
	c.blackouts[id] = deadline.Add(time.Duration(registers) * eepromBlackoutPerRegister)
}

// recordFault attaches a motor-scoped error to the motor it concerns.
func (c *Controller) recordFault(err error) {
	motorErr, ok := GetMotorError(err)
	if !ok {
		return
	}
	if m, found := c.Motor(motorErr.ID); found {
		m.setFault(err)
	}
}

func (c *Controller) recordTickEnd(t time.Time) {
	c.fpsMu.Lock()
	defer c.fpsMu.Unlock()
	c.fpsTimes = append(c.fpsTimes, t)
	if limit := int(3 * c.freq); limit > 1 && len(c.fpsTimes) > limit {
		c.fpsTimes = c.fpsTimes[len(c.fpsTimes)-limit:]
	}
}
