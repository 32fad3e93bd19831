// Package bridge exposes a controller's motors over a websocket: clients
// receive periodic state snapshots and send back orders that are queued on
// the motors and serviced by the control loop.
package bridge

import (
	"context"
	"net/http"
	"time"

	"github.com/edaniels/golog"
	"github.com/gorilla/websocket"
	"github.com/pkg/errors"

	"github.com/protolab/dynamixel-servo/dynamixel"
)

// Config holds configuration for the bridge server.
type Config struct {
	// Addr is the listen address (default ":1984").
	Addr string

	// Interval between state snapshots sent to each client (default 50ms).
	Interval time.Duration

	Logger golog.Logger
}

// MotorState is one motor's snapshot. All register values are raw ints;
// interpreting units is the client's business.
type MotorState struct {
	ID            int    `json:"id"`
	Model         string `json:"model"`
	Mode          string `json:"mode"`
	TorqueEnabled bool   `json:"torque_enabled"`
	Moving        bool   `json:"moving"`

	Position     int `json:"position"`
	GoalPosition int `json:"goal_position"`
	Speed        int `json:"speed"`
	MovingSpeed  int `json:"moving_speed"`
	Load         int `json:"load"`
	TorqueLimit  int `json:"torque_limit"`
	Voltage      int `json:"voltage"`
	Temperature  int `json:"temperature"`
}

// Snapshot is the message sent to clients on every interval.
type Snapshot struct {
	FPS    float64      `json:"fps"`
	Motors []MotorState `json:"motors"`
}

// Order is the message clients send to act on one motor. Only the fields
// present are applied.
type Order struct {
	ID           int     `json:"id"`
	GoalPosition *int    `json:"goal_position,omitempty"`
	MovingSpeed  *int    `json:"moving_speed,omitempty"`
	TorqueLimit  *int    `json:"torque_limit,omitempty"`
	TorqueEnable *bool   `json:"torque_enable,omitempty"`
	LED          *bool   `json:"led,omitempty"`
	Mode         *string `json:"mode,omitempty"`
}

// Server is the websocket bridge.
type Server struct {
	ctrl     *dynamixel.Controller
	interval time.Duration
	log      golog.Logger

	upgrader websocket.Upgrader
	httpSrv  *http.Server
}

// NewServer creates a bridge over the given controller.
func NewServer(ctrl *dynamixel.Controller, cfg Config) *Server {
	if cfg.Addr == "" {
		cfg.Addr = ":1984"
	}
	if cfg.Interval == 0 {
		cfg.Interval = 50 * time.Millisecond
	}
	if cfg.Logger == nil {
		cfg.Logger = golog.NewLogger("dynamixel.bridge")
	}

	s := &Server{
		ctrl:     ctrl,
		interval: cfg.Interval,
		log:      cfg.Logger,
		upgrader: websocket.Upgrader{
			// The bridge is meant for local tooling, not the open web.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWS)
	s.httpSrv = &http.Server{Addr: cfg.Addr, Handler: mux}
	return s
}

// ListenAndServe blocks serving clients until the context is canceled or
// the listener fails.
func (s *Server) ListenAndServe(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		errCh <- s.httpSrv.ListenAndServe()
	}()
	s.log.Infof("bridge listening on %s", s.httpSrv.Addr)

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		s.httpSrv.Shutdown(shutdownCtx)
		return ctx.Err()
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return errors.Wrap(err, "bridge listener")
	}
}

// Close shuts the server down.
func (s *Server) Close() error {
	return s.httpSrv.Close()
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warnw("websocket upgrade failed", "error", err)
		return
	}
	s.log.Infof("client connected: %s", conn.RemoteAddr())
	defer conn.Close()

	done := make(chan struct{})
	go s.writeStates(conn, done)

	for {
		var order Order
		if err := conn.ReadJSON(&order); err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.log.Debugw("client read ended", "error", err)
			}
			break
		}
		if err := s.applyOrder(order); err != nil {
			s.log.Warnw("order rejected", "motor", order.ID, "error", err)
		}
	}
	close(done)
}

func (s *Server) writeStates(conn *websocket.Conn, done <-chan struct{}) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			if err := conn.WriteJSON(s.snapshot()); err != nil {
				return
			}
		}
	}
}

func (s *Server) snapshot() Snapshot {
	motors := s.ctrl.Motors()
	snap := Snapshot{
		FPS:    s.ctrl.FPS(),
		Motors: make([]MotorState, 0, len(motors)),
	}
	for _, m := range motors {
		state := MotorState{
			ID:            m.ID(),
			Model:         m.Model(),
			Mode:          m.Mode().String(),
			TorqueEnabled: !m.Compliant(),
			Moving:        m.Moving(),
		}
		state.Position, _ = m.Position()
		state.GoalPosition, _ = m.GoalPosition()
		state.Speed, _ = m.Speed()
		state.MovingSpeed, _ = m.MovingSpeed()
		state.Load, _ = m.Load()
		state.TorqueLimit, _ = m.TorqueLimit()
		state.Voltage, _ = m.Voltage()
		state.Temperature, _ = m.Temperature()
		snap.Motors = append(snap.Motors, state)
	}
	return snap
}

func (s *Server) applyOrder(order Order) error {
	m, ok := s.ctrl.Motor(order.ID)
	if !ok {
		return errors.Errorf("no motor with id %d", order.ID)
	}

	if order.GoalPosition != nil {
		if err := m.RequestWrite("GOAL_POSITION", *order.GoalPosition); err != nil {
			return err
		}
	}
	if order.MovingSpeed != nil {
		if err := m.RequestWrite("MOVING_SPEED", *order.MovingSpeed); err != nil {
			return err
		}
	}
	if order.TorqueLimit != nil {
		if err := m.RequestWrite("TORQUE_LIMIT", *order.TorqueLimit); err != nil {
			return err
		}
	}
	if order.TorqueEnable != nil {
		v := 0
		if *order.TorqueEnable {
			v = 1
		}
		if err := m.RequestWrite("TORQUE_ENABLE", v); err != nil {
			return err
		}
	}
	if order.LED != nil {
		v := 0
		if *order.LED {
			v = 1
		}
		if err := m.RequestWrite("LED", v); err != nil {
			return err
		}
	}
	if order.Mode != nil {
		switch *order.Mode {
		case "wheel":
			m.SetMode(dynamixel.ModeWheel)
		case "joint":
			m.SetMode(dynamixel.ModeJoint)
		default:
			return errors.Errorf("unknown mode %q", *order.Mode)
		}
	}
	return nil
}
