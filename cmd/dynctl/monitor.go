package main

import (
	"fmt"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/protolab/dynamixel-servo/dynamixel"
)

// MonitorCommand shows a live view of the motors on the bus.
type MonitorCommand struct {
	Bus BusOptions `group:"bus"`
}

var (
	titleStyle  = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("12"))
	headStyle   = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("14"))
	faultStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("9"))
	dimStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("241"))
	wheelStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("11"))
	activeStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("10"))
)

func (c *MonitorCommand) Execute(args []string) error {
	ctrl, err := openController(c.Bus)
	if err != nil {
		return err
	}
	defer ctrl.Close()

	if err := ctrl.Start(); err != nil {
		return err
	}

	m := monitorModel{ctrl: ctrl}
	_, err = tea.NewProgram(m, tea.WithAltScreen()).Run()
	return err
}

type monitorModel struct {
	ctrl *dynamixel.Controller
}

type refreshMsg time.Time

func refreshTick() tea.Cmd {
	return tea.Tick(100*time.Millisecond, func(t time.Time) tea.Msg {
		return refreshMsg(t)
	})
}

func (m monitorModel) Init() tea.Cmd {
	return refreshTick()
}

func (m monitorModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c", "esc":
			return m, tea.Quit
		}
	case refreshMsg:
		return m, refreshTick()
	}
	return m, nil
}

func (m monitorModel) View() string {
	s := titleStyle.Render("dynctl monitor") +
		dimStyle.Render(fmt.Sprintf("  %.1f loops/s  [q to quit]", m.ctrl.FPS())) + "\n\n"

	s += headStyle.Render(fmt.Sprintf("%-4s %-8s %-6s %-7s %8s %8s %8s %6s %5s",
		"ID", "MODEL", "MODE", "TORQUE", "POS", "GOAL", "SPEED", "LOAD", "TEMP")) + "\n"

	for _, motor := range m.ctrl.Motors() {
		pos, _ := motor.Position()
		goal, _ := motor.GoalPosition()
		speed, _ := motor.Speed()
		load, _ := motor.Load()
		temp, _ := motor.Temperature()

		torque := dimStyle.Render("off    ")
		if !motor.Compliant() {
			torque = activeStyle.Render("on     ")
		}
		mode := motor.Mode().String()
		if motor.Mode() == dynamixel.ModeWheel {
			mode = wheelStyle.Render("wheel ")
		}

		s += fmt.Sprintf("%-4d %-8s %-6s %s %8d %8d %8d %6d %5d",
			motor.ID(), motor.Model(), mode, torque, pos, goal, speed, load, temp)

		if err := motor.Fault(); err != nil {
			s += "  " + faultStyle.Render(err.Error())
		}
		s += "\n"
	}
	return s
}
