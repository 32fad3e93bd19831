package main

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/protolab/dynamixel-servo/transports"
)

// PortsCommand lists candidate serial ports.
type PortsCommand struct{}

func (c *PortsCommand) Execute(args []string) error {
	ports, err := transports.AvailablePorts()
	if err != nil {
		return err
	}
	if len(ports) == 0 {
		fmt.Println("no USB serial port found")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "PATH\tPRODUCT\tVID:PID\tSERIAL")
	for _, p := range ports {
		fmt.Fprintf(w, "%s\t%s\t%s:%s\t%s\n", p.Path, p.Product, p.VID, p.PID, p.SerialNumber)
	}
	return w.Flush()
}

// ScanCommand discovers and loads the motors on the bus, prints them, and
// exits.
type ScanCommand struct {
	Bus BusOptions `group:"bus"`
}

func (c *ScanCommand) Execute(args []string) error {
	ctrl, err := openController(c.Bus)
	if err != nil {
		return err
	}
	defer ctrl.Close()

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tMODEL\tMODE\tPOSITION\tVOLTAGE\tTEMP")
	for _, m := range ctrl.Motors() {
		pos, _ := m.Position()
		volt, _ := m.Voltage()
		temp, _ := m.Temperature()
		fmt.Fprintf(w, "%d\t%s\t%s\t%d\t%d\t%d\n", m.ID(), m.Model(), m.Mode(), pos, volt, temp)
	}
	return w.Flush()
}
