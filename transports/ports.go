//go:build !baremetal

package transports

import (
	"github.com/pkg/errors"
	"go.bug.st/serial/enumerator"
)

// PortInfo describes a candidate serial port for a servo bus adapter.
type PortInfo struct {
	Path         string
	Product      string
	SerialNumber string
	VID          string
	PID          string
}

// AvailablePorts lists the USB serial ports present on the system. Servo
// bus adapters (USB2Dynamixel, USB2AX, plain FTDI dongles) all show up as
// USB serial devices; onboard UARTs are skipped.
func AvailablePorts() ([]PortInfo, error) {
	details, err := enumerator.GetDetailedPortsList()
	if err != nil {
		return nil, errors.Wrap(err, "enumerate serial ports")
	}

	var ports []PortInfo
	for _, d := range details {
		if !d.IsUSB {
			continue
		}
		ports = append(ports, PortInfo{
			Path:         d.Name,
			Product:      d.Product,
			SerialNumber: d.SerialNumber,
			VID:          d.VID,
			PID:          d.PID,
		})
	}
	return ports, nil
}
