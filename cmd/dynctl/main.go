package main

import (
	"fmt"
	"os"
	"time"

	"github.com/jessevdk/go-flags"

	"github.com/protolab/dynamixel-servo/dynamixel"
	"github.com/protolab/dynamixel-servo/transports"
)

// BusOptions are shared by every command that talks to a bus.
type BusOptions struct {
	Port     string        `short:"p" long:"port" description:"Serial port path (default: first USB serial port)"`
	Baud     int           `short:"b" long:"baud" default:"1000000" description:"Baud rate"`
	Timeout  time.Duration `long:"timeout" default:"50ms" description:"Status packet timeout"`
	SyncRead bool          `long:"sync-read" description:"Adapter supports the SYNC_READ extension (USB2AX)"`
	Fake     bool          `long:"fake" description:"Use a simulated bus with three motors instead of hardware"`
	MinID    int           `long:"min-id" default:"0" description:"Lowest motor id to scan"`
	MaxID    int           `long:"max-id" default:"253" description:"Highest motor id to scan"`
	Freq     float64       `long:"freq" default:"60" description:"Control loop frequency in Hz"`
}

type Options struct {
	Ports   PortsCommand   `command:"ports" description:"List candidate serial ports"`
	Scan    ScanCommand    `command:"scan" description:"Scan the bus and print the motors found"`
	Monitor MonitorCommand `command:"monitor" description:"Live motor state view"`
	Serve   ServeCommand   `command:"serve" description:"Run the websocket state bridge"`
}

var opts Options
var parser = flags.NewParser(&opts, flags.Default)

func main() {
	parser.LongDescription = "dynctl - command line tool for Dynamixel servo buses"

	_, err := parser.Parse()
	if err != nil {
		if flagsErr, ok := err.(*flags.Error); ok {
			if flagsErr.Type == flags.ErrHelp {
				os.Exit(0)
			}
		}
		os.Exit(1)
	}
}

// openTransport opens the configured transport: a simulated bus with
// --fake, otherwise the given serial port or the first USB serial port
// found.
func openTransport(bus BusOptions) (dynamixel.Transport, error) {
	if bus.Fake {
		fake := transports.NewFakeBus(bus.SyncRead)
		fake.AddMotor(1, 12)  // AX-12
		fake.AddMotor(2, 12)  // AX-12
		fake.AddMotor(3, 29)  // MX-28
		return fake, nil
	}

	port := bus.Port
	if port == "" {
		ports, err := transports.AvailablePorts()
		if err != nil {
			return nil, err
		}
		if len(ports) == 0 {
			return nil, fmt.Errorf("no USB serial port found, use --port")
		}
		port = ports[0].Path
	}

	return transports.OpenSerial(transports.SerialConfig{
		Port:     port,
		BaudRate: bus.Baud,
		Timeout:  bus.Timeout,
		SyncRead: bus.SyncRead,
	})
}

// openController builds a started stack over the configured transport,
// discovers motors in the configured id range and loads them.
func openController(bus BusOptions) (*dynamixel.Controller, error) {
	transport, err := openTransport(bus)
	if err != nil {
		return nil, err
	}

	channel, err := dynamixel.NewChannel(dynamixel.ChannelConfig{
		Transport: transport,
		Timeout:   bus.Timeout,
	})
	if err != nil {
		transport.Close()
		return nil, err
	}

	ctrl, err := dynamixel.NewController(dynamixel.ControllerConfig{
		Channel: channel,
		Freq:    bus.Freq,
	})
	if err != nil {
		channel.Close()
		return nil, err
	}

	ids := make([]int, 0, bus.MaxID-bus.MinID+1)
	for id := bus.MinID; id <= bus.MaxID; id++ {
		ids = append(ids, id)
	}

	ctx := contextWithInterrupt()
	found, err := ctrl.DiscoverMotors(ctx, ids)
	if err != nil {
		ctrl.Close()
		return nil, err
	}
	if len(found) == 0 {
		ctrl.Close()
		return nil, fmt.Errorf("no motor found between ids %d and %d", bus.MinID, bus.MaxID)
	}
	if _, err := ctrl.LoadMotors(ctx, found); err != nil {
		ctrl.Close()
		return nil, err
	}
	return ctrl, nil
}
