package main

import (
	"context"
	"os"
	"os/signal"
	"time"

	"github.com/protolab/dynamixel-servo/bridge"
)

// ServeCommand starts the control loop and the websocket bridge.
type ServeCommand struct {
	Bus      BusOptions    `group:"bus"`
	Addr     string        `long:"addr" default:":1984" description:"Bridge listen address"`
	Interval time.Duration `long:"interval" default:"50ms" description:"Snapshot interval"`
}

func (c *ServeCommand) Execute(args []string) error {
	ctrl, err := openController(c.Bus)
	if err != nil {
		return err
	}
	defer ctrl.Close()

	if err := ctrl.Start(); err != nil {
		return err
	}

	server := bridge.NewServer(ctrl, bridge.Config{
		Addr:     c.Addr,
		Interval: c.Interval,
	})

	ctx := contextWithInterrupt()
	if err := server.ListenAndServe(ctx); err != nil && err != context.Canceled {
		return err
	}
	return nil
}

// contextWithInterrupt returns a context canceled by SIGINT.
func contextWithInterrupt() context.Context {
	ctx, cancel := context.WithCancel(context.Background())
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, os.Interrupt)
	go func() {
		<-ch
		cancel()
	}()
	return ctx
}
