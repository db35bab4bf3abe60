package showerlink

import (
	"context"
	"github.com/jd3nn1s/showerlink/mixcan"
	"sync"
)

type sensorStub struct {
	startChan chan struct{}
	errChan   chan error
	fnChan    chan func()
}

type command struct {
	setpoint float32
	run      bool
}

type canBusStub struct {
	sensorStub
	callbacks mixcan.Callbacks

	mu       sync.Mutex
	commands []command
	sendErr  error
	closed   bool
}

func createSensorStub() *sensorStub {
	ret := sensorStub{
		startChan: make(chan struct{}, 1),
		errChan:   make(chan error),
		fnChan:    make(chan func()),
	}
	return &ret
}

func (s *sensorStub) start(ctx context.Context) error {
	select {
	case s.startChan <- struct{}{}:
	default:
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-s.errChan:
			return err
		case fn := <-s.fnChan:
			fn()
		}
	}
}

func createCANBusStub() *canBusStub {
	return &canBusStub{
		sensorStub: *createSensorStub(),
	}
}

func (c *canBusStub) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (c *canBusStub) Start(ctx context.Context, callbacks mixcan.Callbacks) error {
	c.callbacks = callbacks
	return c.sensorStub.start(ctx)
}

func (c *canBusStub) SendCommand(setpoint float32, run bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sendErr != nil {
		return c.sendErr
	}
	c.commands = append(c.commands, command{setpoint, run})
	return nil
}

func (c *canBusStub) sent() []command {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]command{}, c.commands...)
}

type forwarderStub struct {
	telemetry []Telemetry
	err       error
}

func (fwd *forwarderStub) Forward(newTelemetry *Telemetry, prevTelemetry *Telemetry) error {
	fwd.telemetry = append(fwd.telemetry, *newTelemetry)
	return fwd.err
}

func (fwd *forwarderStub) last() Telemetry {
	if len(fwd.telemetry) == 0 {
		return Telemetry{}
	}
	return fwd.telemetry[len(fwd.telemetry)-1]
}
