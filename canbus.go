package showerlink

import (
	"context"
	"github.com/jd3nn1s/showerlink/mixcan"
	"github.com/jd3nn1s/showerlink/receiver"
	log "github.com/sirupsen/logrus"
	"sync"
)

var canBusConnect = func(p string) (CANBus, error) {
	return mixcan.Connect(p)
}

// canBusRetryable keeps the valve controller connection alive and hands its
// readings to the control loop.
type canBusRetryable struct {
	portName string
	sendChan chan<- receiver.Readings

	mu   sync.Mutex
	c    CANBus
	data receiver.Readings
}

func (bus *canBusRetryable) Open() error {
	c, err := canBusConnect(bus.portName)
	if err != nil {
		return err
	}
	bus.mu.Lock()
	bus.c = c
	bus.mu.Unlock()
	return nil
}

func (bus *canBusRetryable) Close() error {
	bus.mu.Lock()
	c := bus.c
	bus.c = nil
	bus.mu.Unlock()
	if c == nil {
		return nil
	}
	return c.Close()
}

func (bus *canBusRetryable) Start(ctx context.Context) error {
	c := bus.CANBus()
	if c == nil {
		return errNoCANBus
	}
	return c.Start(ctx, mixcan.Callbacks{
		OutletTemp: func(v float32, valid bool) {
			bus.data.OutletTemp = v
			bus.data.OutletValid = valid
			bus.send()
		},
		Flow: func(v float32, valid bool) {
			bus.data.Flow = v
			bus.data.FlowValid = valid
			bus.send()
		},
	})
}

func (bus *canBusRetryable) send() {
	select {
	case bus.sendChan <- bus.data:
	default:
	}
}

func (bus *canBusRetryable) Name() string {
	return "canbus"
}

// CANBus returns the current connection, nil while reconnecting.
func (bus *canBusRetryable) CANBus() CANBus {
	bus.mu.Lock()
	defer bus.mu.Unlock()
	return bus.c
}

func runCAN(ctx context.Context, bus *canBusRetryable) {
	if err := retry(ctx, bus); err != nil {
		log.WithField("err", err).Info("canbus done")
	}
}
