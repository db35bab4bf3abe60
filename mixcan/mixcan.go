// Package mixcan talks to the mixing-valve controller over CAN: it publishes
// the command accepted from the UI unit and reports the outlet temperature
// and flow readings the controller measures.
package mixcan

import (
	"context"
	"encoding/binary"
	"github.com/brutella/can"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"math"
)

const (
	frameOutletTemp uint32 = 0x100
	frameFlow       uint32 = 0x101
	frameCommand    uint32 = 0x110

	readingLength = 5
	commandLength = 5
)

// ReadingFn receives a sensor value and whether the controller trusts it.
type ReadingFn func(v float32, valid bool)

type Callbacks struct {
	OutletTemp ReadingFn
	Flow       ReadingFn
}

type CANBus interface {
	SubscribeFunc(can.HandlerFunc)
	ConnectAndPublish() error
	Disconnect() error
	Publish(can.Frame) error
}

// to allow testing
var newBus = func(portName string) (CANBus, error) {
	return can.NewBusForInterfaceWithName(portName)
}

type Connection struct {
	bus CANBus
	cb  *Callbacks
}

func Connect(portName string) (*Connection, error) {
	bus, err := newBus(portName)
	if err != nil {
		return nil, errors.Wrapf(err, "unable to open can interface %s", portName)
	}
	return &Connection{
		bus: bus,
	}, nil
}

// Start subscribes to sensor frames and blocks until the bus stops or ctx
// is done.
func (c *Connection) Start(ctx context.Context, cb Callbacks) error {
	c.cb = &cb
	c.bus.SubscribeFunc(c.handleFrame)
	log.Info("CAN bus opened and subscribed")

	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			log.Infof("stopping can bus: %v", ctx.Err())
			if err := c.bus.Disconnect(); err != nil {
				log.WithField("err", err).Warn("unable to disconnect canbus after context")
			}
		case <-stop:
		}
	}()

	return c.bus.ConnectAndPublish()
}

func (c *Connection) Close() error {
	if c.bus == nil {
		return errors.New("can bus not connected")
	}
	return c.bus.Disconnect()
}

// SendCommand publishes the setpoint and run state for the valve controller.
func (c *Connection) SendCommand(setpoint float32, run bool) error {
	if c.bus == nil {
		return errors.New("can bus not connected")
	}
	log.WithField("setpoint", setpoint).
		WithField("run", run).
		Debug("sending command over canbus")
	frame := can.Frame{
		ID:     frameCommand,
		Length: commandLength,
	}
	binary.LittleEndian.PutUint32(frame.Data[0:4], math.Float32bits(setpoint))
	if run {
		frame.Data[4] = 1
	}
	return c.bus.Publish(frame)
}

func (c *Connection) handleFrame(frame can.Frame) {
	log.WithField("canID", frame.ID).
		WithField("length", frame.Length).
		Debug("received canbus frame")

	if c.cb == nil {
		return
	}
	var cb ReadingFn
	switch frame.ID {
	case frameOutletTemp:
		cb = c.cb.OutletTemp
	case frameFlow:
		cb = c.cb.Flow
	default:
		log.WithField("canID", frame.ID).Debug("ignoring canID")
		return
	}

	if cb == nil {
		log.WithField("canID", frame.ID).Debug("no callback registered")
		return
	}

	v, valid, err := readingResult(frame)
	if err != nil {
		log.WithField("err", err).Error("unable to decode reading")
		return
	}
	cb(v, valid)
}

func readingResult(frame can.Frame) (float32, bool, error) {
	if frame.Length != readingLength {
		return 0, false, errors.Errorf("incorrect frame size for reading: %v", frame.Length)
	}
	v := math.Float32frombits(binary.LittleEndian.Uint32(frame.Data[0:4]))
	if math.IsNaN(float64(v)) {
		return 0, false, nil
	}
	return v, frame.Data[4] != 0, nil
}
