package showerlink

import (
	"context"
	"github.com/jd3nn1s/showerlink/mixcan"
)

type CANBus interface {
	Close() error
	Start(context.Context, mixcan.Callbacks) error
	SendCommand(setpoint float32, run bool) error
}

type Forwarder interface {
	Forward(newTelemetry *Telemetry, prevTelemetry *Telemetry) error
}
