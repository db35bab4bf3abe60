package showerlink

import (
	"github.com/pkg/errors"
)

var errNoCANBus = errors.New("canbus is not initialized")

// CANForwarder passes setpoint and run changes on to the valve controller.
// A command that could not be sent is retried with the next telemetry update.
type CANForwarder struct {
	canBus *canBusRetryable
	unsent bool
}

func (fwd *CANForwarder) Forward(newTelemetry *Telemetry, prevTelemetry *Telemetry) error {
	if !fwd.unsent && prevTelemetry.Setpoint == newTelemetry.Setpoint && prevTelemetry.Run == newTelemetry.Run {
		return nil
	}
	fwd.unsent = true
	canBus := fwd.canBus.CANBus()
	if canBus == nil {
		return errNoCANBus
	}
	if err := canBus.SendCommand(newTelemetry.Setpoint, newTelemetry.Run); err != nil {
		return errors.Wrapf(err, "unable to send command to CAN bus")
	}
	fwd.unsent = false
	return nil
}
