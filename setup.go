package showerlink

import (
	"github.com/jd3nn1s/showerlink/config"
	"github.com/jd3nn1s/showerlink/link"
	"github.com/jd3nn1s/showerlink/link/serialradio"
	"github.com/jd3nn1s/showerlink/link/udpradio"
	"github.com/jd3nn1s/showerlink/originator"
	"github.com/pkg/errors"
)

type RadioCloser interface {
	link.Radio
	Close() error
}

// NewRadio builds the radio driver selected by the [radio] table.
func NewRadio(cfg *config.Config) (RadioCloser, error) {
	switch cfg.Radio.Driver {
	case config.DriverUDP:
		local, err := link.ParseAddr(cfg.Radio.Local)
		if err != nil {
			return nil, errors.Wrap(err, "radio.local")
		}
		return udpradio.New(local, cfg.Radio.Listen, cfg.Radio.Remote), nil
	case config.DriverSerial:
		return serialradio.New(cfg.Radio.Port, cfg.Radio.Baud), nil
	}
	return nil, errors.Errorf("unknown radio driver %q", cfg.Radio.Driver)
}

func ControlConfigFrom(cfg *config.Config, testMode bool) (ControlConfig, error) {
	lc, err := cfg.LinkConfig()
	if err != nil {
		return ControlConfig{}, err
	}
	return ControlConfig{
		Link:         lc,
		LinkTimeout:  cfg.Control.LinkTimeout.Duration,
		CANInterface: cfg.Control.CANInterface,
		TestMode:     testMode,
	}, nil
}

func UIConfigFrom(cfg *config.Config, testMode bool) (UIConfig, error) {
	lc, err := cfg.LinkConfig()
	if err != nil {
		return UIConfig{}, err
	}
	return UIConfig{
		Link: lc,
		Originator: originator.Config{
			HeartbeatInterval: cfg.UI.Heartbeat.Duration,
			InFlightTimeout:   cfg.UI.InFlightTimeout.Duration,
			Setpoint:          cfg.UI.DefaultSetpoint,
		},
		TestMode: testMode,
	}, nil
}
