package showerlink

import (
	"context"
	"github.com/jd3nn1s/showerlink/link"
	"github.com/jd3nn1s/showerlink/originator"
	log "github.com/sirupsen/logrus"
	"time"
)

type UIConfig struct {
	Link       link.Config
	Originator originator.Config
	TestMode   bool
}

// UINode sends the user's setpoint to the Control unit and keeps the link
// alive with heartbeats. Step must be called regularly from a single loop.
type UINode struct {
	cfg        UIConfig
	link       *link.Link
	originator *originator.Originator

	pressChan  chan buttonPress
	forwarders []Forwarder
	telemetry  Telemetry
}

func NewUINode(radio link.Radio, cfg UIConfig) *UINode {
	l := link.New(radio)
	o := originator.New(l, cfg.Originator)
	setpoint, run := o.Desired()
	return &UINode{
		cfg:        cfg,
		link:       l,
		originator: o,
		pressChan:  make(chan buttonPress, channelBufferSize),
		telemetry: Telemetry{
			Node:     NodeUI,
			Setpoint: setpoint,
			Run:      run,
			LastOk:   true,
		},
	}
}

func (n *UINode) AddForwarder(fwd Forwarder) {
	n.forwarders = append(n.forwarders, fwd)
}

// Start brings up the radio link. It does not block.
func (n *UINode) Start(ctx context.Context) error {
	if err := n.link.Begin(n.cfg.Link, n.originator); err != nil {
		return err
	}
	if n.cfg.TestMode {
		go n.runTestMode(ctx)
	}
	return nil
}

// SetSetpoint is the user input path. It returns false when the command
// could not go out immediately; the next heartbeat carries it then.
func (n *UINode) SetSetpoint(setpoint float32, run bool) bool {
	accepted := n.originator.SendSetpoint(setpoint, run)
	log.WithField("setpoint", setpoint).
		WithField("run", run).
		WithField("accepted", accepted).
		Debug("setpoint changed")
	return accepted
}

// Step sends a heartbeat when one is due and forwards the telemetry if the
// status or the desired state changed.
func (n *UINode) Step(now time.Time) (changed bool) {
	select {
	case press := <-n.pressChan:
		n.SetSetpoint(press.setpoint, press.run)
	default:
	}

	n.originator.HeartbeatTick(now)

	newTelemetry := n.telemetry
	newTelemetry.Setpoint, newTelemetry.Run = n.originator.Desired()
	if status, ok := n.originator.PollStatus(); ok {
		newTelemetry.Seq = status.LastSeq
		newTelemetry.LastOk = status.LastOk
		newTelemetry.LinkUp = status.LastOk
		newTelemetry.Pending = status.Pending
		newTelemetry.TxCount = status.TxCount
		newTelemetry.OutletTemp = status.OutletTemp
		newTelemetry.OutletValid = status.OutletValid
		newTelemetry.Flow = status.Flow
		newTelemetry.FlowValid = status.FlowValid
	}

	if newTelemetry == n.telemetry {
		return false
	}
	prevTelemetry := n.telemetry
	n.telemetry = newTelemetry
	for _, fwd := range n.forwarders {
		if err := fwd.Forward(&newTelemetry, &prevTelemetry); err != nil {
			log.WithField("err", err).Warn("unable to forward telemetry")
		}
	}
	return true
}

func (n *UINode) Telemetry() Telemetry {
	return n.telemetry
}

func (n *UINode) Originator() *originator.Originator {
	return n.originator
}

func (n *UINode) Link() *link.Link {
	return n.link
}
