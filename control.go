package showerlink

import (
	"context"
	"github.com/jd3nn1s/showerlink/link"
	"github.com/jd3nn1s/showerlink/receiver"
	log "github.com/sirupsen/logrus"
	"time"
)

const (
	DefaultLinkTimeout = 3 * time.Second

	channelBufferSize = 1
)

type ControlConfig struct {
	Link link.Config
	// LinkTimeout is how long the link may stay silent before the node stops
	// the valve.
	LinkTimeout time.Duration
	// CANInterface names the valve controller bus; empty runs without one.
	CANInterface string
	TestMode     bool
	Clock        func() time.Time
}

// ControlNode executes commands from the UI unit. Radio events are handled by
// its receiver; everything else happens in Step, called from a single loop.
type ControlNode struct {
	cfg      ControlConfig
	link     *link.Link
	receiver *receiver.Receiver

	readingsChan chan receiver.Readings
	canBus       *canBusRetryable
	forwarders   []Forwarder

	linkUp    bool
	telemetry Telemetry
}

func NewControlNode(radio link.Radio, cfg ControlConfig) *ControlNode {
	if cfg.LinkTimeout <= 0 {
		cfg.LinkTimeout = DefaultLinkTimeout
	}
	l := link.New(radio)
	return &ControlNode{
		cfg:          cfg,
		link:         l,
		receiver:     receiver.New(l, cfg.Clock),
		readingsChan: make(chan receiver.Readings, channelBufferSize),
		telemetry: Telemetry{
			Node: NodeControl,
		},
	}
}

func (n *ControlNode) AddForwarder(fwd Forwarder) {
	n.forwarders = append(n.forwarders, fwd)
}

// Start brings up the radio link and the reading sources. It does not block.
func (n *ControlNode) Start(ctx context.Context) error {
	if err := n.link.Begin(n.cfg.Link, n.receiver); err != nil {
		return err
	}
	if n.cfg.CANInterface != "" {
		n.canBus = &canBusRetryable{
			portName: n.cfg.CANInterface,
			sendChan: n.readingsChan,
		}
		n.AddForwarder(&CANForwarder{canBus: n.canBus})
		go runCAN(ctx, n.canBus)
	}
	if n.cfg.TestMode {
		n.startTestMode(ctx)
	}
	return nil
}

// Step applies new readings and commands, supervises the link and forwards
// the telemetry if anything changed. It never blocks.
func (n *ControlNode) Step(now time.Time) (changed bool) {
	newTelemetry := n.telemetry

	select {
	case r := <-n.readingsChan:
		n.receiver.SetReadings(r)
		newTelemetry.OutletTemp = r.OutletTemp
		newTelemetry.OutletValid = r.OutletValid
		newTelemetry.Flow = r.Flow
		newTelemetry.FlowValid = r.FlowValid
	default:
	}

	if cmd, ok := n.receiver.PollCommand(); ok && cmd.Valid {
		if !n.linkUp {
			log.WithField("seq", cmd.Seq).Info("link to ui unit up")
		}
		n.linkUp = true
		newTelemetry.Setpoint = cmd.Setpoint
		newTelemetry.Run = cmd.Run
		newTelemetry.Seq = cmd.Seq
	}

	if n.linkUp && n.receiver.Expired(now, n.cfg.LinkTimeout) {
		log.WithField("timeout", n.cfg.LinkTimeout).Warn("link to ui unit lost, stopping")
		n.receiver.MarkLinkLost()
		n.linkUp = false
		newTelemetry.Run = false
	}

	newTelemetry.LinkUp = n.linkUp
	newTelemetry.RxCount, _ = n.receiver.Counts()

	if newTelemetry == n.telemetry {
		return false
	}
	prevTelemetry := n.telemetry
	n.telemetry = newTelemetry
	n.forward(&newTelemetry, &prevTelemetry)
	return true
}

func (n *ControlNode) forward(newTelemetry *Telemetry, prevTelemetry *Telemetry) {
	for _, fwd := range n.forwarders {
		if err := fwd.Forward(newTelemetry, prevTelemetry); err != nil {
			log.WithField("err", err).Warn("unable to forward telemetry")
		}
	}
}

func (n *ControlNode) Telemetry() Telemetry {
	return n.telemetry
}

func (n *ControlNode) Receiver() *receiver.Receiver {
	return n.receiver
}

func (n *ControlNode) Link() *link.Link {
	return n.link
}
