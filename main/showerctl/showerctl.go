package main

import (
	"context"
	"flag"
	"fmt"
	"github.com/jd3nn1s/showerlink"
	"github.com/jd3nn1s/showerlink/config"
	"github.com/jd3nn1s/showerlink/forwarder"
	"github.com/jd3nn1s/showerlink/link/loopback"
	"github.com/jd3nn1s/showerlink/logging"
	log "github.com/sirupsen/logrus"
	"os"
	"os/signal"
	"syscall"
	"time"
)

var configFile = flag.String("config", "showerlink.toml", "node configuration file")
var role = flag.String("role", "", "override the configured role (control or ui)")
var testMode = flag.Bool("testmode", false, "generate test data")
var printTelemetry = flag.Bool("print-telemetry", false, "print telemetry to stdout")
var loopbackMode = flag.Bool("loopback", false, "run both units in this process over an in-memory radio")

const stepInterval = 10 * time.Millisecond

type node interface {
	Start(ctx context.Context) error
	Step(now time.Time) bool
	AddForwarder(fwd showerlink.Forwarder)
}

type printer struct{}

func (printer) Forward(newTelemetry *showerlink.Telemetry, prevTelemetry *showerlink.Telemetry) error {
	fmt.Printf("%+v\n", *newTelemetry)
	return nil
}

func main() {
	flag.Parse()
	logging.Configure(logging.ProfileRuntime)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var nodes []node
	var err error
	if *loopbackMode {
		nodes, err = loopbackNodes(*testMode)
	} else {
		nodes, err = configuredNode(ctx, *configFile, *role, *testMode)
	}
	if err != nil {
		log.WithField("err", err).Fatal("unable to set up node")
	}

	for _, n := range nodes {
		if *printTelemetry {
			n.AddForwarder(printer{})
		}
		if err := n.Start(ctx); err != nil {
			log.WithField("err", err).Fatal("unable to start node")
		}
	}

	tick := time.NewTicker(stepInterval)
	defer tick.Stop()
	for {
		select {
		case now := <-tick.C:
			for _, n := range nodes {
				n.Step(now)
			}
		case <-ctx.Done():
			log.Info("shutting down")
			return
		}
	}
}

func configuredNode(ctx context.Context, fileName, roleOverride string, testMode bool) ([]node, error) {
	cfg, err := config.Load(fileName)
	if err != nil {
		return nil, err
	}
	if roleOverride != "" {
		cfg.Role = roleOverride
		if err := cfg.Validate(); err != nil {
			return nil, err
		}
	}
	radio, err := showerlink.NewRadio(cfg)
	if err != nil {
		return nil, err
	}

	var n node
	switch cfg.Role {
	case config.RoleControl:
		cc, err := showerlink.ControlConfigFrom(cfg, testMode)
		if err != nil {
			return nil, err
		}
		n = showerlink.NewControlNode(radio, cc)
	default:
		uc, err := showerlink.UIConfigFrom(cfg, testMode)
		if err != nil {
			return nil, err
		}
		n = showerlink.NewUINode(radio, uc)
	}

	if cfg.Forwarder != nil {
		fwder, err := forwarder.NewUDPForwarderFromConfig(cfg.Forwarder)
		if err != nil {
			return nil, err
		}
		go func() {
			_ = fwder.Start(ctx)
		}()
		n.AddForwarder(fwder)
	}
	log.WithField("role", cfg.Role).
		WithField("driver", cfg.Radio.Driver).
		Info("node configured")
	return []node{n}, nil
}

// loopbackNodes pairs a Control and a UI unit over an in-memory radio.
func loopbackNodes(testMode bool) ([]node, error) {
	ctrlCfg := config.Default()
	ctrlCfg.Link.Peer = "8c:4f:00:35:9b:f4"
	uiCfg := config.Default()
	uiCfg.Link.Peer = "3c:8a:1f:80:a9:d4"

	cc, err := showerlink.ControlConfigFrom(ctrlCfg, testMode)
	if err != nil {
		return nil, err
	}
	uc, err := showerlink.UIConfigFrom(uiCfg, testMode)
	if err != nil {
		return nil, err
	}
	ctrlRadio, uiRadio := loopback.NewPair(uc.Link.Peer, cc.Link.Peer)
	return []node{
		showerlink.NewControlNode(ctrlRadio, cc),
		showerlink.NewUINode(uiRadio, uc),
	}, nil
}
