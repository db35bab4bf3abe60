package showerlink

import (
	"context"
	"github.com/jd3nn1s/showerlink/receiver"
	"sync"
	"time"
)

const (
	ambientTemp = 15.0
	testFlow    = 8.5
)

var testPressInterval = 3 * time.Second

// testValve stands in for the valve controller: it follows the forwarded
// command and reports an outlet temperature drifting towards the setpoint.
type testValve struct {
	sendChan chan<- receiver.Readings

	mu       sync.Mutex
	setpoint float32
	run      bool
	temp     float32
}

func (v *testValve) Forward(newTelemetry *Telemetry, prevTelemetry *Telemetry) error {
	v.mu.Lock()
	v.setpoint = newTelemetry.Setpoint
	v.run = newTelemetry.Run
	v.mu.Unlock()
	return nil
}

func (v *testValve) step() receiver.Readings {
	v.mu.Lock()
	defer v.mu.Unlock()
	target := float32(ambientTemp)
	if v.run {
		target = v.setpoint
	}
	v.temp += (target - v.temp) / 8
	r := receiver.Readings{
		OutletTemp:  v.temp,
		OutletValid: true,
		FlowValid:   true,
	}
	if v.run {
		r.Flow = testFlow
	}
	return r
}

func (v *testValve) loop(ctx context.Context, interval time.Duration) {
	tick := time.NewTicker(interval)
	defer tick.Stop()
	for {
		select {
		case <-tick.C:
		case <-ctx.Done():
			return
		}
		select {
		case v.sendChan <- v.step():
		default:
		}
	}
}

func (n *ControlNode) startTestMode(ctx context.Context) {
	v := &testValve{
		sendChan: n.readingsChan,
		temp:     ambientTemp,
	}
	n.AddForwarder(v)
	go v.loop(ctx, 250*time.Millisecond)
}

type buttonPress struct {
	setpoint float32
	run      bool
}

// runTestMode presses buttons: every few seconds the setpoint moves by a
// step between the limits, and each time the top is reached run toggles.
func (n *UINode) runTestMode(ctx context.Context) {
	const (
		low  = 90
		high = 110
		step = 5
	)
	press := buttonPress{
		setpoint: n.cfg.Originator.Setpoint,
		run:      true,
	}
	down := false
	tick := time.NewTicker(testPressInterval)
	defer tick.Stop()
	for {
		select {
		case <-tick.C:
		case <-ctx.Done():
			return
		}

		if down {
			press.setpoint -= step
		} else {
			press.setpoint += step
		}
		if press.setpoint >= high {
			down = true
			press.run = !press.run
		} else if press.setpoint <= low {
			down = false
		}

		select {
		case n.pressChan <- press:
		default:
		}
	}
}
