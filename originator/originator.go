// Package originator implements the UI unit side of the command protocol:
// user sends and heartbeats with at most one request in flight, ACKs
// correlated by sequence, and a status record polled by the UI loop.
//
// SendSetpoint and HeartbeatTick belong to the UI loop and never block on
// the radio. OnReceive and OnSendComplete run on the radio goroutine.
package originator

import (
	"github.com/jd3nn1s/showerlink/link"
	"github.com/jd3nn1s/showerlink/payload"
	log "github.com/sirupsen/logrus"
	"sync"
	"time"
)

const (
	DefaultHeartbeatInterval = time.Second
	DefaultInFlightTimeout   = 2 * time.Second
)

type Sender interface {
	Send(data []byte) error
}

type Config struct {
	HeartbeatInterval time.Duration
	// InFlightTimeout fails a request that was neither acknowledged nor
	// reported as failed in time. Zero waits forever.
	InFlightTimeout time.Duration
	Setpoint        float32
	Clock           func() time.Time
}

type Status struct {
	LastSeq     uint16
	TxCount     uint32
	LastOk      bool
	Pending     bool
	OutletTemp  float32
	OutletValid bool
	Flow        float32
	FlowValid   bool
}

type inFlight struct {
	active bool
	seq    uint16
	user   bool
	sentAt time.Time
}

type Originator struct {
	sender    Sender
	clock     func() time.Time
	epoch     time.Time
	heartbeat time.Duration
	expiry    time.Duration

	mu       sync.Mutex
	seq      uint16
	setpoint float32
	run      bool
	lastSend time.Time
	inFlight inFlight
	status   Status
	dirty    bool
}

func New(sender Sender, cfg Config) *Originator {
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	heartbeat := cfg.HeartbeatInterval
	if heartbeat <= 0 {
		heartbeat = DefaultHeartbeatInterval
	}
	now := clock()
	return &Originator{
		sender:    sender,
		clock:     clock,
		epoch:     now,
		heartbeat: heartbeat,
		expiry:    cfg.InFlightTimeout,
		setpoint:  cfg.Setpoint,
		lastSend:  now,
		status: Status{
			LastOk: true,
		},
	}
}

// SendSetpoint records the desired state and tries to send it right away.
// It returns false if a request is still in flight or the send failed; the
// state goes out with a later heartbeat in that case.
func (o *Originator) SendSetpoint(setpoint float32, run bool) bool {
	o.mu.Lock()
	o.setpoint = setpoint
	o.run = run
	o.mu.Unlock()
	return o.sendCurrent(o.clock(), true)
}

// HeartbeatTick re-sends the desired state when nothing is in flight and the
// heartbeat interval has passed since the last send.
func (o *Originator) HeartbeatTick(now time.Time) {
	o.mu.Lock()
	if o.inFlight.active {
		seq := o.inFlight.seq
		expired := o.expiry > 0 && now.Sub(o.inFlight.sentAt) >= o.expiry
		if expired {
			o.resolveLocked(seq, false)
		}
		o.mu.Unlock()
		if expired {
			log.WithField("seq", seq).Warn("no answer for request, giving up")
		}
		return
	}
	due := now.Sub(o.lastSend) >= o.heartbeat
	o.mu.Unlock()

	if due {
		_ = o.sendCurrent(now, false)
	}
}

func (o *Originator) sendCurrent(now time.Time, user bool) bool {
	o.mu.Lock()
	if o.inFlight.active {
		o.mu.Unlock()
		return false
	}
	o.seq++
	if o.seq == 0 {
		o.seq = 1
	}
	p := payload.Payload{
		Millis: uint32(now.Sub(o.epoch) / time.Millisecond),
		Seq:    o.seq,
		Value:  o.setpoint,
	}
	if o.run {
		p.Flags = payload.FlagRun
	}
	o.inFlight = inFlight{
		active: true,
		seq:    p.Seq,
		user:   user,
		sentAt: now,
	}
	o.lastSend = now
	if user {
		o.status.Pending = true
		o.dirty = true
	}
	o.mu.Unlock()

	err := o.sender.Send(p.Marshal())
	if err != nil {
		log.WithField("err", err).
			WithField("seq", p.Seq).
			Warn("unable to send command")
		o.mu.Lock()
		o.resolveLocked(p.Seq, false)
		o.mu.Unlock()
		return false
	}
	return true
}

// resolveLocked finishes the in-flight request seq. Must hold o.mu.
func (o *Originator) resolveLocked(seq uint16, ok bool) {
	if !o.inFlight.active || o.inFlight.seq != seq {
		return
	}
	o.status.LastSeq = seq
	o.status.LastOk = ok
	if o.inFlight.user {
		o.status.Pending = false
	}
	o.status.TxCount++
	o.inFlight = inFlight{}
	o.dirty = true
}

// OnReceive accepts only an ACK for the request currently in flight.
func (o *Originator) OnReceive(peer link.Addr, data []byte) {
	p, err := payload.Unmarshal(data)
	if err != nil {
		log.WithField("len", len(data)).Debug("ignoring malformed status frame")
		return
	}
	if !p.Flags.Has(payload.FlagAck) {
		if p.Flags.Has(payload.FlagErr) {
			log.Debug("control unit rejected a frame")
		}
		return
	}

	o.mu.Lock()
	if !o.inFlight.active || o.inFlight.seq != p.Seq {
		o.mu.Unlock()
		log.WithField("seq", p.Seq).Debug("dropping stale ack")
		return
	}
	o.status.OutletTemp = p.Value
	o.status.OutletValid = p.Flags.Has(payload.FlagTempValid)
	o.status.Flow = p.Flow
	o.status.FlowValid = p.Flags.Has(payload.FlagFlowValid)
	o.resolveLocked(p.Seq, true)
	o.mu.Unlock()
}

func (o *Originator) OnSendComplete(peer link.Addr, ok bool) {
	if ok {
		return
	}
	o.mu.Lock()
	if o.inFlight.active {
		o.resolveLocked(o.inFlight.seq, false)
	}
	o.mu.Unlock()
}

// PollStatus returns the status and true only if it changed since the
// previous poll.
func (o *Originator) PollStatus() (Status, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if !o.dirty {
		return Status{}, false
	}
	o.dirty = false
	return o.status, true
}

func (o *Originator) Status() Status {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.status
}

// InFlight returns the sequence awaiting an answer, if any.
func (o *Originator) InFlight() (uint16, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.inFlight.seq, o.inFlight.active
}

func (o *Originator) Seq() uint16 {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.seq
}

// Desired returns the setpoint and run state the next send carries.
func (o *Originator) Desired() (float32, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.setpoint, o.run
}
