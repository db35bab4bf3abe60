// Package receiver implements the Control unit side of the command protocol.
// Frames from the UI unit arrive on the radio goroutine; the control loop
// picks up the newest command with PollCommand.
package receiver

import (
	"github.com/jd3nn1s/showerlink/link"
	"github.com/jd3nn1s/showerlink/payload"
	log "github.com/sirupsen/logrus"
	"sync"
	"time"
)

type Sender interface {
	Send(data []byte) error
}

type Command struct {
	Setpoint float32
	Run      bool
	Seq      uint16
	Valid    bool
}

// Readings are mirrored back to the UI unit in every ACK.
type Readings struct {
	OutletTemp  float32
	OutletValid bool
	Flow        float32
	FlowValid   bool
}

type Receiver struct {
	sender Sender
	clock  func() time.Time
	epoch  time.Time

	mu       sync.Mutex
	latest   Command
	latched  Command
	fresh    bool
	lastRx   time.Time
	readings Readings
	rxCount  uint32
	errCount uint32
}

// New returns a Receiver replying through sender. A nil clock uses time.Now.
func New(sender Sender, clock func() time.Time) *Receiver {
	if clock == nil {
		clock = time.Now
	}
	return &Receiver{
		sender: sender,
		clock:  clock,
		epoch:  clock(),
	}
}

func (r *Receiver) millis(now time.Time) uint32 {
	return uint32(now.Sub(r.epoch) / time.Millisecond)
}

// OnReceive validates a frame, publishes the result and answers with ACK or
// ERR. Only a frame of exactly payload.Size bytes changes the latched
// setpoint and run state.
func (r *Receiver) OnReceive(peer link.Addr, data []byte) {
	now := r.clock()
	reply := payload.Payload{
		Millis: r.millis(now),
	}

	p, err := payload.Unmarshal(data)

	r.mu.Lock()
	if err == nil {
		r.latched = Command{
			Setpoint: p.Value,
			Run:      p.Flags.Has(payload.FlagRun),
			Seq:      p.Seq,
			Valid:    true,
		}
		r.latest = r.latched
		r.lastRx = now
		r.rxCount++

		reply.Seq = p.Seq
		reply.Flags = payload.FlagAck
		reply.Value = r.readings.OutletTemp
		reply.Flow = r.readings.Flow
		if r.readings.OutletValid {
			reply.Flags |= payload.FlagTempValid
		}
		if r.readings.FlowValid {
			reply.Flags |= payload.FlagFlowValid
		}
	} else {
		r.latest = Command{
			Setpoint: r.latched.Setpoint,
			Run:      r.latched.Run,
		}
		r.errCount++
		reply.Flags = payload.FlagErr
	}
	r.fresh = true
	r.mu.Unlock()

	if err != nil {
		log.WithField("len", len(data)).Debug("malformed command frame")
	}
	if sendErr := r.sender.Send(reply.Marshal()); sendErr != nil {
		log.WithField("err", sendErr).
			WithField("seq", reply.Seq).
			Debug("unable to send reply")
	}
}

func (r *Receiver) OnSendComplete(peer link.Addr, ok bool) {
	if !ok {
		log.WithField("peer", peer).Debug("reply not delivered")
	}
}

// PollCommand returns the newest command once; later calls return false
// until another frame arrives.
func (r *Receiver) PollCommand() (Command, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.fresh {
		return Command{}, false
	}
	r.fresh = false
	return r.latest, true
}

// Latched returns the last valid command without consuming it.
func (r *Receiver) Latched() Command {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.latched
}

func (r *Receiver) SetReadings(readings Readings) {
	r.mu.Lock()
	r.readings = readings
	r.mu.Unlock()
}

// LastReceive is the arrival time of the last valid frame, zero if none
// arrived since start or since MarkLinkLost.
func (r *Receiver) LastReceive() time.Time {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lastRx
}

func (r *Receiver) MarkLinkLost() {
	r.mu.Lock()
	r.lastRx = time.Time{}
	r.mu.Unlock()
}

// Expired reports whether a valid frame was seen and then nothing for longer
// than timeout.
func (r *Receiver) Expired(now time.Time, timeout time.Duration) bool {
	last := r.LastReceive()
	return !last.IsZero() && now.Sub(last) > timeout
}

// Counts returns the number of valid and malformed frames received.
func (r *Receiver) Counts() (valid, malformed uint32) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.rxCount, r.errCount
}
