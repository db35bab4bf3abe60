// Package loopback provides a pair of in-process radios wired to each other.
// Each radio delivers its events from its own goroutine, which makes it a
// faithful stand-in for a real radio stack in tests and demos.
package loopback

import (
	"github.com/jd3nn1s/showerlink/link"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"sync"
)

const eventQueueSize = 64

var ErrNotInitialised = errors.New("loopback radio not initialised")

type Radio struct {
	addr link.Addr
	peer *Radio

	mu         sync.Mutex
	channel    uint8
	running    bool
	handler    link.Handler
	peers      map[link.Addr]link.PeerInfo
	pmk        [link.KeySize]byte
	events     chan func()
	done       chan struct{}
	initErrs   []error
	lockErr    error
	sendErr    error
	dropFrames int
	sent       [][]byte
}

func NewPair(a, b link.Addr) (*Radio, *Radio) {
	ra := newRadio(a)
	rb := newRadio(b)
	ra.peer = rb
	rb.peer = ra
	return ra, rb
}

func newRadio(addr link.Addr) *Radio {
	return &Radio{
		addr:  addr,
		peers: make(map[link.Addr]link.PeerInfo),
	}
}

func (r *Radio) Addr() link.Addr {
	return r.addr
}

func (r *Radio) LockChannel(ch uint8) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.lockErr != nil {
		return r.lockErr
	}
	r.channel = ch
	return nil
}

func (r *Radio) Init() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.initErrs) > 0 {
		err := r.initErrs[0]
		r.initErrs = r.initErrs[1:]
		return err
	}
	if r.running {
		return nil
	}
	r.events = make(chan func(), eventQueueSize)
	r.done = make(chan struct{})
	r.running = true
	go r.dispatch(r.events, r.done)
	return nil
}

func (r *Radio) dispatch(events <-chan func(), done <-chan struct{}) {
	for {
		select {
		case <-done:
			return
		case fn := <-events:
			fn()
		}
	}
}

func (r *Radio) Deinit() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.running {
		close(r.done)
		r.running = false
	}
	return nil
}

// Close stops the event goroutine.
func (r *Radio) Close() error {
	return r.Deinit()
}

func (r *Radio) SetPrimaryKey(key [link.KeySize]byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pmk = key
	return nil
}

func (r *Radio) PeerExists(addr link.Addr) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.peers[addr]
	return ok
}

func (r *Radio) AddPeer(p link.PeerInfo) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.peers[p.Addr]; ok {
		return link.ErrPeerExists
	}
	r.peers[p.Addr] = p
	return nil
}

func (r *Radio) ModifyPeer(p link.PeerInfo) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.peers[p.Addr]; !ok {
		return errors.Errorf("peer %s not registered", p.Addr)
	}
	r.peers[p.Addr] = p
	return nil
}

func (r *Radio) SetHandler(h link.Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handler = h
}

// Send hands a copy of data to the other radio of the pair. The completion
// reports whether the other side accepted the frame.
func (r *Radio) Send(addr link.Addr, data []byte) error {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return ErrNotInitialised
	}
	if r.sendErr != nil {
		r.mu.Unlock()
		return r.sendErr
	}
	info, ok := r.peers[addr]
	if !ok {
		r.mu.Unlock()
		return errors.Errorf("peer %s not registered", addr)
	}
	frame := make([]byte, len(data))
	copy(frame, data)
	r.sent = append(r.sent, frame)
	drop := r.dropFrames > 0
	if drop {
		r.dropFrames--
	}
	channel, pmk := r.channel, r.pmk
	r.mu.Unlock()

	delivered := false
	if !drop && addr == r.peer.addr {
		delivered = r.peer.deliver(r.addr, channel, info, pmk, frame)
	}
	r.post(func(h link.Handler) {
		h.OnSendComplete(addr, delivered)
	})
	return nil
}

// deliver accepts a frame if this radio is up, on the same channel and
// shares the sender's key material.
func (r *Radio) deliver(from link.Addr, channel uint8, sender link.PeerInfo, pmk [link.KeySize]byte, frame []byte) bool {
	r.mu.Lock()
	info, known := r.peers[from]
	accept := r.running && known && r.channel == channel &&
		info.Encrypt == sender.Encrypt &&
		(!info.Encrypt || (info.Key == sender.Key && r.pmk == pmk))
	r.mu.Unlock()
	if !accept {
		log.WithField("from", from).Debug("loopback frame rejected")
		return false
	}
	return r.post(func(h link.Handler) {
		h.OnReceive(from, frame)
	})
}

func (r *Radio) post(fn func(link.Handler)) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.running || r.handler == nil {
		return false
	}
	h := r.handler
	select {
	case r.events <- func() { fn(h) }:
		return true
	default:
		log.Debug("loopback event queue full")
		return false
	}
}

// FailInit makes the next Init calls return errs in order.
func (r *Radio) FailInit(errs ...error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.initErrs = errs
}

func (r *Radio) FailChannelLock(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.lockErr = err
}

// FailSends makes Send return err until called again with nil.
func (r *Radio) FailSends(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sendErr = err
}

// DropFrames loses the next n frames on air; their completions report failure.
func (r *Radio) DropFrames(n int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.dropFrames = n
}

func (r *Radio) Sent() [][]byte {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([][]byte, len(r.sent))
	copy(out, r.sent)
	return out
}
