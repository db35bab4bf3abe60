// Package serialradio drives a radio bridge dongle attached over a serial
// port. The dongle runs the radio stack and exchanges small framed messages
// with the host:
//
//	0x7e | type | length | body | xor(type, length, body)
//
// Configuration requests are answered with a result frame. Send requests are
// not: the bridge reports them with a send-completion event, so Send never
// waits and may be called from a handler. Received frames arrive as
// unsolicited events.
package serialradio

import (
	"bufio"
	"github.com/jd3nn1s/showerlink/link"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"go.bug.st/serial"
	"io"
	"sync"
	"time"
)

const (
	frameStart = 0x7e
	maxBody    = 255

	cmdChannel = 'C'
	cmdInit    = 'I'
	cmdDeinit  = 'D'
	cmdPMK     = 'K'
	cmdAddPeer = 'P'
	cmdModPeer = 'M'
	cmdSend    = 'S'

	evtResult   = 'A'
	evtReceive  = 'R'
	evtSendDone = 'T'

	statusOK       = 0
	statusFailed   = 1
	statusInternal = 2
	statusExists   = 3

	DefaultTimeout = 500 * time.Millisecond
)

var (
	ErrTimeout  = errors.New("bridge did not answer")
	ErrRejected = errors.New("bridge rejected request")
	ErrClosed   = errors.New("bridge port closed")
)

// to allow testing
var openPort = func(name string, baud int) (io.ReadWriteCloser, error) {
	return serial.Open(name, &serial.Mode{
		BaudRate: baud,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	})
}

type Radio struct {
	portName string
	baud     int
	Timeout  time.Duration

	// serialises request/result exchanges
	reqMu   sync.Mutex
	writeMu sync.Mutex

	mu      sync.Mutex
	port    io.ReadWriteCloser
	done    chan struct{}
	results chan byte
	handler link.Handler
	peers   map[link.Addr]bool
}

func New(portName string, baud int) *Radio {
	return &Radio{
		portName: portName,
		baud:     baud,
		Timeout:  DefaultTimeout,
		peers:    make(map[link.Addr]bool),
	}
}

func (r *Radio) open() (io.ReadWriteCloser, chan struct{}, chan byte, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.port != nil {
		return r.port, r.done, r.results, nil
	}
	port, err := openPort(r.portName, r.baud)
	if err != nil {
		return nil, nil, nil, errors.Wrapf(err, "unable to open %s", r.portName)
	}
	r.port = port
	r.done = make(chan struct{})
	r.results = make(chan byte, 1)
	go r.readLoop(port, r.done, r.results)
	log.WithField("port", r.portName).Info("radio bridge opened")
	return r.port, r.done, r.results, nil
}

func (r *Radio) Close() error {
	r.mu.Lock()
	port := r.port
	r.port = nil
	r.mu.Unlock()
	if port == nil {
		return nil
	}
	return port.Close()
}

func (r *Radio) request(typ byte, body []byte) error {
	r.reqMu.Lock()
	defer r.reqMu.Unlock()

	port, done, results, err := r.open()
	if err != nil {
		return err
	}
	// drop a result that arrived after an earlier timeout
	select {
	case <-results:
	default:
	}
	if err := r.write(port, typ, body); err != nil {
		return err
	}
	select {
	case status := <-results:
		return statusError(status)
	case <-done:
		return ErrClosed
	case <-time.After(r.Timeout):
		return errors.Wrapf(ErrTimeout, "request %q", typ)
	}
}

func (r *Radio) write(port io.Writer, typ byte, body []byte) error {
	r.writeMu.Lock()
	defer r.writeMu.Unlock()
	if err := writeFrame(port, typ, body); err != nil {
		return errors.Wrap(err, "unable to write to bridge")
	}
	return nil
}

func statusError(status byte) error {
	switch status {
	case statusOK:
		return nil
	case statusInternal:
		return link.ErrRadioInternal
	case statusExists:
		return link.ErrPeerExists
	default:
		return errors.Wrapf(ErrRejected, "status %d", status)
	}
}

func (r *Radio) LockChannel(ch uint8) error {
	return r.request(cmdChannel, []byte{ch})
}

func (r *Radio) Init() error {
	return r.request(cmdInit, nil)
}

func (r *Radio) Deinit() error {
	return r.request(cmdDeinit, nil)
}

func (r *Radio) SetPrimaryKey(key [link.KeySize]byte) error {
	return r.request(cmdPMK, key[:])
}

// PeerExists reports peers registered through this Radio; the bridge keeps
// no state across host restarts.
func (r *Radio) PeerExists(addr link.Addr) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.peers[addr]
}

func (r *Radio) AddPeer(p link.PeerInfo) error {
	if err := r.request(cmdAddPeer, peerBody(p)); err != nil && errors.Cause(err) != link.ErrPeerExists {
		return err
	}
	r.mu.Lock()
	r.peers[p.Addr] = true
	r.mu.Unlock()
	return nil
}

func (r *Radio) ModifyPeer(p link.PeerInfo) error {
	return r.request(cmdModPeer, peerBody(p))
}

func peerBody(p link.PeerInfo) []byte {
	body := make([]byte, 0, link.AddrSize+2+link.KeySize)
	body = append(body, p.Addr[:]...)
	body = append(body, p.Channel)
	if p.Encrypt {
		body = append(body, 1)
	} else {
		body = append(body, 0)
	}
	return append(body, p.Key[:]...)
}

func (r *Radio) SetHandler(h link.Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handler = h
}

func (r *Radio) Send(addr link.Addr, data []byte) error {
	if len(data)+link.AddrSize > maxBody {
		return errors.Errorf("frame of %d bytes too large for bridge", len(data))
	}
	body := make([]byte, 0, link.AddrSize+len(data))
	body = append(body, addr[:]...)
	body = append(body, data...)
	port, _, _, err := r.open()
	if err != nil {
		return err
	}
	return r.write(port, cmdSend, body)
}

func (r *Radio) readLoop(port io.Reader, done chan struct{}, results chan byte) {
	defer close(done)
	rd := bufio.NewReader(port)
	for {
		typ, body, err := readFrame(rd)
		if err != nil {
			if errors.Cause(err) == errChecksum {
				log.Debug("dropping corrupt bridge frame")
				continue
			}
			log.WithField("err", err).Debug("radio bridge read loop stopped")
			return
		}
		r.dispatch(typ, body, results)
	}
}

func (r *Radio) dispatch(typ byte, body []byte, results chan byte) {
	switch typ {
	case evtResult:
		if len(body) != 1 {
			return
		}
		select {
		case results <- body[0]:
		default:
			log.Debug("unexpected bridge result")
		}
		return
	case evtReceive, evtSendDone:
	default:
		log.WithField("type", typ).Debug("unknown bridge frame")
		return
	}

	if len(body) < link.AddrSize {
		return
	}
	var peer link.Addr
	copy(peer[:], body[:link.AddrSize])
	r.mu.Lock()
	h := r.handler
	r.mu.Unlock()
	if h == nil {
		return
	}
	if typ == evtReceive {
		h.OnReceive(peer, body[link.AddrSize:])
		return
	}
	h.OnSendComplete(peer, len(body) > link.AddrSize && body[link.AddrSize] == 1)
}

var errChecksum = errors.New("bridge frame checksum mismatch")

func writeFrame(w io.Writer, typ byte, body []byte) error {
	if len(body) > maxBody {
		return errors.Errorf("body of %d bytes too large", len(body))
	}
	frame := make([]byte, 0, len(body)+4)
	frame = append(frame, frameStart, typ, byte(len(body)))
	frame = append(frame, body...)
	frame = append(frame, checksum(typ, body))
	_, err := w.Write(frame)
	return err
}

// readFrame skips bytes until a start marker and reads one frame.
func readFrame(rd *bufio.Reader) (byte, []byte, error) {
	for {
		b, err := rd.ReadByte()
		if err != nil {
			return 0, nil, err
		}
		if b == frameStart {
			break
		}
	}
	hdr := make([]byte, 2)
	if _, err := io.ReadFull(rd, hdr); err != nil {
		return 0, nil, err
	}
	rest := make([]byte, int(hdr[1])+1)
	if _, err := io.ReadFull(rd, rest); err != nil {
		return 0, nil, err
	}
	body := rest[:hdr[1]]
	if rest[hdr[1]] != checksum(hdr[0], body) {
		return 0, nil, errChecksum
	}
	return hdr[0], body, nil
}

func checksum(typ byte, body []byte) byte {
	sum := typ ^ byte(len(body))
	for _, b := range body {
		sum ^= b
	}
	return sum
}
