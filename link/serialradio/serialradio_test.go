package serialradio

import (
	"bufio"
	"bytes"
	"github.com/jd3nn1s/showerlink/link"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"io"
	"net"
	"sync"
	"testing"
	"time"
)

var (
	ctrlAddr = link.Addr{0x3c, 0x8a, 0x1f, 0x80, 0xa9, 0xd4}
	uiAddr   = link.Addr{0x8c, 0x4f, 0x00, 0x35, 0x9b, 0xf4}
)

// dongleStub answers configuration requests with a fixed status per type and
// echoes sent frames back as a completion.
type dongleStub struct {
	conn     net.Conn
	mu       sync.Mutex
	status   map[byte][]byte
	requests []byte
	bodies   map[byte][]byte
	sendOK   bool
}

func (d *dongleStub) run() {
	rd := bufio.NewReader(d.conn)
	for {
		typ, body, err := readFrame(rd)
		if err != nil {
			return
		}
		d.mu.Lock()
		d.requests = append(d.requests, typ)
		d.bodies[typ] = append([]byte{}, body...)
		var status byte
		if queued := d.status[typ]; len(queued) > 0 {
			status = queued[0]
			d.status[typ] = queued[1:]
		}
		sendOK := d.sendOK
		d.mu.Unlock()

		if typ == cmdSend {
			done := append([]byte{}, body[:link.AddrSize]...)
			if sendOK {
				done = append(done, 1)
			} else {
				done = append(done, 0)
			}
			_ = writeFrame(d.conn, evtSendDone, done)
			continue
		}
		_ = writeFrame(d.conn, evtResult, []byte{status})
	}
}

func (d *dongleStub) queue(typ byte, status ...byte) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.status[typ] = append(d.status[typ], status...)
}

func (d *dongleStub) inject(typ byte, body []byte) {
	_ = writeFrame(d.conn, typ, body)
}

func (d *dongleStub) seen() []byte {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]byte{}, d.requests...)
}

func (d *dongleStub) body(typ byte) []byte {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.bodies[typ]
}

func withDongle(t *testing.T) (*Radio, *dongleStub) {
	host, dev := net.Pipe()
	d := &dongleStub{
		conn:   dev,
		status: make(map[byte][]byte),
		bodies: make(map[byte][]byte),
		sendOK: true,
	}
	go d.run()

	origOpenPort := openPort
	openPort = func(name string, baud int) (io.ReadWriteCloser, error) {
		assert.Equal(t, "/dev/ttyUSB0", name)
		assert.Equal(t, 115200, baud)
		return host, nil
	}
	t.Cleanup(func() {
		openPort = origOpenPort
		_ = dev.Close()
	})
	r := New("/dev/ttyUSB0", 115200)
	t.Cleanup(func() {
		_ = r.Close()
	})
	return r, d
}

type recorder struct {
	mu        sync.Mutex
	frames    [][]byte
	completes []bool
}

func (r *recorder) OnReceive(peer link.Addr, data []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.frames = append(r.frames, append([]byte{}, data...))
}

func (r *recorder) OnSendComplete(peer link.Addr, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.completes = append(r.completes, ok)
}

func (r *recorder) snapshot() ([][]byte, []bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([][]byte{}, r.frames...), append([]bool{}, r.completes...)
}

func TestFrameRoundTrip(t *testing.T) {
	buf := &bytes.Buffer{}
	buf.Write([]byte{0x00, 0x13})
	require.NoError(t, writeFrame(buf, cmdSend, []byte{1, 2, frameStart}))
	typ, body, err := readFrame(bufio.NewReader(buf))
	require.NoError(t, err)
	assert.Equal(t, byte(cmdSend), typ)
	assert.Equal(t, []byte{1, 2, frameStart}, body)
}

func TestFrameChecksum(t *testing.T) {
	buf := &bytes.Buffer{}
	require.NoError(t, writeFrame(buf, evtResult, []byte{0}))
	raw := buf.Bytes()
	raw[len(raw)-1] ^= 0xff
	_, _, err := readFrame(bufio.NewReader(bytes.NewReader(raw)))
	assert.Equal(t, errChecksum, errors.Cause(err))

	assert.Error(t, writeFrame(&bytes.Buffer{}, cmdSend, make([]byte, maxBody+1)))
}

func TestBeginOverBridge(t *testing.T) {
	r, d := withDongle(t)
	rec := &recorder{}
	l := link.New(r)
	pmk := []byte("showerctrl_pmk16")
	require.NoError(t, l.Begin(link.Config{
		Peer:       ctrlAddr,
		Channel:    6,
		Encrypt:    true,
		PrimaryKey: pmk,
		PeerKey:    []byte("static_lmk_uictr"),
	}, rec))

	assert.Equal(t, []byte{cmdChannel, cmdInit, cmdPMK, cmdAddPeer}, d.seen())
	assert.Equal(t, []byte{6}, d.body(cmdChannel))
	assert.Equal(t, pmk, d.body(cmdPMK))
	peer := d.body(cmdAddPeer)
	assert.Equal(t, ctrlAddr[:], peer[:link.AddrSize])
	assert.Equal(t, byte(6), peer[link.AddrSize])
	assert.Equal(t, byte(1), peer[link.AddrSize+1])
	assert.True(t, r.PeerExists(ctrlAddr))
}

func TestInitRetriedOverBridge(t *testing.T) {
	r, d := withDongle(t)
	d.queue(cmdInit, statusInternal)
	require.NoError(t, link.New(r).Begin(link.Config{Peer: ctrlAddr, Channel: 6}, nil))
	assert.Equal(t, []byte{cmdChannel, cmdInit, cmdDeinit, cmdInit, cmdAddPeer}, d.seen())
}

func TestRejectedRequest(t *testing.T) {
	r, d := withDongle(t)
	d.queue(cmdChannel, statusFailed)
	err := link.New(r).Begin(link.Config{Peer: ctrlAddr, Channel: 6}, nil)
	assert.Equal(t, link.ErrChannelLock, errors.Cause(err))
}

func TestPeerAlreadyOnBridge(t *testing.T) {
	r, d := withDongle(t)
	d.queue(cmdAddPeer, statusExists)
	assert.NoError(t, r.AddPeer(link.PeerInfo{Addr: ctrlAddr, Channel: 6}))
	assert.True(t, r.PeerExists(ctrlAddr))
	assert.NoError(t, r.ModifyPeer(link.PeerInfo{Addr: ctrlAddr, Channel: 7}))
}

func TestSendAndEvents(t *testing.T) {
	r, d := withDongle(t)
	rec := &recorder{}
	l := link.New(r)
	require.NoError(t, l.Begin(link.Config{Peer: ctrlAddr, Channel: 6}, rec))

	require.NoError(t, l.Send([]byte{9, 8, 7}))
	assert.Eventually(t, func() bool {
		_, completes := rec.snapshot()
		return len(completes) == 1
	}, time.Second, time.Millisecond)
	assert.Equal(t, append(ctrlAddr[:], 9, 8, 7), d.body(cmdSend))

	d.mu.Lock()
	d.sendOK = false
	d.mu.Unlock()
	require.NoError(t, l.Send([]byte{1}))
	assert.Eventually(t, func() bool {
		_, completes := rec.snapshot()
		return len(completes) == 2
	}, time.Second, time.Millisecond)
	_, completes := rec.snapshot()
	assert.Equal(t, []bool{true, false}, completes)

	d.inject(evtReceive, append(ctrlAddr[:], 0xaa, 0xbb))
	d.inject(evtReceive, append(uiAddr[:], 0xcc))
	assert.Eventually(t, func() bool {
		frames, _ := rec.snapshot()
		return len(frames) == 1
	}, time.Second, time.Millisecond)
	frames, _ := rec.snapshot()
	assert.Equal(t, []byte{0xaa, 0xbb}, frames[0])
}

func TestRequestTimeout(t *testing.T) {
	host, dev := net.Pipe()
	defer dev.Close()
	go func() {
		// swallow requests without answering
		_, _ = io.Copy(io.Discard, dev)
	}()
	origOpenPort := openPort
	openPort = func(string, int) (io.ReadWriteCloser, error) {
		return host, nil
	}
	defer func() {
		openPort = origOpenPort
	}()

	r := New("/dev/ttyUSB0", 115200)
	r.Timeout = 20 * time.Millisecond
	defer r.Close()
	assert.Equal(t, ErrTimeout, errors.Cause(r.Init()))
}

func TestOpenFailure(t *testing.T) {
	origOpenPort := openPort
	openPort = func(string, int) (io.ReadWriteCloser, error) {
		return nil, errors.New("no such port")
	}
	defer func() {
		openPort = origOpenPort
	}()
	r := New("/dev/ttyUSB9", 115200)
	assert.Error(t, r.Init())
	assert.Error(t, r.Send(ctrlAddr, []byte{1}))
}
