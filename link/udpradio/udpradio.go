// Package udpradio emulates a connectionless peer-to-peer radio with UDP
// datagrams, so both units can run on ordinary hosts.
//
// Datagram layout:
//
//	magic "SL" | channel | src addr (6) | dst addr (6) | sealed flag | body
//
// When the peer is registered with encryption the body is AES-GCM sealed with
// the peer key, the primary key is bound in as additional data and a random
// nonce is prepended.
package udpradio

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"github.com/jd3nn1s/showerlink/link"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"io"
	"net"
	"sync"
)

const (
	headerSize   = 2 + 1 + link.AddrSize*2 + 1
	maxDatagram  = 512
	maxFrameSize = 250
)

var magic = [2]byte{'S', 'L'}

var (
	ErrNotInitialised = errors.New("udp radio not initialised")
	ErrFrameTooLarge  = errors.New("frame too large")
)

type Radio struct {
	local  link.Addr
	listen string
	remote string

	mu      sync.Mutex
	conn    *net.UDPConn
	dst     *net.UDPAddr
	channel uint8
	pmk     [link.KeySize]byte
	peers   map[link.Addr]link.PeerInfo
	handler link.Handler
	wg      sync.WaitGroup
}

func New(local link.Addr, listen, remote string) *Radio {
	return &Radio{
		local:  local,
		listen: listen,
		remote: remote,
		peers:  make(map[link.Addr]link.PeerInfo),
	}
}

func (r *Radio) LockChannel(ch uint8) error {
	if ch < link.MinChannel || ch > link.MaxChannel {
		return errors.Errorf("channel %d not supported", ch)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.channel = ch
	return nil
}

func (r *Radio) Init() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.conn != nil {
		return nil
	}
	laddr, err := net.ResolveUDPAddr("udp", r.listen)
	if err != nil {
		return errors.Wrapf(err, "unable to resolve %s", r.listen)
	}
	dst, err := net.ResolveUDPAddr("udp", r.remote)
	if err != nil {
		return errors.Wrapf(err, "unable to resolve %s", r.remote)
	}
	conn, err := net.ListenUDP("udp", laddr)
	if err != nil {
		return errors.Wrapf(err, "unable to listen on %s", r.listen)
	}
	r.conn = conn
	r.dst = dst
	r.wg.Add(1)
	go r.readLoop(conn)
	log.WithField("listen", conn.LocalAddr()).
		WithField("remote", dst).
		Info("udp radio up")
	return nil
}

func (r *Radio) Deinit() error {
	r.mu.Lock()
	conn := r.conn
	r.conn = nil
	r.mu.Unlock()
	if conn == nil {
		return nil
	}
	err := conn.Close()
	r.wg.Wait()
	return err
}

func (r *Radio) Close() error {
	return r.Deinit()
}

// LocalAddr is the bound UDP address, nil before Init.
func (r *Radio) LocalAddr() net.Addr {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.conn == nil {
		return nil
	}
	return r.conn.LocalAddr()
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

// Send writes one datagram. UDP has no link-level acknowledgment, so the
// completion reports whether the datagram left the host.
func (r *Radio) Send(addr link.Addr, data []byte) error {
	if len(data) > maxFrameSize {
		return errors.Wrapf(ErrFrameTooLarge, "%d bytes", len(data))
	}
	r.mu.Lock()
	conn, dst, channel, pmk, h := r.conn, r.dst, r.channel, r.pmk, r.handler
	peer, ok := r.peers[addr]
	r.mu.Unlock()
	if conn == nil {
		return ErrNotInitialised
	}
	if !ok {
		return errors.Errorf("peer %s not registered", addr)
	}

	datagram, err := r.encode(channel, addr, peer, pmk, data)
	if err != nil {
		return err
	}
	if _, err := conn.WriteToUDP(datagram, dst); err != nil {
		return errors.Wrap(err, "unable to write datagram")
	}
	if h != nil {
		r.wg.Add(1)
		go func() {
			defer r.wg.Done()
			h.OnSendComplete(addr, true)
		}()
	}
	return nil
}

func (r *Radio) encode(channel uint8, dst link.Addr, peer link.PeerInfo, pmk [link.KeySize]byte, data []byte) ([]byte, error) {
	buf := make([]byte, 0, headerSize+len(data)+64)
	buf = append(buf, magic[:]...)
	buf = append(buf, channel)
	buf = append(buf, r.local[:]...)
	buf = append(buf, dst[:]...)
	if !peer.Encrypt {
		buf = append(buf, 0)
		return append(buf, data...), nil
	}
	buf = append(buf, 1)
	aead, err := newAEAD(peer.Key)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, errors.Wrap(err, "unable to generate nonce")
	}
	buf = append(buf, nonce...)
	return aead.Seal(buf, nonce, data, pmk[:]), nil
}

func newAEAD(key [link.KeySize]byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key[:])
	if err != nil {
		return nil, errors.Wrap(err, "unable to create cipher")
	}
	return cipher.NewGCM(block)
}

func (r *Radio) readLoop(conn *net.UDPConn) {
	defer r.wg.Done()
	buf := make([]byte, maxDatagram)
	for {
		n, from, err := conn.ReadFromUDP(buf)
		if err != nil {
			log.WithField("err", err).Debug("udp radio read loop stopped")
			return
		}
		src, body, ok := r.decode(buf[:n])
		if !ok {
			log.WithField("from", from).Debug("dropping datagram")
			continue
		}
		r.mu.Lock()
		h := r.handler
		r.mu.Unlock()
		if h != nil {
			h.OnReceive(src, body)
		}
	}
}

// decode checks the header against the local state and opens the body.
func (r *Radio) decode(datagram []byte) (link.Addr, []byte, bool) {
	var src, dst link.Addr
	if len(datagram) < headerSize || datagram[0] != magic[0] || datagram[1] != magic[1] {
		return src, nil, false
	}
	channel := datagram[2]
	copy(src[:], datagram[3:3+link.AddrSize])
	copy(dst[:], datagram[3+link.AddrSize:3+link.AddrSize*2])
	sealed := datagram[headerSize-1] == 1
	body := datagram[headerSize:]

	r.mu.Lock()
	peer, known := r.peers[src]
	localChannel, pmk := r.channel, r.pmk
	r.mu.Unlock()

	if !known || dst != r.local || channel != localChannel || sealed != peer.Encrypt {
		return src, nil, false
	}
	if !sealed {
		out := make([]byte, len(body))
		copy(out, body)
		return src, out, true
	}
	aead, err := newAEAD(peer.Key)
	if err != nil || len(body) < aead.NonceSize() {
		return src, nil, false
	}
	out, err := aead.Open(nil, body[:aead.NonceSize()], body[aead.NonceSize():], pmk[:])
	if err != nil {
		return src, nil, false
	}
	return src, out, true
}
