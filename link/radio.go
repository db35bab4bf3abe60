package link

import (
	"encoding/hex"
	"fmt"
	"github.com/pkg/errors"
	"strings"
)

const (
	AddrSize = 6
	KeySize  = 16

	MinChannel = 1
	MaxChannel = 13
)

// Addr is a physical radio address.
type Addr [AddrSize]byte

func (a Addr) String() string {
	return fmt.Sprintf("%02x:%02x:%02x:%02x:%02x:%02x", a[0], a[1], a[2], a[3], a[4], a[5])
}

func (a Addr) IsZero() bool {
	return a == Addr{}
}

func ParseAddr(s string) (Addr, error) {
	addr := Addr{}
	raw := strings.NewReplacer(":", "", "-", "").Replace(strings.TrimSpace(s))
	b, err := hex.DecodeString(raw)
	if err != nil || len(b) != AddrSize {
		return addr, errors.Errorf("invalid radio address %q", s)
	}
	copy(addr[:], b)
	return addr, nil
}

// Handler receives radio events. Both methods are called from the radio's
// own goroutine, concurrently with the application loop. data is only valid
// for the duration of the call.
type Handler interface {
	OnReceive(peer Addr, data []byte)
	OnSendComplete(peer Addr, ok bool)
}

type PeerInfo struct {
	Addr    Addr
	Channel uint8
	Encrypt bool
	Key     [KeySize]byte
}

// Radio is the driver seam under a Link, shaped after a connectionless
// peer-to-peer radio stack.
type Radio interface {
	LockChannel(channel uint8) error
	Init() error
	Deinit() error
	SetPrimaryKey(key [KeySize]byte) error
	PeerExists(addr Addr) bool
	AddPeer(p PeerInfo) error
	ModifyPeer(p PeerInfo) error
	SetHandler(h Handler)
	Send(addr Addr, data []byte) error
}

// Drivers return these (possibly wrapped) so Link can tell them apart.
var (
	ErrRadioInternal = errors.New("radio internal error")
	ErrPeerExists    = errors.New("peer already registered")
)
