package link

import (
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"sync"
)

var (
	ErrBadArgs     = errors.New("bad link arguments")
	ErrChannelLock = errors.New("unable to lock radio channel")
	ErrInit        = errors.New("unable to initialise radio stack")
	ErrKeyMissing  = errors.New("encryption requested without key material")
	ErrKeyInstall  = errors.New("unable to install primary key")
	ErrPeer        = errors.New("unable to register peer")
	ErrSend        = errors.New("unable to enqueue frame")
	ErrNotStarted  = errors.New("link not started")
)

type Config struct {
	Peer    Addr
	Channel uint8
	Encrypt bool
	// PrimaryKey and PeerKey must be KeySize bytes when Encrypt is set.
	PrimaryKey []byte
	PeerKey    []byte
}

// Link owns the association with a single fixed peer.
type Link struct {
	radio Radio

	mu      sync.Mutex
	cfg     Config
	handler Handler
	started bool
}

func New(radio Radio) *Link {
	return &Link{
		radio: radio,
	}
}

// Begin configures the radio and installs h as the receiver of events from
// the peer. Once it has succeeded further calls are no-ops.
func (l *Link) Begin(cfg Config, h Handler) error {
	if l.radio == nil || cfg.Peer.IsZero() ||
		cfg.Channel < MinChannel || cfg.Channel > MaxChannel {
		return errors.Wrapf(ErrBadArgs, "peer %s channel %d", cfg.Peer, cfg.Channel)
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.started {
		return nil
	}

	if err := l.radio.LockChannel(cfg.Channel); err != nil {
		return errors.Wrapf(ErrChannelLock, "channel %d: %v", cfg.Channel, err)
	}
	if err := l.initRadio(); err != nil {
		return errors.Wrap(ErrInit, err.Error())
	}

	peer := PeerInfo{
		Addr:    cfg.Peer,
		Channel: cfg.Channel,
	}
	if cfg.Encrypt {
		if len(cfg.PrimaryKey) != KeySize || len(cfg.PeerKey) != KeySize {
			l.deinit()
			return errors.Wrapf(ErrKeyMissing, "keys must be %d bytes", KeySize)
		}
		var pmk [KeySize]byte
		copy(pmk[:], cfg.PrimaryKey)
		if err := l.radio.SetPrimaryKey(pmk); err != nil {
			l.deinit()
			return errors.Wrap(ErrKeyInstall, err.Error())
		}
		peer.Encrypt = true
		copy(peer.Key[:], cfg.PeerKey)
	}

	if err := l.registerPeer(peer); err != nil {
		l.deinit()
		return errors.Wrapf(ErrPeer, "%s: %v", cfg.Peer, err)
	}

	l.cfg = cfg
	l.handler = h
	l.radio.SetHandler(bridge{l})
	l.started = true
	log.WithField("peer", cfg.Peer).
		WithField("channel", cfg.Channel).
		WithField("encrypt", cfg.Encrypt).
		Info("radio link started")
	return nil
}

// initRadio retries once after a transient internal error.
func (l *Link) initRadio() error {
	err := l.radio.Init()
	if errors.Cause(err) == ErrRadioInternal {
		log.WithField("err", err).Warn("radio init failed, retrying")
		l.deinit()
		err = l.radio.Init()
	}
	return err
}

func (l *Link) registerPeer(p PeerInfo) error {
	if l.radio.PeerExists(p.Addr) {
		return l.radio.ModifyPeer(p)
	}
	err := l.radio.AddPeer(p)
	if errors.Cause(err) == ErrPeerExists {
		return nil
	}
	return err
}

func (l *Link) deinit() {
	if err := l.radio.Deinit(); err != nil {
		log.WithField("err", err).Debug("radio deinit failed")
	}
}

// Send enqueues data for the peer. Delivery is reported later through
// OnSendComplete.
func (l *Link) Send(data []byte) error {
	l.mu.Lock()
	started, peer := l.started, l.cfg.Peer
	l.mu.Unlock()

	if !started {
		return ErrNotStarted
	}
	if len(data) == 0 {
		return errors.Wrap(ErrBadArgs, "empty frame")
	}
	if err := l.radio.Send(peer, data); err != nil {
		return errors.Wrap(ErrSend, err.Error())
	}
	return nil
}

func (l *Link) Peer() Addr {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.cfg.Peer
}

func (l *Link) Channel() uint8 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.cfg.Channel
}

func (l *Link) Started() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.started
}

func (l *Link) target() (Addr, Handler) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.cfg.Peer, l.handler
}

// bridge filters radio events down to the bound peer.
type bridge struct {
	l *Link
}

func (b bridge) OnReceive(from Addr, data []byte) {
	peer, h := b.l.target()
	if h == nil || len(data) == 0 {
		return
	}
	if from != peer {
		log.WithField("from", from).Debug("dropping frame from unknown peer")
		return
	}
	h.OnReceive(from, data)
}

func (b bridge) OnSendComplete(to Addr, ok bool) {
	peer, h := b.l.target()
	if h == nil || to != peer {
		return
	}
	h.OnSendComplete(to, ok)
}
