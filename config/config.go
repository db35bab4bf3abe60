package config

import (
	"encoding/hex"
	"github.com/BurntSushi/toml"
	"github.com/jd3nn1s/showerlink/link"
	"github.com/pkg/errors"
	"io"
	"io/ioutil"
	"os"
	"time"
)

const (
	RoleControl = "control"
	RoleUI      = "ui"

	DriverUDP    = "udp"
	DriverSerial = "serial"
)

// Duration decodes TOML strings such as "1500ms".
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

type Config struct {
	Role      string
	Link      Link
	Radio     Radio
	UI        UI
	Control   Control
	Forwarder *Forwarder
}

type Link struct {
	Peer       string
	Channel    uint8
	Encrypt    bool
	PrimaryKey string `toml:"primary_key"`
	PeerKey    string `toml:"peer_key"`
}

type Radio struct {
	Driver string
	Local  string
	// udp
	Listen string
	Remote string
	// serial
	Port string
	Baud int
}

type UI struct {
	Heartbeat       Duration
	InFlightTimeout Duration `toml:"in_flight_timeout"`
	DefaultSetpoint float32  `toml:"default_setpoint"`
}

type Control struct {
	LinkTimeout  Duration `toml:"link_timeout"`
	CANInterface string   `toml:"can_interface"`
}

type Forwarder struct {
	Server string
	Port   int
}

func Default() *Config {
	return &Config{
		Link: Link{
			Channel: 6,
		},
		Radio: Radio{
			Driver: DriverUDP,
			Baud:   115200,
		},
		UI: UI{
			Heartbeat:       Duration{time.Second},
			InFlightTimeout: Duration{2 * time.Second},
			DefaultSetpoint: 100,
		},
		Control: Control{
			LinkTimeout: Duration{3 * time.Second},
		},
	}
}

func Load(fileName string) (*Config, error) {
	file, err := os.Open(fileName)
	if err != nil {
		return nil, errors.Wrapf(err, "unable to open file %s", fileName)
	}
	defer file.Close()
	return LoadFromReader(file)
}

func LoadFromReader(r io.Reader) (*Config, error) {
	data, err := ioutil.ReadAll(r)
	if err != nil {
		return nil, errors.Wrap(err, "unable to read config reader")
	}
	cfg := Default()
	if _, err := toml.Decode(string(data), cfg); err != nil {
		return nil, errors.Wrap(err, "unable to decode configuration")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	if c.Role != RoleControl && c.Role != RoleUI {
		return errors.Errorf("unknown role %q", c.Role)
	}
	if _, err := c.LinkConfig(); err != nil {
		return err
	}
	switch c.Radio.Driver {
	case DriverUDP:
		if c.Radio.Listen == "" || c.Radio.Remote == "" {
			return errors.New("udp radio needs listen and remote addresses")
		}
		if _, err := link.ParseAddr(c.Radio.Local); err != nil {
			return errors.Wrap(err, "radio.local")
		}
	case DriverSerial:
		if c.Radio.Port == "" {
			return errors.New("serial radio needs a port")
		}
	default:
		return errors.Errorf("unknown radio driver %q", c.Radio.Driver)
	}
	return nil
}

// LinkConfig converts the [link] table into a link.Config.
func (c *Config) LinkConfig() (link.Config, error) {
	peer, err := link.ParseAddr(c.Link.Peer)
	if err != nil {
		return link.Config{}, errors.Wrap(err, "link.peer")
	}
	if c.Link.Channel < link.MinChannel || c.Link.Channel > link.MaxChannel {
		return link.Config{}, errors.Errorf("link.channel %d out of range", c.Link.Channel)
	}
	lc := link.Config{
		Peer:    peer,
		Channel: c.Link.Channel,
		Encrypt: c.Link.Encrypt,
	}
	if !c.Link.Encrypt {
		return lc, nil
	}
	if lc.PrimaryKey, err = parseKey(c.Link.PrimaryKey); err != nil {
		return link.Config{}, errors.Wrap(err, "link.primary_key")
	}
	if lc.PeerKey, err = parseKey(c.Link.PeerKey); err != nil {
		return link.Config{}, errors.Wrap(err, "link.peer_key")
	}
	return lc, nil
}

// parseKey accepts 16 raw characters or 32 hex digits.
func parseKey(s string) ([]byte, error) {
	switch len(s) {
	case link.KeySize:
		return []byte(s), nil
	case link.KeySize * 2:
		return hex.DecodeString(s)
	}
	return nil, errors.Errorf("key must be %d characters or %d hex digits", link.KeySize, link.KeySize*2)
}
