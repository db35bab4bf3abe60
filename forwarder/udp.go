// Package forwarder sends node telemetry to a monitoring server.
package forwarder

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"github.com/BurntSushi/toml"
	"github.com/jd3nn1s/showerlink"
	"github.com/jd3nn1s/showerlink/config"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"io"
	"io/ioutil"
	"net"
	"time"
)

type Header struct {
	Type uint8
}

var maxTelemetrySize = binary.Size(Header{}) + binary.Size(showerlink.Telemetry{})

const (
	TypeTelemetry = 1

	sendInterval = 100 * time.Millisecond
)

type UDPConfig struct {
	Server string
	Port   int
}

// UDPForwarder sends the newest telemetry record at most every sendInterval.
// Records arriving faster replace the one waiting to be sent.
type UDPForwarder struct {
	Config *UDPConfig

	conn    net.Conn
	fwdChan chan *showerlink.Telemetry
}

func NewUDPForwarderFromConfig(cfg *config.Forwarder) (*UDPForwarder, error) {
	if cfg == nil {
		return nil, errors.New("no forwarder configured")
	}
	return newUDPForwarder(&UDPConfig{
		Server: cfg.Server,
		Port:   cfg.Port,
	})
}

func NewUDPForwarderFromReader(configReader io.Reader) (*UDPForwarder, error) {
	configData, err := ioutil.ReadAll(configReader)
	if err != nil {
		return nil, errors.Wrap(err, "unable to read config reader")
	}
	cfg := UDPConfig{}
	if _, err := toml.Decode(string(configData), &cfg); err != nil {
		return nil, errors.Wrapf(err, "unable to load udp forwarder configuration")
	}
	return newUDPForwarder(&cfg)
}

func newUDPForwarder(cfg *UDPConfig) (*UDPForwarder, error) {
	if cfg.Server == "" || cfg.Port <= 0 {
		return nil, errors.Errorf("invalid forwarder address %s:%d", cfg.Server, cfg.Port)
	}
	udp := &UDPForwarder{
		Config:  cfg,
		fwdChan: make(chan *showerlink.Telemetry, 1),
	}
	if err := udp.connect(); err != nil {
		return nil, err
	}
	return udp, nil
}

func (udp *UDPForwarder) Close() error {
	return udp.conn.Close()
}

func (udp *UDPForwarder) Forward(newTelemetry *showerlink.Telemetry, prevTelemetry *showerlink.Telemetry) error {
	// copy telemetry as we're processing it on another go-routine
	telemCopy := *newTelemetry
	for {
		select {
		case udp.fwdChan <- &telemCopy:
			return nil
		default:
		}
		select {
		case <-udp.fwdChan:
		default:
		}
	}
}

func (udp *UDPForwarder) Start(ctx context.Context) error {
	limiter := time.NewTicker(sendInterval)
	defer limiter.Stop()
	for {
		select {
		case <-limiter.C:
		case <-ctx.Done():
			return ctx.Err()
		}
		select {
		case t := <-udp.fwdChan:
			if err := udp.forward(t); err != nil {
				log.WithField("err", err).Error("unable to forward telemetry to server")
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (udp *UDPForwarder) forward(telem *showerlink.Telemetry) error {
	buf := bytes.NewBuffer(make([]byte, 0, maxTelemetrySize))
	hdr := Header{
		Type: TypeTelemetry,
	}
	if err := binary.Write(buf, binary.LittleEndian, &hdr); err != nil {
		return errors.Wrap(err, "unable to write udp packet header")
	}
	if err := binary.Write(buf, binary.LittleEndian, telem); err != nil {
		return errors.Wrap(err, "unable to write telemetry udp packet")
	}
	_, err := udp.conn.Write(buf.Bytes())
	return err
}

func (udp *UDPForwarder) connect() error {
	writeBufSize := maxTelemetrySize * 2

	conn, err := net.Dial("udp", fmt.Sprintf("%s:%d",
		udp.Config.Server,
		udp.Config.Port))
	if err != nil {
		return errors.Wrap(err, "unable to dial telemetry server")
	}
	udpConn := conn.(*net.UDPConn)
	if err = udpConn.SetWriteBuffer(writeBufSize); err != nil {
		_ = conn.Close()
		return errors.Wrapf(err, "unable to set OS write buffer to %v", writeBufSize)
	}

	udp.conn = conn
	return nil
}
