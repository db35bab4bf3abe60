package payload

import (
	"bytes"
	"encoding/binary"
	"github.com/pkg/errors"
)

// Version travels in the top three flag bits. Receivers expose it but never
// reject a frame because of it.
const Version = 1

// Size is the exact on-air length of every frame in both directions.
const Size = 15

type Flags uint8

const (
	FlagAck Flags = 1 << iota
	FlagRun
	FlagErr
	FlagTempValid
	FlagFlowValid

	versionShift       = 5
	flagMask     Flags = 1<<versionShift - 1
)

func (f Flags) Has(bit Flags) bool {
	return f&bit == bit
}

var ErrSize = errors.New("payload size mismatch")

// Payload is the record exchanged between the UI and Control units. Value is
// the setpoint when commanding and the mirrored outlet temperature in an ACK;
// Flow is only meaningful in an ACK.
type Payload struct {
	Millis  uint32
	Seq     uint16
	Value   float32
	Flow    float32
	Flags   Flags
	Version uint8
}

// wire mirrors the packed layout; binary.Write does not pad.
type wire struct {
	Ms    uint32
	Seq   uint16
	Value float32
	Flow  float32
	Flags uint8
}

func (p *Payload) Marshal() []byte {
	buf := bytes.NewBuffer(make([]byte, 0, Size))
	w := wire{
		Ms:    p.Millis,
		Seq:   p.Seq,
		Value: p.Value,
		Flow:  p.Flow,
		Flags: uint8(p.Flags&flagMask) | Version<<versionShift,
	}
	// writes into a bytes.Buffer cannot fail
	_ = binary.Write(buf, binary.LittleEndian, &w)
	return buf.Bytes()
}

func Unmarshal(data []byte) (*Payload, error) {
	if len(data) != Size {
		return nil, errors.Wrapf(ErrSize, "got %d bytes, want %d", len(data), Size)
	}
	w := wire{}
	if err := binary.Read(bytes.NewReader(data), binary.LittleEndian, &w); err != nil {
		return nil, errors.Wrap(err, "unable to decode payload")
	}
	return &Payload{
		Millis:  w.Ms,
		Seq:     w.Seq,
		Value:   w.Value,
		Flow:    w.Flow,
		Flags:   Flags(w.Flags) & flagMask,
		Version: w.Flags >> versionShift,
	}, nil
}
