package showerlink

const (
	NodeControl uint8 = 1
	NodeUI      uint8 = 2
)

// Telemetry is the state a node reports to its forwarders. Every field has a
// fixed size so the record can be written with encoding/binary.
type Telemetry struct {
	Node uint8

	Setpoint float32
	Run      bool
	Seq      uint16

	LinkUp  bool
	LastOk  bool
	Pending bool
	TxCount uint32
	RxCount uint32

	OutletTemp  float32
	OutletValid bool
	Flow        float32
	FlowValid   bool
}
