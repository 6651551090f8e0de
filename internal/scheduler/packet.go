package scheduler

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/specialistvlad/splitgridgo/internal/device"
	"github.com/specialistvlad/splitgridgo/internal/runtimestore"
)

// PlanLength is the number of plan rows and latency slots in a packet.
const PlanLength = 16

// Kind is the packet type.
type Kind uint8

const (
	// KindStatus is a runtime's status report.
	KindStatus Kind = iota + 1
	// KindAcquire asks for exclusive use of Unit.
	KindAcquire
	// KindRelease gives Unit back.
	KindRelease
	// KindAck acknowledges a status report or a release.
	KindAck
	// KindPlan carries a new partitioning plan.
	KindPlan
	// KindGrant tells the runtime it holds Unit.
	KindGrant
	// KindWait tells the runtime it is queued for Unit.
	KindWait
	// KindError reports a request the scheduler could not serve.
	KindError
)

var kindNames = map[Kind]string{
	KindStatus: "status", KindAcquire: "acquire", KindRelease: "release", KindAck: "ack",
	KindPlan: "plan", KindGrant: "grant", KindWait: "wait", KindError: "error",
}

func (k Kind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return fmt.Sprintf("kind(%d)", uint8(k))
}

// PlanRow is an alias so callers need not import runtimestore.
type PlanRow = runtimestore.PlanRow

// WireRow is the on-the-wire form of a plan row. Unused rows have First -1.
type WireRow struct {
	First, Last, Unit, Ratio int32
}

// Packet is the fixed-layout message exchanged with runtimes. Multi-byte
// fields are little-endian.
type Packet struct {
	Kind      Kind
	Phase     runtimestore.Phase
	Samples   uint8
	_         byte
	RuntimeID int32
	Subgraphs int32
	Unit      int32
	Latency   [PlanLength]float32
	Plan      [PlanLength]WireRow
}

// PacketSize is the encoded size of a Packet.
var PacketSize = binary.Size(Packet{})

// Rows returns the plan rows up to the first unused one.
func (p *Packet) Rows() []PlanRow {
	var rows []PlanRow
	for _, r := range p.Plan {
		if r.First < 0 {
			break
		}
		rows = append(rows, PlanRow{First: int(r.First), Last: int(r.Last), Unit: device.Unit(r.Unit), Ratio: int(r.Ratio)})
	}
	return rows
}

// SetRows stores rows and marks the remaining slots unused.
func (p *Packet) SetRows(rows []PlanRow) error {
	if len(rows) > PlanLength {
		return fmt.Errorf("%w: %d rows, at most %d fit in a packet", ErrInvalidPlan, len(rows), PlanLength)
	}
	for i := range p.Plan {
		if i < len(rows) {
			r := rows[i]
			p.Plan[i] = WireRow{First: int32(r.First), Last: int32(r.Last), Unit: int32(r.Unit), Ratio: int32(r.Ratio)}
			continue
		}
		p.Plan[i] = WireRow{First: -1, Last: -1, Unit: -1, Ratio: 0}
	}
	return nil
}

// Latencies returns the first Samples latency slots.
func (p *Packet) Latencies() []float32 {
	n := min(int(p.Samples), PlanLength)
	if n == 0 {
		return nil
	}
	return append([]float32(nil), p.Latency[:n]...)
}

// SetLatencies stores one sample per executed step and zeroes the rest.
func (p *Packet) SetLatencies(samples []float32) error {
	if len(samples) > PlanLength {
		return fmt.Errorf("scheduler: %d latency samples, at most %d fit in a packet", len(samples), PlanLength)
	}
	p.Latency = [PlanLength]float32{}
	copy(p.Latency[:], samples)
	p.Samples = uint8(len(samples))
	return nil
}

// NewPacket returns a packet of kind with an empty plan.
func NewPacket(kind Kind, runtimeID int) Packet {
	p := Packet{Kind: kind, RuntimeID: int32(runtimeID), Unit: -1}
	_ = p.SetRows(nil)
	return p
}

// MarshalBinary encodes p in its fixed layout.
func (p Packet) MarshalBinary() ([]byte, error) {
	var buf bytes.Buffer
	buf.Grow(PacketSize)
	if err := binary.Write(&buf, binary.LittleEndian, p); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// UnmarshalBinary decodes a packet of exactly PacketSize bytes.
func (p *Packet) UnmarshalBinary(b []byte) error {
	if len(b) != PacketSize {
		return fmt.Errorf("scheduler: packet is %d bytes, want %d", len(b), PacketSize)
	}
	return binary.Read(bytes.NewReader(b), binary.LittleEndian, p)
}

// WritePacket writes one packet to w.
func WritePacket(w io.Writer, p Packet) error {
	b, err := p.MarshalBinary()
	if err != nil {
		return err
	}
	_, err = w.Write(b)
	return err
}

// ReadPacket reads one whole packet from r.
func ReadPacket(r io.Reader) (Packet, error) {
	buf := make([]byte, PacketSize)
	if _, err := io.ReadFull(r, buf); err != nil {
		return Packet{}, err
	}
	var p Packet
	err := p.UnmarshalBinary(buf)
	return p, err
}
