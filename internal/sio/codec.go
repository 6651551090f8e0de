// Package sio carries scheduler packets over socket.io, for runtimes that
// cannot reach the scheduler's unix socket.
//
// Every exchange is one "packet" event whose acknowledgement carries the
// reply. Payloads are msgpack documents rather than the fixed binary layout,
// so the transport stays readable from any socket.io client.
package sio

import (
	"errors"
	"fmt"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/specialistvlad/splitgridgo/internal/runtimestore"
	"github.com/specialistvlad/splitgridgo/internal/scheduler"
)

// EventPacket is the socket.io event runtimes emit.
const EventPacket = "packet"

type wireRow struct {
	First int32 `msgpack:"first"`
	Last  int32 `msgpack:"last"`
	Unit  int32 `msgpack:"unit"`
	Ratio int32 `msgpack:"ratio"`
}

type message struct {
	Kind      uint8     `msgpack:"kind"`
	Phase     uint8     `msgpack:"phase"`
	RuntimeID int32     `msgpack:"runtime_id"`
	Subgraphs int32     `msgpack:"subgraphs"`
	Unit      int32     `msgpack:"unit"`
	Latency   []float32 `msgpack:"latency,omitempty"`
	Plan      []wireRow `msgpack:"plan,omitempty"`
}

// Encode converts p into its msgpack form. Unused plan rows are omitted.
func Encode(p scheduler.Packet) ([]byte, error) {
	m := message{
		Kind:      uint8(p.Kind),
		Phase:     uint8(p.Phase),
		RuntimeID: p.RuntimeID,
		Subgraphs: p.Subgraphs,
		Unit:      p.Unit,
	}
	for _, r := range p.Plan {
		if r.First < 0 {
			break
		}
		m.Plan = append(m.Plan, wireRow(r))
	}
	m.Latency = p.Latencies()
	return msgpack.Marshal(&m)
}

// Decode is the inverse of Encode.
func Decode(b []byte) (scheduler.Packet, error) {
	var m message
	if err := msgpack.Unmarshal(b, &m); err != nil {
		return scheduler.Packet{}, fmt.Errorf("sio: decoding packet: %w", err)
	}
	if len(m.Plan) > scheduler.PlanLength || len(m.Latency) > scheduler.PlanLength {
		return scheduler.Packet{}, fmt.Errorf("sio: packet carries %d rows and %d latencies, at most %d fit", len(m.Plan), len(m.Latency), scheduler.PlanLength)
	}
	p := scheduler.NewPacket(scheduler.Kind(m.Kind), int(m.RuntimeID))
	p.Phase = runtimestore.Phase(m.Phase)
	p.Subgraphs = m.Subgraphs
	p.Unit = m.Unit
	if err := p.SetLatencies(m.Latency); err != nil {
		return scheduler.Packet{}, fmt.Errorf("sio: %w", err)
	}
	for i, r := range m.Plan {
		p.Plan[i] = scheduler.WireRow(r)
	}
	return p, nil
}

// payload extracts the bytes of a binary socket.io argument.
func payload(arg any) ([]byte, error) {
	switch v := arg.(type) {
	case []byte:
		return v, nil
	case interface{ Bytes() []byte }:
		return v.Bytes(), nil
	case nil:
		return nil, errors.New("sio: missing payload")
	default:
		return nil, fmt.Errorf("sio: unexpected payload of type %T", arg)
	}
}
