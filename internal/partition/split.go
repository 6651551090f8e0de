// Package partition splits convolution output channels between the CPU and
// the accelerator and puts the two halves back together.
//
// A split site is a CONV_2D whose output is the first input of a two-input
// CONCATENATION. The second concatenation input is a placeholder that stands
// for the channels the other unit computes. With a ratio r, the CPU keeps
// ceil(C*r/10) of the C output channels and the accelerator keeps the rest:
//
//	filter rows   [0 ........ acc) [acc ........ C)
//	owner          accelerator      cpu
//
// so appending the CPU's channels after the accelerator's restores the
// original channel order.
package partition

import (
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"

	"github.com/specialistvlad/splitgridgo/internal/device"
	"github.com/specialistvlad/splitgridgo/internal/graph"
	"github.com/specialistvlad/splitgridgo/internal/handoff"
	"github.com/specialistvlad/splitgridgo/internal/kernels"
	"github.com/specialistvlad/splitgridgo/internal/tensor"
)

var (
	// ErrNoOriginalChannels is returned when a split is requested for a
	// filter whose unsplit shape was never recorded.
	ErrNoOriginalChannels = errors.New("partition: original channel count not recorded")
	// ErrRatio is returned for a ratio outside 1..9.
	ErrRatio = errors.New("partition: ratio must be between 1 and 9")
)

// Shares returns how many of orig channels the CPU and the accelerator get
// at ratio tenths.
func Shares(orig, ratio int) (cpu, acc int, err error) {
	if ratio < 1 || ratio > 9 {
		return 0, 0, fmt.Errorf("%w: got %d", ErrRatio, ratio)
	}
	cpu = (orig*ratio + 9) / 10
	return cpu, orig - cpu, nil
}

// ShareOf returns the share of unit.
func ShareOf(orig, ratio int, unit device.Unit) (int, error) {
	cpu, acc, err := Shares(orig, ratio)
	if err != nil {
		return 0, err
	}
	switch unit {
	case device.CPU:
		return cpu, nil
	case device.Accelerator:
		return acc, nil
	}
	return 0, fmt.Errorf("partition: unit %s has no channel share", unit)
}

// Site is one split site in a subgraph.
type Site struct {
	Conv, Concat int // node indices
	Filter       int
	Bias         int // graph.OptionalTensor when absent
	ConvOut      int
	Placeholder  int
	ConcatOut    int
}

// FindSites lists the split sites of s in node order. Nodes standing in for
// a delegate are skipped; the nodes they claimed are still found.
func FindSites(s *graph.Subgraph) []Site {
	consumers := make(map[int]int)
	for i := 0; i < s.NumNodes(); i++ {
		n := s.Node(i)
		if _, ok := n.Params.(*graph.DelegateParams); ok {
			continue
		}
		if n.Registration.Code == kernels.BuiltinConcatenation && !n.Registration.Custom && len(n.Inputs) == 2 {
			consumers[n.Inputs[0]] = i
		}
	}

	var sites []Site
	for i := 0; i < s.NumNodes(); i++ {
		n := s.Node(i)
		if _, ok := n.Params.(*graph.DelegateParams); ok {
			continue
		}
		if n.Registration.Code != kernels.BuiltinConv2D || n.Registration.Custom || len(n.Inputs) < 2 {
			continue
		}
		concat, ok := consumers[n.Outputs[0]]
		if !ok {
			continue
		}
		site := Site{Conv: i, Concat: concat, Filter: n.Inputs[1], Bias: graph.OptionalTensor, ConvOut: n.Outputs[0]}
		if len(n.Inputs) > 2 {
			site.Bias = n.Inputs[2]
		}
		cn := s.Node(concat)
		site.Placeholder = cn.Inputs[1]
		site.ConcatOut = cn.Outputs[0]
		sites = append(sites, site)
	}
	return sites
}

type siteKey struct {
	s      *graph.Subgraph
	filter int
}

type original struct {
	channels    int
	filterDims  []int
	filter      []byte
	bias        []byte
	placeholder []int
}

// Partitioner applies channel splits and merges the partial outputs.
type Partitioner struct {
	queue  *handoff.Queue
	logger *slog.Logger

	mu        sync.Mutex
	originals map[siteKey]original
	receivers map[*graph.Node]*graph.Registration
}

// New creates a Partitioner that hands merged buffers through q.
func New(q *handoff.Queue, logger *slog.Logger) *Partitioner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Partitioner{
		queue:     q,
		logger:    logger.With("component", "partitioner"),
		originals: make(map[siteKey]original),
		receivers: make(map[*graph.Node]*graph.Registration),
	}
}

// Queue returns the handoff queue shared by both execution loops.
func (p *Partitioner) Queue() *handoff.Queue { return p.queue }

// RecordOriginals remembers the unsplit filter, bias and placeholder of every
// site in s. Sites already recorded are left alone, so calling it after a
// split does not lose the original data.
func (p *Partitioner) RecordOriginals(s *graph.Subgraph) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	recorded := 0
	for _, site := range FindSites(s) {
		key := siteKey{s, site.Filter}
		if _, ok := p.originals[key]; ok {
			continue
		}
		filter := s.Tensor(site.Filter)
		if filter.Kind != tensor.MmapRO || !filter.HasData() {
			return recorded, fmt.Errorf("partition: filter %q of node %d must be a constant", filter.Name, site.Conv)
		}
		o := original{
			channels:    filter.Dim(0),
			filterDims:  filter.Dims(),
			filter:      slices.Clone(filter.Data()),
			placeholder: s.Tensor(site.Placeholder).Dims(),
		}
		if site.Bias != graph.OptionalTensor {
			bias := s.Tensor(site.Bias)
			if bias.Kind != tensor.MmapRO || !bias.HasData() {
				return recorded, fmt.Errorf("partition: bias %q of node %d must be a constant", bias.Name, site.Conv)
			}
			o.bias = slices.Clone(bias.Data())
		}
		if len(o.placeholder) == 0 {
			return recorded, fmt.Errorf("partition: placeholder of node %d has no shape", site.Concat)
		}
		p.originals[key] = o
		recorded++
	}
	p.logger.Debug("Original channels recorded.", "subgraph", s.Name(), "sites", recorded)
	return recorded, nil
}

// ApplyChannelSplit shrinks every split site's filter and bias in s to the
// share of unit and grows the placeholder by the other unit's share. It can
// be applied repeatedly with different ratios. On the CPU side the merge
// concatenation is replaced by a receiver that aliases the merged buffer
// from the handoff queue.
func (p *Partitioner) ApplyChannelSplit(s *graph.Subgraph, ratio int, unit device.Unit) error {
	if unit != device.CPU && unit != device.Accelerator {
		return fmt.Errorf("partition: cannot split channels onto %s", unit)
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	for _, site := range FindSites(s) {
		o, ok := p.originals[siteKey{s, site.Filter}]
		if !ok {
			return fmt.Errorf("%w: filter tensor %d in %s", ErrNoOriginalChannels, site.Filter, s.Name())
		}
		cpu, acc, err := Shares(o.channels, ratio)
		if err != nil {
			return err
		}
		first, own := acc, cpu
		if unit == device.Accelerator {
			first, own = 0, acc
		}
		if err := p.setRows(s, site.Filter, o.filter, o.filterDims, o.channels, first, own); err != nil {
			return err
		}
		if site.Bias != graph.OptionalTensor {
			if err := p.setRows(s, site.Bias, o.bias, []int{o.channels}, o.channels, first, own); err != nil {
				return err
			}
		}

		if err := s.MarkDynamic(site.Placeholder); err != nil {
			return err
		}
		dims := slices.Clone(o.placeholder)
		dims[len(dims)-1] += o.channels - own
		if err := s.ResizeInputTensor(site.Placeholder, dims); err != nil {
			return err
		}

		if unit == device.CPU {
			p.installReceiver(s.Node(site.Concat))
		} else {
			p.removeReceiver(s.Node(site.Concat))
		}
		p.logger.Debug("Channels split.", "subgraph", s.Name(), "conv", site.Conv, "unit", unit, "ratio", ratio, "channels", own, "of", o.channels)
	}
	return nil
}

// Restore puts every recorded site of s back to its unsplit shape.
func (p *Partitioner) Restore(s *graph.Subgraph) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, site := range FindSites(s) {
		o, ok := p.originals[siteKey{s, site.Filter}]
		if !ok {
			continue
		}
		if err := p.setRows(s, site.Filter, o.filter, o.filterDims, o.channels, 0, o.channels); err != nil {
			return err
		}
		if site.Bias != graph.OptionalTensor {
			if err := p.setRows(s, site.Bias, o.bias, []int{o.channels}, o.channels, 0, o.channels); err != nil {
				return err
			}
		}
		if err := s.ResizeInputTensor(site.Placeholder, o.placeholder); err != nil {
			return err
		}
		p.removeReceiver(s.Node(site.Concat))
	}
	return nil
}

// setRows rebinds constant tensor index to rows [first, first+count) of the
// original data.
func (p *Partitioner) setRows(s *graph.Subgraph, index int, data []byte, dims []int, channels, first, count int) error {
	t := s.Tensor(index)
	rowBytes := len(data) / channels
	buf := tensor.AlignedBuffer(count*rowBytes, 64)
	copy(buf, data[first*rowBytes:(first+count)*rowBytes])
	shape := slices.Clone(dims)
	shape[0] = count
	return s.SetTensorParametersReadOnly(index, t.Type, t.Name, shape, buf)
}

func (p *Partitioner) installReceiver(n *graph.Node) {
	if _, done := p.receivers[n]; done {
		return
	}
	orig := n.Registration
	p.receivers[n] = orig
	n.Registration = &graph.Registration{
		Name:    orig.Name,
		Code:    orig.Code,
		Prepare: orig.Prepare,
		Invoke: func(ctx graph.KernelContext, n *graph.Node) error {
			return p.queue.PopAndAlias(ctx.Tensor(n.Outputs[0]))
		},
	}
}

func (p *Partitioner) removeReceiver(n *graph.Node) {
	if orig, ok := p.receivers[n]; ok {
		n.Registration = orig
		delete(p.receivers, n)
	}
}

// Concatenate copies the slave's channels into the tail of every channel
// group of received, releases the slave's loan and, when more split sites
// follow, requeues received for the producer to alias. It always wakes the
// producer.
func (p *Partitioner) Concatenate(received *tensor.Tensor, slave handoff.Record, more bool) error {
	defer p.queue.Notify()

	err := MergeChannels(received, slave.Buffer)
	slave.Buffer.Release()
	if err != nil {
		return err
	}
	if !more {
		return nil
	}
	h, err := received.Lend()
	if err != nil {
		return err
	}
	return p.queue.Requeue(handoff.Record{Unit: device.Accelerator, Buffer: h})
}

// MergeChannels writes the channels held by slave into the last channels of
// each position of received. received's leading channels are left as they
// are.
func MergeChannels(received *tensor.Tensor, slave *tensor.Handle) error {
	rdims, sdims := received.Dims(), slave.Dims()
	if len(rdims) == 0 || len(rdims) != len(sdims) {
		return fmt.Errorf("partition: cannot merge %v into %v", sdims, rdims)
	}
	if received.Type != slave.Type() {
		return fmt.Errorf("partition: cannot merge %s into %s", slave.Type(), received.Type)
	}
	for i := range rdims[:len(rdims)-1] {
		if rdims[i] != sdims[i] {
			return fmt.Errorf("partition: cannot merge %v into %v", sdims, rdims)
		}
	}
	total, width := rdims[len(rdims)-1], sdims[len(sdims)-1]
	if width > total {
		return fmt.Errorf("partition: slave has %d channels, received tensor only %d", width, total)
	}
	elem, err := received.Type.Size()
	if err != nil {
		return err
	}

	dst, src := received.Data(), slave.Bytes()
	positions := 1
	for _, d := range rdims[:len(rdims)-1] {
		positions *= d
	}
	if len(dst) != positions*total*elem || len(src) != positions*width*elem {
		return fmt.Errorf("partition: buffer sizes %d and %d do not match shapes %v and %v", len(dst), len(src), rdims, sdims)
	}
	offset := (total - width) * elem
	group, block := total*elem, width*elem
	for pos := 0; pos < positions; pos++ {
		copy(dst[pos*group+offset:pos*group+offset+block], src[pos*block:(pos+1)*block])
	}
	return nil
}
