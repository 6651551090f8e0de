// This file contains the logic for translating the HCL schema structs into
// the format-agnostic configuration model defined in the config package.

package hcl_adapter

import (
	"context"
	"errors"
	"fmt"

	"github.com/specialistvlad/splitgridgo/internal/config"
	"github.com/specialistvlad/splitgridgo/internal/ctxlog"
	"github.com/specialistvlad/splitgridgo/internal/device"
	"github.com/specialistvlad/splitgridgo/internal/tensor"
)

// blockCounts tracks singleton blocks across files.
type blockCounts struct {
	runtime, partition, accelerator int
}

func (l *Loader) translate(ctx context.Context, root *fileRoot, model *config.Model, seen *blockCounts) error {
	logger := ctxlog.FromContext(ctx)

	seen.runtime += len(root.Runtime)
	seen.partition += len(root.Partition)
	seen.accelerator += len(root.Accelerator)
	switch {
	case seen.runtime > 1:
		return errors.New("the runtime block may appear once")
	case seen.partition > 1:
		return errors.New("the partition block may appear once")
	case seen.accelerator > 1:
		return errors.New("the accelerator block may appear once")
	}

	for _, r := range root.Runtime {
		model.Runtime = translateRuntime(r)
	}
	for _, p := range root.Partition {
		part, err := translatePartition(p)
		if err != nil {
			return err
		}
		model.Partition = part
	}
	for _, a := range root.Accelerator {
		model.Accelerator = config.Accelerator{Ops: a.Ops, AllowDynamic: a.AllowDynamic}
	}
	for _, t := range root.Tensors {
		tn, err := translateTensor(t)
		if err != nil {
			return err
		}
		model.Tensors = append(model.Tensors, tn)
	}
	for _, s := range root.Subgraphs {
		logger.Debug("Translating HCL subgraph.", "subgraph", s.Name, "ops", len(s.Ops))
		model.Subgraphs = append(model.Subgraphs, translateSubgraph(s))
	}
	for _, j := range root.Jobs {
		job, err := translateJob(j)
		if err != nil {
			return err
		}
		model.Jobs = append(model.Jobs, job)
	}
	return nil
}

func translateRuntime(r *runtimeBlock) config.Runtime {
	rt := config.Runtime{
		Scheduler:  r.Scheduler,
		Transport:  r.Transport,
		Namespace:  r.Namespace,
		Iterations: 1,
	}
	if r.ID != nil {
		rt.ID = *r.ID
	}
	if r.Iterations != nil {
		rt.Iterations = *r.Iterations
	}
	if rt.Transport == config.TransportNone && rt.Scheduler != "" {
		rt.Transport = config.TransportUnix
	}
	return rt
}

func translatePartition(p *partitionBlock) (*config.Partition, error) {
	unit := device.CoExecution
	if p.Unit != "" {
		u, err := device.Parse(p.Unit)
		if err != nil {
			return nil, fmt.Errorf("partition: %w", err)
		}
		unit = u
	}
	return &config.Partition{Ratio: p.Ratio, Unit: unit}, nil
}

func translateTensor(t *tensorBlock) (*config.Tensor, error) {
	typ, err := tensor.ParseDataType(t.Type)
	if err != nil {
		return nil, fmt.Errorf("tensor %q: %w", t.Name, err)
	}
	kind, err := tensor.ParseKind(t.Kind)
	if err != nil {
		return nil, fmt.Errorf("tensor %q: %w", t.Name, err)
	}
	if t.Variable {
		if t.Kind != "" && kind != tensor.ArenaPersistent {
			return nil, fmt.Errorf("tensor %q: a variable tensor cannot be %s", t.Name, kind)
		}
		kind = tensor.ArenaPersistent
	}

	out := &config.Tensor{
		Name:      t.Name,
		Type:      typ,
		Shape:     t.Shape,
		Signature: t.Signature,
		Kind:      kind,
		Variable:  t.Variable,
	}
	if t.Shape == nil {
		out.Shape = []int{}
	}
	if t.Data != nil {
		out.Data = make([]float32, len(t.Data))
		for i, v := range t.Data {
			out.Data[i] = float32(v)
		}
	}
	if t.Fill != nil {
		if t.Data != nil {
			return nil, fmt.Errorf("tensor %q: data and fill are mutually exclusive", t.Name)
		}
		f := float32(*t.Fill)
		out.Fill = &f
	}
	return out, nil
}

func translateSubgraph(s *subgraphBlock) *config.Subgraph {
	sg := &config.Subgraph{Name: s.Name, Inputs: s.Inputs, Outputs: s.Outputs}
	for _, op := range s.Ops {
		sg.Ops = append(sg.Ops, &config.Op{
			Kind:      op.Kind,
			Inputs:    op.Inputs,
			Outputs:   op.Outputs,
			Axis:      op.Axis,
			Shape:     op.Shape,
			FusedReLU: op.FusedReLU,
		})
	}
	return sg
}

func translateJob(j *jobBlock) (*config.Job, error) {
	unit := device.CPU
	if j.Unit != "" {
		u, err := device.Parse(j.Unit)
		if err != nil {
			return nil, fmt.Errorf("job %q: %w", j.Name, err)
		}
		unit = u
	}
	return &config.Job{Name: j.Name, Unit: unit, Subgraphs: j.Subgraphs}, nil
}

// defaultJob runs every subgraph on the partition block's unit, or on the
// CPU without one.
func defaultJob(m *config.Model) *config.Job {
	job := &config.Job{Name: "default", Unit: device.CPU}
	if m.Partition != nil {
		job.Unit = m.Partition.Unit
	}
	for _, s := range m.Subgraphs {
		job.Subgraphs = append(job.Subgraphs, s.Name)
	}
	return job
}
