// Package hcl_adapter provides the HCL implementation of config.Loader. It
// is responsible for file discovery, parsing, `var.*` evaluation and
// translation into the format-agnostic config.Model.
package hcl_adapter

import "github.com/hashicorp/hcl/v2"

// fileRoot decodes every top-level block a description file may hold.
type fileRoot struct {
	Variables   []*variablesBlock   `hcl:"variables,block"`
	Runtime     []*runtimeBlock     `hcl:"runtime,block"`
	Partition   []*partitionBlock   `hcl:"partition,block"`
	Accelerator []*acceleratorBlock `hcl:"accelerator,block"`
	Tensors     []*tensorBlock      `hcl:"tensor,block"`
	Subgraphs   []*subgraphBlock    `hcl:"subgraph,block"`
	Jobs        []*jobBlock         `hcl:"job,block"`
}

// variablesBlock is evaluated in a pass of its own before anything else.
type variablesBlock struct {
	Body hcl.Body `hcl:",remain"`
}

type runtimeBlock struct {
	ID         *int   `hcl:"id,optional"`
	Scheduler  string `hcl:"scheduler,optional"`
	Transport  string `hcl:"transport,optional"`
	Namespace  string `hcl:"namespace,optional"`
	Iterations *int   `hcl:"iterations,optional"`
}

type partitionBlock struct {
	Ratio int    `hcl:"ratio"`
	Unit  string `hcl:"unit,optional"`
}

type acceleratorBlock struct {
	Ops          []string `hcl:"ops,optional"`
	AllowDynamic bool     `hcl:"allow_dynamic,optional"`
}

type tensorBlock struct {
	Name      string    `hcl:"name,label"`
	Type      string    `hcl:"type,optional"`
	Shape     []int     `hcl:"shape"`
	Signature []int     `hcl:"signature,optional"`
	Kind      string    `hcl:"kind,optional"`
	Variable  bool      `hcl:"variable,optional"`
	Data      []float64 `hcl:"data,optional"`
	Fill      *float64  `hcl:"fill,optional"`
}

type subgraphBlock struct {
	Name    string     `hcl:"name,label"`
	Inputs  []string   `hcl:"inputs"`
	Outputs []string   `hcl:"outputs"`
	Ops     []*opBlock `hcl:"op,block"`
}

type opBlock struct {
	Kind      string   `hcl:"kind,label"`
	Inputs    []string `hcl:"inputs"`
	Outputs   []string `hcl:"outputs"`
	Axis      *int     `hcl:"axis,optional"`
	Shape     []int    `hcl:"shape,optional"`
	FusedReLU bool     `hcl:"fused_relu,optional"`
}

type jobBlock struct {
	Name      string   `hcl:"name,label"`
	Unit      string   `hcl:"unit,optional"`
	Subgraphs []string `hcl:"subgraphs"`
}
