package hcl_adapter

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/hashicorp/hcl/v2"
	"github.com/hashicorp/hcl/v2/hclparse"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zclconf/go-cty/cty"

	"github.com/specialistvlad/splitgridgo/internal/config"
	"github.com/specialistvlad/splitgridgo/internal/device"
	"github.com/specialistvlad/splitgridgo/internal/tensor"
)

const modelHCL = `
variables {
  channels = 4
  width    = max(2, 3)
}

tensor "input" {
  shape = [1, 1, var.width, var.channels]
  fill  = 0.5
}

tensor "filter" {
  kind  = "constant"
  shape = [2, 1, 1, var.channels]
  data  = [1, 0, 0, 0, 0, 1, 0, 0]
}

tensor "conv" {
  shape = [1, 1, var.width, 2]
}

tensor "placeholder" {
  shape = [1, 1, var.width, 0]
}

tensor "out" {
  shape = [1, 1, var.width, 2]
}

subgraph "main" {
  inputs  = ["input"]
  outputs = ["out"]

  op "CONV_2D" {
    inputs     = ["input", "filter", "-"]
    outputs    = ["conv"]
    fused_relu = true
  }

  op "CONCATENATION" {
    inputs  = ["conv", "placeholder"]
    outputs = ["out"]
    axis    = -1
  }
}
`

const runtimeHCL = `
runtime {
  scheduler  = "/tmp/splitgrid.sock"
  iterations = 3
}

partition {
  ratio = 4
}

accelerator {
  ops = ["CONV_2D"]
}

job "split" {
  unit      = "co"
  subgraphs = ["main"]
}
`

func writeFiles(t *testing.T, files map[string]string) string {
	t.Helper()
	dir := t.TempDir()
	for name, body := range files {
		path := filepath.Join(dir, name)
		require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
		require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	}
	return dir
}

func TestLoadDirectory(t *testing.T) {
	dir := writeFiles(t, map[string]string{
		"model.hcl":          modelHCL,
		"nested/runtime.hcl": runtimeHCL,
		"README.md":          "not a description",
	})

	m, err := NewLoader().Load(context.Background(), dir)
	require.NoError(t, err)

	assert.True(t, m.Variables["width"].Equals(cty.NumberIntVal(3)).True(), "functions are available to variables")
	assert.Equal(t, config.Runtime{Scheduler: "/tmp/splitgrid.sock", Transport: config.TransportUnix, Iterations: 3}, m.Runtime)
	assert.Equal(t, &config.Partition{Ratio: 4, Unit: device.CoExecution}, m.Partition)
	assert.Equal(t, []string{"CONV_2D"}, m.Accelerator.Ops)

	require.Len(t, m.Tensors, 5)
	assert.Equal(t, []int{1, 1, 3, 4}, m.Tensors[0].Shape)
	assert.Equal(t, tensor.ArenaRW, m.Tensors[0].Kind)
	assert.Equal(t, float32(0.5), *m.Tensors[0].Fill)
	assert.Equal(t, tensor.MmapRO, m.Tensors[1].Kind)
	assert.Len(t, m.Tensors[1].Data, 8)

	axis := -1
	want := []*config.Subgraph{{
		Name:    "main",
		Inputs:  []string{"input"},
		Outputs: []string{"out"},
		Ops: []*config.Op{
			{Kind: "CONV_2D", Inputs: []string{"input", "filter", "-"}, Outputs: []string{"conv"}, FusedReLU: true},
			{Kind: "CONCATENATION", Inputs: []string{"conv", "placeholder"}, Outputs: []string{"out"}, Axis: &axis},
		},
	}}
	if diff := cmp.Diff(want, m.Subgraphs); diff != "" {
		t.Errorf("subgraphs mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]*config.Job{{Name: "split", Unit: device.CoExecution, Subgraphs: []string{"main"}}}, m.Jobs); diff != "" {
		t.Errorf("jobs mismatch (-want +got):\n%s", diff)
	}
}

func TestLoadDefaults(t *testing.T) {
	dir := writeFiles(t, map[string]string{"model.hcl": modelHCL})
	m, err := NewLoader().Load(context.Background(), filepath.Join(dir, "model.hcl"), filepath.Join(dir, "missing"))
	require.NoError(t, err)

	assert.Equal(t, 1, m.Runtime.Iterations)
	assert.Equal(t, config.TransportNone, m.Runtime.Transport)
	assert.Nil(t, m.Partition)
	require.Len(t, m.Jobs, 1)
	assert.Equal(t, &config.Job{Name: "default", Unit: device.CPU, Subgraphs: []string{"main"}}, m.Jobs[0])
}

func TestLoadErrors(t *testing.T) {
	tests := []struct {
		name    string
		files   map[string]string
		message string
	}{
		{
			name:    "no files",
			files:   map[string]string{"notes.txt": ""},
			message: "no .hcl files",
		},
		{
			name:    "syntax error",
			files:   map[string]string{"a.hcl": "tensor {"},
			message: "failed to parse",
		},
		{
			name:    "unknown variable",
			files:   map[string]string{"a.hcl": modelHCL + `tensor "x" { shape = [var.nope] }`},
			message: "failed to decode",
		},
		{
			name: "variable defined twice",
			files: map[string]string{
				"a.hcl": "variables {\n  n = 1\n}\n",
				"b.hcl": "variables {\n  n = 2\n}\n",
			},
			message: `variable "n"`,
		},
		{
			name:    "variable cycle",
			files:   map[string]string{"a.hcl": "variables {\n  a = var.b\n  b = var.a + 1\n}\n"},
			message: "cycle detected",
		},
		{
			name:    "undefined variable reference",
			files:   map[string]string{"a.hcl": "variables {\n  a = var.nope\n}\n"},
			message: `refers to undefined variable "nope"`,
		},
		{
			name:    "unknown function",
			files:   map[string]string{"a.hcl": "variables {\n  a = upper(\"x\")\n}\n"},
			message: `unknown function "upper"`,
		},
		{
			name:    "two runtime blocks",
			files:   map[string]string{"a.hcl": modelHCL + runtimeHCL, "b.hcl": "runtime {\n}\n"},
			message: "runtime block may appear once",
		},
		{
			name:    "unknown unit",
			files:   map[string]string{"a.hcl": modelHCL + "job \"j\" {\n  unit = \"tpu\"\n  subgraphs = [\"main\"]\n}\n"},
			message: "unknown compute unit",
		},
		{
			name:    "data and fill",
			files:   map[string]string{"a.hcl": modelHCL + "tensor \"x\" {\n  shape = [1]\n  data = [1]\n  fill = 1\n}\n"},
			message: "mutually exclusive",
		},
		{
			name:    "validation",
			files:   map[string]string{"a.hcl": modelHCL + "job \"j\" {\n  subgraphs = [\"other\"]\n}\n"},
			message: `unknown subgraph "other"`,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := writeFiles(t, tt.files)
			_, err := NewLoader().Load(context.Background(), dir)
			assert.ErrorContains(t, err, tt.message)
		})
	}
}

func TestLoadPartitionDefaultJob(t *testing.T) {
	dir := writeFiles(t, map[string]string{
		"model.hcl":     modelHCL,
		"partition.hcl": "partition {\n  ratio = 3\n}\n",
	})
	m, err := NewLoader().Load(context.Background(), dir)
	require.NoError(t, err)
	require.Len(t, m.Jobs, 1)
	assert.Equal(t, device.CoExecution, m.Jobs[0].Unit)
	assert.Equal(t, 3, m.Partition.Ratio)
}

func TestLoadVariableReferences(t *testing.T) {
	dir := writeFiles(t, map[string]string{
		"a.hcl": "variables {\n  out = var.width * 2\n}\n",
		"b.hcl": "variables {\n  width = max(var.base, 3)\n  base  = 2\n}\n",
	})

	vars, err := evalVariables(context.Background(), mustParse(t, dir, "a.hcl", "b.hcl"))
	require.NoError(t, err)
	assert.True(t, vars["width"].Equals(cty.NumberIntVal(3)).True())
	assert.True(t, vars["out"].Equals(cty.NumberIntVal(6)).True(), "a variable may use one defined in a later file")
}

func TestVariableOrder(t *testing.T) {
	dir := writeFiles(t, map[string]string{
		"a.hcl": "variables {\n  c = var.a + var.b\n  b = var.a\n  a = 1\n  z = 0\n}\n",
	})
	attrs, err := collectVariables(mustParse(t, dir, "a.hcl"))
	require.NoError(t, err)

	order, err := variableOrder(attrs)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b", "c", "z"}, order)
}

func mustParse(t *testing.T, dir string, names ...string) []*hcl.File {
	t.Helper()
	parser := hclparse.NewParser()
	files := make([]*hcl.File, 0, len(names))
	for _, name := range names {
		f, diags := parser.ParseHCLFile(filepath.Join(dir, name))
		require.False(t, diags.HasErrors(), diags.Error())
		files = append(files, f)
	}
	return files
}
