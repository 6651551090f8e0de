package worker

import (
	"context"
	"hash/crc32"
	"log/slog"

	"github.com/specialistvlad/splitgridgo/internal/graph"
	"github.com/specialistvlad/splitgridgo/internal/tensor"
)

// Summary describes one output tensor.
type Summary struct {
	Index    int
	Name     string
	Dims     []int
	Checksum uint32
	// Top is the index of the largest element, or -1 for non-float tensors.
	Top int
}

// Summarize describes every output of s, making each host-readable first.
func Summarize(s *graph.Subgraph) ([]Summary, error) {
	var out []Summary
	for _, idx := range s.Outputs() {
		if err := s.EnsureTensorDataIsReadable(idx); err != nil {
			return nil, err
		}
		t := s.Tensor(idx)
		sum := Summary{Index: idx, Name: t.Name, Dims: t.Dims(), Checksum: crc32.ChecksumIEEE(t.Data()), Top: -1}
		if t.Type == tensor.Float32 && t.HasData() {
			vals := t.Float32s()
			for i, v := range vals {
				if sum.Top < 0 || v > vals[sum.Top] {
					sum.Top = i
				}
			}
		}
		out = append(out, sum)
	}
	return out, nil
}

// LogOutputs returns a ReportFunc that logs the outputs of the finishing
// subgraph.
func LogOutputs(subgraphs []*graph.Subgraph, logger *slog.Logger) ReportFunc {
	if logger == nil {
		logger = slog.Default()
	}
	return func(ctx context.Context, job *Job, i int) {
		sums, err := Summarize(subgraphs[i])
		if err != nil {
			logger.ErrorContext(ctx, "Cannot read outputs.", "jobID", job.ID, "subgraph", i, "error", err)
			return
		}
		for _, s := range sums {
			logger.InfoContext(ctx, "Output ready.", "jobID", job.ID, "subgraph", subgraphs[i].Name(),
				"tensor", s.Name, "dims", s.Dims, "checksum", s.Checksum, "top", s.Top)
		}
	}
}
