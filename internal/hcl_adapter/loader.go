package hcl_adapter

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/hashicorp/hcl/v2"
	"github.com/hashicorp/hcl/v2/gohcl"
	"github.com/hashicorp/hcl/v2/hclparse"

	"github.com/specialistvlad/splitgridgo/internal/config"
	"github.com/specialistvlad/splitgridgo/internal/ctxlog"
	"github.com/specialistvlad/splitgridgo/internal/fsutil"
)

// Loader is the HCL-specific implementation of the config.Loader interface.
type Loader struct{}

var _ config.Loader = (*Loader)(nil)

// NewLoader creates a new HCL configuration loader.
func NewLoader() *Loader {
	return &Loader{}
}

// Load parses every .hcl file under paths, evaluates the `variables` blocks
// of all files first and then decodes the remaining blocks with `var.*` in
// scope. The merged model is validated before it is returned.
func (l *Loader) Load(ctx context.Context, paths ...string) (*config.Model, error) {
	logger := ctxlog.FromContext(ctx)
	logger.Debug("HCL loader started.", "path_count", len(paths))

	hclFiles, err := l.findAllHCLFiles(paths)
	if err != nil {
		return nil, err
	}
	if len(hclFiles) == 0 {
		return nil, fmt.Errorf("no .hcl files found in %v", paths)
	}
	logger.Debug("Discovered HCL files.", "count", len(hclFiles))

	parser := hclparse.NewParser()
	files := make([]*hcl.File, 0, len(hclFiles))
	for _, file := range hclFiles {
		hclFile, diags := parser.ParseHCLFile(file)
		if diags.HasErrors() {
			return nil, fmt.Errorf("failed to parse HCL file %s: %w", file, diags)
		}
		files = append(files, hclFile)
	}

	vars, err := evalVariables(ctx, files)
	if err != nil {
		return nil, err
	}
	evalCtx := newEvalContext(vars)

	model := &config.Model{Variables: vars, Runtime: config.Runtime{Iterations: 1}}
	var seen blockCounts
	for i, hclFile := range files {
		var root fileRoot
		if diags := gohcl.DecodeBody(hclFile.Body, evalCtx, &root); diags.HasErrors() {
			return nil, fmt.Errorf("failed to decode HCL file %s: %w", hclFiles[i], diags)
		}
		if err := l.translate(ctx, &root, model, &seen); err != nil {
			return nil, fmt.Errorf("in %s: %w", hclFiles[i], err)
		}
	}
	if len(model.Jobs) == 0 && len(model.Subgraphs) > 0 {
		model.Jobs = []*config.Job{defaultJob(model)}
		logger.Debug("No job declared, running every subgraph as one job.", "unit", model.Jobs[0].Unit)
	}

	if err := model.Validate(); err != nil {
		return nil, err
	}
	logger.Debug("HCL loading complete.",
		"variables", len(model.Variables),
		"tensors", len(model.Tensors),
		"subgraphs", len(model.Subgraphs),
		"jobs", len(model.Jobs),
	)
	return model, nil
}

// findAllHCLFiles walks all given paths and returns a flat list of all .hcl
// files found. Missing paths are skipped.
func (l *Loader) findAllHCLFiles(paths []string) ([]string, error) {
	var allFiles []string
	seen := make(map[string]struct{})
	add := func(p string) {
		if _, wasSeen := seen[p]; !wasSeen {
			allFiles = append(allFiles, p)
			seen[p] = struct{}{}
		}
	}

	for _, path := range paths {
		info, err := os.Stat(path)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return nil, fmt.Errorf("error accessing path %s: %w", path, err)
		}

		if info.IsDir() {
			found, err := fsutil.FindFilesByExtension(path, ".hcl")
			if err != nil {
				return nil, err
			}
			for _, p := range found {
				add(p)
			}
		} else if filepath.Ext(path) == ".hcl" {
			add(path)
		}
	}
	return allFiles, nil
}
