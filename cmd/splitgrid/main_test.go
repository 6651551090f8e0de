package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRun_LoadError(t *testing.T) {
	t.Parallel()

	// --- Arrange ---
	// An unterminated block fails while the app loads its configuration.
	invalidHCL := `
		tensor "input" {
			shape = [1, 4]
		// Missing closing brace here
	`
	tempDir := t.TempDir()
	filePath := filepath.Join(tempDir, "main.hcl")
	err := os.WriteFile(filePath, []byte(invalidHCL), 0600)
	require.NoError(t, err, "failed to set up test file")

	out := &bytes.Buffer{}

	// --- Act ---
	runErr := run(context.Background(), out, []string{filePath})

	// --- Assert ---
	require.Error(t, runErr, "run() should return the load error")
	require.Contains(t, runErr.Error(), "failed to load configuration")
}

func TestRun_SingleInference(t *testing.T) {
	t.Parallel()

	// --- Arrange ---
	model := `
tensor "x" {
  shape = [1, 4]
  fill  = 2
}

tensor "y" {
  shape = [1, 4]
}

subgraph "main" {
  inputs  = ["x"]
  outputs = ["y"]

  op "ADD" {
    inputs  = ["x", "x"]
    outputs = ["y"]
  }
}
`
	filePath := filepath.Join(t.TempDir(), "main.hcl")
	require.NoError(t, os.WriteFile(filePath, []byte(model), 0600))
	out := &bytes.Buffer{}

	// --- Act ---
	err := run(context.Background(), out, []string{"-log-format", "text", filePath})

	// --- Assert ---
	require.NoError(t, err)
	require.Contains(t, out.String(), "Output ready.")
	require.Contains(t, out.String(), "Inferences finished.")
}

func TestRun_ShouldExit(t *testing.T) {
	t.Parallel()

	// --- Arrange ---
	// The "-h" (help) flag should cause cli.Parse to return `shouldExit=true`.
	out := &bytes.Buffer{}

	// --- Act ---
	err := run(context.Background(), out, []string{"-h"})

	// --- Assert ---
	require.NoError(t, err, "run() should return a nil error when shouldExit is true")
	require.Contains(t, out.String(), "Usage:", "Expected help text to be printed to the output buffer")
}

func TestRun_ParseError(t *testing.T) {
	t.Parallel()

	// --- Arrange ---
	out := &bytes.Buffer{}

	// --- Act ---
	// The run function should propagate the error from cli.Parse.
	err := run(context.Background(), out, []string{"--this-is-not-a-valid-flag"})

	// --- Assert ---
	require.Error(t, err, "run() should return an error when argument parsing fails")
	require.Contains(t, err.Error(), "flag provided but not defined: -this-is-not-a-valid-flag")
}
