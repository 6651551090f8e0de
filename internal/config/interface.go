package config

import (
	"context"
)

// Loader is the interface for a format-specific runtime description loader.
type Loader interface {
	// Load reads every description file under paths and merges them into
	// one validated model.
	Load(ctx context.Context, paths ...string) (*Model, error)
}
