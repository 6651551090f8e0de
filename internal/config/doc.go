// Package config defines the format-agnostic description of a runtime: the
// model's tensors and subgraphs, the jobs that run them, the scheduler to
// report to and the default partitioning.
//
// The `config.Model` is the single source of truth for the `builder` and
// `app` packages. Concrete loaders, such as the HCL one, live in separate
// packages.
package config
