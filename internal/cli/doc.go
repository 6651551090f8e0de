// Package cli is responsible for parsing command-line arguments, validating
// user input, and handling process-level concerns like exit codes. It
// translates the flags of the runtime and the scheduler binaries into the
// application's configuration.
package cli
