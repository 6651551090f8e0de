// Package registry maps operator kinds to their kernel registrations.
//
// Kernel packages implement Module and add their registrations during
// startup. The builder then resolves every operator named in a runtime
// description through the Registry, so a typo in a description fails before
// any graph is built. Validate checks that the registered set is coherent.
package registry
