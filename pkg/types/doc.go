// Package types holds the public configuration and diagnostic types of
// kmemkit: the allocator tunables fixed at boot and the consistency
// violations the allocators record while running.
//
// This package has no dependencies beyond the standard library and the
// module's internal diagnostics package.
package types
