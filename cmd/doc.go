// Package cmd implements the command-line interface for the coals
// shared-memory object store. It provides a hierarchical command
// structure for demonstrating and benchmarking the store.
//
// The package is organized into several subpackages:
//
//   - demo: A multi-process demonstration that writes objects in one
//     process and reads them zero-copy from spawned reader processes
//   - bench: Performance benchmarks for the store operations
//   - util: Shared utilities for command-line processing and
//     configuration (internal use)
//
// See coals -help for a list of all commands.
package cmd
