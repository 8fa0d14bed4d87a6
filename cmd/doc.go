// Package cmd implements the command-line interface for rkv. It provides a
// hierarchical command structure with developer tooling around the reactive
// collection library.
//
// The package is organized into several subpackages:
//
//   - bench: Throughput and latency benchmarks for stores and operators
//   - demo: A live pipeline demonstration streaming change sets to the log
//   - util: Shared utilities for command-line processing and configuration (internal use)
//
// See rkv -help for a list of all commands.
package cmd
