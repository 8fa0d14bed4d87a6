// Package stream provides the push-based subscription fabric that connects
// rKV pipeline stages.
//
// The package focuses on:
//   - A minimal Observer/Observable/Subscription triple. Anything that can
//     deliver values to an Observer is an Observable; anything handed back
//     from Subscribe can be disposed exactly once.
//   - Function adapters (ObservableFunc, OnNext, Callbacks) so stages and
//     tests can be wired without declaring single-use types.
//   - A lock-free multi-producer single-consumer queue (MPSC) used by stages
//     that decouple publication from consumption.
//
// Delivery is synchronous by default: an Observable pushes to its Observer on
// the calling goroutine. Stages that need asynchronous hand-off (for example
// ops.Buffered) build it explicitly on top of the MPSC queue.
package stream
