// Package util provides the concurrency and scheduling primitives the RNTBD
// transport is built on.
//
// The package contains:
//   - mpsc: A lock-free Multi-Producer Single-Consumer queue. Each channel pool
//     funnels all of its acquire/release operations through one queue so that a
//     single goroutine owns the pool state.
//   - mapheap: A min-heap with key-based access and removal, used by the request
//     timer to order deadlines and cancel them in O(log n).
package util
