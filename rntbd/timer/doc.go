// Package timer provides the coarse request timer shared by all endpoints of
// a provider. One goroutine checks a deadline heap once per tick (10ms by
// default) and runs the tasks that are due. Cancelling a timeout removes it
// from the heap. Stop runs all pending tasks synchronously.
package timer
