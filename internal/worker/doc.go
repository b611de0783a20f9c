// Package worker runs cooperative drain tasks on a shared, bounded pool.
//
// A Worker wraps a task that consumes whatever work is pending and returns.
// Wake schedules the task; wakes that arrive while the task is running are
// coalesced into at most one additional run, so a producer can call Wake
// after every enqueue without piling up goroutines.
package worker
