// Package client contains the operator commands of the flomq CLI that do
// not run a server: journal inspection, health checks and the in-process
// benchmark.
//
// Usage
//
//	flomq journal dump --file /var/lib/flomq/journal.dat --payloads --limit 20
//
//	flomq health --addr 127.0.0.1:7070
//
//	flomq bench --messages 100000 --prefetch 50 --settle take-at-least-once
package client
