// Package broker ties addresses, the journal and delivery channels together.
//
// A durable send reserves the next message id of its address and submits a
// DATA record to the journal under the address lock, so on-disk sequence
// numbers of one destination increase in log order. The message reaches
// the channel only after its final fragment is durable. When a durable
// message finishes, an ACK record is appended and the journal checkpoint
// moves past the longest finished prefix of the log. On Open, DATA records
// without an ACK are requeued.
package broker
