// Package delivery implements per-address delivery channels with
// credit-based flow control and settlement.
//
// A Channel holds the backlog for one address and dispatches to the Links
// attached to it. In Exclusive mode each message goes to one link and is
// done once that delivery is accepted or rejected; in FanOut mode every
// attached link gets its own copy and the message is done when all copies
// settle.
//
// A Link is the sender's view of one consumer. It tracks the absolute
// credit target granted with Flow, the number of deliveries sent and the
// unsettled deliveries keyed by message id. The sender transmits while
// delivered < target and the unsettled count is below the link's prefetch.
//
// A Receiver is the consumer's view: a local prefetch buffer that settles
// automatically according to its SettleMode and refills credit once more
// than three quarters of the prefetch has been consumed since the last grant.
// Receivers talk to their link through the Settler interface only.
//
// Per-delivery state: SENT -> UNSETTLED -> ACCEPTED | REJECTED | RELEASED,
// or MODIFIED -> UNSETTLED. Settling an id that is not unsettled on the link
// is a logged no-op.
package delivery
