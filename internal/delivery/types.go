package delivery

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	// ErrDetached is returned by operations on a detached link.
	ErrDetached = errors.New("delivery: link detached")
	// ErrChannelClosed is returned by Attach on a closed channel.
	ErrChannelClosed = errors.New("delivery: channel closed")
	// ErrInvalidMode is returned when parsing an unknown mode name.
	ErrInvalidMode = errors.New("delivery: invalid mode")
	// ErrInvalidOutcome is returned for an outcome that cannot settle a delivery.
	ErrInvalidOutcome = errors.New("delivery: invalid outcome")
)

// DistributionMode selects queue or topic semantics.
type DistributionMode uint8

const (
	// Exclusive hands each message to exactly one link.
	Exclusive DistributionMode = iota + 1
	// FanOut gives every attached link its own copy.
	FanOut
)

func (m DistributionMode) String() string {
	switch m {
	case Exclusive:
		return "exclusive"
	case FanOut:
		return "fanout"
	default:
		return fmt.Sprintf("mode(%d)", uint8(m))
	}
}

// ParseDistributionMode accepts "exclusive"/"queue" and "fanout"/"topic".
func ParseDistributionMode(s string) (DistributionMode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "exclusive", "queue":
		return Exclusive, nil
	case "fanout", "fan-out", "topic":
		return FanOut, nil
	default:
		return 0, fmt.Errorf("%w: distribution %q", ErrInvalidMode, s)
	}
}

// SettleMode decides when a delivery counts as settled.
type SettleMode uint8

const (
	// FireAndForget settles on send.
	FireAndForget SettleMode = iota + 1
	// NetworkAtLeastOnce settles when the receiver has read the delivery.
	NetworkAtLeastOnce
	// NetworkExactlyOnce is NetworkAtLeastOnce with duplicate suppression.
	NetworkExactlyOnce
	// TakeAtLeastOnce settles when the consumer takes the delivery from the
	// receiver's buffer.
	TakeAtLeastOnce
	// TakeExactlyOnce settles on take, before the application sees the
	// delivery, and suppresses duplicates.
	TakeExactlyOnce
	// ApplicationAck settles only on an explicit application outcome.
	ApplicationAck
)

var settleModeNames = map[SettleMode]string{
	FireAndForget:      "fire-and-forget",
	NetworkAtLeastOnce: "network-at-least-once",
	NetworkExactlyOnce: "network-exactly-once",
	TakeAtLeastOnce:    "take-at-least-once",
	TakeExactlyOnce:    "take-exactly-once",
	ApplicationAck:     "application-ack",
}

func (m SettleMode) String() string {
	if s, ok := settleModeNames[m]; ok {
		return s
	}
	return fmt.Sprintf("settle(%d)", uint8(m))
}

// ParseSettleMode maps a mode name to a SettleMode.
func ParseSettleMode(s string) (SettleMode, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	for m, name := range settleModeNames {
		if name == s {
			return m, nil
		}
	}
	return 0, fmt.Errorf("%w: settle %q", ErrInvalidMode, s)
}

// trackUnsettled reports whether deliveries wait for a settlement from the
// receiver.
func (m SettleMode) trackUnsettled() bool { return m != FireAndForget }

// exactlyOnce reports whether the receiver suppresses duplicates.
func (m SettleMode) exactlyOnce() bool {
	return m == NetworkExactlyOnce || m == TakeExactlyOnce
}

// State is the settlement state of a delivery.
type State uint8

const (
	Unsettled State = iota
	Accepted
	Rejected
	Released
	Modified
)

func (s State) String() string {
	switch s {
	case Unsettled:
		return "unsettled"
	case Accepted:
		return "accepted"
	case Rejected:
		return "rejected"
	case Released:
		return "released"
	case Modified:
		return "modified"
	default:
		return fmt.Sprintf("state(%d)", uint8(s))
	}
}

// Outcome is a consumer's disposition of a delivery.
type Outcome struct {
	State State
	// Reason accompanies Rejected.
	Reason string
	// Failed counts a Modified delivery as a failed attempt.
	Failed bool
	// UndeliverableHere keeps a Modified message away from this link.
	UndeliverableHere bool
}

var (
	AcceptedOutcome = Outcome{State: Accepted}
	ReleasedOutcome = Outcome{State: Released}
)

// RejectedOutcome builds a rejection with reason.
func RejectedOutcome(reason string) Outcome { return Outcome{State: Rejected, Reason: reason} }

// ModifiedOutcome builds a modification.
func ModifiedOutcome(failed, undeliverableHere bool) Outcome {
	return Outcome{State: Modified, Failed: failed, UndeliverableHere: undeliverableHere}
}

// Message is a unit of data held by a channel. Channels and receivers share
// one *Message between links; it must not be modified after Enqueue.
type Message struct {
	ID         uint64
	Xid        uint64
	Durable    bool
	Priority   uint8
	ExpiresAt  time.Time
	Properties map[string]string
	Body       []byte
}

// Expired reports whether the message has an expiry at or before now.
func (m *Message) Expired(now time.Time) bool {
	return !m.ExpiresAt.IsZero() && !now.Before(m.ExpiresAt)
}

// Delivery is one transfer of a message to a receiver.
type Delivery struct {
	Message *Message
	// Count is the 1-based delivery attempt for this link's copy.
	Count uint32
	r     *Receiver
}

// ID returns the message id.
func (d Delivery) ID() uint64 { return d.Message.ID }

// Redelivered reports whether this is not the first attempt.
func (d Delivery) Redelivered() bool { return d.Count > 1 }

// Accept settles the delivery as accepted. Only meaningful for
// ApplicationAck receivers; other modes settle on their own.
func (d Delivery) Accept() error { return d.settle(AcceptedOutcome) }

// Reject settles the delivery as permanently failed.
func (d Delivery) Reject(reason string) error { return d.settle(RejectedOutcome(reason)) }

// Release returns the delivery for redelivery without counting a failure.
func (d Delivery) Release() error { return d.settle(ReleasedOutcome) }

// Modify adjusts retry bookkeeping and returns the delivery for redelivery.
func (d Delivery) Modify(failed, undeliverableHere bool) error {
	return d.settle(ModifiedOutcome(failed, undeliverableHere))
}

func (d Delivery) settle(o Outcome) error {
	if d.r == nil {
		return ErrDetached
	}
	return d.r.settler.Settle(d.Message.ID, o)
}
