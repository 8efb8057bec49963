package reliability

import (
	"fmt"

	"github.com/rafimumtaz/ChitChat/contracts"
)

// Action is what the consumer does with a delivery
type Action int

const (
	// Ack removes the delivery from the queue
	Ack Action = iota
	// NackRequeue returns the delivery to the queue for another attempt
	NackRequeue
	// NackDiscard rejects the delivery without requeue. The broker routes it
	// to the dead-letter exchange when the queue has one.
	NackDiscard
)

func (a Action) String() string {
	switch a {
	case Ack:
		return "ack"
	case NackRequeue:
		return "nack-requeue"
	case NackDiscard:
		return "nack-discard"
	default:
		return fmt.Sprintf("Action(%d)", int(a))
	}
}

// InvalidPolicy selects how envelopes that fail validation are settled
type InvalidPolicy string

const (
	InvalidRequeue    InvalidPolicy = "requeue"
	InvalidDeadLetter InvalidPolicy = "dead-letter"
)

// ParseInvalidPolicy parses a policy name; empty selects InvalidRequeue
func ParseInvalidPolicy(s string) (InvalidPolicy, error) {
	switch InvalidPolicy(s) {
	case "", InvalidRequeue:
		return InvalidRequeue, nil
	case InvalidDeadLetter:
		return InvalidDeadLetter, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownPolicy, s)
}

// Policy holds the settlement choices that are configurable
type Policy struct {
	OnInvalid InvalidPolicy
}

// DefaultPolicy requeues everything that was not applied
func DefaultPolicy() Policy {
	return Policy{OnInvalid: InvalidRequeue}
}

// Decision is the settlement for one delivery
type Decision struct {
	Action Action
	// Stop asks the consumer to stop after settling
	Stop bool
	// Backoff asks the consumer to pause before the next delivery
	Backoff bool
}

// Decide maps a persistence result to a settlement. A delivery is only
// acked once its result is Applied.
func Decide(result contracts.Result, p Policy) Decision {
	switch result.Kind {
	case contracts.Applied:
		return Decision{Action: Ack}
	case contracts.Validation:
		if p.OnInvalid == InvalidDeadLetter {
			return Decision{Action: NackDiscard}
		}
		return Decision{Action: NackRequeue, Backoff: true}
	case contracts.Fatal:
		return Decision{Action: NackRequeue, Stop: true}
	default:
		// Transient, Permanent
		return Decision{Action: NackRequeue, Backoff: true}
	}
}
