package notify

import "fmt"

// MessageStatus represents a valid outbox message lifecycle state.
type MessageStatus string

const (
	StatusPending   MessageStatus = "PENDING"
	StatusSending   MessageStatus = "SENDING"
	StatusSent      MessageStatus = "SENT"
	StatusRetrying  MessageStatus = "RETRYING"
	StatusDelivered MessageStatus = "DELIVERED"
	StatusFailed    MessageStatus = "FAILED"
	StatusDead      MessageStatus = "DEAD"
	StatusSkipped   MessageStatus = "SKIPPED"
	StatusCancelled MessageStatus = "CANCELLED"
)

// ParseMessageStatus validates and converts a raw string status.
func ParseMessageStatus(raw string) (MessageStatus, error) {
	status := MessageStatus(raw)
	if !status.IsValid() {
		return "", fmt.Errorf("%w: %q", ErrStatusInvalid, raw)
	}
	return status, nil
}

// IsValid reports whether the status is part of the message lifecycle.
func (s MessageStatus) IsValid() bool {
	switch s {
	case StatusPending, StatusSending, StatusSent, StatusRetrying,
		StatusDelivered, StatusFailed, StatusDead, StatusSkipped, StatusCancelled:
		return true
	default:
		return false
	}
}

// Terminal reports whether the status ends the message lifecycle.
// Terminal messages are retained for audit and never claimed again.
func (s MessageStatus) Terminal() bool {
	switch s {
	case StatusDelivered, StatusFailed, StatusDead, StatusSkipped, StatusCancelled:
		return true
	default:
		return false
	}
}

// Live reports whether the status keeps the message's dedup key reserved.
// A live message is the single representative of its logical identity: a
// re-enqueue with the same dedup key returns it instead of creating a row.
func (s MessageStatus) Live() bool {
	return !s.Terminal()
}

// Claimable reports whether a worker may lease the message.
func (s MessageStatus) Claimable() bool {
	return s == StatusPending || s == StatusRetrying
}

// CanTransitionTo reports whether a transition from s to next is allowed.
//
// SENT remains non-terminal with respect to webhooks: the provider's
// asynchronous callback settles it into DELIVERED or FAILED. DEAD is only
// left via an explicit operator requeue.
func (s MessageStatus) CanTransitionTo(next MessageStatus) bool {
	switch s {
	case StatusPending:
		return next == StatusSending || next == StatusCancelled
	case StatusSending:
		switch next {
		case StatusSent, StatusRetrying, StatusSkipped, StatusDead, StatusFailed, StatusCancelled:
			return true
		}
		return false
	case StatusRetrying:
		return next == StatusSending || next == StatusDead || next == StatusCancelled
	case StatusSent:
		return next == StatusDelivered || next == StatusFailed
	case StatusDead:
		// Manual requeue of a dead-lettered message.
		return next == StatusPending
	default:
		return false
	}
}

// ValidateTransition rejects lifecycle transitions the state machine forbids.
func ValidateTransition(from, to MessageStatus) error {
	if !from.IsValid() {
		return fmt.Errorf("from status: %w: %q", ErrStatusInvalid, string(from))
	}
	if !to.IsValid() {
		return fmt.Errorf("to status: %w: %q", ErrStatusInvalid, string(to))
	}
	if !from.CanTransitionTo(to) {
		return fmt.Errorf("%w: %s -> %s", ErrTransitionInvalid, from, to)
	}
	return nil
}

func (s MessageStatus) String() string {
	return string(s)
}
