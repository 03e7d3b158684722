package engine

import (
	"context"

	"github.com/heraldhq/herald/internal/notify"
)

// Sender hands one message to the external provider integration. Rendering
// and provider transport live behind this interface; the engine only sees
// the provider's message ID or an error. Implementations classify failures
// by returning *notify.SendError; anything else is retried as transient.
type Sender interface {
	Send(ctx context.Context, msg *notify.OutboxMessage) (providerMessageID string, err error)
}

// SenderFunc adapts a function to the Sender interface.
type SenderFunc func(ctx context.Context, msg *notify.OutboxMessage) (string, error)

func (fn SenderFunc) Send(ctx context.Context, msg *notify.OutboxMessage) (string, error) {
	return fn(ctx, msg)
}

// EligibilityChecker is the consent/opt-out subsystem's interface. A false
// result skips the message with the given reason code and never retries.
type EligibilityChecker interface {
	IsEligible(ctx context.Context, tenantID, recipient string, channel notify.Channel) (bool, notify.ErrorCode, error)
}

// AllowAll is an EligibilityChecker that admits every recipient, for
// deployments where consent is enforced upstream.
type AllowAll struct{}

func (AllowAll) IsEligible(ctx context.Context, tenantID, recipient string, channel notify.Channel) (bool, notify.ErrorCode, error) {
	return true, "", nil
}
