package notify

import "errors"

var (
	ErrStatusInvalid     = errors.New("invalid message status")
	ErrTransitionInvalid = errors.New("invalid status transition")
	ErrTenantRequired    = errors.New("tenant id is required")
)

// ErrorCode classifies why an attempt did not deliver. Codes are stored on
// the message and on delivery log entries, never free-form provider text.
type ErrorCode string

const (
	// Transient provider conditions, retried with exponential backoff.
	ErrCodeProviderTimeout     ErrorCode = "PROVIDER_TIMEOUT"
	ErrCodeProviderUnavailable ErrorCode = "PROVIDER_UNAVAILABLE"

	// Permanent provider rejections, dead-lettered immediately.
	ErrCodeInvalidRecipient ErrorCode = "INVALID_RECIPIENT"
	ErrCodeTemplateRejected ErrorCode = "TEMPLATE_REJECTED"

	// Policy skips, terminal without counting as failures.
	ErrCodeOptOut         ErrorCode = "OPT_OUT"
	ErrCodeConsentMissing ErrorCode = "CONSENT_MISSING"
	ErrCodeQuietHours     ErrorCode = "QUIET_HOURS"

	// System-internal conditions.
	ErrCodeLockExpired            ErrorCode = "LOCK_EXPIRED"
	ErrCodeJobCancelled           ErrorCode = "JOB_CANCELLED"
	ErrCodeJobExpired             ErrorCode = "JOB_EXPIRED"
	ErrCodeEligibilityUnavailable ErrorCode = "ELIGIBILITY_UNAVAILABLE"
)

// Retryable reports whether attempts carrying this code may be retried.
func (c ErrorCode) Retryable() bool {
	switch c {
	case ErrCodeProviderTimeout, ErrCodeProviderUnavailable, ErrCodeLockExpired, ErrCodeEligibilityUnavailable:
		return true
	default:
		return false
	}
}

// Skip reports whether the code describes a policy skip rather than a failure.
func (c ErrorCode) Skip() bool {
	switch c {
	case ErrCodeOptOut, ErrCodeConsentMissing, ErrCodeQuietHours:
		return true
	default:
		return false
	}
}

// SendError is the error contract between a Sender implementation and the
// delivery engine. Plain errors from a Sender are treated as transient.
type SendError struct {
	Code    ErrorCode
	Message string
}

func (e *SendError) Error() string {
	if e.Message == "" {
		return string(e.Code)
	}
	return string(e.Code) + ": " + e.Message
}

// ClassifySendError maps an error returned by a Sender onto an error code.
// Unrecognized errors default to PROVIDER_UNAVAILABLE so that an integration
// that forgets to classify still gets retry semantics, never silent data loss.
func ClassifySendError(err error) ErrorCode {
	if err == nil {
		return ""
	}
	var sendErr *SendError
	if errors.As(err, &sendErr) && sendErr.Code != "" {
		return sendErr.Code
	}
	return ErrCodeProviderUnavailable
}
