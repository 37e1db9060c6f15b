package channel

import "strings"

// FailureClass partitions send failures by retry semantics. Auth failures are
// permanent but flagged separately for operator visibility.
type FailureClass string

const (
	FailureNone      FailureClass = ""
	FailureTransient FailureClass = "transient"
	FailurePermanent FailureClass = "permanent"
	FailureAuth      FailureClass = "auth"
)

// SendOutcome is the explicit result of one provider send attempt. The outbox
// worker branches on Class instead of unwrapping error chains.
type SendOutcome struct {
	ProviderMessageID string
	Class             FailureClass
	Err               error
	// StatusCode is the provider HTTP status when available.
	StatusCode int
	// Detail carries a truncated provider response body for diagnosis.
	Detail string
}

// OK reports whether the send succeeded.
func (o SendOutcome) OK() bool { return o.Class == FailureNone && o.Err == nil }

// Retryable reports whether the outbox may attempt the send again.
func (o SendOutcome) Retryable() bool { return o.Class == FailureTransient }

// ErrorSummary renders a short operator-readable failure description.
func (o SendOutcome) ErrorSummary() string {
	if o.Err == nil {
		return ""
	}
	parts := []string{o.Err.Error()}
	if o.Detail != "" {
		parts = append(parts, o.Detail)
	}
	return strings.Join(parts, ": ")
}

// Sent builds a success outcome.
func Sent(providerMessageID string) SendOutcome {
	return SendOutcome{ProviderMessageID: providerMessageID}
}

// TransientFailure builds a retryable outcome.
func TransientFailure(err error) SendOutcome {
	return SendOutcome{Class: FailureTransient, Err: err}
}

// PermanentFailure builds a terminal outcome.
func PermanentFailure(err error) SendOutcome {
	return SendOutcome{Class: FailurePermanent, Err: err}
}

// AuthFailure builds a terminal outcome flagged as an auth problem.
func AuthFailure(err error, statusCode int, detail string) SendOutcome {
	return SendOutcome{Class: FailureAuth, Err: err, StatusCode: statusCode, Detail: detail}
}

// TruncateDetail bounds a provider response body for storage.
func TruncateDetail(body string) string {
	const max = 512
	body = strings.TrimSpace(body)
	if len(body) <= max {
		return body
	}
	return body[:max]
}
