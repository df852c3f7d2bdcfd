package rank

import "strings"

// StandardRetryPolicy is the single place deciding whether a failed check
// is worth another attempt. Retries are allowed only while retryCount is
// below the cap and only for errors matching a transient signature;
// permanent signatures win over transient ones.
type StandardRetryPolicy struct {
	maxRetries int
}

// NewStandardRetryPolicy builds a policy with the default retry cap.
func NewStandardRetryPolicy() *StandardRetryPolicy {
	return &StandardRetryPolicy{maxRetries: 3}
}

// NewRetryPolicyWithMax builds a policy with a custom retry cap.
// Non-positive values fall back to the default.
func NewRetryPolicyWithMax(maxRetries int) *StandardRetryPolicy {
	if maxRetries <= 0 {
		return NewStandardRetryPolicy()
	}
	return &StandardRetryPolicy{maxRetries: maxRetries}
}

// permanentSignatures mark failures that more attempts cannot fix.
var permanentSignatures = []string{
	"quota exceeded",
	"invalid",
	"unauthorized",
	"forbidden",
	"not supported",
	"payment required",
}

// transientSignatures mark failures expected to clear on their own.
var transientSignatures = []string{
	"timeout",
	"timed out",
	"rate limit",
	"too many requests",
	"connection refused",
	"connection reset",
	"temporarily unavailable",
	"service unavailable",
	"bad gateway",
	"internal error",
	"eof",
}

// ShouldRetry reports whether the sub-check should go back to pending.
func (p *StandardRetryPolicy) ShouldRetry(retryCount int, errMsg string) bool {
	if retryCount >= p.maxRetries {
		return false
	}
	msg := strings.ToLower(errMsg)
	for _, sig := range permanentSignatures {
		if strings.Contains(msg, sig) {
			return false
		}
	}
	for _, sig := range transientSignatures {
		if strings.Contains(msg, sig) {
			return true
		}
	}
	return false
}
