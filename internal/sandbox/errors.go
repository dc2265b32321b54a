package sandbox

import (
	"errors"
	"fmt"
)

// Capability results. These are sentinel errors so callers are forced to
// branch on them explicitly via errors.Is — a capability gap is a first-class
// result, not a failure to retry.
var (
	// ErrUnsupported means the provider (or account tier) never supports the
	// operation. Don't retry, don't offer the UI action again.
	ErrUnsupported = errors.New("not supported by this provider")

	// ErrNotFound means the provider has no session with the given id —
	// typically an externally reaped session (cloud-side TTL eviction).
	ErrNotFound = errors.New("session not found")
)

// ProviderError wraps a backend failure with its transient/permanent nature.
// Transient failures (network blip, rate limit) are safe to retry with
// backoff at the call site; permanent ones are not.
type ProviderError struct {
	Provider  string
	Op        string
	Transient bool
	Status    int // HTTP status when the failure came off the wire, else 0.
	Err       error
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("%s: %s: %v", e.Provider, e.Op, e.Err)
}

func (e *ProviderError) Unwrap() error { return e.Err }

// IsTransient reports whether err is a provider failure that is safe to retry.
func IsTransient(err error) bool {
	var pe *ProviderError
	return errors.As(err, &pe) && pe.Transient
}

func transientErr(provider, op string, err error) error {
	return &ProviderError{Provider: provider, Op: op, Transient: true, Err: err}
}

func permanentErr(provider, op string, err error) error {
	return &ProviderError{Provider: provider, Op: op, Transient: false, Err: err}
}
