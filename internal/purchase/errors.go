package purchase

import (
	"errors"
	"fmt"
)

var (
	// ErrVerificationFailed means the billing platform rejected the receipt
	// after all environment attempts.
	ErrVerificationFailed = errors.New("verification failed")

	// ErrUnknownProduct means the product id is absent from the catalog.
	ErrUnknownProduct = errors.New("unknown product")

	// ErrUpstreamTimeout means the verification call exceeded its bound.
	// The operation fails closed and the caller may retry.
	ErrUpstreamTimeout = errors.New("upstream timeout")
)

// VerifyError is a structured error for verification calls against the
// billing platform.
type VerifyError struct {
	Op         string // operation that failed, e.g. "apple_verify"
	Platform   string
	StatusCode int // platform status code if applicable
	Err        error
	Retryable  bool
}

func (e *VerifyError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s failed on %s (status %d): %v", e.Op, e.Platform, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("%s failed on %s: %v", e.Op, e.Platform, e.Err)
}

func (e *VerifyError) Unwrap() error {
	return e.Err
}
