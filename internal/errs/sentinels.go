// Package errs contains sentinel errors used across layers for stable error mapping.
package errs

import "errors"

// Common sentinels across crypto/limiter/service layers.
var (
	// ErrInvalidInput indicates an empty or oversized secret.
	ErrInvalidInput = errors.New("invalid input")

	// ErrConfiguration indicates invalid limiter parameters or a corrupt credential reference at startup.
	ErrConfiguration = errors.New("configuration error")

	// ErrCorruptReference indicates a structurally broken credential reference (nil or zero value).
	ErrCorruptReference = errors.New("corrupt credential reference")

	// ErrUnsupportedAlgorithm indicates a reference algorithm the verifier cannot compute.
	ErrUnsupportedAlgorithm = errors.New("unsupported algorithm")

	// ErrInvalidCredential indicates a failed credential match.
	ErrInvalidCredential = errors.New("invalid credentials")

	// ErrLocked indicates temporary login lock due to rate limiting.
	ErrLocked = errors.New("locked")

	// ErrLedgerUnavailable indicates the attempt ledger backend could not be reached.
	ErrLedgerUnavailable = errors.New("attempt ledger unavailable")
)
