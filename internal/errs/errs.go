package errs

import "errors"

// Sentinel errors shared across the ledger core. Callers match with errors.Is
// and wrap with fmt.Errorf("context: %w", err).
var (
	// ErrNotFound means a referenced transaction, wallet, ledger entry or
	// rate configuration does not exist.
	ErrNotFound = errors.New("not found")

	// ErrInvalidState means a status transition is not allowed: duplicate
	// completion, regression out of a terminal state, or "already processing".
	ErrInvalidState = errors.New("invalid state")

	// ErrInsufficientFunds means a debit would drive the balance negative.
	ErrInsufficientFunds = errors.New("insufficient funds")

	// ErrExternalDependency means a provider API call failed.
	ErrExternalDependency = errors.New("external dependency failure")

	// ErrValidation means a callback carried malformed or missing fields.
	ErrValidation = errors.New("validation failure")
)
