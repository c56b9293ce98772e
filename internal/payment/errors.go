package payment

import (
	"errors"
	"fmt"
)

// Payment errors.
var (
	// ErrInsufficientFunds means the payer cannot cover the fee even after
	// conversion from the stable currency.
	ErrInsufficientFunds = errors.New("insufficient funds")

	// ErrSwapFailed means the exchange could not convert the shortfall. It
	// always surfaces wrapped in ErrInsufficientFunds.
	ErrSwapFailed = errors.New("swap failed")

	// ErrInsufficientBalance is the withdrawal failure returned by WithdrawFee.
	ErrInsufficientBalance = errors.New("insufficient balance for fee")
)

// Stable client-facing codes.
const (
	CodeInsufficientBalance = 1010
)

// ReasonTopUpStable tells the client how to recover from a fee shortfall.
const ReasonTopUpStable = "top up stable currency balance"

// ReasonError carries a stable code and reason string for client retry
// decisions alongside the underlying error.
type ReasonError struct {
	Code   int
	Reason string
	Err    error
}

func (e *ReasonError) Error() string {
	return fmt.Sprintf("%s (code %d): %v", e.Reason, e.Code, e.Err)
}

func (e *ReasonError) Unwrap() error {
	return e.Err
}

// insufficientBalance wraps cause as the WithdrawFee failure.
func insufficientBalance(cause error) error {
	return &ReasonError{
		Code:   CodeInsufficientBalance,
		Reason: ReasonTopUpStable,
		Err:    fmt.Errorf("%w: %w", ErrInsufficientBalance, cause),
	}
}
