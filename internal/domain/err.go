package domain

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
)

var (
	ErrInvalidPhone                     = errors.New("invalid phone number")
	ErrEmptyDepositSelection            = errors.New("at least one deposit id is required")
	ErrInvalidDepositID                 = errors.New("invalid deposit id")
	ErrDuplicateDepositID               = errors.New("deposit id listed more than once")
	ErrDepositNotFound                  = errors.New("deposit not found")
	ErrPartialOrInvalidDepositSelection = errors.New("some deposit ids are invalid or already withdrawn")
	ErrPhoneMismatch                    = errors.New("phone number does not match the depositor's number")
	ErrMissingDepositPhone              = errors.New("deposit has no associated phone number")
	ErrInsufficientFundsAfterFees       = errors.New("insufficient funds after fees and penalties")
	ErrInvalidTransition                = errors.New("invalid status transition")

	ErrTokenAcquisitionFailed  = errors.New("failed to acquire disbursement token")
	ErrDisbursementRejected    = errors.New("disbursement rejected")
	ErrDisbursementUnconfirmed = errors.New("disbursement outcome unconfirmed")
	ErrGatewayUnauthorized     = errors.New("gateway rejected access token")
	ErrTransferNotFound        = errors.New("transfer not found")

	ErrStorageWriteFailed   = errors.New("storage write failed")
	ErrStorageUnavailable   = errors.New("storage unavailable")
	ErrVaultNotFound        = errors.New("vault not found or balance too low")
	ErrBatchNotFound        = errors.New("withdrawal batch not found")
	ErrDuplicateRequest     = errors.New("duplicate request")
	ErrWithdrawalInProgress = errors.New("withdrawal with this idempotency key is still in progress")

	ErrIdempotencyKeyMismatch     = errors.New("idempotency key mismatch")
	ErrAmbiguousAfterDisbursement = errors.New("disbursement accepted but local settlement not confirmed")

	ErrInvalidCredential = errors.New("invalid credential")
)

// DisbursementRejectedError carries the gateway's answer for a transfer that
// was not accepted for processing.
type DisbursementRejectedError struct {
	StatusCode int
	Body       string
}

func (e *DisbursementRejectedError) Error() string {
	return fmt.Sprintf("disbursement rejected with status %d", e.StatusCode)
}

func (e *DisbursementRejectedError) Unwrap() error {
	return ErrDisbursementRejected
}

// WithdrawalError is returned by the withdrawal orchestrator for every failed
// request. State is one of the two failure terminals.
type WithdrawalError struct {
	State       WithdrawalState
	ReferenceID uuid.UUID
	Err         error
}

func (e *WithdrawalError) Error() string {
	if e.ReferenceID == uuid.Nil {
		return fmt.Sprintf("withdrawal %s: %v", e.State, e.Err)
	}
	return fmt.Sprintf("withdrawal %s (ref %s): %v", e.State, e.ReferenceID, e.Err)
}

func (e *WithdrawalError) Unwrap() error {
	return e.Err
}

// Ambiguous reports whether money may have left the gateway account without
// the local books reflecting it.
func (e *WithdrawalError) Ambiguous() bool {
	return e.State == StateAmbiguousAfterDisbursement
}

type Category string

const (
	CategoryInputValidation    Category = "input_validation"
	CategoryAuthorization      Category = "authorization"
	CategoryConflict           Category = "conflict"
	CategoryGatewayTransient   Category = "gateway_transient"
	CategoryStorageUnavailable Category = "storage_unavailable"
	CategoryPostAcceptance     Category = "post_acceptance_inconsistency"
	CategoryInternal           Category = "internal"
)

// Classify maps an error onto the caller-facing error taxonomy.
func Classify(err error) Category {
	var we *WithdrawalError
	if errors.As(err, &we) && we.Ambiguous() {
		return CategoryPostAcceptance
	}

	switch {
	case errors.Is(err, ErrAmbiguousAfterDisbursement):
		return CategoryPostAcceptance
	case errors.Is(err, ErrInvalidPhone),
		errors.Is(err, ErrEmptyDepositSelection),
		errors.Is(err, ErrInvalidDepositID),
		errors.Is(err, ErrDuplicateDepositID),
		errors.Is(err, ErrPartialOrInvalidDepositSelection),
		errors.Is(err, ErrInsufficientFundsAfterFees):
		return CategoryInputValidation
	case errors.Is(err, ErrDepositNotFound),
		errors.Is(err, ErrPhoneMismatch),
		errors.Is(err, ErrMissingDepositPhone),
		errors.Is(err, ErrInvalidCredential):
		return CategoryAuthorization
	case errors.Is(err, ErrWithdrawalInProgress),
		errors.Is(err, ErrIdempotencyKeyMismatch),
		errors.Is(err, ErrDuplicateRequest):
		return CategoryConflict
	case errors.Is(err, ErrTokenAcquisitionFailed),
		errors.Is(err, ErrDisbursementRejected),
		errors.Is(err, ErrGatewayUnauthorized):
		return CategoryGatewayTransient
	case errors.Is(err, ErrStorageUnavailable),
		errors.Is(err, ErrStorageWriteFailed):
		return CategoryStorageUnavailable
	default:
		return CategoryInternal
	}
}
