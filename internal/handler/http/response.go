package http

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"momovault/internal/domain"
)

type successResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
	Data    any    `json:"data,omitempty"`
}

type errorResponse struct {
	Success     bool   `json:"success"`
	Code        string `json:"code"`
	Message     string `json:"message"`
	ReferenceID string `json:"referenceId,omitempty"`
	Details     any    `json:"details,omitempty"`
}

func writeJSON(w http.ResponseWriter, logger *zap.Logger, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		logger.Error("error while writing response", zap.Error(err))
	}
}

func writeError(w http.ResponseWriter, logger *zap.Logger, status int, code, message string, ref uuid.UUID, details any) {
	resp := errorResponse{Code: code, Message: message, Details: details}
	if ref != uuid.Nil {
		resp.ReferenceID = ref.String()
	}
	writeJSON(w, logger, status, resp)
}

type apiError struct {
	status  int
	code    string
	message string
}

// describe maps a service error to the response the caller sees.
func describe(err error) apiError {
	var we *domain.WithdrawalError
	if errors.As(err, &we) && we.Ambiguous() {
		return apiError{http.StatusInternalServerError, "withdrawal_pending_reconciliation",
			"The payout was sent but could not be fully recorded. It will be reconciled; keep the reference id."}
	}

	switch {
	case errors.Is(err, domain.ErrInvalidPhone):
		return apiError{http.StatusBadRequest, "invalid_phone", "Phone number is not a valid mobile money number."}
	case errors.Is(err, domain.ErrEmptyDepositSelection),
		errors.Is(err, domain.ErrInvalidDepositID),
		errors.Is(err, domain.ErrDuplicateDepositID):
		return apiError{http.StatusBadRequest, "invalid_request", err.Error()}
	case errors.Is(err, domain.ErrPartialOrInvalidDepositSelection):
		return apiError{http.StatusBadRequest, "invalid_deposit_selection", "Some deposit ids are invalid or already withdrawn."}
	case errors.Is(err, domain.ErrInsufficientFundsAfterFees):
		return apiError{http.StatusBadRequest, "insufficient_funds_after_fees", "A deposit would pay out nothing after fees and penalties."}
	case errors.Is(err, domain.ErrMissingDepositPhone):
		return apiError{http.StatusBadRequest, "missing_deposit_phone", "A deposit has no phone number on record."}
	case errors.Is(err, domain.ErrPhoneMismatch):
		return apiError{http.StatusForbidden, "phone_mismatch", "Phone number does not match the number used for the deposits."}
	case errors.Is(err, domain.ErrDepositNotFound):
		return apiError{http.StatusNotFound, "deposit_not_found", "No matching locked deposits were found."}
	case errors.Is(err, domain.ErrInvalidCredential):
		return apiError{http.StatusUnauthorized, "unauthorized", "Authentication required."}
	case errors.Is(err, domain.ErrWithdrawalInProgress), errors.Is(err, domain.ErrDuplicateRequest):
		return apiError{http.StatusConflict, "withdrawal_in_progress", "A withdrawal with this idempotency key is still being processed."}
	case errors.Is(err, domain.ErrIdempotencyKeyMismatch):
		return apiError{http.StatusConflict, "idempotency_key_mismatch", "Idempotency key was already used with a different request."}
	}

	switch domain.Classify(err) {
	case domain.CategoryGatewayTransient:
		return apiError{http.StatusBadGateway, "gateway_error", "The payment gateway did not accept the withdrawal. Nothing was paid out; try again."}
	case domain.CategoryStorageUnavailable:
		return apiError{http.StatusServiceUnavailable, "storage_unavailable", "Service temporarily unavailable. Nothing was paid out; try again."}
	default:
		return apiError{http.StatusInternalServerError, "internal_error", "Internal server error."}
	}
}
