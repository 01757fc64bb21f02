package http

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"momovault/internal/domain"
	"momovault/internal/port"
)

const (
	headerIdempotencyKey = "Idempotency-Key"
	maxBodyBytes         = 1 << 20
)

type WithdrawalHandler struct {
	service  port.WithdrawalService
	validate *validator.Validate
	logger   *zap.Logger
}

func NewWithdrawalHandler(service port.WithdrawalService, logger *zap.Logger) *WithdrawalHandler {
	return &WithdrawalHandler{
		service:  service,
		validate: validator.New(validator.WithRequiredStructEnabled()),
		logger:   logger,
	}
}

type withdrawRequest struct {
	PhoneNumber string   `json:"phoneNumber" validate:"required"`
	DepositIDs  []string `json:"depositIds" validate:"required,min=1,dive,uuid"`
}

type processedDepositResponse struct {
	DepositID         string      `json:"depositId"`
	OriginalAmount    json.Number `json:"originalAmount"`
	Penalty           json.Number `json:"penalty"`
	FlatFee           json.Number `json:"flatFee"`
	NetAmount         json.Number `json:"netAmount"`
	IsEarlyWithdrawal bool        `json:"isEarlyWithdrawal"`
	LockPeriodInDays  int         `json:"lockPeriodInDays"`
}

type withdrawResponse struct {
	TotalWithdrawn    json.Number                `json:"totalWithdrawn"`
	TotalFees         json.Number                `json:"totalFees"`
	TotalPenalties    json.Number                `json:"totalPenalties"`
	ReferenceID       string                     `json:"referenceId"`
	DepositsProcessed int                        `json:"depositsProcessed"`
	ProcessedDeposits []processedDepositResponse `json:"processedDeposits"`
}

type withdrawableDepositResponse struct {
	DepositID          string      `json:"depositId"`
	Amount             json.Number `json:"amount"`
	LockPeriodInDays   int         `json:"lockPeriodInDays"`
	DepositDate        time.Time   `json:"depositDate"`
	IsEarlyWithdrawal  bool        `json:"isEarlyWithdrawal"`
	Penalty            json.Number `json:"penalty"`
	FlatFee            json.Number `json:"flatFee"`
	NetAmount          json.Number `json:"netAmount"`
	HoursUntilMaturity int64       `json:"hoursUntilMaturity"`
}

type fieldError struct {
	Field string `json:"field"`
	Rule  string `json:"rule"`
}

func number(d interface{ String() string }) json.Number {
	return json.Number(d.String())
}

func toWithdrawResponse(res *domain.WithdrawalResult) withdrawResponse {
	out := withdrawResponse{
		TotalWithdrawn:    number(res.TotalWithdrawn),
		TotalFees:         number(res.TotalFees),
		TotalPenalties:    number(res.TotalPenalties),
		ReferenceID:       res.ReferenceID.String(),
		DepositsProcessed: len(res.ProcessedDeposits),
		ProcessedDeposits: make([]processedDepositResponse, 0, len(res.ProcessedDeposits)),
	}
	for _, d := range res.ProcessedDeposits {
		out.ProcessedDeposits = append(out.ProcessedDeposits, processedDepositResponse{
			DepositID:         d.DepositID.String(),
			OriginalAmount:    number(d.OriginalAmount),
			Penalty:           number(d.Penalty),
			FlatFee:           number(d.FlatFee),
			NetAmount:         number(d.NetAmount),
			IsEarlyWithdrawal: d.IsEarlyWithdrawal,
			LockPeriodInDays:  d.LockPeriodInDays,
		})
	}
	return out
}

// Withdraw handles POST /api/withdraw.
func (h *WithdrawalHandler) Withdraw(w http.ResponseWriter, r *http.Request) {
	userID, ok := UserIDFromContext(r.Context())
	if !ok {
		h.fail(w, r, domain.ErrInvalidCredential)
		return
	}

	var req withdrawRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
		writeError(w, h.logger, http.StatusBadRequest, "invalid_request", "Request body must be JSON with phoneNumber and depositIds.", uuid.Nil, nil)
		return
	}
	if err := h.validate.Struct(req); err != nil {
		var verrs validator.ValidationErrors
		var details []fieldError
		if errors.As(err, &verrs) {
			for _, fe := range verrs {
				details = append(details, fieldError{Field: fe.Field(), Rule: fe.Tag()})
			}
		}
		writeError(w, h.logger, http.StatusBadRequest, "invalid_request", "Phone number and at least one valid deposit id are required.", uuid.Nil, details)
		return
	}

	res, err := h.service.Withdraw(r.Context(), &domain.WithdrawalReq{
		UserID:         userID,
		PhoneNumber:    req.PhoneNumber,
		DepositIDs:     req.DepositIDs,
		IdempotencyKey: strings.TrimSpace(r.Header.Get(headerIdempotencyKey)),
	})
	if err != nil {
		h.fail(w, r, err)
		return
	}

	writeJSON(w, h.logger, http.StatusOK, successResponse{
		Success: true,
		Message: "Withdrawal processed successfully",
		Data:    toWithdrawResponse(res),
	})
}

// WithdrawableDeposits handles GET /api/withdrawable-deposits.
func (h *WithdrawalHandler) WithdrawableDeposits(w http.ResponseWriter, r *http.Request) {
	userID, ok := UserIDFromContext(r.Context())
	if !ok {
		h.fail(w, r, domain.ErrInvalidCredential)
		return
	}

	deposits, err := h.service.WithdrawableDeposits(r.Context(), userID)
	if err != nil {
		h.fail(w, r, err)
		return
	}

	out := make([]withdrawableDepositResponse, 0, len(deposits))
	for _, d := range deposits {
		out = append(out, withdrawableDepositResponse{
			DepositID:          d.DepositID.String(),
			Amount:             number(d.Amount),
			LockPeriodInDays:   d.LockPeriodInDays,
			DepositDate:        d.DepositDate,
			IsEarlyWithdrawal:  d.IsEarlyWithdrawal,
			Penalty:            number(d.Penalty),
			FlatFee:            number(d.FlatFee),
			NetAmount:          number(d.NetAmount),
			HoursUntilMaturity: d.HoursUntilMaturity,
		})
	}

	writeJSON(w, h.logger, http.StatusOK, successResponse{Success: true, Data: out})
}

func (h *WithdrawalHandler) fail(w http.ResponseWriter, r *http.Request, err error) {
	ae := describe(err)

	var ref uuid.UUID
	var we *domain.WithdrawalError
	if errors.As(err, &we) {
		ref = we.ReferenceID
	}

	if ae.status >= http.StatusInternalServerError {
		h.logger.Error("withdrawal request failed",
			zap.String("path", r.URL.Path),
			zap.Int("status", ae.status),
			zap.String("code", ae.code),
			zap.Error(err),
		)
	}

	writeError(w, h.logger, ae.status, ae.code, ae.message, ref, nil)
}
