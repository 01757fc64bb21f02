package http

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"momovault/internal/domain"
)

type MockWithdrawalService struct {
	mock.Mock
}

func (m *MockWithdrawalService) Withdraw(ctx context.Context, req *domain.WithdrawalReq) (*domain.WithdrawalResult, error) {
	args := m.Called(ctx, req)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.WithdrawalResult), args.Error(1)
}

func (m *MockWithdrawalService) WithdrawableDeposits(ctx context.Context, userID string) ([]domain.WithdrawableDeposit, error) {
	args := m.Called(ctx, userID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]domain.WithdrawableDeposit), args.Error(1)
}

type verifierFunc func(ctx context.Context, credential string) (string, error)

func (f verifierFunc) Verify(ctx context.Context, credential string) (string, error) {
	return f(ctx, credential)
}

type pingerFunc func(ctx context.Context) error

func (f pingerFunc) Ping(ctx context.Context) error { return f(ctx) }

const (
	testUser  = "user-1"
	testToken = "good-token"
)

var acceptToken = verifierFunc(func(_ context.Context, credential string) (string, error) {
	if credential != testToken {
		return "", domain.ErrInvalidCredential
	}
	return testUser, nil
})

func newTestRouter(svc *MockWithdrawalService, store pingerFunc) http.Handler {
	if store == nil {
		store = func(context.Context) error { return nil }
	}
	logger := zap.NewNop()
	return NewRouter(NewWithdrawalHandler(svc, logger), acceptToken, store, logger)
}

func withdrawRequestFor(body string) *http.Request {
	req := httptest.NewRequest(http.MethodPost, "/api/withdraw", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+testToken)
	return req
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	return body
}

func TestWithdraw_Success(t *testing.T) {
	svc := new(MockWithdrawalService)
	ref := uuid.New()
	depositID := uuid.New()

	svc.On("Withdraw", mock.Anything, mock.MatchedBy(func(req *domain.WithdrawalReq) bool {
		return req.UserID == testUser &&
			req.PhoneNumber == "76123456" &&
			len(req.DepositIDs) == 1 && req.DepositIDs[0] == depositID.String() &&
			req.IdempotencyKey == "key-1"
	})).Return(&domain.WithdrawalResult{
		ReferenceID:    ref,
		TotalWithdrawn: decimal.RequireFromString("85"),
		TotalFees:      decimal.RequireFromString("5"),
		TotalPenalties: decimal.RequireFromString("10"),
		ProcessedDeposits: []domain.ProcessedDeposit{{
			DepositID:         depositID,
			OriginalAmount:    decimal.RequireFromString("100"),
			Penalty:           decimal.RequireFromString("10"),
			FlatFee:           decimal.RequireFromString("5"),
			NetAmount:         decimal.RequireFromString("85"),
			IsEarlyWithdrawal: true,
			LockPeriodInDays:  30,
		}},
	}, nil).Once()

	req := withdrawRequestFor(fmt.Sprintf(`{"phoneNumber":"76123456","depositIds":[%q]}`, depositID))
	req.Header.Set(headerIdempotencyKey, " key-1 ")
	rec := httptest.NewRecorder()
	newTestRouter(svc, nil).ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, true, body["success"])

	data := body["data"].(map[string]any)
	assert.Equal(t, ref.String(), data["referenceId"])
	assert.EqualValues(t, 85, data["totalWithdrawn"])
	assert.EqualValues(t, 5, data["totalFees"])
	assert.EqualValues(t, 10, data["totalPenalties"])
	assert.EqualValues(t, 1, data["depositsProcessed"])

	processed := data["processedDeposits"].([]any)
	require.Len(t, processed, 1)
	first := processed[0].(map[string]any)
	assert.Equal(t, depositID.String(), first["depositId"])
	assert.Equal(t, true, first["isEarlyWithdrawal"])

	svc.AssertExpectations(t)
}

func TestWithdraw_RequestValidation(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{name: "malformed json", body: `{"phoneNumber":`},
		{name: "missing phone", body: fmt.Sprintf(`{"depositIds":[%q]}`, uuid.New())},
		{name: "empty deposit list", body: `{"phoneNumber":"76123456","depositIds":[]}`},
		{name: "deposit id not a uuid", body: `{"phoneNumber":"76123456","depositIds":["abc"]}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := new(MockWithdrawalService)
			rec := httptest.NewRecorder()
			newTestRouter(svc, nil).ServeHTTP(rec, withdrawRequestFor(tt.body))

			assert.Equal(t, http.StatusBadRequest, rec.Code)
			body := decodeBody(t, rec)
			assert.Equal(t, false, body["success"])
			assert.Equal(t, "invalid_request", body["code"])
			svc.AssertNotCalled(t, "Withdraw", mock.Anything, mock.Anything)
		})
	}
}

func TestWithdraw_Unauthenticated(t *testing.T) {
	tests := []struct {
		name   string
		header string
	}{
		{name: "no header", header: ""},
		{name: "not bearer", header: "Basic abc"},
		{name: "bad token", header: "Bearer nope"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := new(MockWithdrawalService)
			req := withdrawRequestFor(`{"phoneNumber":"76123456","depositIds":[]}`)
			req.Header.Del("Authorization")
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}

			rec := httptest.NewRecorder()
			newTestRouter(svc, nil).ServeHTTP(rec, req)

			assert.Equal(t, http.StatusUnauthorized, rec.Code)
			assert.Equal(t, "unauthorized", decodeBody(t, rec)["code"])
			svc.AssertNotCalled(t, "Withdraw", mock.Anything, mock.Anything)
		})
	}
}

func TestWithdraw_ErrorMapping(t *testing.T) {
	ref := uuid.New()

	tests := []struct {
		name       string
		err        error
		wantStatus int
		wantCode   string
		wantRef    bool
	}{
		{
			name:       "invalid phone",
			err:        &domain.WithdrawalError{State: domain.StateRejectedBeforeDisbursement, Err: domain.ErrInvalidPhone},
			wantStatus: http.StatusBadRequest,
			wantCode:   "invalid_phone",
		},
		{
			name:       "partial selection",
			err:        &domain.WithdrawalError{State: domain.StateRejectedBeforeDisbursement, Err: domain.ErrPartialOrInvalidDepositSelection},
			wantStatus: http.StatusBadRequest,
			wantCode:   "invalid_deposit_selection",
		},
		{
			name:       "insufficient funds",
			err:        &domain.WithdrawalError{State: domain.StateRejectedBeforeDisbursement, Err: domain.ErrInsufficientFundsAfterFees},
			wantStatus: http.StatusBadRequest,
			wantCode:   "insufficient_funds_after_fees",
		},
		{
			name:       "phone mismatch",
			err:        &domain.WithdrawalError{State: domain.StateRejectedBeforeDisbursement, Err: domain.ErrPhoneMismatch},
			wantStatus: http.StatusForbidden,
			wantCode:   "phone_mismatch",
		},
		{
			name:       "missing deposit phone",
			err:        &domain.WithdrawalError{State: domain.StateRejectedBeforeDisbursement, Err: domain.ErrMissingDepositPhone},
			wantStatus: http.StatusBadRequest,
			wantCode:   "missing_deposit_phone",
		},
		{
			name:       "deposit not found",
			err:        &domain.WithdrawalError{State: domain.StateRejectedBeforeDisbursement, Err: domain.ErrDepositNotFound},
			wantStatus: http.StatusNotFound,
			wantCode:   "deposit_not_found",
		},
		{
			name:       "in progress",
			err:        &domain.WithdrawalError{State: domain.StateRejectedBeforeDisbursement, Err: domain.ErrWithdrawalInProgress},
			wantStatus: http.StatusConflict,
			wantCode:   "withdrawal_in_progress",
		},
		{
			name:       "key mismatch",
			err:        &domain.WithdrawalError{State: domain.StateRejectedBeforeDisbursement, Err: domain.ErrIdempotencyKeyMismatch},
			wantStatus: http.StatusConflict,
			wantCode:   "idempotency_key_mismatch",
		},
		{
			name: "gateway rejected",
			err: &domain.WithdrawalError{
				State:       domain.StateRejectedBeforeDisbursement,
				ReferenceID: ref,
				Err:         &domain.DisbursementRejectedError{StatusCode: http.StatusBadRequest},
			},
			wantStatus: http.StatusBadGateway,
			wantCode:   "gateway_error",
			wantRef:    true,
		},
		{
			name:       "storage down",
			err:        &domain.WithdrawalError{State: domain.StateRejectedBeforeDisbursement, Err: fmt.Errorf("find: %w", domain.ErrStorageUnavailable)},
			wantStatus: http.StatusServiceUnavailable,
			wantCode:   "storage_unavailable",
		},
		{
			name: "ambiguous after disbursement",
			err: &domain.WithdrawalError{
				State:       domain.StateAmbiguousAfterDisbursement,
				ReferenceID: ref,
				Err:         fmt.Errorf("%w: %w", domain.ErrAmbiguousAfterDisbursement, domain.ErrStorageWriteFailed),
			},
			wantStatus: http.StatusInternalServerError,
			wantCode:   "withdrawal_pending_reconciliation",
			wantRef:    true,
		},
		{
			name:       "unexpected",
			err:        errors.New("boom"),
			wantStatus: http.StatusInternalServerError,
			wantCode:   "internal_error",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := new(MockWithdrawalService)
			svc.On("Withdraw", mock.Anything, mock.Anything).Return(nil, tt.err).Once()

			rec := httptest.NewRecorder()
			newTestRouter(svc, nil).ServeHTTP(rec, withdrawRequestFor(fmt.Sprintf(`{"phoneNumber":"76123456","depositIds":[%q]}`, uuid.New())))

			assert.Equal(t, tt.wantStatus, rec.Code)
			body := decodeBody(t, rec)
			assert.Equal(t, false, body["success"])
			assert.Equal(t, tt.wantCode, body["code"])
			if tt.wantRef {
				assert.Equal(t, ref.String(), body["referenceId"])
			} else {
				assert.NotContains(t, body, "referenceId")
			}
		})
	}
}

func TestWithdrawableDeposits(t *testing.T) {
	svc := new(MockWithdrawalService)
	depositID := uuid.New()
	depositDate := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)

	svc.On("WithdrawableDeposits", mock.Anything, testUser).Return([]domain.WithdrawableDeposit{{
		DepositID:          depositID,
		Amount:             decimal.RequireFromString("100"),
		LockPeriodInDays:   30,
		DepositDate:        depositDate,
		IsEarlyWithdrawal:  true,
		Penalty:            decimal.RequireFromString("10"),
		FlatFee:            decimal.RequireFromString("5"),
		NetAmount:          decimal.RequireFromString("85"),
		HoursUntilMaturity: 36,
	}}, nil).Once()

	req := httptest.NewRequest(http.MethodGet, "/api/withdrawable-deposits", nil)
	req.Header.Set("Authorization", "Bearer "+testToken)
	rec := httptest.NewRecorder()
	newTestRouter(svc, nil).ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	data := decodeBody(t, rec)["data"].([]any)
	require.Len(t, data, 1)

	item := data[0].(map[string]any)
	assert.Equal(t, depositID.String(), item["depositId"])
	assert.EqualValues(t, 85, item["netAmount"])
	assert.EqualValues(t, 36, item["hoursUntilMaturity"])
	assert.Equal(t, depositDate.Format(time.RFC3339), item["depositDate"])
	svc.AssertExpectations(t)
}

func TestWithdrawableDeposits_StorageDown(t *testing.T) {
	svc := new(MockWithdrawalService)
	svc.On("WithdrawableDeposits", mock.Anything, testUser).Return(nil, domain.ErrStorageUnavailable).Once()

	req := httptest.NewRequest(http.MethodGet, "/api/withdrawable-deposits", nil)
	req.Header.Set("Authorization", "Bearer "+testToken)
	rec := httptest.NewRecorder()
	newTestRouter(svc, nil).ServeHTTP(rec, req)

	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestHealth(t *testing.T) {
	rec := httptest.NewRecorder()
	newTestRouter(new(MockWithdrawalService), nil).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	down := pingerFunc(func(context.Context) error { return domain.ErrStorageUnavailable })
	rec = httptest.NewRecorder()
	newTestRouter(new(MockWithdrawalService), down).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}
