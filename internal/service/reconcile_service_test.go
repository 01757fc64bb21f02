package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"momovault/internal/domain"
	"momovault/internal/gateway/momo"
	"momovault/internal/port"
	"momovault/internal/repository/memory"
)

type fakeGateway struct {
	mu          sync.Mutex
	tokens      int
	disbursed   []port.DisbursementRequest
	disburseErr error
	status      port.TransferStatus
	statusErr   error

	// entered is signalled and block awaited on every Disburse when set.
	entered chan struct{}
	block   chan struct{}
}

func (g *fakeGateway) AcquireToken(context.Context) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.tokens++
	return "tok", nil
}

func (g *fakeGateway) Disburse(_ context.Context, _ string, req port.DisbursementRequest) error {
	g.mu.Lock()
	g.disbursed = append(g.disbursed, req)
	err, entered, block := g.disburseErr, g.entered, g.block
	g.mu.Unlock()

	if entered != nil {
		select {
		case entered <- struct{}{}:
		default:
		}
	}
	if block != nil {
		<-block
	}
	return err
}

func (g *fakeGateway) TransferStatus(context.Context, string, uuid.UUID) (port.TransferStatus, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.status, g.statusErr
}

func (g *fakeGateway) disbursements() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.disbursed)
}

// testClaimTTL mirrors the request bound derived from a 30s gateway timeout.
const testClaimTTL = 90 * time.Second

type harness struct {
	ledger     *memory.Ledger
	gateway    *fakeGateway
	tokens     *momo.TokenCache
	service    port.WithdrawalService
	reconciler *Reconciler
}

func newHarness() *harness {
	h := &harness{ledger: memory.NewLedger(), gateway: &fakeGateway{}}
	h.tokens = momo.NewTokenCache(h.gateway, zap.NewNop())
	h.service = NewWithdrawalService(
		h.ledger, h.gateway, h.tokens,
		domain.DefaultFeePolicy(), domain.DefaultPhoneFormat(),
		Options{Currency: "EUR"},
		zap.NewNop(), nil,
	)
	h.reconciler = NewReconciler(h.ledger, h.gateway, h.tokens, 0, testClaimTTL, zap.NewNop(),
		func() time.Time { return time.Now().Add(time.Minute) })
	return h
}

func (h *harness) seed(vault string, deposits ...domain.LockedDeposit) {
	h.ledger.PutVault("user-123", decimal.RequireFromString(vault))
	for _, d := range deposits {
		h.ledger.PutDeposit(d)
	}
}

func recentDeposit(amount string) domain.LockedDeposit {
	return domain.LockedDeposit{
		ID:             uuid.New(),
		UserID:         "user-123",
		PhoneNumber:    testPhone,
		Amount:         decimal.RequireFromString(amount),
		LockPeriodDays: 30,
		Status:         domain.DepositLocked,
		CreatedAt:      time.Now().Add(-24 * time.Hour),
	}
}

func referenceOf(t *testing.T, err error) uuid.UUID {
	t.Helper()
	var we *domain.WithdrawalError
	require.True(t, errors.As(err, &we))
	return we.ReferenceID
}

func TestReconciler_FinishesPartialCommit(t *testing.T) {
	h := newHarness()
	first := recentDeposit("100")
	second := recentDeposit("100")
	h.seed("200", first, second)
	h.ledger.FailDepositWrite(second.ID, errors.New("write timeout"))

	_, err := h.service.Withdraw(context.Background(), requestFor(first, second))
	requireWithdrawalError(t, err, domain.StateAmbiguousAfterDisbursement)
	ref := referenceOf(t, err)

	batch, err := h.ledger.GetBatch(context.Background(), ref)
	require.NoError(t, err)
	assert.Equal(t, domain.BatchInconsistent, batch.Status)

	v, _ := h.ledger.Vault("user-123")
	assert.True(t, decimal.RequireFromString("200").Equal(v.Balance))

	h.ledger.FailDepositWrite(second.ID, nil)

	report, err := h.reconciler.ReconcileOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.Settled)

	v, _ = h.ledger.Vault("user-123")
	assert.True(t, v.Balance.IsZero(), v.Balance.String())
	assert.Len(t, h.ledger.Transactions(ref), 6)
	assert.Equal(t, 1, h.gateway.disbursements())

	d, _ := h.ledger.Deposit(second.ID)
	assert.Equal(t, domain.DepositWithdrawnEarly, d.Status)

	report, err = h.reconciler.ReconcileOnce(context.Background())
	require.NoError(t, err)
	assert.Zero(t, report.Examined)
}

func TestReconciler_ResolvesUnconfirmedTransfer(t *testing.T) {
	tests := []struct {
		name       string
		status     port.TransferStatus
		statusErr  error
		wantReport domain.ReconcileReport
		wantBatch  domain.BatchStatus
		wantVault  string
	}{
		{
			name:       "gateway paid out",
			status:     port.TransferSuccessful,
			wantReport: domain.ReconcileReport{Examined: 1, Settled: 1},
			wantBatch:  domain.BatchSettled,
			wantVault:  "0",
		},
		{
			name:       "gateway failed the transfer",
			status:     port.TransferFailed,
			wantReport: domain.ReconcileReport{Examined: 1, Released: 1},
			wantBatch:  domain.BatchReleased,
			wantVault:  "100",
		},
		{
			name:       "gateway never saw the transfer",
			statusErr:  domain.ErrTransferNotFound,
			wantReport: domain.ReconcileReport{Examined: 1, Released: 1},
			wantBatch:  domain.BatchReleased,
			wantVault:  "100",
		},
		{
			name:       "gateway still processing",
			status:     port.TransferPending,
			wantReport: domain.ReconcileReport{Examined: 1, StillPending: 1},
			wantBatch:  domain.BatchUnconfirmed,
			wantVault:  "100",
		},
		{
			name:       "status lookup fails",
			statusErr:  errors.New("connection reset"),
			wantReport: domain.ReconcileReport{Examined: 1, Failed: 1},
			wantBatch:  domain.BatchUnconfirmed,
			wantVault:  "100",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness()
			d := recentDeposit("100")
			h.seed("100", d)
			h.gateway.disburseErr = domain.ErrDisbursementUnconfirmed

			_, err := h.service.Withdraw(context.Background(), requestFor(d))
			requireWithdrawalError(t, err, domain.StateAmbiguousAfterDisbursement)
			ref := referenceOf(t, err)

			h.gateway.status = tt.status
			h.gateway.statusErr = tt.statusErr

			report, err := h.reconciler.ReconcileOnce(context.Background())
			require.NoError(t, err)
			assert.Equal(t, tt.wantReport, *report)

			batch, err := h.ledger.GetBatch(context.Background(), ref)
			require.NoError(t, err)
			assert.Equal(t, tt.wantBatch, batch.Status)

			v, _ := h.ledger.Vault("user-123")
			assert.True(t, decimal.RequireFromString(tt.wantVault).Equal(v.Balance), v.Balance.String())
			assert.Equal(t, 1, h.gateway.disbursements(), "reconciler never disburses")

			if tt.wantBatch == domain.BatchReleased {
				found, err := h.ledger.FindEligibleDeposits(context.Background(), "user-123", []uuid.UUID{d.ID})
				require.NoError(t, err)
				assert.Len(t, found, 1)
			}
		})
	}
}

func TestReconciler_LeavesFreshBatchesAlone(t *testing.T) {
	ledger := memory.NewLedger()
	gw := &fakeGateway{}
	reconciler := NewReconciler(ledger, gw, momo.NewTokenCache(gw, zap.NewNop()), time.Hour, testClaimTTL, zap.NewNop(), nil)

	d := recentDeposit("100")
	ledger.PutDeposit(d)
	s, err := domain.DefaultFeePolicy().Settle(d, time.Now())
	require.NoError(t, err)
	require.NoError(t, ledger.OpenBatch(context.Background(), &domain.WithdrawalBatch{
		ReferenceID: uuid.New(),
		UserID:      "user-123",
		Items:       []domain.Settlement{s},
	}))

	report, err := reconciler.ReconcileOnce(context.Background())
	require.NoError(t, err)
	assert.Zero(t, report.Examined)
}

func TestReconciler_LeavesClaimOfLiveRequestAlone(t *testing.T) {
	ctx := context.Background()
	h := newHarness()
	d := recentDeposit("100")
	h.seed("100", d)
	h.gateway.statusErr = domain.ErrTransferNotFound
	h.gateway.entered = make(chan struct{}, 1)
	h.gateway.block = make(chan struct{})

	eager := NewReconciler(h.ledger, h.gateway, h.tokens, 0, testClaimTTL, zap.NewNop(),
		func() time.Time { return time.Now().Add(time.Second) })

	done := make(chan error, 1)
	go func() {
		_, err := h.service.Withdraw(ctx, requestFor(d))
		done <- err
	}()

	select {
	case <-h.gateway.entered:
	case <-time.After(time.Second):
		t.Fatal("disbursement did not start")
	}

	report, err := eager.ReconcileOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, domain.ReconcileReport{Examined: 1, StillPending: 1}, *report)

	close(h.gateway.block)
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("withdrawal did not finish")
	}

	_, err = h.service.Withdraw(ctx, requestFor(d))
	requireWithdrawalError(t, err, domain.StateRejectedBeforeDisbursement)
	assert.ErrorIs(t, err, domain.ErrDepositNotFound)
	assert.Equal(t, 1, h.gateway.disbursements())

	v, _ := h.ledger.Vault("user-123")
	assert.True(t, v.Balance.IsZero(), v.Balance.String())
}

func TestReconciler_ReleasesAbandonedClaim(t *testing.T) {
	tests := []struct {
		name       string
		age        time.Duration
		wantReport domain.ReconcileReport
		wantBatch  domain.BatchStatus
	}{
		{
			name:       "within the request bound",
			age:        time.Minute,
			wantReport: domain.ReconcileReport{Examined: 1, StillPending: 1},
			wantBatch:  domain.BatchClaimed,
		},
		{
			name:       "past the request bound",
			age:        2 * time.Minute,
			wantReport: domain.ReconcileReport{Examined: 1, Released: 1},
			wantBatch:  domain.BatchReleased,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			ledger := memory.NewLedger()
			gw := &fakeGateway{statusErr: domain.ErrTransferNotFound}
			reconciler := NewReconciler(ledger, gw, momo.NewTokenCache(gw, zap.NewNop()), 0, testClaimTTL, zap.NewNop(),
				func() time.Time { return time.Now().Add(tt.age) })

			d := recentDeposit("100")
			ledger.PutDeposit(d)
			s, err := domain.DefaultFeePolicy().Settle(d, time.Now())
			require.NoError(t, err)
			ref := uuid.New()
			require.NoError(t, ledger.OpenBatch(ctx, &domain.WithdrawalBatch{
				ReferenceID: ref,
				UserID:      "user-123",
				Items:       []domain.Settlement{s},
			}))

			report, err := reconciler.ReconcileOnce(ctx)
			require.NoError(t, err)
			assert.Equal(t, tt.wantReport, *report)

			batch, err := ledger.GetBatch(ctx, ref)
			require.NoError(t, err)
			assert.Equal(t, tt.wantBatch, batch.Status)
			assert.Zero(t, gw.disbursements())
		})
	}
}

func TestReconciler_RunStopsWithContext(t *testing.T) {
	h := newHarness()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		h.reconciler.Run(ctx, 10*time.Millisecond)
		close(done)
	}()

	time.Sleep(30 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("reconciler did not stop")
	}
}
