package port

import (
	"context"

	"momovault/internal/domain"
)

type WithdrawalService interface {
	Withdraw(ctx context.Context, req *domain.WithdrawalReq) (*domain.WithdrawalResult, error)
	WithdrawableDeposits(ctx context.Context, userID string) ([]domain.WithdrawableDeposit, error)
}

type ReconcileService interface {
	ReconcileOnce(ctx context.Context) (*domain.ReconcileReport, error)
}

// IdentityVerifier resolves a bearer credential to a stable user id.
type IdentityVerifier interface {
	Verify(ctx context.Context, credential string) (string, error)
}
