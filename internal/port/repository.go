package port

import (
	"context"
	"time"

	"github.com/google/uuid"

	"momovault/internal/domain"
)

// DepositLedger owns deposits, vault balances, ledger transactions and the
// withdrawal batch journal. No multi-record atomicity is assumed across its
// operations: CommitWithdrawal is a saga that can be re-applied.
type DepositLedger interface {
	// FindEligibleDeposits returns the deposits among ids that belong to
	// userID, are still locked and are not claimed by another batch.
	FindEligibleDeposits(ctx context.Context, userID string, ids []uuid.UUID) ([]domain.LockedDeposit, error)
	ListLockedDeposits(ctx context.Context, userID string) ([]domain.LockedDeposit, error)

	// OpenBatch claims every deposit of the batch and journals it. Either all
	// deposits are claimed or none are.
	OpenBatch(ctx context.Context, batch *domain.WithdrawalBatch) error
	ReleaseBatch(ctx context.Context, ref uuid.UUID, reason string) error
	MarkBatch(ctx context.Context, ref uuid.UUID, status domain.BatchStatus, reason string) error
	GetBatch(ctx context.Context, ref uuid.UUID) (*domain.WithdrawalBatch, error)
	GetBatchByIdempotencyKey(ctx context.Context, userID, key string) (*domain.WithdrawalBatch, error)
	PendingBatches(ctx context.Context, updatedBefore time.Time) ([]*domain.WithdrawalBatch, error)

	CommitWithdrawal(ctx context.Context, batch *domain.WithdrawalBatch) (*domain.CommitResult, error)

	Ping(ctx context.Context) error
}
