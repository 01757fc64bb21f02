package domain

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type DepositStatus string

const (
	DepositLocked         DepositStatus = "locked"
	DepositUnlocked       DepositStatus = "unlocked"
	DepositWithdrawnEarly DepositStatus = "withdrawn-early"
)

// CanTransition reports whether a deposit may move from s to next. A deposit
// leaves locked exactly once and never comes back.
func (s DepositStatus) CanTransition(next DepositStatus) bool {
	switch s {
	case DepositLocked:
		return next == DepositUnlocked || next == DepositWithdrawnEarly
	case DepositUnlocked, DepositWithdrawnEarly:
		return false
	default:
		return false
	}
}

func (s DepositStatus) Valid() bool {
	switch s {
	case DepositLocked, DepositUnlocked, DepositWithdrawnEarly:
		return true
	default:
		return false
	}
}

type TransactionType string

const (
	TransactionWithdrawal TransactionType = "withdrawal"
	TransactionPenalty    TransactionType = "penalty"
)

// TransactionComponent tells apart the ledger entries written for one deposit
// under one reference id.
type TransactionComponent string

const (
	ComponentNetPayout    TransactionComponent = "net_payout"
	ComponentFlatFee      TransactionComponent = "flat_fee"
	ComponentEarlyPenalty TransactionComponent = "early_penalty"
)

type BatchStatus string

const (
	BatchClaimed      BatchStatus = "claimed"
	BatchReleased     BatchStatus = "released"
	BatchAccepted     BatchStatus = "accepted"
	BatchUnconfirmed  BatchStatus = "unconfirmed"
	BatchInconsistent BatchStatus = "inconsistent"
	BatchSettled      BatchStatus = "settled"
)

// Terminal batches need no further work from the reconciler.
func (s BatchStatus) Terminal() bool {
	return s == BatchReleased || s == BatchSettled
}

var batchTransitions = map[BatchStatus][]BatchStatus{
	BatchReleased:     {BatchClaimed, BatchUnconfirmed},
	BatchAccepted:     {BatchClaimed, BatchUnconfirmed},
	BatchUnconfirmed:  {BatchClaimed},
	BatchInconsistent: {BatchAccepted},
	BatchSettled:      {BatchAccepted, BatchInconsistent},
}

// AllowedFrom lists the statuses a batch may be in before moving to s.
func (s BatchStatus) AllowedFrom() []BatchStatus {
	return batchTransitions[s]
}

func (s BatchStatus) CanTransition(next BatchStatus) bool {
	for _, from := range batchTransitions[next] {
		if from == s {
			return true
		}
	}
	return false
}

// Pending statuses are picked up by the reconciler once they go stale.
var PendingBatchStatuses = []BatchStatus{BatchClaimed, BatchAccepted, BatchUnconfirmed, BatchInconsistent}

type Vault struct {
	UserID    string
	Balance   decimal.Decimal
	UpdatedAt time.Time
}

type LockedDeposit struct {
	ID             uuid.UUID
	UserID         string
	PhoneNumber    string
	Amount         decimal.Decimal
	LockPeriodDays int
	Status         DepositStatus
	PenaltyApplied bool
	ClaimRef       *uuid.UUID
	CreatedAt      time.Time
}

type Transaction struct {
	ID          uuid.UUID
	UserID      string
	Type        TransactionType
	Component   TransactionComponent
	Amount      decimal.Decimal
	PenaltyFee  decimal.Decimal
	ReferenceID uuid.UUID
	DepositID   uuid.UUID
	CreatedAt   time.Time
}

type WithdrawalReq struct {
	UserID         string
	PhoneNumber    string
	DepositIDs     []string
	IdempotencyKey string
}

// WithdrawalBatch journals one aggregated disbursement and the settlements it
// pays for. It is written before the gateway is called so that an interrupted
// commit can be finished later.
type WithdrawalBatch struct {
	ReferenceID    uuid.UUID
	UserID         string
	Phone          string
	ExternalID     string
	IdempotencyKey string
	Currency       string
	GrossAmount    decimal.Decimal
	NetAmount      decimal.Decimal
	TotalFees      decimal.Decimal
	TotalPenalties decimal.Decimal
	Status         BatchStatus
	FailureReason  string
	Items          []Settlement
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

func (b *WithdrawalBatch) DepositIDs() []uuid.UUID {
	ids := make([]uuid.UUID, 0, len(b.Items))
	for _, item := range b.Items {
		ids = append(ids, item.DepositID)
	}
	return ids
}

type CommitResult struct {
	ReferenceID          uuid.UUID
	SettledDeposits      []uuid.UUID
	TransactionsRecorded int
	VaultDebited         decimal.Decimal
}

type WithdrawalState string

const (
	StateValidating                 WithdrawalState = "validating"
	StatePricing                    WithdrawalState = "pricing"
	StateTokenAcquired              WithdrawalState = "token_acquired"
	StateDisbursing                 WithdrawalState = "disbursing"
	StateCommitting                 WithdrawalState = "committing"
	StateSucceeded                  WithdrawalState = "succeeded"
	StateRejectedBeforeDisbursement WithdrawalState = "rejected_before_disbursement"
	StateAmbiguousAfterDisbursement WithdrawalState = "ambiguous_after_disbursement"
)

type ProcessedDeposit struct {
	DepositID         uuid.UUID
	OriginalAmount    decimal.Decimal
	Penalty           decimal.Decimal
	FlatFee           decimal.Decimal
	NetAmount         decimal.Decimal
	IsEarlyWithdrawal bool
	LockPeriodInDays  int
}

type WithdrawalResult struct {
	ReferenceID       uuid.UUID
	TotalWithdrawn    decimal.Decimal
	TotalFees         decimal.Decimal
	TotalPenalties    decimal.Decimal
	ProcessedDeposits []ProcessedDeposit
}

// ResultFromBatch rebuilds the caller-facing result from a journaled batch.
func ResultFromBatch(b *WithdrawalBatch) *WithdrawalResult {
	res := &WithdrawalResult{
		ReferenceID:       b.ReferenceID,
		TotalWithdrawn:    b.NetAmount,
		TotalFees:         b.TotalFees,
		TotalPenalties:    b.TotalPenalties,
		ProcessedDeposits: make([]ProcessedDeposit, 0, len(b.Items)),
	}
	for _, s := range b.Items {
		res.ProcessedDeposits = append(res.ProcessedDeposits, ProcessedDeposit{
			DepositID:         s.DepositID,
			OriginalAmount:    s.OriginalAmount,
			Penalty:           s.Penalty,
			FlatFee:           s.FlatFee,
			NetAmount:         s.NetAmount,
			IsEarlyWithdrawal: s.IsEarly,
			LockPeriodInDays:  s.LockPeriodDays,
		})
	}
	return res
}

// WithdrawableDeposit is a read-only preview of what withdrawing a deposit
// right now would pay out.
type WithdrawableDeposit struct {
	DepositID          uuid.UUID
	Amount             decimal.Decimal
	LockPeriodInDays   int
	DepositDate        time.Time
	IsEarlyWithdrawal  bool
	Penalty            decimal.Decimal
	FlatFee            decimal.Decimal
	NetAmount          decimal.Decimal
	HoursUntilMaturity int64
}

// ReconcileReport summarises one reconciliation pass over unfinished batches.
type ReconcileReport struct {
	Examined     int
	Settled      int
	Released     int
	StillPending int
	Failed       int
}
