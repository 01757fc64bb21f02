package domain

import (
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// MinorUnitScale is the number of decimal places of the smallest currency unit.
// Computed fees are rounded to it so that the amount sent to the gateway is
// the amount the ledger stores.
const MinorUnitScale int32 = 2

// StoredScale is the scale of every money column.
const StoredScale int32 = 4

var (
	DefaultPenaltyRate = decimal.RequireFromString("0.10")
	DefaultFlatFee     = decimal.NewFromInt(5)
)

// FeePolicy prices the withdrawal of a single locked deposit. The penalty is a
// flat rate regardless of how early the withdrawal is; the flat fee is charged
// even on matured deposits.
type FeePolicy struct {
	PenaltyRate decimal.Decimal
	FlatFee     decimal.Decimal
}

func DefaultFeePolicy() FeePolicy {
	return FeePolicy{PenaltyRate: DefaultPenaltyRate, FlatFee: DefaultFlatFee}
}

// Settlement is the priced outcome of withdrawing one deposit.
type Settlement struct {
	DepositID      uuid.UUID
	OriginalAmount decimal.Decimal
	LockPeriodDays int
	Penalty        decimal.Decimal
	FlatFee        decimal.Decimal
	NetAmount      decimal.Decimal
	IsEarly        bool
}

// TargetStatus is the status the deposit ends in once this settlement lands.
func (s Settlement) TargetStatus() DepositStatus {
	if s.IsEarly {
		return DepositWithdrawnEarly
	}
	return DepositUnlocked
}

// Storable reports whether d fits a money column without rounding.
func Storable(d decimal.Decimal) bool {
	return d.Equal(d.Truncate(StoredScale))
}

func (p FeePolicy) lockDuration(d LockedDeposit) time.Duration {
	return time.Duration(d.LockPeriodDays) * 24 * time.Hour
}

func (p FeePolicy) price(d LockedDeposit, now time.Time) Settlement {
	isEarly := now.Sub(d.CreatedAt) < p.lockDuration(d)

	penalty := decimal.Zero
	if isEarly {
		penalty = d.Amount.Mul(p.PenaltyRate).Round(MinorUnitScale)
	}

	return Settlement{
		DepositID:      d.ID,
		OriginalAmount: d.Amount,
		LockPeriodDays: d.LockPeriodDays,
		Penalty:        penalty,
		FlatFee:        p.FlatFee,
		NetAmount:      d.Amount.Sub(penalty).Sub(p.FlatFee),
		IsEarly:        isEarly,
	}
}

// Settle computes penalty, flat fee and net payout for d at now. It fails with
// ErrInsufficientFundsAfterFees when nothing would be left to pay out.
func (p FeePolicy) Settle(d LockedDeposit, now time.Time) (Settlement, error) {
	s := p.price(d, now)
	if s.NetAmount.LessThanOrEqual(decimal.Zero) {
		return Settlement{}, fmt.Errorf("deposit %s: %w", d.ID, ErrInsufficientFundsAfterFees)
	}
	return s, nil
}

// Preview prices d without failing: the net amount is clamped at zero.
func (p FeePolicy) Preview(d LockedDeposit, now time.Time) WithdrawableDeposit {
	s := p.price(d, now)

	remaining := p.lockDuration(d) - now.Sub(d.CreatedAt)
	var hours int64
	if remaining > 0 {
		hours = int64(math.Ceil(remaining.Hours()))
	}

	return WithdrawableDeposit{
		DepositID:          d.ID,
		Amount:             d.Amount,
		LockPeriodInDays:   d.LockPeriodDays,
		DepositDate:        d.CreatedAt,
		IsEarlyWithdrawal:  s.IsEarly,
		Penalty:            s.Penalty,
		FlatFee:            s.FlatFee,
		NetAmount:          decimal.Max(s.NetAmount, decimal.Zero),
		HoursUntilMaturity: hours,
	}
}

// SettlementTotals aggregates a priced batch.
type SettlementTotals struct {
	Gross     decimal.Decimal
	Net       decimal.Decimal
	Fees      decimal.Decimal
	Penalties decimal.Decimal
}

func SumSettlements(items []Settlement) SettlementTotals {
	var t SettlementTotals
	for _, s := range items {
		t.Gross = t.Gross.Add(s.OriginalAmount)
		t.Net = t.Net.Add(s.NetAmount)
		t.Fees = t.Fees.Add(s.FlatFee)
		t.Penalties = t.Penalties.Add(s.Penalty)
	}
	return t
}

// Entries expands a settlement into the ledger transactions it produces: the
// net payout, the flat fee and, for early withdrawals, the penalty.
func (s Settlement) Entries(userID string, ref uuid.UUID, at time.Time) []Transaction {
	entries := []Transaction{
		{
			ID:          uuid.New(),
			UserID:      userID,
			Type:        TransactionWithdrawal,
			Component:   ComponentNetPayout,
			Amount:      s.NetAmount,
			PenaltyFee:  s.Penalty,
			ReferenceID: ref,
			DepositID:   s.DepositID,
			CreatedAt:   at,
		},
		{
			ID:          uuid.New(),
			UserID:      userID,
			Type:        TransactionPenalty,
			Component:   ComponentFlatFee,
			Amount:      s.FlatFee,
			PenaltyFee:  s.FlatFee,
			ReferenceID: ref,
			DepositID:   s.DepositID,
			CreatedAt:   at,
		},
	}
	if s.Penalty.GreaterThan(decimal.Zero) {
		entries = append(entries, Transaction{
			ID:          uuid.New(),
			UserID:      userID,
			Type:        TransactionPenalty,
			Component:   ComponentEarlyPenalty,
			Amount:      s.Penalty,
			PenaltyFee:  s.Penalty,
			ReferenceID: ref,
			DepositID:   s.DepositID,
			CreatedAt:   at,
		})
	}
	return entries
}
