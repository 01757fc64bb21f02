// Package memory is an in-process DepositLedger for local runs and tests.
package memory

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"momovault/internal/domain"
	"momovault/internal/port"
)

var errNotClaimed = errors.New("deposit not claimed by this batch")

type txKey struct {
	ref       uuid.UUID
	depositID uuid.UUID
	component domain.TransactionComponent
}

// Ledger keeps vaults, deposits, transactions and batches in maps guarded by
// a single mutex. Every method call is one atomic step, the same granularity
// the postgres ledger offers per statement.
type Ledger struct {
	mu           sync.Mutex
	vaults       map[string]*domain.Vault
	deposits     map[uuid.UUID]*domain.LockedDeposit
	transactions []domain.Transaction
	txKeys       map[txKey]struct{}
	batches      map[uuid.UUID]*domain.WithdrawalBatch

	failDeposit map[uuid.UUID]error
	failVault   error
	unavailable error
	now         func() time.Time
}

func NewLedger() *Ledger {
	return &Ledger{
		vaults:      make(map[string]*domain.Vault),
		deposits:    make(map[uuid.UUID]*domain.LockedDeposit),
		txKeys:      make(map[txKey]struct{}),
		batches:     make(map[uuid.UUID]*domain.WithdrawalBatch),
		failDeposit: make(map[uuid.UUID]error),
		now:         time.Now,
	}
}

var _ port.DepositLedger = (*Ledger)(nil)

// WithClock replaces the clock used for timestamps.
func (l *Ledger) WithClock(now func() time.Time) *Ledger {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.now = now
	return l
}

// FailDepositWrite makes the settlement step of depositID fail with err until
// cleared with a nil err.
func (l *Ledger) FailDepositWrite(depositID uuid.UUID, err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err == nil {
		delete(l.failDeposit, depositID)
		return
	}
	l.failDeposit[depositID] = err
}

// FailVaultWrite makes the vault debit fail with err until cleared.
func (l *Ledger) FailVaultWrite(err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.failVault = err
}

// WithUnavailable makes every read and write fail as if the store were down.
func (l *Ledger) WithUnavailable(err error) *Ledger {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.unavailable = err
	return l
}

func (l *Ledger) PutVault(userID string, balance decimal.Decimal) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.vaults[userID] = &domain.Vault{UserID: userID, Balance: balance, UpdatedAt: l.now()}
}

func (l *Ledger) PutDeposit(d domain.LockedDeposit) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if d.Status == "" {
		d.Status = domain.DepositLocked
	}
	l.deposits[d.ID] = cloneDeposit(&d)
}

func (l *Ledger) Vault(userID string) (domain.Vault, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	v, ok := l.vaults[userID]
	if !ok {
		return domain.Vault{}, false
	}
	return *v, true
}

func (l *Ledger) Deposit(id uuid.UUID) (domain.LockedDeposit, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	d, ok := l.deposits[id]
	if !ok {
		return domain.LockedDeposit{}, false
	}
	return *cloneDeposit(d), true
}

// Transactions returns the ledger entries stamped with ref.
func (l *Ledger) Transactions(ref uuid.UUID) []domain.Transaction {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []domain.Transaction
	for _, t := range l.transactions {
		if t.ReferenceID == ref {
			out = append(out, t)
		}
	}
	return out
}

func (l *Ledger) check() error {
	if l.unavailable != nil {
		return fmt.Errorf("%w: %v", domain.ErrStorageUnavailable, l.unavailable)
	}
	return nil
}

func eligible(d *domain.LockedDeposit, userID string) bool {
	return d.UserID == userID && d.Status == domain.DepositLocked && d.ClaimRef == nil
}

func (l *Ledger) FindEligibleDeposits(_ context.Context, userID string, ids []uuid.UUID) ([]domain.LockedDeposit, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.check(); err != nil {
		return nil, err
	}

	out := make([]domain.LockedDeposit, 0, len(ids))
	for _, id := range ids {
		d, ok := l.deposits[id]
		if ok && eligible(d, userID) {
			out = append(out, *cloneDeposit(d))
		}
	}
	return out, nil
}

func (l *Ledger) ListLockedDeposits(_ context.Context, userID string) ([]domain.LockedDeposit, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.check(); err != nil {
		return nil, err
	}

	var out []domain.LockedDeposit
	for _, d := range l.deposits {
		if eligible(d, userID) {
			out = append(out, *cloneDeposit(d))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (l *Ledger) OpenBatch(_ context.Context, batch *domain.WithdrawalBatch) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.check(); err != nil {
		return err
	}

	if _, ok := l.batches[batch.ReferenceID]; ok {
		return domain.ErrDuplicateRequest
	}
	if batch.IdempotencyKey != "" && l.activeByKey(batch.UserID, batch.IdempotencyKey) != nil {
		return domain.ErrDuplicateRequest
	}

	for _, item := range batch.Items {
		d, ok := l.deposits[item.DepositID]
		if !ok || !eligible(d, batch.UserID) {
			return fmt.Errorf("deposit %s: %w", item.DepositID, domain.ErrPartialOrInvalidDepositSelection)
		}
	}

	now := l.now()
	ref := batch.ReferenceID
	for _, item := range batch.Items {
		l.deposits[item.DepositID].ClaimRef = &ref
	}

	stored := cloneBatch(batch)
	stored.Status = domain.BatchClaimed
	stored.CreatedAt = now
	stored.UpdatedAt = now
	l.batches[ref] = stored

	batch.Status = domain.BatchClaimed
	batch.CreatedAt = now
	batch.UpdatedAt = now
	return nil
}

func (l *Ledger) activeByKey(userID, key string) *domain.WithdrawalBatch {
	var found *domain.WithdrawalBatch
	for _, b := range l.batches {
		if b.UserID != userID || b.IdempotencyKey != key || b.Status == domain.BatchReleased {
			continue
		}
		if found == nil || b.CreatedAt.After(found.CreatedAt) {
			found = b
		}
	}
	return found
}

func (l *Ledger) transition(ref uuid.UUID, next domain.BatchStatus, reason string) (*domain.WithdrawalBatch, error) {
	b, ok := l.batches[ref]
	if !ok {
		return nil, domain.ErrBatchNotFound
	}
	if !b.Status.CanTransition(next) {
		return nil, fmt.Errorf("batch %s %s -> %s: %w", ref, b.Status, next, domain.ErrInvalidTransition)
	}
	b.Status = next
	if reason != "" {
		b.FailureReason = reason
	}
	b.UpdatedAt = l.now()
	return b, nil
}

func (l *Ledger) ReleaseBatch(_ context.Context, ref uuid.UUID, reason string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.check(); err != nil {
		return err
	}

	b, err := l.transition(ref, domain.BatchReleased, reason)
	if err != nil {
		return err
	}
	for _, item := range b.Items {
		d, ok := l.deposits[item.DepositID]
		if ok && d.Status == domain.DepositLocked && d.ClaimRef != nil && *d.ClaimRef == ref {
			d.ClaimRef = nil
		}
	}
	return nil
}

func (l *Ledger) MarkBatch(_ context.Context, ref uuid.UUID, status domain.BatchStatus, reason string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.check(); err != nil {
		return err
	}
	if status == domain.BatchReleased {
		return fmt.Errorf("batch %s: use ReleaseBatch: %w", ref, domain.ErrInvalidTransition)
	}

	_, err := l.transition(ref, status, reason)
	return err
}

func (l *Ledger) GetBatch(_ context.Context, ref uuid.UUID) (*domain.WithdrawalBatch, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.check(); err != nil {
		return nil, err
	}

	b, ok := l.batches[ref]
	if !ok {
		return nil, domain.ErrBatchNotFound
	}
	return cloneBatch(b), nil
}

// GetBatchByIdempotencyKey returns nil, nil when no live batch uses key.
func (l *Ledger) GetBatchByIdempotencyKey(_ context.Context, userID, key string) (*domain.WithdrawalBatch, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.check(); err != nil {
		return nil, err
	}

	b := l.activeByKey(userID, key)
	if b == nil {
		return nil, nil
	}
	return cloneBatch(b), nil
}

func (l *Ledger) PendingBatches(_ context.Context, updatedBefore time.Time) ([]*domain.WithdrawalBatch, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.check(); err != nil {
		return nil, err
	}

	var out []*domain.WithdrawalBatch
	for _, b := range l.batches {
		if slices.Contains(domain.PendingBatchStatuses, b.Status) && b.UpdatedAt.Before(updatedBefore) {
			out = append(out, cloneBatch(b))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.Before(out[j].UpdatedAt) })
	return out, nil
}

// CommitWithdrawal settles every deposit of batch, then debits the vault and
// marks the batch settled. Each step takes the lock on its own, so a failure
// part way leaves earlier steps applied; calling again finishes the rest.
func (l *Ledger) CommitWithdrawal(_ context.Context, batch *domain.WithdrawalBatch) (*domain.CommitResult, error) {
	res := &domain.CommitResult{ReferenceID: batch.ReferenceID}

	for _, item := range batch.Items {
		n, err := l.settleDeposit(batch, item)
		if err != nil {
			return res, fmt.Errorf("%w: deposit %s: %v", domain.ErrStorageWriteFailed, item.DepositID, err)
		}
		res.SettledDeposits = append(res.SettledDeposits, item.DepositID)
		res.TransactionsRecorded += n
	}

	debited, err := l.debitVault(batch)
	if err != nil {
		return res, fmt.Errorf("%w: vault %s: %v", domain.ErrStorageWriteFailed, batch.UserID, err)
	}
	res.VaultDebited = debited
	return res, nil
}

func (l *Ledger) settleDeposit(batch *domain.WithdrawalBatch, item domain.Settlement) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.check(); err != nil {
		return 0, err
	}
	if err := l.failDeposit[item.DepositID]; err != nil {
		return 0, err
	}

	d, ok := l.deposits[item.DepositID]
	if !ok {
		return 0, domain.ErrDepositNotFound
	}
	if d.ClaimRef == nil || *d.ClaimRef != batch.ReferenceID {
		return 0, errNotClaimed
	}

	target := item.TargetStatus()
	switch {
	case d.Status == target:
	case d.Status.CanTransition(target):
		d.Status = target
		d.PenaltyApplied = item.Penalty.IsPositive()
	default:
		return 0, fmt.Errorf("%s -> %s: %w", d.Status, target, domain.ErrInvalidTransition)
	}

	recorded := 0
	for _, entry := range item.Entries(batch.UserID, batch.ReferenceID, l.now()) {
		key := txKey{ref: entry.ReferenceID, depositID: entry.DepositID, component: entry.Component}
		if _, seen := l.txKeys[key]; seen {
			continue
		}
		l.txKeys[key] = struct{}{}
		l.transactions = append(l.transactions, entry)
		recorded++
	}
	return recorded, nil
}

func (l *Ledger) debitVault(batch *domain.WithdrawalBatch) (decimal.Decimal, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.check(); err != nil {
		return decimal.Zero, err
	}
	if l.failVault != nil {
		return decimal.Zero, l.failVault
	}

	b, ok := l.batches[batch.ReferenceID]
	if !ok {
		return decimal.Zero, domain.ErrBatchNotFound
	}
	if b.Status == domain.BatchSettled {
		return decimal.Zero, nil
	}
	if !b.Status.CanTransition(domain.BatchSettled) {
		return decimal.Zero, fmt.Errorf("batch is %s: %w", b.Status, domain.ErrInvalidTransition)
	}

	v, ok := l.vaults[batch.UserID]
	if !ok || v.Balance.LessThan(b.GrossAmount) {
		return decimal.Zero, domain.ErrVaultNotFound
	}

	now := l.now()
	v.Balance = v.Balance.Sub(b.GrossAmount)
	v.UpdatedAt = now
	b.Status = domain.BatchSettled
	b.FailureReason = ""
	b.UpdatedAt = now
	return b.GrossAmount, nil
}

func (l *Ledger) Ping(context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.check()
}

func cloneDeposit(d *domain.LockedDeposit) *domain.LockedDeposit {
	c := *d
	if d.ClaimRef != nil {
		ref := *d.ClaimRef
		c.ClaimRef = &ref
	}
	return &c
}

func cloneBatch(b *domain.WithdrawalBatch) *domain.WithdrawalBatch {
	c := *b
	c.Items = slices.Clone(b.Items)
	return &c
}
