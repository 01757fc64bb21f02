package postgresql

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/shopspring/decimal"

	"momovault/internal/domain"
)

var errNotClaimed = errors.New("deposit not claimed by this batch")

const depositColumns = `id, user_id, phone_number, amount, lock_period_days, status, penalty_applied, claim_ref, created_at`

func scanDeposit(row rowScanner) (domain.LockedDeposit, error) {
	var (
		d     domain.LockedDeposit
		claim uuid.NullUUID
	)
	err := row.Scan(&d.ID, &d.UserID, &d.PhoneNumber, &d.Amount, &d.LockPeriodDays, &d.Status, &d.PenaltyApplied, &claim, &d.CreatedAt)
	if err != nil {
		return domain.LockedDeposit{}, err
	}
	if claim.Valid {
		ref := claim.UUID
		d.ClaimRef = &ref
	}
	return d, nil
}

func (l *depositLedger) queryDeposits(ctx context.Context, query string, args ...any) ([]domain.LockedDeposit, error) {
	rows, err := l.conn(ctx).QueryContext(ctx, query, args...)
	if err != nil {
		return nil, unavailable("query deposits", err)
	}
	defer rows.Close()

	var deposits []domain.LockedDeposit
	for rows.Next() {
		d, err := scanDeposit(rows)
		if err != nil {
			return nil, unavailable("scan deposit", err)
		}
		deposits = append(deposits, d)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable("query deposits", err)
	}
	return deposits, nil
}

func (l *depositLedger) FindEligibleDeposits(ctx context.Context, userID string, ids []uuid.UUID) ([]domain.LockedDeposit, error) {
	query := `SELECT ` + depositColumns + ` FROM locked_deposits
	WHERE user_id = $1 AND id = ANY($2::uuid[]) AND status = 'locked' AND claim_ref IS NULL`

	return l.queryDeposits(ctx, query, userID, pq.Array(uuidStrings(ids)))
}

func (l *depositLedger) ListLockedDeposits(ctx context.Context, userID string) ([]domain.LockedDeposit, error) {
	query := `SELECT ` + depositColumns + ` FROM locked_deposits
	WHERE user_id = $1 AND status = 'locked' AND claim_ref IS NULL
	ORDER BY created_at`

	return l.queryDeposits(ctx, query, userID)
}

// CommitWithdrawal settles the batch deposit by deposit, each in its own short
// transaction, and finally debits the vault together with flipping the batch
// to settled. Steps already applied for this reference id are skipped, so the
// call can be repeated until it succeeds.
func (l *depositLedger) CommitWithdrawal(ctx context.Context, b *domain.WithdrawalBatch) (*domain.CommitResult, error) {
	res := &domain.CommitResult{ReferenceID: b.ReferenceID}

	for _, item := range b.Items {
		n, err := l.settleDeposit(ctx, b, item)
		if err != nil {
			return res, fmt.Errorf("%w: deposit %s: %v", domain.ErrStorageWriteFailed, item.DepositID, err)
		}
		res.SettledDeposits = append(res.SettledDeposits, item.DepositID)
		res.TransactionsRecorded += n
	}

	debited, err := l.debitVault(ctx, b)
	if err != nil {
		return res, fmt.Errorf("%w: vault %s: %v", domain.ErrStorageWriteFailed, b.UserID, err)
	}
	res.VaultDebited = debited
	return res, nil
}

func (l *depositLedger) settleDeposit(ctx context.Context, b *domain.WithdrawalBatch, item domain.Settlement) (int, error) {
	const transitionQuery = `UPDATE locked_deposits SET status = $1, penalty_applied = $2, updated_at = now()
	WHERE id = $3 AND claim_ref = $4 AND status = 'locked'`

	const entryQuery = `INSERT INTO transactions (id, user_id, type, component, amount, penalty_fee, reference_id, deposit_id, created_at)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	ON CONFLICT ON CONSTRAINT transactions_reference_deposit_component_key DO NOTHING`

	recorded := 0
	err := l.withTx(ctx, func(ctx context.Context) error {
		q := l.conn(ctx)
		target := item.TargetStatus()

		res, err := q.ExecContext(ctx, transitionQuery, target, item.Penalty.IsPositive(), item.DepositID, b.ReferenceID)
		if err != nil {
			return err
		}
		rows, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if rows == 0 {
			if err := l.checkSettled(ctx, item.DepositID, b.ReferenceID, target); err != nil {
				return err
			}
		}

		for _, e := range item.Entries(b.UserID, b.ReferenceID, time.Now().UTC()) {
			res, err := q.ExecContext(ctx, entryQuery,
				e.ID, e.UserID, e.Type, e.Component, e.Amount, e.PenaltyFee, e.ReferenceID, e.DepositID, e.CreatedAt,
			)
			if err != nil {
				return err
			}
			n, err := res.RowsAffected()
			if err != nil {
				return err
			}
			recorded += int(n)
		}
		return nil
	})
	return recorded, err
}

// checkSettled accepts a deposit that this reference id already moved to its
// target status.
func (l *depositLedger) checkSettled(ctx context.Context, depositID, ref uuid.UUID, target domain.DepositStatus) error {
	var (
		status domain.DepositStatus
		claim  uuid.NullUUID
	)
	err := l.conn(ctx).QueryRowContext(ctx, `SELECT status, claim_ref FROM locked_deposits WHERE id = $1`, depositID).Scan(&status, &claim)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.ErrDepositNotFound
	}
	if err != nil {
		return err
	}
	if !claim.Valid || claim.UUID != ref {
		return errNotClaimed
	}
	if status != target {
		return fmt.Errorf("%s -> %s: %w", status, target, domain.ErrInvalidTransition)
	}
	return nil
}

// debitVault subtracts the batch gross amount from the vault and marks the
// batch settled in one statement. The balance guard and the status guard make
// it apply at most once per reference id.
func (l *depositLedger) debitVault(ctx context.Context, b *domain.WithdrawalBatch) (decimal.Decimal, error) {
	const query = `WITH batch AS (
		SELECT reference_id, user_id, gross_amount
		FROM withdrawal_batches
		WHERE reference_id = $1 AND status = ANY($2::text[])
		FOR UPDATE
	), debit AS (
		UPDATE vaults v
		SET balance = v.balance - batch.gross_amount, updated_at = now()
		FROM batch
		WHERE v.user_id = batch.user_id AND v.balance >= batch.gross_amount
		RETURNING batch.reference_id, batch.gross_amount
	)
	UPDATE withdrawal_batches wb
	SET status = 'settled', failure_reason = '', updated_at = now()
	FROM debit
	WHERE wb.reference_id = debit.reference_id
	RETURNING debit.gross_amount`

	var debited decimal.Decimal
	err := l.conn(ctx).QueryRowContext(ctx, query, b.ReferenceID, pq.Array(statusStrings(domain.BatchSettled.AllowedFrom()))).Scan(&debited)
	if err == nil {
		return debited, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return decimal.Zero, err
	}

	var status domain.BatchStatus
	err = l.conn(ctx).QueryRowContext(ctx, `SELECT status FROM withdrawal_batches WHERE reference_id = $1`, b.ReferenceID).Scan(&status)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return decimal.Zero, domain.ErrBatchNotFound
	case err != nil:
		return decimal.Zero, err
	case status == domain.BatchSettled:
		return decimal.Zero, nil
	case !status.CanTransition(domain.BatchSettled):
		return decimal.Zero, fmt.Errorf("batch is %s: %w", status, domain.ErrInvalidTransition)
	default:
		return decimal.Zero, domain.ErrVaultNotFound
	}
}
