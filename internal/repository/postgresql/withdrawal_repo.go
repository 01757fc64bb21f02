package postgresql

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"momovault/internal/domain"
	"momovault/internal/port"
)

type ctxtype string

const (
	trKey ctxtype = "tx"
)

var (
	uniqueConstraint pq.ErrorCode = "23505"
)

type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type depositLedger struct {
	db *sql.DB
}

func NewDepositLedger(db *sql.DB) port.DepositLedger {
	return &depositLedger{db: db}
}

func getTr(ctx context.Context) (*sql.Tx, bool) {
	tr, ok := ctx.Value(trKey).(*sql.Tx)
	return tr, ok
}

func (l *depositLedger) conn(ctx context.Context) querier {
	if tr, ok := getTr(ctx); ok {
		return tr
	}
	return l.db
}

// withTx runs fn inside a transaction carried on ctx. Nested calls join the
// outer transaction.
func (l *depositLedger) withTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if _, ok := getTr(ctx); ok {
		return fn(ctx)
	}

	tr, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return unavailable("begin transaction", err)
	}
	defer tr.Rollback()

	if err := fn(context.WithValue(ctx, trKey, tr)); err != nil {
		return err
	}

	if err := tr.Commit(); err != nil {
		return unavailable("commit transaction", err)
	}
	return nil
}

func unavailable(op string, err error) error {
	return fmt.Errorf("%w: %s: %v", domain.ErrStorageUnavailable, op, err)
}

func uuidStrings(ids []uuid.UUID) []string {
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		out = append(out, id.String())
	}
	return out
}

func statusStrings(statuses []domain.BatchStatus) []string {
	out := make([]string, 0, len(statuses))
	for _, s := range statuses {
		out = append(out, string(s))
	}
	return out
}

func (l *depositLedger) OpenBatch(ctx context.Context, b *domain.WithdrawalBatch) error {
	const claimQuery = `UPDATE locked_deposits SET claim_ref = $1, updated_at = now()
	WHERE user_id = $2 AND id = ANY($3::uuid[]) AND status = 'locked' AND claim_ref IS NULL`

	const batchQuery = `INSERT INTO withdrawal_batches (reference_id, user_id, phone, external_id, idempotency_key, currency,
		gross_amount, net_amount, total_fees, total_penalties, status)
	VALUES ($1, $2, $3, $4, NULLIF($5, ''), $6, $7, $8, $9, $10, $11)
	RETURNING created_at, updated_at`

	const itemQuery = `INSERT INTO withdrawal_batch_items (reference_id, deposit_id, position, original_amount,
		lock_period_days, penalty, flat_fee, net_amount, is_early)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`

	return l.withTx(ctx, func(ctx context.Context) error {
		q := l.conn(ctx)

		res, err := q.ExecContext(ctx, claimQuery, b.ReferenceID, b.UserID, pq.Array(uuidStrings(b.DepositIDs())))
		if err != nil {
			return unavailable("claim deposits", err)
		}
		claimed, err := res.RowsAffected()
		if err != nil {
			return unavailable("claim deposits", err)
		}
		if claimed != int64(len(b.Items)) {
			return fmt.Errorf("claimed %d of %d deposits: %w", claimed, len(b.Items), domain.ErrPartialOrInvalidDepositSelection)
		}

		var createdAt, updatedAt time.Time
		err = q.QueryRowContext(ctx, batchQuery,
			b.ReferenceID, b.UserID, b.Phone, b.ExternalID, b.IdempotencyKey, b.Currency,
			b.GrossAmount, b.NetAmount, b.TotalFees, b.TotalPenalties, domain.BatchClaimed,
		).Scan(&createdAt, &updatedAt)
		if err != nil {
			var pqErr *pq.Error
			if errors.As(err, &pqErr) && pqErr.Code == uniqueConstraint {
				if pqErr.Constraint == "withdrawal_batches_idempotency_key_key" || pqErr.Constraint == "withdrawal_batches_pkey" {
					return domain.ErrDuplicateRequest
				}
			}
			return unavailable("insert batch", err)
		}

		for i, item := range b.Items {
			_, err := q.ExecContext(ctx, itemQuery,
				b.ReferenceID, item.DepositID, i, item.OriginalAmount,
				item.LockPeriodDays, item.Penalty, item.FlatFee, item.NetAmount, item.IsEarly,
			)
			if err != nil {
				return unavailable("insert batch item", err)
			}
		}

		b.Status = domain.BatchClaimed
		b.CreatedAt = createdAt
		b.UpdatedAt = updatedAt
		return nil
	})
}

func (l *depositLedger) transition(ctx context.Context, ref uuid.UUID, next domain.BatchStatus, reason string) error {
	const query = `UPDATE withdrawal_batches
	SET status = $2,
		failure_reason = CASE WHEN $3 = '' THEN failure_reason ELSE $3 END,
		updated_at = now()
	WHERE reference_id = $1 AND status = ANY($4::text[])`

	q := l.conn(ctx)
	res, err := q.ExecContext(ctx, query, ref, next, reason, pq.Array(statusStrings(next.AllowedFrom())))
	if err != nil {
		return unavailable("update batch status", err)
	}

	rows, err := res.RowsAffected()
	if err != nil {
		return unavailable("update batch status", err)
	}
	if rows == 1 {
		return nil
	}

	var current domain.BatchStatus
	err = q.QueryRowContext(ctx, `SELECT status FROM withdrawal_batches WHERE reference_id = $1`, ref).Scan(&current)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.ErrBatchNotFound
	}
	if err != nil {
		return unavailable("read batch status", err)
	}
	return fmt.Errorf("batch %s %s -> %s: %w", ref, current, next, domain.ErrInvalidTransition)
}

func (l *depositLedger) ReleaseBatch(ctx context.Context, ref uuid.UUID, reason string) error {
	const query = `UPDATE locked_deposits SET claim_ref = NULL, updated_at = now()
	WHERE claim_ref = $1 AND status = 'locked'`

	return l.withTx(ctx, func(ctx context.Context) error {
		if err := l.transition(ctx, ref, domain.BatchReleased, reason); err != nil {
			return err
		}
		if _, err := l.conn(ctx).ExecContext(ctx, query, ref); err != nil {
			return unavailable("release claims", err)
		}
		return nil
	})
}

func (l *depositLedger) MarkBatch(ctx context.Context, ref uuid.UUID, status domain.BatchStatus, reason string) error {
	if status == domain.BatchReleased {
		return fmt.Errorf("batch %s: use ReleaseBatch: %w", ref, domain.ErrInvalidTransition)
	}
	return l.transition(ctx, ref, status, reason)
}

const batchColumns = `reference_id, user_id, phone, external_id, COALESCE(idempotency_key, ''), currency,
	gross_amount, net_amount, total_fees, total_penalties, status, failure_reason, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanBatch(row rowScanner) (*domain.WithdrawalBatch, error) {
	var b domain.WithdrawalBatch
	err := row.Scan(
		&b.ReferenceID, &b.UserID, &b.Phone, &b.ExternalID, &b.IdempotencyKey, &b.Currency,
		&b.GrossAmount, &b.NetAmount, &b.TotalFees, &b.TotalPenalties, &b.Status, &b.FailureReason,
		&b.CreatedAt, &b.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &b, nil
}

func (l *depositLedger) loadItems(ctx context.Context, b *domain.WithdrawalBatch) error {
	const query = `SELECT deposit_id, original_amount, lock_period_days, penalty, flat_fee, net_amount, is_early
	FROM withdrawal_batch_items WHERE reference_id = $1 ORDER BY position`

	rows, err := l.conn(ctx).QueryContext(ctx, query, b.ReferenceID)
	if err != nil {
		return unavailable("load batch items", err)
	}
	defer rows.Close()

	b.Items = b.Items[:0]
	for rows.Next() {
		var s domain.Settlement
		if err := rows.Scan(&s.DepositID, &s.OriginalAmount, &s.LockPeriodDays, &s.Penalty, &s.FlatFee, &s.NetAmount, &s.IsEarly); err != nil {
			return unavailable("scan batch item", err)
		}
		b.Items = append(b.Items, s)
	}
	if err := rows.Err(); err != nil {
		return unavailable("load batch items", err)
	}
	return nil
}

func (l *depositLedger) GetBatch(ctx context.Context, ref uuid.UUID) (*domain.WithdrawalBatch, error) {
	query := `SELECT ` + batchColumns + ` FROM withdrawal_batches WHERE reference_id = $1`

	b, err := scanBatch(l.conn(ctx).QueryRowContext(ctx, query, ref))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrBatchNotFound
	}
	if err != nil {
		return nil, unavailable("get batch", err)
	}

	if err := l.loadItems(ctx, b); err != nil {
		return nil, err
	}
	return b, nil
}

// GetBatchByIdempotencyKey returns nil, nil when no live batch uses key.
func (l *depositLedger) GetBatchByIdempotencyKey(ctx context.Context, userID, key string) (*domain.WithdrawalBatch, error) {
	query := `SELECT ` + batchColumns + ` FROM withdrawal_batches
	WHERE user_id = $1 AND idempotency_key = $2 AND status <> 'released'
	ORDER BY created_at DESC LIMIT 1`

	b, err := scanBatch(l.conn(ctx).QueryRowContext(ctx, query, userID, key))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, unavailable("get batch by idempotency key", err)
	}

	if err := l.loadItems(ctx, b); err != nil {
		return nil, err
	}
	return b, nil
}

func (l *depositLedger) PendingBatches(ctx context.Context, updatedBefore time.Time) ([]*domain.WithdrawalBatch, error) {
	query := `SELECT ` + batchColumns + ` FROM withdrawal_batches
	WHERE status = ANY($1::text[]) AND updated_at < $2
	ORDER BY updated_at`

	rows, err := l.conn(ctx).QueryContext(ctx, query, pq.Array(statusStrings(domain.PendingBatchStatuses)), updatedBefore)
	if err != nil {
		return nil, unavailable("list pending batches", err)
	}

	var batches []*domain.WithdrawalBatch
	for rows.Next() {
		b, err := scanBatch(rows)
		if err != nil {
			rows.Close()
			return nil, unavailable("scan pending batch", err)
		}
		batches = append(batches, b)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, unavailable("list pending batches", err)
	}
	rows.Close()

	for _, b := range batches {
		if err := l.loadItems(ctx, b); err != nil {
			return nil, err
		}
	}
	return batches, nil
}

func (l *depositLedger) Ping(ctx context.Context) error {
	if err := l.db.PingContext(ctx); err != nil {
		return unavailable("ping", err)
	}
	return nil
}
