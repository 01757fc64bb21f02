package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"momovault/internal/domain"
	"momovault/internal/port"
)

type Options struct {
	Currency     string
	PayerMessage string
	PayeeNote    string
}

type withdrawalService struct {
	ledger  port.DepositLedger
	gateway port.DisbursementGateway
	tokens  port.TokenProvider
	fees    domain.FeePolicy
	phones  domain.PhoneFormat
	opts    Options
	logger  *zap.Logger
	now     func() time.Time
}

func NewWithdrawalService(
	ledger port.DepositLedger,
	gateway port.DisbursementGateway,
	tokens port.TokenProvider,
	fees domain.FeePolicy,
	phones domain.PhoneFormat,
	opts Options,
	logger *zap.Logger,
	now func() time.Time,
) port.WithdrawalService {
	if now == nil {
		now = time.Now
	}
	return &withdrawalService{
		ledger:  ledger,
		gateway: gateway,
		tokens:  tokens,
		fees:    fees,
		phones:  phones,
		opts:    opts,
		logger:  logger,
		now:     now,
	}
}

// withdrawal tracks one request through the orchestration states.
type withdrawal struct {
	state  domain.WithdrawalState
	ref    uuid.UUID
	logger *zap.Logger
}

func (w *withdrawal) enter(state domain.WithdrawalState) {
	w.state = state
	w.logger.Debug("withdrawal state", zap.String("state", string(state)))
}

func (w *withdrawal) reject(err error) error {
	w.logger.Info("withdrawal rejected",
		zap.String("failed_in", string(w.state)),
		zap.Error(err),
	)
	w.state = domain.StateRejectedBeforeDisbursement
	return &domain.WithdrawalError{State: w.state, ReferenceID: w.ref, Err: err}
}

func (w *withdrawal) ambiguous(err error) error {
	w.state = domain.StateAmbiguousAfterDisbursement
	return &domain.WithdrawalError{
		State:       w.state,
		ReferenceID: w.ref,
		Err:         fmt.Errorf("%w: %w", domain.ErrAmbiguousAfterDisbursement, err),
	}
}

// externalID derives the 24 character id the gateway shows the payee.
func externalID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:24]
}

// Withdraw pays out the selected deposits in one aggregated disbursement and
// records the settlement. Failures before the gateway accepted the transfer
// leave no financial effect; failures after it are returned as ambiguous and
// left for the reconciler.
func (s *withdrawalService) Withdraw(ctx context.Context, req *domain.WithdrawalReq) (*domain.WithdrawalResult, error) {
	w := &withdrawal{
		state:  domain.StateValidating,
		logger: s.logger.With(zap.String("user_id", req.UserID)),
	}

	if req.UserID == "" {
		return nil, w.reject(domain.ErrInvalidCredential)
	}
	phone, err := s.phones.Normalize(req.PhoneNumber)
	if err != nil {
		return nil, w.reject(err)
	}
	ids, err := domain.ParseDepositIDs(req.DepositIDs)
	if err != nil {
		return nil, w.reject(err)
	}

	if req.IdempotencyKey != "" {
		existing, err := s.ledger.GetBatchByIdempotencyKey(ctx, req.UserID, req.IdempotencyKey)
		if err != nil {
			return nil, w.reject(err)
		}
		if existing != nil {
			return s.replay(w, existing, ids, phone)
		}
	}

	deposits, err := s.ledger.FindEligibleDeposits(ctx, req.UserID, ids)
	if err != nil {
		return nil, w.reject(err)
	}
	if len(deposits) == 0 {
		return nil, w.reject(domain.ErrDepositNotFound)
	}
	if len(deposits) != len(ids) {
		return nil, w.reject(fmt.Errorf("found %d of %d deposits: %w", len(deposits), len(ids), domain.ErrPartialOrInvalidDepositSelection))
	}
	for i := range deposits {
		if stored, err := s.phones.Normalize(deposits[i].PhoneNumber); err == nil {
			deposits[i].PhoneNumber = stored
		}
	}
	if err := domain.VerifyOwnershipPhone(deposits, phone); err != nil {
		return nil, w.reject(err)
	}

	w.enter(domain.StatePricing)
	now := s.now()
	items := make([]domain.Settlement, 0, len(deposits))
	for _, d := range deposits {
		settlement, err := s.fees.Settle(d, now)
		if err != nil {
			return nil, w.reject(err)
		}
		items = append(items, settlement)
	}
	totals := domain.SumSettlements(items)

	batch := &domain.WithdrawalBatch{
		ReferenceID:    uuid.New(),
		UserID:         req.UserID,
		Phone:          phone,
		ExternalID:     externalID(),
		IdempotencyKey: req.IdempotencyKey,
		Currency:       s.opts.Currency,
		GrossAmount:    totals.Gross,
		NetAmount:      totals.Net,
		TotalFees:      totals.Fees,
		TotalPenalties: totals.Penalties,
		Items:          items,
	}
	w.ref = batch.ReferenceID
	w.logger = w.logger.With(zap.String("reference_id", batch.ReferenceID.String()))

	if err := s.ledger.OpenBatch(ctx, batch); err != nil {
		if req.IdempotencyKey != "" {
			// A concurrent request with the same key may have claimed first.
			if existing, lookupErr := s.ledger.GetBatchByIdempotencyKey(ctx, req.UserID, req.IdempotencyKey); lookupErr == nil && existing != nil {
				return s.replay(w, existing, ids, phone)
			}
			if errors.Is(err, domain.ErrDuplicateRequest) {
				err = fmt.Errorf("%w: %w", domain.ErrWithdrawalInProgress, err)
			}
		}
		return nil, w.reject(err)
	}

	token, err := s.tokens.Token(ctx)
	if err != nil {
		s.release(ctx, w, "token acquisition failed")
		if !errors.Is(err, domain.ErrTokenAcquisitionFailed) {
			err = fmt.Errorf("%w: %w", domain.ErrTokenAcquisitionFailed, err)
		}
		return nil, w.reject(err)
	}
	w.enter(domain.StateTokenAcquired)

	w.enter(domain.StateDisbursing)
	err = s.gateway.Disburse(ctx, token, port.DisbursementRequest{
		ReferenceID:  batch.ReferenceID,
		ExternalID:   batch.ExternalID,
		Amount:       batch.NetAmount,
		Currency:     batch.Currency,
		PayeePhone:   batch.Phone,
		PayerMessage: s.opts.PayerMessage,
		PayeeNote:    s.opts.PayeeNote,
	})

	// From here on money may have moved; local writes must not be cut short by
	// the caller going away.
	ctx = context.WithoutCancel(ctx)

	if err != nil {
		if errors.Is(err, domain.ErrDisbursementUnconfirmed) {
			if markErr := s.ledger.MarkBatch(ctx, batch.ReferenceID, domain.BatchUnconfirmed, err.Error()); markErr != nil {
				err = errors.Join(err, markErr)
			}
			s.logAmbiguous(w, batch, err)
			return nil, w.ambiguous(err)
		}
		if errors.Is(err, domain.ErrGatewayUnauthorized) {
			s.tokens.Invalidate()
		}
		s.release(ctx, w, err.Error())
		return nil, w.reject(err)
	}

	if err := s.ledger.MarkBatch(ctx, batch.ReferenceID, domain.BatchAccepted, ""); err != nil {
		err = fmt.Errorf("%w: mark accepted: %w", domain.ErrStorageWriteFailed, err)
		s.logAmbiguous(w, batch, err)
		return nil, w.ambiguous(err)
	}

	w.enter(domain.StateCommitting)
	res, err := s.ledger.CommitWithdrawal(ctx, batch)
	if err != nil {
		if markErr := s.ledger.MarkBatch(ctx, batch.ReferenceID, domain.BatchInconsistent, err.Error()); markErr != nil {
			err = errors.Join(err, markErr)
		}
		settled := 0
		if res != nil {
			settled = len(res.SettledDeposits)
		}
		s.logAmbiguous(w, batch, err, zap.Int("deposits_settled", settled))
		return nil, w.ambiguous(err)
	}

	w.enter(domain.StateSucceeded)
	w.logger.Info("withdrawal settled",
		zap.String("net_amount", batch.NetAmount.String()),
		zap.String("vault_debited", res.VaultDebited.String()),
		zap.Int("deposits", len(batch.Items)),
		zap.Int("transactions", res.TransactionsRecorded),
	)

	return domain.ResultFromBatch(batch), nil
}

// replay answers a request whose idempotency key already has a live batch.
func (s *withdrawalService) replay(w *withdrawal, existing *domain.WithdrawalBatch, ids []uuid.UUID, phone string) (*domain.WithdrawalResult, error) {
	w.ref = existing.ReferenceID
	if !existing.SameSelection(ids, phone) {
		return nil, w.reject(domain.ErrIdempotencyKeyMismatch)
	}
	if existing.Status != domain.BatchSettled {
		return nil, w.reject(fmt.Errorf("batch is %s: %w", existing.Status, domain.ErrWithdrawalInProgress))
	}

	w.logger.Info("withdrawal replayed", zap.String("reference_id", existing.ReferenceID.String()))
	return domain.ResultFromBatch(existing), nil
}

func (s *withdrawalService) release(ctx context.Context, w *withdrawal, reason string) {
	if err := s.ledger.ReleaseBatch(ctx, w.ref, reason); err != nil {
		w.logger.Error("failed to release deposit claims; reconciler will retry",
			zap.String("reason", reason),
			zap.Error(err),
		)
	}
}

func (s *withdrawalService) logAmbiguous(w *withdrawal, batch *domain.WithdrawalBatch, err error, extra ...zap.Field) {
	fields := []zap.Field{
		zap.String("failed_in", string(w.state)),
		zap.String("external_id", batch.ExternalID),
		zap.String("phone", batch.Phone),
		zap.String("gross_amount", batch.GrossAmount.String()),
		zap.String("net_amount", batch.NetAmount.String()),
		zap.String("total_fees", batch.TotalFees.String()),
		zap.String("total_penalties", batch.TotalPenalties.String()),
		zap.Strings("deposit_ids", depositIDStrings(batch)),
		zap.Error(err),
	}
	w.logger.Error("withdrawal needs reconciliation", append(fields, extra...)...)
}

func depositIDStrings(batch *domain.WithdrawalBatch) []string {
	ids := make([]string, 0, len(batch.Items))
	for _, id := range batch.DepositIDs() {
		ids = append(ids, id.String())
	}
	return ids
}

func (s *withdrawalService) WithdrawableDeposits(ctx context.Context, userID string) ([]domain.WithdrawableDeposit, error) {
	if userID == "" {
		return nil, domain.ErrInvalidCredential
	}

	deposits, err := s.ledger.ListLockedDeposits(ctx, userID)
	if err != nil {
		return nil, err
	}

	now := s.now()
	out := make([]domain.WithdrawableDeposit, 0, len(deposits))
	for _, d := range deposits {
		out = append(out, s.fees.Preview(d, now))
	}
	return out, nil
}
