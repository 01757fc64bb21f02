package port

import (
	"context"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type DisbursementRequest struct {
	ReferenceID  uuid.UUID
	ExternalID   string
	Amount       decimal.Decimal
	Currency     string
	PayeePhone   string
	PayerMessage string
	PayeeNote    string
}

type TransferStatus string

const (
	TransferSuccessful TransferStatus = "SUCCESSFUL"
	TransferPending    TransferStatus = "PENDING"
	TransferFailed     TransferStatus = "FAILED"
)

// DisbursementGateway is the network boundary to the payment gateway. It keeps
// no local state.
type DisbursementGateway interface {
	AcquireToken(ctx context.Context) (string, error)
	Disburse(ctx context.Context, token string, req DisbursementRequest) error
	TransferStatus(ctx context.Context, token string, ref uuid.UUID) (TransferStatus, error)
}

type TokenProvider interface {
	Token(ctx context.Context) (string, error)
	Invalidate()
}
