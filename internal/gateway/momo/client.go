// Package momo talks to the MTN MoMo disbursement API.
package momo

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"momovault/internal/domain"
	"momovault/internal/port"
)

const (
	headerSubscriptionKey   = "Ocp-Apim-Subscription-Key"
	headerReferenceID       = "X-Reference-Id"
	headerTargetEnvironment = "X-Target-Environment"

	maxErrorBody = 4 << 10
)

type Config struct {
	BaseURL           string
	APIUser           string
	APIKey            string
	SubscriptionKey   string
	TargetEnvironment string
	Timeout           time.Duration
}

type Client struct {
	cfg    Config
	http   *http.Client
	logger *zap.Logger
}

func NewClient(cfg Config, httpClient *http.Client, logger *zap.Logger) *Client {
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	return &Client{cfg: cfg, http: httpClient, logger: logger}
}

var _ port.DisbursementGateway = (*Client)(nil)

type tokenResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
}

type party struct {
	PartyIDType string `json:"partyIdType"`
	PartyID     string `json:"partyId"`
}

type transferRequest struct {
	Amount       string `json:"amount"`
	Currency     string `json:"currency"`
	ExternalID   string `json:"externalId"`
	Payee        party  `json:"payee"`
	PayerMessage string `json:"payerMessage"`
	PayeeNote    string `json:"payeeNote"`
}

type transferStatusResponse struct {
	Status string `json:"status"`
	Reason string `json:"reason,omitempty"`
}

func (c *Client) endpoint(elem ...string) (string, error) {
	return url.JoinPath(c.cfg.BaseURL, elem...)
}

// AcquireToken exchanges the API user credentials for a bearer token.
func (c *Client) AcquireToken(ctx context.Context) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	endpoint, err := c.endpoint("token/")
	if err != nil {
		return "", fmt.Errorf("%w: %v", domain.ErrTokenAcquisitionFailed, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, nil)
	if err != nil {
		return "", fmt.Errorf("%w: %v", domain.ErrTokenAcquisitionFailed, err)
	}
	credentials := base64.StdEncoding.EncodeToString([]byte(c.cfg.APIUser + ":" + c.cfg.APIKey))
	req.Header.Set("Authorization", "Basic "+credentials)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Cache-Control", "no-cache")
	req.Header.Set(headerSubscriptionKey, c.cfg.SubscriptionKey)

	resp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: %v", domain.ErrTokenAcquisitionFailed, err)
	}
	defer closeBody(c.logger, resp.Body)

	if resp.StatusCode != http.StatusOK {
		body := readErrorBody(resp.Body)
		c.logger.Warn("token endpoint refused credentials",
			zap.Int("status", resp.StatusCode),
			zap.String("body", body),
		)
		return "", fmt.Errorf("%w: status %d", domain.ErrTokenAcquisitionFailed, resp.StatusCode)
	}

	var tr tokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&tr); err != nil {
		return "", fmt.Errorf("%w: decode response: %v", domain.ErrTokenAcquisitionFailed, err)
	}
	if tr.AccessToken == "" {
		return "", fmt.Errorf("%w: empty access_token", domain.ErrTokenAcquisitionFailed)
	}

	return tr.AccessToken, nil
}

// Disburse asks the gateway to transfer req.Amount to req.PayeePhone. Only
// 202 Accepted counts as success. A transport failure that happens after the
// request may have reached the gateway yields ErrDisbursementUnconfirmed,
// never a plain rejection.
func (c *Client) Disburse(ctx context.Context, token string, dr port.DisbursementRequest) error {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	endpoint, err := c.endpoint("v1_0", "transfer")
	if err != nil {
		return fmt.Errorf("%w: %v", domain.ErrDisbursementRejected, err)
	}

	payload, err := json.Marshal(transferRequest{
		Amount:     dr.Amount.String(),
		Currency:   dr.Currency,
		ExternalID: dr.ExternalID,
		Payee: party{
			PartyIDType: "MSISDN",
			PartyID:     dr.PayeePhone,
		},
		PayerMessage: dr.PayerMessage,
		PayeeNote:    dr.PayeeNote,
	})
	if err != nil {
		return fmt.Errorf("%w: encode body: %v", domain.ErrDisbursementRejected, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("%w: %v", domain.ErrDisbursementRejected, err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set(headerReferenceID, dr.ReferenceID.String())
	req.Header.Set(headerTargetEnvironment, c.cfg.TargetEnvironment)
	req.Header.Set(headerSubscriptionKey, c.cfg.SubscriptionKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		if neverSent(err) {
			return fmt.Errorf("%w: %v", domain.ErrDisbursementRejected, err)
		}
		return fmt.Errorf("%w: %v", domain.ErrDisbursementUnconfirmed, err)
	}
	defer closeBody(c.logger, resp.Body)

	if resp.StatusCode == http.StatusAccepted {
		return nil
	}

	rejected := &domain.DisbursementRejectedError{
		StatusCode: resp.StatusCode,
		Body:       readErrorBody(resp.Body),
	}
	if resp.StatusCode == http.StatusUnauthorized {
		return fmt.Errorf("%w: %w", domain.ErrGatewayUnauthorized, rejected)
	}
	return rejected
}

// TransferStatus looks up the gateway's view of a transfer by reference id.
func (c *Client) TransferStatus(ctx context.Context, token string, ref uuid.UUID) (port.TransferStatus, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	endpoint, err := c.endpoint("v1_0", "transfer", ref.String())
	if err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return "", err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set(headerTargetEnvironment, c.cfg.TargetEnvironment)
	req.Header.Set(headerSubscriptionKey, c.cfg.SubscriptionKey)

	resp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("transfer status request: %w", err)
	}
	defer closeBody(c.logger, resp.Body)

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusNotFound:
		return "", domain.ErrTransferNotFound
	case http.StatusUnauthorized:
		return "", domain.ErrGatewayUnauthorized
	default:
		return "", fmt.Errorf("transfer status: unexpected status %d: %s", resp.StatusCode, readErrorBody(resp.Body))
	}

	var sr transferStatusResponse
	if err := json.NewDecoder(resp.Body).Decode(&sr); err != nil {
		return "", fmt.Errorf("transfer status: decode response: %w", err)
	}

	switch status := port.TransferStatus(sr.Status); status {
	case port.TransferSuccessful, port.TransferPending, port.TransferFailed:
		return status, nil
	default:
		return "", fmt.Errorf("transfer status: unknown status %q", sr.Status)
	}
}

// neverSent reports whether err happened while dialing, before any byte of
// the request could reach the gateway.
func neverSent(err error) bool {
	var opErr *net.OpError
	if errors.As(err, &opErr) && opErr.Op == "dial" {
		return true
	}
	var dnsErr *net.DNSError
	return errors.As(err, &dnsErr)
}

func readErrorBody(body io.Reader) string {
	data, err := io.ReadAll(io.LimitReader(body, maxErrorBody))
	if err != nil {
		return ""
	}
	return string(data)
}

func closeBody(logger *zap.Logger, body io.ReadCloser) {
	if err := body.Close(); err != nil {
		logger.Error("error while closing response body", zap.Error(err))
	}
}
