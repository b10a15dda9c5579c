package service

import (
	"context"
	"errors"
	"fmt"

	ledgerdomain "github.com/one-covenant/basilica-billing/internal/ledger/domain"
	settlementdomain "github.com/one-covenant/basilica-billing/internal/settlement/domain"
)

// LocalLedgerClient calls the in-process ledger service.
type LocalLedgerClient struct {
	ledger ledgerdomain.Service
}

func NewLocalLedgerClient(ledger ledgerdomain.Service) settlementdomain.LedgerClient {
	return &LocalLedgerClient{ledger: ledger}
}

func (c *LocalLedgerClient) ApplyCredits(ctx context.Context, req settlementdomain.ApplyCreditsRequest) (settlementdomain.ApplyCreditsResponse, error) {
	res, err := c.ledger.ApplyCredit(ctx, ledgerdomain.ApplyCreditRequest{
		TransactionID: req.TransactionID,
		UserID:        req.UserID,
		Amount:        req.Amount,
		PaymentMethod: req.PaymentMethod,
		Metadata:      req.Metadata,
	})
	if err != nil {
		if isValidationErr(err) {
			return settlementdomain.ApplyCreditsResponse{}, fmt.Errorf("%w: %w", settlementdomain.ErrCreditRejected, err)
		}
		return settlementdomain.ApplyCreditsResponse{}, fmt.Errorf("%w: %w", settlementdomain.ErrLedgerUnreachable, err)
	}
	return settlementdomain.ApplyCreditsResponse{
		CreditID:   res.CreditID,
		Success:    true,
		NewBalance: res.NewBalance,
		Applied:    res.Applied,
	}, nil
}

func isValidationErr(err error) bool {
	return errors.Is(err, ledgerdomain.ErrInvalidUser) ||
		errors.Is(err, ledgerdomain.ErrInvalidAmount) ||
		errors.Is(err, ledgerdomain.ErrInvalidTransaction)
}
