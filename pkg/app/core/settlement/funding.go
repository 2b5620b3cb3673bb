package settlement

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/uhyunpark/tradesim/pkg/app/core/ledger"
)

// Deposit tops up a user's available balance, creating the wallet if needed
func (s *Service) Deposit(ctx context.Context, userID string, amount decimal.Decimal) (*ledger.Wallet, error) {
	if userID == "" || amount.Sign() <= 0 {
		return nil, ledger.Errorf(ledger.KindMissingFields, "", "deposit needs a user and a positive amount")
	}

	var out *ledger.Wallet
	err := s.run(ctx, "deposit", func(tx ledger.Tx) error {
		now := s.clock.Now()
		return updateWallet(tx, userID, true, func(w *ledger.Wallet) {
			w.AvailableBalance = w.AvailableBalance.Add(amount)
			w.UpdatedAt = now
			out = w
		})
	})
	if err != nil {
		return nil, fmt.Errorf("deposit %s: %w", userID, err)
	}
	s.log.Infow("wallet_topped_up", "user", userID, "amount", amount, "available", out.AvailableBalance)
	return out, nil
}

// GrantAsset credits quantity of an asset to a user's available holding at
// the given cost basis
func (s *Service) GrantAsset(ctx context.Context, userID, assetID string, qty, price decimal.Decimal) (*ledger.Portfolio, error) {
	if userID == "" || assetID == "" || qty.Sign() <= 0 || price.Sign() < 0 {
		return nil, ledger.Errorf(ledger.KindMissingFields, "", "grant needs a user, an asset and a positive quantity")
	}

	var out *ledger.Portfolio
	err := s.run(ctx, "grant", func(tx ledger.Tx) error {
		now := s.clock.Now()
		return updatePortfolio(tx, userID, assetID, true, func(p *ledger.Portfolio) {
			held := p.Total()
			p.AvgBuyPrice = p.AvgBuyPrice.Mul(held).Add(price.Mul(qty)).Div(held.Add(qty))
			p.AvailableQuantity = p.AvailableQuantity.Add(qty)
			p.UpdatedAt = now
			out = p
		})
	})
	if err != nil {
		return nil, fmt.Errorf("grant %s/%s: %w", userID, assetID, err)
	}
	s.log.Infow("asset_granted", "user", userID, "asset", assetID, "qty", qty, "available", out.AvailableQuantity)
	return out, nil
}
