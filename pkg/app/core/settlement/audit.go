package settlement

import (
	"context"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/uhyunpark/tradesim/pkg/app/core/ledger"
)

// Audit checks that every listed wallet locks exactly what the user's active
// buy orders reserve, every listed holding locks exactly what the active
// sell orders reserve, and that no balance is negative. Missing records
// count as zero. All violations are returned joined.
func (s *Service) Audit(ctx context.Context, userIDs, assetIDs []string) error {
	active, err := s.store.ActiveOrders(ctx)
	if err != nil {
		return fmt.Errorf("audit: %w", err)
	}

	type holding struct{ user, asset string }
	buyLocks := make(map[string]decimal.Decimal)
	sellLocks := make(map[holding]decimal.Decimal)
	for _, o := range active {
		if o.Side == ledger.Buy {
			buyLocks[o.UserID] = buyLocks[o.UserID].Add(o.Reserved)
		} else {
			k := holding{o.UserID, o.AssetID}
			sellLocks[k] = sellLocks[k].Add(o.Reserved)
		}
	}

	var errs []error
	for _, user := range userIDs {
		w, err := s.store.Wallet(ctx, user)
		switch {
		case errors.Is(err, ledger.ErrNotFound):
			w = ledger.NewWallet(user)
		case err != nil:
			return fmt.Errorf("audit wallet %s: %w", user, err)
		}
		if err := w.Validate(); err != nil {
			errs = append(errs, err)
		}
		if want := buyLocks[user]; !w.LockedBalance.Equal(want) {
			errs = append(errs, fmt.Errorf("wallet %s: locked %s, active buy orders reserve %s", user, w.LockedBalance, want))
		}

		for _, asset := range assetIDs {
			p, err := s.store.Portfolio(ctx, user, asset)
			switch {
			case errors.Is(err, ledger.ErrNotFound):
				p = ledger.NewPortfolio(user, asset)
			case err != nil:
				return fmt.Errorf("audit portfolio %s/%s: %w", user, asset, err)
			}
			if err := p.Validate(); err != nil {
				errs = append(errs, err)
			}
			if want := sellLocks[holding{user, asset}]; !p.LockedQuantity.Equal(want) {
				errs = append(errs, fmt.Errorf("portfolio %s/%s: locked %s, active sell orders reserve %s",
					user, asset, p.LockedQuantity, want))
			}
		}
	}

	if len(errs) > 0 {
		s.log.Warnw("ledger_audit_failed", "violations", len(errs))
	}
	return errors.Join(errs...)
}
