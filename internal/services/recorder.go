package services

import (
	"context"
	"errors"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"custody/agent/internal/clients"
	"custody/agent/internal/models"
	"custody/agent/internal/stores"
)

// DepositRecorder turns a matched chain transfer into a deposit record.
// Safe to call any number of times for the same transaction: the tx-hash
// uniqueness of the deposit store makes duplicate notifications a no-op.
type DepositRecorder struct {
	deposits stores.DepositStore
	accounts stores.AccountStore
	oracle   clients.PriceOracle
	alerts   clients.AlertChannel

	minDepositUSD decimal.Decimal
	log           *zap.Logger
}

func NewDepositRecorder(deposits stores.DepositStore, accounts stores.AccountStore, oracle clients.PriceOracle, alerts clients.AlertChannel, minDepositUSD decimal.Decimal, log *zap.Logger) *DepositRecorder {
	return &DepositRecorder{
		deposits:      deposits,
		accounts:      accounts,
		oracle:        oracle,
		alerts:        alerts,
		minDepositUSD: minDepositUSD,
		log:           log,
	}
}

// Record registers one observed transfer. amount is in raw on-chain units,
// decimals the asset's precision.
func (r *DepositRecorder) Record(ctx context.Context, txHash string, asset string, amount *big.Int, decimals int32, from common.Address, to common.Address, blockNumber uint64) error {
	if _, err := r.deposits.Get(ctx, txHash); err == nil {
		r.log.Debug("deposit already recorded", zap.String("tx_hash", txHash))
		return nil
	} else if !errors.Is(err, stores.ErrDepositNotFound) {
		return err
	}

	account, err := r.accounts.GetByDepositAddress(ctx, to.Hex())
	if err != nil {
		if errors.Is(err, stores.ErrAccountNotFound) {
			// stale registry entry or orphaned address: needs an operator
			r.alerts.Notify("deposit to unowned address", nil, map[string]string{
				"tx_hash": txHash,
				"address": to.Hex(),
			})
			return nil
		}
		return err
	}

	rec := &models.DepositRecord{
		TxHash:      txHash,
		AccountID:   account.ID,
		Asset:       asset,
		Amount:      new(big.Int).Set(amount),
		Decimals:    decimals,
		FromAddr:    from,
		ToAddr:      to,
		BlockNumber: blockNumber,
		DetectedAt:  time.Now().UTC(),
	}

	units := decimal.NewFromBigInt(amount, -decimals)
	price, err := r.oracle.PriceUSD(ctx, asset)
	if err != nil {
		// hold for valuation rather than recording a zero value that the
		// minimum filter would silently discard
		rec.Status = models.StatusPendingValuation
		rec.Note = "valuation unavailable: " + err.Error()
		r.alerts.Notify("deposit held pending valuation", err, map[string]string{
			"tx_hash": txHash,
			"asset":   asset,
		})
	} else {
		fiat := units.Mul(price)
		if fiat.LessThan(r.minDepositUSD) {
			r.log.Info("discarding dust deposit",
				zap.String("tx_hash", txHash),
				zap.String("asset", asset),
				zap.String("fiat_value", fiat.String()))
			return nil
		}
		rec.FiatValue = fiat
		rec.Status = models.StatusUnconfirmed
	}

	inserted, err := r.deposits.PutIfAbsent(ctx, rec)
	if err != nil {
		return err
	}
	if !inserted {
		r.log.Debug("deposit already recorded by a concurrent source", zap.String("tx_hash", txHash))
		return nil
	}

	r.log.Info("deposit recorded",
		zap.String("tx_hash", txHash),
		zap.String("account_id", account.ID),
		zap.String("asset", asset),
		zap.String("status", string(rec.Status)),
		zap.String("fiat_value", rec.FiatValue.String()),
		zap.Uint64("block", blockNumber))
	return nil
}
