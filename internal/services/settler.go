package services

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"custody/agent/internal/clients"
	"custody/agent/internal/models"
	"custody/agent/internal/stores"
)

// Sweeper moves a deposit address's funds to the custodial address.
type Sweeper interface {
	CanSign(ctx context.Context, addr string) bool
	SweepNative(ctx context.Context, fromAddr string, toAddr string) (string, error)
	SweepToken(ctx context.Context, symbol string, fromAddr string, toAddr string) (string, error)
}

// SettlementProcessor credits a confirmed deposit to its account and sweeps
// the received funds. Settle is idempotent: the credit is a conditional
// write keyed on the record still being confirmed, so concurrent and
// repeated callers apply the fiat value exactly once. A sweep failure never
// reverses a credit.
type SettlementProcessor struct {
	deposits stores.DepositStore
	sweeper  Sweeper
	alerts   clients.AlertChannel

	custodialAddr string
	nativeAsset   string
	log           *zap.Logger
}

func NewSettlementProcessor(deposits stores.DepositStore, sweeper Sweeper, alerts clients.AlertChannel, custodialAddr string, nativeAsset string, log *zap.Logger) *SettlementProcessor {
	return &SettlementProcessor{
		deposits:      deposits,
		sweeper:       sweeper,
		alerts:        alerts,
		custodialAddr: custodialAddr,
		nativeAsset:   nativeAsset,
		log:           log,
	}
}

func (s *SettlementProcessor) Settle(ctx context.Context, txHash string) error {
	rec, err := s.deposits.Get(ctx, txHash)
	if err != nil {
		return err
	}
	if rec.Status.Terminal() {
		return nil
	}
	if rec.Status != models.StatusConfirmed {
		return fmt.Errorf("deposit %s not settleable in status %s", txHash, rec.Status)
	}

	credited, err := s.deposits.CreditDeposit(ctx, txHash)
	if err != nil {
		return err
	}
	if !credited {
		// a concurrent caller advanced the record; their credit stands
		return nil
	}

	s.log.Info("deposit credited",
		zap.String("tx_hash", txHash),
		zap.String("account_id", rec.AccountID),
		zap.String("fiat_value", rec.FiatValue.String()))

	s.sweep(ctx, rec)
	return nil
}

// sweep attempts to move the received funds to the custodial address and
// records the outcome on the deposit record. Runs strictly after the
// credit; its failures are operational, never financial.
func (s *SettlementProcessor) sweep(ctx context.Context, rec *models.DepositRecord) {
	fromAddr := rec.ToAddr.Hex()

	if s.custodialAddr == "" || !s.sweeper.CanSign(ctx, fromAddr) {
		s.recordSweepResult(ctx, rec.TxHash, "", "sweep unavailable: missing custodial address or signing key")
		s.alerts.Notify("sweep unavailable after credit", nil, map[string]string{
			"tx_hash": rec.TxHash,
			"address": fromAddr,
		})
		return
	}

	var sweepTx string
	var err error
	if rec.Asset == s.nativeAsset {
		sweepTx, err = s.sweeper.SweepNative(ctx, fromAddr, s.custodialAddr)
	} else {
		sweepTx, err = s.sweeper.SweepToken(ctx, rec.Asset, fromAddr, s.custodialAddr)
	}

	if err != nil {
		s.recordSweepResult(ctx, rec.TxHash, "", err.Error())
		s.alerts.Notify("sweep failed", err, map[string]string{
			"tx_hash": rec.TxHash,
			"address": fromAddr,
			"asset":   rec.Asset,
		})
		return
	}

	s.recordSweepResult(ctx, rec.TxHash, sweepTx, "")
	s.log.Info("sweep broadcast",
		zap.String("tx_hash", rec.TxHash),
		zap.String("sweep_tx_hash", sweepTx))
}

func (s *SettlementProcessor) recordSweepResult(ctx context.Context, txHash string, sweepTx string, sweepErr string) {
	_, err := s.deposits.UpdateIfStatus(ctx, txHash, models.StatusCredited, func(d *models.DepositRecord) {
		d.SweepTxHash = sweepTx
		d.SweepError = sweepErr
	})
	if err != nil {
		s.log.Error("failed to record sweep outcome",
			zap.String("tx_hash", txHash), zap.Error(err))
	}
}
