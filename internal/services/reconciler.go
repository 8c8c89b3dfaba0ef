package services

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"custody/agent/internal/clients"
	"custody/agent/internal/models"
	"custody/agent/internal/stores"
)

// CatchUpReconciler is the safety net for crashes between the confirmed
// transition and the completion of settlement: on a slow schedule it
// re-dispatches every record stuck in confirmed, relying entirely on the
// settlement idempotency guarantee. It also revalues deposits held in
// pending_valuation once the price oracle recovers.
//
// It runs independently of the streaming connection, so it keeps repairing
// state while the supervisor is mid-reconnect.
type CatchUpReconciler struct {
	deposits stores.DepositStore
	settler  Settler
	oracle   clients.PriceOracle
	alerts   clients.AlertChannel

	minDepositUSD decimal.Decimal
	interval      time.Duration
	log           *zap.Logger

	cron *cron.Cron
}

func NewCatchUpReconciler(deposits stores.DepositStore, settler Settler, oracle clients.PriceOracle, alerts clients.AlertChannel, minDepositUSD decimal.Decimal, interval time.Duration, log *zap.Logger) *CatchUpReconciler {
	return &CatchUpReconciler{
		deposits:      deposits,
		settler:       settler,
		oracle:        oracle,
		alerts:        alerts,
		minDepositUSD: minDepositUSD,
		interval:      interval,
		log:           log,
	}
}

// Start schedules the reconciliation job. Returns after scheduling; the
// job runs on the cron's goroutine.
func (c *CatchUpReconciler) Start() error {
	c.cron = cron.New()
	spec := fmt.Sprintf("@every %s", c.interval)
	if _, err := c.cron.AddFunc(spec, func() {
		ctx, cancel := context.WithTimeout(context.Background(), c.interval)
		defer cancel()
		c.Run(ctx)
	}); err != nil {
		return fmt.Errorf("scheduling catch-up job: %w", err)
	}
	c.cron.Start()
	c.log.Info("catch-up reconciler scheduled", zap.Duration("interval", c.interval))
	return nil
}

func (c *CatchUpReconciler) Stop() {
	if c.cron != nil {
		c.cron.Stop()
	}
}

// Run performs one reconciliation pass.
func (c *CatchUpReconciler) Run(ctx context.Context) {
	c.resettleStuck(ctx)
	c.revaluePending(ctx)
}

func (c *CatchUpReconciler) resettleStuck(ctx context.Context) {
	stuck, err := c.deposits.ListByStatus(ctx, models.StatusConfirmed)
	if err != nil {
		c.log.Error("listing stuck deposits", zap.Error(err))
		return
	}
	if len(stuck) == 0 {
		return
	}

	c.log.Info("re-settling stuck deposits", zap.Int("count", len(stuck)))
	var wg sync.WaitGroup
	for _, rec := range stuck {
		wg.Add(1)
		go func(txHash string) {
			defer wg.Done()
			if err := c.settler.Settle(ctx, txHash); err != nil {
				c.log.Warn("catch-up settlement failed",
					zap.String("tx_hash", txHash), zap.Error(err))
			}
		}(rec.TxHash)
	}
	wg.Wait()
}

func (c *CatchUpReconciler) revaluePending(ctx context.Context) {
	pending, err := c.deposits.ListByStatus(ctx, models.StatusPendingValuation)
	if err != nil {
		c.log.Error("listing pending valuations", zap.Error(err))
		return
	}

	for _, rec := range pending {
		price, err := c.oracle.PriceUSD(ctx, rec.Asset)
		if err != nil {
			// oracle still down; leave the record held
			c.log.Warn("revaluation still unavailable",
				zap.String("tx_hash", rec.TxHash), zap.Error(err))
			continue
		}

		units := decimal.NewFromBigInt(rec.Amount, -rec.Decimals)
		fiat := units.Mul(price)

		if fiat.LessThan(c.minDepositUSD) {
			changed, err := c.deposits.UpdateIfStatus(ctx, rec.TxHash, models.StatusPendingValuation, func(d *models.DepositRecord) {
				d.Status = models.StatusFailed
				d.FiatValue = fiat
				d.Note = "below minimum deposit value after revaluation"
			})
			if err != nil {
				c.log.Error("marking dust after revaluation",
					zap.String("tx_hash", rec.TxHash), zap.Error(err))
			} else if changed {
				c.log.Info("revalued deposit below minimum",
					zap.String("tx_hash", rec.TxHash),
					zap.String("fiat_value", fiat.String()))
			}
			continue
		}

		changed, err := c.deposits.UpdateIfStatus(ctx, rec.TxHash, models.StatusPendingValuation, func(d *models.DepositRecord) {
			d.Status = models.StatusUnconfirmed
			d.FiatValue = fiat
			d.Note = ""
		})
		if err != nil {
			c.log.Error("revaluing deposit",
				zap.String("tx_hash", rec.TxHash), zap.Error(err))
			continue
		}
		if changed {
			c.log.Info("deposit revalued",
				zap.String("tx_hash", rec.TxHash),
				zap.String("fiat_value", fiat.String()))
		}
	}
}
