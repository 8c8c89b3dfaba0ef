package services

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"go.uber.org/zap"

	"custody/agent/internal/clients"
	"custody/agent/internal/models"
	"custody/agent/internal/stores"
)

// Confirmer answers confirmation-depth queries against the external ledger.
type Confirmer interface {
	IsConfirmed(ctx context.Context, txHash string, minConfirmations uint64) (bool, error)
}

// Settler is the settlement entry point the monitor dispatches to.
type Settler interface {
	Settle(ctx context.Context, txHash string) error
}

// ConfirmationMonitor periodically sweeps every open deposit record and
// advances it: unconfirmed records are checked for depth and either
// confirmed or failed on timeout; confirmed records are re-dispatched to
// settlement, which makes the monitor self-healing for settlements
// interrupted by a crash or reconnect. Per-record checks fan out so one
// slow lookup cannot stall the rest.
type ConfirmationMonitor struct {
	deposits stores.DepositStore
	chain    Confirmer
	settler  Settler
	alerts   clients.AlertChannel

	depth       uint64
	interval    time.Duration
	waitTimeout time.Duration
	callTimeout time.Duration
	log         *zap.Logger
}

func NewConfirmationMonitor(deposits stores.DepositStore, chain Confirmer, settler Settler, alerts clients.AlertChannel, depth uint64, interval time.Duration, waitTimeout time.Duration, log *zap.Logger) *ConfirmationMonitor {
	return &ConfirmationMonitor{
		deposits:    deposits,
		chain:       chain,
		settler:     settler,
		alerts:      alerts,
		depth:       depth,
		interval:    interval,
		waitTimeout: waitTimeout,
		callTimeout: 30 * time.Second,
		log:         log,
	}
}

// Run ticks until ctx is cancelled. The supervisor owns ctx: tearing down
// the connection stops the monitor's timer with it.
func (m *ConfirmationMonitor) Run(ctx context.Context) error {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			m.Tick(ctx)
		}
	}
}

// Tick checks every open record concurrently and waits for all outcomes.
func (m *ConfirmationMonitor) Tick(ctx context.Context) {
	records, err := m.deposits.ListByStatus(ctx, models.StatusUnconfirmed, models.StatusConfirmed)
	if err != nil {
		m.log.Error("listing open deposits", zap.Error(err))
		return
	}

	var wg sync.WaitGroup
	for _, rec := range records {
		wg.Add(1)
		go func(rec models.DepositRecord) {
			defer wg.Done()
			if err := m.check(ctx, &rec); err != nil {
				m.log.Warn("deposit check failed",
					zap.String("tx_hash", rec.TxHash), zap.Error(err))
			}
		}(rec)
	}
	wg.Wait()
}

func (m *ConfirmationMonitor) check(ctx context.Context, rec *models.DepositRecord) error {
	switch rec.Status {
	case models.StatusUnconfirmed:
		return m.checkUnconfirmed(ctx, rec)
	case models.StatusConfirmed:
		// a prior settlement attempt did not complete
		m.dispatchSettle(ctx, rec.TxHash)
		return nil
	default:
		return nil
	}
}

func (m *ConfirmationMonitor) checkUnconfirmed(ctx context.Context, rec *models.DepositRecord) error {
	cctx, cancel := context.WithTimeout(ctx, m.callTimeout)
	defer cancel()

	confirmed, err := m.chain.IsConfirmed(cctx, rec.TxHash, m.depth)
	switch {
	case errors.Is(err, ErrRejectedTransaction):
		return m.fail(ctx, rec, "transaction reverted on chain")
	case err != nil:
		if m.expired(rec) {
			return m.fail(ctx, rec, "confirmation timeout: "+err.Error())
		}
		if errors.Is(err, ethereum.NotFound) {
			// not indexed yet; wait for the next tick
			return nil
		}
		return err
	case !confirmed:
		if m.expired(rec) {
			return m.fail(ctx, rec, "confirmation timeout")
		}
		return nil
	}

	changed, err := m.deposits.UpdateIfStatus(ctx, rec.TxHash, models.StatusUnconfirmed, func(d *models.DepositRecord) {
		d.Status = models.StatusConfirmed
		d.ConfirmedAt = time.Now().UTC()
	})
	if err != nil {
		return err
	}
	if !changed {
		return nil
	}

	m.log.Info("deposit confirmed",
		zap.String("tx_hash", rec.TxHash),
		zap.Uint64("depth", m.depth))
	m.dispatchSettle(ctx, rec.TxHash)
	return nil
}

// dispatchSettle hands off to settlement without blocking the tick.
// Settlement is idempotent and not connection-scoped, so it runs detached
// from the supervisor's teardown and is allowed to finish mid-reconnect.
func (m *ConfirmationMonitor) dispatchSettle(ctx context.Context, txHash string) {
	ctx = context.WithoutCancel(ctx)
	go func() {
		ctx, cancel := context.WithTimeout(ctx, 2*time.Minute)
		defer cancel()
		if err := m.settler.Settle(ctx, txHash); err != nil {
			m.log.Error("settlement dispatch failed",
				zap.String("tx_hash", txHash), zap.Error(err))
		}
	}()
}

func (m *ConfirmationMonitor) expired(rec *models.DepositRecord) bool {
	return time.Since(rec.DetectedAt) > m.waitTimeout
}

// fail is terminal: nothing resurrects a failed record automatically. A
// transaction confirming after the timeout is a manual reconciliation.
func (m *ConfirmationMonitor) fail(ctx context.Context, rec *models.DepositRecord, note string) error {
	changed, err := m.deposits.UpdateIfStatus(ctx, rec.TxHash, models.StatusUnconfirmed, func(d *models.DepositRecord) {
		d.Status = models.StatusFailed
		d.Note = note
	})
	if err != nil {
		return err
	}
	if changed {
		m.alerts.Notify("deposit failed", nil, map[string]string{
			"tx_hash": rec.TxHash,
			"note":    note,
		})
	}
	return nil
}
