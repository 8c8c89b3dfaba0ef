package services

import (
	"context"
	"errors"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"

	"custody/agent/internal/models"
	"custody/agent/internal/stores"
)

var (
	depositAddr = common.HexToAddress("0x1111111111111111111111111111111111111111")
	senderAddr  = common.HexToAddress("0xaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa")

	// 0.01 ETH
	pointOhOneEth = big.NewInt(10_000_000_000_000_000)
)

func newRecorderFixture(t *testing.T, oracle *mockOracle) (*DepositRecorder, *stores.LocalDepositStore, *mockAlerts) {
	t.Helper()
	deposits, accounts := newTestStores(t)
	insertTestAccount(t, accounts, "acct_1", depositAddr.Hex())
	alerts := &mockAlerts{}
	recorder := NewDepositRecorder(deposits, accounts, oracle, alerts, decimal.RequireFromString("5"), testLogger())
	return recorder, deposits, alerts
}

func TestRecord_CreatesUnconfirmedDeposit(t *testing.T) {
	oracle := &mockOracle{priceFn: func(ctx context.Context, symbol string) (decimal.Decimal, error) {
		return decimal.RequireFromString("3000"), nil
	}}
	recorder, deposits, _ := newRecorderFixture(t, oracle)
	ctx := context.Background()

	err := recorder.Record(ctx, "0xdep1", "ETH", pointOhOneEth, 18, senderAddr, depositAddr, 100)
	if err != nil {
		t.Fatalf("Record error: %v", err)
	}

	rec, err := deposits.Get(ctx, "0xdep1")
	if err != nil {
		t.Fatalf("Get error: %v", err)
	}
	if rec.Status != models.StatusUnconfirmed {
		t.Fatalf("status = %s, want unconfirmed", rec.Status)
	}
	if !rec.FiatValue.Equal(decimal.RequireFromString("30")) {
		t.Fatalf("fiat value = %s, want 30", rec.FiatValue)
	}
	if rec.AccountID != "acct_1" {
		t.Fatalf("account id = %s, want acct_1", rec.AccountID)
	}
	if rec.BlockNumber != 100 {
		t.Fatalf("block = %d, want 100", rec.BlockNumber)
	}
}

func TestRecord_DuplicateTxHashIsNoOp(t *testing.T) {
	oracle := &mockOracle{priceFn: func(ctx context.Context, symbol string) (decimal.Decimal, error) {
		return decimal.RequireFromString("3000"), nil
	}}
	recorder, deposits, _ := newRecorderFixture(t, oracle)
	ctx := context.Background()

	if err := recorder.Record(ctx, "0xdep2", "ETH", pointOhOneEth, 18, senderAddr, depositAddr, 100); err != nil {
		t.Fatalf("Record error: %v", err)
	}
	if err := recorder.Record(ctx, "0xdep2", "ETH", pointOhOneEth, 18, senderAddr, depositAddr, 101); err != nil {
		t.Fatalf("duplicate Record error: %v", err)
	}

	rec, err := deposits.Get(ctx, "0xdep2")
	if err != nil {
		t.Fatalf("Get error: %v", err)
	}
	if rec.BlockNumber != 100 {
		t.Fatal("duplicate record overwrote the original")
	}
	if oracle.calls != 1 {
		t.Fatalf("oracle calls = %d, want 1 (dedup before valuation)", oracle.calls)
	}
}

func TestRecord_DustIsDiscarded(t *testing.T) {
	oracle := &mockOracle{priceFn: func(ctx context.Context, symbol string) (decimal.Decimal, error) {
		return decimal.RequireFromString("200"), nil // 0.01 * 200 = $2 < $5
	}}
	recorder, deposits, _ := newRecorderFixture(t, oracle)
	ctx := context.Background()

	if err := recorder.Record(ctx, "0xdust", "ETH", pointOhOneEth, 18, senderAddr, depositAddr, 100); err != nil {
		t.Fatalf("Record error: %v", err)
	}

	if _, err := deposits.Get(ctx, "0xdust"); !errors.Is(err, stores.ErrDepositNotFound) {
		t.Fatalf("err = %v, want ErrDepositNotFound (no record for dust)", err)
	}
}

func TestRecord_OracleFailureHoldsForValuation(t *testing.T) {
	oracle := &mockOracle{priceFn: func(ctx context.Context, symbol string) (decimal.Decimal, error) {
		return decimal.Zero, errors.New("oracle down")
	}}
	recorder, deposits, alerts := newRecorderFixture(t, oracle)
	ctx := context.Background()

	if err := recorder.Record(ctx, "0xheld", "ETH", pointOhOneEth, 18, senderAddr, depositAddr, 100); err != nil {
		t.Fatalf("Record error: %v", err)
	}

	rec, err := deposits.Get(ctx, "0xheld")
	if err != nil {
		t.Fatalf("Get error: %v", err)
	}
	if rec.Status != models.StatusPendingValuation {
		t.Fatalf("status = %s, want pending_valuation", rec.Status)
	}
	if !alerts.has("deposit held pending valuation") {
		t.Fatal("no valuation alert raised")
	}
}

func TestRecord_UnownedAddressIsAlerted(t *testing.T) {
	oracle := &mockOracle{priceFn: func(ctx context.Context, symbol string) (decimal.Decimal, error) {
		return decimal.RequireFromString("3000"), nil
	}}
	recorder, deposits, alerts := newRecorderFixture(t, oracle)
	ctx := context.Background()

	orphan := common.HexToAddress("0x9999999999999999999999999999999999999999")
	if err := recorder.Record(ctx, "0xorphan", "ETH", pointOhOneEth, 18, senderAddr, orphan, 100); err != nil {
		t.Fatalf("Record error: %v", err)
	}

	if _, err := deposits.Get(ctx, "0xorphan"); !errors.Is(err, stores.ErrDepositNotFound) {
		t.Fatalf("err = %v, want ErrDepositNotFound", err)
	}
	if !alerts.has("deposit to unowned address") {
		t.Fatal("no orphaned-address alert raised")
	}
}
