package services

import (
	"context"
	"math/big"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"custody/agent/internal/models"
	"custody/agent/internal/stores"
)

func newTestStores(t *testing.T) (*stores.LocalDepositStore, *stores.LocalAccountStore) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "custody.db")
	db, err := stores.Open(path)
	if err != nil {
		t.Fatalf("stores.Open error: %v", err)
	}
	t.Cleanup(func() {
		_ = db.Close()
	})
	return stores.NewLocalDepositStore(db), stores.NewLocalAccountStore(db)
}

func insertTestAccount(t *testing.T, accounts *stores.LocalAccountStore, id string, depositAddr string) {
	t.Helper()
	if err := accounts.Insert(context.Background(), models.Account{
		ID:          id,
		OwnerRef:    "owner-" + id,
		DepositAddr: depositAddr,
		Active:      true,
	}); err != nil {
		t.Fatalf("Insert account error: %v", err)
	}
}

func insertTestDeposit(t *testing.T, deposits *stores.LocalDepositStore, txHash string, status models.DepositStatus) {
	t.Helper()
	rec := &models.DepositRecord{
		TxHash:      txHash,
		AccountID:   "acct_1",
		Asset:       "ETH",
		Amount:      big.NewInt(10_000_000_000_000_000), // 0.01 ETH
		Decimals:    18,
		FiatValue:   decimal.RequireFromString("30"),
		FromAddr:    common.HexToAddress("0xaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa"),
		ToAddr:      common.HexToAddress("0x1111111111111111111111111111111111111111"),
		BlockNumber: 100,
		Status:      status,
		DetectedAt:  time.Now().UTC(),
	}
	inserted, err := deposits.PutIfAbsent(context.Background(), rec)
	if err != nil {
		t.Fatalf("PutIfAbsent error: %v", err)
	}
	if !inserted {
		t.Fatalf("deposit %s already present", txHash)
	}
}

type mockOracle struct {
	priceFn func(ctx context.Context, symbol string) (decimal.Decimal, error)
	calls   int
}

func (m *mockOracle) PriceUSD(ctx context.Context, symbol string) (decimal.Decimal, error) {
	m.calls++
	return m.priceFn(ctx, symbol)
}

type mockAlerts struct {
	mu       sync.Mutex
	subjects []string
}

func (m *mockAlerts) Notify(subject string, err error, fields map[string]string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.subjects = append(m.subjects, subject)
}

func (m *mockAlerts) has(subject string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range m.subjects {
		if s == subject {
			return true
		}
	}
	return false
}

type mockSweeper struct {
	canSignFn     func(ctx context.Context, addr string) bool
	sweepNativeFn func(ctx context.Context, from, to string) (string, error)
	sweepTokenFn  func(ctx context.Context, symbol, from, to string) (string, error)
}

func (m *mockSweeper) CanSign(ctx context.Context, addr string) bool {
	if m.canSignFn != nil {
		return m.canSignFn(ctx, addr)
	}
	return true
}

func (m *mockSweeper) SweepNative(ctx context.Context, from, to string) (string, error) {
	return m.sweepNativeFn(ctx, from, to)
}

func (m *mockSweeper) SweepToken(ctx context.Context, symbol, from, to string) (string, error) {
	return m.sweepTokenFn(ctx, symbol, from, to)
}

type mockConfirmer struct {
	isConfirmedFn func(ctx context.Context, txHash string, minConf uint64) (bool, error)
}

func (m *mockConfirmer) IsConfirmed(ctx context.Context, txHash string, minConf uint64) (bool, error) {
	return m.isConfirmedFn(ctx, txHash, minConf)
}

type mockSettler struct {
	mu     sync.Mutex
	hashes []string
	done   chan string
}

func newMockSettler() *mockSettler {
	return &mockSettler{done: make(chan string, 16)}
}

func (m *mockSettler) Settle(ctx context.Context, txHash string) error {
	m.mu.Lock()
	m.hashes = append(m.hashes, txHash)
	m.mu.Unlock()
	select {
	case m.done <- txHash:
	default:
	}
	return nil
}

func testLogger() *zap.Logger {
	return zap.NewNop()
}
