package models

import (
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
)

type DepositStatus string

const (
	// StatusPendingValuation holds deposits recorded while the price oracle
	// was unavailable; they carry no fiat value until revalued.
	StatusPendingValuation DepositStatus = "pending_valuation"
	StatusUnconfirmed      DepositStatus = "unconfirmed"
	StatusConfirmed        DepositStatus = "confirmed"
	StatusCredited         DepositStatus = "credited"
	StatusFailed           DepositStatus = "failed"
)

// Terminal reports whether no further automatic transition applies.
func (s DepositStatus) Terminal() bool {
	return s == StatusCredited || s == StatusFailed
}

// DepositRecord tracks one inbound transfer from detection through credit
// and sweep. Keyed by transaction hash, globally unique across accounts.
// Records are never deleted.
type DepositRecord struct {
	TxHash      string          `json:"tx_hash"`
	AccountID   string          `json:"account_id"`
	Asset       string          `json:"asset"`
	Amount      *big.Int        `json:"amount"`   // raw on-chain units
	Decimals    int32           `json:"decimals"` // asset precision at detection time
	FiatValue   decimal.Decimal `json:"fiat_value"`
	FromAddr    common.Address  `json:"from_addr"`
	ToAddr      common.Address  `json:"to_addr"`
	BlockNumber uint64          `json:"block_number"`
	Status      DepositStatus   `json:"status"`
	DetectedAt  time.Time       `json:"detected_at"`
	ConfirmedAt time.Time       `json:"confirmed_at"`
	CreditedAt  time.Time       `json:"credited_at"`
	Note        string          `json:"note"`
	SweepTxHash string          `json:"sweep_tx_hash"`
	SweepError  string          `json:"sweep_error"`
}
