package models

import (
	"time"

	"github.com/shopspring/decimal"
)

type EntryType string

const (
	EntryDeposit    EntryType = "deposit"
	EntryReward     EntryType = "reward"
	EntryReferral   EntryType = "referral"
	EntryWithdrawal EntryType = "withdrawal"
	EntryStake      EntryType = "stake"
	EntryAdjustment EntryType = "adjustment"
	EntryRefund     EntryType = "refund"
)

// LedgerEntry is one signed balance adjustment. The history is a rolling
// window; the balance field in the store stays authoritative.
type LedgerEntry struct {
	ID        string          `json:"id"`
	AccountID string          `json:"account_id"`
	Type      EntryType       `json:"type"`
	Amount    decimal.Decimal `json:"amount"` // negative for debits
	Ref       string          `json:"ref"`    // e.g. deposit tx hash
	CreatedAt time.Time       `json:"created_at"`
}
