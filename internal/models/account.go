package models

import (
	"time"

	"github.com/google/uuid"

	"custody/agent/internal/utils/address"
)

// Account is one monitored customer account with its dedicated deposit
// address. The balance lives in the store, not here; it is only mutated
// through atomic credit operations.
type Account struct {
	ID          string    `json:"id"`
	OwnerRef    string    `json:"owner_ref"` // external customer reference
	DepositAddr string    `json:"deposit_addr"`
	Active      bool      `json:"active"`
	CreatedAt   time.Time `json:"created_at"`
}

func NewAccount(ownerRef string, depositAddr string) (*Account, error) {
	checksummed, err := address.Checksummed(depositAddr)
	if err != nil {
		return nil, err
	}

	return &Account{
		ID:          uuid.NewString(),
		OwnerRef:    ownerRef,
		DepositAddr: checksummed,
		Active:      true,
		CreatedAt:   time.Now().UTC(),
	}, nil
}
