package stores

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/shopspring/decimal"
	bolt "go.etcd.io/bbolt"

	"custody/agent/internal/models"
)

var ErrAccountNotFound = errors.New("account not found")

type AccountStore interface {
	Insert(ctx context.Context, account models.Account) error
	Get(ctx context.Context, id string) (*models.Account, error)
	GetByDepositAddress(ctx context.Context, address string) (*models.Account, error)
	ListActive(ctx context.Context) ([]models.Account, error)
	Balance(ctx context.Context, id string) (decimal.Decimal, error)
	History(ctx context.Context, id string, limit int) ([]models.LedgerEntry, error)
}

type LocalAccountStore struct {
	db *bolt.DB
}

func NewLocalAccountStore(db *bolt.DB) *LocalAccountStore {
	return &LocalAccountStore{db: db}
}

func (a *LocalAccountStore) Insert(ctx context.Context, account models.Account) error {
	data, err := json.Marshal(account)
	if err != nil {
		return err
	}

	return a.db.Update(func(tx *bolt.Tx) error {
		if err := tx.Bucket(bucketAccountsByID).Put([]byte(account.ID), data); err != nil {
			return err
		}
		return tx.Bucket(bucketAccountsByAddr).Put([]byte(account.DepositAddr), []byte(account.ID))
	})
}

func (a *LocalAccountStore) Get(ctx context.Context, id string) (*models.Account, error) {
	var acct models.Account
	err := a.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketAccountsByID).Get([]byte(id))
		if v == nil {
			return ErrAccountNotFound
		}
		return json.Unmarshal(v, &acct)
	})
	if err != nil {
		return nil, err
	}
	return &acct, nil
}

func (a *LocalAccountStore) GetByDepositAddress(ctx context.Context, address string) (*models.Account, error) {
	var acct models.Account
	err := a.db.View(func(tx *bolt.Tx) error {
		id := tx.Bucket(bucketAccountsByAddr).Get([]byte(address))
		if id == nil {
			return ErrAccountNotFound
		}
		v := tx.Bucket(bucketAccountsByID).Get(id)
		if v == nil {
			return ErrAccountNotFound
		}
		return json.Unmarshal(v, &acct)
	})
	if err != nil {
		return nil, err
	}
	return &acct, nil
}

func (a *LocalAccountStore) ListActive(ctx context.Context) ([]models.Account, error) {
	var out []models.Account
	err := a.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketAccountsByID).Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			select {
			case <-ctx.Done():
				return ctx.Err()
			default:
			}
			var acct models.Account
			if err := json.Unmarshal(v, &acct); err != nil {
				return err
			}
			if acct.Active {
				out = append(out, acct)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (a *LocalAccountStore) Balance(ctx context.Context, id string) (decimal.Decimal, error) {
	var bal decimal.Decimal
	err := a.db.View(func(tx *bolt.Tx) error {
		if tx.Bucket(bucketAccountsByID).Get([]byte(id)) == nil {
			return ErrAccountNotFound
		}
		var err error
		bal, err = readBalance(tx, id)
		return err
	})
	if err != nil {
		return decimal.Zero, err
	}
	return bal, nil
}

// History returns the most recent ledger entries, newest first.
func (a *LocalAccountStore) History(ctx context.Context, id string, limit int) ([]models.LedgerEntry, error) {
	var out []models.LedgerEntry
	err := a.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketLedger).Bucket([]byte(id))
		if b == nil {
			return nil
		}
		c := b.Cursor()
		for k, v := c.Last(); k != nil && len(out) < limit; k, v = c.Prev() {
			var entry models.LedgerEntry
			if err := json.Unmarshal(v, &entry); err != nil {
				return err
			}
			out = append(out, entry)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func readBalance(tx *bolt.Tx, accountID string) (decimal.Decimal, error) {
	v := tx.Bucket(bucketBalances).Get([]byte(accountID))
	if v == nil {
		return decimal.Zero, nil
	}
	return decimal.NewFromString(string(v))
}

func writeBalance(tx *bolt.Tx, accountID string, bal decimal.Decimal) error {
	return tx.Bucket(bucketBalances).Put([]byte(accountID), []byte(bal.String()))
}
