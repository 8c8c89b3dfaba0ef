package stores

import (
	bolt "go.etcd.io/bbolt"
)

var (
	bucketDeposits       = []byte("deposits")
	bucketAccountsByID   = []byte("accounts_by_id")
	bucketAccountsByAddr = []byte("accounts_by_addr")
	bucketBalances       = []byte("balances")
	bucketLedger         = []byte("ledger")
)

// Open opens the agent database and creates all buckets. Deposit, account,
// balance, and ledger buckets share one file so that settlement can mutate
// all of them inside a single transaction.
func Open(path string) (*bolt.DB, error) {
	db, err := bolt.Open(path, 0600, nil)
	if err != nil {
		return nil, err
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{
			bucketDeposits,
			bucketAccountsByID,
			bucketAccountsByAddr,
			bucketBalances,
			bucketLedger,
		} {
			if _, e := tx.CreateBucketIfNotExists(name); e != nil {
				return e
			}
		}
		return nil
	}); err != nil {
		_ = db.Close()
		return nil, err
	}
	return db, nil
}
