package stores

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"slices"
	"time"

	"github.com/google/uuid"
	bolt "go.etcd.io/bbolt"

	"custody/agent/internal/models"
)

var ErrDepositNotFound = errors.New("deposit not found")

// historyWindow caps the per-account ledger history. The balance field is
// authoritative; entries beyond the window are trimmed.
const historyWindow = 256

type DepositStore interface {
	// PutIfAbsent inserts the record unless its tx hash already exists.
	// Returns false when a record with the same hash was already present.
	PutIfAbsent(ctx context.Context, rec *models.DepositRecord) (bool, error)
	Get(ctx context.Context, txHash string) (*models.DepositRecord, error)
	ListByStatus(ctx context.Context, statuses ...models.DepositStatus) ([]models.DepositRecord, error)
	// UpdateIfStatus applies mutate only if the stored record still has the
	// expected status. Returns false when a concurrent writer advanced it.
	UpdateIfStatus(ctx context.Context, txHash string, expected models.DepositStatus, mutate func(*models.DepositRecord)) (bool, error)
	// CreditDeposit moves a confirmed record to credited, increments the
	// owning account's balance by the record's fiat value, and appends a
	// deposit ledger entry, all in one transaction. Returns false without
	// touching anything when the record is no longer in confirmed.
	CreditDeposit(ctx context.Context, txHash string) (bool, error)
}

type LocalDepositStore struct {
	db *bolt.DB
}

func NewLocalDepositStore(db *bolt.DB) *LocalDepositStore {
	return &LocalDepositStore{db: db}
}

func (s *LocalDepositStore) PutIfAbsent(ctx context.Context, rec *models.DepositRecord) (bool, error) {
	inserted := false
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketDeposits)
		if b.Get([]byte(rec.TxHash)) != nil {
			return nil
		}
		blob, err := json.Marshal(rec)
		if err != nil {
			return err
		}
		inserted = true
		return b.Put([]byte(rec.TxHash), blob)
	})
	return inserted, err
}

func (s *LocalDepositStore) Get(ctx context.Context, txHash string) (*models.DepositRecord, error) {
	var out models.DepositRecord
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketDeposits).Get([]byte(txHash))
		if v == nil {
			return ErrDepositNotFound
		}
		return json.Unmarshal(v, &out)
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

func (s *LocalDepositStore) ListByStatus(ctx context.Context, statuses ...models.DepositStatus) ([]models.DepositRecord, error) {
	var out []models.DepositRecord
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketDeposits).Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			select {
			case <-ctx.Done():
				return ctx.Err()
			default:
			}
			var rec models.DepositRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				return err
			}
			if slices.Contains(statuses, rec.Status) {
				out = append(out, rec)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *LocalDepositStore) UpdateIfStatus(ctx context.Context, txHash string, expected models.DepositStatus, mutate func(*models.DepositRecord)) (bool, error) {
	updated := false
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketDeposits)
		v := b.Get([]byte(txHash))
		if v == nil {
			return ErrDepositNotFound
		}
		var rec models.DepositRecord
		if err := json.Unmarshal(v, &rec); err != nil {
			return err
		}
		if rec.Status != expected {
			return nil
		}
		mutate(&rec)
		blob, err := json.Marshal(&rec)
		if err != nil {
			return err
		}
		updated = true
		return b.Put([]byte(txHash), blob)
	})
	return updated, err
}

func (s *LocalDepositStore) CreditDeposit(ctx context.Context, txHash string) (bool, error) {
	credited := false
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketDeposits)
		v := b.Get([]byte(txHash))
		if v == nil {
			return ErrDepositNotFound
		}
		var rec models.DepositRecord
		if err := json.Unmarshal(v, &rec); err != nil {
			return err
		}
		if rec.Status != models.StatusConfirmed {
			// another writer already advanced this record
			return nil
		}

		now := time.Now().UTC()
		rec.Status = models.StatusCredited
		rec.CreditedAt = now
		blob, err := json.Marshal(&rec)
		if err != nil {
			return err
		}
		if err := b.Put([]byte(txHash), blob); err != nil {
			return err
		}

		bal, err := readBalance(tx, rec.AccountID)
		if err != nil {
			return err
		}
		if err := writeBalance(tx, rec.AccountID, bal.Add(rec.FiatValue)); err != nil {
			return err
		}

		if err := appendLedgerEntry(tx, models.LedgerEntry{
			ID:        uuid.NewString(),
			AccountID: rec.AccountID,
			Type:      models.EntryDeposit,
			Amount:    rec.FiatValue,
			Ref:       rec.TxHash,
			CreatedAt: now,
		}); err != nil {
			return err
		}

		credited = true
		return nil
	})
	return credited, err
}

func appendLedgerEntry(tx *bolt.Tx, entry models.LedgerEntry) error {
	b, err := tx.Bucket(bucketLedger).CreateBucketIfNotExists([]byte(entry.AccountID))
	if err != nil {
		return err
	}
	seq, err := b.NextSequence()
	if err != nil {
		return err
	}
	key := make([]byte, 8)
	binary.BigEndian.PutUint64(key, seq)

	blob, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	if err := b.Put(key, blob); err != nil {
		return err
	}

	// trim the rolling window, oldest first
	count := 0
	c := b.Cursor()
	for k, _ := c.First(); k != nil; k, _ = c.Next() {
		count++
	}
	for count > historyWindow {
		k, _ := b.Cursor().First()
		if err := b.Delete(k); err != nil {
			return err
		}
		count--
	}
	return nil
}
