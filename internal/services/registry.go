package services

import (
	"context"
	"sync/atomic"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"custody/agent/internal/stores"
	"custody/agent/internal/utils/address"
)

// AddressRegistry is the in-memory projection of deposit address -> owning
// account for all active accounts. Refresh builds a new snapshot off to the
// side and publishes it with one atomic swap, so readers never observe a
// half-built set. It is a cache: a stale entry is repaired on the next
// refresh and any missed deposit is recovered by the catch-up reconciler.
type AddressRegistry struct {
	accounts stores.AccountStore
	log      *zap.Logger

	snapshot atomic.Pointer[map[common.Address]string]
	gen      atomic.Uint64
}

func NewAddressRegistry(accounts stores.AccountStore, log *zap.Logger) *AddressRegistry {
	r := &AddressRegistry{accounts: accounts, log: log}
	empty := make(map[common.Address]string)
	r.snapshot.Store(&empty)
	return r
}

func (r *AddressRegistry) Refresh(ctx context.Context) error {
	accts, err := r.accounts.ListActive(ctx)
	if err != nil {
		return err
	}

	next := make(map[common.Address]string, len(accts))
	for _, acct := range accts {
		checksummed, err := address.Checksummed(acct.DepositAddr)
		if err != nil {
			r.log.Warn("skipping account with malformed deposit address",
				zap.String("account_id", acct.ID),
				zap.String("deposit_addr", acct.DepositAddr))
			continue
		}
		next[common.HexToAddress(checksummed)] = acct.ID
	}

	if !sameAddressSet(*r.snapshot.Load(), next) {
		r.gen.Add(1)
	}
	r.snapshot.Store(&next)
	r.log.Debug("address registry refreshed", zap.Int("addresses", len(next)))
	return nil
}

// Generation is bumped each time a refresh changes the monitored set. The
// supervisor compares generations to know when the token log filter, which
// is fixed at subscribe time, has gone stale.
func (r *AddressRegistry) Generation() uint64 {
	return r.gen.Load()
}

func sameAddressSet(a, b map[common.Address]string) bool {
	if len(a) != len(b) {
		return false
	}
	for addr, id := range a {
		if other, ok := b[addr]; !ok || other != id {
			return false
		}
	}
	return true
}

// Owner returns the account id monitoring addr, if any.
func (r *AddressRegistry) Owner(addr common.Address) (string, bool) {
	id, ok := (*r.snapshot.Load())[addr]
	return id, ok
}

// Addresses returns the monitored address set of the current snapshot.
func (r *AddressRegistry) Addresses() []common.Address {
	snap := *r.snapshot.Load()
	out := make([]common.Address, 0, len(snap))
	for addr := range snap {
		out = append(out, addr)
	}
	return out
}

func (r *AddressRegistry) Size() int {
	return len(*r.snapshot.Load())
}
