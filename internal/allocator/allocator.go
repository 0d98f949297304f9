// Package allocator hands out pre-provisioned ledger identities to new
// clients. Each slot is used at most once, ever: once marked, an address is
// never returned to the pool, even if onboarding fails afterwards.
package allocator

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"

	"github.com/cryp2real/pixledger/internal/domain/identity"
	"github.com/cryp2real/pixledger/pkg/logger"
)

// ErrPoolExhausted is returned when every slot has been consumed. Operators
// must provision a new pool; the allocator never reuses addresses.
var ErrPoolExhausted = errors.New("identity pool exhausted")

// Ledger is the subset of chain access the allocator needs to vet a slot.
type Ledger interface {
	BalanceOf(ctx context.Context, addr string) (*big.Int, error)
	IsRegistered(ctx context.Context, addr string) (bool, error)
}

// Allocator assigns identities from a fixed pool. A single mutex covers the
// whole scan-and-mark sequence, so two concurrent allocations can never
// observe the same slot as free.
type Allocator struct {
	mu        sync.Mutex
	pool      []identity.Identity
	used      map[string]bool
	next      int
	store     StateStore
	ledger    Ledger
	expected  *big.Int
	tolerance *big.Int
	log       *logger.Logger
}

// New builds an allocator over the given pool, restoring any previously
// persisted allocation state.
func New(pool []identity.Identity, ledger Ledger, store StateStore, expected, tolerance *big.Int, log *logger.Logger) (*Allocator, error) {
	if log == nil {
		log = logger.NewDefault("allocator")
	}
	st, err := store.Load()
	if err != nil {
		return nil, err
	}
	used := make(map[string]bool, len(st.UsedAddresses))
	for _, addr := range st.UsedAddresses {
		used[strings.ToLower(addr)] = true
	}
	next := st.NextIndex
	if next < 0 {
		next = 0
	}
	a := &Allocator{
		pool:      pool,
		used:      used,
		next:      next,
		store:     store,
		ledger:    ledger,
		expected:  expected,
		tolerance: tolerance,
		log:       log,
	}
	return a, nil
}

// Allocate hands out the next viable identity. Slots that are already marked,
// already registered on the ledger, or whose balance has drifted beyond the
// tolerance are consumed and skipped. The returned identity is marked used
// and the mark persisted before the caller sees it.
func (a *Allocator) Allocate(ctx context.Context) (identity.Identity, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	for a.next < len(a.pool) {
		id := a.pool[a.next]
		key := strings.ToLower(id.Address)
		if a.used[key] {
			a.next++
			continue
		}

		viable, err := a.vetSlot(ctx, id)
		if err != nil {
			// Transient ledger failure: leave the slot unmarked so it can
			// be retried.
			return identity.Identity{}, err
		}
		if !viable {
			a.consumeLocked(key)
			a.next++
			continue
		}

		a.consumeLocked(key)
		a.next++
		if err := a.persistLocked(); err != nil {
			return identity.Identity{}, fmt.Errorf("persist allocation: %w", err)
		}
		id.Slot = a.next - 1
		a.log.WithFields(map[string]interface{}{
			"address": id.Address,
			"slot":    id.Slot,
		}).Info("identity allocated")
		return id, nil
	}

	if err := a.persistLocked(); err != nil {
		a.log.WithError(err).Error("persist allocation state on exhaustion")
	}
	return identity.Identity{}, ErrPoolExhausted
}

func (a *Allocator) vetSlot(ctx context.Context, id identity.Identity) (bool, error) {
	registered, err := a.ledger.IsRegistered(ctx, id.Address)
	if err != nil {
		return false, fmt.Errorf("check registration for slot: %w", err)
	}
	if registered {
		a.log.WithField("address", id.Address).Warn("slot already registered on ledger, skipping")
		return false, nil
	}

	bal, err := a.ledger.BalanceOf(ctx, id.Address)
	if err != nil {
		return false, fmt.Errorf("check balance for slot: %w", err)
	}
	drift := new(big.Int).Sub(bal, a.expected)
	drift.Abs(drift)
	if drift.Cmp(a.tolerance) > 0 {
		a.log.WithFields(map[string]interface{}{
			"address": id.Address,
			"balance": bal.String(),
		}).Warn("slot balance drifted, skipping")
		return false, nil
	}
	return true, nil
}

func (a *Allocator) consumeLocked(key string) {
	a.used[key] = true
}

func (a *Allocator) persistLocked() error {
	addrs := make([]string, 0, len(a.used))
	for addr := range a.used {
		addrs = append(addrs, addr)
	}
	return a.store.Save(State{NextIndex: a.next, UsedAddresses: addrs})
}

// Remaining reports how many slots have not yet been consumed. Advisory only:
// a slot counted here may still fail vetting when allocated.
func (a *Allocator) Remaining() int {
	a.mu.Lock()
	defer a.mu.Unlock()

	n := 0
	for i := a.next; i < len(a.pool); i++ {
		if !a.used[strings.ToLower(a.pool[i].Address)] {
			n++
		}
	}
	return n
}

// PoolFromLists zips parallel address and credential lists into identities.
func PoolFromLists(addresses, credentials []string) ([]identity.Identity, error) {
	if len(addresses) != len(credentials) {
		return nil, fmt.Errorf("pool misconfigured: %d addresses but %d credentials", len(addresses), len(credentials))
	}
	pool := make([]identity.Identity, len(addresses))
	for i := range addresses {
		pool[i] = identity.Identity{
			Address:    strings.TrimSpace(addresses[i]),
			Credential: credentials[i],
			Slot:       i,
		}
	}
	return pool, nil
}
