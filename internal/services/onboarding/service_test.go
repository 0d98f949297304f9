package onboarding

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"testing"

	"golang.org/x/crypto/bcrypt"

	"github.com/cryp2real/pixledger/internal/allocator"
	"github.com/cryp2real/pixledger/internal/chain"
	"github.com/cryp2real/pixledger/internal/domain/entry"
	"github.com/cryp2real/pixledger/internal/domain/identity"
	"github.com/cryp2real/pixledger/internal/services/records"
	"github.com/cryp2real/pixledger/internal/storage/memory"
)

// fakeLedger serves the allocator's vetting reads, the bonus balance lookup
// and the registry view joined into profiles.
type fakeLedger struct {
	registered map[string]bool
	refAddr    map[string]string
}

func newFakeLedger() *fakeLedger {
	return &fakeLedger{
		registered: make(map[string]bool),
		refAddr:    make(map[string]string),
	}
}

func (l *fakeLedger) BalanceOf(context.Context, string) (*big.Int, error) {
	return big.NewInt(100), nil
}

func (l *fakeLedger) IsRegistered(_ context.Context, addr string) (bool, error) {
	return l.registered[addr], nil
}

func (l *fakeLedger) AddressByRef(_ context.Context, ref string) (string, error) {
	return l.refAddr[ref], nil
}

func (l *fakeLedger) Submit(context.Context, chain.Operation, string) (string, error) {
	return "0xreceipt", nil
}

func (l *fakeLedger) AwaitReceipt(context.Context, string) (chain.Receipt, error) {
	return chain.Receipt{TxHash: "0xreceipt", Succeeded: true}, nil
}

func (l *fakeLedger) Receipt(context.Context, string) (chain.Receipt, bool, error) {
	return chain.Receipt{}, false, nil
}

func (l *fakeLedger) RegistrationOperation(from, name, ref, email string) chain.Operation {
	return chain.Operation{From: from}
}

type fakeRegistrar struct {
	mu       sync.Mutex
	calls    int
	failures int
}

func (r *fakeRegistrar) RegisterOnLedger(_ context.Context, address, credential, name, ref, email string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls++
	if r.calls <= r.failures {
		return "", errors.New("registration reverted")
	}
	return "0xregreceipt", nil
}

func testPool(n int) []identity.Identity {
	pool := make([]identity.Identity, n)
	for i := range pool {
		pool[i] = identity.Identity{
			Address:    fmt.Sprintf("0xaddr%02d", i),
			Credential: fmt.Sprintf("secret%02d", i),
			Slot:       i,
		}
	}
	return pool
}

func newTestService(t *testing.T, poolSize int, registrar Registrar) (*Service, *memory.Store, *fakeLedger) {
	t.Helper()

	store := memory.New()
	ledger := newFakeLedger()
	alloc, err := allocator.New(testPool(poolSize), ledger, allocator.NewMemStore(), big.NewInt(100), big.NewInt(10), nil)
	if err != nil {
		t.Fatalf("new allocator: %v", err)
	}
	if registrar == nil {
		registrar = &fakeRegistrar{}
	}
	svc := New(store, alloc, registrar, records.New(store, nil), ledger, ledger, nil)
	return svc, store, ledger
}

func TestRegister(t *testing.T) {
	svc, store, _ := newTestService(t, 2, nil)

	cl, err := svc.Register(context.Background(), "Alice", "alice@example.com", "alice@pix", "hunter22")
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if cl.ID == "" {
		t.Fatal("client id not assigned")
	}
	if cl.Address != "0xaddr00" {
		t.Fatalf("address = %s, want first pool slot", cl.Address)
	}
	if !cl.Active {
		t.Fatal("new client should be active")
	}
	if cl.CredentialHash == "" || cl.CredentialHash == "hunter22" {
		t.Fatal("password stored in the clear")
	}
	if err := bcrypt.CompareHashAndPassword([]byte(cl.CredentialHash), []byte("hunter22")); err != nil {
		t.Fatalf("stored hash does not verify: %v", err)
	}

	// The pre-funded starting balance is logged as a bonus entry.
	history, err := store.ListEntries(context.Background(), cl.ID)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(history) != 1 || history[0].Kind != entry.KindBonus {
		t.Fatalf("unexpected bonus history %+v", history)
	}
	if history[0].AmountWei != "100" {
		t.Fatalf("bonus amount = %s", history[0].AmountWei)
	}
}

func TestRegisterRefTaken(t *testing.T) {
	svc, _, _ := newTestService(t, 3, nil)
	ctx := context.Background()

	if _, err := svc.Register(ctx, "Alice", "alice@example.com", "alice@pix", "hunter22"); err != nil {
		t.Fatalf("first register: %v", err)
	}
	if _, err := svc.Register(ctx, "Bob", "bob@example.com", "alice@pix", "hunter22"); !errors.Is(err, ErrRefTaken) {
		t.Fatalf("duplicate ref: got %v", err)
	}
	if _, err := svc.Register(ctx, "Bob", "alice@example.com", "bob@pix", "hunter22"); !errors.Is(err, ErrRefTaken) {
		t.Fatalf("duplicate email: got %v", err)
	}
}

func TestRegisterValidation(t *testing.T) {
	svc, _, _ := newTestService(t, 3, nil)
	ctx := context.Background()

	cases := []struct {
		name     string
		fullName string
		email    string
		ref      string
		password string
	}{
		{"short name", "A", "a@example.com", "a@pix", "hunter22"},
		{"bad email", "Alice", "not-an-email", "alice@pix", "hunter22"},
		{"short password", "Alice", "a@example.com", "alice@pix", "pw"},
		{"bad ref", "Alice", "a@example.com", "x", "hunter22"},
		{"ref with spaces", "Alice", "a@example.com", "has space", "hunter22"},
	}
	for _, tc := range cases {
		if _, err := svc.Register(ctx, tc.fullName, tc.email, tc.ref, tc.password); err == nil {
			t.Fatalf("%s: expected validation error", tc.name)
		}
	}
}

func TestRegisterPoolExhausted(t *testing.T) {
	svc, _, _ := newTestService(t, 1, nil)
	ctx := context.Background()

	if _, err := svc.Register(ctx, "Alice", "alice@example.com", "alice@pix", "hunter22"); err != nil {
		t.Fatalf("register: %v", err)
	}
	if _, err := svc.Register(ctx, "Bob", "bob@example.com", "bob@pix", "hunter22"); !errors.Is(err, allocator.ErrPoolExhausted) {
		t.Fatalf("got %v, want ErrPoolExhausted", err)
	}
}

func TestRegisterFailureConsumesSlot(t *testing.T) {
	registrar := &fakeRegistrar{failures: 1}
	svc, _, _ := newTestService(t, 2, registrar)
	ctx := context.Background()

	if _, err := svc.Register(ctx, "Alice", "alice@example.com", "alice@pix", "hunter22"); err == nil {
		t.Fatal("expected registration failure")
	}

	// The retry draws a fresh slot; the touched one is never reissued.
	cl, err := svc.Register(ctx, "Alice", "alice@example.com", "alice@pix", "hunter22")
	if err != nil {
		t.Fatalf("retry: %v", err)
	}
	if cl.Address != "0xaddr01" {
		t.Fatalf("address = %s, want second pool slot", cl.Address)
	}
}

func TestLookupJoinsLedgerView(t *testing.T) {
	svc, _, ledger := newTestService(t, 2, nil)
	ctx := context.Background()

	cl, err := svc.Register(ctx, "Alice", "alice@example.com", "alice@pix", "hunter22")
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	ledger.refAddr["alice@pix"] = cl.Address
	ledger.registered[cl.Address] = true

	p, err := svc.Lookup(ctx, "alice@pix")
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if p.ID != cl.ID {
		t.Fatalf("profile id = %s, want %s", p.ID, cl.ID)
	}
	if !p.Registered {
		t.Fatal("profile should carry the live registration flag")
	}
	if p.BalanceWei != "100" {
		t.Fatalf("balance = %s, want 100", p.BalanceWei)
	}
}

func TestLookupRegistrationMismatch(t *testing.T) {
	svc, _, ledger := newTestService(t, 2, nil)
	ctx := context.Background()

	cl, err := svc.Register(ctx, "Alice", "alice@example.com", "alice@pix", "hunter22")
	if err != nil {
		t.Fatalf("register: %v", err)
	}

	// The registry never saw the binding.
	p, err := svc.Lookup(ctx, "alice@pix")
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if p.Registered {
		t.Fatal("unbound reference must not read as registered")
	}

	// The reference resolves to a different address on-ledger.
	ledger.refAddr["alice@pix"] = "0xsomeoneelse"
	ledger.registered[cl.Address] = true
	p, err = svc.Lookup(ctx, "alice@pix")
	if err != nil {
		t.Fatalf("lookup after rebind: %v", err)
	}
	if p.Registered {
		t.Fatal("mismatched binding must not read as registered")
	}
}

func TestDeactivate(t *testing.T) {
	svc, _, _ := newTestService(t, 2, nil)
	ctx := context.Background()

	cl, err := svc.Register(ctx, "Alice", "alice@example.com", "alice@pix", "hunter22")
	if err != nil {
		t.Fatalf("register: %v", err)
	}

	got, err := svc.Deactivate(ctx, "alice@pix")
	if err != nil {
		t.Fatalf("deactivate: %v", err)
	}
	if got.Active {
		t.Fatal("client still active")
	}
	if got.Address != cl.Address {
		t.Fatal("identity fields must survive deactivation")
	}

	// Idempotent.
	if _, err := svc.Deactivate(ctx, "alice@pix"); err != nil {
		t.Fatalf("repeat deactivate: %v", err)
	}
}
