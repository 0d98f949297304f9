package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"math/big"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/cryp2real/pixledger/internal/app"
	"github.com/cryp2real/pixledger/internal/chain"
	"github.com/cryp2real/pixledger/internal/config"
	"github.com/cryp2real/pixledger/internal/services/payments"
)

type fakeLedger struct {
	mu         sync.Mutex
	submits    int
	down       bool
	balance    *big.Int
	registered map[string]bool
	byRef      map[string]string
}

var _ app.Ledger = (*fakeLedger)(nil)

func newFakeLedger() *fakeLedger {
	// Matches the pool's expected funding so vetting passes.
	bal, _ := new(big.Int).SetString("1000000000000000000000", 10)
	return &fakeLedger{
		balance:    bal,
		registered: make(map[string]bool),
		byRef:      make(map[string]string),
	}
}

func (l *fakeLedger) Submit(_ context.Context, op chain.Operation, credential string) (string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.submits++
	// Registration operations carry the payment reference as calldata;
	// record the binding so registry reads reflect it.
	if len(op.Data) > 0 {
		l.registered[op.From] = true
		l.byRef[string(op.Data)] = op.From
	}
	return fmt.Sprintf("0xreceipt%02d", l.submits), nil
}

func (l *fakeLedger) AwaitReceipt(_ context.Context, receiptID string) (chain.Receipt, error) {
	return chain.Receipt{TxHash: receiptID, Succeeded: true}, nil
}

func (l *fakeLedger) Receipt(context.Context, string) (chain.Receipt, bool, error) {
	return chain.Receipt{}, false, nil
}

func (l *fakeLedger) BalanceOf(context.Context, string) (*big.Int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return new(big.Int).Set(l.balance), nil
}

func (l *fakeLedger) RegistrationOperation(from, name, ref, email string) chain.Operation {
	return chain.Operation{From: from, Data: []byte(ref)}
}

func (l *fakeLedger) IsRegistered(_ context.Context, addr string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.registered[addr], nil
}

func (l *fakeLedger) AddressByRef(_ context.Context, ref string) (string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.byRef[ref], nil
}

func (l *fakeLedger) BlockNumber(context.Context) (uint64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.down {
		return 0, fmt.Errorf("connection refused")
	}
	return 42, nil
}

func (l *fakeLedger) setDown(v bool) {
	l.mu.Lock()
	l.down = v
	l.mu.Unlock()
}

func newTestAPI(t *testing.T) (http.Handler, *fakeLedger) {
	t.Helper()
	return newTestAPIWithRates(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"ethereum":{"brl":2}}`))
	})
}

func newTestAPIWithRates(t *testing.T, rateHandler http.HandlerFunc) (http.Handler, *fakeLedger) {
	t.Helper()
	return newTestAPIFull(t, rateHandler, app.Stores{})
}

func newTestAPIFull(t *testing.T, rateHandler http.HandlerFunc, stores app.Stores) (http.Handler, *fakeLedger) {
	t.Helper()

	rateServer := httptest.NewServer(rateHandler)
	t.Cleanup(rateServer.Close)

	cfg := &config.Config{
		Chain: config.ChainConfig{
			CharityAddress:  "0xcharity",
			ReceiptInterval: time.Millisecond,
			MaxReceiptPolls: 2,
		},
		Pool: config.PoolConfig{
			Addresses:       []string{"0xaddr00", "0xaddr01", "0xaddr02"},
			Credentials:     []string{"secret00", "secret01", "secret02"},
			ExpectedBalance: "1000000000000000000000",
			DriftTolerance:  "1000000000000000000",
		},
		Rates: config.RatesConfig{
			Endpoint: rateServer.URL,
			JSONPath: "ethereum.brl",
			MaxAge:   time.Minute,
			Timeout:  time.Second,
		},
	}

	ledger := newFakeLedger()
	application, err := app.New(cfg, stores, ledger, nil)
	if err != nil {
		t.Fatalf("build application: %v", err)
	}
	return NewHandler(application), ledger
}

func doJSON(t *testing.T, h http.Handler, method, path string, payload interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var body bytes.Buffer
	if payload != nil {
		if err := json.NewEncoder(&body).Encode(payload); err != nil {
			t.Fatalf("encode payload: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &body)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func registerClient(t *testing.T, h http.Handler, name, email, ref string) {
	t.Helper()
	rec := doJSON(t, h, http.MethodPost, "/clients", map[string]string{
		"name": name, "email": email, "payment_ref": ref, "password": "hunter22",
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("register %s: status %d body %s", ref, rec.Code, rec.Body.String())
	}
}

func TestRegisterAndLookup(t *testing.T) {
	h, _ := newTestAPI(t)
	registerClient(t, h, "Alice", "alice@example.com", "alice@pix")

	rec := doJSON(t, h, http.MethodGet, "/clients/alice@pix", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("lookup: status %d", rec.Code)
	}
	var cl struct {
		PaymentRef       string `json:"payment_ref"`
		Address          string `json:"address"`
		Registered       bool   `json:"registered"`
		BalanceWei       string `json:"balance_wei"`
		CredentialHash   string `json:"credential_hash"`
		LedgerCredential string `json:"ledger_credential"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &cl); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if cl.PaymentRef != "alice@pix" || cl.Address == "" {
		t.Fatalf("unexpected profile %+v", cl)
	}
	// The profile reflects the live registry binding and balance.
	if !cl.Registered {
		t.Fatal("profile should report the ledger registration")
	}
	if cl.BalanceWei != "1000000000000000000000" {
		t.Fatalf("balance_wei = %s", cl.BalanceWei)
	}
	// Secrets never leave the service.
	if cl.CredentialHash != "" || cl.LedgerCredential != "" {
		t.Fatal("credentials leaked into the response")
	}
}

func TestRegisterDuplicateRef(t *testing.T) {
	h, _ := newTestAPI(t)
	registerClient(t, h, "Alice", "alice@example.com", "alice@pix")

	rec := doJSON(t, h, http.MethodPost, "/clients", map[string]string{
		"name": "Bob", "email": "bob@example.com", "payment_ref": "alice@pix", "password": "hunter22",
	})
	if rec.Code != http.StatusConflict {
		t.Fatalf("status %d, want 409", rec.Code)
	}
}

func TestRegisterRejectsUnknownFields(t *testing.T) {
	h, _ := newTestAPI(t)
	rec := doJSON(t, h, http.MethodPost, "/clients", map[string]string{
		"name": "Alice", "email": "alice@example.com", "payment_ref": "alice@pix",
		"password": "hunter22", "role": "admin",
	})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status %d, want 400", rec.Code)
	}
}

func TestTransferFlow(t *testing.T) {
	h, _ := newTestAPI(t)
	registerClient(t, h, "Alice", "alice@example.com", "alice@pix")
	registerClient(t, h, "Bob", "bob@example.com", "bob@pix")

	rec := doJSON(t, h, http.MethodPost, "/transfers", map[string]interface{}{
		"from_ref": "alice@pix", "to_ref": "bob@pix", "amount_fiat": 1.0, "description": "lunch",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("transfer: status %d body %s", rec.Code, rec.Body.String())
	}
	var result payments.Result
	if err := json.Unmarshal(rec.Body.Bytes(), &result); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if result.Status != payments.StatusRecorded {
		t.Fatalf("status = %s", result.Status)
	}
	if len(result.Entries) != 2 {
		t.Fatalf("expected paired legs, got %d", len(result.Entries))
	}

	// Both legs are retrievable by receipt.
	rec = doJSON(t, h, http.MethodGet, "/receipts/"+result.ReceiptID, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("receipt lookup: status %d", rec.Code)
	}
	var legs []json.RawMessage
	if err := json.Unmarshal(rec.Body.Bytes(), &legs); err != nil {
		t.Fatalf("decode legs: %v", err)
	}
	if len(legs) != 2 {
		t.Fatalf("receipt carries %d legs", len(legs))
	}
}

func TestTransferNativeAmountDuringRateOutage(t *testing.T) {
	h, _ := newTestAPIWithRates(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	})
	registerClient(t, h, "Alice", "alice@example.com", "alice@pix")
	registerClient(t, h, "Bob", "bob@example.com", "bob@pix")

	// Wei-denominated transfers move money even when the rate provider is
	// unreachable; only the fiat annotation is lost.
	rec := doJSON(t, h, http.MethodPost, "/transfers", map[string]interface{}{
		"from_ref": "alice@pix", "to_ref": "bob@pix", "amount_wei": "1000000000000000000",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("native transfer: status %d body %s", rec.Code, rec.Body.String())
	}
	var result payments.Result
	if err := json.Unmarshal(rec.Body.Bytes(), &result); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if result.Status != payments.StatusRecorded {
		t.Fatalf("status = %s", result.Status)
	}
	if result.AmountWei != "1000000000000000000" {
		t.Fatalf("amount = %s", result.AmountWei)
	}
	if result.AmountFiat != 0 {
		t.Fatalf("fiat annotation = %v, want none without a rate", result.AmountFiat)
	}

	// Fiat-denominated transfers need the rate and surface the outage.
	rec = doJSON(t, h, http.MethodPost, "/transfers", map[string]interface{}{
		"from_ref": "alice@pix", "to_ref": "bob@pix", "amount_fiat": 1.0,
	})
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("fiat transfer: status %d, want 503", rec.Code)
	}
}

func TestTransferRejectsAmbiguousAmount(t *testing.T) {
	h, _ := newTestAPI(t)
	registerClient(t, h, "Alice", "alice@example.com", "alice@pix")
	registerClient(t, h, "Bob", "bob@example.com", "bob@pix")

	rec := doJSON(t, h, http.MethodPost, "/transfers", map[string]interface{}{
		"from_ref": "alice@pix", "to_ref": "bob@pix",
		"amount_wei": "1000000000000000000", "amount_fiat": 1.0,
	})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status %d, want 400", rec.Code)
	}
}

func TestTransferUnknownRecipient(t *testing.T) {
	h, _ := newTestAPI(t)
	registerClient(t, h, "Alice", "alice@example.com", "alice@pix")

	rec := doJSON(t, h, http.MethodPost, "/transfers", map[string]interface{}{
		"from_ref": "alice@pix", "to_ref": "nobody@pix", "amount_fiat": 1.0,
	})
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status %d, want 404", rec.Code)
	}
}

func TestDonationEndpoint(t *testing.T) {
	h, _ := newTestAPI(t)
	registerClient(t, h, "Alice", "alice@example.com", "alice@pix")

	rec := doJSON(t, h, http.MethodPost, "/donations", map[string]interface{}{
		"from_ref": "alice@pix", "amount_fiat": 1.0, "description": "shelter",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("donation: status %d body %s", rec.Code, rec.Body.String())
	}
}

func TestClientBalance(t *testing.T) {
	h, _ := newTestAPI(t)
	registerClient(t, h, "Alice", "alice@example.com", "alice@pix")

	rec := doJSON(t, h, http.MethodGet, "/clients/alice@pix/balance", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("balance: status %d", rec.Code)
	}
	var payload struct {
		BalanceWei string  `json:"balance_wei"`
		Fiat       float64 `json:"fiat"`
		Rate       float64 `json:"rate"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &payload); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if payload.BalanceWei != "1000000000000000000000" {
		t.Fatalf("balance = %s", payload.BalanceWei)
	}
	if payload.Fiat != 2000 || payload.Rate != 2 {
		t.Fatalf("fiat view %+v", payload)
	}
}

func TestClientEntries(t *testing.T) {
	h, _ := newTestAPI(t)
	registerClient(t, h, "Alice", "alice@example.com", "alice@pix")

	rec := doJSON(t, h, http.MethodGet, "/clients/alice@pix/entries", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("entries: status %d", rec.Code)
	}
	var entries []struct {
		Kind string `json:"kind"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &entries); err != nil {
		t.Fatalf("decode: %v", err)
	}
	// Onboarding logs the starting balance as a registration bonus.
	if len(entries) != 1 || entries[0].Kind != "registration-bonus" {
		t.Fatalf("unexpected entries %+v", entries)
	}
}

func TestDeactivateBlocksTransfers(t *testing.T) {
	h, _ := newTestAPI(t)
	registerClient(t, h, "Alice", "alice@example.com", "alice@pix")
	registerClient(t, h, "Bob", "bob@example.com", "bob@pix")

	if rec := doJSON(t, h, http.MethodDelete, "/clients/alice@pix", nil); rec.Code != http.StatusOK {
		t.Fatalf("deactivate: status %d", rec.Code)
	}

	rec := doJSON(t, h, http.MethodPost, "/transfers", map[string]interface{}{
		"from_ref": "alice@pix", "to_ref": "bob@pix", "amount_fiat": 1.0,
	})
	if rec.Code != http.StatusConflict {
		t.Fatalf("status %d, want 409", rec.Code)
	}
}

func TestCurrentRate(t *testing.T) {
	h, _ := newTestAPI(t)
	rec := doJSON(t, h, http.MethodGet, "/rates/current", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("rate: status %d", rec.Code)
	}
	var rate struct {
		Value float64 `json:"value"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &rate); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if rate.Value != 2 {
		t.Fatalf("rate = %v", rate.Value)
	}
}

func TestHealth(t *testing.T) {
	h, ledger := newTestAPI(t)

	if rec := doJSON(t, h, http.MethodGet, "/healthz", nil); rec.Code != http.StatusOK {
		t.Fatalf("liveness: status %d", rec.Code)
	}
	if rec := doJSON(t, h, http.MethodGet, "/healthz?probe=deep", nil); rec.Code != http.StatusOK {
		t.Fatalf("deep healthy: status %d", rec.Code)
	}

	ledger.setDown(true)
	// Liveness stays green; only the deep check reaches the ledger.
	if rec := doJSON(t, h, http.MethodGet, "/healthz", nil); rec.Code != http.StatusOK {
		t.Fatalf("liveness with ledger down: status %d", rec.Code)
	}
	if rec := doJSON(t, h, http.MethodGet, "/healthz?probe=deep", nil); rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("deep degraded: status %d", rec.Code)
	}
}

type failingPinger struct{}

func (failingPinger) PingContext(context.Context) error {
	return fmt.Errorf("connection refused")
}

func TestHealthDeepChecksDatabase(t *testing.T) {
	h, _ := newTestAPIFull(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"ethereum":{"brl":2}}`))
	}, app.Stores{DB: failingPinger{}})

	if rec := doJSON(t, h, http.MethodGet, "/healthz", nil); rec.Code != http.StatusOK {
		t.Fatalf("liveness: status %d", rec.Code)
	}
	if rec := doJSON(t, h, http.MethodGet, "/healthz?probe=deep", nil); rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("deep with broken db: status %d", rec.Code)
	}
}
