// Package payments coordinates money movement: it validates requests against
// local records, submits operations to the ledger, waits for confirmation and
// records the local view. The ledger write always precedes the local write.
package payments

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/cryp2real/pixledger/internal/chain"
	"github.com/cryp2real/pixledger/internal/domain/client"
	"github.com/cryp2real/pixledger/internal/domain/entry"
	"github.com/cryp2real/pixledger/internal/metrics"
	"github.com/cryp2real/pixledger/internal/services/rates"
	"github.com/cryp2real/pixledger/internal/services/records"
	"github.com/cryp2real/pixledger/internal/storage"
	"github.com/cryp2real/pixledger/pkg/logger"
)

var (
	// ErrUnknownClient means the sender's payment reference is not onboarded.
	ErrUnknownClient = errors.New("unknown client")

	// ErrUnknownRecipient means the destination reference resolves to nobody.
	ErrUnknownRecipient = errors.New("unknown recipient")

	// ErrInactiveClient means the client exists but has been deactivated.
	ErrInactiveClient = errors.New("client is deactivated")

	// ErrInsufficientFunds means the sender's ledger balance cannot cover the
	// requested amount.
	ErrInsufficientFunds = errors.New("insufficient funds")

	// ErrSelfTransfer means sender and recipient are the same client.
	ErrSelfTransfer = errors.New("cannot transfer to self")

	// ErrInvalidAmount means the requested amount is malformed: not a positive
	// value, or denominated in both units at once.
	ErrInvalidAmount = errors.New("invalid amount")

	// ErrRateUnavailable means a fiat-denominated request cannot be converted
	// because no usable exchange rate exists. Native-unit requests never see
	// this error.
	ErrRateUnavailable = errors.New("exchange rate unavailable")

	// ErrRejected means the ledger refused the operation. Nothing moved and
	// no local rows exist; the request is safe to retry.
	ErrRejected = errors.New("payment rejected by ledger")
)

// Status is the caller-visible outcome of a payment.
type Status string

const (
	// StatusRecorded: the ledger confirmed the movement and the local log
	// reflects it (possibly after background reconciliation).
	StatusRecorded Status = "recorded"

	// StatusRejected: the ledger refused or reverted the operation. No money
	// moved, no local rows exist.
	StatusRejected Status = "rejected"

	// StatusUnresolved: confirmation did not arrive within the bounded
	// polling window. The operation may still land; the caller must check
	// back by receipt id and must not blindly resubmit.
	StatusUnresolved Status = "unresolved"
)

// Amount is a requested payment size, denominated either in the ledger's
// native unit (Wei, a decimal string) or in fiat. Exactly one field is set.
type Amount struct {
	Wei  string
	Fiat float64
}

// Result reports a coordinated payment back to the caller.
type Result struct {
	Status     Status              `json:"status"`
	ReceiptID  string              `json:"receipt_id,omitempty"`
	AmountWei  string              `json:"amount_wei,omitempty"`
	AmountFiat float64             `json:"amount_fiat,omitempty"`
	Rate       float64             `json:"rate,omitempty"`
	Entries    []entry.LedgerEntry `json:"entries,omitempty"`
}

// Ledger is the chain access the coordinator needs.
type Ledger interface {
	Submit(ctx context.Context, op chain.Operation, credential string) (string, error)
	AwaitReceipt(ctx context.Context, receiptID string) (chain.Receipt, error)
	Receipt(ctx context.Context, receiptID string) (chain.Receipt, bool, error)
	BalanceOf(ctx context.Context, addr string) (*big.Int, error)
	RegistrationOperation(from, name, ref, email string) chain.Operation
}

// Coordinator drives payments through validation, submission, confirmation
// and recording. Submissions from the same source address are serialised so
// the ledger never sees two concurrent operations racing on one account.
type Coordinator struct {
	ledger          Ledger
	clients         storage.ClientStore
	recorder        *records.Service
	rates           *rates.Service
	reconciler      *Reconciler
	charityAddress  string
	maxReceiptPolls int
	receiptInterval time.Duration
	log             *logger.Logger

	mu        sync.Mutex
	addrLocks map[string]*sync.Mutex
}

// Options tunes coordinator behaviour.
type Options struct {
	CharityAddress  string
	MaxReceiptPolls int
	ReceiptInterval time.Duration
}

// New constructs a payment coordinator.
func New(ledger Ledger, clients storage.ClientStore, recorder *records.Service, rateSvc *rates.Service, reconciler *Reconciler, opts Options, log *logger.Logger) *Coordinator {
	if log == nil {
		log = logger.NewDefault("payments")
	}
	if opts.MaxReceiptPolls <= 0 {
		opts.MaxReceiptPolls = 10
	}
	if opts.ReceiptInterval <= 0 {
		opts.ReceiptInterval = 2 * time.Second
	}
	return &Coordinator{
		ledger:          ledger,
		clients:         clients,
		recorder:        recorder,
		rates:           rateSvc,
		reconciler:      reconciler,
		charityAddress:  opts.CharityAddress,
		maxReceiptPolls: opts.MaxReceiptPolls,
		receiptInterval: opts.ReceiptInterval,
		log:             log,
	}
}

// lockAddress serialises submissions from one source address.
func (c *Coordinator) lockAddress(addr string) func() {
	key := strings.ToLower(addr)
	c.mu.Lock()
	if c.addrLocks == nil {
		c.addrLocks = make(map[string]*sync.Mutex)
	}
	lock, ok := c.addrLocks[key]
	if !ok {
		lock = &sync.Mutex{}
		c.addrLocks[key] = lock
	}
	c.mu.Unlock()

	lock.Lock()
	return lock.Unlock
}

// Transfer moves an amount from one client to another. A native-unit amount
// goes to the ledger as given, with the rate a best-effort annotation; a
// fiat-denominated amount is converted at the current advisory rate first.
// Once confirmed, the movement is recorded as a pair of entries sharing the
// receipt id.
func (c *Coordinator) Transfer(ctx context.Context, fromRef, toRef string, amount Amount, description string) (Result, error) {
	start := time.Now()

	sender, err := c.activeClient(ctx, fromRef, ErrUnknownClient)
	if err != nil {
		return Result{}, err
	}
	recipient, err := c.activeClient(ctx, toRef, ErrUnknownRecipient)
	if err != nil {
		return Result{}, err
	}
	if sender.ID == recipient.ID {
		return Result{}, ErrSelfTransfer
	}

	amountWei, amountFiat, rate, err := c.resolveAmount(ctx, amount)
	if err != nil {
		return Result{}, err
	}

	unlock := c.lockAddress(sender.Address)
	defer unlock()

	if err := c.checkBalance(ctx, sender.Address, amountWei); err != nil {
		return Result{}, err
	}

	op := chain.Operation{
		From:  sender.Address,
		To:    recipient.Address,
		Value: amountWei,
	}
	result, rec, err := c.submitAndConfirm(ctx, op, sender.LedgerCredential, amountWei, amountFiat, rate)
	if err != nil || result.Status != StatusRecorded {
		metrics.RecordTransfer(string(result.Status), time.Since(start))
		return result, err
	}

	// Outgoing leg first: the sender's view is the primary record.
	legs := []entry.LedgerEntry{
		{
			ClientID:       sender.ID,
			ReceiptID:      rec.TxHash,
			Kind:           entry.KindOutgoing,
			AmountWei:      amountWei.String(),
			AmountFiat:     amountFiat,
			Rate:           rate.Value,
			CounterpartRef: recipient.PaymentRef,
			Description:    description,
		},
		{
			ClientID:       recipient.ID,
			ReceiptID:      rec.TxHash,
			Kind:           entry.KindIncoming,
			AmountWei:      amountWei.String(),
			AmountFiat:     amountFiat,
			Rate:           rate.Value,
			CounterpartRef: sender.PaymentRef,
			Description:    description,
		},
	}
	result.Entries = c.recordLegs(ctx, legs)

	metrics.RecordTransfer(string(StatusRecorded), time.Since(start))
	return result, nil
}

// Donate sends an amount to the configured charity address, denominated the
// same way as Transfer. Only the donor has a local record; the charity is not
// an onboarded client.
func (c *Coordinator) Donate(ctx context.Context, fromRef string, amount Amount, description string) (Result, error) {
	start := time.Now()

	if c.charityAddress == "" {
		return Result{}, fmt.Errorf("charity address not configured")
	}
	donor, err := c.activeClient(ctx, fromRef, ErrUnknownClient)
	if err != nil {
		return Result{}, err
	}

	amountWei, amountFiat, rate, err := c.resolveAmount(ctx, amount)
	if err != nil {
		return Result{}, err
	}

	unlock := c.lockAddress(donor.Address)
	defer unlock()

	if err := c.checkBalance(ctx, donor.Address, amountWei); err != nil {
		return Result{}, err
	}

	op := chain.Operation{
		From:  donor.Address,
		To:    c.charityAddress,
		Value: amountWei,
	}
	result, rec, err := c.submitAndConfirm(ctx, op, donor.LedgerCredential, amountWei, amountFiat, rate)
	if err != nil || result.Status != StatusRecorded {
		metrics.RecordTransfer(string(result.Status), time.Since(start))
		return result, err
	}

	result.Entries = c.recordLegs(ctx, []entry.LedgerEntry{{
		ClientID:       donor.ID,
		ReceiptID:      rec.TxHash,
		Kind:           entry.KindDonation,
		AmountWei:      amountWei.String(),
		AmountFiat:     amountFiat,
		Rate:           rate.Value,
		CounterpartRef: "charity",
		Description:    description,
	}})

	metrics.RecordTransfer(string(StatusRecorded), time.Since(start))
	return result, nil
}

// RegisterOnLedger binds a freshly allocated identity to the registry
// contract and returns the confirmed receipt id. Used during onboarding.
func (c *Coordinator) RegisterOnLedger(ctx context.Context, address, credential, name, ref, email string) (string, error) {
	unlock := c.lockAddress(address)
	defer unlock()

	op := c.ledger.RegistrationOperation(address, name, ref, email)
	receiptID, err := c.ledger.Submit(ctx, op, credential)
	if err != nil {
		if errors.Is(err, chain.ErrRejected) {
			return "", fmt.Errorf("%w: %v", ErrRejected, err)
		}
		return "", err
	}

	rec, err := c.ledger.AwaitReceipt(ctx, receiptID)
	if errors.Is(err, chain.ErrReceiptTimeout) {
		rec, err = c.resolveTimeout(ctx, receiptID)
	}
	if err != nil {
		return "", err
	}
	if !rec.Succeeded {
		return "", fmt.Errorf("%w: registration reverted", ErrRejected)
	}
	return rec.TxHash, nil
}

// Balance returns a client's live ledger balance annotated with its fiat
// equivalent at the current advisory rate.
func (c *Coordinator) Balance(ctx context.Context, ref string) (string, float64, rates.Rate, error) {
	cl, err := c.activeClient(ctx, ref, ErrUnknownClient)
	if err != nil {
		return "", 0, rates.Rate{}, err
	}
	wei, err := c.ledger.BalanceOf(ctx, cl.Address)
	if err != nil {
		return "", 0, rates.Rate{}, fmt.Errorf("ledger balance: %w", err)
	}
	rate, err := c.rates.Current(ctx)
	if err != nil {
		// Balance still answers without a rate; the fiat view is advisory.
		c.log.WithError(err).Warn("rate unavailable for balance view")
		return wei.String(), 0, rates.Rate{}, nil
	}
	return wei.String(), rates.WeiToFiat(wei, rate), rate, nil
}

func (c *Coordinator) activeClient(ctx context.Context, ref string, notFound error) (client.Client, error) {
	if strings.TrimSpace(ref) == "" {
		return client.Client{}, notFound
	}
	cl, err := c.clients.GetClientByRef(ctx, ref)
	if errors.Is(err, storage.ErrNotFound) {
		return client.Client{}, notFound
	}
	if err != nil {
		return client.Client{}, err
	}
	if !cl.Active {
		return client.Client{}, ErrInactiveClient
	}
	return cl, nil
}

// resolveAmount turns a requested amount into wei. A fiat-denominated request
// needs a usable rate and fails without one; a native-unit request never
// blocks on the rate provider, which only annotates the record when a rate is
// available.
func (c *Coordinator) resolveAmount(ctx context.Context, amount Amount) (*big.Int, float64, rates.Rate, error) {
	switch {
	case amount.Wei != "" && amount.Fiat != 0:
		return nil, 0, rates.Rate{}, fmt.Errorf("%w: denominated in both wei and fiat", ErrInvalidAmount)

	case amount.Wei != "":
		wei, ok := new(big.Int).SetString(amount.Wei, 10)
		if !ok || wei.Sign() <= 0 {
			return nil, 0, rates.Rate{}, fmt.Errorf("%w: %q is not a positive integer", ErrInvalidAmount, amount.Wei)
		}
		rate, err := c.rates.Current(ctx)
		if err != nil {
			c.log.WithError(err).Warn("rate unavailable, recording native amount without fiat annotation")
			return wei, 0, rates.Rate{}, nil
		}
		return wei, rates.WeiToFiat(wei, rate), rate, nil

	case amount.Fiat > 0:
		rate, err := c.rates.Current(ctx)
		if err != nil {
			return nil, 0, rates.Rate{}, fmt.Errorf("%w: %v", ErrRateUnavailable, err)
		}
		wei, err := rates.FiatToWei(amount.Fiat, rate)
		if err != nil {
			return nil, 0, rates.Rate{}, fmt.Errorf("%w: %v", ErrInvalidAmount, err)
		}
		return wei, amount.Fiat, rate, nil

	default:
		return nil, 0, rates.Rate{}, fmt.Errorf("%w: amount required in wei or fiat", ErrInvalidAmount)
	}
}

func (c *Coordinator) checkBalance(ctx context.Context, addr string, amount *big.Int) error {
	bal, err := c.ledger.BalanceOf(ctx, addr)
	if err != nil {
		return fmt.Errorf("ledger balance: %w", err)
	}
	if bal.Cmp(amount) < 0 {
		return ErrInsufficientFunds
	}
	return nil
}

// submitAndConfirm runs the submit/await/resolve sequence shared by transfers
// and donations. The caller must already hold the source address lock.
func (c *Coordinator) submitAndConfirm(ctx context.Context, op chain.Operation, credential string, amountWei *big.Int, amountFiat float64, rate rates.Rate) (Result, chain.Receipt, error) {
	result := Result{
		AmountWei:  amountWei.String(),
		AmountFiat: amountFiat,
		Rate:       rate.Value,
	}

	receiptID, err := c.ledger.Submit(ctx, op, credential)
	if err != nil {
		if errors.Is(err, chain.ErrRejected) {
			result.Status = StatusRejected
			return result, chain.Receipt{}, fmt.Errorf("%w: %v", ErrRejected, err)
		}
		result.Status = StatusRejected
		return result, chain.Receipt{}, err
	}
	result.ReceiptID = receiptID

	rec, err := c.ledger.AwaitReceipt(ctx, receiptID)
	if errors.Is(err, chain.ErrReceiptTimeout) {
		rec, err = c.resolveTimeout(ctx, receiptID)
		if errors.Is(err, chain.ErrReceiptTimeout) {
			// Outcome unknown after bounded re-querying. Hand the receipt id
			// back so the caller can check later. Never resubmit.
			c.log.WithField("receipt_id", receiptID).Warn("payment outcome unresolved")
			result.Status = StatusUnresolved
			return result, chain.Receipt{}, nil
		}
	}
	if err != nil {
		result.Status = StatusUnresolved
		return result, chain.Receipt{}, err
	}

	if !rec.Succeeded {
		result.Status = StatusRejected
		return result, rec, fmt.Errorf("%w: operation reverted", ErrRejected)
	}

	result.Status = StatusRecorded
	return result, rec, nil
}

// resolveTimeout re-queries an operation whose first confirmation window
// elapsed. It only ever looks the receipt up; a resubmission here could
// double-spend.
func (c *Coordinator) resolveTimeout(ctx context.Context, receiptID string) (chain.Receipt, error) {
	ticker := time.NewTicker(c.receiptInterval)
	defer ticker.Stop()

	for i := 0; i < c.maxReceiptPolls; i++ {
		rec, found, err := c.ledger.Receipt(ctx, receiptID)
		if err != nil {
			c.log.WithError(err).WithField("receipt_id", receiptID).Warn("timeout re-query failed")
		} else if found {
			return rec, nil
		}

		select {
		case <-ctx.Done():
			return chain.Receipt{}, ctx.Err()
		case <-ticker.C:
		}
	}
	return chain.Receipt{}, fmt.Errorf("%w: %s", chain.ErrReceiptTimeout, receiptID)
}

// recordLegs writes the local views of a confirmed movement. The movement is
// already final on the ledger, so a failed local write never fails the
// payment: the leg is queued for reconciliation instead.
func (c *Coordinator) recordLegs(ctx context.Context, legs []entry.LedgerEntry) []entry.LedgerEntry {
	recorded := make([]entry.LedgerEntry, 0, len(legs))
	for _, leg := range legs {
		e, err := c.recorder.Record(ctx, leg)
		if err != nil {
			c.log.WithError(err).WithFields(map[string]interface{}{
				"receipt_id": leg.ReceiptID,
				"kind":       string(leg.Kind),
			}).Error("local record failed, queueing reconciliation")
			if c.reconciler != nil {
				c.reconciler.Enqueue(leg)
			}
			continue
		}
		recorded = append(recorded, e)
	}
	return recorded
}
