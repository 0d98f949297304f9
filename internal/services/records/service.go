// Package records maintains the local transaction log. It only ever writes
// rows for ledger-confirmed movements; the ledger stays authoritative and a
// local row is a faithful echo, never a promise.
package records

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/cryp2real/pixledger/internal/domain/entry"
	"github.com/cryp2real/pixledger/internal/storage"
	"github.com/cryp2real/pixledger/pkg/logger"
)

var validKinds = map[entry.Kind]bool{
	entry.KindOutgoing: true,
	entry.KindIncoming: true,
	entry.KindBonus:    true,
	entry.KindDonation: true,
}

// Service records and queries ledger entries.
type Service struct {
	entries storage.EntryStore
	log     *logger.Logger
}

// New constructs a record service.
func New(entries storage.EntryStore, log *logger.Logger) *Service {
	if log == nil {
		log = logger.NewDefault("records")
	}
	return &Service{entries: entries, log: log}
}

// Record writes one entry for a confirmed ledger movement. It is idempotent
// on (receipt id, kind, client): retrying after a partial failure returns the
// already-recorded entry instead of a second row.
func (s *Service) Record(ctx context.Context, e entry.LedgerEntry) (entry.LedgerEntry, error) {
	if err := validate(e); err != nil {
		return entry.LedgerEntry{}, err
	}
	e.Status = entry.StatusRecorded

	created, err := s.entries.CreateEntry(ctx, e)
	if errors.Is(err, storage.ErrDuplicateEntry) {
		existing, found, ferr := s.findExisting(ctx, e)
		if ferr != nil {
			return entry.LedgerEntry{}, ferr
		}
		if !found {
			return entry.LedgerEntry{}, err
		}
		s.log.WithFields(map[string]interface{}{
			"receipt_id": e.ReceiptID,
			"kind":       string(e.Kind),
			"client_id":  e.ClientID,
		}).Debug("entry already recorded")
		return existing, nil
	}
	if err != nil {
		return entry.LedgerEntry{}, err
	}

	s.log.WithFields(map[string]interface{}{
		"entry_id":   created.ID,
		"receipt_id": created.ReceiptID,
		"kind":       string(created.Kind),
	}).Info("ledger entry recorded")
	return created, nil
}

func (s *Service) findExisting(ctx context.Context, e entry.LedgerEntry) (entry.LedgerEntry, bool, error) {
	byReceipt, err := s.entries.ListEntriesByReceipt(ctx, e.ReceiptID)
	if err != nil {
		return entry.LedgerEntry{}, false, err
	}
	for _, existing := range byReceipt {
		if existing.Kind == e.Kind && existing.ClientID == e.ClientID {
			return existing, true, nil
		}
	}
	return entry.LedgerEntry{}, false, nil
}

// History returns a client's entries, newest first.
func (s *Service) History(ctx context.Context, clientID string) ([]entry.LedgerEntry, error) {
	if strings.TrimSpace(clientID) == "" {
		return nil, fmt.Errorf("client id required")
	}
	return s.entries.ListEntries(ctx, clientID)
}

// ByReceipt returns every local view of one ledger movement. A paired
// transfer yields two entries sharing the receipt.
func (s *Service) ByReceipt(ctx context.Context, receiptID string) ([]entry.LedgerEntry, error) {
	if strings.TrimSpace(receiptID) == "" {
		return nil, fmt.Errorf("receipt id required")
	}
	return s.entries.ListEntriesByReceipt(ctx, receiptID)
}

func validate(e entry.LedgerEntry) error {
	if strings.TrimSpace(e.ClientID) == "" {
		return fmt.Errorf("client id required")
	}
	if strings.TrimSpace(e.ReceiptID) == "" {
		return fmt.Errorf("receipt id required")
	}
	if !validKinds[e.Kind] {
		return fmt.Errorf("unknown entry kind %q", e.Kind)
	}
	amount, ok := new(big.Int).SetString(e.AmountWei, 10)
	if !ok || amount.Sign() < 0 {
		return fmt.Errorf("amount %q is not a valid non-negative integer", e.AmountWei)
	}
	return nil
}
