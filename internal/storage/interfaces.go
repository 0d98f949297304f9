package storage

import (
	"context"
	"errors"

	"github.com/cryp2real/pixledger/internal/domain/client"
	"github.com/cryp2real/pixledger/internal/domain/entry"
)

var (
	// ErrNotFound is returned when a record does not exist.
	ErrNotFound = errors.New("record not found")

	// ErrDuplicateClient is returned when a client's email or payment
	// reference is already taken.
	ErrDuplicateClient = errors.New("client already exists")

	// ErrDuplicateEntry is returned when an entry with the same receipt id,
	// kind and client already exists. Callers treat it as a successful
	// idempotent retry, never as data loss.
	ErrDuplicateEntry = errors.New("ledger entry already recorded")
)

// ClientStore persists onboarded clients.
type ClientStore interface {
	CreateClient(ctx context.Context, c client.Client) (client.Client, error)
	UpdateClient(ctx context.Context, c client.Client) (client.Client, error)
	GetClient(ctx context.Context, id string) (client.Client, error)
	GetClientByRef(ctx context.Context, ref string) (client.Client, error)
	GetClientByEmail(ctx context.Context, email string) (client.Client, error)
	ListClients(ctx context.Context) ([]client.Client, error)
}

// EntryStore persists the local transaction log. Entries are append-only.
type EntryStore interface {
	CreateEntry(ctx context.Context, e entry.LedgerEntry) (entry.LedgerEntry, error)
	GetEntry(ctx context.Context, id string) (entry.LedgerEntry, error)
	ListEntries(ctx context.Context, clientID string) ([]entry.LedgerEntry, error)
	ListEntriesByReceipt(ctx context.Context, receiptID string) ([]entry.LedgerEntry, error)
}
