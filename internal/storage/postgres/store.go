// Package postgres implements the storage interfaces backed by PostgreSQL.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/cryp2real/pixledger/internal/domain/client"
	"github.com/cryp2real/pixledger/internal/domain/entry"
	"github.com/cryp2real/pixledger/internal/storage"
)

// Store implements the storage interfaces backed by PostgreSQL.
type Store struct {
	db *sql.DB
}

var _ storage.ClientStore = (*Store)(nil)
var _ storage.EntryStore = (*Store)(nil)

// New creates a Store using the provided database handle.
func New(db *sql.DB) *Store {
	return &Store{db: db}
}

const uniqueViolation = "23505"

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == uniqueViolation
}

// --- ClientStore ------------------------------------------------------------

func (s *Store) CreateClient(ctx context.Context, c client.Client) (client.Client, error) {
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	c.CreatedAt = now
	c.UpdatedAt = now

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO clients (id, name, email, payment_ref, credential_hash, address, ledger_credential, active, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`, c.ID, c.Name, c.Email, c.PaymentRef, c.CredentialHash, c.Address, c.LedgerCredential, c.Active, c.CreatedAt, c.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return client.Client{}, storage.ErrDuplicateClient
		}
		return client.Client{}, err
	}
	return c, nil
}

func (s *Store) UpdateClient(ctx context.Context, c client.Client) (client.Client, error) {
	existing, err := s.GetClient(ctx, c.ID)
	if err != nil {
		return client.Client{}, err
	}

	// Identity fields never change after onboarding.
	c.PaymentRef = existing.PaymentRef
	c.Email = existing.Email
	c.Address = existing.Address
	c.LedgerCredential = existing.LedgerCredential
	c.CreatedAt = existing.CreatedAt
	c.UpdatedAt = time.Now().UTC()

	result, err := s.db.ExecContext(ctx, `
		UPDATE clients
		SET name = $2, credential_hash = $3, active = $4, updated_at = $5
		WHERE id = $1
	`, c.ID, c.Name, c.CredentialHash, c.Active, c.UpdatedAt)
	if err != nil {
		return client.Client{}, err
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return client.Client{}, storage.ErrNotFound
	}
	return c, nil
}

const clientColumns = `id, name, email, payment_ref, credential_hash, address, ledger_credential, active, created_at, updated_at`

func scanClient(row interface{ Scan(...interface{}) error }) (client.Client, error) {
	var c client.Client
	err := row.Scan(&c.ID, &c.Name, &c.Email, &c.PaymentRef, &c.CredentialHash, &c.Address, &c.LedgerCredential, &c.Active, &c.CreatedAt, &c.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return client.Client{}, storage.ErrNotFound
	}
	if err != nil {
		return client.Client{}, err
	}
	return c, nil
}

func (s *Store) GetClient(ctx context.Context, id string) (client.Client, error) {
	return scanClient(s.db.QueryRowContext(ctx, `
		SELECT `+clientColumns+` FROM clients WHERE id = $1
	`, id))
}

func (s *Store) GetClientByRef(ctx context.Context, ref string) (client.Client, error) {
	return scanClient(s.db.QueryRowContext(ctx, `
		SELECT `+clientColumns+` FROM clients WHERE lower(payment_ref) = lower($1)
	`, ref))
}

func (s *Store) GetClientByEmail(ctx context.Context, email string) (client.Client, error) {
	return scanClient(s.db.QueryRowContext(ctx, `
		SELECT `+clientColumns+` FROM clients WHERE lower(email) = lower($1)
	`, email))
}

func (s *Store) ListClients(ctx context.Context) ([]client.Client, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+clientColumns+` FROM clients ORDER BY created_at
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []client.Client
	for rows.Next() {
		c, err := scanClient(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, c)
	}
	return result, rows.Err()
}

// --- EntryStore -------------------------------------------------------------

const entryColumns = `id, client_id, receipt_id, kind, status, amount_wei, amount_fiat, rate, counterpart_ref, description, created_at`

func (s *Store) CreateEntry(ctx context.Context, e entry.LedgerEntry) (entry.LedgerEntry, error) {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO ledger_entries (`+entryColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`, e.ID, e.ClientID, e.ReceiptID, e.Kind, e.Status, e.AmountWei, e.AmountFiat, e.Rate, e.CounterpartRef, e.Description, e.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return entry.LedgerEntry{}, storage.ErrDuplicateEntry
		}
		return entry.LedgerEntry{}, err
	}
	return e, nil
}

func scanEntry(row interface{ Scan(...interface{}) error }) (entry.LedgerEntry, error) {
	var e entry.LedgerEntry
	err := row.Scan(&e.ID, &e.ClientID, &e.ReceiptID, &e.Kind, &e.Status, &e.AmountWei, &e.AmountFiat, &e.Rate, &e.CounterpartRef, &e.Description, &e.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return entry.LedgerEntry{}, storage.ErrNotFound
	}
	if err != nil {
		return entry.LedgerEntry{}, err
	}
	return e, nil
}

func (s *Store) GetEntry(ctx context.Context, id string) (entry.LedgerEntry, error) {
	return scanEntry(s.db.QueryRowContext(ctx, `
		SELECT `+entryColumns+` FROM ledger_entries WHERE id = $1
	`, id))
}

func (s *Store) ListEntries(ctx context.Context, clientID string) ([]entry.LedgerEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+entryColumns+` FROM ledger_entries
		WHERE $1 = '' OR client_id = $1
		ORDER BY created_at DESC, id
	`, clientID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []entry.LedgerEntry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, e)
	}
	return result, rows.Err()
}

func (s *Store) ListEntriesByReceipt(ctx context.Context, receiptID string) ([]entry.LedgerEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+entryColumns+` FROM ledger_entries
		WHERE receipt_id = $1
		ORDER BY created_at DESC, id
	`, receiptID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []entry.LedgerEntry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, e)
	}
	return result, rows.Err()
}
