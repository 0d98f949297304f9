// Package migrations applies the relational schema at startup. Statements are
// idempotent so repeated application is safe.
package migrations

import (
	"context"
	"database/sql"
	"fmt"
)

var statements = []string{
	`CREATE TABLE IF NOT EXISTS clients (
		id                TEXT PRIMARY KEY,
		name              TEXT NOT NULL,
		email             TEXT NOT NULL,
		payment_ref       TEXT NOT NULL,
		credential_hash   TEXT NOT NULL,
		address           TEXT NOT NULL,
		ledger_credential TEXT NOT NULL,
		active            BOOLEAN NOT NULL DEFAULT TRUE,
		created_at        TIMESTAMPTZ NOT NULL,
		updated_at        TIMESTAMPTZ NOT NULL
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS clients_payment_ref_idx ON clients (lower(payment_ref))`,
	`CREATE UNIQUE INDEX IF NOT EXISTS clients_email_idx ON clients (lower(email))`,
	`CREATE TABLE IF NOT EXISTS ledger_entries (
		id              TEXT PRIMARY KEY,
		client_id       TEXT NOT NULL REFERENCES clients (id),
		receipt_id      TEXT NOT NULL,
		kind            TEXT NOT NULL,
		status          TEXT NOT NULL,
		amount_wei      TEXT NOT NULL,
		amount_fiat     DOUBLE PRECISION NOT NULL DEFAULT 0,
		rate            DOUBLE PRECISION NOT NULL DEFAULT 0,
		counterpart_ref TEXT NOT NULL DEFAULT '',
		description     TEXT NOT NULL DEFAULT '',
		created_at      TIMESTAMPTZ NOT NULL,
		UNIQUE (receipt_id, kind, client_id)
	)`,
	`CREATE INDEX IF NOT EXISTS ledger_entries_client_idx ON ledger_entries (client_id, created_at DESC)`,
	`CREATE INDEX IF NOT EXISTS ledger_entries_receipt_idx ON ledger_entries (receipt_id)`,
}

// Apply runs every schema statement in order.
func Apply(ctx context.Context, db *sql.DB) error {
	for i, stmt := range statements {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migration %d: %w", i, err)
		}
	}
	return nil
}
