package client

import "time"

// Client is an onboarded party. It is referenced externally by its payment
// reference key, never by its raw ledger address.
type Client struct {
	ID             string `json:"id"`
	Name           string `json:"name"`
	Email          string `json:"email"`
	PaymentRef     string `json:"payment_ref"`
	CredentialHash string `json:"-"`
	Address        string `json:"address"`
	// LedgerCredential signs ledger operations on the client's behalf. It is
	// assigned once at onboarding and immutable afterwards.
	LedgerCredential string    `json:"-"`
	Active           bool      `json:"active"`
	CreatedAt        time.Time `json:"created_at"`
	UpdatedAt        time.Time `json:"updated_at"`
}
