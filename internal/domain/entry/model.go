package entry

import "time"

// Kind classifies a ledger entry from the owning client's point of view.
type Kind string

const (
	KindOutgoing Kind = "outgoing"
	KindIncoming Kind = "incoming"
	KindBonus    Kind = "registration-bonus"
	KindDonation Kind = "donation"
)

// Status tracks the local record of a ledger-confirmed movement. Recorded is
// terminal; an entry is never mutated once written.
type Status string

const (
	StatusRecorded Status = "recorded"
)

// LedgerEntry is one row of the local transaction log. The ledger receipt
// identifier links the row back to the authoritative on-chain record; the
// paired outgoing/incoming view of a single transfer shares one receipt.
type LedgerEntry struct {
	ID             string    `json:"id"`
	ClientID       string    `json:"client_id"`
	ReceiptID      string    `json:"receipt_id"`
	Kind           Kind      `json:"kind"`
	Status         Status    `json:"status"`
	AmountWei      string    `json:"amount_wei"`
	AmountFiat     float64   `json:"amount_fiat"`
	Rate           float64   `json:"rate"`
	CounterpartRef string    `json:"counterpart_ref"`
	Description    string    `json:"description"`
	CreatedAt      time.Time `json:"created_at"`
}
