package identity

// Identity is a ledger address together with the credential that authorises
// operations from it. The credential is secret: it is never logged and never
// serialised into API responses.
type Identity struct {
	Address    string
	Credential string `json:"-"`
	Slot       int
}
