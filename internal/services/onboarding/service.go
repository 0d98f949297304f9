// Package onboarding registers new clients: it allocates a ledger identity,
// binds it on the registry contract and persists the local profile.
package onboarding

import (
	"context"
	"errors"
	"fmt"
	"net/mail"
	"regexp"
	"strings"

	"golang.org/x/crypto/bcrypt"

	"github.com/cryp2real/pixledger/internal/allocator"
	"github.com/cryp2real/pixledger/internal/domain/client"
	"github.com/cryp2real/pixledger/internal/domain/entry"
	"github.com/cryp2real/pixledger/internal/metrics"
	"github.com/cryp2real/pixledger/internal/services/payments"
	"github.com/cryp2real/pixledger/internal/services/records"
	"github.com/cryp2real/pixledger/internal/storage"
	"github.com/cryp2real/pixledger/pkg/logger"
)

var (
	// ErrRefTaken means the payment reference or email is already onboarded.
	ErrRefTaken = errors.New("payment reference or email already in use")

	refPattern = regexp.MustCompile(`^[a-zA-Z0-9@._+-]{3,120}$`)
)

// Registrar performs the on-ledger half of onboarding.
type Registrar interface {
	RegisterOnLedger(ctx context.Context, address, credential, name, ref, email string) (string, error)
}

// RegistryReader is the registry contract surface used for live profile
// lookups.
type RegistryReader interface {
	IsRegistered(ctx context.Context, addr string) (bool, error)
	AddressByRef(ctx context.Context, ref string) (string, error)
}

// Profile is a client row joined with its live ledger view.
type Profile struct {
	client.Client
	Registered bool   `json:"registered"`
	BalanceWei string `json:"balance_wei,omitempty"`
}

// Service onboards clients.
type Service struct {
	clients   storage.ClientStore
	alloc     *allocator.Allocator
	registrar Registrar
	recorder  *records.Service
	ledger    payments.Ledger
	registry  RegistryReader
	log       *logger.Logger
}

// New constructs an onboarding service.
func New(clients storage.ClientStore, alloc *allocator.Allocator, registrar Registrar, recorder *records.Service, ledger payments.Ledger, registry RegistryReader, log *logger.Logger) *Service {
	if log == nil {
		log = logger.NewDefault("onboarding")
	}
	return &Service{
		clients:   clients,
		alloc:     alloc,
		registrar: registrar,
		recorder:  recorder,
		ledger:    ledger,
		registry:  registry,
		log:       log,
	}
}

// Register onboards a new client. The allocated identity slot is consumed
// permanently even when a later step fails; a retry draws a fresh slot.
func (s *Service) Register(ctx context.Context, name, email, ref, password string) (client.Client, error) {
	name = strings.TrimSpace(name)
	email = strings.ToLower(strings.TrimSpace(email))
	ref = strings.TrimSpace(ref)

	if err := validate(name, email, ref, password); err != nil {
		return client.Client{}, err
	}
	credentialHash, err := HashPassword(password)
	if err != nil {
		return client.Client{}, err
	}

	if _, err := s.clients.GetClientByRef(ctx, ref); err == nil {
		return client.Client{}, ErrRefTaken
	} else if !errors.Is(err, storage.ErrNotFound) {
		return client.Client{}, err
	}
	if _, err := s.clients.GetClientByEmail(ctx, email); err == nil {
		return client.Client{}, ErrRefTaken
	} else if !errors.Is(err, storage.ErrNotFound) {
		return client.Client{}, err
	}

	id, err := s.alloc.Allocate(ctx)
	if err != nil {
		metrics.RecordAllocation("failed", s.alloc.Remaining())
		return client.Client{}, err
	}
	metrics.RecordAllocation("allocated", s.alloc.Remaining())

	receiptID, err := s.registrar.RegisterOnLedger(ctx, id.Address, id.Credential, name, ref, email)
	if err != nil {
		// The slot stays consumed: the address may have been touched.
		s.log.WithError(err).WithField("address", id.Address).Error("ledger registration failed, slot consumed")
		return client.Client{}, fmt.Errorf("register on ledger: %w", err)
	}

	cl := client.Client{
		Name:             name,
		Email:            email,
		PaymentRef:       ref,
		CredentialHash:   credentialHash,
		Address:          id.Address,
		LedgerCredential: id.Credential,
		Active:           true,
	}
	cl, err = s.clients.CreateClient(ctx, cl)
	if errors.Is(err, storage.ErrDuplicateClient) {
		return client.Client{}, ErrRefTaken
	}
	if err != nil {
		return client.Client{}, err
	}

	s.recordBonus(ctx, cl, receiptID)

	s.log.WithFields(map[string]interface{}{
		"client_id":   cl.ID,
		"payment_ref": cl.PaymentRef,
		"address":     cl.Address,
	}).Info("client onboarded")
	return cl, nil
}

// recordBonus logs the pre-funded starting balance as a registration bonus
// entry tied to the registration receipt. Failure here never fails
// onboarding; the entry is advisory.
func (s *Service) recordBonus(ctx context.Context, cl client.Client, receiptID string) {
	bal, err := s.ledger.BalanceOf(ctx, cl.Address)
	if err != nil {
		s.log.WithError(err).Warn("starting balance unavailable, skipping bonus record")
		return
	}
	if bal.Sign() <= 0 {
		return
	}
	_, err = s.recorder.Record(ctx, entry.LedgerEntry{
		ClientID:    cl.ID,
		ReceiptID:   receiptID,
		Kind:        entry.KindBonus,
		AmountWei:   bal.String(),
		Description: "starting balance",
	})
	if err != nil {
		s.log.WithError(err).Warn("bonus record failed")
	}
}

// Lookup returns a client profile by payment reference, joined with the
// live ledger view: the registry's registration flag and the current native
// balance. The ledger annotations are best effort; an unreachable node never
// fails the lookup.
func (s *Service) Lookup(ctx context.Context, ref string) (Profile, error) {
	cl, err := s.clients.GetClientByRef(ctx, ref)
	if err != nil {
		return Profile{}, err
	}
	p := Profile{Client: cl}
	p.Registered = s.liveRegistration(ctx, cl)
	if bal, err := s.ledger.BalanceOf(ctx, cl.Address); err != nil {
		s.log.WithError(err).Warn("balance unavailable for profile view")
	} else {
		p.BalanceWei = bal.String()
	}
	return p, nil
}

// liveRegistration reports whether the registry still binds the client's
// payment reference to its ledger address.
func (s *Service) liveRegistration(ctx context.Context, cl client.Client) bool {
	addr, err := s.registry.AddressByRef(ctx, cl.PaymentRef)
	if err != nil {
		s.log.WithError(err).Warn("registry reference lookup failed")
		return false
	}
	if !strings.EqualFold(addr, cl.Address) {
		return false
	}
	registered, err := s.registry.IsRegistered(ctx, cl.Address)
	if err != nil {
		s.log.WithError(err).Warn("registry registration check failed")
		return false
	}
	return registered
}

// Deactivate soft-disables a client. The ledger identity is untouched; the
// slot stays consumed forever.
func (s *Service) Deactivate(ctx context.Context, ref string) (client.Client, error) {
	cl, err := s.clients.GetClientByRef(ctx, ref)
	if err != nil {
		return client.Client{}, err
	}
	if !cl.Active {
		return cl, nil
	}
	cl.Active = false
	return s.clients.UpdateClient(ctx, cl)
}

// HashPassword hashes a client password for at-rest storage.
func HashPassword(password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("hash password: %w", err)
	}
	return string(hash), nil
}

func validate(name, email, ref, password string) error {
	if len(name) < 2 {
		return fmt.Errorf("name must be at least 2 characters")
	}
	if len(password) < 6 {
		return fmt.Errorf("password must be at least 6 characters")
	}
	if _, err := mail.ParseAddress(email); err != nil {
		return fmt.Errorf("invalid email address")
	}
	if !refPattern.MatchString(ref) {
		return fmt.Errorf("invalid payment reference")
	}
	return nil
}
