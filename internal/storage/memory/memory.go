// Package memory provides an in-memory implementation of the storage
// interfaces. It is safe for concurrent use and is primarily intended for
// tests and local development.
package memory

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/cryp2real/pixledger/internal/domain/client"
	"github.com/cryp2real/pixledger/internal/domain/entry"
	"github.com/cryp2real/pixledger/internal/storage"
)

// Store is an in-memory implementation of the storage interfaces.
type Store struct {
	mu             sync.RWMutex
	clients        map[string]client.Client
	clientsByRef   map[string]string
	clientsByEmail map[string]string
	entries        map[string]entry.LedgerEntry
	entryKeys      map[string]string
}

var _ storage.ClientStore = (*Store)(nil)
var _ storage.EntryStore = (*Store)(nil)

// New creates an empty store.
func New() *Store {
	return &Store{
		clients:        make(map[string]client.Client),
		clientsByRef:   make(map[string]string),
		clientsByEmail: make(map[string]string),
		entries:        make(map[string]entry.LedgerEntry),
		entryKeys:      make(map[string]string),
	}
}

// ClientStore implementation -------------------------------------------------

func (s *Store) CreateClient(_ context.Context, c client.Client) (client.Client, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if c.ID == "" {
		c.ID = uuid.NewString()
	} else if _, exists := s.clients[c.ID]; exists {
		return client.Client{}, fmt.Errorf("client %s already exists", c.ID)
	}

	refKey := strings.ToLower(strings.TrimSpace(c.PaymentRef))
	emailKey := strings.ToLower(strings.TrimSpace(c.Email))
	if _, exists := s.clientsByRef[refKey]; exists {
		return client.Client{}, storage.ErrDuplicateClient
	}
	if _, exists := s.clientsByEmail[emailKey]; exists {
		return client.Client{}, storage.ErrDuplicateClient
	}

	now := time.Now().UTC()
	c.CreatedAt = now
	c.UpdatedAt = now

	s.clients[c.ID] = c
	s.clientsByRef[refKey] = c.ID
	s.clientsByEmail[emailKey] = c.ID
	return c, nil
}

func (s *Store) UpdateClient(_ context.Context, c client.Client) (client.Client, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	original, ok := s.clients[c.ID]
	if !ok {
		return client.Client{}, storage.ErrNotFound
	}

	// Identity fields never change after onboarding.
	c.PaymentRef = original.PaymentRef
	c.Email = original.Email
	c.Address = original.Address
	c.LedgerCredential = original.LedgerCredential
	c.CreatedAt = original.CreatedAt
	c.UpdatedAt = time.Now().UTC()

	s.clients[c.ID] = c
	return c, nil
}

func (s *Store) GetClient(_ context.Context, id string) (client.Client, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	c, ok := s.clients[id]
	if !ok {
		return client.Client{}, storage.ErrNotFound
	}
	return c, nil
}

func (s *Store) GetClientByRef(_ context.Context, ref string) (client.Client, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if id, ok := s.clientsByRef[strings.ToLower(strings.TrimSpace(ref))]; ok {
		return s.clients[id], nil
	}
	return client.Client{}, storage.ErrNotFound
}

func (s *Store) GetClientByEmail(_ context.Context, email string) (client.Client, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if id, ok := s.clientsByEmail[strings.ToLower(strings.TrimSpace(email))]; ok {
		return s.clients[id], nil
	}
	return client.Client{}, storage.ErrNotFound
}

func (s *Store) ListClients(_ context.Context) ([]client.Client, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]client.Client, 0, len(s.clients))
	for _, c := range s.clients {
		result = append(result, c)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].CreatedAt.Before(result[j].CreatedAt) })
	return result, nil
}

// EntryStore implementation --------------------------------------------------

func entryKey(e entry.LedgerEntry) string {
	return e.ReceiptID + "|" + string(e.Kind) + "|" + e.ClientID
}

func (s *Store) CreateEntry(_ context.Context, e entry.LedgerEntry) (entry.LedgerEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := entryKey(e)
	if _, exists := s.entryKeys[key]; exists {
		return entry.LedgerEntry{}, storage.ErrDuplicateEntry
	}

	if e.ID == "" {
		e.ID = uuid.NewString()
	} else if _, exists := s.entries[e.ID]; exists {
		return entry.LedgerEntry{}, fmt.Errorf("entry %s already exists", e.ID)
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}

	s.entries[e.ID] = e
	s.entryKeys[key] = e.ID
	return e, nil
}

func (s *Store) GetEntry(_ context.Context, id string) (entry.LedgerEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.entries[id]
	if !ok {
		return entry.LedgerEntry{}, storage.ErrNotFound
	}
	return e, nil
}

func (s *Store) ListEntries(_ context.Context, clientID string) ([]entry.LedgerEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]entry.LedgerEntry, 0)
	for _, e := range s.entries {
		if clientID == "" || e.ClientID == clientID {
			result = append(result, e)
		}
	}
	sortEntries(result)
	return result, nil
}

func (s *Store) ListEntriesByReceipt(_ context.Context, receiptID string) ([]entry.LedgerEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]entry.LedgerEntry, 0)
	for _, e := range s.entries {
		if e.ReceiptID == receiptID {
			result = append(result, e)
		}
	}
	sortEntries(result)
	return result, nil
}

func sortEntries(entries []entry.LedgerEntry) {
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].CreatedAt.Equal(entries[j].CreatedAt) {
			return entries[i].ID < entries[j].ID
		}
		return entries[i].CreatedAt.After(entries[j].CreatedAt)
	})
}
