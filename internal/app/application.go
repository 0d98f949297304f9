// Package app wires the payment services together and manages their
// lifecycle.
package app

import (
	"context"
	"fmt"
	"math/big"
	"net/http"

	"github.com/cryp2real/pixledger/internal/allocator"
	"github.com/cryp2real/pixledger/internal/chain"
	"github.com/cryp2real/pixledger/internal/config"
	"github.com/cryp2real/pixledger/internal/services/onboarding"
	"github.com/cryp2real/pixledger/internal/services/payments"
	"github.com/cryp2real/pixledger/internal/services/rates"
	"github.com/cryp2real/pixledger/internal/services/records"
	"github.com/cryp2real/pixledger/internal/storage"
	"github.com/cryp2real/pixledger/internal/storage/memory"
	"github.com/cryp2real/pixledger/internal/system"
	"github.com/cryp2real/pixledger/pkg/logger"
)

// Ledger is the full chain surface the application depends on. Satisfied by
// *chain.Client; tests substitute fakes.
type Ledger interface {
	payments.Ledger
	IsRegistered(ctx context.Context, addr string) (bool, error)
	AddressByRef(ctx context.Context, ref string) (string, error)
	BlockNumber(ctx context.Context) (uint64, error)
}

var _ Ledger = (*chain.Client)(nil)

// Pinger reports database connectivity. Satisfied by *sql.DB.
type Pinger interface {
	PingContext(ctx context.Context) error
}

// Stores encapsulates persistence dependencies. Nil stores default to the
// in-memory implementation. DB, when set, is included in deep health checks.
type Stores struct {
	Clients storage.ClientStore
	Entries storage.EntryStore
	DB      Pinger
}

// Application ties domain services together and manages their lifecycle.
type Application struct {
	manager *system.Manager
	ledger  Ledger
	db      Pinger
	log     *logger.Logger

	Allocator  *allocator.Allocator
	Records    *records.Service
	Rates      *rates.Service
	Payments   *payments.Coordinator
	Onboarding *onboarding.Service
	Reconciler *payments.Reconciler
}

// New builds a fully initialised application with the provided stores and
// ledger access.
func New(cfg *config.Config, stores Stores, ledger Ledger, log *logger.Logger) (*Application, error) {
	if log == nil {
		log = logger.NewDefault("app")
	}
	if ledger == nil {
		return nil, fmt.Errorf("ledger required")
	}

	mem := memory.New()
	if stores.Clients == nil {
		stores.Clients = mem
	}
	if stores.Entries == nil {
		stores.Entries = mem
	}

	pool, err := allocator.PoolFromLists(cfg.Pool.Addresses, cfg.Pool.Credentials)
	if err != nil {
		return nil, err
	}
	expected, ok := new(big.Int).SetString(cfg.Pool.ExpectedBalance, 10)
	if !ok {
		return nil, fmt.Errorf("invalid expected balance %q", cfg.Pool.ExpectedBalance)
	}
	tolerance, ok := new(big.Int).SetString(cfg.Pool.DriftTolerance, 10)
	if !ok {
		return nil, fmt.Errorf("invalid drift tolerance %q", cfg.Pool.DriftTolerance)
	}

	var stateStore allocator.StateStore
	if cfg.Pool.StatePath != "" {
		stateStore = allocator.NewFileStore(cfg.Pool.StatePath)
	} else {
		stateStore = allocator.NewMemStore()
	}
	alloc, err := allocator.New(pool, ledger, stateStore, expected, tolerance, log)
	if err != nil {
		return nil, fmt.Errorf("init allocator: %w", err)
	}

	recorder := records.New(stores.Entries, log)

	fetcher, err := rates.NewHTTPFetcher(
		&http.Client{Timeout: cfg.Rates.Timeout},
		cfg.Rates.Endpoint,
		cfg.Rates.JSONPath,
		log,
	)
	if err != nil {
		return nil, fmt.Errorf("configure rate fetcher: %w", err)
	}
	rateService := rates.New(fetcher, cfg.Rates.MaxAge, log)

	reconciler := payments.NewReconciler(recorder, 0, log)

	coordinator := payments.New(ledger, stores.Clients, recorder, rateService, reconciler, payments.Options{
		CharityAddress:  cfg.Chain.CharityAddress,
		MaxReceiptPolls: cfg.Chain.MaxReceiptPolls,
		ReceiptInterval: cfg.Chain.ReceiptInterval,
	}, log)

	onboardingService := onboarding.New(stores.Clients, alloc, coordinator, recorder, ledger, ledger, log)

	manager := system.NewManager()
	for _, name := range []string{"records", "payments", "onboarding"} {
		if err := manager.Register(system.NoopService{ServiceName: name}); err != nil {
			return nil, fmt.Errorf("register %s service: %w", name, err)
		}
	}
	if err := manager.Register(reconciler); err != nil {
		return nil, fmt.Errorf("register reconciler: %w", err)
	}

	return &Application{
		manager:    manager,
		ledger:     ledger,
		db:         stores.DB,
		log:        log,
		Allocator:  alloc,
		Records:    recorder,
		Rates:      rateService,
		Payments:   coordinator,
		Onboarding: onboardingService,
		Reconciler: reconciler,
	}, nil
}

// Attach registers an additional lifecycle-managed service. Call before Start.
func (a *Application) Attach(service system.Service) error {
	return a.manager.Register(service)
}

// Start begins all registered services.
func (a *Application) Start(ctx context.Context) error {
	return a.manager.Start(ctx)
}

// Stop stops all services.
func (a *Application) Stop(ctx context.Context) error {
	return a.manager.Stop(ctx)
}

// Health reports whether the service can do useful work. The shallow check
// only confirms the process is up; deep additionally verifies the ledger node
// and, when configured, the database connection.
func (a *Application) Health(ctx context.Context, deep bool) error {
	if !deep {
		return nil
	}
	if _, err := a.ledger.BlockNumber(ctx); err != nil {
		return fmt.Errorf("ledger unreachable: %w", err)
	}
	if a.db != nil {
		if err := a.db.PingContext(ctx); err != nil {
			return fmt.Errorf("database unreachable: %w", err)
		}
	}
	return nil
}
