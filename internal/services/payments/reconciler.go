package payments

import (
	"context"
	"sync"
	"time"

	"github.com/cryp2real/pixledger/internal/domain/entry"
	"github.com/cryp2real/pixledger/internal/metrics"
	"github.com/cryp2real/pixledger/internal/services/records"
	"github.com/cryp2real/pixledger/internal/system"
	"github.com/cryp2real/pixledger/pkg/logger"
)

// Reconciler retries local record writes that failed after a ledger
// confirmation. It replays the exact entry with its known receipt id, so a
// retry can never resubmit money movement; the idempotent recorder collapses
// races with a concurrent manual retry into one row.
type Reconciler struct {
	recorder *records.Service
	interval time.Duration
	log      *logger.Logger

	mu          sync.Mutex
	cancel      context.CancelFunc
	wg          sync.WaitGroup
	running     bool
	pending     map[string]entry.LedgerEntry
	nextAttempt map[string]time.Time
}

var _ system.Service = (*Reconciler)(nil)

// NewReconciler creates a lifecycle-managed reconciliation worker.
func NewReconciler(recorder *records.Service, interval time.Duration, log *logger.Logger) *Reconciler {
	if log == nil {
		log = logger.NewDefault("reconciler")
	}
	if interval <= 0 {
		interval = 15 * time.Second
	}
	return &Reconciler{
		recorder:    recorder,
		interval:    interval,
		log:         log,
		pending:     make(map[string]entry.LedgerEntry),
		nextAttempt: make(map[string]time.Time),
	}
}

func (r *Reconciler) Name() string { return "payment-reconciler" }

// Enqueue schedules a confirmed-but-unrecorded entry for retry.
func (r *Reconciler) Enqueue(e entry.LedgerEntry) {
	key := e.ReceiptID + "|" + string(e.Kind) + "|" + e.ClientID
	r.mu.Lock()
	r.pending[key] = e
	depth := len(r.pending)
	r.mu.Unlock()
	metrics.RecordReconciliation("queued", depth)
}

// Pending reports the current queue depth.
func (r *Reconciler) Pending() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pending)
}

func (r *Reconciler) Start(ctx context.Context) error {
	r.mu.Lock()
	if r.running {
		r.mu.Unlock()
		return nil
	}
	runCtx, cancel := context.WithCancel(ctx)
	r.cancel = cancel
	r.running = true
	r.mu.Unlock()

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		ticker := time.NewTicker(r.interval)
		defer ticker.Stop()
		for {
			select {
			case <-runCtx.Done():
				return
			case <-ticker.C:
				r.tick(runCtx)
			}
		}
	}()

	r.log.Info("payment reconciler started")
	return nil
}

func (r *Reconciler) Stop(ctx context.Context) error {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return nil
	}
	cancel := r.cancel
	r.running = false
	r.cancel = nil
	r.mu.Unlock()

	if cancel != nil {
		cancel()
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		r.wg.Wait()
	}()

	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}

	r.log.Info("payment reconciler stopped")
	return nil
}

func (r *Reconciler) tick(ctx context.Context) {
	now := time.Now()

	r.mu.Lock()
	due := make(map[string]entry.LedgerEntry)
	for key, e := range r.pending {
		if next, ok := r.nextAttempt[key]; ok && now.Before(next) {
			continue
		}
		due[key] = e
	}
	r.mu.Unlock()

	for key, e := range due {
		if _, err := r.recorder.Record(ctx, e); err != nil {
			r.log.WithError(err).WithField("receipt_id", e.ReceiptID).Warn("reconciliation attempt failed")
			r.mu.Lock()
			r.nextAttempt[key] = time.Now().Add(r.interval)
			depth := len(r.pending)
			r.mu.Unlock()
			metrics.RecordReconciliation("failed", depth)
			continue
		}

		r.mu.Lock()
		delete(r.pending, key)
		delete(r.nextAttempt, key)
		depth := len(r.pending)
		r.mu.Unlock()
		metrics.RecordReconciliation("recorded", depth)
		r.log.WithField("receipt_id", e.ReceiptID).Info("entry reconciled")
	}
}
