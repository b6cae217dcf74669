/*
scheduler.go - Automated commission sweep scheduler

PURPOSE:
  Periodically finds orders that have no commission records yet (imported
  out-of-band, or created while computation was failing) and computes them.

DESIGN:
  - Runs a background goroutine with configurable check interval
  - Picks up orders with no non-reversed records and no unattributed note
  - Per-order failures are logged and skipped; the sweep continues

CONFIGURATION:
  - CheckInterval: How often to check (default: 1 hour)
  - Enabled: Whether scheduler is active (default: true)

USAGE:
  scheduler := NewSweepScheduler(store, handler)
  scheduler.Start()
  // ... later
  scheduler.Stop()

SEE ALSO:
  - handlers.go: ComputeCommissions endpoint (manual computation)
  - engine/calculator.go: Calculator
*/
package api

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/warp/commission-engine/store/sqlite"
)

// SweepScheduler computes commissions for orders the API never reached.
type SweepScheduler struct {
	Store         *sqlite.Store
	Handler       *Handler
	CheckInterval time.Duration
	Enabled       bool

	ticker *time.Ticker
	stop   chan bool
	wg     sync.WaitGroup
	mu     sync.Mutex
}

// NewSweepScheduler creates a new scheduler.
func NewSweepScheduler(store *sqlite.Store, handler *Handler) *SweepScheduler {
	return &SweepScheduler{
		Store:         store,
		Handler:       handler,
		CheckInterval: 1 * time.Hour,
		Enabled:       true,
		stop:          make(chan bool),
	}
}

// Start begins the scheduler.
func (ss *SweepScheduler) Start() {
	ss.mu.Lock()
	defer ss.mu.Unlock()

	if !ss.Enabled {
		log.Println("[Scheduler] Disabled, not starting")
		return
	}

	ss.ticker = time.NewTicker(ss.CheckInterval)
	ss.wg.Add(1)

	go ss.run()

	log.Printf("[Scheduler] Started with check interval: %v", ss.CheckInterval)
}

// Stop stops the scheduler.
func (ss *SweepScheduler) Stop() {
	ss.mu.Lock()
	defer ss.mu.Unlock()

	if ss.ticker != nil {
		ss.ticker.Stop()
		close(ss.stop)
		ss.wg.Wait()
		log.Println("[Scheduler] Stopped")
	}
}

func (ss *SweepScheduler) run() {
	defer ss.wg.Done()

	// Run immediately on start
	ss.sweep()

	for {
		select {
		case <-ss.ticker.C:
			ss.sweep()
		case <-ss.stop:
			return
		}
	}
}

func (ss *SweepScheduler) sweep() {
	ctx := context.Background()

	ids, err := ss.Store.UncommissionedOrders(ctx)
	if err != nil {
		log.Printf("[Scheduler] Error listing uncommissioned orders: %v", err)
		return
	}
	if len(ids) == 0 {
		return
	}

	log.Printf("[Scheduler] Found %d uncommissioned orders", len(ids))

	processed := 0
	for _, id := range ids {
		if _, err := ss.Handler.Calculator.ComputeCommission(ctx, id); err != nil {
			log.Printf("[Scheduler] Error computing commissions for %s: %v", id, err)
			continue
		}
		processed++
	}

	log.Printf("[Scheduler] Completed: %d processed, %d failed", processed, len(ids)-processed)
}

// RunNow triggers an immediate sweep (for testing/admin).
func (ss *SweepScheduler) RunNow() {
	ss.sweep()
}
