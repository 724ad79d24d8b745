// Package scheduler owns the two-tier operation queues. It fans signals out
// to per-user operations, drains bounded batches on a tick with a weighted
// managed/sandbox split, and drives the retry state machine
// QUEUED -> PROCESSING -> DONE | FAILED.
package scheduler

import (
	"context"
	"fmt"
	"log"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"

	"signal-core/internal/events"
	"signal-core/internal/tier"
	"signal-core/pkg/db"
)

const (
	StatusQueued     = "QUEUED"
	StatusProcessing = "PROCESSING"
	StatusDone       = "DONE"
	StatusFailed     = "FAILED"
)

// BusyError signals backpressure for one tier. The caller logs and drops;
// the other tier is unaffected.
type BusyError struct {
	Tier string
}

func (e *BusyError) Error() string {
	return fmt.Sprintf("queue busy for tier %s", e.Tier)
}

// Outcome is what the execution engine reports back per operation.
type Outcome struct {
	OK     bool   // operation reached a definitive result (filled or rejected)
	Retry  bool   // transient failure, re-enqueue with backoff
	Reason string
}

// Executor runs one operation to an outcome. Implemented by the execution
// engine.
type Executor interface {
	ExecuteOp(ctx context.Context, op db.QueuedOperation) Outcome
}

// Closer translates a cancel that arrived while the operation was
// PROCESSING into a close instruction once the operation completes.
type Closer interface {
	CloseForOperation(ctx context.Context, op db.QueuedOperation) error
}

// Config tunes the scheduler loop.
type Config struct {
	TickInterval      time.Duration
	BatchCapacity     int
	ManagedShare      float64 // fraction of batch slots reserved for MANAGED
	DepthLimit        int     // per-tier backpressure threshold
	MaxAttempts       int
	BaseDelay         time.Duration // retry backoff base, doubles per attempt
	SandboxDropOnBusy bool          // drop sandbox ops over the limit instead of delaying
}

func (c *Config) setDefaults() {
	if c.TickInterval <= 0 {
		c.TickInterval = 500 * time.Millisecond
	}
	if c.BatchCapacity <= 0 {
		c.BatchCapacity = 10
	}
	if c.ManagedShare <= 0 || c.ManagedShare >= 1 {
		c.ManagedShare = 0.8
	}
	if c.DepthLimit <= 0 {
		c.DepthLimit = 1000
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if c.BaseDelay <= 0 {
		c.BaseDelay = time.Second
	}
}

type item struct {
	op      db.QueuedOperation
	readyAt time.Time // zero for first attempts; future for backoff retries
}

// Scheduler maintains the MANAGED and SANDBOX queues.
type Scheduler struct {
	cfg        Config
	database   *db.Database
	classifier tier.Classifier
	bus        *events.Bus
	executor   Executor
	closer     Closer

	mu           sync.Mutex
	managed      []item
	sandbox      []item
	pendingClose map[string]bool // op id -> close after terminal result
	drained      uint64
	inFlight     sync.WaitGroup
}

func New(cfg Config, database *db.Database, classifier tier.Classifier, bus *events.Bus, executor Executor, closer Closer) *Scheduler {
	cfg.setDefaults()
	return &Scheduler{
		cfg:          cfg,
		database:     database,
		classifier:   classifier,
		bus:          bus,
		executor:     executor,
		closer:       closer,
		pendingClose: make(map[string]bool),
	}
}

// Recover requeues operations interrupted by a crash and reloads QUEUED rows
// into the in-memory queues. Must run before the loop starts.
func (s *Scheduler) Recover(ctx context.Context) error {
	requeued, err := s.database.ResetProcessingOps(ctx)
	if err != nil {
		return err
	}
	if requeued > 0 {
		log.Printf("scheduler: requeued %d interrupted operations", requeued)
	}

	ops, err := s.database.ListQueuedOps(ctx)
	if err != nil {
		return err
	}
	s.mu.Lock()
	for _, op := range ops {
		s.push(item{op: op})
	}
	s.mu.Unlock()
	if len(ops) > 0 {
		log.Printf("scheduler: restored %d queued operations", len(ops))
	}
	return nil
}

// Enqueue fans a signal out to one operation per eligible user connection.
// Enqueueing is idempotent on (signalID, userID): an existing operation for
// the pair makes the new one a no-op. Over-limit tiers are refused
// individually; an over-limit SANDBOX queue either drops or delays the
// operation depending on configuration.
func (s *Scheduler) Enqueue(ctx context.Context, sig db.Signal, conns []db.Connection) (accepted int, err error) {
	for _, conn := range conns {
		userTier, err := s.classifier.Classify(ctx, conn.UserID)
		if err != nil {
			log.Printf("scheduler: classify %s: %v", conn.UserID, err)
			continue
		}

		if busy := s.overLimit(userTier); busy != nil {
			if userTier == tier.Sandbox && !s.cfg.SandboxDropOnBusy {
				// configured to delay rather than skip: accept anyway
			} else {
				log.Printf("scheduler: %v, dropping op for signal %s user %s", busy, sig.ID, conn.UserID)
				s.bus.Publish(events.EventOpDropped, map[string]string{
					"signal_id": sig.ID, "user_id": conn.UserID, "tier": userTier,
				})
				continue
			}
		}

		op := db.QueuedOperation{
			ID:         uuid.NewString(),
			SignalID:   sig.ID,
			UserID:     conn.UserID,
			Tier:       userTier,
			Venue:      conn.Venue,
			Status:     StatusQueued,
			EnqueuedAt: time.Now().UTC(),
		}
		inserted, err := s.database.InsertQueuedOp(ctx, op)
		if err != nil {
			return accepted, fmt.Errorf("enqueue op: %w", err)
		}
		if !inserted {
			// duplicate (signalID, userID); the earlier operation stands
			continue
		}

		s.mu.Lock()
		s.push(item{op: op})
		s.mu.Unlock()
		accepted++
		s.bus.Publish(events.EventOpEnqueued, op)
	}
	return accepted, nil
}

// overLimit returns a BusyError when the tier's queue exceeds the depth
// threshold, nil otherwise.
func (s *Scheduler) overLimit(userTier string) *BusyError {
	s.mu.Lock()
	defer s.mu.Unlock()
	depth := len(s.sandbox)
	if userTier == tier.Managed {
		depth = len(s.managed)
	}
	if depth >= s.cfg.DepthLimit {
		return &BusyError{Tier: userTier}
	}
	return nil
}

// push appends to the tier's queue. Caller holds the lock.
func (s *Scheduler) push(it item) {
	if it.op.Tier == tier.Managed {
		s.managed = append(s.managed, it)
	} else {
		s.sandbox = append(s.sandbox, it)
	}
}

// DrainBatch removes up to BatchCapacity ready operations, splitting slots
// by ManagedShare and reallocating slots a tier cannot fill to the other
// (work-conserving). FIFO holds within each tier.
func (s *Scheduler) DrainBatch() []db.QueuedOperation {
	now := time.Now()
	s.mu.Lock()
	defer s.mu.Unlock()

	managedSlots := int(math.Round(float64(s.cfg.BatchCapacity) * s.cfg.ManagedShare))
	sandboxSlots := s.cfg.BatchCapacity - managedSlots

	fromManaged := takeReady(&s.managed, managedSlots, now)
	// unused managed slots go to sandbox and vice versa
	fromSandbox := takeReady(&s.sandbox, sandboxSlots+managedSlots-len(fromManaged), now)
	if leftover := sandboxSlots - len(fromSandbox); leftover > 0 {
		fromManaged = append(fromManaged, takeReady(&s.managed, leftover, now)...)
	}

	batch := append(fromManaged, fromSandbox...)
	s.drained += uint64(len(batch))
	return batch
}

// takeReady removes up to n ready items from q in FIFO order, keeping items
// still waiting out their backoff in place.
func takeReady(q *[]item, n int, now time.Time) []db.QueuedOperation {
	if n <= 0 {
		return nil
	}
	var taken []db.QueuedOperation
	remaining := (*q)[:0]
	for _, it := range *q {
		if len(taken) < n && !it.readyAt.After(now) {
			taken = append(taken, it.op)
			continue
		}
		remaining = append(remaining, it)
	}
	*q = remaining
	return taken
}

// Run drives the drain loop until ctx is cancelled, then waits for in-flight
// executions to finish.
func (s *Scheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.TickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			s.inFlight.Wait()
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

func (s *Scheduler) tick(ctx context.Context) {
	batch := s.DrainBatch()
	for _, op := range batch {
		op := op
		op.Status = StatusProcessing
		if err := s.database.UpdateQueuedOp(ctx, op.ID, StatusProcessing, op.Attempts, ""); err != nil {
			log.Printf("scheduler: mark processing %s: %v", op.ID, err)
		}
		s.inFlight.Add(1)
		go func() {
			defer s.inFlight.Done()
			s.runOne(ctx, op)
		}()
	}
}

// runOne executes an operation and applies the outcome to the state machine.
func (s *Scheduler) runOne(ctx context.Context, op db.QueuedOperation) {
	op.Attempts++
	outcome := s.executor.ExecuteOp(ctx, op)

	switch {
	case outcome.OK:
		s.finish(ctx, op, StatusDone, outcome.Reason)
	case outcome.Retry && op.Attempts < s.cfg.MaxAttempts:
		delay := s.cfg.BaseDelay << (op.Attempts - 1)
		log.Printf("scheduler: op %s attempt %d failed (%s), retrying in %s", op.ID, op.Attempts, outcome.Reason, delay)
		op.Status = StatusQueued
		if err := s.database.UpdateQueuedOp(ctx, op.ID, StatusQueued, op.Attempts, outcome.Reason); err != nil {
			log.Printf("scheduler: requeue %s: %v", op.ID, err)
		}
		s.mu.Lock()
		s.push(item{op: op, readyAt: time.Now().Add(delay)})
		s.mu.Unlock()
	default:
		log.Printf("scheduler: op %s failed terminally after %d attempts: %s", op.ID, op.Attempts, outcome.Reason)
		s.finish(ctx, op, StatusFailed, outcome.Reason)
	}
}

// finish records a terminal status and honors any cancel that arrived while
// the operation was PROCESSING.
func (s *Scheduler) finish(ctx context.Context, op db.QueuedOperation, status, reason string) {
	if err := s.database.UpdateQueuedOp(ctx, op.ID, status, op.Attempts, reason); err != nil {
		log.Printf("scheduler: finish %s: %v", op.ID, err)
	}

	s.mu.Lock()
	wantClose := s.pendingClose[op.ID]
	delete(s.pendingClose, op.ID)
	s.mu.Unlock()

	if wantClose && status == StatusDone && s.closer != nil {
		if err := s.closer.CloseForOperation(ctx, op); err != nil {
			log.Printf("scheduler: close after cancel for op %s: %v", op.ID, err)
		}
	}
}

// Cancel removes a QUEUED operation. An operation already PROCESSING cannot
// be removed; the cancel is recorded and translated into a close instruction
// when the operation reaches a terminal result. A cancel arriving after the
// result closes the position immediately.
func (s *Scheduler) Cancel(ctx context.Context, opID string) error {
	s.mu.Lock()
	if removed := removeByID(&s.managed, opID) || removeByID(&s.sandbox, opID); removed {
		s.mu.Unlock()
		return s.database.DeleteQueuedOp(ctx, opID)
	}
	// Record first so a finish racing this call consumes the entry.
	s.pendingClose[opID] = true
	s.mu.Unlock()

	op, err := s.database.GetQueuedOp(ctx, opID)
	if err != nil {
		s.mu.Lock()
		delete(s.pendingClose, opID)
		s.mu.Unlock()
		return fmt.Errorf("cancel op %s: %w", opID, err)
	}
	if op.Status != StatusDone && op.Status != StatusFailed {
		log.Printf("scheduler: op %s is processing, cancel recorded as pending close", opID)
		return nil
	}

	// Already terminal. Consume the entry ourselves unless finish beat us
	// to it, then close directly.
	s.mu.Lock()
	mine := s.pendingClose[opID]
	delete(s.pendingClose, opID)
	s.mu.Unlock()
	if mine && op.Status == StatusDone && s.closer != nil {
		if err := s.closer.CloseForOperation(ctx, op); err != nil {
			return fmt.Errorf("close after late cancel of op %s: %w", opID, err)
		}
		log.Printf("scheduler: op %s already done, cancel closed the position", opID)
	}
	return nil
}

func removeByID(q *[]item, opID string) bool {
	for i, it := range *q {
		if it.op.ID == opID {
			*q = append((*q)[:i], (*q)[i+1:]...)
			return true
		}
	}
	return false
}

// Depths reports current per-tier queue depth.
func (s *Scheduler) Depths() (managed, sandbox int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.managed), len(s.sandbox)
}

// Drained reports how many operations have been handed to the engine.
func (s *Scheduler) Drained() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.drained
}
