// Package archive moves completed sessions into the long-term memory bank.
// Archival is asynchronous and idempotent: the record write is an upsert
// keyed on the session, concurrent triggers for the same session collapse
// via singleflight, and failed writes land on a retry queue drained by a
// periodic sweep. The memory bank is shielded by a rate limiter and a
// circuit breaker so a struggling backend never sees a write stampede.
package archive

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/sony/gobreaker"
	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"

	"github.com/memgo-dev/memgo/pkg/memorybank"
	"github.com/memgo-dev/memgo/pkg/session"
)

// ErrArchiveUnavailable is returned when the memory bank rejected the
// record and it was queued for retry.
var ErrArchiveUnavailable = errors.New("archival deferred, memory bank unavailable")

// Config tunes the archiver.
type Config struct {
	// SweepSchedule is the cron schedule for the retry sweep
	// (default: "@every 30s").
	SweepSchedule string
	// MaxAttempts bounds retries per record before it is dropped
	// (default: 10).
	MaxAttempts int
	// WritesPerSecond rate-limits memory bank writes (default: 10).
	WritesPerSecond float64
	// Burst is the rate limiter burst size (default: 5).
	Burst int
	// Timeout bounds each archival write (default: 10s).
	Timeout time.Duration
}

func (c *Config) applyDefaults() {
	if c.SweepSchedule == "" {
		c.SweepSchedule = "@every 30s"
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 10
	}
	if c.WritesPerSecond <= 0 {
		c.WritesPerSecond = 10
	}
	if c.Burst <= 0 {
		c.Burst = 5
	}
	if c.Timeout <= 0 {
		c.Timeout = 10 * time.Second
	}
}

// pendingRecord is a failed archival waiting for the retry sweep.
type pendingRecord struct {
	rec      memorybank.Record
	attempts int
	lastTry  time.Time
}

// Archiver writes session records to the memory bank.
type Archiver struct {
	bank    memorybank.Service
	cfg     Config
	group   singleflight.Group
	breaker *gobreaker.CircuitBreaker
	limiter *rate.Limiter
	cron    *cron.Cron

	mu      sync.Mutex
	pending map[string]*pendingRecord
	closed  bool

	wg sync.WaitGroup
}

// New creates an Archiver and starts its retry sweep.
func New(bank memorybank.Service, cfg Config) (*Archiver, error) {
	if bank == nil {
		return nil, errors.New("memory bank is required")
	}
	cfg.applyDefaults()

	a := &Archiver{
		bank:    bank,
		cfg:     cfg,
		limiter: rate.NewLimiter(rate.Limit(cfg.WritesPerSecond), cfg.Burst),
		pending: make(map[string]*pendingRecord),
		cron:    cron.New(),
	}

	a.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "memorybank-writes",
		Timeout: 30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 3
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Printf("archive: circuit breaker %s: %s -> %s", name, from, to)
		},
	})

	if _, err := a.cron.AddFunc(cfg.SweepSchedule, a.sweep); err != nil {
		return nil, fmt.Errorf("invalid sweep schedule %q: %w", cfg.SweepSchedule, err)
	}
	a.cron.Start()

	return a, nil
}

// Archive derives the memory record for a session and upserts it into the
// memory bank. Concurrent calls for the same session collapse into one
// write. A session with no turns is skipped. On backend failure the record
// is queued for retry and ErrArchiveUnavailable is returned.
func (a *Archiver) Archive(ctx context.Context, sess session.Session) error {
	_, err, _ := a.group.Do(sess.ID(), func() (any, error) {
		return nil, a.archiveOnce(ctx, sess)
	})
	return err
}

// ArchiveAsync triggers archival in the background, detached from the
// caller's context. Errors are retried by the sweep and logged; the
// triggering turn never waits on or fails with archival.
func (a *Archiver) ArchiveAsync(sess session.Session) {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return
	}
	a.wg.Add(1)
	a.mu.Unlock()

	go func() {
		defer a.wg.Done()

		ctx, cancel := context.WithTimeout(context.Background(), a.cfg.Timeout)
		defer cancel()

		if err := a.Archive(ctx, sess); err != nil && !errors.Is(err, ErrArchiveUnavailable) {
			log.Printf("archive: session %s: %v", sess.ID(), err)
		}
	}()
}

func (a *Archiver) archiveOnce(ctx context.Context, sess session.Session) error {
	turns, err := sess.Turns(ctx)
	if err != nil {
		return fmt.Errorf("load turns for session %s: %w", sess.ID(), err)
	}
	if len(turns) == 0 {
		return nil
	}

	rec := memorybank.Derive(sess.Metadata(), turns)

	if err := a.submit(ctx, rec); err != nil {
		if errors.Is(err, memorybank.ErrMissingScope) {
			return err
		}
		a.enqueue(rec)
		return fmt.Errorf("%w: %v", ErrArchiveUnavailable, err)
	}

	if _, err := sess.MarkArchived(ctx); err != nil {
		// The record is already durable; the flag catches up on the
		// next archival of this session.
		log.Printf("archive: mark session %s archived: %v", sess.ID(), err)
	}
	return nil
}

// submit pushes one record through the rate limiter and circuit breaker.
func (a *Archiver) submit(ctx context.Context, rec memorybank.Record) error {
	if err := a.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limit: %w", err)
	}

	_, err := a.breaker.Execute(func() (any, error) {
		return nil, a.bank.AddSession(ctx, rec)
	})
	return err
}

// enqueue records a failed write for the retry sweep. Requeueing the same
// session replaces the stale record and keeps its attempt count.
func (a *Archiver) enqueue(rec memorybank.Record) {
	key := rec.AppName + "/" + rec.UserID + "/" + rec.SessionID

	a.mu.Lock()
	defer a.mu.Unlock()

	if a.closed {
		return
	}
	if existing, ok := a.pending[key]; ok {
		existing.rec = rec
		existing.lastTry = time.Now()
		return
	}
	a.pending[key] = &pendingRecord{rec: rec, lastTry: time.Now()}
}

// sweep retries queued records. Records that exhaust MaxAttempts are
// dropped with a log line rather than retried forever.
func (a *Archiver) sweep() {
	a.mu.Lock()
	if a.closed || len(a.pending) == 0 {
		a.mu.Unlock()
		return
	}
	batch := make(map[string]*pendingRecord, len(a.pending))
	for k, v := range a.pending {
		batch[k] = v
	}
	a.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), a.cfg.Timeout)
	defer cancel()

	for key, entry := range batch {
		if err := a.submit(ctx, entry.rec); err != nil {
			a.mu.Lock()
			entry.attempts++
			entry.lastTry = time.Now()
			if entry.attempts >= a.cfg.MaxAttempts {
				delete(a.pending, key)
				log.Printf("archive: dropping record for %s after %d attempts: %v",
					key, entry.attempts, err)
			}
			a.mu.Unlock()
			continue
		}

		a.mu.Lock()
		delete(a.pending, key)
		a.mu.Unlock()
	}
}

// PendingCount reports the retry queue depth.
func (a *Archiver) PendingCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.pending)
}

// Sweep runs one retry pass immediately, outside the cron schedule.
func (a *Archiver) Sweep() {
	a.sweep()
}

// Close stops the sweep, waits for in-flight archivals, and makes one
// final attempt at the retry queue.
func (a *Archiver) Close() error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return nil
	}
	a.closed = true
	remaining := a.pending
	a.pending = make(map[string]*pendingRecord)
	a.mu.Unlock()

	stopCtx := a.cron.Stop()
	<-stopCtx.Done()

	a.wg.Wait()

	ctx, cancel := context.WithTimeout(context.Background(), a.cfg.Timeout)
	defer cancel()

	for key, entry := range remaining {
		if err := a.submit(ctx, entry.rec); err != nil {
			log.Printf("archive: record for %s not flushed on shutdown: %v", key, err)
		}
	}
	return nil
}
