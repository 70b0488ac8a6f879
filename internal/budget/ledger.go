package budget

import (
	"context"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"github.com/gorhill/cronexpr"
)

// Record is the durable spend state for one accounting period.
type Record struct {
	PeriodID  string    `json:"period_id"`
	Spent     float64   `json:"spent"`
	Cap       float64   `json:"cap"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Store persists ledger records across process restarts.
type Store interface {
	LoadRecord(ctx context.Context) (Record, bool, error)
	SaveRecord(ctx context.Context, rec Record) error
}

// Reservation is a provisional charge held against the ledger until it is
// committed with the provider-reported cost or released after a failed call.
type Reservation struct {
	amount  float64
	settled bool
}

// Amount returns the provisional charge held by the reservation.
func (r *Reservation) Amount() float64 { return r.amount }

// Ledger enforces a hard spend cap over all external API calls. Every
// mutation of the spend counter happens inside a single critical section;
// callers hold reservations across their network calls, never the lock.
type Ledger struct {
	mu        sync.Mutex
	rec       Record
	store     Store
	schedule  *cronexpr.Expression
	nextReset time.Time
	logger    *log.Logger
}

// NewLedger builds a ledger with the given cap, restoring prior spend from
// the store when a record for the current period exists. resetSpec is an
// optional cron expression; when set, spend resets to zero at each boundary.
func NewLedger(ctx context.Context, cap float64, resetSpec string, store Store, logger *log.Logger) (*Ledger, error) {
	if cap < 0 {
		return nil, fmt.Errorf("budget cap cannot be negative")
	}
	if logger == nil {
		logger = log.New(os.Stdout, "[BUDGET] ", log.LstdFlags)
	}
	l := &Ledger{
		store:  store,
		logger: logger,
	}
	now := time.Now().UTC()
	if resetSpec != "" {
		expr, err := cronexpr.Parse(resetSpec)
		if err != nil {
			return nil, fmt.Errorf("parse budget reset schedule: %w", err)
		}
		l.schedule = expr
		l.nextReset = expr.Next(now)
	}
	l.rec = Record{PeriodID: l.periodID(now), Cap: cap, UpdatedAt: now}
	if store != nil {
		saved, ok, err := store.LoadRecord(ctx)
		if err != nil {
			return nil, fmt.Errorf("load ledger record: %w", err)
		}
		if ok && saved.PeriodID == l.rec.PeriodID {
			l.rec.Spent = saved.Spent
			l.rec.UpdatedAt = saved.UpdatedAt
			logger.Printf("restored ledger: period=%s spent=$%.4f cap=$%.4f", saved.PeriodID, saved.Spent, cap)
		}
	}
	return l, nil
}

// Reserve atomically checks spent+estimated against the cap and holds the
// estimate as a provisional charge. It never mutates state on failure.
func (l *Ledger) Reserve(estimated float64) (*Reservation, error) {
	if estimated < 0 {
		return nil, fmt.Errorf("reservation cannot be negative")
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.rollPeriod(time.Now().UTC())
	if l.rec.Spent+estimated > l.rec.Cap {
		return nil, ErrExceeded{Requested: estimated, Spent: l.rec.Spent, Cap: l.rec.Cap}
	}
	l.rec.Spent += estimated
	return &Reservation{amount: estimated}, nil
}

// Commit adjusts the provisional charge to the provider-reported actual cost
// and flushes the new spend before returning. When the actual cost is unknown
// (zero or negative) the conservative estimate stays on the books.
func (l *Ledger) Commit(ctx context.Context, res *Reservation, actual float64) error {
	if res == nil {
		return fmt.Errorf("nil reservation")
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if res.settled {
		return nil
	}
	res.settled = true
	if actual > 0 {
		l.rec.Spent += actual - res.amount
		if l.rec.Spent < 0 {
			l.rec.Spent = 0
		}
	}
	l.rec.UpdatedAt = time.Now().UTC()
	return l.flush(ctx)
}

// Release refunds a provisional charge after a failed or cancelled call.
// Releasing a settled reservation is a no-op.
func (l *Ledger) Release(ctx context.Context, res *Reservation) error {
	if res == nil {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if res.settled {
		return nil
	}
	res.settled = true
	l.rec.Spent -= res.amount
	if l.rec.Spent < 0 {
		l.rec.Spent = 0
	}
	l.rec.UpdatedAt = time.Now().UTC()
	return l.flush(ctx)
}

// Headroom returns the remaining budget, zero once the cap is exhausted.
func (l *Ledger) Headroom() float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.rollPeriod(time.Now().UTC())
	if h := l.rec.Cap - l.rec.Spent; h > 0 {
		return h
	}
	return 0
}

// Snapshot returns a copy of the current ledger record.
func (l *Ledger) Snapshot() Record {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.rollPeriod(time.Now().UTC())
	return l.rec
}

// rollPeriod resets spend when the reset schedule has passed. Callers must
// hold l.mu.
func (l *Ledger) rollPeriod(now time.Time) {
	if l.schedule == nil || now.Before(l.nextReset) {
		return
	}
	for !now.Before(l.nextReset) {
		l.nextReset = l.schedule.Next(l.nextReset)
	}
	l.logger.Printf("budget period rolled: spent=$%.4f reset to 0", l.rec.Spent)
	l.rec = Record{PeriodID: l.periodID(now), Cap: l.rec.Cap, UpdatedAt: now}
}

func (l *Ledger) periodID(now time.Time) string {
	if l.schedule == nil {
		return "all-time"
	}
	// Identify the period by its start: the boundary preceding nextReset.
	return l.nextReset.Format(time.RFC3339)
}

func (l *Ledger) flush(ctx context.Context) error {
	if l.store == nil {
		return nil
	}
	if err := l.store.SaveRecord(ctx, l.rec); err != nil {
		return fmt.Errorf("persist ledger record: %w", err)
	}
	return nil
}
