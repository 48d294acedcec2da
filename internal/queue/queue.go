// Package queue is the durable outbound queue of an issuing device. Every
// project, session and certificate write is enqueued in the local store and
// delivered to the authority in order, at least once, with bounded retries.
package queue

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"go.uber.org/zap"
)

// Op is the kind of mutation an entry carries.
type Op string

const (
	OpProjectUpsert     Op = "project-upsert"
	OpSessionInsert     Op = "session-insert"
	OpSessionUpdate     Op = "session-update"
	OpCertificateInsert Op = "certificate-insert"
)

// Valid reports whether op is a known operation.
func (op Op) Valid() bool {
	switch op {
	case OpProjectUpsert, OpSessionInsert, OpSessionUpdate, OpCertificateInsert:
		return true
	}
	return false
}

// State is the delivery state of an entry.
type State string

const (
	StatePending State = "pending"
	StateFailed  State = "failed"
)

var (
	ErrUnknownOp = errors.New("queue: unknown operation")
	// ErrUndelivered is returned when an entry exhausts its attempts. The
	// entry and everything after it stay pending.
	ErrUndelivered = errors.New("queue: entry not delivered")
	// ErrHalted is returned when the authority refuses the credentials of a
	// flush. The entry stays pending with its attempt recorded.
	ErrHalted = errors.New("queue: delivery halted")
	// ErrRejected is returned when an entry is permanently rejected, and by
	// every later flush until that entry is retried or discarded.
	ErrRejected = errors.New("queue: entry rejected")
	ErrNotFound = errors.New("queue: entry not found")
)

// Entry is one queued mutation.
type Entry struct {
	ID         int64           `json:"id"`
	Owner      string          `json:"owner"`
	Op         Op              `json:"op"`
	Payload    json.RawMessage `json:"payload"`
	EnqueuedAt time.Time       `json:"enqueued_at"`
	Attempts   int             `json:"attempts"`
	LastError  string          `json:"last_error,omitempty"`
	State      State           `json:"state"`
}

// Deliverer sends one entry to the authority.
type Deliverer interface {
	Deliver(ctx context.Context, e Entry) error
}

// Permanent is implemented by delivery errors that retrying cannot fix.
type Permanent interface {
	Permanent() bool
}

func isPermanent(err error) bool {
	var p Permanent
	return errors.As(err, &p) && p.Permanent()
}

// Halting is implemented by delivery errors that stop a flush without
// touching the entry, such as an expired credential.
type Halting interface {
	Halt() bool
}

func isHalting(err error) bool {
	var h Halting
	return errors.As(err, &h) && h.Halt()
}

// Options bounds the retries of a single flush.
type Options struct {
	MaxAttempts int
	BackoffBase time.Duration
	BackoffMax  time.Duration
}

// DefaultOptions are used for zero fields.
var DefaultOptions = Options{
	MaxAttempts: 5,
	BackoffBase: 500 * time.Millisecond,
	BackoffMax:  30 * time.Second,
}

// Queue is the outbound queue stored in the device database.
type Queue struct {
	db     *sql.DB
	opts   Options
	logger *zap.Logger

	now    func() time.Time
	sleep  func(ctx context.Context, d time.Duration) error
	jitter func() float64
}

// New creates a queue over the queue_entries table of db.
func New(db *sql.DB, opts Options, logger *zap.Logger) *Queue {
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = DefaultOptions.MaxAttempts
	}
	if opts.BackoffBase <= 0 {
		opts.BackoffBase = DefaultOptions.BackoffBase
	}
	if opts.BackoffMax <= 0 {
		opts.BackoffMax = DefaultOptions.BackoffMax
	}
	return &Queue{
		db:     db,
		opts:   opts,
		logger: logger,
		now:    time.Now,
		sleep:  sleepCtx,
		jitter: rand.Float64,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Backoff is the wait after the given failed attempt: BackoffBase doubled per
// attempt, capped at BackoffMax, then spread by ±25%.
func (q *Queue) Backoff(attempt int) time.Duration {
	d := q.opts.BackoffBase
	for i := 1; i < attempt && d < q.opts.BackoffMax; i++ {
		d *= 2
	}
	if d > q.opts.BackoffMax {
		d = q.opts.BackoffMax
	}
	return time.Duration(float64(d) * (0.75 + 0.5*q.jitter()))
}

// Enqueue stores a mutation for owner. payload is marshalled to JSON.
func (q *Queue) Enqueue(ctx context.Context, owner string, op Op, payload any) (Entry, error) {
	if !op.Valid() {
		return Entry{}, fmt.Errorf("%w: %q", ErrUnknownOp, op)
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return Entry{}, fmt.Errorf("queue: encode %s payload: %w", op, err)
	}

	e := Entry{Owner: owner, Op: op, Payload: raw, EnqueuedAt: q.now().UTC(), State: StatePending}
	res, err := q.db.ExecContext(ctx, `
		INSERT INTO queue_entries (owner, op, payload, enqueued_at, attempts, last_error, state)
		VALUES (?, ?, ?, ?, 0, '', ?)`, e.Owner, string(e.Op), string(e.Payload), e.EnqueuedAt, string(e.State))
	if err != nil {
		return Entry{}, fmt.Errorf("queue: enqueue %s: %w", op, err)
	}
	if e.ID, err = res.LastInsertId(); err != nil {
		return Entry{}, fmt.Errorf("queue: enqueue %s: %w", op, err)
	}

	q.logger.Debug("Queued mutation", zap.Int64("id", e.ID), zap.String("op", string(op)))
	return e, nil
}

const entryColumns = `id, owner, op, payload, enqueued_at, attempts, last_error, state`

func scanEntry(row interface{ Scan(...any) error }) (Entry, error) {
	var e Entry
	var op, payload, state string
	if err := row.Scan(&e.ID, &e.Owner, &op, &payload, &e.EnqueuedAt, &e.Attempts, &e.LastError, &state); err != nil {
		return Entry{}, err
	}
	e.Op, e.Payload, e.State = Op(op), json.RawMessage(payload), State(state)
	return e, nil
}

// List returns the entries of owner in delivery order. An empty state lists
// every entry.
func (q *Queue) List(ctx context.Context, owner string, state State) ([]Entry, error) {
	query := `SELECT ` + entryColumns + ` FROM queue_entries WHERE owner = ?`
	args := []any{owner}
	if state != "" {
		query += ` AND state = ?`
		args = append(args, string(state))
	}
	rows, err := q.db.QueryContext(ctx, query+` ORDER BY id`, args...)
	if err != nil {
		return nil, fmt.Errorf("queue: list: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("queue: scan entry: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// Pending counts the entries of owner still waiting for delivery.
func (q *Queue) Pending(ctx context.Context, owner string) (int, error) {
	var n int
	err := q.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM queue_entries WHERE owner = ? AND state = ?`, owner, string(StatePending)).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("queue: count pending: %w", err)
	}
	return n, nil
}

// Retry moves failed entries of owner back to pending with a fresh attempt
// count. id 0 retries every failed entry. It returns how many were moved.
func (q *Queue) Retry(ctx context.Context, owner string, id int64) (int64, error) {
	query := `UPDATE queue_entries SET state = ?, attempts = 0 WHERE owner = ? AND state = ?`
	args := []any{string(StatePending), owner, string(StateFailed)}
	if id != 0 {
		query += ` AND id = ?`
		args = append(args, id)
	}
	res, err := q.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("queue: retry: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("queue: retry: %w", err)
	}
	if id != 0 && n == 0 {
		return 0, ErrNotFound
	}
	return n, nil
}

// FlushResult summarizes a flush.
type FlushResult struct {
	Delivered int
	Failed    int
	Pending   int
}

// Discard deletes a failed entry of owner without delivering it.
func (q *Queue) Discard(ctx context.Context, owner string, id int64) error {
	res, err := q.db.ExecContext(ctx, `DELETE FROM queue_entries WHERE owner = ? AND id = ? AND state = ?`,
		owner, id, string(StateFailed))
	if err != nil {
		return fmt.Errorf("queue: discard: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("queue: discard: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	q.logger.Info("Discarded rejected mutation", zap.Int64("id", id))
	return nil
}

// Flush delivers the pending entries of owner in order. check is called
// after every await; when it fails the flush stops with its error and
// writes nothing more. An entry that exhausts its attempts stops the flush
// with ErrUndelivered, and a refused credential stops it with ErrHalted; in
// both cases the entry stays pending. A permanently rejected entry moves to
// the failed state and stops the flush with ErrRejected. Later entries are
// held back until it is retried or discarded.
func (q *Queue) Flush(ctx context.Context, owner string, d Deliverer, check func(context.Context) error) (FlushResult, error) {
	if check == nil {
		check = func(context.Context) error { return nil }
	}
	var res FlushResult
	for {
		e, err := scanEntry(q.db.QueryRowContext(ctx, `
			SELECT `+entryColumns+` FROM queue_entries
			WHERE owner = ? ORDER BY id LIMIT 1`, owner))
		if errors.Is(err, sql.ErrNoRows) {
			return res, nil
		}
		if err != nil {
			return res, fmt.Errorf("queue: next entry: %w", err)
		}
		if e.State == StateFailed {
			res.Failed++
			res.Pending, _ = q.Pending(ctx, owner)
			return res, fmt.Errorf("%w: entry %d (%s) blocks delivery: %s", ErrRejected, e.ID, e.Op, e.LastError)
		}

		if err := q.deliver(ctx, e, d, check); err != nil {
			if errors.Is(err, ErrRejected) {
				res.Failed++
			}
			if n, cerr := q.Pending(ctx, owner); cerr == nil {
				res.Pending = n
			}
			return res, err
		}
		res.Delivered++
	}
}

// deliver tries one entry up to MaxAttempts times.
func (q *Queue) deliver(ctx context.Context, e Entry, d Deliverer, check func(context.Context) error) error {
	log := q.logger.With(zap.Int64("id", e.ID), zap.String("op", string(e.Op)))

	var lastErr error
	for attempt := 1; attempt <= q.opts.MaxAttempts; attempt++ {
		err := d.Deliver(ctx, e)
		if cerr := check(ctx); cerr != nil {
			return cerr
		}

		if err == nil {
			if _, err := q.db.ExecContext(ctx, `DELETE FROM queue_entries WHERE id = ?`, e.ID); err != nil {
				return fmt.Errorf("queue: remove delivered entry %d: %w", e.ID, err)
			}
			log.Debug("Delivered mutation", zap.Int("attempt", attempt))
			return nil
		}

		lastErr = err
		e.Attempts++
		state := StatePending
		if isPermanent(err) && !isHalting(err) {
			state = StateFailed
		}
		if _, uerr := q.db.ExecContext(ctx, `
			UPDATE queue_entries SET attempts = ?, last_error = ?, state = ? WHERE id = ?`,
			e.Attempts, err.Error(), string(state), e.ID); uerr != nil {
			return fmt.Errorf("queue: record attempt on entry %d: %w", e.ID, uerr)
		}

		if state == StateFailed {
			log.Warn("Mutation rejected, moved to failed", zap.Error(err))
			return fmt.Errorf("%w: entry %d (%s): %w", ErrRejected, e.ID, e.Op, err)
		}
		if isHalting(err) {
			log.Warn("Credentials refused, delivery halted", zap.Error(err))
			return fmt.Errorf("%w: entry %d (%s): %w", ErrHalted, e.ID, e.Op, err)
		}
		if attempt == q.opts.MaxAttempts {
			break
		}

		wait := q.Backoff(attempt)
		log.Debug("Delivery failed, backing off", zap.Int("attempt", attempt), zap.Duration("wait", wait), zap.Error(err))
		if err := q.sleep(ctx, wait); err != nil {
			return err
		}
		if cerr := check(ctx); cerr != nil {
			return cerr
		}
	}

	log.Warn("Mutation not delivered, left pending", zap.Int("attempts", e.Attempts), zap.Error(lastErr))
	return fmt.Errorf("%w: entry %d (%s) after %d attempts: %v", ErrUndelivered, e.ID, e.Op, q.opts.MaxAttempts, lastErr)
}

// Decode unmarshals the payload of e into v.
func (e Entry) Decode(v any) error {
	if err := json.Unmarshal(e.Payload, v); err != nil {
		return fmt.Errorf("queue: decode %s payload of entry %d: %w", e.Op, e.ID, err)
	}
	return nil
}
