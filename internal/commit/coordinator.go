// Package commit owns durable publication of micro-batches. It is the only
// writer of the table and the authority for offset advancement: a broker
// offset may be acknowledged only after Commit returns nil for the flush
// covering it.
package commit

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sort"
	"sync"
	"time"

	"silt/internal/batch"
	"silt/internal/logging"
	"silt/internal/table"
	"silt/internal/telemetry"
)

// ErrRetriesExhausted wraps the last commit failure once the attempt cap is
// reached. It is fatal: the pipeline halts rather than advancing past
// unwritten data.
var ErrRetriesExhausted = errors.New("commit retries exhausted")

type Config struct {
	RetryMax       int
	BackoffInitial time.Duration
	BackoffMax     time.Duration
	Timeout        time.Duration
}

// Ack reports what a successful commit covered.
type Ack struct {
	Segments []table.SegmentInfo
	Rows     int64
}

type Coordinator struct {
	tbl *table.Table
	cfg Config

	mu    sync.Mutex
	locks map[string]*sync.Mutex // per partition key
}

func NewCoordinator(tbl *table.Table, cfg Config) *Coordinator {
	return &Coordinator{tbl: tbl, cfg: cfg, locks: make(map[string]*sync.Mutex)}
}

// Commit publishes a flush — one or more micro-batches from the same source
// partition — as a single atomic table commit, retrying transient failures
// with exponential backoff up to the configured cap. The batches' partition
// keys are locked (in sorted order, so overlapping flushes cannot deadlock):
// two commits touching the same key are serialized, while disjoint keys
// proceed concurrently. A timed-out attempt is treated as a failure and
// retried whole, never assumed to have partially succeeded; an attempt only
// becomes visible when its catalog transaction commits.
func (c *Coordinator) Commit(ctx context.Context, batches []*batch.Batch) (Ack, error) {
	batches = nonEmpty(batches)
	if len(batches) == 0 {
		return Ack{}, nil
	}

	unlock := c.lockKeys(batches)
	defer unlock()

	backoff := c.cfg.BackoffInitial
	var lastErr error
	for attempt := 1; attempt <= c.cfg.RetryMax; attempt++ {
		start := time.Now()
		segs, err := c.commitOnce(ctx, batches)
		if err == nil {
			telemetry.CommitDuration.Observe(time.Since(start).Seconds())
			ack := Ack{Segments: segs}
			for _, seg := range segs {
				telemetry.BatchesCommitted.WithLabelValues(seg.Key.EventType).Inc()
				telemetry.RowsCommitted.Add(float64(seg.RowCount))
				ack.Rows += seg.RowCount
			}
			for _, b := range batches {
				for _, r := range b.Offsets {
					telemetry.Watermark.WithLabelValues(fmt.Sprintf("%d", r.Partition)).Set(float64(r.Last))
				}
			}
			return ack, nil
		}
		lastErr = err
		if ctx.Err() != nil {
			return Ack{}, ctx.Err()
		}
		telemetry.CommitRetries.Inc()
		logging.L().Warn("commit attempt failed",
			"keys", keyNames(batches), "attempt", attempt, "max", c.cfg.RetryMax, "err", err)

		if attempt == c.cfg.RetryMax {
			break
		}
		select {
		case <-time.After(jitter(backoff)):
		case <-ctx.Done():
			return Ack{}, ctx.Err()
		}
		backoff *= 2
		if backoff > c.cfg.BackoffMax {
			backoff = c.cfg.BackoffMax
		}
	}
	return Ack{}, fmt.Errorf("%w after %d attempts for %v: %v",
		ErrRetriesExhausted, c.cfg.RetryMax, keyNames(batches), lastErr)
}

func (c *Coordinator) commitOnce(ctx context.Context, batches []*batch.Batch) ([]table.SegmentInfo, error) {
	if c.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.cfg.Timeout)
		defer cancel()
	}
	return c.tbl.CommitBatches(ctx, batches)
}

// lockKeys acquires the per-partition-key mutexes for every batch, in
// sorted key order, and returns the matching unlock.
func (c *Coordinator) lockKeys(batches []*batch.Batch) func() {
	names := keyNames(batches)

	c.mu.Lock()
	locks := make([]*sync.Mutex, 0, len(names))
	for _, name := range names {
		l, ok := c.locks[name]
		if !ok {
			l = &sync.Mutex{}
			c.locks[name] = l
		}
		locks = append(locks, l)
	}
	c.mu.Unlock()

	for _, l := range locks {
		l.Lock()
	}
	return func() {
		for i := len(locks) - 1; i >= 0; i-- {
			locks[i].Unlock()
		}
	}
}

func keyNames(batches []*batch.Batch) []string {
	seen := make(map[string]struct{}, len(batches))
	var names []string
	for _, b := range batches {
		name := b.Key.String()
		if _, dup := seen[name]; !dup {
			seen[name] = struct{}{}
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}

func nonEmpty(batches []*batch.Batch) []*batch.Batch {
	out := batches[:0]
	for _, b := range batches {
		if len(b.Events) > 0 {
			out = append(out, b)
		}
	}
	return out
}

// jitter spreads retries to avoid thundering herds against a recovering
// storage backend.
func jitter(d time.Duration) time.Duration {
	return d/2 + time.Duration(rand.Int63n(int64(d)/2+1))
}
