// Package batch groups validated events into per-partition-key micro-batches
// bounded by record count and age.
package batch

import (
	"time"

	"silt/internal/event"
	"silt/internal/partition"
)

// OffsetRange is the contiguous span of broker offsets a batch covers for
// one source partition. Used by the commit path to advance watermarks.
type OffsetRange struct {
	Topic     string
	Partition int32
	First     int64
	Last      int64
}

// Batch is an ordered run of events sharing one partition key, eligible for
// a single atomic commit. Events keep the relative order they were consumed
// in; no reordering by event timestamp.
type Batch struct {
	Key      partition.Key
	Events   []*event.Event
	Offsets  map[int32]OffsetRange
	OpenedAt time.Time
}

func (b *Batch) observe(raw event.Raw) {
	r, ok := b.Offsets[raw.Partition]
	if !ok {
		b.Offsets[raw.Partition] = OffsetRange{Topic: raw.Topic, Partition: raw.Partition, First: raw.Offset, Last: raw.Offset}
		return
	}
	r.Last = raw.Offset
	b.Offsets[raw.Partition] = r
}

// Assembler keeps one open batch per partition key. It is not goroutine
// safe: each consumer worker owns exactly one assembler and drives it from
// its claim loop.
type Assembler struct {
	maxRecords int
	maxAge     time.Duration
	now        func() time.Time

	open map[partition.Key]*Batch
}

func NewAssembler(maxRecords int, maxAge time.Duration) *Assembler {
	return &Assembler{
		maxRecords: maxRecords,
		maxAge:     maxAge,
		now:        time.Now,
		open:       make(map[partition.Key]*Batch),
	}
}

// Add appends an event to its key's open batch and returns the batch if the
// record-count threshold was reached, nil otherwise. The returned batch is
// sealed: the assembler no longer references it.
func (a *Assembler) Add(ev *event.Event, raw event.Raw) *Batch {
	key := partition.KeyOf(ev)
	b, ok := a.open[key]
	if !ok {
		b = &Batch{Key: key, Offsets: make(map[int32]OffsetRange), OpenedAt: a.now()}
		a.open[key] = b
	}
	b.Events = append(b.Events, ev)
	b.observe(raw)
	if len(b.Events) >= a.maxRecords {
		delete(a.open, key)
		return b
	}
	return nil
}

// Due seals and returns every open batch whose first record is older than
// the age threshold. Flushing one key never touches the others.
func (a *Assembler) Due(now time.Time) []*Batch {
	var due []*Batch
	for key, b := range a.open {
		if now.Sub(b.OpenedAt) >= a.maxAge {
			delete(a.open, key)
			due = append(due, b)
		}
	}
	return due
}

// FlushAll seals and returns every open batch, regardless of size or age.
// Used on shutdown and rebalance.
func (a *Assembler) FlushAll() []*Batch {
	var all []*Batch
	for key, b := range a.open {
		delete(a.open, key)
		all = append(all, b)
	}
	return all
}

// Open reports the number of open batches.
func (a *Assembler) Open() int { return len(a.open) }

// MaxAge reports the configured age threshold.
func (a *Assembler) MaxAge() time.Duration { return a.maxAge }
