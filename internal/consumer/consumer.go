// Package consumer pulls records from the broker and drives them through
// validation, batching and commit. Broker offset acknowledgment never
// outpaces the durable table commit: MarkOffset/Commit run only after the
// commit coordinator has published the covering flush.
package consumer

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/IBM/sarama"

	"silt/internal/batch"
	"silt/internal/commit"
	"silt/internal/config"
	"silt/internal/deadletter"
	"silt/internal/event"
	"silt/internal/logging"
	"silt/internal/schema"
	"silt/internal/table"
	"silt/internal/telemetry"
)

type Consumer struct {
	cfg      config.KafkaConfig
	batchCfg config.BatchConfig

	registry *schema.Registry
	coord    *commit.Coordinator
	catalog  *table.Catalog
	dlq      *deadletter.Sink

	cl    sarama.Client
	group sarama.ConsumerGroup

	// sarama routes handler errors to Errors() and returns nil from
	// Consume, so a fatal commit failure is recorded here at its source
	// and checked every time a session ends.
	fatalMu sync.Mutex
	fatal   error
}

func New(cfg config.KafkaConfig, batchCfg config.BatchConfig,
	registry *schema.Registry, coord *commit.Coordinator,
	catalog *table.Catalog, dlq *deadletter.Sink) (*Consumer, error) {

	ver, err := sarama.ParseKafkaVersion(cfg.Version)
	if err != nil {
		return nil, err
	}
	sc := sarama.NewConfig()
	sc.Version = ver
	sc.Consumer.Return.Errors = true
	sc.Consumer.Offsets.AutoCommit.Enable = false
	if cfg.ReadTimeout > 0 {
		sc.Net.ReadTimeout = cfg.ReadTimeout
	}
	if cfg.MaxWait > 0 {
		sc.Consumer.MaxWaitTime = cfg.MaxWait
	}
	if cfg.TLSEn {
		sc.Net.TLS.Enable = true
	}
	if cfg.SASLUser != "" {
		sc.Net.SASL.Enable = true
		sc.Net.SASL.User, sc.Net.SASL.Password = cfg.SASLUser, cfg.SASLPass
	}
	switch cfg.StartFrom {
	case "newest":
		sc.Consumer.Offsets.Initial = sarama.OffsetNewest
	default:
		sc.Consumer.Offsets.Initial = sarama.OffsetOldest
	}

	c := &Consumer{
		cfg:      cfg,
		batchCfg: batchCfg,
		registry: registry,
		coord:    coord,
		catalog:  catalog,
		dlq:      dlq,
	}
	if c.cl, err = sarama.NewClient(cfg.Brokers, sc); err != nil {
		return nil, err
	}
	if c.group, err = sarama.NewConsumerGroupFromClient(cfg.GroupID, c.cl); err != nil {
		_ = c.cl.Close()
		return nil, err
	}
	return c, nil
}

// Run consumes until ctx is canceled or a fatal commit error surfaces.
// Broker-side errors are retried indefinitely with backoff; no offsets have
// advanced when they happen, so state cannot be corrupted.
func (c *Consumer) Run(ctx context.Context) error {
	go c.drainErrors(ctx)

	handler := &groupHandler{consumer: c}
	backoff := time.Second
	for {
		err := c.group.Consume(ctx, []string{c.cfg.Topic}, handler)
		if ferr := c.fatalError(); ferr != nil {
			return ferr
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err != nil {
			logging.L().Warn("consumer: session ended, reconnecting", "err", err, "backoff", backoff)
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return ctx.Err()
			}
			if backoff < 30*time.Second {
				backoff *= 2
			}
			continue
		}
		backoff = time.Second
	}
}

func (c *Consumer) drainErrors(ctx context.Context) {
	for {
		select {
		case err, ok := <-c.group.Errors():
			if !ok {
				return
			}
			if errors.Is(err, commit.ErrRetriesExhausted) {
				c.setFatal(err)
				logging.L().Error("consumer: fatal commit failure", "err", err)
				continue
			}
			logging.L().Warn("consumer: broker error", "err", err)
		case <-ctx.Done():
			return
		}
	}
}

// setFatal records the first unrecoverable error; later ones are dropped.
func (c *Consumer) setFatal(err error) {
	c.fatalMu.Lock()
	if c.fatal == nil {
		c.fatal = err
	}
	c.fatalMu.Unlock()
}

func (c *Consumer) fatalError() error {
	c.fatalMu.Lock()
	defer c.fatalMu.Unlock()
	return c.fatal
}

func (c *Consumer) Close() error {
	err := c.group.Close()
	if cerr := c.cl.Close(); err == nil {
		err = cerr
	}
	return err
}

type groupHandler struct {
	consumer *Consumer
}

func (*groupHandler) Setup(sess sarama.ConsumerGroupSession) error {
	logging.L().Info("consumer: session started", "claims", sess.Claims())
	return nil
}

func (*groupHandler) Cleanup(sarama.ConsumerGroupSession) error { return nil }

// ConsumeClaim runs one worker per claimed broker partition; workers are
// independent and concurrent, meeting only at the commit coordinator's
// per-partition-key serialization point.
func (h *groupHandler) ConsumeClaim(sess sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	c := h.consumer
	w := &worker{
		consumer: c,
		topic:    claim.Topic(),
		part:     claim.Partition(),
		asm:      batch.NewAssembler(c.batchCfg.MaxRecords, c.batchCfg.MaxAge),
	}
	err := w.run(sess, claim)
	if errors.Is(err, commit.ErrRetriesExhausted) {
		// recorded here because sarama swallows the return value: the
		// handler error goes to Errors() and Consume yields nil
		c.setFatal(err)
	}
	return err
}

// worker owns one broker partition's stream: its watermark, its open
// batches, and its group-offset advancement.
type worker struct {
	consumer *Consumer
	topic    string
	part     int32
	asm      *batch.Assembler

	watermark    int64
	hasWatermark bool
}

func (w *worker) run(sess sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	c := w.consumer
	ctx := sess.Context()

	// Resume point: the table's committed watermark is the sole source of
	// truth. Anything at or below it was durably committed before.
	off, ok, err := c.catalog.Watermark(ctx, w.topic, w.part)
	if err != nil {
		return err
	}
	w.watermark, w.hasWatermark = off, ok
	logging.L().Info("consumer: partition claimed",
		"topic", w.topic, "partition", w.part, "watermark", off, "resuming", ok)

	flushCheck := w.asm.MaxAge() / 4
	if flushCheck < 100*time.Millisecond {
		flushCheck = 100 * time.Millisecond
	}
	ticker := time.NewTicker(flushCheck)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			// Shutdown: seal everything and let the in-flight commit
			// finish on a detached context rather than tearing it down.
			return w.finalFlush(sess)

		case <-ticker.C:
			if due := w.asm.Due(time.Now()); len(due) > 0 {
				if err := w.flush(ctx, sess, append(due, w.asm.FlushAll()...)); err != nil {
					return err
				}
			}

		case msg, ok := <-claim.Messages():
			if !ok {
				return w.finalFlush(sess)
			}
			if err := w.handle(ctx, sess, msg); err != nil {
				return err
			}
		}
	}
}

func (w *worker) handle(ctx context.Context, sess sarama.ConsumerGroupSession, msg *sarama.ConsumerMessage) error {
	c := w.consumer
	telemetry.EventsConsumed.Inc()

	// Offset-based idempotent restart: redelivered records at or below the
	// committed watermark are dropped before validation ever sees them.
	if w.hasWatermark && msg.Offset <= w.watermark {
		telemetry.EventsSkipped.Inc()
		sess.MarkOffset(msg.Topic, msg.Partition, msg.Offset+1, "")
		return nil
	}

	raw := event.Raw{
		Key:        string(msg.Key),
		Value:      msg.Value,
		Topic:      msg.Topic,
		Partition:  msg.Partition,
		Offset:     msg.Offset,
		ReceivedAt: msg.Timestamp,
	}
	ev, verr := c.registry.Validate(raw)
	if verr != nil {
		c.dlq.Record(raw, verr.Reason)
		return nil
	}

	if sealed := w.asm.Add(ev, raw); sealed != nil {
		// A full batch flushes the whole set: sibling batches hold lower
		// offsets from this stream, and the watermark may not pass them.
		return w.flush(ctx, sess, append([]*batch.Batch{sealed}, w.asm.FlushAll()...))
	}
	return nil
}

// flush commits a set of sealed batches atomically and only then advances
// the broker group offset.
func (w *worker) flush(ctx context.Context, sess sarama.ConsumerGroupSession, batches []*batch.Batch) error {
	c := w.consumer
	ack, err := c.coord.Commit(ctx, batches)
	if err != nil {
		return err
	}

	maxOff := int64(-1)
	for _, b := range batches {
		if r, ok := b.Offsets[w.part]; ok && r.Last > maxOff {
			maxOff = r.Last
		}
	}
	if maxOff < 0 {
		return nil
	}
	if !w.hasWatermark || maxOff > w.watermark {
		w.watermark, w.hasWatermark = maxOff, true
	}
	sess.MarkOffset(w.topic, w.part, maxOff+1, "")
	sess.Commit()
	logging.L().Debug("consumer: flush committed",
		"topic", w.topic, "partition", w.part, "rows", ack.Rows, "segments", len(ack.Segments), "watermark", maxOff)
	return nil
}

// finalFlush runs on shutdown and rebalance with a detached context so an
// in-flight commit can finish cleanly instead of aborting half-applied.
func (w *worker) finalFlush(sess sarama.ConsumerGroupSession) error {
	batches := w.asm.FlushAll()
	if len(batches) == 0 {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(sess.Context()), 30*time.Second)
	defer cancel()
	return w.flush(ctx, sess, batches)
}
