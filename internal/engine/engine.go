package engine

import (
	"context"
	"errors"

	"silt/internal/consumer"
	"silt/internal/deadletter"
	"silt/internal/logging"
	"silt/internal/table"
)

type Engine struct {
	consumer *consumer.Consumer
	table    *table.Table
	dlq      *deadletter.Sink
}

// Run consumes until ctx is canceled or the pipeline hits an unrecoverable
// commit failure. Either way everything is closed before returning; a fatal
// error is returned so the process exits loudly instead of dropping data.
func (e *Engine) Run(ctx context.Context) error {
	err := e.consumer.Run(ctx)

	if cerr := e.consumer.Close(); cerr != nil {
		logging.L().Warn("engine: consumer close", "err", cerr)
	}
	if cerr := e.dlq.Close(); cerr != nil {
		logging.L().Warn("engine: dead-letter close", "err", cerr)
	}
	if cerr := e.table.Close(); cerr != nil {
		logging.L().Warn("engine: table close", "err", cerr)
	}

	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
