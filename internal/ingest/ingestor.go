// Package ingest keeps a connection open to the upstream change stream and
// appends every message payload to the bounded input queue.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"wikiwatch/internal/backoff"
	"wikiwatch/internal/metrics"
	"wikiwatch/internal/queue"
)

// storeError marks failures writing to the input queue. They are never
// transport failures, even when the store's own connection is what broke.
type storeError struct{ err error }

func (e *storeError) Error() string { return fmt.Sprintf("enqueue: %v", e.err) }
func (e *storeError) Unwrap() error { return e.err }

type Options struct {
	ReconnectDelay time.Duration
	ErrorDelay     time.Duration
}

type Ingestor struct {
	source  Source
	input   *queue.Bounded
	opts    Options
	log     *zap.Logger
	metrics *metrics.Metrics

	// lastEventID is the id of the newest event seen, sent on reconnect.
	lastEventID string
}

func New(source Source, input *queue.Bounded, opts Options, log *zap.Logger, m *metrics.Metrics) *Ingestor {
	return &Ingestor{
		source:  source,
		input:   input,
		opts:    opts,
		log:     log.Named("ingest"),
		metrics: m,
	}
}

// Run connects and reconnects forever. It only returns when ctx is cancelled.
func (i *Ingestor) Run(ctx context.Context) error {
	for {
		err := i.session(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}

		delay, reason := i.classify(err)
		i.metrics.IngestReconnects.WithLabelValues(reason).Inc()
		if reason == metrics.ReasonTransport {
			i.log.Warn("connection lost, reconnecting",
				zap.Error(err), zap.Duration("delay", delay))
		} else {
			i.log.Error("unexpected ingest error, reconnecting",
				zap.Error(err), zap.Duration("delay", delay))
		}

		if err := backoff.Sleep(ctx, delay); err != nil {
			return err
		}
	}
}

func (i *Ingestor) classify(err error) (time.Duration, string) {
	var se *storeError
	if !errors.As(err, &se) && IsTransportError(err) {
		return i.opts.ReconnectDelay, metrics.ReasonTransport
	}
	return i.opts.ErrorDelay, metrics.ReasonUnexpected
}

// session runs one connection until it fails.
func (i *Ingestor) session(ctx context.Context) error {
	log := i.log.With(zap.String("session", uuid.NewString()))
	log.Info("connecting to event stream", zap.String("last_event_id", i.lastEventID))

	body, err := i.source.Connect(ctx, i.lastEventID)
	if err != nil {
		return err
	}
	defer body.Close()
	log.Info("connected, listening for events")

	var count int64
	err = ReadEvents(body, func(ev Event) error {
		if ev.ID != "" {
			i.lastEventID = ev.ID
		}
		if ev.Type != "message" {
			return nil
		}
		if err := i.input.Insert(ctx, ev.Data); err != nil {
			return &storeError{err: err}
		}
		count++
		i.metrics.IngestEvents.Inc()
		return nil
	})
	log.Info("session ended", zap.Int64("events", count))
	return err
}
