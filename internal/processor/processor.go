// Package processor consumes raw edits from the input queue, classifies them
// and publishes the enriched records to the live and vandalism feeds.
package processor

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"wikiwatch/internal/backoff"
	"wikiwatch/internal/classifier"
	"wikiwatch/internal/data"
	"wikiwatch/internal/metrics"
	"wikiwatch/internal/queue"
)

// skippedPreview is how much of a malformed payload is logged.
const skippedPreview = 100

type Options struct {
	// ErrorBackoff is the pause after an unexpected error.
	ErrorBackoff time.Duration
	// PollTimeout bounds each blocking pop so shutdown is noticed.
	PollTimeout time.Duration
}

// Feeds are the queues the processor reads from and writes to.
type Feeds struct {
	Input     *queue.Bounded
	Live      *queue.Bounded
	Vandalism *queue.Bounded
}

type Processor struct {
	feeds   Feeds
	rules   classifier.Rules
	codec   data.Codec
	opts    Options
	log     *zap.Logger
	metrics *metrics.Metrics
}

func New(feeds Feeds, rules classifier.Rules, codec data.Codec, opts Options, log *zap.Logger, m *metrics.Metrics) *Processor {
	return &Processor{
		feeds: feeds,
		rules: rules,
		codec: codec,
		opts:  opts,
		// Several processors may share one input queue; tell them apart in logs.
		log:     log.Named("process").With(zap.String("instance", uuid.NewString())),
		metrics: m,
	}
}

// Run processes records until ctx is cancelled. Errors are logged and followed
// by ErrorBackoff; the record in flight when one happens is not retried.
func (p *Processor) Run(ctx context.Context) error {
	p.log.Info("processing engine started, waiting for events",
		zap.String("input", p.feeds.Input.Key))
	for {
		err := p.ProcessOne(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err == nil {
			continue
		}
		p.metrics.Errors.Inc()
		p.log.Error("unexpected processing error", zap.Error(err),
			zap.Duration("backoff", p.opts.ErrorBackoff))
		if err := backoff.Sleep(ctx, p.opts.ErrorBackoff); err != nil {
			return err
		}
	}
}

// ProcessOne waits for the next input record and handles it end to end.
// Malformed payloads are discarded and are not an error.
func (p *Processor) ProcessOne(ctx context.Context) error {
	raw, err := p.feeds.Input.Pop(ctx, p.opts.PollTimeout)
	if err != nil {
		return fmt.Errorf("pop input: %w", err)
	}

	rec, err := data.DecodeEditRecord([]byte(raw))
	if err != nil {
		p.metrics.Skipped.Inc()
		p.log.Warn("skipping malformed payload",
			zap.String("payload", preview(raw)), zap.Error(err))
		return nil
	}

	if err := p.publish(ctx, rec); err != nil {
		// The popped record is gone from the input queue and is not requeued.
		p.metrics.Dropped.Inc()
		return err
	}
	return nil
}

func (p *Processor) publish(ctx context.Context, rec data.EditRecord) error {
	findings := p.rules.Evaluate(rec)
	reasons := make([]string, 0, len(findings))
	for _, f := range findings {
		reasons = append(reasons, f.Reason)
		p.metrics.RuleHits.WithLabelValues(string(f.Rule)).Inc()
	}
	enriched := data.Enrich(rec, reasons)

	b, err := p.codec.Marshal(enriched)
	if err != nil {
		return fmt.Errorf("encode %q: %w", rec.Title, err)
	}
	payload := string(b)

	if err := p.feeds.Live.Insert(ctx, payload); err != nil {
		return fmt.Errorf("publish live feed: %w", err)
	}
	p.metrics.Processed.Inc()

	if !enriched.IsVandalism {
		return nil
	}
	p.log.Info("vandalism detected",
		zap.String("title", rec.Title),
		zap.String("reasons", strings.Join(reasons, ", ")))
	if err := p.feeds.Vandalism.Insert(ctx, payload); err != nil {
		return fmt.Errorf("publish vandalism feed: %w", err)
	}
	p.metrics.Flagged.Inc()
	return nil
}

func preview(s string) string {
	if len(s) <= skippedPreview {
		return s
	}
	return s[:skippedPreview] + "..."
}
