package worker

import (
	"context"
	"errors"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

const (
	defaultBatchSize     = 100
	defaultFlushInterval = time.Second
	defaultRetryDelay    = 5 * time.Second
	finalFlushTimeout    = 5 * time.Second
)

// MessageReader is the part of *kafka.Reader the forwarder uses.
type MessageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
}

// Pusher ships raw event lines, e.g. *loki.Client.
type Pusher interface {
	PushEvents(ctx context.Context, raw [][]byte) error
}

// Forwarder moves security events from Kafka to Loki in batches. Offsets are committed only
// after a batch was pushed, so a Loki outage delays delivery instead of dropping events.
type Forwarder struct {
	reader        MessageReader
	pusher        Pusher
	batchSize     int
	flushInterval time.Duration
	retryDelay    time.Duration
	log           *zap.Logger
}

func NewForwarder(reader MessageReader, pusher Pusher, log *zap.Logger) *Forwarder {
	if log == nil {
		log = zap.NewNop()
	}
	return &Forwarder{
		reader:        reader,
		pusher:        pusher,
		batchSize:     defaultBatchSize,
		flushInterval: defaultFlushInterval,
		retryDelay:    defaultRetryDelay,
		log:           log,
	}
}

// WithBatch overrides the batch size and the idle time after which a partial batch is pushed.
func (f *Forwarder) WithBatch(size int, flushInterval time.Duration) *Forwarder {
	if size > 0 {
		f.batchSize = size
	}
	if flushInterval > 0 {
		f.flushInterval = flushInterval
	}
	return f
}

// Run forwards until ctx is done, then pushes what it still holds.
func (f *Forwarder) Run(ctx context.Context) {
	var batch []kafka.Message
	for {
		fetchCtx, cancel := context.WithTimeout(ctx, f.flushInterval)
		msg, err := f.reader.FetchMessage(fetchCtx)
		cancel()
		switch {
		case err == nil:
			batch = append(batch, msg)
			if len(batch) < f.batchSize {
				continue
			}
		case ctx.Err() != nil:
			if len(batch) > 0 {
				finalCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), finalFlushTimeout)
				f.flush(finalCtx, batch)
				cancel()
			}
			return
		case errors.Is(err, context.DeadlineExceeded):
		default:
			f.log.Warn("kafka fetch failed", zap.Error(err))
		}
		if len(batch) == 0 {
			continue
		}
		if f.flush(ctx, batch) {
			batch = batch[:0]
			continue
		}
		select {
		case <-ctx.Done():
		case <-time.After(f.retryDelay):
		}
	}
}

func (f *Forwarder) flush(ctx context.Context, batch []kafka.Message) bool {
	lines := make([][]byte, len(batch))
	for i, m := range batch {
		lines[i] = m.Value
	}
	if err := f.pusher.PushEvents(ctx, lines); err != nil {
		f.log.Warn("loki push failed", zap.Int("events", len(batch)), zap.Error(err))
		return false
	}
	if err := f.reader.CommitMessages(ctx, batch...); err != nil {
		f.log.Warn("kafka commit failed", zap.Error(err))
	}
	return true
}
