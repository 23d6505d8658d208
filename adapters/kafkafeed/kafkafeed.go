// Package kafkafeed provides a change feed over a Kafka topic carrying JSON
// change events, for deployments that fan the document store's change stream
// out through a broker.
package kafkafeed

import (
	"context"
	"encoding/json"
	"io"

	"github.com/luno/jettison/errors"
	"github.com/luno/jettison/j"
	"github.com/segmentio/kafka-go"

	"github.com/chwkit/sentinel"
)

func New(brokers []string, topic, group string, opts ...Option) *Feed {
	opt := options{
		minBytes: 1,
		maxBytes: 10e6,
	}
	for _, o := range opts {
		o(&opt)
	}

	return &Feed{
		reader: kafka.NewReader(kafka.ReaderConfig{
			Brokers:  brokers,
			Topic:    topic,
			GroupID:  group,
			MinBytes: opt.minBytes,
			MaxBytes: opt.maxBytes,
		}),
	}
}

type options struct {
	minBytes int
	maxBytes int
}

type Option func(*options)

// WithMaxBytes caps the fetch size; large documents need headroom above the
// default 10MB.
func WithMaxBytes(n int) Option {
	return func(o *options) {
		o.maxBytes = n
	}
}

var _ sentinel.ChangeFeed = (*Feed)(nil)

type Feed struct {
	reader *kafka.Reader
}

// Next blocks for the next change event on the topic. Offsets are committed on
// read; redelivery after a rebalance or restart is expected and handled by the
// pipeline's idempotency bookkeeping.
func (f *Feed) Next(ctx context.Context) (*sentinel.Change, error) {
	for {
		msg, err := f.reader.ReadMessage(ctx)
		if errors.IsAny(err, io.EOF, io.ErrClosedPipe) {
			return nil, errors.Wrap(sentinel.ErrFeedClosed, "")
		} else if err != nil {
			return nil, errors.Wrap(err, "read change message")
		}

		var change sentinel.Change
		if err := json.Unmarshal(msg.Value, &change); err != nil {
			// NoReturnErr: a malformed event is skipped, not retried forever.
			continue
		}
		if change.ID == "" {
			change.ID = string(msg.Key)
		}

		return &change, nil
	}
}

func (f *Feed) Close() error {
	return errors.Wrap(f.reader.Close(), "", j.KV("topic", f.reader.Config().Topic))
}
