package sqlstore

import (
	"context"
	"strconv"
	"time"

	"github.com/luno/jettison/errors"
	"github.com/luno/jettison/j"

	"github.com/chwkit/sentinel"
)

const defaultPollPeriod = 250 * time.Millisecond

// Feed returns a change feed over the store's change log starting after the
// given sequence, or from the beginning when afterSeq is empty.
func (s *SQLStore) Feed(afterSeq string) (*Feed, error) {
	var cursor int64
	if afterSeq != "" {
		var err error
		cursor, err = strconv.ParseInt(afterSeq, 10, 64)
		if err != nil {
			return nil, errors.Wrap(err, "invalid feed cursor", j.KV("seq", afterSeq))
		}
	}

	return &Feed{
		store:      s,
		cursor:     cursor,
		pollPeriod: defaultPollPeriod,
	}, nil
}

var _ sentinel.ChangeFeed = (*Feed)(nil)

type Feed struct {
	store      *SQLStore
	cursor     int64
	pollPeriod time.Duration

	buf []*sentinel.Change
}

// Next returns the next change in log order, polling the change table when
// caught up.
func (f *Feed) Next(ctx context.Context) (*sentinel.Change, error) {
	for {
		if len(f.buf) > 0 {
			change := f.buf[0]
			f.buf = f.buf[1:]
			return change, nil
		}

		changes, err := f.fetch(ctx)
		if err != nil {
			return nil, err
		}
		if len(changes) > 0 {
			f.buf = changes
			continue
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(f.pollPeriod):
		}
	}
}

func (f *Feed) fetch(ctx context.Context) ([]*sentinel.Change, error) {
	rows, err := f.store.reader.QueryContext(ctx,
		"select seq, doc_id, doc from "+f.store.changeTable+
			" where seq>? order by seq limit 100", f.cursor,
	)
	if err != nil {
		return nil, errors.Wrap(err, "fetch changes")
	}
	defer rows.Close()

	var res []*sentinel.Change
	for rows.Next() {
		var (
			seq   int64
			docID string
			blob  []byte
		)
		if err := rows.Scan(&seq, &docID, &blob); err != nil {
			return nil, errors.Wrap(err, "scan change")
		}

		doc, err := unmarshalDoc(blob)
		if err != nil {
			return nil, err
		}

		res = append(res, &sentinel.Change{
			ID:  docID,
			Seq: strconv.FormatInt(seq, 10),
			Doc: doc,
		})
		f.cursor = seq
	}
	if rows.Err() != nil {
		return nil, errors.Wrap(rows.Err(), "change rows")
	}

	return res, nil
}
