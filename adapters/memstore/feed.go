package memstore

import (
	"context"
	"time"

	"github.com/chwkit/sentinel"
)

// Feed returns a change feed over the store beginning at the oldest retained
// change. Each feed has an independent cursor.
func (s *Store) Feed() *Feed {
	return &Feed{store: s}
}

var _ sentinel.ChangeFeed = (*Feed)(nil)

type Feed struct {
	store *Store
	next  int
}

// Next returns the next change event, blocking until one is available or ctx
// is done.
func (f *Feed) Next(ctx context.Context) (*sentinel.Change, error) {
	for {
		f.store.mu.Lock()
		if f.next < len(f.store.changes) {
			change := f.store.changes[f.next]
			f.next++
			f.store.mu.Unlock()
			return &sentinel.Change{
				ID:  change.ID,
				Seq: change.Seq,
				Doc: cloneDoc(change.Doc),
			}, nil
		}
		f.store.mu.Unlock()

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-f.store.watcher:
		case <-time.After(25 * time.Millisecond):
		}
	}
}

// Rewind resets the cursor to the oldest retained change, simulating the
// redelivery that follows a restart.
func (f *Feed) Rewind() {
	f.store.mu.Lock()
	defer f.store.mu.Unlock()
	f.next = 0
}
