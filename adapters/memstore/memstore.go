// Package memstore provides an in-memory document store and change feed. It
// is the reference Store implementation and the workhorse of the test suites.
package memstore

import (
	"context"
	"encoding/json"
	"strconv"
	"sync"

	"github.com/google/uuid"
	"github.com/luno/jettison/errors"
	"github.com/luno/jettison/j"
	"k8s.io/utils/clock"

	"github.com/chwkit/sentinel"
)

func New(opts ...Option) *Store {
	opt := options{
		clock: clock.RealClock{},
	}
	for _, o := range opts {
		o(&opt)
	}

	return &Store{
		clock:   opt.clock,
		docs:    make(map[string]*sentinel.Doc),
		watcher: make(chan struct{}, 1),
	}
}

type options struct {
	clock clock.Clock
}

type Option func(o *options)

func WithClock(clock clock.Clock) Option {
	return func(o *options) {
		o.clock = clock
	}
}

var (
	_ sentinel.Store      = (*Store)(nil)
	_ sentinel.AuditStore = (*Store)(nil)
)

type Store struct {
	mu    sync.Mutex
	clock clock.Clock

	seq     int64
	docs    map[string]*sentinel.Doc
	changes []*sentinel.Change
	watcher chan struct{}

	queryErr error
	saveErr  error
}

// SetQueryErr makes every subsequent Query fail with err until reset with nil.
func (s *Store) SetQueryErr(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.queryErr = err
}

// SetSaveErr makes every subsequent Save fail with err until reset with nil.
func (s *Store) SetSaveErr(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.saveErr = err
}

func (s *Store) Get(ctx context.Context, id string) (*sentinel.Doc, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc, ok := s.docs[id]
	if !ok {
		return nil, errors.Wrap(sentinel.ErrDocNotFound, "", j.KV("id", id))
	}

	return cloneDoc(doc), nil
}

// Save persists the document, assigning an id when absent and bumping the
// revision. A stale revision fails with ErrSaveConflict. Every successful save
// appends a change event to the feed.
func (s *Store) Save(ctx context.Context, doc *sentinel.Doc) (*sentinel.Doc, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.saveErr != nil {
		return nil, s.saveErr
	}

	d := cloneDoc(doc)
	if d.ID == "" {
		d.ID = uuid.New().String()
	}

	if existing, ok := s.docs[d.ID]; ok {
		if existing.Rev != d.Rev {
			return nil, errors.Wrap(sentinel.ErrSaveConflict, "", j.MKV{
				"id":        d.ID,
				"rev":       d.Rev,
				"saved_rev": existing.Rev,
			})
		}
	} else if d.Rev != "" {
		return nil, errors.Wrap(sentinel.ErrSaveConflict, "unknown doc with revision", j.KV("id", d.ID))
	}

	s.seq++
	d.Rev = nextRev(d.Rev)
	s.docs[d.ID] = d

	s.changes = append(s.changes, &sentinel.Change{
		ID:  d.ID,
		Seq: strconv.FormatInt(s.seq, 10),
		Doc: cloneDoc(d),
	})
	select {
	case s.watcher <- struct{}{}:
	default:
	}

	return cloneDoc(d), nil
}

func (s *Store) SaveDoc(ctx context.Context, doc *sentinel.Doc) error {
	saved, err := s.Save(ctx, doc)
	if err != nil {
		return err
	}

	*doc = *saved
	return nil
}

func nextRev(rev string) string {
	if rev == "" {
		return "1-" + uuid.New().String()[:8]
	}

	var n int64
	if i := len(rev); i > 0 {
		for j := 0; j < i; j++ {
			if rev[j] == '-' {
				n, _ = strconv.ParseInt(rev[:j], 10, 64)
				break
			}
		}
	}

	return strconv.FormatInt(n+1, 10) + "-" + uuid.New().String()[:8]
}

func cloneDoc(doc *sentinel.Doc) *sentinel.Doc {
	if doc == nil {
		return nil
	}

	b, err := json.Marshal(doc)
	if err != nil {
		panic(err)
	}

	var clone sentinel.Doc
	if err := json.Unmarshal(b, &clone); err != nil {
		panic(err)
	}

	return &clone
}
