package sentinel

import (
	"context"
	"fmt"
	"math"
	"strconv"
	"sync"

	"github.com/luno/jettison/errors"
	"github.com/luno/jettison/j"

	"github.com/chwkit/sentinel/internal/ids"
)

const (
	defaultIDLength = 5
	defaultIDBatch  = 100
)

// IDPool issues verified-unique patient identifiers. It keeps a cache of
// candidates that have been checked against the store's registered set and
// replenishes it in batches, escalating identifier length when a whole batch
// collides. The pool is safe for concurrent use; issuance and replenishment
// are serialized so the same candidate is never handed out twice.
//
// Construct one pool at startup and share it; the store's registered-id view
// remains the final arbiter of uniqueness.
type IDPool struct {
	store  Store
	logger Logger

	batchSize int

	mu     sync.Mutex
	length int
	cache  map[string]struct{}
}

type IDPoolOption func(*IDPool)

// WithBatchSize overrides how many candidates are generated per replenishment.
func WithBatchSize(n int) IDPoolOption {
	return func(p *IDPool) {
		p.batchSize = n
	}
}

// WithInitialLength overrides the starting identifier length.
func WithInitialLength(n int) IDPoolOption {
	return func(p *IDPool) {
		p.length = n
	}
}

func WithIDPoolLogger(l Logger) IDPoolOption {
	return func(p *IDPool) {
		p.logger = l
	}
}

func NewIDPool(store Store, opts ...IDPoolOption) (*IDPool, error) {
	p := &IDPool{
		store:     store,
		logger:    noopLogger{},
		batchSize: defaultIDBatch,
		length:    defaultIDLength,
		cache:     make(map[string]struct{}),
	}

	for _, opt := range opts {
		opt(p)
	}

	if p.length <= 0 || p.length >= ids.MaxLength {
		return nil, errors.Wrap(ErrConfig, "id length out of range", j.MKV{
			"length": strconv.Itoa(p.length),
		})
	}

	// A cache close to the size of the id space cannot be filled with random
	// draws in reasonable time.
	if float64(p.batchSize*10) > math.Pow(10, float64(p.length)) {
		return nil, errors.Wrap(ErrConfig, "id batch size too high for id length", j.MKV{
			"batch_size": strconv.Itoa(p.batchSize),
			"length":     strconv.Itoa(p.length),
		})
	}

	return p, nil
}

// Issue returns an identifier absent from the store's registered set at call
// time. It fails only on store query errors.
func (p *IDPool) Issue(ctx context.Context) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for len(p.cache) == 0 {
		if err := p.replenish(ctx); err != nil {
			return "", err
		}
	}

	for id := range p.cache {
		delete(p.cache, id)
		return id, nil
	}

	// Unreachable: the loop above only exits with a non-empty cache.
	return "", errors.New("id cache drained unexpectedly")
}

// Assign issues an identifier and sets it on the document.
func (p *IDPool) Assign(ctx context.Context, doc *Doc) error {
	id, err := p.Issue(ctx)
	if err != nil {
		return err
	}

	doc.PatientID = id
	return nil
}

// replenish generates a fresh candidate batch, removes candidates already
// registered in the store and installs the remainder as the new cache. An
// entirely collided batch escalates the identifier length; a partially
// exhausted batch is never cached at the old length beyond this round.
// Callers must hold p.mu.
func (p *IDPool) replenish(ctx context.Context) error {
	fresh, err := ids.GenerateBatch(p.length, p.batchSize)
	if err != nil {
		return errors.Wrap(ErrIDTooLong, err.Error(), j.MKV{
			"length": strconv.Itoa(p.length),
		})
	}

	keys := make([]any, 0, len(fresh))
	for id := range fresh {
		keys = append(keys, id)
	}

	rows, err := p.store.Query(ctx, ViewRegisteredPatients, QueryOpts{Keys: keys})
	if err != nil {
		return err
	}

	for _, row := range rows {
		if id, ok := row.Key.(string); ok {
			delete(fresh, id)
		}
	}

	if len(fresh) == 0 {
		p.logger.Debug(ctx, fmt.Sprintf("could not create a unique id of length %d, increasing length", p.length), nil)
		p.length++
		return nil
	}

	p.cache = fresh
	return nil
}

// IsIDUnique reports whether the given identifier is absent from the store's
// registered set.
func IsIDUnique(ctx context.Context, store Store, id string) (bool, error) {
	rows, err := store.Query(ctx, ViewRegisteredPatients, QueryOpts{Key: id})
	if err != nil {
		return false, err
	}

	return len(rows) == 0, nil
}
