package sentinel

import (
	"context"
	"time"

	"github.com/luno/jettison/errors"
	"github.com/luno/jettison/j"
	"k8s.io/utils/clock"

	"github.com/chwkit/sentinel/internal/metrics"
)

const defaultErrBackOff = time.Second * 5

// Runner drives the transition registry over change events. For each event it
// evaluates the registry in declared order, records per-transition outcomes on
// the document and persists at most once. Change events for different
// documents may be processed concurrently; all per-document state lives on the
// document itself.
type Runner struct {
	registry *Registry
	audit    AuditStore

	clock      clock.Clock
	logger     Logger
	errBackOff time.Duration

	settingsDocID string
	reload        func(ctx context.Context) error
}

type RunnerOption func(*Runner)

func WithClock(c clock.Clock) RunnerOption {
	return func(r *Runner) {
		r.clock = c
	}
}

func WithLogger(l Logger) RunnerOption {
	return func(r *Runner) {
		r.logger = l
	}
}

// WithErrBackOff overrides the feed retry back off.
func WithErrBackOff(d time.Duration) RunnerOption {
	return func(r *Runner) {
		r.errBackOff = d
	}
}

// WithSettingsReload registers a reload hook invoked when a change event for
// the settings document id arrives on the feed.
func WithSettingsReload(docID string, reload func(ctx context.Context) error) RunnerOption {
	return func(r *Runner) {
		r.settingsDocID = docID
		r.reload = reload
	}
}

func NewRunner(registry *Registry, audit AuditStore, opts ...RunnerOption) *Runner {
	r := &Runner{
		registry:   registry,
		audit:      audit,
		clock:      clock.RealClock{},
		logger:     noopLogger{},
		errBackOff: defaultErrBackOff,
	}

	for _, opt := range opts {
		opt(r)
	}

	return r
}

// ProcessChange applies the registry to one change event. Transitions whose
// filter matches run sequentially; an OnMatch error records a failed
// completion and moves on, leaving redelivery as the retry mechanism. The
// document is saved exactly once iff any transition reported a change.
func (r *Runner) ProcessChange(ctx context.Context, change *Change) error {
	if r.settingsDocID != "" && change.ID == r.settingsDocID {
		r.logger.Debug(ctx, "settings changed - reloading configuration", nil)
		return r.reload(ctx)
	}

	doc := change.Doc
	if doc == nil {
		return nil
	}

	t0 := r.clock.Now()
	defer func() {
		metrics.ChangeLatency.Observe(r.clock.Since(t0).Seconds())
	}()

	var dirty bool
	for _, t := range r.registry.All() {
		if !t.Filter(doc) {
			metrics.TransitionsSkipped.WithLabelValues(t.Name()).Inc()
			continue
		}

		changed, err := t.OnMatch(ctx, change)
		if err != nil {
			// NoReturnErr: a failed transition is recorded on the document
			// and retried on the next change delivery for this document.
			doc.setCompletion(t.Name(), change.Seq, false, r.clock.Now())
			metrics.TransitionErrors.WithLabelValues(t.Name()).Inc()
			r.logger.Error(ctx, errors.Wrap(err, "transition failed", j.MKV{
				"transition": t.Name(),
				"doc_id":     change.ID,
				"seq":        change.Seq,
			}))
			continue
		}

		if !changed {
			// Did not apply. Distinct from failure: no completion record is
			// written so the filter may match again on a later change.
			continue
		}

		doc.setCompletion(t.Name(), change.Seq, true, r.clock.Now())
		metrics.TransitionsApplied.WithLabelValues(t.Name()).Inc()
		dirty = true
	}

	if !dirty {
		return nil
	}

	if err := r.audit.SaveDoc(ctx, doc); err != nil {
		return errors.Wrap(err, "saving changed document", j.MKV{
			"doc_id": change.ID,
			"seq":    change.Seq,
		})
	}

	metrics.SavesTotal.Inc()
	return nil
}

// Run consumes the change feed until ctx is cancelled or the feed closes.
// Feed errors are logged and retried after a back off; processing errors are
// logged and the event is left to redelivery.
func (r *Runner) Run(ctx context.Context, feed ChangeFeed) error {
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		change, err := feed.Next(ctx)
		if errors.Is(err, context.Canceled) || errors.Is(err, ErrFeedClosed) {
			return err
		} else if err != nil {
			// NoReturnErr: transient feed errors back off and retry.
			r.logger.Error(ctx, err)
			if err := r.wait(ctx, r.errBackOff); err != nil {
				return err
			}
			continue
		}

		if err := r.ProcessChange(ctx, change); err != nil {
			// NoReturnErr: the store redelivers this change; idempotency
			// bookkeeping on the document makes the retry safe.
			r.logger.Error(ctx, err)
		}
	}
}

func (r *Runner) wait(ctx context.Context, d time.Duration) error {
	if d == 0 {
		return nil
	}

	t := r.clock.NewTimer(d)
	defer t.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C():
		return nil
	}
}
